// Package queue carries one Job per submission from ingestion to the worker
// pool with at-least-once delivery: a Delivery is acknowledged only after the
// worker has finished with it, so a crash mid-job causes redelivery.
//
// Jobs carry no idempotency key. A redelivered job is executed again and its
// row and status writes overwrite the earlier ones.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bulkimg/internal/models"
)

// ErrClosed is returned by Receive after the consumer has been closed.
var ErrClosed = errors.New("queue: consumer closed")

// ErrLeaseLost is returned by Extend when the message is no longer held by
// this consumer.
var ErrLeaseLost = errors.New("queue: lease lost")

type Producer interface {
	Enqueue(ctx context.Context, job models.Job) error
	Close() error
}

type Consumer interface {
	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is one received job. Ack must be called once the job has been
// handled; an un-acked delivery is redelivered.
//
// Brokers that hand idle messages to other consumers attach a lease, which
// KeepAlive renews while the job is being handled.
type Delivery struct {
	Job models.Job
	// ID identifies the broker message for logging.
	ID  string
	ack func(ctx context.Context) error

	extend     func(ctx context.Context) error
	leaseEvery time.Duration
}

// NewDelivery wraps a job received from a broker; ack acknowledges it.
func NewDelivery(job models.Job, id string, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Job: job, ID: id, ack: ack}
}

// WithLease makes KeepAlive call extend every interval.
func (d *Delivery) WithLease(every time.Duration, extend func(ctx context.Context) error) *Delivery {
	d.leaseEvery = every
	d.extend = extend
	return d
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Extend renews the lease once. It is a no-op for deliveries without one.
func (d *Delivery) Extend(ctx context.Context) error {
	if d.extend == nil {
		return nil
	}
	return d.extend(ctx)
}

// KeepAlive renews the lease in the background until the returned stop func
// is called or ctx is done. Renewal errors go to onErr; renewal continues
// unless the error is ErrLeaseLost.
func (d *Delivery) KeepAlive(ctx context.Context, onErr func(error)) (stop func()) {
	if d.extend == nil || d.leaseEvery <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.leaseEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := d.extend(ctx)
			if err == nil || ctx.Err() != nil {
				continue
			}
			if onErr != nil {
				onErr(err)
			}
			if errors.Is(err, ErrLeaseLost) {
				return
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// Encode serializes a job for the wire.
func Encode(job models.Job) ([]byte, error) {
	if job.SubmissionID == uuid.Nil {
		return nil, errors.New("queue: job without submission id")
	}
	return json.Marshal(job)
}

// Decode parses a wire payload into a Job.
func Decode(raw []byte) (models.Job, error) {
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, fmt.Errorf("queue: decode job: %w", err)
	}
	if job.SubmissionID == uuid.Nil {
		return models.Job{}, errors.New("queue: job without submission id")
	}
	return job, nil
}
