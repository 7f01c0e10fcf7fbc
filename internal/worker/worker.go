package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bulkimg/internal/models"
	"bulkimg/internal/queue"
	"bulkimg/internal/transform"
)

// Transformer turns one source URL into a stored locator or a tagged failure.
type Transformer interface {
	Process(ctx context.Context, url string) transform.Result
}

// StatusStore is the subset of the status store a worker writes to.
type StatusStore interface {
	SubmissionStatus(ctx context.Context, id uuid.UUID) (models.SubmissionStatus, error)
	SetRowOutputs(ctx context.Context, submissionID, rowID uuid.UUID, urls []string) error
	SetSubmissionStatus(ctx context.Context, submissionID uuid.UUID, status models.SubmissionStatus) error
}

// ConsumerFactory opens the queue consumer owned by worker n.
type ConsumerFactory func(n int) (queue.Consumer, error)

type Options struct {
	Workers       int
	Fanout        int
	StatusTimeout time.Duration
}

type Pool struct {
	consumers   ConsumerFactory
	transformer Transformer
	store       StatusStore
	opts        Options
	log         zerolog.Logger
	report      func(error)
}

func NewPool(consumers ConsumerFactory, transformer Transformer, store StatusStore, opts Options, log zerolog.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Fanout < 1 {
		opts.Fanout = 1
	}
	return &Pool{
		consumers:   consumers,
		transformer: transformer,
		store:       store,
		opts:        opts,
		log:         log,
		report:      func(err error) { sentry.CaptureException(err) },
	}
}

// Run starts the workers and blocks until ctx is cancelled or a consumer
// fails permanently.
func (p *Pool) Run(ctx context.Context) error {
	consumers := make([]queue.Consumer, 0, p.opts.Workers)
	for n := 0; n < p.opts.Workers; n++ {
		consumer, err := p.consumers(n)
		if err != nil {
			for _, c := range consumers {
				_ = c.Close()
			}
			return fmt.Errorf("worker.Run: open consumer %d: %w", n, err)
		}
		consumers = append(consumers, consumer)
	}

	g, ctx := errgroup.WithContext(ctx)
	for n, consumer := range consumers {
		g.Go(func() error {
			defer consumer.Close()
			return p.loop(ctx, n, consumer)
		})
	}
	p.log.Info().Int("workers", p.opts.Workers).Int("fanout", p.opts.Fanout).Msg("worker: pool started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, n int, consumer queue.Consumer) error {
	log := p.log.With().Int("worker", n).Logger()
	log.Info().Msg("worker: started")
	defer log.Info().Msg("worker: stopped")

	for {
		d, err := consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("worker: receive failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		stopLease := d.KeepAlive(ctx, func(err error) {
			log.Warn().Err(err).Str("submission_id", d.Job.SubmissionID.String()).Str("message", d.ID).Msg("worker: lease renewal failed")
		})
		p.HandleJob(ctx, d.Job)
		stopLease()

		// Leave the delivery pending when shutdown interrupted the job.
		if ctx.Err() != nil {
			log.Warn().Str("submission_id", d.Job.SubmissionID.String()).Str("message", d.ID).Msg("worker: job interrupted, leaving for redelivery")
			return ctx.Err()
		}
		if err := d.Ack(ctx); err != nil {
			log.Error().Err(err).Str("submission_id", d.Job.SubmissionID.String()).Str("message", d.ID).Msg("worker: ack failed")
		}
	}
}

// HandleJob drives one job to completion. Row failures never abort the job;
// the submission is marked completed once every row has been visited, unless
// the status store was unreachable from the start.
func (p *Pool) HandleJob(ctx context.Context, job models.Job) {
	log := p.log.With().Str("submission_id", job.SubmissionID.String()).Logger()
	log.Info().Int("rows", len(job.Rows)).Msg("worker: job started")

	current, err := p.submissionStatus(ctx, job.SubmissionID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		log.Error().Msg("worker: submission not found, dropping job")
		return
	case err != nil:
		log.Error().Err(err).Msg("worker: status store unreachable, submission left processing")
		p.report(fmt.Errorf("job %s: status store unreachable: %w", job.SubmissionID, err))
		return
	case current == models.StatusCompleted:
		log.Warn().Msg("worker: submission already completed, reprocessing redelivered job")
	}

	for _, row := range job.Rows {
		out, ok := p.processRow(ctx, job.SubmissionID, row, log)
		if !ok {
			continue
		}
		p.writeRow(ctx, out, log)
	}

	if err := p.setCompleted(ctx, job.SubmissionID); err != nil {
		log.Error().Err(err).Msg("worker: failed to mark submission completed")
		return
	}
	log.Info().Msg("worker: job completed")
}

// processRow transforms every usable URL of the row. It reports false when
// the row has nothing to process.
func (p *Pool) processRow(ctx context.Context, submissionID uuid.UUID, row models.JobRow, log zerolog.Logger) (models.RowOutputs, bool) {
	urls := row.URLs()
	rlog := log.With().Str("row_id", row.RowID.String()).Str("product", row.ProductName).Logger()
	if len(urls) == 0 {
		rlog.Warn().Msg("worker: no image urls, skipping row")
		return models.RowOutputs{}, false
	}
	rlog.Info().Int("images", len(urls)).Msg("worker: processing row")

	results := make([]transform.Result, len(urls))
	g := new(errgroup.Group)
	g.SetLimit(p.opts.Fanout)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = p.transformer.Process(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	outputs := make([]string, 0, len(urls))
	for _, res := range results {
		switch res.Kind {
		case transform.OK:
			outputs = append(outputs, res.Locator)
		default:
			rlog.Warn().Err(res.Err).Str("url", res.URL).Str("kind", string(res.Kind)).Msg("worker: image dropped")
		}
	}

	return models.NewRowOutputs(submissionID, row.RowID, row.ProductName, urls, outputs), true
}

func (p *Pool) writeRow(ctx context.Context, out models.RowOutputs, log zerolog.Logger) {
	rlog := log.With().Str("row_id", out.RowID.String()).Logger()
	if out.RowID == uuid.Nil {
		rlog.Warn().Msg("worker: job row has no row key, updating every row of the submission")
	}

	ctx, cancel := p.statusContext(ctx)
	defer cancel()

	if err := p.store.SetRowOutputs(ctx, out.SubmissionID, out.RowID, out.OutputURLs()); err != nil {
		rlog.Error().Err(err).Msg("worker: failed to update row outputs")
		return
	}
	rlog.Info().Int("outputs", len(out.OutputURLs())).Int("inputs", len(out.InputURLs())).Msg("worker: row updated")
}

func (p *Pool) submissionStatus(ctx context.Context, id uuid.UUID) (models.SubmissionStatus, error) {
	ctx, cancel := p.statusContext(ctx)
	defer cancel()
	return p.store.SubmissionStatus(ctx, id)
}

func (p *Pool) setCompleted(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := p.statusContext(ctx)
	defer cancel()
	return p.store.SetSubmissionStatus(ctx, id, models.StatusCompleted)
}

func (p *Pool) statusContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.StatusTimeout > 0 {
		return context.WithTimeout(ctx, p.opts.StatusTimeout)
	}
	return context.WithCancel(ctx)
}
