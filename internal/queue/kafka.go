package queue

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"bulkimg/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(cfg models.KafkaConfig) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Enqueue writes the job keyed by submission id.
func (p *KafkaProducer) Enqueue(ctx context.Context, job models.Job) error {
	const op = "queue.KafkaProducer.Enqueue"
	payload, err := Encode(job)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.SubmissionID.String()),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads jobs as a member of the configured consumer group.
// Offsets are committed explicitly on Ack.
type KafkaConsumer struct {
	reader messageReader
	log    zerolog.Logger
}

func NewKafkaConsumer(cfg models.KafkaConfig, log zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
		log: log,
	}
}

func (c *KafkaConsumer) Receive(ctx context.Context) (*Delivery, error) {
	const op = "queue.KafkaConsumer.Receive"
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		id := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
		job, err := Decode(msg.Value)
		if err != nil {
			// Poison message: commit so it is not redelivered forever.
			c.log.Error().Err(err).Str("message", id).Msg("queue: dropping undecodable job")
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			continue
		}

		// Partitions are owned by one group member at a time; no lease needed.
		return NewDelivery(job, id, func(ctx context.Context) error {
			return c.reader.CommitMessages(ctx, msg)
		}), nil
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
