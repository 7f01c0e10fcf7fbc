// Package ingest turns an uploaded manifest into a persisted submission and
// exactly one queued job.
package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bulkimg/internal/models"
)

type SubmissionStore interface {
	CreateSubmission(ctx context.Context, sub models.Submission, rows []models.ProductRow) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

type Service struct {
	store  SubmissionStore
	queue  Enqueuer
	log    zerolog.Logger
	now    func() time.Time
	report func(error)
}

func NewService(store SubmissionStore, queue Enqueuer, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		queue:  queue,
		log:    log,
		now:    time.Now,
		report: func(err error) { sentry.CaptureException(err) },
	}
}

// Submit parses the manifest, stores the submission with its rows in one
// transaction and enqueues the job. Nothing is enqueued when persistence
// fails. An enqueue failure leaves the submission in processing.
func (s *Service) Submit(ctx context.Context, manifest io.Reader) (uuid.UUID, error) {
	const op = "ingest.Submit"

	records, err := ParseManifest(manifest)
	if err != nil {
		return uuid.Nil, err
	}

	sub, rows, job := s.build(records)
	log := s.log.With().Str("submission_id", sub.ID.String()).Logger()
	log.Info().Int("rows", len(rows)).Msg("ingest: manifest parsed")

	if err := s.store.CreateSubmission(ctx, sub, rows); err != nil {
		log.Error().Err(err).Msg("ingest: failed to persist submission")
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		log.Error().Err(err).Msg("ingest: failed to enqueue job, submission left processing")
		s.report(fmt.Errorf("enqueue submission %s: %w", sub.ID, err))
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info().Msg("ingest: job enqueued")
	return sub.ID, nil
}

func (s *Service) build(records []models.RowRecord) (models.Submission, []models.ProductRow, models.Job) {
	now := s.now().UTC()
	sub := models.Submission{ID: uuid.New(), Status: models.StatusProcessing, CreatedAt: now}
	rows := make([]models.ProductRow, 0, len(records))
	job := models.Job{SubmissionID: sub.ID, Rows: make([]models.JobRow, 0, len(records))}

	for i, rec := range records {
		row := models.ProductRow{
			ID:              uuid.New(),
			SubmissionID:    sub.ID,
			Position:        i,
			SerialNo:        rec.SerialNo,
			ProductName:     rec.ProductName,
			InputImageURLs:  models.SplitURLs(rec.InputImageURLs),
			OutputImageURLs: []string{},
			CreatedAt:       now,
		}
		rows = append(rows, row)
		job.Rows = append(job.Rows, models.JobRow{
			RowID:          row.ID,
			SerialNo:       rec.SerialNo,
			ProductName:    rec.ProductName,
			InputImageURLs: rec.InputImageURLs,
		})
	}
	return sub, rows, job
}
