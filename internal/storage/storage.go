package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"bulkimg/internal/models"
)

// Store is the status store shared by ingestion, the worker pool and the
// status query surfaces.
type Store interface {
	CreateSubmission(ctx context.Context, sub models.Submission, rows []models.ProductRow) error
	SubmissionStatus(ctx context.Context, id uuid.UUID) (models.SubmissionStatus, error)
	Submission(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	ListSubmissions(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, error)
	SetRowOutputs(ctx context.Context, submissionID, rowID uuid.UUID, urls []string) error
	SetSubmissionStatus(ctx context.Context, submissionID uuid.UUID, status models.SubmissionStatus) error
	Ping(ctx context.Context) error
	Close()
}

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg models.DatabaseConfig, log zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case models.DriverPostgres:
		return NewStorage(ctx, cfg, log)
	case models.DriverSQLite:
		return NewSQLite(ctx, cfg.URL, log)
	default:
		return nil, fmt.Errorf("storage.Open: unsupported driver %q", cfg.Driver)
	}
}

// Storage is the PostgreSQL status store.
type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(ctx context.Context, cfg models.DatabaseConfig, log zerolog.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: parse database url: %w", op, err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(ctx, db, goose.DialectPostgres, log); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateSubmission inserts the submission and all of its rows in one
// transaction.
func (s *Storage) CreateSubmission(ctx context.Context, sub models.Submission, rows []models.ProductRow) error {
	const op = "storage.CreateSubmission"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO submissions (id, status, created_at) VALUES ($1, $2, $3)`,
		sub.ID, string(sub.Status), sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: insert submission: %w", op, err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"products"},
		[]string{"id", "submission_id", "row_index", "serial_number", "product_name", "input_image_urls", "output_image_urls", "created_at"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{r.ID, sub.ID, r.Position, r.SerialNo, r.ProductName, nonNil(r.InputImageURLs), nonNil(r.OutputImageURLs), r.CreatedAt}, nil
		}))
	if err != nil {
		return fmt.Errorf("%s: insert products: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) SubmissionStatus(ctx context.Context, id uuid.UUID) (models.SubmissionStatus, error) {
	const op = "storage.SubmissionStatus"
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM submissions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return models.SubmissionStatus(status), nil
}

func (s *Storage) Submission(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	const op = "storage.Submission"

	sub := models.Submission{ID: id}
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status, created_at FROM submissions WHERE id = $1`, id).Scan(&status, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sub.Status = models.SubmissionStatus(status)

	rows, err := s.pool.Query(ctx,
		`SELECT id, row_index, serial_number, product_name, input_image_urls, output_image_urls, created_at
		 FROM products WHERE submission_id = $1 ORDER BY row_index`, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		r := models.ProductRow{SubmissionID: id}
		if err := rows.Scan(&r.ID, &r.Position, &r.SerialNo, &r.ProductName, &r.InputImageURLs, &r.OutputImageURLs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sub.Rows = append(sub.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &sub, nil
}

func (s *Storage) ListSubmissions(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, error) {
	const op = "storage.ListSubmissions"

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	query := `SELECT id, status, created_at FROM submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		var (
			sub    models.Submission
			status string
		)
		if err := rows.Scan(&sub.ID, &status, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sub.Status = models.SubmissionStatus(status)
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// SetRowOutputs overwrites one row's output list. A nil rowID updates every
// row of the submission.
func (s *Storage) SetRowOutputs(ctx context.Context, submissionID, rowID uuid.UUID, urls []string) error {
	const op = "storage.SetRowOutputs"

	var (
		query = `UPDATE products SET output_image_urls = $2 WHERE submission_id = $1`
		args  = []any{submissionID, nonNil(urls)}
	)
	if rowID != uuid.Nil {
		query += ` AND id = $3`
		args = append(args, rowID)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetSubmissionStatus overwrites the status unless the submission is already
// completed.
func (s *Storage) SetSubmissionStatus(ctx context.Context, submissionID uuid.UUID, status models.SubmissionStatus) error {
	const op = "storage.SetSubmissionStatus"

	tag, err := s.pool.Exec(ctx,
		`UPDATE submissions SET status = $2 WHERE id = $1 AND status <> 'completed'`,
		submissionID, string(status))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Either missing or already completed.
	if _, err := s.SubmissionStatus(ctx, submissionID); err != nil {
		return err
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
