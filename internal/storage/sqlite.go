package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"bulkimg/internal/models"
)

// SQLite is an embedded status store for single-node deployments and tests.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, path string, log zerolog.Logger) (*SQLite, error) {
	const op = "storage.NewSQLite"

	db, err := OpenSQLiteDB(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := runMigrations(ctx, db, goose.DialectSQLite3, log); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &SQLite{db: db}, nil
}

// OpenSQLiteDB opens the database file and applies connection pragmas.
func OpenSQLiteDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps writes serialized and makes ":memory:" usable.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) CreateSubmission(ctx context.Context, sub models.Submission, rows []models.ProductRow) error {
	const op = "storage.CreateSubmission"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO submissions (id, status, created_at) VALUES (?, ?, ?)`,
		sub.ID.String(), string(sub.Status), formatTime(sub.CreatedAt)); err != nil {
		return fmt.Errorf("%s: insert submission: %w", op, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO products (id, submission_id, row_index, serial_number, product_name, input_image_urls, output_image_urls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	for _, r := range rows {
		in, err := encodeURLs(r.InputImageURLs)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		out, err := encodeURLs(r.OutputImageURLs)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID.String(), sub.ID.String(), r.Position, r.SerialNo, r.ProductName, in, out, formatTime(r.CreatedAt)); err != nil {
			return fmt.Errorf("%s: insert product: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLite) SubmissionStatus(ctx context.Context, id uuid.UUID) (models.SubmissionStatus, error) {
	const op = "storage.SubmissionStatus"
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM submissions WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return models.SubmissionStatus(status), nil
}

func (s *SQLite) Submission(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	const op = "storage.Submission"

	sub := models.Submission{ID: id}
	var status, created string
	err := s.db.QueryRowContext(ctx, `SELECT status, created_at FROM submissions WHERE id = ?`, id.String()).Scan(&status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sub.Status = models.SubmissionStatus(status)
	if sub.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, row_index, serial_number, product_name, input_image_urls, output_image_urls, created_at
		 FROM products WHERE submission_id = ? ORDER BY row_index`, id.String())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                        = models.ProductRow{SubmissionID: id}
			rowID, in, out, rCreated string
		)
		if err := rows.Scan(&rowID, &r.Position, &r.SerialNo, &r.ProductName, &in, &out, &rCreated); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if r.ID, err = uuid.Parse(rowID); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if r.InputImageURLs, err = decodeURLs(in); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if r.OutputImageURLs, err = decodeURLs(out); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if r.CreatedAt, err = parseTime(rCreated); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sub.Rows = append(sub.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &sub, nil
}

func (s *SQLite) ListSubmissions(ctx context.Context, filter models.SubmissionFilter) ([]models.Submission, error) {
	const op = "storage.ListSubmissions"

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(filter.CreatedBefore))
	}
	query := `SELECT id, status, created_at FROM submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Submission
	for rows.Next() {
		var id, status, created string
		if err := rows.Scan(&id, &status, &created); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sub := models.Submission{Status: models.SubmissionStatus(status)}
		if sub.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if sub.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *SQLite) SetRowOutputs(ctx context.Context, submissionID, rowID uuid.UUID, urls []string) error {
	const op = "storage.SetRowOutputs"

	encoded, err := encodeURLs(urls)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `UPDATE products SET output_image_urls = ? WHERE submission_id = ?`
	args := []any{encoded, submissionID.String()}
	if rowID != uuid.Nil {
		query += ` AND id = ?`
		args = append(args, rowID.String())
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *SQLite) SetSubmissionStatus(ctx context.Context, submissionID uuid.UUID, status models.SubmissionStatus) error {
	const op = "storage.SetSubmissionStatus"

	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET status = ? WHERE id = ? AND status <> 'completed'`,
		string(status), submissionID.String())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.SubmissionStatus(ctx, submissionID); err != nil {
		return err
	}
	return nil
}

func encodeURLs(urls []string) (string, error) {
	b, err := json.Marshal(nonNil(urls))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeURLs(raw string) ([]string, error) {
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode urls: %w", err)
	}
	return out, nil
}

// Timestamps are stored as fixed-width UTC strings so they sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, v)
}

var (
	_ Store = (*Storage)(nil)
	_ Store = (*SQLite)(nil)
)
