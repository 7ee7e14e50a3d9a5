// Package history stores finished and running export batches.
package history

import (
	"context"
	"database/sql"
	"time"
)

const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusCanceled    = "canceled"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Batch struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	TotalJobs int       `json:"total_jobs"`
	Params    string    `json:"params"` // JSON of the request that started the batch
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobResult struct {
	BatchID    string        `json:"batch_id"`
	Seq        int           `json:"seq"`
	Project    string        `json:"project"`
	Unit       string        `json:"unit,omitempty"`
	Outcome    string        `json:"outcome"`
	OutputPath string        `json:"output_path,omitempty"`
	LogPath    string        `json:"log_path,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

type Repository interface {
	CreateBatch(ctx context.Context, b *Batch) error
	FinishBatch(ctx context.Context, id, status, errorMsg string) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	ListBatches(ctx context.Context, limit int) ([]*Batch, error)

	AddJobResult(ctx context.Context, j *JobResult) error
	ListJobResults(ctx context.Context, batchID string) ([]*JobResult, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) CreateBatch(ctx context.Context, b *Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.UpdatedAt = b.CreatedAt
	if b.Params == "" {
		b.Params = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO batches (id, status, total_jobs, params, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Status, b.TotalJobs, b.Params, nullString(b.Error),
		b.CreatedAt.UTC().Format(timeFormat), b.UpdatedAt.UTC().Format(timeFormat))
	return err
}

func (r *SQLiteRepository) FinishBatch(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), time.Now().UTC().Format(timeFormat), id)
	return err
}

func (r *SQLiteRepository) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, status, total_jobs, params, error, created_at, updated_at
		FROM batches WHERE id = ?
	`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

func (r *SQLiteRepository) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, status, total_jobs, params, error, created_at, updated_at
		FROM batches ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *SQLiteRepository) AddJobResult(ctx context.Context, j *JobResult) error {
	if j.FinishedAt.IsZero() {
		j.FinishedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO job_results (batch_id, seq, project, unit, outcome, output_path, log_path, exit_code, error, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.BatchID, j.Seq, j.Project, nullString(j.Unit), j.Outcome,
		nullString(j.OutputPath), nullString(j.LogPath), j.ExitCode, nullString(j.Error),
		j.Duration.Milliseconds(), j.FinishedAt.UTC().Format(timeFormat))
	return err
}

func (r *SQLiteRepository) ListJobResults(ctx context.Context, batchID string) ([]*JobResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT batch_id, seq, project, unit, outcome, output_path, log_path, exit_code, error, duration_ms, finished_at
		FROM job_results WHERE batch_id = ? ORDER BY seq
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*JobResult
	for rows.Next() {
		var j JobResult
		var unit, outputPath, logPath, errMsg sql.NullString
		var durationMs int64
		var finishedAt string

		if err := rows.Scan(&j.BatchID, &j.Seq, &j.Project, &unit, &j.Outcome, &outputPath, &logPath,
			&j.ExitCode, &errMsg, &durationMs, &finishedAt); err != nil {
			return nil, err
		}
		j.Unit = unit.String
		j.OutputPath = outputPath.String
		j.LogPath = logPath.String
		j.Error = errMsg.String
		j.Duration = time.Duration(durationMs) * time.Millisecond
		j.FinishedAt = parseTime(finishedAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*Batch, error) {
	var b Batch
	var errMsg sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&b.ID, &b.Status, &b.TotalJobs, &b.Params, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b.Error = errMsg.String
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

// parseTime accepts RFC 3339 and sqlite's datetime('now') format.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.DateTime, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
