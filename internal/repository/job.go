package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/EchoScribe/internal/model"
)

const jobColumns = `user_id, job_id, filename, file_size, content_type, language, COALESCE(email,''),
	status, audio_key, COALESCE(transcript_key,''), COALESCE(error_message,''), created_at, updated_at, completed_at`

// JobRepository wraps all SQL used by the API server, the ingest listener
// and the worker.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository constructs a repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// EnsureUser upserts the user row. An empty email keeps the stored one.
func (r *JobRepository) EnsureUser(ctx context.Context, userID, email string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, created_at) VALUES ($1, NULLIF($2,''), $3)
		ON CONFLICT (id) DO UPDATE SET email = COALESCE(NULLIF(EXCLUDED.email,''), users.email)
	`, userID, email, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UserEmail returns the stored email of the user, empty when none is known.
func (r *JobRepository) UserEmail(ctx context.Context, userID string) (string, error) {
	var email sql.NullString
	err := r.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select user email: %w", err)
	}
	return email.String, nil
}

// Create inserts a job in PENDING_UPLOAD.
func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.Status = model.StatusPendingUpload
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (user_id, job_id, filename, file_size, content_type, language, email, status, audio_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10,$11)
	`, job.UserID, job.JobID, job.Filename, job.FileSize, job.ContentType, job.Language, job.Email,
		job.Status, job.AudioKey, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns the job if it belongs to userID.
func (r *JobRepository) Get(ctx context.Context, userID, jobID string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id=$1 AND job_id=$2`, userID, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// List returns up to limit of the user's jobs, newest first.
func (r *JobRepository) List(ctx context.Context, userID string, limit int) ([]model.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id=$1
		ORDER BY created_at DESC, job_id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// MarkPending moves an uploaded job to PENDING.
func (r *JobRepository) MarkPending(ctx context.Context, userID, jobID string) error {
	return r.advance(ctx, userID, jobID, model.StatusPending, nil, nil)
}

// MarkProcessing sets the status to PROCESSING.
func (r *JobRepository) MarkProcessing(ctx context.Context, userID, jobID string) error {
	return r.advance(ctx, userID, jobID, model.StatusProcessing, nil, nil)
}

// MarkCompleted stores the transcript key and completion time.
func (r *JobRepository) MarkCompleted(ctx context.Context, userID, jobID, transcriptKey string) error {
	return r.advance(ctx, userID, jobID, model.StatusCompleted, &transcriptKey, nil)
}

// MarkFailed stores the failure message.
func (r *JobRepository) MarkFailed(ctx context.Context, userID, jobID, msg string) error {
	return r.advance(ctx, userID, jobID, model.StatusFailed, nil, &msg)
}

// advance locks the row, checks the transition and applies it in one
// transaction so concurrent updates cannot regress the status.
func (r *JobRepository) advance(ctx context.Context, userID, jobID string, next model.JobStatus, transcriptKey, errorMsg *string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current model.JobStatus
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE user_id=$1 AND job_id=$2 FOR UPDATE`, userID, jobID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		return fmt.Errorf("lock job: %w", err)
	}
	if !current.CanAdvanceTo(next) {
		return fmt.Errorf("%s -> %s: %w", current, next, model.ErrStatusRegression)
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if next == model.StatusCompleted {
		completedAt = &now
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status=$1,
			transcript_key = COALESCE($2, transcript_key),
			error_message = $3,
			completed_at = COALESCE($4, completed_at),
			updated_at=$5
		WHERE user_id=$6 AND job_id=$7
	`, next, transcriptKey, errorMsg, completedAt, now, userID, jobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job         model.Job
		completedAt sql.NullTime
	)
	if err := row.Scan(&job.UserID, &job.JobID, &job.Filename, &job.FileSize, &job.ContentType, &job.Language, &job.Email,
		&job.Status, &job.AudioKey, &job.TranscriptKey, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
