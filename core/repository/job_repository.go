package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lora-orchestrator/core/models"

	"github.com/google/uuid"
)

// JobRepository handles database operations for jobs
type JobRepository struct {
	db     *DB
	events *EventRepository
	now    func() time.Time
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, events: NewEventRepository(db), now: time.Now}
}

const jobColumns = `id, name, model_name, dataset_id, status, config_json,
	progress, current_epoch, total_epochs, current_step, total_steps,
	loss, best_loss, stage, failure_reason, cancel_requested, model_path,
	created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job         models.Job
		configJSON  string
		loss        sql.NullFloat64
		bestLoss    sql.NullFloat64
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		updatedAt   int64
	)

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.ModelName,
		&job.DatasetID,
		&job.Status,
		&configJSON,
		&job.Progress,
		&job.CurrentEpoch,
		&job.TotalEpochs,
		&job.CurrentStep,
		&job.TotalSteps,
		&loss,
		&bestLoss,
		&job.Stage,
		&job.FailureReason,
		&job.CancelRequested,
		&job.ModelPath,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &job.Config); err != nil {
		return nil, fmt.Errorf("decode config of job %s: %w", job.ID, err)
	}
	job.Loss = fromNullFloat(loss)
	job.BestLoss = fromNullFloat(bestLoss)
	job.CreatedAt = fromNanos(createdAt)
	job.StartedAt = fromNullNanos(startedAt)
	job.CompletedAt = fromNullNanos(completedAt)
	job.UpdatedAt = fromNanos(updatedAt)

	return &job, nil
}

// CreateJob creates a new job in the database
func (r *JobRepository) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := r.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := r.db.rebind(`INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = tx.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.ModelName,
		job.DatasetID,
		job.Status,
		string(configJSON),
		job.Progress,
		job.CurrentEpoch,
		job.TotalEpochs,
		job.CurrentStep,
		job.TotalSteps,
		toNullFloat(job.Loss),
		toNullFloat(job.BestLoss),
		job.Stage,
		job.FailureReason,
		job.CancelRequested,
		job.ModelPath,
		toNanos(job.CreatedAt),
		toNullNanos(job.StartedAt),
		toNullNanos(job.CompletedAt),
		toNanos(job.UpdatedAt),
	)
	if err != nil {
		return err
	}

	// Create initial event
	if err := r.events.createTx(ctx, tx, models.JobEvent{
		JobID:    job.ID,
		At:       now,
		ToStatus: job.Status,
		Reason:   "job_created",
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return r.getJob(ctx, r.db.DB, id, false)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *JobRepository) getJob(ctx context.Context, q queryer, id string, forUpdate bool) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	if forUpdate && r.db.Dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}

	job, err := scanJob(q.QueryRowContext(ctx, r.db.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs lists jobs newest first with optional filters
func (r *JobRepository) ListJobs(ctx context.Context, filter models.ListFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any

	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob applies mutate inside a transaction holding the job row
func (r *JobRepository) UpdateJob(ctx context.Context, id, reason string, mutate func(*models.Job) error) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := r.getJob(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}

	next, event, err := applyUpdate(current, reason, r.now(), mutate)
	if err != nil {
		return nil, err
	}

	if err := r.writeJobTx(ctx, tx, next); err != nil {
		return nil, err
	}
	if event != nil {
		if err := r.events.createTx(ctx, tx, *event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// ClaimJob moves a pending job to running with a conditional update, so only
// one caller can win the claim
func (r *JobRepository) ClaimJob(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := r.db.rebind(`UPDATE jobs SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND cancel_requested = ?`)
	res, err := tx.ExecContext(ctx, query,
		models.JobStatusRunning, toNanos(at), toNanos(at),
		id, models.JobStatusPending, false,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		current, err := r.getJob(ctx, tx, id, false)
		if err != nil {
			return nil, err
		}
		if err := claimable(current); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("job %s: claim lost: %w", id, models.ErrConflict)
	}

	from := models.JobStatusPending
	if err := r.events.createTx(ctx, tx, models.JobEvent{
		JobID:      id,
		At:         at,
		FromStatus: &from,
		ToStatus:   models.JobStatusRunning,
		Reason:     "worker_claimed",
	}); err != nil {
		return nil, err
	}

	job, err := r.getJob(ctx, tx, id, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteJob deletes a job and its events unless it is running
func (r *JobRepository) DeleteJob(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM jobs WHERE id = ? AND status <> ?`), id, models.JobStatusRunning)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.getJob(ctx, tx, id, false); err != nil {
			return err
		}
		return fmt.Errorf("job %s is running: %w", id, models.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM job_events WHERE job_id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *JobRepository) writeJobTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	query := r.db.rebind(`UPDATE jobs SET
		status = ?, progress = ?, current_epoch = ?, total_epochs = ?,
		current_step = ?, total_steps = ?, loss = ?, best_loss = ?,
		stage = ?, failure_reason = ?, cancel_requested = ?, model_path = ?,
		started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`)

	_, err := tx.ExecContext(ctx, query,
		job.Status,
		job.Progress,
		job.CurrentEpoch,
		job.TotalEpochs,
		job.CurrentStep,
		job.TotalSteps,
		toNullFloat(job.Loss),
		toNullFloat(job.BestLoss),
		job.Stage,
		job.FailureReason,
		job.CancelRequested,
		job.ModelPath,
		toNullNanos(job.StartedAt),
		toNullNanos(job.CompletedAt),
		toNanos(job.UpdatedAt),
		job.ID,
	)
	return err
}

// ListJobEvents returns the newest events of a job first
func (r *JobRepository) ListJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	return r.events.GetJobEvents(ctx, jobID, limit)
}
