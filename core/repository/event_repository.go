package repository

import (
	"context"
	"database/sql"

	"lora-orchestrator/core/models"
)

// EventRepository handles database operations for job events
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// GetJobEvents retrieves events for a job, newest first. limit <= 0 returns all.
func (r *EventRepository) GetJobEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	query := `
		SELECT id, job_id, at, from_status, to_status, reason
		FROM job_events
		WHERE job_id = ?
		ORDER BY at DESC, id DESC
	`
	args := []any{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.JobEvent{}
	for rows.Next() {
		var (
			event      models.JobEvent
			at         int64
			fromStatus sql.NullString
		)

		if err := rows.Scan(&event.ID, &event.JobID, &at, &fromStatus, &event.ToStatus, &event.Reason); err != nil {
			return nil, err
		}

		event.At = fromNanos(at)
		if fromStatus.Valid {
			status := models.JobStatus(fromStatus.String)
			event.FromStatus = &status
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

func (r *EventRepository) createTx(ctx context.Context, tx *sql.Tx, event models.JobEvent) error {
	query := r.db.rebind(`
		INSERT INTO job_events (job_id, at, from_status, to_status, reason)
		VALUES (?, ?, ?, ?, ?)
	`)

	var fromStatus sql.NullString
	if event.FromStatus != nil {
		fromStatus = sql.NullString{String: string(*event.FromStatus), Valid: true}
	}

	_, err := tx.ExecContext(ctx, query, event.JobID, toNanos(event.At), fromStatus, event.ToStatus, event.Reason)
	return err
}
