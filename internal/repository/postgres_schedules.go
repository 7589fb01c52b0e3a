package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"automation-hub/backend/pkg/models"
)

const scheduleColumns = `id, tenant_id, activation_id, job, payload, scheduled_time, active_hours, active_days,
	is_recurring, recurrence_interval, max_runs, run_count, last_error, claimed_until, claim_token,
	created_at, updated_at`

// CreateSchedule inserts a scheduled execution.
func (s *PostgresStore) CreateSchedule(ctx context.Context, se *models.ScheduledExecution) error {
	if se.ID == "" {
		se.ID = uuid.New().String()
	}
	if len(se.ActiveHours) == 0 {
		se.ActiveHours = models.AllHours
	}
	if len(se.ActiveDays) == 0 {
		se.ActiveDays = models.AllDays
	}
	return mapErr(s.db.QueryRow(ctx, `INSERT INTO scheduled_executions
		(id, tenant_id, activation_id, job, payload, scheduled_time, active_hours, active_days,
		 is_recurring, recurrence_interval, max_runs, run_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		se.ID, se.TenantID, se.ActivationID, se.Job, nullableJSON(se.Payload), se.ScheduledTime,
		se.ActiveHours, se.ActiveDays, se.IsRecurring, se.RecurrenceInterval, se.MaxRuns, se.RunCount,
	).Scan(&se.CreatedAt, &se.UpdatedAt))
}

// GetSchedule retrieves a scheduled execution by ID.
func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*models.ScheduledExecution, error) {
	return scanSchedule(s.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM scheduled_executions WHERE id = $1`, id))
}

// ClaimDueSchedules leases due schedules. Rows locked by a concurrent
// claimer are skipped, and a leased row stays invisible until its lease
// expires. Each claim stamps a fresh token so a claimer whose lease lapsed
// cannot extend or complete the row afterwards.
func (s *PostgresStore) ClaimDueSchedules(ctx context.Context, now time.Time, hour, day int, leaseUntil time.Time, limit int) ([]*models.ScheduledExecution, error) {
	rows, err := s.db.Query(ctx, `WITH due AS (
			SELECT id FROM scheduled_executions
			WHERE scheduled_time IS NOT NULL
			  AND scheduled_time <= $1
			  AND $2::int = ANY(active_hours)
			  AND $3::int = ANY(active_days)
			  AND (claimed_until IS NULL OR claimed_until < $1)
			ORDER BY scheduled_time
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_executions se
		SET claimed_until = $4, claim_token = $6, updated_at = $1
		FROM due WHERE se.id = due.id
		RETURNING se.id, `+scheduleColumns[len("id, "):],
		now, hour, day, leaseUntil, limit, uuid.New().String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ScheduledExecution
	for rows.Next() {
		se, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// ExtendScheduleClaim moves the lease of a row se still holds.
func (s *PostgresStore) ExtendScheduleClaim(ctx context.Context, se *models.ScheduledExecution, until time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE scheduled_executions SET claimed_until = $3
		WHERE id = $1 AND claim_token = $2 AND claim_token <> ''`,
		se.ID, se.ClaimToken, until)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	t := until
	se.ClaimedUntil = &t
	return nil
}

// CompleteSchedule writes back the post-run state and releases the lease,
// provided se still holds it.
func (s *PostgresStore) CompleteSchedule(ctx context.Context, se *models.ScheduledExecution) error {
	tag, err := s.db.Exec(ctx, `UPDATE scheduled_executions SET
			scheduled_time = $3, is_recurring = $4, recurrence_interval = $5,
			run_count = $6, last_error = $7, claimed_until = NULL, claim_token = '', updated_at = now()
		WHERE id = $1 AND claim_token = $2 AND claim_token <> ''`,
		se.ID, se.ClaimToken, se.ScheduledTime, se.IsRecurring, se.RecurrenceInterval, se.RunCount, se.LastError)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimMiss(ctx, se.ID)
	}
	se.ClaimedUntil = nil
	se.ClaimToken = ""
	return nil
}

// claimMiss tells a missing row apart from a lost claim.
func (s *PostgresStore) claimMiss(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_executions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapErr(err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrClaimLost
}

func scanSchedule(row pgx.Row) (*models.ScheduledExecution, error) {
	var (
		se      models.ScheduledExecution
		payload []byte
	)
	if err := row.Scan(&se.ID, &se.TenantID, &se.ActivationID, &se.Job, &payload, &se.ScheduledTime,
		&se.ActiveHours, &se.ActiveDays, &se.IsRecurring, &se.RecurrenceInterval, &se.MaxRuns,
		&se.RunCount, &se.LastError, &se.ClaimedUntil, &se.ClaimToken, &se.CreatedAt, &se.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	se.Payload = payload
	return &se, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
