package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// ScheduleRepo stores recurring summary-report jobs.
type ScheduleRepo struct{ db *sql.DB }

// NewScheduleRepo creates a Postgres-backed schedule repository.
func NewScheduleRepo(db *sql.DB) *ScheduleRepo { return &ScheduleRepo{db: db} }

// Create inserts a new schedule. DayRange falls back to a weekly window.
func (r *ScheduleRepo) Create(ctx context.Context, s *domain.Schedule) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.DayRange < 1 {
		s.DayRange = 7
	}
	if s.LastRunStatus == "" {
		s.LastRunStatus = domain.RunStatusNone
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, recipient, day_range, domain_filter, last_run_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, s.ID, s.Name, s.Recipient, s.DayRange, s.DomainFilter, s.LastRunStatus)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// List returns all schedules, oldest first so runs are evaluated in a
// stable order.
func (r *ScheduleRepo) List(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, recipient, day_range, domain_filter, last_run_at, last_run_status, created_at
		FROM schedules ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		var s domain.Schedule
		var lastRunAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.Name, &s.Recipient, &s.DayRange, &s.DomainFilter,
			&lastRunAt, &s.LastRunStatus, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if lastRunAt.Valid {
			t := lastRunAt.Time
			s.LastRunAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get loads one schedule, or sql.ErrNoRows.
func (r *ScheduleRepo) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	var s domain.Schedule
	var lastRunAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, recipient, day_range, domain_filter, last_run_at, last_run_status, created_at
		FROM schedules WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.Recipient, &s.DayRange, &s.DomainFilter,
		&lastRunAt, &s.LastRunStatus, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		s.LastRunAt = &t
	}
	return &s, nil
}

// Delete removes a schedule.
func (r *ScheduleRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordRun persists the outcome of a run attempt. ranAt is nil on failure
// so last_run_at keeps its old value and the schedule stays due for the next
// tick.
func (r *ScheduleRepo) RecordRun(ctx context.Context, id string, ranAt *time.Time, status domain.RunStatus) error {
	var err error
	if ranAt != nil {
		_, err = r.db.ExecContext(ctx,
			`UPDATE schedules SET last_run_at = $2, last_run_status = $3 WHERE id = $1`,
			id, *ranAt, status)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE schedules SET last_run_status = $2 WHERE id = $1`,
			id, status)
	}
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	return nil
}
