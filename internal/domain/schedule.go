package domain

import "time"

// RunStatus records the outcome of a schedule's last run attempt.
type RunStatus string

const (
	RunStatusNone    RunStatus = "none"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Schedule is a recurring summary-report job. The service sends a summary
// of the last DayRange days to Recipient, optionally narrowed to one domain.
type Schedule struct {
	ID            string     `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	Recipient     string     `json:"recipient" db:"recipient"`
	DayRange      int        `json:"day_range" db:"day_range"`
	DomainFilter  string     `json:"domain_filter,omitempty" db:"domain_filter"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	LastRunStatus RunStatus  `json:"last_run_status" db:"last_run_status"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Due reports whether the schedule should run at now. A schedule that has
// never run successfully is always due; otherwise the full look-back window
// must have elapsed since the last successful run.
func (s *Schedule) Due(now time.Time) bool {
	if s.LastRunAt == nil {
		return true
	}
	return now.Sub(*s.LastRunAt) >= time.Duration(s.DayRange)*24*time.Hour
}
