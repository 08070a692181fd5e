// Package schedule drives periodic summary-report generation and delivery.
//
// The service is stateless between ticks: an external trigger (cron) calls
// RunDue, failures are recorded on the schedule row and retried simply by
// the schedule remaining due on the next tick. No timers, no in-process
// backoff.
package schedule

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gberron/dmarc-analyzer/internal/aggregate"
	"github.com/gberron/dmarc-analyzer/internal/domain"
)

// Repository is the schedule persistence contract.
type Repository interface {
	List(ctx context.Context) ([]domain.Schedule, error)
	RecordRun(ctx context.Context, id string, ranAt *time.Time, status domain.RunStatus) error
}

// Aggregator computes the summary for a schedule's window.
type Aggregator interface {
	Aggregate(ctx context.Context, f aggregate.Filter) (*aggregate.Summary, error)
}

// Sender dispatches one rendered summary email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ScheduleError records one schedule's failure within a tick.
type ScheduleError struct {
	ScheduleID string `json:"schedule_id"`
	Reason     string `json:"reason"`
}

// RunReport summarizes one RunDue invocation.
type RunReport struct {
	Evaluated int             `json:"evaluated"`
	Due       int             `json:"due"`
	Sent      int             `json:"sent"`
	Failed    int             `json:"failed"`
	Errors    []ScheduleError `json:"errors,omitempty"`
}

// Service evaluates and runs due schedules.
type Service struct {
	repo   Repository
	agg    Aggregator
	sender Sender
}

// NewService creates a scheduled-report service.
func NewService(repo Repository, agg Aggregator, sender Sender) *Service {
	return &Service{repo: repo, agg: agg, sender: sender}
}

// RunDue evaluates every schedule against now and runs the due ones
// sequentially. One schedule's failure is recorded and does not prevent the
// remaining schedules from being evaluated.
func (s *Service) RunDue(ctx context.Context, now time.Time) (*RunReport, error) {
	schedules, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}

	report := &RunReport{Evaluated: len(schedules)}
	for i := range schedules {
		sched := &schedules[i]
		if !sched.Due(now) {
			continue
		}
		report.Due++

		if err := s.Run(ctx, sched, now); err != nil {
			log.Printf("[scheduler] schedule %s (%s): %v", sched.ID, sched.Name, err)
			report.Failed++
			report.Errors = append(report.Errors, ScheduleError{ScheduleID: sched.ID, Reason: err.Error()})
			continue
		}
		report.Sent++
	}

	log.Printf("[scheduler] tick: %d evaluated, %d due, %d sent, %d failed",
		report.Evaluated, report.Due, report.Sent, report.Failed)
	return report, nil
}

// Run renders and sends one schedule's summary, then records the outcome.
// On success last_run_at advances to now; on any failure only the status is
// updated, so the schedule stays due and is retried on the next tick.
func (s *Service) Run(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	from := now.AddDate(0, 0, -sched.DayRange)
	summary, err := s.agg.Aggregate(ctx, aggregate.Filter{
		Domain: sched.DomainFilter,
		From:   from,
		To:     now,
	})
	if err != nil {
		s.recordFailure(ctx, sched)
		return fmt.Errorf("aggregating window: %w", err)
	}

	body, err := renderSummary(sched, summary, from, now)
	if err != nil {
		s.recordFailure(ctx, sched)
		return fmt.Errorf("rendering summary: %w", err)
	}

	subject := fmt.Sprintf("DMARC summary - %s", sched.Name)
	if err := s.sender.Send(ctx, sched.Recipient, subject, body); err != nil {
		s.recordFailure(ctx, sched)
		return fmt.Errorf("sending to %s: %w", sched.Recipient, err)
	}

	ranAt := now
	if err := s.repo.RecordRun(ctx, sched.ID, &ranAt, domain.RunStatusSuccess); err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	sched.LastRunAt = &ranAt
	sched.LastRunStatus = domain.RunStatusSuccess
	return nil
}

func (s *Service) recordFailure(ctx context.Context, sched *domain.Schedule) {
	if err := s.repo.RecordRun(ctx, sched.ID, nil, domain.RunStatusFailed); err != nil {
		log.Printf("[scheduler] recording failure for %s: %v", sched.ID, err)
	}
	sched.LastRunStatus = domain.RunStatusFailed
}
