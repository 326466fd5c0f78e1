// Package scheduler triggers pipeline runs: once a day at a fixed UTC time,
// on demand, or over a range of past logical dates.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/healthdata-etl/internal/config"
	"github.com/withObsrvr/healthdata-etl/internal/logging"
	"github.com/withObsrvr/healthdata-etl/internal/state"
)

// Runner executes one pipeline run for a logical date.
type Runner interface {
	Run(ctx context.Context, logicalDate time.Time) (*state.Run, error)
}

// Scheduler serialises runs: at most one is in flight at a time.
type Scheduler struct {
	runMu sync.Mutex // held for the duration of a run

	mu     sync.Mutex
	runner Runner
	hour   int
	minute int
	reload chan struct{}

	states state.Store
	log    *slog.Logger
	now    func() time.Time
}

// New creates a scheduler firing daily at runAt ("HH:MM", UTC).
func New(runner Runner, states state.Store, runAt string) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("scheduler requires a runner")
	}
	if states == nil {
		return nil, fmt.Errorf("scheduler requires a state store")
	}
	hour, minute, err := config.ParseClock(runAt)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		runner: runner,
		hour:   hour,
		minute: minute,
		reload: make(chan struct{}, 1),
		states: states,
		log:    logging.Component("scheduler"),
		now:    time.Now,
	}, nil
}

// Update swaps in a new runner and schedule. A run already in flight
// finishes with the old runner.
func (s *Scheduler) Update(runner Runner, runAt string) error {
	hour, minute, err := config.ParseClock(runAt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if runner != nil {
		s.runner = runner
	}
	changed := s.hour != hour || s.minute != minute
	s.hour, s.minute = hour, minute
	s.mu.Unlock()

	if changed {
		s.log.Info("schedule updated", "run_at", fmt.Sprintf("%02d:%02d", hour, minute))
		select {
		case s.reload <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Scheduler) current() (Runner, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner, s.hour, s.minute
}

// RunOnce runs the pipeline for logicalDate, waiting for any run in flight.
func (s *Scheduler) RunOnce(ctx context.Context, logicalDate time.Time) (*state.Run, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	runner, _, _ := s.current()
	return runner.Run(ctx, day(logicalDate))
}

// Done reports whether logicalDate already has a successful or skipped run.
func (s *Scheduler) Done(ctx context.Context, logicalDate time.Time) (bool, error) {
	run, err := s.states.LastRun(ctx, day(logicalDate).Format(time.DateOnly))
	if errors.Is(err, state.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return run.Status == state.StatusSuccess || run.Status == state.StatusSkipped, nil
}

// runIfDue runs logicalDate unless it is already done.
func (s *Scheduler) runIfDue(ctx context.Context, logicalDate time.Time) (*state.Run, bool, error) {
	done, err := s.Done(ctx, logicalDate)
	if err != nil {
		return nil, false, fmt.Errorf("check run state: %w", err)
	}
	if done {
		return nil, false, nil
	}
	run, err := s.RunOnce(ctx, logicalDate)
	return run, true, err
}

// Serve runs the pipeline daily until ctx is cancelled. If today's run time
// has already passed and today has no completed run, it runs immediately.
func (s *Scheduler) Serve(ctx context.Context) error {
	_, hour, minute := s.current()
	s.log.Info("scheduler started", "run_at", fmt.Sprintf("%02d:%02d", hour, minute))

	if now := s.now().UTC(); !now.Before(fireTime(now, hour, minute)) {
		s.fire(ctx, now)
	}

	for {
		_, hour, minute := s.current()
		now := s.now().UTC()
		next := nextRun(now, hour, minute)
		s.log.Info("next run scheduled", "at", next, "in", next.Sub(now).Round(time.Second))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return nil
		case <-s.reload:
			timer.Stop()
			continue
		case <-timer.C:
			s.fire(ctx, next)
		}
	}
}

// fire runs the logical date containing at. Failures are logged; the
// scheduler keeps going.
func (s *Scheduler) fire(ctx context.Context, at time.Time) {
	date := day(at)
	run, ran, err := s.runIfDue(ctx, date)
	switch {
	case err != nil:
		s.log.Error("scheduled run failed", "logical_date", date.Format(time.DateOnly), "error", err)
	case !ran:
		s.log.Info("logical date already done", "logical_date", date.Format(time.DateOnly))
	default:
		s.log.Info("scheduled run finished", "run_id", run.ID, "status", run.Status)
	}
}

// BackfillResult summarises one logical date of a backfill.
type BackfillResult struct {
	LogicalDate string
	Run         *state.Run // nil when the date was already done
	Err         error
}

// Backfill runs every logical date from from to to inclusive, oldest first.
// Dates already done are skipped unless force is set. A failed date does
// not stop the backfill; the returned error joins every failure.
func (s *Scheduler) Backfill(ctx context.Context, from, to time.Time, force bool) ([]BackfillResult, error) {
	from, to = day(from), day(to)
	if to.Before(from) {
		return nil, fmt.Errorf("backfill range ends before it starts: %s > %s",
			from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	var results []BackfillResult
	var errs []error
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		res := BackfillResult{LogicalDate: d.Format(time.DateOnly)}
		if force {
			res.Run, res.Err = s.RunOnce(ctx, d)
		} else {
			res.Run, _, res.Err = s.runIfDue(ctx, d)
		}
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.LogicalDate, res.Err))
		}
		results = append(results, res)
	}

	s.log.Info("backfill finished", "dates", len(results), "failures", len(errs))
	return results, errors.Join(errs...)
}

// nextRun returns the first hour:minute UTC strictly after now.
func nextRun(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	t := fireTime(now, hour, minute)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func fireTime(now time.Time, hour, minute int) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
}

// day truncates t to its UTC calendar date.
func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
