// Package pipeline runs the daily extract → transform → load → aggregate
// flow, retrying failed stages and recording task state as it goes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/healthdata-etl/internal/logging"
	"github.com/withObsrvr/healthdata-etl/internal/metrics"
	"github.com/withObsrvr/healthdata-etl/internal/notify"
	"github.com/withObsrvr/healthdata-etl/internal/state"
)

// Deps are the collaborators a pipeline needs. Archive and Notifier are
// optional.
type Deps struct {
	Source    Fetcher
	Warehouse WarehouseOpener
	State     state.Store
	Archive   Archiver
	Notifier  notify.Notifier
}

// Pipeline orchestrates one run per logical date.
type Pipeline struct {
	source   Fetcher
	open     WarehouseOpener
	states   state.Store
	archive  Archiver
	notifier notify.Notifier
	opts     Options
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// New creates a pipeline.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("pipeline requires a source")
	}
	if deps.Warehouse == nil {
		return nil, fmt.Errorf("pipeline requires a warehouse")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("pipeline requires a state store")
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}

	return &Pipeline{
		source:   deps.Source,
		open:     deps.Warehouse,
		states:   deps.State,
		archive:  deps.Archive,
		notifier: deps.Notifier,
		opts:     opts,
		log:      logging.Component("pipeline"),
		now:      time.Now,
		sleep:    sleepCtx,
		newID:    uuid.NewString,
	}, nil
}

// Run executes every stage for the logical date. It returns the final run
// state; the error is non-nil only when a stage failed after all retries.
// A run stopped by the extract stage is skipped, not failed.
func (p *Pipeline) Run(ctx context.Context, logicalDate time.Time) (*state.Run, error) {
	date := logicalDate.UTC().Format(time.DateOnly)
	run := state.NewRun(p.newID(), date, Stages, p.now())
	ctx = logging.WithRunID(ctx, run.ID)
	rl := &runLog{Run: run, log: logging.RunLogger(p.log, run.ID, date)}

	rl.log.Info("starting run", "retries", p.opts.Retries, "retry_delay", p.opts.RetryDelay)
	metrics.Get().SetRunInProgress(true)
	defer metrics.Get().SetRunInProgress(false)
	p.save(ctx, rl)

	res, err := runStage(ctx, p, rl, StageExtract, func(ctx context.Context, log *slog.Logger) (ExtractResult, error) {
		return p.extract(ctx, log, run)
	})
	if err != nil {
		return p.fail(ctx, rl, StageExtract, err)
	}

	var cont Continue
	switch r := res.(type) {
	case Stop:
		return p.stop(ctx, rl, r.Reason), nil
	case Continue:
		cont = r
	default:
		return p.fail(ctx, rl, StageExtract, fmt.Errorf("unexpected extract result %T", res))
	}

	recs, err := runStage(ctx, p, rl, StageTransform, func(ctx context.Context, log *slog.Logger) (transformed, error) {
		return p.transform(ctx, log, run, cont.Records)
	})
	if err != nil {
		return p.fail(ctx, rl, StageTransform, err)
	}

	loaded, err := runStage(ctx, p, rl, StageLoad, func(ctx context.Context, log *slog.Logger) (int64, error) {
		return p.load(ctx, log, recs)
	})
	if err != nil {
		return p.fail(ctx, rl, StageLoad, err)
	}

	agg, err := runStage(ctx, p, rl, StageAggregate, func(ctx context.Context, log *slog.Logger) (aggregated, error) {
		return p.aggregate(ctx, log)
	})
	if err != nil {
		return p.fail(ctx, rl, StageAggregate, err)
	}

	p.finish(ctx, rl, state.StatusSuccess)
	p.announce(ctx, rl, loaded, agg)
	return run, nil
}

// runLog pairs a run with its logger.
type runLog struct {
	*state.Run
	log *slog.Logger
}

// runStage executes fn as the named task, retrying up to opts.Retries times
// with a fixed delay. The task moves pending → running → (up_for_retry →
// running)* → success | failed, and every transition is persisted.
func runStage[T any](ctx context.Context, p *Pipeline, rl *runLog, stage string, fn func(context.Context, *slog.Logger) (T, error)) (T, error) {
	var zero T
	task := rl.Task(stage)
	maxAttempts := p.opts.Retries + 1

	for {
		task.Attempts++
		task.Status = state.StatusRunning
		task.Error = ""
		if task.StartedAt.IsZero() {
			task.StartedAt = p.now().UTC()
		}
		p.save(ctx, rl)

		log := logging.StageLogger(rl.log, stage, task.Attempts)
		log.Info("stage started")
		start := p.now()

		out, err := fn(ctx, log)
		elapsed := p.now().Sub(start)
		if err == nil {
			task.Status = state.StatusSuccess
			task.EndedAt = p.now().UTC()
			p.save(ctx, rl)
			metrics.Get().ObserveStage(stage, "success", elapsed)
			log.Info("stage completed", "duration", elapsed)
			return out, nil
		}

		metrics.Get().ObserveStage(stage, "error", elapsed)
		task.Error = err.Error()

		if task.Attempts >= maxAttempts || ctx.Err() != nil {
			log.Error("stage failed", "error", err)
			return zero, p.failTask(ctx, rl, task, err)
		}

		task.Status = state.StatusUpForRetry
		p.save(ctx, rl)
		metrics.Get().IncStageRetries(stage)
		log.Warn("stage failed, retrying", "error", err, "delay", p.opts.RetryDelay)

		if serr := p.sleep(ctx, p.opts.RetryDelay); serr != nil {
			log.Error("retry wait interrupted", "error", serr)
			return zero, p.failTask(ctx, rl, task, fmt.Errorf("%w (retry interrupted: %w)", err, serr))
		}
	}
}

func (p *Pipeline) failTask(ctx context.Context, rl *runLog, task *state.TaskState, err error) error {
	task.Status = state.StatusFailed
	task.Error = err.Error()
	task.EndedAt = p.now().UTC()
	p.save(ctx, rl)
	metrics.Get().IncStageFailures(task.Task)
	return fmt.Errorf("failed after %d attempts: %w", task.Attempts, err)
}

// fail marks every task after stage upstream_failed and ends the run.
func (p *Pipeline) fail(ctx context.Context, rl *runLog, stage string, err error) (*state.Run, error) {
	p.markRemaining(rl, stage, state.StatusUpstreamFailed)
	rl.Error = fmt.Sprintf("%s: %v", stage, err)
	p.finish(ctx, rl, state.StatusFailed)
	return rl.Run, fmt.Errorf("%w: stage %s: %w", ErrRunFailed, stage, err)
}

// stop marks the downstream tasks skipped and ends the run as skipped.
func (p *Pipeline) stop(ctx context.Context, rl *runLog, reason string) *state.Run {
	p.markRemaining(rl, StageExtract, state.StatusSkipped)
	rl.StopReason = reason
	rl.log.Info("stopping run", "reason", reason)
	p.finish(ctx, rl, state.StatusSkipped)
	return rl.Run
}

func (p *Pipeline) markRemaining(rl *runLog, after string, status state.Status) {
	seen := false
	for i := range rl.Tasks {
		if seen && !rl.Tasks[i].Status.Done() {
			rl.Tasks[i].Status = status
		}
		if rl.Tasks[i].Task == after {
			seen = true
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, rl *runLog, status state.Status) {
	rl.Status = status
	rl.EndedAt = p.now().UTC()
	p.save(ctx, rl)

	m := metrics.Get()
	m.IncRuns(string(status))
	m.SetLastRunDuration(rl.Duration())
	if status == state.StatusSuccess {
		m.SetLastSuccess(rl.EndedAt)
	}

	rl.log.Info("run finished", "status", status, "duration", rl.Duration())
}

// save persists the run. State writes must land even when the run's context
// has been cancelled, so they use a detached context. A failed write is
// logged and does not fail the run.
func (p *Pipeline) save(ctx context.Context, rl *runLog) {
	if err := p.states.Save(context.WithoutCancel(ctx), rl.Clone()); err != nil {
		rl.log.Error("failed to persist run state", "error", err)
	}
}

// announce publishes the completion event. Failures are warnings only.
func (p *Pipeline) announce(ctx context.Context, rl *runLog, loaded int64, agg aggregated) {
	ev := notify.Event{
		RunID:       rl.ID,
		LogicalDate: rl.LogicalDate,
		FactRows:    loaded,
		Tables:      agg.tables,
		CompletedAt: rl.EndedAt,
	}
	if agg.hasLatest {
		ev.LatestReportDate = agg.latest.Format(time.DateOnly)
	}
	if err := p.notifier.Notify(ctx, ev); err != nil {
		metrics.Get().IncNotifyErrors()
		rl.log.Warn("failed to publish completion event", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRunFailed reports whether err came from a failed run.
func IsRunFailed(err error) bool {
	return errors.Is(err, ErrRunFailed)
}
