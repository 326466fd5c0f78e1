package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/healthdata-etl/internal/metrics"
	"github.com/withObsrvr/healthdata-etl/internal/records"
	"github.com/withObsrvr/healthdata-etl/internal/state"
	"github.com/withObsrvr/healthdata-etl/internal/storage"
	"github.com/withObsrvr/healthdata-etl/internal/warehouse"
)

type transformed = []records.Record

type aggregated struct {
	latest    time.Time
	hasLatest bool
	tables    []string
}

// extract makes sure the warehouse schema exists, then pulls the full
// dataset. An empty dataset stops the run.
func (p *Pipeline) extract(ctx context.Context, log *slog.Logger, run *state.Run) (ExtractResult, error) {
	wh, err := p.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	defer wh.Close()

	if err := wh.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	raw, err := p.source.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if len(raw) == 0 {
		return Stop{Reason: "source returned no records"}, nil
	}
	metrics.Get().AddRecordsExtracted(len(raw))
	log.Info("extracted records", "count", len(raw))

	if p.opts.SkipUnchanged {
		stop, err := p.unchanged(ctx, log, wh, raw)
		if err != nil {
			return nil, err
		}
		if stop != "" {
			return Stop{Reason: stop}, nil
		}
	}

	p.archiveStage(ctx, log, run, StageExtract, func(ref storage.HandoffRef) (string, error) {
		return p.archive.ArchiveExtract(ctx, ref, raw)
	})
	return Continue{Records: raw}, nil
}

// unchanged returns a stop reason when the newest date in raw is not after
// the newest date already in the warehouse.
func (p *Pipeline) unchanged(ctx context.Context, log *slog.Logger, wh Warehouse, raw []records.RawRecord) (string, error) {
	var fetched time.Time
	for _, r := range raw {
		if t, ok := records.ParseDatetime(r.Date); ok && t.After(fetched) {
			fetched = t
		}
	}
	if fetched.IsZero() {
		return "", nil
	}

	stored, ok, err := wh.LatestReportDate(ctx)
	if err != nil {
		return "", fmt.Errorf("read latest report date: %w", err)
	}
	if !ok || fetched.After(stored) {
		return "", nil
	}

	log.Info("source has no new data",
		"fetched_latest", fetched.Format(time.DateOnly),
		"stored_latest", stored.Format(time.DateOnly))
	return fmt.Sprintf("no data newer than %s", stored.Format(time.DateOnly)), nil
}

func (p *Pipeline) transform(ctx context.Context, log *slog.Logger, run *state.Run, raw []records.RawRecord) (transformed, error) {
	recs, err := records.Transform(raw)
	if err != nil {
		return nil, err
	}
	log.Info("transformed records", "count", len(recs))

	p.archiveStage(ctx, log, run, StageTransform, func(ref storage.HandoffRef) (string, error) {
		return p.archive.ArchiveTransform(ctx, ref, recs)
	})
	return recs, nil
}

// load replaces the fact table with recs.
func (p *Pipeline) load(ctx context.Context, log *slog.Logger, recs transformed) (int64, error) {
	wh, err := p.open(ctx)
	if err != nil {
		return 0, fmt.Errorf("open warehouse: %w", err)
	}
	defer wh.Close()

	n, err := wh.ReplaceFacts(ctx, recs)
	if err != nil {
		return 0, err
	}
	metrics.Get().AddRecordsLoaded(int(n))
	if latest, ok := records.MaxDate(recs); ok {
		log.Info("loaded fact table", "rows", n, "latest_date", latest.Format(time.DateOnly))
	} else {
		log.Info("loaded fact table", "rows", n)
	}
	return n, nil
}

// aggregate rebuilds the derived tables from the fact table.
func (p *Pipeline) aggregate(ctx context.Context, log *slog.Logger) (aggregated, error) {
	wh, err := p.open(ctx)
	if err != nil {
		return aggregated{}, fmt.Errorf("open warehouse: %w", err)
	}
	defer wh.Close()

	if err := wh.Aggregate(ctx); err != nil {
		return aggregated{}, err
	}

	out := aggregated{tables: warehouse.AggregateTables()}
	latest, ok, err := wh.LatestReportDate(ctx)
	if err != nil {
		// The tables are built; a failed read here only loses the gauge.
		log.Warn("failed to read latest report date", "error", err)
		return out, nil
	}
	if ok {
		out.latest, out.hasLatest = latest, true
		metrics.Get().SetLatestReportDate(latest)
	}
	log.Info("rebuilt aggregate tables", "tables", len(out.tables))
	return out, nil
}

// archiveStage writes a stage handoff when an archiver is configured.
// Failures are logged and counted but never fail the stage.
func (p *Pipeline) archiveStage(ctx context.Context, log *slog.Logger, run *state.Run, stage string, write func(storage.HandoffRef) (string, error)) {
	if p.archive == nil {
		return
	}
	ref := storage.HandoffRef{LogicalDate: run.LogicalDate, RunID: run.ID, Stage: stage}
	uri, err := write(ref)
	if err != nil {
		metrics.Get().IncArchiveErrors(p.archive.Backend())
		log.Warn("failed to archive handoff", "error", err)
		return
	}
	log.Debug("archived handoff", "manifest", uri)
}
