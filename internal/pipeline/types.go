package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/withObsrvr/healthdata-etl/internal/records"
	"github.com/withObsrvr/healthdata-etl/internal/storage"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Stage names, in execution order.
const (
	StageExtract   = "extract"
	StageTransform = "transform"
	StageLoad      = "load"
	StageAggregate = "aggregate"
)

// Stages lists every stage in execution order.
var Stages = []string{StageExtract, StageTransform, StageLoad, StageAggregate}

// ErrRunFailed wraps the error of a stage that failed after all retries.
var ErrRunFailed = errors.New("pipeline run failed")

// ExtractResult is what the extract stage hands on: either records to
// process, or a reason to stop the run without error.
type ExtractResult interface {
	isExtractResult()
}

// Continue carries the extracted records to the transform stage.
type Continue struct {
	Records []records.RawRecord
}

// Stop ends the run early. Downstream stages are skipped.
type Stop struct {
	Reason string
}

func (Continue) isExtractResult() {}
func (Stop) isExtractResult()     {}

// Fetcher pulls the full dataset from the source.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]records.RawRecord, error)
}

// Warehouse is the subset of the database the stages need.
type Warehouse interface {
	EnsureSchema(ctx context.Context) error
	LatestReportDate(ctx context.Context) (time.Time, bool, error)
	ReplaceFacts(ctx context.Context, recs []records.Record) (int64, error)
	Aggregate(ctx context.Context) error
	Close()
}

// WarehouseOpener opens a fresh warehouse connection. Stages that touch the
// database call it at start and close the result when they finish.
type WarehouseOpener func(ctx context.Context) (Warehouse, error)

// Archiver persists stage handoffs for audit.
type Archiver interface {
	ArchiveExtract(ctx context.Context, ref storage.HandoffRef, raw []records.RawRecord) (string, error)
	ArchiveTransform(ctx context.Context, ref storage.HandoffRef, recs []records.Record) (string, error)
	Backend() string
}

// Options tunes the orchestrator.
type Options struct {
	// Retries is how many times a failed stage is re-run.
	Retries int

	// RetryDelay is the fixed wait before each retry.
	RetryDelay time.Duration

	// SkipUnchanged stops the run when the source has nothing newer than
	// the warehouse.
	SkipUnchanged bool
}

// DefaultOptions returns one retry after five minutes.
func DefaultOptions() Options {
	return Options{
		Retries:    1,
		RetryDelay: 5 * time.Minute,
	}
}
