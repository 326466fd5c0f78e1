package records

import (
	"time"
)

// FactRow is one row of the archived transform output. It mirrors the
// covid_test_results table.
type FactRow struct {
	State          string `parquet:"state,optional"`
	StateName      string `parquet:"state_name,optional"`
	StateFIPS      string `parquet:"state_fips,optional"`
	FEMARegion     string `parquet:"fema_region,optional"`
	OverallOutcome string `parquet:"overall_outcome,optional"`

	Date time.Time `parquet:"date,timestamp(millisecond),optional"`

	NewResultsReported   *int64 `parquet:"new_results_reported,optional"`
	TotalResultsReported *int64 `parquet:"total_results_reported,optional"`

	// Run metadata
	RunID      string    `parquet:"run_id"`
	IngestedAt time.Time `parquet:"ingested_at,timestamp(millisecond)"`
}

// TableName returns the warehouse table the rows are loaded into.
func (FactRow) TableName() string {
	return "covid_test_results"
}

// SchemaVersion is bumped on breaking changes to FactRow.
const SchemaVersion = "1.0.0"

// FactRows converts transformed records for archiving.
func FactRows(recs []Record, runID string, ingestedAt time.Time) []FactRow {
	rows := make([]FactRow, len(recs))
	for i, r := range recs {
		row := FactRow{
			State:                r.State,
			StateName:            r.StateName,
			StateFIPS:            r.StateFIPS,
			FEMARegion:           r.FEMARegion,
			OverallOutcome:       r.OverallOutcome,
			NewResultsReported:   r.NewResultsReported,
			TotalResultsReported: r.TotalResultsReported,
			RunID:                runID,
			IngestedAt:           ingestedAt.UTC(),
		}
		if t, ok := r.Time(); ok {
			row.Date = t
		}
		rows[i] = row
	}
	return rows
}
