package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// OutcomeResult is a row of covid_19.outcome_results.
type OutcomeResult struct {
	OverallOutcome       string `json:"overall_outcome"`
	TotalResultsReported *int64 `json:"total_results_reported"`
}

// StateResult is a row of covid_19.state_results. PositivityRate is invalid
// for a state with no reported results.
type StateResult struct {
	StateName         string              `json:"state_name"`
	PositiveTests     int64               `json:"positive_tests"`
	NegativeTests     int64               `json:"negative_tests"`
	InconclusiveTests int64               `json:"inconclusive_tests"`
	PositivityRate    decimal.NullDecimal `json:"positivity_rate"`
}

// SmoothedResult is a row of covid_19.smoothed_results.
type SmoothedResult struct {
	Date                      time.Time           `json:"date"`
	SmoothedPositiveTests     decimal.NullDecimal `json:"smoothed_positive_tests"`
	SmoothedNegativeTests     decimal.NullDecimal `json:"smoothed_negative_tests"`
	SmoothedInconclusiveTests decimal.NullDecimal `json:"smoothed_inconclusive_tests"`
}

// TotalResult is a row of covid_19.total_results.
type TotalResult struct {
	State                string `json:"state"`
	TotalResultsReported *int64 `json:"total_results_reported"`
}

// Report bundles the four derived tables.
type Report struct {
	LatestReportDate *time.Time       `json:"latest_report_date"`
	FactRows         int64            `json:"fact_rows"`
	Outcomes         []OutcomeResult  `json:"outcome_results"`
	States           []StateResult    `json:"state_results"`
	Smoothed         []SmoothedResult `json:"smoothed_results"`
	Totals           []TotalResult    `json:"total_results"`
}

// OutcomeResults reads outcome_results ordered by total descending.
func (p *Postgres) OutcomeResults(ctx context.Context) ([]OutcomeResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT COALESCE(overall_outcome, ''), total_results_reported
		FROM covid_19.outcome_results
		ORDER BY total_results_reported DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("query outcome_results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (OutcomeResult, error) {
		var r OutcomeResult
		err := row.Scan(&r.OverallOutcome, &r.TotalResultsReported)
		return r, err
	})
}

// StateResults reads state_results ordered by state name.
func (p *Postgres) StateResults(ctx context.Context) ([]StateResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT COALESCE(state_name, ''),
		       COALESCE(positive_tests, 0),
		       COALESCE(negative_tests, 0),
		       COALESCE(inconclusive_tests, 0),
		       positivity_rate
		FROM covid_19.state_results
		ORDER BY state_name`)
	if err != nil {
		return nil, fmt.Errorf("query state_results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StateResult, error) {
		var r StateResult
		err := row.Scan(&r.StateName, &r.PositiveTests, &r.NegativeTests, &r.InconclusiveTests, &r.PositivityRate)
		return r, err
	})
}

// SmoothedResults reads smoothed_results ordered by date.
func (p *Postgres) SmoothedResults(ctx context.Context) ([]SmoothedResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT date, smoothed_positive_tests, smoothed_negative_tests, smoothed_inconclusive_tests
		FROM covid_19.smoothed_results
		WHERE date IS NOT NULL
		ORDER BY date`)
	if err != nil {
		return nil, fmt.Errorf("query smoothed_results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SmoothedResult, error) {
		var r SmoothedResult
		err := row.Scan(&r.Date, &r.SmoothedPositiveTests, &r.SmoothedNegativeTests, &r.SmoothedInconclusiveTests)
		return r, err
	})
}

// TotalResults reads total_results ordered by state.
func (p *Postgres) TotalResults(ctx context.Context) ([]TotalResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT COALESCE(state, ''), total_results_reported
		FROM covid_19.total_results
		ORDER BY state`)
	if err != nil {
		return nil, fmt.Errorf("query total_results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TotalResult, error) {
		var r TotalResult
		err := row.Scan(&r.State, &r.TotalResultsReported)
		return r, err
	})
}

// ReadReport reads every derived table along with fact table stats.
func (p *Postgres) ReadReport(ctx context.Context) (*Report, error) {
	var (
		rep Report
		err error
	)

	latest, ok, err := p.LatestReportDate(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		rep.LatestReportDate = &latest
	}
	if rep.FactRows, err = p.FactCount(ctx); err != nil {
		return nil, err
	}
	if rep.Outcomes, err = p.OutcomeResults(ctx); err != nil {
		return nil, err
	}
	if rep.States, err = p.StateResults(ctx); err != nil {
		return nil, err
	}
	if rep.Smoothed, err = p.SmoothedResults(ctx); err != nil {
		return nil, err
	}
	if rep.Totals, err = p.TotalResults(ctx); err != nil {
		return nil, err
	}
	return &rep, nil
}
