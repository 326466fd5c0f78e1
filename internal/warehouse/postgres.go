// Package warehouse owns the covid_19 schema in PostgreSQL: the fact table
// the loader replaces and the derived tables the aggregator rebuilds.
package warehouse

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/healthdata-etl/internal/logging"
	"github.com/withObsrvr/healthdata-etl/internal/records"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

const (
	Schema    = "covid_19"
	FactTable = "covid_test_results"
)

// aggregateTables are rebuilt in this order by Aggregate.
var aggregateTables = []string{
	"outcome_results",
	"state_results",
	"smoothed_results",
	"total_results",
}

// AggregateTables returns the names of the derived tables, in build order.
func AggregateTables() []string {
	return append([]string(nil), aggregateTables...)
}

var factColumns = []string{
	"state",
	"state_name",
	"state_fips",
	"fema_region",
	"overall_outcome",
	"date",
	"new_results_reported",
	"total_results_reported",
}

// Config holds connection parameters for the warehouse database.
type Config struct {
	Host             string
	Port             int
	Name             string
	User             string
	Password         string
	SSLMode          string
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
}

// ConnString renders cfg as a libpq keyword/value connection string.
func (c Config) ConnString() string {
	var parts []string
	add := func(k, v string) {
		if v == "" {
			return
		}
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		parts = append(parts, fmt.Sprintf("%s='%s'", k, v))
	}

	add("host", c.Host)
	if c.Port > 0 {
		add("port", strconv.Itoa(c.Port))
	}
	add("dbname", c.Name)
	add("user", c.User)
	add("password", c.Password)
	add("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		add("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	return strings.Join(parts, " ")
}

// Postgres is a short-lived warehouse connection. Each pipeline stage opens
// its own and closes it when the stage ends.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Open connects using cfg and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	return openPool(ctx, poolCfg)
}

// OpenDSN connects using a URL or keyword/value DSN.
func OpenDSN(ctx context.Context, dsn string) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	return openPool(ctx, poolCfg)
}

func openPool(ctx context.Context, poolCfg *pgxpool.Config) (*Postgres, error) {
	// One stage, one caller: a small pool is plenty.
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Postgres{
		pool: pool,
		log:  logging.Component("warehouse"),
	}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// EnsureSchema creates the covid_19 schema if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmt, err := readSQL("schema")
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ReplaceFacts drops and recreates the fact table and bulk-inserts recs in
// order. The whole replacement is one transaction, so a failure at any point
// leaves the previous table in place.
func (p *Postgres) ReplaceFacts(ctx context.Context, recs []records.Record) (int64, error) {
	ddl, err := readSQL("fact_table")
	if err != nil {
		return 0, err
	}

	rows := make([][]any, len(recs))
	for i, r := range recs {
		row, err := factRow(r)
		if err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
		rows[i] = row
	}

	var copied int64
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("recreate fact table: %w", err)
		}

		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{Schema, FactTable},
			factColumns,
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy facts: %w", err)
		}
		copied = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	p.log.Info("fact table replaced", "rows", copied)
	return copied, nil
}

// Aggregate rebuilds every derived table from the fact table in a single
// transaction: readers see either all old or all new aggregates.
func (p *Postgres) Aggregate(ctx context.Context) error {
	stmts := make([]string, len(aggregateTables))
	for i, name := range aggregateTables {
		stmt, err := readSQL(name)
		if err != nil {
			return err
		}
		stmts[i] = stmt
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for i, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("build %s: %w", aggregateTables[i], err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.log.Info("aggregates rebuilt", "tables", len(stmts))
	return nil
}

// LatestReportDate returns max(date) from the fact table. ok is false when
// the table is missing or holds no dated rows.
func (p *Postgres) LatestReportDate(ctx context.Context) (latest time.Time, ok bool, err error) {
	var d *time.Time
	err = p.pool.QueryRow(ctx,
		`SELECT max(date) FROM covid_19.covid_test_results`,
	).Scan(&d)
	if err != nil {
		if isUndefinedTable(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("latest report date: %w", err)
	}
	if d == nil {
		return time.Time{}, false, nil
	}
	return *d, true, nil
}

// FactCount returns the number of rows in the fact table.
func (p *Postgres) FactCount(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM covid_19.covid_test_results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return n, nil
}

func factRow(r records.Record) ([]any, error) {
	var date any
	if r.Date != "" {
		t, ok := r.Time()
		if !ok {
			return nil, fmt.Errorf("%w: date %q", records.ErrMalformedRecord, r.Date)
		}
		date = t
	}

	return []any{
		nullString(r.State),
		nullString(r.StateName),
		nullString(r.StateFIPS),
		nullString(r.FEMARegion),
		nullString(r.OverallOutcome),
		date,
		r.NewResultsReported,
		r.TotalResultsReported,
	}, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func readSQL(name string) (string, error) {
	b, err := sqlFiles.ReadFile("sql/" + name + ".sql")
	if err != nil {
		return "", fmt.Errorf("load %s.sql: %w", name, err)
	}
	return string(b), nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
