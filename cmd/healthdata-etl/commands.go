package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/healthdata-etl/internal/config"
	"github.com/withObsrvr/healthdata-etl/internal/metrics"
	"github.com/withObsrvr/healthdata-etl/internal/pipeline"
	"github.com/withObsrvr/healthdata-etl/internal/scheduler"
	"github.com/withObsrvr/healthdata-etl/internal/state"
	"github.com/withObsrvr/healthdata-etl/internal/warehouse"
)

var runFlags struct {
	date  string
	force bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once for a logical date",
	Long: `Run extract, transform, load and aggregate once.

The logical date defaults to today (UTC). A date that already has a
successful or skipped run is left alone unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDate(runFlags.date, time.Now().UTC())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, sched, err := newScheduler(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if !runFlags.force {
			done, err := sched.Done(ctx, date)
			if err != nil {
				return err
			}
			if done {
				slog.Info("logical date already done; use --force to rerun", "logical_date", date.Format(time.DateOnly))
				return nil
			}
		}

		run, err := sched.RunOnce(ctx, date)
		if run != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "run %s %s: %s\n", run.ID, run.LogicalDate, run.Status)
		}
		return err
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline daily at schedule.run_at (UTC)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, sched, err := newScheduler(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		g, ctx := errgroup.WithContext(cmd.Context())

		g.Go(func() error {
			return sched.Serve(ctx)
		})

		if cfg.Metrics.Enabled {
			g.Go(func() error {
				return metrics.StartServer(ctx, cfg.Metrics.Address)
			})
		}

		if configPath != "" {
			g.Go(func() error {
				return config.Watch(ctx, configPath, func(next *config.Config) {
					p, err := a.reload(next)
					if err != nil {
						slog.Error("config reload rejected", "error", err)
						return
					}
					if err := sched.Update(p, next.Schedule.RunAt); err != nil {
						slog.Error("config reload rejected", "error", err)
					}
				})
			})
		}

		return g.Wait()
	},
}

var backfillFlags struct {
	from  string
	to    string
	force bool
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run the pipeline for every logical date in a range",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		today := time.Now().UTC()
		from, err := parseDate(backfillFlags.from, today)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		to, err := parseDate(backfillFlags.to, today)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}

		a, sched, err := newScheduler(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := sched.Backfill(cmd.Context(), from, to, backfillFlags.force)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tRUN\tSTATUS\tERROR")
		for _, r := range results {
			id, status, msg := "-", "already done", ""
			if r.Run != nil {
				id, status = r.Run.ID, string(r.Run.Status)
			}
			if r.Err != nil {
				msg = r.Err.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.LogicalDate, id, status, msg)
		}
		w.Flush()
		return err
	},
}

var reportFlags struct {
	json bool
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the aggregate tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := warehouse.Open(ctx, warehouseConfig(cfg))
		if err != nil {
			return err
		}
		defer db.Close()

		report, err := db.ReadReport(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if reportFlags.json {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printReport(out, report)
		return nil
	},
}

var historyFlags struct {
	limit int
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs and their task states",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := state.NewStore(state.Config{
			Backend:    cfg.State.Backend,
			Dir:        cfg.State.Dir,
			SQLitePath: cfg.State.SQLitePath,
		})
		if err != nil {
			return err
		}
		defer states.Close()

		runs, err := states.List(cmd.Context(), historyFlags.limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tDATE\tSTATUS\tSTARTED\tDURATION\tTASKS")
		for _, r := range runs {
			tasks := ""
			for i, t := range r.Tasks {
				if i > 0 {
					tasks += " "
				}
				tasks += fmt.Sprintf("%s=%s/%d", t.Task, t.Status, t.Attempts)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.LogicalDate, r.Status,
				r.StartedAt.Format(time.RFC3339), r.Duration().Round(time.Millisecond), tasks)
		}
		return w.Flush()
	},
}

func init() {
	runCmd.Flags().StringVar(&runFlags.date, "date", "", "Logical date YYYY-MM-DD (default today, UTC)")
	runCmd.Flags().BoolVar(&runFlags.force, "force", false, "Rerun even if the date is already done")

	backfillCmd.Flags().StringVar(&backfillFlags.from, "from", "", "First logical date YYYY-MM-DD")
	backfillCmd.Flags().StringVar(&backfillFlags.to, "to", "", "Last logical date YYYY-MM-DD (default today, UTC)")
	backfillCmd.Flags().BoolVar(&backfillFlags.force, "force", false, "Rerun dates that are already done")
	backfillCmd.MarkFlagRequired("from")

	reportCmd.Flags().BoolVar(&reportFlags.json, "json", false, "Print JSON instead of tables")

	historyCmd.Flags().IntVarP(&historyFlags.limit, "limit", "n", 20, "Number of runs to show (0 for all)")

	rootCmd.AddCommand(runCmd, serveCmd, backfillCmd, reportCmd, historyCmd)
}

func newScheduler(cmd *cobra.Command) (*app, *scheduler.Scheduler, error) {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	sched, err := scheduler.New(a.pipeline, a.states, cfg.Schedule.RunAt)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, sched, nil
}

// parseDate parses YYYY-MM-DD, returning def for an empty string.
func parseDate(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return t, nil
}

var _ scheduler.Runner = (*pipeline.Pipeline)(nil)
