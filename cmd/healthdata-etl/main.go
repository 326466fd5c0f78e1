package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/healthdata-etl/internal/config"
	"github.com/withObsrvr/healthdata-etl/internal/logging"
	"github.com/withObsrvr/healthdata-etl/internal/metrics"
	"github.com/withObsrvr/healthdata-etl/internal/pipeline"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "healthdata-etl",
	Short:         "Daily COVID-19 testing ETL from healthdata.gov into Postgres",
	Version:       pipeline.Version + " (" + pipeline.GitSHA + ")",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		logging.Setup(logging.Config{
			Format: cfg.Logging.Format,
			Level:  cfg.Logging.Level,
		})
		metrics.Init("")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ETL_CONFIG"), "Path to YAML config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			slog.Info("shutdown complete")
		} else {
			slog.Error("command failed", "error", err)
		}
		stop()
		os.Exit(1)
	}
}
