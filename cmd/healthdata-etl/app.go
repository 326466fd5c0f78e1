package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/healthdata-etl/internal/config"
	"github.com/withObsrvr/healthdata-etl/internal/notify"
	"github.com/withObsrvr/healthdata-etl/internal/pipeline"
	"github.com/withObsrvr/healthdata-etl/internal/source"
	"github.com/withObsrvr/healthdata-etl/internal/state"
	"github.com/withObsrvr/healthdata-etl/internal/storage"
	"github.com/withObsrvr/healthdata-etl/internal/warehouse"
)

// app holds the long-lived collaborators built from config. Only the
// pipeline is rebuilt on config reload; state, storage and notify backends
// need a restart to change.
type app struct {
	cfg      *config.Config
	states   state.Store
	store    storage.Store
	archiver *storage.Archiver
	notifier notify.Notifier
	pipeline *pipeline.Pipeline
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	states, err := state.NewStore(state.Config{
		Backend:    cfg.State.Backend,
		Dir:        cfg.State.Dir,
		SQLitePath: cfg.State.SQLitePath,
	})
	if err != nil {
		return nil, fmt.Errorf("create state store: %w", err)
	}
	a.states = states

	store, err := storage.NewStore(ctx, storage.Config{
		Backend:   cfg.Storage.Backend,
		LocalDir:  cfg.Storage.LocalDir,
		Bucket:    cfg.Storage.Bucket,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create storage: %w", err)
	}
	if store != nil {
		a.store = store
		a.archiver = storage.NewArchiver(store, cfg.Storage.Prefix, storage.ProducerInfo{
			Name:    "healthdata-etl",
			Version: pipeline.Version,
			GitSHA:  pipeline.GitSHA,
		})
	}

	notifier, err := notify.New(notify.Config{
		Backend:  cfg.Notify.Backend,
		URL:      cfg.Notify.URL,
		Queue:    cfg.Notify.Queue,
		AuditDir: cfg.Notify.AuditDir,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create notifier: %w", err)
	}
	a.notifier = notifier

	p, err := a.buildPipeline(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pipeline = p
	return a, nil
}

// buildPipeline wires a pipeline from cfg onto the app's backends.
func (a *app) buildPipeline(cfg *config.Config) (*pipeline.Pipeline, error) {
	deps := pipeline.Deps{
		Source: source.NewClient(source.Config{
			BaseURL:  cfg.Source.BaseURL,
			Dataset:  cfg.Source.Dataset,
			AppToken: cfg.Source.AppToken,
			PageSize: cfg.Source.PageSize,
			Timeout:  cfg.Source.Timeout,
		}),
		Warehouse: warehouseOpener(cfg),
		State:     a.states,
		Notifier:  a.notifier,
	}
	if a.archiver != nil {
		deps.Archive = a.archiver
	}

	return pipeline.New(deps, pipeline.Options{
		Retries:       cfg.Pipeline.Retries,
		RetryDelay:    cfg.Pipeline.RetryDelay,
		SkipUnchanged: cfg.Pipeline.SkipUnchanged,
	})
}

// reload rebuilds the pipeline from a changed config. Backend changes are
// reported but not applied.
func (a *app) reload(cfg *config.Config) (*pipeline.Pipeline, error) {
	if cfg.State != a.cfg.State || cfg.Storage != a.cfg.Storage || cfg.Notify != a.cfg.Notify {
		slog.Warn("state, storage and notify settings take effect after a restart")
	}
	p, err := a.buildPipeline(cfg)
	if err != nil {
		return nil, err
	}
	a.pipeline = p
	a.cfg = cfg
	return p, nil
}

func warehouseConfig(cfg *config.Config) warehouse.Config {
	return warehouse.Config{
		Host:             cfg.Database.Host,
		Port:             cfg.Database.Port,
		Name:             cfg.Database.Name,
		User:             cfg.Database.User,
		Password:         cfg.Database.Password,
		SSLMode:          cfg.Database.SSLMode,
		ConnectTimeout:   cfg.Database.ConnectTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}
}

func warehouseOpener(cfg *config.Config) pipeline.WarehouseOpener {
	wc := warehouseConfig(cfg)
	return func(ctx context.Context) (pipeline.Warehouse, error) {
		db, err := warehouse.Open(ctx, wc)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
}

func (a *app) Close() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.archiver != nil {
		a.archiver.Close()
	} else if a.store != nil {
		a.store.Close()
	}
	if a.states != nil {
		a.states.Close()
	}
}
