// Package daemon assembles the sync engine into a running service: store,
// handlers, notifier, maintenance loops, and the HTTP front end.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"rowsync/config"
	"rowsync/internal/blob"
	"rowsync/internal/commitlog"
	"rowsync/internal/engine"
	"rowsync/internal/handler"
	"rowsync/internal/maintain"
	"rowsync/internal/notify"
	"rowsync/internal/snapshot"
	"rowsync/internal/syncdb"
	"rowsync/internal/telemetry"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

// Run starts the daemon and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	configureTelemetry(cfg)
	defer telemetry.Reset()

	db, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := commitlog.NewStore(db, dialect)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	chunks, err := buildChunkStore(cfg, db, dialect)
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg, dialect)
	if err != nil {
		return err
	}

	connections := notify.NewRegistry()
	defer connections.CloseAll()

	bus, err := buildBus(cfg, db)
	if err != nil {
		return err
	}
	defer bus.Close()
	notifier := notify.NewNotifier(connections, bus)

	runner := maintain.NewRunner(store, chunks, maintenanceConfig(cfg), runnerOptions(cfg)...)
	defer runner.Close()

	eng := engine.New(store, registry,
		engine.WithChunkStore(chunks),
		engine.WithNotifier(notifier),
		engine.WithMaintenanceKicker(runner),
		engine.WithSchemaVersions(cfg.SchemaVersionMin, cfg.SchemaVersionMax),
		engine.WithSnapshotTTL(cfg.Snapshot.TTL.Std()),
		engine.WithAudit(cfg.Audit),
	)

	srv := NewServer(eng, store, chunks, connections, registry.Tables())

	slog.Info("rowsyncd starting", "listen", cfg.Listen, "driver", cfg.Database.Driver, "tables", registry.Tables())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Listen) })
	return g.Wait()
}

// RunMaintenance opens the store and runs one pass of every maintenance
// kind. Used by the CLI for out-of-band upkeep while the daemon is down.
func RunMaintenance(ctx context.Context, cfg *config.Config) error {
	db, dialect, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := commitlog.NewStore(db, dialect)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	chunks, err := buildChunkStore(cfg, db, dialect)
	if err != nil {
		return err
	}

	runner := maintain.NewRunner(store, chunks, maintenanceConfig(cfg), runnerOptions(cfg)...)
	defer runner.Close()

	for _, kind := range []string{maintain.KindPrune, maintain.KindCompact, maintain.KindSnapshotGC, maintain.KindAuditPrune} {
		if err := runner.RunOnce(ctx, kind); err != nil {
			return fmt.Errorf("run %s: %w", kind, err)
		}
	}
	return nil
}

func openDatabase(cfg *config.Config) (*sql.DB, *syncdb.Dialect, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		db, err := syncdb.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, syncdb.SQLite(), nil
	case "postgres":
		db, err := syncdb.OpenPostgres(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, syncdb.Postgres(), nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildChunkStore(cfg *config.Config, db *sql.DB, d *syncdb.Dialect) (*snapshot.Store, error) {
	var opts []snapshot.Option
	if cfg.Snapshot.BlobDir != "" {
		fs, err := blob.NewFS(cfg.Snapshot.BlobDir)
		if err != nil {
			return nil, fmt.Errorf("open blob dir: %w", err)
		}
		opts = append(opts, snapshot.WithBlobStore(fs, cfg.Snapshot.InlineLimit))
	}
	return snapshot.NewStore(db, d, opts...), nil
}

func buildRegistry(cfg *config.Config, d *syncdb.Dialect) (*handler.Registry, error) {
	registry := handler.NewRegistry()
	for _, tbl := range cfg.Tables {
		h, err := handler.NewDocumentTable(tbl.Name, d, []string{tbl.Scope})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(h); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// buildBus picks the cross-instance broadcast: PostgreSQL LISTEN/NOTIFY when
// the store is shared, an in-process bus for single-node SQLite.
func buildBus(cfg *config.Config, db *sql.DB) (notify.Broadcaster, error) {
	if cfg.Database.Driver == "postgres" {
		return notify.NewPGBus(db, cfg.Database.DSN)
	}
	return notify.NewLocalBus(), nil
}

func maintenanceConfig(cfg *config.Config) maintain.Config {
	m := cfg.Maintenance
	return maintain.Config{
		MinInterval:       m.MinInterval.Std(),
		ActiveWindow:      m.ActiveWindow.Std(),
		KeepNewestCommits: m.KeepNewestCommits,
		FallbackMaxAge:    m.FallbackMaxAge.Std(),
		CompactHorizon:    m.CompactHorizon.Std(),
		AuditMaxAge:       m.AuditMaxAge.Std(),
		AuditMaxRows:      m.AuditMaxRows,
	}
}

func runnerOptions(cfg *config.Config) []maintain.RunnerOption {
	if cfg.Maintenance.NTPPool == "off" {
		return nil
	}
	var guardOpts []maintain.ClockGuardOption
	if cfg.Maintenance.NTPPool != "" {
		guardOpts = append(guardOpts, maintain.WithNTPPool(cfg.Maintenance.NTPPool))
	}
	return []maintain.RunnerOption{maintain.WithClockGuard(maintain.NewClockGuard(guardOpts...))}
}

func configureTelemetry(cfg *config.Config) {
	switch cfg.Telemetry {
	case "console":
		telemetry.Configure(telemetry.NewConsole(nil))
	case "otel":
		// Exporter wiring is deployment-specific; the provider starts bare
		// and collects through whatever span processors the build registers.
		telemetry.Configure(telemetry.NewOTel(sdktrace.NewTracerProvider()))
	default:
		telemetry.Reset()
	}
}
