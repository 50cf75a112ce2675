// Command gojodb_pagestore opens a datafile, replaying its log when the last process
// did not close it, and optionally checkpoints it, prints its stats or serves its
// metrics until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sushant-115/gojodoc/config"
	"github.com/sushant-115/gojodoc/core/engine"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"github.com/sushant-115/gojodoc/pkg/logger"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to the YAML config file; defaults are used when empty")
	filename   = flag.String("file", "", "Datafile path, overrides engine.filename")
	readOnly   = flag.Bool("read_only", false, "Open the datafile read-only")
	checkpoint = flag.Bool("checkpoint", false, "Fold the log into the data file")
	stats      = flag.Bool("stats", false, "Log cache, lock and log stats")
	serve      = flag.Bool("metrics", false, "Serve /metrics and /healthz until interrupted")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlogger); err != nil {
		zlogger.Error("pagestore failed", zap.Error(err))
		_ = zlogger.Sync()
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if *filename != "" {
		cfg.Engine.Filename = *filename
	}
	if *readOnly {
		cfg.Engine.ReadOnly = true
	}
	if *serve {
		cfg.Telemetry.Enabled = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config, zlogger *zap.Logger) (err error) {
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, shutdown(context.Background()))
	}()
	metrics, err := internaltelemetry.NewEngineMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("register engine metrics: %w", err)
	}

	db, err := engine.Open(ctx, cfg.Engine,
		engine.WithLogger(zlogger),
		engine.WithMetrics(metrics),
		engine.WithTracer(tel.Tracer))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()

	if *checkpoint {
		pages, err := db.Checkpoint(ctx)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		zlogger.Info("checkpoint finished", zap.Int("pages", pages))
	}
	if *stats {
		if err := logStats(db, zlogger); err != nil {
			return err
		}
	}
	if *serve {
		return tel.Serve(ctx, zlogger)
	}
	return nil
}

func logStats(db *engine.Engine, zlogger *zap.Logger) error {
	s, err := db.Stats()
	if err != nil {
		return err
	}
	zlogger.Info("datafile stats",
		zap.String("data_size", humanize.IBytes(uint64(s.Disk.DataLength))),
		zap.String("log_size", humanize.IBytes(uint64(s.Disk.LogLength))),
		zap.Int("queue_length", s.Disk.QueueLength),
		zap.Uint32("read_version", s.ReadVersion),
		zap.Bool("encrypted", s.Encrypted),
		zap.Bool("read_only", s.ReadOnly),
		zap.Int("cache_segments", s.Disk.Cache.Segments),
		zap.Int("cache_pages", s.Disk.Cache.TotalPages),
		zap.Int("cache_free", s.Disk.Cache.FreePages),
		zap.Int("cache_readable", s.Disk.Cache.ReadablePages),
		zap.Int("cache_writable", s.Disk.Cache.WritablePages),
		zap.Int("shared_locks", s.Locks.Shared))
	return nil
}
