package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/SiriusScan/vulnpatch-api/nvd"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/config"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/cve"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/enrich"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/events"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/ingest"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/llm"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/notify"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/postgres"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/scan"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/snapshot"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/store"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/telemetry"
)

// components holds everything serve and worker share.
type components struct {
	cfg       *config.Config
	db        *gorm.DB
	kv        store.KVStore
	scans     *scan.Store
	recorder  *events.Recorder
	snapshots *snapshot.Manager
	cves      *cve.Service
	analyzer  *llm.Service
	notifier  notify.Notifier

	closers []func(context.Context) error
}

func buildComponents(cfg *config.Config) (*components, error) {
	c := &components{cfg: cfg}

	telemetry.InitMetrics()
	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer(cfg.AppName, Version)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		c.closers = append(c.closers, shutdown)
	}

	db, err := postgres.Connect(postgres.Config{
		Driver:  cfg.DatabaseDriver,
		DSN:     cfg.DatabaseURL,
		Tracing: cfg.TracingEnabled,
		Debug:   cfg.DatabaseDebug,
	})
	if err != nil {
		c.close(context.Background())
		return nil, err
	}
	c.db = db
	c.closers = append(c.closers, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	kv, err := store.Open(cfg.CacheBackend, cfg.ValkeyAddr)
	if err != nil {
		c.close(context.Background())
		return nil, fmt.Errorf("open %s cache: %w", cfg.CacheBackend, err)
	}
	c.kv = kv
	c.closers = append(c.closers, func(context.Context) error { return kv.Close() })

	c.scans = scan.NewStore(db)
	c.recorder = events.NewRecorder(db, events.DefaultFlushInterval, events.DefaultBufferSize)
	c.closers = append(c.closers, c.recorder.Close)
	c.snapshots = snapshot.NewManager(kv, snapshot.NewCalculator(db))

	client := nvd.NewClient(
		nvd.WithBaseURL(cfg.NVDBaseURL),
		nvd.WithAPIKey(cfg.NVDAPIKey),
		nvd.WithTimeout(cfg.CVETimeout),
	)
	c.cves = cve.NewService(client, kv, cve.WithCacheTTL(cfg.CVECacheTTL))
	provider := llm.New(llm.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.LLMTimeout,
	})
	c.analyzer = llm.NewService(provider, kv, cfg.LLMTimeout, cfg.AnalysisCacheTTL)
	c.notifier = notify.New(cfg.SlackWebhookURL)

	slog.Info("Components ready",
		"database", cfg.DatabaseDriver,
		"cache", cfg.CacheBackend,
		"llm", provider.Name(),
		"dispatch", cfg.DispatchMode)
	return c, nil
}

// orchestrator builds an orchestrator reporting to prog.
func (c *components) orchestrator(prog ingest.Progress) *ingest.Orchestrator {
	pipeline := enrich.New(c.cves, c.analyzer,
		enrich.WithCVETimeout(c.cfg.CVETimeout),
		enrich.WithLLMTimeout(c.cfg.LLMTimeout))
	return ingest.New(c.scans, pipeline, prog,
		ingest.WithMaxFileSize(c.cfg.MaxFileSize),
		ingest.WithRecorder(c.recorder),
		ingest.WithNotifier(c.notifier),
		ingest.WithSnapshots(c.snapshots))
}

// close releases resources in reverse order of acquisition.
func (c *components) close(ctx context.Context) {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("Errors during shutdown", "error", err)
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
