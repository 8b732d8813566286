package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/api"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/config"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/events"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/ingest"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/progress"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/queue"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/relay"
)

var serveAddr string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API",
		Long: `Starts the API server. With DISPATCH_MODE=local uploaded scans are
processed in this process; with DISPATCH_MODE=queue they are published to
RabbitMQ for a worker, and worker progress arrives over NATS.`,
		RunE: runServe,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveAddr != "" {
		cfg.HTTPAddr = serveAddr
	}

	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := shutdownContext()
		defer cancel()
		c.close(sctx)
	}()

	hub := progress.NewHub()
	orch := c.orchestrator(hub)

	var local *ingest.LocalDispatcher
	switch cfg.DispatchMode {
	case config.DispatchQueue:
		orch.SetDispatcher(ingest.NewQueueDispatcher(queue.New(cfg.RabbitMQURL), cfg.IngestQueue))
		slog.Info("Dispatching scan jobs to queue", "queue", cfg.IngestQueue)
	default:
		local = ingest.NewLocalDispatcher(orch)
		orch.SetDispatcher(local)
	}

	if cfg.NATSURL != "" || cfg.DispatchMode == config.DispatchQueue {
		nc, err := relay.Connect(cfg.NATSURL, cfg.AppName+"-api")
		if err != nil {
			return err
		}
		defer nc.Close()
		if _, err := relay.NewForwarder(hub).Subscribe(nc); err != nil {
			return fmt.Errorf("subscribe to progress relay: %w", err)
		}
	}

	retention := events.NewRetention(events.NewQuery(c.db), cfg.EventRetention)
	if err := retention.Schedule(cfg.EventRetentionSchedule); err != nil {
		return err
	}
	defer retention.Stop()

	srv := api.NewServer(cfg.HTTPAddr, api.Deps{
		Ingest:         orch,
		Scans:          c.scans,
		Vulns:          c.scans.Vulnerabilities(),
		Hub:            hub,
		CVEs:           c.cves,
		Analyzer:       c.analyzer,
		Events:         events.NewQuery(c.db),
		Snapshots:      c.snapshots,
		Recorder:       c.recorder,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	sctx, cancel := shutdownContext()
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("API server shutdown", "error", err)
	}
	if local != nil {
		if err := local.Wait(sctx); err != nil {
			slog.Warn("Scan jobs still running at shutdown", "error", err)
		}
	}
	return nil
}

