package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/config"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/ingest"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/queue"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/relay"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued scan jobs",
		Long: `Consumes scan job ids from RabbitMQ and runs them to completion.
Progress is relayed to the API processes over NATS.`,
		RunE: runWorker,
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
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

	nc, err := relay.Connect(cfg.NATSURL, cfg.AppName+"-worker")
	if err != nil {
		return err
	}
	defer nc.Close()

	orch := c.orchestrator(relay.NewPublisher(nc))
	ingest.Consume(ctx, queue.New(cfg.RabbitMQURL), cfg.IngestQueue, orch)

	if err := nc.Flush(); err != nil {
		slog.Warn("Failed to flush progress relay", "error", err)
	}
	return nil
}
