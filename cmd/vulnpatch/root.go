package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch/slogger"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vulnpatch",
		Short: "Scan ingestion and vulnerability enrichment service",
		Long: `vulnpatch ingests Nmap XML scan results, extracts vulnerability
candidates, enriches them with NVD data and AI analysis, and streams
progress to connected clients.

  vulnpatch serve     Run the HTTP and WebSocket API
  vulnpatch worker    Process queued scan jobs (DISPATCH_MODE=queue)
  vulnpatch parse     Parse a scan file and print what would be analysed`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slogger.Init()
			if verbose {
				slogger.SetLevel("debug")
			}
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd(), newWorkerCmd(), newParseCmd())
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
