package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/extractor"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/parser"
)

type parseOutput struct {
	Scan       *vulnpatch.ParsedScan              `json:"scan"`
	Candidates []vulnpatch.VulnerabilityCandidate `json:"candidates"`
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <scan.xml>",
		Short: "Parse a scan file and print services and candidates as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			parsed, err := parser.Parse(doc)
			if err != nil {
				return err
			}
			out := parseOutput{Scan: parsed, Candidates: extractor.Extract(parsed.Services)}
			if out.Candidates == nil {
				out.Candidates = []vulnpatch.VulnerabilityCandidate{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
