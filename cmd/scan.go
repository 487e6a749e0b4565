package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
	"github.com/cloud-scan/cloudscan-lens/internal/publish"
	"github.com/cloud-scan/cloudscan-lens/internal/service"
)

var scanCmd = &cobra.Command{
	Use:   "scan [flags] <file>...",
	Short: "Scan files once and print their findings",
	Long: `Scan runs every enabled analyzer that applies to each file and prints the
merged result. Analyzer failures are reported next to the findings.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().Bool("json", false, "print results as JSON")
	scanCmd.Flags().String("fail-on", "", "exit with status 2 when a finding of this severity or above is reported (info|warning|error)")
}

func runScan(cmd *cobra.Command, args []string) error {
	jsonOutput, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	failOn, err := cmd.Flags().GetString("fail-on")
	if err != nil {
		return err
	}
	var threshold *finding.Severity
	if failOn != "" {
		sev, err := finding.ParseSeverity(failOn)
		if err != nil {
			return fmt.Errorf("invalid --fail-on: %w", err)
		}
		threshold = &sev
	}

	ctx := cmd.Context()
	pub, closePub, err := newPublisher()
	if err != nil {
		return err
	}
	defer closePub()

	svc, err := service.Build(ctx, cfg, pub)
	if err != nil {
		return err
	}
	defer svc.Shutdown(context.Background())

	results := make([]*finding.ScanResult, len(args))
	g, gctx := errgroup.WithContext(ctx)
	for i, arg := range args {
		g.Go(func() error {
			path, err := filepath.Abs(arg)
			if err != nil {
				return err
			}
			res, err := svc.OnFileChanged(gctx, path, path, "")
			if err != nil {
				return fmt.Errorf("scan of %s failed: %w", arg, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			if err := publish.Render(out, res); err != nil {
				return err
			}
		}
	}

	if threshold != nil && exceeds(results, *threshold) {
		return exitCode(2)
	}
	return nil
}

func exceeds(results []*finding.ScanResult, threshold finding.Severity) bool {
	for _, res := range results {
		for _, f := range res.Findings {
			if f.Severity >= threshold {
				return true
			}
		}
	}
	return false
}

// newPublisher returns the CloudScan publisher when an orchestrator is
// configured, extra publishers otherwise. The returned func releases it.
func newPublisher(extra ...publish.Publisher) (publish.Publisher, func(), error) {
	pubs := publish.Multi(extra)
	if cfg.Orchestrator.Endpoint == "" {
		return pubs, func() {}, nil
	}

	scanID, err := uuid.Parse(cfg.Orchestrator.ScanID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid orchestrator scan id: %w", err)
	}
	cs, err := publish.NewCloudScan(cfg.Orchestrator.Endpoint, scanID)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := cs.Close(); err != nil {
			log.WithError(err).Warn("Failed to close orchestrator connection")
		}
	}
	return append(pubs, cs), closeFn, nil
}
