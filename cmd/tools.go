package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cloud-scan/cloudscan-lens/internal/config"
	"github.com/cloud-scan/cloudscan-lens/internal/publish"
	"github.com/cloud-scan/cloudscan-lens/internal/service"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List analyzers and whether they are installed",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cloudscan-lens %s (commit %s, built %s)\n", version, commit, buildDate)
	},
}

func runTools(cmd *cobra.Command, _ []string) error {
	svc, err := service.Build(cmd.Context(), cfg, publish.Nop)
	if err != nil {
		return err
	}
	defer svc.Shutdown(cmd.Context())

	out := cmd.OutOrStdout()
	enabled := make(map[string]bool)
	for _, a := range svc.Registry().Adapters() {
		name := string(a.Name())
		enabled[name] = true
		langs := strings.Join(a.Languages(), ", ")
		if a.IsAvailable() {
			fmt.Fprintf(out, "%s %-11s %s\n", color.GreenString("✓"), name, langs)
			continue
		}
		fmt.Fprintf(out, "%s %-11s %s\n", color.RedString("✗"), name, color.New(color.Faint).Sprint("not found"))
		log.WithField("tool", name).Warn("Analyzer not found - files it covers will report it as unavailable")
	}
	for _, name := range config.ToolNames {
		if !enabled[name] {
			fmt.Fprintf(out, "%s %-11s %s\n", color.New(color.Faint).Sprint("-"), name, color.New(color.Faint).Sprint("disabled"))
		}
	}
	return nil
}
