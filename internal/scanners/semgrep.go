package scanners

import (
	"context"
	"encoding/json"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

// SemgrepScanner implements SAST scanning using Semgrep
type SemgrepScanner struct {
	tool
}

// NewSemgrepScanner creates a new Semgrep scanner
func NewSemgrepScanner(opts Options) *SemgrepScanner {
	return &SemgrepScanner{
		tool: newTool(finding.ToolSemgrep, "semgrep", []string{"c", "cpp", "python"}, opts),
	}
}

// Scan executes Semgrep against a single file
func (s *SemgrepScanner) Scan(ctx context.Context, filePath string) ([]finding.Finding, error) {
	s.logger.WithField("file", filePath).Debug("Starting Semgrep scan")

	fixed := []string{
		"scan",
		"--json",  // JSON output on stdout
		"--quiet", // No progress output
	}
	if !hasConfigArg(s.opts.Args) {
		fixed = append(fixed, "--config=auto") // Use automatic ruleset
	}

	res, err := s.run(ctx, s.args(fixed, filePath)...)
	if err != nil {
		return nil, err
	}

	// Semgrep returns 1 if findings are found and --error is set
	if res.ExitCode != 0 && res.ExitCode != 1 {
		s.logger.WithField("exit_code", res.ExitCode).Warn("Semgrep exited with error")
		return nil, s.crashed(res)
	}

	findings, err := parseSemgrep(res.Stdout)

	s.logger.WithFields(log.Fields{
		"file":     filePath,
		"findings": len(findings),
	}).Debug("Semgrep scan complete")

	return findings, err
}

func hasConfigArg(args []string) bool {
	for _, a := range args {
		if a == "--config" || a == "-c" || strings.HasPrefix(a, "--config=") {
			return true
		}
	}
	return false
}

// parseSemgrep parses Semgrep JSON output
func parseSemgrep(data []byte) ([]finding.Finding, error) {
	var result struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, parseError(finding.ToolSemgrep, "failed to unmarshal JSON: %w", err)
	}
	if result.Results == nil {
		return nil, parseError(finding.ToolSemgrep, "report has no results array")
	}

	findings := make([]finding.Finding, 0, len(result.Results))
	bad := 0
	for _, raw := range result.Results {
		var r struct {
			CheckID string `json:"check_id"`
			Start   struct {
				Line int `json:"line"`
				Col  int `json:"col"`
			} `json:"start"`
			End struct {
				Line int `json:"line"`
				Col  int `json:"col"`
			} `json:"end"`
			Extra struct {
				Message  string `json:"message"`
				Severity string `json:"severity"`
			} `json:"extra"`
		}
		if err := json.Unmarshal(raw, &r); err != nil || r.Start.Line < 1 || r.CheckID == "" {
			bad++
			continue
		}

		f := finding.Finding{
			Tool:     finding.ToolSemgrep,
			RuleID:   r.CheckID,
			Severity: mapSemgrepSeverity(r.Extra.Severity),
			Line:     r.Start.Line - 1,
			Message:  strings.TrimSpace(r.Extra.Message),
		}
		// Semgrep columns are 1-based, end exclusive
		if r.End.Line == r.Start.Line && r.Start.Col >= 1 && r.End.Col > r.Start.Col {
			f.Columns = &finding.ColumnRange{Start: r.Start.Col - 1, End: r.End.Col - 1}
		}
		findings = append(findings, f)
	}

	if bad > 0 {
		return findings, parseError(finding.ToolSemgrep, "%d malformed semgrep results", bad)
	}
	return findings, nil
}

// mapSemgrepSeverity maps Semgrep severity to the normalized severity
func mapSemgrepSeverity(severity string) finding.Severity {
	switch strings.ToUpper(severity) {
	case "ERROR":
		return finding.SeverityError
	case "WARNING":
		return finding.SeverityWarning
	case "INFO":
		return finding.SeverityInfo
	default:
		return finding.SeverityWarning
	}
}
