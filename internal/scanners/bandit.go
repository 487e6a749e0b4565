package scanners

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

// BanditScanner implements Python analysis using Bandit
type BanditScanner struct {
	tool
}

// NewBanditScanner creates a new Bandit scanner
func NewBanditScanner(opts Options) *BanditScanner {
	return &BanditScanner{
		tool: newTool(finding.ToolBandit, "bandit", []string{"python"}, opts),
	}
}

type banditRecord struct {
	LineNumber    *int   `json:"line_number"`
	TestID        string `json:"test_id"`
	IssueText     string `json:"issue_text"`
	IssueSeverity string `json:"issue_severity"`
	ColOffset     *int   `json:"col_offset"`
	EndColOffset  *int   `json:"end_col_offset"`
}

// Scan executes Bandit against a single file
func (b *BanditScanner) Scan(ctx context.Context, filePath string) ([]finding.Finding, error) {
	b.logger.WithField("file", filePath).Debug("Starting Bandit scan")

	res, err := b.run(ctx, b.args([]string{
		"-f", "json", // JSON report on stdout
		"-q", // No banner
	}, filePath)...)
	if err != nil {
		return nil, err
	}

	// Bandit exits with 1 when it found issues
	if res.ExitCode != 0 && res.ExitCode != 1 {
		b.logger.WithField("exit_code", res.ExitCode).Warn("Bandit exited with error")
		return nil, b.crashed(res)
	}

	findings, err := parseBandit(res.Stdout, filePath)

	b.logger.WithFields(log.Fields{
		"file":     filePath,
		"findings": len(findings),
	}).Debug("Bandit scan complete")

	return findings, err
}

// parseBandit parses a Bandit JSON report. A malformed document yields no
// findings; malformed records are skipped and reported through the error
// while the valid ones are still returned. Bandit exits 0 with an empty
// result when it cannot parse the target, so an errors entry for the target
// is a failure too.
func parseBandit(data []byte, target string) ([]finding.Finding, error) {
	var doc struct {
		Results []json.RawMessage `json:"results"`
		Errors  []struct {
			Filename string `json:"filename"`
			Reason   string `json:"reason"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, parseError(finding.ToolBandit, "failed to unmarshal JSON: %w", err)
	}
	if doc.Results == nil {
		return nil, parseError(finding.ToolBandit, "report has no results array")
	}
	var reasons []string
	for _, e := range doc.Errors {
		log.WithFields(log.Fields{
			"scanner": "bandit",
			"file":    e.Filename,
			"reason":  e.Reason,
		}).Debug("Bandit reported a file error")
		if sameFile(e.Filename, target) {
			reasons = append(reasons, e.Reason)
		}
	}

	findings := make([]finding.Finding, 0, len(doc.Results))
	bad := 0
	for _, raw := range doc.Results {
		var r banditRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			bad++
			continue
		}
		if r.LineNumber == nil || *r.LineNumber < 1 || r.TestID == "" {
			bad++
			continue
		}

		f := finding.Finding{
			Tool:     finding.ToolBandit,
			RuleID:   r.TestID,
			Severity: mapBanditSeverity(r.IssueSeverity),
			Line:     *r.LineNumber - 1,
			Message:  fmt.Sprintf("%s: %s (Severity: %s)", r.TestID, r.IssueText, r.IssueSeverity),
		}
		if r.ColOffset != nil && r.EndColOffset != nil && *r.EndColOffset > *r.ColOffset && *r.ColOffset >= 0 {
			f.Columns = &finding.ColumnRange{Start: *r.ColOffset, End: *r.EndColOffset}
		}
		findings = append(findings, f)
	}

	if len(reasons) > 0 {
		return findings, parseError(finding.ToolBandit, "bandit could not analyze the file: %s", strings.Join(reasons, "; "))
	}
	if bad > 0 {
		return findings, parseError(finding.ToolBandit, "%d malformed bandit records", bad)
	}
	return findings, nil
}

// mapBanditSeverity maps Bandit severity to the normalized severity
func mapBanditSeverity(severity string) finding.Severity {
	switch strings.ToUpper(strings.TrimSpace(severity)) {
	case "HIGH":
		return finding.SeverityError
	case "MEDIUM":
		return finding.SeverityWarning
	case "LOW":
		return finding.SeverityInfo
	default:
		return finding.SeverityWarning
	}
}
