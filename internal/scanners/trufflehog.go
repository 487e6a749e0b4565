package scanners

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

// trufflehogFoundExit is the exit status trufflehog uses with --fail when
// secrets were found.
const trufflehogFoundExit = 183

// TruffleHogScanner implements secrets detection using TruffleHog
type TruffleHogScanner struct {
	tool
}

// NewTruffleHogScanner creates a new TruffleHog scanner
func NewTruffleHogScanner(opts Options) *TruffleHogScanner {
	return &TruffleHogScanner{
		tool: newTool(finding.ToolTrufflehog, "trufflehog", []string{"c", "cpp", "python"}, opts),
	}
}

// Scan executes TruffleHog against a single file
func (t *TruffleHogScanner) Scan(ctx context.Context, filePath string) ([]finding.Finding, error) {
	t.logger.WithField("file", filePath).Debug("Starting TruffleHog scan")

	res, err := t.run(ctx, t.args([]string{
		"filesystem",        // Filesystem scan
		"--json",            // One JSON object per line
		"--no-verification", // Don't verify secrets (faster)
		"--no-update",       // Disable auto-update
	}, filePath)...)
	if err != nil {
		return nil, err
	}

	if res.ExitCode != 0 && res.ExitCode != trufflehogFoundExit {
		t.logger.WithField("exit_code", res.ExitCode).Warn("TruffleHog exited with error")
		return nil, t.crashed(res)
	}

	findings, err := parseTruffleHog(res.Stdout)

	t.logger.WithFields(log.Fields{
		"file":     filePath,
		"findings": len(findings),
	}).Debug("TruffleHog scan complete")

	return findings, err
}

// parseTruffleHog parses newline-delimited TruffleHog JSON output
func parseTruffleHog(data []byte) ([]finding.Finding, error) {
	var findings []finding.Finding
	bad := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var result struct {
			SourceMetadata struct {
				Data struct {
					Filesystem struct {
						File string `json:"file"`
						Line int    `json:"line"`
					} `json:"Filesystem"`
				} `json:"Data"`
			} `json:"SourceMetadata"`
			DetectorName string `json:"DetectorName"`
			Verified     bool   `json:"Verified"`
		}
		if err := json.Unmarshal(line, &result); err != nil {
			bad++
			continue
		}
		// log lines share stdout with results; they carry no detector
		if result.DetectorName == "" {
			continue
		}
		lineNo := result.SourceMetadata.Data.Filesystem.Line
		if lineNo < 1 {
			bad++
			continue
		}

		message := fmt.Sprintf("Secret detected: %s", result.DetectorName)
		if result.Verified {
			message += " (verified, this secret is active)"
		}

		findings = append(findings, finding.Finding{
			Tool:     finding.ToolTrufflehog,
			RuleID:   result.DetectorName,
			Severity: finding.SeverityError, // Secrets are always high severity
			Line:     lineNo - 1,
			Message:  message,
		})
	}
	if err := scanner.Err(); err != nil {
		return findings, parseError(finding.ToolTrufflehog, "failed to read output: %w", err)
	}

	if bad > 0 {
		return findings, parseError(finding.ToolTrufflehog, "%d malformed trufflehog lines", bad)
	}
	return findings, nil
}
