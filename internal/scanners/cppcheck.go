package scanners

import (
	"bufio"
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

// cppcheckTemplate makes cppcheck print one "[<file>:<line>]: <message>"
// line per issue regardless of its version's default format.
const cppcheckTemplate = "[{file}:{line}]: ({severity}) {message}"

var (
	cppcheckLine  = regexp.MustCompile(`^\[(.+):(\d+)\]: (.*)$`)
	cppcheckClass = regexp.MustCompile(`^\((\w+)\)`)
)

// CppcheckScanner implements C/C++ analysis using cppcheck
type CppcheckScanner struct {
	tool
}

// NewCppcheckScanner creates a new cppcheck scanner
func NewCppcheckScanner(opts Options) *CppcheckScanner {
	return &CppcheckScanner{
		tool: newTool(finding.ToolCppcheck, "cppcheck", []string{"c", "cpp"}, opts),
	}
}

// Scan executes cppcheck against a single file
func (c *CppcheckScanner) Scan(ctx context.Context, filePath string) ([]finding.Finding, error) {
	c.logger.WithField("file", filePath).Debug("Starting cppcheck scan")

	res, err := c.run(ctx, c.args([]string{
		"--enable=all",                   // All checks
		"--quiet",                        // No progress output
		"--template=" + cppcheckTemplate, // Bracketed line format
	}, filePath)...)
	if err != nil {
		return nil, err
	}

	// cppcheck reports issues on stderr; stdout is scanned too so a
	// redirected or wrapped binary still works
	findings, bad := parseCppcheck(res.Stderr, filePath)
	more, badOut := parseCppcheck(res.Stdout, filePath)
	findings = append(findings, more...)
	bad += badOut

	if res.ExitCode != 0 {
		c.logger.WithField("exit_code", res.ExitCode).Warn("cppcheck exited with error")
		return findings, c.crashed(res)
	}

	c.logger.WithFields(log.Fields{
		"file":     filePath,
		"findings": len(findings),
	}).Debug("cppcheck scan complete")

	if bad > 0 {
		return findings, parseError(c.id, "%d malformed cppcheck lines", bad)
	}
	return findings, nil
}

// parseCppcheck parses "[<file>:<line>]: <message>" lines. Issues reported
// for other files (included headers) are ignored. The second return value
// counts lines that looked like issues but did not follow the format.
func parseCppcheck(output []byte, target string) ([]finding.Finding, int) {
	var findings []finding.Finding
	bad := 0

	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "[") {
			continue
		}

		m := cppcheckLine.FindStringSubmatch(line)
		if m == nil {
			bad++
			continue
		}
		lineNo, err := strconv.Atoi(m[2])
		if err != nil {
			bad++
			continue
		}
		if lineNo < 1 {
			// file-less notes such as [nofile:0]
			continue
		}
		if !sameFile(m[1], target) {
			continue
		}

		message := m[3]
		ruleID := ""
		if cm := cppcheckClass.FindStringSubmatch(message); cm != nil {
			ruleID = cm[1]
		}

		findings = append(findings, finding.Finding{
			Tool:     finding.ToolCppcheck,
			RuleID:   ruleID,
			Severity: finding.SeverityWarning,
			Line:     lineNo - 1,
			Message:  message,
		})
	}
	if scanner.Err() != nil {
		bad++
	}
	return findings, bad
}

// sameFile reports whether a path printed by a tool names target. A
// relative path may only match the tail of an absolute target.
func sameFile(reported, target string) bool {
	if target == "" {
		return true
	}
	r, t := filepath.Clean(reported), filepath.Clean(target)
	if r == t {
		return true
	}
	if filepath.IsAbs(r) || !filepath.IsAbs(t) {
		return false
	}
	return strings.HasSuffix(filepath.ToSlash(t), "/"+filepath.ToSlash(r))
}
