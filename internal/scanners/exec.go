package scanners

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

// killGrace bounds how long Wait blocks on the output pipes after the
// process has been killed.
const killGrace = 2 * time.Second

// maxStderr caps the stderr excerpt kept in errors.
const maxStderr = 2048

type processResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// tool holds what every adapter shares: the binary to run and its options
type tool struct {
	id        finding.ToolID
	binary    string
	languages []string
	opts      Options
	logger    *log.Entry
}

func newTool(id finding.ToolID, binary string, languages []string, opts Options) tool {
	if len(opts.Languages) > 0 {
		languages = opts.Languages
	}
	return tool{
		id:        id,
		binary:    binary,
		languages: languages,
		opts:      opts,
		logger:    log.WithField("scanner", string(id)),
	}
}

// Name returns the tool id
func (t *tool) Name() finding.ToolID {
	return t.id
}

// Languages returns the language ids handled by the tool
func (t *tool) Languages() []string {
	return append([]string(nil), t.languages...)
}

// IsAvailable checks if the tool binary is installed
func (t *tool) IsAvailable() bool {
	_, err := t.resolve()
	return err == nil
}

func (t *tool) resolve() (string, error) {
	bin := t.binary
	if t.opts.Path != "" {
		bin = t.opts.Path
	}
	return exec.LookPath(bin)
}

// args builds the command line: fixed args, configured extras, then the file
func (t *tool) args(fixed []string, filePath string) []string {
	args := make([]string, 0, len(fixed)+len(t.opts.Args)+1)
	args = append(args, fixed...)
	args = append(args, t.opts.Args...)
	return append(args, filePath)
}

// run spawns the tool exactly once. A non-zero exit status is not an error
// here; adapters decide which exit codes are failures.
func (t *tool) run(ctx context.Context, args ...string) (*processResult, error) {
	bin, err := t.resolve()
	if err != nil {
		return nil, &ToolError{Tool: t.id, Kind: finding.FailureUnavailable, Err: err}
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = killGrace

	start := time.Now()
	runErr := cmd.Run()
	res := &processResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	t.logger.WithFields(log.Fields{
		"args":     args,
		"duration": time.Since(start),
	}).Debug("Tool process finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		kind := finding.FailureTimeout
		if errors.Is(ctxErr, context.Canceled) {
			kind = finding.FailureCancelled
		}
		return res, &ToolError{Tool: t.id, Kind: kind, Err: ctxErr}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, &ToolError{Tool: t.id, Kind: finding.FailureUnavailable, Err: fmt.Errorf("failed to start %s: %w", bin, runErr)}
	}
	return res, nil
}

// crashed builds the error for an unexpected exit status
func (t *tool) crashed(res *processResult) *ToolError {
	return &ToolError{
		Tool:     t.id,
		Kind:     finding.FailureCrashed,
		ExitCode: res.ExitCode,
		Stderr:   excerpt(res.Stderr),
	}
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxStderr {
		s = s[:maxStderr] + "..."
	}
	return s
}
