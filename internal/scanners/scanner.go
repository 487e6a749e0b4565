package scanners

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

// Scanner defines the interface for all analyzer adapters
type Scanner interface {
	// Name returns the tool this adapter wraps
	Name() finding.ToolID

	// Languages returns the language ids the adapter applies to
	Languages() []string

	// Scan runs the tool once against filePath. The deadline of ctx is the
	// adapter timeout. Findings may be returned together with a *ToolError
	// when the tool produced partially usable output.
	Scan(ctx context.Context, filePath string) ([]finding.Finding, error)

	// IsAvailable checks if the tool binary can be found
	IsAvailable() bool
}

// Options configures a single adapter
type Options struct {
	// Path overrides the binary looked up on PATH
	Path string
	// Args are extra arguments placed before the target file
	Args []string
	// Languages overrides the adapter's default language ids
	Languages []string
}

var (
	ErrToolUnavailable = errors.New("tool unavailable")
	ErrToolTimeout     = errors.New("tool timed out")
	ErrToolCrashed     = errors.New("tool crashed")
	ErrOutputParse     = errors.New("output parse error")
	ErrToolCancelled   = errors.New("tool run cancelled")
)

// ToolError is the error returned by adapters. It matches the Err* sentinels
// with errors.Is according to its Kind.
type ToolError struct {
	Tool     finding.ToolID
	Kind     finding.FailureKind
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Tool, sentinelFor(e.Kind))
	if e.Kind == finding.FailureCrashed {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for the error's kind
func (e *ToolError) Is(target error) bool {
	return target == sentinelFor(e.Kind)
}

// Failure converts the error into the data stored in a ScanResult
func (e *ToolError) Failure() finding.ToolFailure {
	msg := sentinelFor(e.Kind).Error()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return finding.ToolFailure{
		Kind:     e.Kind,
		ExitCode: e.ExitCode,
		Message:  msg,
	}
}

func sentinelFor(kind finding.FailureKind) error {
	switch kind {
	case finding.FailureUnavailable:
		return ErrToolUnavailable
	case finding.FailureTimeout:
		return ErrToolTimeout
	case finding.FailureCrashed:
		return ErrToolCrashed
	case finding.FailureParse:
		return ErrOutputParse
	case finding.FailureCancelled:
		return ErrToolCancelled
	default:
		return errors.New(string(kind))
	}
}

// FailureOf classifies an arbitrary adapter error. Errors that are not
// a *ToolError count as crashes.
func FailureOf(tool finding.ToolID, err error) finding.ToolFailure {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Failure()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return finding.ToolFailure{Kind: finding.FailureTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return finding.ToolFailure{Kind: finding.FailureCancelled, Message: err.Error()}
	}
	return finding.ToolFailure{Kind: finding.FailureCrashed, Message: fmt.Sprintf("%s: %v", tool, err)}
}

func parseError(tool finding.ToolID, format string, args ...any) *ToolError {
	return &ToolError{Tool: tool, Kind: finding.FailureParse, Err: fmt.Errorf(format, args...)}
}
