package finding

import (
	"fmt"
	"strings"
)

// ToolID identifies the analyzer that produced a finding
type ToolID string

const (
	ToolCppcheck   ToolID = "cppcheck"
	ToolBandit     ToolID = "bandit"
	ToolSemgrep    ToolID = "semgrep"
	ToolTrufflehog ToolID = "trufflehog"
)

// Severity is the normalized severity of a finding
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the lowercase severity name
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses a severity name, case-insensitively
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", name)
	}
}

// ColumnRange is a half-open range of columns on the finding's line
type ColumnRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Finding is a single normalized diagnostic. Line is 0-based; a nil
// Columns covers the whole line.
type Finding struct {
	Tool     ToolID       `json:"tool"`
	RuleID   string       `json:"rule_id"`
	Severity Severity     `json:"severity"`
	Line     int          `json:"line"`
	Columns  *ColumnRange `json:"columns,omitempty"`
	Message  string       `json:"message"`
}

// Key is the identity used to collapse duplicate findings
type Key struct {
	Tool    ToolID
	RuleID  string
	Line    int
	Message string
}

// Key returns the deduplication key of the finding
func (f Finding) Key() Key {
	return Key{Tool: f.Tool, RuleID: f.RuleID, Line: f.Line, Message: f.Message}
}

// Ref returns a reference a host can hand back to address this finding
func (f Finding) Ref() FindingRef {
	return FindingRef(f.Key())
}

// FindingRef addresses a finding inside the current result of a file
type FindingRef Key

// Matches reports whether f is the finding the reference points to
func (r FindingRef) Matches(f Finding) bool {
	return Key(r) == f.Key()
}

func (f Finding) String() string {
	return fmt.Sprintf("%d: [%s/%s] %s: %s", f.Line+1, f.Tool, f.RuleID, f.Severity, f.Message)
}
