package finding

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// FailureKind classifies why an analyzer did not produce a clean result
type FailureKind string

const (
	FailureUnavailable FailureKind = "tool_unavailable"
	FailureTimeout     FailureKind = "tool_timeout"
	FailureCrashed     FailureKind = "tool_crashed"
	FailureParse       FailureKind = "output_parse_error"
	// FailureCancelled marks a run cut short by shutdown
	FailureCancelled FailureKind = "cancelled"
)

// ToolFailure records a failed analyzer run inside a ScanResult
type ToolFailure struct {
	Kind     FailureKind `json:"kind"`
	ExitCode int         `json:"exit_code,omitempty"`
	Message  string      `json:"message"`
}

// ScanResult is the complete outcome of one scan of one file. It is never
// mutated after it has been handed to the store.
type ScanResult struct {
	ScanID       uuid.UUID              `json:"scan_id"`
	FileID       string                 `json:"file_id"`
	Path         string                 `json:"path"`
	LanguageID   string                 `json:"language_id"`
	Findings     []Finding              `json:"findings"`
	ErroredTools map[ToolID]ToolFailure `json:"errored_tools,omitempty"`
	Unsupported  bool                   `json:"unsupported,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Clone returns a deep copy of the result
func (r *ScanResult) Clone() *ScanResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Findings = make([]Finding, len(r.Findings))
	for i, f := range r.Findings {
		if f.Columns != nil {
			cols := *f.Columns
			f.Columns = &cols
		}
		out.Findings[i] = f
	}
	if r.ErroredTools != nil {
		out.ErroredTools = make(map[ToolID]ToolFailure, len(r.ErroredTools))
		for k, v := range r.ErroredTools {
			out.ErroredTools[k] = v
		}
	}
	return &out
}

// Find returns the finding addressed by ref
func (r *ScanResult) Find(ref FindingRef) (Finding, bool) {
	if r == nil {
		return Finding{}, false
	}
	for _, f := range r.Findings {
		if ref.Matches(f) {
			return f, true
		}
	}
	return Finding{}, false
}

// OnLine returns the findings reported on the given 0-based line
func (r *ScanResult) OnLine(line int) []Finding {
	if r == nil {
		return nil
	}
	var out []Finding
	for _, f := range r.Findings {
		if f.Line == line {
			out = append(out, f)
		}
	}
	return out
}

// Failed reports whether every analyzer that ran failed outright
func (r *ScanResult) Failed() bool {
	return r != nil && len(r.ErroredTools) > 0 && len(r.Findings) == 0
}

// Merge produces the canonical finding list of a scan: findings outside
// [0, lineCount) are dropped, the rest are ordered by line, tool, rule id
// and message, and duplicate keys collapse to their first occurrence.
// A negative lineCount disables the range check.
func Merge(findings []Finding, lineCount int) []Finding {
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Line < 0 || (lineCount >= 0 && f.Line >= lineCount) {
			continue
		}
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Message < b.Message
	})

	seen := make(map[Key]struct{}, len(out))
	uniq := out[:0]
	for _, f := range out {
		k := f.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, f)
	}
	return uniq
}
