package publish

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/fatih/color"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	faintColor   = color.New(color.Faint)
	okColor      = color.New(color.FgGreen)
	headerColor  = color.New(color.Bold)
)

// Console renders results as text. Tool failures are shown apart from
// "no issues found" so a missing analyzer is never mistaken for a clean file.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole creates a console publisher writing to w
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Publish writes the rendered result
func (c *Console) Publish(_ context.Context, _ string, result *finding.ScanResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Render(c.w, result)
}

// Clear writes nothing; a terminal has nothing to withdraw
func (c *Console) Clear(context.Context, string) error {
	return nil
}

// Render writes a human-readable report of one result
func Render(w io.Writer, r *finding.ScanResult) error {
	name := r.Path
	if name == "" {
		name = r.FileID
	}
	if _, err := fmt.Fprintln(w, headerColor.Sprint(name)); err != nil {
		return err
	}

	if r.Unsupported {
		_, err := fmt.Fprintf(w, "  %s\n", faintColor.Sprintf("unsupported language %q", r.LanguageID))
		return err
	}

	for _, f := range r.Findings {
		col := 1
		if f.Columns != nil {
			col = f.Columns.Start + 1
		}
		if _, err := fmt.Fprintf(w, "  %4d:%-3d %s %s %s\n",
			f.Line+1, col,
			severityColor(f.Severity).Sprintf("%-7s", f.Severity),
			f.Message,
			faintColor.Sprintf("[%s/%s]", f.Tool, f.RuleID),
		); err != nil {
			return err
		}
	}

	tools := make([]string, 0, len(r.ErroredTools))
	for tool := range r.ErroredTools {
		tools = append(tools, string(tool))
	}
	sort.Strings(tools)
	for _, tool := range tools {
		failure := r.ErroredTools[finding.ToolID(tool)]
		if _, err := fmt.Fprintf(w, "  %s %s: %s (%s)\n",
			errorColor.Sprint("!"), tool, failure.Message, failure.Kind); err != nil {
			return err
		}
	}

	if len(r.Findings) == 0 && len(r.ErroredTools) == 0 {
		_, err := fmt.Fprintf(w, "  %s\n", okColor.Sprint("no issues found"))
		return err
	}
	return nil
}

func severityColor(s finding.Severity) *color.Color {
	switch s {
	case finding.SeverityError:
		return errorColor
	case finding.SeverityWarning:
		return warningColor
	default:
		return infoColor
	}
}
