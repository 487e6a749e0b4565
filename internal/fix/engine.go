// Package fix turns findings into patches. It never touches files: a
// Suggestion is pure data and Apply works on an in-memory copy of the lines.
package fix

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

var (
	// ErrNotApplicable is returned when no rule handles the finding
	ErrNotApplicable = errors.New("no fix available for finding")
	// ErrStale is returned when the source no longer matches what the fix
	// expects, because the file changed since the finding was computed
	ErrStale = errors.New("source changed since the finding was reported")
)

// Edit replaces OldText at [StartCol, EndCol) of Line with NewText.
// Columns are byte offsets. An empty OldText with equal columns inserts.
type Edit struct {
	Line     int    `json:"line"`
	StartCol int    `json:"start_col"`
	EndCol   int    `json:"end_col"`
	OldText  string `json:"old_text"`
	NewText  string `json:"new_text"`
}

// Suggestion is a patch for one finding
type Suggestion struct {
	Finding finding.Finding `json:"finding"`
	RuleID  string          `json:"rule_id"`
	Title   string          `json:"title"`
	Edits   []Edit          `json:"edits"`
}

// Engine holds compiled fix rules. It is safe for concurrent use.
type Engine struct {
	rules []*compiledRule
}

// NewEngine compiles rules. Earlier rules win when several apply.
func NewEngine(rules []Rule) (*Engine, error) {
	e := &Engine{}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		c, err := compile(r)
		if err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate fix rule id %q", r.ID)
		}
		seen[r.ID] = true
		e.rules = append(e.rules, c)
	}
	return e, nil
}

// Rules returns the number of loaded rules
func (e *Engine) Rules() int {
	return len(e.rules)
}

// SuggestFix builds a patch for f against the current lines of its file.
// It returns ErrNotApplicable when no rule covers the finding and ErrStale
// when the flagged line no longer holds the text the rule targets.
func (e *Engine) SuggestFix(f finding.Finding, lines []string) (*Suggestion, error) {
	var candidates []*compiledRule
	for _, r := range e.rules {
		if r.applies(f) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotApplicable
	}

	if f.Line < 0 || f.Line >= len(lines) {
		return nil, fmt.Errorf("%w: line %d is beyond the end of the file", ErrStale, f.Line+1)
	}
	line := lines[f.Line]

	start, end := 0, len(line)
	if f.Columns != nil {
		if f.Columns.Start < 0 || f.Columns.End > len(line) || f.Columns.Start > f.Columns.End {
			return nil, fmt.Errorf("%w: columns %d-%d are outside line %d", ErrStale, f.Columns.Start, f.Columns.End, f.Line+1)
		}
		start, end = f.Columns.Start, f.Columns.End
	}
	scope := line[start:end]

	for _, r := range candidates {
		m := r.line.FindStringSubmatchIndex(scope)
		if m == nil {
			continue
		}
		replacement := string(r.line.ExpandString(nil, r.Replacement, scope, m))

		s := &Suggestion{
			Finding: f,
			RuleID:  r.ID,
			Title:   r.Title,
		}
		s.Edits = append(s.Edits, requiredInserts(r.Requires, lines)...)
		s.Edits = append(s.Edits, Edit{
			Line:     f.Line,
			StartCol: start + m[0],
			EndCol:   start + m[1],
			OldText:  scope[m[0]:m[1]],
			NewText:  replacement,
		})
		return s, nil
	}

	return nil, fmt.Errorf("%w: line %d does not match the expected pattern", ErrStale, f.Line+1)
}

// requiredInserts returns insertions for the required lines the file lacks.
// They go after the first block of top-level imports, or after the header
// comments and module docstring when the file has no imports.
func requiredInserts(requires []string, lines []string) []Edit {
	if len(requires) == 0 {
		return nil
	}
	present := make(map[string]bool, len(lines))
	for _, l := range lines {
		present[strings.TrimSpace(l)] = true
	}

	var missing []string
	for _, req := range requires {
		if !present[strings.TrimSpace(req)] {
			missing = append(missing, req)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	at := insertionLine(lines)
	if at >= len(lines) {
		// nothing to insert before; append after the last line
		last := len(lines) - 1
		return []Edit{{Line: last, StartCol: len(lines[last]), EndCol: len(lines[last]), NewText: "\n" + strings.Join(missing, "\n")}}
	}
	return []Edit{{Line: at, NewText: strings.Join(missing, "\n") + "\n"}}
}

// insertionLine returns the line new imports are inserted before
func insertionLine(lines []string) int {
	at := 0
	for at < len(lines) && isComment(lines[at]) && !isImport(lines[at]) {
		at++
	}
	at = skipDocstring(lines, at)

	after := -1
scan:
	for i := at; i < len(lines); i++ {
		switch l := lines[i]; {
		case isImport(l):
			i = importEnd(lines, i)
			after = i + 1
		case strings.TrimSpace(l) == "" || isComment(l):
		default:
			break scan
		}
	}
	if after >= 0 {
		return after
	}
	return at
}

func isComment(line string) bool {
	return strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//")
}

// isImport matches top-level Python imports (including __future__ ones) and
// C preprocessor includes
func isImport(line string) bool {
	return strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "from ") || strings.HasPrefix(line, "#include")
}

// importEnd returns the last line of the import statement starting at i,
// following parenthesized lists and backslash continuations
func importEnd(lines []string, i int) int {
	depth := strings.Count(lines[i], "(") - strings.Count(lines[i], ")")
	for i+1 < len(lines) && (depth > 0 || strings.HasSuffix(strings.TrimRight(lines[i], " \t"), "\\")) {
		i++
		depth += strings.Count(lines[i], "(") - strings.Count(lines[i], ")")
	}
	return i
}

// skipDocstring returns the line after a module docstring starting at i, or
// i when there is none
func skipDocstring(lines []string, i int) int {
	if i >= len(lines) {
		return i
	}
	first := strings.TrimSpace(lines[i])
	first = strings.TrimLeft(first, "rRuUbB")
	var quote string
	switch {
	case strings.HasPrefix(first, `"""`):
		quote = `"""`
	case strings.HasPrefix(first, "'''"):
		quote = "'''"
	default:
		return i
	}
	if strings.Contains(first[len(quote):], quote) {
		return i + 1
	}
	for j := i + 1; j < len(lines); j++ {
		if strings.Contains(lines[j], quote) {
			return j + 1
		}
	}
	return i
}

// Apply returns a copy of lines with every edit of s applied. It is all or
// nothing: if any edit's expected text is not found, or edits overlap, the
// input is left as is and an error is returned.
func Apply(lines []string, s *Suggestion) ([]string, error) {
	if s == nil || len(s.Edits) == 0 {
		return nil, ErrNotApplicable
	}

	offsets := make([]int, len(lines)+1)
	for i, l := range lines {
		offsets[i+1] = offsets[i] + len(l) + 1
	}
	text := strings.Join(lines, "\n")

	type span struct {
		start, end int
		index      int
		edit       Edit
	}
	spans := make([]span, 0, len(s.Edits))
	for i, e := range s.Edits {
		if e.Line < 0 || e.Line >= len(lines) {
			return nil, fmt.Errorf("%w: edit targets line %d of %d", ErrStale, e.Line+1, len(lines))
		}
		if e.StartCol < 0 || e.EndCol < e.StartCol || e.EndCol > len(lines[e.Line]) {
			return nil, fmt.Errorf("%w: edit columns %d-%d are outside line %d", ErrStale, e.StartCol, e.EndCol, e.Line+1)
		}
		start := offsets[e.Line] + e.StartCol
		end := offsets[e.Line] + e.EndCol
		if text[start:end] != e.OldText {
			return nil, fmt.Errorf("%w: expected %q at line %d", ErrStale, e.OldText, e.Line+1)
		}
		spans = append(spans, span{start: start, end: end, index: i, edit: e})
	}

	// applied back to front so earlier offsets stay valid; at equal starts
	// replacements go before insertions, and insertions keep their order
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start > spans[j].start
		}
		if spans[i].end != spans[j].end {
			return spans[i].end > spans[j].end
		}
		return spans[i].index > spans[j].index
	})
	for i := 1; i < len(spans); i++ {
		if spans[i].end > spans[i-1].start {
			return nil, fmt.Errorf("overlapping edits at line %d", spans[i].edit.Line+1)
		}
	}

	for _, sp := range spans {
		text = text[:sp.start] + sp.edit.NewText + text[sp.end:]
	}
	return strings.Split(text, "\n"), nil
}
