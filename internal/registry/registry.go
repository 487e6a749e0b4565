// Package registry maps language ids to the analyzers that apply to them.
package registry

import (
	"path/filepath"
	"strings"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
	"github.com/cloud-scan/cloudscan-lens/internal/scanners"
)

// Registry is an immutable language id to adapter mapping
type Registry struct {
	byLanguage map[string][]scanners.Scanner
	all        []scanners.Scanner
}

// New builds a registry. Adapter order is preserved per language and an
// adapter is registered under every language it declares.
func New(adapters ...scanners.Scanner) *Registry {
	r := &Registry{byLanguage: make(map[string][]scanners.Scanner)}
	seen := make(map[finding.ToolID]bool, len(adapters))
	for _, a := range adapters {
		if a == nil || seen[a.Name()] {
			continue
		}
		seen[a.Name()] = true
		r.all = append(r.all, a)
		for _, lang := range a.Languages() {
			lang = normalize(lang)
			r.byLanguage[lang] = append(r.byLanguage[lang], a)
		}
	}
	return r
}

// AdaptersFor returns the ordered adapters for a language id, or an empty
// list when the language is not supported
func (r *Registry) AdaptersFor(languageID string) []scanners.Scanner {
	if r == nil {
		return nil
	}
	return append([]scanners.Scanner(nil), r.byLanguage[normalize(languageID)]...)
}

// Supports reports whether any adapter handles the language id
func (r *Registry) Supports(languageID string) bool {
	return r != nil && len(r.byLanguage[normalize(languageID)]) > 0
}

// Adapters returns every registered adapter in registration order
func (r *Registry) Adapters() []scanners.Scanner {
	if r == nil {
		return nil
	}
	return append([]scanners.Scanner(nil), r.all...)
}

var extensions = map[string]string{
	".c":   "c",
	".h":   "c",
	".cc":  "cpp",
	".cpp": "cpp",
	".cxx": "cpp",
	".hpp": "cpp",
	".hh":  "cpp",
	".hxx": "cpp",
	".py":  "python",
	".pyw": "python",
}

// LanguageForPath guesses the language id of a file from its extension.
// It returns "" for unknown extensions.
func LanguageForPath(path string) string {
	return extensions[strings.ToLower(filepath.Ext(path))]
}

func normalize(languageID string) string {
	return strings.ToLower(strings.TrimSpace(languageID))
}
