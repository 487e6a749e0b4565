package fix

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

//go:embed default_rules.toml
var defaultRules []byte

// Rule maps findings of one tool to a text transformation of the flagged
// line
type Rule struct {
	ID    string `toml:"id"`
	Title string `toml:"title"`
	Tool  string `toml:"tool"`
	// RuleIDs restricts the rule to these finding rule ids; empty matches all
	RuleIDs []string `toml:"rule_ids"`
	// MessagePattern, when set, must match the finding message
	MessagePattern string `toml:"message_pattern"`
	// LinePattern must match the flagged line; its match is replaced
	LinePattern string `toml:"line_pattern"`
	Replacement string `toml:"replacement"`
	// Requires lists lines the fixed file must contain, inserted near the
	// top when missing (imports, includes)
	Requires []string `toml:"requires"`
}

// ruleFile is the TOML document holding fix rules
type ruleFile struct {
	// ReplaceDefaults drops the built-in rules instead of extending them
	ReplaceDefaults bool   `toml:"replace_defaults"`
	Rules           []Rule `toml:"rule"`
}

type compiledRule struct {
	Rule
	ruleIDs map[string]bool
	message *regexp.Regexp
	line    *regexp.Regexp
}

func (c *compiledRule) applies(f finding.Finding) bool {
	if finding.ToolID(c.Tool) != f.Tool {
		return false
	}
	if len(c.ruleIDs) > 0 && !c.ruleIDs[f.RuleID] {
		return false
	}
	if c.message != nil && !c.message.MatchString(f.Message) {
		return false
	}
	return true
}

func compile(r Rule) (*compiledRule, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("fix rule without id")
	}
	if r.Tool == "" {
		return nil, fmt.Errorf("fix rule %s: tool is required", r.ID)
	}
	if r.LinePattern == "" {
		return nil, fmt.Errorf("fix rule %s: line_pattern is required", r.ID)
	}

	c := &compiledRule{Rule: r}
	var err error
	if c.line, err = regexp.Compile(r.LinePattern); err != nil {
		return nil, fmt.Errorf("fix rule %s: invalid line_pattern: %w", r.ID, err)
	}
	if r.MessagePattern != "" {
		if c.message, err = regexp.Compile(r.MessagePattern); err != nil {
			return nil, fmt.Errorf("fix rule %s: invalid message_pattern: %w", r.ID, err)
		}
	}
	if len(r.RuleIDs) > 0 {
		c.ruleIDs = make(map[string]bool, len(r.RuleIDs))
		for _, id := range r.RuleIDs {
			c.ruleIDs[id] = true
		}
	}
	for _, req := range r.Requires {
		if strings.ContainsAny(req, "\r\n") || strings.TrimSpace(req) == "" {
			return nil, fmt.Errorf("fix rule %s: requires entries must be single non-empty lines", r.ID)
		}
	}
	return c, nil
}

// DefaultRules returns the built-in rules
func DefaultRules() []Rule {
	rf, err := decodeRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in fix rules: %v", err))
	}
	return rf.Rules
}

// ParseRules decodes a TOML rule file and merges it with the built-in rules
func ParseRules(data []byte) ([]Rule, error) {
	rf, err := decodeRules(data)
	if err != nil {
		return nil, err
	}
	if rf.ReplaceDefaults {
		return rf.Rules, nil
	}
	return append(DefaultRules(), rf.Rules...), nil
}

// Fetcher retrieves remote rule files
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// LoadRules loads rules from a file path or an http(s) URL. An empty source
// yields the built-in rules.
func LoadRules(ctx context.Context, source string, fetcher Fetcher) ([]Rule, error) {
	if source == "" {
		return DefaultRules(), nil
	}

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if fetcher == nil {
			return nil, fmt.Errorf("cannot fetch fix rules from %s: no fetcher configured", source)
		}
		data, err = fetcher.Fetch(ctx, source)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load fix rules: %w", err)
	}

	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fix rules from %s: %w", source, err)
	}
	log.WithFields(log.Fields{
		"source": source,
		"rules":  len(rules),
	}).Debug("Fix rules loaded")
	return rules, nil
}

func decodeRules(data []byte) (*ruleFile, error) {
	var rf ruleFile
	md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&rf)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown fix rule keys: %v", undecoded)
	}
	return &rf, nil
}
