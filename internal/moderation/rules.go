package moderation

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one compiled pattern.
type Rule struct {
	Name      string
	Type      string
	Pattern   *regexp.Regexp
	Mask      string
	Action    Action
	Direction Direction
}

var defaultRules = []Rule{
	{Name: "email", Type: "EMAIL", Pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), Mask: "[EMAIL]", Action: ActionRedact},
	{Name: "ssn", Type: "SSN", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Mask: "[SSN]", Action: ActionRedact},
	{Name: "credit_card", Type: "CREDIT_CARD", Pattern: regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), Mask: "[CREDIT_CARD]", Action: ActionRedact},
	{Name: "api_key", Type: "API_KEY", Pattern: regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`), Mask: "[API_KEY]", Action: ActionRedact},
}

// DefaultRules returns the built-in PII rules.
func DefaultRules() []Rule {
	return append([]Rule(nil), defaultRules...)
}

// RuleFilter matches a set of regular expression rules.
type RuleFilter struct {
	name      string
	priority  int
	direction Direction
	rules     []Rule
}

// NewRuleFilter creates a filter over rules. Each rule still honours its own direction.
func NewRuleFilter(name string, priority int, rules []Rule) *RuleFilter {
	if name == "" {
		name = "rules"
	}
	return &RuleFilter{name: name, priority: priority, direction: DirectionBoth, rules: rules}
}

func (f *RuleFilter) Name() string         { return f.name }
func (f *RuleFilter) Priority() int        { return f.priority }
func (f *RuleFilter) Direction() Direction { return f.direction }

func (f *RuleFilter) Apply(_ context.Context, c *Check) error {
	for _, r := range f.rules {
		if !r.Direction.covers(c.Direction) {
			continue
		}
		for _, loc := range r.Pattern.FindAllStringIndex(c.Text, -1) {
			c.Findings = append(c.Findings, Finding{
				Filter: f.name,
				Type:   r.Type,
				Action: r.Action,
				Mask:   r.Mask,
				Start:  loc[0],
				End:    loc[1],
			})
		}
	}
	return nil
}

// RulesFile is the YAML layout of a moderation rules file:
//
//	mode: enforce
//	include_defaults: true
//	blocked_terms: ["make a bomb"]
//	rules:
//	  - name: internal_host
//	    type: HOST
//	    pattern: '\bcorp-[a-z0-9]+\.internal\b'
//	    mask: '[HOST]'
//	    action: redact
//	    direction: output
type RulesFile struct {
	Mode            string       `yaml:"mode"`
	IncludeDefaults *bool        `yaml:"include_defaults,omitempty"`
	BlockedTerms    []string     `yaml:"blocked_terms,omitempty"`
	Rules           []RuleConfig `yaml:"rules,omitempty"`
}

// RuleConfig is the uncompiled form of a Rule.
type RuleConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Pattern   string `yaml:"pattern"`
	Mask      string `yaml:"mask,omitempty"`
	Action    string `yaml:"action,omitempty"`
	Direction string `yaml:"direction,omitempty"`
}

// LoadRulesFile reads a YAML rules file.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read moderation rules %s: %w", path, err)
	}
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse moderation rules %s: %w", path, err)
	}
	return &f, nil
}

// Compile turns the file into rules. Blocked terms become case-insensitive
// literal block rules.
func (f *RulesFile) Compile() ([]Rule, error) {
	var rules []Rule
	if f.IncludeDefaults == nil || *f.IncludeDefaults {
		rules = DefaultRules()
	}
	for _, rc := range f.Rules {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", rc.Name, err)
		}
		action := Action(strings.ToLower(rc.Action))
		if action != ActionBlock {
			action = ActionRedact
		}
		mask := rc.Mask
		if mask == "" && action == ActionRedact {
			mask = "[" + strings.ToUpper(firstNonEmpty(rc.Type, rc.Name)) + "]"
		}
		rules = append(rules, Rule{
			Name:      rc.Name,
			Type:      firstNonEmpty(rc.Type, strings.ToUpper(rc.Name)),
			Pattern:   re,
			Mask:      mask,
			Action:    action,
			Direction: Direction(strings.ToLower(rc.Direction)),
		})
	}
	for _, term := range f.BlockedTerms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		rules = append(rules, Rule{
			Name:    "blocked_term",
			Type:    "BLOCKED_TERM",
			Pattern: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(term)),
			Action:  ActionBlock,
		})
	}
	return rules, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
