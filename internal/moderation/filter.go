// Package moderation is the content policy collaborator: input is checked
// before intake completes, output is checked per generated chunk.
package moderation

import "context"

// Mode determines what the pipeline does with findings.
type Mode string

const (
	// ModeMonitor logs findings and lets content through unchanged.
	ModeMonitor Mode = "monitor"
	// ModeEnforce blocks on block rules and masks on redact rules.
	ModeEnforce Mode = "enforce"
	// ModeRedact masks every finding and never blocks.
	ModeRedact Mode = "redact"
	// ModeDisabled skips all filters.
	ModeDisabled Mode = "disabled"
)

// ParseMode maps a config string onto a Mode. Unknown values disable moderation.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeMonitor, ModeEnforce, ModeRedact:
		return Mode(s)
	}
	return ModeDisabled
}

// Direction says which side of the conversation a filter inspects.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
	DirectionBoth   Direction = "both"
)

func (d Direction) covers(other Direction) bool {
	return d == DirectionBoth || d == "" || d == other
}

// Action is what a finding asks for.
type Action string

const (
	ActionRedact Action = "redact"
	ActionBlock  Action = "block"
)

// Verdict is the pipeline decision.
type Verdict string

const (
	Allow  Verdict = "allow"
	Redact Verdict = "redact"
	Block  Verdict = "block"
)

// Finding is one match of one filter.
type Finding struct {
	Filter string `json:"filter"`
	Type   string `json:"type"`
	Action Action `json:"action"`
	Mask   string `json:"mask,omitempty"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// Check carries the text under inspection through the filters.
type Check struct {
	Tenant    string
	MessageID string
	Direction Direction
	Text      string
	Findings  []Finding
}

// Filter inspects text and appends findings; it never rewrites Check.Text.
type Filter interface {
	Name() string
	// Priority orders filters, lower first.
	Priority() int
	Direction() Direction
	Apply(ctx context.Context, c *Check) error
}

// Result is returned by CheckInput and CheckOutput.
type Result struct {
	Verdict  Verdict
	Content  string // the possibly redacted text
	Reason   string
	Findings []Finding
}
