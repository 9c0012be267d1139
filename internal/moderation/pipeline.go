package moderation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/logging"
)

// Pipeline runs filters in priority order and turns their findings into a verdict.
type Pipeline struct {
	mu      sync.RWMutex
	mode    Mode
	filters []Filter
	log     *logging.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline(mode Mode, log *logging.Logger) *Pipeline {
	return &Pipeline{mode: mode, log: logging.OrNop(log).With("component", "moderation")}
}

// Config selects a mode and an optional rules file.
type Config struct {
	Mode      string
	RulesFile string
}

// New builds a pipeline with the default PII rules, or with the rules file
// when one is configured. A mode in the file wins over cfg.Mode.
func New(cfg Config, log *logging.Logger) (*Pipeline, error) {
	mode := ParseMode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	rules := DefaultRules()
	if path := strings.TrimSpace(cfg.RulesFile); path != "" {
		f, err := LoadRulesFile(path)
		if err != nil {
			return nil, err
		}
		if f.Mode != "" {
			mode = ParseMode(strings.ToLower(f.Mode))
		}
		if rules, err = f.Compile(); err != nil {
			return nil, err
		}
	}
	p := NewPipeline(mode, log)
	p.AddFilter(NewRuleFilter("rules", 100, rules))
	p.log.Info("Pipeline: initialized", "mode", mode, "rules", len(rules))
	return p, nil
}

// Mode returns the current mode.
func (p *Pipeline) Mode() Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// SetMode changes the mode at runtime.
func (p *Pipeline) SetMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = m
}

// AddFilter registers f.
func (p *Pipeline) AddFilter(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, f)
	sort.SliceStable(p.filters, func(i, j int) bool { return p.filters[i].Priority() < p.filters[j].Priority() })
}

// CheckInput inspects a user turn before intake completes.
func (p *Pipeline) CheckInput(ctx context.Context, tenant, content string) (Result, error) {
	return p.run(ctx, &Check{Tenant: tenant, Direction: DirectionInput, Text: content})
}

// CheckOutput inspects one generated delta.
func (p *Pipeline) CheckOutput(ctx context.Context, messageID, delta string) (Result, error) {
	return p.run(ctx, &Check{MessageID: messageID, Direction: DirectionOutput, Text: delta})
}

func (p *Pipeline) run(ctx context.Context, c *Check) (Result, error) {
	p.mu.RLock()
	mode := p.mode
	filters := p.filters
	p.mu.RUnlock()

	res := Result{Verdict: Allow, Content: c.Text}
	if mode == ModeDisabled || c.Text == "" {
		return res, nil
	}
	start := time.Now()
	for _, f := range filters {
		if !f.Direction().covers(c.Direction) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := f.Apply(ctx, c); err != nil {
			// One broken filter must not take the others down.
			p.log.Warn("Pipeline.run: filter failed", "filter", f.Name(), "direction", c.Direction, "error", err)
			continue
		}
	}
	res.Findings = c.Findings
	if len(c.Findings) == 0 {
		return res, nil
	}

	switch mode {
	case ModeMonitor:
		p.log.Info("Pipeline.run: findings (monitor)", "direction", c.Direction, "tenant", c.Tenant, "message_id", c.MessageID, "findings", len(c.Findings))
		return res, nil
	case ModeEnforce:
		for _, fd := range c.Findings {
			if fd.Action == ActionBlock {
				res.Verdict = Block
				res.Reason = fmt.Sprintf("%s matched %s", fd.Filter, fd.Type)
				p.log.Warn("Pipeline.run: blocked", "direction", c.Direction, "tenant", c.Tenant, "message_id", c.MessageID, "type", fd.Type)
				return res, nil
			}
		}
	}
	res.Content = redact(c.Text, c.Findings)
	if res.Content != c.Text {
		res.Verdict = Redact
	}
	p.log.Debug("Pipeline.run: redacted", "direction", c.Direction, "findings", len(c.Findings), "took", time.Since(start))
	return res, nil
}

// redact replaces non-overlapping findings, earliest and then longest first.
func redact(text string, findings []Finding) string {
	sorted := append([]Finding(nil), findings...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})
	var sb strings.Builder
	pos := 0
	for _, fd := range sorted {
		if fd.Start < pos || fd.End > len(text) {
			continue
		}
		mask := fd.Mask
		if mask == "" {
			mask = "[REDACTED]"
		}
		sb.WriteString(text[pos:fd.Start])
		sb.WriteString(mask)
		pos = fd.End
	}
	sb.WriteString(text[pos:])
	return sb.String()
}
