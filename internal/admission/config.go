package admission

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClassConfig bounds one worker class (for example a model size).
type ClassConfig struct {
	Name          string
	MaxConcurrent int           // generations running at once
	MaxQueueDepth int           // requests waiting for a slot
	MaxWait       time.Duration // queued longer than this expires
}

// Config holds the admission configuration.
type Config struct {
	Classes      []ClassConfig
	DefaultClass string
	// TenantCeiling caps queued plus running requests per tenant per class.
	TenantCeiling int
	// TenantCeilings overrides TenantCeiling for specific tenants.
	TenantCeilings map[string]int
	// SweepInterval is how often queued requests are checked for expiry.
	SweepInterval time.Duration
}

// DefaultConfig returns a single "default" class.
func DefaultConfig() Config {
	return Config{
		Classes: []ClassConfig{
			{Name: "default", MaxConcurrent: 16, MaxQueueDepth: 256, MaxWait: 30 * time.Second},
		},
		DefaultClass:  "default",
		TenantCeiling: 8,
		SweepInterval: 100 * time.Millisecond,
	}
}

func (c *Config) normalize() error {
	if len(c.Classes) == 0 {
		return fmt.Errorf("admission: no classes configured")
	}
	seen := make(map[string]bool, len(c.Classes))
	for i := range c.Classes {
		cl := &c.Classes[i]
		cl.Name = strings.TrimSpace(cl.Name)
		if cl.Name == "" {
			return fmt.Errorf("admission: class %d has no name", i)
		}
		if seen[cl.Name] {
			return fmt.Errorf("admission: duplicate class %q", cl.Name)
		}
		seen[cl.Name] = true
		if cl.MaxConcurrent <= 0 {
			return fmt.Errorf("admission: class %q needs max_concurrent > 0", cl.Name)
		}
		if cl.MaxQueueDepth < 0 {
			cl.MaxQueueDepth = 0
		}
		if cl.MaxWait <= 0 {
			cl.MaxWait = 30 * time.Second
		}
	}
	if c.DefaultClass == "" {
		c.DefaultClass = c.Classes[0].Name
	}
	if !seen[c.DefaultClass] {
		return fmt.Errorf("admission: default class %q not configured", c.DefaultClass)
	}
	if c.TenantCeiling <= 0 {
		c.TenantCeiling = 8
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 100 * time.Millisecond
	}
	return nil
}

// ParseClasses reads "name:max_concurrent:max_queue:max_wait" entries, comma
// separated, e.g. "small:32:256:30s,large:4:64:2m".
func ParseClasses(spec string) ([]ClassConfig, error) {
	var out []ClassConfig
	for _, raw := range strings.Split(spec, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("admission class %q: want name:max_concurrent:max_queue:max_wait", raw)
		}
		concurrent, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("admission class %q: max_concurrent: %w", raw, err)
		}
		depth, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("admission class %q: max_queue: %w", raw, err)
		}
		wait, err := time.ParseDuration(parts[3])
		if err != nil {
			return nil, fmt.Errorf("admission class %q: max_wait: %w", raw, err)
		}
		out = append(out, ClassConfig{Name: parts[0], MaxConcurrent: concurrent, MaxQueueDepth: depth, MaxWait: wait})
	}
	return out, nil
}
