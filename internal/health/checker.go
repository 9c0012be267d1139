// Package health reports whether the dependencies of chatstreamd are reachable.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is the last result of one probe.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"`
	CheckResult
}

// Pinger is anything that can report reachability: the session store and the
// persistence store both are.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe checks one dependency. A failing critical probe makes the whole
// service unhealthy; any other failure only degrades it.
type Probe struct {
	Name     string
	Type     string // session_store, database, ...
	Critical bool
	Target   Pinger
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Config holds health checker configuration.
type Config struct {
	Probes []Probe
	// Timeout bounds every probe. Default 2s.
	Timeout time.Duration
	// MaxLatency marks slower probes as degraded. Default 100ms.
	MaxLatency time.Duration
}

// Checker runs the probes concurrently and remembers the last result.
type Checker struct {
	probes     []Probe
	timeout    time.Duration
	maxLatency time.Duration

	mu         sync.RWMutex
	components []Component
}

// New creates a health checker.
func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	return &Checker{probes: cfg.Probes, timeout: cfg.Timeout, maxLatency: cfg.MaxLatency}
}

// Check runs every probe and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	components := make([]Component, len(c.probes))
	var g errgroup.Group
	for i, p := range c.probes {
		g.Go(func() error {
			components[i] = c.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()
	return c.overall(components)
}

func (c *Checker) run(ctx context.Context, p Probe) Component {
	comp := Component{Name: p.Name, Type: p.Type, CheckResult: CheckResult{Timestamp: time.Now()}}
	if p.Target == nil {
		comp.Status = StatusHealthy
		comp.Message = "Not configured"
		return comp
	}
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.Target.Ping(pctx)
	comp.Latency = time.Since(start)
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Unreachable"
	case comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) critical(name string) bool {
	for _, p := range c.probes {
		if p.Name == name {
			return p.Critical
		}
	}
	return false
}

func (c *Checker) overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if c.critical(comp.Name) {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return HealthStatus{Status: status, Timestamp: time.Now(), Components: components}
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.components) == 0 {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return c.overall(c.components)
}
