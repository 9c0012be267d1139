package admission

import "sync"

// Policy chooses which queued request of a class is dispatched next. queued is
// in arrival order and never empty. Implementations must not starve a tenant
// that keeps a request queued.
type Policy interface {
	Name() string
	Next(class string, queued []*Request) int
}

// FIFO dispatches strictly in arrival order.
type FIFO struct{}

func (FIFO) Name() string                 { return "fifo" }
func (FIFO) Next(string, []*Request) int { return 0 }

// WeightedTenants interleaves tenants inside a class with deficit round robin.
// Each round every tenant with queued work earns its weight in credit; a
// dispatch costs one credit. Requests of the same tenant stay FIFO.
type WeightedTenants struct {
	mu            sync.Mutex
	weights       map[string]float64
	defaultWeight float64
	deficit       map[string]map[string]float64 // class -> tenant -> credit
}

// NewWeightedTenants builds the policy. Tenants missing from weights, or with
// a non-positive weight, get weight 1.
func NewWeightedTenants(weights map[string]float64) *WeightedTenants {
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	return &WeightedTenants{
		weights:       w,
		defaultWeight: 1,
		deficit:       make(map[string]map[string]float64),
	}
}

func (p *WeightedTenants) Name() string { return "weighted" }

func (p *WeightedTenants) weight(tenant string) float64 {
	if w, ok := p.weights[tenant]; ok && w > 0 {
		return w
	}
	return p.defaultWeight
}

func (p *WeightedTenants) Next(class string, queued []*Request) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var order []string
	oldest := make(map[string]int)
	for i, r := range queued {
		if _, ok := oldest[r.Tenant]; !ok {
			oldest[r.Tenant] = i
			order = append(order, r.Tenant)
		}
	}

	credit := p.deficit[class]
	if credit == nil {
		credit = make(map[string]float64)
		p.deficit[class] = credit
	}
	// Idle tenants do not bank credit.
	for t := range credit {
		if _, ok := oldest[t]; !ok {
			delete(credit, t)
		}
	}
	if len(order) == 1 {
		return 0
	}

	for {
		for _, t := range order {
			if credit[t] >= 1 {
				credit[t]--
				return oldest[t]
			}
		}
		for _, t := range order {
			credit[t] += p.weight(t)
		}
	}
}
