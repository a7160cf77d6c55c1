// Package providerrouter is the Provider Router (C4): it holds the live
// registry of routable LLM providers and assigns each fragment in a plan to
// one of them.
package providerrouter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"ai-privacy-router/internal/logger"
)

// Provider describes one routable LLM provider (spec.md §4.4).
type Provider struct {
	ID           string
	Capabilities []string // subset of {general, code, sensitive, cheap}
}

type entry struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker

	mu             sync.Mutex
	healthOverride *bool // manual override from the management API; nil = follow the breaker
	rollingLatency time.Duration
	rollingCost    float64
	samples        int
}

// Snapshot is a point-in-time, lock-free copy of one provider's routable
// state, safe to rank without holding the registry lock.
type Snapshot struct {
	Provider       Provider
	Healthy        bool
	RollingLatency time.Duration
	RollingCost    float64
}

// Registry is the live set of routable providers, their capabilities, and
// their rolling health/latency/cost statistics — spec.md §4.4's
// ProviderRegistry, adapted from the teacher's mutex-guarded,
// snapshot-on-read DomainRegistry shape (management.go) to carry richer
// per-provider state and a circuit breaker instead of a bare set membership
// test.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *logger.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{entries: make(map[string]*entry), log: log}
}

// Add registers a provider, giving it a fresh circuit breaker. Re-adding an
// existing ID resets its breaker and rolling statistics.
func (r *Registry) Add(p Provider) {
	r.mu.Lock()
	r.entries[p.ID] = &entry{provider: p, breaker: newBreaker(p.ID, r.log)}
	r.mu.Unlock()
	r.log.Infof("provider_add", "registered provider %s capabilities=%v", p.ID, p.Capabilities)
}

// Remove deregisters a provider. A no-op if id is unknown.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	r.log.Infof("provider_remove", "removed provider %s", id)
}

// SetHealthOverride forces a provider healthy or unhealthy regardless of
// circuit breaker state, for manual operator intervention via the
// management API. Pass nil to clear the override and resume following the
// breaker.
func (r *Registry) SetHealthOverride(id string, healthy *bool) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown provider %q", id)
	}
	e.mu.Lock()
	e.healthOverride = healthy
	e.mu.Unlock()
	return nil
}

// Snapshot returns a stably-ordered copy of every registered provider's
// current state.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		healthy := e.breaker.State() != gobreaker.StateOpen
		if e.healthOverride != nil {
			healthy = *e.healthOverride
		}
		out = append(out, Snapshot{
			Provider:       e.provider,
			Healthy:        healthy,
			RollingLatency: e.rollingLatency,
			RollingCost:    e.rollingCost,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider.ID < out[j].Provider.ID })
	return out
}

// errDispatchFailure feeds a dispatch attempt's failure into a provider's
// circuit breaker. The breaker only cares whether the call succeeded, so a
// single sentinel stands in for whatever PROVIDER_ERROR/TIMEOUT the Dispatch
// Scheduler actually saw (spec.md §4.5's terminal fragment statuses).
var errDispatchFailure = errors.New("dispatch attempt failed")

// RecordResult folds one dispatch outcome into a provider's rolling
// latency/cost averages (exponential moving average, alpha=0.2 — the same
// smoothing weight the retrieved pack's other rolling-metric consumers use
// for noisy per-call samples) and feeds success into the provider's circuit
// breaker, so repeated PROVIDER_ERROR/TIMEOUT outcomes trip it and
// Snapshot().Healthy reflects real dispatch failures rather than only a
// manual /providers/health override.
func (r *Registry) RecordResult(id string, latency time.Duration, cost float64, success bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	const alpha = 0.2
	e.mu.Lock()
	if e.samples == 0 {
		e.rollingLatency = latency
		e.rollingCost = cost
	} else {
		e.rollingLatency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(e.rollingLatency))
		e.rollingCost = alpha*cost + (1-alpha)*e.rollingCost
	}
	e.samples++
	e.mu.Unlock()

	// Execute replays the already-observed outcome through the breaker
	// rather than re-running the call, since the dispatch attempt itself
	// already happened in the Scheduler.
	_, _ = e.breaker.Execute(func() (any, error) {
		if success {
			return nil, nil
		}
		return nil, errDispatchFailure
	})
}
