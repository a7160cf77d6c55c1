package providerrouter

import (
	"sort"
	"time"

	"ai-privacy-router/internal/model"
)

// Weights are the scoring coefficients for ranking candidate providers
// (spec.md §4.4).
type Weights struct {
	Priority float64
	Cost     float64
	Latency  float64
}

// DefaultWeights matches spec.md §6's configuration defaults.
var DefaultWeights = Weights{Priority: 0.5, Cost: 0.3, Latency: 0.2}

// Assignment pairs one fragment with the provider chosen to handle it.
type Assignment struct {
	FragmentID string
	ProviderID string
}

// capabilityFor maps a fragment's kind to the registry capability tag
// spec.md §4.4 step 1 filters providers by.
func capabilityFor(kind model.FragmentKind) string {
	switch kind {
	case model.FragmentCode:
		return "code"
	case model.FragmentPII:
		return "sensitive"
	default:
		return "general"
	}
}

type ranked struct {
	snapshot Snapshot
	score    float64
}

// Route assigns every fragment in fragments to a provider from snapshot,
// applying spec.md §4.4's filter/rank/reassign rule: capability-filter,
// health-filter, score-rank, then reassign PII_BEARING collisions until
// minProvidersForSensitive distinct providers are in use (when enough
// healthy capable providers exist to reach it).
//
// Fails with NoProviderAvailable only when every registered provider is
// unhealthy — the Coordinator is expected to degrade to a single-provider
// PASS_THROUGH attempt in that case, not Route itself.
func Route(fragments []model.FragmentSpec, snapshot []Snapshot, weights Weights, minProvidersForSensitive int) ([]Assignment, error) {
	healthy := make([]Snapshot, 0, len(snapshot))
	for _, s := range snapshot {
		if s.Healthy {
			healthy = append(healthy, s)
		}
	}
	if len(healthy) == 0 {
		return nil, model.NewPipelineError(model.ErrNoProviderAvailable, "no healthy provider available", nil)
	}

	minLatency, maxLatency, minCost, maxCost := bounds(healthy)

	assignments := make([]Assignment, len(fragments))
	sensitiveUsed := make(map[string]bool)

	for i, f := range fragments {
		tag := capabilityFor(f.FragmentKind)
		candidates := filterCapable(healthy, tag)
		if len(candidates) == 0 {
			// No provider advertises the exact capability; fall back to
			// any healthy provider rather than failing the whole plan.
			candidates = healthy
		}

		scored := rankCandidates(candidates, tag, weights, minLatency, maxLatency, minCost, maxCost)

		chosen := scored[0].snapshot.Provider.ID
		if f.FragmentKind == model.FragmentPII && minProvidersForSensitive > 1 {
			chosen = reassignForDiversity(scored, sensitiveUsed, minProvidersForSensitive)
			sensitiveUsed[chosen] = true
		}
		assignments[i] = Assignment{FragmentID: f.ID, ProviderID: chosen}
	}
	return assignments, nil
}

// reassignForDiversity picks the best-ranked candidate not yet used by
// another PII_BEARING fragment in this plan, until sensitiveUsed reaches
// min distinct providers — after which collisions are accepted (spec.md
// §4.4 step 4: "reassign the lowest-ranked collision to the next-best
// distinct provider").
func reassignForDiversity(scored []ranked, sensitiveUsed map[string]bool, min int) string {
	if len(sensitiveUsed) >= min {
		return scored[0].snapshot.Provider.ID
	}
	for _, s := range scored {
		if !sensitiveUsed[s.snapshot.Provider.ID] {
			return s.snapshot.Provider.ID
		}
	}
	// Fewer distinct healthy candidates than min requires; reuse the
	// top-ranked one rather than fail the plan over an unreachable target.
	return scored[0].snapshot.Provider.ID
}

func filterCapable(snapshots []Snapshot, tag string) []Snapshot {
	var out []Snapshot
	for _, s := range snapshots {
		for _, c := range s.Provider.Capabilities {
			if c == tag {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func bounds(snapshots []Snapshot) (minLatency, maxLatency time.Duration, minCost, maxCost float64) {
	minLatency, maxLatency = snapshots[0].RollingLatency, snapshots[0].RollingLatency
	minCost, maxCost = snapshots[0].RollingCost, snapshots[0].RollingCost
	for _, s := range snapshots[1:] {
		if s.RollingLatency < minLatency {
			minLatency = s.RollingLatency
		}
		if s.RollingLatency > maxLatency {
			maxLatency = s.RollingLatency
		}
		if s.RollingCost < minCost {
			minCost = s.RollingCost
		}
		if s.RollingCost > maxCost {
			maxCost = s.RollingCost
		}
	}
	return
}

// rankCandidates scores and sorts candidates best-first. Ties break by
// provider ID for determinism (spec.md §4.4's stable tie-break).
//
// priorityForKind is 1.0 for a provider that actually advertises tag and
// 0.5 for one reached only through the no-exact-match fallback in Route —
// spec.md names priorityForKind as a term but does not define its source;
// this is the Open Question decision recorded in DESIGN.md.
func rankCandidates(candidates []Snapshot, tag string, w Weights, minLatency, maxLatency time.Duration, minCost, maxCost float64) []ranked {
	out := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		priority := 0.5
		for _, cap := range c.Provider.Capabilities {
			if cap == tag {
				priority = 1.0
				break
			}
		}
		normLatency := normalize(float64(c.RollingLatency), float64(minLatency), float64(maxLatency))
		normCost := normalize(c.RollingCost, minCost, maxCost)
		score := w.Priority*priority + w.Cost*(1-normCost) + w.Latency*(1-normLatency)
		out = append(out, ranked{snapshot: c, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].snapshot.Provider.ID < out[j].snapshot.Provider.ID
	})
	return out
}

func normalize(v, min, max float64) float64 {
	if max <= min {
		return 0
	}
	return (v - min) / (max - min)
}
