// Package aggregator implements the Aggregator (C6): it merges the
// Dispatch Scheduler's per-fragment results into one coherent response,
// restores anonymized placeholders, and scores privacy and quality
// (spec.md §4.6).
package aggregator

import (
	"sort"
	"strings"
	"time"

	"ai-privacy-router/internal/anonymizer"
	"ai-privacy-router/internal/model"
)

// refusalIndicators is the fixed short list of apology/refusal phrases
// coherenceScore penalizes — spec.md §4.6 names the term without
// enumerating the list; this is the Open Question decision recorded in
// DESIGN.md.
var refusalIndicators = []string{
	"i'm sorry", "i am sorry", "i cannot", "i can't", "as an ai",
	"i'm not able to", "i am not able to", "i apologize", "unable to assist",
}

// Config carries the provider-state lookups the Aggregator needs but does
// not own itself (spec.md §4.4's ProviderRegistry belongs to the Provider
// Router, not the Aggregator).
type Config struct {
	// ProviderWeight is the static per-provider factor in [0,1] (spec.md
	// §4.6 step 2's providerWeight term).
	ProviderWeight func(providerID string) float64
	// ProviderCapable reports whether providerID advertises the capability
	// a fragment of kind needs, for the typeMatch term.
	ProviderCapable func(providerID string, kind model.FragmentKind) bool
	// FragmentTimeout is T_f, the per-fragment deadline the latencyScore
	// term normalizes against.
	FragmentTimeout time.Duration
}

// overlapJaccardThreshold is the token-Jaccard similarity above which two
// adjacent results are considered to overlap (spec.md §4.6 step 3: "more
// than 70% token Jaccard").
const overlapJaccardThreshold = 0.70

// confidenceDivergenceThreshold is the |c_a - c_b| gap above which an
// overlapping lower-confidence result is dropped rather than both kept
// (spec.md §4.6 step 3).
const confidenceDivergenceThreshold = 0.15

// Aggregate merges results (in plan.Fragments order) into one
// AggregatedResponse. Fails with AggregationEmpty if no result has
// status OK.
func Aggregate(plan *model.FragmentationPlan, results []model.FragmentResult, cfg Config) (*model.AggregatedResponse, error) {
	byFragment := indexResults(results)
	ordered := orderByPlan(plan, results, byFragment)

	ok := make([]model.FragmentResult, 0, len(ordered))
	for _, r := range ordered {
		if r.Status == model.StatusOK {
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return nil, model.NewPipelineError(model.ErrAggregationEmpty, "no fragment OKed", nil)
	}

	kindByFragment := fragmentKinds(plan)
	confidences := make(map[string]float64, len(ok))
	for i := range ok {
		r := &ok[i]
		r.Confidence = compositeConfidence(*r, kindByFragment[r.FragmentID], cfg)
		confidences[r.FragmentID] = r.Confidence
	}

	merged, diagnostics := merge(ok, confidences)
	restored, unmatched := anonymizer.Restore(merged, plan.EntityMap)
	for _, tok := range unmatched {
		diagnostics = append(diagnostics, "unresolved placeholder: "+tok)
	}

	privacyScore := computePrivacyScore(ok, plan.EntityMap)
	qualityScore := meanConfidence(confidences)

	totalCost := 0.0
	var totalLatency time.Duration
	perProviderCount := map[string]int{}
	for _, r := range ok {
		totalCost += r.Cost
		if r.Latency > totalLatency {
			totalLatency = r.Latency // fragments run in parallel: latency is the max, not the sum
		}
		perProviderCount[r.ProviderID]++
	}

	return &model.AggregatedResponse{
		FinalText:    restored,
		PrivacyScore: privacyScore,
		QualityScore: qualityScore,
		TotalCost:    totalCost,
		TotalLatency: totalLatency,
		PerFragment:  ordered,
		PerProvider:  providerTallies(perProviderCount),
		Diagnostics:  diagnostics,
	}, nil
}

func indexResults(results []model.FragmentResult) map[string]model.FragmentResult {
	out := make(map[string]model.FragmentResult, len(results))
	for _, r := range results {
		out[r.FragmentID] = r
	}
	return out
}

// orderByPlan returns results in plan.Fragments order (spec.md §4.6:
// "concatenate results in plan order"), falling back to results' own order
// for any fragment ID the plan does not know about.
func orderByPlan(plan *model.FragmentationPlan, results []model.FragmentResult, byFragment map[string]model.FragmentResult) []model.FragmentResult {
	if plan == nil {
		return results
	}
	seen := make(map[string]bool, len(results))
	ordered := make([]model.FragmentResult, 0, len(results))
	for _, f := range plan.Fragments {
		if r, ok := byFragment[f.ID]; ok {
			ordered = append(ordered, r)
			seen[f.ID] = true
		}
	}
	for _, r := range results {
		if !seen[r.FragmentID] {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

func fragmentKinds(plan *model.FragmentationPlan) map[string]model.FragmentKind {
	out := map[string]model.FragmentKind{}
	if plan == nil {
		return out
	}
	for _, f := range plan.Fragments {
		out[f.ID] = f.FragmentKind
	}
	return out
}

// compositeConfidence computes c_i per spec.md §4.6 step 2.
func compositeConfidence(r model.FragmentResult, kind model.FragmentKind, cfg Config) float64 {
	providerWeight := 0.5
	if cfg.ProviderWeight != nil {
		providerWeight = cfg.ProviderWeight(r.ProviderID)
	}

	lengthScore := clamp(float64(len(r.Response))/1200, 0, 1)
	coherenceScore := coherence(r.Response)

	typeMatch := 0.6
	if cfg.ProviderCapable == nil || cfg.ProviderCapable(r.ProviderID, kind) {
		typeMatch = 1
	}

	tf := cfg.FragmentTimeout
	if tf <= 0 {
		tf = 8 * time.Second
	}
	latencyScore := 1 - clamp(float64(r.Latency)/float64(tf), 0, 1)

	return 0.3*providerWeight + 0.2*lengthScore + 0.2*coherenceScore + 0.2*typeMatch + 0.1*latencyScore
}

// coherence scores 1 minus the fraction of a fixed list of apology/refusal
// phrases found in text (spec.md §4.6's coherenceScore).
func coherence(text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, phrase := range refusalIndicators {
		if strings.Contains(lower, phrase) {
			hits++
		}
	}
	frac := float64(hits) / float64(len(refusalIndicators))
	return 1 - frac
}

// merge concatenates ok in order, dropping the lower-confidence result in
// any adjacent pair whose confidences diverge by more than
// confidenceDivergenceThreshold within a detected token-overlap region, and
// otherwise joining with a connective separator (spec.md §4.6 step 3).
func merge(ok []model.FragmentResult, confidences map[string]float64) (string, []string) {
	if len(ok) == 1 {
		return ok[0].Response, nil
	}

	var diagnostics []string
	var parts []string
	i := 0
	for i < len(ok) {
		cur := ok[i]
		if i+1 < len(ok) {
			next := ok[i+1]
			if jaccard(cur.Response, next.Response) > overlapJaccardThreshold {
				ca, cb := confidences[cur.FragmentID], confidences[next.FragmentID]
				if abs(ca-cb) > confidenceDivergenceThreshold {
					winner := cur
					if cb > ca {
						winner = next
					}
					diagnostics = append(diagnostics, "dropped overlapping lower-confidence fragment in merge")
					parts = append(parts, winner.Response)
					i += 2
					continue
				}
			}
		}
		parts = append(parts, cur.Response)
		i++
	}
	return strings.Join(parts, "\n\n"), diagnostics
}

// jaccard computes token-set Jaccard similarity between two texts.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

// computePrivacyScore implements spec.md §4.6 step 5 and its Open Question
// decision in DESIGN.md: leakFraction is the ratio of placeholder-restored
// characters that appear, pre-restoration, in any OK provider's raw
// response — i.e. the provider actually echoed (or was given) the original
// entity text rather than its placeholder.
func computePrivacyScore(ok []model.FragmentResult, em *model.EntityMap) float64 {
	if em == nil || em.Len() == 0 {
		return 1
	}
	totalChars := 0
	leakedChars := 0
	for _, original := range em.Keys() {
		totalChars += len(original)
		for _, r := range ok {
			if strings.Contains(r.Response, original) {
				leakedChars += len(original)
				break
			}
		}
	}
	if totalChars == 0 {
		return 1
	}
	leakFraction := float64(leakedChars) / float64(totalChars)
	return 1 - leakFraction
}

func meanConfidence(confidences map[string]float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range confidences {
		sum += c
	}
	return sum / float64(len(confidences))
}

func providerTallies(counts map[string]int) []model.ProviderTally {
	out := make([]model.ProviderTally, 0, len(counts))
	for id, n := range counts {
		out = append(out, model.ProviderTally{ProviderID: id, FragmentsHandled: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
