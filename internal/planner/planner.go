// Package planner implements the Fragmentation Planner (C2): it turns a
// query and its DetectionReport into a FragmentationPlan — an anonymized,
// strategy-selected split of the query into fragments no single provider
// sees in full.
package planner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"ai-privacy-router/internal/model"
)

// Policy carries the planning knobs the Coordinator loads from config.
type Policy struct {
	MaxFragments             int
	MinProvidersForSensitive int
	ChunkSizeCap             int
}

func (p Policy) chunkCap() int {
	if p.ChunkSizeCap <= 0 {
		return 400
	}
	return p.ChunkSizeCap
}

// Plan selects a fragmentation strategy for query given its DetectionReport,
// builds the EntityMap, and produces the fragment set, clamped to
// policy.MaxFragments. It fails only when query is empty after trimming.
func Plan(query string, report *model.DetectionReport, policy Policy) (*model.FragmentationPlan, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, model.NewPipelineError(model.ErrPlanUnfeasible, "query is empty", nil)
	}

	strategy := selectStrategy(report)

	entityMap := model.NewEntityMap()
	anonymized := anonymizeText(query, report.Entities, entityMap)

	var fragments []model.FragmentSpec
	switch strategy {
	case model.StrategyPassThrough:
		fragments = []model.FragmentSpec{newFragment(anonymized, model.FragmentGeneral)}
	case model.StrategyCodeIsolate:
		fragments = splitCodeAndProse(anonymized, policy.chunkCap())
	case model.StrategyPIIIsolate:
		fragments = splitPIIAndGeneral(anonymized, entityMap, policy.chunkCap())
	case model.StrategyHybrid:
		fragments = splitHybrid(anonymized, entityMap, policy.chunkCap())
	default: // SEMANTIC_SPLIT
		fragments = splitSemantic(anonymized, policy.chunkCap())
	}

	fragments = clampFragments(fragments, policy.MaxFragments)
	assignIDs(fragments)

	return &model.FragmentationPlan{
		Strategy:  strategy,
		Fragments: fragments,
		EntityMap: entityMap,
	}, nil
}

// selectStrategy applies spec.md §4.2's priority rules, in order.
func selectStrategy(report *model.DetectionReport) model.Strategy {
	hasPII := len(report.Entities) > 0
	switch {
	case report.SensitivityScore < 0.2 && !report.HasCode:
		return model.StrategyPassThrough
	case report.HasCode && hasPII:
		return model.StrategyHybrid
	case report.HasCode:
		return model.StrategyCodeIsolate
	case hasPII && report.SensitivityScore >= 0.5:
		return model.StrategyPIIIsolate
	default:
		return model.StrategySemanticSplit
	}
}

// anonymizeText replaces every detected span with its EntityMap placeholder,
// walking entities in span order so every original span is registered in
// the map before any fragment text is produced from it.
func anonymizeText(text string, entities []model.Entity, em *model.EntityMap) string {
	if len(entities) == 0 {
		return text
	}
	sorted := make([]model.Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var b strings.Builder
	last := 0
	for _, e := range sorted {
		if e.Start < last {
			continue // defensive: dedupe already removes overlaps upstream
		}
		b.WriteString(text[last:e.Start])
		b.WriteString(em.Add(e.Kind, e.Text))
		last = e.End
	}
	b.WriteString(text[last:])
	return b.String()
}

func newFragment(text string, kind model.FragmentKind) model.FragmentSpec {
	return model.FragmentSpec{
		AnonymizedText:       text,
		FragmentKind:         kind,
		RecommendedProviders: capabilitiesFor(kind),
	}
}

// capabilitiesFor maps a fragment's kind to the provider capability tags the
// Provider Router (C4) filters its registry by (spec.md §4.4).
func capabilitiesFor(kind model.FragmentKind) []string {
	switch kind {
	case model.FragmentCode:
		return []string{"code"}
	case model.FragmentPII:
		return []string{"sensitive"}
	default:
		return []string{"general"}
	}
}

// fencedCodeBlock locates the code span(s) a CodeDetector only reports the
// presence of. The Planner re-scans for fences itself since CodeDetector's
// interface returns hasCode/language but no span (see DESIGN.md).
var fencedCodeBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_+\\-]*\\n.*?```")

func containsPlaceholder(text string, em *model.EntityMap) bool {
	for _, tok := range em.Tokens() {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}

// splitCodeAndProse isolates fenced code blocks as CODE fragments and packs
// the surrounding prose into GENERAL fragments. If no fence is found (code
// detected only via line heuristics) the whole text becomes one CODE
// fragment — there is no reliable span to split on.
func splitCodeAndProse(anonymized string, cap int) []model.FragmentSpec {
	locs := fencedCodeBlock.FindAllStringIndex(anonymized, -1)
	if len(locs) == 0 {
		return []model.FragmentSpec{newFragment(anonymized, model.FragmentCode)}
	}

	var fragments []model.FragmentSpec
	last := 0
	for _, loc := range locs {
		if prose := strings.TrimSpace(anonymized[last:loc[0]]); prose != "" {
			for _, chunk := range packSentences(splitSentences(anonymized[last:loc[0]]), cap) {
				fragments = append(fragments, newFragment(chunk, model.FragmentGeneral))
			}
		}
		fragments = append(fragments, newFragment(anonymized[loc[0]:loc[1]], model.FragmentCode))
		last = loc[1]
	}
	if tail := strings.TrimSpace(anonymized[last:]); tail != "" {
		for _, chunk := range packSentences(splitSentences(anonymized[last:]), cap) {
			fragments = append(fragments, newFragment(chunk, model.FragmentGeneral))
		}
	}
	return fragments
}

// piiFragments walks sentences in order, isolating every PII-bearing
// sentence as its own fragment and greedily packing the remaining prose
// between them into GENERAL fragments.
func piiFragments(anonymized string, em *model.EntityMap, cap int) []model.FragmentSpec {
	sentences := splitSentences(anonymized)
	var fragments []model.FragmentSpec
	var buf []string

	flush := func() {
		if len(buf) == 0 {
			return
		}
		for _, chunk := range packSentences(buf, cap) {
			fragments = append(fragments, newFragment(chunk, model.FragmentGeneral))
		}
		buf = nil
	}

	for _, s := range sentences {
		if containsPlaceholder(s, em) {
			flush()
			fragments = append(fragments, newFragment(s, model.FragmentPII))
			continue
		}
		buf = append(buf, s)
	}
	flush()
	return fragments
}

func splitPIIAndGeneral(anonymized string, em *model.EntityMap, cap int) []model.FragmentSpec {
	fragments := piiFragments(anonymized, em, cap)
	if len(fragments) == 0 {
		return []model.FragmentSpec{newFragment(anonymized, model.FragmentGeneral)}
	}
	return fragments
}

// splitHybrid isolates code fences as CODE fragments and, for everything
// else, applies the PII_ISOLATE rule to each prose segment between fences.
func splitHybrid(anonymized string, em *model.EntityMap, cap int) []model.FragmentSpec {
	locs := fencedCodeBlock.FindAllStringIndex(anonymized, -1)
	if len(locs) == 0 {
		return splitPIIAndGeneral(anonymized, em, cap)
	}

	var fragments []model.FragmentSpec
	last := 0
	for _, loc := range locs {
		if prose := anonymized[last:loc[0]]; strings.TrimSpace(prose) != "" {
			fragments = append(fragments, piiFragments(prose, em, cap)...)
		}
		fragments = append(fragments, newFragment(anonymized[loc[0]:loc[1]], model.FragmentCode))
		last = loc[1]
	}
	if tail := anonymized[last:]; strings.TrimSpace(tail) != "" {
		fragments = append(fragments, piiFragments(tail, em, cap)...)
	}
	if len(fragments) == 0 {
		fragments = append(fragments, newFragment(anonymized, model.FragmentGeneral))
	}
	return fragments
}

// splitSemantic greedily packs sentences into GENERAL fragments no larger
// than cap characters, with no entity or code awareness — used when the
// query is neither sensitive enough for isolation nor trivial enough to
// pass through whole.
func splitSemantic(anonymized string, cap int) []model.FragmentSpec {
	chunks := packSentences(splitSentences(anonymized), cap)
	fragments := make([]model.FragmentSpec, 0, len(chunks))
	for _, c := range chunks {
		fragments = append(fragments, newFragment(c, model.FragmentGeneral))
	}
	return fragments
}

// clampFragments tail-merges adjacent fragments until the count is within
// max. Merging two fragments of differing kinds degrades the pair to
// GENERAL, since a merged CODE+PII (or either) fragment can no longer
// safely claim either capability tag.
func clampFragments(fragments []model.FragmentSpec, max int) []model.FragmentSpec {
	if max <= 0 {
		return fragments
	}
	for len(fragments) > max {
		i := len(fragments) - 2
		if i < 0 {
			break
		}
		merged := mergeFragments(fragments[i], fragments[i+1])
		tail := append([]model.FragmentSpec{merged}, fragments[i+2:]...)
		fragments = append(fragments[:i], tail...)
	}
	return fragments
}

func mergeFragments(a, b model.FragmentSpec) model.FragmentSpec {
	kind := a.FragmentKind
	if kind != b.FragmentKind {
		kind = model.FragmentGeneral
	}
	return model.FragmentSpec{
		AnonymizedText:       a.AnonymizedText + b.AnonymizedText,
		FragmentKind:         kind,
		RecommendedProviders: capabilitiesFor(kind),
	}
}

func assignIDs(fragments []model.FragmentSpec) {
	for i := range fragments {
		fragments[i].ID = fmt.Sprintf("f%d", i+1)
	}
}
