// Package detect runs PII, code, and entity recognizers over a query and
// merges their output into a single DetectionReport.
package detect

import (
	"context"
	"sort"

	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/model"
)

// highRiskKinds mirrors model.PIIKind.IsHighRisk but is recomputed here
// over a candidate list rather than one kind at a time.
var highRiskKinds = map[model.PIIKind]bool{
	model.KindSSN:        true,
	model.KindCreditCard: true,
	model.KindAPIKey:     true,
	model.KindMedicalID:  true,
}

// PIIDetector finds personally identifying spans in text.
type PIIDetector interface {
	Detect(ctx context.Context, text string) ([]model.Entity, error)
}

// CodeDetector reports whether text contains source code and, if so, which
// language it appears to be.
type CodeDetector interface {
	Classify(ctx context.Context, text string) (hasCode bool, language string, err error)
}

// EntityRecognizer finds general named entities (people, organizations,
// locations) in text.
type EntityRecognizer interface {
	Recognize(ctx context.Context, text string) ([]model.Entity, error)
}

// Engine is the Detection Engine (C1): it runs the three recognizers,
// merges and deduplicates their spans, and computes a sensitivity score.
type Engine struct {
	pii      PIIDetector
	code     CodeDetector
	entities EntityRecognizer
	log      *logger.Logger
}

// New returns an Engine wired to the given recognizers.
func New(pii PIIDetector, code CodeDetector, entities EntityRecognizer, log *logger.Logger) *Engine {
	return &Engine{pii: pii, code: code, entities: entities, log: log}
}

// Analyze runs all three recognizers over query and returns a merged,
// deduplicated DetectionReport with a computed sensitivity score.
//
// If any recognizer returns an error, Analyze logs it and returns an empty,
// Degraded report together with a DetectionUnavailable PipelineError — the
// soft failure the Coordinator recovers from by proceeding without
// fragmentation.
func (e *Engine) Analyze(ctx context.Context, query string) (*model.DetectionReport, error) {
	piiEntities, err := e.pii.Detect(ctx, query)
	if err != nil {
		e.log.Warnf("pii_detect", "recognizer unavailable: %v", err)
		return degradedReport(), model.NewPipelineError(model.ErrDetectionUnavailable, "PII recognizer unavailable", err)
	}

	entityEntities, err := e.entities.Recognize(ctx, query)
	if err != nil {
		e.log.Warnf("entity_recognize", "recognizer unavailable: %v", err)
		return degradedReport(), model.NewPipelineError(model.ErrDetectionUnavailable, "entity recognizer unavailable", err)
	}

	hasCode, language, err := e.code.Classify(ctx, query)
	if err != nil {
		e.log.Warnf("code_classify", "classifier unavailable: %v", err)
		return degradedReport(), model.NewPipelineError(model.ErrDetectionUnavailable, "code classifier unavailable", err)
	}

	merged := dedupe(append(append([]model.Entity{}, piiEntities...), entityEntities...))

	report := &model.DetectionReport{
		Entities:         merged,
		HasCode:          hasCode,
		CodeLanguage:     language,
		SensitivityScore: sensitivityScore(merged, hasCode, len(query)),
	}
	return report, nil
}

func degradedReport() *model.DetectionReport {
	return &model.DetectionReport{Degraded: true}
}

// dedupe merges overlapping entity spans, retaining the higher-confidence
// span; ties break by longer span, then earlier start (spec.md §4.1).
func dedupe(entities []model.Entity) []model.Entity {
	if len(entities) == 0 {
		return nil
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Start < entities[j].Start })

	kept := make([]model.Entity, 0, len(entities))
	for _, e := range entities {
		overlapIdx := -1
		for i, k := range kept {
			if overlaps(e, k) {
				overlapIdx = i
				break
			}
		}
		if overlapIdx == -1 {
			kept = append(kept, e)
			continue
		}
		if better(e, kept[overlapIdx]) {
			kept[overlapIdx] = e
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

func overlaps(a, b model.Entity) bool {
	return a.Start < b.End && b.Start < a.End
}

// better reports whether candidate should replace incumbent under the
// higher-confidence / longer-span / earlier-start tie-break rule.
func better(candidate, incumbent model.Entity) bool {
	if candidate.Confidence != incumbent.Confidence {
		return candidate.Confidence > incumbent.Confidence
	}
	candidateLen := candidate.End - candidate.Start
	incumbentLen := incumbent.End - incumbent.Start
	if candidateLen != incumbentLen {
		return candidateLen > incumbentLen
	}
	return candidate.Start < incumbent.Start
}

// piiSpanCountCap bounds the raw pii_span_count term before it is
// weighted; the final clamp to [0,1] bounds the whole sum — see DESIGN.md's
// Open Question decision on this formula term.
const piiSpanCountCap = 5.0

func sensitivityScore(entities []model.Entity, hasCode bool, totalChars int) float64 {
	if totalChars == 0 {
		return 0
	}

	piiSpanCount := 0
	entityChars := 0
	hasHighRisk := false
	for _, e := range entities {
		piiSpanCount++
		entityChars += e.End - e.Start
		if highRiskKinds[e.Kind] {
			hasHighRisk = true
		}
	}

	piiTerm := piiSpanCount
	normalizedPII := float64(piiTerm)
	if normalizedPII > piiSpanCountCap {
		normalizedPII = piiSpanCountCap
	}

	highRiskTerm := 0.0
	if hasHighRisk {
		highRiskTerm = 1
	}
	codeTerm := 0.0
	if hasCode {
		codeTerm = 1
	}
	entityDensity := float64(entityChars) / float64(totalChars)

	score := 0.2*normalizedPII + 0.3*highRiskTerm + 0.2*codeTerm + 0.3*entityDensity
	return clamp(score, 0, 1)
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
