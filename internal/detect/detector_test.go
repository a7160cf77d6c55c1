package detect

import (
	"context"
	"errors"
	"testing"

	"ai-privacy-router/internal/logger"
	"ai-privacy-router/internal/model"
)

func testEngine() *Engine {
	return New(NewRegexPIIDetector(), NewRegexCodeDetector(), NewHeuristicEntityRecognizer(), logger.New("DETECT", "error"))
}

func TestAnalyze_CleanQuery_NoEntities(t *testing.T) {
	e := testEngine()
	report, err := e.Analyze(context.Background(), "What is the capital of France?")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(report.Entities) != 0 {
		t.Errorf("expected no entities, got %v", report.Entities)
	}
	if report.HasCode {
		t.Error("expected hasCode = false")
	}
	if report.SensitivityScore >= 0.2 {
		t.Errorf("SensitivityScore: got %f, want < 0.2", report.SensitivityScore)
	}
}

func TestAnalyze_PIIHeavyQuery(t *testing.T) {
	e := testEngine()
	report, err := e.Analyze(context.Background(), "My name is Sarah Johnson, email sarah@example.com; summarize GDPR basics.")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var sawEmail, sawPerson bool
	for _, ent := range report.Entities {
		if ent.Kind == model.KindEmail {
			sawEmail = true
		}
		if ent.Kind == model.KindPerson {
			sawPerson = true
		}
	}
	if !sawEmail {
		t.Error("expected an EMAIL entity")
	}
	if !sawPerson {
		t.Error("expected a PERSON entity")
	}
}

func TestAnalyze_HighRiskKindRaisesScore(t *testing.T) {
	e := testEngine()
	report, err := e.Analyze(context.Background(), "My SSN is 123-45-6789.")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if report.SensitivityScore < 0.5 {
		t.Errorf("expected an elevated sensitivity score for a high-risk kind, got %f", report.SensitivityScore)
	}
}

func TestAnalyze_CodePresent(t *testing.T) {
	e := testEngine()
	report, err := e.Analyze(context.Background(), "Explain this:\n```go\nfunc main() {}\n```\n")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !report.HasCode {
		t.Error("expected hasCode = true")
	}
	if report.CodeLanguage != "go" {
		t.Errorf("CodeLanguage: got %q, want go", report.CodeLanguage)
	}
}

type errDetector struct{ err error }

func (e errDetector) Detect(context.Context, string) ([]model.Entity, error) { return nil, e.err }
func (e errDetector) Recognize(context.Context, string) ([]model.Entity, error) {
	return nil, e.err
}
func (e errDetector) Classify(context.Context, string) (bool, string, error) {
	return false, "", e.err
}

func TestAnalyze_PIIDetectorUnavailable_ReturnsSoftError(t *testing.T) {
	failing := errDetector{err: errors.New("connection refused")}
	e := New(failing, NewRegexCodeDetector(), NewHeuristicEntityRecognizer(), logger.New("DETECT", "error"))

	report, err := e.Analyze(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected an error")
	}
	var pe *model.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *model.PipelineError, got %T", err)
	}
	if pe.Kind != model.ErrDetectionUnavailable {
		t.Errorf("Kind: got %s, want DetectionUnavailable", pe.Kind)
	}
	if !pe.Kind.Soft() {
		t.Error("DetectionUnavailable should be soft")
	}
	if !report.Degraded {
		t.Error("expected a Degraded report")
	}
	if len(report.Entities) != 0 {
		t.Error("expected an empty entity list on degraded report")
	}
}

func TestDedupe_OverlappingSpans_RetainsHigherConfidence(t *testing.T) {
	entities := []model.Entity{
		{Kind: model.KindOther, Start: 0, End: 10, Text: "aaaaaaaaaa", Confidence: 0.5},
		{Kind: model.KindEmail, Start: 2, End: 12, Text: "bbbbbbbbbb", Confidence: 0.9},
	}
	got := dedupe(entities)
	if len(got) != 1 {
		t.Fatalf("expected 1 merged entity, got %d", len(got))
	}
	if got[0].Kind != model.KindEmail {
		t.Errorf("expected the higher-confidence EMAIL span to survive, got %s", got[0].Kind)
	}
}

func TestDedupe_TieBreak_LongerSpanWins(t *testing.T) {
	entities := []model.Entity{
		{Kind: model.KindOther, Start: 0, End: 5, Confidence: 0.8},
		{Kind: model.KindPerson, Start: 0, End: 10, Confidence: 0.8},
	}
	got := dedupe(entities)
	if len(got) != 1 {
		t.Fatalf("expected 1 merged entity, got %d", len(got))
	}
	if got[0].End-got[0].Start != 10 {
		t.Errorf("expected the longer span to survive, got length %d", got[0].End-got[0].Start)
	}
}

func TestDedupe_NonOverlapping_BothKept(t *testing.T) {
	entities := []model.Entity{
		{Kind: model.KindEmail, Start: 0, End: 5, Confidence: 0.9},
		{Kind: model.KindPhone, Start: 10, End: 15, Confidence: 0.6},
	}
	got := dedupe(entities)
	if len(got) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(got))
	}
}

func TestSensitivityScore_Determinism(t *testing.T) {
	e := testEngine()
	const q = "Contact John Smith at john@example.com regarding ticket 4821."
	r1, err := e.Analyze(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := e.Analyze(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if r1.SensitivityScore != r2.SensitivityScore {
		t.Errorf("non-deterministic score: %f vs %f", r1.SensitivityScore, r2.SensitivityScore)
	}
}
