package planner

import (
	"errors"
	"strings"
	"testing"

	"ai-privacy-router/internal/model"
)

func report(score float64, hasCode bool, entities ...model.Entity) *model.DetectionReport {
	return &model.DetectionReport{Entities: entities, HasCode: hasCode, SensitivityScore: score}
}

func TestPlan_EmptyQuery_ReturnsPlanUnfeasible(t *testing.T) {
	_, err := Plan("   ", report(0, false), Policy{MaxFragments: 5})
	if err == nil {
		t.Fatal("expected an error")
	}
	var pe *model.PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *model.PipelineError, got %T", err)
	}
	if pe.Kind != model.ErrPlanUnfeasible {
		t.Errorf("Kind: got %s, want PlanUnfeasible", pe.Kind)
	}
	if pe.Kind.Soft() {
		t.Error("PlanUnfeasible should not be soft")
	}
}

func TestPlan_LowSensitivityNoCode_PassThrough(t *testing.T) {
	plan, err := Plan("What is the capital of France?", report(0.1, false), Policy{MaxFragments: 5})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Strategy != model.StrategyPassThrough {
		t.Errorf("Strategy: got %s, want PASS_THROUGH", plan.Strategy)
	}
	if len(plan.Fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(plan.Fragments))
	}
}

func TestPlan_CodeAndPII_Hybrid(t *testing.T) {
	query := "My email is jane@example.com. Here is the code:\n```go\nfunc main() {}\n```\n"
	entities := []model.Entity{{Kind: model.KindEmail, Start: 12, End: 29, Text: "jane@example.com", Confidence: 0.95}}
	plan, err := Plan(query, report(0.6, true, entities...), Policy{MaxFragments: 5, ChunkSizeCap: 400})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Strategy != model.StrategyHybrid {
		t.Errorf("Strategy: got %s, want HYBRID", plan.Strategy)
	}
	var sawCode, sawPII bool
	for _, f := range plan.Fragments {
		if f.FragmentKind == model.FragmentCode {
			sawCode = true
		}
		if f.FragmentKind == model.FragmentPII {
			sawPII = true
		}
	}
	if !sawCode || !sawPII {
		t.Errorf("expected both CODE and PII_BEARING fragments, got %+v", plan.Fragments)
	}
}

func TestPlan_CodeOnly_CodeIsolate(t *testing.T) {
	query := "Explain this:\n```python\nprint('hi')\n```\n"
	plan, err := Plan(query, report(0.3, true), Policy{MaxFragments: 5, ChunkSizeCap: 400})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Strategy != model.StrategyCodeIsolate {
		t.Errorf("Strategy: got %s, want CODE_ISOLATE", plan.Strategy)
	}
}

func TestPlan_PIIOnlyHighSensitivity_PIIIsolate(t *testing.T) {
	query := "My SSN is 123-45-6789. Can you help me file my taxes this year?"
	entities := []model.Entity{{Kind: model.KindSSN, Start: 10, End: 21, Text: "123-45-6789", Confidence: 0.85}}
	plan, err := Plan(query, report(0.7, false, entities...), Policy{MaxFragments: 5, ChunkSizeCap: 400})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Strategy != model.StrategyPIIIsolate {
		t.Errorf("Strategy: got %s, want PII_ISOLATE", plan.Strategy)
	}
}

func TestPlan_ModeratePIILowSensitivity_SemanticSplit(t *testing.T) {
	entities := []model.Entity{{Kind: model.KindPerson, Start: 0, End: 4, Text: "John", Confidence: 0.6}}
	plan, err := Plan("John likes hiking. He also enjoys cooking on weekends.", report(0.3, false, entities...), Policy{MaxFragments: 5, ChunkSizeCap: 400})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Strategy != model.StrategySemanticSplit {
		t.Errorf("Strategy: got %s, want SEMANTIC_SPLIT", plan.Strategy)
	}
}

func TestPlan_NoFragmentContainsOriginalEntityText(t *testing.T) {
	query := "My SSN is 123-45-6789 and my email is jane@example.com, please help."
	entities := []model.Entity{
		{Kind: model.KindSSN, Start: 10, End: 21, Text: "123-45-6789", Confidence: 0.85},
		{Kind: model.KindEmail, Start: 39, End: 56, Text: "jane@example.com", Confidence: 0.95},
	}
	plan, err := Plan(query, report(0.8, false, entities...), Policy{MaxFragments: 5, ChunkSizeCap: 400})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range plan.EntityMap.Keys() {
		for _, f := range plan.Fragments {
			if strings.Contains(f.AnonymizedText, key) {
				t.Errorf("fragment %s contains original entity text %q", f.ID, key)
			}
		}
	}
}

func TestPlan_EveryPlaceholderRegisteredInEntityMap(t *testing.T) {
	query := "My SSN is 123-45-6789, please help me understand my rights."
	entities := []model.Entity{{Kind: model.KindSSN, Start: 10, End: 21, Text: "123-45-6789", Confidence: 0.85}}
	plan, err := Plan(query, report(0.7, false, entities...), Policy{MaxFragments: 5, ChunkSizeCap: 400})
	if err != nil {
		t.Fatal(err)
	}
	tokens := plan.EntityMap.Tokens()
	for _, f := range plan.Fragments {
		if f.FragmentKind != model.FragmentPII {
			continue
		}
		found := false
		for _, tok := range tokens {
			if strings.Contains(f.AnonymizedText, tok) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("PII fragment %s has no registered placeholder: %q", f.ID, f.AnonymizedText)
		}
	}
}

func TestPlan_FragmentCountWithinBounds(t *testing.T) {
	long := strings.Repeat("This is a sentence about something unrelated to privacy. ", 40)
	plan, err := Plan(long, report(0.3, false), Policy{MaxFragments: 3, ChunkSizeCap: 200})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Fragments) == 0 || len(plan.Fragments) > 3 {
		t.Errorf("expected 1-3 fragments, got %d", len(plan.Fragments))
	}
}

func TestPlan_Determinism(t *testing.T) {
	query := "My SSN is 123-45-6789. What are my options?"
	entities := []model.Entity{{Kind: model.KindSSN, Start: 10, End: 21, Text: "123-45-6789", Confidence: 0.85}}
	p1, err := Plan(query, report(0.7, false, entities...), Policy{MaxFragments: 5, ChunkSizeCap: 400})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := Plan(query, report(0.7, false, entities...), Policy{MaxFragments: 5, ChunkSizeCap: 400})
	if err != nil {
		t.Fatal(err)
	}
	if p1.Strategy != p2.Strategy || len(p1.Fragments) != len(p2.Fragments) {
		t.Fatalf("non-deterministic plan: %+v vs %+v", p1, p2)
	}
	for i := range p1.Fragments {
		if p1.Fragments[i].AnonymizedText != p2.Fragments[i].AnonymizedText {
			t.Errorf("fragment %d text differs: %q vs %q", i, p1.Fragments[i].AnonymizedText, p2.Fragments[i].AnonymizedText)
		}
	}
}

func TestSplitSentences_Basic(t *testing.T) {
	got := splitSentences("One. Two. Three")
	if len(got) != 3 {
		t.Fatalf("expected 3 sentences, got %d: %v", len(got), got)
	}
}

func TestPackSentences_RespectsCap(t *testing.T) {
	sentences := []string{"aaaa ", "bbbb ", "cccc "}
	chunks := packSentences(sentences, 10)
	for _, c := range chunks {
		if len(c) > 10 && len(strings.Fields(c)) > 1 {
			t.Errorf("chunk exceeds cap and contains multiple sentences: %q", c)
		}
	}
}

func TestClampFragments_MergesDownToMax(t *testing.T) {
	fragments := []model.FragmentSpec{
		newFragment("a", model.FragmentGeneral),
		newFragment("b", model.FragmentGeneral),
		newFragment("c", model.FragmentGeneral),
		newFragment("d", model.FragmentGeneral),
	}
	got := clampFragments(fragments, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 fragments after clamping, got %d", len(got))
	}
}
