package detect

import (
	"context"
	"regexp"
	"strings"

	"ai-privacy-router/internal/model"
)

// piiPattern pairs a compiled regex with the entity kind and base confidence
// it signals on a match.
type piiPattern struct {
	re         *regexp.Regexp
	kind       model.PIIKind
	confidence float64
}

// RegexPIIDetector is the built-in PIIDetector, adapted from the teacher's
// structured-pattern table (see anonymizer.go's compilePatterns): confidence
// reflects how specifically a regex identifies its target, not how the
// match is used downstream — this detector reports spans, it does not
// substitute text.
type RegexPIIDetector struct {
	patterns []piiPattern
}

// NewRegexPIIDetector compiles the built-in pattern table.
func NewRegexPIIDetector() *RegexPIIDetector {
	specs := []struct {
		expr       string
		kind       model.PIIKind
		confidence float64
	}{
		{`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, model.KindEmail, 0.95},
		{`(?i)(?:api[_\-]?key|token|secret|bearer)[\s"':=]+([a-zA-Z0-9_\-.]{20,})`, model.KindAPIKey, 0.90},
		{`\b(?:\d{3}-?\d{2}-?\d{4}|\d{9})\b`, model.KindSSN, 0.85},
		{`\b(?:\d{4}[\-\s]?){3}\d{4}\b`, model.KindCreditCard, 0.85},
		{`(?i)\d+\s+[A-Za-z\s]+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\b`, model.KindAddress, 0.75},
		{`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`, model.KindOther, 0.70},
		{`(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})`, model.KindPhone, 0.65},
	}
	d := &RegexPIIDetector{}
	for _, s := range specs {
		re, err := regexp.Compile(s.expr)
		if err != nil {
			continue // unreachable for the fixed built-in table; kept defensive like the teacher's compilePatterns
		}
		d.patterns = append(d.patterns, piiPattern{re: re, kind: s.kind, confidence: s.confidence})
	}
	return d
}

// Detect finds every pattern match in text and returns it as an Entity
// span. Overlap resolution across patterns is the caller's (Engine's) job.
func (d *RegexPIIDetector) Detect(_ context.Context, text string) ([]model.Entity, error) {
	var out []model.Entity
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			out = append(out, model.Entity{
				Kind:       p.kind,
				Start:      loc[0],
				End:        loc[1],
				Text:       text[loc[0]:loc[1]],
				Confidence: p.confidence,
			})
		}
	}
	return out, nil
}

// fencedCodeBlock matches a Markdown-style fenced code block, the same
// surface area a chat-oriented query is most likely to carry code in.
var fencedCodeBlock = regexp.MustCompile("(?s)```([a-zA-Z0-9_+\\-]*)\\n(.*?)```")

// codeKeyword heuristics: presence of multiple lines matching common
// statement-level syntax is a stronger signal than any single keyword.
var codeLineHeuristics = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*(def|class|func|function|import|package|const|let|var)\s+\w`),
	regexp.MustCompile(`[{};]\s*$`),
	regexp.MustCompile(`(?m)^\s*(if|for|while)\s*\(`),
}

// RegexCodeDetector is the built-in CodeDetector: it looks for fenced code
// blocks first (unambiguous), then falls back to line-level syntax
// heuristics for unfenced snippets.
type RegexCodeDetector struct{}

// NewRegexCodeDetector returns the built-in CodeDetector.
func NewRegexCodeDetector() *RegexCodeDetector { return &RegexCodeDetector{} }

// Classify reports whether text contains code and, for fenced blocks, the
// language tag on the fence.
func (RegexCodeDetector) Classify(_ context.Context, text string) (bool, string, error) {
	if m := fencedCodeBlock.FindStringSubmatch(text); m != nil {
		lang := strings.TrimSpace(m[1])
		return true, lang, nil
	}

	hits := 0
	for _, re := range codeLineHeuristics {
		if re.MatchString(text) {
			hits++
		}
	}
	if hits >= 2 {
		return true, "", nil
	}
	return false, "", nil
}

// properNounRun matches a run of two or more capitalized words, the
// heuristic this built-in recognizer uses to spot proper nouns (people,
// organizations, places) in the absence of a trained NER model.
var properNounRun = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)

// HeuristicEntityRecognizer is the built-in EntityRecognizer: a
// capitalized-run heuristic standing in for the external named-entity
// recognizer spec.md §6 treats as a black box. It tags every run as
// PERSON — distinguishing PERSON from ORGANIZATION/LOCATION without a real
// model is unreliable, so it picks the single most common case rather than
// guessing a kind it cannot support.
type HeuristicEntityRecognizer struct{}

// NewHeuristicEntityRecognizer returns the built-in EntityRecognizer.
func NewHeuristicEntityRecognizer() *HeuristicEntityRecognizer {
	return &HeuristicEntityRecognizer{}
}

// Recognize finds capitalized multi-word runs and reports them as PERSON
// entities with moderate confidence.
func (HeuristicEntityRecognizer) Recognize(_ context.Context, text string) ([]model.Entity, error) {
	var out []model.Entity
	for _, loc := range properNounRun.FindAllStringIndex(text, -1) {
		out = append(out, model.Entity{
			Kind:       model.KindPerson,
			Start:      loc[0],
			End:        loc[1],
			Text:       text[loc[0]:loc[1]],
			Confidence: 0.6,
		})
	}
	return out, nil
}
