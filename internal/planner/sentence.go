package planner

import "regexp"

// sentenceBoundary matches a run of sentence-ending punctuation, an
// optional closing quote or bracket, and the whitespace after it. This is a
// lightweight stand-in for a locale-aware segmenter (spec.md §4.2); it
// handles the common English terminal punctuation. It does not look at what
// follows the whitespace, so an abbreviation period followed by a space
// also ends a chunk, and punctuation at the very end of text is not a match.
var sentenceBoundary = regexp.MustCompile(`[.!?]+["')\]]?\s+`)

// splitSentences breaks text into sentence-like chunks. The final chunk
// carries any trailing remainder (including text with no terminal
// punctuation at all).
func splitSentences(text string) []string {
	if text == "" {
		return nil
	}
	locs := sentenceBoundary.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var out []string
	start := 0
	for _, loc := range locs {
		out = append(out, text[start:loc[1]])
		start = loc[1]
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// packSentences greedily packs sentences into chunks no longer than cap
// characters, without splitting a single sentence that itself exceeds cap.
func packSentences(sentences []string, cap int) []string {
	var chunks []string
	var current string
	for _, s := range sentences {
		if current == "" {
			current = s
			continue
		}
		if len(current)+len(s) <= cap {
			current += s
			continue
		}
		chunks = append(chunks, current)
		current = s
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}
