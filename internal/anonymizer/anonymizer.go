// Package anonymizer restores placeholder tokens in a fragment response
// back to their original text.
//
// Everything to do with substituting PII for placeholders happens earlier,
// folded into the Fragmentation Planner's plan (see internal/planner): each
// FragmentSpec's AnonymizedText already carries placeholder tokens, and the
// plan's EntityMap is the bijection between those tokens and the original
// values. This package's only job is the reverse direction, run once per
// fragment response and once more over the Aggregator's merged text.
package anonymizer

import (
	"io"
	"regexp"
	"strings"

	"ai-privacy-router/internal/model"
)

// placeholderToken matches any EntityMap placeholder shape, "KIND_n"
// (e.g. "PERSON_1", "CODE_BLOCK_2"). Placeholders carry no delimiter of
// their own (model.placeholderFor), so matching is word-bounded instead of
// exact-span to avoid replacing only part of a longer identifier.
var placeholderToken = regexp.MustCompile(`\b[A-Z]+(?:_[A-Z]+)*_[0-9]+\b`)

// Restore replaces every placeholder token in text with its original value
// from entityMap.
//
// A placeholder that appears in text but has no entry in entityMap — a
// provider echoing back a token-shaped string verbatim, or mangling one —
// is left in place and reported in unmatched, for the Aggregator to record
// as a quality diagnostic (spec.md §4.3).
func Restore(text string, entityMap *model.EntityMap) (restored string, unmatched []string) {
	if entityMap == nil || entityMap.Len() == 0 || text == "" {
		return text, nil
	}

	seen := make(map[string]bool)
	restored = placeholderToken.ReplaceAllStringFunc(text, func(tok string) string {
		if original, ok := entityMap.Original(tok); ok {
			return original
		}
		if !seen[tok] {
			seen[tok] = true
			unmatched = append(unmatched, tok)
		}
		return tok
	})
	return restored, unmatched
}

// tokenWindow bounds how much trailing text StreamingRestore holds back from
// each flush in case it is the prefix of a split token. Kind names run up to
// "ORGANIZATION" (12 bytes); "ORGANIZATION_9999" is 17 bytes, so 32 gives
// comfortable margin without holding back much real text. Unlike the
// teacher's bracket-delimited tokens, a placeholder here has no delimiter to
// scan backward for, so the window is held back unconditionally rather than
// only when a partial token is detected.
const tokenWindow = 32

// StreamingRestore wraps src in a reader that replaces placeholder tokens
// on-the-fly as a fragment response streams in, for providers whose
// transport delivers text incrementally rather than as one complete body.
//
// A placeholder token such as PERSON_12 can arrive split across two reads
// ("...PERSO", "N_12..."). Replacing tokens read-by-read in isolation would
// miss any token split this way, so StreamingRestore holds back a trailing
// window of unflushed bytes across every read and only flushes past it once
// more text has arrived or the stream ends, guaranteeing a token is never
// split across what gets replaced.
func StreamingRestore(src io.ReadCloser, entityMap *model.EntityMap) io.ReadCloser {
	if entityMap == nil || entityMap.Len() == 0 {
		return src
	}

	// Restore (not strings.Replacer) does the actual substitution: its
	// regex's greedy digit match always takes the longest token at a given
	// position, so "EMAIL_10" can never be mistaken for a prefix match of
	// "EMAIL_1" the way an unordered strings.Replacer pair list could.
	restore := func(chunk string) string {
		restored, _ := Restore(chunk, entityMap)
		return restored
	}

	pr, pw := io.Pipe()
	go func() {
		defer src.Close() //nolint:errcheck // best-effort close
		defer pw.Close()  //nolint:errcheck // pipe closed on goroutine exit; error unrecoverable

		const chunkSize = 32 * 1024
		buf := make([]byte, chunkSize)
		var accum strings.Builder

		for {
			n, readErr := src.Read(buf)
			if n > 0 {
				accum.Write(buf[:n])
				accumulated := accum.String()

				flushUpTo := 0
				if len(accumulated) > tokenWindow {
					flushUpTo = len(accumulated) - tokenWindow
				}
				// Move the flush point back off any run of word bytes so a
				// token straddling it stays whole in the held-back window.
				isWord := func(b byte) bool {
					return b == '_' || (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
				}
				for flushUpTo > 0 && isWord(accumulated[flushUpTo-1]) && isWord(accumulated[flushUpTo]) {
					flushUpTo--
				}

				if flushUpTo > 0 {
					if _, err := pw.Write([]byte(restore(accumulated[:flushUpTo]))); err != nil {
						return
					}
					accum.Reset()
					accum.WriteString(accumulated[flushUpTo:])
				}
			}
			if readErr != nil {
				if accum.Len() > 0 {
					pw.Write([]byte(restore(accum.String()))) //nolint:errcheck
				}
				if readErr != io.EOF {
					pw.CloseWithError(readErr) //nolint:errcheck
				}
				return
			}
		}
	}()
	return pr
}
