// ghostline/accept_types.go
// Acceptance granularity: full, line-by-line, and word-by-word acceptance of
// a displayed suggestion, plus redundant-prefix cleanup before insertion.
package ghostline

import (
	"regexp"
	"strings"
)

// AcceptType selects how much of a displayed suggestion an acceptance inserts.
type AcceptType string

const (
	// AcceptFull inserts the entire suggestion.
	AcceptFull AcceptType = "full"
	// AcceptLine inserts the next line of the suggestion.
	AcceptLine AcceptType = "line"
	// AcceptWord inserts the next word of the suggestion.
	AcceptWord AcceptType = "word"
)

// wordPattern matches one "word": a run of word characters or a run of
// non-word characters, each optionally followed by a single space.
var wordPattern = regexp.MustCompile(`^(\w+\s?|\W+\s?)`)

// Valid reports whether t is a known acceptance granularity.
func (t AcceptType) Valid() bool {
	switch t {
	case AcceptFull, AcceptLine, AcceptWord:
		return true
	}
	return false
}

// Extract returns the portion of text that acceptance at granularity t inserts.
func (t AcceptType) Extract(text string) string {
	if text == "" {
		return ""
	}
	switch t {
	case AcceptWord:
		return extractNextWord(text)
	case AcceptLine:
		return extractNextLine(text)
	default:
		return text
	}
}

func extractNextWord(text string) string {
	if m := wordPattern.FindString(text); m != "" {
		return m
	}
	return ""
}

// extractNextLine returns the first line without its newline. A suggestion
// that starts with a newline yields just the newline, so repeated line
// acceptance still makes progress.
func extractNextLine(text string) string {
	idx := strings.IndexByte(text, '\n')
	if idx < 0 {
		return text
	}
	if idx == 0 {
		return "\n"
	}
	return text[:idx]
}

// RemainingAfter returns the unaccepted tail of original once accepted has
// been inserted, or "" when nothing usable remains.
func RemainingAfter(original, accepted string) string {
	if accepted == "" || !strings.HasPrefix(original, accepted) {
		return ""
	}
	if len(accepted) >= len(original) {
		return ""
	}
	return original[len(accepted):]
}

// EscalateAccept returns the granularity for the next consecutive tab press:
// word, then line, then full.
func EscalateAccept(prev AcceptType) AcceptType {
	switch prev {
	case "":
		return AcceptWord
	case AcceptWord:
		return AcceptLine
	default:
		return AcceptFull
	}
}

// TrimRedundantPrefix removes from completion the longest suffix of the text
// already on the line before the cursor that completion would re-insert.
// Leading indentation is ignored; comment lines are left untouched because
// duplicated comment markers are usually intentional.
func TrimRedundantPrefix(linePrefix, completion string) string {
	if linePrefix == "" || completion == "" {
		return completion
	}
	typed := strings.TrimLeft(linePrefix, " \t")
	if typed == "" {
		return completion
	}
	if strings.HasPrefix(typed, "//") && strings.HasPrefix(completion, "//") {
		return completion
	}

	if strings.HasPrefix(completion, typed) {
		if rest := completion[len(typed):]; rest != "" {
			return rest
		}
	}

	// Longest overlap between the end of the typed text and the start of the
	// completion, e.g. typed "if (" against completion "if (ok) {".
	limit := len(typed)
	if len(completion) < limit {
		limit = len(completion)
	}
	for i := limit; i >= 1; i-- {
		if !strings.HasSuffix(typed, completion[:i]) {
			continue
		}
		rest := completion[i:]
		if rest != "" && safeOverlapTrim(completion[:i]) {
			return rest
		}
	}
	return completion
}

// safeOverlapTrim rejects single-character overlaps that are too ambiguous to
// strip, keeping brackets and separators which are safe to de-duplicate.
func safeOverlapTrim(overlap string) bool {
	if len(overlap) >= 2 {
		return true
	}
	switch overlap {
	case "(", "[", "{", ".", ",", "=":
		return true
	}
	return false
}

// lineBefore returns the text on the current line before offset.
func lineBefore(text string, offset int) string {
	if offset < 0 {
		return ""
	}
	if offset > len(text) {
		offset = len(text)
	}
	start := strings.LastIndexByte(text[:offset], '\n') + 1
	return text[start:offset]
}
