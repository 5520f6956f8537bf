package scratchpad

import (
	"strings"
	"unicode"
)

// NormalizeText lowercases, trims, and collapses whitespace so two renderings
// of the same utterance compare equal.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(text))), " ")
}

// HasFragmentation reports whether text shows the artifacts of an incomplete
// streaming transcription: double spaces, stray single-letter words, or
// spaces wedged before punctuation ("4 :00", "a .m.").
func HasFragmentation(text string) bool {
	if strings.Contains(text, "  ") {
		return true
	}
	if strings.Contains(text, " :") || strings.Contains(text, " .") {
		return true
	}
	for _, word := range strings.Fields(text) {
		if len(word) != 1 {
			continue
		}
		r := rune(word[0])
		if !unicode.IsLetter(r) {
			continue
		}
		if lower := unicode.ToLower(r); lower != 'a' && lower != 'i' {
			return true
		}
	}
	return false
}

// ShouldSkipFragment reports whether a buffered user entry is a fragmented
// duplicate of the final utterance and should be dropped from chat history.
// Without this, a partial transcript like "ck my ra nge" would sit next to
// "pack my rain jacket" and read as two separate requests.
func ShouldSkipFragment(entryContent, finalInput string) bool {
	entryNorm := NormalizeText(entryContent)
	finalNorm := NormalizeText(finalInput)
	if entryNorm == "" || finalNorm == "" {
		return false
	}
	if !HasFragmentation(entryContent) {
		return false
	}
	if strings.Contains(finalNorm, entryNorm) {
		return true
	}
	if float64(len(entryNorm)) < float64(len(finalNorm))*0.7 {
		return true
	}
	if !HasFragmentation(finalInput) {
		ratio := float64(len(entryNorm)) / float64(len(finalNorm))
		if ratio >= 0.7 && ratio <= 1.3 {
			return true
		}
	}
	return false
}
