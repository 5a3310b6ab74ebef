package monitor

import (
	"strings"

	"github.com/antzucaro/matchr"
)

var (
	// DefaultEmergencyKeywords are the phrases that raise a keyword alert.
	DefaultEmergencyKeywords = []string{"help", "emergency", "sos", "danger", "not okay", "unsafe"}

	// DefaultConfirmKeywords are the phrases that confirm the user is safe.
	DefaultConfirmKeywords = []string{"okay", "safe", "fine", "good"}
)

// phoneticThreshold is the minimum Jaro-Winkler score for a word whose Double
// Metaphone codes overlap a keyword's to count as that keyword.
const phoneticThreshold = 0.70

// keywordScanner finds emergency and confirmation phrases in recognised text.
// Matching is a case-insensitive substring test. With phonetic matching
// enabled, single-word emergency keywords also match sound-alike words.
type keywordScanner struct {
	emergency []string
	confirm   []string

	phonetic bool
	codes    map[string]map[string]struct{} // single-word keyword → metaphone codes
}

func newKeywordScanner(cfg SpeechConfig) *keywordScanner {
	k := &keywordScanner{
		emergency: lowerAll(cfg.Emergency, DefaultEmergencyKeywords),
		confirm:   lowerAll(cfg.Confirm, DefaultConfirmKeywords),
		phonetic:  cfg.Phonetic,
	}
	if k.phonetic {
		k.codes = make(map[string]map[string]struct{})
		for _, kw := range k.emergency {
			if !strings.Contains(kw, " ") {
				k.codes[kw] = metaphoneCodes(kw)
			}
		}
	}
	return k
}

func lowerAll(words, fallback []string) []string {
	if len(words) == 0 {
		words = fallback
	}
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

// scan returns the first emergency keyword found in text, and whether a
// confirmation phrase was found. Confirmation is only reported when no
// emergency keyword matched, so "not okay" never confirms safety.
func (k *keywordScanner) scan(text string) (emergency string, confirmed bool) {
	lower := strings.ToLower(text)
	for _, kw := range k.emergency {
		if strings.Contains(lower, kw) {
			return kw, false
		}
	}
	if k.phonetic {
		if kw := k.soundsLike(lower); kw != "" {
			return kw, false
		}
	}
	for _, kw := range k.confirm {
		if strings.Contains(lower, kw) {
			return "", true
		}
	}
	return "", false
}

// soundsLike returns the single-word emergency keyword that some word of text
// sounds like, or "".
func (k *keywordScanner) soundsLike(text string) string {
	var (
		best      string
		bestScore float64
	)
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}
		wc := metaphoneCodes(word)
		for kw, kc := range k.codes {
			if !overlaps(wc, kc) {
				continue
			}
			if s := matchr.JaroWinkler(word, kw, false); s >= phoneticThreshold && s > bestScore {
				best, bestScore = kw, s
			}
		}
	}
	return best
}

func metaphoneCodes(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}
