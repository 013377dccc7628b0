package reconcile

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similar reports whether two descriptions plausibly name the same product.
// Missing text on either side is trusted.
func Similar(a, b string, threshold float64) bool {
	s1 := strings.ToLower(strings.TrimSpace(a))
	s2 := strings.ToLower(strings.TrimSpace(b))
	if s1 == "" || s2 == "" || s1 == s2 {
		return true
	}
	if strings.Contains(s1, s2) || strings.Contains(s2, s1) {
		return true
	}
	return ratio(s1, s2) > threshold
}

// ratio is 1 - distance / longest, measured in runes.
func ratio(a, b string) float64 {
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
