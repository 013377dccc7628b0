package extraction

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	minOrderIDLen = 4
	maxOrderIDLen = 18
)

var (
	nonIDChars = regexp.MustCompile(`[^A-Z0-9\-]`)

	pageDatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{2}-[A-Z]{3}-\d{4}`),
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
		regexp.MustCompile(`\d{2}/\d{2}/\d{4}`),
	}

	candidateDatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b\d{1,2}[./-]\d{1,2}[./-]\d{2,4}\b`),
		regexp.MustCompile(`\b\d{4}[./-]\d{1,2}[./-]\d{1,2}\b`),
	}

	// Known order number shapes, anchored at the start of the normalized text.
	strictPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(10006-\d{10})`),
		regexp.MustCompile(`^(P\d{5,6})`),
		regexp.MustCompile(`^(J\d{3,}-\d{6,})`),
		regexp.MustCompile(`^(90\d{6})`),
		regexp.MustCompile(`^(300\d{6})`),
		regexp.MustCompile(`^(13\d{3,})`),
	}

	labelPattern = regexp.MustCompile(`(?i)(?:PO|ORDER|NO\.)[\s.:-]*([A-Z0-9\-]{4,})`)

	bannedOrderIDs = map[string]bool{
		"DESCRIPTION": true, "CODE": true, "ITEM": true, "QTY": true, "TOTAL": true,
		"DATE": true, "PO NUMBER": true, "INVOICE": true, "BILL TO": true, "SHIP TO": true,
		"TERMS": true, "PAYMENT": true, "SUB TOTAL": true, "PAGE": true, "OF": true,
		"VAT": true, "TRN": true,
	}
)

// normalizeID upper-cases and strips everything but letters, digits and dashes.
func normalizeID(text string) string {
	return nonIDChars.ReplaceAllString(strings.ToUpper(strings.TrimSpace(text)), "")
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// FixRepetition collapses OCR stutter such as "P12345P12345P123" to its
// repeating seed when the seed contains a digit.
func FixRepetition(text string) string {
	n := len(text)
	if n < 8 {
		return text
	}
	for length := 4; length <= n/2; length++ {
		seed := text[:length]
		if strings.HasPrefix(text[length:], seed) && countDigits(seed) > 0 {
			return seed
		}
	}
	return text
}

func matchStrict(text string) string {
	for _, re := range strictPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

func looksLikeDate(text string) bool {
	upper := strings.ToUpper(text)
	for _, re := range pageDatePatterns {
		if re.MatchString(upper) {
			return true
		}
	}
	return false
}

// FindOrderID searches extracted text for an order identifier. It returns ""
// when nothing plausible is found.
func FindOrderID(text string) string {
	compact := FixRepetition(normalizeID(text))
	if hit := matchStrict(compact); hit != "" {
		return hit
	}
	if len(compact) >= minOrderIDLen && len(compact) <= maxOrderIDLen &&
		countDigits(compact) >= 2 && !looksLikeDate(text) {
		return compact
	}
	if m := labelPattern.FindStringSubmatch(text); m != nil {
		cand := normalizeID(m[1])
		if len(cand) >= minOrderIDLen && len(cand) <= maxOrderIDLen {
			return cand
		}
	}
	return ""
}

// IsValidOrderID rejects header words, short tokens, digit-free tokens and dates.
func IsValidOrderID(candidate string) bool {
	val := strings.ToUpper(strings.TrimSpace(candidate))
	if val == "" || bannedOrderIDs[val] {
		return false
	}
	if len(val) < 3 || countDigits(val) == 0 {
		return false
	}
	for _, re := range candidateDatePatterns {
		if re.MatchString(val) {
			return false
		}
	}
	return true
}
