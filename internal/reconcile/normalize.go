package reconcile

import (
	"regexp"
	"strconv"
	"strings"
)

var digitRun = regexp.MustCompile(`\d+`)

// UnknownKey is the key of lines extracted without any reference.
const UnknownKey = "UNKNOWN"

// NormalizeKey reduces a raw line reference to a comparison key:
// "3" -> "3", "3-1" -> "3", "3.0" -> "3", "Line Item 3" -> "3".
// References with no digits are returned trimmed and upper-cased so opaque
// keys can still agree across documents.
func NormalizeKey(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return UnknownKey
	}
	if isDigits(s) {
		return s
	}
	for _, sep := range []string{"-", "."} {
		if strings.Contains(s, sep) {
			head := strings.TrimSpace(strings.SplitN(s, sep, 2)[0])
			if isDigits(head) {
				return head
			}
		}
	}
	if m := digitRun.FindString(s); m != "" {
		return m
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// keyLess sorts numeric keys numerically and everything else after them.
func keyLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}
