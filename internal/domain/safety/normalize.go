package safety

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName canonicalizes a drug, allergen or condition name for
// comparison: NFKC, lower case, inner whitespace collapsed to one space.
// Reference data and request data go through the same function so that
// "Warfarin", " warfarin " and full-width variants compare equal.
func NormalizeName(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Lower(language.Und).String(s)
	return strings.Join(strings.Fields(s), " ")
}

func normalizeLabel(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}

// containsWord reports whether needle occurs in haystack on word
// boundaries. Both arguments must already be normalized.
func containsWord(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	if haystack == needle {
		return true
	}
	words := strings.FieldsFunc(haystack, func(r rune) bool {
		return r == ' ' || r == '-' || r == '/' || r == ',' || r == '(' || r == ')'
	})
	needleWords := strings.FieldsFunc(needle, func(r rune) bool {
		return r == ' ' || r == '-' || r == '/' || r == ',' || r == '(' || r == ')'
	})
	if len(needleWords) == 0 || len(needleWords) > len(words) {
		return false
	}
	for i := 0; i+len(needleWords) <= len(words); i++ {
		match := true
		for j, w := range needleWords {
			if words[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
