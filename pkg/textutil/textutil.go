package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeName lowercases a name and removes all whitespace, "Level Up
// Progress" and "level up  progress " normalize to the same key.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.Trim(name, " \n\t")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

// MatchName reports whether the normalized name contains any of the
// (already normalized) matchers.
func MatchName(name string, matchers []string) bool {
	name = NormalizeName(name)
	for _, m := range matchers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

// IndexOfName returns the index of the first candidate whose normalized form
// contains the normalized target, or -1.
func IndexOfName(candidates []string, target string) int {
	target = NormalizeName(target)
	for i, c := range candidates {
		if strings.Contains(NormalizeName(c), target) {
			return i
		}
	}
	return -1
}

var unsafeFileRunes = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFileName maps a name onto characters that are safe in a file name on
// every platform, "Ms. Smith/Room 4" becomes "Ms._Smith_Room_4".
func SafeFileName(name string) string {
	name = unsafeFileRunes.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "_"
	}
	return name
}
