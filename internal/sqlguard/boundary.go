package sqlguard

import (
	"regexp"
	"unicode"
	"unicode/utf8"
)

// Go's \b and \w only know ASCII. Identifiers may contain any letter or
// digit, so word edges are checked on decoded runes instead.

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// wordBefore reports whether the rune ending at byte offset i is a word rune.
func wordBefore(s string, i int) bool {
	if i <= 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return isWordRune(r)
}

// wordAfter reports whether the rune starting at byte offset i is a word rune.
func wordAfter(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return isWordRune(r)
}

func isWholeWord(s string, start, end int) bool {
	return !wordBefore(s, start) && !wordAfter(s, end)
}

// wholeWordMatches returns the matches of pattern in s that sit between word
// edges.
func wholeWordMatches(s string, pattern *regexp.Regexp) [][]int {
	var out [][]int
	for _, loc := range pattern.FindAllStringIndex(s, -1) {
		if isWholeWord(s, loc[0], loc[1]) {
			out = append(out, loc)
		}
	}
	return out
}
