// Package transform holds the pure text-cleaning, classification and
// imputation steps of the refresh pipeline. Nothing here touches a database.
package transform

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/runes"
	xtransform "golang.org/x/text/transform"
)

// Reason cleaning. Word characters follow the Unicode definition (letters,
// digits, underscore), not Go's ASCII \w.
var (
	reasonPunctRe  = regexp.MustCompile(`[^\p{L}\p{N}_\s\p{Z}\x{0B}]`)
	unicodeSpaceRe = regexp.MustCompile(`[\s\p{Z}\x{0B}]+`)
)

// Free-text normalization for purchase reasons and items.
var (
	numericCodeRe = regexp.MustCompile(`^\d{6,}[a-z]?$`)
	dateTokenRe   = regexp.MustCompile(`\b\d{1,2}[-/]\d{1,2}[-/]\d{2,4}\b`)
	dashCodeRe    = regexp.MustCompile(`\b[a-z]{2}-\d{1,3}\b`)
	orderNumberRe = regexp.MustCompile(`\b[mr]\d{7}\b`)
	leadingNumRe  = regexp.MustCompile(`^\s*-?\d+\s+`)
	leadingDashRe = regexp.MustCompile(`^-\s*`)
	measurementRe = regexp.MustCompile(`^-?\d+k?m?$`)
	nonWordRe     = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)
	spaceRe       = regexp.MustCompile(`\s+`)
	twoLettersRe  = regexp.MustCompile(`^[a-z]\s+[a-z]$`)
	controlSpaces = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ")
)

// accentFolder maps Spanish accented vowels and ñ to ASCII. Other diacritics
// are left alone.
var accentFolder = runes.Map(func(r rune) rune {
	switch r {
	case 'á':
		return 'a'
	case 'é':
		return 'e'
	case 'í':
		return 'i'
	case 'ó':
		return 'o'
	case 'ú':
		return 'u'
	case 'ñ':
		return 'n'
	}
	return r
})

// CleanReason strips everything but word characters and whitespace, collapses
// whitespace and trims. It reports false when nothing is left.
func CleanReason(s string) (string, bool) {
	s = reasonPunctRe.ReplaceAllString(s, "")
	s = unicodeSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return s, s != ""
}

// FoldAccents transliterates á é í ó ú ñ to a e i o u n.
func FoldAccents(s string) string {
	out, _, err := xtransform.String(accentFolder, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeText canonicalizes a free-text purchase field. It reports false
// for values that are internal codes, dates, measurements or too short to
// describe anything. Cleaning repeats until the text stops changing, so
// stacked prefixes such as "1 2 filtro" reduce fully and the result is a
// fixed point. A value rejected on any pass is rejected.
func NormalizeText(s string) (string, bool) {
	out, ok := normalizePass(s)
	for ok {
		next, nextOK := normalizePass(out)
		if !nextOK {
			return "", false
		}
		if next == out {
			return out, true
		}
		out = next
	}
	return "", false
}

func normalizePass(s string) (string, bool) {
	if s == "" {
		return "", false
	}

	s = strings.TrimSpace(strings.ToLower(s))
	if numericCodeRe.MatchString(s) {
		return "", false
	}

	s = controlSpaces.Replace(s)
	s = dateTokenRe.ReplaceAllString(s, "")
	s = dashCodeRe.ReplaceAllString(s, "")
	s = orderNumberRe.ReplaceAllString(s, "")
	s = leadingNumRe.ReplaceAllString(s, "")
	s = leadingDashRe.ReplaceAllString(s, "")

	if measurementRe.MatchString(strings.TrimSpace(s)) {
		return "", false
	}

	s = FoldAccents(s)
	s = nonWordRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))

	if utf8.RuneCountInString(s) < 3 || twoLettersRe.MatchString(s) {
		return "", false
	}
	return s, true
}
