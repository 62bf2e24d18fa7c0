package services

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxTitleLen = 40
	// Characters that cannot appear in the delivered file name.
	unsafeTitleChars = `\/:*?"<>|`
	fallbackKeyword  = "Трек"
)

// ValidateTitle trims raw and checks it is usable as a track title.
func ValidateTitle(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	case utf8.RuneCountInString(s) > maxTitleLen:
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidTitle, maxTitleLen)
	case strings.ContainsAny(s, unsafeTitleChars):
		return "", fmt.Errorf("%w: contains one of %s", ErrInvalidTitle, unsafeTitleChars)
	}
	return s, nil
}

var keyword = regexp.MustCompile(`[\p{L}\p{N}]{3,}`)

// FallbackTitle builds "<preset> - <Keyword>" from the first alphanumeric
// word of at least three characters in the brief. The result always passes
// ValidateTitle.
func FallbackTitle(presetTitle, brief string) string {
	word := keyword.FindString(brief)
	if word == "" {
		word = fallbackKeyword
	}
	r := []rune(word)
	r[0] = unicode.ToUpper(r[0])

	name := strings.Map(func(c rune) rune {
		if strings.ContainsRune(unsafeTitleChars, c) {
			return -1
		}
		return c
	}, strings.TrimSpace(presetTitle))
	title := string(r)
	if name != "" {
		title = name + " - " + title
	}
	if rs := []rune(title); len(rs) > maxTitleLen {
		title = strings.TrimSpace(string(rs[:maxTitleLen]))
	}
	return title
}
