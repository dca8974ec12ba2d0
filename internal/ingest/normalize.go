package ingest

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	transportURLRe = regexp.MustCompile(`(?:https?://)?(?:t\.me|telegram\.me)/\S+`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// Normalize canonicalizes raw message text: NFC composition, tashkeel
// diacritics stripped, transport-internal links removed, runs of whitespace
// collapsed to single spaces.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isTashkeel(r) {
			continue
		}
		b.WriteRune(r)
	}
	text = transportURLRe.ReplaceAllString(b.String(), "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func isTashkeel(r rune) bool {
	switch {
	case r >= 0x0610 && r <= 0x061A:
		return true
	case r >= 0x064B && r <= 0x065F:
		return true
	case r == 0x0670:
		return true
	}
	return false
}
