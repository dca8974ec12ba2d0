package event

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// fingerprintPrefix is how many characters of the cleaned text feed the hash.
const fingerprintPrefix = 120

// Fingerprint computes the cheap repost key for a text: SHA-1 over the first
// 120 characters after NFC normalization, tashkeel removal, lowercasing, and
// digit stripping. Reposts that differ only by numbers or diacritics collide
// on purpose.
func Fingerprint(text string) string {
	text = norm.NFC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	count := 0
	for _, r := range text {
		if isTashkeel(r) {
			continue
		}
		if unicode.IsDigit(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
		count++
		if count >= fingerprintPrefix {
			break
		}
	}

	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// isTashkeel reports whether r is an Arabic diacritic (tashkeel).
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

// TextHash is the exact-duplicate key over the raw normalized text, used by
// both the in-memory short-term caches and the durable dedup table.
func TextHash(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
