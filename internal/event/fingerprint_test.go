package event

import (
	"strings"
	"testing"
)

func TestFingerprint_Invariance(t *testing.T) {
	base := Fingerprint("غارة جوية على رفح الآن")

	tests := []struct {
		name string
		text string
	}{
		{"tashkeel inserted", "غَارَة جوية على رفح الآن"},
		{"digits embedded", "غارة جوية على رفح الآن3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.text); got != base {
				t.Errorf("Fingerprint(%q) = %s, want %s", tt.text, got, base)
			}
		})
	}
}

func TestFingerprint_DigitValueIrrelevant(t *testing.T) {
	a := Fingerprint("اشتباكات قرب الحاجز 12 قتيلا")
	b := Fingerprint("اشتباكات قرب الحاجز 99 قتيلا")
	if a != b {
		t.Error("reposts differing only in digit values must collide")
	}
}

func TestFingerprint_CaseInsensitive(t *testing.T) {
	if Fingerprint("Rocket Alert In The North") != Fingerprint("rocket alert in the north") {
		t.Error("fingerprint should ignore ASCII case")
	}
}

func TestFingerprint_PrefixOnly(t *testing.T) {
	prefix := strings.Repeat("א", 120)
	a := Fingerprint(prefix + " first tail")
	b := Fingerprint(prefix + " second tail entirely different")
	if a != b {
		t.Error("text beyond the 120-char prefix should not affect the fingerprint")
	}

	if Fingerprint("completely different text") == a {
		t.Error("distinct prefixes should not collide")
	}
}

func TestTextHash_Distinguishes(t *testing.T) {
	if TextHash("a") == TextHash("b") {
		t.Error("different texts must hash differently")
	}
	if TextHash("same") != TextHash("same") {
		t.Error("hash must be deterministic")
	}
}
