package event

import (
	"math"
	"testing"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		a, b Signature
		want float64
	}{
		{
			"same location and type",
			Signature{Location: "Gaza", Type: TypeStrike},
			Signature{Location: "Gaza", Type: TypeStrike},
			0.8,
		},
		{
			"location case insensitive",
			Signature{Location: "gaza", Type: TypeOther},
			Signature{Location: "GAZA", Type: TypeOther},
			0.5,
		},
		{
			"region fallback when locations differ",
			Signature{Location: "Rafah", Region: "south", Type: TypeRocket},
			Signature{Location: "Khan Yunis", Region: "South", Type: TypeRocket},
			0.5, // 0.2 region + 0.3 type
		},
		{
			"other type earns nothing",
			Signature{Type: TypeOther},
			Signature{Type: TypeOther},
			0.0,
		},
		{
			"full entity overlap",
			Signature{Type: TypeClash, Entities: []string{"IDF", "Hamas"}},
			Signature{Type: TypeClash, Entities: []string{"hamas", "idf"}},
			0.5, // 0.3 type + 0.2 jaccard(1.0)
		},
		{
			"partial entity overlap",
			Signature{Entities: []string{"a", "b"}},
			Signature{Entities: []string{"b", "c", "d"}},
			0.05, // jaccard 1/4 * 0.2
		},
		{
			"capped at one",
			Signature{Location: "Gaza", Type: TypeStrike, Entities: []string{"x"}},
			Signature{Location: "Gaza", Type: TypeStrike, Entities: []string{"x"}},
			1.0,
		},
		{
			"no signal",
			Signature{Type: TypeStrike},
			Signature{Type: TypeRocket},
			0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatch_SelfMatchFloor(t *testing.T) {
	sigs := []Signature{
		{Location: "Jenin"},
		{Type: TypeStrike},
		{Location: "Rafah", Type: TypeCasualty, Entities: []string{"PIJ"}},
	}
	for _, sig := range sigs {
		if got := Match(sig, sig); got < 0.5 {
			t.Errorf("self match of %+v = %v, want >= 0.5", sig, got)
		}
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	sig := Signature{
		Location: "Gaza",
		Region:   "south",
		Type:     TypeStrike,
		Entities: []string{"IDF"},
		Keywords: []string{"غارة"},
		Urgent:   true,
		Credibility: Credibility{
			HasMediaReference: true,
			UsesVagueLanguage: true,
		},
	}

	got, err := ParseSignature(sig.JSON())
	if err != nil {
		t.Fatal(err)
	}
	if got.Location != sig.Location || got.Region != sig.Region || got.Type != sig.Type {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if len(got.Entities) != 1 || got.Entities[0] != "IDF" {
		t.Errorf("entities = %v", got.Entities)
	}
	if !got.Urgent || !got.Credibility.HasMediaReference || !got.Credibility.UsesVagueLanguage {
		t.Errorf("flags lost in round trip: %+v", got)
	}
}

func TestParseSignature_EmptyTypeDefaultsToOther(t *testing.T) {
	sig, err := ParseSignature([]byte(`{"location":"Hebron"}`))
	if err != nil {
		t.Fatal(err)
	}
	if sig.Type != TypeOther {
		t.Errorf("Type = %q, want %q", sig.Type, TypeOther)
	}
}
