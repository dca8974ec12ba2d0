// Package event holds the structured event signature extracted from a
// message, the semantic matcher, the cheap repost fingerprint, and the pool
// of active events under correlation.
package event

import (
	"encoding/json"
	"strings"
)

// Type classifies the incident a signature describes.
type Type string

const (
	TypeStrike     Type = "strike"
	TypeRocket     Type = "rocket"
	TypeClash      Type = "clash"
	TypeArrest     Type = "arrest"
	TypeMovement   Type = "movement"
	TypeStatement  Type = "statement"
	TypeCasualty   Type = "casualty"
	TypeOther      Type = "other"
	TypeIrrelevant Type = "irrelevant"
)

// Credibility carries the extractor's credibility hints.
type Credibility struct {
	HasMediaReference bool `json:"has_media_reference,omitempty"`
	CitesNamedSource  bool `json:"cites_named_source,omitempty"`
	UsesVagueLanguage bool `json:"uses_vague_language,omitempty"`
	IsForwardedClaim  bool `json:"is_forwarded_claim,omitempty"`
}

// Signature is the structured extract of one message. Immutable after
// creation; an event keeps the signature of its first message forever.
type Signature struct {
	Location    string      `json:"location,omitempty"`
	Region      string      `json:"region,omitempty"`
	Type        Type        `json:"event_type"`
	Entities    []string    `json:"entities,omitempty"`
	Keywords    []string    `json:"keywords,omitempty"`
	Urgent      bool        `json:"is_urgent,omitempty"`
	Credibility Credibility `json:"credibility_indicators"`
}

// MarshalJSON-free round trip: the struct tags above are the wire format, so
// encoding/json gives Signature -> JSON -> Signature as the identity.

// ParseSignature decodes a stored signature. A missing event_type becomes
// "other", matching what the extractor would have produced.
func ParseSignature(data []byte) (Signature, error) {
	var sig Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return Signature{}, err
	}
	if sig.Type == "" {
		sig.Type = TypeOther
	}
	return sig, nil
}

// JSON encodes the signature for storage.
func (s Signature) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// Match scores the similarity of two signatures in [0, 1]. Location is the
// strongest signal, then event type, then entity overlap.
func Match(a, b Signature) float64 {
	score := 0.0

	switch {
	case a.Location != "" && b.Location != "" && normToken(a.Location) == normToken(b.Location):
		score += 0.5
	case a.Region != "" && b.Region != "" && normToken(a.Region) == normToken(b.Region):
		score += 0.2
	}

	if a.Type == b.Type && a.Type != TypeOther && a.Type != "" {
		score += 0.3
	}

	ea := tokenSet(a.Entities)
	eb := tokenSet(b.Entities)
	if len(ea) > 0 && len(eb) > 0 {
		inter := 0
		for e := range ea {
			if _, ok := eb[e]; ok {
				inter++
			}
		}
		union := len(ea) + len(eb) - inter
		score += 0.2 * float64(inter) / float64(union)
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func normToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func tokenSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[normToken(it)] = struct{}{}
	}
	return set
}
