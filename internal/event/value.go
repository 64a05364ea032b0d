package event

import (
	"fmt"
	"strings"
)

// Kind is the payload type carried by a slot or connector.
type Kind uint8

const (
	KindInvalid Kind = iota
	// KindWords is a sequence of raw or decoded 32-bit words.
	KindWords
	// KindSamples is a sequence of floating point samples.
	KindSamples
)

func (k Kind) String() string {
	switch k {
	case KindWords:
		return "words"
	case KindSamples:
		return "samples"
	default:
		return "invalid"
	}
}

// ParseKind maps a configuration string to a Kind. The empty string is words.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "words", "uint32":
		return KindWords, nil
	case "samples", "double", "float64":
		return KindSamples, nil
	default:
		return KindInvalid, fmt.Errorf("unknown payload kind %q", s)
	}
}

// Value is a tagged payload. The zero Value has KindInvalid.
type Value struct {
	kind    Kind
	words   []uint32
	samples []float64
}

func Words(w []uint32) Value    { return Value{kind: KindWords, words: w} }
func Samples(s []float64) Value { return Value{kind: KindSamples, samples: s} }

func (v Value) Kind() Kind         { return v.kind }
func (v Value) IsZero() bool       { return v.kind == KindInvalid }
func (v Value) Words() []uint32    { return v.words }
func (v Value) Samples() []float64 { return v.samples }

// Len is the element count of the payload.
func (v Value) Len() int {
	switch v.kind {
	case KindWords:
		return len(v.words)
	case KindSamples:
		return len(v.samples)
	default:
		return 0
	}
}
