package embedqueue

import (
	"context"
	"crypto/sha256"
)

// StubEmbedder is a deterministic, dependency-free default: it hashes the
// input text into a pseudo-embedding so tests and local runs have
// consistent similarity ranking without calling an external vendor.
type StubEmbedder struct {
	Model string
}

func NewStubEmbedder() *StubEmbedder {
	return &StubEmbedder{Model: "text-embedding-stub-384"}
}

func (s *StubEmbedder) Embed(ctx context.Context, text string) ([384]float32, string, error) {
	var vec [384]float32
	if text == "" {
		return vec, s.Model, nil
	}

	sum := sha256.Sum256([]byte(text))
	for i := range vec {
		b := sum[i%len(sum)]
		// Spread the 32 hash bytes across 384 dimensions with a varying
		// stride so nearby dimensions don't repeat identical values.
		shifted := sum[(i*7+i/len(sum))%len(sum)]
		vec[i] = (float32(b) + float32(shifted)) / 510.0 - 1.0
	}
	return vec, s.Model, nil
}
