package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// MockClient produces deterministic unit vectors from the input text. The
// same text always maps to the same vector, so similarity comparisons stay
// meaningful in tests and local development.
type MockClient struct {
	dimension int
}

func NewMockClient(dimension int) *MockClient {
	if dimension <= 0 {
		dimension = 1536
	}
	return &MockClient{dimension: dimension}
}

func (c *MockClient) Dimension() int {
	return c.dimension
}

func (c *MockClient) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, c.dimension)
	var norm float64
	for i := range vec {
		// xorshift64 keeps the stream deterministic per seed
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(int64(seed%2000)-1000) / 1000
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}
