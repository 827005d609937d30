package domain

import (
	"time"

	"github.com/google/uuid"
)

// MaxContentSize is the maximum content length after decompression.
const MaxContentSize = 64 * 1024

// Memory is the central entity managed by the engine. A memory belongs to
// exactly one tier at any moment; its embedding and owner are immutable for
// its whole life.
type Memory struct {
	ID             uuid.UUID `json:"id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
	Tier           Tier      `json:"tier"`
	Importance     float64   `json:"importance"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
	Metadata       Metadata  `json:"metadata"`
}

// Clone returns a deep copy. The evolver returns a clone when a memory
// changed so callers can compare against the original.
func (m *Memory) Clone() *Memory {
	c := *m
	c.Embedding = append([]float32(nil), m.Embedding...)
	c.Metadata = m.Metadata.Clone()
	return &c
}

// Touch records an access through the access-metrics path.
// LastAccessedAt never moves backwards and AccessCount only increases.
func (m *Memory) Touch(now time.Time) {
	if now.After(m.LastAccessedAt) {
		m.LastAccessedAt = now
	}
	m.AccessCount++
}

// MemoryWithScore pairs a memory with its similarity score for a query.
type MemoryWithScore struct {
	Memory
	Score float64 `json:"score"`
}
