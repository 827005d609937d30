package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Payload is the codec-produced stored form of a memory's content.
type Payload struct {
	Data           []byte
	Compressed     bool
	OriginalSize   int
	CompressedSize int
}

// Ratio returns compressed/original size, 1 for uncompressed payloads.
func (p Payload) Ratio() float64 {
	if !p.Compressed || p.OriginalSize == 0 {
		return 1
	}
	return float64(p.CompressedSize) / float64(p.OriginalSize)
}

// Record is what the vector gateway stores and returns: the memory's stable
// fields plus the encoded content payload. Content on the embedded Memory is
// empty until the service decodes the payload.
type Record struct {
	Memory
	Payload Payload
	Score   float64
}

// TierStats summarises one tier's collection.
type TierStats struct {
	Count             int
	AverageImportance float64
}

// VectorGateway is the thin, strongly typed facade over the external vector
// store. One logical collection per tier. The gateway is stateless apart
// from the held client handle.
type VectorGateway interface {
	// Insert appends a record; re-insert on the same id replaces it.
	Insert(ctx context.Context, tier Tier, rec *Record) error
	// DeleteByID reports whether a row was removed.
	DeleteByID(ctx context.Context, tier Tier, id uuid.UUID) (bool, error)
	GetByID(ctx context.Context, tier Tier, id uuid.UUID) (*Record, error)
	ListByTier(ctx context.Context, tier Tier, limit int) ([]Record, error)
	// ListStale returns records whose last access predates the cutoff,
	// oldest first, bounded by limit.
	ListStale(ctx context.Context, tier Tier, cutoff time.Time, limit int) ([]Record, error)
	SearchByVector(ctx context.Context, tier Tier, query []float32, k int, ownerID uuid.UUID) ([]Record, error)
	UpdateAccess(ctx context.Context, tier Tier, id uuid.UUID, at time.Time) error
	Stats(ctx context.Context, tier Tier) (TierStats, error)
	// Compact runs best-effort storage optimisation for the tier.
	Compact(ctx context.Context, tier Tier) error
	// Backup snapshots the tier's collection, replacing any previous
	// snapshot.
	Backup(ctx context.Context, tier Tier) error
	// VerifyIntegrity is the hook invoked after a lifecycle pass fails all
	// its retries.
	VerifyIntegrity(ctx context.Context) error
}

// EmbeddingClient produces dense vectors for query text.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the vector length this client produces, 0 if unknown.
	Dimension() int
}
