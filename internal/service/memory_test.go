package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Harshitk-cp/strata/internal/cache"
	"github.com/Harshitk-cp/strata/internal/codec"
	"github.com/Harshitk-cp/strata/internal/config"
	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/Harshitk-cp/strata/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// mockGateway implements domain.VectorGateway in memory, one map per tier.
type mockGateway struct {
	mu           sync.Mutex
	tiers        map[domain.Tier]map[uuid.UUID]*domain.Record
	failInsert   error
	verifyCalls  int
	compactCalls int
	backupCalls  int
}

func newMockGateway() *mockGateway {
	g := &mockGateway{tiers: make(map[domain.Tier]map[uuid.UUID]*domain.Record)}
	for _, tier := range domain.AllTiers() {
		g.tiers[tier] = make(map[uuid.UUID]*domain.Record)
	}
	return g
}

func (g *mockGateway) Insert(ctx context.Context, tier domain.Tier, rec *domain.Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failInsert != nil {
		return g.failInsert
	}
	cp := *rec
	g.tiers[tier][rec.ID] = &cp
	return nil
}

func (g *mockGateway) DeleteByID(ctx context.Context, tier domain.Tier, id uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tiers[tier][id]; !ok {
		return false, nil
	}
	delete(g.tiers[tier], id)
	return true, nil
}

func (g *mockGateway) GetByID(ctx context.Context, tier domain.Tier, id uuid.UUID) (*domain.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.tiers[tier][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (g *mockGateway) ListByTier(ctx context.Context, tier domain.Tier, limit int) ([]domain.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Record
	for _, rec := range g.tiers[tier] {
		out = append(out, *rec)
		if len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (g *mockGateway) ListStale(ctx context.Context, tier domain.Tier, cutoff time.Time, limit int) ([]domain.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Record
	for _, rec := range g.tiers[tier] {
		if rec.LastAccessedAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastAccessedAt.Before(out[j].LastAccessedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *mockGateway) SearchByVector(ctx context.Context, tier domain.Tier, query []float32, k int, ownerID uuid.UUID) ([]domain.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Record
	for _, rec := range g.tiers[tier] {
		if rec.OwnerID != ownerID {
			continue
		}
		cp := *rec
		cp.Score = cosineSimilarity(query, rec.Embedding)
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (g *mockGateway) UpdateAccess(ctx context.Context, tier domain.Tier, id uuid.UUID, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.tiers[tier][id]
	if !ok {
		return store.ErrNotFound
	}
	rec.AccessCount++
	if at.After(rec.LastAccessedAt) {
		rec.LastAccessedAt = at
	}
	return nil
}

func (g *mockGateway) Stats(ctx context.Context, tier domain.Tier) (domain.TierStats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := domain.TierStats{Count: len(g.tiers[tier])}
	for _, rec := range g.tiers[tier] {
		stats.AverageImportance += rec.Importance
	}
	if stats.Count > 0 {
		stats.AverageImportance /= float64(stats.Count)
	}
	return stats, nil
}

func (g *mockGateway) Compact(ctx context.Context, tier domain.Tier) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.compactCalls++
	return nil
}

func (g *mockGateway) Backup(ctx context.Context, tier domain.Tier) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backupCalls++
	return nil
}

func (g *mockGateway) VerifyIntegrity(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	return nil
}

func (g *mockGateway) count(tier domain.Tier) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tiers[tier])
}

func (g *mockGateway) tierOf(id uuid.UUID) (domain.Tier, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, tier := range domain.AllTiers() {
		if _, ok := g.tiers[tier][id]; ok {
			return tier, true
		}
	}
	return "", false
}

// mockEmbedder returns a fixed vector unless overridden per call.
type mockEmbedder struct {
	vec []float32
	err error
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.vec != nil {
		return m.vec, nil
	}
	return []float32{1, 0, 0}, nil
}

func (m *mockEmbedder) Dimension() int {
	if m.vec != nil {
		return len(m.vec)
	}
	return 3
}

func setupMemoryTest(t *testing.T) (*MemoryService, *mockGateway) {
	t.Helper()
	holder, err := config.NewHolder(config.Default())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	gw := newMockGateway()
	logger := zap.NewNop()
	svc := NewMemoryService(
		gw,
		cache.NewTierCache(holder.Snapshot().Tiers, logger),
		codec.New(true, 1024, logger),
		&mockEmbedder{},
		holder,
		logger,
	)
	return svc, gw
}

func TestMemoryServiceStore(t *testing.T) {
	svc, gw := setupMemoryTest(t)
	ctx := context.Background()
	owner := uuid.New()

	m, err := svc.Store(ctx, StoreRequest{
		OwnerID:  owner,
		Content:  "remember this",
		Metadata: domain.Metadata{EmotionalValue: 1, ContextRelevance: 1},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if m.ID == uuid.Nil {
		t.Fatal("expected id assigned")
	}
	// recency 1, emotional 1, relevance 1, frequency 0 -> 0.8 -> core
	if m.Tier != domain.TierCore {
		t.Fatalf("expected core tier, got %s", m.Tier)
	}
	if gw.count(domain.TierCore) != 1 {
		t.Fatal("expected record persisted in core")
	}
}

func TestMemoryServiceStoreBucketsByImportance(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()

	m, err := svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: "plain fact"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	// recency only: 0.3 -> background
	if m.Tier != domain.TierBackground {
		t.Fatalf("expected background tier, got %s", m.Tier)
	}
}

func TestMemoryServiceStoreValidation(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()

	if _, err := svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty content, got %v", err)
	}
	if _, err := svc.Store(ctx, StoreRequest{Content: "no owner"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil owner, got %v", err)
	}
	long := make([]byte, domain.MaxContentSize+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: string(long)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for oversized content, got %v", err)
	}
}

func TestMemoryServiceStoreRejectsWrongDimension(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()

	_, err := svc.Store(ctx, StoreRequest{
		OwnerID:   uuid.New(),
		Content:   "mismatched vector",
		Embedding: []float32{1, 0},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for wrong embedding dimension, got %v", err)
	}
}

func TestMemoryServiceGetRoundTrip(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()

	stored, err := svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: "look me up"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := svc.Get(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "look me up" {
		t.Fatalf("expected content round trip, got %q", got.Content)
	}

	if _, err := svc.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryServiceGetDecodesCompressedContent(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()

	big := make([]byte, 8192)
	for i := range big {
		big[i] = byte('a' + i%4)
	}
	stored, err := svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: string(big)})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	// Bypass the cache so the read decodes the stored payload.
	svc.cache.Clear()
	got, err := svc.Get(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != string(big) {
		t.Fatal("compressed content must decode to the original")
	}
}

func TestMemoryServiceGetDegradesOnCorruptPayload(t *testing.T) {
	svc, gw := setupMemoryTest(t)
	ctx := context.Background()

	// A payload flagged as compressed whose bytes carry the gzip magic but
	// fail to inflate: the read must fall back to the stored bytes.
	raw := []byte{0x1f, 0x8b, 0xde, 0xad, 0xbe, 0xef}
	now := time.Now().UTC()
	rec := &domain.Record{
		Memory: domain.Memory{
			ID:             uuid.New(),
			OwnerID:        uuid.New(),
			Tier:           domain.TierActive,
			Importance:     0.5,
			CreatedAt:      now,
			LastAccessedAt: now,
		},
		Payload: domain.Payload{
			Data:           raw,
			Compressed:     true,
			OriginalSize:   100,
			CompressedSize: len(raw),
		},
	}
	if err := gw.Insert(ctx, domain.TierActive, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("a corrupt payload must not fail the read, got %v", err)
	}
	if got.Content != string(raw) {
		t.Fatalf("expected stored bytes back, got %q", got.Content)
	}
}

func TestMemoryServiceDeleteIdempotent(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()

	stored, _ := svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: "ephemeral"})

	removed, err := svc.Delete(ctx, stored.ID)
	if err != nil || !removed {
		t.Fatalf("expected removal, got removed=%v err=%v", removed, err)
	}
	removed, err = svc.Delete(ctx, stored.ID)
	if err != nil {
		t.Fatalf("second delete must not error, got %v", err)
	}
	if removed {
		t.Fatal("second delete must report nothing removed")
	}

	if _, err := svc.Get(ctx, stored.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("deleted memory must be gone")
	}
}

func TestMemoryServiceUpdateReembedsOnContentChange(t *testing.T) {
	svc, gw := setupMemoryTest(t)
	ctx := context.Background()

	stored, _ := svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: "before"})

	newContent := "after"
	updated, err := svc.Update(ctx, stored.ID, UpdateRequest{Content: &newContent})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != "after" {
		t.Fatalf("expected new content, got %q", updated.Content)
	}

	tier, ok := gw.tierOf(stored.ID)
	if !ok {
		t.Fatal("record vanished")
	}
	rec, _ := gw.GetByID(ctx, tier, stored.ID)
	if len(rec.Embedding) == 0 {
		t.Fatal("expected embedding persisted")
	}

	if _, err := svc.Update(ctx, stored.ID, UpdateRequest{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatal("empty update must be rejected")
	}
}

func TestMemoryServiceTransitionTier(t *testing.T) {
	svc, gw := setupMemoryTest(t)
	ctx := context.Background()

	stored, _ := svc.Store(ctx, StoreRequest{
		OwnerID:  uuid.New(),
		Content:  "important enough",
		Metadata: domain.Metadata{EmotionalValue: 1, ContextRelevance: 1},
	}) // lands in core at 0.8

	moved, err := svc.TransitionTier(ctx, stored.ID, domain.TierActive)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if moved.Tier != domain.TierActive {
		t.Fatalf("expected active, got %s", moved.Tier)
	}
	if tier, _ := gw.tierOf(stored.ID); tier != domain.TierActive {
		t.Fatalf("expected record moved to active, got %s", tier)
	}
	if gw.count(domain.TierCore) != 0 {
		t.Fatal("expected source row removed")
	}
}

func TestMemoryServiceTransitionRejectsLowImportance(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()

	stored, _ := svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: "weak"}) // 0.3, background

	if _, err := svc.TransitionTier(ctx, stored.ID, domain.TierCore); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.TransitionTier(ctx, stored.ID, "bogus"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown tier, got %v", err)
	}
}

func TestMemoryServiceRetrieve(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()
	owner := uuid.New()

	first, _ := svc.Store(ctx, StoreRequest{OwnerID: owner, Content: "espresso habits", Embedding: []float32{1, 0, 0}})
	svc.Store(ctx, StoreRequest{OwnerID: owner, Content: "spider fear", Embedding: []float32{0, 1, 0}})
	svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: "other owner", Embedding: []float32{1, 0, 0}})

	results, err := svc.Retrieve(ctx, RetrieveRequest{OwnerID: owner, Query: "coffee", K: 2})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != first.ID {
		t.Fatal("expected closest match first")
	}
	for _, r := range results {
		if r.OwnerID != owner {
			t.Fatal("results must be scoped to the owner")
		}
	}

	// Retrieval counts as access.
	got, err := svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessCount == 0 {
		t.Fatal("expected access count bumped by retrieval")
	}
}

func TestMemoryServiceRetrieveValidation(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()

	if _, err := svc.Retrieve(ctx, RetrieveRequest{OwnerID: uuid.New(), Query: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatal("empty query must be rejected")
	}
	if _, err := svc.Retrieve(ctx, RetrieveRequest{Query: "q"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatal("missing owner must be rejected")
	}
}

func TestMemoryServiceEmbedderFailure(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	svc.embedder = &mockEmbedder{err: errors.New("api down")}

	_, err := svc.Store(context.Background(), StoreRequest{OwnerID: uuid.New(), Content: "x"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("embedder failure must map to ErrTransient, got %v", err)
	}
}

func TestMemoryServiceStats(t *testing.T) {
	svc, _ := setupMemoryTest(t)
	ctx := context.Background()

	svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: "one"})
	svc.Store(ctx, StoreRequest{OwnerID: uuid.New(), Content: "two"})

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalMemories != 2 {
		t.Fatalf("expected 2 memories, got %d", stats.TotalMemories)
	}
	if stats.AverageImportance <= 0 {
		t.Fatal("expected positive average importance")
	}
}
