package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Harshitk-cp/strata/internal/cache"
	"github.com/Harshitk-cp/strata/internal/codec"
	"github.com/Harshitk-cp/strata/internal/config"
	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func setupLifecycleTest(t *testing.T, cfg config.Engine) (*LifecycleManager, *MemoryService, *mockGateway) {
	t.Helper()
	holder, err := config.NewHolder(cfg)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	gw := newMockGateway()
	logger := zap.NewNop()
	tierCache := cache.NewTierCache(holder.Snapshot().Tiers, logger)
	svc := NewMemoryService(gw, tierCache, codec.New(true, 1024, logger), &mockEmbedder{}, holder, logger)
	manager := NewLifecycleManager(svc, tierCache, holder, logger)
	return manager, svc, gw
}

func seedRecord(t *testing.T, gw *mockGateway, m *domain.Memory) {
	t.Helper()
	rec := &domain.Record{
		Memory: *m.Clone(),
		Payload: domain.Payload{
			Data:           []byte(m.Content),
			OriginalSize:   len(m.Content),
			CompressedSize: len(m.Content),
		},
	}
	rec.Content = ""
	if err := gw.Insert(context.Background(), m.Tier, rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func seededMemory(owner uuid.UUID, tier domain.Tier, importance float64, embedding []float32) *domain.Memory {
	now := time.Now().UTC()
	return &domain.Memory{
		ID:             uuid.New(),
		OwnerID:        owner,
		Content:        "seeded",
		Embedding:      embedding,
		Tier:           tier,
		Importance:     importance,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

func TestRunPassConsolidatesDuplicates(t *testing.T) {
	manager, _, gw := setupLifecycleTest(t, config.Default())
	ctx := context.Background()
	owner := uuid.New()

	a := seededMemory(owner, domain.TierActive, 0.6, []float32{1, 0, 0})
	b := seededMemory(owner, domain.TierActive, 0.5, []float32{0.99, 0.1, 0})
	c := seededMemory(owner, domain.TierActive, 0.5, []float32{0.98, 0.15, 0})
	for _, m := range []*domain.Memory{a, b, c} {
		seedRecord(t, gw, m)
	}

	if err := manager.RunPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	for _, id := range []uuid.UUID{a.ID, b.ID, c.ID} {
		if _, ok := gw.tierOf(id); ok {
			t.Fatal("consumed source memories must be deleted")
		}
	}

	stats, err := manager.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalMemories != 1 {
		t.Fatalf("expected the three duplicates collapsed to one, got %d", stats.TotalMemories)
	}
	if stats.ConsolidationCount != 1 {
		t.Fatalf("expected consolidation counted, got %d", stats.ConsolidationCount)
	}
	if stats.LastPass.IsZero() {
		t.Fatal("expected last pass recorded")
	}
}

func TestRunPassPromotesHotMemory(t *testing.T) {
	manager, _, gw := setupLifecycleTest(t, config.Default())
	ctx := context.Background()

	m := seededMemory(uuid.New(), domain.TierActive, 1, []float32{1, 0, 0})
	m.AccessCount = 100
	m.Metadata.ContextRelevance = 1
	m.Metadata.EmotionalValue = 1
	seedRecord(t, gw, m)

	if err := manager.RunPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	tier, ok := gw.tierOf(m.ID)
	if !ok {
		t.Fatal("memory vanished")
	}
	if tier != domain.TierCore {
		t.Fatalf("expected promotion to core, got %s", tier)
	}
}

func TestRunPassDemotesInactiveCoreMemory(t *testing.T) {
	manager, _, gw := setupLifecycleTest(t, config.Default())
	ctx := context.Background()

	m := seededMemory(uuid.New(), domain.TierCore, 0.9, []float32{1, 0, 0})
	m.CreatedAt = time.Now().UTC().Add(-120 * 24 * time.Hour)
	m.LastAccessedAt = m.CreatedAt
	seedRecord(t, gw, m)

	if err := manager.RunPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	tier, ok := gw.tierOf(m.ID)
	if !ok {
		t.Fatal("memory vanished")
	}
	if tier == domain.TierCore {
		t.Fatal("expected demotion out of core after long inactivity")
	}
}

func TestRunPassTrimsOverCapacity(t *testing.T) {
	cfg := config.Default()
	pol := cfg.Tiers[domain.TierBackground]
	pol.Capacity = 1
	cfg.Tiers[domain.TierBackground] = pol
	manager, _, gw := setupLifecycleTest(t, cfg)
	ctx := context.Background()

	// Orthogonal embeddings so consolidation leaves them alone.
	owner := uuid.New()
	low := seededMemory(owner, domain.TierBackground, 0.05, []float32{1, 0, 0})
	mid := seededMemory(owner, domain.TierBackground, 0.1, []float32{0, 1, 0})
	high := seededMemory(owner, domain.TierBackground, 0.3, []float32{0, 0, 1})
	for _, m := range []*domain.Memory{low, mid, high} {
		seedRecord(t, gw, m)
	}

	if err := manager.RunPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if got := gw.count(domain.TierBackground); got != 1 {
		t.Fatalf("expected background trimmed to capacity 1, got %d", got)
	}
	if _, ok := gw.tierOf(high.ID); !ok {
		t.Fatal("highest importance memory must survive the trim")
	}
}

func TestRunPassTrimsAcrossTiers(t *testing.T) {
	cfg := config.Default()
	cfg.General.MaxTotalMemories = 2
	manager, _, gw := setupLifecycleTest(t, cfg)
	ctx := context.Background()

	// The overage exceeds the background population, so the trim has to
	// reach into the active tier for the remaining lowest-importance rows.
	weakest := seededMemory(uuid.New(), domain.TierBackground, 0.1, []float32{1, 0, 0})
	weak := seededMemory(uuid.New(), domain.TierActive, 0.4, []float32{0, 1, 0})
	mid := seededMemory(uuid.New(), domain.TierActive, 0.5, []float32{0, 0, 1})
	strong := seededMemory(uuid.New(), domain.TierActive, 0.6, []float32{1, 1, 0})
	for _, m := range []*domain.Memory{weakest, weak, mid, strong} {
		seedRecord(t, gw, m)
	}

	if err := manager.RunPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if got := gw.count(domain.TierBackground) + gw.count(domain.TierActive) + gw.count(domain.TierCore); got != 2 {
		t.Fatalf("expected store trimmed to 2 memories, got %d", got)
	}
	for _, gone := range []*domain.Memory{weakest, weak} {
		if _, ok := gw.tierOf(gone.ID); ok {
			t.Fatalf("expected lowest-importance memory %s deleted", gone.ID)
		}
	}
	for _, kept := range []*domain.Memory{mid, strong} {
		if _, ok := gw.tierOf(kept.ID); !ok {
			t.Fatalf("expected memory %s to survive the trim", kept.ID)
		}
	}
}

func TestForceConsolidationIncludesCore(t *testing.T) {
	manager, _, gw := setupLifecycleTest(t, config.Default())
	ctx := context.Background()
	owner := uuid.New()

	seedRecord(t, gw, seededMemory(owner, domain.TierCore, 0.9, []float32{1, 0, 0}))
	seedRecord(t, gw, seededMemory(owner, domain.TierCore, 0.85, []float32{0.99, 0.1, 0}))

	stats, err := manager.ForceConsolidation(ctx)
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if stats.MemoriesMerged != 2 {
		t.Fatalf("expected 2 core memories merged, got %d", stats.MemoriesMerged)
	}
	if got := gw.count(domain.TierCore); got != 1 {
		t.Fatalf("expected one merged core memory, got %d", got)
	}
}

func TestRunPassBacksUpTiers(t *testing.T) {
	manager, _, gw := setupLifecycleTest(t, config.Default())
	ctx := context.Background()

	if err := manager.RunPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if gw.backupCalls != 3 {
		t.Fatalf("expected every tier backed up on the first pass, got %d", gw.backupCalls)
	}

	// A second pass inside the backup window must not snapshot again.
	if err := manager.RunPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if gw.backupCalls != 3 {
		t.Fatalf("expected no backups inside the frequency window, got %d", gw.backupCalls)
	}
}

func TestRunPassDeletesStaleBackground(t *testing.T) {
	manager, _, gw := setupLifecycleTest(t, config.Default())
	ctx := context.Background()

	stale := seededMemory(uuid.New(), domain.TierBackground, 0.1, []float32{1, 0, 0})
	stale.CreatedAt = time.Now().UTC().Add(-200 * 24 * time.Hour)
	stale.LastAccessedAt = stale.CreatedAt
	seedRecord(t, gw, stale)

	if err := manager.RunPass(ctx); err != nil {
		t.Fatalf("pass: %v", err)
	}

	if _, ok := gw.tierOf(stale.ID); ok {
		t.Fatal("stale background memory must be cleaned up")
	}
}

func TestRunPassSingleFlight(t *testing.T) {
	manager, _, _ := setupLifecycleTest(t, config.Default())

	manager.inFlight.Store(true)
	defer manager.inFlight.Store(false)

	if err := manager.RunPass(context.Background()); !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("expected ErrPassInProgress, got %v", err)
	}
	if _, err := manager.ForceConsolidation(context.Background()); !errors.Is(err, ErrPassInProgress) {
		t.Fatalf("expected ErrPassInProgress from force, got %v", err)
	}
}

func TestRunPassVerifiesIntegrityAfterHardFailure(t *testing.T) {
	manager, _, gw := setupLifecycleTest(t, config.Default())
	ctx := context.Background()

	m := seededMemory(uuid.New(), domain.TierActive, 0.5, []float32{1, 0, 0})
	seedRecord(t, gw, m)
	gw.failInsert = errors.New("disk on fire")

	err := manager.RunPass(ctx)
	if err == nil {
		t.Fatal("expected pass failure")
	}
	if gw.verifyCalls != 1 {
		t.Fatalf("expected one integrity check, got %d", gw.verifyCalls)
	}

	select {
	case got := <-manager.Errors():
		if got == nil {
			t.Fatal("expected error published")
		}
	default:
		t.Fatal("expected error on the errors channel")
	}
}

func TestForceConsolidation(t *testing.T) {
	manager, _, gw := setupLifecycleTest(t, config.Default())
	ctx := context.Background()
	owner := uuid.New()

	seedRecord(t, gw, seededMemory(owner, domain.TierActive, 0.6, []float32{1, 0, 0}))
	seedRecord(t, gw, seededMemory(owner, domain.TierActive, 0.5, []float32{0.99, 0.1, 0}))

	stats, err := manager.ForceConsolidation(ctx)
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if stats.MemoriesMerged != 2 {
		t.Fatalf("expected 2 memories merged, got %d", stats.MemoriesMerged)
	}
}

func TestLifecycleStartStop(t *testing.T) {
	manager, _, _ := setupLifecycleTest(t, config.Default())
	manager.Start()
	manager.Stop()
}
