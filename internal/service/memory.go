package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Harshitk-cp/strata/internal/cache"
	"github.com/Harshitk-cp/strata/internal/codec"
	"github.com/Harshitk-cp/strata/internal/config"
	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/Harshitk-cp/strata/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRetrieveLimit is the k used when a retrieve request does not set one.
const DefaultRetrieveLimit = 10

// MemoryService is the single entry point for callers: validation, scoring,
// tier assignment, encoding and cache coherence all live behind it. Callers
// never touch the gateway or cache directly.
type MemoryService struct {
	gateway  domain.VectorGateway
	cache    *cache.TierCache
	codec    *codec.Codec
	embedder domain.EmbeddingClient
	cfg      *config.Holder
	locks    *keyedLocks
	logger   *zap.Logger
	now      func() time.Time
}

func NewMemoryService(
	gateway domain.VectorGateway,
	tierCache *cache.TierCache,
	cdc *codec.Codec,
	embedder domain.EmbeddingClient,
	cfg *config.Holder,
	logger *zap.Logger,
) *MemoryService {
	return &MemoryService{
		gateway:  gateway,
		cache:    tierCache,
		codec:    cdc,
		embedder: embedder,
		cfg:      cfg,
		locks:    newKeyedLocks(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type StoreRequest struct {
	OwnerID  uuid.UUID       `json:"owner_id"`
	Content  string          `json:"content"`
	Metadata domain.Metadata `json:"metadata"`
	// Embedding is optional; when empty the configured embedder supplies it.
	Embedding []float32 `json:"embedding,omitempty"`
}

// Store ingests a new memory: scores it, buckets it into a tier by
// importance and writes it through to the gateway and cache.
func (s *MemoryService) Store(ctx context.Context, req StoreRequest) (*domain.Memory, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidInput)
	}
	if len(req.Content) > domain.MaxContentSize {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidInput, domain.MaxContentSize)
	}
	if req.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}

	embedding := req.Embedding
	if len(embedding) == 0 {
		var err error
		embedding, err = s.embed(ctx, req.Content)
		if err != nil {
			return nil, err
		}
	} else if d := s.embedder.Dimension(); d > 0 && len(embedding) != d {
		return nil, fmt.Errorf("%w: embedding dimension %d, expected %d",
			ErrInvalidInput, len(embedding), d)
	}

	cfg := s.cfg.Snapshot()
	now := s.now()
	m := &domain.Memory{
		ID:             uuid.New(),
		OwnerID:        req.OwnerID,
		Content:        req.Content,
		Embedding:      embedding,
		CreatedAt:      now,
		LastAccessedAt: now,
		Metadata:       req.Metadata,
	}

	scorer := NewScorer(cfg.Consolidation.RecencyDecay, cfg.Consolidation.MaxAccessCount)
	m.Importance = scorer.ScoreIngestion(m, now)
	m.Tier = domain.CandidateTier(m.Importance)

	unlock := s.locks.Lock(m.ID)
	defer unlock()

	if err := s.insert(ctx, cfg, m); err != nil {
		return nil, err
	}
	s.cache.Put(m)

	s.logger.Info("stored memory",
		zap.String("id", m.ID.String()),
		zap.String("tier", string(m.Tier)),
		zap.Float64("importance", m.Importance))
	return m, nil
}

// Get looks a memory up by id, checking the cache tier by tier and falling
// through to the gateway.
func (s *MemoryService) Get(ctx context.Context, id uuid.UUID) (*domain.Memory, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	for _, tier := range domain.AllTiers() {
		if m, ok := s.cache.Get(id, tier); ok {
			return m.Clone(), nil
		}
	}

	cfg := s.cfg.Snapshot()
	m, err := s.find(ctx, cfg, id)
	if err != nil {
		return nil, err
	}
	s.cache.Put(m)
	return m.Clone(), nil
}

type RetrieveRequest struct {
	OwnerID uuid.UUID
	Query   string
	K       int
}

// Retrieve runs semantic search, cascading core to active to background
// until k results are collected. Every returned memory counts as accessed.
func (s *MemoryService) Retrieve(ctx context.Context, req RetrieveRequest) ([]domain.MemoryWithScore, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidInput)
	}
	if req.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	k := req.K
	if k <= 0 {
		k = DefaultRetrieveLimit
	}

	query, err := s.embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	cfg := s.cfg.Snapshot()
	results := make([]domain.MemoryWithScore, 0, k)
	for _, tier := range domain.AllTiers() {
		remaining := k - len(results)
		if remaining <= 0 {
			break
		}
		gctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Gateway)
		records, err := s.gateway.SearchByVector(gctx, tier, query, remaining, req.OwnerID)
		cancel()
		if err != nil {
			// A missing tier collection is a deploy problem, not a search
			// miss; surface it. Everything else on a lower tier should not
			// blank out hits already collected from a higher one.
			if errors.Is(err, store.ErrCollectionMissing) || len(results) == 0 {
				return nil, mapStoreErr(err)
			}
			s.logger.Warn("search degraded, returning partial results",
				zap.String("tier", string(tier)), zap.Error(err))
			break
		}
		for i := range records {
			m := s.decode(&records[i])
			results = append(results, domain.MemoryWithScore{Memory: *m, Score: records[i].Score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	now := s.now()
	for i := range results {
		s.recordAccess(ctx, cfg, &results[i].Memory, now)
	}
	return results, nil
}

type UpdateRequest struct {
	Content  *string          `json:"content,omitempty"`
	Metadata *domain.Metadata `json:"metadata,omitempty"`
}

// Update rewrites a memory's content and/or metadata in place. A content
// change re-embeds; tier and importance are left to the lifecycle passes.
func (s *MemoryService) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*domain.Memory, error) {
	if req.Content == nil && req.Metadata == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	if req.Content != nil {
		if strings.TrimSpace(*req.Content) == "" {
			return nil, fmt.Errorf("%w: content is empty", ErrInvalidInput)
		}
		if len(*req.Content) > domain.MaxContentSize {
			return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidInput, domain.MaxContentSize)
		}
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	cfg := s.cfg.Snapshot()
	m, err := s.find(ctx, cfg, id)
	if err != nil {
		return nil, err
	}

	if req.Content != nil && *req.Content != m.Content {
		embedding, err := s.embed(ctx, *req.Content)
		if err != nil {
			return nil, err
		}
		m.Content = *req.Content
		m.Embedding = embedding
	}
	if req.Metadata != nil {
		m.Metadata = req.Metadata.Clone()
	}

	if err := s.insert(ctx, cfg, m); err != nil {
		return nil, err
	}
	s.cache.Put(m)
	return m.Clone(), nil
}

// Delete removes a memory from whichever tier holds it. Deleting an absent
// id is not an error; the bool reports whether anything was removed.
func (s *MemoryService) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	cfg := s.cfg.Snapshot()
	removed := false
	for _, tier := range domain.AllTiers() {
		gctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Gateway)
		ok, err := s.gateway.DeleteByID(gctx, tier, id)
		cancel()
		if err != nil {
			return removed, mapStoreErr(err)
		}
		removed = removed || ok
	}
	s.cache.Invalidate(id)
	return removed, nil
}

// RecordAccess bumps access metrics without returning the content.
func (s *MemoryService) RecordAccess(ctx context.Context, id uuid.UUID) error {
	cfg := s.cfg.Snapshot()
	m, err := s.find(ctx, cfg, id)
	if err != nil {
		return err
	}
	s.recordAccess(ctx, cfg, m, s.now())
	return nil
}

// TransitionTier moves a memory to the target tier after checking the
// target's minimum importance. The move is delete-then-insert; the cache
// entry follows the memory.
func (s *MemoryService) TransitionTier(ctx context.Context, id uuid.UUID, target domain.Tier) (*domain.Memory, error) {
	if !domain.ValidTier(string(target)) {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, target)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	cfg := s.cfg.Snapshot()
	m, err := s.find(ctx, cfg, id)
	if err != nil {
		return nil, err
	}
	if m.Tier == target {
		return m.Clone(), nil
	}
	if m.Importance < cfg.Tiers[target].MinImportance {
		return nil, fmt.Errorf("%w: importance %.2f below %s minimum %.2f",
			ErrInvalidTransition, m.Importance, target, cfg.Tiers[target].MinImportance)
	}

	from := m.Tier
	m.Tier = target
	if err := s.insert(ctx, cfg, m); err != nil {
		return nil, err
	}
	gctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Gateway)
	_, err = s.gateway.DeleteByID(gctx, from, id)
	cancel()
	if err != nil {
		s.logger.Error("tier transition left stale source row",
			zap.String("id", id.String()),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.Error(err))
		return nil, mapStoreErr(err)
	}

	s.cache.Invalidate(id, from)
	s.cache.Put(m)
	s.logger.Info("tier transition",
		zap.String("id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(target)))
	return m.Clone(), nil
}

// EngineStats is the service-level stats document.
type EngineStats struct {
	TotalMemories     int                              `json:"total_memories"`
	AverageImportance float64                          `json:"average_importance"`
	Tiers             map[domain.Tier]domain.TierStats `json:"tiers"`
	Cache             map[domain.Tier]cache.Stats      `json:"cache"`
	Compression       codec.Stats                      `json:"compression"`
}

// Stats aggregates gateway, cache and codec counters.
func (s *MemoryService) Stats(ctx context.Context) (*EngineStats, error) {
	cfg := s.cfg.Snapshot()
	out := &EngineStats{
		Tiers:       make(map[domain.Tier]domain.TierStats, len(domain.AllTiers())),
		Cache:       s.cache.Stats(),
		Compression: s.codec.Stats(),
	}
	var weighted float64
	for _, tier := range domain.AllTiers() {
		gctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Gateway)
		ts, err := s.gateway.Stats(gctx, tier)
		cancel()
		if err != nil {
			return nil, mapStoreErr(err)
		}
		out.Tiers[tier] = ts
		out.TotalMemories += ts.Count
		weighted += ts.AverageImportance * float64(ts.Count)
	}
	if out.TotalMemories > 0 {
		out.AverageImportance = weighted / float64(out.TotalMemories)
	}
	return out, nil
}

func (s *MemoryService) embed(ctx context.Context, text string) ([]float32, error) {
	cfg := s.cfg.Snapshot()
	ectx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Embedder)
	defer cancel()
	embedding, err := s.embedder.Embed(ectx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", ErrTransient, err)
	}
	return embedding, nil
}

// find cascades GetByID across tiers in order.
func (s *MemoryService) find(ctx context.Context, cfg *config.Engine, id uuid.UUID) (*domain.Memory, error) {
	for _, tier := range domain.AllTiers() {
		gctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Gateway)
		rec, err := s.gateway.GetByID(gctx, tier, id)
		cancel()
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, mapStoreErr(err)
		}
		return s.decode(rec), nil
	}
	return nil, ErrNotFound
}

// insert encodes the memory for its tier and writes it to the gateway.
func (s *MemoryService) insert(ctx context.Context, cfg *config.Engine, m *domain.Memory) error {
	rec := &domain.Record{
		Memory:  *m.Clone(),
		Payload: s.codec.Encode([]byte(m.Content), cfg.Tiers[m.Tier].CompressionRatio),
	}
	rec.Content = "" // content travels only inside the payload

	gctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Gateway)
	defer cancel()
	if err := s.gateway.Insert(gctx, m.Tier, rec); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// decode rebuilds a full memory from a gateway record. A payload that fails
// to decompress degrades to the stored bytes rather than failing the read.
func (s *MemoryService) decode(rec *domain.Record) *domain.Memory {
	content, err := s.codec.Decode(rec.Payload)
	if err != nil {
		s.logger.Warn("payload decode failed, returning stored bytes",
			zap.String("id", rec.ID.String()), zap.Error(err))
		content = rec.Payload.Data
	}
	m := rec.Memory.Clone()
	m.Content = string(content)
	return m
}

// recordAccess updates access metrics in the gateway and keeps the cached
// copy in step. Access bookkeeping is best effort; a failure is logged but
// never fails the read that triggered it.
func (s *MemoryService) recordAccess(ctx context.Context, cfg *config.Engine, m *domain.Memory, now time.Time) {
	m.Touch(now)
	gctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Gateway)
	err := s.gateway.UpdateAccess(gctx, m.Tier, m.ID, now)
	cancel()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("access update failed",
			zap.String("id", m.ID.String()), zap.Error(err))
		return
	}
	s.cache.Put(m.Clone())
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrTransientIO):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	default:
		return fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
}
