package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/strata/internal/cache"
	"github.com/Harshitk-cp/strata/internal/config"
	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPassInProgress is returned when a lifecycle pass is requested while one
// is already running.
var ErrPassInProgress = errors.New("lifecycle pass already in progress")

const (
	passRetries         = 2 // three attempts total
	passInitialBackoff  = time.Second
	transitionListLimit = 500
)

// LifecycleStats is the manager's externally visible state.
type LifecycleStats struct {
	TotalMemories      int                              `json:"total_memories"`
	Tiers              map[domain.Tier]domain.TierStats `json:"tiers"`
	AverageImportance  float64                          `json:"average_importance"`
	ConsolidationCount int64                            `json:"consolidation_count"`
	LastConsolidation  time.Time                        `json:"last_consolidation"`
	LastPass           time.Time                        `json:"last_pass"`
}

// LifecycleManager drives the background life of the store: periodic
// consolidation, evolution, tier transitions and cleanup. Exactly one pass
// runs at a time; the ticker and explicit triggers share the same guard.
type LifecycleManager struct {
	svc    *MemoryService
	cache  *cache.TierCache
	cfg    *config.Holder
	logger *zap.Logger
	now    func() time.Time

	inFlight atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	errCh    chan error

	mu                 sync.Mutex
	lastConsolidation  time.Time
	lastPass           time.Time
	lastBackup         map[domain.Tier]time.Time
	consolidationCount int64
}

func NewLifecycleManager(svc *MemoryService, tierCache *cache.TierCache, cfg *config.Holder, logger *zap.Logger) *LifecycleManager {
	return &LifecycleManager{
		svc:        svc,
		cache:      tierCache,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		stopCh:     make(chan struct{}),
		errCh:      make(chan error, 8),
		lastBackup: make(map[domain.Tier]time.Time),
	}
}

// Errors exposes pass failures that exhausted their retries.
func (l *LifecycleManager) Errors() <-chan error { return l.errCh }

// Start launches the housekeeping worker.
func (l *LifecycleManager) Start() {
	interval := l.cfg.Snapshot().General.CleanupInterval
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		l.logger.Info("lifecycle worker started", zap.Duration("interval", interval))
		for {
			select {
			case <-ticker.C:
				if err := l.RunPass(context.Background()); err != nil &&
					!errors.Is(err, ErrPassInProgress) {
					l.logger.Error("lifecycle pass failed", zap.Error(err))
				}
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop halts the worker and waits for an in-flight pass to finish.
func (l *LifecycleManager) Stop() {
	close(l.stopCh)
	l.wg.Wait()
	l.logger.Info("lifecycle worker stopped")
}

// RunPass executes one full maintenance pass with retry on transient
// failures. After the final retry fails, storage integrity is verified and
// the error is published on Errors.
func (l *LifecycleManager) RunPass(ctx context.Context) error {
	if !l.inFlight.CompareAndSwap(false, true) {
		return ErrPassInProgress
	}
	defer l.inFlight.Store(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = passInitialBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := l.runOnce(ctx)
		if err != nil && !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, passRetries), ctx))
	if err != nil {
		l.logger.Error("lifecycle pass exhausted retries, verifying integrity", zap.Error(err))
		if verr := l.svc.gateway.VerifyIntegrity(ctx); verr != nil {
			l.logger.Error("integrity verification failed", zap.Error(verr))
			err = errors.Join(err, verr)
		}
		select {
		case l.errCh <- err:
		default:
		}
		return err
	}

	l.mu.Lock()
	l.lastPass = l.now()
	l.mu.Unlock()
	return nil
}

func (l *LifecycleManager) runOnce(ctx context.Context) error {
	cfg := l.cfg.Snapshot()
	start := l.now()

	stats, err := l.collectStats(ctx, cfg)
	if err != nil {
		return err
	}

	if l.shouldConsolidate(cfg, stats.TotalMemories) {
		if err := l.consolidate(ctx, cfg); err != nil {
			return err
		}
	}
	if err := l.evolve(ctx, cfg); err != nil {
		return err
	}
	if err := l.transition(ctx, cfg); err != nil {
		return err
	}
	if err := l.cleanup(ctx, cfg); err != nil {
		return err
	}

	l.backup(ctx, cfg)

	l.cache.PurgeStale()
	l.cache.Retune()
	for _, tier := range domain.AllTiers() {
		if err := l.svc.gateway.Compact(ctx, tier); err != nil {
			l.logger.Warn("compact failed", zap.String("tier", string(tier)), zap.Error(err))
		}
	}

	l.logger.Info("lifecycle pass complete", zap.Duration("took", l.now().Sub(start)))
	return nil
}

func (l *LifecycleManager) shouldConsolidate(cfg *config.Engine, total int) bool {
	l.mu.Lock()
	last := l.lastConsolidation
	l.mu.Unlock()
	if total > cfg.Consolidation.MemoryThreshold {
		return true
	}
	return l.now().Sub(last) > cfg.Consolidation.TimeThreshold
}

// ForceConsolidation runs consolidation immediately, outside the pass
// schedule. It shares the single-flight guard with RunPass.
func (l *LifecycleManager) ForceConsolidation(ctx context.Context) (*ConsolidationStats, error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer l.inFlight.Store(false)
	return l.runConsolidation(ctx, l.cfg.Snapshot())
}

func (l *LifecycleManager) consolidate(ctx context.Context, cfg *config.Engine) error {
	_, err := l.runConsolidation(ctx, cfg)
	return err
}

// runConsolidation merges near-duplicates across every tier. The listing
// limit is the global capacity, so one run sees the whole store.
func (l *LifecycleManager) runConsolidation(ctx context.Context, cfg *config.Engine) (*ConsolidationStats, error) {
	var memories []*domain.Memory
	for _, tier := range domain.AllTiers() {
		batch, err := l.listMemories(ctx, cfg, tier, cfg.General.MaxTotalMemories)
		if err != nil {
			return nil, err
		}
		memories = append(memories, batch...)
	}

	consolidator := NewConsolidator(cfg.Consolidation, l.logger)
	result := consolidator.Consolidate(memories)

	// Merged memories go in before their sources come out, so a crash
	// between the two duplicates content instead of losing it.
	ids := make([]uuid.UUID, 0, len(result.Consumed)+len(result.Merged))
	for _, m := range result.Merged {
		ids = append(ids, m.ID)
	}
	ids = append(ids, result.Consumed...)
	unlock := l.svc.locks.LockAll(ids)
	defer unlock()

	for _, m := range result.Merged {
		if err := l.svc.insert(ctx, cfg, m); err != nil {
			return nil, err
		}
		l.cache.Put(m)
	}
	for _, id := range result.Consumed {
		for _, tier := range domain.AllTiers() {
			if _, err := l.svc.gateway.DeleteByID(ctx, tier, id); err != nil {
				return nil, mapStoreErr(err)
			}
		}
		l.cache.Invalidate(id)
	}

	l.mu.Lock()
	l.lastConsolidation = l.now()
	if len(result.Merged) > 0 {
		l.consolidationCount++
	}
	l.mu.Unlock()

	l.logger.Info("consolidation run",
		zap.Int("examined", result.Stats.Examined),
		zap.Int("clusters", result.Stats.ClustersFound),
		zap.Int("merged", result.Stats.MemoriesMerged),
		zap.Int("rejected", result.Stats.MergesRejected))
	return &result.Stats, nil
}

// evolve ages and reinforces every tier and persists what changed.
func (l *LifecycleManager) evolve(ctx context.Context, cfg *config.Engine) error {
	evolver := NewEvolver(cfg.Evolution, cfg.Consolidation, l.logger)
	for _, tier := range domain.AllTiers() {
		memories, err := l.listMemories(ctx, cfg, tier, transitionListLimit)
		if err != nil {
			return err
		}
		result := evolver.Evolve(memories)
		for i, evolved := range result.Evolved {
			if evolved == memories[i] {
				continue // untouched, same pointer
			}
			if err := l.applyMove(ctx, cfg, memories[i], evolved, "evolution"); err != nil {
				return err
			}
		}
		if result.Changed > 0 {
			l.logger.Info("evolution sweep",
				zap.String("tier", string(tier)),
				zap.Int("changed", result.Changed),
				zap.Int("reinforced", result.Reinforced),
				zap.Int("archived", result.Archived))
		}
	}
	return nil
}

// transition promotes and demotes one step per pass, sweeping core first so
// a demoted memory cannot be re-promoted within the same pass.
func (l *LifecycleManager) transition(ctx context.Context, cfg *config.Engine) error {
	now := l.now()
	scorer := NewScorer(cfg.Consolidation.RecencyDecay, cfg.Consolidation.MaxAccessCount)
	moved := make(map[uuid.UUID]bool)

	for _, tier := range domain.AllTiers() {
		pol := cfg.Tiers[tier]
		memories, err := l.listMemories(ctx, cfg, tier, transitionListLimit)
		if err != nil {
			return err
		}
		for _, m := range memories {
			if moved[m.ID] {
				continue
			}
			score := scorer.ScoreCurrent(m, now)
			freq := scorer.accessFrequency(m.AccessCount)

			var target domain.Tier
			var ok bool
			var reason string
			switch {
			case pol.ShouldPromote(score, m.AccessCount, freq):
				target, ok = domain.Promote(tier)
				reason = "promotion"
			case pol.ShouldDemote(score, now.Sub(m.LastAccessedAt)):
				target, ok = domain.Demote(tier)
				reason = "demotion"
			}
			if !ok || target == tier {
				continue
			}
			if score < cfg.Tiers[target].MinImportance && reason == "promotion" {
				continue
			}

			next := m.Clone()
			next.Tier = target
			next.Importance = score
			if err := l.applyMove(ctx, cfg, m, next, reason); err != nil {
				return err
			}
			moved[m.ID] = true
		}
	}
	return nil
}

// cleanup enforces retention and capacity: stale background memories are
// deleted in batches, then each tier and the store as a whole are trimmed
// to capacity, lowest importance first.
func (l *LifecycleManager) cleanup(ctx context.Context, cfg *config.Engine) error {
	now := l.now()
	batch := cfg.General.CleanupBatchSize

	for _, tier := range domain.AllTiers() {
		pol := cfg.Tiers[tier]
		if pol.Retention <= 0 {
			continue
		}
		cutoff := now.Add(-pol.Retention)
		records, err := l.svc.gateway.ListStale(ctx, tier, cutoff, batch)
		if err != nil {
			return mapStoreErr(err)
		}
		for i := range records {
			rec := &records[i]
			// Retention only claims memories that also lost their standing.
			if tier != domain.TierBackground && rec.Importance >= pol.MinImportance {
				continue
			}
			if err := l.deleteOne(ctx, tier, rec.ID); err != nil {
				return err
			}
		}
		if len(records) > 0 {
			l.logger.Info("retention cleanup",
				zap.String("tier", string(tier)), zap.Int("examined", len(records)))
		}
	}

	total := 0
	for _, tier := range domain.AllTiers() {
		pol := cfg.Tiers[tier]
		stats, err := l.svc.gateway.Stats(ctx, tier)
		if err != nil {
			return mapStoreErr(err)
		}
		total += stats.Count
		if stats.Count > pol.Capacity {
			if err := l.trimTier(ctx, tier, stats.Count-pol.Capacity, stats.Count); err != nil {
				return err
			}
			total -= stats.Count - pol.Capacity
		}
	}
	if over := total - cfg.General.MaxTotalMemories; over > 0 {
		if err := l.trimGlobal(ctx, over); err != nil {
			return err
		}
	}
	return nil
}

// trimGlobal deletes the globally lowest-importance records, regardless of
// tier, until the store is back under its total capacity.
func (l *LifecycleManager) trimGlobal(ctx context.Context, over int) error {
	type victim struct {
		tier       domain.Tier
		id         uuid.UUID
		importance float64
	}
	var victims []victim
	for _, tier := range domain.AllTiers() {
		stats, err := l.svc.gateway.Stats(ctx, tier)
		if err != nil {
			return mapStoreErr(err)
		}
		if stats.Count == 0 {
			continue
		}
		records, err := l.svc.gateway.ListByTier(ctx, tier, stats.Count)
		if err != nil {
			return mapStoreErr(err)
		}
		for i := range records {
			victims = append(victims, victim{
				tier:       tier,
				id:         records[i].ID,
				importance: records[i].Importance,
			})
		}
	}
	sort.SliceStable(victims, func(i, j int) bool {
		return victims[i].importance < victims[j].importance
	})
	if over > len(victims) {
		over = len(victims)
	}
	for i := 0; i < over; i++ {
		if err := l.deleteOne(ctx, victims[i].tier, victims[i].id); err != nil {
			return err
		}
	}
	l.logger.Info("global capacity trim", zap.Int("removed", over))
	return nil
}

// trimTier removes the n lowest-importance records from a tier.
func (l *LifecycleManager) trimTier(ctx context.Context, tier domain.Tier, n, count int) error {
	records, err := l.svc.gateway.ListByTier(ctx, tier, count)
	if err != nil {
		return mapStoreErr(err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Importance < records[j].Importance
	})
	if n > len(records) {
		n = len(records)
	}
	for i := 0; i < n; i++ {
		if err := l.deleteOne(ctx, tier, records[i].ID); err != nil {
			return err
		}
	}
	l.logger.Info("capacity trim", zap.String("tier", string(tier)), zap.Int("removed", n))
	return nil
}

// backup snapshots every tier whose backup frequency has elapsed. A tier
// with no frequency of its own falls back to the general interval. Backups
// never fail the pass.
func (l *LifecycleManager) backup(ctx context.Context, cfg *config.Engine) {
	now := l.now()
	for _, tier := range domain.AllTiers() {
		freq := cfg.Tiers[tier].BackupFrequency
		if freq <= 0 {
			freq = cfg.General.BackupInterval
		}
		if freq <= 0 {
			continue
		}
		l.mu.Lock()
		last := l.lastBackup[tier]
		l.mu.Unlock()
		if now.Sub(last) < freq {
			continue
		}
		if err := l.svc.gateway.Backup(ctx, tier); err != nil {
			l.logger.Warn("backup failed", zap.String("tier", string(tier)), zap.Error(err))
			continue
		}
		l.mu.Lock()
		l.lastBackup[tier] = now
		l.mu.Unlock()
		l.logger.Info("tier backed up", zap.String("tier", string(tier)))
	}
}

func (l *LifecycleManager) deleteOne(ctx context.Context, tier domain.Tier, id uuid.UUID) error {
	unlock := l.svc.locks.Lock(id)
	defer unlock()
	if _, err := l.svc.gateway.DeleteByID(ctx, tier, id); err != nil {
		return mapStoreErr(err)
	}
	l.cache.Invalidate(id)
	return nil
}

// applyMove persists a changed memory, moving it between tiers when its
// tier changed and rewriting in place when only its state did.
func (l *LifecycleManager) applyMove(ctx context.Context, cfg *config.Engine, old, next *domain.Memory, reason string) error {
	unlock := l.svc.locks.Lock(next.ID)
	defer unlock()

	if err := l.svc.insert(ctx, cfg, next); err != nil {
		return err
	}
	if old.Tier != next.Tier {
		if _, err := l.svc.gateway.DeleteByID(ctx, old.Tier, old.ID); err != nil {
			return mapStoreErr(err)
		}
		l.cache.Invalidate(old.ID, old.Tier)
		l.logger.Debug("tier move",
			zap.String("id", old.ID.String()),
			zap.String("from", string(old.Tier)),
			zap.String("to", string(next.Tier)),
			zap.String("reason", reason))
	}
	l.cache.Put(next)
	return nil
}

// listMemories lists a tier and decodes every record.
func (l *LifecycleManager) listMemories(ctx context.Context, cfg *config.Engine, tier domain.Tier, limit int) ([]*domain.Memory, error) {
	records, err := l.svc.gateway.ListByTier(ctx, tier, limit)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	memories := make([]*domain.Memory, 0, len(records))
	for i := range records {
		memories = append(memories, l.svc.decode(&records[i]))
	}
	return memories, nil
}

// Stats reports the manager's view of the store.
func (l *LifecycleManager) Stats(ctx context.Context) (*LifecycleStats, error) {
	cfg := l.cfg.Snapshot()
	stats, err := l.collectStats(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	stats.ConsolidationCount = l.consolidationCount
	stats.LastConsolidation = l.lastConsolidation
	stats.LastPass = l.lastPass
	l.mu.Unlock()
	return stats, nil
}

func (l *LifecycleManager) collectStats(ctx context.Context, cfg *config.Engine) (*LifecycleStats, error) {
	out := &LifecycleStats{Tiers: make(map[domain.Tier]domain.TierStats)}
	var weighted float64
	for _, tier := range domain.AllTiers() {
		gctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Gateway)
		ts, err := l.svc.gateway.Stats(gctx, tier)
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
