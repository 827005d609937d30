package config

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/strata/internal/domain"
)

// Engine is the single validated configuration document for the memory
// engine. It is immutable once published; services snapshot it at the top of
// each operation through a Holder.
type Engine struct {
	Tiers         map[domain.Tier]domain.TierPolicy
	Consolidation ConsolidationConfig
	Compression   CompressionConfig
	Evolution     EvolutionConfig
	General       GeneralConfig
	Timeouts      TimeoutConfig
}

type ConsolidationConfig struct {
	// Threshold is the minimum cosine similarity for a memory to join a
	// cluster, and the floor under which a merge result is rejected.
	Threshold            float64
	MaxClusterSize       int
	MinSimilarity        float64
	RecencyDecay         time.Duration
	ImportanceChangeRate float64
	MaxAccessCount       int
	ScheduleInterval     time.Duration
	MemoryThreshold      int
	TimeThreshold        time.Duration
}

type CompressionConfig struct {
	Enabled bool
	Method  string // lossless or lossy
	Quality int
	MinSize int
}

type EvolutionConfig struct {
	AgingRate              time.Duration
	ReinforcementThreshold float64
	ArchivalThreshold      float64
	MaxAge                 time.Duration
}

type GeneralConfig struct {
	MaxTotalMemories int
	BackupInterval   time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
	DefaultTier      domain.Tier
}

type TimeoutConfig struct {
	Gateway  time.Duration
	Embedder time.Duration
}

// Default returns the built-in engine configuration.
func Default() Engine {
	return Engine{
		Tiers: domain.DefaultTierPolicies(),
		Consolidation: ConsolidationConfig{
			Threshold:            0.7,
			MaxClusterSize:       10,
			MinSimilarity:        0.7,
			RecencyDecay:         30 * 24 * time.Hour,
			ImportanceChangeRate: 0.1,
			MaxAccessCount:       100,
			ScheduleInterval:     time.Hour,
			MemoryThreshold:      1000,
			TimeThreshold:        6 * time.Hour,
		},
		Compression: CompressionConfig{
			Enabled: true,
			Method:  "lossless",
			Quality: 6,
			MinSize: 1024,
		},
		Evolution: EvolutionConfig{
			AgingRate:              30 * 24 * time.Hour,
			ReinforcementThreshold: 0.6,
			ArchivalThreshold:      0.8,
			MaxAge:                 180 * 24 * time.Hour,
		},
		General: GeneralConfig{
			MaxTotalMemories: 16000,
			BackupInterval:   24 * time.Hour,
			CleanupInterval:  time.Hour,
			CleanupBatchSize: 100,
			DefaultTier:      domain.TierActive,
		},
		Timeouts: TimeoutConfig{
			Gateway:  5 * time.Second,
			Embedder: 10 * time.Second,
		},
	}
}

var errInvalidEngineConfig = errors.New("invalid engine config")

// Validate checks the whole document; invalid updates are rejected
// atomically, nothing is partially applied.
func (e Engine) Validate() error {
	if len(e.Tiers) == 0 {
		return fmt.Errorf("%w: no tier policies", errInvalidEngineConfig)
	}
	for _, t := range domain.AllTiers() {
		pol, ok := e.Tiers[t]
		if !ok {
			return fmt.Errorf("%w: missing policy for tier %s", errInvalidEngineConfig, t)
		}
		if pol.Capacity <= 0 || pol.CacheCapacity <= 0 {
			return fmt.Errorf("%w: tier %s capacity must be positive", errInvalidEngineConfig, t)
		}
		if pol.CompressionRatio < 0 || pol.CompressionRatio > 1 {
			return fmt.Errorf("%w: tier %s compression ratio out of [0,1]", errInvalidEngineConfig, t)
		}
		if pol.BackupFrequency < 0 {
			return fmt.Errorf("%w: tier %s backup frequency must not be negative", errInvalidEngineConfig, t)
		}
		if pol.MinImportance < 0 || pol.MinImportance > 1 ||
			pol.PromotionThreshold < 0 || pol.PromotionThreshold > 1 ||
			pol.DemotionThreshold < 0 || pol.DemotionThreshold > 1 {
			return fmt.Errorf("%w: tier %s thresholds out of [0,1]", errInvalidEngineConfig, t)
		}
	}
	if e.Consolidation.Threshold < 0 || e.Consolidation.Threshold > 1 {
		return fmt.Errorf("%w: consolidation threshold out of [0,1]", errInvalidEngineConfig)
	}
	if e.Consolidation.RecencyDecay <= 0 || e.Consolidation.ScheduleInterval <= 0 || e.Consolidation.TimeThreshold <= 0 {
		return fmt.Errorf("%w: consolidation intervals must be positive", errInvalidEngineConfig)
	}
	if e.Consolidation.MaxAccessCount <= 0 {
		return fmt.Errorf("%w: max access count must be positive", errInvalidEngineConfig)
	}
	if e.Compression.Method != "lossless" && e.Compression.Method != "lossy" {
		return fmt.Errorf("%w: compression method must be lossless or lossy", errInvalidEngineConfig)
	}
	if e.Compression.MinSize < 0 {
		return fmt.Errorf("%w: compression min size must not be negative", errInvalidEngineConfig)
	}
	if e.Evolution.AgingRate <= 0 || e.Evolution.MaxAge <= 0 {
		return fmt.Errorf("%w: evolution intervals must be positive", errInvalidEngineConfig)
	}
	if e.Evolution.ReinforcementThreshold < 0 || e.Evolution.ReinforcementThreshold > 1 ||
		e.Evolution.ArchivalThreshold < 0 || e.Evolution.ArchivalThreshold > 1 {
		return fmt.Errorf("%w: evolution thresholds out of [0,1]", errInvalidEngineConfig)
	}
	if e.General.MaxTotalMemories <= 0 || e.General.CleanupBatchSize <= 0 {
		return fmt.Errorf("%w: general capacities must be positive", errInvalidEngineConfig)
	}
	if e.General.CleanupInterval <= 0 {
		return fmt.Errorf("%w: cleanup interval must be positive", errInvalidEngineConfig)
	}
	if !domain.ValidTier(string(e.General.DefaultTier)) {
		return fmt.Errorf("%w: unknown default tier %q", errInvalidEngineConfig, e.General.DefaultTier)
	}
	if e.Timeouts.Gateway <= 0 || e.Timeouts.Embedder <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", errInvalidEngineConfig)
	}
	return nil
}

// Holder publishes the engine config through an atomic swap. Readers take a
// snapshot with Snapshot; writers replace the whole document with Update.
type Holder struct {
	v atomic.Pointer[Engine]
}

func NewHolder(e Engine) (*Holder, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	h := &Holder{}
	h.v.Store(&e)
	return h, nil
}

func (h *Holder) Snapshot() *Engine {
	return h.v.Load()
}

func (h *Holder) Update(e Engine) error {
	if err := e.Validate(); err != nil {
		return err
	}
	h.v.Store(&e)
	return nil
}
