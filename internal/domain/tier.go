package domain

import "time"

type Tier string

const (
	TierCore       Tier = "core"
	TierActive     Tier = "active"
	TierBackground Tier = "background"
)

func ValidTier(t string) bool {
	switch Tier(t) {
	case TierCore, TierActive, TierBackground:
		return true
	}
	return false
}

// AllTiers returns the tiers in core→active→background sweep order.
func AllTiers() []Tier {
	return []Tier{TierCore, TierActive, TierBackground}
}

// CandidateTier buckets an importance score into a tier. Used at ingestion
// and as a tie-break after consolidation.
func CandidateTier(importance float64) Tier {
	switch {
	case importance >= 0.8:
		return TierCore
	case importance >= 0.4:
		return TierActive
	default:
		return TierBackground
	}
}

// Promote returns the next tier up, one step at a time. Background never
// jumps straight to core within a single evaluation.
func Promote(t Tier) (Tier, bool) {
	switch t {
	case TierBackground:
		return TierActive, true
	case TierActive:
		return TierCore, true
	}
	return t, false
}

// Demote returns the next tier down.
func Demote(t Tier) (Tier, bool) {
	switch t {
	case TierCore:
		return TierActive, true
	case TierActive:
		return TierBackground, true
	}
	return t, false
}

// TierPolicy carries the thresholds, capacity and retention for one tier.
type TierPolicy struct {
	MinImportance      float64
	Capacity           int
	Retention          time.Duration // 0 means unbounded
	PromotionThreshold float64
	DemotionThreshold  float64
	MinAccessCount     int
	MinFrequency       float64
	MaxInactivity      time.Duration
	DecayRate          float64
	CompressionRatio   float64
	CacheCapacity      int
	CacheTTL           time.Duration // 0 means entries never expire
	SearchProbes       int
	BackupFrequency    time.Duration // 0 falls back to the general backup interval
}

// DefaultTierPolicies returns the built-in tier table.
func DefaultTierPolicies() map[Tier]TierPolicy {
	return map[Tier]TierPolicy{
		TierCore: {
			MinImportance:      0.8,
			Capacity:           1000,
			Retention:          0,
			PromotionThreshold: 0.9,
			DemotionThreshold:  0.7,
			MinAccessCount:     10,
			MinFrequency:       0.1,
			MaxInactivity:      90 * 24 * time.Hour,
			DecayRate:          0.05,
			CompressionRatio:   0.8,
			CacheCapacity:      1000,
			CacheTTL:           0,
			SearchProbes:       16,
			BackupFrequency:    24 * time.Hour,
		},
		TierActive: {
			MinImportance:      0.4,
			Capacity:           5000,
			Retention:          30 * 24 * time.Hour,
			PromotionThreshold: 0.8,
			DemotionThreshold:  0.3,
			MinAccessCount:     5,
			MinFrequency:       0.05,
			MaxInactivity:      30 * 24 * time.Hour,
			DecayRate:          0.1,
			CompressionRatio:   0.6,
			CacheCapacity:      500,
			CacheTTL:           24 * time.Hour,
			SearchProbes:       8,
			BackupFrequency:    3 * 24 * time.Hour,
		},
		TierBackground: {
			MinImportance:      0.0,
			Capacity:           10000,
			Retention:          90 * 24 * time.Hour,
			PromotionThreshold: 0.4,
			DemotionThreshold:  0.0,
			MinAccessCount:     3,
			MinFrequency:       0.01,
			MaxInactivity:      14 * 24 * time.Hour,
			DecayRate:          0.2,
			CompressionRatio:   0.4,
			CacheCapacity:      100,
			CacheTTL:           6 * time.Hour,
			SearchProbes:       4,
			BackupFrequency:    7 * 24 * time.Hour,
		},
	}
}

// ShouldPromote reports whether a memory qualifies to move one tier up.
// All three gates must hold: current importance, absolute access count,
// and saturated access frequency.
func (p TierPolicy) ShouldPromote(importance float64, accessCount int, accessFrequency float64) bool {
	return importance >= p.PromotionThreshold &&
		accessCount >= p.MinAccessCount &&
		accessFrequency >= p.MinFrequency
}

// ShouldDemote reports whether a memory qualifies to move one tier down:
// either it has been inactive past the tier's limit, or its decayed
// importance fell under the demotion threshold.
func (p TierPolicy) ShouldDemote(importance float64, inactivity time.Duration) bool {
	if p.MaxInactivity > 0 && inactivity > p.MaxInactivity {
		return true
	}
	return importance*(1-p.DecayRate) < p.DemotionThreshold
}

// TierTransition records a memory moving between tiers.
type TierTransition struct {
	MemoryID   string    `json:"memory_id"`
	FromTier   Tier      `json:"from_tier"`
	ToTier     Tier      `json:"to_tier"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
