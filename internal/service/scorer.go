package service

import (
	"math"
	"time"

	"github.com/Harshitk-cp/strata/internal/domain"
)

// Scorer computes memory importance. Two formulas coexist: the ingestion
// score weighs the caller-supplied signals of a brand new memory, the
// current score re-weighs a stored memory around its existing importance as
// access patterns and age shift.
type Scorer struct {
	// RecencyDecay is the exponential time constant shared by every
	// recency term in the engine.
	RecencyDecay time.Duration
	// MaxAccessCount saturates the access-frequency term.
	MaxAccessCount int
}

func NewScorer(decay time.Duration, maxAccessCount int) *Scorer {
	return &Scorer{RecencyDecay: decay, MaxAccessCount: maxAccessCount}
}

// ScoreIngestion is the importance of a memory at the moment it enters the
// store.
func (s *Scorer) ScoreIngestion(m *domain.Memory, now time.Time) float64 {
	score := 0.3*s.recency(m.CreatedAt, now) +
		0.3*clamp01(m.Metadata.EmotionalValue) +
		0.2*clamp01(m.Metadata.ContextRelevance) +
		0.2*s.accessFrequency(m.AccessCount)
	return clamp01(score)
}

// ScoreCurrent re-evaluates a stored memory, anchored on its existing
// importance so the score drifts rather than jumps. The recency term keys on
// creation time; access recency feeds in through the evolver instead.
func (s *Scorer) ScoreCurrent(m *domain.Memory, now time.Time) float64 {
	score := 0.4*clamp01(m.Importance) +
		0.3*s.recency(m.CreatedAt, now) +
		0.2*s.accessFrequency(m.AccessCount) +
		0.1*clamp01(m.Metadata.ContextRelevance)
	return clamp01(score)
}

// recency is exp(-age/decay): 1.0 right now, ~0.37 one decay constant ago.
func (s *Scorer) recency(t, now time.Time) float64 {
	age := now.Sub(t)
	if age <= 0 {
		return 1
	}
	return math.Exp(-float64(age) / float64(s.RecencyDecay))
}

func (s *Scorer) accessFrequency(count int) float64 {
	if count <= 0 {
		return 0
	}
	return math.Min(float64(count)/float64(s.MaxAccessCount), 1)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
