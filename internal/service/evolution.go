package service

import (
	"math"
	"time"

	"github.com/Harshitk-cp/strata/internal/config"
	"github.com/Harshitk-cp/strata/internal/domain"
	"go.uber.org/zap"
)

// EvolutionResult reports one evolution sweep. Evolved holds the memories in
// input order; entries that did not change are the same pointers that came
// in, changed entries are clones with the new state applied.
type EvolutionResult struct {
	Evolved    []*domain.Memory
	Changed    int
	Reinforced int
	Archived   int
}

// Evolver ages and reinforces memories over time. Aging pulls importance
// down as a memory sits unused, reinforcement pushes back for memories that
// stay emotionally loaded, contextually relevant or recently touched, and an
// archival pressure score forces long-dead memories into the background
// tier regardless.
type Evolver struct {
	cfg            config.EvolutionConfig
	changeRate     float64
	recencyDecay   time.Duration
	maxAccessCount int
	logger         *zap.Logger
	now            func() time.Time
}

func NewEvolver(cfg config.EvolutionConfig, consolidation config.ConsolidationConfig, logger *zap.Logger) *Evolver {
	return &Evolver{
		cfg:            cfg,
		changeRate:     consolidation.ImportanceChangeRate,
		recencyDecay:   consolidation.RecencyDecay,
		maxAccessCount: consolidation.MaxAccessCount,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Evolve runs one sweep over the given memories.
func (e *Evolver) Evolve(memories []*domain.Memory) *EvolutionResult {
	now := e.now()
	result := &EvolutionResult{Evolved: make([]*domain.Memory, 0, len(memories))}

	for _, m := range memories {
		evolved, reinforcement, changed, archived := e.evolveOne(m, now)
		result.Evolved = append(result.Evolved, evolved)
		if reinforcement > e.cfg.ReinforcementThreshold {
			result.Reinforced++
		}
		if changed {
			result.Changed++
		}
		if archived {
			result.Archived++
		}
	}
	return result
}

func (e *Evolver) evolveOne(m *domain.Memory, now time.Time) (*domain.Memory, float64, bool, bool) {
	age := now.Sub(m.CreatedAt)
	if age < 0 {
		age = 0
	}
	accessModifier := math.Min(float64(m.AccessCount)/float64(e.maxAccessCount), 1)

	// Aging retention: decays exponentially with age, slowed for important
	// and frequently accessed memories.
	aging := math.Exp(-float64(age)/float64(e.cfg.AgingRate)) *
		(1 + 0.5*clamp01(m.Importance) + accessModifier)

	scorer := &Scorer{RecencyDecay: e.recencyDecay, MaxAccessCount: e.maxAccessCount}
	reinforcement := 0.4*scorer.recency(m.LastAccessedAt, now) +
		0.3*clamp01(m.Metadata.EmotionalValue) +
		0.3*clamp01(m.Metadata.ContextRelevance)

	delta := (reinforcement - (1 - aging)) * e.changeRate
	importance := clamp01(m.Importance + delta)

	pressure := 0.4*math.Min(float64(age)/float64(e.cfg.MaxAge), 1) +
		0.3*(1-importance) +
		0.3*(1-accessModifier)
	archive := pressure > e.cfg.ArchivalThreshold && m.Tier != domain.TierBackground

	if importance == m.Importance && !archive {
		return m, reinforcement, false, false
	}

	evolved := m.Clone()
	evolved.Importance = importance
	if archive {
		evolved.Tier = domain.TierBackground
		e.logger.Debug("archiving memory under pressure",
			zap.String("id", m.ID.String()),
			zap.Float64("pressure", pressure))
	}
	evolved.Metadata.Evolution.Append(domain.EvolutionEvent{
		Timestamp:     now,
		AgingFactor:   aging,
		Reinforcement: reinforcement,
		Delta:         importance - m.Importance,
	})
	return evolved, reinforcement, true, archive
}
