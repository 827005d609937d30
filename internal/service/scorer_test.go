package service

import (
	"math"
	"testing"
	"time"

	"github.com/Harshitk-cp/strata/internal/domain"
)

func testScorer() *Scorer {
	return NewScorer(30*24*time.Hour, 100)
}

func TestScoreIngestionWeights(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()

	m := &domain.Memory{
		CreatedAt: now,
		Metadata:  domain.Metadata{EmotionalValue: 1, ContextRelevance: 1},
	}
	// recency 1, emotional 1, relevance 1, frequency 0
	got := s.ScoreIngestion(m, now)
	if math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("expected 0.8, got %v", got)
	}

	m.AccessCount = 100
	got = s.ScoreIngestion(m, now)
	if math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("expected saturation at 1.0, got %v", got)
	}
}

func TestScoreIngestionDecaysWithAge(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()

	fresh := &domain.Memory{CreatedAt: now}
	old := &domain.Memory{CreatedAt: now.Add(-60 * 24 * time.Hour)}

	if s.ScoreIngestion(old, now) >= s.ScoreIngestion(fresh, now) {
		t.Fatal("older creation must score lower")
	}
}

func TestScoreCurrentAnchorsOnExistingImportance(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()

	m := &domain.Memory{
		Importance:     1,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    100,
		Metadata:       domain.Metadata{ContextRelevance: 1},
	}
	// base 1, recency 1, frequency 1, relevance 1
	got := s.ScoreCurrent(m, now)
	if math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("expected 1.0, got %v", got)
	}

	m.Importance = 0
	m.AccessCount = 0
	m.Metadata.ContextRelevance = 0
	got = s.ScoreCurrent(m, now)
	if math.Abs(got-0.3) > 1e-9 {
		t.Fatalf("expected recency-only 0.3, got %v", got)
	}
}

func TestScoreCurrentKeysOnCreationTime(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()

	// An old memory that was just touched: the access refresh must not
	// resurrect the recency term, only the creation age counts.
	m := &domain.Memory{
		Importance:     0.5,
		CreatedAt:      now.Add(-300 * 24 * time.Hour),
		LastAccessedAt: now,
	}
	want := 0.4*0.5 + 0.3*math.Exp(-10)
	if got := s.ScoreCurrent(m, now); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRecencyHalfLifeBehaviour(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()

	if got := s.recency(now, now); got != 1 {
		t.Fatalf("expected recency 1 at zero age, got %v", got)
	}
	if got := s.recency(now.Add(time.Hour), now); got != 1 {
		t.Fatalf("future timestamps clamp to 1, got %v", got)
	}

	oneConstant := s.recency(now.Add(-30*24*time.Hour), now)
	if math.Abs(oneConstant-math.Exp(-1)) > 1e-9 {
		t.Fatalf("expected e^-1 after one decay constant, got %v", oneConstant)
	}
}

func TestAccessFrequencySaturates(t *testing.T) {
	s := testScorer()
	if got := s.accessFrequency(0); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := s.accessFrequency(50); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if got := s.accessFrequency(500); got != 1 {
		t.Fatalf("expected saturation at 1, got %v", got)
	}
}

func TestClamp01(t *testing.T) {
	if clamp01(-0.5) != 0 || clamp01(1.5) != 1 || clamp01(0.25) != 0.25 {
		t.Fatal("clamp01 out of contract")
	}
}
