package domain

import (
	"testing"
	"time"
)

func TestCandidateTier(t *testing.T) {
	cases := []struct {
		importance float64
		want       Tier
	}{
		{0.95, TierCore},
		{0.8, TierCore},
		{0.79, TierActive},
		{0.4, TierActive},
		{0.39, TierBackground},
		{0, TierBackground},
	}
	for _, c := range cases {
		if got := CandidateTier(c.importance); got != c.want {
			t.Fatalf("CandidateTier(%v) = %s, want %s", c.importance, got, c.want)
		}
	}
}

func TestPromoteOneStep(t *testing.T) {
	next, ok := Promote(TierBackground)
	if !ok || next != TierActive {
		t.Fatalf("expected background to promote to active, got %s", next)
	}
	next, ok = Promote(TierActive)
	if !ok || next != TierCore {
		t.Fatalf("expected active to promote to core, got %s", next)
	}
	if _, ok := Promote(TierCore); ok {
		t.Fatal("core must not promote further")
	}
}

func TestDemoteOneStep(t *testing.T) {
	next, ok := Demote(TierCore)
	if !ok || next != TierActive {
		t.Fatalf("expected core to demote to active, got %s", next)
	}
	next, ok = Demote(TierActive)
	if !ok || next != TierBackground {
		t.Fatalf("expected active to demote to background, got %s", next)
	}
	if _, ok := Demote(TierBackground); ok {
		t.Fatal("background must not demote further")
	}
}

func TestShouldPromote_AllGatesRequired(t *testing.T) {
	pol := DefaultTierPolicies()[TierActive]

	if !pol.ShouldPromote(0.85, 10, 0.1) {
		t.Fatal("expected promotion when all gates hold")
	}
	if pol.ShouldPromote(0.7, 10, 0.1) {
		t.Fatal("importance below threshold must block promotion")
	}
	if pol.ShouldPromote(0.85, 1, 0.1) {
		t.Fatal("low access count must block promotion")
	}
	if pol.ShouldPromote(0.85, 10, 0.001) {
		t.Fatal("low access frequency must block promotion")
	}
}

func TestShouldDemote(t *testing.T) {
	pol := DefaultTierPolicies()[TierActive]

	if !pol.ShouldDemote(0.8, 40*24*time.Hour) {
		t.Fatal("inactivity past the limit must demote")
	}
	if !pol.ShouldDemote(0.2, time.Hour) {
		t.Fatal("decayed importance under the threshold must demote")
	}
	if pol.ShouldDemote(0.8, time.Hour) {
		t.Fatal("healthy memory must not demote")
	}
}

func TestMemoryTouch(t *testing.T) {
	now := time.Now().UTC()
	m := &Memory{LastAccessedAt: now, AccessCount: 3}

	m.Touch(now.Add(-time.Hour))
	if !m.LastAccessedAt.Equal(now) {
		t.Fatal("LastAccessedAt must never move backwards")
	}
	if m.AccessCount != 4 {
		t.Fatalf("expected access count 4, got %d", m.AccessCount)
	}

	later := now.Add(time.Minute)
	m.Touch(later)
	if !m.LastAccessedAt.Equal(later) {
		t.Fatal("expected LastAccessedAt to advance")
	}
}

func TestMemoryCloneIsDeep(t *testing.T) {
	m := &Memory{
		Embedding: []float32{1, 2, 3},
		Metadata:  Metadata{Tags: []string{"a"}},
	}
	c := m.Clone()
	c.Embedding[0] = 9
	c.Metadata.Tags[0] = "b"

	if m.Embedding[0] != 1 {
		t.Fatal("clone shares embedding storage")
	}
	if m.Metadata.Tags[0] != "a" {
		t.Fatal("clone shares metadata tags")
	}
}
