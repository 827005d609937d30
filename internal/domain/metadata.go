package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EvolutionHistorySize bounds the per-memory evolution history ring.
const EvolutionHistorySize = 16

// EvolutionEvent is one aging/reinforcement step applied by the evolver.
type EvolutionEvent struct {
	Timestamp     time.Time `json:"ts"`
	AgingFactor   float64   `json:"aging"`
	Reinforcement float64   `json:"reinforcement"`
	Delta         float64   `json:"delta"`
}

// EvolutionHistory is a fixed-size ring buffer of evolution events; the
// oldest event is overwritten once the buffer is full.
type EvolutionHistory struct {
	events [EvolutionHistorySize]EvolutionEvent
	start  int
	count  int
}

func (h *EvolutionHistory) Append(e EvolutionEvent) {
	if h.count < EvolutionHistorySize {
		h.events[(h.start+h.count)%EvolutionHistorySize] = e
		h.count++
		return
	}
	h.events[h.start] = e
	h.start = (h.start + 1) % EvolutionHistorySize
}

func (h *EvolutionHistory) Len() int { return h.count }

// Events returns the history oldest-first.
func (h *EvolutionHistory) Events() []EvolutionEvent {
	out := make([]EvolutionEvent, 0, h.count)
	for i := 0; i < h.count; i++ {
		out = append(out, h.events[(h.start+i)%EvolutionHistorySize])
	}
	return out
}

func (h EvolutionHistory) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Events())
}

func (h *EvolutionHistory) UnmarshalJSON(data []byte) error {
	var events []EvolutionEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return err
	}
	*h = EvolutionHistory{}
	for _, e := range events {
		h.Append(e)
	}
	return nil
}

// Metadata carries the per-memory signals with known fields typed and a
// catch-all Extra bag for arbitrary extension.
type Metadata struct {
	EmotionalValue    float64          `json:"emotional_value"`
	ContextRelevance  float64          `json:"context_relevance"`
	Tags              []string         `json:"tags,omitempty"`
	Source            string           `json:"source,omitempty"`
	ConnectedMemories []uuid.UUID      `json:"connected_memories,omitempty"`
	ConsolidatedFrom  []uuid.UUID      `json:"consolidated_from,omitempty"`
	Evolution         EvolutionHistory `json:"evolution_history,omitempty"`
	Extra             map[string]any   `json:"extra,omitempty"`
}

func (md Metadata) Clone() Metadata {
	c := md
	c.Tags = append([]string(nil), md.Tags...)
	c.ConnectedMemories = append([]uuid.UUID(nil), md.ConnectedMemories...)
	c.ConsolidatedFrom = append([]uuid.UUID(nil), md.ConsolidatedFrom...)
	if md.Extra != nil {
		c.Extra = make(map[string]any, len(md.Extra))
		for k, v := range md.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// MergeMetadata merges member metadata key-wise for consolidation: numeric
// values are averaged, everything else is overwritten by the last member
// seen. Tags and connections are unioned.
func MergeMetadata(members []Metadata) Metadata {
	merged := Metadata{}
	if len(members) == 0 {
		return merged
	}

	var emotional, relevance float64
	tagSeen := make(map[string]bool)
	connSeen := make(map[uuid.UUID]bool)
	extraNums := make(map[string]float64)
	extraNumCount := make(map[string]int)

	for _, md := range members {
		emotional += md.EmotionalValue
		relevance += md.ContextRelevance
		if md.Source != "" {
			merged.Source = md.Source
		}
		for _, t := range md.Tags {
			if !tagSeen[t] {
				tagSeen[t] = true
				merged.Tags = append(merged.Tags, t)
			}
		}
		for _, id := range md.ConnectedMemories {
			if !connSeen[id] {
				connSeen[id] = true
				merged.ConnectedMemories = append(merged.ConnectedMemories, id)
			}
		}
		for k, v := range md.Extra {
			if n, ok := asNumber(v); ok {
				extraNums[k] += n
				extraNumCount[k]++
				continue
			}
			if merged.Extra == nil {
				merged.Extra = make(map[string]any)
			}
			merged.Extra[k] = v
		}
	}

	n := float64(len(members))
	merged.EmotionalValue = emotional / n
	merged.ContextRelevance = relevance / n

	for k, sum := range extraNums {
		if merged.Extra == nil {
			merged.Extra = make(map[string]any)
		}
		merged.Extra[k] = sum / float64(extraNumCount[k])
	}

	return merged
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
