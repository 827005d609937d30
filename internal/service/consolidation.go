package service

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Harshitk-cp/strata/internal/config"
	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConsolidationStats summarises one consolidation run.
type ConsolidationStats struct {
	Examined          int           `json:"examined"`
	ClustersFound     int           `json:"clusters_found"`
	MemoriesMerged    int           `json:"memories_merged"`
	MergesRejected    int           `json:"merges_rejected"`
	AverageImportance float64       `json:"average_importance"`
	Duration          time.Duration `json:"duration"`
	SuccessRate       float64       `json:"success_rate"`
}

// ConsolidationResult is the plan a run produces: new merged memories plus
// the ids they consumed. The caller applies it to storage; the consolidator
// itself never touches the gateway.
type ConsolidationResult struct {
	Merged   []*domain.Memory
	Consumed []uuid.UUID
	Stats    ConsolidationStats
}

// Consolidator clusters near-duplicate memories by embedding similarity and
// merges each cluster into a single richer memory. Running it twice over the
// same data is a no-op the second time: merged memories land in singleton
// clusters and singletons are never merged.
type Consolidator struct {
	cfg    config.ConsolidationConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewConsolidator(cfg config.ConsolidationConfig, logger *zap.Logger) *Consolidator {
	return &Consolidator{
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type cluster struct {
	members  []*domain.Memory
	centroid []float32
	weight   float64
}

// add folds a member into the importance-weighted centroid.
func (c *cluster) add(m *domain.Memory) {
	w := m.Importance
	if w <= 0 {
		w = 0.01 // zero-importance members still pull, just barely
	}
	if c.centroid == nil {
		c.centroid = make([]float32, len(m.Embedding))
	}
	total := c.weight + w
	for i, v := range m.Embedding {
		c.centroid[i] = float32((float64(c.centroid[i])*c.weight + float64(v)*w) / total)
	}
	c.weight = total
	c.members = append(c.members, m)
}

// Consolidate partitions the input by owner, clusters each partition and
// merges every cohesive cluster of two or more members.
func (c *Consolidator) Consolidate(memories []*domain.Memory) *ConsolidationResult {
	start := c.now()
	result := &ConsolidationResult{}
	result.Stats.Examined = len(memories)
	if len(memories) < 2 {
		result.Stats.Duration = c.now().Sub(start)
		result.Stats.SuccessRate = 1
		return result
	}

	// Memories never merge across owners.
	byOwner := make(map[uuid.UUID][]*domain.Memory)
	owners := make([]uuid.UUID, 0)
	for _, m := range memories {
		if _, ok := byOwner[m.OwnerID]; !ok {
			owners = append(owners, m.OwnerID)
		}
		byOwner[m.OwnerID] = append(byOwner[m.OwnerID], m)
	}

	var clusters []*cluster
	for _, owner := range owners {
		clusters = append(clusters, c.clusterOwner(byOwner[owner])...)
	}

	var attempted int
	var importanceSum float64
	for _, cl := range clusters {
		if len(cl.members) < 2 {
			continue
		}
		result.Stats.ClustersFound++
		attempted++

		if !c.cohesive(cl) {
			result.Stats.MergesRejected++
			c.logger.Debug("merge rejected, cluster not cohesive",
				zap.Int("members", len(cl.members)))
			continue
		}

		merged := c.merge(cl)
		result.Merged = append(result.Merged, merged)
		for _, m := range cl.members {
			result.Consumed = append(result.Consumed, m.ID)
		}
		result.Stats.MemoriesMerged += len(cl.members)
		importanceSum += merged.Importance
	}

	if len(result.Merged) > 0 {
		result.Stats.AverageImportance = importanceSum / float64(len(result.Merged))
	}
	if attempted > 0 {
		result.Stats.SuccessRate = float64(len(result.Merged)) / float64(attempted)
	} else {
		result.Stats.SuccessRate = 1
	}
	result.Stats.Duration = c.now().Sub(start)
	return result
}

// clusterOwner runs leader clustering over one owner's memories, visiting
// them in descending importance so the strongest memories lead.
func (c *Consolidator) clusterOwner(memories []*domain.Memory) []*cluster {
	ordered := make([]*domain.Memory, len(memories))
	copy(ordered, memories)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Importance > ordered[j].Importance
	})

	var clusters []*cluster
	for _, m := range ordered {
		if len(m.Embedding) == 0 {
			continue
		}
		placed := false
		for _, cl := range clusters {
			if len(cl.members) >= c.cfg.MaxClusterSize {
				continue
			}
			if cosineSimilarity(m.Embedding, cl.centroid) >= c.cfg.Threshold {
				cl.add(m)
				placed = true
				break
			}
		}
		if !placed {
			cl := &cluster{}
			cl.add(m)
			clusters = append(clusters, cl)
		}
	}
	return clusters
}

// cohesive verifies every member still matches the final centroid at the
// minimum similarity. Leader clustering admits members against a centroid
// that keeps moving, so this re-check is what makes a merge safe.
func (c *Consolidator) cohesive(cl *cluster) bool {
	for _, m := range cl.members {
		if cosineSimilarity(m.Embedding, cl.centroid) < c.cfg.MinSimilarity {
			return false
		}
	}
	return true
}

// merge combines a cluster's members into one new memory. Content is joined
// strongest-first, the embedding is the weighted centroid, access counts
// accumulate and metadata merges field by field.
func (c *Consolidator) merge(cl *cluster) *domain.Memory {
	now := c.now()
	scorer := NewScorer(c.cfg.RecencyDecay, c.cfg.MaxAccessCount)

	members := make([]*domain.Memory, len(cl.members))
	copy(members, cl.members)
	sort.SliceStable(members, func(i, j int) bool {
		return mergeRank(members[i], scorer, now) > mergeRank(members[j], scorer, now)
	})

	parts := make([]string, 0, len(members))
	metas := make([]domain.Metadata, 0, len(members))
	consumed := make([]uuid.UUID, 0, len(members))
	merged := &domain.Memory{
		ID:             uuid.New(),
		OwnerID:        members[0].OwnerID,
		Embedding:      append([]float32(nil), cl.centroid...),
		Tier:           members[0].Tier,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	for _, m := range members {
		parts = append(parts, m.Content)
		metas = append(metas, m.Metadata)
		consumed = append(consumed, m.ID)
		merged.AccessCount += m.AccessCount
		if m.Importance > merged.Importance {
			merged.Importance = m.Importance
		}
	}
	merged.Content = strings.Join(parts, "\n\n")
	merged.Metadata = domain.MergeMetadata(metas)
	merged.Metadata.ConsolidatedFrom = consumed
	merged.Tier = domain.CandidateTier(merged.Importance)
	return merged
}

// mergeRank orders members inside a merge: importance weighted by recency,
// so a strong recent memory leads the combined content.
func mergeRank(m *domain.Memory, scorer *Scorer, now time.Time) float64 {
	return m.Importance * scorer.recency(m.LastAccessedAt, now)
}

func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
