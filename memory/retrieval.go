package memory

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// RetrievalProcessor merges STM and LTM hits into one ranking.
//
// Each tier's raw score is normalized to a [0,1] relevance on its own scale
// first; the final score blends relevance with an exponential recency decay.
type RetrievalProcessor struct {
	temporalWeight float64
	halfLife       time.Duration
	now            func() time.Time
}

// NewRetrievalProcessor validates weight and halfLife. now may be nil.
func NewRetrievalProcessor(temporalWeight float64, halfLife time.Duration, now func() time.Time) (*RetrievalProcessor, error) {
	if temporalWeight < 0 || temporalWeight > 1 || math.IsNaN(temporalWeight) {
		return nil, fmt.Errorf("%w: temporal weight %v outside [0,1]", ErrConfig, temporalWeight)
	}
	if halfLife <= 0 {
		return nil, fmt.Errorf("%w: half life must be positive", ErrConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &RetrievalProcessor{temporalWeight: temporalWeight, halfLife: halfLife, now: now}, nil
}

// Relevance maps a tier's raw score into [0,1]. STM cosine similarity lives
// in [-1,1]; the LTM hybrid score is already in [0,1] and is only clamped.
func Relevance(origin Origin, raw float64) float64 {
	if math.IsNaN(raw) {
		return 0
	}
	if origin == OriginShortTerm {
		return clamp01((raw + 1) / 2)
	}
	return clamp01(raw)
}

// Recency decays from 1 at age zero, halving every halfLife. Timestamps in
// the future count as brand new; a zero timestamp counts as infinitely old.
func (p *RetrievalProcessor) Recency(createdAt time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	age := p.now().Sub(createdAt)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(p.halfLife))
}

// Merge normalizes, deduplicates and reranks stm followed by ltm, returning
// at most limit results. An id present in both tiers keeps the STM copy
// tagged OriginPromoted, in the STM copy's position.
func (p *RetrievalProcessor) Merge(stm, ltm []SearchResult, limit int) []SearchResult {
	if limit <= 0 {
		return []SearchResult{}
	}

	inSTM := make(map[string]int, len(stm))
	merged := make([]SearchResult, 0, len(stm)+len(ltm))
	for _, r := range stm {
		if _, dup := inSTM[r.ID]; dup {
			continue
		}
		r.Origin = OriginShortTerm
		r.Relevance = Relevance(OriginShortTerm, r.RawScore)
		inSTM[r.ID] = len(merged)
		merged = append(merged, r)
	}

	seenLTM := make(map[string]struct{}, len(ltm))
	for _, r := range ltm {
		if i, ok := inSTM[r.ID]; ok {
			merged[i].Origin = OriginPromoted
			continue
		}
		if _, dup := seenLTM[r.ID]; dup {
			continue
		}
		seenLTM[r.ID] = struct{}{}
		r.Origin = OriginLongTerm
		r.Relevance = Relevance(OriginLongTerm, r.RawScore)
		merged = append(merged, r)
	}

	w := p.temporalWeight
	for i := range merged {
		merged[i].Score = merged[i].Relevance*(1-w) + p.Recency(merged[i].CreatedAt)*w
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
