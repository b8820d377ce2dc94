package search

import (
	"sort"

	"github.com/openclinic/medrag/pkg/corpus"
)

// DefaultRRFK is the reciprocal-rank-fusion constant applied when callers do
// not override it.
const DefaultRRFK = 60

// FuseRRF merges ranked lists over a common id space using reciprocal rank
// fusion:
//
//	score(id) = Σ 1 / (rrfK + rank_i(id))  over the lists containing id
//
// Ids are ordered by score descending; ties break by the number of lists
// containing the id (more first), then the best rank achieved (lower first),
// then id ascending. At most topK items are returned (all, when topK <= 0).
//
// A nil or empty list contributes nothing, so a failed search service can
// simply be omitted without disturbing the ranking of the rest.
func FuseRRF(lists [][]corpus.RankedItem, rrfK, topK int) []corpus.RankedItem {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}

	type agg struct {
		id        string
		score     float64
		listCount int
		bestRank  int
	}

	byID := map[string]*agg{}
	order := []*agg{}
	for _, list := range lists {
		for _, item := range list {
			a, ok := byID[item.ID]
			if !ok {
				a = &agg{id: item.ID, bestRank: item.Rank}
				byID[item.ID] = a
				order = append(order, a)
			}
			a.score += 1 / float64(rrfK+item.Rank)
			a.listCount++
			if item.Rank < a.bestRank {
				a.bestRank = item.Rank
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.listCount != b.listCount {
			return a.listCount > b.listCount
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.id < b.id
	})

	if topK > 0 && len(order) > topK {
		order = order[:topK]
	}

	fused := make([]corpus.RankedItem, len(order))
	for i, a := range order {
		fused[i] = corpus.RankedItem{ID: a.id, Rank: i + 1, Score: a.score}
	}
	return fused
}
