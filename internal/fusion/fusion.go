// Package fusion combines a ranked ANN result list and a ranked BM25
// result list into one fused ranking, implementing the hybrid-fuser
// component of the retrieval layer.
package fusion

import (
	"sort"

	"github.com/amuzetnoM/hektor/internal/herr"
)

// Rule names one of the supported fusion strategies.
type Rule int

const (
	ReciprocalRank Rule = iota
	WeightedSum
	CombSUM
	CombMNZ
	Borda
)

// ScoredID is one (id, score) pair from a ranked source list. The
// caller supplies these already sorted descending by score; fusion
// derives 1-based ranks from list order.
type ScoredID struct {
	ID    uint64
	Score float64
}

// Result is one fused hit.
type Result struct {
	ID    uint64
	Score float64
}

// Options configures a fusion call. K is the reciprocal-rank-fusion
// constant (default 60 when zero). WeightVector/WeightLexical are used
// only by WeightedSum and must sum to 1.
type Options struct {
	K             int
	WeightVector  float64
	WeightLexical float64
}

// DefaultOptions returns the conventional RRF constant, k=60.
func DefaultOptions() Options {
	return Options{K: 60, WeightVector: 0.5, WeightLexical: 0.5}
}

// Fuse combines vectorResults and lexicalResults under rule, returning
// the top k fused ids in descending fused score, ties broken by
// ascending id.
func Fuse(rule Rule, vectorResults, lexicalResults []ScoredID, k int, opts Options) ([]Result, error) {
	if k <= 0 {
		return nil, herr.New(herr.InvalidArgument, "k must be positive")
	}

	switch rule {
	case ReciprocalRank:
		return topK(reciprocalRankFusion(vectorResults, lexicalResults, rankConstant(opts)), k), nil
	case WeightedSum:
		wv, wl := opts.WeightVector, opts.WeightLexical
		if wv == 0 && wl == 0 {
			wv, wl = 0.5, 0.5
		}
		return topK(weightedSumFusion(vectorResults, lexicalResults, wv, wl), k), nil
	case CombSUM:
		return topK(combFusion(vectorResults, lexicalResults, false), k), nil
	case CombMNZ:
		return topK(combFusion(vectorResults, lexicalResults, true), k), nil
	case Borda:
		return topK(bordaFusion(vectorResults, lexicalResults), k), nil
	default:
		return nil, herr.Newf(herr.InvalidArgument, "unknown fusion rule %d", rule)
	}
}

func rankConstant(opts Options) int {
	if opts.K <= 0 {
		return 60
	}
	return opts.K
}

func topK(scores map[uint64]float64, k int) []Result {
	out := make([]Result, 0, len(scores))
	for id, score := range scores {
		out = append(out, Result{ID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func ranksOf(list []ScoredID) map[uint64]int {
	ranks := make(map[uint64]int, len(list))
	for i, item := range list {
		ranks[item.ID] = i + 1 // 1-based
	}
	return ranks
}

func reciprocalRankFusion(vectorResults, lexicalResults []ScoredID, k int) map[uint64]float64 {
	scores := make(map[uint64]float64)
	for _, list := range [][]ScoredID{vectorResults, lexicalResults} {
		for i, item := range list {
			rank := i + 1
			scores[item.ID] += 1 / float64(k+rank)
		}
	}
	return scores
}

// minMaxNormalize scales scores to [0, 1]; a list with zero range
// (every score equal) maps every id to 1.
func minMaxNormalize(list []ScoredID) map[uint64]float64 {
	out := make(map[uint64]float64, len(list))
	if len(list) == 0 {
		return out
	}
	min, max := list[0].Score, list[0].Score
	for _, item := range list {
		if item.Score < min {
			min = item.Score
		}
		if item.Score > max {
			max = item.Score
		}
	}
	spread := max - min
	for _, item := range list {
		if spread == 0 {
			out[item.ID] = 1
		} else {
			out[item.ID] = (item.Score - min) / spread
		}
	}
	return out
}

func weightedSumFusion(vectorResults, lexicalResults []ScoredID, wv, wl float64) map[uint64]float64 {
	vNorm := minMaxNormalize(vectorResults)
	lNorm := minMaxNormalize(lexicalResults)

	scores := make(map[uint64]float64)
	for id, s := range vNorm {
		scores[id] += wv * s
	}
	for id, s := range lNorm {
		scores[id] += wl * s
	}
	return scores
}

func combFusion(vectorResults, lexicalResults []ScoredID, mnz bool) map[uint64]float64 {
	vNorm := minMaxNormalize(vectorResults)
	lNorm := minMaxNormalize(lexicalResults)

	scores := make(map[uint64]float64)
	counts := make(map[uint64]int)
	for id, s := range vNorm {
		scores[id] += s
		counts[id]++
	}
	for id, s := range lNorm {
		scores[id] += s
		counts[id]++
	}
	if mnz {
		for id := range scores {
			scores[id] *= float64(counts[id])
		}
	}
	return scores
}

func bordaFusion(vectorResults, lexicalResults []ScoredID) map[uint64]float64 {
	scores := make(map[uint64]float64)
	for _, list := range [][]ScoredID{vectorResults, lexicalResults} {
		n := len(list)
		ranks := ranksOf(list)
		for id, rank := range ranks {
			scores[id] += float64(n - rank)
		}
	}
	return scores
}
