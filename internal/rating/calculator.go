package rating

import "math"

// WeightedValue is a received rating and the weight it carries.
type WeightedValue struct {
	Value  int
	Weight Rank
}

// ComputeScore returns the weighted average Σ(value×weight) / Σweight.
// Both sums are accumulated as integers so the result does not depend on the
// order of votes. Entries with a non positive weight are ignored. Without
// votes the score is DefaultScore.
func ComputeScore(votes []WeightedValue) float64 {
	var weighted, total int64
	for _, v := range votes {
		if v.Weight <= 0 {
			continue
		}
		weighted += int64(v.Value) * int64(v.Weight)
		total += int64(v.Weight)
	}
	if total == 0 {
		return DefaultScore
	}
	return float64(weighted) / float64(total)
}

// EffectiveRank rounds score half away from zero and clamps it to a valid rank.
func EffectiveRank(score float64) Rank {
	if math.IsNaN(score) {
		return DefaultRank
	}
	r := math.Round(score)
	switch {
	case r < float64(MinRank):
		return MinRank
	case r > float64(MaxRank):
		return MaxRank
	}
	return Rank(r)
}

// Evaluate computes the score and rank of a user from the edges it received.
// Self edges are skipped.
func Evaluate(received []Edge) (float64, Rank) {
	votes := make([]WeightedValue, 0, len(received))
	for _, e := range received {
		if e.RaterID == e.TargetID {
			continue
		}
		votes = append(votes, WeightedValue{Value: e.Value, Weight: e.RaterRankAtCast})
	}
	score := ComputeScore(votes)
	return score, EffectiveRank(score)
}
