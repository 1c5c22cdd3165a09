// Package score implements the Scorer (spec.md §4.4): five sub-scores and
// a three-gate final-score cascade, computed in double precision and
// clamped to [0,1]. Deterministic given identical inputs. The per-run
// arithmetic here is plain float64 — no library adds value over the
// stdlib for five closed-form scalar formulas. gonum.org/v1/gonum (drawn
// from the luxfi-consensus branch of the retrieval pack) is reserved for
// submission-level aggregation across runs (see Aggregate), where a mean
// over a slice is exactly gonum/stat's job.
package score

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Counts is the spec.md §4.4 "Classification step" tally feeding the
// sub-score formulas.
type Counts struct {
	SyntheticFound int // patterns with flows_exist ∧ pattern_id ∈ ground_truth_ids
	NoveltyValid   int // patterns with flows_exist ∧ pattern_id ∉ ground_truth_ids
	Reported       int // R: total reported patterns
	GroundTruth    int // E: |ground_truth_ids|
}

// Timing is the measured-vs-baseline wall time for the two payload phases.
type Timing struct {
	BaselineFeatureSeconds float64
	MeasuredFeatureSeconds float64
	FeatureCapSeconds      float64

	BaselinePatternSeconds float64
	MeasuredPatternSeconds float64
	PatternCapSeconds      float64
}

// Result is one run's complete scoring output (spec.md §3 EvaluationRun
// sub-score fields).
type Result struct {
	FeaturePerformance float64
	SyntheticRecall    float64
	PatternPrecision   float64
	NoveltyDiscovery   float64
	PatternPerformance float64
	FinalScore         float64
}

func clip01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// timeRatioScore implements the shared shape of feature_performance and
// pattern_performance: clip(r/(1+r), 0, 1) with r = baseline/measured; 0 if
// measured exceeds the hard cap.
func timeRatioScore(baseline, measured, cap float64) float64 {
	if measured > cap {
		return 0
	}
	if measured <= 0 {
		return 1
	}
	r := baseline / measured
	return clip01(r / (1 + r))
}

// FeaturePerformance computes feature_performance (spec.md §4.4).
func FeaturePerformance(t Timing) float64 {
	return timeRatioScore(t.BaselineFeatureSeconds, t.MeasuredFeatureSeconds, t.FeatureCapSeconds)
}

// PatternPerformance computes pattern_performance, same shape as
// FeaturePerformance but for the pattern phase.
func PatternPerformance(t Timing) float64 {
	return timeRatioScore(t.BaselinePatternSeconds, t.MeasuredPatternSeconds, t.PatternCapSeconds)
}

// SyntheticRecall computes synthetic_found / E, defined as 1 if E=0.
func SyntheticRecall(c Counts) float64 {
	if c.GroundTruth == 0 {
		return 1
	}
	return clip01(float64(c.SyntheticFound) / float64(c.GroundTruth))
}

// PatternPrecision computes (synthetic_found + novelty_valid) / R, defined
// as 0 if R=0.
func PatternPrecision(c Counts) float64 {
	if c.Reported == 0 {
		return 0
	}
	return clip01(float64(c.SyntheticFound+c.NoveltyValid) / float64(c.Reported))
}

// NoveltyDiscovery computes min(novelty_valid, floor(E*0.5)) / floor(E*0.5),
// defined as 0 if floor(E*0.5)=0.
func NoveltyDiscovery(c Counts) float64 {
	halfE := math.Floor(float64(c.GroundTruth) * 0.5)
	if halfE == 0 {
		return 0
	}
	num := math.Min(float64(c.NoveltyValid), halfE)
	return clip01(num / halfE)
}

// Final applies the spec.md §4.4 three-gate cascade:
//  1. features invalid → 0.0
//  2. synthetic_found + novelty_valid = 0 → 0.10 * feature_performance
//  3. else weighted sum of all five sub-scores
func Final(featuresValid bool, fp, sr, pp, nd, pp2 float64, c Counts) float64 {
	if !featuresValid {
		return 0
	}
	if c.SyntheticFound+c.NoveltyValid == 0 {
		return clip01(0.10 * fp)
	}
	return clip01(0.10*fp + 0.30*sr + 0.25*pp + 0.25*nd + 0.10*pp2)
}

// Run computes every sub-score and the final score for one evaluation run.
func Run(featuresValid bool, c Counts, t Timing) Result {
	if !featuresValid {
		return Result{}
	}
	fp := FeaturePerformance(t)
	sr := SyntheticRecall(c)
	pp := PatternPrecision(c)
	nd := NoveltyDiscovery(c)
	pp2 := PatternPerformance(t)
	final := Final(true, fp, sr, pp, nd, pp2, c)
	return Result{
		FeaturePerformance: fp,
		SyntheticRecall:    sr,
		PatternPrecision:   pp,
		NoveltyDiscovery:   nd,
		PatternPerformance: pp2,
		FinalScore:         final,
	}
}

// Aggregate collapses a submission's per-run Results into its
// TournamentResult sub-scores, per spec.md §4.7: "final_score is the mean
// of its runs' scores, and each sub-score is the mean of that sub-score."
// Uses gonum/stat.Mean rather than a hand-rolled sum/len loop.
func Aggregate(runs []Result) Result {
	if len(runs) == 0 {
		return Result{}
	}
	fp := make([]float64, len(runs))
	sr := make([]float64, len(runs))
	pp := make([]float64, len(runs))
	nd := make([]float64, len(runs))
	pp2 := make([]float64, len(runs))
	final := make([]float64, len(runs))
	for i, r := range runs {
		fp[i], sr[i], pp[i], nd[i], pp2[i], final[i] =
			r.FeaturePerformance, r.SyntheticRecall, r.PatternPrecision, r.NoveltyDiscovery, r.PatternPerformance, r.FinalScore
	}
	return Result{
		FeaturePerformance: stat.Mean(fp, nil),
		SyntheticRecall:    stat.Mean(sr, nil),
		PatternPrecision:   stat.Mean(pp, nil),
		NoveltyDiscovery:   stat.Mean(nd, nil),
		PatternPerformance: stat.Mean(pp2, nil),
		FinalScore:         stat.Mean(final, nil),
	}
}
