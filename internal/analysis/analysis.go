// Package analysis evaluates logged runs offline: per-scenario statistics,
// the misoperation confusion matrix, the four evaluation buckets and the
// run plots.
package analysis

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pedal.guard/internal/cyclelog"
)

// Thresholds define the risk filter and the bucket boundaries.
type Thresholds struct {
	// RiskTTC is the TTC (s) at or below which a sample counts as risky.
	RiskTTC float64
	// RiskDistDiff is the per-sample approach (cm) at or above which a
	// sample counts as a sudden approach.
	RiskDistDiff float64
	// NormalTTC and NormalDistDiff bound the normal-driving bucket.
	NormalTTC      float64
	NormalDistDiff float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		RiskTTC:        1.8,
		RiskDistDiff:   15,
		NormalTTC:      3.0,
		NormalDistDiff: 10,
	}
}

// MisoperationScenarios are the scenario ids whose runs were staged as
// pedal misapplication; they are the ground truth for the confusion matrix.
var MisoperationScenarios = map[int]bool{2: true, 3: true}

// Sample is one usable logged cycle.
type Sample struct {
	// Index is the record's position in the original log.
	Index            int
	DistanceCM       float64
	DistDiff         float64
	TTC              float64
	VelocityAvg      float64
	RawPercent       float64
	CommandedPercent float64
	Delta            float64
	ScenarioID       int
	Accel            bool
	Misoperation     bool
}

// Prepare drops records without a distance or with a non-finite TTC and
// computes DistDiff as the approach since the previous kept sample
// (previous - current, floored at zero). The first kept sample has
// DistDiff 0.
func Prepare(records []cyclelog.Record) []Sample {
	out := make([]Sample, 0, len(records))
	for i, r := range records {
		if r.DistanceCM == nil || math.IsInf(r.TTC, 0) || math.IsNaN(r.TTC) {
			continue
		}
		s := Sample{
			Index:            i,
			DistanceCM:       *r.DistanceCM,
			TTC:              r.TTC,
			VelocityAvg:      r.VelocityAvg,
			RawPercent:       r.RawPercent,
			CommandedPercent: r.CommandedPercent,
			Delta:            r.Delta,
			ScenarioID:       r.ScenarioID,
			Accel:            r.Accel,
			Misoperation:     r.Misoperation,
		}
		if n := len(out); n > 0 {
			s.DistDiff = math.Max(0, out[n-1].DistanceCM-s.DistanceCM)
		}
		out = append(out, s)
	}
	return out
}

// ScenarioStats summarises the kept samples of one scenario.
type ScenarioStats struct {
	ScenarioID        int     `json:"scenario_id"`
	Samples           int     `json:"samples"`
	MeanTTC           float64 `json:"mean_ttc"`
	MeanVelocity      float64 `json:"mean_relative_velocity"`
	MeanDelta         float64 `json:"mean_delta"`
	MisoperationRatio float64 `json:"misoperation_ratio"`
	AccelRatio        float64 `json:"accel_ratio"`
}

// BucketStats summarises one evaluation bucket. The means are zero when
// N is zero.
type BucketStats struct {
	Name              string  `json:"name"`
	N                 int     `json:"n"`
	MisoperationRatio float64 `json:"misoperation_ratio"`
	MeanTTC           float64 `json:"mean_ttc"`
	MeanDistDiff      float64 `json:"mean_dist_diff"`
	MeanDelta         float64 `json:"mean_delta"`
	AccelRatio        float64 `json:"accel_ratio"`
}

// ConfusionMatrix compares the misoperation flag (prediction) with the
// scenario ground truth, laid out as labels [0, 1].
type ConfusionMatrix struct {
	TN int `json:"tn"`
	FP int `json:"fp"`
	FN int `json:"fn"`
	TP int `json:"tp"`
}

// Total returns the number of classified samples.
func (c ConfusionMatrix) Total() int { return c.TN + c.FP + c.FN + c.TP }

// Rows returns the matrix in row-major order, truth by prediction.
func (c ConfusionMatrix) Rows() [2][2]int {
	return [2][2]int{{c.TN, c.FP}, {c.FN, c.TP}}
}

// Bucket names in report order.
const (
	BucketHighRisk = "High-Risk"
	BucketTTCOnly  = "TTC-only"
	BucketTTCMiss  = "TTC-miss"
	BucketNormal   = "Normal"
)

// Report is the evaluation of one log.
type Report struct {
	Thresholds Thresholds `json:"-"`
	Records    int        `json:"records"`
	Samples    int        `json:"samples"`
	Dropped    int        `json:"dropped"`

	Scenarios                []ScenarioStats `json:"scenarios"`
	OverallMisoperationRatio float64         `json:"overall_misoperation_ratio"`
	OverallAccelRatio        float64         `json:"overall_accel_ratio"`

	Filtered                  int             `json:"filtered"`
	FilteredMisoperationRatio float64         `json:"filtered_misoperation_ratio"`
	Confusion                 ConfusionMatrix `json:"confusion"`

	Buckets []BucketStats `json:"buckets"`

	// Normal bucket: flagged samples are false positives.
	FalsePositives    int     `json:"false_positives"`
	TrueNegatives     int     `json:"true_negatives"`
	FalsePositiveRate float64 `json:"false_positive_rate"`

	HighRiskDetected      int     `json:"high_risk_detected"`
	HighRiskMissed        int     `json:"high_risk_missed"`
	HighRiskDetectionRate float64 `json:"high_risk_detection_rate"`

	TTCOnlyFlagged        int     `json:"ttc_only_flagged"`
	TTCOnlyFalseAlarmRate float64 `json:"ttc_only_false_alarm_rate"`

	TotalRisk    int     `json:"total_risk"`
	TTCMissRatio float64 `json:"ttc_miss_ratio"`
}

// Analyze evaluates records with th.
func Analyze(records []cyclelog.Record, th Thresholds) Report {
	samples := Prepare(records)
	rep := Report{
		Thresholds: th,
		Records:    len(records),
		Samples:    len(samples),
		Dropped:    len(records) - len(samples),
	}
	if len(samples) == 0 {
		return rep
	}

	rep.Scenarios = scenarioStats(samples)
	rep.OverallMisoperationRatio = ratio(samples, isMisop)
	rep.OverallAccelRatio = ratio(samples, isAccel)

	var highRisk, ttcOnly, ttcMiss, normal []Sample
	for _, s := range samples {
		risky := s.TTC <= th.RiskTTC
		approach := s.DistDiff >= th.RiskDistDiff
		switch {
		case risky && approach:
			highRisk = append(highRisk, s)
		case risky:
			ttcOnly = append(ttcOnly, s)
		case approach:
			ttcMiss = append(ttcMiss, s)
		}
		if risky || approach {
			rep.TotalRisk++
		}
		if s.TTC >= th.NormalTTC && s.DistDiff <= th.NormalDistDiff {
			normal = append(normal, s)
		}
	}
	// The confusion filter and the High-Risk bucket share a definition.
	filtered := highRisk

	rep.Filtered = len(filtered)
	rep.FilteredMisoperationRatio = ratio(filtered, isMisop)
	rep.Confusion = confusion(filtered)

	rep.Buckets = []BucketStats{
		bucketStats(BucketHighRisk, highRisk),
		bucketStats(BucketTTCOnly, ttcOnly),
		bucketStats(BucketTTCMiss, ttcMiss),
		bucketStats(BucketNormal, normal),
	}

	rep.FalsePositives = count(normal, isMisop)
	rep.TrueNegatives = len(normal) - rep.FalsePositives
	rep.FalsePositiveRate = fraction(rep.FalsePositives, len(normal))

	rep.HighRiskDetected = count(highRisk, isMisop)
	rep.HighRiskMissed = len(highRisk) - rep.HighRiskDetected
	rep.HighRiskDetectionRate = fraction(rep.HighRiskDetected, len(highRisk))

	rep.TTCOnlyFlagged = count(ttcOnly, isMisop)
	rep.TTCOnlyFalseAlarmRate = fraction(rep.TTCOnlyFlagged, len(ttcOnly))

	rep.TTCMissRatio = fraction(len(ttcMiss), rep.TotalRisk)
	return rep
}

func scenarioStats(samples []Sample) []ScenarioStats {
	groups := make(map[int][]Sample)
	for _, s := range samples {
		groups[s.ScenarioID] = append(groups[s.ScenarioID], s)
	}
	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]ScenarioStats, 0, len(ids))
	for _, id := range ids {
		g := groups[id]
		out = append(out, ScenarioStats{
			ScenarioID:        id,
			Samples:           len(g),
			MeanTTC:           mean(g, func(s Sample) float64 { return s.TTC }),
			MeanVelocity:      mean(g, func(s Sample) float64 { return s.VelocityAvg }),
			MeanDelta:         mean(g, func(s Sample) float64 { return s.Delta }),
			MisoperationRatio: ratio(g, isMisop),
			AccelRatio:        ratio(g, isAccel),
		})
	}
	return out
}

func bucketStats(name string, g []Sample) BucketStats {
	return BucketStats{
		Name:              name,
		N:                 len(g),
		MisoperationRatio: ratio(g, isMisop),
		MeanTTC:           mean(g, func(s Sample) float64 { return s.TTC }),
		MeanDistDiff:      mean(g, func(s Sample) float64 { return s.DistDiff }),
		MeanDelta:         mean(g, func(s Sample) float64 { return s.Delta }),
		AccelRatio:        ratio(g, isAccel),
	}
}

func confusion(g []Sample) ConfusionMatrix {
	var c ConfusionMatrix
	for _, s := range g {
		truth := MisoperationScenarios[s.ScenarioID]
		switch {
		case truth && s.Misoperation:
			c.TP++
		case truth:
			c.FN++
		case s.Misoperation:
			c.FP++
		default:
			c.TN++
		}
	}
	return c
}

func isMisop(s Sample) bool { return s.Misoperation }
func isAccel(s Sample) bool { return s.Accel }

func column(g []Sample, f func(Sample) float64) []float64 {
	xs := make([]float64, len(g))
	for i, s := range g {
		xs[i] = f(s)
	}
	return xs
}

func mean(g []Sample, f func(Sample) float64) float64 {
	if len(g) == 0 {
		return 0
	}
	return stat.Mean(column(g, f), nil)
}

func ratio(g []Sample, f func(Sample) bool) float64 {
	return mean(g, func(s Sample) float64 {
		if f(s) {
			return 1
		}
		return 0
	})
}

func count(g []Sample, f func(Sample) bool) int {
	return int(floats.Sum(column(g, func(s Sample) float64 {
		if f(s) {
			return 1
		}
		return 0
	})))
}

func fraction(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
