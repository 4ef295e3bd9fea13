// Package risk scores how likely a campaign's traffic is to get its sending
// identity flagged, and pauses campaigns whose score turns critical.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const (
	FactorVolume     = "volume"
	FactorSimilarity = "similarity"
	FactorResponse   = "low_response"
	FactorBlocks     = "blocks"
	FactorTiming     = "timing"

	pointsPerBlock = 20
	maxScore       = 100
)

type Thresholds struct {
	Medium   int
	High     int
	Critical int
}

var DefaultThresholds = Thresholds{Medium: 30, High: 60, Critical: 80}

// Level maps a score onto its band.
func (t Thresholds) Level(score int) model.RiskLevel {
	switch {
	case score >= t.Critical:
		return model.RiskCritical
	case score >= t.High:
		return model.RiskHigh
	case score >= t.Medium:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// Inputs are the observations one assessment is computed from.
type Inputs struct {
	// LastHour is the number of sends in the trailing hour.
	LastHour int
	// Sent is the number of sends in the assessment window.
	Sent int
	// Similarity of recent bodies in [0,1]; negative when unknown.
	Similarity float64
	Replies    int
	Blocks     int
	// AvgGap is the mean time between consecutive sends; zero with fewer than two.
	AvgGap time.Duration
}

type Weights struct {
	Similarity int
	// MinResponseSample is the send count below which response rate is ignored.
	MinResponseSample int
}

var DefaultWeights = Weights{Similarity: 30, MinResponseSample: 20}

// Score combines the factors and clamps the total to 100. Every factor is
// non-decreasing in its own risk direction.
func Score(in Inputs, w Weights) (int, []model.RiskFactor) {
	var factors []model.RiskFactor
	add := func(name string, points int, detail string) {
		if points > 0 {
			factors = append(factors, model.RiskFactor{Name: name, Points: points, Detail: detail})
		}
	}

	switch {
	case in.LastHour > 100:
		add(FactorVolume, 40, fmt.Sprintf("%d sends in the last hour", in.LastHour))
	case in.LastHour > 50:
		add(FactorVolume, 25, fmt.Sprintf("%d sends in the last hour", in.LastHour))
	}

	if in.Similarity >= 0 {
		sim := math.Min(in.Similarity, 1)
		add(FactorSimilarity, int(math.Round(sim*float64(w.Similarity))), fmt.Sprintf("similarity %.2f", sim))
	}

	if in.Sent > 0 && in.Sent >= w.MinResponseSample {
		rate := float64(in.Replies) / float64(in.Sent)
		detail := fmt.Sprintf("response rate %.3f over %d sends", rate, in.Sent)
		switch {
		case rate < 0.02:
			add(FactorResponse, 25, detail)
		case rate < 0.05:
			add(FactorResponse, 15, detail)
		case rate < 0.1:
			add(FactorResponse, 5, detail)
		}
	}

	add(FactorBlocks, in.Blocks*pointsPerBlock, fmt.Sprintf("%d blocks reported", in.Blocks))

	if in.AvgGap > 0 {
		switch {
		case in.AvgGap < time.Second:
			add(FactorTiming, 35, fmt.Sprintf("average gap %s", in.AvgGap))
		case in.AvgGap < 2*time.Second:
			add(FactorTiming, 20, fmt.Sprintf("average gap %s", in.AvgGap))
		}
	}

	total := 0
	for _, f := range factors {
		total += f.Points
	}
	return min(total, maxScore), factors
}

// UniqueRatioSimilarity is 1 - distinct/total; it needs at least two bodies.
func UniqueRatioSimilarity(bodies []string) (float64, bool) {
	if len(bodies) < 2 {
		return 0, false
	}
	distinct := map[string]struct{}{}
	for _, b := range bodies {
		distinct[b] = struct{}{}
	}
	return 1 - float64(len(distinct))/float64(len(bodies)), true
}

// AverageGap is the mean interval between consecutive send times, which
// must be sorted ascending.
func AverageGap(times []time.Time) time.Duration {
	if len(times) < 2 {
		return 0
	}
	span := times[len(times)-1].Sub(times[0])
	gap := span / time.Duration(len(times)-1)
	if gap <= 0 {
		// Sends sharing one timestamp still count as too fast.
		return time.Nanosecond
	}
	return gap
}
