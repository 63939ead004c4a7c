package env

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// DeathReason indicates how the episode ended
type DeathReason int

const (
	DeathNone      DeathReason = iota
	DeathWall                  // hit a wall
	DeathSelf                  // hit own body
	DeathReversal              // turned 180 degrees
	DeathHunger                // no food for too long
	DeathBoardFull             // body covers every cell
)

func (d DeathReason) String() string {
	switch d {
	case DeathNone:
		return "none"
	case DeathWall:
		return "wall"
	case DeathSelf:
		return "self"
	case DeathReversal:
		return "reversal"
	case DeathHunger:
		return "hunger"
	case DeathBoardFull:
		return "full"
	default:
		return "unknown"
	}
}

// MarshalText encodes the reason by name
func (d DeathReason) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a reason name
func (d *DeathReason) UnmarshalText(b []byte) error {
	for r := DeathNone; r <= DeathBoardFull; r++ {
		if r.String() == string(b) {
			*d = r
			return nil
		}
	}
	return fmt.Errorf("unknown death reason %q", b)
}

// EpisodeStats captures all metrics from a single episode
type EpisodeStats struct {
	Episode int         `json:"episode"`
	Score   int         `json:"score"`  // food eaten
	Steps   int         `json:"steps"`  // ticks survived
	Reward  float64     `json:"reward"` // undiscounted return
	Loss    float64     `json:"loss"`   // mean training loss over updating steps
	Death   DeathReason `json:"death"`
	Seed    uint64      `json:"seed"`
}

// AggregatedStats holds statistics across multiple episodes
type AggregatedStats struct {
	ScoreMean   float64
	ScoreStd    float64
	BestScore   int
	StepsMean   float64
	RewardMean  float64
	DeathCounts map[DeathReason]int
	NumEpisodes int
}

// Aggregate computes statistics from multiple episode stats
func Aggregate(episodes []EpisodeStats) AggregatedStats {
	n := len(episodes)
	if n == 0 {
		return AggregatedStats{DeathCounts: make(map[DeathReason]int)}
	}

	agg := AggregatedStats{
		DeathCounts: make(map[DeathReason]int),
		NumEpisodes: n,
	}

	scores := make([]float64, n)
	steps := make([]float64, n)
	rewards := make([]float64, n)
	for i, ep := range episodes {
		scores[i] = float64(ep.Score)
		steps[i] = float64(ep.Steps)
		rewards[i] = ep.Reward
		if ep.Score > agg.BestScore {
			agg.BestScore = ep.Score
		}
		agg.DeathCounts[ep.Death]++
	}

	agg.ScoreMean, agg.ScoreStd = stat.PopMeanStdDev(scores, nil)
	agg.StepsMean = stat.Mean(steps, nil)
	agg.RewardMean = stat.Mean(rewards, nil)

	return agg
}
