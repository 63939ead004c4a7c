package agent

import (
	"errors"

	"gonum.org/v1/gonum/floats"

	"snakedqn/internal/env"
)

// ErrNoFeatures is returned when the policy network exposes no activations
var ErrNoFeatures = errors.New("policy network has no feature maps")

const normEpsilon = 1e-8

// FeatureMaps runs state through the conv stages of the policy and returns,
// per stage, up to the configured number of channels as rows of columns,
// each channel min-max scaled to [0,1] on its own. It is diagnostic only;
// callers drop the error.
func (a *Agent) FeatureMaps(state env.GridState) ([][][][]float64, error) {
	src, ok := a.policy.(FeatureSource)
	if !ok {
		return nil, ErrNoFeatures
	}
	input, err := a.encode(state)
	if err != nil {
		return nil, err
	}
	maps, err := src.Activations(input)
	if err != nil {
		return nil, err
	}

	stages := make([][][][]float64, len(maps))
	for s, fm := range maps {
		channels := fm.C
		if a.featureChannels < channels {
			channels = a.featureChannels
		}
		stages[s] = make([][][]float64, channels)
		for c := 0; c < channels; c++ {
			plane := make([]float64, 0, fm.H*fm.W)
			for y := 0; y < fm.H; y++ {
				for x := 0; x < fm.W; x++ {
					plane = append(plane, fm.At(y, x, c))
				}
			}
			lo, hi := floats.Min(plane), floats.Max(plane)

			grid := make([][]float64, fm.H)
			for y := range grid {
				grid[y] = make([]float64, fm.W)
				for x := range grid[y] {
					grid[y][x] = (plane[y*fm.W+x] - lo) / (hi - lo + normEpsilon)
				}
			}
			stages[s][c] = grid
		}
	}
	return stages, nil
}
