package eval

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"snakedqn/internal/config"
	"snakedqn/internal/env"
	"snakedqn/internal/nn"
)

// Evaluator plays greedy episodes over a fixed seed suite
type Evaluator struct {
	cfg     *config.Config
	enc     *env.Encoder
	workers int
}

// NewEvaluator creates a new evaluator
func NewEvaluator(cfg *config.Config) (*Evaluator, error) {
	enc, err := env.NewEncoder(env.Encoding(cfg.Env.Encoding), cfg.Env.GridSize)
	if err != nil {
		return nil, err
	}

	workers := cfg.Eval.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Evaluator{
		cfg:     cfg,
		enc:     enc,
		workers: workers,
	}, nil
}

// Seeds returns the evaluation seed suite
func (e *Evaluator) Seeds() []uint64 {
	seeds := make([]uint64, e.cfg.Eval.Episodes)
	for i := range seeds {
		seeds[i] = e.cfg.Eval.BaseSeed + uint64(i)
	}
	return seeds
}

// Play runs one greedy episode with the given network and records it
func (e *Evaluator) Play(net *nn.Network, seed uint64) (env.EpisodeStats, *env.Trace, error) {
	game := env.NewGame(e.cfg.Env.GridSize, e.cfg.Env.HungerLimit, seed)
	trace := env.NewTrace(seed, e.cfg.Env.GridSize, e.cfg.Env.HungerLimit)

	input := make([]float64, e.enc.Dim())
	batch := [][]float64{input}
	state := game.State()
	for !game.Done() {
		if err := e.enc.EncodeInto(input, state); err != nil {
			return env.EpisodeStats{}, nil, fmt.Errorf("%w: %w", nn.ErrShape, err)
		}
		q, err := net.Predict(batch)
		if err != nil {
			return env.EpisodeStats{}, nil, err
		}
		action := env.Actions[nn.Argmax(q[0])]
		trace.Record(action)
		state, _, _ = game.Step(action)
	}

	stats := game.Stats()
	trace.SetFinalStats(stats)
	return stats, trace, nil
}

// Evaluate plays the seed suite in parallel, each worker on its own copy of
// the network, and aggregates the results
func (e *Evaluator) Evaluate(ctx context.Context, net *nn.Network) (env.AggregatedStats, error) {
	seeds := e.Seeds()
	episodes := make([]env.EpisodeStats, len(seeds))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, seed := range seeds {
		i, seed := i, seed
		local := net.Clone()
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats, _, err := e.Play(local, seed)
			if err != nil {
				return fmt.Errorf("eval seed %d: %w", seed, err)
			}
			episodes[i] = stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return env.AggregatedStats{}, err
	}
	return env.Aggregate(episodes), nil
}
