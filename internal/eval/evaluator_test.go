package eval

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/exp/rand"

	"snakedqn/internal/config"
	"snakedqn/internal/nn"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Env.GridSize = 6
	cfg.Env.HungerLimit = 30
	cfg.Net.Conv = []nn.ConvSpec{{Filters: 4, Kernel: 3, Stride: 1}}
	cfg.Net.Hidden = 8
	cfg.Eval.Episodes = 6
	cfg.Eval.Workers = 3
	cfg.Eval.BaseSeed = 100
	return cfg
}

func TestEvaluator(t *testing.T) {
	Convey("Given an evaluator and a random network", t, func() {
		cfg := smallConfig()
		e, err := NewEvaluator(cfg)
		So(err, ShouldBeNil)
		net, err := nn.New(cfg.Arch(), cfg.Agent.LearningRate, rand.New(rand.NewSource(9)))
		So(err, ShouldBeNil)

		Convey("The seed suite is consecutive from the base seed", func() {
			So(e.Seeds(), ShouldResemble, []uint64{100, 101, 102, 103, 104, 105})
		})

		Convey("Every seed is played and aggregated", func() {
			agg, err := e.Evaluate(context.Background(), net)
			So(err, ShouldBeNil)
			So(agg.NumEpisodes, ShouldEqual, 6)
			So(agg.StepsMean, ShouldBeGreaterThan, 0)
			total := 0
			for _, n := range agg.DeathCounts {
				total += n
			}
			So(total, ShouldEqual, 6)
		})

		Convey("Parallel evaluation matches sequential play", func() {
			agg, _ := e.Evaluate(context.Background(), net)
			var steps int
			for _, seed := range e.Seeds() {
				stats, _, err := e.Play(net, seed)
				So(err, ShouldBeNil)
				steps += stats.Steps
			}
			So(agg.StepsMean, ShouldAlmostEqual, float64(steps)/6, 1e-9)
		})

		Convey("The recorded trace replays the same episode", func() {
			stats, trace, err := e.Play(net, 7)
			So(err, ShouldBeNil)
			game := trace.Playback()
			trace.PlaybackStep(game, len(trace.Actions))
			So(game.Stats(), ShouldResemble, stats)
		})

		Convey("A network built for another board size is a shape error", func() {
			other := smallConfig()
			other.Env.GridSize = 8
			wrong, err := nn.New(other.Arch(), other.Agent.LearningRate, rand.New(rand.NewSource(9)))
			So(err, ShouldBeNil)
			_, _, err = e.Play(wrong, 1)
			So(errors.Is(err, nn.ErrShape), ShouldBeTrue)
			_, err = e.Evaluate(context.Background(), wrong)
			So(errors.Is(err, nn.ErrShape), ShouldBeTrue)
		})

		Convey("A cancelled context stops evaluation", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := e.Evaluate(ctx, net)
			So(err, ShouldEqual, context.Canceled)
		})
	})
}
