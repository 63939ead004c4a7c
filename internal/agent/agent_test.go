package agent

import (
	"errors"
	"sort"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/exp/rand"

	"snakedqn/internal/config"
	"snakedqn/internal/env"
	"snakedqn/internal/nn"
)

// fakeNet returns fixed action values and records every fit
type fakeNet struct {
	out     []float64
	params  []float64
	inputs  [][][]float64
	targets [][][]float64
	err     error
}

func newFakeNet(out []float64, params ...float64) *fakeNet {
	return &fakeNet{out: out, params: params}
}

func (f *fakeNet) Predict(inputs [][]float64) ([][]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	rows := make([][]float64, len(inputs))
	for i := range rows {
		rows[i] = append([]float64(nil), f.out...)
	}
	return rows, nil
}

func (f *fakeNet) Fit(inputs, targets [][]float64) (float64, error) {
	f.inputs = append(f.inputs, inputs)
	f.targets = append(f.targets, targets)
	for i := range f.params {
		f.params[i] += 1
	}
	return 0.5, nil
}

func (f *fakeNet) Params() []float64 {
	return append([]float64(nil), f.params...)
}

func (f *fakeNet) SetParams(p []float64) error {
	if len(p) != len(f.params) {
		return nn.ErrShape
	}
	copy(f.params, p)
	return nil
}

func testConfig() config.AgentConfig {
	cfg := config.Default().Agent
	cfg.BatchSize = 4
	cfg.BufferCapacity = 4
	cfg.TargetSyncPeriod = 3
	return cfg
}

func testAgent(cfg config.AgentConfig, policy, target Network) *Agent {
	enc, err := env.NewEncoder(env.EncodingScalar, 4)
	So(err, ShouldBeNil)
	a, err := New(cfg, enc, policy, target, rand.New(rand.NewSource(3)))
	So(err, ShouldBeNil)
	return a
}

func TestEpsilon(t *testing.T) {
	Convey("Epsilon decays monotonically down to its floor", t, func() {
		cfg := testConfig()
		cfg.EpsilonDecay = 0.9
		cfg.EpsilonEnd = 0.05
		a := testAgent(cfg, newFakeNet(make([]float64, 4), 0), newFakeNet(make([]float64, 4), 0))
		So(a.Epsilon(), ShouldEqual, 1.0)

		prev := a.Epsilon()
		for i := 0; i < 200; i++ {
			_, err := a.OnEpisodeEnd()
			So(err, ShouldBeNil)
			So(a.Epsilon(), ShouldBeLessThanOrEqualTo, prev)
			So(a.Epsilon(), ShouldBeGreaterThanOrEqualTo, cfg.EpsilonEnd)
			prev = a.Epsilon()
		}
		So(a.Epsilon(), ShouldEqual, cfg.EpsilonEnd)
		So(a.Episode(), ShouldEqual, 200)
	})
}

func TestSelectAction(t *testing.T) {
	state := env.NewGame(4, env.DefaultHungerLimit, 1).State()

	Convey("With epsilon zero", t, func() {
		cfg := testConfig()
		cfg.EpsilonStart = 0
		cfg.EpsilonEnd = 0

		Convey("The argmax is chosen, lowest ordinal on ties", func() {
			a := testAgent(cfg, newFakeNet([]float64{1, 3, 3, 2}, 0), newFakeNet(nil, 0))
			for i := 0; i < 50; i++ {
				action, err := a.SelectAction(state)
				So(err, ShouldBeNil)
				So(action, ShouldEqual, env.ActionRight)
			}
		})

		Convey("All equal values pick LEFT", func() {
			a := testAgent(cfg, newFakeNet([]float64{0, 0, 0, 0}, 0), newFakeNet(nil, 0))
			action, _ := a.SelectAction(state)
			So(action, ShouldEqual, env.ActionLeft)
		})

		Convey("Predict failures surface", func() {
			policy := newFakeNet([]float64{0, 0, 0, 0}, 0)
			a := testAgent(cfg, policy, newFakeNet(nil, 0))
			policy.err = nn.ErrShape
			_, err := a.SelectAction(state)
			So(errors.Is(err, nn.ErrShape), ShouldBeTrue)
		})
	})

	Convey("With epsilon one every action is about equally likely", t, func() {
		a := testAgent(testConfig(), newFakeNet([]float64{0, 9, 0, 0}, 0), newFakeNet(nil, 0))
		counts := make(map[env.Action]int)
		const trials = 40000
		for i := 0; i < trials; i++ {
			action, err := a.SelectAction(state)
			So(err, ShouldBeNil)
			counts[action]++
		}
		for _, action := range env.Actions {
			freq := float64(counts[action]) / trials
			So(freq, ShouldBeBetween, 0.23, 0.27)
		}
	})
}

func TestTrainStep(t *testing.T) {
	Convey("Given an agent with batch size 4", t, func() {
		policy := newFakeNet([]float64{10, 11, 12, 13}, 1, 2, 3)
		target := newFakeNet([]float64{1, 5, 2, 3}, 0, 0, 0)
		cfg := testConfig()
		cfg.Gamma = 0.5
		a := testAgent(cfg, policy, target)
		s := env.NewGame(4, env.DefaultHungerLimit, 1).State()

		Convey("The target starts equal to the policy", func() {
			So(a.TargetParams(), ShouldResemble, a.Params())
		})

		Convey("Training is skipped while the buffer is short", func() {
			for i := 0; i < 3; i++ {
				a.Remember(s, env.ActionUp, -1, s, false)
			}
			loss, err := a.TrainStep()
			So(err, ShouldBeNil)
			So(loss, ShouldEqual, 0)
			So(len(policy.targets), ShouldEqual, 0)
		})

		Convey("With a full batch only the taken action's slot is replaced", func() {
			a.Remember(s, env.ActionLeft, 1, s, false)
			a.Remember(s, env.ActionRight, -1, s, false)
			a.Remember(s, env.ActionUp, -10, s, true)
			a.Remember(s, env.ActionDown, 20, s, false)

			loss, err := a.TrainStep()
			So(err, ShouldBeNil)
			So(loss, ShouldEqual, 0.5)
			So(len(policy.targets), ShouldEqual, 1)

			rows := policy.targets[0]
			So(len(rows), ShouldEqual, 4)
			type slot struct {
				index int
				value float64
			}
			var changed []slot
			for _, row := range rows {
				diff := 0
				for j, v := range row {
					if v != policy.out[j] {
						diff++
						changed = append(changed, slot{j, v})
					}
				}
				So(diff, ShouldEqual, 1)
			}
			sort.Slice(changed, func(i, j int) bool { return changed[i].index < changed[j].index })
			So(changed, ShouldResemble, []slot{
				{0, 1 + 0.5*5},
				{1, -1 + 0.5*5},
				{2, -10},
				{3, 20 + 0.5*5},
			})
		})

		Convey("The target is only synced every period", func() {
			for i := 0; i < 4; i++ {
				a.Remember(s, env.ActionLeft, 1, s, false)
			}
			before := a.TargetParams()
			a.TrainStep()
			So(a.TargetParams(), ShouldResemble, before)
			So(a.Params(), ShouldNotResemble, before)

			for ep := 1; ep <= 9; ep++ {
				a.TrainStep()
				synced, err := a.OnEpisodeEnd()
				So(err, ShouldBeNil)
				So(synced, ShouldEqual, ep%3 == 0)
				if synced {
					So(a.TargetParams(), ShouldResemble, a.Params())
				} else {
					So(a.TargetParams(), ShouldNotResemble, a.Params())
				}
			}
		})
	})

	Convey("Network failures abort the step", t, func() {
		policy := newFakeNet([]float64{0, 0, 0, 0}, 0)
		a := testAgent(testConfig(), policy, newFakeNet([]float64{0, 0, 0, 0}, 0))
		s := env.NewGame(4, env.DefaultHungerLimit, 1).State()
		for i := 0; i < 4; i++ {
			a.Remember(s, env.ActionLeft, 1, s, false)
		}
		policy.err = nn.ErrShape
		_, err := a.TrainStep()
		So(errors.Is(err, nn.ErrShape), ShouldBeTrue)
	})
}

func TestMisSizedState(t *testing.T) {
	Convey("Given an agent encoding 4x4 boards", t, func() {
		policy := newFakeNet([]float64{0, 1, 0, 0}, 0)
		a := testAgent(testConfig(), policy, newFakeNet([]float64{0, 0, 0, 0}, 0))
		a.epsilon = 0
		big := env.NewGame(20, env.DefaultHungerLimit, 1).State()

		Convey("Q-values for a 20x20 state are a shape error", func() {
			q, err := a.QValues(big)
			So(errors.Is(err, nn.ErrShape), ShouldBeTrue)
			So(errors.Is(err, env.ErrGridSize), ShouldBeTrue)
			So(q, ShouldBeNil)

			_, err = a.SelectAction(big)
			So(errors.Is(err, nn.ErrShape), ShouldBeTrue)
		})

		Convey("A replayed 20x20 transition aborts training before any fit", func() {
			for i := 0; i < 4; i++ {
				a.Remember(big, env.ActionLeft, 1, big, false)
			}
			_, err := a.TrainStep()
			So(errors.Is(err, nn.ErrShape), ShouldBeTrue)
			So(len(policy.targets), ShouldEqual, 0)
		})

		Convey("Feature maps refuse it too", func() {
			net, err := nn.New(nn.Arch{
				Height: 4, Width: 4, Channels: 1,
				Conv:   []nn.ConvSpec{{Filters: 2, Kernel: 3, Stride: 1}},
				Hidden: 4, Outputs: env.NumActions,
			}, 0.01, rand.New(rand.NewSource(1)))
			So(err, ShouldBeNil)
			b := testAgent(testConfig(), net, net.Clone())
			_, err = b.FeatureMaps(big)
			So(errors.Is(err, nn.ErrShape), ShouldBeTrue)
		})
	})
}

func TestNew(t *testing.T) {
	Convey("Invalid settings are rejected", t, func() {
		enc, _ := env.NewEncoder(env.EncodingScalar, 4)
		cfg := testConfig()
		cfg.BufferCapacity = 2
		_, err := New(cfg, enc, newFakeNet(nil, 0), newFakeNet(nil, 0), nil)
		So(errors.Is(err, config.ErrInvalid), ShouldBeTrue)
	})

	Convey("Mismatched networks cannot be synced", t, func() {
		enc, _ := env.NewEncoder(env.EncodingScalar, 4)
		_, err := New(testConfig(), enc, newFakeNet(nil, 1, 2), newFakeNet(nil, 1), nil)
		So(errors.Is(err, nn.ErrShape), ShouldBeTrue)
	})

	Convey("Restore loads both networks and the schedule", t, func() {
		a := testAgent(testConfig(), newFakeNet(nil, 0, 0), newFakeNet(nil, 0, 0))
		So(a.Restore([]float64{4, 5}, 0.3, 120), ShouldBeNil)
		So(a.Params(), ShouldResemble, []float64{4, 5})
		So(a.TargetParams(), ShouldResemble, []float64{4, 5})
		So(a.Epsilon(), ShouldEqual, 0.3)
		So(a.Episode(), ShouldEqual, 120)
		So(a.Restore([]float64{1}, 0.3, 1), ShouldNotBeNil)
	})
}

func TestWithRealNetwork(t *testing.T) {
	Convey("Given an agent over a small conv network", t, func() {
		arch := nn.Arch{
			Height: 6, Width: 6, Channels: 1,
			Conv:   []nn.ConvSpec{{Filters: 4, Kernel: 3, Stride: 1}, {Filters: 3, Kernel: 2, Stride: 2}},
			Hidden: 8, Outputs: env.NumActions,
		}
		rng := rand.New(rand.NewSource(21))
		policy, err := nn.New(arch, 0.001, rng)
		So(err, ShouldBeNil)
		target, _ := nn.New(arch, 0.001, rng)
		So(target.Params(), ShouldNotResemble, policy.Params())

		enc, _ := env.NewEncoder(env.EncodingScalar, 6)
		cfg := testConfig()
		cfg.EpsilonStart = 0
		cfg.EpsilonEnd = 0
		a, err := New(cfg, enc, policy, target, rng, WithFeatureChannels(2))
		So(err, ShouldBeNil)
		So(target.Params(), ShouldResemble, policy.Params())

		state := env.NewGame(6, env.DefaultHungerLimit, 4).State()

		Convey("The greedy action is the argmax of the Q-values", func() {
			q, err := a.QValues(state)
			So(err, ShouldBeNil)
			So(len(q), ShouldEqual, 4)
			action, _ := a.SelectAction(state)
			So(action, ShouldEqual, env.Actions[nn.Argmax(q)])
		})

		Convey("Feature maps are capped and normalised", func() {
			maps, err := a.FeatureMaps(state)
			So(err, ShouldBeNil)
			So(len(maps), ShouldEqual, 2)
			So(len(maps[0]), ShouldEqual, 2)
			So(len(maps[0][0]), ShouldEqual, 4)
			So(len(maps[0][0][0]), ShouldEqual, 4)
			So(len(maps[1]), ShouldEqual, 2)
			So(len(maps[1][0]), ShouldEqual, 2)
			for _, stage := range maps {
				for _, ch := range stage {
					for _, row := range ch {
						for _, v := range row {
							So(v, ShouldBeBetweenOrEqual, 0, 1)
						}
					}
				}
			}
		})
	})

	Convey("Networks without activations report no feature maps", t, func() {
		a := testAgent(testConfig(), newFakeNet([]float64{0, 0, 0, 0}, 0), newFakeNet(nil, 0))
		_, err := a.FeatureMaps(env.NewGame(4, 10, 1).State())
		So(err, ShouldEqual, ErrNoFeatures)
	})
}
