package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"snakedqn/internal/nn"
)

func writeFile(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	Convey("Given the default configuration", t, func() {
		cfg := Default()

		Convey("It is valid", func() {
			So(cfg.Validate(), ShouldBeNil)
		})

		Convey("It carries the usual DQN hyperparameters", func() {
			So(cfg.Agent.Gamma, ShouldEqual, 0.99)
			So(cfg.Agent.EpsilonDecay, ShouldEqual, 0.995)
			So(cfg.Agent.BatchSize, ShouldEqual, 64)
			So(cfg.Agent.BufferCapacity, ShouldEqual, 10000)
			So(cfg.Env.GridSize, ShouldEqual, 20)
		})

		Convey("Its layout maps a 20x20 board to four actions", func() {
			a := cfg.Arch()
			So(a.Outputs, ShouldEqual, 4)
			So(a.Channels, ShouldEqual, 1)
			feat, err := a.FeatureDim()
			So(err, ShouldBeNil)
			So(feat, ShouldEqual, 256)
		})
	})
}

func TestLoad(t *testing.T) {
	Convey("Given a partial YAML file", t, func() {
		path := writeFile(t, `
env:
  grid_size: 12
  encoding: planes
agent:
  gamma: 0.9
  epsilon_end: 0
net:
  conv:
    - {filters: 4, kernel: 3, stride: 1}
  hidden: 16
train:
  frame_delay: 50ms
`)

		Convey("File values override defaults and the rest stay", func() {
			cfg, err := Load(path)
			So(err, ShouldBeNil)
			So(cfg.Env.GridSize, ShouldEqual, 12)
			So(cfg.Env.Encoding, ShouldEqual, "planes")
			So(cfg.Agent.Gamma, ShouldEqual, 0.9)
			So(cfg.Agent.EpsilonEnd, ShouldEqual, 0)
			So(cfg.Agent.BatchSize, ShouldEqual, 64)
			So(cfg.Net.Conv, ShouldResemble, []nn.ConvSpec{{Filters: 4, Kernel: 3, Stride: 1}})
			So(cfg.Train.FrameDelay, ShouldEqual, 50*time.Millisecond)
			So(cfg.Logging.ProgressPeriod, ShouldEqual, 30*time.Second)
		})

		Convey("Environment variables win over the file", func() {
			t.Setenv("SNAKEDQN_AGENT_GAMMA", "0.5")
			t.Setenv("SNAKEDQN_AGENT_BATCH_SIZE", "8")
			cfg, err := Load(path)
			So(err, ShouldBeNil)
			So(cfg.Agent.Gamma, ShouldEqual, 0.5)
			So(cfg.Agent.BatchSize, ShouldEqual, 8)
		})
	})

	Convey("An empty path gives the defaults", t, func() {
		cfg, err := Load("")
		So(err, ShouldBeNil)
		So(cfg, ShouldResemble, Default())
	})

	Convey("A missing file is an error", t, func() {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		So(err, ShouldNotBeNil)
	})

	Convey("Out of range values are rejected", t, func() {
		path := writeFile(t, "agent:\n  gamma: 1.5\n")
		_, err := Load(path)
		So(errors.Is(err, ErrInvalid), ShouldBeTrue)
	})

	Convey("Write and Load round trip", t, func() {
		cfg := Default()
		cfg.Agent.LearningRate = 0.0005
		cfg.Stream.Addr = ":8080"
		path := filepath.Join(t.TempDir(), "out", "effective.yaml")
		So(cfg.Write(path), ShouldBeNil)
		loaded, err := Load(path)
		So(err, ShouldBeNil)
		So(loaded, ShouldResemble, cfg)
	})
}

func TestValidate(t *testing.T) {
	Convey("Given agent settings", t, func() {
		a := Default().Agent

		cases := []struct {
			name   string
			mutate func(*AgentConfig)
		}{
			{"gamma above one", func(a *AgentConfig) { a.Gamma = 1.01 }},
			{"negative epsilon_end", func(a *AgentConfig) { a.EpsilonEnd = -0.1 }},
			{"epsilon_end above start", func(a *AgentConfig) { a.EpsilonStart = 0.5; a.EpsilonEnd = 0.6 }},
			{"zero decay", func(a *AgentConfig) { a.EpsilonDecay = 0 }},
			{"zero learning rate", func(a *AgentConfig) { a.LearningRate = 0 }},
			{"zero batch", func(a *AgentConfig) { a.BatchSize = 0 }},
			{"zero sync period", func(a *AgentConfig) { a.TargetSyncPeriod = 0 }},
			{"buffer below batch", func(a *AgentConfig) { a.BufferCapacity = 10; a.BatchSize = 11 }},
		}
		for _, c := range cases {
			c := c
			Convey("Rejects "+c.name, func() {
				bad := a
				c.mutate(&bad)
				So(errors.Is(bad.Validate(), ErrInvalid), ShouldBeTrue)
			})
		}

		Convey("Accepts the boundaries", func() {
			a.Gamma = 1
			a.EpsilonDecay = 1
			a.BufferCapacity = a.BatchSize
			So(a.Validate(), ShouldBeNil)
		})
	})

	Convey("A board too small for the conv stages is rejected", t, func() {
		cfg := Default()
		cfg.Env.GridSize = 6
		So(errors.Is(cfg.Validate(), ErrInvalid), ShouldBeTrue)
	})

	Convey("Unknown encodings are rejected", t, func() {
		cfg := Default()
		cfg.Env.Encoding = "rgb"
		So(errors.Is(cfg.Validate(), ErrInvalid), ShouldBeTrue)
	})
}
