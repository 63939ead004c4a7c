package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"snakedqn/internal/env"
	"snakedqn/internal/nn"
)

// ErrInvalid reports a configuration value outside its valid range
var ErrInvalid = errors.New("invalid config")

// EnvPrefix prefixes environment overrides, e.g. SNAKEDQN_AGENT_GAMMA
const EnvPrefix = "SNAKEDQN"

// Config is the root configuration structure
type Config struct {
	Env     EnvConfig    `yaml:"env"`
	Agent   AgentConfig  `yaml:"agent"`
	Net     NetConfig    `yaml:"net"`
	Train   TrainConfig  `yaml:"train"`
	Eval    EvalConfig   `yaml:"eval"`
	Logging LogConfig    `yaml:"logging"`
	Stream  StreamConfig `yaml:"stream"`
}

// EnvConfig defines environment parameters
type EnvConfig struct {
	GridSize    int    `yaml:"grid_size"`
	HungerLimit int    `yaml:"hunger_limit"`
	Encoding    string `yaml:"encoding"` // scalar|planes
}

// AgentConfig holds the DQN hyperparameters
type AgentConfig struct {
	Gamma            float64 `yaml:"gamma"`
	EpsilonStart     float64 `yaml:"epsilon_start"`
	EpsilonEnd       float64 `yaml:"epsilon_end"`
	EpsilonDecay     float64 `yaml:"epsilon_decay"` // per episode
	LearningRate     float64 `yaml:"learning_rate"`
	BatchSize        int     `yaml:"batch_size"`
	TargetSyncPeriod int     `yaml:"target_sync_period"` // episodes
	BufferCapacity   int     `yaml:"buffer_capacity"`
}

// NetConfig defines the network layout
type NetConfig struct {
	Conv            []nn.ConvSpec `yaml:"conv"`
	Hidden          int           `yaml:"hidden"`
	FeatureChannels int           `yaml:"feature_channels"`
}

// TrainConfig defines the training run
type TrainConfig struct {
	Episodes        int           `yaml:"episodes"`
	Seed            uint64        `yaml:"seed"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
	CheckpointDir   string        `yaml:"checkpoint_dir"`
	FrameDelay      time.Duration `yaml:"frame_delay"`
}

// EvalConfig defines the greedy evaluation suite
type EvalConfig struct {
	Every    int    `yaml:"every"` // 0 disables
	Episodes int    `yaml:"episodes"`
	BaseSeed uint64 `yaml:"base_seed"`
	Workers  int    `yaml:"workers"`
}

// LogConfig defines logging parameters
type LogConfig struct {
	CSVPath        string        `yaml:"csv_path"`
	JSONPath       string        `yaml:"json_path"`
	PrintEvery     int           `yaml:"print_every"`
	ProgressPeriod time.Duration `yaml:"progress_period"`
}

// StreamConfig defines the live websocket stream
type StreamConfig struct {
	Addr         string `yaml:"addr"` // empty disables
	MaxFPS       int    `yaml:"max_fps"`
	ClientBuffer int    `yaml:"client_buffer"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Env: EnvConfig{
			GridSize:    20,
			HungerLimit: env.DefaultHungerLimit,
			Encoding:    string(env.EncodingScalar),
		},
		Agent: AgentConfig{
			Gamma:            0.99,
			EpsilonStart:     1.0,
			EpsilonEnd:       0.01,
			EpsilonDecay:     0.995,
			LearningRate:     0.001,
			BatchSize:        64,
			TargetSyncPeriod: 10,
			BufferCapacity:   10000,
		},
		Net: NetConfig{
			Conv: []nn.ConvSpec{
				{Filters: 32, Kernel: 3, Stride: 2},
				{Filters: 64, Kernel: 3, Stride: 2},
				{Filters: 64, Kernel: 3, Stride: 1},
			},
			Hidden:          512,
			FeatureChannels: 8,
		},
		Train: TrainConfig{
			Episodes:        10000,
			Seed:            1337,
			CheckpointEvery: 500,
			CheckpointDir:   "runs/checkpoints",
		},
		Eval: EvalConfig{
			Every:    250,
			Episodes: 10,
			BaseSeed: 2000,
			Workers:  4,
		},
		Logging: LogConfig{
			CSVPath:        "runs/run.csv",
			JSONPath:       "runs/run.jsonl",
			PrintEvery:     10,
			ProgressPeriod: 30 * time.Second,
		},
		Stream: StreamConfig{
			MaxFPS:       30,
			ClientBuffer: 16,
		},
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, err
	}

	vp := viper.New()
	vp.SetConfigType("yaml")
	if err := vp.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, err
	}
	if path != "" {
		vp.SetConfigFile(path)
		if err := vp.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	cfg := &Config{}
	err = vp.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write saves the effective configuration as YAML
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks every section
func (c *Config) Validate() error {
	if c.Env.GridSize < env.MinGridSize {
		return invalid("env.grid_size must be at least 2, got %d", c.Env.GridSize)
	}
	if c.Env.HungerLimit < 1 {
		return invalid("env.hunger_limit must be positive, got %d", c.Env.HungerLimit)
	}
	switch env.Encoding(c.Env.Encoding) {
	case env.EncodingScalar, env.EncodingPlanes:
	default:
		return invalid("env.encoding %q is not scalar or planes", c.Env.Encoding)
	}
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	if len(c.Net.Conv) == 0 {
		return invalid("net.conv needs at least one stage")
	}
	if c.Net.Hidden < 1 {
		return invalid("net.hidden must be positive, got %d", c.Net.Hidden)
	}
	if c.Net.FeatureChannels < 0 {
		return invalid("net.feature_channels must not be negative")
	}
	if err := c.Arch().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Train.Episodes < 0 {
		return invalid("train.episodes must not be negative")
	}
	if c.Train.CheckpointEvery < 0 || c.Eval.Every < 0 || c.Logging.PrintEvery < 0 {
		return invalid("periods must not be negative")
	}
	if c.Eval.Every > 0 && (c.Eval.Episodes < 1 || c.Eval.Workers < 1) {
		return invalid("eval needs episodes and workers, got %d and %d", c.Eval.Episodes, c.Eval.Workers)
	}
	if c.Stream.MaxFPS < 1 || c.Stream.ClientBuffer < 1 {
		return invalid("stream.max_fps and stream.client_buffer must be positive")
	}
	return nil
}

// Validate checks the agent hyperparameter ranges
func (a AgentConfig) Validate() error {
	switch {
	case a.Gamma < 0 || a.Gamma > 1:
		return invalid("agent.gamma %v outside [0,1]", a.Gamma)
	case a.EpsilonStart < 0 || a.EpsilonStart > 1:
		return invalid("agent.epsilon_start %v outside [0,1]", a.EpsilonStart)
	case a.EpsilonEnd < 0 || a.EpsilonEnd > a.EpsilonStart:
		return invalid("agent.epsilon_end %v outside [0,%v]", a.EpsilonEnd, a.EpsilonStart)
	case a.EpsilonDecay <= 0 || a.EpsilonDecay > 1:
		return invalid("agent.epsilon_decay %v outside (0,1]", a.EpsilonDecay)
	case a.LearningRate <= 0:
		return invalid("agent.learning_rate must be positive, got %v", a.LearningRate)
	case a.BatchSize < 1:
		return invalid("agent.batch_size must be positive, got %d", a.BatchSize)
	case a.TargetSyncPeriod < 1:
		return invalid("agent.target_sync_period must be positive, got %d", a.TargetSyncPeriod)
	case a.BufferCapacity < a.BatchSize:
		return invalid("agent.buffer_capacity %d below batch_size %d", a.BufferCapacity, a.BatchSize)
	}
	return nil
}

// Arch returns the network layout for this board and encoding
func (c *Config) Arch() nn.Arch {
	return nn.Arch{
		Height:   c.Env.GridSize,
		Width:    c.Env.GridSize,
		Channels: env.Channels(env.Encoding(c.Env.Encoding)),
		Conv:     c.Net.Conv,
		Hidden:   c.Net.Hidden,
		Outputs:  env.NumActions,
	}
}
