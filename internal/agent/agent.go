// Package agent implements the epsilon-greedy DQN learner: a policy network
// trained from replayed experience against a periodically synced target
// network.
package agent

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"snakedqn/internal/config"
	"snakedqn/internal/env"
	"snakedqn/internal/memory"
	"snakedqn/internal/nn"
)

// Network is the action-value approximator the agent trains
type Network interface {
	Predict(inputs [][]float64) ([][]float64, error)
	Fit(inputs, targets [][]float64) (float64, error)
	Params() []float64
	SetParams(p []float64) error
}

// FeatureSource is implemented by networks that expose conv activations
type FeatureSource interface {
	Activations(input []float64) ([]nn.FeatureMap, error)
}

// Option customises an Agent
type Option func(*Agent)

// WithFeatureChannels caps the channels per stage returned by FeatureMaps
func WithFeatureChannels(n int) Option {
	return func(a *Agent) {
		a.featureChannels = n
	}
}

// Agent owns the policy and target parameters and the replay buffer.
// It is not safe for concurrent use.
type Agent struct {
	cfg     config.AgentConfig
	enc     *env.Encoder
	policy  Network
	target  Network
	buffer  *memory.Buffer
	rng     *rand.Rand
	epsilon float64
	episode int

	featureChannels int
}

// New creates an agent and syncs the target network to the policy
func New(cfg config.AgentConfig, enc *env.Encoder, policy, target Network, rng *rand.Rand, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if enc == nil || policy == nil || target == nil {
		return nil, fmt.Errorf("agent needs an encoder and two networks")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	buffer, err := memory.NewBuffer(cfg.BufferCapacity, rng)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:             cfg,
		enc:             enc,
		policy:          policy,
		target:          target,
		buffer:          buffer,
		rng:             rng,
		epsilon:         cfg.EpsilonStart,
		featureChannels: 8,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.syncTarget(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) syncTarget() error {
	if err := a.target.SetParams(a.policy.Params()); err != nil {
		return fmt.Errorf("sync target: %w", err)
	}
	return nil
}

// SelectAction picks a uniformly random action with probability epsilon,
// otherwise the greedy one
func (a *Agent) SelectAction(state env.GridState) (env.Action, error) {
	if a.rng.Float64() < a.epsilon {
		return env.Actions[a.rng.Intn(env.NumActions)], nil
	}
	q, err := a.QValues(state)
	if err != nil {
		return 0, err
	}
	return env.Actions[nn.Argmax(q)], nil
}

// Remember stores one transition
func (a *Agent) Remember(state env.GridState, action env.Action, reward float64, next env.GridState, done bool) {
	a.buffer.Push(memory.Transition{
		State:     state,
		Action:    action,
		Reward:    reward,
		NextState: next,
		Done:      done,
	})
}

// TrainStep fits the policy once on a replayed batch. It returns 0 without
// touching anything while the buffer holds fewer than BatchSize transitions.
func (a *Agent) TrainStep() (float64, error) {
	if a.buffer.Len() < a.cfg.BatchSize {
		return 0, nil
	}
	batch, err := a.buffer.Sample(a.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	states := make([][]float64, len(batch))
	nexts := make([][]float64, len(batch))
	for i, t := range batch {
		if states[i], err = a.encode(t.State); err != nil {
			return 0, err
		}
		if nexts[i], err = a.encode(t.NextState); err != nil {
			return 0, err
		}
	}

	current, err := a.policy.Predict(states)
	if err != nil {
		return 0, fmt.Errorf("policy predict: %w", err)
	}
	nextQ, err := a.target.Predict(nexts)
	if err != nil {
		return 0, fmt.Errorf("target predict: %w", err)
	}

	for i, t := range batch {
		target := t.Reward
		if !t.Done {
			target += a.cfg.Gamma * maxValue(nextQ[i])
		}
		current[i][t.Action] = target
	}

	loss, err := a.policy.Fit(states, current)
	if err != nil {
		return 0, fmt.Errorf("policy fit: %w", err)
	}
	return loss, nil
}

// OnEpisodeEnd counts the episode, decays epsilon and syncs the target every
// TargetSyncPeriod episodes. It reports whether a sync happened.
func (a *Agent) OnEpisodeEnd() (bool, error) {
	a.episode++
	a.epsilon = math.Max(a.cfg.EpsilonEnd, a.epsilon*a.cfg.EpsilonDecay)
	if a.episode%a.cfg.TargetSyncPeriod != 0 {
		return false, nil
	}
	return true, a.syncTarget()
}

// QValues returns the policy's action values for one state
func (a *Agent) QValues(state env.GridState) ([]float64, error) {
	input, err := a.encode(state)
	if err != nil {
		return nil, err
	}
	out, err := a.policy.Predict([][]float64{input})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// encode reports a mis-sized state as a shape error
func (a *Agent) encode(state env.GridState) ([]float64, error) {
	input, err := a.enc.Encode(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", nn.ErrShape, err)
	}
	return input, nil
}

// Restore loads policy parameters, copies them to the target and resumes
// the exploration schedule
func (a *Agent) Restore(params []float64, epsilon float64, episode int) error {
	if err := a.policy.SetParams(params); err != nil {
		return err
	}
	if err := a.syncTarget(); err != nil {
		return err
	}
	a.epsilon = math.Max(a.cfg.EpsilonEnd, math.Min(epsilon, a.cfg.EpsilonStart))
	a.episode = episode
	return nil
}

// Epsilon returns the current exploration rate
func (a *Agent) Epsilon() float64 {
	return a.epsilon
}

// Episode returns the number of completed episodes
func (a *Agent) Episode() int {
	return a.episode
}

// BufferLen returns the number of stored transitions
func (a *Agent) BufferLen() int {
	return a.buffer.Len()
}

// Params returns a copy of the policy parameters
func (a *Agent) Params() []float64 {
	return a.policy.Params()
}

// TargetParams returns a copy of the target parameters
func (a *Agent) TargetParams() []float64 {
	return a.target.Params()
}

func maxValue(vals []float64) float64 {
	return vals[nn.Argmax(vals)]
}
