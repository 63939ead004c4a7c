// Package train drives DQN training episodes and fans each step out to
// observers.
package train

import (
	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	"snakedqn/internal/agent"
	"snakedqn/internal/config"
	"snakedqn/internal/env"
	"snakedqn/internal/nn"
)

// Step is one experienced transition as yielded to observers
type Step struct {
	Episode int
	Index   int
	State   env.GridState
	Action  env.Action
	Reward  float64
	Next    env.GridState
	Done    bool
	Loss    float64
}

// Session holds the environment, the agent and the loop counters of one run
type Session struct {
	ID         string
	Config     *config.Config
	Game       *env.Game
	Agent      *agent.Agent
	Policy     *nn.Network
	Episode    int // completed episodes
	TotalSteps int
	BestScore  int
}

// NewSession builds a fresh game, networks and agent from the config
func NewSession(cfg *config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := env.NewEncoder(env.Encoding(cfg.Env.Encoding), cfg.Env.GridSize)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Train.Seed))
	arch := cfg.Arch()
	policy, err := nn.New(arch, cfg.Agent.LearningRate, rng)
	if err != nil {
		return nil, err
	}
	target, err := nn.New(arch, cfg.Agent.LearningRate, rng)
	if err != nil {
		return nil, err
	}

	ag, err := agent.New(cfg.Agent, enc, policy, target, rng,
		agent.WithFeatureChannels(cfg.Net.FeatureChannels))
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:     uuid.NewString(),
		Config: cfg,
		Game:   env.NewGame(cfg.Env.GridSize, cfg.Env.HungerLimit, cfg.Train.Seed),
		Agent:  ag,
		Policy: policy,
	}, nil
}

// Restore resumes from saved policy parameters
func (s *Session) Restore(params []float64, epsilon float64, episode, bestScore int) error {
	if err := s.Agent.Restore(params, epsilon, episode); err != nil {
		return err
	}
	s.Episode = episode
	s.BestScore = bestScore
	return nil
}

// EpisodeSeed returns the food seed of the given zero-based episode
func (s *Session) EpisodeSeed(episode int) uint64 {
	return s.Config.Train.Seed + uint64(episode)
}

// Episode is a lazy step generator over one training episode. Each Next
// runs select, step, remember and train in sequence; it does no I/O.
//
//	ep := s.NewEpisode()
//	for ep.Next() {
//		step := ep.Step()
//	}
//	if err := ep.Err(); err != nil { ... }
//	stats, err := ep.Finish()
type Episode struct {
	s     *Session
	state env.GridState
	trace *env.Trace
	step  Step
	index int
	err   error

	lossSum float64
	updates int
}

// NewEpisode resets the game with the next episode's seed
func (s *Session) NewEpisode() *Episode {
	seed := s.EpisodeSeed(s.Episode)
	state := s.Game.ResetSeed(seed)
	return &Episode{
		s:     s,
		state: state,
		trace: env.NewTrace(seed, s.Game.Size(), s.Game.HungerLimit()),
	}
}

// Next advances one step and reports whether a step was produced
func (e *Episode) Next() bool {
	if e.err != nil || e.s.Game.Done() {
		return false
	}

	ag := e.s.Agent
	action, err := ag.SelectAction(e.state)
	if err != nil {
		e.err = err
		return false
	}
	next, reward, done := e.s.Game.Step(action)
	ag.Remember(e.state, action, reward, next, done)
	e.trace.Record(action)

	loss, err := ag.TrainStep()
	if err != nil {
		e.err = err
		return false
	}
	if ag.BufferLen() >= e.s.Config.Agent.BatchSize {
		e.lossSum += loss
		e.updates++
	}

	e.step = Step{
		Episode: e.s.Episode + 1,
		Index:   e.index,
		State:   e.state,
		Action:  action,
		Reward:  reward,
		Next:    next,
		Done:    done,
		Loss:    loss,
	}
	e.index++
	e.s.TotalSteps++
	e.state = next
	return true
}

// Step returns the step produced by the last Next
func (e *Episode) Step() Step {
	return e.step
}

// Err returns the error that stopped the episode, if any
func (e *Episode) Err() error {
	return e.err
}

// Trace returns the actions taken so far
func (e *Episode) Trace() *env.Trace {
	return e.trace
}

// Finish ends the episode on the agent (epsilon decay, target sync) and
// returns its statistics. It must only be called once the game is over.
func (e *Episode) Finish() (env.EpisodeStats, error) {
	if e.err != nil {
		return env.EpisodeStats{}, e.err
	}
	if _, err := e.s.Agent.OnEpisodeEnd(); err != nil {
		return env.EpisodeStats{}, err
	}
	e.s.Episode++

	stats := e.s.Game.Stats()
	stats.Episode = e.s.Episode
	if e.updates > 0 {
		stats.Loss = e.lossSum / float64(e.updates)
	}
	if stats.Score > e.s.BestScore {
		e.s.BestScore = stats.Score
	}
	e.trace.SetFinalStats(stats)
	return stats, nil
}
