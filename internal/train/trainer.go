package train

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"snakedqn/internal/env"
	"snakedqn/internal/eval"
	"snakedqn/internal/logging"
)

// Observer receives every training step and episode summary. Observers run
// on the training goroutine and must not block.
type Observer interface {
	OnStep(s *Session, step Step)
	OnEpisodeEnd(s *Session, stats env.EpisodeStats)
}

// Trainer runs a session for a budget of episodes
type Trainer struct {
	session   *Session
	logger    *logging.Logger
	evaluator *eval.Evaluator
}

// NewTrainer creates a trainer. The logger and evaluator may be nil.
func NewTrainer(session *Session, logger *logging.Logger, evaluator *eval.Evaluator) *Trainer {
	return &Trainer{
		session:   session,
		logger:    logger,
		evaluator: evaluator,
	}
}

// Session returns the trained session
func (t *Trainer) Session() *Session {
	return t.session
}

// Run plays episodes until the session has completed the given number of
// episodes or ctx is done. Cancellation is checked between steps, so the
// agent is always left at a step boundary; the interrupted episode is not
// finished. Network errors abort the run.
func (t *Trainer) Run(ctx context.Context, episodes int, observers ...Observer) error {
	s := t.session
	cfg := s.Config

	for s.Episode < episodes {
		ep := s.NewEpisode()
		for ep.Next() {
			step := ep.Step()
			for _, o := range observers {
				o.OnStep(s, step)
			}

			if cfg.Train.FrameDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(cfg.Train.FrameDelay):
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := ep.Err(); err != nil {
			return fmt.Errorf("episode %d: %w", s.Episode+1, err)
		}

		prevBest := s.BestScore
		stats, err := ep.Finish()
		if err != nil {
			return fmt.Errorf("episode %d: %w", s.Episode+1, err)
		}
		for _, o := range observers {
			o.OnEpisodeEnd(s, stats)
		}
		if err := t.afterEpisode(ctx, ep, stats, prevBest); err != nil {
			return err
		}
	}

	return t.SaveCheckpoint("final.json")
}

func (t *Trainer) afterEpisode(ctx context.Context, ep *Episode, stats env.EpisodeStats, prevBest int) error {
	s := t.session
	cfg := s.Config

	if t.logger != nil {
		if err := t.logger.LogEpisode(stats, s.Agent.Epsilon(), s.Agent.BufferLen()); err != nil {
			return err
		}
	}

	if stats.Score > prevBest && cfg.Train.CheckpointDir != "" {
		path := filepath.Join(cfg.Train.CheckpointDir, "best_trace.json")
		if err := ep.Trace().Save(path); err != nil {
			return err
		}
	}

	if cfg.Train.CheckpointEvery > 0 && s.Episode%cfg.Train.CheckpointEvery == 0 {
		if err := t.SaveCheckpoint(fmt.Sprintf("episode_%d.json", s.Episode)); err != nil {
			return err
		}
	}

	if t.evaluator != nil && cfg.Eval.Every > 0 && s.Episode%cfg.Eval.Every == 0 {
		agg, err := t.evaluator.Evaluate(ctx, s.Policy)
		if err != nil {
			return err
		}
		if t.logger != nil {
			return t.logger.LogEval(s.Episode, agg)
		}
	}
	return nil
}

// Checkpoint returns the session's current checkpoint
func (t *Trainer) Checkpoint() logging.Checkpoint {
	s := t.session
	return logging.Checkpoint{
		RunID:   s.ID,
		Episode: s.Episode,
		Epsilon: s.Agent.Epsilon(),
		Score:   s.BestScore,
		Arch:    s.Policy.Arch(),
		Params:  s.Agent.Params(),
	}
}

// SaveCheckpoint writes the current checkpoint under the checkpoint
// directory, if one is configured
func (t *Trainer) SaveCheckpoint(name string) error {
	dir := t.session.Config.Train.CheckpointDir
	if dir == "" {
		return nil
	}
	return logging.SaveCheckpoint(filepath.Join(dir, name), t.Checkpoint())
}
