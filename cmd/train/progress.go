package main

import (
	"fmt"
	"sync"
	"time"

	"snakedqn/internal/env"
	"snakedqn/internal/train"
)

// progress mirrors the session counters for the progress ticker, which runs
// off the training goroutine
type progress struct {
	mu      sync.Mutex
	start   time.Time
	episode int
	steps   int
	best    int
	epsilon float64
}

func newProgress(s *train.Session) *progress {
	return &progress{
		start:   time.Now(),
		episode: s.Episode,
		best:    s.BestScore,
		epsilon: s.Agent.Epsilon(),
	}
}

func (p *progress) OnStep(s *train.Session, step train.Step) {}

func (p *progress) OnEpisodeEnd(s *train.Session, stats env.EpisodeStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.episode = s.Episode
	p.steps = s.TotalSteps
	p.best = s.BestScore
	p.epsilon = s.Agent.Epsilon()
}

func (p *progress) print() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("  [Progress] %s elapsed, episode %d, %d steps, best score %d, epsilon %.3f\n",
		time.Since(p.start).Round(time.Second), p.episode, p.steps, p.best, p.epsilon)
}
