package env

import (
	"encoding/json"
	"fmt"
	"os"
)

// Trace stores a deterministic action trace for playback. Food placement is
// fully determined by the seed, so seed plus actions reproduce the episode.
type Trace struct {
	Seed        uint64       `json:"seed"`
	GridSize    int          `json:"grid_size"`
	HungerLimit int          `json:"hunger_limit"`
	Actions     []Action     `json:"actions"`
	FinalStats  EpisodeStats `json:"final_stats"`
}

// NewTrace creates a new trace recorder for a game about to start from seed
func NewTrace(seed uint64, gridSize, hungerLimit int) *Trace {
	return &Trace{
		Seed:        seed,
		GridSize:    gridSize,
		HungerLimit: hungerLimit,
		Actions:     make([]Action, 0, 256),
	}
}

// Record adds an action to the trace
func (t *Trace) Record(action Action) {
	t.Actions = append(t.Actions, action)
}

// SetFinalStats sets the final episode statistics
func (t *Trace) SetFinalStats(stats EpisodeStats) {
	t.FinalStats = stats
}

// Save writes the trace to a file
func (t *Trace) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadTrace loads a trace from a file
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", path, err)
	}
	return &t, nil
}

// Playback recreates the game at the start of the traced episode
func (t *Trace) Playback() *Game {
	return NewGame(t.GridSize, t.HungerLimit, t.Seed)
}

// PlaybackStep runs the trace on g up to step n
func (t *Trace) PlaybackStep(g *Game, step int) {
	if step > len(t.Actions) {
		step = len(t.Actions)
	}
	for i := 0; i < step && !g.Done(); i++ {
		g.Step(t.Actions[i])
	}
}
