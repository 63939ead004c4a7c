package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"snakedqn/internal/nn"
)

// Checkpoint is a saved policy network plus the exploration schedule
type Checkpoint struct {
	RunID   string    `json:"run_id"`
	Episode int       `json:"episode"`
	Epsilon float64   `json:"epsilon"`
	Score   int       `json:"best_score"`
	SavedAt time.Time `json:"saved_at"`
	Arch    nn.Arch   `json:"arch"`
	Params  []float64 `json:"params"`
}

// SaveCheckpoint writes the checkpoint to a file
func SaveCheckpoint(path string, ckpt Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	if ckpt.SavedAt.IsZero() {
		ckpt.SavedAt = time.Now().UTC()
	}
	jsonData, err := json.Marshal(ckpt)
	if err != nil {
		return err
	}

	return os.WriteFile(path, jsonData, 0644)
}

// LoadCheckpoint loads a checkpoint and checks its parameter count against
// its architecture
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}

	size, err := ckpt.Arch.NumParams()
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if size != len(ckpt.Params) {
		return nil, fmt.Errorf("checkpoint %s: %w: %d params for a network of %d",
			path, nn.ErrShape, len(ckpt.Params), size)
	}
	return &ckpt, nil
}

// Network rebuilds the policy network stored in the checkpoint
func (c *Checkpoint) Network(learningRate float64) (*nn.Network, error) {
	net, err := nn.New(c.Arch, learningRate, nil)
	if err != nil {
		return nil, err
	}
	if err := net.SetParams(c.Params); err != nil {
		return nil, err
	}
	return net, nil
}
