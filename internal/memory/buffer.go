// Package memory holds the experience replay buffer.
package memory

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"

	"snakedqn/internal/env"
)

// ErrEmpty is returned when sampling a buffer that holds nothing
var ErrEmpty = errors.New("replay buffer is empty")

// Transition is a single step of experience. It is never modified once stored.
type Transition struct {
	State     env.GridState
	Action    env.Action
	Reward    float64
	NextState env.GridState
	Done      bool
}

// Buffer is a fixed-capacity ring of transitions with uniform sampling.
// It is not safe for concurrent use.
type Buffer struct {
	items    []Transition
	capacity int
	cursor   int
	rng      *rand.Rand
}

// NewBuffer creates a buffer holding at most capacity transitions
func NewBuffer(capacity int, rng *rand.Rand) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("replay buffer capacity must be positive, got %d", capacity)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Buffer{
		items:    make([]Transition, 0, capacity),
		capacity: capacity,
		rng:      rng,
	}, nil
}

// Push appends t, overwriting the oldest slot once the buffer is full
func (b *Buffer) Push(t Transition) {
	if len(b.items) < b.capacity {
		b.items = append(b.items, t)
	} else {
		b.items[b.cursor] = t
	}
	b.cursor = (b.cursor + 1) % b.capacity
}

// Len returns the number of stored transitions
func (b *Buffer) Len() int {
	return len(b.items)
}

// Cap returns the capacity
func (b *Buffer) Cap() int {
	return b.capacity
}

// Sample returns min(n, Len) transitions drawn uniformly without replacement.
// The order of the result is arbitrary.
func (b *Buffer) Sample(n int) ([]Transition, error) {
	size := len(b.items)
	if size == 0 {
		return nil, ErrEmpty
	}
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]Transition, 0, n)
	for _, idx := range b.indices(n, size) {
		out = append(out, b.items[idx])
	}
	return out, nil
}

// indices draws n distinct indices from [0, size)
func (b *Buffer) indices(n, size int) []int {
	// Dense draws are cheaper as a partial shuffle
	if 2*n >= size {
		return b.rng.Perm(size)[:n]
	}

	seen := make(map[int]struct{}, n)
	idx := make([]int, 0, n)
	for len(idx) < n {
		i := b.rng.Intn(size)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	return idx
}

// Snapshot returns the stored transitions oldest first
func (b *Buffer) Snapshot() []Transition {
	out := make([]Transition, 0, len(b.items))
	if len(b.items) < b.capacity {
		return append(out, b.items...)
	}
	out = append(out, b.items[b.cursor:]...)
	return append(out, b.items[:b.cursor]...)
}
