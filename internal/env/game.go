package env

import (
	"golang.org/x/exp/rand"
)

// Reward values of the game
const (
	RewardDeath   = -10.0
	RewardFood    = 20.0
	RewardCloser  = 1.0
	RewardFarther = -1.0
)

// DefaultHungerLimit is the number of steps allowed without eating
const DefaultHungerLimit = 100

// MinGridSize is the smallest board that leaves room for food
const MinGridSize = 2

// Game is the snake environment. It is a pure function of its internal
// state plus the action; randomness only enters through food placement.
type Game struct {
	size        int
	hungerLimit int

	// State
	body           []Point // head is at index 0
	heading        Point
	food           Point
	score          int
	totalSteps     int
	stepsSinceFood int
	done           bool
	death          DeathReason
	totalReward    float64

	seed uint64
	rng  *rand.Rand
}

// NewGame creates a new game instance and resets it. Sizes below
// MinGridSize are raised to it.
func NewGame(size, hungerLimit int, seed uint64) *Game {
	if size < MinGridSize {
		size = MinGridSize
	}
	if hungerLimit <= 0 {
		hungerLimit = DefaultHungerLimit
	}
	g := &Game{
		size:        size,
		hungerLimit: hungerLimit,
		seed:        seed,
		rng:         rand.New(rand.NewSource(seed)),
	}
	g.Reset()
	return g
}

// Reset initializes the game to its starting state and returns the first snapshot
func (g *Game) Reset() GridState {
	mid := g.size / 2
	g.body = []Point{{X: mid, Y: mid}}
	g.heading = ActionRight.Vector()
	g.score = 0
	g.totalSteps = 0
	g.stepsSinceFood = 0
	g.done = false
	g.death = DeathNone
	g.totalReward = 0
	g.placeFood()
	return g.State()
}

// ResetSeed reseeds food placement and resets, so the episode can be replayed
// from the seed alone
func (g *Game) ResetSeed(seed uint64) GridState {
	g.seed = seed
	g.rng.Seed(seed)
	return g.Reset()
}

// Step advances the game by one tick with the given action. Once the game is
// terminal every further step is a no-op returning reward 0 and done.
func (g *Game) Step(action Action) (GridState, float64, bool) {
	if g.done {
		return g.State(), 0, true
	}

	g.totalSteps++
	g.stepsSinceFood++

	// Reversing onto the neck is fatal, the body does not move
	dir := action.Vector()
	if dir == g.heading.Neg() {
		return g.die(DeathReversal)
	}
	g.heading = dir

	head := g.body[0]
	newHead := head.Add(g.heading)

	// Check wall collision
	if !g.inBounds(newHead) {
		return g.die(DeathWall)
	}

	// Check self collision. The tail cell still counts even though it would
	// be vacated this tick.
	for _, p := range g.body {
		if p == newHead {
			return g.die(DeathSelf)
		}
	}

	if g.stepsSinceFood >= g.hungerLimit {
		return g.die(DeathHunger)
	}

	oldDist := head.Manhattan(g.food)
	newDist := newHead.Manhattan(g.food)

	g.body = append(g.body, Point{})
	copy(g.body[1:], g.body)
	g.body[0] = newHead

	var reward float64
	if newHead == g.food {
		// Grow: don't remove tail
		g.score++
		g.stepsSinceFood = 0
		reward = RewardFood
		if !g.placeFood() {
			g.done = true
			g.death = DeathBoardFull
		}
	} else {
		g.body = g.body[:len(g.body)-1]
		if newDist < oldDist {
			reward = RewardCloser
		} else {
			reward = RewardFarther
		}
	}

	g.totalReward += reward
	return g.State(), reward, g.done
}

func (g *Game) die(reason DeathReason) (GridState, float64, bool) {
	g.done = true
	g.death = reason
	g.totalReward += RewardDeath
	return g.State(), RewardDeath, true
}

func (g *Game) inBounds(p Point) bool {
	return p.X >= 0 && p.X < g.size && p.Y >= 0 && p.Y < g.size
}

// placeFood puts food on a uniformly random cell not covered by the body.
// It reports false when the body fills the whole board.
func (g *Game) placeFood() bool {
	occupied := make(map[Point]bool, len(g.body))
	for _, p := range g.body {
		occupied[p] = true
	}

	empty := make([]Point, 0, g.size*g.size-len(g.body))
	for y := 0; y < g.size; y++ {
		for x := 0; x < g.size; x++ {
			p := Point{X: x, Y: y}
			if !occupied[p] {
				empty = append(empty, p)
			}
		}
	}

	if len(empty) == 0 {
		return false
	}
	g.food = empty[g.rng.Intn(len(empty))]
	return true
}

// State rebuilds the board snapshot from the body and the food
func (g *Game) State() GridState {
	s := newGridState(g.size)
	for i := 1; i < len(g.body); i++ {
		p := g.body[i]
		s.cells[p.Y*g.size+p.X] = CellBody
	}
	if g.death != DeathBoardFull {
		s.cells[g.food.Y*g.size+g.food.X] = CellFood
	}
	head := g.body[0]
	s.cells[head.Y*g.size+head.X] = CellHead
	return s
}

// Size returns the grid side length
func (g *Game) Size() int {
	return g.size
}

// HungerLimit returns the steps allowed without eating
func (g *Game) HungerLimit() int {
	return g.hungerLimit
}

// Seed returns the seed of the current episode
func (g *Game) Seed() uint64 {
	return g.seed
}

// Score returns the food eaten this episode
func (g *Game) Score() int {
	return g.score
}

// Steps returns the ticks played this episode
func (g *Game) Steps() int {
	return g.totalSteps
}

// StepsSinceFood returns the ticks since the last meal
func (g *Game) StepsSinceFood() int {
	return g.stepsSinceFood
}

// Done reports whether the episode is over
func (g *Game) Done() bool {
	return g.done
}

// Death returns how the episode ended
func (g *Game) Death() DeathReason {
	return g.death
}

// Len returns the body length
func (g *Game) Len() int {
	return len(g.body)
}

// Head returns the snake's head position
func (g *Game) Head() Point {
	return g.body[0]
}

// Food returns the food position
func (g *Game) Food() Point {
	return g.food
}

// Body returns a copy of the body, head first
func (g *Game) Body() []Point {
	body := make([]Point, len(g.body))
	copy(body, g.body)
	return body
}

// Heading returns the current unit heading vector
func (g *Game) Heading() Point {
	return g.heading
}

// Stats returns the episode statistics gathered so far
func (g *Game) Stats() EpisodeStats {
	return EpisodeStats{
		Score:  g.score,
		Steps:  g.totalSteps,
		Reward: g.totalReward,
		Death:  g.death,
		Seed:   g.seed,
	}
}
