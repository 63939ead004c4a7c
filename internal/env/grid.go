package env

import "fmt"

// Cell is the categorical content of one grid square
type Cell uint8

const (
	CellEmpty Cell = iota
	CellBody
	CellHead
	CellFood
)

func (c Cell) String() string {
	switch c {
	case CellEmpty:
		return "empty"
	case CellBody:
		return "body"
	case CellHead:
		return "head"
	case CellFood:
		return "food"
	default:
		return "unknown"
	}
}

// Action is an absolute heading request
type Action int

const (
	ActionLeft Action = iota
	ActionRight
	ActionUp
	ActionDown
)

// NumActions is the width of every action-value vector
const NumActions = 4

// Actions lists every action in ordinal order
var Actions = [NumActions]Action{ActionLeft, ActionRight, ActionUp, ActionDown}

// Vector returns the unit displacement for the action
func (a Action) Vector() Point {
	switch a {
	case ActionLeft:
		return Point{X: -1, Y: 0}
	case ActionRight:
		return Point{X: 1, Y: 0}
	case ActionUp:
		return Point{X: 0, Y: -1}
	case ActionDown:
		return Point{X: 0, Y: 1}
	}
	return Point{}
}

// Valid reports whether a is one of the four directional actions
func (a Action) Valid() bool {
	return a >= ActionLeft && a <= ActionDown
}

func (a Action) String() string {
	switch a {
	case ActionLeft:
		return "LEFT"
	case ActionRight:
		return "RIGHT"
	case ActionUp:
		return "UP"
	case ActionDown:
		return "DOWN"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Point represents a coordinate on the grid
type Point struct {
	X, Y int
}

// Add returns p displaced by q
func (p Point) Add(q Point) Point {
	return Point{X: p.X + q.X, Y: p.Y + q.Y}
}

// Neg returns the opposite vector
func (p Point) Neg() Point {
	return Point{X: -p.X, Y: -p.Y}
}

// Manhattan returns |dx| + |dy| between p and q
func (p Point) Manhattan(q Point) int {
	dx := p.X - q.X
	dy := p.Y - q.Y
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}

// GridState is an immutable N×N snapshot of the board, stored row-major.
// The zero value is an empty 0×0 grid.
type GridState struct {
	size  int
	cells []Cell
}

func newGridState(size int) GridState {
	return GridState{size: size, cells: make([]Cell, size*size)}
}

// Size returns N
func (s GridState) Size() int {
	return s.size
}

// At returns the cell at column x, row y
func (s GridState) At(x, y int) Cell {
	return s.cells[y*s.size+x]
}

// Count returns how many cells hold c
func (s GridState) Count(c Cell) int {
	n := 0
	for _, v := range s.cells {
		if v == c {
			n++
		}
	}
	return n
}

// Equal reports whether both snapshots describe the same board
func (s GridState) Equal(o GridState) bool {
	if s.size != o.size {
		return false
	}
	for i := range s.cells {
		if s.cells[i] != o.cells[i] {
			return false
		}
	}
	return true
}

func (s GridState) String() string {
	b := make([]byte, 0, s.size*(s.size+1))
	for y := 0; y < s.size; y++ {
		for x := 0; x < s.size; x++ {
			b = append(b, ".oHF"[s.At(x, y)])
		}
		b = append(b, '\n')
	}
	return string(b)
}
