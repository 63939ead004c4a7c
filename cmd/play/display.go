package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/logrusorgru/aurora"

	"snakedqn/internal/env"
)

// Display handles terminal rendering
type Display struct {
	size int
}

// NewDisplay creates a new display
func NewDisplay(size int) *Display {
	return &Display{size: size}
}

// Render draws the game state to terminal. A negative action hides the
// status action; q may be nil.
func (d *Display) Render(game *env.Game, action env.Action, q []float64) {
	clearScreen()

	state := game.State()
	head := directionHead(game.Heading())

	fmt.Print("┌")
	for x := 0; x < d.size; x++ {
		fmt.Print("──")
	}
	fmt.Println("┐")

	for y := 0; y < d.size; y++ {
		fmt.Print("│")
		for x := 0; x < d.size; x++ {
			switch state.At(x, y) {
			case env.CellHead:
				fmt.Print(aurora.Bold(aurora.Green(fmt.Sprintf(" %c", head))))
			case env.CellBody:
				fmt.Print(aurora.Green(" █"))
			case env.CellFood:
				fmt.Print(aurora.Red(" ●"))
			default:
				fmt.Print(aurora.Gray(8, " ·"))
			}
		}
		fmt.Println("│")
	}

	fmt.Print("└")
	for x := 0; x < d.size; x++ {
		fmt.Print("──")
	}
	fmt.Println("┘")

	actionDisplay := "---"
	if action.Valid() {
		actionDisplay = action.String()
	}
	fmt.Printf("  Step: %3d | Score: %d | Length: %d | Action: %s\n",
		game.Steps(), game.Score(), game.Len(), actionDisplay)

	if q != nil {
		fmt.Print("  Q:")
		for i, v := range q {
			label := fmt.Sprintf(" %s=%.2f", env.Actions[i], v)
			if env.Actions[i] == action {
				fmt.Print(aurora.Blue(label))
			} else {
				fmt.Print(label)
			}
		}
		fmt.Println()
	}

	if game.Done() {
		fmt.Printf("  %s %s\n", aurora.Red("DEAD:"), game.Death())
	}
}

func directionHead(dir env.Point) rune {
	switch dir {
	case env.ActionUp.Vector():
		return '▲'
	case env.ActionRight.Vector():
		return '▶'
	case env.ActionDown.Vector():
		return '▼'
	case env.ActionLeft.Vector():
		return '◀'
	}
	return 'O'
}

func clearScreen() {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/c", "cls")
	} else {
		cmd = exec.Command("clear")
	}
	cmd.Stdout = os.Stdout
	cmd.Run()
}
