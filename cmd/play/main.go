package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"snakedqn/internal/config"
	"snakedqn/internal/env"
	"snakedqn/internal/logging"
	"snakedqn/internal/nn"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "path to config file")
	checkpointPath := flag.String("checkpoint", "runs/checkpoints/final.json", "path to checkpoint JSON")
	tracePath := flag.String("trace", "", "replay a recorded trace instead of playing")
	seed := flag.Uint64("seed", 12345, "random seed for the game")
	delay := flag.Int("delay", 100, "delay between frames in milliseconds")
	noDisplay := flag.Bool("no-display", false, "run without display (just print stats)")
	flag.Parse()

	frameDelay := time.Duration(*delay) * time.Millisecond

	if *tracePath != "" {
		if err := replay(*tracePath, frameDelay, !*noDisplay); err != nil {
			fmt.Fprintf(os.Stderr, "Error replaying trace: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ckpt, err := logging.LoadCheckpoint(*checkpointPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading checkpoint: %v\n", err)
		os.Exit(1)
	}
	net, err := ckpt.Network(cfg.Agent.LearningRate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building network: %v\n", err)
		os.Exit(1)
	}

	// The board must match the network input
	size := ckpt.Arch.Height
	enc, err := env.NewEncoder(encodingFor(ckpt.Arch.Channels), size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating encoder: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Loaded checkpoint from episode %d (epsilon=%.3f, best score=%d)\n",
		ckpt.Episode, ckpt.Epsilon, ckpt.Score)
	fmt.Printf("Board: %dx%d, Seed: %d\n", size, size, *seed)
	fmt.Println("Press Ctrl+C to exit")
	fmt.Println()

	game := env.NewGame(size, cfg.Env.HungerLimit, *seed)
	display := NewDisplay(size)
	input := [][]float64{make([]float64, enc.Dim())}

	state := game.State()
	for !game.Done() {
		if err := enc.EncodeInto(input[0], state); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding state: %v\n", err)
			os.Exit(1)
		}
		q, err := net.Predict(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error predicting: %v\n", err)
			os.Exit(1)
		}
		action := env.Actions[nn.Argmax(q[0])]

		if !*noDisplay {
			display.Render(game, action, q[0])
			time.Sleep(frameDelay)
		}
		state, _, _ = game.Step(action)
	}

	if !*noDisplay {
		display.Render(game, -1, nil)
	}
	printStats(game.Stats())
}

func replay(path string, frameDelay time.Duration, show bool) error {
	trace, err := env.LoadTrace(path)
	if err != nil {
		return err
	}
	fmt.Printf("Replaying %d actions (seed=%d, score=%d)\n", len(trace.Actions), trace.Seed, trace.FinalStats.Score)

	game := trace.Playback()
	display := NewDisplay(trace.GridSize)
	for _, action := range trace.Actions {
		if game.Done() {
			break
		}
		if show {
			display.Render(game, action, nil)
			time.Sleep(frameDelay)
		}
		game.Step(action)
	}
	if show {
		display.Render(game, -1, nil)
	}

	stats := game.Stats()
	if stats.Score != trace.FinalStats.Score || stats.Steps != trace.FinalStats.Steps {
		return fmt.Errorf("trace diverged: replay scored %d in %d steps, recorded %d in %d",
			stats.Score, stats.Steps, trace.FinalStats.Score, trace.FinalStats.Steps)
	}
	printStats(stats)
	return nil
}

func encodingFor(channels int) env.Encoding {
	if channels == env.Channels(env.EncodingPlanes) {
		return env.EncodingPlanes
	}
	return env.EncodingScalar
}

func printStats(stats env.EpisodeStats) {
	fmt.Println()
	fmt.Println("═══════════════════════════════════")
	fmt.Printf("  Game Over! Death: %s\n", stats.Death)
	fmt.Printf("  Steps: %d, Score: %d\n", stats.Steps, stats.Score)
	fmt.Printf("  Reward: %.1f\n", stats.Reward)
	fmt.Println("═══════════════════════════════════")
}
