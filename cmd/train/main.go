package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"

	"snakedqn/internal/config"
	"snakedqn/internal/eval"
	"snakedqn/internal/logging"
	"snakedqn/internal/stream"
	"snakedqn/internal/train"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	episodes := flag.Int("episodes", 0, "number of episodes to run (overrides config)")
	serve := flag.String("serve", "", "address to stream training steps on, e.g. :8080 (overrides config)")
	resume := flag.String("resume", "", "checkpoint to resume from")
	flag.Parse()

	if err := run(*configPath, *episodes, *serve, *resume); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, episodes int, serve, resume string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if episodes > 0 {
		cfg.Train.Episodes = episodes
	}
	if serve != "" {
		cfg.Stream.Addr = serve
	}

	session, err := train.NewSession(cfg)
	if err != nil {
		return err
	}

	var ckpt *logging.Checkpoint
	if resume != "" {
		if ckpt, err = logging.LoadCheckpoint(resume); err != nil {
			return err
		}
		if err := session.Restore(ckpt.Params, ckpt.Epsilon, ckpt.Episode, ckpt.Score); err != nil {
			return fmt.Errorf("resume %s: %w", resume, err)
		}
	}

	arch := cfg.Arch()
	fmt.Printf("Snake DQN Trainer - Run: %s\n", session.ID)
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Board: %dx%d (%s), Conv stages: %d, Hidden: %d, Params: %d\n",
		cfg.Env.GridSize, cfg.Env.GridSize, cfg.Env.Encoding, len(arch.Conv), arch.Hidden, session.Policy.NumParams())
	fmt.Printf("Gamma: %.3f, Batch: %d, Buffer: %d, Target sync: %d episodes\n",
		cfg.Agent.Gamma, cfg.Agent.BatchSize, cfg.Agent.BufferCapacity, cfg.Agent.TargetSyncPeriod)
	if ckpt != nil {
		fmt.Printf("Resumed from episode %d (epsilon=%.3f)\n", ckpt.Episode, ckpt.Epsilon)
	}
	fmt.Println("---")

	if cfg.Train.CheckpointDir != "" {
		if err := cfg.Write(filepath.Join(cfg.Train.CheckpointDir, "config.yaml")); err != nil {
			return err
		}
	}

	logger, err := logging.NewLogger(session.ID, cfg.Logging.CSVPath, cfg.Logging.JSONPath, cfg.Logging.PrintEvery)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	if err := logger.Init(ckpt != nil); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()

	evaluator, err := eval.NewEvaluator(cfg)
	if err != nil {
		return err
	}
	trainer := train.NewTrainer(session, logger, evaluator)

	prog := newProgress(session)
	observers := []train.Observer{prog}
	var hub *stream.Hub
	if cfg.Stream.Addr != "" {
		hub = stream.NewHub(cfg.Stream, cfg.Net.FeatureChannels > 0)
		observers = append(observers, hub)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	trainCtx, cancelTrain := context.WithCancel(groupCtx)
	defer cancelTrain()

	startTime := time.Now()
	group.Go(func() error {
		// Training ending for any reason stops the server and the ticker
		defer cancelTrain()
		return trainer.Run(trainCtx, cfg.Train.Episodes, observers...)
	})
	if hub != nil {
		group.Go(func() error {
			fmt.Printf("Streaming on ws://%s/ws\n", cfg.Stream.Addr)
			return hub.ListenAndServe(trainCtx, cfg.Stream.Addr)
		})
	}
	if cfg.Logging.ProgressPeriod > 0 {
		group.Go(func() error {
			for range channerics.NewTicker(trainCtx.Done(), cfg.Logging.ProgressPeriod) {
				prog.print()
			}
			return nil
		})
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		fmt.Println("Interrupted, saving checkpoint")
		if err := trainer.SaveCheckpoint("interrupted.json"); err != nil {
			return err
		}
		err = nil
	}
	if err != nil {
		return err
	}

	fmt.Println("---")
	fmt.Printf("Training complete! %d episodes, %d steps in %v\n",
		session.Episode, session.TotalSteps, time.Since(startTime).Round(time.Second))
	fmt.Printf("Best score: %d\n", session.BestScore)
	return nil
}
