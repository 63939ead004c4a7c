package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"snakedqn/internal/env"
)

// Logger handles all training output
type Logger struct {
	runID      string
	csvPath    string
	jsonPath   string
	printEvery int
	csvFile    *os.File
	csvWriter  *csv.Writer
	jsonFile   *os.File
	out        io.Writer

	initialized bool
	window      []int // recent scores for the console summary
}

// NewLogger creates a new logger
func NewLogger(runID, csvPath, jsonPath string, printEvery int) (*Logger, error) {
	l := &Logger{
		runID:      runID,
		csvPath:    csvPath,
		jsonPath:   jsonPath,
		printEvery: printEvery,
		out:        os.Stdout,
	}

	// Ensure directories exist
	if err := os.MkdirAll(filepath.Dir(csvPath), 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(jsonPath), 0755); err != nil {
		return nil, err
	}

	return l, nil
}

// SetOutput redirects console summaries
func (l *Logger) SetOutput(w io.Writer) {
	l.out = w
}

// Init initializes the log files. With resume set, existing files are
// appended to instead of truncated.
func (l *Logger) Init(resume bool) error {
	var err error

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resume {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	l.csvFile, err = os.OpenFile(l.csvPath, flags, 0644)
	if err != nil {
		return err
	}
	l.csvWriter = csv.NewWriter(l.csvFile)

	info, err := l.csvFile.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		header := []string{
			"episode", "score", "steps", "reward", "loss", "epsilon", "death", "buffer", "seed",
		}
		if err := l.csvWriter.Write(header); err != nil {
			return err
		}
		l.csvWriter.Flush()
	}

	l.jsonFile, err = os.OpenFile(l.jsonPath, flags, 0644)
	if err != nil {
		return err
	}

	l.initialized = true
	return nil
}

// Close closes all log files
func (l *Logger) Close() {
	if l.csvWriter != nil {
		l.csvWriter.Flush()
	}
	if l.csvFile != nil {
		l.csvFile.Close()
	}
	if l.jsonFile != nil {
		l.jsonFile.Close()
	}
}

// EpisodeRecord is one line of the metrics stream
type EpisodeRecord struct {
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"` // episode|eval
	Episode   int             `json:"episode"`
	Score     int             `json:"score"`
	Steps     int             `json:"steps"`
	Reward    float64         `json:"reward"`
	Loss      float64         `json:"loss"`
	Epsilon   float64         `json:"epsilon"`
	Death     env.DeathReason `json:"death"`
	BufferLen int             `json:"buffer_len"`
	Seed      uint64          `json:"seed"`

	EvalScoreMean float64        `json:"eval_score_mean,omitempty"`
	EvalBestScore int            `json:"eval_best_score,omitempty"`
	EvalDeaths    map[string]int `json:"eval_deaths,omitempty"`
}

// LogEpisode records one finished training episode
func (l *Logger) LogEpisode(stats env.EpisodeStats, epsilon float64, bufferLen int) error {
	if !l.initialized {
		return nil
	}

	rec := EpisodeRecord{
		RunID:     l.runID,
		Kind:      "episode",
		Episode:   stats.Episode,
		Score:     stats.Score,
		Steps:     stats.Steps,
		Reward:    stats.Reward,
		Loss:      stats.Loss,
		Epsilon:   epsilon,
		Death:     stats.Death,
		BufferLen: bufferLen,
		Seed:      stats.Seed,
	}

	// Write CSV row
	row := []string{
		strconv.Itoa(rec.Episode),
		strconv.Itoa(rec.Score),
		strconv.Itoa(rec.Steps),
		fmt.Sprintf("%.2f", rec.Reward),
		fmt.Sprintf("%.6f", rec.Loss),
		fmt.Sprintf("%.4f", rec.Epsilon),
		rec.Death.String(),
		strconv.Itoa(rec.BufferLen),
		strconv.FormatUint(rec.Seed, 10),
	}
	if err := l.csvWriter.Write(row); err != nil {
		return err
	}
	l.csvWriter.Flush()

	if err := l.writeJSON(rec); err != nil {
		return err
	}

	l.window = append(l.window, rec.Score)
	if l.printEvery > 0 && rec.Episode%l.printEvery == 0 {
		var sum, best int
		for _, s := range l.window {
			sum += s
			if s > best {
				best = s
			}
		}
		fmt.Fprintf(l.out, "Ep %5d | Score: %3d | Avg: %6.2f | Best: %3d | Steps: %4d | Eps: %.3f | Loss: %.4f | Death: %s\n",
			rec.Episode, rec.Score, float64(sum)/float64(len(l.window)), best, rec.Steps,
			rec.Epsilon, rec.Loss, rec.Death)
		l.window = l.window[:0]
	}
	return nil
}

// LogEval records a greedy evaluation result
func (l *Logger) LogEval(episode int, agg env.AggregatedStats) error {
	deaths := make(map[string]int, len(agg.DeathCounts))
	for reason, count := range agg.DeathCounts {
		deaths[reason.String()] = count
	}

	fmt.Fprintf(l.out, "  [Eval] Ep %d: Score=%.2f±%.2f, Best=%d, Steps=%.1f, Deaths=%v\n",
		episode, agg.ScoreMean, agg.ScoreStd, agg.BestScore, agg.StepsMean, deaths)

	if !l.initialized {
		return nil
	}
	return l.writeJSON(EpisodeRecord{
		RunID:         l.runID,
		Kind:          "eval",
		Episode:       episode,
		Reward:        agg.RewardMean,
		EvalScoreMean: agg.ScoreMean,
		EvalBestScore: agg.BestScore,
		EvalDeaths:    deaths,
	})
}

func (l *Logger) writeJSON(rec EpisodeRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = l.jsonFile.Write(append(line, '\n'))
	return err
}

// ReadEpisodes loads every record of a JSONL metrics file
func ReadEpisodes(path string) ([]EpisodeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []EpisodeRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec EpisodeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
