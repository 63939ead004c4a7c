// Package report renders training curves from a metrics file as HTML.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"snakedqn/internal/logging"
)

// DefaultWindow is the moving-average width for the score curve
const DefaultWindow = 100

// Series holds the per-episode curves of one run
type Series struct {
	Episodes  []int
	Scores    []float64
	MeanScore []float64 // moving average
	Rewards   []float64
	Epsilons  []float64
	Losses    []float64

	EvalEpisodes []int
	EvalScores   []float64
}

// Collect splits records into training and evaluation curves
func Collect(records []logging.EpisodeRecord, window int) Series {
	if window <= 0 {
		window = DefaultWindow
	}

	var s Series
	var sum float64
	for _, r := range records {
		if r.Kind == "eval" {
			s.EvalEpisodes = append(s.EvalEpisodes, r.Episode)
			s.EvalScores = append(s.EvalScores, r.EvalScoreMean)
			continue
		}
		s.Episodes = append(s.Episodes, r.Episode)
		s.Scores = append(s.Scores, float64(r.Score))
		s.Rewards = append(s.Rewards, r.Reward)
		s.Epsilons = append(s.Epsilons, r.Epsilon)
		s.Losses = append(s.Losses, r.Loss)

		n := len(s.Scores)
		sum += float64(r.Score)
		if n > window {
			sum -= s.Scores[n-1-window]
			n = window
		}
		s.MeanScore = append(s.MeanScore, sum/float64(n))
	}
	return s
}

func lineData(vals []float64) []opts.LineData {
	items := make([]opts.LineData, 0, len(vals))
	for _, v := range vals {
		items = append(items, opts.LineData{Value: v})
	}
	return items
}

func xAxis(episodes []int) []string {
	labels := make([]string, 0, len(episodes))
	for _, ep := range episodes {
		labels = append(labels, fmt.Sprintf("%d", ep))
	}
	return labels
}

func newLine(title string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title: title,
		}),
		charts.WithInitializationOpts(opts.Initialization{
			Theme: "shine",
		}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	return line
}

// Render writes the chart page for the series
func Render(w io.Writer, s Series, runID string) error {
	score := newLine("Score " + runID)
	score.SetXAxis(xAxis(s.Episodes)).
		AddSeries("score", lineData(s.Scores)).
		AddSeries("moving average", lineData(s.MeanScore))

	reward := newLine("Episode reward")
	reward.SetXAxis(xAxis(s.Episodes)).
		AddSeries("reward", lineData(s.Rewards))

	epsilon := newLine("Exploration rate")
	epsilon.SetXAxis(xAxis(s.Episodes)).
		AddSeries("epsilon", lineData(s.Epsilons))

	loss := newLine("Mean training loss")
	loss.SetXAxis(xAxis(s.Episodes)).
		AddSeries("loss", lineData(s.Losses))

	page := components.NewPage()
	page.PageTitle = "snakedqn training"
	page.AddCharts(score, reward, epsilon, loss)

	if len(s.EvalEpisodes) > 0 {
		greedy := newLine("Greedy evaluation")
		greedy.SetXAxis(xAxis(s.EvalEpisodes)).
			AddSeries("mean score", lineData(s.EvalScores))
		page.AddCharts(greedy)
	}

	return page.Render(w)
}

// RenderFile reads a JSONL metrics file and writes the HTML report to out
func RenderFile(metricsPath, out string, window int) error {
	records, err := logging.ReadEpisodes(metricsPath)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no records in %s", metricsPath)
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := Render(f, Collect(records, window), records[0].RunID); err != nil {
		return err
	}
	return f.Close()
}
