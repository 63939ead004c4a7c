package main

import (
	"flag"
	"fmt"
	"os"

	"snakedqn/internal/report"
)

func main() {
	metricsPath := flag.String("metrics", "runs/run.jsonl", "path to the JSONL metrics file")
	out := flag.String("out", "runs/report.html", "path of the HTML report")
	window := flag.Int("window", report.DefaultWindow, "moving average width in episodes")
	flag.Parse()

	if err := report.RenderFile(*metricsPath, *out, *window); err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Report written to %s\n", *out)
}
