// Command report renders a user's laughter history as a standalone HTML
// chart and prints summary statistics over the stored probabilities.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"github.com/stokedbloke/giggles-cli-sub001/internal/db"
)

func main() {
	var dbPath string
	var userID string
	var outPath string
	var days int

	flag.StringVar(&dbPath, "db", "giggles.db", "path to sqlite db")
	flag.StringVar(&userID, "user", "", "user id to report on")
	flag.StringVar(&outPath, "out", "report.html", "output HTML file")
	flag.IntVar(&days, "days", 30, "trailing days to include in statistics")
	flag.Parse()

	if userID == "" {
		log.Fatalf("user must be provided")
	}

	database, err := db.OpenDB(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()

	counts, err := database.DailyDetectionCounts(userID)
	if err != nil {
		log.Fatalf("query daily counts: %v", err)
	}
	if len(counts) == 0 {
		log.Fatalf("no detections stored for user %s", userID)
	}

	if err := renderChart(outPath, userID, counts); err != nil {
		log.Fatalf("render chart: %v", err)
	}
	fmt.Printf("wrote %s\n", outPath)

	now := time.Now().UTC()
	dets, err := database.DetectionsBetween(userID, now.AddDate(0, 0, -days), now)
	if err != nil {
		log.Fatalf("query detections: %v", err)
	}
	printStats(dets, days)
}

// renderChart draws one bar series per laughter class over calendar
// days.
func renderChart(path, userID string, counts []db.DailyClassCount) error {
	days := make([]string, 0)
	seen := map[string]bool{}
	for _, c := range counts {
		if !seen[c.Day] {
			seen[c.Day] = true
			days = append(days, c.Day)
		}
	}
	sort.Strings(days)
	dayIndex := make(map[string]int, len(days))
	for i, d := range days {
		dayIndex[d] = i
	}

	// class name -> per-day counts
	series := map[string][]opts.BarData{}
	for _, c := range counts {
		name := c.ClassName
		if series[name] == nil {
			data := make([]opts.BarData, len(days))
			for i := range data {
				data[i] = opts.BarData{Value: int64(0)}
			}
			series[name] = data
		}
		series[name][dayIndex[c.Day]] = opts.BarData{Value: c.Count}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Laughter Report", Width: "1100px", Height: "550px"}),
		charts.WithTitleOpts(opts.Title{Title: "Laughter events per day", Subtitle: "user " + userID}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(days)

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		bar.AddSeries(name, series[name], charts.WithBarChartOpts(opts.BarChart{Stack: "total"}))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return bar.Render(f)
}

func printStats(dets []db.StoredDetection, days int) {
	if len(dets) == 0 {
		fmt.Printf("no detections in the last %d days\n", days)
		return
	}

	probs := make([]float64, len(dets))
	for i, d := range dets {
		probs[i] = d.Probability
	}
	sort.Float64s(probs)

	mean, std := stat.MeanStdDev(probs, nil)
	fmt.Printf("last %d days: %d detections\n", days, len(dets))
	fmt.Printf("probability mean=%.3f stddev=%.3f median=%.3f p90=%.3f\n",
		mean, std,
		stat.Quantile(0.5, stat.Empirical, probs, nil),
		stat.Quantile(0.9, stat.Empirical, probs, nil))
}
