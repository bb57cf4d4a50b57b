// Package chart renders aggregated series as PNG images for the command
// layer. It consumes stats output only; it never queries the store itself.
package chart

import (
	"bytes"
	"fmt"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"voicestats/internal/stats"
)

var barColor = drawing.ColorFromHex("5865f2") // Discord blurple

// DailyHours renders a bar chart of voice hours per day from a daily series.
// Returns nil when every bucket is zero, matching the "no data, no chart"
// behavior of the commands.
func DailyHours(title string, series []stats.Bucket) ([]byte, error) {
	var hasData bool
	bars := make([]chart.Value, 0, len(series))
	for _, bucket := range series {
		hours := bucket.Total.Hours()
		if hours > 0 {
			hasData = true
		}
		bars = append(bars, chart.Value{
			Label: bucket.Window.Start.Format("01/02"),
			Value: hours,
			Style: chart.Style{
				FillColor:   barColor,
				StrokeColor: barColor,
			},
		})
	}
	if !hasData {
		return nil, nil
	}

	graph := chart.BarChart{
		Title:    title,
		Width:    1024,
		Height:   512,
		BarWidth: 40,
		Background: chart.Style{
			Padding: chart.Box{Top: 50, Left: 20, Right: 20, Bottom: 20},
		},
		YAxis: chart.YAxis{
			Name: "Hours",
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("%.1fh", f)
				}
				return ""
			},
		},
		Bars: bars,
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("failed to render chart: %w", err)
	}
	return buf.Bytes(), nil
}
