// trail-plot renders a stored position trail from the history database as a
// standalone HTML scatter chart using go-echarts. Useful for eyeballing a
// walk-around session without the live visualisation tabs.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/position.report/internal/db"
)

var (
	dbPath  = flag.String("db", "position_data.db", "Path to the position history database")
	tagID   = flag.Uint("tag", 0, "Tag id to plot")
	limit   = flag.Int("limit", 2000, "Maximum number of positions to plot (newest first)")
	outPath = flag.String("out", "trail.html", "Output HTML file")
)

func main() {
	flag.Parse()

	store, err := db.New(*dbPath)
	if err != nil {
		log.Fatalf("failed to open history store: %v", err)
	}
	defer store.Close()

	rows, err := store.ListPositions(uint32(*tagID), 0, *limit)
	if err != nil {
		log.Fatalf("failed to query positions: %v", err)
	}
	if len(rows) == 0 {
		log.Fatalf("no stored positions for tag %d", *tagID)
	}

	data := make([]opts.ScatterData, 0, len(rows))
	var minX, maxX, minY, maxY float64
	minX, maxX = rows[0].X, rows[0].X
	minY, maxY = rows[0].Y, rows[0].Y
	for _, r := range rows {
		data = append(data, opts.ScatterData{Value: []interface{}{r.X, r.Y, r.Z}})
		if r.X < minX {
			minX = r.X
		}
		if r.X > maxX {
			maxX = r.X
		}
		if r.Y < minY {
			minY = r.Y
		}
		if r.Y > maxY {
			maxY = r.Y
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Tag Trail",
			Width:     "900px",
			Height:    "900px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Tag %d trail", *tagID),
			Subtitle: fmt.Sprintf("%d positions from %s", len(data), *dbPath),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: minX - 50, Max: maxX + 50, Name: "X (cm)"}),
		charts.WithYAxisOpts(opts.YAxis{Min: minY - 50, Max: maxY + 50, Name: "Y (cm)"}),
	)
	scatter.AddSeries("trail", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))

	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("failed to create %q: %v", *outPath, err)
	}
	defer f.Close()

	if err := scatter.Render(f); err != nil {
		log.Fatalf("failed to render chart: %v", err)
	}
	log.Printf("wrote %s", *outPath)
}
