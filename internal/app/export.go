package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"crop-price-alerts/internal/storage"
)

const defaultExportSpanDays = 90

// Export renders one price series, with its trailing means, as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Crop == "" || opts.Location == "" || opts.Market == "" {
		return errors.New("--crop, --location and --market are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, 0, -defaultExportSpanDays)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	key := storage.SeriesKey{Crop: opts.Crop, Location: opts.Location, Market: opts.Market}

	// Fetch extra lead-in so the widest window has a full baseline from the
	// first exported point.
	lead := 0
	for _, w := range a.Config.Engine.WindowDays {
		if w > lead {
			lead = w
		}
	}
	observations, err := store.ObservationsInRange(ctx, key, from.AddDate(0, 0, -lead), to)
	if err != nil {
		return err
	}

	points := buildSeriesPoints(observations, a.Config.Engine.WindowDays, from)
	if len(points) == 0 {
		a.Logger.Info().Str("series", key.String()).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting series")

	if opts.CSVPath != "" {
		if err := writeSeriesCSV(opts.CSVPath, key, a.Config.Engine.WindowDays, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSeriesPNG(opts.PNGPath, key, a.Config.Engine.WindowDays, downsampled); err != nil {
			return err
		}
	}

	return nil
}

type seriesPoint struct {
	observedAt time.Time
	price      decimal.Decimal
	averages   map[int]decimal.Decimal
}

// buildSeriesPoints computes, for every observation at or after from, the
// trailing mean of each window over the observations preceding it.
func buildSeriesPoints(observations []storage.Observation, windows []int, from time.Time) []seriesPoint {
	sort.Slice(observations, func(i, j int) bool {
		return observations[i].ObservedAt.Before(observations[j].ObservedAt)
	})

	var points []seriesPoint
	for i, obs := range observations {
		if obs.ObservedAt.Before(from) {
			continue
		}

		averages := make(map[int]decimal.Decimal, len(windows))
		for _, window := range windows {
			cutoff := obs.ObservedAt.AddDate(0, 0, -window)
			sum := decimal.Zero
			count := 0
			for _, prior := range observations[:i+1] {
				if prior.ObservedAt.Before(cutoff) {
					continue
				}
				sum = sum.Add(prior.Price)
				count++
			}
			if count > 0 {
				averages[window] = sum.Div(decimal.NewFromInt(int64(count)))
			}
		}

		points = append(points, seriesPoint{observedAt: obs.ObservedAt, price: obs.Price, averages: averages})
	}
	return points
}

func downsamplePoints(points []seriesPoint, max int) []seriesPoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]seriesPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeSeriesCSV(path string, key storage.SeriesKey, windows []int, points []seriesPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "crop", "location", "market", "price"}
	for _, window := range windows {
		header = append(header, fmt.Sprintf("ma_%dd", window))
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, point := range points {
		record := []string{
			point.observedAt.Format(time.RFC3339),
			key.Crop,
			key.Location,
			key.Market,
			point.price.String(),
		}
		for _, window := range windows {
			if avg, ok := point.averages[window]; ok {
				record = append(record, avg.StringFixed(2))
			} else {
				record = append(record, "")
			}
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSeriesPNG(path string, key storage.SeriesKey, windows []int, points []seriesPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	price := make([]float64, len(points))
	for i, point := range points {
		x[i] = point.observedAt
		price[i] = point.price.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  key.String(),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (Rs)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
		},
	}

	for _, window := range windows {
		y := make([]float64, len(points))
		for i, point := range points {
			if avg, ok := point.averages[window]; ok {
				y[i] = avg.InexactFloat64()
			} else if i > 0 {
				y[i] = y[i-1]
			}
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    fmt.Sprintf("MA %dd", window),
			XValues: x,
			YValues: y,
		})
	}

	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
