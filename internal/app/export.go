package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"market-pulse-bot/internal/storage"
)

const defaultExportPoints = 500

// Export renders cycle history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	if opts.MaxPoints <= 0 {
		opts.MaxPoints = defaultExportPoints
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListCyclesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no cycles found for export window")
		return nil
	}

	downsampled := downsampleCycles(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting cycles")

	if opts.CSVPath != "" {
		if err := writeCyclesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCyclesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleCycles(samples []storage.CycleSample, max int) []storage.CycleSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]storage.CycleSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeCyclesCSV(path string, samples []storage.CycleSample) error {
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

	header := []string{"started_at", "btc_price", "btc_change_pct", "eth_price", "eth_change_pct", "outcome", "stage", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		stage := ""
		if sample.Stage != nil {
			stage = *sample.Stage
		}
		reason := ""
		if sample.Reason != nil {
			reason = *sample.Reason
		}
		record := []string{
			sample.StartedAt.Format(time.RFC3339),
			sample.BTCPrice.String(),
			sample.BTCChangePct.String(),
			sample.ETHPrice.String(),
			sample.ETHChangePct.String(),
			sample.Outcome,
			stage,
			reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeCyclesPNG(path string, samples []storage.CycleSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	btc := make([]float64, len(samples))
	eth := make([]float64, len(samples))
	btcChange := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.StartedAt
		btc[i] = sample.BTCPrice.InexactFloat64()
		eth[i] = sample.ETHPrice.InexactFloat64()
		btcChange[i] = sample.BTCChangePct.InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "BTC 24h change (%)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "BTC",
				XValues: x,
				YValues: btc,
			},
			chart.TimeSeries{
				Name:    "ETH",
				XValues: x,
				YValues: eth,
			},
			chart.TimeSeries{
				Name:    "BTC 24h %",
				XValues: x,
				YValues: btcChange,
				YAxis:   chart.YAxisSecondary,
			},
		},
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
