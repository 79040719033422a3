package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"crop-price-alerts/internal/storage"
)

// Show prints the latest observation per series, or recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show")
	}
	defer closeStore()

	if opts.Alerts {
		return a.showAlerts(ctx, store, opts.Limit)
	}
	return a.showPrices(ctx, store)
}

func (a *App) showPrices(ctx context.Context, store storage.PriceStore) error {
	observations, err := store.LatestObservationPerSeries(ctx)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintln(os.Stdout, "no observations found")
		return nil
	}

	sort.Slice(observations, func(i, j int) bool {
		return observations[i].Series.String() < observations[j].Series.String()
	})

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Crop\tLocation\tMarket\tPrice\tUnit\tObserved (UTC)")
	for _, obs := range observations {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			obs.Series.Crop,
			obs.Series.Location,
			obs.Series.Market,
			formatDecimal(obs.Price, 2),
			obs.Unit,
			obs.ObservedAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

func (a *App) showAlerts(ctx context.Context, store storage.AlertAuditStore, limit int) error {
	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSubscriber\tSeries\tPrice\tThreshold%\tDirection\tChanges")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.SubscriberID,
			alert.Series.String(),
			formatDecimal(alert.CurrentPrice, 2),
			formatDecimal(alert.ThresholdPct, 0),
			alert.Direction,
			formatChanges(alert.Changes),
		)
	}
	return writer.Flush()
}

func formatChanges(changes map[int]decimal.Decimal) string {
	windows := make([]int, 0, len(changes))
	for window := range changes {
		windows = append(windows, window)
	}
	sort.Ints(windows)

	parts := make([]string, 0, len(windows))
	for _, window := range windows {
		parts = append(parts, fmt.Sprintf("%dd: %s%%", window, changes[window].StringFixed(2)))
	}
	return strings.Join(parts, ", ")
}
