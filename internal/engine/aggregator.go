package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"crop-price-alerts/internal/storage"
)

// Aggregator computes trailing moving averages for a series from the price
// store. Read-only; recomputed every scan.
type Aggregator struct {
	prices storage.PriceStore
}

// NewAggregator constructs an Aggregator over the given price store.
func NewAggregator(prices storage.PriceStore) *Aggregator {
	return &Aggregator{prices: prices}
}

// MovingAverages returns the arithmetic mean price per window, keyed by window
// size in days. A window with zero observations is absent from the result,
// never reported as zero. Observations are fetched once for the widest window
// and narrower windows are computed from the same slice.
func (a *Aggregator) MovingAverages(ctx context.Context, key storage.SeriesKey, asOf time.Time, windows []int) (map[int]decimal.Decimal, error) {
	averages := make(map[int]decimal.Decimal, len(windows))
	if len(windows) == 0 {
		return averages, nil
	}

	widest := lo.Max(windows)
	from := asOf.AddDate(0, 0, -widest)

	observations, err := a.prices.ObservationsInRange(ctx, key, from, asOf)
	if err != nil {
		return nil, fmt.Errorf("fetch observations for %s: %w", key, err)
	}

	for _, days := range windows {
		cutoff := asOf.AddDate(0, 0, -days)
		sum := decimal.Zero
		count := 0
		for _, obs := range observations {
			if obs.ObservedAt.Before(cutoff) || obs.ObservedAt.After(asOf) {
				continue
			}
			sum = sum.Add(obs.Price)
			count++
		}
		if count > 0 {
			averages[days] = sum.Div(decimal.NewFromInt(int64(count)))
		}
	}

	return averages, nil
}
