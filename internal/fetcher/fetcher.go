package fetcher

import (
	"context"
	"time"

	"crop-price-alerts/internal/storage"
)

// PriceFetcher retrieves mandi price observations from an upstream source.
type PriceFetcher interface {
	FetchPrices(ctx context.Context, since time.Time) ([]storage.Observation, error)
}
