package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	latestPerSeriesSQL = `SELECT DISTINCT ON (crop_name, location, market)
        id,
        crop_name,
        location,
        market,
        price,
        unit,
        observed_at,
        created_at
    FROM crop_prices
    ORDER BY crop_name, location, market, observed_at DESC;`

	observationsInRangeSQL = `SELECT
        id,
        crop_name,
        location,
        market,
        price,
        unit,
        observed_at,
        created_at
    FROM crop_prices
    WHERE crop_name = $1
      AND location = $2
      AND market = $3
      AND observed_at >= $4
      AND observed_at <= $5
    ORDER BY observed_at;`

	insertObservationSQL = `INSERT INTO crop_prices (
        crop_name,
        location,
        market,
        price,
        unit,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (crop_name, location, market, observed_at) DO NOTHING;`

	countObservationsSQL = `SELECT COUNT(*) FROM crop_prices;`
)

// LatestObservationPerSeries returns the newest observation for every distinct
// (crop, location, market) series.
func (s *Store) LatestObservationPerSeries(ctx context.Context) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestPerSeriesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("latest observation per series: %w", queryErr)
	}
	defer rows.Close()

	observations := make([]Observation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

// ObservationsInRange lists a series' observations with observed_at inside
// [from, to], oldest first.
func (s *Store) ObservationsInRange(ctx context.Context, key SeriesKey, from, to time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, observationsInRangeSQL, key.Crop, key.Location, key.Market, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("observations in range: %w", queryErr)
	}
	defer rows.Close()

	observations := make([]Observation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

// InsertObservations writes a batch of observations, silently skipping rows
// that already exist for the same series and timestamp. Returns the number of
// rows actually inserted.
func (s *Store) InsertObservations(ctx context.Context, observations []Observation) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var inserted int64
	for _, obs := range observations {
		tag, execErr := pool.Exec(ctx, insertObservationSQL,
			obs.Series.Crop,
			obs.Series.Location,
			obs.Series.Market,
			obs.Price.String(),
			obs.Unit,
			obs.ObservedAt,
		)
		if execErr != nil {
			return inserted, fmt.Errorf("insert observation %s: %w", obs.Series, execErr)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// CountObservations counts stored observations.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

func scanObservation(rows pgx.Rows) (Observation, error) {
	var (
		obs      Observation
		priceStr string
	)

	if err := rows.Scan(
		&obs.ID,
		&obs.Series.Crop,
		&obs.Series.Location,
		&obs.Series.Market,
		&priceStr,
		&obs.Unit,
		&obs.ObservedAt,
		&obs.CreatedAt,
	); err != nil {
		return Observation{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Observation{}, fmt.Errorf("parse price: %w", err)
	}
	obs.Price = price

	return obs, nil
}
