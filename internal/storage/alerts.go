package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        run_id,
        subscriber_id,
        rule_id,
        crop_name,
        location,
        market,
        current_price,
        threshold_pct,
        direction,
        changes
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        run_id,
        subscriber_id,
        rule_id,
        crop_name,
        location,
        market,
        current_price,
        threshold_pct,
        direction,
        changes,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`
)

// InsertAlert persists an alert emission for auditing.
func (s *Store) InsertAlert(ctx context.Context, rec AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("marshal alert changes: %w", err)
	}

	var ruleID interface{}
	if rec.RuleID != nil {
		ruleID = *rec.RuleID
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		rec.RunID,
		rec.SubscriberID,
		ruleID,
		rec.Series.Crop,
		rec.Series.Location,
		rec.Series.Market,
		rec.CurrentPrice.String(),
		rec.ThresholdPct.String(),
		string(rec.Direction),
		changes,
	)

	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlertRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlertRecord(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec          AlertRecord
		priceStr     string
		thresholdStr string
		direction    string
		changesRaw   []byte
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.SubscriberID,
		&rec.RuleID,
		&rec.Series.Crop,
		&rec.Series.Location,
		&rec.Series.Market,
		&priceStr,
		&thresholdStr,
		&direction,
		&changesRaw,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse current price: %w", err)
	}
	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold pct: %w", err)
	}

	rec.CurrentPrice = price
	rec.ThresholdPct = threshold
	rec.Direction = Direction(direction)

	if len(changesRaw) > 0 {
		if err := json.Unmarshal(changesRaw, &rec.Changes); err != nil {
			return AlertRecord{}, fmt.Errorf("unmarshal alert changes: %w", err)
		}
	}

	return rec, nil
}
