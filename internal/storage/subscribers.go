package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	subscribedUsersSQL = `SELECT
        id,
        name,
        email,
        subscribed,
        global_threshold_pct,
        last_alert_sent_at
    FROM subscribers
    WHERE subscribed
    ORDER BY id;`

	rulesForSubscribersSQL = `SELECT
        id,
        subscriber_id,
        crop_name,
        location,
        threshold_pct,
        direction,
        last_triggered_at
    FROM alert_rules
    WHERE subscriber_id = ANY($1)
    ORDER BY subscriber_id, id;`

	updateRuleTriggeredSQL = `UPDATE alert_rules
    SET last_triggered_at = $3
    WHERE subscriber_id = $1
      AND id = $2;`

	updateLastAlertSentSQL = `UPDATE subscribers
    SET last_alert_sent_at = $2
    WHERE id = $1;`
)

// SubscribedUsers fetches the read model for one scan: every subscribed user
// together with their alert rules in creation order.
func (s *Store) SubscribedUsers(ctx context.Context) ([]Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, subscribedUsersSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list subscribed users: %w", queryErr)
	}

	subscribers := make([]Subscriber, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		sub, scanErr := scanSubscriber(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		subscribers = append(subscribers, sub)
		ids = append(ids, sub.ID)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if len(subscribers) == 0 {
		return subscribers, nil
	}

	rules, err := s.rulesForSubscribers(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]int, len(subscribers))
	for i, sub := range subscribers {
		byID[sub.ID] = i
	}
	for _, rule := range rules {
		if idx, ok := byID[rule.SubscriberID]; ok {
			subscribers[idx].Rules = append(subscribers[idx].Rules, rule)
		}
	}

	return subscribers, nil
}

func (s *Store) rulesForSubscribers(ctx context.Context, ids []int64) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, rulesForSubscribersSQL, ids)
	if queryErr != nil {
		return nil, fmt.Errorf("list alert rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// UpdateRuleTriggered stamps a rule's last_triggered_at after a successful send.
func (s *Store) UpdateRuleTriggered(ctx context.Context, subscriberID, ruleID int64, ts time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateRuleTriggeredSQL, subscriberID, ruleID, ts)
	if execErr != nil {
		return fmt.Errorf("update rule triggered: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpdateLastAlertSent stamps the subscriber-level last_alert_sent_at.
func (s *Store) UpdateLastAlertSent(ctx context.Context, subscriberID int64, ts time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateLastAlertSentSQL, subscriberID, ts)
	if execErr != nil {
		return fmt.Errorf("update last alert sent: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanSubscriber(rows pgx.Rows) (Subscriber, error) {
	var (
		sub          Subscriber
		thresholdStr string
		lastSent     *time.Time
	)

	if err := rows.Scan(
		&sub.ID,
		&sub.Name,
		&sub.Email,
		&sub.Subscribed,
		&thresholdStr,
		&lastSent,
	); err != nil {
		return Subscriber{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return Subscriber{}, fmt.Errorf("parse global threshold: %w", err)
	}
	sub.GlobalThresholdPct = threshold
	sub.LastAlertSentAt = lastSent

	return sub, nil
}

func scanRule(rows pgx.Rows) (AlertRule, error) {
	var (
		rule          AlertRule
		thresholdStr  string
		direction     string
		lastTriggered *time.Time
	)

	if err := rows.Scan(
		&rule.ID,
		&rule.SubscriberID,
		&rule.Crop,
		&rule.Location,
		&thresholdStr,
		&direction,
		&lastTriggered,
	); err != nil {
		return AlertRule{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return AlertRule{}, fmt.Errorf("parse rule threshold: %w", err)
	}
	rule.ThresholdPct = threshold
	rule.Direction = Direction(direction)
	rule.LastTriggeredAt = lastTriggered

	return rule, nil
}
