package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"crop-price-alerts/internal/alerting"
	"crop-price-alerts/internal/storage"
)

// Dispatcher formats and sends notifications for matched rules, guards the
// per-rule cooldown, and writes back trigger timestamps on success.
type Dispatcher struct {
	notifier  alerting.Notifier
	directory storage.SubscriberDirectory
	audit     storage.AlertAuditStore
	cooldown  time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDispatcher constructs a Dispatcher. A nil notifier puts the dispatcher in
// degraded mode: every dispatch resolves to skipped.
func NewDispatcher(notifier alerting.Notifier, directory storage.SubscriberDirectory, audit storage.AlertAuditStore, cooldown time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier:  notifier,
		directory: directory,
		audit:     audit,
		cooldown:  cooldown,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		now:       time.Now,
	}
}

// Enabled reports whether a notification transport is configured.
func (d *Dispatcher) Enabled() bool {
	return d.notifier != nil
}

// Dispatch sends one alert for a (subscriber, rule, report) triple.
//
// The cooldown guard re-checks LastTriggeredAt here even though the matcher
// already filtered: the stored timestamp protects against overlapping scans
// and manual re-triggers. On transport failure no timestamp is written, so the
// next scan may retry.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, sub storage.Subscriber, rule storage.AlertRule, report DeviationReport) Outcome {
	if d.notifier == nil {
		return OutcomeSkipped
	}

	now := d.now().UTC()
	if inCooldown(rule.LastTriggeredAt, now, d.cooldown) {
		d.logger.Debug().
			Int64("subscriber_id", sub.ID).
			Int64("rule_id", rule.ID).
			Str("series", report.Series.String()).
			Msg("rule in cooldown; dispatch skipped")
		return OutcomeSkipped
	}

	msg := alerting.Message{
		To:           sub.Email,
		Recipient:    sub.Name,
		Crop:         report.Series.Crop,
		Location:     report.Series.Location,
		Market:       report.Series.Market,
		CurrentPrice: report.CurrentPrice,
		Unit:         report.Unit,
		Changes:      report.Changes,
		ThresholdPct: rule.ThresholdPct,
		ObservedAt:   report.ObservedAt,
	}

	if err := d.notifier.Notify(ctx, msg); err != nil {
		d.logger.Error().Err(err).
			Int64("subscriber_id", sub.ID).
			Int64("rule_id", rule.ID).
			Str("series", report.Series.String()).
			Msg("failed to dispatch alert")
		return OutcomeFailed
	}

	if rule.ID != 0 {
		if err := d.directory.UpdateRuleTriggered(ctx, sub.ID, rule.ID, now); err != nil {
			d.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("failed to update rule trigger timestamp")
		}
	}
	if err := d.directory.UpdateLastAlertSent(ctx, sub.ID, now); err != nil {
		d.logger.Error().Err(err).Int64("subscriber_id", sub.ID).Msg("failed to update last alert sent timestamp")
	}

	if d.audit != nil {
		rec := storage.AlertRecord{
			RunID:        runID,
			SubscriberID: sub.ID,
			Series:       report.Series,
			CurrentPrice: report.CurrentPrice,
			ThresholdPct: rule.ThresholdPct,
			Direction:    rule.Direction,
			Changes:      report.Changes,
		}
		if rule.ID != 0 {
			ruleID := rule.ID
			rec.RuleID = &ruleID
		}
		if _, err := d.audit.InsertAlert(ctx, rec); err != nil {
			d.logger.Error().Err(err).Msg("failed to persist alert record")
		}
	}

	d.logger.Info().
		Int64("subscriber_id", sub.ID).
		Int64("rule_id", rule.ID).
		Str("series", report.Series.String()).
		Str("price", report.CurrentPrice.String()).
		Msg("alert dispatched")
	return OutcomeSent
}

// WithClock overrides the dispatcher's time source. Used by tests and the
// simulate command.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}
