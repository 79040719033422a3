package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"crop-price-alerts/internal/storage"
)

var (
	minRuleThreshold = decimal.NewFromInt(1)
	maxRuleThreshold = decimal.NewFromInt(100)
)

// Matcher decides which of a subscriber's rules fire for a deviation report.
// Pure and read-only; cooldown enforcement and all side effects belong to the
// dispatcher, so a cooled-down rule still surfaces as a skipped outcome in the
// scan summary.
type Matcher struct {
	globalFallback bool
}

// NewMatcher constructs a Matcher. When globalFallback is enabled, subscribers
// without rules match anomalous series at their global threshold.
func NewMatcher(globalFallback bool) *Matcher {
	return &Matcher{globalFallback: globalFallback}
}

// MatchingRules returns the rules that fire for the report, in rule order.
// Rule location must equal the series location verbatim; there is no fuzzy or
// combined-field matching.
func (m *Matcher) MatchingRules(sub storage.Subscriber, report DeviationReport) []storage.AlertRule {
	if !sub.Subscribed {
		return nil
	}

	if len(sub.Rules) == 0 {
		return m.fallbackRule(sub, report)
	}

	var matched []storage.AlertRule
	for _, rule := range sub.Rules {
		if ruleMatches(rule, report) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func ruleMatches(rule storage.AlertRule, report DeviationReport) bool {
	if !rule.Direction.Valid() {
		return false
	}
	// Thresholds outside [1,100] are data-entry bugs; such rules never match.
	if rule.ThresholdPct.LessThan(minRuleThreshold) || rule.ThresholdPct.GreaterThan(maxRuleThreshold) {
		return false
	}
	if rule.Crop != report.Series.Crop {
		return false
	}
	if rule.Location != report.Series.Location {
		return false
	}
	return crossesThreshold(report.Changes, rule.ThresholdPct, rule.Direction)
}

func (m *Matcher) fallbackRule(sub storage.Subscriber, report DeviationReport) []storage.AlertRule {
	if !m.globalFallback {
		return nil
	}
	if sub.GlobalThresholdPct.LessThan(minRuleThreshold) || sub.GlobalThresholdPct.GreaterThan(maxRuleThreshold) {
		return nil
	}
	if !crossesThreshold(report.Changes, sub.GlobalThresholdPct, storage.DirectionBoth) {
		return nil
	}

	// Synthesised rule: ID 0 signals the dispatcher to update only the
	// subscriber-level timestamp. Carrying LastAlertSentAt lets the
	// dispatcher apply its usual cooldown guard.
	return []storage.AlertRule{{
		SubscriberID:    sub.ID,
		Crop:            report.Series.Crop,
		Location:        report.Series.Location,
		ThresholdPct:    sub.GlobalThresholdPct,
		Direction:       storage.DirectionBoth,
		LastTriggeredAt: sub.LastAlertSentAt,
	}}
}

func inCooldown(last *time.Time, now time.Time, cooldown time.Duration) bool {
	if last == nil || cooldown <= 0 {
		return false
	}
	return last.After(now.Add(-cooldown))
}

func crossesThreshold(changes map[int]decimal.Decimal, threshold decimal.Decimal, direction storage.Direction) bool {
	for _, change := range changes {
		switch direction {
		case storage.DirectionRise:
			if change.GreaterThan(threshold) {
				return true
			}
		case storage.DirectionFall:
			if change.LessThan(threshold.Neg()) {
				return true
			}
		case storage.DirectionBoth:
			if change.Abs().GreaterThan(threshold) {
				return true
			}
		}
	}
	return false
}
