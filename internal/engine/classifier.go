package engine

import (
	"github.com/shopspring/decimal"

	"crop-price-alerts/internal/storage"
)

var oneHundred = decimal.NewFromInt(100)

// Classifier turns a current observation and its window averages into a
// DeviationReport. Pure; no I/O.
type Classifier struct {
	windows   []int
	threshold decimal.Decimal
}

// NewClassifier constructs a Classifier for the configured windows and the
// engine-level anomaly threshold (absolute percent).
func NewClassifier(windowDays []int, thresholdPct decimal.Decimal) *Classifier {
	windows := make([]int, len(windowDays))
	copy(windows, windowDays)
	return &Classifier{windows: windows, threshold: thresholdPct}
}

// Classify computes the percent change of the current price against each
// present window average. A missing baseline contributes nothing; a zero
// baseline is recorded as a skipped window instead of dividing by zero. With
// no usable window the report is never anomalous.
func (c *Classifier) Classify(obs storage.Observation, averages map[int]decimal.Decimal) DeviationReport {
	report := DeviationReport{
		Series:       obs.Series,
		CurrentPrice: obs.Price,
		Unit:         obs.Unit,
		ObservedAt:   obs.ObservedAt,
		Changes:      make(map[int]decimal.Decimal, len(c.windows)),
	}

	for _, days := range c.windows {
		average, ok := averages[days]
		if !ok {
			continue
		}
		if average.IsZero() {
			report.SkippedWindows = append(report.SkippedWindows, days)
			continue
		}

		change := obs.Price.Sub(average).Div(average).Mul(oneHundred)
		report.Changes[days] = change
		if change.Abs().GreaterThan(c.threshold) {
			report.Anomalous = true
		}
	}

	return report
}
