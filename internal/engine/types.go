package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"crop-price-alerts/internal/storage"
)

// DeviationReport is the classifier's verdict for one series in one scan.
// Changes holds the percent change per window; windows without a baseline are
// simply absent, and windows whose baseline averaged to zero are listed in
// SkippedWindows as data-quality issues.
type DeviationReport struct {
	Series         storage.SeriesKey
	CurrentPrice   decimal.Decimal
	Unit           string
	ObservedAt     time.Time
	Changes        map[int]decimal.Decimal
	SkippedWindows []int
	Anomalous      bool
}

// Outcome is the result of one dispatch decision.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ScanSummary aggregates the counters of a single detection-and-dispatch pass.
type ScanSummary struct {
	RunID                string
	StartedAt            time.Time
	FinishedAt           time.Time
	SeriesScanned        int
	SubscribersEvaluated int
	AlertsSent           int
	AlertsFailed         int
	AlertsSkipped        int
	SeriesErrors         int
	DataQualityIssues    int
}
