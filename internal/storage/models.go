package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SeriesKey identifies a tracked price series. Identity is exact string match
// on all three fields; values are trimmed at ingest time and never case-folded.
type SeriesKey struct {
	Crop     string
	Location string
	Market   string
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Crop, k.Location, k.Market)
}

// Observation is a single immutable price record for a series. The engine only
// reads observations; writes happen through the ingest tooling.
type Observation struct {
	ID         int64
	Series     SeriesKey
	Price      decimal.Decimal
	Unit       string
	ObservedAt time.Time
	CreatedAt  time.Time
}

// Direction constrains which sign of deviation a rule reacts to.
type Direction string

const (
	DirectionRise Direction = "rise"
	DirectionFall Direction = "fall"
	DirectionBoth Direction = "both"
)

// Valid reports whether the direction is one of the three known values.
func (d Direction) Valid() bool {
	switch d {
	case DirectionRise, DirectionFall, DirectionBoth:
		return true
	}
	return false
}

// AlertRule is a subscriber-owned alert definition. The engine mutates only
// LastTriggeredAt; everything else is managed by the user-facing API.
type AlertRule struct {
	ID              int64
	SubscriberID    int64
	Crop            string
	Location        string
	ThresholdPct    decimal.Decimal
	Direction       Direction
	LastTriggeredAt *time.Time
}

// Subscriber is the read model of an alert recipient with their ordered rules.
type Subscriber struct {
	ID                 int64
	Name               string
	Email              string
	Subscribed         bool
	GlobalThresholdPct decimal.Decimal
	Rules              []AlertRule
	LastAlertSentAt    *time.Time
}

// AlertRecord captures a dispatched alert for auditing. RuleID is nil for
// alerts produced by the subscriber-level global fallback.
type AlertRecord struct {
	ID           int64
	RunID        string
	SubscriberID int64
	RuleID       *int64
	Series       SeriesKey
	CurrentPrice decimal.Decimal
	ThresholdPct decimal.Decimal
	Direction    Direction
	Changes      map[int]decimal.Decimal
	CreatedAt    time.Time
}
