package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crop-price-alerts/internal/alerting"
	"crop-price-alerts/internal/storage"
)

type fakeNotifier struct {
	err      error
	messages []alerting.Message
}

func (f *fakeNotifier) Notify(ctx context.Context, msg alerting.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

type fakeDirectory struct {
	ruleStamps       map[int64]time.Time
	subscriberStamps map[int64]time.Time
	updateErr        error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		ruleStamps:       make(map[int64]time.Time),
		subscriberStamps: make(map[int64]time.Time),
	}
}

func (f *fakeDirectory) SubscribedUsers(ctx context.Context) ([]storage.Subscriber, error) {
	return nil, nil
}

func (f *fakeDirectory) UpdateRuleTriggered(ctx context.Context, subscriberID, ruleID int64, ts time.Time) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.ruleStamps[ruleID] = ts
	return nil
}

func (f *fakeDirectory) UpdateLastAlertSent(ctx context.Context, subscriberID int64, ts time.Time) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.subscriberStamps[subscriberID] = ts
	return nil
}

type fakeAudit struct {
	records []storage.AlertRecord
	err     error
}

func (f *fakeAudit) InsertAlert(ctx context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	if f.err != nil {
		return storage.AlertRecord{}, f.err
	}
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeAudit) ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	return f.records, nil
}

func dispatchFixture() (storage.Subscriber, storage.AlertRule, DeviationReport) {
	sub := subscriberWith(riceRule(storage.DirectionRise, 20))
	rule := sub.Rules[0]
	report := riseReport(25)
	report.Unit = "quintal"
	return sub, rule, report
}

func TestDispatchSentUpdatesTimestampsAndAudit(t *testing.T) {
	notifier := &fakeNotifier{}
	directory := newFakeDirectory()
	audit := &fakeAudit{}

	d := NewDispatcher(notifier, directory, audit, 12*time.Hour, zerolog.Nop()).
		WithClock(func() time.Time { return matchNow })

	sub, rule, report := dispatchFixture()
	outcome := d.Dispatch(context.Background(), "run-1", sub, rule, report)

	assert.Equal(t, OutcomeSent, outcome)
	require.Len(t, notifier.messages, 1)
	assert.Equal(t, "farmer@example.com", notifier.messages[0].To)
	assert.Equal(t, "Rice", notifier.messages[0].Crop)

	assert.Equal(t, matchNow, directory.ruleStamps[rule.ID])
	assert.Equal(t, matchNow, directory.subscriberStamps[sub.ID])

	require.Len(t, audit.records, 1)
	assert.Equal(t, "run-1", audit.records[0].RunID)
	require.NotNil(t, audit.records[0].RuleID)
	assert.Equal(t, rule.ID, *audit.records[0].RuleID)
}

func TestDispatchFailedLeavesTimestampsUntouched(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("smtp unreachable")}
	directory := newFakeDirectory()

	d := NewDispatcher(notifier, directory, nil, 12*time.Hour, zerolog.Nop())

	sub, rule, report := dispatchFixture()
	outcome := d.Dispatch(context.Background(), "run-1", sub, rule, report)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, directory.ruleStamps, "failed send must not stamp the rule, so the next scan can retry")
	assert.Empty(t, directory.subscriberStamps)
}

func TestDispatchSkippedWhenNoTransport(t *testing.T) {
	directory := newFakeDirectory()
	d := NewDispatcher(nil, directory, nil, 12*time.Hour, zerolog.Nop())

	sub, rule, report := dispatchFixture()
	outcome := d.Dispatch(context.Background(), "run-1", sub, rule, report)

	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, directory.ruleStamps)
}

func TestDispatchSkippedDuringCooldown(t *testing.T) {
	notifier := &fakeNotifier{}
	directory := newFakeDirectory()

	d := NewDispatcher(notifier, directory, nil, 12*time.Hour, zerolog.Nop()).
		WithClock(func() time.Time { return matchNow })

	sub, rule, report := dispatchFixture()
	recent := matchNow.Add(-1 * time.Hour)
	rule.LastTriggeredAt = &recent

	outcome := d.Dispatch(context.Background(), "run-1", sub, rule, report)

	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, notifier.messages)
}

func TestDispatchFallbackRuleSkipsRuleStamp(t *testing.T) {
	notifier := &fakeNotifier{}
	directory := newFakeDirectory()
	audit := &fakeAudit{}

	d := NewDispatcher(notifier, directory, audit, 12*time.Hour, zerolog.Nop()).
		WithClock(func() time.Time { return matchNow })

	sub, _, report := dispatchFixture()
	fallback := storage.AlertRule{
		SubscriberID: sub.ID,
		Crop:         report.Series.Crop,
		Location:     report.Series.Location,
		ThresholdPct: decimal.NewFromInt(20),
		Direction:    storage.DirectionBoth,
	}

	outcome := d.Dispatch(context.Background(), "run-1", sub, fallback, report)

	assert.Equal(t, OutcomeSent, outcome)
	assert.Empty(t, directory.ruleStamps, "synthesised rule has no persisted row to stamp")
	assert.Equal(t, matchNow, directory.subscriberStamps[sub.ID])
	require.Len(t, audit.records, 1)
	assert.Nil(t, audit.records[0].RuleID)
}

func TestDispatchAuditFailureDoesNotChangeOutcome(t *testing.T) {
	notifier := &fakeNotifier{}
	directory := newFakeDirectory()
	audit := &fakeAudit{err: errors.New("insert failed")}

	d := NewDispatcher(notifier, directory, audit, 12*time.Hour, zerolog.Nop())

	sub, rule, report := dispatchFixture()
	assert.Equal(t, OutcomeSent, d.Dispatch(context.Background(), "run-1", sub, rule, report))
}
