package service

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
	"crop-price-alerts/internal/config"
	"crop-price-alerts/internal/engine"
	"crop-price-alerts/internal/storage"
)

var (
	scanNow    = time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	riceSeries = storage.SeriesKey{Crop: "Rice", Location: "Punjab", Market: "Amritsar"}
)

type memPriceStore struct {
	latest    []storage.Observation
	history   map[storage.SeriesKey][]storage.Observation
	latestErr error
	rangeErr  map[storage.SeriesKey]error
}

func (m *memPriceStore) LatestObservationPerSeries(ctx context.Context) ([]storage.Observation, error) {
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	return m.latest, nil
}

func (m *memPriceStore) ObservationsInRange(ctx context.Context, key storage.SeriesKey, from, to time.Time) ([]storage.Observation, error) {
	if err := m.rangeErr[key]; err != nil {
		return nil, err
	}
	var out []storage.Observation
	for _, obs := range m.history[key] {
		if obs.ObservedAt.Before(from) || obs.ObservedAt.After(to) {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

type memDirectory struct {
	subscribers []storage.Subscriber
	err         error
}

func (m *memDirectory) SubscribedUsers(ctx context.Context) ([]storage.Subscriber, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]storage.Subscriber, len(m.subscribers))
	for i, sub := range m.subscribers {
		copied := sub
		copied.Rules = make([]storage.AlertRule, len(sub.Rules))
		copy(copied.Rules, sub.Rules)
		out[i] = copied
	}
	return out, nil
}

func (m *memDirectory) UpdateRuleTriggered(ctx context.Context, subscriberID, ruleID int64, ts time.Time) error {
	for i := range m.subscribers {
		if m.subscribers[i].ID != subscriberID {
			continue
		}
		for j := range m.subscribers[i].Rules {
			if m.subscribers[i].Rules[j].ID == ruleID {
				stamp := ts
				m.subscribers[i].Rules[j].LastTriggeredAt = &stamp
				return nil
			}
		}
	}
	return errors.New("rule not found")
}

func (m *memDirectory) UpdateLastAlertSent(ctx context.Context, subscriberID int64, ts time.Time) error {
	for i := range m.subscribers {
		if m.subscribers[i].ID == subscriberID {
			stamp := ts
			m.subscribers[i].LastAlertSentAt = &stamp
			return nil
		}
	}
	return errors.New("subscriber not found")
}

type memNotifier struct {
	err  error
	sent []alerting.Message
}

func (m *memNotifier) Notify(ctx context.Context, msg alerting.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Interval: 12 * time.Hour},
		Engine:    config.EngineConfig{WindowDays: []int{7, 30}, ThresholdPct: 20},
		Alerting:  config.AlertingConfig{Enabled: true, Cooldown: 12 * time.Hour},
	}
}

// flatHistory builds a series history whose 7d and 30d trailing means are both
// the given baseline.
func flatHistory(key storage.SeriesKey, baseline int64) map[storage.SeriesKey][]storage.Observation {
	history := make([]storage.Observation, 0, 4)
	for _, daysAgo := range []int{2, 5, 10, 20} {
		history = append(history, storage.Observation{
			Series:     key,
			Price:      decimal.NewFromInt(baseline),
			Unit:       "quintal",
			ObservedAt: scanNow.AddDate(0, 0, -daysAgo),
		})
	}
	return map[storage.SeriesKey][]storage.Observation{key: history}
}

func latestObservation(key storage.SeriesKey, price int64) storage.Observation {
	return storage.Observation{
		Series:     key,
		Price:      decimal.NewFromInt(price),
		Unit:       "quintal",
		ObservedAt: scanNow.Add(-1 * time.Hour),
	}
}

func riceSubscriber() storage.Subscriber {
	return storage.Subscriber{
		ID:                 1,
		Name:               "Farmer",
		Email:              "farmer@example.com",
		Subscribed:         true,
		GlobalThresholdPct: decimal.NewFromInt(20),
		Rules: []storage.AlertRule{{
			ID:           11,
			SubscriberID: 1,
			Crop:         "Rice",
			Location:     "Punjab",
			ThresholdPct: decimal.NewFromInt(20),
			Direction:    storage.DirectionRise,
		}},
	}
}

func newScanService(store *memPriceStore, directory *memDirectory, notifier alerting.Notifier) *Service {
	cfg := testConfig()
	clock := func() time.Time { return scanNow }
	dispatcher := engine.NewDispatcher(notifier, directory, nil, cfg.Alerting.Cooldown, zerolog.Nop()).WithClock(clock)
	return New(cfg, nil, store, directory, dispatcher, zerolog.Nop()).WithClock(clock)
}

func TestScanScenarioARiseDispatchesOnce(t *testing.T) {
	store := &memPriceStore{
		latest:  []storage.Observation{latestObservation(riceSeries, 125)},
		history: flatHistory(riceSeries, 100),
	}
	directory := &memDirectory{subscribers: []storage.Subscriber{riceSubscriber()}}
	notifier := &memNotifier{}

	summary, err := newScanService(store, directory, notifier).RunScan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.SeriesScanned)
	assert.Equal(t, 1, summary.SubscribersEvaluated)
	assert.Equal(t, 1, summary.AlertsSent)
	assert.Zero(t, summary.AlertsFailed)
	assert.Zero(t, summary.AlertsSkipped)

	require.Len(t, notifier.sent, 1)
	msg := notifier.sent[0]
	assert.Equal(t, "farmer@example.com", msg.To)
	assert.True(t, msg.Changes[7].Equal(decimal.NewFromInt(25)))
	assert.True(t, msg.Changes[30].Equal(decimal.NewFromInt(25)))

	require.NotNil(t, directory.subscribers[0].Rules[0].LastTriggeredAt)
	require.NotNil(t, directory.subscribers[0].LastAlertSentAt)
}

func TestScanScenarioBSmallChangeNoDispatch(t *testing.T) {
	store := &memPriceStore{
		latest:  []storage.Observation{latestObservation(riceSeries, 110)},
		history: flatHistory(riceSeries, 100),
	}
	directory := &memDirectory{subscribers: []storage.Subscriber{riceSubscriber()}}
	notifier := &memNotifier{}

	summary, err := newScanService(store, directory, notifier).RunScan(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.AlertsSent)
	assert.Zero(t, summary.AlertsSkipped)
	assert.Zero(t, summary.AlertsFailed)
	assert.Empty(t, notifier.sent)
}

func TestScanScenarioCCooldownSkipsRepeat(t *testing.T) {
	store := &memPriceStore{
		latest:  []storage.Observation{latestObservation(riceSeries, 125)},
		history: flatHistory(riceSeries, 100),
	}
	directory := &memDirectory{subscribers: []storage.Subscriber{riceSubscriber()}}
	notifier := &memNotifier{}
	svc := newScanService(store, directory, notifier)

	first, err := svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.AlertsSent)

	second, err := svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.AlertsSent, "back-to-back scan must not re-alert")
	assert.Equal(t, 1, second.AlertsSkipped, "cooldown skip must be observable")
	assert.Len(t, notifier.sent, 1)
}

func TestScanScenarioDNoTransportAllSkipped(t *testing.T) {
	store := &memPriceStore{
		latest:  []storage.Observation{latestObservation(riceSeries, 125)},
		history: flatHistory(riceSeries, 100),
	}
	directory := &memDirectory{subscribers: []storage.Subscriber{riceSubscriber()}}

	summary, err := newScanService(store, directory, nil).RunScan(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.AlertsSent)
	assert.Zero(t, summary.AlertsFailed)
	assert.Equal(t, 1, summary.AlertsSkipped)
	assert.Nil(t, directory.subscribers[0].Rules[0].LastTriggeredAt)
}

func TestScanTransportFailureIsolatedAndRetriable(t *testing.T) {
	store := &memPriceStore{
		latest:  []storage.Observation{latestObservation(riceSeries, 125)},
		history: flatHistory(riceSeries, 100),
	}
	directory := &memDirectory{subscribers: []storage.Subscriber{riceSubscriber()}}
	notifier := &memNotifier{err: errors.New("smtp unreachable")}
	svc := newScanService(store, directory, notifier)

	summary, err := svc.RunScan(context.Background())
	require.NoError(t, err, "a transport failure must not abort the scan")
	assert.Equal(t, 1, summary.AlertsFailed)
	assert.Nil(t, directory.subscribers[0].Rules[0].LastTriggeredAt, "failed send leaves no trigger stamp")

	// Transport recovers; the untouched timestamps allow a retry.
	notifier.err = nil
	summary, err = svc.RunScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlertsSent)
}

func TestScanSeriesErrorDoesNotAbortOthers(t *testing.T) {
	wheatSeries := storage.SeriesKey{Crop: "Wheat", Location: "Punjab", Market: "Ludhiana"}

	history := flatHistory(riceSeries, 100)
	for key, obs := range flatHistory(wheatSeries, 100) {
		history[key] = obs
	}

	store := &memPriceStore{
		latest: []storage.Observation{
			latestObservation(wheatSeries, 125),
			latestObservation(riceSeries, 125),
		},
		history:  history,
		rangeErr: map[storage.SeriesKey]error{wheatSeries: errors.New("query timeout")},
	}
	directory := &memDirectory{subscribers: []storage.Subscriber{riceSubscriber()}}
	notifier := &memNotifier{}

	summary, err := newScanService(store, directory, notifier).RunScan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.SeriesScanned)
	assert.Equal(t, 1, summary.SeriesErrors)
	assert.Equal(t, 1, summary.AlertsSent, "the healthy series still dispatches")
}

func TestScanZeroBaselineCountedAsDataQuality(t *testing.T) {
	history := map[storage.SeriesKey][]storage.Observation{
		riceSeries: {
			{Series: riceSeries, Price: decimal.Zero, Unit: "quintal", ObservedAt: scanNow.AddDate(0, 0, -2)},
		},
	}
	store := &memPriceStore{
		latest:  []storage.Observation{latestObservation(riceSeries, 125)},
		history: history,
	}
	directory := &memDirectory{subscribers: []storage.Subscriber{riceSubscriber()}}
	notifier := &memNotifier{}

	summary, err := newScanService(store, directory, notifier).RunScan(context.Background())
	require.NoError(t, err)

	// Both windows see only the zero-priced observation.
	assert.Equal(t, 2, summary.DataQualityIssues)
	assert.Zero(t, summary.AlertsSent, "zero baseline must not manufacture an anomaly")
}

func TestScanAbortsWhenPriceStoreUnreachable(t *testing.T) {
	store := &memPriceStore{latestErr: errors.New("connection refused")}
	directory := &memDirectory{}

	_, err := newScanService(store, directory, &memNotifier{}).RunScan(context.Background())
	require.Error(t, err)
}

func TestScanAbortsWhenDirectoryUnreachable(t *testing.T) {
	store := &memPriceStore{
		latest:  []storage.Observation{latestObservation(riceSeries, 125)},
		history: flatHistory(riceSeries, 100),
	}
	directory := &memDirectory{err: errors.New("connection refused")}

	_, err := newScanService(store, directory, &memNotifier{}).RunScan(context.Background())
	require.Error(t, err)
}

func TestScanDispatchesOncePerRulePerScan(t *testing.T) {
	// Two anomalous series for the same crop/location: a single rule binds to
	// one series key, but the per-scan dedup also guards against any future
	// multi-match, so only one dispatch is made.
	store := &memPriceStore{
		latest:  []storage.Observation{latestObservation(riceSeries, 125), latestObservation(riceSeries, 130)},
		history: flatHistory(riceSeries, 100),
	}
	directory := &memDirectory{subscribers: []storage.Subscriber{riceSubscriber()}}
	notifier := &memNotifier{}

	summary, err := newScanService(store, directory, notifier).RunScan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.AlertsSent)
	assert.Len(t, notifier.sent, 1)
}
