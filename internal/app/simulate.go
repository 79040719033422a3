package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crop-price-alerts/internal/engine"
	"crop-price-alerts/internal/storage"
)

// SimulateAlert 以给定的现价和基准价模拟一次完整的告警流程。
//
// The synthetic baseline feeds every configured window, so the classifier and
// the real notification transport run exactly as in a scheduled scan. Nothing
// is persisted.
func (a *App) SimulateAlert(ctx context.Context, recipient string, price, baseline decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	obs := storage.Observation{
		Series:     storage.SeriesKey{Crop: "Rice", Location: "Simulated", Market: "Simulated"},
		Price:      price,
		Unit:       "quintal",
		ObservedAt: time.Now().UTC(),
	}

	averages := make(map[int]decimal.Decimal, len(a.Config.Engine.WindowDays))
	for _, window := range a.Config.Engine.WindowDays {
		averages[window] = baseline
	}

	classifier := engine.NewClassifier(a.Config.Engine.WindowDays, decimal.NewFromFloat(a.Config.Engine.ThresholdPct))
	report := classifier.Classify(obs, averages)
	if !report.Anomalous {
		fmt.Fprintln(os.Stdout, "simulated change stays within the threshold; no alert dispatched")
		return nil
	}

	sub := storage.Subscriber{
		Name:       "Simulation",
		Email:      recipient,
		Subscribed: true,
	}
	rule := storage.AlertRule{
		Crop:         obs.Series.Crop,
		Location:     obs.Series.Location,
		ThresholdPct: decimal.NewFromFloat(a.Config.Engine.ThresholdPct),
		Direction:    storage.DirectionBoth,
	}

	dispatcher := engine.NewDispatcher(notifier, staticDirectory{}, nil, 0, a.Logger)

	switch outcome := dispatcher.Dispatch(ctx, uuid.NewString(), sub, rule, report); outcome {
	case engine.OutcomeSent:
		fmt.Fprintln(os.Stdout, "simulated alert dispatched")
		return nil
	default:
		return fmt.Errorf("simulated dispatch resolved to %s", outcome)
	}
}

// staticDirectory discards timestamp updates so simulations leave no trace.
type staticDirectory struct{}

func (staticDirectory) SubscribedUsers(ctx context.Context) ([]storage.Subscriber, error) {
	return nil, nil
}

func (staticDirectory) UpdateRuleTriggered(ctx context.Context, subscriberID, ruleID int64, ts time.Time) error {
	return nil
}

func (staticDirectory) UpdateLastAlertSent(ctx context.Context, subscriberID int64, ts time.Time) error {
	return nil
}

var _ storage.SubscriberDirectory = staticDirectory{}
