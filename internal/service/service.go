package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crop-price-alerts/internal/config"
	"crop-price-alerts/internal/engine"
	"crop-price-alerts/internal/scheduler"
	"crop-price-alerts/internal/storage"
)

// Service orchestrates the periodic detection-and-dispatch scan.
type Service struct {
	sched      *scheduler.Scheduler
	prices     storage.PriceStore
	directory  storage.SubscriberDirectory
	aggregator *engine.Aggregator
	classifier *engine.Classifier
	matcher    *engine.Matcher
	dispatcher *engine.Dispatcher
	logger     zerolog.Logger

	windows []int
	locker  storage.AdvisoryLocker
	lockKey int64
	now     func() time.Time
}

// New constructs the scan service. The dispatcher may be in degraded mode (no
// transport); the scan then resolves every candidate alert to skipped.
func New(cfg *config.Config, sched *scheduler.Scheduler, prices storage.PriceStore, directory storage.SubscriberDirectory, dispatcher *engine.Dispatcher, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := prices.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		sched:      sched,
		prices:     prices,
		directory:  directory,
		aggregator: engine.NewAggregator(prices),
		classifier: engine.NewClassifier(cfg.Engine.WindowDays, decimal.NewFromFloat(cfg.Engine.ThresholdPct)),
		matcher:    engine.NewMatcher(cfg.Alerting.GlobalFallback),
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "service").Logger(),
		windows:    cfg.Engine.WindowDays,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		now:        time.Now,
	}
}

// Run begins the scheduled scan loop.
func (s *Service) Run(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := s.RunScan(ctx)
		return err
	})
}

type dispatchKey struct {
	subscriberID int64
	ruleID       int64
}

// RunScan 执行一次完整的检测与派发扫描。
//
// Only failure to reach the price store or the subscriber directory aborts the
// scan; every per-series and per-subscriber error is counted and skipped.
func (s *Service) RunScan(ctx context.Context) (engine.ScanSummary, error) {
	runID := uuid.NewString()
	logger := s.logger.With().Str("run_id", runID).Logger()

	summary := engine.ScanSummary{RunID: runID, StartedAt: s.now().UTC()}

	if s.lockKey != 0 && s.locker != nil {
		unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
		if err != nil {
			return summary, fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !acquired {
			logger.Debug().Msg("skip scan because advisory lock held elsewhere")
			summary.FinishedAt = s.now().UTC()
			return summary, nil
		}
		defer unlock()
	}

	latest, err := s.prices.LatestObservationPerSeries(ctx)
	if err != nil {
		return summary, fmt.Errorf("load latest observations: %w", err)
	}

	subscribers, err := s.directory.SubscribedUsers(ctx)
	if err != nil {
		return summary, fmt.Errorf("load subscribers: %w", err)
	}

	if !s.dispatcher.Enabled() {
		// Warned once per scan, not once per candidate alert.
		logger.Warn().Msg("notification transport not configured; all dispatches degrade to skipped")
	}

	asOf := s.now().UTC()
	reports := s.classifySeries(ctx, logger, latest, asOf, &summary)

	dispatched := make(map[dispatchKey]struct{})
	for _, sub := range subscribers {
		summary.SubscribersEvaluated++
		for _, report := range reports {
			for _, rule := range s.matcher.MatchingRules(sub, report) {
				key := dispatchKey{subscriberID: sub.ID, ruleID: rule.ID}
				if _, done := dispatched[key]; done {
					continue
				}
				dispatched[key] = struct{}{}

				switch s.dispatcher.Dispatch(ctx, runID, sub, rule, report) {
				case engine.OutcomeSent:
					summary.AlertsSent++
				case engine.OutcomeFailed:
					summary.AlertsFailed++
				default:
					summary.AlertsSkipped++
				}
			}
		}
	}

	summary.FinishedAt = s.now().UTC()
	logger.Info().
		Int("series_scanned", summary.SeriesScanned).
		Int("subscribers_evaluated", summary.SubscribersEvaluated).
		Int("alerts_sent", summary.AlertsSent).
		Int("alerts_failed", summary.AlertsFailed).
		Int("alerts_skipped", summary.AlertsSkipped).
		Int("series_errors", summary.SeriesErrors).
		Int("data_quality_issues", summary.DataQualityIssues).
		Msg("scan complete")

	return summary, nil
}

func (s *Service) classifySeries(ctx context.Context, logger zerolog.Logger, latest []storage.Observation, asOf time.Time, summary *engine.ScanSummary) []engine.DeviationReport {
	reports := make([]engine.DeviationReport, 0, len(latest))
	for _, obs := range latest {
		summary.SeriesScanned++

		averages, err := s.aggregator.MovingAverages(ctx, obs.Series, asOf, s.windows)
		if err != nil {
			summary.SeriesErrors++
			logger.Error().Err(err).Str("series", obs.Series.String()).Msg("failed to aggregate series; skipping")
			continue
		}

		report := s.classifier.Classify(obs, averages)
		if len(report.SkippedWindows) > 0 {
			summary.DataQualityIssues += len(report.SkippedWindows)
			logger.Warn().
				Str("series", obs.Series.String()).
				Ints("windows", report.SkippedWindows).
				Msg("zero-valued baseline; window excluded from anomaly evaluation")
		}
		if report.Anomalous {
			reports = append(reports, report)
		}
	}
	return reports
}

// WithClock overrides the service's time source for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}
