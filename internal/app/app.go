package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"crop-price-alerts/internal/alerting"
	"crop-price-alerts/internal/config"
	"crop-price-alerts/internal/engine"
	"crop-price-alerts/internal/fetcher"
	"crop-price-alerts/internal/scheduler"
	"crop-price-alerts/internal/service"
	"crop-price-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.PriceFetcher {
	return fetcher.NewAgmarknet(fetcher.AgmarknetOptions{
		BaseURL:   a.Config.Ingest.BaseURL,
		APIKey:    a.Config.Ingest.APIKey,
		Timeout:   a.Config.Ingest.RequestTimeout,
		UserAgent: a.Config.Ingest.UserAgent,
	}, a.Logger)
}

// newNotifier picks the configured transport. A nil return is valid: the
// dispatcher then runs degraded and resolves every candidate alert to skipped.
func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}

	if a.Config.Alerting.Email.Enabled {
		cfg := a.Config.Alerting.Email
		if cfg.Username == "" || cfg.Password == "" || cfg.From == "" {
			a.Logger.Warn().Msg("email transport enabled but credentials incomplete; alerts degrade to skipped")
			return nil
		}
		return alerting.NewEmailNotifier(alerting.EmailOptions{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.From,
			Timeout:  cfg.Timeout,
		}, a.Logger)
	}

	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler) *service.Service {
	dispatcher := engine.NewDispatcher(a.newNotifier(), store, store, a.Config.Alerting.Cooldown, a.Logger)
	return service.New(a.Config, sched, store, store, dispatcher, a.Logger)
}

// Run executes the long-running scan service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; the scan service needs the price store")
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := a.newService(store, sched)

	a.Logger.Info().Msg("starting scan service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("scan service stopped")
	return nil
}

// ExportOptions hold parameters for exporting a price series.
type ExportOptions struct {
	Crop      string
	Location  string
	Market    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Alerts bool
	Limit  int
}

// IngestOptions configure the ingest job.
type IngestOptions struct {
	Since  time.Time
	DryRun bool
}
