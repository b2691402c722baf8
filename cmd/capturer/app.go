package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/capturer/internal/api"
	"github.com/mikeyg42/capturer/internal/capture"
	"github.com/mikeyg42/capturer/internal/config"
	"github.com/mikeyg42/capturer/internal/crypto"
	"github.com/mikeyg42/capturer/internal/dispatch"
	"github.com/mikeyg42/capturer/internal/monitor"
	"github.com/mikeyg42/capturer/internal/monitorlog"
	"github.com/mikeyg42/capturer/internal/notification"
	"github.com/mikeyg42/capturer/internal/region"
	"github.com/mikeyg42/capturer/internal/report"
	"github.com/mikeyg42/capturer/internal/storage"
	"github.com/mikeyg42/capturer/internal/validate"
)

// Application holds every component of a monitoring session
type Application struct {
	config *config.Config
	logger monitorlog.Logger
	zap    *zap.Logger

	scheduler  *monitor.Scheduler
	notifier   notification.ReportNotifier
	history    storage.HistoryStore
	archive    dispatch.Archiver
	dispatcher *dispatch.Dispatcher
	server     *api.Server
}

// NewApplication validates cfg and sets up logging.
func NewApplication(cfg *config.Config) (*Application, error) {
	if err := validate.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	logger, z, err := monitorlog.NewZap(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	monitorlog.ReplaceGlobal(logger)
	zap.ReplaceGlobals(z)

	return &Application{config: cfg, logger: logger.Named("app"), zap: z}, nil
}

// Initialize opens secrets, the capture source and every optional backend.
// ctx bounds the API's background work.
func (app *Application) Initialize(ctx context.Context) error {
	cfg := app.config

	tokenKey, err := app.openSecrets()
	if err != nil {
		return err
	}

	src, err := capture.NewScreenSource(cfg.Capture.Display)
	if err != nil {
		return fmt.Errorf("failed to open capture source: %w", err)
	}
	if err := validate.RegionBounds(cfg.Regions, src.Bounds()); err != nil {
		return err
	}
	app.logger.Info("capture source ready",
		monitorlog.Int("display", src.Display()),
		monitorlog.Any("bounds", src.Bounds()))

	regions := make([]region.Region, 0, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions = append(regions, region.New(r.Name, r.X, r.Y, r.Width, r.Height, r.Enabled))
	}
	app.scheduler, err = monitor.New(src, regions, monitor.Config{
		Interval:         cfg.Schedule.Interval(),
		Tolerance:        cfg.Schedule.PixelTolerance,
		ThresholdPercent: cfg.Schedule.ActivityThresholdPercent,
		MaxParallel:      cfg.Capture.MaxParallel,
		Logger:           monitorlog.L(),
	})
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	notifier, err := app.newNotifier(ctx, tokenKey)
	if err != nil {
		return err
	}
	app.notifier = notifier

	minioCfg, historyCfg := config.CreateStorageConfigs(cfg)
	if cfg.Storage.History.Enabled {
		h, err := storage.NewHistoryStore(historyCfg)
		if err != nil {
			return fmt.Errorf("failed to open report history: %w", err)
		}
		app.history = h
		app.logger.Info("report history ready", monitorlog.String("driver", h.Driver()))
	}
	if cfg.Storage.Archive.Enabled {
		a, err := storage.NewMinIOArchive(minioCfg)
		if err != nil {
			// reports are still written locally
			app.logger.Warn("report archive unavailable", monitorlog.Error(err))
		} else {
			app.archive = a
		}
	}

	exporter, err := report.NewFileExporter(cfg.Reports.OutputDir, cfg.Reports.SystemName)
	if err != nil {
		return fmt.Errorf("failed to prepare reports directory: %w", err)
	}
	app.dispatcher, err = dispatch.NewDispatcher(dispatch.Options{
		Policy:     dispatch.NewPolicy(cfg.Schedule, time.Now()),
		Stats:      app.scheduler,
		Exporter:   exporter,
		Notifier:   app.notifier,
		Recipients: cfg.Email.Recipients,
		History:    app.history,
		Archive:    app.archive,
		CheckSpec:  cfg.Schedule.CheckSpec,
		Logger:     monitorlog.L(),
	})
	if err != nil {
		return err
	}

	if cfg.API.Enabled {
		app.server, err = api.NewServer(ctx, api.Options{
			Addr:                 cfg.API.ListenAddr,
			Monitor:              app.scheduler,
			History:              app.history,
			Dispatch:             app.dispatcher,
			SystemName:           cfg.Reports.SystemName,
			ControlRatePerMinute: cfg.API.ControlRatePerMinute,
			Logger:               monitorlog.L(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// openSecrets unseals config secrets. The returned key, if any, also seals
// the Gmail token file.
func (app *Application) openSecrets() ([]byte, error) {
	key, err := crypto.KeyFromEnv(config.DefaultSaltPath())
	if err != nil {
		if !errors.Is(err, crypto.ErrNoMasterKey) {
			return nil, err
		}
		if app.config.HasSealedSecrets() {
			return nil, fmt.Errorf("config contains sealed secrets: %w", err)
		}
		return nil, nil
	}
	if err := app.config.OpenSecrets(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (app *Application) newNotifier(ctx context.Context, tokenKey []byte) (notification.ReportNotifier, error) {
	smtpCfg, gmailCfg := config.CreateNotifierConfigs(app.config, tokenKey)
	switch app.config.Email.Method {
	case "smtp":
		n, err := notification.NewSMTPNotifier(smtpCfg, nil, monitorlog.L())
		if err != nil {
			return nil, fmt.Errorf("failed to create SMTP notifier: %w", err)
		}
		return n, nil
	case "gmail":
		n, err := notification.NewGmailNotifier(ctx, gmailCfg, monitorlog.L())
		if errors.Is(err, notification.ErrNoToken) {
			return nil, fmt.Errorf("%w: run `capturer gmail auth` first", err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail notifier: %w", err)
		}
		return n, nil
	default:
		app.logger.Info("email delivery disabled, reports are only written to disk")
		return notification.NoopNotifier{}, nil
	}
}

// Run blocks until ctx is done or the monitor fails.
func (app *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if err := app.dispatcher.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error { return app.scheduler.Run(ctx) })
	if app.server != nil {
		app.server.StartInBackground()
	}

	app.logger.Info("capturer running",
		monitorlog.Int("regions", len(app.config.Regions)),
		monitorlog.String("email", app.notifier.Method()))

	<-ctx.Done()
	return g.Wait()
}

// Cleanup stops every component in reverse order of start.
func (app *Application) Cleanup() {
	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Warn("API shutdown failed", monitorlog.Error(err))
		}
		cancel()
	}
	if app.dispatcher != nil {
		app.dispatcher.Stop()
	}
	if app.notifier != nil {
		app.notifier.Close()
	}
	if app.history != nil {
		app.history.Close()
	}
	if app.zap != nil {
		_ = app.zap.Sync()
	}
}
