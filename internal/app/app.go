// Package app wires the newsletter services together: config, logging,
// storage, tenants, the subscription service, the delivery engine, the
// orchestrator and the web surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/zeebo/errs"

	"newsletterd/internal/collect"
	"newsletterd/internal/config"
	"newsletterd/internal/delivery"
	"newsletterd/internal/eventbus"
	"newsletterd/internal/mailer"
	"newsletterd/internal/orchestrator"
	"newsletterd/internal/runtime/supervisor"
	"newsletterd/internal/storage"
	"newsletterd/internal/subscription"
	"newsletterd/internal/tenant"
	"newsletterd/internal/web"
	logx "newsletterd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	log     logx.Logger
	logs    *logx.Service

	store   *storage.Store
	tenants *tenant.Registry
	bus     eventbus.Bus
	mail    mailer.Transport

	subs   *subscription.Service
	cache  *collect.Cache
	engine *delivery.Engine
	orch   *orchestrator.Orchestrator
	web    *web.Server

	webCfg   config.WebSettings
	schedCfg config.SchedulerSettings

	sup *supervisor.Supervisor
}

// NewApp loads the config at cfgPath (plus .env files next to it and in the
// working directory) and builds every service. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string) (a *App, err error) {
	if err := config.LoadDotenv(".env", filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return nil, err
	}
	cfgm := config.NewManager(cfgPath)
	cfgm.SetOverlay(func(c *config.Config) error { return config.ApplyEnv(ctx, c, nil) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a = &App{cfgPath: cfgPath, cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc}
	defer func() {
		if err != nil {
			err = errs.Combine(err, a.Close())
		}
	}()

	sched, err := cfg.Scheduler.Resolve()
	if err != nil {
		return a, err
	}
	subCfg, err := cfg.Subscription.Resolve()
	if err != nil {
		return a, err
	}
	smtp, err := cfg.SMTP.Resolve()
	if err != nil {
		return a, err
	}
	webCfg, err := cfg.Web.Resolve()
	if err != nil {
		return a, err
	}
	a.schedCfg, a.webCfg = sched, webCfg

	sc, err := storageConfig(cfg)
	if err != nil {
		return a, err
	}
	a.store, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return a, err
	}

	a.tenants, err = buildTenants(cfg, sched.Location, &http.Client{}, log)
	if err != nil {
		return a, err
	}

	a.bus = eventbus.New()
	a.mail, err = mailer.New(smtp, log)
	if err != nil {
		return a, err
	}

	a.subs, err = subscription.New(subscription.Options{
		Store:    a.store,
		Tenants:  a.tenants,
		Notifier: mailer.NewCodeNotifier(a.mail, sched.Location),
		Bus:      a.bus,
		Settings: subCfg,
		Log:      log,
	})
	if err != nil {
		return a, err
	}

	a.cache = collect.New(collect.Options{Store: a.store, Timeout: sched.CollectTimeout, Log: log})

	a.engine, err = delivery.New(delivery.Options{
		Store:       a.store,
		Cache:       a.cache,
		Transport:   a.mail,
		BaseURL:     webCfg.BaseURL,
		RatePerSec:  smtp.RatePerSec,
		SendTimeout: smtp.Timeout,
		Location:    sched.Location,
		Log:         log,
	})
	if err != nil {
		return a, err
	}

	a.orch, err = orchestrator.New(orchestrator.Options{
		Store:    a.store,
		Tenants:  a.tenants,
		Cache:    a.cache,
		Delivery: a.engine,
		Bus:      a.bus,
		Settings: sched,
		Log:      log,
	})
	if err != nil {
		return a, err
	}

	a.log.Info("app ready",
		logx.String("config", cfgPath),
		logx.String("storage", a.store.Engine()),
		logx.Any("tenants", a.tenants.IDs()),
		logx.String("mail", smtp.Transport),
	)
	return a, nil
}

// Tenants exposes the registry for CLI listing.
func (a *App) Tenants() *tenant.Registry { return a.tenants }

// RunOnce collects and sends for the selected tenants, honoring both barriers
// unless m.Force is set.
func (a *App) RunOnce(ctx context.Context, m orchestrator.Manual) (orchestrator.TickReport, error) {
	return a.orch.RunOnce(ctx, m)
}

func (a *App) CollectOnly(ctx context.Context, m orchestrator.Manual) (orchestrator.TickReport, error) {
	return a.orch.CollectOnly(ctx, m)
}

func (a *App) SendOnly(ctx context.Context, m orchestrator.Manual) (orchestrator.TickReport, error) {
	return a.orch.SendOnly(ctx, m)
}

// Close releases storage and flushes logs. It is for one-shot commands and
// for a failed NewApp; a started app is shut down with Stop.
func (a *App) Close() error {
	var group errs.Group
	if a.store != nil {
		group.Add(a.store.Close())
		a.store = nil
	}
	if a.logs != nil {
		group.Add(a.logs.Close())
		a.logs = nil
	}
	return group.Err()
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
