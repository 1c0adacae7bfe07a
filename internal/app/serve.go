package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/zeebo/errs"

	"newsletterd/internal/config"
	"newsletterd/internal/eventbus"
	"newsletterd/internal/runtime/supervisor"
	"newsletterd/internal/web"
	logx "newsletterd/pkg/logx"
)

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the long-lived services: the web server, the scheduler, the
// welcome listener and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.webCfg.Enabled {
		a.web = web.New(web.Options{
			Settings:      a.webCfg,
			Tenants:       a.tenants,
			Subscriptions: a.subs,
			Store:         a.store,
			Scheduler:     a.orch,
			Supervisor:    a.sup,
			Log:           a.log,
		})
		if err := a.web.Serve(a.sup.Context(), a.sup); err != nil {
			return fmt.Errorf("web listen %s: %w", a.webCfg.Addr, err)
		}
	}

	if a.schedCfg.Enabled {
		if err := a.orch.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled; only manual runs will collect or send")
	}

	welcome := a.engine.ListenWelcome(a.sup.Context(), a.bus, a.tenants)
	a.sup.Go("delivery.welcome", func(c context.Context) error {
		<-welcome
		return nil
	})

	events := eventbus.Listen(a.sup.Context(), a.bus, 128, func(e eventbus.Event) {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	})
	a.sup.Go("eventbus.log", func(c context.Context) error {
		<-events
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Bool("web", a.webCfg.Enabled), logx.Bool("scheduler", a.schedCfg.Enabled))
	return nil
}

// applyConfig applies the sections that can change live: logging and the
// scheduler. Everything else needs a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(loggingConfig(newCfg))

	if sched, err := newCfg.Scheduler.Resolve(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.schedCfg.Enabled
		a.orch.Apply(sched)
		a.schedCfg = sched
		switch {
		case wasEnabled && !sched.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.orch.Stop(stopCtx)
			cancel()
			a.log.Info("scheduler disabled via config")
		case !wasEnabled && sched.Enabled:
			if err := a.orch.Start(ctx); err != nil {
				a.log.Error("scheduler start failed", logx.Err(err))
			} else {
				a.log.Info("scheduler enabled via config")
			}
		}
	}

	var restart []string
	for _, s := range sections {
		switch s {
		case "logging", "scheduler":
		default:
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that only apply after restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts services down in dependency order, each step bounded so one
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	var group errs.Group
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			group.Add(fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("web", 5*time.Second, func(c context.Context) error {
		if a.web != nil {
			a.web.Shutdown(c)
		}
		return nil
	})
	// phases of a running tick keep going on their own timeouts after this
	step("scheduler", 20*time.Second, func(c context.Context) error {
		a.orch.Stop(c)
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error {
		_ = a.sup.Wait(c)
		return c.Err()
	})

	if err := a.sup.Err(); err != nil {
		group.Add(err)
	}
	a.log.Info("stopped")
	group.Add(a.Close())
	return group.Err()
}
