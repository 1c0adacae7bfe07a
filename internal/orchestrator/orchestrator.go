// Package orchestrator decides, once a minute, which tenant phases are due
// and runs them: collection first, then delivery. Each tenant runs in its
// own goroutine; a failing or panicking tenant only affects its own units.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"newsletterd/internal/apperr"
	"newsletterd/internal/collect"
	"newsletterd/internal/config"
	"newsletterd/internal/delivery"
	"newsletterd/internal/eventbus"
	"newsletterd/internal/keylock"
	"newsletterd/internal/metrics"
	"newsletterd/internal/storage"
	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

// TickSpec fires the tick loop at the top of every minute.
const TickSpec = "* * * * *"

type Options struct {
	Store    *storage.Store
	Tenants  *tenant.Registry
	Cache    *collect.Cache
	Delivery *delivery.Engine
	Bus      eventbus.Bus // optional
	Settings config.SchedulerSettings
	Log      logx.Logger
	Now      func() time.Time
}

type Orchestrator struct {
	store   *storage.Store
	tenants *tenant.Registry
	cache   *collect.Cache
	engine  *delivery.Engine
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu  sync.Mutex
	cfg config.SchedulerSettings
	c   *cron.Cron
	ctx context.Context

	catchup sync.WaitGroup
	ticking atomic.Bool
	last    atomic.Pointer[TickReport]
	gate    retryGate
	locks   *keylock.Map
}

func New(opt Options) (*Orchestrator, error) {
	if opt.Store == nil || opt.Tenants == nil || opt.Cache == nil || opt.Delivery == nil {
		return nil, errors.New("orchestrator: store, tenants, cache and delivery are required")
	}
	o := &Orchestrator{
		store:   opt.Store,
		tenants: opt.Tenants,
		cache:   opt.Cache,
		engine:  opt.Delivery,
		bus:     opt.Bus,
		log:     opt.Log.With(logx.String("comp", "orchestrator")),
		now:     opt.Now,
		cfg:     normalize(opt.Settings),
		locks:   keylock.New(),
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

func normalize(s config.SchedulerSettings) config.SchedulerSettings {
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.GraceWindow < 0 {
		s.GraceWindow = 0
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = config.DefaultRetryInterval
	}
	if s.CollectTimeout <= 0 {
		s.CollectTimeout = config.DefaultCollectTimeout
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = config.DefaultSendTimeout
	}
	if s.Concurrency <= 0 {
		s.Concurrency = config.DefaultConcurrency
	}
	return s
}

func (o *Orchestrator) settings() config.SchedulerSettings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Start runs the tick loop until Stop. The first tick runs immediately so a
// restart inside a grace window catches up without waiting a minute.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.c != nil {
		return nil
	}
	o.ctx = ctx
	c, err := o.newCronLocked()
	if err != nil {
		return err
	}
	o.c = c
	o.catchup.Add(1)
	go func() {
		defer o.catchup.Done()
		o.Tick(ctx, o.now())
	}()
	return nil
}

// newCronLocked builds and starts a cron in the current zone. The caller
// holds o.mu and installs the result.
func (o *Orchestrator) newCronLocked() (*cron.Cron, error) {
	loc := o.cfg.Location
	c := cron.New(cron.WithLocation(loc))
	ctx := o.ctx
	if _, err := c.AddFunc(TickSpec, func() { o.Tick(ctx, o.now()) }); err != nil {
		return nil, fmt.Errorf("schedule tick: %w", err)
	}
	c.Start()
	o.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("tenants", len(o.tenants.IDs())), logx.Int("concurrency", o.cfg.Concurrency))
	return c, nil
}

// Stop halts the tick loop and waits for running ticks, including the
// catch-up tick from Start, to finish or ctx to end, whichever comes first.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	c := o.c
	o.c = nil
	o.mu.Unlock()
	if c == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		o.catchup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("scheduler stop timed out; tick still running")
	}
	o.log.Info("scheduler stopped")
}

// Apply swaps scheduler settings at runtime. A zone change restarts the
// tick loop in the new zone. The old loop is drained without holding o.mu,
// since a tick it already fired reads the settings.
func (o *Orchestrator) Apply(s config.SchedulerSettings) {
	s = normalize(s)
	o.mu.Lock()
	old := o.cfg
	o.cfg = s
	var retired *cron.Cron
	if o.c != nil && old.Location.String() != s.Location.String() {
		retired = o.c
		c, err := o.newCronLocked()
		if err != nil {
			o.log.Error("scheduler restart failed", logx.Err(err))
		}
		o.c = c
	}
	o.mu.Unlock()
	if retired != nil {
		<-retired.Stop().Done()
	}
	o.log.Info("scheduler settings applied",
		logx.Duration("grace", s.GraceWindow),
		logx.Duration("retry", s.RetryInterval),
		logx.Int("concurrency", s.Concurrency),
	)
}

// LastTick returns the most recent completed tick report.
func (o *Orchestrator) LastTick() (TickReport, bool) {
	r := o.last.Load()
	if r == nil {
		return TickReport{}, false
	}
	return *r, true
}

// RetryState reports how many phases have failed today and how many are
// still waiting out the retry interval.
func (o *Orchestrator) RetryState() (failing, waiting int) {
	return o.gate.snapshot(o.now())
}

// Tick runs every due tenant phase for now. If the previous tick is still
// running, it returns a report marked Overlapped without doing anything.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) TickReport {
	cfg := o.settings()
	local := now.In(cfg.Location)
	rep := TickReport{ID: uuid.NewString(), At: now, Date: local.Format(storage.DateLayout)}

	if !o.ticking.CompareAndSwap(false, true) {
		rep.Overlapped = true
		metrics.RecordTick(now, true)
		o.log.Warn("tick skipped; previous tick still running", logx.String("tick", rep.ID))
		return rep
	}
	defer o.ticking.Store(false)

	o.gate.prune(rep.Date)
	rep.Units = o.fanOut(ctx, cfg, o.tenants.All(), func(ctx context.Context, t tenant.Tenant) []UnitReport {
		return o.tickTenant(ctx, cfg, t, local, rep.Date)
	})

	o.last.Store(&rep)
	metrics.RecordTick(now, false)
	if len(rep.Units) > 0 {
		o.log.Info("tick finished",
			logx.String("tick", rep.ID),
			logx.String("date", rep.Date),
			logx.Int("ran", rep.Ran()),
			logx.Int("failed", rep.Failed()),
			logx.Int("skipped", rep.Skipped()),
		)
	}
	return rep
}

// tickTenant evaluates both phases of one tenant. Delivery is checked after
// collection so a send trigger in the same minute sees fresh data.
func (o *Orchestrator) tickTenant(ctx context.Context, cfg config.SchedulerSettings, t tenant.Tenant, now time.Time, date string) []UnitReport {
	id := t.ID()
	sched := t.Schedule()
	var out []UnitReport

	if Due(now, sched.CollectAt(now), cfg.GraceWindow) {
		if u, ok := o.gated(now, id, PhaseCollect, date); !ok {
			out = append(out, u)
		} else if has, err := o.cache.Has(ctx, id, date); err != nil {
			out = append(out, o.failedUnit(now, cfg, id, PhaseCollect, date, err))
		} else if !has {
			out = append(out, o.runPhase(ctx, cfg, t, PhaseCollect, date, false, false))
		}
	}

	if Due(now, sched.SendAt(now), cfg.GraceWindow) {
		if u, ok := o.gated(now, id, PhaseSend, date); !ok {
			out = append(out, u)
		} else if has, err := o.cache.Has(ctx, id, date); err != nil {
			out = append(out, o.failedUnit(now, cfg, id, PhaseSend, date, err))
		} else if !has {
			out = append(out, UnitReport{TenantID: id, Phase: PhaseSend, Outcome: OutcomeSkipped, Reason: ReasonNoData, Error: apperr.ErrNoData.Error()})
		} else if n, err := o.store.Q().CountUndelivered(ctx, id, date); err != nil {
			out = append(out, o.failedUnit(now, cfg, id, PhaseSend, date, err))
		} else if n > 0 {
			out = append(out, o.runPhase(ctx, cfg, t, PhaseSend, date, false, false))
		}
	}
	return out
}

// Due reports whether a phase triggered at trigger should run at now.
// grace <= 0 keeps it due until the day rolls over.
func Due(now, trigger time.Time, grace time.Duration) bool {
	if now.Before(trigger) {
		return false
	}
	if y, m, d := now.Date(); y != trigger.Year() || m != trigger.Month() || d != trigger.Day() {
		return false
	}
	return grace <= 0 || now.Before(trigger.Add(grace))
}

func (o *Orchestrator) gated(now time.Time, id string, phase Phase, date string) (UnitReport, bool) {
	if wait, until := o.gate.wait(now, gateKey(id, phase, date)); wait {
		o.log.Debug("phase waiting for retry", logx.Tenant(id), logx.Phase(string(phase)), logx.Time("until", until))
		return UnitReport{TenantID: id, Phase: phase, Outcome: OutcomeSkipped, Reason: ReasonRetryWait}, false
	}
	return UnitReport{}, true
}

func (o *Orchestrator) failedUnit(now time.Time, cfg config.SchedulerSettings, id string, phase Phase, date string, err error) UnitReport {
	attempt := o.gate.record(now, gateKey(id, phase, date), cfg.RetryInterval, err)
	o.log.Warn("phase check failed", logx.Tenant(id), logx.Phase(string(phase)), logx.Err(err))
	return UnitReport{TenantID: id, Phase: phase, Outcome: OutcomeFailed, Error: err.Error(), Attempt: attempt}
}

// runPhase executes one phase on a context detached from ctx's cancellation
// and bounded by the phase timeout. Panics become failures. wait makes the
// phase lock blocking (manual runs); the tick skips a busy phase instead.
func (o *Orchestrator) runPhase(ctx context.Context, cfg config.SchedulerSettings, t tenant.Tenant, phase Phase, date string, force, wait bool) (u UnitReport) {
	id := t.ID()
	u = UnitReport{TenantID: id, Phase: phase}
	log := o.log.With(logx.Tenant(id), logx.Phase(string(phase)), logx.String("date", date))

	lockKey := gateKey(id, phase, date)
	var unlock func()
	if wait {
		unlock = o.locks.Lock(lockKey)
	} else {
		var ok bool
		if unlock, ok = o.locks.TryLock(lockKey); !ok {
			u.Outcome, u.Reason = OutcomeSkipped, ReasonBusy
			return u
		}
	}
	defer unlock()

	timeout := cfg.CollectTimeout
	if phase == PhaseSend {
		timeout = cfg.SendTimeout
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("phase panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = apperr.Fatal.Wrap(fmt.Errorf("panic: %v", r))
			}
		}()
		switch phase {
		case PhaseCollect:
			res, err := o.cache.Collect(pctx, t, date, force)
			u.Degraded = res.Degraded
			return err
		default:
			sum, err := o.engine.Deliver(pctx, t, date, force)
			u.Sent, u.Failed, u.Skipped, u.Degraded = sum.Sent, sum.Failed, sum.Skipped, sum.Degraded
			return err
		}
	}()
	u.Took = time.Since(start)

	switch {
	case phase == PhaseSend && errors.Is(err, apperr.ErrNoData):
		u.Outcome, u.Reason, u.Error = OutcomeSkipped, ReasonNoData, err.Error()
	case err != nil:
		u.Outcome, u.Error = OutcomeFailed, err.Error()
		u.Attempt = o.gate.record(o.now(), gateKey(id, phase, date), cfg.RetryInterval, err)
		fields := []logx.Field{logx.Err(err), logx.Int("attempt", u.Attempt), logx.Duration("retry_in", cfg.RetryInterval)}
		if apperr.Fatal.Has(err) {
			log.Error("phase failed", fields...)
		} else {
			log.Warn("phase failed", fields...)
		}
	default:
		u.Outcome = OutcomeRan
		o.gate.record(o.now(), gateKey(id, phase, date), cfg.RetryInterval, nil)
	}

	metrics.RecordPhase(id, string(phase), string(u.Outcome), u.Took)
	o.publish(u, date)
	return u
}

// fanOut runs fn for each tenant with bounded concurrency and collects the
// unit reports in tenant order.
func (o *Orchestrator) fanOut(ctx context.Context, cfg config.SchedulerSettings, tenants []tenant.Tenant, fn func(context.Context, tenant.Tenant) []UnitReport) []UnitReport {
	results := make([][]UnitReport, len(tenants))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, t := range tenants {
		i, t := i, t
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.log.Error("tenant unit panic", logx.Tenant(t.ID()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					results[i] = append(results[i], UnitReport{TenantID: t.ID(), Outcome: OutcomeFailed, Error: fmt.Sprintf("panic: %v", r)})
				}
			}()
			results[i] = fn(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	var out []UnitReport
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func (o *Orchestrator) publish(u UnitReport, date string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{
		Type: eventbus.PhaseFinished,
		Time: o.now(),
		Data: eventbus.Phase{TenantID: u.TenantID, Phase: string(u.Phase), Date: date, Outcome: string(u.Outcome), Err: u.Error},
	})
}
