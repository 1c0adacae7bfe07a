package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"newsletterd/internal/apperr"
	"newsletterd/internal/collect"
	"newsletterd/internal/config"
	"newsletterd/internal/delivery"
	"newsletterd/internal/mailer"
	"newsletterd/internal/storage"
	"newsletterd/internal/storage/storagetest"
	"newsletterd/internal/tenant"
	"newsletterd/internal/tenant/tenanttest"
	logx "newsletterd/pkg/logx"
)

func at(h, m int) time.Time { return time.Date(2026, 10, 15, h, m, 0, 0, time.UTC) }

type fixture struct {
	st   *storage.Store
	mail *mailer.Log
	a, b *tenanttest.Tenant
	orc  *Orchestrator
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:   storagetest.Open(t),
		mail: mailer.NewLog(logx.Nop()),
		a:    tenanttest.New("alpha"),
		b:    tenanttest.New("beta"),
		now:  at(7, 5),
	}
	clock := func() time.Time { return f.now }
	reg, err := tenant.NewRegistry(f.a, f.b)
	if err != nil {
		t.Fatal(err)
	}
	cache := collect.New(collect.Options{Store: f.st, Log: logx.Nop(), Now: clock})
	eng, err := delivery.New(delivery.Options{Store: f.st, Cache: cache, Transport: f.mail, BaseURL: "http://x", Location: time.UTC, Log: logx.Nop(), Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	f.orc, err = New(Options{
		Store:    f.st,
		Tenants:  reg,
		Cache:    cache,
		Delivery: eng,
		Settings: config.SchedulerSettings{
			Location:      time.UTC,
			GraceWindow:   2 * time.Hour,
			RetryInterval: 5 * time.Minute,
			Concurrency:   2,
		},
		Log: logx.Nop(),
		Now: clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) tick() TickReport { return f.orc.Tick(context.Background(), f.now) }

func failing(context.Context) (tenant.Payload, error) {
	return tenant.Payload{}, errors.New("upstream down")
}

func TestDue(t *testing.T) {
	trigger := at(7, 0)
	cases := []struct {
		name  string
		now   time.Time
		grace time.Duration
		want  bool
	}{
		{"before", at(6, 59), time.Hour, false},
		{"at trigger", at(7, 0), time.Hour, true},
		{"inside grace", at(7, 59), time.Hour, true},
		{"grace end", at(8, 0), time.Hour, false},
		{"no grace late", at(23, 59), 0, true},
		{"next day", at(7, 0).AddDate(0, 0, 1), 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Due(c.now, trigger, c.grace); got != c.want {
				t.Fatalf("Due = %v, want %v", got, c.want)
			}
		})
	}
}

func TestTickIsolatesFailingTenant(t *testing.T) {
	f := newFixture(t)
	f.a.SetCollect(failing)

	rep := f.tick()
	if rep.ID == "" || rep.Date != "2026-10-15" {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Failed() != 1 || rep.Ran() != 1 {
		t.Fatalf("ran=%d failed=%d units=%+v", rep.Ran(), rep.Failed(), rep.Units)
	}
	ua, _ := rep.Unit("alpha", PhaseCollect)
	ub, _ := rep.Unit("beta", PhaseCollect)
	if ua.Outcome != OutcomeFailed || ua.Attempt != 1 || ub.Outcome != OutcomeRan {
		t.Fatalf("alpha=%+v beta=%+v", ua, ub)
	}
	ctx := context.Background()
	if has, _ := f.st.Q().HasCollected(ctx, "beta", rep.Date); !has {
		t.Fatal("beta not cached")
	}
	if has, _ := f.st.Q().HasCollected(ctx, "alpha", rep.Date); has {
		t.Fatal("alpha cached after failure")
	}
	if last, ok := f.orc.LastTick(); !ok || last.ID != rep.ID {
		t.Fatalf("last tick = %+v ok=%v", last, ok)
	}
}

func TestFailedPhaseWaitsForRetryInterval(t *testing.T) {
	f := newFixture(t)
	f.a.SetCollect(failing)
	f.tick()

	f.now = at(7, 6)
	rep := f.tick()
	u, ok := rep.Unit("alpha", PhaseCollect)
	if !ok || u.Outcome != OutcomeSkipped || u.Reason != ReasonRetryWait {
		t.Fatalf("alpha during cooldown = %+v", u)
	}
	if _, ok := rep.Unit("beta", PhaseCollect); ok {
		t.Fatal("beta collected twice")
	}
	if failing, waiting := f.orc.RetryState(); failing != 1 || waiting != 1 {
		t.Fatalf("retry state = %d/%d", failing, waiting)
	}

	f.a.SetCollect(tenanttest.New("alpha").CollectFn)
	f.now = at(7, 10)
	rep = f.tick()
	if u, _ := rep.Unit("alpha", PhaseCollect); u.Outcome != OutcomeRan {
		t.Fatalf("alpha after cooldown = %+v", u)
	}
	if f.a.Calls() != 2 {
		t.Fatalf("alpha collector calls = %d", f.a.Calls())
	}
}

func TestCollectThenSendInOneTick(t *testing.T) {
	f := newFixture(t)
	storagetest.Confirmed(t, f.st, "beta", "one@example.com", "")
	storagetest.Confirmed(t, f.st, "beta", "two@example.com", "")
	f.now = at(8, 1)

	rep := f.tick()
	c, _ := rep.Unit("beta", PhaseCollect)
	s, _ := rep.Unit("beta", PhaseSend)
	if c.Outcome != OutcomeRan || s.Outcome != OutcomeRan || s.Sent != 2 {
		t.Fatalf("collect=%+v send=%+v", c, s)
	}
	// alpha has no subscribers: collected, nothing to send.
	if _, ok := rep.Unit("alpha", PhaseSend); ok {
		t.Fatal("alpha send ran without subscribers")
	}

	f.now = at(8, 2)
	rep = f.tick()
	if len(rep.Units) != 0 {
		t.Fatalf("second tick units = %+v", rep.Units)
	}
	if n := len(f.mail.Sent()); n != 2 {
		t.Fatalf("mails = %d", n)
	}
}

func TestSendWithoutDataIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.a.SetCollect(failing)
	storagetest.Confirmed(t, f.st, "alpha", "one@example.com", "")
	f.now = at(8, 1)

	rep := f.tick()
	s, ok := rep.Unit("alpha", PhaseSend)
	if !ok || s.Outcome != OutcomeSkipped || s.Reason != ReasonNoData {
		t.Fatalf("send = %+v", s)
	}
}

func TestGraceWindowClosesPhase(t *testing.T) {
	f := newFixture(t)
	f.now = at(9, 30)
	rep := f.tick()
	if _, ok := rep.Unit("beta", PhaseCollect); ok {
		t.Fatal("collect ran after its grace window")
	}
	if s, ok := rep.Unit("beta", PhaseSend); !ok || s.Reason != ReasonNoData {
		t.Fatalf("send = %+v ok=%v", s, ok)
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.orc.ticking.Store(true)
	rep := f.tick()
	if !rep.Overlapped || len(rep.Units) != 0 || f.b.Calls() != 0 {
		t.Fatalf("report = %+v calls=%d", rep, f.b.Calls())
	}
}

func TestManualRunsUseBarriersUnlessForced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.now = at(3, 0) // before any trigger
	storagetest.Confirmed(t, f.st, "beta", "one@example.com", "")

	rep, err := f.orc.RunOnce(ctx, Manual{Tenants: []string{"beta"}, Actor: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Manual || rep.Ran() != 2 {
		t.Fatalf("first run = %+v", rep.Units)
	}

	rep, err = f.orc.RunOnce(ctx, Manual{Tenants: []string{"beta"}})
	if err != nil || rep.Skipped() != 2 {
		t.Fatalf("second run = %+v err=%v", rep.Units, err)
	}
	if f.b.Calls() != 1 {
		t.Fatalf("collector calls = %d", f.b.Calls())
	}

	rep, err = f.orc.CollectOnly(ctx, Manual{Tenants: []string{"beta"}, Force: true})
	if err != nil || rep.Ran() != 1 || f.b.Calls() != 2 {
		t.Fatalf("forced collect = %+v calls=%d err=%v", rep.Units, f.b.Calls(), err)
	}

	entries, err := f.st.Q().RecentAudit(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].Action != "collect" || entries[2].Actor != "test" || entries[2].OK != 2 {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestForcedSendRetriesFailedRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.Confirmed(t, f.st, "beta", "bad@example.com", "")
	f.mail.SetFail(func(mailer.Message) error { return mailer.ErrRejected })

	rep, err := f.orc.RunOnce(ctx, Manual{Tenants: []string{"beta"}})
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := rep.Unit("beta", PhaseSend); s.Failed != 1 {
		t.Fatalf("send = %+v", s)
	}

	f.mail.SetFail(nil)
	rep, _ = f.orc.SendOnly(ctx, Manual{Tenants: []string{"beta"}})
	if s, _ := rep.Unit("beta", PhaseSend); s.Outcome != OutcomeSkipped || s.Reason != ReasonDone {
		t.Fatalf("unforced send = %+v", s)
	}
	rep, _ = f.orc.SendOnly(ctx, Manual{Tenants: []string{"beta"}, Force: true})
	if s, _ := rep.Unit("beta", PhaseSend); s.Sent != 1 {
		t.Fatalf("forced send = %+v", s)
	}
}

func TestManualUnknownTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.orc.SendOnly(context.Background(), Manual{Tenants: []string{"nope"}})
	if !errors.Is(err, apperr.ErrUnknownTenant) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryGatePrune(t *testing.T) {
	var g retryGate
	g.record(at(7, 0), gateKey("a", PhaseCollect, "2026-10-14"), time.Minute, errors.New("x"))
	g.record(at(7, 0), gateKey("a", PhaseCollect, "2026-10-15"), time.Minute, errors.New("x"))
	g.prune("2026-10-15")
	if total, _ := g.snapshot(at(7, 0)); total != 1 {
		t.Fatalf("total = %d", total)
	}
	if n := g.record(at(7, 2), gateKey("a", PhaseCollect, "2026-10-15"), time.Minute, errors.New("x")); n != 2 {
		t.Fatalf("fails = %d", n)
	}
	g.record(at(7, 3), gateKey("a", PhaseCollect, "2026-10-15"), time.Minute, nil)
	if total, _ := g.snapshot(at(7, 3)); total != 0 {
		t.Fatalf("total after success = %d", total)
	}
}

func blockingCollect(started chan<- struct{}, release <-chan struct{}) func(context.Context) (tenant.Payload, error) {
	return func(context.Context) (tenant.Payload, error) {
		close(started)
		<-release
		return tenanttest.Payload(map[string]any{"headline": "late"}), nil
	}
}

func TestStopWaitsForCatchUpTick(t *testing.T) {
	f := newFixture(t)
	started, release := make(chan struct{}), make(chan struct{})
	f.a.SetCollect(blockingCollect(started, release))

	if err := f.orc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f.orc.Stop(ctx)
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the catch-up tick was still collecting")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}
	if ok, err := f.st.Q().HasCollected(context.Background(), "alpha", "2026-10-15"); err != nil || !ok {
		t.Fatalf("catch-up collection not stored: ok=%v err=%v", ok, err)
	}
}

func TestApplyZoneChangeWhileTickRuns(t *testing.T) {
	f := newFixture(t)
	started, release := make(chan struct{}), make(chan struct{})
	f.a.SetCollect(blockingCollect(started, release))
	if err := f.orc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		t.Skipf("tzdata: %v", err)
	}
	applied := make(chan struct{})
	go func() {
		f.orc.Apply(config.SchedulerSettings{Location: seoul, GraceWindow: time.Hour})
		close(applied)
	}()
	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("Apply blocked behind a running tick")
	}
	if got := f.orc.settings().Location.String(); got != "Asia/Seoul" {
		t.Fatalf("zone = %s", got)
	}
	f.orc.mu.Lock()
	running := f.orc.c != nil
	f.orc.mu.Unlock()
	if !running {
		t.Fatal("tick loop not restarted in the new zone")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.orc.Stop(ctx)
}
