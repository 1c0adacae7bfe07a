package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"newsletterd/internal/apperr"
	"newsletterd/internal/collect"
	"newsletterd/internal/eventbus"
	"newsletterd/internal/mailer"
	"newsletterd/internal/storage"
	"newsletterd/internal/storage/storagetest"
	"newsletterd/internal/tenant"
	"newsletterd/internal/tenant/tenanttest"
	logx "newsletterd/pkg/logx"
)

const day = "2026-10-15"

var fixedNow = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

type fixture struct {
	st    *storage.Store
	cache *collect.Cache
	mail  *mailer.Log
	eng   *Engine
	tn    *tenanttest.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storagetest.Open(t)
	f := &fixture{
		st:    st,
		cache: collect.New(collect.Options{Store: st, Log: logx.Nop(), Now: func() time.Time { return fixedNow }}),
		mail:  mailer.NewLog(logx.Nop()),
		tn:    tenanttest.New("edufit"),
	}
	eng, err := New(Options{
		Store:     st,
		Cache:     f.cache,
		Transport: f.mail,
		BaseURL:   "https://news.example.com/",
		Location:  time.UTC,
		Log:       logx.Nop(),
		Now:       func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatal(err)
	}
	f.eng = eng
	return f
}

func (f *fixture) collect(t *testing.T) {
	t.Helper()
	if _, err := f.cache.Collect(context.Background(), f.tn, day, false); err != nil {
		t.Fatalf("collect: %v", err)
	}
}

func TestDeliverTwiceRecordsOncePerSubscriber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, e := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		storagetest.Confirmed(t, f.st, "edufit", e, "")
	}
	if _, err := f.st.Q().CreatePendingSubscriber(ctx, "edufit", "pending@example.com", "", fixedNow); err != nil {
		t.Fatal(err)
	}
	storagetest.Confirmed(t, f.st, "teacher-hub", "other@example.com", "")
	f.collect(t)

	first, err := f.eng.Deliver(ctx, f.tn, day, false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.eng.Deliver(ctx, f.tn, day, false)
	if err != nil {
		t.Fatal(err)
	}
	if first.Sent != 3 || first.Failed != 0 || first.Skipped != 0 {
		t.Fatalf("first = %+v", first)
	}
	if second.Sent != 0 || second.Skipped != 3 {
		t.Fatalf("second = %+v", second)
	}
	if n := len(f.mail.Sent()); n != 3 {
		t.Fatalf("mails = %d", n)
	}
	counts, err := f.st.Q().CountDeliveries(ctx, "edufit", day)
	if err != nil || counts[storage.DeliverySent] != 3 || len(counts) != 1 {
		t.Fatalf("counts = %v err=%v", counts, err)
	}
}

func TestDeliverWithoutDataIsNoData(t *testing.T) {
	f := newFixture(t)
	storagetest.Confirmed(t, f.st, "edufit", "a@example.com", "")
	_, err := f.eng.Deliver(context.Background(), f.tn, day, false)
	if !errors.Is(err, apperr.ErrNoData) {
		t.Fatalf("err = %v", err)
	}
	if len(f.mail.Sent()) != 0 {
		t.Fatal("mail sent without data")
	}
}

func TestFailedSendRetriedOnlyWhenForced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.Confirmed(t, f.st, "edufit", "ok@example.com", "")
	storagetest.Confirmed(t, f.st, "edufit", "bad@example.com", "")
	f.collect(t)

	f.mail.SetFail(func(m mailer.Message) error {
		if m.To == "bad@example.com" {
			return mailer.ErrRejected
		}
		return nil
	})
	sum, err := f.eng.Deliver(ctx, f.tn, day, false)
	if err != nil || sum.Sent != 1 || sum.Failed != 1 {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
	recs, _ := f.st.Q().ListDeliveries(ctx, "edufit", day)
	for _, r := range recs {
		if r.Status == storage.DeliveryFailed && !strings.Contains(r.Error, "rejected") {
			t.Fatalf("failed record error = %q", r.Error)
		}
	}

	f.mail.SetFail(nil)
	sum, err = f.eng.Deliver(ctx, f.tn, day, false)
	if err != nil || sum.Sent != 0 || sum.Skipped != 2 {
		t.Fatalf("unforced retry: sum=%+v err=%v", sum, err)
	}
	sum, err = f.eng.Deliver(ctx, f.tn, day, true)
	if err != nil || sum.Sent != 1 || sum.Skipped != 1 {
		t.Fatalf("forced retry: sum=%+v err=%v", sum, err)
	}
	sent := f.mail.Sent()
	if len(sent) != 2 || sent[1].To != "bad@example.com" {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestUnknownOutcomeIsNotResentWhenForced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.Confirmed(t, f.st, "edufit", "slow@example.com", "")
	f.collect(t)

	f.mail.SetFail(func(m mailer.Message) error {
		return fmt.Errorf("smtp send to %s: %w: %w", m.To, mailer.ErrOutcomeUnknown, context.DeadlineExceeded)
	})
	sum, err := f.eng.Deliver(ctx, f.tn, day, false)
	if err != nil || sum.Failed != 1 {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
	recs, _ := f.st.Q().ListDeliveries(ctx, "edufit", day)
	for _, r := range recs {
		if r.Status != storage.DeliverySending || !strings.Contains(r.Error, "outcome unknown") {
			t.Fatalf("record = %+v", r)
		}
	}

	f.mail.SetFail(nil)
	sum, err = f.eng.Deliver(ctx, f.tn, day, true)
	if err != nil || sum.Sent != 0 || sum.Skipped != 1 {
		t.Fatalf("forced retry: sum=%+v err=%v", sum, err)
	}
	if n := len(f.mail.Sent()); n != 0 {
		t.Fatalf("mails = %d", n)
	}
}

func TestRenderedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.Confirmed(t, f.st, "edufit", "reader@example.com", "홍길동")
	f.tn.SetCollect(func(context.Context) (tenant.Payload, error) {
		p := tenanttest.Payload(map[string]any{"headline": "<b>오늘</b>"})
		p.Missing = []string{"weekly_ranking"}
		return p, nil
	})
	f.collect(t)

	sum, err := f.eng.Deliver(ctx, f.tn, day, false)
	if err != nil || !sum.Degraded || sum.Sent != 1 {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
	m := f.mail.Sent()[0]
	if m.Subject != "[edufit] 2026-10-15 일일 브리핑" {
		t.Fatalf("subject = %q", m.Subject)
	}
	url := "https://news.example.com/edufit/unsubscribe/token/tok-reader"
	if m.Headers["List-Unsubscribe"] != "<"+url+">" {
		t.Fatalf("List-Unsubscribe = %q", m.Headers["List-Unsubscribe"])
	}
	for _, want := range []string{url, "홍길동님", "weekly_ranking", "&lt;b&gt;오늘&lt;/b&gt;", "headline"} {
		if !strings.Contains(m.HTML, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func TestTenantTemplateIsUsed(t *testing.T) {
	f := newFixture(t)
	f.tn.Template = `{{define "body"}}<p id="custom">{{.Report.headline}}</p>{{end}}`
	storagetest.Confirmed(t, f.st, "edufit", "a@example.com", "")
	f.collect(t)
	if _, err := f.eng.Deliver(context.Background(), f.tn, day, false); err != nil {
		t.Fatal(err)
	}
	if html := f.mail.Sent()[0].HTML; !strings.Contains(html, `<p id="custom">hello edufit</p>`) {
		t.Fatalf("custom body missing:\n%s", html)
	}
}

func TestBrokenTenantTemplateFailsEachSend(t *testing.T) {
	f := newFixture(t)
	f.tn.Template = `{{define "body"}}{{.Report.headline{{end}}`
	storagetest.Confirmed(t, f.st, "edufit", "a@example.com", "")
	f.collect(t)
	sum, err := f.eng.Deliver(context.Background(), f.tn, day, false)
	if err != nil || sum.Failed != 1 || len(f.mail.Sent()) != 0 {
		t.Fatalf("sum=%+v err=%v", sum, err)
	}
}

func TestSendWelcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storagetest.Confirmed(t, f.st, "edufit", "new@example.com", "")

	sent, err := f.eng.SendWelcome(ctx, f.tn, "new@example.com")
	if err != nil || sent {
		t.Fatalf("without data: sent=%v err=%v", sent, err)
	}

	f.collect(t)
	sent, err = f.eng.SendWelcome(ctx, f.tn, "new@example.com")
	if err != nil || !sent {
		t.Fatalf("with data: sent=%v err=%v", sent, err)
	}
	sum, err := f.eng.Deliver(ctx, f.tn, day, false)
	if err != nil || sum.Sent != 0 || sum.Skipped != 1 {
		t.Fatalf("scheduled run after welcome: sum=%+v err=%v", sum, err)
	}
	if _, err := f.eng.SendWelcome(ctx, f.tn, "nobody@example.com"); !errors.Is(err, apperr.ErrNotSubscribed) {
		t.Fatalf("unknown subscriber err = %v", err)
	}
}

func TestListenWelcome(t *testing.T) {
	f := newFixture(t)
	sub := storagetest.Confirmed(t, f.st, "edufit", "new@example.com", "")
	f.collect(t)
	reg, err := tenant.NewRegistry(f.tn)
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := f.eng.ListenWelcome(ctx, bus, reg)

	bus.Publish(eventbus.Event{Type: eventbus.SubscriberConfirmed, Data: eventbus.Subscriber{TenantID: "edufit", SubscriberID: sub.ID, Email: sub.Email}})
	deadline := time.Now().Add(2 * time.Second)
	for len(f.mail.Sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if len(f.mail.Sent()) != 1 {
		t.Fatalf("welcome mails = %d", len(f.mail.Sent()))
	}
}

func TestUnsubscribeURL(t *testing.T) {
	got := UnsubscribeURL("http://localhost:4055/", "teacher-hub", "abc")
	if got != "http://localhost:4055/teacher-hub/unsubscribe/token/abc" {
		t.Fatalf("url = %q", got)
	}
}
