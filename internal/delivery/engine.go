// Package delivery renders a tenant's collected data for each confirmed
// subscriber and sends it, recording one DeliveryRecord per
// (tenant, date, subscriber). A claimed record is written before the send,
// so a second run, in this process or another, skips that subscriber.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"newsletterd/internal/apperr"
	"newsletterd/internal/collect"
	"newsletterd/internal/mailer"
	"newsletterd/internal/metrics"
	"newsletterd/internal/storage"
	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

const (
	DefaultSendTimeout = 30 * time.Second
	// staleClaim is how old a "sending" row must be before a forced run may
	// take it over from a run that died mid-send.
	staleClaim = 30 * time.Minute
)

type Options struct {
	Store     *storage.Store
	Cache     *collect.Cache
	Transport mailer.Transport
	// BaseURL is the public web address used for unsubscribe links.
	BaseURL string
	// RatePerSec paces sends across all tenants; <= 0 means unpaced.
	RatePerSec  float64
	SendTimeout time.Duration // per message
	Location    *time.Location
	Log         logx.Logger
	Now         func() time.Time
}

type Engine struct {
	store   *storage.Store
	cache   *collect.Cache
	tr      mailer.Transport
	baseURL string
	limiter *rate.Limiter
	timeout time.Duration
	loc     *time.Location
	log     logx.Logger
	now     func() time.Time
	render  *renderer
}

func New(opt Options) (*Engine, error) {
	if opt.Store == nil || opt.Cache == nil || opt.Transport == nil {
		return nil, errors.New("delivery: store, cache and transport are required")
	}
	e := &Engine{
		store:   opt.Store,
		cache:   opt.Cache,
		tr:      opt.Transport,
		baseURL: opt.BaseURL,
		limiter: rate.NewLimiter(rate.Inf, 1),
		timeout: opt.SendTimeout,
		loc:     opt.Location,
		log:     opt.Log.With(logx.String("comp", "delivery")),
		now:     opt.Now,
		render:  newRenderer(),
	}
	if opt.RatePerSec > 0 {
		burst := max(int(opt.RatePerSec), 1)
		e.limiter = rate.NewLimiter(rate.Limit(opt.RatePerSec), burst)
	}
	if e.timeout <= 0 {
		e.timeout = DefaultSendTimeout
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Summary is the outcome of one Deliver call.
type Summary struct {
	TenantID string `json:"tenant"`
	Date     string `json:"date"`
	Sent     int    `json:"sent"`
	Failed   int    `json:"failed"`
	// Skipped counts confirmed subscribers that already had a record.
	Skipped  int  `json:"skipped"`
	Degraded bool `json:"degraded"`
}

func (s Summary) Total() int { return s.Sent + s.Failed + s.Skipped }

// Today is the current date in the engine's zone.
func (e *Engine) Today() string { return e.now().In(e.loc).Format(storage.DateLayout) }

// Deliver sends date's newsletter of t to every confirmed subscriber that
// has no record for date yet. With force, subscribers whose last attempt
// failed are tried again. Without collected data it returns ErrNoData.
// Per-subscriber failures are counted, never returned.
func (e *Engine) Deliver(ctx context.Context, t tenant.Tenant, date string, force bool) (Summary, error) {
	id := t.ID()
	sum := Summary{TenantID: id, Date: date}
	log := e.log.With(logx.Tenant(id), logx.String("date", date))
	start := time.Now()

	b, err := e.prepare(ctx, t, date)
	if err != nil {
		return sum, err
	}
	sum.Degraded = b.degraded

	subs, err := e.store.Q().ListConfirmedSubscribers(ctx, id)
	if err != nil {
		return sum, fmt.Errorf("list subscribers: %w", err)
	}
	done, err := e.store.Q().ListDeliveries(ctx, id, date)
	if err != nil {
		return sum, fmt.Errorf("list deliveries: %w", err)
	}

	log.Info("delivery started", logx.Int("subscribers", len(subs)), logx.Int("recorded", len(done)), logx.Bool("forced", force))
	for _, sub := range subs {
		if rec, ok := done[sub.ID]; ok && !(force && rec.Status != storage.DeliverySent) {
			sum.Skipped++
			continue
		}
		if err := e.limiter.Wait(ctx); err != nil {
			log.Warn("delivery interrupted", logx.Err(err), logx.Int("sent", sum.Sent))
			return sum, err
		}
		switch e.sendOne(ctx, b, sub, force, log) {
		case storage.DeliverySent:
			sum.Sent++
		case storage.DeliveryFailed, storage.DeliverySending:
			sum.Failed++
		default:
			sum.Skipped++
		}
	}

	fields := []logx.Field{
		logx.Int("sent", sum.Sent),
		logx.Int("failed", sum.Failed),
		logx.Int("skipped", sum.Skipped),
		logx.Bool("degraded", sum.Degraded),
		logx.Duration("dur", time.Since(start)),
	}
	if sum.Failed > 0 {
		log.Warn("delivery finished with failures", fields...)
	} else {
		log.Info("delivery finished", fields...)
	}
	return sum, nil
}

// batch is everything shared by the messages of one (tenant, date).
type batch struct {
	t        tenant.Tenant
	date     string
	subject  string
	base     map[string]any
	degraded bool
}

func (e *Engine) prepare(ctx context.Context, t tenant.Tenant, date string) (batch, error) {
	day, err := time.ParseInLocation(storage.DateLayout, date, e.loc)
	if err != nil {
		return batch{}, apperr.Validation.Wrap(fmt.Errorf("bad date %q: %w", date, err))
	}
	data, err := e.cache.Get(ctx, t.ID(), date)
	if err != nil {
		return batch{}, err
	}
	tctx, err := t.Format(data.Payload, day)
	if err != nil {
		return batch{}, apperr.Fatal.Wrap(fmt.Errorf("format %s %s: %w", t.ID(), date, err))
	}
	subject := t.Subject(day)
	base := map[string]any{
		"ReportDate": date,
	}
	for k, v := range tctx {
		base[k] = v
	}
	base["Brand"] = t.Brand()
	base["Subject"] = subject
	base["Degraded"] = data.Degraded
	base["Missing"] = data.Payload.Missing
	base["GeneratedAt"] = data.CollectedAt.In(e.loc).Format("2006-01-02 15:04")
	return batch{t: t, date: date, subject: subject, base: base, degraded: data.Degraded}, nil
}

// sendOne claims, renders, sends and records one message. It returns the
// recorded status, or "" when another run owns the slot. A send with an
// unknown outcome stays "sending" so only the stale-claim path can retake it.
func (e *Engine) sendOne(ctx context.Context, b batch, sub storage.Subscriber, retryFailed bool, log logx.Logger) storage.DeliveryStatus {
	id := b.t.ID()
	now := e.now()
	rec := storage.DeliveryRecord{
		TenantID:     id,
		Date:         b.date,
		SubscriberID: sub.ID,
		Subject:      b.subject,
		AttemptedAt:  now,
	}
	claimed, err := e.store.Q().ClaimDelivery(ctx, rec, retryFailed, now.Add(-staleClaim))
	if err != nil {
		log.Warn("delivery claim failed", logx.Int64("subscriber", sub.ID), logx.Err(err))
		return storage.DeliveryFailed
	}
	if !claimed {
		return ""
	}

	err = e.send(ctx, b, sub)
	rec.AttemptedAt = e.now()
	rec.Status = storage.DeliverySent
	switch {
	case errors.Is(err, mailer.ErrOutcomeUnknown):
		// the server may have taken it; a forced run must not send it again
		rec.Status = storage.DeliverySending
		rec.Error = err.Error()
		log.Warn("delivery outcome unknown; left claimed", logx.Int64("subscriber", sub.ID), logx.Err(err))
	case err != nil:
		rec.Status = storage.DeliveryFailed
		rec.Error = err.Error()
		log.Warn("delivery send failed", logx.Int64("subscriber", sub.ID), logx.Err(err))
	}
	if ferr := e.store.Q().FinishDelivery(context.WithoutCancel(ctx), rec); ferr != nil {
		log.Error("delivery record update failed", logx.Int64("subscriber", sub.ID), logx.String("status", string(rec.Status)), logx.Err(ferr))
	}
	metrics.RecordDelivery(id, string(rec.Status))
	return rec.Status
}

func (e *Engine) send(ctx context.Context, b batch, sub storage.Subscriber) error {
	tpl, err := e.render.template(b.t)
	if err != nil {
		return err
	}
	unsub := UnsubscribeURL(e.baseURL, b.t.ID(), sub.UnsubscribeToken)
	html, err := render(tpl, b.base, map[string]any{
		"UnsubscribeURL": unsub,
		"SubscriberName": sub.Name,
	})
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.tr.Send(sctx, mailer.Message{
		To:       sub.Email,
		ToName:   sub.Name,
		FromName: b.t.Brand().DisplayName,
		Subject:  b.subject,
		HTML:     html,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsub + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	})
}
