package delivery

import (
	"context"
	"errors"
	"fmt"

	"newsletterd/internal/apperr"
	"newsletterd/internal/eventbus"
	"newsletterd/internal/storage"
	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

// SendWelcome mails today's newsletter to a newly confirmed subscriber, if
// today's data exists. The record it writes makes the scheduled run skip
// them. It reports whether a message went out.
func (e *Engine) SendWelcome(ctx context.Context, t tenant.Tenant, email string) (bool, error) {
	sub, err := e.store.Q().SubscriberByEmail(ctx, t.ID(), email)
	if errors.Is(err, storage.ErrNotFound) {
		return false, apperr.Validation.Wrap(apperr.ErrNotSubscribed)
	}
	if err != nil {
		return false, err
	}
	if sub.Status != storage.StatusConfirmed {
		return false, apperr.Validation.Wrap(apperr.ErrNotSubscribed)
	}

	date := e.Today()
	b, err := e.prepare(ctx, t, date)
	if errors.Is(err, apperr.ErrNoData) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log := e.log.With(logx.Tenant(t.ID()), logx.String("date", date), logx.String("kind", "welcome"))
	if err := e.limiter.Wait(ctx); err != nil {
		return false, err
	}
	switch st := e.sendOne(ctx, b, sub, false, log); st {
	case storage.DeliverySent:
		log.Info("welcome newsletter sent", logx.Int64("subscriber", sub.ID))
		return true, nil
	case storage.DeliveryFailed:
		return false, apperr.Transient.Wrap(fmt.Errorf("welcome newsletter to subscriber %d failed", sub.ID))
	default:
		return false, nil
	}
}

// ListenWelcome sends a welcome newsletter for every confirmation published
// on bus until ctx ends.
func (e *Engine) ListenWelcome(ctx context.Context, bus eventbus.Bus, tenants *tenant.Registry) <-chan struct{} {
	return eventbus.Listen(ctx, bus, 64, func(ev eventbus.Event) {
		s, ok := ev.Data.(eventbus.Subscriber)
		if !ok {
			return
		}
		t, err := tenants.Get(s.TenantID)
		if err != nil {
			return
		}
		if _, err := e.SendWelcome(context.WithoutCancel(ctx), t, s.Email); err != nil {
			e.log.Warn("welcome newsletter failed", logx.Tenant(s.TenantID), logx.Int64("subscriber", s.SubscriberID), logx.Err(err))
		}
	}, eventbus.SubscriberConfirmed)
}
