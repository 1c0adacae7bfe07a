// Package subscription owns the subscriber lifecycle: signup with an expiring
// email code, confirmation, and unsubscribe by link token or by code.
//
// Every operation on one (tenant, email) is serialized by an in-process lock
// and runs in a single transaction. The code consume step is a conditional
// UPDATE, so racing confirms across processes still yield one winner.
package subscription

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"newsletterd/internal/apperr"
	"newsletterd/internal/config"
	"newsletterd/internal/eventbus"
	"newsletterd/internal/keylock"
	"newsletterd/internal/metrics"
	"newsletterd/internal/storage"
	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

const maxNameLen = 100

// Code is one verification code to deliver to a reader.
type Code struct {
	TenantID  string
	Brand     tenant.Brand
	Email     string
	Name      string
	Code      string
	Purpose   storage.Purpose
	ExpiresAt time.Time
}

// Notifier delivers verification codes (normally by email).
type Notifier interface {
	SendCode(ctx context.Context, c Code) error
}

type Options struct {
	Store    *storage.Store
	Tenants  *tenant.Registry
	Notifier Notifier
	Bus      eventbus.Bus // optional
	Settings config.SubscriptionSettings
	Log      logx.Logger
	Now      func() time.Time // optional
}

type Service struct {
	store    *storage.Store
	tenants  *tenant.Registry
	notifier Notifier
	bus      eventbus.Bus
	cfg      config.SubscriptionSettings
	log      logx.Logger
	now      func() time.Time
	locks    *keylock.Map
}

func New(opt Options) (*Service, error) {
	if opt.Store == nil || opt.Tenants == nil || opt.Notifier == nil {
		return nil, errors.New("subscription: store, tenants and notifier are required")
	}
	cfg := opt.Settings
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = config.DefaultCodeTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = config.DefaultMaxAttempts
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = config.DefaultCodeLength
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = config.DefaultNotifyTimeout
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    opt.Store,
		tenants:  opt.Tenants,
		notifier: opt.Notifier,
		bus:      opt.Bus,
		cfg:      cfg,
		log:      opt.Log.With(logx.String("comp", "subscription")),
		now:      now,
		locks:    keylock.New(),
	}, nil
}

// Pending describes an issued verification code without revealing it.
type Pending struct {
	TenantID  string          `json:"tenant"`
	Email     string          `json:"email"`
	Purpose   storage.Purpose `json:"purpose"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// RequestSignup starts (or restarts) the verification cycle for email.
// Confirmed subscribers get DuplicateActive; pending and unsubscribed rows
// go back to pending with a fresh code.
func (s *Service) RequestSignup(ctx context.Context, tenantID, email, name string) (p Pending, err error) {
	defer s.record(tenantID, "signup", &err)

	t, email, err := s.resolve(tenantID, email)
	if err != nil {
		return Pending{}, err
	}
	name = normalizeName(name)

	unlock := s.locks.Lock(lockKey(tenantID, email))
	defer unlock()

	now := s.now()
	v := storage.VerificationRequest{
		TenantID:  tenantID,
		Email:     email,
		Name:      name,
		Purpose:   storage.PurposeSubscribe,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
		CreatedAt: now,
	}
	if v.Code, err = newCode(s.cfg.CodeLength); err != nil {
		return Pending{}, apperr.Fatal.Wrap(err)
	}

	err = s.store.InTx(ctx, func(q *storage.Queries) error {
		sub, err := q.SubscriberByEmail(ctx, tenantID, email)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if _, err := q.CreatePendingSubscriber(ctx, tenantID, email, name, now); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					// Another process inserted the row first.
					return apperr.Transient.Wrap(fmt.Errorf("signup raced for %s", email))
				}
				return err
			}
		case err != nil:
			return err
		case sub.Status == storage.StatusConfirmed:
			return apperr.Conflict.Wrap(apperr.ErrDuplicateActive)
		default:
			if _, err := q.ResetSubscriberPending(ctx, sub.ID, name); err != nil {
				return err
			}
		}
		if _, err := q.InvalidateVerifications(ctx, tenantID, email, storage.PurposeSubscribe, now); err != nil {
			return err
		}
		return q.CreateVerification(ctx, &v)
	})
	if err != nil {
		return Pending{}, err
	}

	if err := s.notify(ctx, t, v); err != nil {
		return Pending{}, err
	}
	s.log.Info("signup code issued", logx.Tenant(tenantID), logx.String("email", maskEmail(email)), logx.Time("expires_at", v.ExpiresAt))
	return Pending{TenantID: tenantID, Email: email, Purpose: v.Purpose, ExpiresAt: v.ExpiresAt}, nil
}

// Confirm checks code against the newest live signup request and, on a
// match, confirms the subscriber with a fresh unsubscribe token.
func (s *Service) Confirm(ctx context.Context, tenantID, email, code string) (sub storage.Subscriber, err error) {
	defer s.record(tenantID, "confirm", &err)

	_, email, err = s.resolve(tenantID, email)
	if err != nil {
		return storage.Subscriber{}, err
	}
	code = strings.TrimSpace(code)

	unlock := s.locks.Lock(lockKey(tenantID, email))
	defer unlock()

	now := s.now()
	var verdict error
	err = s.store.InTx(ctx, func(q *storage.Queries) error {
		v, verr, err := s.checkCode(ctx, q, tenantID, email, storage.PurposeSubscribe, code, now)
		if err != nil {
			return err
		}
		if verr != nil {
			// Commit the attempt counter along with the rejection.
			verdict = verr
			return nil
		}

		sub, err = q.SubscriberByEmail(ctx, tenantID, email)
		if errors.Is(err, storage.ErrNotFound) {
			sub, err = q.CreatePendingSubscriber(ctx, tenantID, email, v.Name, now)
		}
		if err != nil {
			return err
		}
		if sub.Status == storage.StatusConfirmed {
			return apperr.Conflict.Wrap(apperr.ErrDuplicateActive)
		}
		if sub.Status == storage.StatusUnsubscribed {
			if _, err := q.ResetSubscriberPending(ctx, sub.ID, v.Name); err != nil {
				return err
			}
		}
		token, err := newToken()
		if err != nil {
			return apperr.Fatal.Wrap(err)
		}
		ok, err := q.ConfirmSubscriber(ctx, sub.ID, token, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict.Wrap(fmt.Errorf("subscriber %d changed state during confirm", sub.ID))
		}
		sub, err = q.SubscriberByID(ctx, sub.ID)
		return err
	})
	if err != nil {
		return storage.Subscriber{}, err
	}
	if verdict != nil {
		return storage.Subscriber{}, verdict
	}

	s.log.Info("subscriber confirmed", logx.Tenant(tenantID), logx.Int64("subscriber", sub.ID), logx.String("email", maskEmail(email)))
	s.publish(eventbus.SubscriberConfirmed, sub)
	return sub, nil
}

// UnsubscribeByToken ends the subscription holding token. Repeating it on an
// already unsubscribed row succeeds.
func (s *Service) UnsubscribeByToken(ctx context.Context, token string) (sub storage.Subscriber, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		err = apperr.Validation.Wrap(apperr.ErrTokenNotFound)
		s.record("", "unsubscribe_token", &err)
		return storage.Subscriber{}, err
	}
	sub, err = s.store.Q().SubscriberByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		err = apperr.Validation.Wrap(apperr.ErrTokenNotFound)
	}
	if err != nil {
		s.record("", "unsubscribe_token", &err)
		return storage.Subscriber{}, err
	}
	defer s.record(sub.TenantID, "unsubscribe_token", &err)

	unlock := s.locks.Lock(lockKey(sub.TenantID, sub.Email))
	defer unlock()

	changed := false
	err = s.store.InTx(ctx, func(q *storage.Queries) error {
		cur, err := q.SubscriberByToken(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			// A re-signup dropped the token between our read and the lock.
			return apperr.Validation.Wrap(apperr.ErrTokenNotFound)
		}
		if err != nil {
			return err
		}
		if cur.Status == storage.StatusConfirmed {
			if changed, err = q.UnsubscribeSubscriber(ctx, cur.ID, s.now()); err != nil {
				return err
			}
		}
		sub, err = q.SubscriberByID(ctx, cur.ID)
		return err
	})
	if err != nil {
		return storage.Subscriber{}, err
	}
	if changed {
		s.log.Info("subscriber unsubscribed by link", logx.Tenant(sub.TenantID), logx.Int64("subscriber", sub.ID))
		s.publish(eventbus.SubscriberUnsubscribed, sub)
	}
	return sub, nil
}

// RequestUnsubscribe issues an unsubscribe code to a confirmed subscriber.
func (s *Service) RequestUnsubscribe(ctx context.Context, tenantID, email string) (p Pending, err error) {
	defer s.record(tenantID, "unsubscribe_request", &err)

	t, email, err := s.resolve(tenantID, email)
	if err != nil {
		return Pending{}, err
	}

	unlock := s.locks.Lock(lockKey(tenantID, email))
	defer unlock()

	now := s.now()
	v := storage.VerificationRequest{
		TenantID:  tenantID,
		Email:     email,
		Purpose:   storage.PurposeUnsubscribe,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
		CreatedAt: now,
	}
	if v.Code, err = newCode(s.cfg.CodeLength); err != nil {
		return Pending{}, apperr.Fatal.Wrap(err)
	}

	err = s.store.InTx(ctx, func(q *storage.Queries) error {
		sub, err := q.SubscriberByEmail(ctx, tenantID, email)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && sub.Status != storage.StatusConfirmed) {
			return apperr.Validation.Wrap(apperr.ErrNotSubscribed)
		}
		if err != nil {
			return err
		}
		v.Name = sub.Name
		if _, err := q.InvalidateVerifications(ctx, tenantID, email, storage.PurposeUnsubscribe, now); err != nil {
			return err
		}
		return q.CreateVerification(ctx, &v)
	})
	if err != nil {
		return Pending{}, err
	}
	if err := s.notify(ctx, t, v); err != nil {
		return Pending{}, err
	}
	s.log.Info("unsubscribe code issued", logx.Tenant(tenantID), logx.String("email", maskEmail(email)))
	return Pending{TenantID: tenantID, Email: email, Purpose: v.Purpose, ExpiresAt: v.ExpiresAt}, nil
}

// ConfirmUnsubscribe checks an unsubscribe code and ends the subscription.
func (s *Service) ConfirmUnsubscribe(ctx context.Context, tenantID, email, code string) (sub storage.Subscriber, err error) {
	defer s.record(tenantID, "unsubscribe_confirm", &err)

	_, email, err = s.resolve(tenantID, email)
	if err != nil {
		return storage.Subscriber{}, err
	}
	code = strings.TrimSpace(code)

	unlock := s.locks.Lock(lockKey(tenantID, email))
	defer unlock()

	now := s.now()
	var verdict error
	changed := false
	err = s.store.InTx(ctx, func(q *storage.Queries) error {
		_, verr, err := s.checkCode(ctx, q, tenantID, email, storage.PurposeUnsubscribe, code, now)
		if err != nil {
			return err
		}
		if verr != nil {
			verdict = verr
			return nil
		}
		sub, err = q.SubscriberByEmail(ctx, tenantID, email)
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.Validation.Wrap(apperr.ErrNotSubscribed)
		}
		if err != nil {
			return err
		}
		if sub.Status == storage.StatusConfirmed {
			if changed, err = q.UnsubscribeSubscriber(ctx, sub.ID, now); err != nil {
				return err
			}
		}
		sub, err = q.SubscriberByID(ctx, sub.ID)
		return err
	})
	if err != nil {
		return storage.Subscriber{}, err
	}
	if verdict != nil {
		return storage.Subscriber{}, verdict
	}
	if changed {
		s.log.Info("subscriber unsubscribed by code", logx.Tenant(tenantID), logx.Int64("subscriber", sub.ID))
		s.publish(eventbus.SubscriberUnsubscribed, sub)
	}
	return sub, nil
}

// checkCode applies the code rules to the newest live request. verdict is a
// caller-facing rejection; err is a storage failure. A mismatch increments
// the attempt counter before returning its verdict.
func (s *Service) checkCode(ctx context.Context, q *storage.Queries, tenantID, email string, purpose storage.Purpose, code string, now time.Time) (v storage.VerificationRequest, verdict, err error) {
	v, err = q.LatestVerification(ctx, tenantID, email, purpose)
	if errors.Is(err, storage.ErrNotFound) {
		return v, apperr.Validation.Wrap(apperr.ErrNoPendingRequest), nil
	}
	if err != nil {
		return v, nil, err
	}
	switch {
	case v.Expired(now):
		return v, apperr.Validation.Wrap(apperr.ErrCodeExpired), nil
	case v.Consumed():
		return v, apperr.Conflict.Wrap(apperr.ErrAlreadyConsumed), nil
	case v.Attempts >= s.cfg.MaxAttempts:
		return v, apperr.Validation.Wrap(apperr.ErrAttemptsExceeded), nil
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(v.Code)) != 1 {
		n, err := q.IncrementAttempts(ctx, v.ID)
		if err != nil {
			return v, nil, err
		}
		left := max(s.cfg.MaxAttempts-n, 0)
		return v, apperr.Validation.Wrap(fmt.Errorf("%w (%d attempts left)", apperr.ErrCodeMismatch, left)), nil
	}
	ok, err := q.ConsumeVerification(ctx, v.ID, now)
	if err != nil {
		return v, nil, err
	}
	if !ok {
		return v, apperr.Conflict.Wrap(apperr.ErrAlreadyConsumed), nil
	}
	return v, nil, nil
}

func (s *Service) resolve(tenantID, email string) (tenant.Tenant, string, error) {
	t, err := s.tenants.Get(tenantID)
	if err != nil {
		return nil, "", err
	}
	email, err = NormalizeEmail(email)
	if err != nil {
		return nil, "", err
	}
	return t, email, nil
}

func (s *Service) notify(ctx context.Context, t tenant.Tenant, v storage.VerificationRequest) error {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()
	err := s.notifier.SendCode(nctx, Code{
		TenantID:  t.ID(),
		Brand:     t.Brand(),
		Email:     v.Email,
		Name:      v.Name,
		Code:      v.Code,
		Purpose:   v.Purpose,
		ExpiresAt: v.ExpiresAt,
	})
	if err != nil {
		s.log.Warn("verification code delivery failed", logx.Tenant(t.ID()), logx.String("purpose", string(v.Purpose)), logx.Err(err))
		return apperr.Transient.Wrap(fmt.Errorf("send verification code: %w", err))
	}
	return nil
}

func (s *Service) publish(typ string, sub storage.Subscriber) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.now(),
		Data: eventbus.Subscriber{TenantID: sub.TenantID, SubscriberID: sub.ID, Email: sub.Email, Name: sub.Name},
	})
}

func (s *Service) record(tenantID, op string, err *error) {
	code := "ok"
	if *err != nil {
		code = apperr.Code(*err)
	}
	metrics.RecordSubscriptionOp(tenantID, op, code)
}

// NormalizeEmail trims and lowercases email and rejects anything that is not
// a bare address.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > 254 {
		return "", apperr.Validation.Wrap(apperr.ErrInvalidEmail)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndexByte(email, '@')+1:], ".") {
		return "", apperr.Validation.Wrap(fmt.Errorf("%w: %q", apperr.ErrInvalidEmail, email))
	}
	return email, nil
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxNameLen {
		name = string([]rune(name)[:maxNameLen])
	}
	return name
}

func lockKey(tenantID, email string) string { return tenantID + "\x00" + email }

func newCode(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

func newToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return email
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}
