// Package tenanttest provides a scriptable tenant for tests.
package tenanttest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"newsletterd/internal/tenant"
)

// Tenant collects whatever CollectFn returns and formats the "report"
// section into the template context.
type Tenant struct {
	IDValue   string
	Sched     tenant.Schedule
	CollectFn func(ctx context.Context) (tenant.Payload, error)
	// Template, when set, is returned by EmailTemplate.
	Template string

	calls atomic.Int32
	mu    sync.Mutex
}

var _ tenant.Tenant = (*Tenant)(nil)

// New returns a tenant whose collector yields one "report" section.
func New(id string) *Tenant {
	return &Tenant{
		IDValue: id,
		Sched:   tenant.Schedule{CollectHour: 7, SendHour: 8},
		CollectFn: func(context.Context) (tenant.Payload, error) {
			return Payload(map[string]any{"headline": "hello " + id}), nil
		},
	}
}

// Payload builds a single-section payload.
func Payload(report any) tenant.Payload {
	raw, _ := json.Marshal(report)
	return tenant.Payload{Sections: map[string]json.RawMessage{"report": raw}}
}

func (t *Tenant) ID() string { return t.IDValue }

func (t *Tenant) Brand() tenant.Brand {
	b := tenant.DefaultBrand()
	b.DisplayName = t.IDValue + " briefing"
	b.SubjectPrefix = "[" + t.IDValue + "]"
	return b
}

func (t *Tenant) Schedule() tenant.Schedule { return t.Sched }

func (t *Tenant) Collect(ctx context.Context) (tenant.Payload, error) {
	t.calls.Add(1)
	t.mu.Lock()
	fn := t.CollectFn
	t.mu.Unlock()
	return fn(ctx)
}

// SetCollect swaps the collector while the tenant is in use.
func (t *Tenant) SetCollect(fn func(ctx context.Context) (tenant.Payload, error)) {
	t.mu.Lock()
	t.CollectFn = fn
	t.mu.Unlock()
}

// Calls reports how many times Collect ran.
func (t *Tenant) Calls() int { return int(t.calls.Load()) }

func (t *Tenant) Format(p tenant.Payload, date time.Time) (map[string]any, error) {
	var report map[string]any
	if _, err := p.Section("report", &report); err != nil {
		return nil, err
	}
	return map[string]any{"Report": report, "ReportDate": date.Format("2006-01-02")}, nil
}

func (t *Tenant) EmailTemplate() string { return t.Template }

func (t *Tenant) Subject(date time.Time) string {
	return tenant.DailySubject(t.Brand().SubjectPrefix, date)
}
