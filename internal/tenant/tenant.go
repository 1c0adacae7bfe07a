// Package tenant defines the capability every newsletter tenant provides
// (collector, formatter, schedule, brand) and the startup registry that maps
// tenant ids to those capabilities.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"newsletterd/internal/apperr"
	"newsletterd/internal/config"
	logx "newsletterd/pkg/logx"
)

// Tenant is one newsletter. Implementations must be safe for concurrent use;
// Format and Subject must be pure.
type Tenant interface {
	ID() string
	Brand() Brand
	Schedule() Schedule
	// Collect fetches today's data from the tenant's upstream service.
	// Section failures are reported in Payload.Missing; an error means
	// nothing usable was collected.
	Collect(ctx context.Context) (Payload, error)
	// Format turns a payload into the template context for date.
	Format(p Payload, date time.Time) (map[string]any, error)
	Subject(date time.Time) string
}

// Templated is implemented by tenants that ship their own mail body. The
// source must define a "body" template; an empty source means the default.
type Templated interface {
	EmailTemplate() string
}

// Schedule holds the daily trigger times in the scheduler zone.
type Schedule struct {
	CollectHour   int `json:"collect_hour"`
	CollectMinute int `json:"collect_minute"`
	SendHour      int `json:"send_hour"`
	SendMinute    int `json:"send_minute"`
}

// CollectAt returns the collection trigger on day's calendar date.
func (s Schedule) CollectAt(day time.Time) time.Time {
	return at(day, s.CollectHour, s.CollectMinute)
}

// SendAt returns the delivery trigger on day's calendar date.
func (s Schedule) SendAt(day time.Time) time.Time {
	return at(day, s.SendHour, s.SendMinute)
}

func at(day time.Time, h, m int) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, h, m, 0, 0, day.Location())
}

type Feature struct {
	Icon        string `json:"icon"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Brand is the display metadata used by the subscribe page and mail templates.
type Brand struct {
	DisplayName      string    `json:"display_name"`
	SubjectPrefix    string    `json:"subject_prefix"`
	LogoText         string    `json:"logo_text"`
	Tagline          string    `json:"tagline"`
	Description      string    `json:"description"`
	PrimaryColor     string    `json:"primary_color"`
	PrimaryColorDark string    `json:"primary_color_dark"`
	AccentColor      string    `json:"accent_color"`
	Features         []Feature `json:"features,omitempty"`
}

// DailyLabel is appended to every daily subject line.
const DailyLabel = "일일 브리핑"

// DailySubject builds "{prefix} YYYY-MM-DD 일일 브리핑".
func DailySubject(prefix string, date time.Time) string {
	return fmt.Sprintf("%s %s %s", prefix, date.Format("2006-01-02"), DailyLabel)
}

// Payload is what one collection produced: named JSON sections plus the
// names of sections that could not be fetched.
type Payload struct {
	Sections map[string]json.RawMessage `json:"sections"`
	Missing  []string                   `json:"missing,omitempty"`
}

func (p Payload) Degraded() bool { return len(p.Missing) > 0 }
func (p Payload) Empty() bool    { return len(p.Sections) == 0 }

// Section decodes one section into out. A missing section leaves out untouched
// and returns false.
func (p Payload) Section(name string, out any) (bool, error) {
	raw, ok := p.Sections[name]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("section %s: %w", name, err)
	}
	return true, nil
}

// Deps is what a tenant constructor receives from the application.
type Deps struct {
	Settings config.TenantSettings
	Location *time.Location
	HTTP     *http.Client
	Log      logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) Clock() func() time.Time {
	if d.Now != nil {
		return d.Now
	}
	return time.Now
}

// Factory builds a tenant from its resolved settings.
type Factory func(Deps) (Tenant, error)

// Registry maps tenant ids to capabilities. It is built once at startup.
type Registry struct {
	byID map[string]Tenant
	ids  []string
}

func NewRegistry(tenants ...Tenant) (*Registry, error) {
	r := &Registry{byID: make(map[string]Tenant, len(tenants))}
	for _, t := range tenants {
		if t == nil {
			continue
		}
		id := t.ID()
		if id == "" {
			return nil, fmt.Errorf("tenant with empty id")
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", id)
		}
		r.byID[id] = t
		r.ids = append(r.ids, id)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Get resolves a tenant id; unknown ids are a validation error.
func (r *Registry) Get(id string) (Tenant, error) {
	t, ok := r.byID[id]
	if !ok {
		return nil, apperr.Validation.Wrap(fmt.Errorf("%w: %q", apperr.ErrUnknownTenant, id))
	}
	return t, nil
}

// IDs returns registered ids in sorted order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

// All returns every tenant sorted by id.
func (r *Registry) All() []Tenant {
	out := make([]Tenant, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}

// DefaultBrand is the platform look used by tenants without their own.
func DefaultBrand() Brand {
	return Brand{
		LogoText:         "NewsLetterPlatform",
		Tagline:          "멀티테넌트 뉴스레터 통합 플랫폼",
		Description:      "매일 분석 데이터를 이메일로 받아보세요",
		PrimaryColor:     "#10b981",
		PrimaryColorDark: "#059669",
		AccentColor:      "#38bdf8",
	}
}
