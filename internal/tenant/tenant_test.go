package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"newsletterd/internal/apperr"
)

type stubTenant struct{ id string }

func (s stubTenant) ID() string         { return s.id }
func (s stubTenant) Brand() Brand       { return Brand{SubjectPrefix: "[" + s.id + "]"} }
func (s stubTenant) Schedule() Schedule { return Schedule{CollectHour: 7, SendHour: 8} }

func (s stubTenant) Collect(context.Context) (Payload, error) { return Payload{}, nil }

func (s stubTenant) Format(Payload, time.Time) (map[string]any, error) { return nil, nil }

func (s stubTenant) Subject(d time.Time) string { return DailySubject(s.Brand().SubjectPrefix, d) }

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(stubTenant{"teacher-hub"}, stubTenant{"edufit"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := r.IDs(); len(got) != 2 || got[0] != "edufit" {
		t.Fatalf("ids = %v", got)
	}
	if _, err := r.Get("edufit"); err != nil {
		t.Fatalf("get: %v", err)
	}
	_, err = r.Get("nope")
	if !errors.Is(err, apperr.ErrUnknownTenant) || !apperr.Validation.Has(err) {
		t.Fatalf("unknown tenant err = %v", err)
	}
	if _, err := NewRegistry(stubTenant{"a"}, stubTenant{"a"}); err == nil {
		t.Fatal("duplicate ids must fail")
	}
}

func TestScheduleTriggers(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	day := time.Date(2026, 10, 15, 23, 59, 0, 0, loc)
	s := Schedule{CollectHour: 7, CollectMinute: 20, SendHour: 8, SendMinute: 20}
	if got := s.CollectAt(day); !got.Equal(time.Date(2026, 10, 15, 7, 20, 0, 0, loc)) {
		t.Fatalf("collect at = %v", got)
	}
	if got := s.SendAt(day); got.Hour() != 8 || got.Minute() != 20 || got.Location() != loc {
		t.Fatalf("send at = %v", got)
	}
}

func TestDailySubject(t *testing.T) {
	d := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	if got := DailySubject("[EduFit]", d); got != "[EduFit] 2026-10-15 일일 브리핑" {
		t.Fatalf("subject = %q", got)
	}
}

func TestPayloadSection(t *testing.T) {
	p := Payload{Sections: map[string]json.RawMessage{"daily_report": json.RawMessage(`{"totalMentions":3}`)}}
	var dr struct{ TotalMentions int }
	ok, err := p.Section("daily_report", &dr)
	if err != nil || !ok || dr.TotalMentions != 3 {
		t.Fatalf("section: ok=%v err=%v v=%+v", ok, err, dr)
	}
	if ok, _ := p.Section("weekly_summary", &dr); ok {
		t.Fatal("missing section reported present")
	}
	if p.Degraded() || p.Empty() {
		t.Fatal("payload flags")
	}
}
