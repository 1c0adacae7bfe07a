package httpcollect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	logx "newsletterd/pkg/logx"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.URL.Query().Get("week") != "7" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"year":2026,"week":7}`))
	}))
	defer srv.Close()

	var delays []time.Duration
	c := New(Options{BaseURL: srv.URL + "/", Log: logx.Nop()}).WithSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})
	var out struct{ Year, Week int }
	if err := c.GetJSON(context.Background(), "/weekly", url.Values{"week": {"7"}}, &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Week != 7 || hits.Load() != 3 {
		t.Fatalf("out=%+v hits=%d", out, hits.Load())
	}
	if len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
		t.Fatalf("delays = %v", delays)
	}
}

func TestGetJSONClientErrorIsFinal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL}).WithSleep(noSleep)
	var out map[string]any
	err := c.GetJSON(context.Background(), "/missing", nil, &out)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestGetJSONGivesUpAfterAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Attempts: 2}).WithSleep(noSleep)
	var out map[string]any
	err := c.GetJSON(context.Background(), "/x", nil, &out)
	var se *StatusError
	if !errors.As(err, &se) || !se.Retryable() || se.RetryAfter != time.Second {
		t.Fatalf("err = %#v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
}

func TestSectionsPartialAndEmpty(t *testing.T) {
	s := NewSections(logx.Nop())
	s.Add("ok", func() (any, error) { return map[string]int{"n": 1}, nil })
	s.Add("empty", func() (any, error) { return []int{}, nil })
	s.Add("broken", func() (any, error) { return nil, errors.New("boom") })

	p, err := s.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if _, ok := p.Sections["ok"]; !ok || len(p.Sections) != 1 {
		t.Fatalf("sections = %v", p.Sections)
	}
	if !p.Degraded() || len(p.Missing) != 1 || p.Missing[0] != "broken" {
		t.Fatalf("missing = %v", p.Missing)
	}
}

func TestSectionsAllFailed(t *testing.T) {
	s := NewSections(logx.Nop())
	boom := errors.New("boom")
	s.Add("a", func() (any, error) { return nil, boom })
	s.Add("b", func() (any, error) { return nil, errors.New("bang") })
	if _, err := s.Payload(); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestSectionsNothingAttempted(t *testing.T) {
	p, err := NewSections(logx.Nop()).Payload()
	if err != nil || !p.Empty() || p.Degraded() {
		t.Fatalf("p=%+v err=%v", p, err)
	}
}

func TestPrevISOWeek(t *testing.T) {
	cases := []struct{ y, w, wy, ww int }{
		{2026, 10, 2026, 9},
		{2026, 1, 2025, 52},
		{2021, 1, 2020, 53},
	}
	for _, c := range cases {
		y, w := PrevISOWeek(c.y, c.w)
		if y != c.wy || w != c.ww {
			t.Errorf("PrevISOWeek(%d,%d) = %d,%d want %d,%d", c.y, c.w, y, w, c.wy, c.ww)
		}
	}
}
