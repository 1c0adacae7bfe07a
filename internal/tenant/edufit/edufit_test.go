package edufit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"newsletterd/internal/config"
	"newsletterd/internal/tenant"
	"newsletterd/internal/tenant/insight"
	logx "newsletterd/pkg/logx"
)

var kst = time.FixedZone("KST", 9*3600)

func newTestTenant(t *testing.T, h http.Handler, now time.Time) *Tenant {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tn, err := New(tenant.Deps{
		Settings: config.TenantSettings{ID: ID, APIBaseURL: srv.URL + "/api/v1", CollectHour: 7, CollectMinute: 20, SendHour: 8, SendMinute: 20},
		Location: kst,
		Log:      logx.Nop(),
		Now:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ef := tn.(*Tenant)
	ef.client.WithSleep(func(context.Context, time.Duration) error { return nil })
	return ef
}

func TestCollectComputesISOWeekLocally(t *testing.T) {
	var weeks []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/reports/daily", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"totalTeachers":5,"totalMentions":12,"avgSentimentScore":0.8,"positiveRatio":0.634,
			"teacherSummaries":[{"teacherName":"정강사","mentionCount":4}]}`))
	})
	mux.HandleFunc("/api/v1/weekly/current", func(w http.ResponseWriter, r *http.Request) {
		t.Error("edufit must not call /weekly/current")
	})
	mux.HandleFunc("/api/v1/weekly/summary", func(w http.ResponseWriter, r *http.Request) {
		weeks = append(weeks, r.URL.Query().Get("year")+"-"+r.URL.Query().Get("week"))
		_, _ = w.Write([]byte(`{"totalTeachers":20,"totalMentions":90,"avgSentimentScore":0.7}`))
	})
	mux.HandleFunc("/api/v1/weekly/ranking", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"teacherName":"정강사","academyName":"이투스","mentionCount":14,"avgSentimentScore":0.9,
			"recommendationCount":6,"topKeywords":["친절","꼼꼼"]}]`))
	})
	mux.HandleFunc("/api/v1/analysis/summary", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"totalMentions":300,"totalRecommendations":42,"totalTeachers":20,"avgSentimentScore":0.7}`))
	})
	mux.HandleFunc("/api/v1/analysis/academy-stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"academyName":"이투스","totalMentions":30,"totalTeachersMentioned":4,"avgSentimentScore":0.75,"topTeacherName":"정강사"},
			{"academyName":"대성","totalMentions":10,"totalTeachersMentioned":2,"avgSentimentScore":0.5}
		]`))
	})

	// 2026-10-15 in KST is a Thursday of ISO week 42.
	tn := newTestTenant(t, mux, time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC))
	p, err := tn.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if p.Degraded() {
		t.Fatalf("missing = %v", p.Missing)
	}
	if len(weeks) != 1 || weeks[0] != "2026-42" {
		t.Fatalf("weeks queried = %v", weeks)
	}
	if _, ok := p.Sections[insight.SectionAnalysisSummary]; !ok {
		t.Fatal("analysis summary not collected")
	}

	ctx, err := tn.Format(p, time.Date(2026, 10, 15, 0, 0, 0, 0, kst))
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	st := ctx["Stats"].(insight.Stats)
	if st.TotalRecommendations != 42 || st.PositiveRatio != 63.4 || st.TotalMentions != 90 {
		t.Fatalf("stats = %+v", st)
	}
	top := ctx["TopTeachers"].([]insight.TopTeacher)
	if len(top) != 1 || top[0].RecommendationCount != 6 || len(top[0].TopKeywords) != 2 {
		t.Fatalf("top = %+v", top)
	}
	hl := ctx["Report"].(insight.Period).Highlights
	if len(hl) != 4 || hl[1] != "누적 추천 42건 달성" {
		t.Fatalf("highlights = %q", hl)
	}
	sum := ctx["AcademySummary"].(AcademySummary)
	if sum.TotalAcademies != 2 || sum.TotalAcademyMentions != 40 || sum.TotalTeachersMentioned != 6 {
		t.Fatalf("academy summary = %+v", sum)
	}
	ac := ctx["AcademyRanking"].([]insight.AcademyRank)
	if ac[0].TopTeacher != "정강사" || ac[0].AvgSentiment != 75 || ac[1].TeacherCount != 2 {
		t.Fatalf("academy ranking = %+v", ac)
	}
	if _, ok := ctx["WeekLabel"]; ok {
		t.Fatal("edufit has no week label")
	}
}

func TestCollectFallsBackToPreviousWeekAcrossYear(t *testing.T) {
	var queried []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/weekly/ranking", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		queried = append(queried, q.Get("year")+"-"+q.Get("week"))
		if q.Get("week") == "1" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"teacherName":"최강사","academyName":"","mentionCount":3,"avgSentimentScore":0.4}]`))
	})
	// Every other endpoint is missing.
	tn := newTestTenant(t, mux, time.Date(2026, 1, 2, 3, 0, 0, 0, kst))
	p, err := tn.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if strings.Join(queried, ",") != "2026-1,2025-52" {
		t.Fatalf("queried = %v", queried)
	}
	if len(p.Missing) != 4 {
		t.Fatalf("missing = %v", p.Missing)
	}
	ctx, err := tn.Format(p, time.Date(2026, 1, 2, 0, 0, 0, 0, kst))
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	hl := ctx["Report"].(insight.Period).Highlights
	if len(hl) != 2 || hl[1] != "최강사 강사 주간 1위 (언급 3건)" {
		t.Fatalf("highlights = %q", hl)
	}
}

func TestBrand(t *testing.T) {
	tn := newTestTenant(t, http.NotFoundHandler(), time.Now())
	b := tn.Brand()
	if b.LogoText != "EduFit" || b.AccentColor != "#34d399" || len(b.Features) != 4 {
		t.Fatalf("brand = %+v", b)
	}
	if got := tn.Subject(time.Date(2026, 10, 15, 0, 0, 0, 0, kst)); got != "[EduFit] 2026-10-15 일일 브리핑" {
		t.Fatalf("subject = %q", got)
	}
}
