package insight

import (
	"bytes"
	"context"
	"html/template"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"newsletterd/internal/tenant/httpcollect"
)

func TestPercent(t *testing.T) {
	cases := map[float64]float64{0: 0, 0.5: 50, 0.123: 12.3, 1: 100, 72.34: 72.3}
	for in, want := range cases {
		if got := Percent(in); got != want {
			t.Errorf("Percent(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestHighlightsSkipEmptyInputs(t *testing.T) {
	var hl Highlights
	hl.Add(TodayTopHighlight(DailyReport{TeacherSummaries: []TeacherSummary{{TeacherName: "A", MentionCount: 0}}}))
	hl.Add(RecommendationHighlight(0))
	hl.Add(SentimentHighlight(nil))
	hl.Add(WeeklyLeaderHighlight([]TeacherRank{{TeacherName: "B"}}))
	if len(hl) != 0 {
		t.Fatalf("highlights = %q", hl)
	}
}

func TestSentimentHighlightOnlyLooksAtTopFive(t *testing.T) {
	rows := []TeacherRank{
		{TeacherName: "a", AvgSentimentScore: 0.1},
		{TeacherName: "b", AvgSentimentScore: 0.3},
		{TeacherName: "c", AvgSentimentScore: 0.3},
		{TeacherName: "d", AvgSentimentScore: 0.2},
		{TeacherName: "e", AvgSentimentScore: 0.2},
		{TeacherName: "f", AvgSentimentScore: 0.99},
	}
	got, ok := SentimentHighlight(rows)
	if !ok || got != "b 강사 감성 점수 30.0%로 최상위" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildTopTeachersCapsAtFive(t *testing.T) {
	rows := make([]TeacherRank, 12)
	if got := BuildTopTeachers(rows, false); len(got) != TopTeacherCount || got[4].Rank != 5 {
		t.Fatalf("top = %+v", got)
	}
	if got := BuildRanking(rows); len(got) != RankingLimit {
		t.Fatalf("ranking len = %d", len(got))
	}
}

func TestFetchAcademyStatsPlainAndEnvelope(t *testing.T) {
	for name, body := range map[string]string{
		"plain":    `[{"academyName":"x","totalMentions":3}]`,
		"envelope": `{"success":true,"data":[{"academyName":"x","totalMentions":3}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()
			rows, err := FetchAcademyStats(context.Background(), httpcollect.New(httpcollect.Options{BaseURL: srv.URL}))
			if err != nil || len(rows) != 1 || rows[0].TotalMentions != 3 {
				t.Fatalf("rows=%+v err=%v", rows, err)
			}
		})
	}
}

func TestDailyTemplateRenders(t *testing.T) {
	tpl := template.Must(template.New("daily").Parse(DailyTemplate))
	var buf bytes.Buffer
	err := tpl.ExecuteTemplate(&buf, "body", map[string]any{
		"Stats":       Stats{TotalTeachers: 3, TotalMentions: 10, AvgSentiment: 71.2},
		"TopTeachers": []TopTeacher{{Rank: 1, Name: "<b>kim</b>", Trend: "up"}},
		"Report":      Period{Highlights: []string{"h1"}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "71.2%") || !strings.Contains(out, "&lt;b&gt;kim") || !strings.Contains(out, "h1") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
