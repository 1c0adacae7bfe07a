// Package insight holds the upstream response shapes and report building
// blocks shared by the instructor-reputation tenants (teacher-hub, edufit).
// Both upstreams expose the same camelCase JSON family; each tenant picks the
// endpoints it has.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"newsletterd/internal/tenant/httpcollect"
)

// Section names stored in the payload.
const (
	SectionDailyReport     = "daily_report"
	SectionWeeklySummary   = "weekly_summary"
	SectionWeeklyRanking   = "weekly_ranking"
	SectionAcademyStats    = "academy_stats"
	SectionAnalysisSummary = "analysis_summary"
)

type TeacherSummary struct {
	TeacherName  string `json:"teacherName"`
	MentionCount int    `json:"mentionCount"`
}

// DailyReport is GET /reports/daily.
type DailyReport struct {
	StartDate         string           `json:"startDate,omitempty"`
	EndDate           string           `json:"endDate,omitempty"`
	TotalTeachers     int              `json:"totalTeachers"`
	TotalMentions     int              `json:"totalMentions"`
	AvgSentimentScore float64          `json:"avgSentimentScore"`
	PositiveRatio     float64          `json:"positiveRatio,omitempty"`
	TeacherSummaries  []TeacherSummary `json:"teacherSummaries,omitempty"`
}

// WeeklySummary is GET /weekly/summary?year=&week=.
type WeeklySummary struct {
	Year                 int     `json:"year,omitempty"`
	Week                 int     `json:"week,omitempty"`
	WeekLabel            string  `json:"weekLabel,omitempty"`
	TotalTeachers        int     `json:"totalTeachers"`
	TotalMentions        int     `json:"totalMentions"`
	AvgSentimentScore    float64 `json:"avgSentimentScore"`
	TotalRecommendations int     `json:"totalRecommendations,omitempty"`
	MentionChangeRate    float64 `json:"mentionChangeRate,omitempty"`
}

// TeacherRank is one row of GET /weekly/ranking.
type TeacherRank struct {
	TeacherName         string   `json:"teacherName"`
	AcademyName         string   `json:"academyName"`
	MentionCount        int      `json:"mentionCount"`
	AvgSentimentScore   float64  `json:"avgSentimentScore"`
	MentionChangeRate   float64  `json:"mentionChangeRate,omitempty"`
	RecommendationCount int      `json:"recommendationCount,omitempty"`
	TopKeywords         []string `json:"topKeywords,omitempty"`
}

// AcademyStat is one row of GET /analysis/academy-stats. The two upstreams
// name the counters differently; both spellings are kept.
type AcademyStat struct {
	AcademyName            string  `json:"academyName"`
	MentionCount           int     `json:"mentionCount,omitempty"`
	PostCount              int     `json:"postCount,omitempty"`
	TotalMentions          int     `json:"totalMentions,omitempty"`
	TotalTeachersMentioned int     `json:"totalTeachersMentioned,omitempty"`
	AvgSentiment           float64 `json:"avgSentiment,omitempty"`
	AvgSentimentScore      float64 `json:"avgSentimentScore,omitempty"`
	TopTeacherName         string  `json:"topTeacherName,omitempty"`
	Trend                  string  `json:"trend,omitempty"`
}

// AnalysisSummary is GET /analysis/summary.
type AnalysisSummary struct {
	TotalMentions        int     `json:"totalMentions"`
	TotalRecommendations int     `json:"totalRecommendations"`
	TotalTeachers        int     `json:"totalTeachers"`
	AvgSentimentScore    float64 `json:"avgSentimentScore"`
}

// CurrentWeek is GET /weekly/current.
type CurrentWeek struct {
	Year int `json:"year"`
	Week int `json:"week"`
}

func weekParams(year, week int, limit int) url.Values {
	v := url.Values{}
	v.Set("year", strconv.Itoa(year))
	v.Set("week", strconv.Itoa(week))
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	return v
}

// FetchWeeklySummary reads the summary for (year, week) and falls back to the
// previous ISO week when the current one has no mentions yet.
func FetchWeeklySummary(ctx context.Context, c *httpcollect.Client, year, week int) (WeeklySummary, error) {
	var cur WeeklySummary
	if err := c.GetJSON(ctx, "/weekly/summary", weekParams(year, week, 0), &cur); err != nil {
		return WeeklySummary{}, err
	}
	if cur.TotalMentions > 0 {
		return cur, nil
	}
	py, pw := httpcollect.PrevISOWeek(year, week)
	var prev WeeklySummary
	if err := c.GetJSON(ctx, "/weekly/summary", weekParams(py, pw, 0), &prev); err != nil {
		return WeeklySummary{}, err
	}
	if prev.TotalMentions > 0 {
		return prev, nil
	}
	return cur, nil
}

// RankingLimit is the number of ranking rows requested upstream.
const RankingLimit = 10

// FetchWeeklyRanking reads the ranking for (year, week), falling back to the
// previous ISO week when the current one is empty.
func FetchWeeklyRanking(ctx context.Context, c *httpcollect.Client, year, week int) ([]TeacherRank, error) {
	var rows []TeacherRank
	if err := c.GetJSON(ctx, "/weekly/ranking", weekParams(year, week, RankingLimit), &rows); err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows, nil
	}
	py, pw := httpcollect.PrevISOWeek(year, week)
	if err := c.GetJSON(ctx, "/weekly/ranking", weekParams(py, pw, RankingLimit), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchAcademyStats reads /analysis/academy-stats, unwrapping a
// {"success":..,"data":[..]} envelope when the upstream uses one.
func FetchAcademyStats(ctx context.Context, c *httpcollect.Client) ([]AcademyStat, error) {
	var raw json.RawMessage
	if err := c.GetJSON(ctx, "/analysis/academy-stats", nil, &raw); err != nil {
		return nil, err
	}
	body := strings.TrimSpace(string(raw))
	if strings.HasPrefix(body, "{") {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("academy-stats envelope: %w", err)
		}
		raw = env.Data
	}
	var rows []AcademyStat
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("academy-stats: %w", err)
	}
	return rows, nil
}
