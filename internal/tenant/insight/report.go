package insight

import (
	"fmt"
	"math"
	"strings"
)

// TopTeacherCount is how many ranking rows make the "top teachers" block.
const TopTeacherCount = 5

// Stats is the headline numbers block.
type Stats struct {
	TotalTeachers        int
	TotalMentions        int
	AvgSentiment         float64
	NewMentionsToday     int
	TotalRecommendations int
	PositiveRatio        float64
}

type TopTeacher struct {
	Rank                int
	Name                string
	Academy             string
	MentionCount        int
	SentimentScore      float64
	RecommendationCount int
	TopKeywords         []string
	Trend               string // "up" or "stable"
}

type RankRow struct {
	Rank           int
	Name           string
	Academy        string
	MentionCount   int
	SentimentScore float64
}

type AcademyRank struct {
	Rank         int
	Name         string
	MentionCount int
	TeacherCount int
	AvgSentiment float64
	TopTeacher   string
	Trend        string
}

// Period is the report window plus its highlight lines.
type Period struct {
	Start      string
	End        string
	Highlights []string
}

// Percent turns a 0..1 ratio into a percentage rounded to one decimal.
// Values already above 1 are taken as percentages.
func Percent(v float64) float64 {
	if v <= 1 {
		v *= 100
	}
	return math.Round(v*10) / 10
}

// BuildStats prefers weekly totals and falls back to the daily report per
// field.
func BuildStats(daily DailyReport, weekly WeeklySummary) Stats {
	sent := weekly.AvgSentimentScore
	if sent == 0 {
		sent = daily.AvgSentimentScore
	}
	return Stats{
		TotalTeachers:    firstNonZero(weekly.TotalTeachers, daily.TotalTeachers),
		TotalMentions:    firstNonZero(weekly.TotalMentions, daily.TotalMentions),
		AvgSentiment:     Percent(sent),
		NewMentionsToday: daily.TotalMentions,
	}
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

// BuildTopTeachers maps the first TopTeacherCount ranking rows.
func BuildTopTeachers(rows []TeacherRank, withRecommendations bool) []TopTeacher {
	n := min(len(rows), TopTeacherCount)
	out := make([]TopTeacher, 0, n)
	for i, r := range rows[:n] {
		t := TopTeacher{
			Rank:           i + 1,
			Name:           r.TeacherName,
			Academy:        r.AcademyName,
			MentionCount:   r.MentionCount,
			SentimentScore: Percent(r.AvgSentimentScore),
			Trend:          "stable",
		}
		if r.MentionChangeRate > 0 {
			t.Trend = "up"
		}
		if withRecommendations {
			t.RecommendationCount = r.RecommendationCount
			t.TopKeywords = r.TopKeywords
		}
		out = append(out, t)
	}
	return out
}

// BuildRanking maps up to RankingLimit rows.
func BuildRanking(rows []TeacherRank) []RankRow {
	n := min(len(rows), RankingLimit)
	out := make([]RankRow, 0, n)
	for i, r := range rows[:n] {
		out = append(out, RankRow{
			Rank:           i + 1,
			Name:           r.TeacherName,
			Academy:        r.AcademyName,
			MentionCount:   r.MentionCount,
			SentimentScore: Percent(r.AvgSentimentScore),
		})
	}
	return out
}

// TodayTopHighlight names the first teacher of the daily summary list,
// which the upstream orders by mentions.
func TodayTopHighlight(daily DailyReport) (string, bool) {
	if len(daily.TeacherSummaries) == 0 {
		return "", false
	}
	top := daily.TeacherSummaries[0]
	if top.TeacherName == "" || top.MentionCount <= 0 {
		return "", false
	}
	return fmt.Sprintf("%s 강사 오늘 최다 언급 (%d건)", top.TeacherName, top.MentionCount), true
}

// RecommendationHighlight reports the cumulative recommendation total.
func RecommendationHighlight(total int) (string, bool) {
	if total <= 0 {
		return "", false
	}
	return fmt.Sprintf("누적 추천 %d건 달성", total), true
}

// SentimentHighlight names the best sentiment among the top five ranking
// rows. Ties go to the higher ranked row.
func SentimentHighlight(rows []TeacherRank) (string, bool) {
	if len(rows) == 0 {
		return "", false
	}
	rows = rows[:min(len(rows), TopTeacherCount)]
	best := rows[0]
	for _, r := range rows[1:] {
		if r.AvgSentimentScore > best.AvgSentimentScore {
			best = r
		}
	}
	if best.TeacherName == "" {
		return "", false
	}
	return fmt.Sprintf("%s 강사 감성 점수 %.1f%%로 최상위", best.TeacherName, Percent(best.AvgSentimentScore)), true
}

// WeeklyLeaderHighlight names the weekly number one.
func WeeklyLeaderHighlight(rows []TeacherRank) (string, bool) {
	if len(rows) == 0 {
		return "", false
	}
	r := rows[0]
	if r.TeacherName == "" || r.MentionCount <= 0 {
		return "", false
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s 강사 주간 1위 (언급 %d건)", r.AcademyName, r.TeacherName, r.MentionCount)), true
}

// Highlights accumulates highlight lines; Add takes a builder's result
// directly.
type Highlights []string

func (h *Highlights) Add(line string, ok bool) {
	if ok {
		*h = append(*h, line)
	}
}
