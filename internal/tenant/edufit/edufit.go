// Package edufit is the EduFit instructor and academy analysis newsletter.
// Its upstream has no /weekly/current endpoint, so the ISO week is computed
// locally in the scheduler zone.
package edufit

import (
	"context"
	"fmt"
	"time"

	"newsletterd/internal/tenant"
	"newsletterd/internal/tenant/httpcollect"
	"newsletterd/internal/tenant/insight"
	logx "newsletterd/pkg/logx"
)

const (
	ID            = "edufit"
	DisplayName   = "EduFit 강사·학원 분석 브리핑"
	SubjectPrefix = "[EduFit]"
)

type Tenant struct {
	client   *httpcollect.Client
	schedule tenant.Schedule
	loc      *time.Location
	now      func() time.Time
	log      logx.Logger
}

var _ tenant.Tenant = (*Tenant)(nil)

func New(d tenant.Deps) (tenant.Tenant, error) {
	if d.Settings.APIBaseURL == "" {
		return nil, fmt.Errorf("%s: api base url required", ID)
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	log := d.Log.With(logx.Tenant(ID))
	return &Tenant{
		client: httpcollect.New(httpcollect.Options{
			BaseURL: d.Settings.APIBaseURL,
			Timeout: d.Settings.RequestTimeout,
			HTTP:    d.HTTP,
			Log:     log,
		}),
		schedule: tenant.Schedule{
			CollectHour:   d.Settings.CollectHour,
			CollectMinute: d.Settings.CollectMinute,
			SendHour:      d.Settings.SendHour,
			SendMinute:    d.Settings.SendMinute,
		},
		loc: loc,
		now: d.Clock(),
		log: log,
	}, nil
}

func (t *Tenant) ID() string { return ID }

func (t *Tenant) Schedule() tenant.Schedule { return t.schedule }

func (t *Tenant) Brand() tenant.Brand {
	return tenant.Brand{
		DisplayName:      DisplayName,
		SubjectPrefix:    SubjectPrefix,
		LogoText:         "EduFit",
		Tagline:          "강사·학원 평판 분석 뉴스레터",
		Description:      "강사 평판 분석과 학원 동향 브리핑을 매일 아침 이메일로 받아보세요",
		PrimaryColor:     "#10b981",
		PrimaryColorDark: "#059669",
		AccentColor:      "#34d399",
		Features: []tenant.Feature{
			{Icon: "📊", Title: "강사 평판 분석", Description: "주요 강사별 온라인 평판 변화를 데이터로 추적합니다"},
			{Icon: "🏫", Title: "학원 동향 분석", Description: "학원별 멘션 수, 감성 점수를 종합하여 랭킹을 제공합니다"},
			{Icon: "⭐", Title: "추천 분석", Description: "강사 추천 수 변화와 긍정 비율을 분석합니다"},
			{Icon: "🔔", Title: "이슈 알림", Description: "급격한 평판 변화나 주요 이슈를 빠르게 전달합니다"},
		},
	}
}

func (t *Tenant) EmailTemplate() string { return insight.DailyTemplate }

func (t *Tenant) Subject(date time.Time) string {
	return tenant.DailySubject(SubjectPrefix, date)
}

func (t *Tenant) Collect(ctx context.Context) (tenant.Payload, error) {
	year, week := t.now().In(t.loc).ISOWeek()

	s := httpcollect.NewSections(t.log)
	s.Add(insight.SectionDailyReport, func() (any, error) {
		var r insight.DailyReport
		err := t.client.GetJSON(ctx, "/reports/daily", nil, &r)
		return r, err
	})
	s.Add(insight.SectionWeeklySummary, func() (any, error) {
		return insight.FetchWeeklySummary(ctx, t.client, year, week)
	})
	s.Add(insight.SectionWeeklyRanking, func() (any, error) {
		return insight.FetchWeeklyRanking(ctx, t.client, year, week)
	})
	s.Add(insight.SectionAnalysisSummary, func() (any, error) {
		var r insight.AnalysisSummary
		err := t.client.GetJSON(ctx, "/analysis/summary", nil, &r)
		return r, err
	})
	s.Add(insight.SectionAcademyStats, func() (any, error) {
		return insight.FetchAcademyStats(ctx, t.client)
	})
	return s.Payload()
}

// AcademySummary totals the academy stats rows.
type AcademySummary struct {
	TotalAcademies         int
	TotalAcademyMentions   int
	TotalTeachersMentioned int
}

func (t *Tenant) Format(p tenant.Payload, date time.Time) (map[string]any, error) {
	var (
		daily    insight.DailyReport
		weekly   insight.WeeklySummary
		ranking  []insight.TeacherRank
		analysis insight.AnalysisSummary
		stats    []insight.AcademyStat
	)
	for name, out := range map[string]any{
		insight.SectionDailyReport:     &daily,
		insight.SectionWeeklySummary:   &weekly,
		insight.SectionWeeklyRanking:   &ranking,
		insight.SectionAnalysisSummary: &analysis,
		insight.SectionAcademyStats:    &stats,
	} {
		if _, err := p.Section(name, out); err != nil {
			return nil, err
		}
	}

	st := insight.BuildStats(daily, weekly)
	st.TotalRecommendations = weekly.TotalRecommendations
	if st.TotalRecommendations == 0 {
		st.TotalRecommendations = analysis.TotalRecommendations
	}
	if daily.PositiveRatio > 0 {
		st.PositiveRatio = insight.Percent(daily.PositiveRatio)
	}

	var hl insight.Highlights
	hl.Add(insight.TodayTopHighlight(daily))
	hl.Add(insight.RecommendationHighlight(analysis.TotalRecommendations))
	hl.Add(insight.SentimentHighlight(ranking))
	hl.Add(insight.WeeklyLeaderHighlight(ranking))

	sum := AcademySummary{TotalAcademies: len(stats)}
	for _, a := range stats {
		sum.TotalAcademyMentions += a.TotalMentions
		sum.TotalTeachersMentioned += a.TotalTeachersMentioned
	}

	return map[string]any{
		"Stats":       st,
		"TopTeachers": insight.BuildTopTeachers(ranking, true),
		"Ranking":     insight.BuildRanking(ranking),
		"Report": insight.Period{
			Start:      daily.StartDate,
			End:        daily.EndDate,
			Highlights: hl,
		},
		"AcademyRanking": academyRanking(stats),
		"AcademySummary": sum,
		"ReportDate":     date.Format("2006-01-02"),
	}, nil
}

func academyRanking(rows []insight.AcademyStat) []insight.AcademyRank {
	n := min(len(rows), insight.RankingLimit)
	out := make([]insight.AcademyRank, 0, n)
	for i, a := range rows[:n] {
		out = append(out, insight.AcademyRank{
			Rank:         i + 1,
			Name:         a.AcademyName,
			MentionCount: a.TotalMentions,
			TeacherCount: a.TotalTeachersMentioned,
			AvgSentiment: insight.Percent(a.AvgSentimentScore),
			TopTeacher:   a.TopTeacherName,
		})
	}
	return out
}
