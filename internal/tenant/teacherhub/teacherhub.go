// Package teacherhub is the TeacherHub instructor-reputation newsletter.
package teacherhub

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
	ID            = "teacher-hub"
	DisplayName   = "TeacherHub 강사 평판 브리핑"
	SubjectPrefix = "[TeacherHub]"
)

type Tenant struct {
	client   *httpcollect.Client
	schedule tenant.Schedule
	log      logx.Logger
}

var _ tenant.Tenant = (*Tenant)(nil)

// New is a tenant.Factory.
func New(d tenant.Deps) (tenant.Tenant, error) {
	if d.Settings.APIBaseURL == "" {
		return nil, fmt.Errorf("%s: api base url required", ID)
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
		log: log,
	}, nil
}

func (t *Tenant) ID() string { return ID }

func (t *Tenant) Schedule() tenant.Schedule { return t.schedule }

func (t *Tenant) Brand() tenant.Brand {
	b := tenant.DefaultBrand()
	b.DisplayName = DisplayName
	b.SubjectPrefix = SubjectPrefix
	return b
}

func (t *Tenant) EmailTemplate() string { return insight.DailyTemplate }

func (t *Tenant) Subject(date time.Time) string {
	return tenant.DailySubject(SubjectPrefix, date)
}

// Collect reads the daily report, the current week's summary and ranking
// (with previous-week fallback) and the academy stats.
func (t *Tenant) Collect(ctx context.Context) (tenant.Payload, error) {
	s := httpcollect.NewSections(t.log)
	s.Add(insight.SectionDailyReport, func() (any, error) {
		var r insight.DailyReport
		err := t.client.GetJSON(ctx, "/reports/daily", nil, &r)
		return r, err
	})

	var week insight.CurrentWeek
	weekErr := t.client.GetJSON(ctx, "/weekly/current", nil, &week)
	if weekErr == nil && (week.Year == 0 || week.Week == 0) {
		weekErr = fmt.Errorf("weekly/current: incomplete answer %+v", week)
	}
	s.Add(insight.SectionWeeklySummary, func() (any, error) {
		if weekErr != nil {
			return nil, weekErr
		}
		return insight.FetchWeeklySummary(ctx, t.client, week.Year, week.Week)
	})
	s.Add(insight.SectionWeeklyRanking, func() (any, error) {
		if weekErr != nil {
			return nil, weekErr
		}
		return insight.FetchWeeklyRanking(ctx, t.client, week.Year, week.Week)
	})
	s.Add(insight.SectionAcademyStats, func() (any, error) {
		return insight.FetchAcademyStats(ctx, t.client)
	})
	return s.Payload()
}

// Format builds the daily template context. Missing sections leave their
// blocks empty.
func (t *Tenant) Format(p tenant.Payload, date time.Time) (map[string]any, error) {
	var (
		daily   insight.DailyReport
		weekly  insight.WeeklySummary
		ranking []insight.TeacherRank
		stats   []insight.AcademyStat
	)
	for name, out := range map[string]any{
		insight.SectionDailyReport:   &daily,
		insight.SectionWeeklySummary: &weekly,
		insight.SectionWeeklyRanking: &ranking,
		insight.SectionAcademyStats:  &stats,
	} {
		if _, err := p.Section(name, out); err != nil {
			return nil, err
		}
	}

	var hl insight.Highlights
	hl.Add(insight.TodayTopHighlight(daily))
	hl.Add(insight.SentimentHighlight(ranking))
	hl.Add(insight.WeeklyLeaderHighlight(ranking))

	return map[string]any{
		"Stats":       insight.BuildStats(daily, weekly),
		"TopTeachers": insight.BuildTopTeachers(ranking, false),
		"Ranking":     insight.BuildRanking(ranking),
		"Report": insight.Period{
			Start:      daily.StartDate,
			End:        daily.EndDate,
			Highlights: hl,
		},
		"AcademyRanking": academyRanking(stats),
		"WeekLabel":      weekly.WeekLabel,
		"ReportDate":     date.Format("2006-01-02"),
	}, nil
}

func academyRanking(rows []insight.AcademyStat) []insight.AcademyRank {
	n := min(len(rows), insight.RankingLimit)
	out := make([]insight.AcademyRank, 0, n)
	for i, a := range rows[:n] {
		mentions := a.MentionCount
		if mentions == 0 {
			mentions = a.PostCount
		}
		trend := a.Trend
		if trend == "" {
			trend = "stable"
		}
		out = append(out, insight.AcademyRank{
			Rank:         i + 1,
			Name:         a.AcademyName,
			MentionCount: mentions,
			AvgSentiment: insight.Percent(a.AvgSentiment),
			Trend:        trend,
		})
	}
	return out
}
