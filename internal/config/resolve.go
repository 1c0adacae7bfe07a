package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
	_ "time/tzdata" // scheduler zones must resolve on minimal hosts
)

const (
	DefaultTimezone       = "Asia/Seoul"
	DefaultGraceWindow    = 2 * time.Hour
	DefaultRetryInterval  = 5 * time.Minute
	DefaultCollectTimeout = 2 * time.Minute
	DefaultSendTimeout    = 10 * time.Minute
	DefaultConcurrency    = 4

	DefaultCodeTTL       = 10 * time.Minute
	DefaultMaxAttempts   = 5
	DefaultCodeLength    = 6
	DefaultNotifyTimeout = 30 * time.Second

	DefaultSMTPTimeout    = 30 * time.Second
	DefaultSMTPRatePerSec = 5

	DefaultWebAddr    = "127.0.0.1:4055"
	DefaultWebBaseURL = "http://localhost:4055"

	DefaultTenantRequestTimeout = 30 * time.Second
)

// SchedulerSettings is SchedulerConfig with defaults applied and durations parsed.
type SchedulerSettings struct {
	Enabled        bool
	Location       *time.Location
	GraceWindow    time.Duration // 0 = until day rollover
	RetryInterval  time.Duration
	CollectTimeout time.Duration
	SendTimeout    time.Duration
	Concurrency    int
}

func (c SchedulerConfig) Resolve() (SchedulerSettings, error) {
	out := SchedulerSettings{Enabled: c.Enabled, Concurrency: c.Concurrency}

	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return out, fmt.Errorf("scheduler.timezone: %w", err)
	}
	out.Location = loc

	out.GraceWindow = DefaultGraceWindow
	if c.GraceWindow != nil {
		if out.GraceWindow, err = Duration("scheduler.grace_window", *c.GraceWindow); err != nil {
			return out, err
		}
	}
	if out.RetryInterval, err = DurationOr("scheduler.retry_interval", c.RetryInterval, DefaultRetryInterval); err != nil {
		return out, err
	}
	if out.CollectTimeout, err = DurationOr("scheduler.collect_timeout", c.CollectTimeout, DefaultCollectTimeout); err != nil {
		return out, err
	}
	if out.SendTimeout, err = DurationOr("scheduler.send_timeout", c.SendTimeout, DefaultSendTimeout); err != nil {
		return out, err
	}
	if out.Concurrency < 0 {
		return out, fmt.Errorf("scheduler.concurrency: must be >= 0")
	}
	if out.Concurrency == 0 {
		out.Concurrency = DefaultConcurrency
	}
	return out, nil
}

type SubscriptionSettings struct {
	CodeTTL       time.Duration
	MaxAttempts   int
	CodeLength    int
	NotifyTimeout time.Duration
}

func (c SubscriptionConfig) Resolve() (SubscriptionSettings, error) {
	out := SubscriptionSettings{MaxAttempts: c.MaxAttempts, CodeLength: c.CodeLength}
	var err error
	if out.CodeTTL, err = DurationOr("subscription.code_ttl", c.CodeTTL, DefaultCodeTTL); err != nil {
		return out, err
	}
	if out.NotifyTimeout, err = DurationOr("subscription.notify_timeout", c.NotifyTimeout, DefaultNotifyTimeout); err != nil {
		return out, err
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case out.CodeLength == 0:
		out.CodeLength = DefaultCodeLength
	case out.CodeLength < 4 || out.CodeLength > 10:
		return out, fmt.Errorf("subscription.code_length: must be between 4 and 10")
	}
	return out, nil
}

type SMTPSettings struct {
	Transport  string
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	FromName   string
	RatePerSec float64
	Timeout    time.Duration
}

func (c SMTPConfig) Resolve() (SMTPSettings, error) {
	out := SMTPSettings{
		Transport:  strings.ToLower(strings.TrimSpace(c.Transport)),
		Host:       strings.TrimSpace(c.Host),
		Port:       c.Port,
		Username:   c.Username,
		Password:   c.Password,
		From:       strings.TrimSpace(c.From),
		FromName:   strings.TrimSpace(c.FromName),
		RatePerSec: c.RatePerSec,
	}
	if out.Transport == "" {
		out.Transport = "smtp"
	}
	var err error
	if out.Timeout, err = DurationOr("smtp.timeout", c.Timeout, DefaultSMTPTimeout); err != nil {
		return out, err
	}
	if out.RatePerSec < 0 {
		return out, fmt.Errorf("smtp.rate_per_sec: must be >= 0")
	}
	if out.RatePerSec == 0 {
		out.RatePerSec = DefaultSMTPRatePerSec
	}
	switch out.Transport {
	case "log":
	case "smtp":
		if out.Host == "" {
			return out, fmt.Errorf("smtp.host: required")
		}
		if out.Port == 0 {
			out.Port = 587
		}
		if out.From == "" {
			out.From = out.Username
		}
		if out.From == "" {
			return out, fmt.Errorf("smtp.from: required")
		}
	default:
		return out, fmt.Errorf("smtp.transport: unknown transport %q", c.Transport)
	}
	return out, nil
}

type WebSettings struct {
	Enabled      bool
	Addr         string
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Pprof        bool
}

func (c WebConfig) Resolve() (WebSettings, error) {
	out := WebSettings{
		Enabled: c.Enabled,
		Addr:    strings.TrimSpace(c.Addr),
		BaseURL: strings.TrimRight(strings.TrimSpace(c.BaseURL), "/"),
		Pprof:   c.Pprof,
	}
	if out.Addr == "" {
		out.Addr = DefaultWebAddr
	}
	if out.BaseURL == "" {
		out.BaseURL = DefaultWebBaseURL
	}
	if u, err := url.Parse(out.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return out, fmt.Errorf("web.base_url: invalid url %q", c.BaseURL)
	}
	var err error
	if out.ReadTimeout, err = DurationOr("web.read_timeout", c.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = DurationOr("web.write_timeout", c.WriteTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = DurationOr("web.idle_timeout", c.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

// TenantSettings is TenantConfig with defaults applied.
type TenantSettings struct {
	ID             string
	APIBaseURL     string
	CollectHour    int
	CollectMinute  int
	SendHour       int
	SendMinute     int
	RequestTimeout time.Duration
}

func (c TenantConfig) Resolve(id string) (TenantSettings, error) {
	p := "tenants." + id
	out := TenantSettings{
		ID:            id,
		APIBaseURL:    strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/"),
		CollectHour:   c.CollectHour,
		CollectMinute: c.CollectMinute,
		SendHour:      c.SendHour,
		SendMinute:    c.SendMinute,
	}
	if out.APIBaseURL == "" {
		return out, fmt.Errorf("%s.api_base_url: required", p)
	}
	if err := checkClock(p+".collect", c.CollectHour, c.CollectMinute); err != nil {
		return out, err
	}
	if err := checkClock(p+".send", c.SendHour, c.SendMinute); err != nil {
		return out, err
	}
	var err error
	if out.RequestTimeout, err = DurationOr(p+".request_timeout", c.RequestTimeout, DefaultTenantRequestTimeout); err != nil {
		return out, err
	}
	return out, nil
}

func checkClock(path string, hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%s_hour: must be 0..23, got %d", path, hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("%s_minute: must be 0..59, got %d", path, minute)
	}
	return nil
}

// EnabledTenants resolves every enabled tenant, sorted by id.
func (c *Config) EnabledTenants() ([]TenantSettings, error) {
	ids := make([]string, 0, len(c.Tenants))
	for id, t := range c.Tenants {
		if t.IsEnabled() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]TenantSettings, 0, len(ids))
	for _, id := range ids {
		ts, err := c.Tenants[id].Resolve(id)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

// Validate checks every section. All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errsList []error
	if _, err := c.Scheduler.Resolve(); err != nil {
		errsList = append(errsList, err)
	}
	if _, err := c.Subscription.Resolve(); err != nil {
		errsList = append(errsList, err)
	}
	if _, err := c.SMTP.Resolve(); err != nil {
		errsList = append(errsList, err)
	}
	if _, err := c.Web.Resolve(); err != nil {
		errsList = append(errsList, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errsList = append(errsList, fmt.Errorf("storage.dsn: required for postgres"))
		}
	default:
		errsList = append(errsList, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := c.EnabledTenants(); err != nil {
		errsList = append(errsList, err)
	}
	return errors.Join(errsList...)
}
