package config

// Config is the on-disk configuration (JSON or YAML).
//
// Secrets (SMTP password, postgres DSN) are normally not written here; they are
// overlaid from the environment by ApplyEnv.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Subscription SubscriptionConfig `json:"subscription"`
	SMTP         SMTPConfig         `json:"smtp"`
	Web          WebConfig          `json:"web"`

	// Tenants maps a tenant id (e.g. "teacher-hub") to its deployment settings.
	// Only ids with a registered capability may appear here.
	Tenants map[string]TenantConfig `json:"tenants"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence engine.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/newsletter.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the tick loop and phase execution.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "Asia/Seoul"
//   - grace_window: "2h" ("0s" means until the day rolls over)
//   - retry_interval: "5m"
//   - collect_timeout: "2m"
//   - send_timeout: "10m"
//   - concurrency: 4
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// GraceWindow is a pointer so an explicit "0s" (no upper bound) can be told
	// apart from an omitted value.
	GraceWindow    *string `json:"grace_window,omitempty"`
	RetryInterval  string  `json:"retry_interval,omitempty"`
	CollectTimeout string  `json:"collect_timeout,omitempty"`
	SendTimeout    string  `json:"send_timeout,omitempty"`
	Concurrency    int     `json:"concurrency,omitempty"`
}

// SubscriptionConfig controls verification codes.
//
// Defaults: code_ttl "10m", max_attempts 5, code_length 6, notify_timeout "30s".
type SubscriptionConfig struct {
	CodeTTL       string `json:"code_ttl,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	CodeLength    int    `json:"code_length,omitempty"`
	NotifyTimeout string `json:"notify_timeout,omitempty"`
}

// SMTPConfig configures the outbound mail transport.
//
// Transport "log" writes messages to the log instead of sending them.
type SMTPConfig struct {
	Transport  string  `json:"transport,omitempty"` // "smtp" (default) | "log"
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Username   string  `json:"username,omitempty"`
	Password   string  `json:"password,omitempty"` // prefer NEWSLETTER_SMTP_PASSWORD
	From       string  `json:"from"`
	FromName   string  `json:"from_name,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`     // default: "127.0.0.1:4055"
	BaseURL string `json:"base_url,omitempty"` // public URL used in mail links

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts /debug/pprof on the web router. Ignored unless Addr is a
	// loopback address.
	Pprof bool `json:"pprof,omitempty"`
}

// TenantConfig holds per-tenant deployment settings. The collector, formatter
// and brand come from the tenant's registered capability.
type TenantConfig struct {
	// Enabled is a pointer so an omitted value defaults to true.
	Enabled    *bool  `json:"enabled,omitempty"`
	APIBaseURL string `json:"api_base_url"`

	CollectHour   int `json:"collect_hour"`
	CollectMinute int `json:"collect_minute"`
	SendHour      int `json:"send_hour"`
	SendMinute    int `json:"send_minute"`

	// RequestTimeout bounds each upstream HTTP request (default "30s").
	RequestTimeout string `json:"request_timeout,omitempty"`
}

func (t TenantConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}
