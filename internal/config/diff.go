package config

import (
	"reflect"
	"sort"
	"strings"

	logx "newsletterd/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe structured
// attrs for logging (never includes secrets like the SMTP password or DSN).
//
// Sections that only take effect on restart (storage, web.addr, smtp) are
// reported too so the operator sees the reload did not apply them.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		grace := "<default>"
		if newCfg.Scheduler.GraceWindow != nil {
			grace = strings.TrimSpace(*newCfg.Scheduler.GraceWindow)
		}
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.grace_window", grace),
			logx.String("scheduler.retry_interval", strings.TrimSpace(newCfg.Scheduler.RetryInterval)),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Subscription, newCfg.Subscription) {
		changed = append(changed, "subscription")
		attrs = append(attrs,
			logx.String("subscription.code_ttl", newCfg.Subscription.CodeTTL),
			logx.Int("subscription.max_attempts", newCfg.Subscription.MaxAttempts),
		)
	}

	oS, nS := oldCfg.SMTP, newCfg.SMTP
	passwordChanged := oS.Password != nS.Password
	oS.Password, nS.Password = "", ""
	if passwordChanged || oS != nS {
		changed = append(changed, "smtp")
		attrs = append(attrs,
			logx.String("smtp.host", nS.Host),
			logx.Int("smtp.port", nS.Port),
			logx.Bool("smtp.password_changed", passwordChanged),
		)
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		oldCfg.Storage.Path != newCfg.Storage.Path ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Web != newCfg.Web {
		changed = append(changed, "web")
		attrs = append(attrs, logx.String("web.addr", newCfg.Web.Addr), logx.String("web.base_url", newCfg.Web.BaseURL))
	}

	if tc := diffTenants(oldCfg.Tenants, newCfg.Tenants); len(tc) > 0 {
		changed = append(changed, "tenants")
		attrs = append(attrs, logx.String("tenants.changed", strings.Join(tc, ",")))
	}

	sort.Strings(changed)
	return changed, attrs
}

func diffTenants(oldM, newM map[string]TenantConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, okO := oldM[id]
		n, okN := newM[id]
		if okO != okN || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
