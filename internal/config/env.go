package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// EnvPrefix is prepended to every environment variable read by ApplyEnv.
const EnvPrefix = "NEWSLETTER_"

// envOverlay holds the deployment knobs and secrets that may come from the
// environment. Empty values leave the file config untouched.
type envOverlay struct {
	LogLevel string `env:"LOG_LEVEL"`

	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`
	DatabaseURL   string `env:"DATABASE_URL"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`

	WebAddr string `env:"WEB_ADDR"`
	BaseURL string `env:"BASE_URL"`

	// TenantAPIURLs uses "|" between id and url so urls keep their colons:
	//   NEWSLETTER_TENANT_API_URLS="teacher-hub|http://hub:8081/api/v2,edufit|http://edufit:9070/api/v1"
	TenantAPIURLs map[string]string `env:"TENANT_API_URLS, separator=|"`
}

// LoadDotenv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotenv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays NEWSLETTER_* variables onto cfg. A nil lookuper reads the
// process environment.
func ApplyEnv(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	var ov envOverlay
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &ov,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	setStr(&cfg.Logging.Level, ov.LogLevel)
	setStr(&cfg.Storage.Driver, ov.StorageDriver)
	setStr(&cfg.Storage.Path, ov.StoragePath)
	if ov.DatabaseURL != "" {
		cfg.Storage.DSN = ov.DatabaseURL
		if strings.TrimSpace(ov.StorageDriver) == "" {
			cfg.Storage.Driver = "postgres"
		}
	}

	setStr(&cfg.SMTP.Host, ov.SMTPHost)
	if ov.SMTPPort > 0 {
		cfg.SMTP.Port = ov.SMTPPort
	}
	setStr(&cfg.SMTP.Username, ov.SMTPUsername)
	setStr(&cfg.SMTP.Password, ov.SMTPPassword)
	setStr(&cfg.SMTP.From, ov.SMTPFrom)

	setStr(&cfg.Web.Addr, ov.WebAddr)
	setStr(&cfg.Web.BaseURL, ov.BaseURL)

	for id, u := range ov.TenantAPIURLs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if cfg.Tenants == nil {
			cfg.Tenants = map[string]TenantConfig{}
		}
		t := cfg.Tenants[id]
		t.APIBaseURL = strings.TrimSpace(u)
		cfg.Tenants[id] = t
	}
	return nil
}

func setStr(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}
