package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"newsletterd/internal/config"
	"newsletterd/internal/orchestrator"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", filepath.ToSlash(dir))
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

const baseConfig = `{
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": "$DIR/news.db"},
  "scheduler": {"enabled": true, "timezone": "Asia/Seoul"},
  "smtp": {"transport": "log"},
  "web": {"enabled": true, "addr": "127.0.0.1:0", "base_url": "https://news.example.com"},
  "tenants": {}
}`

func TestStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{"default sqlite", config.StorageConfig{}, "sqlite", false},
		{"sqlite3 alias", config.StorageConfig{Driver: "sqlite3", Path: "x.db"}, "sqlite", false},
		{"postgres", config.StorageConfig{Driver: "postgres", DSN: "postgres://u@h/db"}, "postgres", false},
		{"postgres without dsn", config.StorageConfig{Driver: "postgres"}, "", true},
		{"bad busy timeout", config.StorageConfig{BusyTimeout: "soon"}, "", true},
		{"unknown", config.StorageConfig{Driver: "mongo"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := storageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if err == nil && sc.Driver != tt.driver {
				t.Fatalf("driver = %q", sc.Driver)
			}
		})
	}
}

func TestUnknownTenantIsRejected(t *testing.T) {
	p := writeConfig(t, strings.Replace(baseConfig, `"tenants": {}`,
		`"tenants": {"nope": {"api_base_url": "http://127.0.0.1:1", "collect_hour": 7, "send_hour": 8}}`, 1))
	if _, err := NewApp(context.Background(), p); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewAppBuildsReferenceTenants(t *testing.T) {
	p := writeConfig(t, strings.Replace(baseConfig, `"tenants": {}`, `"tenants": {
    "teacher-hub": {"api_base_url": "http://127.0.0.1:1/api/v2", "collect_hour": 7, "send_hour": 8},
    "edufit": {"api_base_url": "http://127.0.0.1:1/api/v1", "collect_hour": 7, "send_hour": 8},
    "disabled": {"enabled": false}
  }`, 1))
	a, err := NewApp(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if got := strings.Join(a.Tenants().IDs(), ","); got != "edufit,teacher-hub" {
		t.Fatalf("tenants = %s", got)
	}
	if _, err := a.SendOnly(context.Background(), orchestrator.Manual{Tenants: []string{"missing"}}); err == nil {
		t.Fatal("expected unknown tenant error")
	}
}

func TestStartServesHealthAndStops(t *testing.T) {
	a, err := NewApp(context.Background(), writeConfig(t, baseConfig))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := http.Get("http://" + a.web.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Status string `json:"status"`
	}
	err = json.NewDecoder(res.Body).Decode(&body)
	res.Body.Close()
	if err != nil || res.StatusCode != http.StatusOK || body.Status != "ok" {
		t.Fatalf("status=%d body=%+v err=%v", res.StatusCode, body, err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after stop")
	}
}

func TestManualRunWithoutTenantsReportsNothing(t *testing.T) {
	a, err := NewApp(context.Background(), writeConfig(t, baseConfig))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	rep, err := a.RunOnce(context.Background(), orchestrator.Manual{Actor: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Manual || len(rep.Units) != 0 {
		t.Fatalf("report = %+v", rep)
	}
}
