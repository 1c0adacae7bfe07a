package app

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"newsletterd/internal/config"
	"newsletterd/internal/tenant"
	"newsletterd/internal/tenant/edufit"
	"newsletterd/internal/tenant/teacherhub"
	logx "newsletterd/pkg/logx"
)

// Factories lists every tenant capability compiled into the binary. A tenant
// id in the config must have an entry here.
var Factories = map[string]tenant.Factory{
	teacherhub.ID: teacherhub.New,
	edufit.ID:     edufit.New,
}

func buildTenants(cfg *config.Config, loc *time.Location, hc *http.Client, log logx.Logger) (*tenant.Registry, error) {
	settings, err := cfg.EnabledTenants()
	if err != nil {
		return nil, err
	}
	built := make([]tenant.Tenant, 0, len(settings))
	for _, ts := range settings {
		factory, ok := Factories[ts.ID]
		if !ok {
			return nil, fmt.Errorf("tenants.%s: no such tenant (known: %v)", ts.ID, knownTenants())
		}
		t, err := factory(tenant.Deps{Settings: ts, Location: loc, HTTP: hc, Log: log})
		if err != nil {
			return nil, fmt.Errorf("tenants.%s: %w", ts.ID, err)
		}
		built = append(built, t)
	}
	if len(built) == 0 {
		log.Warn("no tenants enabled")
	}
	return tenant.NewRegistry(built...)
}

func knownTenants() []string {
	ids := make([]string, 0, len(Factories))
	for id := range Factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
