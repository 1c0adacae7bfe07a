package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"newsletterd/internal/config"
	"newsletterd/internal/storage"
	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

// Manual describes an operator-triggered run.
type Manual struct {
	// Tenants limits the run; empty means every registered tenant.
	Tenants []string
	// Force bypasses the barriers: collection replaces today's data and
	// delivery retries failed recipients.
	Force bool
	// Actor is recorded in the audit log ("cli" when empty).
	Actor string
}

// RunOnce collects and then delivers for the selected tenants now,
// regardless of their trigger times.
func (o *Orchestrator) RunOnce(ctx context.Context, m Manual) (TickReport, error) {
	return o.manual(ctx, "run-once", m, PhaseCollect, PhaseSend)
}

// CollectOnly runs only the collection phase.
func (o *Orchestrator) CollectOnly(ctx context.Context, m Manual) (TickReport, error) {
	return o.manual(ctx, "collect", m, PhaseCollect)
}

// SendOnly runs only the delivery phase.
func (o *Orchestrator) SendOnly(ctx context.Context, m Manual) (TickReport, error) {
	return o.manual(ctx, "send", m, PhaseSend)
}

func (o *Orchestrator) manual(ctx context.Context, action string, m Manual, phases ...Phase) (TickReport, error) {
	tenants, err := o.selectTenants(m.Tenants)
	if err != nil {
		return TickReport{}, err
	}
	cfg := o.settings()
	now := o.now()
	rep := TickReport{
		ID:     uuid.NewString(),
		At:     now,
		Date:   now.In(cfg.Location).Format(storage.DateLayout),
		Manual: true,
	}
	log := o.log.With(logx.String("action", action), logx.String("run", rep.ID), logx.Bool("force", m.Force))
	log.Info("manual run started", logx.Any("tenants", m.Tenants), logx.String("date", rep.Date))

	rep.Units = o.fanOut(ctx, cfg, tenants, func(ctx context.Context, t tenant.Tenant) []UnitReport {
		start := time.Now()
		var units []UnitReport
		for _, p := range phases {
			units = append(units, o.manualPhase(ctx, cfg, t, p, rep.Date, m.Force))
		}
		o.audit(ctx, action, m, t.ID(), rep, units, time.Since(start))
		return units
	})

	log.Info("manual run finished", logx.Int("ran", rep.Ran()), logx.Int("failed", rep.Failed()), logx.Int("skipped", rep.Skipped()))
	return rep, nil
}

func (o *Orchestrator) manualPhase(ctx context.Context, cfg config.SchedulerSettings, t tenant.Tenant, phase Phase, date string, force bool) UnitReport {
	id := t.ID()
	if !force {
		has, err := o.cache.Has(ctx, id, date)
		if err != nil {
			return UnitReport{TenantID: id, Phase: phase, Outcome: OutcomeFailed, Error: err.Error()}
		}
		done := has
		if phase == PhaseSend && has {
			n, err := o.store.Q().CountUndelivered(ctx, id, date)
			if err != nil {
				return UnitReport{TenantID: id, Phase: phase, Outcome: OutcomeFailed, Error: err.Error()}
			}
			done = n == 0
		}
		if done {
			return UnitReport{TenantID: id, Phase: phase, Outcome: OutcomeSkipped, Reason: ReasonDone}
		}
	}
	return o.runPhase(ctx, cfg, t, phase, date, force, true)
}

func (o *Orchestrator) selectTenants(ids []string) ([]tenant.Tenant, error) {
	if len(ids) == 0 {
		return o.tenants.All(), nil
	}
	out := make([]tenant.Tenant, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		t, err := o.tenants.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (o *Orchestrator) audit(ctx context.Context, action string, m Manual, tenantID string, rep TickReport, units []UnitReport, took time.Duration) {
	actor := m.Actor
	if actor == "" {
		actor = "cli"
	}
	e := storage.AuditEntry{
		At:       o.now(),
		Actor:    actor,
		Action:   action,
		TenantID: tenantID,
		Target:   rep.Date,
		TookMS:   took.Milliseconds(),
	}
	var errs []string
	for _, u := range units {
		switch u.Outcome {
		case OutcomeRan:
			e.OK++
		case OutcomeFailed:
			e.Fail++
			errs = append(errs, string(u.Phase)+": "+u.Error)
		}
	}
	e.Error = strings.Join(errs, "; ")
	meta, _ := json.Marshal(map[string]any{"run": rep.ID, "force": m.Force, "units": units})
	e.MetaJSON = string(meta)
	if err := o.store.Q().AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		o.log.Warn("audit append failed", logx.Tenant(tenantID), logx.String("action", action), logx.Err(err))
	}
}
