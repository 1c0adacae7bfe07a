package storage

import (
	"context"
	"database/sql"
	"time"
)

func (q *Queries) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := q.exec(ctx,
		`INSERT INTO audit(at, actor, action, tenant_id, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.Actor, e.Action, e.TenantID, e.Target, e.OK, e.Fail,
		nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

// RecentAudit returns the newest entries first.
func (q *Queries) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []struct {
		At       int64          `db:"at"`
		Actor    string         `db:"actor"`
		Action   string         `db:"action"`
		TenantID string         `db:"tenant_id"`
		Target   string         `db:"target"`
		OK       int            `db:"ok"`
		Fail     int            `db:"fail"`
		Err      sql.NullString `db:"err"`
		TookMS   int64          `db:"took_ms"`
		Meta     sql.NullString `db:"meta"`
	}
	if err := q.selectAll(ctx, &rows,
		`SELECT at, actor, action, tenant_id, target, ok, fail, err, took_ms, meta
		 FROM audit ORDER BY id DESC LIMIT ?`, limit,
	); err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{
			At:       time.UnixMilli(r.At),
			Actor:    r.Actor,
			Action:   r.Action,
			TenantID: r.TenantID,
			Target:   r.Target,
			OK:       r.OK,
			Fail:     r.Fail,
			Error:    r.Err.String,
			TookMS:   r.TookMS,
			MetaJSON: r.Meta.String,
		})
	}
	return out, nil
}
