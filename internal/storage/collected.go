package storage

import (
	"context"
	"time"
)

type collectedRow struct {
	TenantID    string `db:"tenant_id"`
	Date        string `db:"collection_date"`
	Payload     string `db:"payload"`
	Degraded    bool   `db:"degraded"`
	CollectedAt int64  `db:"collected_at"`
}

func (q *Queries) GetCollected(ctx context.Context, tenantID, date string) (CollectedData, error) {
	var r collectedRow
	if err := q.get(ctx, &r,
		`SELECT tenant_id, collection_date, payload, degraded, collected_at
		 FROM collected_data WHERE tenant_id = ? AND collection_date = ?`,
		tenantID, date,
	); err != nil {
		return CollectedData{}, err
	}
	return CollectedData{
		TenantID:    r.TenantID,
		Date:        r.Date,
		Payload:     []byte(r.Payload),
		Degraded:    r.Degraded,
		CollectedAt: time.UnixMilli(r.CollectedAt),
	}, nil
}

// HasCollected reports whether the collection barrier for (tenant, date) is set.
func (q *Queries) HasCollected(ctx context.Context, tenantID, date string) (bool, error) {
	var n int
	err := q.get(ctx, &n,
		`SELECT COUNT(*) FROM collected_data WHERE tenant_id = ? AND collection_date = ?`, tenantID, date)
	return n > 0, err
}

// PutCollected stores the payload for (tenant, date). Without replace an
// existing row wins and false is returned; with replace the row is overwritten.
func (q *Queries) PutCollected(ctx context.Context, d CollectedData, replace bool) (bool, error) {
	conflict := `ON CONFLICT(tenant_id, collection_date) DO NOTHING`
	if replace {
		conflict = `ON CONFLICT(tenant_id, collection_date) DO UPDATE
		 SET payload = excluded.payload, degraded = excluded.degraded, collected_at = excluded.collected_at`
	}
	return q.execAffected(ctx,
		`INSERT INTO collected_data(tenant_id, collection_date, payload, degraded, collected_at)
		 VALUES(?,?,?,?,?) `+conflict,
		d.TenantID, d.Date, string(d.Payload), d.Degraded, d.CollectedAt.UnixMilli(),
	)
}
