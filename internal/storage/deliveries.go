package storage

import (
	"context"
	"database/sql"
	"time"
)

type deliveryRow struct {
	TenantID     string         `db:"tenant_id"`
	Date         string         `db:"send_date"`
	SubscriberID int64          `db:"subscriber_id"`
	Status       string         `db:"status"`
	Subject      string         `db:"subject"`
	AttemptedAt  int64          `db:"attempted_at"`
	Error        sql.NullString `db:"error"`
}

func (r deliveryRow) toRecord() DeliveryRecord {
	return DeliveryRecord{
		TenantID:     r.TenantID,
		Date:         r.Date,
		SubscriberID: r.SubscriberID,
		Status:       DeliveryStatus(r.Status),
		Subject:      r.Subject,
		AttemptedAt:  time.UnixMilli(r.AttemptedAt),
		Error:        r.Error.String,
	}
}

// ListDeliveries returns every record for (tenant, date) keyed by subscriber.
func (q *Queries) ListDeliveries(ctx context.Context, tenantID, date string) (map[int64]DeliveryRecord, error) {
	var rows []deliveryRow
	if err := q.selectAll(ctx, &rows,
		`SELECT tenant_id, send_date, subscriber_id, status, subject, attempted_at, error
		 FROM delivery_records WHERE tenant_id = ? AND send_date = ?`,
		tenantID, date,
	); err != nil {
		return nil, err
	}
	out := make(map[int64]DeliveryRecord, len(rows))
	for _, r := range rows {
		out[r.SubscriberID] = r.toRecord()
	}
	return out, nil
}

// CountUndelivered returns how many confirmed subscribers of the tenant have
// no delivery record for date.
func (q *Queries) CountUndelivered(ctx context.Context, tenantID, date string) (int, error) {
	var n int
	err := q.get(ctx, &n,
		`SELECT COUNT(*) FROM subscribers s
		 WHERE s.tenant_id = ? AND s.status = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM delivery_records d
		     WHERE d.tenant_id = s.tenant_id AND d.send_date = ? AND d.subscriber_id = s.id)`,
		tenantID, string(StatusConfirmed), date,
	)
	return n, err
}

// ClaimDelivery reserves the (tenant, date, subscriber) slot before sending.
// It inserts a "sending" row and returns false if any row already exists.
// With retryFailed a "failed" row (or a "sending" row older than staleBefore
// with no error, left by a crashed run) is reclaimed instead. A "sending" row
// carrying an error is a send of unknown outcome and is never reclaimed.
func (q *Queries) ClaimDelivery(ctx context.Context, rec DeliveryRecord, retryFailed bool, staleBefore time.Time) (bool, error) {
	ok, err := q.execAffected(ctx,
		`INSERT INTO delivery_records(tenant_id, send_date, subscriber_id, status, subject, attempted_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, send_date, subscriber_id) DO NOTHING`,
		rec.TenantID, rec.Date, rec.SubscriberID, string(DeliverySending), rec.Subject, rec.AttemptedAt.UnixMilli(),
	)
	if err != nil || ok || !retryFailed {
		return ok, err
	}
	return q.execAffected(ctx,
		`UPDATE delivery_records
		 SET status = ?, subject = ?, attempted_at = ?, error = NULL
		 WHERE tenant_id = ? AND send_date = ? AND subscriber_id = ?
		   AND (status = ? OR (status = ? AND attempted_at < ? AND error IS NULL))`,
		string(DeliverySending), rec.Subject, rec.AttemptedAt.UnixMilli(),
		rec.TenantID, rec.Date, rec.SubscriberID,
		string(DeliveryFailed), string(DeliverySending), staleBefore.UnixMilli(),
	)
}

// FinishDelivery records the outcome of a claimed send.
func (q *Queries) FinishDelivery(ctx context.Context, rec DeliveryRecord) error {
	_, err := q.exec(ctx,
		`UPDATE delivery_records SET status = ?, attempted_at = ?, error = ?
		 WHERE tenant_id = ? AND send_date = ? AND subscriber_id = ?`,
		string(rec.Status), rec.AttemptedAt.UnixMilli(), nullStr(rec.Error),
		rec.TenantID, rec.Date, rec.SubscriberID,
	)
	return err
}

// CountDeliveries returns the number of records per status for (tenant, date).
func (q *Queries) CountDeliveries(ctx context.Context, tenantID, date string) (map[DeliveryStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := q.selectAll(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM delivery_records WHERE tenant_id = ? AND send_date = ? GROUP BY status`,
		tenantID, date,
	); err != nil {
		return nil, err
	}
	out := make(map[DeliveryStatus]int, len(rows))
	for _, r := range rows {
		out[DeliveryStatus(r.Status)] = r.N
	}
	return out, nil
}
