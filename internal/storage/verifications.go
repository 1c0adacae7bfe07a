package storage

import (
	"context"
	"database/sql"
	"time"
)

type verificationRow struct {
	ID            int64         `db:"id"`
	TenantID      string        `db:"tenant_id"`
	Email         string        `db:"email"`
	Name          string        `db:"name"`
	Purpose       string        `db:"purpose"`
	Code          string        `db:"code"`
	ExpiresAt     int64         `db:"expires_at"`
	Attempts      int           `db:"attempts"`
	ConsumedAt    sql.NullInt64 `db:"consumed_at"`
	InvalidatedAt sql.NullInt64 `db:"invalidated_at"`
	CreatedAt     int64         `db:"created_at"`
}

func (r verificationRow) toRequest() VerificationRequest {
	return VerificationRequest{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Email:         r.Email,
		Name:          r.Name,
		Purpose:       Purpose(r.Purpose),
		Code:          r.Code,
		ExpiresAt:     time.UnixMilli(r.ExpiresAt),
		Attempts:      r.Attempts,
		ConsumedAt:    fromMillis(r.ConsumedAt),
		InvalidatedAt: fromMillis(r.InvalidatedAt),
		CreatedAt:     time.UnixMilli(r.CreatedAt),
	}
}

// InvalidateVerifications retires every unconsumed, live request for
// (tenant, email, purpose). History rows are kept.
func (q *Queries) InvalidateVerifications(ctx context.Context, tenantID, email string, purpose Purpose, now time.Time) (int64, error) {
	res, err := q.exec(ctx,
		`UPDATE verification_requests SET invalidated_at = ?
		 WHERE tenant_id = ? AND email = ? AND purpose = ? AND consumed_at IS NULL AND invalidated_at IS NULL`,
		now.UnixMilli(), tenantID, email, string(purpose),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) CreateVerification(ctx context.Context, v *VerificationRequest) error {
	id, err := q.insertID(ctx,
		`INSERT INTO verification_requests(tenant_id, email, name, purpose, code, expires_at, attempts, created_at)
		 VALUES(?,?,?,?,?,?,0,?)
		 RETURNING id`,
		v.TenantID, v.Email, v.Name, string(v.Purpose), v.Code, v.ExpiresAt.UnixMilli(), v.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	v.ID = id
	return nil
}

// LatestVerification returns the newest request that has not been
// invalidated by a later one. It may be consumed or expired.
func (q *Queries) LatestVerification(ctx context.Context, tenantID, email string, purpose Purpose) (VerificationRequest, error) {
	var r verificationRow
	if err := q.get(ctx, &r,
		`SELECT id, tenant_id, email, name, purpose, code, expires_at, attempts, consumed_at, invalidated_at, created_at
		 FROM verification_requests
		 WHERE tenant_id = ? AND email = ? AND purpose = ? AND invalidated_at IS NULL
		 ORDER BY id DESC
		 LIMIT 1`,
		tenantID, email, string(purpose),
	); err != nil {
		return VerificationRequest{}, err
	}
	return r.toRequest(), nil
}

// CountLiveVerifications counts unconsumed, uninvalidated requests that have
// not expired at now.
func (q *Queries) CountLiveVerifications(ctx context.Context, tenantID, email string, purpose Purpose, now time.Time) (int, error) {
	var n int
	err := q.get(ctx, &n,
		`SELECT COUNT(*) FROM verification_requests
		 WHERE tenant_id = ? AND email = ? AND purpose = ?
		   AND consumed_at IS NULL AND invalidated_at IS NULL AND expires_at > ?`,
		tenantID, email, string(purpose), now.UnixMilli(),
	)
	return n, err
}

// IncrementAttempts records a failed code entry and returns the new count.
func (q *Queries) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	if _, err := q.exec(ctx, `UPDATE verification_requests SET attempts = attempts + 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}
	var n int
	err := q.get(ctx, &n, `SELECT attempts FROM verification_requests WHERE id = ?`, id)
	return n, err
}

// ConsumeVerification marks the request used. Only the first caller wins;
// later callers (in this or another process) get false.
func (q *Queries) ConsumeVerification(ctx context.Context, id int64, now time.Time) (bool, error) {
	return q.execAffected(ctx,
		`UPDATE verification_requests SET consumed_at = ?
		 WHERE id = ? AND consumed_at IS NULL AND invalidated_at IS NULL`,
		now.UnixMilli(), id,
	)
}
