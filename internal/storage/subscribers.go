package storage

import (
	"context"
	"database/sql"
	"time"
)

type subscriberRow struct {
	ID             int64          `db:"id"`
	TenantID       string         `db:"tenant_id"`
	Email          string         `db:"email"`
	Name           string         `db:"name"`
	Status         string         `db:"status"`
	Token          sql.NullString `db:"unsubscribe_token"`
	CreatedAt      int64          `db:"created_at"`
	ConfirmedAt    sql.NullInt64  `db:"confirmed_at"`
	UnsubscribedAt sql.NullInt64  `db:"unsubscribed_at"`
}

func (r subscriberRow) toSubscriber() Subscriber {
	return Subscriber{
		ID:               r.ID,
		TenantID:         r.TenantID,
		Email:            r.Email,
		Name:             r.Name,
		Status:           SubscriberStatus(r.Status),
		UnsubscribeToken: r.Token.String,
		CreatedAt:        time.UnixMilli(r.CreatedAt),
		ConfirmedAt:      fromMillis(r.ConfirmedAt),
		UnsubscribedAt:   fromMillis(r.UnsubscribedAt),
	}
}

const subscriberCols = `id, tenant_id, email, name, status, unsubscribe_token, created_at, confirmed_at, unsubscribed_at`

func (q *Queries) SubscriberByEmail(ctx context.Context, tenantID, email string) (Subscriber, error) {
	var r subscriberRow
	if err := q.get(ctx, &r, `SELECT `+subscriberCols+` FROM subscribers WHERE tenant_id = ? AND email = ?`, tenantID, email); err != nil {
		return Subscriber{}, err
	}
	return r.toSubscriber(), nil
}

func (q *Queries) SubscriberByToken(ctx context.Context, token string) (Subscriber, error) {
	var r subscriberRow
	if err := q.get(ctx, &r, `SELECT `+subscriberCols+` FROM subscribers WHERE unsubscribe_token = ?`, token); err != nil {
		return Subscriber{}, err
	}
	return r.toSubscriber(), nil
}

func (q *Queries) SubscriberByID(ctx context.Context, id int64) (Subscriber, error) {
	var r subscriberRow
	if err := q.get(ctx, &r, `SELECT `+subscriberCols+` FROM subscribers WHERE id = ?`, id); err != nil {
		return Subscriber{}, err
	}
	return r.toSubscriber(), nil
}

// CreatePendingSubscriber inserts a new pending row. It returns ErrNotFound if
// a row for (tenant, email) already exists.
func (q *Queries) CreatePendingSubscriber(ctx context.Context, tenantID, email, name string, now time.Time) (Subscriber, error) {
	id, err := q.insertID(ctx,
		`INSERT INTO subscribers(tenant_id, email, name, status, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id, email) DO NOTHING
		 RETURNING id`,
		tenantID, email, name, string(StatusPending), now.UnixMilli(),
	)
	if err != nil {
		return Subscriber{}, err
	}
	return Subscriber{
		ID:        id,
		TenantID:  tenantID,
		Email:     email,
		Name:      name,
		Status:    StatusPending,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

// ResetSubscriberPending moves a pending or unsubscribed row back to pending
// and drops its old unsubscribe token. Confirmed rows are left alone.
func (q *Queries) ResetSubscriberPending(ctx context.Context, id int64, name string) (bool, error) {
	return q.execAffected(ctx,
		`UPDATE subscribers
		 SET status = ?, name = ?, unsubscribe_token = NULL, confirmed_at = NULL
		 WHERE id = ? AND status <> ?`,
		string(StatusPending), name, id, string(StatusConfirmed),
	)
}

// ConfirmSubscriber moves a pending row to confirmed with a fresh token.
func (q *Queries) ConfirmSubscriber(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	return q.execAffected(ctx,
		`UPDATE subscribers
		 SET status = ?, unsubscribe_token = ?, confirmed_at = ?, unsubscribed_at = NULL
		 WHERE id = ? AND status = ?`,
		string(StatusConfirmed), token, now.UnixMilli(), id, string(StatusPending),
	)
}

// UnsubscribeSubscriber moves a confirmed row to unsubscribed. The token is
// kept so repeated clicks on the same link keep resolving.
func (q *Queries) UnsubscribeSubscriber(ctx context.Context, id int64, now time.Time) (bool, error) {
	return q.execAffected(ctx,
		`UPDATE subscribers SET status = ?, unsubscribed_at = ? WHERE id = ? AND status = ?`,
		string(StatusUnsubscribed), now.UnixMilli(), id, string(StatusConfirmed),
	)
}

func (q *Queries) ListConfirmedSubscribers(ctx context.Context, tenantID string) ([]Subscriber, error) {
	var rows []subscriberRow
	if err := q.selectAll(ctx, &rows,
		`SELECT `+subscriberCols+` FROM subscribers WHERE tenant_id = ? AND status = ? ORDER BY id`,
		tenantID, string(StatusConfirmed),
	); err != nil {
		return nil, err
	}
	out := make([]Subscriber, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSubscriber())
	}
	return out, nil
}

// CountSubscribers returns the number of rows per status for one tenant.
func (q *Queries) CountSubscribers(ctx context.Context, tenantID string) (map[SubscriberStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := q.selectAll(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM subscribers WHERE tenant_id = ? GROUP BY status`, tenantID,
	); err != nil {
		return nil, err
	}
	out := make(map[SubscriberStatus]int, len(rows))
	for _, r := range rows {
		out[SubscriberStatus(r.Status)] = r.N
	}
	return out, nil
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
