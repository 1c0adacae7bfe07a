// Package storage is the persistence layer for subscribers, verification
// requests, collected data, delivery records and the operator audit log.
//
// Two engines satisfy the same schema: SQLite (modernc, pure Go) for single
// host deployments and Postgres (lib/pq). Schema changes are embedded
// golang-migrate migrations, applied on Open.
//
// Uniqueness rules are enforced by the database, not by callers:
//   - collected_data: one row per (tenant_id, collection_date)
//   - delivery_records: one row per (tenant_id, send_date, subscriber_id)
//   - subscribers: one row per (tenant_id, email), unique unsubscribe_token
//
// Timestamps are stored as unix milliseconds; calendar dates as YYYY-MM-DD text.
package storage
