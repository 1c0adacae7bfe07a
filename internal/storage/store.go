package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/zeebo/errs"

	logx "newsletterd/pkg/logx"
)

// Store owns the connection pool. Reads and single-statement writes go through
// Q(); multi-statement state changes go through InTx.
type Store struct {
	db     *sqlx.DB
	engine string
	log    logx.Logger
}

func newStore(db *sqlx.DB, engine string, log logx.Logger) *Store {
	return &Store{db: db, engine: engine, log: log.With(logx.String("comp", "storage"), logx.String("engine", engine))}
}

// Engine returns "sqlite" or "postgres".
func (s *Store) Engine() string { return s.engine }

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("storage closed")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Q returns queries bound to the pool (autocommit).
func (s *Store) Q() *Queries { return &Queries{x: s.db} }

// InTx runs fn inside one transaction. fn's error (or a panic) rolls back.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&Queries{x: tx}); err != nil {
		return errs.Combine(err, tx.Rollback())
	}
	return tx.Commit()
}

// Queries works with both *sqlx.DB and *sqlx.Tx. Statements are written with
// '?' placeholders and rebound for the engine.
type Queries struct {
	x sqlx.ExtContext
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.x.ExecContext(ctx, q.x.Rebind(query), args...)
}

// execAffected runs a conditional write and reports whether it changed a row.
func (q *Queries) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *Queries) get(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q.x, dest, q.x.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (q *Queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.x, dest, q.x.Rebind(query), args...)
}

// insertID runs an INSERT ... RETURNING id.
func (q *Queries) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := q.x.QueryRowxContext(ctx, q.x.Rebind(query), args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
