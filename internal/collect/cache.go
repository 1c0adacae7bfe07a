// Package collect is the collected-data cache: at most one stored payload per
// (tenant, date). The row doubles as the collection barrier, so a day that
// already has data is never collected again unless forced.
package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"newsletterd/internal/apperr"
	"newsletterd/internal/keylock"
	"newsletterd/internal/metrics"
	"newsletterd/internal/storage"
	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

const DefaultTimeout = 2 * time.Minute

type Options struct {
	Store   *storage.Store
	Timeout time.Duration // per collector call
	Log     logx.Logger
	Now     func() time.Time
}

type Cache struct {
	store   *storage.Store
	timeout time.Duration
	log     logx.Logger
	now     func() time.Time
	locks   *keylock.Map
}

func New(opt Options) *Cache {
	c := &Cache{
		store:   opt.Store,
		timeout: opt.Timeout,
		log:     opt.Log.With(logx.String("comp", "collect")),
		now:     opt.Now,
		locks:   keylock.New(),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Result is one day's data for a tenant.
type Result struct {
	Payload     tenant.Payload
	Degraded    bool
	CollectedAt time.Time
	// Cached is true when the row already existed and the collector did not run.
	Cached bool
}

// Collect returns the payload for (t, date), running the collector only if
// no row exists yet or force is set. A collector error (or a payload with no
// sections at all) is not stored and comes back as a transient error
// wrapping ErrCollectFailed. A partial payload is stored as degraded.
func (c *Cache) Collect(ctx context.Context, t tenant.Tenant, date string, force bool) (Result, error) {
	id := t.ID()
	log := c.log.With(logx.Tenant(id), logx.String("date", date))

	unlock := c.locks.Lock(id + "|" + date)
	defer unlock()

	if !force {
		res, err := c.Get(ctx, id, date)
		if err == nil {
			metrics.RecordCollection(id, "cached")
			log.Debug("collected data already present")
			return res, nil
		}
		if !errors.Is(err, apperr.ErrNoData) {
			return Result{}, err
		}
	}

	start := time.Now()
	p, err := c.invoke(ctx, t)
	if err == nil && p.Empty() {
		err = errors.New("collector returned no sections")
	}
	if err != nil {
		metrics.RecordCollection(id, "failed")
		log.Warn("collection failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return Result{}, apperr.Transient.Wrap(fmt.Errorf("%w: %s: %w", apperr.ErrCollectFailed, id, err))
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return Result{}, apperr.Fatal.Wrap(fmt.Errorf("encode payload: %w", err))
	}
	row := storage.CollectedData{
		TenantID:    id,
		Date:        date,
		Payload:     raw,
		Degraded:    p.Degraded(),
		CollectedAt: c.now(),
	}
	stored, err := c.store.Q().PutCollected(ctx, row, force)
	if err != nil {
		return Result{}, fmt.Errorf("store collected data: %w", err)
	}
	if !stored {
		// Another process won the insert; its row is the day's data.
		log.Info("collected data stored concurrently elsewhere; using existing row")
		return c.Get(ctx, id, date)
	}

	result := "ok"
	if row.Degraded {
		result = "degraded"
		log.Warn("collection degraded", logx.Any("missing", p.Missing), logx.Duration("took", time.Since(start)))
	} else {
		log.Info("collection stored", logx.Int("sections", len(p.Sections)), logx.Bool("forced", force), logx.Duration("took", time.Since(start)))
	}
	metrics.RecordCollection(id, result)
	return Result{Payload: p, Degraded: row.Degraded, CollectedAt: row.CollectedAt}, nil
}

// Get reads the stored payload. A missing row is apperr.ErrNoData; a row that
// no longer decodes is a fatal error.
func (c *Cache) Get(ctx context.Context, tenantID, date string) (Result, error) {
	row, err := c.store.Q().GetCollected(ctx, tenantID, date)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, apperr.Transient.Wrap(fmt.Errorf("%w: %s %s", apperr.ErrNoData, tenantID, date))
	}
	if err != nil {
		return Result{}, err
	}
	var p tenant.Payload
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return Result{}, apperr.Fatal.Wrap(fmt.Errorf("decode collected data %s %s: %w", tenantID, date, err))
	}
	return Result{Payload: p, Degraded: row.Degraded, CollectedAt: row.CollectedAt, Cached: true}, nil
}

// Has reports whether (tenantID, date) already has data.
func (c *Cache) Has(ctx context.Context, tenantID, date string) (bool, error) {
	return c.store.Q().HasCollected(ctx, tenantID, date)
}

func (c *Cache) invoke(ctx context.Context, t tenant.Tenant) (p tenant.Payload, err error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("collector panic", logx.Tenant(t.ID()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("collector panic: %v", r)
		}
	}()
	return t.Collect(cctx)
}
