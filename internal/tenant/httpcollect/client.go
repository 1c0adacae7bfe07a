// Package httpcollect is the HTTP/JSON plumbing shared by tenant collectors:
// bounded requests with exponential retry, and a section set that turns
// per-endpoint failures into a degraded payload instead of an error.
package httpcollect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logx "newsletterd/pkg/logx"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 2 * time.Second
	DefaultTimeout   = 30 * time.Second

	maxBody = 8 << 20
)

type Options struct {
	BaseURL   string
	Timeout   time.Duration // per request attempt
	Attempts  int
	BaseDelay time.Duration // delay before the 2nd attempt; doubles after
	HTTP      *http.Client
	Log       logx.Logger
}

type Client struct {
	base      string
	timeout   time.Duration
	attempts  int
	baseDelay time.Duration
	hc        *http.Client
	log       logx.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opt Options) *Client {
	c := &Client{
		base:      strings.TrimRight(opt.BaseURL, "/"),
		timeout:   opt.Timeout,
		attempts:  opt.Attempts,
		baseDelay: opt.BaseDelay,
		hc:        opt.HTTP,
		log:       opt.Log,
		sleep:     sleepCtx,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.attempts <= 0 {
		c.attempts = DefaultAttempts
	}
	if c.baseDelay < 0 {
		c.baseDelay = 0
	} else if c.baseDelay == 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	return c
}

// WithSleep replaces the backoff sleeper. Tests use it to skip real delays.
func (c *Client) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Client {
	c.sleep = fn
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Retryable reports whether another attempt could succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// GetJSON fetches base+path with params and decodes the body into out.
// Network errors, 429 and 5xx are retried with exponential backoff
// (base delay, then doubled); other 4xx fail at once.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var err error
	delay := c.baseDelay
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err = c.getOnce(ctx, u, out)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return err
		}
		if ctx.Err() != nil || attempt == c.attempts {
			break
		}
		wait := delay
		if se != nil && se.RetryAfter > wait {
			wait = se.RetryAfter
		}
		c.log.Warn("upstream request failed; retrying",
			logx.String("url", u), logx.Int("attempt", attempt), logx.Int("max_attempts", c.attempts),
			logx.Duration("delay", wait), logx.Err(err))
		if serr := c.sleep(ctx, wait); serr != nil {
			return fmt.Errorf("%w (retry aborted: %v)", err, serr)
		}
		delay *= 2
	}
	return err
}

func (c *Client) getOnce(ctx context.Context, u string, out any) error {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &StatusError{URL: u, StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBody))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", u, err)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
