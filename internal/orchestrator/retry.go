package orchestrator

import (
	"strings"
	"sync"
	"time"
)

// gateState tracks consecutive failures of one tenant phase on one date.
//
// After a failure the gate stays closed for the retry interval; a success
// clears it.
type gateState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type retryGate struct {
	mu sync.Mutex
	m  map[string]*gateState
}

func gateKey(tenantID string, phase Phase, date string) string {
	return tenantID + "|" + string(phase) + "|" + date
}

// wait reports whether key is still cooling down, and until when.
func (g *retryGate) wait(now time.Time, key string) (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.m[key]
	if st == nil || st.openUntil.IsZero() || !now.Before(st.openUntil) {
		return false, time.Time{}
	}
	return true, st.openUntil
}

// record stores a phase result and returns the consecutive failure count.
func (g *retryGate) record(now time.Time, key string, interval time.Duration, err error) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.m, key)
		return 0
	}
	if g.m == nil {
		g.m = make(map[string]*gateState)
	}
	st := g.m[key]
	if st == nil {
		st = &gateState{}
		g.m[key] = st
	}
	st.fails++
	st.lastFailure = now
	st.openUntil = now.Add(interval)
	return st.fails
}

// prune drops state for dates other than date.
func (g *retryGate) prune(date string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.m {
		if !strings.HasSuffix(k, "|"+date) {
			delete(g.m, k)
		}
	}
}

// snapshot counts tracked keys and those still cooling down.
func (g *retryGate) snapshot(now time.Time) (total, waiting int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	total = len(g.m)
	for _, st := range g.m {
		if now.Before(st.openUntil) {
			waiting++
		}
	}
	return total, waiting
}
