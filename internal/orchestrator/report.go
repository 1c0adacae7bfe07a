package orchestrator

import (
	"time"
)

type Phase string

const (
	PhaseCollect Phase = "collect"
	PhaseSend    Phase = "send"
)

type Outcome string

const (
	OutcomeRan     Outcome = "ran"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Skip reasons.
const (
	ReasonDone      = "done"       // barrier already complete for the date
	ReasonNoData    = "no_data"    // send due but nothing collected
	ReasonRetryWait = "retry_wait" // failed recently; waiting out the retry interval
	ReasonBusy      = "busy"       // another run holds the phase
)

// UnitReport is the result of one tenant phase within a tick or manual run.
type UnitReport struct {
	TenantID string        `json:"tenant"`
	Phase    Phase         `json:"phase"`
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempt  int           `json:"attempt,omitempty"` // consecutive failures so far
	Degraded bool          `json:"degraded,omitempty"`
	Sent     int           `json:"sent,omitempty"`
	Failed   int           `json:"failed,omitempty"`
	Skipped  int           `json:"skipped,omitempty"`
	Took     time.Duration `json:"took_ns"`
}

// TickReport joins every unit of one tick.
type TickReport struct {
	ID         string       `json:"id"`
	At         time.Time    `json:"at"`
	Date       string       `json:"date"`
	Manual     bool         `json:"manual,omitempty"`
	Overlapped bool         `json:"overlapped,omitempty"`
	Units      []UnitReport `json:"units"`
}

func (r TickReport) count(o Outcome) int {
	n := 0
	for _, u := range r.Units {
		if u.Outcome == o {
			n++
		}
	}
	return n
}

func (r TickReport) Ran() int     { return r.count(OutcomeRan) }
func (r TickReport) Failed() int  { return r.count(OutcomeFailed) }
func (r TickReport) Skipped() int { return r.count(OutcomeSkipped) }

// Unit returns the report for (tenantID, phase), if present.
func (r TickReport) Unit(tenantID string, phase Phase) (UnitReport, bool) {
	for _, u := range r.Units {
		if u.TenantID == tenantID && u.Phase == phase {
			return u, true
		}
	}
	return UnitReport{}, false
}
