package httpcollect

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsletterd/internal/tenant"
	logx "newsletterd/pkg/logx"
)

// Sections accumulates collector output one endpoint at a time. A failing
// endpoint is recorded as missing; an endpoint that answered with nothing
// (empty object or list) is simply left out.
type Sections struct {
	log      logx.Logger
	sections map[string]json.RawMessage
	missing  []string
	errs     []error
}

func NewSections(log logx.Logger) *Sections {
	return &Sections{log: log, sections: map[string]json.RawMessage{}}
}

// Add runs fetch and stores its value under name.
func (s *Sections) Add(name string, fetch func() (any, error)) {
	start := time.Now()
	v, err := fetch()
	if err != nil {
		s.missing = append(s.missing, name)
		s.errs = append(s.errs, fmt.Errorf("%s: %w", name, err))
		s.log.Warn("section fetch failed", logx.String("section", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		s.missing = append(s.missing, name)
		s.errs = append(s.errs, fmt.Errorf("%s: encode: %w", name, err))
		return
	}
	if isEmptyJSON(raw) {
		s.log.Debug("section empty", logx.String("section", name))
		return
	}
	s.sections[name] = raw
	s.log.Debug("section collected", logx.String("section", name), logx.Int("bytes", len(raw)), logx.Duration("took", time.Since(start)))
}

// Payload returns the collected sections. If every attempted section failed
// the result is an error carrying each cause.
func (s *Sections) Payload() (tenant.Payload, error) {
	if len(s.sections) == 0 && len(s.missing) > 0 {
		return tenant.Payload{}, errors.Join(s.errs...)
	}
	return tenant.Payload{Sections: s.sections, Missing: s.missing}, nil
}

func isEmptyJSON(raw []byte) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", "{}", "[]":
		return true
	}
	return false
}

// PrevISOWeek returns the ISO week before (year, week), crossing into the
// previous year when week is 1.
func PrevISOWeek(year, week int) (int, int) {
	if week > 1 {
		return year, week - 1
	}
	// Dec 28 always falls in the last ISO week of its year.
	return time.Date(year-1, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
}
