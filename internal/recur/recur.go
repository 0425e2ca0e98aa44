// Package recur implements the recurrence helper handed to the expander for
// recurring date fields. Rule math is delegated to rrule-go.
package recur

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"viewsical/internal/datetime"
	appLog "viewsical/internal/log"
	"viewsical/internal/model"
)

// DefaultLimit caps rules without COUNT or UNTIL.
const DefaultLimit = 5000

// Rule is a parsed recurrence. Start and End are in the rule's own zone so
// that instances keep their wall-clock time across DST changes.
type Rule struct {
	RRule   string
	Start   time.Time
	End     time.Time
	ExDates []time.Time
	RDates  []time.Time

	// Limit is the maximum number of instances returned. Zero means
	// DefaultLimit.
	Limit int
}

var _ model.RecurrenceHelper = Rule{}

// Occurrences expands the rule. The first instance's duration (End-Start)
// is applied to every instance; a zero End yields instances without an end.
func (r Rule) Occurrences() ([]model.DateRange, error) {
	if r.Start.IsZero() {
		return nil, errors.New("recurrence has no start")
	}
	if !r.End.IsZero() && r.End.Before(r.Start) {
		return nil, fmt.Errorf("recurrence ends (%s) before it starts (%s)",
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}

	limit := r.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var set rrule.Set
	if raw := normalizeRule(r.RRule); raw != "" {
		opt, err := rrule.StrToROption(raw)
		if err != nil {
			return nil, fmt.Errorf("parse RRULE %q: %w", r.RRule, err)
		}
		opt.Dtstart = r.Start
		rule, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("build RRULE %q: %w", r.RRule, err)
		}
		set.RRule(rule)
	} else {
		set.RDate(r.Start)
	}

	// Align exception dates with the rule's location for comparison.
	loc := r.Start.Location()
	for _, ex := range r.ExDates {
		set.ExDate(ex.In(loc))
	}
	for _, rd := range r.RDates {
		set.RDate(rd.In(loc))
	}

	hasEnd := !r.End.IsZero()
	dur := r.End.Sub(r.Start)

	out := make([]model.DateRange, 0)
	next := set.Iterator()
	for {
		start, ok := next()
		if !ok {
			break
		}
		if len(out) == limit {
			appLog.Warn("recur: truncated occurrences due to cap",
				"rrule", r.RRule,
				"start", r.Start.Format(time.RFC3339),
				"cap", limit,
			)
			break
		}

		rng := model.DateRange{Start: start}
		if hasEnd {
			rng.End = start.Add(dur)
		}
		out = append(out, rng)
	}

	return out, nil
}

// Spec is the stored form of a recurring date value: UTC wall-clock strings
// plus the zone the rule is evaluated in. It parses lazily so that a bad
// value surfaces from Occurrences and can be attributed to its record.
type Spec struct {
	RRule    string   `yaml:"rrule" json:"rrule"`
	Start    string   `yaml:"start" json:"start"`
	End      string   `yaml:"end,omitempty" json:"end,omitempty"`
	Timezone string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	ExDates  []string `yaml:"exdates,omitempty" json:"exdates,omitempty"`
	RDates   []string `yaml:"rdates,omitempty" json:"rdates,omitempty"`
	Limit    int      `yaml:"limit,omitempty" json:"limit,omitempty"`
}

var _ model.RecurrenceHelper = Spec{}

// Rule parses the stored values.
func (s Spec) Rule() (Rule, error) {
	loc, err := datetime.LoadLocation(s.Timezone)
	if err != nil {
		return Rule{}, err
	}

	start, err := datetime.ParseUTC(s.Start)
	if err != nil {
		return Rule{}, fmt.Errorf("start: %w", err)
	}

	r := Rule{
		RRule: s.RRule,
		Start: start.In(loc),
		Limit: s.Limit,
	}

	if strings.TrimSpace(s.End) != "" {
		end, err := datetime.ParseUTC(s.End)
		if err != nil {
			return Rule{}, fmt.Errorf("end: %w", err)
		}
		r.End = end.In(loc)
	}

	if r.ExDates, err = parseAll(s.ExDates, loc); err != nil {
		return Rule{}, fmt.Errorf("exdate: %w", err)
	}
	if r.RDates, err = parseAll(s.RDates, loc); err != nil {
		return Rule{}, fmt.Errorf("rdate: %w", err)
	}

	return r, nil
}

func (s Spec) Occurrences() ([]model.DateRange, error) {
	r, err := s.Rule()
	if err != nil {
		return nil, err
	}
	return r.Occurrences()
}

func parseAll(values []string, loc *time.Location) ([]time.Time, error) {
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		// EXDATE/RDATE lists may be comma separated, as in ICS.
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := datetime.ParseUTC(part)
			if err != nil {
				return nil, err
			}
			out = append(out, t.In(loc))
		}
	}
	return out, nil
}

// normalizeRule strips an "RRULE:" prefix and surrounding whitespace.
func normalizeRule(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}
	return s
}
