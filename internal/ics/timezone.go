package ics

import (
	"fmt"
	"sort"
	"time"

	ical "github.com/arran4/golang-ical"

	"viewsical/internal/datetime"
)

// maxObservances bounds the transitions written per zone.
const maxObservances = 512

// zoneSpan is a zone referenced by TZID and the years its values fall in.
type zoneSpan struct {
	loc      *time.Location
	from, to int
}

// zoneSpans collects the zones a calendar must define, keyed by TZID.
type zoneSpans map[string]*zoneSpan

// add records t if it will be written with a TZID.
func (z zoneSpans) add(t time.Time) {
	_, tzid := datetime.FormatICal(t)
	if tzid == "" {
		return
	}
	year := t.Year()
	span, ok := z[tzid]
	if !ok {
		z[tzid] = &zoneSpan{loc: t.Location(), from: year, to: year}
		return
	}
	span.from = min(span.from, year)
	span.to = max(span.to, year)
}

// addTo writes one VTIMEZONE per zone, ordered by TZID.
func (z zoneSpans) addTo(cal *ical.Calendar) {
	ids := make([]string, 0, len(z))
	for id := range z {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		span := z[id]
		tz := cal.AddTimezone(id)
		for _, o := range span.observances() {
			tz.Components = append(tz.Components, o.component())
		}
	}
}

// observance is one STANDARD or DAYLIGHT sub-component.
type observance struct {
	onset    time.Time
	from, to int
	name     string
	daylight bool
}

// observances lists the rule in effect on January 1st of the first year and
// every transition up to the end of the last year.
func (s *zoneSpan) observances() []observance {
	t := time.Date(s.from, time.January, 1, 0, 0, 0, 0, s.loc)
	limit := time.Date(s.to+1, time.January, 1, 0, 0, 0, 0, s.loc)

	name, off := t.Zone()
	out := []observance{{onset: t, from: off, to: off, name: name, daylight: t.IsDST()}}

	for len(out) < maxObservances {
		_, end := t.ZoneBounds()
		if end.IsZero() || !end.Before(limit) {
			break
		}
		nextName, nextOff := end.Zone()
		if nextName != name || nextOff != off || end.IsDST() != t.IsDST() {
			out = append(out, observance{
				// Onset is local time before the transition.
				onset:    end.In(time.FixedZone("", off)),
				from:     off,
				to:       nextOff,
				name:     nextName,
				daylight: end.IsDST(),
			})
		}
		t, name, off = end, nextName, nextOff
	}
	return out
}

func (o observance) component() ical.Component {
	base := ical.ComponentBase{}
	base.SetProperty(ical.ComponentPropertyDtStart, o.onset.Format(datetime.ICalLocalLayout))
	base.SetProperty(ical.ComponentProperty(ical.PropertyTzoffsetfrom), formatOffset(o.from))
	base.SetProperty(ical.ComponentProperty(ical.PropertyTzoffsetto), formatOffset(o.to))
	if o.name != "" {
		base.SetProperty(ical.ComponentProperty(ical.PropertyTzname), o.name)
	}
	if o.daylight {
		return &ical.Daylight{ComponentBase: base}
	}
	return &ical.Standard{ComponentBase: base}
}

// formatOffset renders seconds east of UTC as a UTC-OFFSET value.
func formatOffset(secs int) string {
	sign := '+'
	if secs < 0 {
		sign = '-'
		secs = -secs
	}
	h, m, s := secs/3600, secs/60%60, secs%60
	if s != 0 {
		return fmt.Sprintf("%c%02d%02d%02d", sign, h, m, s)
	}
	return fmt.Sprintf("%c%02d%02d", sign, h, m)
}
