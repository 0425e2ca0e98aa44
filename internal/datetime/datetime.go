// Package datetime holds the date parsing and timezone helpers shared by the
// expander, the recurrence helper and the record sources.
package datetime

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	appLog "viewsical/internal/log"
)

const (
	// Layouts for iCalendar DATE-TIME values.
	ICalLocalLayout = "20060102T150405"
	ICalUTCLayout   = "20060102T150405Z"
)

// storage layouts accepted for UTC wall-clock values, most specific first.
var storageLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	ICalUTCLayout,
	ICalLocalLayout,
}

// ParseUTC parses a stored wall-clock value as UTC. Values that carry their
// own offset (RFC 3339) are honored and normalized to UTC.
func ParseUTC(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty date value")
	}

	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range storageLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date value %q", v)
}

// LoadLocation resolves an IANA zone name. Empty means UTC. "Local" is
// rejected: it names the host's zone, which clients cannot resolve.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	if strings.EqualFold(name, "Local") {
		return nil, fmt.Errorf("load timezone %q: not an IANA zone name", name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// LocationOrUTC is LoadLocation for call sites that must not fail, such as
// request-level display hints.
func LocationOrUTC(name string) *time.Location {
	loc, err := LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
}

// IsUTC reports whether t is expressed in UTC.
func IsUTC(t time.Time) bool {
	return t.Location() == time.UTC || t.Location().String() == "UTC"
}

var zones sync.Map // name -> *time.Location, nil when unresolvable

func lookupZone(name string) *time.Location {
	if name == "" || name == "Local" {
		return nil
	}
	if loc, hit := zones.Load(name); hit {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = nil
	}
	zones.Store(name, loc)
	return loc
}

// IsZoneName reports whether name is an IANA zone a calendar client can
// resolve. "Local" and the names of fixed offset zones are not.
func IsZoneName(name string) bool {
	return lookupZone(name) != nil
}

// FormatICal renders t as an iCalendar DATE-TIME value and returns the TZID
// to attach. UTC values, and values whose zone name does not resolve to the
// same offset in the zone database, are written in UTC with an empty TZID.
func FormatICal(t time.Time) (value, tzid string) {
	if IsUTC(t) {
		return t.Format(ICalUTCLayout), ""
	}
	name := t.Location().String()
	loc := lookupZone(name)
	if loc == nil {
		return t.UTC().Format(ICalUTCLayout), ""
	}
	_, want := t.Zone()
	if _, got := t.In(loc).Zone(); got != want {
		return t.UTC().Format(ICalUTCLayout), ""
	}
	return t.Format(ICalLocalLayout), name
}
