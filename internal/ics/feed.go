package ics

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"viewsical/internal/datetime"
	appLog "viewsical/internal/log"
	"viewsical/internal/model"
)

const (
	// ContentType is the media type a host should serve a Document with.
	ContentType = "text/calendar; charset=utf-8"

	DefaultProductID = "-//viewsical//iCal Feed//EN"
)

// Document is a rendered calendar.
type Document struct {
	cal    *ical.Calendar
	events int
}

// Calendar exposes the underlying component tree.
func (d *Document) Calendar() *ical.Calendar {
	return d.cal
}

// Len is the number of VEVENT components.
func (d *Document) Len() int {
	return d.events
}

func (d *Document) String() string {
	return d.serialize()
}

func (d *Document) Bytes() []byte {
	return []byte(d.serialize())
}

func (d *Document) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, d.serialize())
	return int64(n), err
}

// foldLength leaves room for the continuation space so no folded line
// exceeds 75 octets, whatever the rune widths.
const foldLength = 74

// serialize emits CRLF-terminated, folded content lines.
func (d *Document) serialize() string {
	return d.cal.Serialize(ical.WithNewLineWindows, ical.WithLineLength(foldLength))
}

// Builder serializes occurrences into an iCalendar document.
type Builder struct {
	// Now supplies DTSTAMP when FeedMeta.Stamp is zero.
	Now func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{Now: time.Now}
}

// Build creates one VEVENT per occurrence, in input order. An empty input
// yields a valid calendar with no events.
func (b *Builder) Build(occurrences []model.Occurrence, meta model.FeedMeta) (*Document, error) {
	stamp := meta.Stamp
	if stamp.IsZero() {
		now := time.Now
		if b != nil && b.Now != nil {
			now = b.Now
		}
		stamp = now()
	}

	prodID := meta.ProductID
	if prodID == "" {
		prodID = DefaultProductID
	}

	cal := ical.NewCalendar()
	cal.SetProductId(prodID)
	cal.SetCalscale("GREGORIAN")
	if meta.Title != "" {
		cal.SetXWRCalName(meta.Title)
	}
	if meta.Link != "" {
		cal.SetUrl(meta.Link)
	}
	if meta.Timezone != "" && datetime.IsZoneName(meta.Timezone) {
		cal.SetXWRTimezone(meta.Timezone)
	}

	zones := make(zoneSpans)
	for i, occ := range occurrences {
		if occ.Start.IsZero() {
			return nil, fmt.Errorf("occurrence %d of record %s: missing start", i, occ.RecordID)
		}
		if occ.HasEnd() && occ.End.Before(occ.Start) {
			return nil, fmt.Errorf("occurrence %d of record %s: %w", i, occ.RecordID, ErrInvertedRange)
		}
		zones.add(occ.Start)
		if occ.HasEnd() {
			zones.add(occ.End)
		}
	}
	zones.addTo(cal)

	uids := newUIDs(feedIdentity(meta))
	for _, occ := range occurrences {
		ev := cal.AddEvent(uids.next(occ))
		ev.SetDtStampTime(stamp)
		setDateTime(ev, ical.ComponentPropertyDtStart, occ.Start)
		if occ.HasEnd() {
			setDateTime(ev, ical.ComponentPropertyDtEnd, occ.End)
		}
		if occ.Summary != "" {
			ev.SetSummary(occ.Summary)
		}
		if occ.Location != "" {
			ev.SetLocation(occ.Location)
		}
		if occ.Description != "" {
			ev.SetDescription(occ.Description)
		}
	}

	appLog.Debug("feed: calendar built", "title", meta.Title, "events", len(occurrences))
	return &Document{cal: cal, events: len(occurrences)}, nil
}

// setDateTime writes t in its own zone with a TZID parameter; UTC values use
// the "Z" form.
func setDateTime(ev *ical.VEvent, prop ical.ComponentProperty, t time.Time) {
	value, tzid := datetime.FormatICal(t)
	if tzid == "" {
		ev.SetProperty(prop, value)
		return
	}
	ev.SetProperty(prop, value, ical.WithTZID(tzid))
}

func feedIdentity(meta model.FeedMeta) string {
	for _, s := range []string{meta.ID, meta.Link, meta.Title} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return "viewsical"
}

// uids derives name-based UUIDs from the feed identity and each
// occurrence's record and instance key, so repeated renders of the same
// input yield the same identifiers.
type uids struct {
	ns   uuid.UUID
	seen map[string]int
}

func newUIDs(feedID string) *uids {
	return &uids{
		ns:   uuid.NewSHA1(uuid.NameSpaceURL, []byte(feedID)),
		seen: make(map[string]int),
	}
}

func (u *uids) next(occ model.Occurrence) string {
	name := occ.RecordID + "\n" + occ.InstanceKey
	if occ.InstanceKey == "" {
		name += occ.Start.UTC().Format(time.RFC3339Nano)
	}
	n := u.seen[name]
	u.seen[name] = n + 1
	if n > 0 {
		name += "\n" + strconv.Itoa(n)
	}
	return uuid.NewSHA1(u.ns, []byte(name)).String()
}

// IsRenderError reports whether err is one of the typed render failures.
func IsRenderError(err error) bool {
	var (
		cfgErr   *ConfigError
		parseErr *ParseError
		capErr   *CapabilityError
	)
	return errors.As(err, &cfgErr) || errors.As(err, &parseErr) || errors.As(err, &capErr)
}
