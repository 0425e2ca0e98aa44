package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	goical "github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsical/internal/model"
)

var fixedStamp = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func decode(t *testing.T, doc *Document) *goical.Calendar {
	t.Helper()
	cal, err := goical.NewDecoder(bytes.NewReader(doc.Bytes())).Decode()
	require.NoError(t, err)
	return cal
}

func standup(t *testing.T) model.Occurrence {
	ny := mustLocation(t, "America/New_York")
	return model.Occurrence{
		RecordID:    "node/1",
		InstanceKey: "2024-06-01T10:00:00Z",
		Start:       time.Date(2024, 6, 1, 6, 0, 0, 0, ny),
		End:         time.Date(2024, 6, 1, 8, 0, 0, 0, ny),
		Summary:     "Standup",
	}
}

func TestBuild_EmptyCalendar(t *testing.T) {
	doc, err := NewBuilder().Build(nil, model.FeedMeta{Title: "Nothing", Stamp: fixedStamp})
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Len())

	out := doc.String()
	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR"))
	assert.Equal(t, "END:VCALENDAR", strings.TrimSpace(out[strings.LastIndex(out, "END:"):]))
	assert.NotContains(t, out, "BEGIN:VEVENT")
	assert.Contains(t, out, "VERSION:2.0")
	assert.Contains(t, out, "PRODID:"+DefaultProductID)
	assert.Contains(t, out, "CALSCALE:GREGORIAN")

	cal := decode(t, doc)
	assert.Empty(t, cal.Events())
}

func TestBuild_ZonedEvent(t *testing.T) {
	doc, err := NewBuilder().Build([]model.Occurrence{standup(t)}, model.FeedMeta{
		Title:     "Team",
		Link:      "https://example.com/team",
		ProductID: "-//example//team//EN",
		Timezone:  "America/New_York",
		Stamp:     fixedStamp,
	})
	require.NoError(t, err)

	out := doc.String()
	assert.Contains(t, out, "PRODID:-//example//team//EN")
	assert.Contains(t, out, "X-WR-CALNAME:Team")
	assert.Contains(t, out, "America/New_York")

	cal := decode(t, doc)
	events := cal.Events()
	require.Len(t, events, 1)
	ev := events[0]

	start := ev.Props.Get(goical.PropDateTimeStart)
	require.NotNil(t, start)
	assert.Equal(t, "America/New_York", start.Params.Get(goical.ParamTimezoneID))
	assert.Equal(t, "20240601T060000", start.Value)

	end := ev.Props.Get(goical.PropDateTimeEnd)
	require.NotNil(t, end)
	assert.Equal(t, "America/New_York", end.Params.Get(goical.ParamTimezoneID))
	assert.Equal(t, "20240601T080000", end.Value)

	summary, err := ev.Props.Text(goical.PropSummary)
	require.NoError(t, err)
	assert.Equal(t, "Standup", summary)

	assert.Nil(t, ev.Props.Get(goical.PropLocation))
	assert.Nil(t, ev.Props.Get(goical.PropDescription))
	assert.NotNil(t, ev.Props.Get(goical.PropDateTimeStamp))
	assert.NotEmpty(t, ev.Props.Get(goical.PropUID).Value)
}

func TestBuild_PointEventAndUTC(t *testing.T) {
	occ := model.Occurrence{
		RecordID:    "r",
		InstanceKey: "k",
		Start:       time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}

	doc, err := NewBuilder().Build([]model.Occurrence{occ}, model.FeedMeta{Stamp: fixedStamp})
	require.NoError(t, err)

	out := doc.String()
	assert.Contains(t, out, "DTSTART:20240601T100000Z")
	assert.NotContains(t, out, "DTEND")
	assert.NotContains(t, out, "DURATION")
	assert.NotContains(t, out, "SUMMARY")
}

func TestBuild_EscapesText(t *testing.T) {
	occ := standup(t)
	occ.Summary = `Retro, planning; and \ more`
	occ.Location = "Room 4, Floor 2"
	occ.Description = "Line one\nLine two"

	doc, err := NewBuilder().Build([]model.Occurrence{occ}, model.FeedMeta{Stamp: fixedStamp})
	require.NoError(t, err)

	events := decode(t, doc).Events()
	require.Len(t, events, 1)

	for prop, want := range map[string]string{
		goical.PropSummary:     occ.Summary,
		goical.PropLocation:    occ.Location,
		goical.PropDescription: occ.Description,
	} {
		got, err := events[0].Props.Text(prop)
		require.NoError(t, err)
		assert.Equal(t, want, got, prop)
	}
}

func TestBuild_UsesCRLF(t *testing.T) {
	doc, err := NewBuilder().Build([]model.Occurrence{standup(t)}, model.FeedMeta{Title: "Team", Stamp: fixedStamp})
	require.NoError(t, err)

	for _, out := range []string{doc.String(), string(doc.Bytes())} {
		assert.True(t, strings.HasSuffix(out, "END:VCALENDAR\r\n"))
		assert.Equal(t, strings.Count(out, "\n"), strings.Count(out, "\r\n"), "bare LF in output")
	}

	var buf bytes.Buffer
	_, err = doc.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, doc.String(), buf.String())
}

func TestBuild_FoldsLongLines(t *testing.T) {
	descriptions := map[string]string{
		"ascii":     strings.Repeat("a long description ", 20),
		"multibyte": strings.Repeat("長い説明文です。", 30),
		"mixed":     strings.Repeat("Café ☕ über 日本 ", 15),
	}

	for name, description := range descriptions {
		t.Run(name, func(t *testing.T) {
			occ := standup(t)
			occ.Description = description

			doc, err := NewBuilder().Build([]model.Occurrence{occ}, model.FeedMeta{Stamp: fixedStamp})
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSuffix(doc.String(), "\r\n"), "\r\n")
			assert.Greater(t, len(lines), 1)
			for _, line := range lines {
				assert.LessOrEqual(t, len(line), 75, line)
				assert.True(t, utf8.ValidString(line), line)
			}

			got, err := decode(t, doc).Events()[0].Props.Text(goical.PropDescription)
			require.NoError(t, err)
			assert.Equal(t, strings.TrimSpace(description), strings.TrimSpace(got))
		})
	}
}

func TestBuild_DefinesReferencedTimezones(t *testing.T) {
	berlin := mustLocation(t, "Europe/Berlin")
	occs := []model.Occurrence{
		standup(t),
		{RecordID: "node/2", InstanceKey: "a", Start: time.Date(2024, 1, 10, 9, 0, 0, 0, berlin)},
		{RecordID: "node/3", InstanceKey: "b", Start: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	doc, err := NewBuilder().Build(occs, model.FeedMeta{Stamp: fixedStamp})
	require.NoError(t, err)

	out := doc.String()
	assert.Less(t, strings.Index(out, "BEGIN:VTIMEZONE"), strings.Index(out, "BEGIN:VEVENT"))
	assert.Equal(t, 2, strings.Count(out, "BEGIN:VTIMEZONE"))
	assert.Less(t, strings.Index(out, "TZID:America/New_York"), strings.Index(out, "TZID:Europe/Berlin"))

	cal := decode(t, doc)
	var tzids []string
	for _, child := range cal.Children {
		if child.Name != goical.CompTimezone {
			continue
		}
		tzid, err := child.Props.Text(goical.PropTimezoneID)
		require.NoError(t, err)
		tzids = append(tzids, tzid)

		kinds := map[string]int{}
		for _, obs := range child.Children {
			kinds[obs.Name]++
			require.NotNil(t, obs.Props.Get(goical.PropDateTimeStart))
			require.NotNil(t, obs.Props.Get(goical.PropTimezoneOffsetFrom))
			require.NotNil(t, obs.Props.Get(goical.PropTimezoneOffsetTo))
		}
		assert.Positive(t, kinds[goical.CompTimezoneStandard], tzid)
		assert.Positive(t, kinds[goical.CompTimezoneDaylight], tzid)
	}
	assert.Equal(t, []string{"America/New_York", "Europe/Berlin"}, tzids)

	// New York 2024: in force on Jan 1, DST from Mar 10, back on Nov 3.
	assert.Contains(t, out, "BEGIN:DAYLIGHT\r\nDTSTART:20240310T020000\r\nTZOFFSETFROM:-0500\r\nTZOFFSETTO:-0400\r\nTZNAME:EDT\r\n")
	assert.Contains(t, out, "BEGIN:STANDARD\r\nDTSTART:20241103T020000\r\nTZOFFSETFROM:-0400\r\nTZOFFSETTO:-0500\r\nTZNAME:EST\r\n")
	assert.Contains(t, out, "BEGIN:STANDARD\r\nDTSTART:20240101T000000\r\nTZOFFSETFROM:-0500\r\nTZOFFSETTO:-0500\r\nTZNAME:EST\r\n")
}

func TestBuild_UTCOnlyHasNoTimezones(t *testing.T) {
	occ := standup(t)
	occ.Start, occ.End = occ.Start.UTC(), occ.End.UTC()
	doc, err := NewBuilder().Build([]model.Occurrence{occ}, model.FeedMeta{Stamp: fixedStamp})
	require.NoError(t, err)
	assert.NotContains(t, doc.String(), "VTIMEZONE")
}

func TestBuild_ZonesWithoutIANAName(t *testing.T) {
	occ := standup(t)
	occ.Start = time.Date(2024, 6, 1, 6, 0, 0, 0, time.FixedZone("", -4*3600))
	occ.End = occ.Start.Add(2 * time.Hour).In(time.Local)

	doc, err := NewBuilder().Build([]model.Occurrence{occ}, model.FeedMeta{Timezone: "Local", Stamp: fixedStamp})
	require.NoError(t, err)

	out := doc.String()
	assert.Contains(t, out, "DTSTART:20240601T100000Z\r\n")
	assert.Contains(t, out, "DTEND:20240601T120000Z\r\n")
	assert.NotContains(t, out, "TZID")
	assert.NotContains(t, out, "X-WR-TIMEZONE")
	assert.NotContains(t, out, "VTIMEZONE")
}

func TestBuild_StableIdentifiers(t *testing.T) {
	occs := []model.Occurrence{standup(t), standup(t), standup(t)}
	occs[1].InstanceKey = "2024-06-08T10:00:00Z"
	occs[2].RecordID = "node/2"
	meta := model.FeedMeta{Link: "https://example.com/team", Stamp: fixedStamp}

	first, err := NewBuilder().Build(occs, meta)
	require.NoError(t, err)
	second, err := NewBuilder().Build(occs, meta)
	require.NoError(t, err)

	assert.Equal(t, first.String(), second.String())

	uids := func(doc *Document) []string {
		var out []string
		for _, ev := range decode(t, doc).Events() {
			out = append(out, ev.Props.Get(goical.PropUID).Value)
		}
		return out
	}
	a, b := uids(first), uids(second)
	assert.Equal(t, a, b)
	require.Len(t, a, 3)
	assert.NotEqual(t, a[0], a[1])
	assert.NotEqual(t, a[0], a[2])

	other, err := NewBuilder().Build(occs, model.FeedMeta{Link: "https://example.com/other", Stamp: fixedStamp})
	require.NoError(t, err)
	assert.NotEqual(t, a[0], uids(other)[0])
}

func TestBuild_DuplicateOccurrencesGetDistinctIdentifiers(t *testing.T) {
	doc, err := NewBuilder().Build([]model.Occurrence{standup(t), standup(t)}, model.FeedMeta{Stamp: fixedStamp})
	require.NoError(t, err)

	events := decode(t, doc).Events()
	require.Len(t, events, 2)
	assert.NotEqual(t, events[0].Props.Get(goical.PropUID).Value, events[1].Props.Get(goical.PropUID).Value)
}

func TestBuild_KeepsInputOrder(t *testing.T) {
	var occs []model.Occurrence
	for i, summary := range []string{"third", "first", "second"} {
		occ := standup(t)
		occ.Summary = summary
		occ.InstanceKey = string(rune('a' + i))
		occ.Start = occ.Start.AddDate(0, 0, 2-i)
		occ.End = occ.Start.Add(time.Hour)
		occs = append(occs, occ)
	}

	doc, err := NewBuilder().Build(occs, model.FeedMeta{Stamp: fixedStamp})
	require.NoError(t, err)

	events := decode(t, doc).Events()
	require.Len(t, events, 3)
	for i, ev := range events {
		got, err := ev.Props.Text(goical.PropSummary)
		require.NoError(t, err)
		assert.Equal(t, occs[i].Summary, got)
	}
}

func TestBuild_UsesClockWhenNoStamp(t *testing.T) {
	b := &Builder{Now: func() time.Time { return fixedStamp }}
	doc, err := b.Build([]model.Occurrence{standup(t)}, model.FeedMeta{})
	require.NoError(t, err)
	assert.Contains(t, doc.String(), "DTSTAMP:20240501T000000Z")
}

func TestBuild_RejectsInvalidOccurrences(t *testing.T) {
	inverted := standup(t)
	inverted.End = inverted.Start.Add(-time.Minute)

	tests := []struct {
		name string
		occ  model.Occurrence
	}{
		{name: "missing start", occ: model.Occurrence{RecordID: "r"}},
		{name: "inverted", occ: inverted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := NewBuilder().Build([]model.Occurrence{tt.occ}, model.FeedMeta{Stamp: fixedStamp})
			assert.Error(t, err)
			assert.Nil(t, doc)
		})
	}
}

func TestBuild_ExpandedRecordsEndToEnd(t *testing.T) {
	e := newTestExpander(t, "when")
	ny := mustLocation(t, "America/New_York")
	rec := testRecord{id: "node/1", fields: map[string]model.FieldValue{
		"when":  model.Dates(model.DateEntry{Value: "2024-06-01T10:00:00", EndValue: "2024-06-01T12:00:00"}),
		"title": model.Text("Standup"),
		"body":  model.Text("<b>Party</b>"),
	}}

	occs, err := e.ExpandAll([]model.SourceRecord{rec}, ny)
	require.NoError(t, err)

	doc, err := NewBuilder().Build(occs, model.FeedMeta{Title: "Team", Stamp: fixedStamp})
	require.NoError(t, err)

	out := doc.String()
	assert.Contains(t, out, "DESCRIPTION:Party")
	assert.NotContains(t, out, "<b>")

	start := decode(t, doc).Events()[0].Props.Get(goical.PropDateTimeStart)
	assert.Equal(t, "America/New_York", start.Params.Get(goical.ParamTimezoneID))
}
