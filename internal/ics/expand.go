package ics

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"viewsical/internal/datetime"
	appLog "viewsical/internal/log"
	"viewsical/internal/model"
)

// FieldInfo is what the field-metadata provider reports for one field.
// Kind is empty for fields that hold plain text.
type FieldInfo struct {
	Kind             model.DateKind
	TimezoneOverride string
}

// FieldResolver is the field-metadata provider of the queried entity type.
type FieldResolver interface {
	Describe(name string) (FieldInfo, bool)
}

// Expander turns source records into occurrences according to one field
// mapping. It holds no mutable state and is safe for concurrent renders.
type Expander struct {
	mapping    model.FieldMapping
	descriptor model.DateFieldDescriptor
}

// NewExpander validates mapping against the field-metadata provider. Every
// failure is a *ConfigError.
func NewExpander(mapping model.FieldMapping, fields FieldResolver) (*Expander, error) {
	if mapping.DateField == "" {
		return nil, &ConfigError{Reason: "date_field is required"}
	}
	if fields == nil {
		return nil, &ConfigError{Reason: "no field metadata provider"}
	}

	info, ok := fields.Describe(mapping.DateField)
	if !ok {
		return nil, &ConfigError{Field: mapping.DateField, Reason: "unknown field"}
	}
	if !info.Kind.Valid() {
		return nil, &ConfigError{Field: mapping.DateField, Reason: "not a date field"}
	}
	if info.TimezoneOverride != "" {
		if _, err := datetime.LoadLocation(info.TimezoneOverride); err != nil {
			return nil, &ConfigError{Field: mapping.DateField, Reason: "invalid timezone override", Err: err}
		}
	}

	for _, name := range []string{mapping.SummaryField, mapping.LocationField, mapping.DescriptionField} {
		if name == "" {
			continue
		}
		if _, ok := fields.Describe(name); !ok {
			return nil, &ConfigError{Field: name, Reason: "unknown field"}
		}
	}

	return &Expander{
		mapping: mapping,
		descriptor: model.DateFieldDescriptor{
			Field:            mapping.DateField,
			Kind:             info.Kind,
			TimezoneOverride: info.TimezoneOverride,
		},
	}, nil
}

// Descriptor returns the classified date field of the mapping.
func (e *Expander) Descriptor() model.DateFieldDescriptor {
	return e.descriptor
}

// ExpandAll expands records in order and stops at the first error; no
// partial result is returned.
func (e *Expander) ExpandAll(records []model.SourceRecord, fallback *time.Location) ([]model.Occurrence, error) {
	all := make([]model.Occurrence, 0, len(records))
	for _, rec := range records {
		occ, err := e.Expand(rec, e.descriptor, fallback)
		if err != nil {
			return nil, err
		}
		all = append(all, occ...)
	}
	return all, nil
}

// Expand produces the occurrences of one record. Times are converted to the
// descriptor's timezone override, or to fallback when there is none.
func (e *Expander) Expand(rec model.SourceRecord, desc model.DateFieldDescriptor, fallback *time.Location) ([]model.Occurrence, error) {
	loc, err := effectiveLocation(desc, fallback)
	if err != nil {
		return nil, err
	}

	tmpl, err := e.describe(rec)
	if err != nil {
		return nil, err
	}

	value := rec.Field(desc.Field)

	var out []model.Occurrence
	switch desc.Kind {
	case model.KindInstant, model.KindInstantRange:
		out, err = expandDates(rec, desc, value, tmpl, loc)
	case model.KindRecurring:
		out, err = expandRecurring(rec, desc, value, tmpl, loc)
	default:
		return nil, &ConfigError{Field: desc.Field, Reason: fmt.Sprintf("unsupported date kind %q", desc.Kind)}
	}
	if err != nil {
		return nil, err
	}

	appLog.Debug("expand: record expanded", "record", rec.ID(), "field", desc.Field, "occurrences", len(out))
	return out, nil
}

func effectiveLocation(desc model.DateFieldDescriptor, fallback *time.Location) (*time.Location, error) {
	if desc.TimezoneOverride != "" {
		loc, err := datetime.LoadLocation(desc.TimezoneOverride)
		if err != nil {
			return nil, &ConfigError{Field: desc.Field, Reason: "invalid timezone override", Err: err}
		}
		return loc, nil
	}
	if fallback == nil {
		return time.UTC, nil
	}
	return fallback, nil
}

func expandDates(rec model.SourceRecord, desc model.DateFieldDescriptor, value model.FieldValue, tmpl model.Occurrence, loc *time.Location) ([]model.Occurrence, error) {
	switch value.Kind {
	case model.FieldMissing:
		return nil, nil
	case model.FieldDates:
	default:
		return nil, &CapabilityError{RecordID: rec.ID(), Field: desc.Field, Want: "date", Got: value.Kind}
	}

	keys := newInstanceKeys()
	out := make([]model.Occurrence, 0, len(value.Dates))
	for _, entry := range value.Dates {
		start, err := datetime.ParseUTC(entry.Value)
		if err != nil {
			return nil, &ParseError{RecordID: rec.ID(), Field: desc.Field, Value: entry.Value, Err: err}
		}

		var end time.Time
		if strings.TrimSpace(entry.EndValue) != "" {
			end, err = datetime.ParseUTC(entry.EndValue)
			if err != nil {
				return nil, &ParseError{RecordID: rec.ID(), Field: desc.Field, Value: entry.EndValue, Err: err}
			}
			if end.Before(start) {
				return nil, &ParseError{RecordID: rec.ID(), Field: desc.Field, Value: entry.EndValue, Err: ErrInvertedRange}
			}
		}

		out = append(out, makeOccurrence(tmpl, start, end, loc, keys))
	}
	return out, nil
}

func expandRecurring(rec model.SourceRecord, desc model.DateFieldDescriptor, value model.FieldValue, tmpl model.Occurrence, loc *time.Location) ([]model.Occurrence, error) {
	switch value.Kind {
	case model.FieldMissing:
		return nil, nil
	case model.FieldRecurrence:
	default:
		return nil, &CapabilityError{RecordID: rec.ID(), Field: desc.Field, Want: "recurrence", Got: value.Kind}
	}

	keys := newInstanceKeys()
	out := make([]model.Occurrence, 0)
	for _, helper := range value.Recurrences {
		if helper == nil {
			return nil, &CapabilityError{RecordID: rec.ID(), Field: desc.Field, Want: "recurrence", Got: model.FieldMissing}
		}

		ranges, err := helper.Occurrences()
		if err != nil {
			return nil, &ParseError{RecordID: rec.ID(), Field: desc.Field, Err: err}
		}

		for _, rng := range ranges {
			if rng.Start.IsZero() {
				return nil, &ParseError{RecordID: rec.ID(), Field: desc.Field, Err: fmt.Errorf("recurrence instance without start")}
			}
			if !rng.End.IsZero() && rng.End.Before(rng.Start) {
				return nil, &ParseError{RecordID: rec.ID(), Field: desc.Field, Value: rng.End.Format(time.RFC3339), Err: ErrInvertedRange}
			}
			out = append(out, makeOccurrence(tmpl, rng.Start, rng.End, loc, keys))
		}
	}
	return out, nil
}

// describe reads the descriptive fields once per record into a template
// occurrence.
func (e *Expander) describe(rec model.SourceRecord) (model.Occurrence, error) {
	tmpl := model.Occurrence{RecordID: rec.ID()}

	var err error
	if tmpl.Summary, err = textField(rec, e.mapping.SummaryField); err != nil {
		return tmpl, err
	}
	if tmpl.Location, err = textField(rec, e.mapping.LocationField); err != nil {
		return tmpl, err
	}
	desc, err := textField(rec, e.mapping.DescriptionField)
	if err != nil {
		return tmpl, err
	}
	tmpl.Description = StripHTML(desc)

	return tmpl, nil
}

func textField(rec model.SourceRecord, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	v := rec.Field(name)
	switch v.Kind {
	case model.FieldMissing:
		return "", nil
	case model.FieldText:
		if strings.TrimSpace(v.Text) == "" {
			return "", nil
		}
		return v.Text, nil
	default:
		return "", &CapabilityError{RecordID: rec.ID(), Field: name, Want: "text", Got: v.Kind}
	}
}

var stripPolicy = bluemonday.StrictPolicy()

// StripHTML removes markup and decodes entities, leaving plain text.
func StripHTML(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
}

// makeOccurrence converts a start/end pair into loc and stamps it with the
// record's descriptive fields.
func makeOccurrence(tmpl model.Occurrence, start, end time.Time, loc *time.Location, keys instanceKeys) model.Occurrence {
	occ := tmpl
	occ.Start = start.In(loc)
	if !end.IsZero() {
		occ.End = end.In(loc)
	}
	occ.InstanceKey = keys.next(start)
	return occ
}

// instanceKeys derives per-record instance keys from the UTC start; repeated
// starts within one record get an ordinal suffix.
type instanceKeys map[string]int

func newInstanceKeys() instanceKeys {
	return make(instanceKeys)
}

func (k instanceKeys) next(start time.Time) string {
	key := start.UTC().Format(time.RFC3339Nano)
	n := k[key]
	k[key] = n + 1
	if n == 0 {
		return key
	}
	return key + "#" + strconv.Itoa(n)
}
