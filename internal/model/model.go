package model

import "time"

// FieldMapping names the record fields that play a calendar role.
// DateField is required; the others are optional.
type FieldMapping struct {
	DateField        string `yaml:"date_field" toml:"date_field" json:"date_field"`
	SummaryField     string `yaml:"summary_field" toml:"summary_field" json:"summary_field,omitempty"`
	LocationField    string `yaml:"location_field" toml:"location_field" json:"location_field,omitempty"`
	DescriptionField string `yaml:"description_field" toml:"description_field" json:"description_field,omitempty"`
}

// DateKind classifies the shape of a record's date field.
type DateKind string

const (
	KindInstant      DateKind = "instant"
	KindInstantRange DateKind = "instant_range"
	KindRecurring    DateKind = "recurring"
)

func (k DateKind) Valid() bool {
	switch k {
	case KindInstant, KindInstantRange, KindRecurring:
		return true
	}
	return false
}

// DateFieldDescriptor describes the configured date field. TimezoneOverride
// is an IANA zone name that wins over the fallback zone when set.
type DateFieldDescriptor struct {
	Field            string
	Kind             DateKind
	TimezoneOverride string
}

// SourceRecord is one content record handed over by the query layer.
type SourceRecord interface {
	ID() string
	Field(name string) FieldValue
}

type FieldValueKind int

const (
	FieldMissing FieldValueKind = iota
	FieldDates
	FieldRecurrence
	FieldText
)

func (k FieldValueKind) String() string {
	switch k {
	case FieldDates:
		return "dates"
	case FieldRecurrence:
		return "recurrence"
	case FieldText:
		return "text"
	default:
		return "missing"
	}
}

// FieldValue is a tagged value; only the member matching Kind is set.
type FieldValue struct {
	Kind        FieldValueKind
	Dates       []DateEntry
	Recurrences []RecurrenceHelper
	Text        string
}

func Missing() FieldValue {
	return FieldValue{Kind: FieldMissing}
}

func Dates(entries ...DateEntry) FieldValue {
	return FieldValue{Kind: FieldDates, Dates: entries}
}

func Recurrence(helpers ...RecurrenceHelper) FieldValue {
	return FieldValue{Kind: FieldRecurrence, Recurrences: helpers}
}

func Text(s string) FieldValue {
	return FieldValue{Kind: FieldText, Text: s}
}

// DateEntry is one stored value of a date or date range field. Both values
// are UTC wall-clock strings such as "2024-06-01T10:00:00".
type DateEntry struct {
	Value    string `yaml:"value" json:"value"`
	EndValue string `yaml:"end_value,omitempty" json:"end_value,omitempty"`
}

// DateRange is one concrete instance produced by a recurrence helper.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// RecurrenceHelper expands a recurrence rule into concrete ranges. Any
// occurrence ceiling is the helper's own business.
type RecurrenceHelper interface {
	Occurrences() ([]DateRange, error)
}

// Occurrence represents a single concrete calendar event instance
// after expansion and timezone normalization.
type Occurrence struct {
	RecordID string

	// InstanceKey identifies the instance within its record, derived from
	// the UTC start time.
	InstanceKey string

	// Start / End carry the effective display location. A zero End means
	// the event has no end.
	Start time.Time
	End   time.Time

	// Empty strings are absent properties.
	Summary     string
	Location    string
	Description string
}

func (o Occurrence) HasEnd() bool {
	return !o.End.IsZero()
}

// FeedMeta carries the feed-level identity of a rendered calendar.
type FeedMeta struct {
	// ID namespaces event UIDs; defaults to Link, then Title.
	ID        string
	Title     string
	Link      string
	ProductID string
	// Timezone is advertised as X-WR-TIMEZONE when it is an IANA name.
	Timezone string
	// Stamp is written as DTSTAMP on every event.
	Stamp time.Time
}
