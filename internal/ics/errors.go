package ics

import (
	"errors"
	"fmt"

	"viewsical/internal/model"
)

// ErrInvertedRange is wrapped by a ParseError when an end precedes its start.
var ErrInvertedRange = errors.New("end is before start")

// ConfigError reports a field mapping that cannot be rendered: a missing
// date field, a field unknown to the entity, or a bad timezone override.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ParseError reports a date value that cannot be interpreted, naming the
// record and field it came from.
type ParseError struct {
	RecordID string
	Field    string
	Value    string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("record %s: field %s: %v", e.RecordID, e.Field, e.Err)
	}
	return fmt.Sprintf("record %s: field %s: cannot parse %q: %v", e.RecordID, e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// CapabilityError reports a record whose field value does not have the shape
// its descriptor promises, e.g. a recurring field without a recurrence helper.
type CapabilityError struct {
	RecordID string
	Field    string
	Want     string
	Got      model.FieldValueKind
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("record %s: field %s: expected %s value, got %s", e.RecordID, e.Field, e.Want, e.Got)
}
