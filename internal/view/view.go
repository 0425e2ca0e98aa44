// Package view turns a configured view and its records into a calendar feed.
package view

import (
	"fmt"
	"time"

	"viewsical/internal/config"
	"viewsical/internal/datetime"
	"viewsical/internal/ics"
	"viewsical/internal/model"
)

// Strategy renders the records of one view.
type Strategy interface {
	Name() string
	Meta() model.FeedMeta
	Occurrences(records []model.SourceRecord) ([]model.Occurrence, error)
	Render(records []model.SourceRecord) (*ics.Document, error)
}

// View is the per-view rendering configuration.
type View struct {
	Name     string
	Mapping  model.FieldMapping
	Meta     model.FeedMeta
	Fallback *time.Location
}

// DateStrategy renders one event per occurrence of the mapped date field.
type DateStrategy struct {
	view     View
	expander *ics.Expander
	builder  *ics.Builder
}

var _ Strategy = (*DateStrategy)(nil)

// NewDateStrategy validates v.Mapping against fields. A nil builder uses the
// wall clock for DTSTAMP.
func NewDateStrategy(v View, fields ics.FieldResolver, builder *ics.Builder) (*DateStrategy, error) {
	expander, err := ics.NewExpander(v.Mapping, fields)
	if err != nil {
		return nil, err
	}
	if builder == nil {
		builder = ics.NewBuilder()
	}
	if v.Fallback == nil {
		v.Fallback = time.UTC
	}
	if v.Meta.Timezone == "" {
		v.Meta.Timezone = expander.Descriptor().TimezoneOverride
	}
	if v.Meta.Timezone == "" && datetime.IsZoneName(v.Fallback.String()) {
		v.Meta.Timezone = v.Fallback.String()
	}
	return &DateStrategy{view: v, expander: expander, builder: builder}, nil
}

// FromConfig builds the strategy for vc using the global fallback zone.
func FromConfig(cfg *config.Config, vc config.ViewConfig, builder *ics.Builder) (*DateStrategy, error) {
	fallback, err := datetime.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", vc.Name, err)
	}

	id := vc.Link
	if id == "" {
		id = "view:" + vc.Name
	}
	title := vc.Title
	if title == "" {
		title = vc.Name
	}

	s, err := NewDateStrategy(View{
		Name:    vc.Name,
		Mapping: vc.Mapping,
		Meta: model.FeedMeta{
			ID:        id,
			Title:     title,
			Link:      vc.Link,
			ProductID: vc.ProdID,
		},
		Fallback: fallback,
	}, vc.Fields, builder)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", vc.Name, err)
	}
	return s, nil
}

// All builds a strategy for every configured view, keyed by name.
func All(cfg *config.Config, builder *ics.Builder) (map[string]Strategy, error) {
	out := make(map[string]Strategy, len(cfg.Views))
	for _, vc := range cfg.Views {
		s, err := FromConfig(cfg, vc, builder)
		if err != nil {
			return nil, err
		}
		out[vc.Name] = s
	}
	return out, nil
}

func (s *DateStrategy) Name() string {
	return s.view.Name
}

func (s *DateStrategy) Meta() model.FeedMeta {
	return s.view.Meta
}

// Occurrences expands records in order. Any error aborts the whole render.
func (s *DateStrategy) Occurrences(records []model.SourceRecord) ([]model.Occurrence, error) {
	return s.expander.ExpandAll(records, s.view.Fallback)
}

func (s *DateStrategy) Render(records []model.SourceRecord) (*ics.Document, error) {
	occs, err := s.Occurrences(records)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(occs, s.view.Meta)
}
