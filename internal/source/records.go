// Package source supplies the ordered content records a view renders: it
// decodes record documents from files or URLs and keeps the latest snapshot
// per view.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"viewsical/internal/model"
	"viewsical/internal/recur"
)

// Record is a decoded content record.
type Record struct {
	id     string
	fields map[string]model.FieldValue
}

var _ model.SourceRecord = (*Record)(nil)

func NewRecord(id string, fields map[string]model.FieldValue) *Record {
	return &Record{id: id, fields: fields}
}

func (r *Record) ID() string { return r.id }

func (r *Record) Field(name string) model.FieldValue {
	v, ok := r.fields[name]
	if !ok {
		return model.Missing()
	}
	return v
}

// document is the on-disk / on-wire shape. JSON documents decode through
// the YAML decoder as well.
type document struct {
	Records []recordDoc `yaml:"records"`
}

type recordDoc struct {
	ID     string              `yaml:"id"`
	Fields map[string]fieldDoc `yaml:"fields"`
}

// fieldDoc holds exactly one of Text, Dates or Recur. A bare scalar is
// shorthand for text.
type fieldDoc struct {
	Text  *string           `yaml:"text"`
	Dates []model.DateEntry `yaml:"dates"`
	Recur []recur.Spec      `yaml:"recur"`
}

func (f *fieldDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		f.Text = &s
		return nil
	}

	type plain fieldDoc
	return node.Decode((*plain)(f))
}

func (f fieldDoc) value() (model.FieldValue, error) {
	set := 0
	if f.Text != nil {
		set++
	}
	if f.Dates != nil {
		set++
	}
	if f.Recur != nil {
		set++
	}
	if set > 1 {
		return model.FieldValue{}, errors.New("field sets more than one of text, dates, recur")
	}

	switch {
	case f.Text != nil:
		return model.Text(*f.Text), nil
	case f.Dates != nil:
		return model.Dates(f.Dates...), nil
	case f.Recur != nil:
		helpers := make([]model.RecurrenceHelper, 0, len(f.Recur))
		for _, spec := range f.Recur {
			helpers = append(helpers, spec)
		}
		return model.Recurrence(helpers...), nil
	default:
		return model.Missing(), nil
	}
}

// Decode reads a record document. Record order is preserved.
func Decode(r io.Reader) ([]model.SourceRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return decodeBytes(data)
}

func decodeBytes(data []byte) ([]model.SourceRecord, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []model.SourceRecord{}, nil
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode record document: %w", err)
	}

	seen := make(map[string]bool, len(doc.Records))
	out := make([]model.SourceRecord, 0, len(doc.Records))
	for i, rd := range doc.Records {
		if rd.ID == "" {
			return nil, fmt.Errorf("record %d: missing id", i)
		}
		if seen[rd.ID] {
			return nil, fmt.Errorf("record %d: duplicate id %q", i, rd.ID)
		}
		seen[rd.ID] = true

		fields := make(map[string]model.FieldValue, len(rd.Fields))
		for name, fd := range rd.Fields {
			v, err := fd.value()
			if err != nil {
				return nil, fmt.Errorf("record %s: field %s: %w", rd.ID, name, err)
			}
			fields[name] = v
		}
		out = append(out, NewRecord(rd.ID, fields))
	}
	return out, nil
}

// Loader is the query/result provider of a view.
type Loader interface {
	Load(ctx context.Context) ([]model.SourceRecord, error)
}

// FileLoader reads a record document from disk on every load.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(_ context.Context) ([]model.SourceRecord, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, err
	}
	records, err := decodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Path, err)
	}
	return records, nil
}

// URLLoader fetches a record document over HTTP.
type URLLoader struct {
	URL     string
	Fetcher *Fetcher
}

func (l URLLoader) Load(ctx context.Context) ([]model.SourceRecord, error) {
	res, err := l.Fetcher.Fetch(ctx, l.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", redactURL(l.URL), err)
	}
	return res.Records, nil
}

// NewLoader picks a loader for a configured source; exactly one of file and
// rawURL must be set.
func NewLoader(file, rawURL string, fetcher *Fetcher) (Loader, error) {
	switch {
	case file != "" && rawURL != "":
		return nil, errors.New("source sets both file and url")
	case file != "":
		return FileLoader{Path: file}, nil
	case rawURL != "":
		if fetcher == nil {
			return nil, errors.New("url source needs a fetcher")
		}
		return URLLoader{URL: rawURL, Fetcher: fetcher}, nil
	default:
		return nil, errors.New("source needs a file or url")
	}
}
