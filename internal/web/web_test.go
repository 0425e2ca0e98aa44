package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewsical/internal/config"
	"viewsical/internal/ics"
	"viewsical/internal/model"
	"viewsical/internal/source"
	"viewsical/internal/view"
)

type staticRecords map[string][]model.SourceRecord

func (s staticRecords) Records(_ context.Context, name string) ([]model.SourceRecord, error) {
	if name == "down" {
		return nil, errors.New("upstream down")
	}
	records, ok := s[name]
	if !ok {
		return nil, source.ErrUnknownView
	}
	return records, nil
}

func testServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Timezone = "America/New_York"
	schema := config.Schema{
		"when":  {Type: "instant_range"},
		"title": {Type: config.FieldText},
	}
	mapping := model.FieldMapping{DateField: "when", SummaryField: "title"}
	cfg.Views = []config.ViewConfig{
		{Name: "events", Title: `Team "A" events`, Source: config.SourceConfig{File: "x"}, Fields: schema, Mapping: mapping},
		{Name: "broken", Title: "Broken", Source: config.SourceConfig{File: "x"}, Fields: schema, Mapping: mapping},
		{Name: "down", Title: "Down", Source: config.SourceConfig{File: "x"}, Fields: schema, Mapping: mapping},
	}
	if mutate != nil {
		mutate(cfg)
	}

	builder := &ics.Builder{Now: func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }}
	views, err := view.All(cfg, builder)
	require.NoError(t, err)

	records := staticRecords{
		"events": {
			source.NewRecord("node/1", map[string]model.FieldValue{
				"when":  model.Dates(model.DateEntry{Value: "2024-06-01T10:00:00", EndValue: "2024-06-01T12:00:00"}),
				"title": model.Text("Standup"),
			}),
		},
		"broken": {
			source.NewRecord("node/9", map[string]model.FieldValue{
				"when": model.Dates(model.DateEntry{Value: "garbage"}),
			}),
		},
	}

	srv := httptest.NewServer(NewServer(cfg, views, records).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := testServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFeed(t *testing.T) {
	srv := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/views/events.ics?tag=team")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ics.ContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, "inline; filename=events.ics", resp.Header.Get("Content-Disposition"))
	assert.Equal(t,
		`<`+srv.URL+`/views/events.ics?tag=team>; rel="alternate"; type="text/calendar"; title="Team \"A\" events"`,
		resp.Header.Get("Link"))

	cal, err := goical.NewDecoder(resp.Body).Decode()
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 1)

	start := events[0].Props.Get(goical.PropDateTimeStart)
	require.NotNil(t, start)
	assert.Equal(t, "20240601T060000", start.Value)
	assert.Equal(t, "America/New_York", start.Params.Get(goical.ParamTimezoneID))
}

func TestFeed_Errors(t *testing.T) {
	srv := testServer(t, nil)

	tests := []struct {
		path   string
		status int
	}{
		{path: "/views/missing.ics", status: http.StatusNotFound},
		{path: "/views/broken.ics", status: http.StatusInternalServerError},
		{path: "/views/down.ics", status: http.StatusServiceUnavailable},
		{path: "/api/views/missing/occurrences", status: http.StatusNotFound},
		{path: "/api/views/broken/occurrences", status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestOccurrences(t *testing.T) {
	srv := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/views/events/occurrences")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Link"), srv.URL+"/views/events.ics>")

	var got occurrencesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "events", got.View)
	assert.Equal(t, "America/New_York", got.Timezone)
	require.Len(t, got.Occurrences, 1)

	occ := got.Occurrences[0]
	assert.Equal(t, "node/1", occ.RecordID)
	assert.Equal(t, "Standup", occ.Summary)
	assert.True(t, occ.Start.Equal(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)))
	require.NotNil(t, occ.End)
	assert.True(t, occ.End.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)))
}

func TestViews(t *testing.T) {
	srv := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/views")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []viewDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 3)
	assert.Equal(t, "events", got[0].Name)
	assert.Equal(t, srv.URL+"/views/events.ics", got[0].FeedURL)
}

func TestBasicAuth(t *testing.T) {
	srv := testServer(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "cal", Password: "secret"}
	})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/views/events.ics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/views/events.ics", nil)
	require.NoError(t, err)
	req.SetBasicAuth("cal", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "SUMMARY:Standup")
}

func TestForwardedScheme(t *testing.T) {
	srv := testServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/views", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "cal.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []viewDTO
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.NotEmpty(t, got)
	assert.Equal(t, "https://cal.example.com/views/events.ics", got[0].FeedURL)
}

func TestOccurrences_DisplayZone(t *testing.T) {
	srv := testServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/views/events/occurrences?tz=Asia/Tokyo")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw struct {
		Timezone    string `json:"timezone"`
		Occurrences []struct {
			Start string `json:"start"`
		} `json:"occurrences"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "Asia/Tokyo", raw.Timezone)
	require.Len(t, raw.Occurrences, 1)
	assert.Equal(t, "2024-06-01T19:00:00+09:00", raw.Occurrences[0].Start)
}
