package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"viewsical/internal/config"
	"viewsical/internal/datetime"
	"viewsical/internal/ics"
	appLog "viewsical/internal/log"
	"viewsical/internal/model"
	"viewsical/internal/source"
	"viewsical/internal/view"
)

// RecordSource hands out the current records of a view.
type RecordSource interface {
	Records(ctx context.Context, name string) ([]model.SourceRecord, error)
}

// loadTimes is implemented by record sources that know when each view was
// last loaded.
type loadTimes interface {
	LoadedAt(name string) (time.Time, bool)
}

// Server publishes every configured view as an iCalendar feed plus a JSON
// occurrence listing.
type Server struct {
	cfg     *config.Config
	views   map[string]view.Strategy
	records RecordSource
	router  *mux.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, views map[string]view.Strategy, records RecordSource) *Server {
	s := &Server{
		cfg:     cfg,
		views:   views,
		records: records,
		router:  mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the full middleware stack: proxy headers, access log,
// optional CORS and basic auth.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		h = s.basicAuthMiddleware(h)
	}
	if s.cfg != nil && len(s.cfg.CORSOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodOptions}),
			handlers.ExposedHeaders([]string{"Link", "Content-Disposition"}),
		)(h)
	}
	h = handlers.CombinedLoggingHandler(appLog.Writer("http access"), h)
	return handlers.ProxyHeaders(h)
}

// ListenAndServe serves on cfg.Listen until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "views", len(s.views))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="viewsical", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/views/{name:[^/.]+}.ics", s.handleFeed).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/api/views", s.handleViews).Methods(http.MethodGet)
	s.router.HandleFunc("/api/views/{name}/occurrences", s.handleOccurrences).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFeed renders GET /views/{name}.ics.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	strategy, records, ok := s.load(w, r)
	if !ok {
		return
	}

	doc, err := strategy.Render(records)
	if err != nil {
		appLog.Error("feed render failed", err, "view", strategy.Name(), "typed", ics.IsRenderError(err))
		writeError(w, http.StatusInternalServerError, "failed to render calendar")
		return
	}

	body := doc.Bytes()
	setFeedLink(w, r, strategy)
	w.Header().Set("Content-Type", ics.ContentType)
	w.Header().Set("Content-Disposition", "inline; filename="+strategy.Name()+".ics")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		appLog.Error("failed to write calendar", err, "view", strategy.Name())
	}
}

// viewDTO describes a published view.
type viewDTO struct {
	Name     string     `json:"name"`
	Title    string     `json:"title"`
	Timezone string     `json:"timezone"`
	FeedURL  string     `json:"feed_url"`
	LoadedAt *time.Time `json:"loaded_at,omitempty"`
}

func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	lt, _ := s.records.(loadTimes)

	out := make([]viewDTO, 0, len(s.views))
	if s.cfg != nil {
		// Config order, not map order.
		for _, vc := range s.cfg.Views {
			strategy, ok := s.views[vc.Name]
			if !ok {
				continue
			}
			meta := strategy.Meta()
			dto := viewDTO{
				Name:     strategy.Name(),
				Title:    meta.Title,
				Timezone: meta.Timezone,
				FeedURL:  feedURL(r, strategy.Name(), ""),
			}
			if lt != nil {
				if at, ok := lt.LoadedAt(vc.Name); ok {
					dto.LoadedAt = &at
				}
			}
			out = append(out, dto)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// occurrencesResponse is the JSON response shape for
// /api/views/{name}/occurrences.
type occurrencesResponse struct {
	View        string          `json:"view"`
	Title       string          `json:"title"`
	Timezone    string          `json:"timezone"`
	Occurrences []occurrenceDTO `json:"occurrences"`
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	RecordID    string     `json:"record_id"`
	InstanceKey string     `json:"instance_key"`
	Summary     string     `json:"summary,omitempty"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
}

// handleOccurrences lists the expanded occurrences of a view as JSON.
//
// GET /api/views/{name}/occurrences?tz=Europe/Berlin
//   - tz: optional display zone for start/end; the feed's zone otherwise.
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	strategy, records, ok := s.load(w, r)
	if !ok {
		return
	}

	occs, err := strategy.Occurrences(records)
	if err != nil {
		appLog.Error("api occurrences: expand failed", err, "view", strategy.Name())
		writeError(w, http.StatusInternalServerError, "failed to expand occurrences")
		return
	}

	meta := strategy.Meta()
	timezone := meta.Timezone
	var display *time.Location
	if tz := r.URL.Query().Get("tz"); tz != "" {
		display = datetime.LocationOrUTC(tz)
		timezone = display.String()
	}

	dtos := make([]occurrenceDTO, 0, len(occs))
	for _, occ := range occs {
		if display != nil {
			occ.Start = occ.Start.In(display)
			if occ.HasEnd() {
				occ.End = occ.End.In(display)
			}
		}
		dto := occurrenceDTO{
			RecordID:    occ.RecordID,
			InstanceKey: occ.InstanceKey,
			Summary:     occ.Summary,
			Description: occ.Description,
			Location:    occ.Location,
			Start:       occ.Start,
		}
		if occ.HasEnd() {
			end := occ.End
			dto.End = &end
		}
		dtos = append(dtos, dto)
	}

	setFeedLink(w, r, strategy)
	writeJSON(w, http.StatusOK, occurrencesResponse{
		View:        strategy.Name(),
		Title:       meta.Title,
		Timezone:    timezone,
		Occurrences: dtos,
	})
}

// load resolves the view named in the route and its records, writing the
// error response itself when it returns false.
func (s *Server) load(w http.ResponseWriter, r *http.Request) (view.Strategy, []model.SourceRecord, bool) {
	name := mux.Vars(r)["name"]
	strategy, ok := s.views[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown view")
		return nil, nil, false
	}

	records, err := s.records.Records(r.Context(), name)
	if err != nil {
		if errors.Is(err, source.ErrUnknownView) {
			writeError(w, http.StatusNotFound, "unknown view")
			return nil, nil, false
		}
		appLog.Error("records unavailable", err, "view", name)
		writeError(w, http.StatusServiceUnavailable, "records unavailable")
		return nil, nil, false
	}
	return strategy, records, true
}

// setFeedLink advertises the view's feed as an alternate representation,
// carrying over the request's query string.
func setFeedLink(w http.ResponseWriter, r *http.Request, strategy view.Strategy) {
	title := strings.ReplaceAll(strategy.Meta().Title, `"`, `\"`)
	link := "<" + feedURL(r, strategy.Name(), r.URL.RawQuery) + `>; rel="alternate"; type="text/calendar"; title="` + title + `"`
	w.Header().Add("Link", link)
}

func feedURL(r *http.Request, name, rawQuery string) string {
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     "/views/" + name + ".ics",
		RawQuery: rawQuery,
	}
	return u.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
