// Package server provides the admin HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/bryan-buckman/newsrelay/internal/model"
	"github.com/bryan-buckman/newsrelay/internal/opml"
	"github.com/bryan-buckman/newsrelay/internal/rss"
	"github.com/bryan-buckman/newsrelay/internal/session"
	"github.com/bryan-buckman/newsrelay/internal/sources"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// maxPostBytes caps request bodies, OPML uploads included.
const maxPostBytes = 4 << 20

// Server is the admin HTTP server.
type Server struct {
	db       database.Store
	fetcher  *rss.Fetcher
	sources  *sources.Registry
	sessions *session.Manager
	token    string
	logger   *logging.Logger
	router   chi.Router
	http     *http.Server
}

// New creates a new server. A non-empty token is required as a bearer
// token on every /api route.
func New(db database.Store, fetcher *rss.Fetcher, token string, logger *logging.Logger) *Server {
	logger = logger.WithComponent("server")
	s := &Server{
		db:       db,
		fetcher:  fetcher,
		sources:  sources.NewRegistry(db, logger),
		sessions: session.NewManager(db, logger),
		token:    token,
		logger:   logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/posts", s.handleListPosts)
		r.Post("/posts", s.handleEnqueue)
		r.Get("/posts/{postID}", s.handleGetPost)
		r.Get("/stats", s.handleStats)

		r.Get("/sources", s.handleListSources)
		r.Post("/sources", s.handleAddSources)
		r.Delete("/sources/{sourceID}", s.handleDeleteSource)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)

		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
		r.Post("/refresh", s.handleRefresh)

		r.Get("/sessions/{moderatorID}", s.handleGetSession)
	})

	s.router = r
}

// Start serves on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"database": s.db.DatabaseType(),
	})
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	posts, err := s.db.ListPosts(status, limit)
	if err != nil {
		s.internalError(w, "list posts", err)
		return
	}
	if posts == nil {
		posts = []model.Post{}
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid post id")
		return
	}
	post, err := s.db.GetPost(id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	if err != nil {
		s.internalError(w, "get post", err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID string `json:"source_id"`
		Text     string `json:"text"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.SourceID == "" {
		req.SourceID = "api"
	}
	id, err := s.db.Enqueue(req.SourceID, req.Text)
	if err != nil {
		s.internalError(w, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "id": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.CountByStatus()
	if err != nil {
		s.internalError(w, "count posts", err)
		return
	}
	unnotified, err := s.db.ListUnnotified()
	if err != nil {
		s.internalError(w, "list unnotified", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_status":  counts,
		"unnotified": len(unnotified),
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	list, err := s.sources.List()
	if err != nil {
		s.internalError(w, "list sources", err)
		return
	}
	if list == nil {
		list = []model.Source{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddSources(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refs []string `json:"refs"`
	}
	if err := decodeJSON(w, r, &req); err != nil || len(req.Refs) == 0 {
		writeError(w, http.StatusBadRequest, "refs are required")
		return
	}
	res, err := s.sources.Add(strings.Join(req.Refs, " "))
	if err != nil {
		s.internalError(w, "add sources", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"added":    nonNil(res.Changed),
		"existing": nonNil(res.Unchanged),
		"invalid":  nonNil(res.Invalid),
	})
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sourceID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	err = s.db.DeleteSource(id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		s.internalError(w, "delete source", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPostBytes)
	file, _, err := r.FormFile("opml")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	imported, err := opml.Import(s.db, file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("import failed: %v", err))
		return
	}
	s.logger.Info("opml imported", "new_sources", imported)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "imported": imported})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	list, err := s.db.GetSourcesByKind(model.SourceFeed)
	if err != nil {
		s.internalError(w, "list feeds", err)
		return
	}
	data, err := opml.Export("newsrelay feeds", list)
	if err != nil {
		s.internalError(w, "export opml", err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=newsrelay-feeds.opml")
	w.Write(data)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	interval, err := s.db.GetPollingInterval()
	if err != nil {
		s.internalError(w, "polling interval", err)
		return
	}
	enabled, err := s.db.MonitoringEnabled()
	if err != nil {
		s.internalError(w, "monitoring flag", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"polling_interval":   interval,
		"monitoring_enabled": enabled,
	})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PollingInterval   *int  `json:"polling_interval"`
		MonitoringEnabled *bool `json:"monitoring_enabled"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.PollingInterval != nil {
		mins := *req.PollingInterval
		if mins < database.MinPollingIntervalMinutes {
			mins = database.MinPollingIntervalMinutes
		}
		if err := s.db.SetSetting(model.SettingPollingInterval, strconv.Itoa(mins)); err != nil {
			s.internalError(w, "save polling interval", err)
			return
		}
	}
	if req.MonitoringEnabled != nil {
		if err := s.db.SetMonitoringEnabled(*req.MonitoringEnabled); err != nil {
			s.internalError(w, "save monitoring flag", err)
			return
		}
	}
	s.handleGetSettings(w, r)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	results, err := s.fetcher.FetchAll(ctx)
	if err != nil {
		s.internalError(w, "refresh feeds", err)
		return
	}
	total := 0
	for _, c := range results {
		total += c
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"new_posts": total,
		"feeds":     len(results),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	moderatorID, err := strconv.ParseInt(chi.URLParam(r, "moderatorID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid moderator id")
		return
	}
	state, err := s.db.GetModeratorState(moderatorID)
	if err != nil {
		s.internalError(w, "moderator state", err)
		return
	}
	sess, err := s.sessions.Get(moderatorID)
	if errors.Is(err, session.ErrNoSession) {
		writeJSON(w, http.StatusOK, map[string]any{"state": state, "session": nil})
		return
	}
	if err != nil {
		s.internalError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   state,
		"session": sess,
		"active":  sess.Active(),
	})
}

// --- Helpers ---

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPostBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
