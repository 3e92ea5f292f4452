// Package server exposes the daemon's HTTP API and the WebSocket
// surface UI clients attach to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"previewd/internal/history"
	"previewd/internal/settings"
	"previewd/pkg/logx"
)

// HistoryStore is the persistence slice the API needs. *history.Store
// satisfies it.
type HistoryStore interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
	Get(ctx context.Context, id string) (history.Entry, bool, error)
	EnsureEntry(ctx context.Context, prompt string, tags []string, metadata map[string]any) (history.Entry, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// EventSink accepts manually injected completion events.
type EventSink interface {
	HandleEvent(ctx context.Context, payload any)
}

// PromptRegistrar links a queued upstream prompt id to history entries
// ahead of completion.
type PromptRegistrar interface {
	RegisterPrompt(promptID string, entryIDs []string)
}

type Config struct {
	Addr string

	// UpstreamURL is the backend base the /view endpoint proxies to.
	UpstreamURL string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg      Config
	log      logx.Logger
	history  HistoryStore
	settings *settings.Store
	events   EventSink
	registry PromptRegistrar
	hub      *Hub

	httpSrv  *http.Server
	viewNext http.Handler
}

func New(cfg Config, hist HistoryStore, st *settings.Store, events EventSink, registry PromptRegistrar, hub *Hub, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "server")),
		history:  hist,
		settings: st,
		events:   events,
		registry: registry,
		hub:      hub,
	}
	if cfg.UpstreamURL != "" {
		target, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, err
		}
		s.viewNext = httputil.NewSingleHostReverseProxy(target)
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleHistoryList)
			r.Post("/", s.handleHistoryCreate)
			r.Delete("/", s.handleHistoryClear)
			r.Get("/{id}", s.handleHistoryGet)
			r.Delete("/{id}", s.handleHistoryDelete)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.handleSettingsGet)
			r.Patch("/", s.handleSettingsPatch)
			r.Post("/reset", s.handleSettingsReset)
		})

		r.Post("/events", s.handleEventInject)
	})

	r.Get("/view", s.handleView)
	if s.hub != nil {
		r.Get("/ws", s.hub.ServeWS)
	}
	return r
}

// Start begins serving and returns immediately. The returned channel
// yields the terminal serve error, if any.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.history.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	clients := 0
	if s.hub != nil {
		clients = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": count,
		"clients": clients,
	})
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.settings.Get().HistoryLimit)
	entries, err := s.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	entry, ok, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleHistoryCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   string         `json:"prompt"`
		Tags     []string       `json:"tags"`
		Metadata map[string]any `json:"metadata"`
		PromptID string         `json:"prompt_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}
	entry, created, err := s.history.EnsureEntry(r.Context(), req.Prompt, req.Tags, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if req.PromptID != "" && s.registry != nil {
		s.registry.RegisterPrompt(req.PromptID, []string{entry.ID})
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, entry)
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	ok, err := s.history.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entry not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handleSettingsPatch(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.settings.Update(patch)
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handleSettingsReset(w http.ResponseWriter, _ *http.Request) {
	s.settings.Reset()
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handleEventInject(w http.ResponseWriter, r *http.Request) {
	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Handling outlives the request.
	s.events.HandleEvent(context.WithoutCancel(r.Context()), payload)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleView proxies artifact requests to the backend that owns the
// actual files.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	if s.viewNext == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no upstream configured"})
		return
	}
	s.viewNext.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
