// Package api exposes crawl runs over HTTP: starting and cancelling runs,
// polling their progress and streaming it as server-sent events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/crawler"
	"github.com/JohnDHoinville/vpat-report-sub001/internal/storage"
)

// Store is the read side of run persistence.
type Store interface {
	GetRun(ctx context.Context, id string) (*crawler.CrawlRun, error)
	ListRuns(ctx context.Context, crawlerID string, limit int) ([]*crawler.CrawlRun, error)
	ListPages(ctx context.Context, runID string) ([]*crawler.DiscoveredPage, error)
}

// Runner starts and observes runs; *crawler.Coordinator implements it.
type Runner interface {
	Start(ctx context.Context, crawlerID string) (*crawler.RunHandle, error)
	Cancel(runID string) error
	IsRunning(crawlerID string) bool
	Snapshot(runID string) (*crawler.CrawlRun, bool)
	Subscribe(runID string) (<-chan crawler.Progress, func(), error)
}

// keepAlive is the SSE comment interval.
const keepAlive = 15 * time.Second

// Server serves the run API.
type Server struct {
	store  Store
	runner Runner
	logger *slog.Logger
}

// NewServer creates a server.
func NewServer(store Store, runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, runner: runner, logger: logger}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/crawlers/{crawlerID}/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleStartRun)
	})
	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.handleGetRun)
		r.Get("/pages", s.handleListPages)
		r.Get("/events", s.handleEvents)
		r.Post("/cancel", s.handleCancel)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// POST /crawlers/{crawlerID}/runs
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	crawlerID := chi.URLParam(r, "crawlerID")
	handle, err := s.runner.Start(r.Context(), crawlerID)
	switch {
	case errors.Is(err, crawler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": handle.RunID, "status": string(crawler.StatusRunning)})
}

// GET /crawlers/{crawlerID}/runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	crawlerID := chi.URLParam(r, "crawlerID")
	runs, err := s.store.ListRuns(r.Context(), crawlerID, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for i, run := range runs {
		if live, ok := s.runner.Snapshot(run.ID); ok {
			runs[i] = live
		}
	}
	if runs == nil {
		runs = []*crawler.CrawlRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"crawler_id": crawlerID,
		"running":    s.runner.IsRunning(crawlerID),
		"runs":       runs,
	})
}

// GET /runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.lookupRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /runs/{runID}/pages
func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.lookupRun(r.Context(), runID); err != nil {
		writeLookupError(w, err)
		return
	}
	pages, err := s.store.ListPages(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if pages == nil {
		pages = []*crawler.DiscoveredPage{}
	}
	writeJSON(w, http.StatusOK, pages)
}

// POST /runs/{runID}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.runner.Cancel(runID); err != nil {
		if errors.Is(err, crawler.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("run %s is not active", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

// GET /runs/{runID}/events streams progress until the run ends. A finished
// run yields a single end event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	updates, unsubscribe, err := s.runner.Subscribe(runID)
	if err != nil && !errors.Is(err, crawler.ErrRunNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err != nil {
		run, err := s.store.GetRun(r.Context(), runID)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		startStream(w)
		writeEvent(w, "end", run)
		flusher.Flush()
		return
	}
	defer unsubscribe()

	startStream(w)
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case p, open := <-updates:
			if !open {
				if run, err := s.store.GetRun(r.Context(), runID); err == nil {
					writeEvent(w, "end", run)
					flusher.Flush()
				}
				return
			}
			writeEvent(w, "progress", p)
			flusher.Flush()
		}
	}
}

func (s *Server) lookupRun(ctx context.Context, runID string) (*crawler.CrawlRun, error) {
	if live, ok := s.runner.Snapshot(runID); ok {
		return live, nil
	}
	return s.store.GetRun(ctx, runID)
}

func startStream(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
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
