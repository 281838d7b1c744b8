// Package api serves the read side: items with their active roast,
// category listings, run history, dead letters, and a manual refresh
// trigger. All responses are JSON; errors use a stable {"error": "..."}
// shape.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenroast/screenroast/internal/joblog"
	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/refresh"
	"github.com/screenroast/screenroast/internal/store"
)

const defaultListLimit = 20

// Refresher triggers a refresh cycle; satisfied by refresh.Orchestrator.
type Refresher interface {
	Run(ctx context.Context, correlationID string) (refresh.Outcome, error)
}

// Server is the read API.
type Server struct {
	router  chi.Router
	store   store.Store
	tracker *joblog.Tracker
	refresh Refresher
}

// NewServer creates the API server and mounts its routes.
func NewServer(st store.Store, tracker *joblog.Tracker, refresher Refresher, allowedOrigins []string) *Server {
	s := &Server{
		store:   st,
		tracker: tracker,
		refresh: refresher,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/items/{id}", s.handleGetItem)
		r.Get("/categories/{category}/items", s.handleListCategory)
		r.Get("/jobs/{name}/runs", s.handleListRuns)
		r.Get("/deadletters", s.handleListDeadLetters)
		r.Post("/jobs/refresh", s.handleTriggerRefresh)
	})

	s.router = r
	return s
}

// Handler returns the mounted router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// itemResponse joins an item with its active roast, if one exists.
type itemResponse struct {
	Item  model.Item         `json:"item"`
	Roast *model.RoastRecord `json:"roast,omitempty"`
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	item, err := s.store.GetItem(r.Context(), id)
	if err != nil {
		s.serverError(w, r, "get item", err)
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	roast, err := s.store.ActiveRoast(r.Context(), id, model.DefaultLanguage)
	if err != nil {
		s.serverError(w, r, "get active roast", err)
		return
	}

	writeJSON(w, http.StatusOK, itemResponse{Item: *item, Roast: roast})
}

func (s *Server) handleListCategory(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	limit := queryInt(r, "limit", defaultListLimit)
	offset := queryInt(r, "offset", 0)

	items, err := s.store.ListCategoryItems(r.Context(), category, limit, offset)
	if err != nil {
		s.serverError(w, r, "list category items", err)
		return
	}
	if items == nil {
		items = []model.Item{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"items":    items,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := queryInt(r, "limit", defaultListLimit)

	runs, err := s.tracker.History(r.Context(), name, limit)
	if err != nil {
		s.serverError(w, r, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.JobRun{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job":  name,
		"runs": runs,
	})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)

	entries, err := s.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.serverError(w, r, "list dead letters", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": entries,
		"count":        len(entries),
	})
}

// handleTriggerRefresh kicks off a refresh in the background and returns
// immediately. The caller follows progress through run history; a trigger
// that loses the job lock is visible only as the absence of a new run.
func (s *Server) handleTriggerRefresh(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.NewString()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		outcome, err := s.refresh.Run(ctx, correlationID)
		if err != nil {
			zap.L().Error("triggered refresh failed",
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("triggered refresh finished",
			zap.String("correlation_id", correlationID),
			zap.String("outcome", string(outcome)),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":         "started",
		"correlation_id": correlationID,
	})
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, action string, err error) {
	zap.L().Error("request failed",
		zap.String("action", action),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
