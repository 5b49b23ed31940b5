package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/amlcodes/blurberry/internal/capture"
	"github.com/amlcodes/blurberry/internal/history"
	"github.com/amlcodes/blurberry/internal/llm"
	"github.com/amlcodes/blurberry/internal/logging"
	"github.com/amlcodes/blurberry/internal/vector"
	"github.com/amlcodes/blurberry/internal/workflow"
)

const defaultLimit = 50

// Server exposes the local query API and the websocket event ingest.
// It binds to loopback only; there is no auth layer.
type Server struct {
	store    *history.Store
	index    *vector.Index
	embedder llm.Client
	pipeline *capture.Pipeline
	analyzer *workflow.Analyzer

	httpServer *http.Server
}

// New wires the server. embedder may be nil; semantic search then
// reports its provider as unconfigured.
func New(listen string, store *history.Store, index *vector.Index, embedder llm.Client, pipeline *capture.Pipeline, analyzer *workflow.Analyzer) *Server {
	s := &Server{
		store:    store,
		index:    index,
		embedder: embedder,
		pipeline: pipeline,
		analyzer: analyzer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/history/recent", s.handleRecent)
	mux.HandleFunc("GET /api/history/search", s.handleSearch)
	mux.HandleFunc("GET /api/history/semantic", s.handleSemanticSearch)
	mux.HandleFunc("GET /api/history/range", s.handleRange)
	mux.HandleFunc("POST /api/history/prune", s.handlePrune)
	mux.HandleFunc("GET /api/visits/{id}", s.handleVisitDetails)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/current", s.handleCurrentSession)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handleUpdateSettings)
	mux.HandleFunc("POST /api/analyze/session/{id}", s.handleAnalyzeSession)
	mux.HandleFunc("POST /api/analyze/recent", s.handleAnalyzeRecent)
	mux.HandleFunc("GET /api/workflow/{sessionID}", s.handleCachedWorkflow)
	mux.HandleFunc("GET /ws/events", s.handleEvents)

	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 3 * time.Minute, // analysis endpoints wait on the model
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown; it blocks.
func (s *Server) Start() error {
	logging.Info("Query API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve query API: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	return limit
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	visits, err := s.store.GetRecentVisits(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load recent visits: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"visits": visits})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	visits, err := s.store.SearchHistory(r.Context(), query, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"query": query, "visits": visits})
}

func (s *Server) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	if s.embedder == nil {
		writeError(w, http.StatusServiceUnavailable, "semantic search requires a configured AI provider")
		return
	}

	embedding, err := s.embedder.EmbedText(r.Context(), query)
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "semantic search requires a configured AI provider")
			return
		}
		writeError(w, http.StatusBadGateway, "failed to embed query: %v", err)
		return
	}

	// Results come back in ranked order; dropped visits (pruned after
	// indexing) are skipped.
	visits := make([]history.PageVisit, 0)
	for _, id := range s.index.Search(embedding, limitParam(r)) {
		visit, err := s.store.GetVisit(r.Context(), id)
		if err != nil || visit == nil {
			continue
		}
		visits = append(visits, *visit)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"query": query, "visits": visits})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from timestamp: %v", err)
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to timestamp: %v", err)
		return
	}
	visits, err := s.store.GetVisitsByDateRange(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load visits: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"visits": visits})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Days int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Days <= 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}
	deleted, err := s.store.DeleteOldHistory(r.Context(), req.Days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "prune failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted_visits": deleted})
}

func (s *Server) handleVisitDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid visit id")
		return
	}
	visit, err := s.store.GetVisit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load visit: %v", err)
		return
	}
	if visit == nil {
		writeError(w, http.StatusNotFound, "visit %d not found", id)
		return
	}

	interactions, err := s.store.GetVisitInteractions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load interactions: %v", err)
		return
	}
	snapshots, err := s.store.GetVisitSnapshots(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load snapshots: %v", err)
		return
	}
	screenshots, err := s.store.GetVisitScreenshots(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load screenshots: %v", err)
		return
	}
	scrolls, err := s.store.GetVisitScrollEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load scroll events: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"visit":         visit,
		"interactions":  interactions,
		"snapshots":     snapshots,
		"screenshots":   screenshots,
		"scroll_events": scrolls,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.GetSessions(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load sessions: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.CurrentSession(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session: %v", err)
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if err := s.store.UpdateSettings(r.Context(), updates); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update settings: %v", err)
		return
	}
	settings, err := s.store.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleAnalyzeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	result, err := s.analyzer.AnalyzeSession(r.Context(), sessionID)
	s.writeAnalysis(w, result, err)
}

func (s *Server) handleAnalyzeRecent(w http.ResponseWriter, r *http.Request) {
	result, err := s.analyzer.AnalyzeRecentHistory(r.Context(), limitParam(r))
	s.writeAnalysis(w, result, err)
}

func (s *Server) writeAnalysis(w http.ResponseWriter, result *llm.Workflow, err error) {
	switch {
	case errors.Is(err, workflow.ErrNothingToAnalyze):
		writeError(w, http.StatusNotFound, "no browsing history to analyze")
	case errors.Is(err, llm.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "analysis requires a configured AI provider")
	case err != nil:
		writeError(w, http.StatusBadGateway, "analysis failed: %v", err)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

// handleCachedWorkflow serves the latest cached analysis for a session.
// format=prompt and format=script return text exports instead of JSON.
func (s *Server) handleCachedWorkflow(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	cached, err := s.analyzer.CachedWorkflow(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load cached workflow: %v", err)
		return
	}
	if cached == nil {
		writeError(w, http.StatusNotFound, "no cached workflow for session %s", sessionID)
		return
	}

	switch r.URL.Query().Get("format") {
	case "prompt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, workflow.ExportAgentPrompt(cached))
	case "script":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, workflow.ExportAutomationScript(cached))
	default:
		writeJSON(w, http.StatusOK, cached)
	}
}
