// Package gateway exposes the admin HTTP surface: health, queue and breaker
// inspection, the runtime event ledger, review actions and a WebSocket feed
// of live bus events. It is an operator tool, not a public API.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/perchboard/perch-agents/internal/bus"
	"github.com/perchboard/perch-agents/internal/events"
	"github.com/perchboard/perch-agents/internal/llm"
	"github.com/perchboard/perch-agents/internal/review"
	"github.com/perchboard/perch-agents/internal/store"
	"github.com/perchboard/perch-agents/internal/worker"
)

type Config struct {
	Store    *store.Store
	Reviews  *review.Service
	Breakers *llm.BreakerSet
	Bus      *bus.Bus
	Recorder *events.Recorder

	// EngineStatus reports the worker engine state for /api/status.
	// nil means the engine is not running in this process.
	EngineStatus func() worker.Status

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in
	// /api/status so operators can tell deployments apart.
	ConfigFingerprint string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/watch", s.handleWatch)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/reviews", s.handleReviews)
	mux.HandleFunc("/api/reviews/", s.handleReviewByID)
	mux.HandleFunc("/api/breakers", s.handleBreakers)
	mux.HandleFunc("/api/breakers/", s.handleBreakerResume)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	counts, err := s.cfg.Store.QueueCounts(ctx)
	if err != nil {
		dbOK = false
	}

	trippedProviders := 0
	if s.cfg.Breakers != nil {
		for _, st := range s.cfg.Breakers.Snapshot() {
			if st.Tripped {
				trippedProviders++
			}
		}
	}

	payload := map[string]any{
		"healthy":           dbOK,
		"db_ok":             dbOK,
		"pending_tasks":     counts[store.TaskStatusPending],
		"running_tasks":     counts[store.TaskStatusRunning],
		"tripped_providers": trippedProviders,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	payload := map[string]any{
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.EngineStatus != nil {
		payload["engine"] = s.cfg.EngineStatus()
	}
	if counts, err := s.cfg.Store.QueueCounts(r.Context()); err == nil {
		payload["queue"] = counts
	}
	if s.cfg.Bus != nil {
		payload["watch_subscribers"] = s.cfg.Bus.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	counts, err := s.cfg.Store.QueueCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// handleEvents implements GET /api/events with compound-cursor pagination.
// Clients pass after / after_id from the previous page's next_after fields.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	filter := store.RuntimeEventFilter{
		Layer:      q.Get("layer"),
		ReasonCode: q.Get("reason_code"),
		EntityID:   q.Get("entity_id"),
		TaskID:     q.Get("task_id"),
		Limit:      100,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			filter.Limit = n
		}
	}
	if v := q.Get("after"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "after must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.After = ts
		if raw := q.Get("after_id"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				filter.AfterID = id
			}
		}
	}

	list, err := s.cfg.Store.ListRuntimeEvents(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	payload := map[string]any{"events": list}
	if len(list) > 0 {
		last := list[len(list)-1]
		payload["next_after"] = last.OccurredAt.UTC().Format(time.RFC3339Nano)
		payload["next_after_id"] = last.EventID
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleTaskByID implements GET /api/tasks/{id}, returning the task row and
// its full transition history.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	history, err := s.cfg.Store.ListTaskEvents(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "events": history})
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	status := store.ReviewStatus(r.URL.Query().Get("status"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.cfg.Reviews.List(r.Context(), status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": items})
}

type reviewActionRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason"`
}

// handleReviewByID routes /api/reviews/{id} and /api/reviews/{id}/{action}
// where action is claim, approve or reject.
func (s *Server) handleReviewByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/reviews/")
	parts := strings.SplitN(path, "/", 2)
	reviewID := parts[0]
	if reviewID == "" {
		http.Error(w, "review id required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		item, err := s.cfg.Reviews.Get(r.Context(), reviewID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		history, err := s.cfg.Reviews.Events(r.Context(), reviewID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"review": item, "events": history})
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req reviewActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.ReviewerID == "" {
		http.Error(w, "reviewer_id required", http.StatusBadRequest)
		return
	}

	switch parts[1] {
	case "claim":
		ok, err := s.cfg.Reviews.Claim(r.Context(), reviewID, req.ReviewerID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "review not claimable", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claimed": true})
	case "approve":
		result, err := s.cfg.Reviews.Approve(r.Context(), reviewID, req.ReviewerID, req.Reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.publishReviewChanged(reviewID, "approved")
		writeJSON(w, http.StatusOK, map[string]any{"approved": true, "result": result})
	case "reject":
		if err := s.cfg.Reviews.Reject(r.Context(), reviewID, req.ReviewerID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.publishReviewChanged(reviewID, "rejected")
		writeJSON(w, http.StatusOK, map[string]any{"rejected": true})
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

func (s *Server) publishReviewChanged(reviewID, action string) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(bus.TopicReviewChanged, map[string]string{
		"review_id": reviewID,
		"action":    action,
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Breakers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": []llm.BreakerStatus{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.cfg.Breakers.Snapshot()})
}

// handleBreakerResume implements POST /api/breakers/{provider}/resume, the
// operator override that closes a tripped circuit before its cooldown.
func (s *Server) handleBreakerResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/breakers/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "resume" {
		http.Error(w, "expected /api/breakers/{provider}/resume", http.StatusBadRequest)
		return
	}
	provider := parts[0]
	if s.cfg.Breakers == nil {
		http.Error(w, "breakers unavailable", http.StatusServiceUnavailable)
		return
	}

	resumed := s.cfg.Breakers.Resume(provider)
	if resumed {
		s.cfg.Recorder.Record(r.Context(), store.RuntimeEvent{
			Layer:     "gateway",
			Operation: "circuit.resumed",
			EntityID:  provider,
		})
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(bus.TopicCircuitChanged, map[string]string{
				"provider": provider,
				"state":    "resumed",
			})
		}
		s.logger.Info("circuit resumed by operator", "provider", provider)
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "resumed": resumed})
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
