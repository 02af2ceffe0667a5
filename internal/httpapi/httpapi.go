// Package httpapi assembles the dispatcher's HTTP surface: task
// creation and status, server-sent task event streams, admin rate
// overrides, the worker/observer WebSocket upgrade routes, and the
// operational /health and /metrics endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/adred-codev/dispatchd/internal/audit"
	"github.com/adred-codev/dispatchd/internal/auth"
	"github.com/adred-codev/dispatchd/internal/dispatch"
	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/adred-codev/dispatchd/internal/eventbus"
	"github.com/adred-codev/dispatchd/internal/hub"
	"github.com/adred-codev/dispatchd/internal/rates"
	"github.com/adred-codev/dispatchd/internal/store"
	"github.com/adred-codev/dispatchd/internal/subhub"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Server struct {
	logger     zerolog.Logger
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	resolver   *rates.Resolver
	bus        *eventbus.Bus
	authMgr    *auth.Manager
	audit      *audit.Logger

	router *mux.Router
}

func New(logger zerolog.Logger, st *store.Store, d *dispatch.Dispatcher, resolver *rates.Resolver,
	bus *eventbus.Bus, authMgr *auth.Manager, auditLog *audit.Logger, workerHub *hub.Hub, observerHub *subhub.Hub) *Server {

	s := &Server{
		logger:     logger.With().Str("component", "httpapi").Logger(),
		store:      st,
		dispatcher: d,
		resolver:   resolver,
		bus:        bus,
		authMgr:    authMgr,
		audit:      auditLog,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.Handle("/task/create", authMgr.Middleware(auth.RoleUser, http.HandlerFunc(s.handleTaskCreate))).Methods(http.MethodPost)
	r.HandleFunc("/task/{id}/status", s.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/task/{id}/events", s.handleTaskEvents).Methods(http.MethodGet)
	r.Handle("/user/{id}/rates", authMgr.Middleware(auth.RoleAdmin, http.HandlerFunc(s.handleSetUserRates))).Methods(http.MethodPost)
	r.HandleFunc("/user/{id}/rates", s.handleGetUserRates).Methods(http.MethodGet)
	r.Handle("/user/{id}/deduct", authMgr.Middleware(auth.RoleAdmin, http.HandlerFunc(s.handleUserDeduct))).Methods(http.MethodPost)
	r.Handle("/inbox/push", authMgr.Middleware(auth.RoleAdmin, http.HandlerFunc(s.handleInboxPush))).Methods(http.MethodPost)

	r.Handle("/ws/worker", authMgr.Middleware(auth.RoleWorker, http.HandlerFunc(workerHub.ServeHTTP)))
	r.Handle("/ws/observer", authMgr.Middleware(auth.RoleObserver, http.HandlerFunc(observerHub.ServeHTTP)))

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	Message   string   `json:"message"`
	Phones    []string `json:"phones"`
	ShardSize int      `json:"shard_size,omitempty"`
}

type createTaskResponse struct {
	TaskID string            `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
	Total  int               `json:"total"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims.Subject == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	task, err := s.dispatcher.CreateTaskAndShards(r.Context(), claims.Subject, req.Message, req.Phones, req.ShardSize)
	if err != nil {
		if errors.Is(err, dispatch.ErrInsufficientCredits) {
			writeError(w, http.StatusPaymentRequired, "insufficient credits")
			return
		}
		s.logger.Error().Err(err).Msg("task creation failed")
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	writeJSON(w, http.StatusCreated, createTaskResponse{TaskID: task.TaskID, Status: task.Status, Total: task.Total})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	counts, err := s.store.ShardCounts(r.Context(), s.store.DB(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load shard counts")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Task   *domain.Task       `json:"task"`
		Shards domain.ShardCounts `json:"shards"`
	}{Task: task, Shards: counts})
}

// handleTaskEvents streams task progress as server-sent events, the
// HTTP-only alternative to an observer WebSocket subscription for
// clients that just want one task's feed.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, err := s.bus.Subscribe(eventbus.SubjectTaskProgress)
	if err != nil {
		return
	}
	defer sub.Cancel()

	ctx := r.Context()
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C:
			if !ok {
				return
			}
			var ev eventbus.TaskProgressEvent
			if err := json.Unmarshal(payload, &ev); err != nil || ev.TaskID != taskID {
				continue
			}
			writeSSE(w, payload)
			flusher.Flush()
			if ev.Counts.Pending == 0 && ev.Counts.Running == 0 {
				return
			}
		case <-ticker.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, payload []byte) {
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

type setRatesRequest struct {
	Send  float64 `json:"send"`
	Fail  float64 `json:"fail"`
	SetBy string  `json:"set_by"`
}

func (s *Server) handleSetUserRates(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	var req setRatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SetBy == "" {
		req.SetBy = domain.SuperAdminSource
	}

	newRates := domain.Rates{Send: req.Send, Fail: req.Fail}
	if req.SetBy != domain.SuperAdminSource {
		rng, err := s.store.GetAdminRateRange(r.Context(), req.SetBy)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load admin rate range")
			return
		}
		if rng != nil {
			if err := rates.ValidateRange(newRates, *rng); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	if err := s.store.SetUserRates(r.Context(), userID, newRates, req.SetBy); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set rates")
		return
	}
	if s.audit != nil {
		s.audit.RateOverride(userID, req.SetBy, req.Send, req.Fail)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deductRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason,omitempty"`
}

// handleUserDeduct applies a manual credit adjustment (positive for a
// recharge, negative for an out-of-band deduction) outside the normal
// shard-result billing path, reusing the same floor-at-zero update and
// the same balance_update/usage_update fan-out a shard report produces.
func (s *Server) handleUserDeduct(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	var req deductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tx, err := s.store.BeginTx(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to begin transaction")
		return
	}
	defer tx.Rollback()

	action := "recharge"
	if req.Amount < 0 {
		action = "deduct"
	}
	newCredits, err := s.store.AdjustCredits(r.Context(), tx, userID, req.Amount, domain.UsageEntry{
		Action:    action,
		Amount:    req.Amount,
		Timestamp: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to adjust credits")
		return
	}
	if err := tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit adjustment")
		return
	}

	if s.audit != nil {
		s.audit.CreditAdjusted(userID, req.Reason, req.Amount, newCredits)
	}
	if s.bus != nil {
		s.bus.PublishReport(&domain.Report{UserID: userID, Credits: -req.Amount, NewCredits: newCredits, Ts: time.Now()})
	}

	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "credits": newCredits})
}

type inboxPushRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// handleInboxPush delivers an out-of-band message to one user's
// observer connections via inbox_update, independent of any task.
func (s *Server) handleInboxPush(w http.ResponseWriter, r *http.Request) {
	var req inboxPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}
	if s.bus != nil {
		s.bus.PublishInbox(req.UserID, req.Message)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetUserRates(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	rr, err := s.resolver.Resolve(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve rates")
		return
	}
	source, _ := s.resolver.Source(r.Context(), userID)
	writeJSON(w, http.StatusOK, struct {
		Rates  domain.Rates `json:"rates"`
		Source string       `json:"source"`
	}{Rates: rr, Source: source})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
