package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/copyleftdev/profilepool/internal/browser"
	"github.com/copyleftdev/profilepool/internal/jobs"
	"github.com/copyleftdev/profilepool/internal/tasks"
	"github.com/copyleftdev/profilepool/internal/taskstypes"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRunsLimit = 50

// SessionPool is what the API needs from the browser pool.
type SessionPool interface {
	Sessions() []browser.Info
	Release(ctx context.Context, id string, closeSession bool) bool
	MaxSize() int
}

// RunHistory lists persisted runs. Optional.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]taskstypes.Snapshot, error)
}

type APIHandler struct {
	tasks    *tasks.Manager
	pool     SessionPool
	registry *jobs.Registry
	history  RunHistory
	logger   *zap.Logger
}

// NewAPIHandler wires the handlers. history may be nil.
func NewAPIHandler(tm *tasks.Manager, p SessionPool, registry *jobs.Registry, history RunHistory, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		tasks:    tm,
		pool:     p,
		registry: registry,
		history:  history,
		logger:   logger.Named("api"),
	}
}

type SubmitTaskRequest struct {
	Kind        string                 `json:"kind"`
	Items       []string               `json:"items"`
	Concurrency int                    `json:"concurrency,omitempty"`
	Args        map[string]interface{} `json:"args,omitempty"`
	CallbackURL string                 `json:"callback_url,omitempty"`
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

type SessionsResponse struct {
	MaxSize  int            `json:"max_size"`
	Sessions []browser.Info `json:"sessions"`
}

func (h *APIHandler) HandleSubmitTask(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	if req.Kind == "" {
		h.respondError(w, http.StatusBadRequest, "Task kind is required")
		return
	}
	process, ok := h.registry.Get(req.Kind)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "Unknown task kind %q", req.Kind)
		return
	}
	if req.Concurrency < 0 {
		h.respondError(w, http.StatusBadRequest, "Concurrency must not be negative")
		return
	}

	st, err := h.tasks.Submit(tasks.Batch{
		Kind:        req.Kind,
		Items:       req.Items,
		Process:     process,
		Concurrency: req.Concurrency,
		Args:        req.Args,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		h.logger.Error("Error submitting task", zap.Error(err))
		h.respondError(w, http.StatusServiceUnavailable, "Failed to submit task: %v", err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: st.ID().String()})
}

func (h *APIHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.tasks.List())
}

func (h *APIHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	snap, err := h.tasks.Get(taskID)
	if err != nil {
		h.respondTaskError(w, taskID, err)
		return
	}
	h.respondJSON(w, http.StatusOK, snap)
}

func (h *APIHandler) HandleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskID(w, r)
	if !ok {
		return
	}
	if err := h.tasks.Stop(taskID); err != nil {
		h.respondTaskError(w, taskID, err)
		return
	}
	snap, err := h.tasks.Get(taskID)
	if err != nil {
		h.respondTaskError(w, taskID, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, snap)
}

func (h *APIHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondError(w, http.StatusNotFound, "Run history is not enabled")
		return
	}

	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "Invalid limit %q", v)
			return
		}
		limit = n
	}

	runs, err := h.history.RecentRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("Error listing runs", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []taskstypes.Snapshot{}
	}
	h.respondJSON(w, http.StatusOK, runs)
}

func (h *APIHandler) HandleListKinds(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string][]string{"kinds": h.registry.Kinds()})
}

func (h *APIHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, SessionsResponse{
		MaxSize:  h.pool.MaxSize(),
		Sessions: h.pool.Sessions(),
	})
}

func (h *APIHandler) HandleReleaseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	closeSession, _ := strconv.ParseBool(r.URL.Query().Get("close"))

	if !h.pool.Release(r.Context(), id, closeSession) {
		h.respondError(w, http.StatusNotFound, "Session %s not found", id)
		return
	}
	h.logger.Info("Session released via API", zap.String("profile_id", id), zap.Bool("close", closeSession))
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"released": true, "closed": closeSession})
}

func (h *APIHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "taskID")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid task ID format: %v", err)
		return uuid.Nil, false
	}
	return id, true
}

func (h *APIHandler) respondTaskError(w http.ResponseWriter, id uuid.UUID, err error) {
	if errors.Is(err, tasks.ErrTaskNotFound) {
		h.respondError(w, http.StatusNotFound, "Task not found")
		return
	}
	h.logger.Error("Error retrieving task", zap.Stringer("task_id", id), zap.Error(err))
	h.respondError(w, http.StatusInternalServerError, "Failed to retrieve task")
}

func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Error marshalling JSON response", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to marshal JSON response")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		h.logger.Warn("Error writing JSON response", zap.Error(err))
	}
}

func (h *APIHandler) respondError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeError(w, status, fmt.Sprintf(format, args...))
}

func writeError(w http.ResponseWriter, status int, message string) {
	body, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		body = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
