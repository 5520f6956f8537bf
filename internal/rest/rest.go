// Package rest is the HTTP surface for the mobile app and operational
// tooling: message ingest and history, task CRUD, and the enqueue endpoints
// that feed the deferred-delivery queue.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxpin/voxpin/internal/store"
	"github.com/voxpin/voxpin/pkg/types"
)

// Store is the persistence subset the REST surface needs, satisfied by
// *store.PostgresStore.
type Store interface {
	CreateMessage(ctx context.Context, msg *types.Message) error
	ListMessagesByChat(ctx context.Context, chatID string) ([]types.Message, error)

	CreateTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ListTasksByUser(ctx context.Context, userID string) ([]types.Task, error)
	UpdateTask(ctx context.Context, taskID, userID string, upd store.TaskUpdate) (*types.Task, error)
	DeleteTask(ctx context.Context, taskID, userID string) (bool, error)
}

// Enqueuer is the dispatch-ingress side, satisfied by *dispatch.Ingress.
type Enqueuer interface {
	EnqueueTextMessage(ctx context.Context, userID, chatID, messageID string) (bool, error)
	EnqueueTaskReminder(ctx context.Context, task *types.Task) error
}

// Handler serves the REST routes. Construct with NewHandler and attach with
// Register.
type Handler struct {
	store  Store
	enq    Enqueuer
	logger *slog.Logger
}

// NewHandler builds the REST handler. enq may be nil when no queue is
// attached; the enqueue endpoints then report the broker as unavailable.
func NewHandler(st Store, enq Enqueuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: st, enq: enq, logger: logger}
}

// Register adds all REST routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /messages", h.createMessage)
	mux.HandleFunc("POST /messages/enqueue", h.enqueueMessage)
	mux.HandleFunc("GET /messages", h.listMessages)

	mux.HandleFunc("GET /tasks/{user_id}", h.listTasks)
	mux.HandleFunc("GET /tasks/{user_id}/{task_id}", h.getTask)
	mux.HandleFunc("POST /tasks", h.createTask)
	mux.HandleFunc("PUT /tasks/{user_id}/{task_id}", h.updateTask)
	mux.HandleFunc("DELETE /tasks/{user_id}/{task_id}", h.deleteTask)
	mux.HandleFunc("POST /enqueue-task", h.enqueueTask)
}

// ── Messages ──────────────────────────────────────────────────────────────────

type sendMessageRequest struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "user_id and chat_id are required")
		return
	}
	ts := strings.TrimSpace(req.Timestamp)
	if ts == "" {
		writeError(w, http.StatusBadRequest, "timestamp is required")
		return
	}
	createdAt, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		writeError(w, http.StatusBadRequest, "timestamp must be RFC 3339")
		return
	}

	msg := &types.Message{
		ChatID:    req.ChatID,
		SenderID:  req.UserID,
		Content:   req.Content,
		CreatedAt: createdAt,
	}
	if err := h.store.CreateMessage(r.Context(), msg); err != nil {
		h.logger.Error("message insert failed", "chat_id", req.ChatID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message_id": msg.MessageID,
		"user_id":    req.UserID,
		"chat_id":    req.ChatID,
		"content":    req.Content,
		"created_at": req.Timestamp,
	})
}

type enqueueMessageRequest struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

func (h *Handler) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "user_id and chat_id are required")
		return
	}
	if h.enq == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"enqueued": false, "message": "queue not available",
		})
		return
	}

	enqueued, err := h.enq.EnqueueTextMessage(r.Context(), req.UserID, req.ChatID, req.MessageID)
	if err != nil {
		h.logger.Error("text message enqueue failed", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"enqueued": false, "message": "failed to enqueue text message",
		})
		return
	}

	message := "Text message job enqueued."
	if !enqueued {
		message = "Text message job already pending for this user; skipped duplicate."
	}
	writeJSON(w, http.StatusOK, map[string]any{"enqueued": enqueued, "message": message})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	msgs, err := h.store.ListMessagesByChat(r.Context(), chatID)
	if err != nil {
		h.logger.Error("message list failed", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

type taskCreateRequest struct {
	UserID         string         `json:"user_id"`
	TaskInfo       types.TaskInfo `json:"task_info"`
	Status         string         `json:"status"`
	TimeToExecute  string         `json:"time_to_execute"`
	Timezone       string         `json:"timezone"`
	TimezoneOffset *float64       `json:"timezone_offset"`
	Enqueue        *bool          `json:"enqueue"`
}

type taskUpdateRequest struct {
	TaskInfo       types.TaskInfo `json:"task_info"`
	Status         string         `json:"status"`
	TimeToExecute  string         `json:"time_to_execute"`
	Timezone       string         `json:"timezone"`
	TimezoneOffset *float64       `json:"timezone_offset"`
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	tasks, err := h.store.ListTasksByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("task list failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch tasks")
		return
	}
	if tasks == nil {
		tasks = []types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.TimeToExecute == "" {
		writeError(w, http.StatusBadRequest, "time_to_execute is required")
		return
	}
	execAt, err := resolveTaskTime(req.TimeToExecute, req.TimezoneOffset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := types.TaskStatus(req.Status)
	if req.Status != "" && !status.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", req.Status))
		return
	}

	task := &types.Task{
		UserID:        req.UserID,
		Info:          req.TaskInfo,
		Status:        status,
		TimeToExecute: execAt,
	}
	if err := h.store.CreateTask(r.Context(), task); err != nil {
		h.logger.Error("task insert failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	if (req.Enqueue == nil || *req.Enqueue) && h.enq != nil {
		if err := h.enq.EnqueueTaskReminder(r.Context(), task); err != nil {
			h.logger.Warn("task created but reminder enqueue failed",
				"task_id", task.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) updateTask(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	var req taskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	upd := store.TaskUpdate{Info: req.TaskInfo}
	if req.Status != "" {
		status := types.TaskStatus(req.Status)
		if !status.IsValid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", req.Status))
			return
		}
		upd.Status = &status
	}
	if req.TimeToExecute != "" {
		execAt, err := resolveTaskTime(req.TimeToExecute, req.TimezoneOffset)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		upd.TimeToExecute = &execAt
	}
	if upd.IsEmpty() {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	task, err := h.store.UpdateTask(r.Context(), existing.ID, existing.UserID, upd)
	if err != nil {
		h.logger.Error("task update failed", "task_id", existing.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update task")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.ownedTask(w, r)
	if !ok {
		return
	}

	deleted, err := h.store.DeleteTask(r.Context(), existing.ID, existing.UserID)
	if err != nil {
		h.logger.Error("task delete failed", "task_id", existing.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete task")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "message": "Task deleted successfully",
	})
}

type taskEnqueueRequest struct {
	TaskID        string         `json:"task_id"`
	UserID        string         `json:"user_id"`
	TaskInfo      types.TaskInfo `json:"task_info"`
	TimeToExecute string         `json:"time_to_execute"`
}

// enqueueTask re-publishes an existing task onto the reminder queue. Missing
// payload fields are filled from the stored row.
func (h *Handler) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req taskEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "task_id and user_id are required")
		return
	}
	if h.enq == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not available")
		return
	}

	task, err := h.store.GetTask(r.Context(), req.TaskID)
	if err != nil {
		h.logger.Error("task lookup failed", "task_id", req.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch task")
		return
	}
	if task == nil {
		task = &types.Task{ID: req.TaskID, UserID: req.UserID}
	} else if task.UserID != req.UserID {
		writeError(w, http.StatusForbidden, "task does not belong to this user")
		return
	}
	if req.TaskInfo != nil {
		task.Info = req.TaskInfo
	}
	if req.TimeToExecute != "" {
		execAt, err := resolveTaskTime(req.TimeToExecute, nil)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		task.TimeToExecute = execAt
	}
	if task.TimeToExecute.IsZero() {
		writeError(w, http.StatusBadRequest, "task has no execution time")
		return
	}

	if err := h.enq.EnqueueTaskReminder(r.Context(), task); err != nil {
		h.logger.Error("task enqueue failed", "task_id", task.ID, "error", err)
		writeError(w, http.StatusBadGateway, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Task enqueued."})
}

// ownedTask loads the task from the path and enforces ownership: 404 when the
// row is missing, 403 when it belongs to another user.
func (h *Handler) ownedTask(w http.ResponseWriter, r *http.Request) (*types.Task, bool) {
	userID := r.PathValue("user_id")
	taskID := r.PathValue("task_id")

	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		h.logger.Error("task lookup failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch task")
		return nil, false
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	if task.UserID != userID {
		writeError(w, http.StatusForbidden, "task does not belong to this user")
		return nil, false
	}
	return task, true
}

// resolveTaskTime parses an ISO 8601 execution time, anchoring it in the
// user's zone when an offset (in hours) is supplied: a naive timestamp gets
// the offset attached, a UTC-marked one is converted into the offset zone,
// and any other explicit zone is preserved.
func resolveTaskTime(raw string, offsetHours *float64) (time.Time, error) {
	raw = strings.TrimSpace(raw)

	var userZone *time.Location
	if offsetHours != nil {
		userZone = time.FixedZone("", int(*offsetHours*3600))
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		if userZone != nil {
			if _, off := t.Zone(); off == 0 {
				return t.In(userZone), nil
			}
		}
		return t, nil
	}

	// Naive timestamp, no zone designator.
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		loc := userZone
		if loc == nil {
			loc = time.UTC
		}
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("time_to_execute %q is not a valid ISO 8601 timestamp", raw)
}

// ── JSON helpers ──────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
