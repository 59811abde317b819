package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lodgehr/notify-service/internal/dispatch"
	"lodgehr/notify-service/internal/store"
)

// Dispatcher is the queue surface the API exposes to collaborators.
type Dispatcher interface {
	Enqueue(ctx context.Context, input dispatch.EnqueueInput) (string, error)
	RaiseEvent(ctx context.Context, input dispatch.EventInput) (int, error)
}

// Invalidator drops a manager's cached property access.
type Invalidator interface {
	Invalidate(managerID string)
}

type Handler struct {
	dispatcher    Dispatcher
	notifications store.NotificationStore
	access        Invalidator
}

func NewHandler(dispatcher Dispatcher, notifications store.NotificationStore, access Invalidator) *Handler {
	return &Handler{dispatcher: dispatcher, notifications: notifications, access: access}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/events", h.handleRaiseEvent)
	mux.HandleFunc("/api/notifications", h.handleNotifications)
	mux.HandleFunc("/api/notifications/", h.handleNotificationActions)
	mux.HandleFunc("/api/access/invalidate", h.handleInvalidateAccess)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type raiseEventRequest struct {
	EventType   string          `json:"event_type"`
	PropertyID  string          `json:"property_id"`
	Payload     json.RawMessage `json:"payload"`
	TargetRoles []string        `json:"target_roles"`
	Priority    string          `json:"priority"`
}

func (h *Handler) handleRaiseEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req raiseEventRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	enqueued, err := h.dispatcher.RaiseEvent(r.Context(), dispatch.EventInput{
		EventType:   strings.TrimSpace(req.EventType),
		PropertyID:  strings.TrimSpace(req.PropertyID),
		Payload:     req.Payload,
		TargetRoles: req.TargetRoles,
		Priority:    req.Priority,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": enqueued})
}

type enqueueRequest struct {
	RecipientID  string          `json:"recipient_id"`
	PropertyID   string          `json:"property_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Channels     []string        `json:"channels"`
	Priority     string          `json:"priority"`
	ScheduledFor *time.Time      `json:"scheduled_for"`
	ExpiresAt    *time.Time      `json:"expires_at"`
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleEnqueue(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	notificationID, err := h.dispatcher.Enqueue(r.Context(), dispatch.EnqueueInput{
		RecipientID:  strings.TrimSpace(req.RecipientID),
		PropertyID:   strings.TrimSpace(req.PropertyID),
		EventType:    strings.TrimSpace(req.EventType),
		Payload:      req.Payload,
		Channels:     req.Channels,
		Priority:     req.Priority,
		ScheduledFor: req.ScheduledFor,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"notification_id": notificationID})
}

// handleList serves the read-side query interface for dashboards: the
// authenticated recipient's notification history with keyset pagination.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credential")
		return
	}
	query := r.URL.Query()
	unreadOnly := query.Get("unread_only") == "true"
	limit := 20
	if raw := query.Get("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	notifications, next, err := h.notifications.ListByRecipient(r.Context(), identity.UserID, unreadOnly, limit, query.Get("cursor"))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"next_cursor":   next,
	})
}

func (h *Handler) handleNotificationActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/notifications/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "read" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	identity, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credential")
		return
	}
	if err := h.notifications.MarkRead(r.Context(), parts[0], identity.UserID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

type invalidateAccessRequest struct {
	ManagerID string `json:"manager_id"`
}

func (h *Handler) handleInvalidateAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req invalidateAccessRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.ManagerID = strings.TrimSpace(req.ManagerID)
	if req.ManagerID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "manager_id is required")
		return
	}
	h.access.Invalidate(req.ManagerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func parsePositiveInt(raw string) (int, error) {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, errors.New("not positive")
	}
	return value, nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrNotificationNotFound):
		return http.StatusNotFound, "notification_not_found", "notification not found"
	case errors.Is(err, store.ErrRecipientNotFound):
		return http.StatusNotFound, "recipient_not_found", "recipient not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "notification state does not allow this action"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
