package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/eugenenazirov/grc/internal/storage"
	"github.com/eugenenazirov/grc/internal/views"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

// Handler wires the service registry and the views settings into HTTP handlers.
type Handler struct {
	storage storage.Storage
	views   views.Settings

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithViews sets the settings served by GET /api/views.
func WithViews(s views.Settings) HandlerOption {
	return func(h *Handler) {
		h.views = s.Clone()
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(store storage.Storage, opts ...HandlerOption) *Handler {
	h := &Handler{
		storage: store,
		views:   views.Default(),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
		Services:  len(h.storage.Names()),
	}
	writeData(w, resp)
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	items, err := h.storage.Keys(r.Context(), r.PathValue("service"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeData(w, items)
}

func (h *Handler) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req storage.Config
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}

	key := pathKey(r.PathValue("key"))
	if err := h.storage.UpdateKey(r.Context(), r.PathValue("service"), key, req.ConfigItem); err != nil {
		writeStorageError(w, err)
		return
	}
	writeData(w, "")
}

func (h *Handler) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	key := pathKey(r.PathValue("key"))
	if err := h.storage.DeleteKey(r.Context(), r.PathValue("service"), key); err != nil {
		writeStorageError(w, err)
		return
	}
	writeData(w, "")
}

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeData(w, h.storage.Names())
}

func (h *Handler) handleSyncServices(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.Sync(r.Context()); err != nil {
		writeInternalError(w, err)
		return
	}
	writeData(w, h.storage.Names())
}

func (h *Handler) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.DeleteService(r.Context(), r.PathValue("service")); err != nil {
		writeStorageError(w, err)
		return
	}
	writeData(w, "")
}

func (h *Handler) handleServiceNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.storage.Nodes(r.Context(), r.PathValue("service"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeData(w, nodes)
}

func (h *Handler) handleViews(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeData(w, h.views)
}

// pathKey converts a dotted URL key into the backend field path.
func pathKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Services  int       `json:"services"`
}

// response is the envelope of every API reply. Code is 0 on success and the
// HTTP status otherwise.
type response struct {
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{Data: data})
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, response{
		Code:    status,
		Error:   message,
		Details: details,
	})
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}

func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrServiceNotExist):
		writeError(w, http.StatusNotFound, "Service not found", err.Error())
	case errors.Is(err, storage.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "Invalid key", err.Error())
	default:
		writeInternalError(w, err)
	}
}
