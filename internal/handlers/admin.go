package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"findpharma-edge/internal/bgsync"
	"findpharma-edge/internal/edge"
	"findpharma-edge/internal/lifecycle"
	"findpharma-edge/internal/push"
	"findpharma-edge/pkg/logging"
)

// EdgeStatus is the read-only view of the engine exposed on /_edge/status.
type EdgeStatus interface {
	State() string
	Controller() string
	Online() bool
	Partitions() edge.Partitions
}

// AdminHandler serves the /_edge surface: lifecycle events, the
// reservation queue, connected clients and status.
type AdminHandler struct {
	dispatcher *lifecycle.Dispatcher
	queue      bgsync.Queue
	hub        *push.Hub
	status     EdgeStatus
}

func NewAdminHandler(d *lifecycle.Dispatcher, q bgsync.Queue, hub *push.Hub, status EdgeStatus) *AdminHandler {
	return &AdminHandler{dispatcher: d, queue: q, hub: hub, status: status}
}

type eventResponse struct {
	Kind   string `json:"kind"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event raises the lifecycle event named in the path. The request body,
// if any, becomes the event data; ?tag= sets the sync tag.
func (h *AdminHandler) Event(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	ctx := logging.WithFields(r.Context(), zap.String("event", kind))
	logger := logging.L(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_body")
		return
	}
	ev := lifecycle.Event{Kind: kind, Tag: r.URL.Query().Get("tag")}
	if len(body) > 0 {
		ev.Data = body
	}

	out, err := h.dispatcher.Dispatch(ctx, ev)
	if errors.Is(err, lifecycle.ErrNoHandler) {
		writeError(w, http.StatusNotFound, "unknown_event")
		return
	}
	resp := eventResponse{Kind: kind, Result: out}
	status := http.StatusOK
	if err != nil {
		logger.Warn("event failed", zap.Error(err))
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (h *AdminHandler) ListReservations(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.PeekAll(r.Context())
	if err != nil {
		logging.L(r.Context()).Error("peek queue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue_unavailable")
		return
	}
	if items == nil {
		items = []bgsync.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *AdminHandler) EnqueueReservation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_body")
		return
	}
	it, err := h.queue.Enqueue(r.Context(), body)
	if errors.Is(err, bgsync.ErrInvalidPayload) {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err != nil {
		logging.L(r.Context()).Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue_unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, it)
}

func (h *AdminHandler) DrainReservations(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.DrainAll(r.Context())
	if err != nil {
		logging.L(r.Context()).Error("drain queue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queue_unavailable")
		return
	}
	logging.L(r.Context()).Info("reservation queue drained", zap.Int("items", len(items)))
	writeJSON(w, http.StatusOK, map[string]int{"drained": len(items)})
}

// Clients connects a page to the push hub.
func (h *AdminHandler) Clients(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "" {
		writeError(w, http.StatusUpgradeRequired, "websocket_required")
		return
	}
	h.hub.ServeWS(w, r)
}

type statusResponse struct {
	State      string            `json:"state"`
	Controller string            `json:"controller"`
	Online     bool              `json:"online"`
	Partitions edge.Partitions   `json:"partitions"`
	Pending    *int              `json:"pending_reservations,omitempty"`
	Events     []string          `json:"events"`
	Clients    []push.ClientInfo `json:"clients"`
}

func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:      h.status.State(),
		Controller: h.status.Controller(),
		Online:     h.status.Online(),
		Partitions: h.status.Partitions(),
		Events:     h.dispatcher.Kinds(),
		Clients:    h.hub.Clients(),
	}
	if h.queue != nil {
		if n, err := h.queue.Len(r.Context()); err == nil {
			resp.Pending = &n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
