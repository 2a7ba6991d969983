package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatverse/internal/user"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

type Handler struct {
	hub     *Hub
	service *Service
	log     *zap.Logger
}

func NewHandler(hub *Hub, service *Service, log *zap.Logger) *Handler {
	return &Handler{
		hub:     hub,
		service: service,
		log:     log,
	}
}

// ServeWs opens a view session. The conversation to show comes from the
// URL; the view may switch later with an "open" frame.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	viewer, ok := user.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", zap.Error(err))
		return
	}

	client := newClient(h.hub, conn, h.log.With(zap.String("viewer", viewer.ID)))
	client.session = h.hub.engine.NewSession(viewer, client)
	if !h.hub.join(client) {
		client.session.Close()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	if target := ParseTarget(r.URL.Query().Get("conversation_id")); !target.IsZero() {
		client.session.Open(target)
	}
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	viewer, ok := user.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	convs, err := h.service.ListConversations(r.Context(), viewer)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	viewer, ok := user.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	c, err := h.service.StartConversation(r.Context(), viewer, req.TargetID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	viewer, ok := user.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	c, err := h.service.CreateGroup(r.Context(), viewer, &req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	viewer, ok := user.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := h.service.GetConversation(r.Context(), viewer, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	viewer, ok := user.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	msgs, err := h.service.Messages(r.Context(), viewer, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	viewer, ok := user.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.service.MarkRead(r.Context(), viewer, chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps service errors onto notice kinds and status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPermission):
		writeJSON(w, http.StatusForbidden, map[string]string{"notice": NoticePermission, "error": err.Error()})
	case errors.Is(err, ErrConversationNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"notice": NoticeNotFound, "error": err.Error()})
	case errors.Is(err, ErrInvalidTarget):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error("conversation request", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
