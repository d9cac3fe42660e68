package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"social-network/internal/directory"
	"social-network/internal/middleware"
	"social-network/internal/presence"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dev mode; restrict origins in production.
	},
}

type Handler struct {
	svc      *Service
	hub      *Hub
	presence *presence.Tracker
	log      *zap.Logger
}

// NewHandler wires the messaging endpoints. The presence tracker may be
// nil, in which case online/offline bookkeeping is skipped.
func NewHandler(svc *Service, hub *Hub, tracker *presence.Tracker, log *zap.Logger) *Handler {
	return &Handler{svc: svc, hub: hub, presence: tracker, log: log}
}

// PostMessage persists a message and triggers its broadcast.
// Body: {message, sender, target, date}. The sender field is ignored;
// identity comes from the session.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var frame Frame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorFrame{Error: "malformed request body"})
		return
	}

	persisted, err := h.svc.Send(r.Context(), viewer, frame)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frameFor(persisted))
}

// GetDirectHistory returns the ordered conversation with ?peer=.
func (h *Handler) GetDirectHistory(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	msgs, err := h.svc.DirectHistory(r.Context(), viewer, r.URL.Query().Get("peer"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, framesFor(msgs))
}

// GetGroupHistory returns the ordered history for ?group=.
func (h *Handler) GetGroupHistory(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	msgs, err := h.svc.GroupHistory(r.Context(), viewer, r.URL.Query().Get("group"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, framesFor(msgs))
}

// GetUnreadCounts returns the requester's unread counts keyed by sender.
func (h *Handler) GetUnreadCounts(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	counts, err := h.svc.UnreadCounts(r.Context(), viewer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// MarkMessagesRead marks everything from ?from= to the requester as read.
func (h *Handler) MarkMessagesRead(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.svc.MarkConversationRead(r.Context(), viewer, r.URL.Query().Get("from")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeWs opens the direct-chat socket. The connection is registered
// under the requester's own identity: direct broadcasts target the
// recipient's key, so this socket receives messages addressed to them.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	h.attach(conn, userKey(viewer), viewer, "")
}

// ServeChatroom opens a group socket for ?group=. Membership is checked
// before the upgrade so non-members get a proper status code.
func (h *Handler) ServeChatroom(w http.ResponseWriter, r *http.Request) {
	viewer, ok := identity(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	group, err := h.svc.ResolveGroupFor(r.Context(), viewer, r.URL.Query().Get("group"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	h.attach(conn, groupKey(group), viewer, group)
}

func (h *Handler) attach(conn *websocket.Conn, key, viewer, group string) {
	client := newClient(h.hub, h.svc, conn, key, viewer, group, h.log)

	if h.presence != nil {
		// The request context dies with the handler; presence outlives it.
		if err := h.presence.Connected(context.Background(), viewer); err != nil {
			h.log.Warn("presence update failed", zap.Error(err))
		}
		client.onClose = func() {
			if err := h.presence.Disconnected(context.Background(), viewer); err != nil {
				h.log.Warn("presence update failed", zap.Error(err))
			}
		}
	}

	h.hub.Register(key, client)

	go client.writePump()
	go client.readPump()
}

// GetOnlineUsers lists users with at least one live connection.
func (h *Handler) GetOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	online, err := h.presence.Online(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if online == nil {
		online = []string{}
	}
	writeJSON(w, http.StatusOK, online)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorFrame{Error: err.Error()})
	case errors.Is(err, directory.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorFrame{Error: err.Error()})
	default:
		h.log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorFrame{Error: "internal error"})
	}
}

func identity(r *http.Request) (string, bool) {
	username, ok := r.Context().Value(middleware.UsernameKey).(string)
	return username, ok && username != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
