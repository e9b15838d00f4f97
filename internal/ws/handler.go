package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"energy_monitor/internal/model"
	"energy_monitor/internal/session"
)

// DefaultToggleTimeout bounds a relay write started from a client message.
const DefaultToggleTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller is the part of the session manager the handler drives.
type Controller interface {
	Select(raw string) (*session.Session, error)
	SetLookback(label string) error
	Toggle(ctx context.Context) (model.DeviceControlState, error)
	Snapshot() (session.Snapshot, bool)
}

// Handler manages WebSocket connections and routes messages to the controller.
type Handler struct {
	hub           *Hub
	ctrl          Controller
	logger        *zap.Logger
	toggleTimeout time.Duration
}

func NewHandler(hub *Hub, ctrl Controller, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{hub: hub, ctrl: ctrl, logger: logger, toggleTimeout: DefaultToggleTimeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	client := &Client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	h.hub.Register(client)
	go client.writePump()

	// Send current session state, if any
	h.sendSnapshot(client)

	h.readPump(client)
}

func (h *Handler) readPump(c *Client) {
	defer func() {
		h.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		h.handleMessage(c, msg)
	}
}

func (h *Handler) handleMessage(c *Client, msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.logger.Warn("Invalid message", zap.Error(err))
		h.replyError(c, "", "invalid message")
		return
	}

	switch env.Type {
	case TypeSubjectSelect:
		var p SubjectSelectPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.replyError(c, env.Type, "invalid payload")
			return
		}
		if _, err := h.ctrl.Select(p.Subject); err != nil {
			h.replyError(c, env.Type, err.Error())
		}

	case TypeLookbackSet:
		var p LookbackSetPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.replyError(c, env.Type, "invalid payload")
			return
		}
		if err := h.ctrl.SetLookback(p.Lookback); err != nil {
			h.replyError(c, env.Type, err.Error())
		}

	case TypeDeviceToggle:
		// The write settles asynchronously; state changes reach every client
		// through the bridge.
		go h.toggle(c)

	default:
		h.logger.Warn("Unknown message type", zap.String("type", env.Type))
		h.replyError(c, env.Type, "unknown message type")
	}
}

func (h *Handler) toggle(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), h.toggleTimeout)
	defer cancel()
	if _, err := h.ctrl.Toggle(ctx); err != nil {
		h.replyError(c, TypeDeviceToggle, err.Error())
	}
}

func (h *Handler) replyError(c *Client, request, message string) {
	msg, err := NewEnvelope(TypeError, ErrorPayload{Request: request, Message: message})
	if err != nil {
		return
	}
	c.trySend(msg)
}

func (h *Handler) sendSnapshot(c *Client) {
	snap, ok := h.ctrl.Snapshot()
	if !ok {
		return
	}
	msg, err := SnapshotMessage(snap)
	if err != nil {
		h.logger.Error("Error creating snapshot message", zap.Error(err))
		return
	}
	c.trySend(msg)
}
