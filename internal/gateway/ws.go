package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dotdevdotdev/agentwire/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Single trusted operator; the portal is not origin-scoped.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSubscriber adapts a gorilla connection to the hub's Subscriber
// interface. Writes are serialized; the hub consumer and the ping loop
// both write.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{id: uuid.NewString(), conn: conn}
}

func (w *wsSubscriber) Send(frame []byte, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsSubscriber) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsSubscriber) Close(code int, reason string) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason))
		w.mu.Unlock()
		_ = w.conn.Close()
	})
}

// handleWebSocket dispatches /ws/{name}, /ws/terminal/{name}, and
// /ws/dashboard from one wildcard route.
func (s *Server) handleWebSocket(c *gin.Context) {
	name := wildcardName(c, "name")
	switch {
	case name == "dashboard":
		s.handleDashboardSocket(c)
	case strings.HasPrefix(name, "terminal/"):
		s.handleTerminalSocket(c, strings.TrimPrefix(name, "terminal/"))
	default:
		s.handleRoomSocket(c, name)
	}
}

func (s *Server) handleRoomSocket(c *gin.Context, name string) {
	roomHub, err := s.hubs.Get(name)
	if err != nil {
		abortError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sub := newWSSubscriber(conn)
	roomHub.Subscribe(sub)
	s.logger.Info("room socket connected", zap.String("room", name))

	defer func() {
		roomHub.Unsubscribe(sub)
		roomHub.Unlock(sub.id)
		sub.Close(websocket.CloseNormalClosure, "")
		s.logger.Info("room socket disconnected", zap.String("room", name))
	}()

	// Ping loop keeps intermediaries from idling the socket out.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if sub.ping() != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case wire.TypeRecordingStarted:
			roomHub.TryLock(sub.id)
			roomHub.RefreshLock(sub.id)
		case wire.TypeRecordingStopped:
			roomHub.Unlock(sub.id)
		}
	}
}

func (s *Server) handleDashboardSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sub := newWSSubscriber(conn)
	s.hubs.SubscribeDashboard(sub)
	defer func() {
		s.hubs.UnsubscribeDashboard(sub)
		sub.Close(websocket.CloseNormalClosure, "")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// terminalControl is the JSON control vocabulary of the raw pty socket.
type terminalControl struct {
	Type string `json:"type"` // input or resize
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// handleTerminalSocket attaches a browser to the room's pane as a raw
// byte stream: binary frames out, JSON control in.
func (s *Server) handleTerminalSocket(c *gin.Context, name string) {
	room, err := s.registry.Get(name)
	if err != nil {
		abortError(c, err)
		return
	}
	adapter, err := s.muxFor(room.Machine)
	if err != nil {
		abortError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	sub := newWSSubscriber(conn)
	defer sub.Close(websocket.CloseNormalClosure, "")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	pty, err := adapter.AttachPty(ctx, room.ID.Name, 80, 24)
	if err != nil {
		s.logger.Warn("pty attach failed", zap.String("room", name), zap.Error(err))
		return
	}
	defer pty.Close()

	// Pane output to the socket.
	go func() {
		defer cancel()
		buf := make([]byte, 4096)
		for {
			n, err := pty.Read(buf)
			if n > 0 {
				sub.mu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n])
				sub.mu.Unlock()
				if werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl terminalControl
		if err := json.Unmarshal(message, &ctrl); err != nil {
			continue
		}
		switch ctrl.Type {
		case "input":
			if _, err := pty.Write([]byte(ctrl.Data)); err != nil {
				return
			}
		case "resize":
			_ = pty.Resize(ctrl.Cols, ctrl.Rows)
		}
	}
}
