package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"rivercast/internal/errs"
	"rivercast/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxInboundSize = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers connect from the player origin; auth happens at join.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeOptions binds a WebSocket connection to a viewer.
type ServeOptions struct {
	SessionID string
	ViewerID  string
	// SenderID is the chat identity used for messages typed into this
	// connection.
	SenderID string
	// OnActivity runs for every inbound frame and every pong, so a quiet but
	// connected viewer stays joined.
	OnActivity func()
	// OnClose runs once after the connection is torn down.
	OnClose func()
	// PingInterval overrides how often the server pings. Zero means
	// every 54s.
	PingInterval time.Duration
}

// Frame is the JSON envelope exchanged over the viewer WebSocket.
type Frame struct {
	Type    string              `json:"type"`
	Body    string              `json:"body,omitempty"`
	Message *models.ChatMessage `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
	Code    string              `json:"code,omitempty"`
}

const (
	FrameMessage   = "message"
	FrameHeartbeat = "heartbeat"
	FrameError     = "error"
)

// ServeWS upgrades the request and streams the session's fan-out to the
// viewer until either side disconnects. Chat typed into the socket goes
// through Send with the same checks as the HTTP API.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, opts ServeOptions) error {
	sub, err := h.Subscribe(opts.SessionID, opts.ViewerID)
	if err != nil {
		return err
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		return err
	}
	client := &wsClient{
		hub:     h,
		conn:    conn,
		sub:     sub,
		opts:    opts,
		replies: make(chan Frame, 16),
		done:    make(chan struct{}),
	}
	go client.writePump()
	client.readPump(r.Context())
	return nil
}

type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	sub     *Subscriber
	opts    ServeOptions
	replies chan Frame
	done    chan struct{}
}

func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		close(c.done)
		c.sub.Close()
		_ = c.conn.Close()
		if c.opts.OnClose != nil {
			c.opts.OnClose()
		}
	}()

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("chat websocket read failed", "session_id", c.opts.SessionID, "viewer_id", c.opts.ViewerID, "error", err)
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply(Frame{Type: FrameError, Error: "invalid frame", Code: errs.Code(errs.ErrInvalidArgument)})
				continue
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		switch frame.Type {
		case FrameHeartbeat:
		case FrameMessage:
			if c.opts.SenderID == "" {
				c.reply(Frame{Type: FrameError, Error: "anonymous viewers cannot chat", Code: errs.Code(errs.ErrForbidden)})
				continue
			}
			if _, err := c.hub.Send(ctx, c.opts.SessionID, c.opts.SenderID, frame.Body); err != nil {
				c.reply(Frame{Type: FrameError, Error: err.Error(), Code: errs.Code(err)})
			}
		default:
			c.reply(Frame{Type: FrameError, Error: "unknown frame type", Code: errs.Code(errs.ErrInvalidArgument)})
		}
	}
}

func (c *wsClient) touch() {
	if c.opts.OnActivity != nil {
		c.opts.OnActivity()
	}
}

func (c *wsClient) reply(frame Frame) {
	select {
	case c.replies <- frame:
	default:
	}
}

func (c *wsClient) writePump() {
	every := c.opts.PingInterval
	if every <= 0 {
		every = pingPeriod
	}
	ticker := time.NewTicker(every)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	messages := c.sub.Messages()
	for {
		select {
		case msg, ok := <-messages:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				reason := "session closed"
				switch {
				case c.sub.Dropped():
					reason = "subscriber too slow"
				case c.sub.Left():
					reason = "viewer left"
				}
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
				return
			}
			if err := c.conn.WriteJSON(Frame{Type: FrameMessage, Message: &msg}); err != nil {
				return
			}
		case frame := <-c.replies:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
