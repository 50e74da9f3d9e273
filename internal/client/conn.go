package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/ws"
)

// EventHandler receives hub events. Calls come from the connection's read goroutine.
type EventHandler interface {
	OnRemoteCreate(msg model.Message, ref string)
	OnRemoteDelete(conversationID, messageID string)
	OnRemoteError(err *RemoteError)
	// OnDisconnect is called once when the read loop stops, after Close too.
	OnDisconnect(err error)
}

// ConnConfig describes how to reach the hub.
type ConnConfig struct {
	// URL is the WebSocket endpoint, e.g. ws://host:8080/ws.
	URL    string
	Header http.Header

	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// Conn is the client's one connection to the hub. It is created disconnected;
// the owner calls Connect and Close explicitly.
type Conn struct {
	cfg    ConnConfig
	dialer *websocket.Dialer

	writeMu sync.Mutex
	mu      sync.Mutex
	ws      *websocket.Conn
	done    chan struct{}
	err     error
	wg      sync.WaitGroup
}

func NewConn(cfg ConnConfig) *Conn {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	return &Conn{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connect dials the hub and starts dispatching events to h.
func (c *Conn) Connect(ctx context.Context, h EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return errors.New("conn.Connect: already connected")
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("conn.Connect: %w: status %d", ErrUnavailable, resp.StatusCode)
		}
		return fmt.Errorf("conn.Connect: %w: %w", ErrUnavailable, err)
	}
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	c.ws = conn
	c.done = make(chan struct{})
	c.err = nil
	c.wg.Add(1)
	go c.readLoop(conn, c.done, h)
	return nil
}

// Done is closed when the connection drops or Close is called.
func (c *Conn) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the read loop stopped; nil while connected or after Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes one request to the hub. A write that cannot complete within the
// write timeout (or ctx) fails with ErrUnavailable.
func (c *Conn) Send(ctx context.Context, msg ws.IncomingMessage) error {
	c.mu.Lock()
	conn := c.ws
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("conn.Send: %w: not connected", ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("conn.Send: %w: %w", ErrUnavailable, err)
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("conn.Send %s: %w: %w", msg.Type, ErrUnavailable, err)
	}
	return nil
}

// Close disconnects and waits for the read loop to exit. Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	conn := c.ws
	c.ws = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	c.wg.Wait()
	return err
}

type envelope struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *Conn) readLoop(conn *websocket.Conn, done chan struct{}, h EventHandler) {
	defer c.wg.Done()
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.ws == conn {
				// dropped by the server or the network, not by Close
				c.ws = nil
				c.err = err
				_ = conn.Close()
			}
			c.mu.Unlock()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Errorf("client: connection lost: %v", err)
			}
			h.OnDisconnect(err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.dispatch(data, h)
	}
}

func (c *Conn) dispatch(data []byte, h EventHandler) {
	var ev envelope
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Errorf("client: malformed event: %v", err)
		return
	}
	switch ev.Type {
	case ws.EventCreated:
		var p ws.CreatedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("client: malformed created event: %v", err)
			return
		}
		h.OnRemoteCreate(p.Message, p.Ref)
	case ws.EventDeleted:
		var p ws.DeletedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.ConversationID == "" || p.MessageID == "" {
			logger.Errorf("client: malformed deleted event: %s", data)
			return
		}
		h.OnRemoteDelete(p.ConversationID, p.MessageID)
	case ws.EventError:
		var p ws.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Errorf("client: malformed error event: %v", err)
			return
		}
		h.OnRemoteError(&RemoteError{
			Code:           p.Code,
			Message:        p.Message,
			Ref:            p.Ref,
			ConversationID: p.ConversationID,
			MessageID:      p.MessageID,
		})
	case ws.EventJoined:
		logger.Debugf("client: joined %s", ev.Payload)
	default:
		logger.Debugf("client: ignoring event %q", ev.Type)
	}
}
