// Package transport carries protocol messages over WebSocket connections.
// A connection has one read pump dispatching messages to handlers by their
// msg type and one write pump draining a bounded send queue.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/wire"
)

// WebSocket timeouts, following the gorilla chat example.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4 * 1024 * 1024

	// DefaultSendBuffer is the number of queued outgoing messages.
	DefaultSendBuffer = 256
)

// Handler receives one raw message.
type Handler func(raw []byte)

// Conn is a message connection.
type Conn interface {
	// Send queues a message. It fails when the connection is closed or
	// its queue is full.
	Send(msg []byte) error
	// OnMessage registers the handler for a msg type, replacing any
	// previous one. Handlers run on the read goroutine.
	OnMessage(msgType string, h Handler)
	// OnClose registers a callback run once after the connection closes.
	OnClose(fn func())
	Close() error
	Done() <-chan struct{}
}

// Options configures a WSConn.
type Options struct {
	ID         string
	Logger     *zap.SugaredLogger
	SendBuffer int
}

// WSConn is a Conn over a gorilla WebSocket.
type WSConn struct {
	id   string
	ws   *websocket.Conn
	log  *zap.SugaredLogger
	send chan []byte

	mu       sync.RWMutex
	handlers map[string]Handler
	onClose  []func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn wraps ws. Call Start to run the pumps.
func NewWSConn(ws *websocket.Conn, opts Options) *WSConn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	return &WSConn{
		id:       opts.ID,
		ws:       ws,
		log:      logger.Named(opts.Logger, "transport"),
		send:     make(chan []byte, opts.SendBuffer),
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
}

// Start runs the read and write pumps.
func (c *WSConn) Start() {
	go c.writePump()
	go c.readPump()
}

// ID returns the id given in Options.
func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errors.Wrap(errors.ErrClosed, "connection closed")
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errors.Newf("send queue full (%d messages)", cap(c.send))
	}
}

func (c *WSConn) OnMessage(msgType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

func (c *WSConn) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Close stops both pumps. It is safe to call more than once.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.ws.Close()

		c.mu.RLock()
		callbacks := append([]func(){}, c.onClose...)
		c.mu.RUnlock()
		for _, fn := range callbacks {
			fn()
		}
	})
	return nil
}

func (c *WSConn) Done() <-chan struct{} { return c.done }

func (c *WSConn) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.dispatch(raw)
	}
}

func (c *WSConn) dispatch(raw []byte) {
	typ, err := wire.MsgType(raw)
	if err != nil {
		c.log.Warnw("Dropping malformed message",
			logger.FieldListener, c.id,
			logger.FieldError, err.Error())
		return
	}
	c.mu.RLock()
	h, ok := c.handlers[typ]
	c.mu.RUnlock()
	if !ok {
		c.log.Debugw("Unknown message type", "type", typ, logger.FieldListener, c.id)
		return
	}
	h(raw)
}

// handleReadError logs unexpected close errors. Normal closure and
// going-away are expected.
func (c *WSConn) handleReadError(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.log.Warnw("WebSocket read error",
			logger.FieldListener, c.id,
			logger.FieldError, err.Error())
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debugw("Write error",
					logger.FieldListener, c.id,
					logger.FieldError, err.Error())
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ Conn = (*WSConn)(nil)
