package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/batchpub/engine"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/transport"
	"github.com/teranos/batchpub/wire"
)

// session is one WebSocket connection. Each of its subscriptions attaches
// its own listener so two subscriptions to the same publication stay
// independent.
type session struct {
	id     string
	server *Server
	conn   transport.Conn
	log    *zap.SugaredLogger

	connected atomic.Bool
	closed    atomic.Bool

	mu   sync.Mutex
	subs map[string]*engine.Subscription
}

// subListener delivers one subscription's batches through its session.
type subListener struct {
	sess  *session
	subID string
}

func (l *subListener) ID() string { return l.sess.id + "/" + l.subID }

func (l *subListener) Send(msg []byte) { l.sess.send(msg) }

// Ready is false until the session completed connect and after it closed.
func (l *subListener) Ready() bool { return l.sess.connected.Load() && !l.sess.closed.Load() }

func (l *subListener) Deactivated() bool { return l.sess.closed.Load() }

// HandleWebSocket upgrades the request and runs a session on it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("WebSocket upgrade failed", logger.FieldError, err.Error())
		return
	}

	id := uuid.NewString()
	log := s.log.With(logger.FieldSessionID, id)
	conn := transport.NewWSConn(ws, transport.Options{ID: id, Logger: log, SendBuffer: s.opts.SendBuffer})
	sess := &session{
		id:     id,
		server: s,
		conn:   conn,
		log:    log,
		subs:   make(map[string]*engine.Subscription),
	}
	if !s.register(sess) {
		ws.Close()
		return
	}
	s.metrics.SessionOpened()
	log.Infow("Session opened", "remote_addr", r.RemoteAddr, "user_agent", r.UserAgent())

	conn.OnMessage(wire.MsgConnect, sess.handleConnect)
	conn.OnMessage(wire.MsgSub, sess.handleSub)
	conn.OnMessage(wire.MsgUnsub, sess.handleUnsub)
	conn.OnMessage(wire.MsgPing, sess.handlePing)
	conn.OnMessage(wire.MsgPong, func([]byte) {})
	conn.OnClose(sess.close)
	conn.Start()
}

func (sess *session) send(msg []byte) {
	if err := sess.conn.Send(msg); err != nil {
		if errors.Is(err, errors.ErrClosed) {
			sess.server.metrics.MessageDropped("closed")
			sess.log.Debugw("Dropping message for closed session", logger.FieldSize, len(msg))
			return
		}
		sess.server.metrics.MessageDropped("queue_full")
		sess.log.Warnw("Dropping message", logger.FieldError, err.Error(), logger.FieldSize, len(msg))
	}
}

func (sess *session) sendMessage(msg any) {
	raw, err := wire.Encode(msg)
	if err != nil {
		sess.log.Errorw("Failed to encode message", logger.FieldError, err.Error())
		return
	}
	sess.send(raw)
}

func (sess *session) reject(offending, reason string) {
	sess.sendMessage(wire.ErrorMessage{Msg: wire.MsgError, Reason: reason, Offending: offending})
}

func (sess *session) handleConnect([]byte) {
	if !sess.connected.CompareAndSwap(false, true) {
		sess.reject(wire.MsgConnect, "already connected")
		return
	}
	sess.sendMessage(wire.Connected{Msg: wire.MsgConnected, Session: sess.id})
}

func (sess *session) handleSub(raw []byte) {
	var msg wire.Sub
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" || msg.Name == "" {
		sess.reject(wire.MsgSub, "malformed sub")
		return
	}
	if !sess.connected.Load() {
		sess.reject(wire.MsgSub, "must connect first")
		return
	}

	sess.mu.Lock()
	_, dup := sess.subs[msg.ID]
	if !dup {
		// Reserve the id while subscribing.
		sess.subs[msg.ID] = nil
	}
	sess.mu.Unlock()
	if dup {
		sess.sendMessage(wire.NoSub{Msg: wire.MsgNoSub, ID: msg.ID,
			Error: wire.NewErrorValue(errors.NewInvalidRequestError("subscription id %s in use", msg.ID))})
		return
	}

	l := &subListener{sess: sess, subID: msg.ID}
	sub, err := sess.server.opts.Engine.Subscribe(sess.server.ctx, l, msg.Name, msg.Params...)
	if err != nil {
		sess.forget(msg.ID)
		sess.log.Infow("Subscription failed",
			logger.FieldSubID, msg.ID,
			logger.FieldPublication, msg.Name,
			logger.FieldError, err.Error())
		sess.sendMessage(wire.NoSub{Msg: wire.MsgNoSub, ID: msg.ID, Error: wire.NewErrorValue(err)})
		return
	}

	sess.mu.Lock()
	_, reserved := sess.subs[msg.ID]
	if reserved {
		sess.subs[msg.ID] = sub
	}
	sess.mu.Unlock()
	if !reserved {
		// Unsubscribed or closed while subscribing.
		sess.server.opts.Engine.Unsubscribe(context.Background(), sub)
		return
	}
	sess.sendMessage(wire.Ready{Msg: wire.MsgReady, Subs: []string{msg.ID}})
	sess.log.Debugw("Subscribed", logger.FieldSubID, msg.ID, logger.FieldPublication, msg.Name)
}

func (sess *session) handleUnsub(raw []byte) {
	var msg wire.Unsub
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
		sess.reject(wire.MsgUnsub, "malformed unsub")
		return
	}
	if sub := sess.forget(msg.ID); sub != nil {
		if err := sess.server.opts.Engine.Unsubscribe(sess.server.ctx, sub); err != nil {
			sess.log.Warnw("Unsubscribe failed", logger.FieldSubID, msg.ID, logger.FieldError, err.Error())
		}
	}
	sess.sendMessage(wire.NoSub{Msg: wire.MsgNoSub, ID: msg.ID})
}

func (sess *session) handlePing(raw []byte) {
	var msg wire.Ping
	json.Unmarshal(raw, &msg)
	sess.sendMessage(wire.Ping{Msg: wire.MsgPong, ID: msg.ID})
}

func (sess *session) forget(id string) *engine.Subscription {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sub := sess.subs[id]
	delete(sess.subs, id)
	return sub
}

// close runs once when the connection is gone.
func (sess *session) close() {
	sess.closed.Store(true)

	sess.mu.Lock()
	subs := sess.subs
	sess.subs = make(map[string]*engine.Subscription)
	sess.mu.Unlock()

	for id, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sess.server.opts.Engine.Unsubscribe(context.Background(), sub); err != nil {
			sess.log.Debugw("Unsubscribe on close failed", logger.FieldSubID, id, logger.FieldError, err.Error())
		}
	}
	sess.server.unregister(sess)
}
