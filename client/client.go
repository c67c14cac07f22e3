// Package client subscribes to publications of a batchpub server and
// mirrors the published documents into a local cache.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/transport"
	"github.com/teranos/batchpub/version"
	"github.com/teranos/batchpub/wire"
)

// ProtocolVersion is sent in connect.
const ProtocolVersion = "1"

// Options configures a Client.
type Options struct {
	Logger *zap.SugaredLogger
	// OnBatch is called on the read goroutine after a batch was applied
	// to the cache.
	OnBatch func(wire.Batch)
	// OnClose is called once when the connection is gone.
	OnClose func()
}

// Client is one session with a server.
type Client struct {
	conn    transport.Conn
	log     *zap.SugaredLogger
	cache   *Cache
	onBatch func(wire.Batch)

	connected chan struct{}

	mu      sync.Mutex
	session string
	nextID  uint64
	subs    map[string]*Subscription
}

// Subscription is one live subscription.
type Subscription struct {
	ID     string
	Name   string
	Params []any

	client *Client
	ready  chan struct{}
	done   chan struct{}
	once   sync.Once
	err    error
}

// Dial connects to url and completes the connect handshake.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	id := uuid.NewString()
	log := logger.Named(opts.Logger, "client").With(logger.FieldSessionID, id)
	header := http.Header{"User-Agent": []string{version.UserAgent()}}
	conn, err := transport.Dial(ctx, url, header, transport.Options{ID: id, Logger: log})
	if err != nil {
		return nil, err
	}
	c := newClient(conn, log, opts)
	conn.Start()
	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "connect to %s", url)
	}
	log.Infow("Connected", logger.FieldAddress, url, "server_session", c.Session())
	return c, nil
}

func newClient(conn transport.Conn, log *zap.SugaredLogger, opts Options) *Client {
	c := &Client{
		conn:      conn,
		log:       log,
		cache:     NewCache(),
		onBatch:   opts.OnBatch,
		connected: make(chan struct{}),
		subs:      make(map[string]*Subscription),
	}
	conn.OnMessage(wire.MsgConnected, c.handleConnected)
	conn.OnMessage(wire.MsgReady, c.handleReady)
	conn.OnMessage(wire.MsgNoSub, c.handleNoSub)
	conn.OnMessage(wire.MsgUpdateBatch, c.handleBatch)
	conn.OnMessage(wire.MsgPing, c.handlePing)
	conn.OnMessage(wire.MsgError, c.handleError)
	conn.OnClose(func() {
		c.failAll(errors.Wrap(errors.ErrClosed, "connection closed"))
		if opts.OnClose != nil {
			opts.OnClose()
		}
	})
	return c
}

func (c *Client) handshake(ctx context.Context) error {
	if err := c.send(wire.Connect{Msg: wire.MsgConnect, Version: ProtocolVersion}); err != nil {
		return err
	}
	select {
	case <-c.connected:
		return nil
	case <-c.conn.Done():
		return errors.Wrap(errors.ErrClosed, "connection closed during handshake")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns the id the server assigned.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Cache returns the local document cache.
func (c *Client) Cache() *Cache { return c.cache }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Subscribe sends a sub message. Wait on the returned subscription for the
// initial result.
func (c *Client) Subscribe(name string, params ...any) (*Subscription, error) {
	c.mu.Lock()
	c.nextID++
	sub := &Subscription{
		ID:     strconv.FormatUint(c.nextID, 10),
		Name:   name,
		Params: params,
		client: c,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	if err := c.send(wire.Sub{Msg: wire.MsgSub, ID: sub.ID, Name: name, Params: params}); err != nil {
		c.forget(sub.ID)
		return nil, err
	}
	c.log.Debugw("Subscribing", logger.FieldSubID, sub.ID, logger.FieldPublication, name)
	return sub, nil
}

// Unsubscribe ends sub. The server answers with nosub.
func (c *Client) Unsubscribe(sub *Subscription) error {
	return c.send(wire.Unsub{Msg: wire.MsgUnsub, ID: sub.ID})
}

// Close ends the session.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(msg any) error {
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.Send(raw)
}

func (c *Client) forget(id string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.subs[id]
	delete(c.subs, id)
	return sub
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.end(err)
	}
}

func (c *Client) handleConnected(raw []byte) {
	var msg wire.Connected
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warnw("Bad connected message", logger.FieldError, err.Error())
		return
	}
	c.mu.Lock()
	first := c.session == ""
	c.session = msg.Session
	c.mu.Unlock()
	if first {
		close(c.connected)
	}
}

func (c *Client) handleReady(raw []byte) {
	var msg wire.Ready
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warnw("Bad ready message", logger.FieldError, err.Error())
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range msg.Subs {
		if sub, ok := c.subs[id]; ok {
			sub.markReady()
		}
	}
}

func (c *Client) handleNoSub(raw []byte) {
	var msg wire.NoSub
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warnw("Bad nosub message", logger.FieldError, err.Error())
		return
	}
	sub := c.forget(msg.ID)
	if sub == nil {
		return
	}
	var err error
	if msg.Error != nil {
		err = errors.Newf("subscription %s failed: %s (%s)", sub.Name, msg.Error.Reason, msg.Error.Error)
		c.log.Warnw("Subscription failed",
			logger.FieldSubID, msg.ID,
			logger.FieldPublication, sub.Name,
			logger.FieldReason, msg.Error.Reason)
	}
	sub.end(err)
}

func (c *Client) handleBatch(raw []byte) {
	batch, err := wire.DecodeBatch(raw)
	if err != nil {
		c.log.Warnw("Dropping undecodable batch", logger.FieldError, err.Error())
		return
	}
	c.cache.ApplyBatch(batch)
	c.log.Debugw("Batch applied", logger.FieldUpdates, len(batch.Updates))
	if c.onBatch != nil {
		c.onBatch(batch)
	}
}

func (c *Client) handlePing(raw []byte) {
	var msg wire.Ping
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	c.send(wire.Ping{Msg: wire.MsgPong, ID: msg.ID})
}

func (c *Client) handleError(raw []byte) {
	var msg wire.ErrorMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	c.log.Warnw("Server rejected message", logger.FieldReason, msg.Reason, "offending", msg.Offending)
}

// Ready is closed when the initial result has arrived.
func (s *Subscription) Ready() <-chan struct{} { return s.ready }

// Done is closed when the subscription ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended, nil for a plain unsubscribe.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the subscription is ready or has ended.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return errors.Newf("subscription %s ended before ready", s.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markReady is called with the client lock held.
func (s *Subscription) markReady() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}
