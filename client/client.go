// Package client keeps one user bound to a relay: it logs in through the
// route service, holds the relay connection alive with heartbeats,
// reconnects with bounded backoff and hands inbound frames to a callback on
// a worker pool.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"cim/config"
	"cim/errs"
	"cim/logger"
	"cim/models"
	"cim/pool"
	"cim/protocol"
	"cim/route"
)

const (
	connectTimeout = 30 * time.Second
	loginTimeout   = 10 * time.Second
	writeTimeout   = 10 * time.Second
	backoffBase    = 100 * time.Millisecond
)

var noDeadline time.Time

type State int32

const (
	StateDisconnected State = iota
	StateRouted
	StateConnected
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateRouted:
		return "routed"
	case StateConnected:
		return "connected"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Message is an inbound frame handed to the callback: a MSG from another
// user, or the relay's ACK to one of our sends.
type Message struct {
	Type protocol.Command
	// From is the sender of a MSG.
	From int64
	Text string
	// Code and Detail are set for ACK frames.
	Code   int
	Detail string
}

type Handler func(Message)

// Router is the part of the route service the client depends on.
type Router interface {
	Register(ctx context.Context, name, secret string) (int64, error)
	Login(ctx context.Context, name, secret string, exclude ...int64) (route.Assignment, error)
	Lookup(ctx context.Context, userID int64) (models.ServerNode, error)
	Offline(ctx context.Context, userID, serverID int64) error
	OnlineUsers(ctx context.Context) ([]models.OnlineUser, error)
	SearchUsers(ctx context.Context, pattern string) ([]models.OnlineUser, error)
}

type Config struct {
	// UserID skips registration when set.
	UserID   int64
	UserName string
	Secret   string

	HeartbeatInterval time.Duration
	PoolSize          int
	QueueSize         int
	QueuePolicy       string
	MaxAttempts       int
	BackoffCap        time.Duration
	MaxFrameSize      int

	// Force clears an existing route entry for the user before logging in.
	Force bool
}

// ConfigFrom picks the client settings out of the process configuration.
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		UserID:            cfg.UserID,
		UserName:          cfg.UserName,
		Secret:            cfg.UserSecret,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PoolSize:          cfg.CallbackPoolSize,
		QueueSize:         cfg.CallbackQueueSize,
		QueuePolicy:       cfg.CallbackQueuePolicy,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		BackoffCap:        cfg.ReconnectBackoffCap,
		MaxFrameSize:      cfg.MaxFrameSize,
	}
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.QueuePolicy == "" {
		c.QueuePolicy = config.PolicyBlock
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
}

type Client struct {
	config  Config
	router  Router
	handler Handler
	clock   clock.Clock
	log     logr.Logger

	inbox      *inbox
	pool       *pool.Pool
	dispatched chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	userID   int64
	node     models.ServerNode
	sess     *session
	lastPong time.Time
	err      error

	rngMu sync.Mutex
	rng   *rand.Rand

	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// New builds a client. The handler runs on the callback pool; it must not
// call Close.
func New(router Router, cfg *Config, handler Handler, opts ...Option) *Client {
	c := &Client{
		config:     *cfg,
		router:     router,
		handler:    handler,
		clock:      clock.New(),
		log:        logger.GetLogger().WithName("client"),
		dispatched: make(chan struct{}),
		done:       make(chan struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.config.setDefaults()
	if c.handler == nil {
		c.handler = func(Message) {}
	}
	c.userID = c.config.UserID
	c.inbox = newInbox(c.config.QueueSize, c.config.QueuePolicy)
	c.pool = pool.New(c.config.PoolSize, c.config.QueueSize)
	for _, opt := range opts {
		opt(c)
	}
	go c.dispatch()
	return c
}

// Start registers the user when no id is configured, logs in and binds to
// the assigned relay. Failures of the first login are returned as is; after
// that, connection loss triggers reconnection and a terminal failure is
// reported through Done and Err. Cancelling ctx closes the client.
func (c *Client) Start(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ctx, c.cancel = cctx, cancel
	c.mu.Unlock()

	if err := c.ensureUser(c.ctx); err != nil {
		c.shutdown(err)
		return err
	}
	if c.config.Force {
		if err := c.kick(c.ctx); err != nil {
			c.shutdown(err)
			return err
		}
	}
	sess, err := c.connect(c.ctx, models.ServerNode{}, nil)
	if err != nil {
		c.shutdown(err)
		return err
	}
	go c.supervise(sess)
	return nil
}

// Close sends CLOSE to the relay, drains pending callbacks and stops the
// client.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed once the client has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the client stopped: nil after Close, otherwise the
// terminal error such as errs.ErrReconnectExhausted.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Server is the relay the client was last assigned to.
func (c *Client) Server() models.ServerNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

// LastPongAt is when the relay last answered a heartbeat.
func (c *Client) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// SendP2P sends text to a single user.
func (c *Client) SendP2P(receiver int64, text string) error {
	return c.send(protocol.Msg, protocol.FormatP2P(receiver, text))
}

// SendGroup sends text to every member of a group. Group 0 addresses all
// online users.
func (c *Client) SendGroup(groupID int64, text string) error {
	return c.send(protocol.Group, protocol.FormatGroup(groupID, text))
}

func (c *Client) OnlineUsers(ctx context.Context) ([]models.OnlineUser, error) {
	return c.router.OnlineUsers(ctx)
}

func (c *Client) send(typ protocol.Command, msg string) error {
	c.mu.Lock()
	state, sess, uid := c.state, c.sess, c.userID
	c.mu.Unlock()

	if state == StateClosed {
		return ErrClosed
	}
	if sess == nil || state != StateBound {
		return ErrNotBound
	}
	return sess.send(protocol.Request{RequestID: uid, ReqMsg: msg, Type: typ})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Client) ensureUser(ctx context.Context) error {
	if c.config.UserID != 0 {
		return nil
	}
	id, err := c.router.Register(ctx, c.config.UserName, c.config.Secret)
	switch {
	case err == nil:
		c.mu.Lock()
		c.userID = id
		c.mu.Unlock()
		c.log.Info("Registered user", "userName", c.config.UserName, "userId", id)
	case errors.Is(err, errs.ErrUserExists):
		// the id comes back with the login
	default:
		return err
	}
	return nil
}

// kick removes the route entry left by another session of this user.
func (c *Client) kick(ctx context.Context) error {
	uid := c.UserID()
	if uid == 0 {
		var err error
		if uid, err = c.resolveUserID(ctx); err != nil {
			return err
		}
	}
	node, err := c.router.Lookup(ctx, uid)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.router.Offline(ctx, uid, node.ID); err != nil {
		return err
	}
	c.log.Info("Cleared existing session", "userId", uid, "server", node.String())
	return nil
}

func (c *Client) resolveUserID(ctx context.Context) (int64, error) {
	users, err := c.router.SearchUsers(ctx, c.config.UserName)
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		if u.UserName == c.config.UserName {
			return u.UserID, nil
		}
	}
	return 0, fmt.Errorf("%w: user %q", errs.ErrNotFound, c.config.UserName)
}

// login asks the route service for a relay other than the ones in avoid.
// When the user still shows as online on the relay that was just lost, that
// stale entry is cleared and the login retried once.
func (c *Client) login(ctx context.Context, lost models.ServerNode, avoid []int64) (route.Assignment, error) {
	a, err := c.router.Login(ctx, c.config.UserName, c.config.Secret, avoid...)
	if !errors.Is(err, errs.ErrAlreadyOnline) || lost.ID == 0 {
		return a, err
	}
	uid := c.UserID()
	node, lerr := c.router.Lookup(ctx, uid)
	if lerr != nil || node.ID != lost.ID {
		return a, err
	}
	c.log.Info("Clearing stale route entry", "userId", uid, "server", lost.String())
	if oerr := c.router.Offline(ctx, uid, lost.ID); oerr != nil && !errors.Is(oerr, errs.ErrNotFound) {
		return a, oerr
	}
	return c.router.Login(ctx, c.config.UserName, c.config.Secret, avoid...)
}

// connect runs disconnected -> routed -> connected -> bound.
func (c *Client) connect(ctx context.Context, lost models.ServerNode, avoid []int64) (*session, error) {
	a, err := c.login(ctx, lost, avoid)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.userID = a.UserID
	c.node = a.Server
	c.mu.Unlock()
	c.setState(StateRouted)

	dialer := &net.Dialer{Timeout: connectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", a.Server.Addr())
	if err != nil {
		// give the assignment back so the next login is not refused
		c.release(a.UserID, a.Server.ID)
		return nil, relayError(a.Server, err)
	}
	c.setState(StateConnected)

	sess := newSession(a.Server, nc, c.config.MaxFrameSize)
	nc.SetDeadline(time.Now().Add(loginTimeout))
	if err := sess.w.WriteRequest(protocol.Request{RequestID: a.UserID, ReqMsg: a.Token, Type: protocol.Login}); err != nil {
		sess.close()
		return nil, relayError(a.Server, err)
	}
	resp, err := sess.r.ReadResponse()
	if err != nil {
		sess.close()
		return nil, relayError(a.Server, err)
	}
	if resp.Type != protocol.Ack {
		sess.close()
		return nil, fmt.Errorf("%w: relay answered login with %s", errs.ErrInternal, resp.Type)
	}
	if err := protocol.AckError(resp.ResMsg); err != nil {
		sess.close()
		return nil, err
	}
	nc.SetDeadline(noDeadline)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		sess.close()
		return nil, ErrClosed
	}
	c.sess = sess
	c.state = StateBound
	c.lastPong = c.clock.Now()
	c.mu.Unlock()

	go c.readLoop(sess)
	go c.pingLoop(sess)
	c.log.Info("Logged in", "userId", a.UserID, "server", a.Server.String())
	return sess, nil
}

func (c *Client) release(uid, serverID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), loginTimeout)
	defer cancel()
	if err := c.router.Offline(ctx, uid, serverID); err != nil {
		c.log.V(1).Info("Releasing assignment failed", "userId", uid, "serverId", serverID, "error", err.Error())
	}
}

// supervise waits for the bound session to end and reconnects until the
// client is closed or the attempts run out.
func (c *Client) supervise(sess *session) {
	for {
		select {
		case <-sess.done:
		case <-c.ctx.Done():
			c.shutdown(nil)
			return
		}

		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		if c.sess == sess {
			c.sess = nil
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.Info("Connection to relay lost", "server", sess.node.String(), "reason", sess.reason())
		if sess.wasSuperseded() {
			// a newer login owns the user
			c.shutdown(fmt.Errorf("%w: session taken over by another login", errs.ErrAlreadyOnline))
			return
		}

		next, err := c.reconnect(sess.node)
		if err != nil {
			if errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
				err = nil
			} else {
				c.log.Error(err, "Giving up")
			}
			c.shutdown(err)
			return
		}
		sess = next
	}
}

// reconnect logs in again, steering away from the lost relay and from every
// relay that failed an attempt, since a killed relay stays registered until
// the registry sweeps it.
func (c *Client) reconnect(lost models.ServerNode) (*session, error) {
	var lastErr error
	avoid := []int64{lost.ID}
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		t := c.clock.Timer(c.backoff(attempt))
		select {
		case <-t.C:
		case <-c.ctx.Done():
			t.Stop()
			return nil, ErrClosed
		}

		sess, err := c.connect(c.ctx, lost, avoid)
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, errs.ErrAuthFailed) || errors.Is(err, ErrClosed) {
			return nil, err
		}
		lastErr = err
		if id := c.Server().ID; id != 0 && !containsID(avoid, id) {
			avoid = append(avoid, id)
		}
		c.log.Info("Reconnect attempt failed", "attempt", attempt, "error", err.Error())
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", errs.ErrReconnectExhausted, c.config.MaxAttempts, lastErr)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (c *Client) backoff(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return fullJitter(c.rng, attempt, backoffBase, c.config.BackoffCap)
}

// fullJitter picks a delay uniformly in [0, min(cap, base*2^(attempt-1))].
func fullJitter(rng *rand.Rand, attempt int, base, cap time.Duration) time.Duration {
	ceil := cap
	if attempt < 1 {
		attempt = 1
	}
	if attempt <= 32 {
		if d := base << uint(attempt-1); d > 0 && d < cap {
			ceil = d
		}
	}
	return time.Duration(rng.Int63n(int64(ceil) + 1))
}

func (c *Client) readLoop(s *session) {
	defer close(s.done)
	defer s.close()

	liveness := 3 * c.config.HeartbeatInterval
	for {
		s.nc.SetReadDeadline(time.Now().Add(liveness))
		resp, err := s.r.ReadResponse()
		if err != nil {
			s.setReason(err.Error())
			return
		}

		switch resp.Type {
		case protocol.Pong:
			c.mu.Lock()
			c.lastPong = c.clock.Now()
			c.mu.Unlock()
		case protocol.Msg:
			if !c.inbox.push(Message{Type: protocol.Msg, From: resp.ResponseID, Text: resp.ResMsg}) {
				s.setReason("client closed")
				return
			}
		case protocol.Ack:
			code, detail, err := protocol.ParseAck(resp.ResMsg)
			if err != nil {
				c.log.Info("Bad acknowledgement from relay", "msg", resp.ResMsg)
				continue
			}
			if !c.inbox.push(Message{Type: protocol.Ack, Text: resp.ResMsg, Code: code, Detail: detail}) {
				s.setReason("client closed")
				return
			}
		case protocol.Close:
			s.send(protocol.Request{RequestID: c.UserID(), Type: protocol.Close})
			s.setReason("closed by relay: " + resp.ResMsg)
			if resp.ResMsg == protocol.CloseReplaced || resp.ResMsg == protocol.CloseRevoked {
				s.mu.Lock()
				s.superseded = true
				s.mu.Unlock()
			}
			return
		}
	}
}

func (c *Client) pingLoop(s *session) {
	ticker := c.clock.Ticker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send(protocol.Request{RequestID: c.UserID(), ReqMsg: protocol.PingMessage, Type: protocol.Ping}); err != nil {
				s.setReason("heartbeat: " + err.Error())
				s.close()
				return
			}
		}
	}
}

// dispatch moves inbound frames from the inbox onto the callback pool.
func (c *Client) dispatch() {
	defer close(c.dispatched)
	for {
		m, ok := c.inbox.pop()
		if !ok {
			return
		}
		if err := c.pool.Submit(context.Background(), func() { c.handler(m) }); err != nil {
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		sess := c.sess
		c.sess = nil
		c.err = err
		uid := c.userID
		cancel := c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sess != nil {
			sess.send(protocol.Request{RequestID: uid, Type: protocol.Close})
			sess.close()
		}
		c.inbox.close()
		<-c.dispatched
		c.pool.Stop()
		if dropped := c.inbox.droppedCount(); dropped > 0 {
			c.log.Info("Inbox dropped frames", "count", dropped)
		}
		close(c.done)
	})
}

type session struct {
	node models.ServerNode
	nc   net.Conn
	r    *protocol.Reader

	wmu sync.Mutex
	w   *protocol.Writer

	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	why        string
	superseded bool
}

func newSession(node models.ServerNode, nc net.Conn, maxFrameSize int) *session {
	return &session{
		node: node,
		nc:   nc,
		r:    protocol.NewReader(nc, maxFrameSize),
		w:    protocol.NewWriter(nc),
		done: make(chan struct{}),
	}
}

func (s *session) send(req protocol.Request) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.w.WriteRequest(req)
}

func (s *session) close() {
	s.once.Do(func() { s.nc.Close() })
}

// setReason keeps the first reason the session ended.
func (s *session) setReason(why string) {
	s.mu.Lock()
	if s.why == "" {
		s.why = why
	}
	s.mu.Unlock()
}

func (s *session) wasSuperseded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.superseded
}

func (s *session) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.why
}

func relayError(node models.ServerNode, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: relay %d: %v", errs.ErrUpstreamTimeout, node.ID, err)
	}
	return fmt.Errorf("%w: relay %d: %s", errs.ErrInternal, node.ID, strings.TrimSpace(err.Error()))
}
