// Package server implements the relay: it accepts client and peer relay
// connections, binds sessions after route-checked logins, and delivers
// P2P and group messages locally or through other relays.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"cim/errs"
	"cim/logger"
	"cim/models"
	"cim/pool"
	"cim/protocol"
	"cim/route"
)

// Router is the part of the registry the relay depends on.
type Router interface {
	Lookup(ctx context.Context, userID int64) (models.ServerNode, error)
	Offline(ctx context.Context, userID, serverID int64) error
	RegisterServer(ctx context.Context, host string, port int, hint int64) (int64, error)
	Heartbeat(ctx context.Context, req route.HeartbeatRequest) (route.HeartbeatReply, error)
	GroupMembers(ctx context.Context, groupID int64) ([]int64, error)
	Servers(ctx context.Context) ([]models.ServerNode, error)
}

type Config struct {
	Addr string
	// Host and Port are announced to the registry. A zero Port means the
	// listener's port.
	Host string
	Port int

	HeartbeatInterval time.Duration
	LoginGrace        time.Duration
	LookupTimeout     time.Duration
	ShutdownTimeout   time.Duration
	MaxFrameSize      int
	PoolSize          int
	QueueSize         int
	PeerCacheSize     int
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.LoginGrace <= 0 {
		c.LoginGrace = 30 * time.Second
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PeerCacheSize <= 0 {
		c.PeerCacheSize = 64
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
}

type Server struct {
	config *Config
	router Router
	tokens *route.Tokens
	clock  clock.Clock
	pool   *pool.Pool
	peers  *peerCache
	log    logr.Logger

	id  int64 // atomic
	ctx context.Context

	mu       sync.RWMutex
	sessions map[int64]*conn
	conns    map[*conn]struct{}
	listener net.Listener
	closing  bool
	connWg   sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(*Server)

func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func WithTokens(t *route.Tokens) Option {
	return func(s *Server) { s.tokens = t }
}

func New(router Router, config *Config, opts ...Option) *Server {
	config.setDefaults()
	s := &Server{
		config:   config,
		router:   router,
		tokens:   route.NewTokens("", 0),
		clock:    clock.New(),
		pool:     pool.New(config.PoolSize, config.QueueSize),
		log:      logger.GetLogger().WithName("relay"),
		ctx:      context.Background(),
		sessions: make(map[int64]*conn),
		conns:    make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.peers = newPeerCache(s, config.PeerCacheSize)
	return s
}

// ID is the serverId assigned by the registry, 0 before registration.
func (s *Server) ID() int64 {
	return atomic.LoadInt64(&s.id)
}

// Addr is the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on config.Addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve registers with the registry, then accepts connections on l and runs
// the session sweeper and registry heartbeat until ctx is done. It shuts
// down gracefully before returning.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.ctx = ctx
	s.mu.Unlock()

	if s.config.Port == 0 {
		if tcp, ok := l.Addr().(*net.TCPAddr); ok {
			s.config.Port = tcp.Port
		}
	}
	if err := s.register(ctx); err != nil {
		l.Close()
		return fmt.Errorf("register relay: %w", err)
	}
	s.log.Info("Relay started", "listen", l.Addr().String(), "serverId", s.ID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(l) })
	g.Go(func() error { return s.sweepLoop(gctx) })
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})
	return g.Wait()
}

func (s *Server) acceptLoop(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				s.log.Error(err, "Error accepting connection")
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		c := newConn(nc, s.config.MaxFrameSize, s.log)
		if !s.track(c) {
			nc.Close()
			continue
		}
		go c.writeLoop()
		go s.handleConnection(c)
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWg.Add(1)
	return true
}

func (s *Server) isClosing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing
}

func (s *Server) handleConnection(c *conn) {
	defer s.connWg.Done()
	defer s.teardown(c)

	connectionsAccepted.Inc()
	c.log.V(1).Info("New connection")
	c.nc.SetReadDeadline(time.Now().Add(s.config.LoginGrace))

	for {
		req, err := c.reader.ReadRequest()
		if err != nil {
			switch {
			case errors.Is(err, errs.ErrMalformedFrame):
				malformedFrames.Inc()
				c.log.Info("Dropping connection on malformed frame", "error", err.Error())
			case err == io.EOF || c.isClosed():
			default:
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() && c.getState() == stateUnbound {
					c.log.Info("No login within grace period")
				} else {
					c.log.V(1).Info("Read failed", "error", err.Error())
				}
			}
			c.close(true)
			return
		}

		if !s.handleFrame(c, req) {
			return
		}
	}
}

// teardown runs once the reader is done. A bound session that still owns its
// slot is removed and released at the registry.
func (s *Server) teardown(c *conn) {
	c.close(true)

	s.mu.Lock()
	delete(s.conns, c)
	uid := c.user()
	owned := false
	if cur, ok := s.sessions[uid]; ok && uid != 0 && cur == c {
		delete(s.sessions, uid)
		owned = true
	}
	closing := s.closing
	s.mu.Unlock()

	if !owned {
		return
	}
	sessionsGauge.Dec()
	c.log.Info("Client disconnected", "userId", uid)
	if closing {
		// Shutdown releases every session itself
		return
	}
	if err := s.offline(uid); err != nil {
		c.log.V(1).Info("Offline refused", "userId", uid, "error", err.Error())
	}
}

func (s *Server) offline(uid int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.LookupTimeout)
	defer cancel()
	return s.router.Offline(ctx, uid, s.ID())
}

func (s *Server) session(uid int64) (*conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.sessions[uid]
	return c, ok
}

// bind installs c as the session of uid. A previous session gets
// CLOSE("replaced") after its queued frames.
func (s *Server) bind(uid int64, c *conn) {
	s.mu.Lock()
	old, replaced := s.sessions[uid]
	s.sessions[uid] = c
	s.mu.Unlock()

	if replaced && old != c {
		s.evict(old, protocol.CloseReplaced)
	} else {
		sessionsGauge.Inc()
	}
}

// BoundUsers returns the userIds with a live session, ascending.
func (s *Server) BoundUsers() []int64 {
	s.mu.RLock()
	users := make([]int64, 0, len(s.sessions))
	for uid := range s.sessions {
		users = append(users, uid)
	}
	s.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Stats returns server statistics as a formatted string.
func (s *Server) Stats() string {
	users := s.BoundUsers()
	ids := make([]string, len(users))
	for i, uid := range users {
		ids[i] = strconv.FormatInt(uid, 10)
	}
	s.mu.RLock()
	conns := len(s.conns)
	s.mu.RUnlock()
	return fmt.Sprintf("serverId=%d,connections=%d,sessions=%d,peers=%d,pending=%d,users=%s",
		s.ID(), conns, len(users), s.peers.Len(), s.pool.Pending(), strings.Join(ids, ";"))
}

// evict closes a bound session the same way a client CLOSE does.
func (s *Server) evict(c *conn, reason string) {
	c.log.Info("Evicting session", "userId", c.user(), "reason", reason)
	c.sendResponse(protocol.Response{ResponseID: c.user(), ResMsg: reason, Type: protocol.Close})
	c.close(true)
}

func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := s.clock.Ticker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts sessions without a PING for three heartbeat intervals.
func (s *Server) sweep() int {
	limit := 3 * s.config.HeartbeatInterval
	now := s.clock.Now()

	s.mu.RLock()
	var stale []*conn
	for _, c := range s.sessions {
		if now.Sub(c.idleSince()) > limit {
			stale = append(stale, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range stale {
		sessionsEvicted.Inc()
		s.evict(c, protocol.CloseTimeout)
	}
	return len(stale)
}

// Shutdown stops accepting, drains the worker pool, sends CLOSE to every
// session and waits up to ShutdownTimeout for them to go away before closing
// the rest and releasing every session at the registry.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	s.closing = true
	l := s.listener
	sessions := make(map[int64]*conn, len(s.sessions))
	for uid, c := range s.sessions {
		sessions[uid] = c
	}
	var others []*conn
	for c := range s.conns {
		if cur, ok := s.sessions[c.user()]; !ok || cur != c {
			others = append(others, c)
		}
	}
	s.mu.Unlock()

	s.log.Info("Shutting down", "sessions", len(sessions))
	var err error
	if l != nil {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	s.pool.Stop()

	// peer links and connections that never logged in get no CLOSE
	for _, c := range others {
		c.close(false)
	}
	for _, c := range sessions {
		c.sendResponse(protocol.Response{ResponseID: c.user(), ResMsg: protocol.CloseShutdown, Type: protocol.Close})
	}

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.log.Info("Shutdown timeout, closing remaining connections")
		s.mu.RLock()
		for c := range s.conns {
			c.close(false)
		}
		s.mu.RUnlock()
		<-done
	}

	s.peers.Purge()

	uids := make([]int64, 0, len(sessions))
	for uid := range sessions {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	for _, uid := range uids {
		if oerr := s.offline(uid); oerr != nil {
			err = multierr.Append(err, fmt.Errorf("offline %d: %w", uid, oerr))
		}
	}
	if err != nil {
		s.log.Error(err, "Shutdown finished with errors")
	} else {
		s.log.Info("Shutdown complete")
	}
	return err
}
