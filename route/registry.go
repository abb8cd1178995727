// Package route implements the registry that assigns users to relays and
// keeps at most one live route entry per user, plus its HTTP API and client.
package route

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"cim/errs"
	"cim/logger"
	"cim/models"
)

// EveryoneGroup is the implicit group of all online users.
const EveryoneGroup int64 = 0

const lockStripes = 64

// Store is the durable side of the registry.
type Store interface {
	CreateUser(name, secret string) (int64, error)
	AuthenticateUser(name, secret string) (models.User, error)
	GetUser(id int64) (models.User, error)
	SearchUsers(pattern string, limit int) ([]models.User, error)
	CreateGroup(name string, creator int64) (int64, error)
	AddGroupMember(groupID, userID int64) error
	RemoveGroupMember(groupID, userID int64) error
	GetGroup(groupID int64) (models.Group, error)
}

type serverState struct {
	node          models.ServerNode
	lastHeartbeat time.Time
}

// Assignment is the result of a successful login.
type Assignment struct {
	UserID int64
	Server models.ServerNode
	Token  string
}

// Pending is a route entry handed out by Login that its relay has not bound yet.
type Pending struct {
	UserID int64 `json:"userId"`
	AgeMs  int64 `json:"ageMs"`
}

type Registry struct {
	store    Store
	tokens   *Tokens
	clock    clock.Clock
	interval time.Duration
	log      logr.Logger

	mu           sync.RWMutex
	routes       map[int64]*models.RouteEntry
	servers      map[int64]*serverState
	nextServerID int64

	userLocks [lockStripes]sync.Mutex
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithTokens(t *Tokens) Option {
	return func(r *Registry) { r.tokens = t }
}

// NewRegistry creates a registry whose relays are expected to heartbeat every
// interval.
func NewRegistry(store Store, interval time.Duration, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		tokens:   NewTokens("", 0),
		clock:    clock.New(),
		interval: interval,
		log:      logger.GetLogger().WithName("registry"),
		routes:   make(map[int64]*models.RouteEntry),
		servers:  make(map[int64]*serverState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lockUser(userID int64) func() {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	m := &r.userLocks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (r *Registry) RegisterUser(name, secret string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: empty user name", errs.ErrAuthFailed)
	}
	id, err := r.store.CreateUser(name, secret)
	if err != nil {
		return 0, err
	}
	r.log.Info("user registered", "userId", id, "userName", name)
	return id, nil
}

// Login authenticates the user and assigns it to the least-loaded relay. The
// route entry exists before Login returns. Relays listed in exclude, and
// relays that missed their last heartbeat, are only picked when nothing else
// is registered.
func (r *Registry) Login(name, secret string, exclude ...int64) (Assignment, error) {
	u, err := r.store.AuthenticateUser(name, secret)
	if err != nil {
		return Assignment{}, err
	}

	unlock := r.lockUser(u.ID)
	defer unlock()

	r.mu.Lock()
	if e, ok := r.routes[u.ID]; ok {
		r.mu.Unlock()
		return Assignment{}, fmt.Errorf("%w: user %d on relay %d", errs.ErrAlreadyOnline, u.ID, e.ServerID)
	}
	node, ok := r.pickLocked(exclude)
	if !ok {
		r.mu.Unlock()
		return Assignment{}, fmt.Errorf("%w: no relay available", errs.ErrNotFound)
	}
	r.routes[u.ID] = &models.RouteEntry{
		UserID:     u.ID,
		UserName:   u.Name,
		ServerID:   node.ID,
		AssignedAt: r.clock.Now(),
	}
	r.servers[node.ID].node.SessionCount++
	r.mu.Unlock()

	token, err := r.tokens.Issue(u.ID, node.ID)
	if err != nil {
		r.removeRoute(u.ID, node.ID)
		return Assignment{}, fmt.Errorf("%w: issue token: %v", errs.ErrInternal, err)
	}

	routeLogins.Inc()
	r.log.Info("user assigned", "userId", u.ID, "server", node.String())
	return Assignment{UserID: u.ID, Server: node, Token: token}, nil
}

// pickLocked ranks relays by health first and load second. Ties go to the
// lower serverId.
func (r *Registry) pickLocked(exclude []int64) (models.ServerNode, bool) {
	now := r.clock.Now()
	staleAfter := r.interval + r.interval/2
	rank := func(s *serverState) int {
		for _, id := range exclude {
			if id == s.node.ID {
				return 2
			}
		}
		if now.Sub(s.lastHeartbeat) > staleAfter {
			return 1
		}
		return 0
	}

	var best *serverState
	bestRank := 0
	for _, s := range r.servers {
		rk := rank(s)
		if best == nil || rk < bestRank ||
			(rk == bestRank && (s.node.SessionCount < best.node.SessionCount ||
				(s.node.SessionCount == best.node.SessionCount && s.node.ID < best.node.ID))) {
			best, bestRank = s, rk
		}
	}
	if best == nil {
		return models.ServerNode{}, false
	}
	return best.node, true
}

// Lookup returns the relay owning userID.
func (r *Registry) Lookup(userID int64) (models.ServerNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.routes[userID]
	if !ok {
		return models.ServerNode{}, fmt.Errorf("%w: user %d offline", errs.ErrNotFound, userID)
	}
	s, ok := r.servers[e.ServerID]
	if !ok {
		return models.ServerNode{}, fmt.Errorf("%w: relay %d", errs.ErrNotFound, e.ServerID)
	}
	return s.node, nil
}

// OnlineUsers returns a snapshot of the route entries ordered by userId.
func (r *Registry) OnlineUsers() []models.OnlineUser {
	r.mu.RLock()
	users := make([]models.OnlineUser, 0, len(r.routes))
	for _, e := range r.routes {
		users = append(users, models.OnlineUser{UserID: e.UserID, UserName: e.UserName})
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Offline removes the route entry of userID when it belongs to serverID.
// Removing an absent entry succeeds; a caller that no longer owns the entry
// gets ErrNotFound.
func (r *Registry) Offline(userID, serverID int64) error {
	unlock := r.lockUser(userID)
	defer unlock()

	r.mu.RLock()
	e, ok := r.routes[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if e.ServerID != serverID {
		return fmt.Errorf("%w: user %d is owned by relay %d", errs.ErrNotFound, userID, e.ServerID)
	}
	r.removeRoute(userID, serverID)
	r.log.Info("user offline", "userId", userID, "serverId", serverID)
	return nil
}

func (r *Registry) removeRoute(userID, serverID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.routes[userID]
	if !ok || e.ServerID != serverID {
		return
	}
	delete(r.routes, userID)
	if s, ok := r.servers[serverID]; ok && s.node.SessionCount > 0 {
		s.node.SessionCount--
	}
}

// RegisterServer announces a relay. A nonzero hint asks for a previous id,
// which is granted when no live relay holds it.
func (r *Registry) RegisterServer(host string, port int, hint int64) (int64, error) {
	if host == "" || port <= 0 {
		return 0, fmt.Errorf("%w: bad relay address %s:%d", errs.ErrInternal, host, port)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := hint
	if _, taken := r.servers[id]; id <= 0 || taken {
		r.nextServerID++
		id = r.nextServerID
		for r.servers[id] != nil {
			r.nextServerID++
			id = r.nextServerID
		}
	}
	if id > r.nextServerID {
		r.nextServerID = id
	}

	load := 0
	for _, e := range r.routes {
		if e.ServerID == id {
			load++
		}
	}
	r.servers[id] = &serverState{
		node:          models.ServerNode{ID: id, Host: host, Port: port, SessionCount: load},
		lastHeartbeat: r.clock.Now(),
	}
	routeServers.Set(float64(len(r.servers)))
	r.log.Info("relay registered", "server", r.servers[id].node.String())
	return id, nil
}

// HeartbeatServer refreshes a relay. users lists the sessions it holds:
// missing entries are recreated for it, and users whose entry names another
// relay are returned as revoked. pending lists entries assigned to the relay
// that it does not hold yet.
func (r *Registry) HeartbeatServer(serverID int64, load int, users []int64) (pending []Pending, revoked []int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.servers[serverID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: relay %d", errs.ErrNotFound, serverID)
	}
	now := r.clock.Now()
	s.lastHeartbeat = now

	held := make(map[int64]struct{}, len(users))
	for _, uid := range users {
		held[uid] = struct{}{}
		e, ok := r.routes[uid]
		switch {
		case !ok:
			// rebuild after a registry restart
			name := ""
			if u, err := r.store.GetUser(uid); err == nil {
				name = u.Name
			}
			r.routes[uid] = &models.RouteEntry{UserID: uid, UserName: name, ServerID: serverID, AssignedAt: now, Bound: true}
			s.node.SessionCount++
		case e.ServerID != serverID:
			revoked = append(revoked, uid)
		default:
			e.Bound = true
		}
	}

	for uid, e := range r.routes {
		if e.ServerID != serverID {
			continue
		}
		if _, ok := held[uid]; ok {
			continue
		}
		if e.Bound {
			// the relay lost the session without calling Offline
			e.Bound = false
			e.AssignedAt = now
		}
		pending = append(pending, Pending{UserID: uid, AgeMs: now.Sub(e.AssignedAt).Milliseconds()})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].UserID < pending[j].UserID })

	if load != s.node.SessionCount {
		r.log.V(1).Info("relay load differs", "serverId", serverID, "reported", load, "entries", s.node.SessionCount)
	}
	return pending, revoked, nil
}

// Sweep evicts relays whose last heartbeat is older than three intervals and
// drops their route entries.
func (r *Registry) Sweep() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var evicted []int64
	for id, s := range r.servers {
		if now.Sub(s.lastHeartbeat) <= 3*r.interval {
			continue
		}
		delete(r.servers, id)
		evicted = append(evicted, id)
		swept := 0
		for uid, e := range r.routes {
			if e.ServerID == id {
				delete(r.routes, uid)
				swept++
			}
		}
		r.log.Info("relay evicted", "server", s.node.String(), "routes", swept)
	}
	if len(evicted) > 0 {
		routeEvictions.Add(float64(len(evicted)))
		routeServers.Set(float64(len(r.servers)))
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
			r.mu.RLock()
			routeOnline.Set(float64(len(r.routes)))
			r.mu.RUnlock()
		}
	}
}

// Servers returns the live relays ordered by id.
func (r *Registry) Servers() []models.ServerNode {
	r.mu.RLock()
	nodes := make([]models.ServerNode, 0, len(r.servers))
	for _, s := range r.servers {
		nodes = append(nodes, s.node)
	}
	r.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (r *Registry) SearchUsers(pattern string) ([]models.OnlineUser, error) {
	users, err := r.store.SearchUsers(pattern, 100)
	if err != nil {
		return nil, err
	}
	out := make([]models.OnlineUser, 0, len(users))
	for _, u := range users {
		out = append(out, models.OnlineUser{UserID: u.ID, UserName: u.Name})
	}
	return out, nil
}

// Group methods

func (r *Registry) CreateGroup(name string, creator int64) (int64, error) {
	if _, err := r.store.GetUser(creator); err != nil {
		return 0, err
	}
	id, err := r.store.CreateGroup(name, creator)
	if err != nil {
		return 0, err
	}
	r.log.Info("group created", "groupId", id, "name", name, "creator", creator)
	return id, nil
}

func (r *Registry) JoinGroup(groupID, userID int64) error {
	if groupID == EveryoneGroup {
		return fmt.Errorf("%w: group %d is implicit", errs.ErrInternal, groupID)
	}
	if _, err := r.store.GetUser(userID); err != nil {
		return err
	}
	return r.store.AddGroupMember(groupID, userID)
}

func (r *Registry) LeaveGroup(groupID, userID int64) error {
	if groupID == EveryoneGroup {
		return fmt.Errorf("%w: group %d is implicit", errs.ErrInternal, groupID)
	}
	return r.store.RemoveGroupMember(groupID, userID)
}

// GroupMembers returns a snapshot of the members of groupID. Group 0 holds
// every online user.
func (r *Registry) GroupMembers(groupID int64) ([]int64, error) {
	if groupID == EveryoneGroup {
		online := r.OnlineUsers()
		members := make([]int64, len(online))
		for i, u := range online {
			members[i] = u.UserID
		}
		return members, nil
	}
	g, err := r.store.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	return g.Members, nil
}
