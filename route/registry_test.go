package route

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cim/db"
	"cim/errs"
)

const testInterval = 10 * time.Second

func setupTestRegistry(t *testing.T, opts ...Option) (*Registry, *clock.Mock) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "route.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	mock := clock.NewMock()
	opts = append([]Option{WithClock(mock)}, opts...)
	return NewRegistry(database, testInterval, opts...), mock
}

func registerUsers(t *testing.T, reg *Registry, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, len(names))
	for i, name := range names {
		id, err := reg.RegisterUser(name, "pw-"+name)
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestRegisterUser(t *testing.T) {
	reg, _ := setupTestRegistry(t)

	id, err := reg.RegisterUser("alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(db.FirstUserID), id)

	_, err = reg.RegisterUser("alice", "other")
	assert.ErrorIs(t, err, errs.ErrUserExists)
}

func TestLoginLeastLoaded(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	s1, err := reg.RegisterServer("10.0.0.1", 11211, 0)
	require.NoError(t, err)
	s2, err := reg.RegisterServer("10.0.0.2", 11211, 0)
	require.NoError(t, err)
	ids := registerUsers(t, reg, "alice", "bob", "carol")

	a, err := reg.Login("alice", "pw-alice")
	require.NoError(t, err)
	assert.Equal(t, ids[0], a.UserID)
	assert.Equal(t, s1, a.Server.ID, "ties go to the lower serverId")
	assert.Equal(t, "10.0.0.1", a.Server.Host)
	assert.Equal(t, 11211, a.Server.Port)

	b, err := reg.Login("bob", "pw-bob")
	require.NoError(t, err)
	assert.Equal(t, s2, b.Server.ID)

	c, err := reg.Login("carol", "pw-carol")
	require.NoError(t, err)
	assert.Equal(t, s1, c.Server.ID)

	// the entry exists once Login returns
	node, err := reg.Lookup(ids[1])
	require.NoError(t, err)
	assert.Equal(t, s2, node.ID)

	servers := reg.Servers()
	require.Len(t, servers, 2)
	assert.Equal(t, 2, servers[0].SessionCount)
	assert.Equal(t, 1, servers[1].SessionCount)
}

func TestLoginSkipsSilentRelay(t *testing.T) {
	reg, mock := setupTestRegistry(t)
	s1, err := reg.RegisterServer("10.0.0.1", 11211, 0)
	require.NoError(t, err)
	s2, err := reg.RegisterServer("10.0.0.2", 11211, 0)
	require.NoError(t, err)
	registerUsers(t, reg, "alice", "bob", "carol")

	a, err := reg.Login("alice", "pw-alice")
	require.NoError(t, err)
	require.Equal(t, s1, a.Server.ID)
	b, err := reg.Login("bob", "pw-bob")
	require.NoError(t, err)
	require.Equal(t, s2, b.Server.ID)

	// s1 stops heartbeating but is not swept yet
	mock.Add(2 * testInterval)
	_, _, err = reg.HeartbeatServer(s2, 1, []int64{b.UserID})
	require.NoError(t, err)
	require.NoError(t, reg.Offline(a.UserID, s1))

	c, err := reg.Login("carol", "pw-carol")
	require.NoError(t, err)
	assert.Equal(t, s2, c.Server.ID, "a relay that missed its heartbeat loses to a loaded healthy one")
	assert.Len(t, reg.Servers(), 2)
}

func TestLoginExclude(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	s1, err := reg.RegisterServer("10.0.0.1", 11211, 0)
	require.NoError(t, err)
	s2, err := reg.RegisterServer("10.0.0.2", 11211, 0)
	require.NoError(t, err)
	registerUsers(t, reg, "alice", "bob")

	a, err := reg.Login("alice", "pw-alice", s1)
	require.NoError(t, err)
	assert.Equal(t, s2, a.Server.ID)

	// with every relay excluded the least loaded one is still handed out
	b, err := reg.Login("bob", "pw-bob", s1, s2)
	require.NoError(t, err)
	assert.Equal(t, s1, b.Server.ID)
}

func TestLoginFailures(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	registerUsers(t, reg, "alice")

	_, err := reg.Login("alice", "pw-alice")
	assert.ErrorIs(t, err, errs.ErrNotFound, "no relay registered")

	sid, err := reg.RegisterServer("127.0.0.1", 9000, 0)
	require.NoError(t, err)

	_, err = reg.Login("alice", "wrong")
	assert.ErrorIs(t, err, errs.ErrAuthFailed)
	_, err = reg.Login("nobody", "pw")
	assert.ErrorIs(t, err, errs.ErrAuthFailed)

	first, err := reg.Login("alice", "pw-alice")
	require.NoError(t, err)
	assert.Equal(t, sid, first.Server.ID)

	_, err = reg.Login("alice", "pw-alice")
	assert.ErrorIs(t, err, errs.ErrAlreadyOnline)

	node, err := reg.Lookup(first.UserID)
	require.NoError(t, err)
	assert.Equal(t, sid, node.ID, "a refused login leaves the entry alone")
}

func TestOffline(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	s1, _ := reg.RegisterServer("127.0.0.1", 9001, 0)
	s2, _ := reg.RegisterServer("127.0.0.1", 9002, 0)
	registerUsers(t, reg, "alice")

	a, err := reg.Login("alice", "pw-alice")
	require.NoError(t, err)
	require.Equal(t, s1, a.Server.ID)

	err = reg.Offline(a.UserID, s2)
	assert.ErrorIs(t, err, errs.ErrNotFound, "stale caller is rejected")
	_, err = reg.Lookup(a.UserID)
	require.NoError(t, err)

	require.NoError(t, reg.Offline(a.UserID, s1))
	require.NoError(t, reg.Offline(a.UserID, s1), "offline is idempotent")
	_, err = reg.Lookup(a.UserID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Empty(t, reg.OnlineUsers())

	// the user can log in again
	_, err = reg.Login("alice", "pw-alice")
	require.NoError(t, err)
}

func TestConcurrentLoginsKeepOneEntry(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	sid, _ := reg.RegisterServer("127.0.0.1", 9000, 0)
	ids := registerUsers(t, reg, "alice")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := reg.Login("alice", "pw-alice"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, errs.ErrAlreadyOnline)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Offline(ids[0], sid))
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, wins, 1)
	online := reg.OnlineUsers()
	assert.LessOrEqual(t, len(online), 1)

	load := 0
	if len(online) == 1 {
		load = 1
	}
	assert.Equal(t, load, reg.Servers()[0].SessionCount)
}

func TestOnlineUsersSorted(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	reg.RegisterServer("127.0.0.1", 9000, 0)
	ids := registerUsers(t, reg, "carol", "alice", "bob")
	for _, name := range []string{"bob", "carol", "alice"} {
		_, err := reg.Login(name, "pw-"+name)
		require.NoError(t, err)
	}

	online := reg.OnlineUsers()
	require.Len(t, online, 3)
	assert.Equal(t, ids[0], online[0].UserID)
	assert.Equal(t, "carol", online[0].UserName)
	assert.Equal(t, "bob", online[2].UserName)
}

func TestRegisterServerHint(t *testing.T) {
	reg, _ := setupTestRegistry(t)

	id, err := reg.RegisterServer("127.0.0.1", 9001, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	other, err := reg.RegisterServer("127.0.0.1", 9002, 7)
	require.NoError(t, err)
	assert.NotEqual(t, int64(7), other, "a live id is not handed out twice")

	next, err := reg.RegisterServer("127.0.0.1", 9003, 0)
	require.NoError(t, err)
	assert.NotContains(t, []int64{7, other}, next)

	_, err = reg.RegisterServer("", 0, 0)
	assert.Error(t, err)
}

func TestHeartbeatPendingAndRevoked(t *testing.T) {
	reg, mock := setupTestRegistry(t)
	s1, _ := reg.RegisterServer("127.0.0.1", 9001, 0)
	s2, _ := reg.RegisterServer("127.0.0.1", 9002, 0)
	ids := registerUsers(t, reg, "alice", "bob")

	a, err := reg.Login("alice", "pw-alice")
	require.NoError(t, err)
	require.Equal(t, s1, a.Server.ID)

	mock.Add(5 * time.Second)
	pending, revoked, err := reg.HeartbeatServer(s1, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, revoked)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[0], pending[0].UserID)
	assert.Equal(t, int64(5000), pending[0].AgeMs)

	pending, _, err = reg.HeartbeatServer(s1, 1, []int64{ids[0]})
	require.NoError(t, err)
	assert.Empty(t, pending, "bound entries are not pending")

	// s2 claims alice, whose entry names s1
	_, revoked, err = reg.HeartbeatServer(s2, 1, []int64{ids[0]})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, revoked)

	_, _, err = reg.HeartbeatServer(99, 0, nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// bob is rebuilt from the heartbeat
	_, _, err = reg.HeartbeatServer(s2, 1, []int64{ids[1]})
	require.NoError(t, err)
	node, err := reg.Lookup(ids[1])
	require.NoError(t, err)
	assert.Equal(t, s2, node.ID)
	assert.Equal(t, "bob", reg.OnlineUsers()[1].UserName)
}

func TestSweepEvictsSilentRelay(t *testing.T) {
	reg, mock := setupTestRegistry(t)
	s1, _ := reg.RegisterServer("127.0.0.1", 9001, 0)
	s2, _ := reg.RegisterServer("127.0.0.1", 9002, 0)
	registerUsers(t, reg, "alice", "bob")
	a, _ := reg.Login("alice", "pw-alice")
	b, _ := reg.Login("bob", "pw-bob")
	require.Equal(t, s1, a.Server.ID)
	require.Equal(t, s2, b.Server.ID)

	for i := 0; i < 3; i++ {
		mock.Add(testInterval)
		_, _, err := reg.HeartbeatServer(s2, 1, []int64{b.UserID})
		require.NoError(t, err)
	}
	assert.Empty(t, reg.Sweep(), "exactly 3T is still alive")

	mock.Add(time.Millisecond)
	assert.Equal(t, []int64{s1}, reg.Sweep())

	_, err := reg.Lookup(a.UserID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = reg.Lookup(b.UserID)
	assert.NoError(t, err)

	_, _, err = reg.HeartbeatServer(s1, 0, nil)
	assert.ErrorIs(t, err, errs.ErrNotFound, "evicted relays must register again")
}

func TestRunSweepsOnTicker(t *testing.T) {
	reg, mock := setupTestRegistry(t)
	reg.RegisterServer("127.0.0.1", 9001, 0)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		reg.Run(ctx)
		close(done)
	}()

	// eviction lands within 3T plus one sweep interval
	require.Eventually(t, func() bool {
		mock.Add(testInterval)
		return len(reg.Servers()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestGroupMembers(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	reg.RegisterServer("127.0.0.1", 9001, 0)
	ids := registerUsers(t, reg, "alice", "bob", "carol")

	gid, err := reg.CreateGroup("team", ids[0])
	require.NoError(t, err)
	require.NoError(t, reg.JoinGroup(gid, ids[2]))

	members, err := reg.GroupMembers(gid)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0], ids[2]}, members)

	require.NoError(t, reg.LeaveGroup(gid, ids[0]))
	members, err = reg.GroupMembers(gid)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[2]}, members)

	_, err = reg.CreateGroup("ghost", 5)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = reg.GroupMembers(gid + 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Error(t, reg.JoinGroup(EveryoneGroup, ids[1]))

	// group 0 is everyone online
	_, err = reg.Login("bob", "pw-bob")
	require.NoError(t, err)
	_, err = reg.Login("carol", "pw-carol")
	require.NoError(t, err)
	members, err = reg.GroupMembers(EveryoneGroup)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[1], ids[2]}, members)
}

func TestSearchUsers(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ids := registerUsers(t, reg, "alice", "alicia", "bob")

	users, err := reg.SearchUsers("ali")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, ids[0], users[0].UserID)
	assert.Equal(t, "alicia", users[1].UserName)
}

func TestLoginIssuesToken(t *testing.T) {
	tokens := NewTokens("secret-key", time.Minute)
	reg, _ := setupTestRegistry(t, WithTokens(tokens))
	sid, _ := reg.RegisterServer("127.0.0.1", 9001, 0)
	registerUsers(t, reg, "alice")

	a, err := reg.Login("alice", "pw-alice")
	require.NoError(t, err)

	claims, err := tokens.Verify(a.Token, a.UserID)
	require.NoError(t, err)
	assert.Equal(t, a.UserID, claims.UserID)
	assert.Equal(t, sid, claims.ServerID)
}
