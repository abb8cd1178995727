package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cim/errs"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestCreateUser(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.CreateUser("alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(FirstUserID), id)

	id, err = database.CreateUser("bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(FirstUserID+1), id)

	_, err = database.CreateUser("alice", "other")
	assert.ErrorIs(t, err, errs.ErrUserExists)
}

func TestUserIDsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	database, err := New(path)
	require.NoError(t, err)
	_, err = database.CreateUser("alice", "pw")
	require.NoError(t, err)
	require.NoError(t, database.Close())

	database, err = New(path)
	require.NoError(t, err)
	defer database.Close()
	id, err := database.CreateUser("bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(FirstUserID+1), id)
}

func TestAuthenticateUser(t *testing.T) {
	database := setupTestDB(t)
	id, err := database.CreateUser("alice", "secret")
	require.NoError(t, err)

	u, err := database.AuthenticateUser("alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.NotEqual(t, "secret", u.Secret, "secret is stored hashed")

	_, err = database.AuthenticateUser("alice", "wrong")
	assert.ErrorIs(t, err, errs.ErrAuthFailed)

	_, err = database.AuthenticateUser("nobody", "secret")
	assert.ErrorIs(t, err, errs.ErrAuthFailed)

	got, err := database.GetUser(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)

	_, err = database.GetUser(42)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSearchUsers(t *testing.T) {
	database := setupTestDB(t)
	for _, name := range []string{"alice", "alicia", "bob", "a_b"} {
		_, err := database.CreateUser(name, "pw")
		require.NoError(t, err)
	}

	users, err := database.SearchUsers("ali", 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Name)
	assert.Equal(t, "alicia", users[1].Name)
	assert.Empty(t, users[0].Secret)

	// wildcards are matched literally
	users, err = database.SearchUsers("_", 10)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "a_b", users[0].Name)

	users, err = database.SearchUsers("", 2)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestGroups(t *testing.T) {
	database := setupTestDB(t)
	alice, err := database.CreateUser("alice", "pw")
	require.NoError(t, err)
	bob, err := database.CreateUser("bob", "pw")
	require.NoError(t, err)

	gid, err := database.CreateGroup("friends", bob)
	require.NoError(t, err)
	assert.Greater(t, gid, int64(0))

	require.NoError(t, database.AddGroupMember(gid, alice))
	require.NoError(t, database.AddGroupMember(gid, alice), "joining twice is a no-op")

	g, err := database.GetGroup(gid)
	require.NoError(t, err)
	assert.Equal(t, "friends", g.Name)
	assert.Equal(t, bob, g.Creator)
	assert.Equal(t, []int64{alice, bob}, g.Members)

	require.NoError(t, database.RemoveGroupMember(gid, bob))
	assert.ErrorIs(t, database.RemoveGroupMember(gid, bob), errs.ErrNotFound)

	g, err = database.GetGroup(gid)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice}, g.Members)

	_, err = database.GetGroup(999)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, database.AddGroupMember(999, alice), errs.ErrNotFound)
}
