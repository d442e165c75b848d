package boltuserrepo_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-cas-server/users"
	boltuserrepo "github.com/jrsteele09/go-cas-server/users/boltrepo"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func setupRepo(t *testing.T) *boltuserrepo.BoltUserRepo {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "users.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := boltuserrepo.New(db)
	require.NoError(t, err)
	return repo
}

func testUser(t *testing.T) *users.User {
	t.Helper()
	hash, err := users.HashPassword("s3cret-password")
	require.NoError(t, err)
	return &users.User{
		Username:     "alice",
		PasswordHash: hash,
		Attributes:   map[string][]string{"email": {"alice@example.com"}},
		DateJoined:   time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
	}
}

func TestUpsert_AssignsID(t *testing.T) {
	repo := setupRepo(t)
	user := testUser(t)

	require.NoError(t, repo.Upsert(user))
	require.NotEmpty(t, user.ID)
}

func TestGetByUsername_RoundTrip(t *testing.T) {
	repo := setupRepo(t)
	user := testUser(t)
	require.NoError(t, repo.Upsert(user))

	found, err := repo.GetByUsername("alice")
	require.NoError(t, err)
	require.Equal(t, user.ID, found.ID)
	require.Equal(t, user.PasswordHash, found.PasswordHash)
	require.Equal(t, []string{"alice@example.com"}, found.Attributes["email"])
	require.True(t, user.DateJoined.Equal(found.DateJoined))
	require.True(t, users.CheckPasswordHash("s3cret-password", found.PasswordHash))
}

func TestGetByID(t *testing.T) {
	repo := setupRepo(t)
	user := testUser(t)
	require.NoError(t, repo.Upsert(user))

	found, err := repo.GetByID(user.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", found.Username)
}

func TestGet_UnknownUser(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.GetByUsername("nobody")
	require.ErrorIs(t, err, boltuserrepo.NotFoundErr)

	_, err = repo.GetByID("missing-id")
	require.ErrorIs(t, err, boltuserrepo.NotFoundErr)
}

func TestUpsert_UpdatesExistingRecord(t *testing.T) {
	repo := setupRepo(t)
	user := testUser(t)
	require.NoError(t, repo.Upsert(user))

	user.Disabled = true
	user.LastLogin = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Upsert(user))

	found, err := repo.GetByUsername("alice")
	require.NoError(t, err)
	require.True(t, found.Disabled)
	require.True(t, user.LastLogin.Equal(found.LastLogin))
}

func TestDelete(t *testing.T) {
	repo := setupRepo(t)
	user := testUser(t)
	require.NoError(t, repo.Upsert(user))

	require.NoError(t, repo.Delete("alice"))

	_, err := repo.GetByUsername("alice")
	require.ErrorIs(t, err, boltuserrepo.NotFoundErr)

	require.ErrorIs(t, repo.Delete("alice"), boltuserrepo.NotFoundErr)
}
