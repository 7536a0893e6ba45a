package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/credentials/sqlitestore"
	"github.com/jrsteele09/go-auth-session/credentials/storetest"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, path string) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	paths := map[credentials.Store]string{}
	storetest.Run(t, storetest.Factory{
		New: func(t *testing.T) credentials.Store {
			path := filepath.Join(t.TempDir(), "credentials.db")
			s := open(t, path)
			paths[s] = path
			return s
		},
		Reopen: func(t *testing.T, prev credentials.Store) credentials.Store {
			return open(t, paths[prev])
		},
	})
}

func TestKeysAreThePersistedNames(t *testing.T) {
	ctx := context.Background()
	s := open(t, filepath.Join(t.TempDir(), "credentials.db"))
	require.NoError(t, s.Save(ctx, credentials.Record{AccessToken: "a", RefreshToken: "r", UserID: "u", LastTenantSlug: "acme"}))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"accessToken", "lastTenantSlug", "refreshToken", "userId"}, keys)

	require.NoError(t, s.Clear(ctx))
	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"lastTenantSlug"}, keys)

	// An empty value removes the key rather than storing "".
	require.NoError(t, s.Save(ctx, credentials.Record{AccessToken: "a"}))
	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"accessToken"}, keys)
}
