// Package storetest holds the behaviour every credentials.Store must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty store. Reopen, when set, opens a second handle
// on the same backing storage to check durability.
type Factory struct {
	New    func(t *testing.T) credentials.Store
	Reopen func(t *testing.T, prev credentials.Store) credentials.Store
}

func Run(t *testing.T, f Factory) {
	t.Run("empty load", func(t *testing.T) {
		s := f.New(t)
		r, err := s.Load(context.Background())
		require.NoError(t, err)
		require.Equal(t, credentials.Record{}, r)
		require.False(t, r.HasSession())
	})

	t.Run("save and load", func(t *testing.T) {
		ctx := context.Background()
		s := f.New(t)
		want := credentials.Record{AccessToken: "a1", RefreshToken: "r1", UserID: "u1", LastTenantSlug: "acme"}
		require.NoError(t, s.Save(ctx, want))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.True(t, got.CanRefresh())
	})

	t.Run("rotate tokens keeps identity", func(t *testing.T) {
		ctx := context.Background()
		s := f.New(t)
		require.NoError(t, s.Save(ctx, credentials.Record{AccessToken: "a1", RefreshToken: "r1", UserID: "u1", LastTenantSlug: "acme"}))
		require.NoError(t, s.RotateTokens(ctx, "r1", "a2", "r2"))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, credentials.Record{AccessToken: "a2", RefreshToken: "r2", UserID: "u1", LastTenantSlug: "acme"}, got)
	})

	t.Run("rotate tokens refuses a changed session", func(t *testing.T) {
		stored := credentials.Record{AccessToken: "a1", RefreshToken: "r1", UserID: "u1", LastTenantSlug: "acme"}
		tests := []struct {
			name     string
			prepare  func(ctx context.Context, s credentials.Store) error
			expected string
			want     credentials.Record
		}{
			{
				name:     "stale refresh token",
				prepare:  func(context.Context, credentials.Store) error { return nil },
				expected: "r0",
				want:     stored,
			},
			{
				name:     "cleared by logout",
				prepare:  func(ctx context.Context, s credentials.Store) error { return s.Clear(ctx) },
				expected: "r1",
				want:     credentials.Record{LastTenantSlug: "acme"},
			},
			{
				name: "replaced by a new login",
				prepare: func(ctx context.Context, s credentials.Store) error {
					return s.Save(ctx, credentials.Record{AccessToken: "b1", RefreshToken: "s1", UserID: "u2"})
				},
				expected: "r1",
				want:     credentials.Record{AccessToken: "b1", RefreshToken: "s1", UserID: "u2"},
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ctx := context.Background()
				s := f.New(t)
				require.NoError(t, s.Save(ctx, stored))
				require.NoError(t, tt.prepare(ctx, s))

				err := s.RotateTokens(ctx, tt.expected, "a2", "r2")
				require.ErrorIs(t, err, credentials.ErrSessionChanged)

				got, err := s.Load(ctx)
				require.NoError(t, err)
				require.Equal(t, tt.want, got)
			})
		}
	})

	t.Run("clear keeps last tenant", func(t *testing.T) {
		ctx := context.Background()
		s := f.New(t)
		require.NoError(t, s.Save(ctx, credentials.Record{AccessToken: "a1", RefreshToken: "r1", UserID: "u1"}))
		require.NoError(t, s.SaveLastTenant(ctx, "globex"))
		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Clear(ctx))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, credentials.Record{LastTenantSlug: "globex"}, got)
	})

	t.Run("clear if current", func(t *testing.T) {
		ctx := context.Background()
		s := f.New(t)
		require.NoError(t, s.Save(ctx, credentials.Record{AccessToken: "a1", RefreshToken: "r1", UserID: "u1", LastTenantSlug: "acme"}))

		require.ErrorIs(t, s.ClearIfCurrent(ctx, "a0"), credentials.ErrSessionChanged)
		got, err := s.Load(ctx)
		require.NoError(t, err)
		require.True(t, got.HasSession())

		require.NoError(t, s.ClearIfCurrent(ctx, "a1"))
		got, err = s.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, credentials.Record{LastTenantSlug: "acme"}, got)
	})

	if f.Reopen != nil {
		t.Run("survives reopen", func(t *testing.T) {
			ctx := context.Background()
			s := f.New(t)
			want := credentials.Record{AccessToken: "a1", RefreshToken: "r1", UserID: "u1", LastTenantSlug: "acme"}
			require.NoError(t, s.Save(ctx, want))
			require.NoError(t, s.Close())

			again := f.Reopen(t, s)
			got, err := again.Load(ctx)
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}

	t.Run("concurrent rotations stay paired", func(t *testing.T) {
		ctx := context.Background()
		s := f.New(t)
		require.NoError(t, s.Save(ctx, credentials.Record{AccessToken: "access-0", RefreshToken: "refresh-0", UserID: "u1"}))

		var wg sync.WaitGroup
		errs := make(chan error, 64)
		for i := 1; i <= 16; i++ {
			wg.Add(2)
			go func(i int) {
				defer wg.Done()
				for {
					r, err := s.Load(ctx)
					if err != nil {
						errs <- err
						return
					}
					err = s.RotateTokens(ctx, r.RefreshToken, fmt.Sprintf("access-%d", i), fmt.Sprintf("refresh-%d", i))
					if errors.Is(err, credentials.ErrSessionChanged) {
						continue
					}
					if err != nil {
						errs <- err
					}
					return
				}
			}(i)
			go func() {
				defer wg.Done()
				r, err := s.Load(ctx)
				if err != nil {
					errs <- err
					return
				}
				if strings.TrimPrefix(r.AccessToken, "access-") != strings.TrimPrefix(r.RefreshToken, "refresh-") {
					errs <- fmt.Errorf("torn pair %q / %q", r.AccessToken, r.RefreshToken)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		r, err := s.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, "u1", r.UserID)
	})
}
