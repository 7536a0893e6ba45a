package refresh_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/credentials/memstore"
	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/jrsteele09/go-auth-session/internal/authtest"
	"github.com/jrsteele09/go-auth-session/token/refresh"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	calls   atomic.Int32
	pair    auth.TokenPair
	err     error
	release chan struct{}
}

func (f *fakeRemote) Refresh(ctx context.Context, userID, refreshToken string) (auth.TokenPair, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return auth.TokenPair{}, ctx.Err()
		}
	}
	if f.err != nil {
		return auth.TokenPair{}, f.err
	}
	return f.pair, nil
}

func storedRecord() credentials.Record {
	return credentials.Record{AccessToken: "access-1", RefreshToken: "refresh-1", UserID: "u1", LastTenantSlug: "acme"}
}

func newCoordinator(t *testing.T, store credentials.Store, remote refresh.Remote) *refresh.Coordinator {
	t.Helper()
	c, err := refresh.NewCoordinator(store, remote)
	require.NoError(t, err)
	return c
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := refresh.NewCoordinator(nil, &fakeRemote{})
	require.Error(t, err)
	_, err = refresh.NewCoordinator(memstore.New(), nil)
	require.Error(t, err)
}

func TestRefreshPersistsRotatedPair(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewWithRecord(storedRecord())
	remote := &fakeRemote{pair: auth.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"}}
	c := newCoordinator(t, store, remote)

	access, err := c.Refresh(ctx, "access-1")
	require.NoError(t, err)
	require.Equal(t, "access-2", access)

	record, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, credentials.Record{AccessToken: "access-2", RefreshToken: "refresh-2", UserID: "u1", LastTenantSlug: "acme"}, record)
	require.Equal(t, refresh.Stats{RemoteCalls: 1}, c.Stats())
}

func TestMissingCredentialsFailWithoutNetwork(t *testing.T) {
	for name, record := range map[string]credentials.Record{
		"no refresh token": {AccessToken: "access-1", UserID: "u1"},
		"no user id":       {AccessToken: "access-1", RefreshToken: "refresh-1"},
		"empty":            {},
	} {
		t.Run(name, func(t *testing.T) {
			store := memstore.NewWithRecord(record)
			remote := &fakeRemote{pair: auth.TokenPair{AccessToken: "x", RefreshToken: "y"}}
			c := newCoordinator(t, store, remote)

			_, err := c.Refresh(context.Background(), record.AccessToken)
			require.ErrorIs(t, err, refresh.ErrNoRefreshCredentials)
			require.ErrorIs(t, err, gateway.ErrSessionEnded)
			require.Zero(t, remote.calls.Load())

			got, _ := store.Load(context.Background())
			require.False(t, got.HasSession())
		})
	}
}

func TestRemoteFailureClearsStore(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewWithRecord(storedRecord())
	cause := errors.New("refresh token revoked")
	c := newCoordinator(t, store, &fakeRemote{err: cause})

	_, err := c.Refresh(ctx, "access-1")
	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, gateway.ErrSessionEnded)

	record, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, credentials.Record{LastTenantSlug: "acme"}, record)
}

func TestLogoutDuringRefreshDropsRotatedPair(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewWithRecord(storedRecord())
	remote := &fakeRemote{
		pair:    auth.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"},
		release: make(chan struct{}),
	}
	c := newCoordinator(t, store, remote)

	result := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, "access-1")
		result <- err
	}()
	require.Eventually(t, func() bool { return remote.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, store.Clear(ctx))
	close(remote.release)

	err := <-result
	require.ErrorIs(t, err, credentials.ErrSessionChanged)
	require.NotErrorIs(t, err, gateway.ErrSessionEnded)

	record, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, credentials.Record{LastTenantSlug: "acme"}, record)
}

func TestNewLoginDuringFailedRefreshIsKept(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewWithRecord(storedRecord())
	remote := &fakeRemote{err: errors.New("refresh token revoked"), release: make(chan struct{})}
	c := newCoordinator(t, store, remote)

	result := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, "access-1")
		result <- err
	}()
	require.Eventually(t, func() bool { return remote.calls.Load() == 1 }, time.Second, time.Millisecond)

	fresh := credentials.Record{AccessToken: "access-9", RefreshToken: "refresh-9", UserID: "u2", LastTenantSlug: "globex"}
	require.NoError(t, store.Save(ctx, fresh))
	close(remote.release)

	err := <-result
	require.ErrorIs(t, err, credentials.ErrSessionChanged)
	require.NotErrorIs(t, err, gateway.ErrSessionEnded)

	record, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, fresh, record)
}

func TestCallerCancellationIsNotSessionEnd(t *testing.T) {
	store := memstore.NewWithRecord(storedRecord())
	remote := &fakeRemote{
		pair:    auth.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"},
		release: make(chan struct{}),
	}
	c := newCoordinator(t, store, remote)
	defer close(remote.release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Refresh(ctx, "access-1")
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, gateway.ErrSessionEnded)
}

func TestAlreadyRotatedTokenIsReused(t *testing.T) {
	store := memstore.NewWithRecord(storedRecord())
	remote := &fakeRemote{pair: auth.TokenPair{AccessToken: "x", RefreshToken: "y"}}
	c := newCoordinator(t, store, remote)

	access, err := c.Refresh(context.Background(), "access-0")
	require.NoError(t, err)
	require.Equal(t, "access-1", access)
	require.Zero(t, remote.calls.Load())
	require.Equal(t, refresh.Stats{Reused: 1}, c.Stats())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	store := memstore.NewWithRecord(storedRecord())
	remote := &fakeRemote{
		pair:    auth.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"},
		release: make(chan struct{}),
	}
	c := newCoordinator(t, store, remote)

	const callers = 25
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			access, err := c.Refresh(context.Background(), "access-1")
			if err == nil {
				results <- access
			}
		}()
	}

	require.Eventually(t, func() bool { return remote.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give every caller time to join the flight before it completes.
	time.Sleep(20 * time.Millisecond)
	close(remote.release)
	wg.Wait()
	close(results)

	count := 0
	for access := range results {
		require.Equal(t, "access-2", access)
		count++
	}
	require.Equal(t, callers, count)
	require.EqualValues(t, 1, remote.calls.Load())
}

func TestCallerCancellationDoesNotFailOthers(t *testing.T) {
	store := memstore.NewWithRecord(storedRecord())
	remote := &fakeRemote{
		pair:    auth.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"},
		release: make(chan struct{}),
	}
	c := newCoordinator(t, store, remote)

	impatient, cancel := context.WithCancel(context.Background())
	impatientErr := make(chan error, 1)
	go func() {
		_, err := c.Refresh(impatient, "access-1")
		impatientErr <- err
	}()
	require.Eventually(t, func() bool { return remote.calls.Load() == 1 }, time.Second, time.Millisecond)

	patientResult := make(chan string, 1)
	go func() {
		access, _ := c.Refresh(context.Background(), "access-1")
		patientResult <- access
	}()

	cancel()
	require.ErrorIs(t, <-impatientErr, context.Canceled)

	close(remote.release)
	require.Equal(t, "access-2", <-patientResult)
	require.EqualValues(t, 1, remote.calls.Load())
}

func TestTokenSource(t *testing.T) {
	ctx := context.Background()
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	store := memstore.NewWithRecord(credentials.Record{AccessToken: expired, RefreshToken: "refresh-1", UserID: "u1"})
	remote := &fakeRemote{pair: auth.TokenPair{AccessToken: "opaque-2", RefreshToken: "refresh-2"}}
	c := newCoordinator(t, store, remote)

	tok, err := c.TokenSource(ctx).Token()
	require.NoError(t, err)
	require.Equal(t, "opaque-2", tok.AccessToken)
	require.Equal(t, "Bearer", tok.Type())
	require.True(t, tok.Expiry.IsZero())
	require.EqualValues(t, 1, remote.calls.Load())

	tok, err = c.TokenSource(ctx).Token()
	require.NoError(t, err)
	require.Equal(t, "opaque-2", tok.AccessToken)
	require.EqualValues(t, 1, remote.calls.Load(), "valid token is not refreshed")

	_, err = newCoordinator(t, memstore.New(), remote).TokenSource(ctx).Token()
	require.ErrorIs(t, err, refresh.ErrNoSession)
}

// A burst of requests that all hit an expired access token triggers exactly one
// call to the refresh endpoint, and every request succeeds on replay.
func TestThunderingHerdThroughGateway(t *testing.T) {
	ctx := context.Background()
	srv := authtest.NewServer(t)
	u := srv.AddUser("acme", "a@x.com", "secret123")
	pair := srv.IssueTokens(u.ID)
	store := memstore.NewWithRecord(credentials.Record{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, UserID: u.ID})

	g, err := gateway.New(srv.URL, store)
	require.NoError(t, err)
	client, err := auth.NewClient(g)
	require.NoError(t, err)
	c := newCoordinator(t, store, client)
	g.SetRefresher(c)

	var invalidated atomic.Int32
	g.OnSessionInvalidated(func() { invalidated.Add(1) })

	srv.ExpireAccessTokens()
	srv.SetRefreshDelay(100 * time.Millisecond)

	const requests = 20
	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out map[string]string
			if err := g.Do(ctx, gateway.Get("/projects"), &out); err != nil {
				errs <- err
				return
			}
			if out["owner"] != u.ID {
				errs <- errors.New("wrong owner " + out["owner"])
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, srv.Hits(auth.RouteRefresh))
	require.Equal(t, 2*requests, srv.Hits("/projects"))
	require.Zero(t, invalidated.Load())
	require.EqualValues(t, 1, c.Stats().RemoteCalls)
}

func TestReusedRequestRefreshesOnEveryExpiry(t *testing.T) {
	ctx := context.Background()
	srv := authtest.NewServer(t)
	u := srv.AddUser("acme", "a@x.com", "secret123")
	pair := srv.IssueTokens(u.ID)
	store := memstore.NewWithRecord(credentials.Record{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, UserID: u.ID})

	g, err := gateway.New(srv.URL, store)
	require.NoError(t, err)
	client, err := auth.NewClient(g)
	require.NoError(t, err)
	g.SetRefresher(newCoordinator(t, store, client))

	poll := gateway.Get("/projects")
	for i := 1; i <= 3; i++ {
		srv.ExpireAccessTokens()
		require.NoError(t, g.Do(ctx, poll, nil))
		require.Equal(t, i, srv.Hits(auth.RouteRefresh))
	}
}
