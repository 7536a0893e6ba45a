package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/credentials/memstore"
	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls []string
	token string
	err   error
	store credentials.Store

	// waitForCaller blocks until the caller's ctx is done.
	waitForCaller bool
}

func (f *fakeRefresher) Refresh(ctx context.Context, stale string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, stale)
	token, refreshErr := f.token, f.err
	f.mu.Unlock()
	if f.waitForCaller {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if refreshErr != nil {
		if f.store != nil && errors.Is(refreshErr, gateway.ErrSessionEnded) {
			_ = f.store.Clear(ctx)
		}
		return "", refreshErr
	}
	if f.store != nil {
		r, _ := f.store.Load(ctx)
		_ = f.store.RotateTokens(ctx, r.RefreshToken, token, r.RefreshToken+"-next")
	}
	return token, nil
}

func (f *fakeRefresher) setToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// tokenServer answers 200 {"token": <bearer>} when the bearer is accepted,
// else 401.
type tokenServer struct {
	*httptest.Server
	accept   func(bearer string) bool
	requests atomic.Int32
	mu       sync.Mutex
	seen     []http.Header
}

func newTokenServer(t *testing.T, accept func(string) bool) *tokenServer {
	ts := &tokenServer{accept: accept}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		ts.mu.Lock()
		ts.seen = append(ts.seen, r.Header.Clone())
		ts.mu.Unlock()
		bearer := r.Header.Get("Authorization")
		if !ts.accept(bearer) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"statusCode":401,"message":"Unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": bearer, "path": r.URL.Path})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) headers() []http.Header {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]http.Header{}, ts.seen...)
}

type echo struct {
	Token string `json:"token"`
	Path  string `json:"path"`
}

func newGateway(t *testing.T, url string, store credentials.Store, opts ...gateway.GatewayOption) *gateway.Gateway {
	t.Helper()
	g, err := gateway.New(url, store, opts...)
	require.NoError(t, err)
	return g
}

func TestNewValidation(t *testing.T) {
	_, err := gateway.New("", memstore.New())
	require.Error(t, err)
	_, err = gateway.New("http://localhost", nil)
	require.Error(t, err)
}

func TestAttachesBearerWhenStored(t *testing.T) {
	ts := newTokenServer(t, func(string) bool { return true })
	store := memstore.NewWithRecord(credentials.Record{AccessToken: "access-1"})
	g := newGateway(t, ts.URL+"/", store)

	var out echo
	require.NoError(t, g.Do(context.Background(), gateway.Get("/auth/profile"), &out))
	require.Equal(t, "Bearer access-1", out.Token)
	require.Equal(t, "/auth/profile", out.Path)

	h := ts.headers()[0]
	require.NotEmpty(t, h.Get(gateway.RequestIDHeader))
	require.Equal(t, "application/json", h.Get("Accept"))
}

func TestSendsUnauthenticatedWithoutToken(t *testing.T) {
	ts := newTokenServer(t, func(string) bool { return true })
	g := newGateway(t, ts.URL, memstore.New())

	var out echo
	require.NoError(t, g.Do(context.Background(), gateway.Post("/auth/login", map[string]string{"email": "a@x.com"}), &out))
	require.Empty(t, out.Token)
	require.Equal(t, "application/json", ts.headers()[0].Get("Content-Type"))
}

func TestSkipAuthOmitsBearer(t *testing.T) {
	ts := newTokenServer(t, func(string) bool { return true })
	g := newGateway(t, ts.URL, memstore.NewWithRecord(credentials.Record{AccessToken: "access-1"}))

	var out echo
	req := gateway.Post("/auth/refresh", nil)
	req.SkipAuth = true
	require.NoError(t, g.Do(context.Background(), req, &out))
	require.Empty(t, out.Token)
}

func TestRefreshAndReplayOnUnauthorized(t *testing.T) {
	ts := newTokenServer(t, func(b string) bool { return b == "Bearer access-2" })
	store := memstore.NewWithRecord(credentials.Record{AccessToken: "access-1", RefreshToken: "refresh-1", UserID: "u1"})
	refresher := &fakeRefresher{token: "access-2", store: store}
	g := newGateway(t, ts.URL, store, gateway.WithRefresher(refresher))

	req := gateway.Get("/projects")
	var out echo
	require.NoError(t, g.Do(context.Background(), req, &out))
	require.Equal(t, "Bearer access-2", out.Token)
	require.Equal(t, []string{"access-1"}, refresher.calls)
	require.EqualValues(t, 2, ts.requests.Load(), "original plus exactly one replay")
}

func TestRefreshFailureReturnsOriginalErrorAndInvalidates(t *testing.T) {
	ts := newTokenServer(t, func(string) bool { return false })
	store := memstore.NewWithRecord(credentials.Record{AccessToken: "access-1", RefreshToken: "refresh-1", UserID: "u1"})
	refresher := &fakeRefresher{err: fmt.Errorf("refresh rejected: %w", gateway.ErrSessionEnded), store: store}
	g := newGateway(t, ts.URL, store, gateway.WithRefresher(refresher))

	var invalidated atomic.Int32
	g.OnSessionInvalidated(func() { invalidated.Add(1) })

	err := g.Do(context.Background(), gateway.Get("/projects"), nil)
	require.True(t, gateway.IsUnauthorized(err))
	var httpErr *gateway.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, "/projects", httpErr.Path)
	require.Contains(t, string(httpErr.Body), "Unauthorized")
	require.NotContains(t, err.Error(), "refresh rejected")

	require.EqualValues(t, 1, invalidated.Load())
	require.EqualValues(t, 1, ts.requests.Load(), "no replay after failed refresh")
	record, _ := store.Load(context.Background())
	require.False(t, record.HasSession())
}

func TestReplayedRequestIsNotRefreshedAgain(t *testing.T) {
	ts := newTokenServer(t, func(string) bool { return false })
	store := memstore.NewWithRecord(credentials.Record{AccessToken: "access-1", RefreshToken: "refresh-1", UserID: "u1"})
	refresher := &fakeRefresher{token: "access-2", store: store}
	g := newGateway(t, ts.URL, store, gateway.WithRefresher(refresher))

	var invalidated atomic.Int32
	g.OnSessionInvalidated(func() { invalidated.Add(1) })

	req := gateway.Get("/projects")
	err := g.Do(context.Background(), req, nil)
	require.True(t, gateway.IsUnauthorized(err))
	require.Equal(t, 1, refresher.callCount())
	require.EqualValues(t, 2, ts.requests.Load())
	require.Zero(t, invalidated.Load(), "the replay's own 401 passes through")

	// Every Do gets its own refresh budget.
	err = g.Do(context.Background(), req, nil)
	require.True(t, gateway.IsUnauthorized(err))
	require.Equal(t, 2, refresher.callCount())
	require.EqualValues(t, 4, ts.requests.Load())
}

func TestReusedRequestRefreshesEachTime(t *testing.T) {
	var accepted atomic.Value
	accepted.Store("Bearer access-2")
	ts := newTokenServer(t, func(b string) bool { return b == accepted.Load().(string) })
	store := memstore.NewWithRecord(credentials.Record{AccessToken: "access-1", RefreshToken: "refresh-1", UserID: "u1"})
	refresher := &fakeRefresher{token: "access-2", store: store}
	g := newGateway(t, ts.URL, store, gateway.WithRefresher(refresher))

	req := gateway.Get("/projects")
	var out echo
	require.NoError(t, g.Do(context.Background(), req, &out))
	require.Equal(t, "Bearer access-2", out.Token)

	// The server expires access-2; the same request must refresh again.
	accepted.Store("Bearer access-3")
	refresher.setToken("access-3")
	require.NoError(t, g.Do(context.Background(), req, &out))
	require.Equal(t, "Bearer access-3", out.Token)
	require.Equal(t, []string{"access-1", "access-2"}, refresher.calls)
}

func TestSharedRequestAcrossGoroutines(t *testing.T) {
	ts := newTokenServer(t, func(b string) bool { return b == "Bearer access-2" })
	store := memstore.NewWithRecord(credentials.Record{AccessToken: "access-1", RefreshToken: "refresh-1", UserID: "u1"})
	refresher := &fakeRefresher{token: "access-2", store: store}
	g := newGateway(t, ts.URL, store, gateway.WithRefresher(refresher))

	req := gateway.Get("/projects")
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out echo
			if err := g.Do(context.Background(), req, &out); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestRefreshErrorThatKeepsSessionDoesNotInvalidate(t *testing.T) {
	ts := newTokenServer(t, func(string) bool { return false })
	store := memstore.NewWithRecord(credentials.Record{AccessToken: "access-1", RefreshToken: "refresh-1", UserID: "u1"})
	refresher := &fakeRefresher{err: credentials.ErrSessionChanged, store: store}
	g := newGateway(t, ts.URL, store, gateway.WithRefresher(refresher))

	var invalidated atomic.Int32
	g.OnSessionInvalidated(func() { invalidated.Add(1) })

	err := g.Do(context.Background(), gateway.Get("/projects"), nil)
	require.True(t, gateway.IsUnauthorized(err))
	require.Zero(t, invalidated.Load())
	record, _ := store.Load(context.Background())
	require.True(t, record.HasSession())
}

func TestCallerGivingUpDuringRefreshDoesNotInvalidate(t *testing.T) {
	ts := newTokenServer(t, func(string) bool { return false })
	store := memstore.NewWithRecord(credentials.Record{AccessToken: "access-1", RefreshToken: "refresh-1", UserID: "u1"})
	refresher := &fakeRefresher{waitForCaller: true}
	g := newGateway(t, ts.URL, store, gateway.WithRefresher(refresher))

	var invalidated atomic.Int32
	g.OnSessionInvalidated(func() { invalidated.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, gateway.Get("/projects"), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, gateway.IsUnauthorized(err))
	require.Zero(t, invalidated.Load())
	require.EqualValues(t, 1, ts.requests.Load())
}

func TestSkipRefreshPassesUnauthorizedThrough(t *testing.T) {
	ts := newTokenServer(t, func(string) bool { return false })
	refresher := &fakeRefresher{token: "access-2"}
	g := newGateway(t, ts.URL, memstore.New(), gateway.WithRefresher(refresher))

	req := gateway.Post("/auth/login", map[string]string{"email": "a@x.com"})
	req.SkipRefresh = true
	err := g.Do(context.Background(), req, nil)
	require.True(t, gateway.IsUnauthorized(err))
	require.Zero(t, refresher.callCount())
}

func TestNonUnauthorizedErrorsPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	refresher := &fakeRefresher{token: "access-2"}
	g := newGateway(t, srv.URL, memstore.NewWithRecord(credentials.Record{AccessToken: "a"}), gateway.WithRefresher(refresher))

	err := g.Do(context.Background(), gateway.Get("/projects"), nil)
	require.Equal(t, http.StatusInternalServerError, gateway.StatusCode(err))
	require.Zero(t, refresher.callCount())
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := newGateway(t, srv.URL, memstore.New(), gateway.WithTimeout(50*time.Millisecond))
	err := g.Do(context.Background(), gateway.Get("/slow"), nil)
	require.ErrorIs(t, err, gateway.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var timeoutErr *gateway.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "/slow", timeoutErr.Path)
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := newGateway(t, url, memstore.New())
	err := g.Do(context.Background(), gateway.Get("/projects"), nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, gateway.ErrTimeout)
	require.Zero(t, gateway.StatusCode(err))
}

func TestPreemptiveRefresh(t *testing.T) {
	now := time.Now()
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	ts := newTokenServer(t, func(b string) bool { return b == "Bearer access-2" })
	store := memstore.NewWithRecord(credentials.Record{AccessToken: expired, RefreshToken: "r", UserID: "u1"})
	refresher := &fakeRefresher{token: "access-2", store: store}
	g := newGateway(t, ts.URL, store,
		gateway.WithRefresher(refresher),
		gateway.WithPreemptiveRefresh(true),
		gateway.WithNowTime(func() time.Time { return now }),
	)

	var out echo
	require.NoError(t, g.Do(context.Background(), gateway.Get("/projects"), &out))
	require.Equal(t, "Bearer access-2", out.Token)
	require.Equal(t, 1, refresher.callCount())
	require.EqualValues(t, 1, ts.requests.Load(), "no 401 round trip")
}
