package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 1 << 20

	// RequestIDHeader carries a per-attempt identifier for correlating logs.
	RequestIDHeader = "X-Request-ID"
)

// Refresher mints a new access token after the remote service rejected
// staleAccessToken.
type Refresher interface {
	Refresh(ctx context.Context, staleAccessToken string) (string, error)
}

// Gateway is the single choke point for calls to the remote service. It holds
// no session state; tokens are read from the credential store on every call.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	store      credentials.Store
	timeout    time.Duration
	preemptive bool
	nowTime    func() time.Time
	log        zerolog.Logger

	mu            sync.RWMutex
	refresher     Refresher
	onInvalidated []func()
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) {
		g.httpClient = c
	}
}

// WithTimeout bounds each attempt. The original call and its replay after a
// refresh get separate budgets.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithPreemptiveRefresh refreshes before sending when the stored access token
// is a JWT that has already expired.
func WithPreemptiveRefresh(enabled bool) GatewayOption {
	return func(g *Gateway) {
		g.preemptive = enabled
	}
}

func WithRefresher(r Refresher) GatewayOption {
	return func(g *Gateway) {
		g.refresher = r
	}
}

func WithLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.log = l
	}
}

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(nowFunc func() time.Time) GatewayOption {
	return func(g *Gateway) {
		g.nowTime = nowFunc
	}
}

func New(baseURL string, store credentials.Store, options ...GatewayOption) (*Gateway, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("[gateway.New] baseURL is required")
	}
	if store == nil {
		return nil, errors.New("[gateway.New] credential store is required")
	}

	g := &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		store:      store,
		timeout:    defaultTimeout,
		nowTime:    time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(g)
	}
	return g, nil
}

// SetRefresher installs the refresher once it has been built on top of this
// gateway.
func (g *Gateway) SetRefresher(r Refresher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refresher = r
}

// OnSessionInvalidated registers fn to run when a refresh fails for good and
// the stored session has been discarded.
func (g *Gateway) OnSessionInvalidated(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onInvalidated = append(g.onInvalidated, fn)
}

// Do sends req and decodes a successful JSON response into out (which may be
// nil). A 401 is answered with one refresh and one replay. If the refresh
// ends the session the invalidation hooks run and the original 401 is
// returned; if ctx ends while waiting for the refresh, ctx's error is.
func (g *Gateway) Do(ctx context.Context, req *Request, out any) error {
	if req == nil {
		return errors.New("[Gateway.Do] request is required")
	}

	accessToken, err := g.bearer(ctx, req)
	if err != nil {
		return err
	}

	err = g.send(ctx, req, accessToken, false, out)
	if !IsUnauthorized(err) || !req.refreshable() {
		return err
	}

	refresher := g.currentRefresher()
	if refresher == nil {
		return err
	}

	freshToken, refreshErr := refresher.Refresh(ctx, accessToken)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrSessionEnded) {
			g.log.Warn().Err(refreshErr).Str("path", req.Path).Msg("token refresh failed, invalidating session")
			g.invalidate()
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrapf(ctxErr, "[Gateway.Do] waiting for refresh of %s %s", req.Method, req.Path)
		}
		g.log.Info().Err(refreshErr).Str("path", req.Path).Msg("token refresh did not complete")
		return err
	}
	return g.send(ctx, req, freshToken, true, out)
}

func (g *Gateway) bearer(ctx context.Context, req *Request) (string, error) {
	if req.SkipAuth {
		return "", nil
	}
	record, err := g.store.Load(ctx)
	if err != nil {
		return "", errors.Wrap(err, "[Gateway.bearer] store.Load")
	}
	accessToken := record.AccessToken
	if !g.preemptive || !token.Expired(accessToken, g.nowTime()) {
		return accessToken, nil
	}

	refresher := g.currentRefresher()
	if refresher == nil {
		return accessToken, nil
	}
	fresh, err := refresher.Refresh(ctx, accessToken)
	if err != nil {
		// Send with the stale token; the 401 path decides what happens next.
		g.log.Debug().Err(err).Str("path", req.Path).Msg("preemptive refresh failed")
		return accessToken, nil
	}
	return fresh, nil
}

func (g *Gateway) send(ctx context.Context, req *Request, accessToken string, replay bool, out any) error {
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return errors.Wrap(err, "[Gateway.send] json.Marshal")
		}
		body = bytes.NewReader(payload)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, g.baseURL+req.Path, body)
	if err != nil {
		return errors.Wrap(err, "[Gateway.send] NewRequest")
	}
	requestID := uuid.New().String()
	httpReq.Header.Set(RequestIDHeader, requestID)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		(&oauth2.Token{AccessToken: accessToken}).SetAuthHeader(httpReq)
	}

	started := g.nowTime()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return g.transportError(attemptCtx, req, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return g.transportError(attemptCtx, req, err)
	}

	g.log.Debug().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Bool("replay", replay).
		Dur("elapsed", g.nowTime().Sub(started)).
		Msg("remote call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Method: req.Method, Path: req.Path, Status: resp.StatusCode, Body: data}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "[Gateway.send] decode %s %s", req.Method, req.Path)
	}
	return nil
}

func (g *Gateway) transportError(attemptCtx context.Context, req *Request, err error) error {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Method: req.Method, Path: req.Path}
	}
	return errors.Wrapf(err, "[Gateway.send] %s %s", req.Method, req.Path)
}

func (g *Gateway) currentRefresher() Refresher {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.refresher
}

func (g *Gateway) invalidate() {
	g.mu.RLock()
	hooks := append([]func(){}, g.onInvalidated...)
	g.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}
