package refresh

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrNoRefreshCredentials means the store lacks a refresh token or user id.
// It is terminal: no network call is made.
var ErrNoRefreshCredentials = errors.New("no refresh token or user id stored")

const (
	flightKey      = "refresh"
	defaultTimeout = 15 * time.Second
)

// Remote performs the refresh call against the remote service.
type Remote interface {
	Refresh(ctx context.Context, userID, refreshToken string) (auth.TokenPair, error)
}

// Coordinator runs the token refresh protocol. However many requests fail at
// once, only one refresh call is in flight and every waiter gets its result.
type Coordinator struct {
	store   credentials.Store
	remote  Remote
	timeout time.Duration
	log     zerolog.Logger
	group   singleflight.Group

	remoteCalls atomic.Int64
	reused      atomic.Int64
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTimeout bounds the shared refresh call.
func WithTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = l
	}
}

func NewCoordinator(store credentials.Store, remote Remote, options ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("[refresh.NewCoordinator] credential store is required")
	}
	if remote == nil {
		return nil, errors.New("[refresh.NewCoordinator] remote is required")
	}
	c := &Coordinator{
		store:   store,
		remote:  remote,
		timeout: defaultTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Refresh returns an access token to replace staleAccessToken. If the stored
// token already differs from the stale one, another caller has rotated it and
// it is returned without a network call. When the refresh fails the stored
// session is cleared and the error matches gateway.ErrSessionEnded.
//
// A logout or new login that lands while the refresh is in flight wins: the
// store is left as that writer set it and the error matches
// credentials.ErrSessionChanged.
//
// The shared call is detached from the caller's cancellation so one caller
// giving up does not fail the others; ctx only bounds this caller's wait.
func (c *Coordinator) Refresh(ctx context.Context, staleAccessToken string) (string, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.refresh(flightCtx, staleAccessToken)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context, staleAccessToken string) (string, error) {
	record, err := c.store.Load(ctx)
	if err != nil {
		return "", errors.Wrap(err, "[Coordinator.refresh] store.Load")
	}
	if record.AccessToken != "" && record.AccessToken != staleAccessToken {
		c.reused.Add(1)
		return record.AccessToken, nil
	}
	if !record.CanRefresh() {
		return "", c.discard(ctx, record, ErrNoRefreshCredentials)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.remoteCalls.Add(1)
	pair, err := c.remote.Refresh(callCtx, record.UserID, record.RefreshToken)
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", record.UserID).Msg("refresh rejected")
		return "", c.discard(ctx, record, errors.Wrap(err, "[Coordinator.refresh] remote.Refresh"))
	}

	err = c.store.RotateTokens(ctx, record.RefreshToken, pair.AccessToken, pair.RefreshToken)
	if errors.Is(err, credentials.ErrSessionChanged) {
		c.log.Info().Str("user_id", record.UserID).Msg("session changed during refresh, dropping rotated tokens")
		return "", errors.Wrap(err, "[Coordinator.refresh] store.RotateTokens")
	}
	if err != nil {
		// The remote side has already revoked the old pair.
		return "", c.discard(ctx, record, errors.Wrap(err, "[Coordinator.refresh] store.RotateTokens"))
	}
	c.log.Debug().Str("user_id", record.UserID).Msg("tokens rotated")
	return pair.AccessToken, nil
}

// endedError marks a refresh failure after which the session is gone.
type endedError struct {
	err error
}

func ended(err error) error {
	return &endedError{err: err}
}

func (e *endedError) Error() string {
	return e.err.Error()
}

func (e *endedError) Is(target error) bool {
	return target == gateway.ErrSessionEnded
}

func (e *endedError) Unwrap() error {
	return e.err
}

// discard clears the session the flight read. If a newer writer has replaced
// it the store is left alone.
func (c *Coordinator) discard(ctx context.Context, read credentials.Record, cause error) error {
	err := c.store.ClearIfCurrent(ctx, read.AccessToken)
	if errors.Is(err, credentials.ErrSessionChanged) {
		c.log.Info().Err(cause).Msg("session changed during refresh, keeping the newer session")
		return errors.Wrap(err, "[Coordinator.discard]")
	}
	if err != nil {
		c.log.Error().Err(err).Msg("failed to clear credentials after refresh failure")
	}
	return ended(cause)
}

// Stats reports how many refresh calls reached the remote service and how many
// refresh attempts were answered by a rotation that had already happened.
type Stats struct {
	RemoteCalls int64
	Reused      int64
}

func (c *Coordinator) Stats() Stats {
	return Stats{RemoteCalls: c.remoteCalls.Load(), Reused: c.reused.Load()}
}
