// Package client wires the session components together from configuration.
package client

import (
	"context"
	"net/http"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/credentials/filestore"
	"github.com/jrsteele09/go-auth-session/credentials/memstore"
	"github.com/jrsteele09/go-auth-session/credentials/sqlitestore"
	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/internal/logging"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/token/refresh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Client holds one wired session. Sessions is the entry point for
// login/logout; Gateway sends any other authenticated request.
type Client struct {
	Sessions    *sessions.Store
	Gateway     *gateway.Gateway
	Auth        *auth.Client
	Coordinator *refresh.Coordinator
	Credentials credentials.Store

	log zerolog.Logger
}

type options struct {
	store      credentials.Store
	httpClient *http.Client
	log        *zerolog.Logger
}

// ClientOption configures New.
type ClientOption func(*options)

// WithStore uses store instead of the configured backend. The client takes
// ownership and closes it.
func WithStore(store credentials.Store) ClientOption {
	return func(o *options) {
		o.store = store
	}
}

func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *options) {
		o.httpClient = c
	}
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(o *options) {
		o.log = &l
	}
}

func New(cfg config.Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("[client.New] config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := logging.New(cfg)
	if o.log != nil {
		log = *o.log
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = OpenStore(cfg); err != nil {
			return nil, errors.Wrap(err, "[client.New] OpenStore")
		}
	}

	c, err := wire(cfg, store, o.httpClient, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

func wire(cfg config.Config, store credentials.Store, httpClient *http.Client, log zerolog.Logger) (*Client, error) {
	gatewayOpts := []gateway.GatewayOption{
		gateway.WithTimeout(cfg.GetRequestTimeout()),
		gateway.WithPreemptiveRefresh(cfg.GetPreemptiveRefresh()),
		gateway.WithLogger(log.With().Str("component", "gateway").Logger()),
	}
	if httpClient != nil {
		gatewayOpts = append(gatewayOpts, gateway.WithHTTPClient(httpClient))
	}
	g, err := gateway.New(cfg.GetBaseURL(), store, gatewayOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] gateway.New")
	}

	authClient, err := auth.NewClient(g)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] auth.NewClient")
	}

	coordinator, err := refresh.NewCoordinator(store, authClient,
		refresh.WithTimeout(cfg.GetRequestTimeout()),
		refresh.WithLogger(log.With().Str("component", "refresh").Logger()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] refresh.NewCoordinator")
	}
	g.SetRefresher(coordinator)

	sessionStore, err := sessions.New(authClient, store,
		sessions.WithLogger(log.With().Str("component", "sessions").Logger()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[client.New] sessions.New")
	}
	g.OnSessionInvalidated(sessionStore.Invalidate)

	return &Client{
		Sessions:    sessionStore,
		Gateway:     g,
		Auth:        authClient,
		Coordinator: coordinator,
		Credentials: store,
		log:         log,
	}, nil
}

// OpenStore opens the credential backend named by the config.
func OpenStore(cfg config.StoreConfig) (credentials.Store, error) {
	switch cfg.GetStoreBackend() {
	case config.StoreBackendMemory:
		return memstore.New(), nil
	case config.StoreBackendSQLite:
		return sqlitestore.New(cfg.GetCredentialPath())
	default:
		key, err := cfg.GetCredentialKey()
		if err != nil {
			return nil, err
		}
		var storeOpts []filestore.StoreOption
		if key != nil {
			storeOpts = append(storeOpts, filestore.WithEncryptionKey(key))
		}
		return filestore.New(cfg.GetCredentialPath(), storeOpts...)
	}
}

// TokenSource exposes the stored access token to code that speaks oauth2.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return c.Coordinator.TokenSource(ctx)
}

// Close releases the credential store.
func (c *Client) Close() error {
	if err := c.Credentials.Close(); err != nil {
		return errors.Wrap(err, "[Client.Close] Credentials.Close")
	}
	c.log.Debug().Msg("client closed")
	return nil
}
