package auth

import (
	"context"

	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/pkg/errors"
)

// Doer sends requests to the remote service.
type Doer interface {
	Do(ctx context.Context, req *gateway.Request, out any) error
}

// Client speaks the remote authentication contract. It holds no state.
type Client struct {
	doer Doer
}

func NewClient(doer Doer) (*Client, error) {
	if doer == nil {
		return nil, errors.New("[auth.NewClient] doer is required")
	}
	return &Client{doer: doer}, nil
}

// Login posts the credentials. A *tenants.ConflictError means the caller must
// pick a tenant and try again; a *RejectedError carries a displayable reason.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.doer.Do(ctx, credentialRequest(RouteLogin, req), &resp); err != nil {
		return nil, decodeError(err)
	}
	if err := checkAuthResponse(&resp); err != nil {
		return nil, errors.Wrap(err, "[Client.Login]")
	}
	return &resp, nil
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.doer.Do(ctx, credentialRequest(RouteRegister, req), &resp); err != nil {
		return nil, decodeError(err)
	}
	if err := checkAuthResponse(&resp); err != nil {
		return nil, errors.Wrap(err, "[Client.Register]")
	}
	return &resp, nil
}

// Profile fetches the full record of the user the stored token belongs to.
func (c *Client) Profile(ctx context.Context) (*users.User, error) {
	var user users.User
	if err := c.doer.Do(ctx, gateway.Get(RouteProfile), &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, errors.New("[Client.Profile] profile has no user id")
	}
	return &user, nil
}

// Refresh exchanges the refresh token for a new pair. It never goes through
// the gateway's own refresh handling.
func (c *Client) Refresh(ctx context.Context, userID, refreshToken string) (TokenPair, error) {
	var pair TokenPair
	if err := c.doer.Do(ctx, credentialRequest(RouteRefresh, RefreshRequest{UserID: userID, RefreshToken: refreshToken}), &pair); err != nil {
		return TokenPair{}, err
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return TokenPair{}, errors.Wrap(ErrMissingTokens, "[Client.Refresh]")
	}
	return pair, nil
}

// Logout asks the remote service to revoke the session. Callers treat its
// failure as non-fatal.
func (c *Client) Logout(ctx context.Context) error {
	req := gateway.Post(RouteLogout, nil)
	req.SkipRefresh = true
	return c.doer.Do(ctx, req, nil)
}

func credentialRequest(path string, body any) *gateway.Request {
	req := gateway.Post(path, body)
	req.SkipAuth = true
	req.SkipRefresh = true
	return req
}

func checkAuthResponse(resp *AuthResponse) error {
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return ErrMissingTokens
	}
	if resp.User == nil || resp.User.ID == "" {
		return errors.New("response did not include a user")
	}
	return nil
}
