package refresh

import (
	"context"

	"github.com/jrsteele09/go-auth-session/token"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

var ErrNoSession = errors.New("no access token stored")

type tokenSource struct {
	ctx context.Context
	c   *Coordinator
}

// TokenSource exposes the stored credentials as an oauth2.TokenSource. A JWT
// access token past its exp claim is refreshed before it is returned.
func (c *Coordinator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return tokenSource{ctx: ctx, c: c}
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.c.storedToken(ts.ctx)
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return tok, nil
	}
	if _, err := ts.c.Refresh(ts.ctx, tok.AccessToken); err != nil {
		return nil, errors.Wrap(err, "[tokenSource.Token] Refresh")
	}
	return ts.c.storedToken(ts.ctx)
}

func (c *Coordinator) storedToken(ctx context.Context) (*oauth2.Token, error) {
	record, err := c.store.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[Coordinator.storedToken] store.Load")
	}
	if !record.HasSession() {
		return nil, ErrNoSession
	}
	tok := &oauth2.Token{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    "Bearer",
	}
	if exp, ok := token.ExpiresAt(record.AccessToken); ok {
		tok.Expiry = exp
	}
	return tok, nil
}
