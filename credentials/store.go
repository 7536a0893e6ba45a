package credentials

import (
	"context"

	"github.com/pkg/errors"
)

// Keys under which the durable backends persist a Record.
const (
	KeyAccessToken    = "accessToken"
	KeyRefreshToken   = "refreshToken"
	KeyUserID         = "userId"
	KeyLastTenantSlug = "lastTenantSlug"
)

// ErrSessionChanged is returned by the conditional writes when the stored
// session is no longer the one the caller read. Nothing is written.
var ErrSessionChanged = errors.New("stored session changed")

// Record is the persisted half of a session. Empty strings mean absent.
type Record struct {
	// Tokens are opaque here; expiry is enforced by the remote service.
	AccessToken  string
	RefreshToken string
	UserID       string

	// LastTenantSlug pre-fills future logins. It is never used to authorize.
	LastTenantSlug string
}

// HasSession reports whether an access token is stored.
func (r Record) HasSession() bool {
	return r.AccessToken != ""
}

// CanRefresh reports whether both values needed to mint a new access token are
// present.
func (r Record) CanRefresh() bool {
	return r.RefreshToken != "" && r.UserID != ""
}

// Rotatable reports whether a rotation of expectedRefreshToken still applies
// to r.
func (r Record) Rotatable(expectedRefreshToken string) bool {
	return r.UserID != "" && r.RefreshToken != "" && r.RefreshToken == expectedRefreshToken
}

// Store is durable key/value storage for a Record. Every write replaces the
// fields it names as one set, so concurrent readers never observe a partial
// write.
type Store interface {
	// Save replaces the whole record.
	Save(ctx context.Context, record Record) error

	// RotateTokens replaces the access/refresh pair, keeping the other fields,
	// only while the stored refresh token is still expectedRefreshToken and a
	// user id is stored. Otherwise it returns ErrSessionChanged.
	RotateTokens(ctx context.Context, expectedRefreshToken, accessToken, refreshToken string) error

	// SaveLastTenant remembers the tenant of the latest successful login.
	SaveLastTenant(ctx context.Context, slug string) error

	// Load returns the stored record, or an empty one if nothing is stored.
	Load(ctx context.Context) (Record, error)

	// Clear removes the access token, refresh token and user id. The last tenant
	// slug survives so the next login can default to it.
	Clear(ctx context.Context) error

	// ClearIfCurrent clears like Clear, but only while the stored access token
	// is still accessToken. Otherwise it returns ErrSessionChanged.
	ClearIfCurrent(ctx context.Context, accessToken string) error

	Close() error
}
