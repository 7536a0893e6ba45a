package auth

import (
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/users"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`

	// TenantSlug selects the tenant when the credentials exist in several.
	// Nil means "no preference" and the field is left out of the body; an empty
	// string is never sent.
	TenantSlug *string `json:"tenantSlug,omitempty"`
}

// NewLoginRequest normalises tenantSlug so blank input is treated exactly like
// no selection.
func NewLoginRequest(email, password, tenantSlug string) LoginRequest {
	return LoginRequest{
		Email:      email,
		Password:   password,
		TenantSlug: utils.TrimmedPtr(tenantSlug),
	}
}

// RegisterRequest is the body of POST /auth/register. The remote service
// creates the tenant, the owning user and the credentials in one step.
type RegisterRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	TenantName string `json:"tenantName"`
	TenantSlug string `json:"tenantSlug"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	UserID       string `json:"userId"`
	RefreshToken string `json:"refreshToken"`
}

// TokenPair is returned by POST /auth/refresh. Both tokens rotate on every
// refresh.
type TokenPair struct {
	// AccessToken authorizes individual API calls.
	// Usage: "Authorization: Bearer <accessToken>"
	// Lifespan: short, enforced by the remote service.
	AccessToken string `json:"accessToken"`

	// RefreshToken mints the next pair. The previous one stops working once a
	// new pair has been issued.
	RefreshToken string `json:"refreshToken"`
}

// AuthResponse is returned by login and register.
type AuthResponse struct {
	TokenPair

	// User may be a partial summary; the profile endpoint has the full record.
	User *users.User `json:"user"`
}
