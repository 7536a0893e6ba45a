package users

import (
	"github.com/jrsteele09/go-auth-session/tenants"
)

// RoleType is the user's role inside their current tenant.
type RoleType string

const (
	RoleOwner  RoleType = "owner"
	RoleAdmin  RoleType = "admin"
	RoleMember RoleType = "member"
	RoleViewer RoleType = "viewer"
)

// User is the profile of the authenticated user as returned by the remote
// service. The login response may carry a partial copy; the profile endpoint
// returns the full record with the embedded tenant.
type User struct {
	ID        string           `json:"id"`
	Email     string           `json:"email"`
	FirstName string           `json:"firstName,omitempty"`
	LastName  string           `json:"lastName,omitempty"`
	Role      RoleType         `json:"role,omitempty"`
	TenantID  string           `json:"tenantId,omitempty"`
	Tenant    *tenants.Summary `json:"tenant,omitempty"`
}

func (u *User) FullName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// TenantSlug returns the slug of the embedded tenant, if any.
func (u *User) TenantSlug() string {
	if u == nil || u.Tenant == nil {
		return ""
	}
	return u.Tenant.Slug
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleOwner || u.Role == RoleAdmin
}

// Clone returns a deep copy so callers cannot mutate session state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.Tenant != nil {
		t := *u.Tenant
		c.Tenant = &t
	}
	return &c
}
