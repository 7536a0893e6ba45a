package users

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const minPasswordLength = 8

var (
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrMissingField     = errors.New("required field missing")
	ErrInvalidField     = errors.New("invalid field")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Registration is what the sign up form collects. ConfirmPassword never leaves
// the process.
type Registration struct {
	Email           string
	Password        string
	ConfirmPassword string
	FirstName       string
	LastName        string
	TenantName      string
	TenantSlug      string
}

// Normalized returns r with surrounding whitespace removed from every field
// except the passwords, which are sent exactly as typed.
func (r Registration) Normalized() Registration {
	r.Email = strings.TrimSpace(r.Email)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.TenantName = strings.TrimSpace(r.TenantName)
	r.TenantSlug = strings.TrimSpace(r.TenantSlug)
	return r
}

// Validate checks the form locally so that obviously bad input never reaches
// the network.
func (r Registration) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"email", r.Email},
		{"password", r.Password},
		{"firstName", r.FirstName},
		{"lastName", r.LastName},
		{"tenantName", r.TenantName},
		{"tenantSlug", r.TenantSlug},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}

	if r.Password != r.ConfirmPassword {
		return ErrPasswordMismatch
	}
	if len(r.Password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters long", ErrInvalidField, minPasswordLength)
	}
	if !strings.Contains(r.Email, "@") {
		return fmt.Errorf("%w: email", ErrInvalidField)
	}
	if !slugPattern.MatchString(strings.TrimSpace(r.TenantSlug)) {
		return fmt.Errorf("%w: tenantSlug must be lowercase letters, digits and single hyphens", ErrInvalidField)
	}
	return nil
}
