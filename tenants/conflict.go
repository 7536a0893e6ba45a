package tenants

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MultipleTenantsCode is the machine readable code the remote service uses when
// an email and password pair is valid in more than one tenant.
const MultipleTenantsCode = "MULTIPLE_TENANTS"

var ErrMultipleTenants = errors.New("credentials match multiple tenants")

// ConflictError asks the caller to pick one of Candidates and log in again with
// that tenant slug. It is not a failure of the credentials.
type ConflictError struct {
	Candidates []Candidate
}

func (e *ConflictError) Error() string {
	slugs := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		slugs = append(slugs, c.Slug)
	}
	return fmt.Sprintf("%s: %s", ErrMultipleTenants, strings.Join(slugs, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrMultipleTenants
}

// Has reports whether slug is one of the offered candidates.
func (e *ConflictError) Has(slug string) bool {
	for _, c := range e.Candidates {
		if c.Slug == slug {
			return true
		}
	}
	return false
}

type conflictPayload struct {
	Code    string      `json:"code"`
	Tenants []Candidate `json:"tenants"`
}

// DecodeConflict inspects an error message field from the remote service. The
// conflict arrives either as a JSON object or as a JSON encoded string holding
// that object. Anything else, or a conflict that lists no usable tenant,
// returns nil, false.
func DecodeConflict(message json.RawMessage) (*ConflictError, bool) {
	payload, ok := decodePayload(message)
	if !ok {
		return nil, false
	}

	candidates := make([]Candidate, 0, len(payload.Tenants))
	for _, t := range payload.Tenants {
		if strings.TrimSpace(t.Slug) == "" {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return &ConflictError{Candidates: candidates}, true
}

// IsConflict reports whether message carries the multiple tenants code,
// whether or not it lists tenants to choose from.
func IsConflict(message json.RawMessage) bool {
	_, ok := decodePayload(message)
	return ok
}

func decodePayload(message json.RawMessage) (conflictPayload, bool) {
	raw := []byte(message)
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = []byte(encoded)
	}

	var payload conflictPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return conflictPayload{}, false
	}
	return payload, payload.Code == MultipleTenantsCode
}

// Encode renders candidates in the wire form the remote service uses inside an
// error message.
func Encode(candidates []Candidate) string {
	b, _ := json.Marshal(conflictPayload{Code: MultipleTenantsCode, Tenants: candidates})
	return string(b)
}
