package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/tenants"
)

var ErrMissingTokens = errors.New("response did not include tokens")

// unlistedTenantsMessage is shown when the credentials match several tenants
// but the remote service did not say which.
const unlistedTenantsMessage = "This account belongs to several tenants; enter a tenant slug to sign in"

// RejectedError is a terminal refusal from the remote service (bad
// credentials, validation failure, duplicate tenant slug). Message is meant
// to be shown to the user.
type RejectedError struct {
	Status  int
	Message string
	cause   error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Status, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return e.cause
}

type errorBody struct {
	Message json.RawMessage `json:"message"`
	Error   string          `json:"error"`
}

// decodeError turns an HTTP error into a tenant conflict or a RejectedError.
// Transport and timeout errors are returned unchanged.
func decodeError(err error) error {
	var httpErr *gateway.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}

	if conflict, ok := tenants.DecodeConflict(httpErr.Body); ok {
		return conflict
	}

	var body errorBody
	if jsonErr := json.Unmarshal(httpErr.Body, &body); jsonErr != nil {
		return &RejectedError{Status: httpErr.Status, Message: fallbackMessage(httpErr), cause: httpErr}
	}
	if conflict, ok := tenants.DecodeConflict(body.Message); ok {
		return conflict
	}
	if tenants.IsConflict(httpErr.Body) || tenants.IsConflict(body.Message) {
		return &RejectedError{Status: httpErr.Status, Message: unlistedTenantsMessage, cause: httpErr}
	}

	message := displayMessage(body.Message)
	if message == "" {
		message = body.Error
	}
	if message == "" {
		message = fallbackMessage(httpErr)
	}
	return &RejectedError{Status: httpErr.Status, Message: message, cause: httpErr}
}

// displayMessage accepts the message as a string or a list of strings.
func displayMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(utils.ToStringSlice(list), "; ")
	}
	return ""
}

func fallbackMessage(httpErr *gateway.HTTPError) string {
	if httpErr.Status == http.StatusUnauthorized {
		return "Invalid email or password"
	}
	if text := http.StatusText(httpErr.Status); text != "" {
		return text
	}
	return "Request failed"
}
