package config

import (
	"strconv"
	"strings"
	"time"
)

const (
	baseURLVar           = "AUTH_API_BASE_URL"
	requestTimeoutVar    = "AUTH_REQUEST_TIMEOUT"
	preemptiveRefreshVar = "AUTH_PREEMPTIVE_REFRESH"

	defaultRequestTimeout = 15 * time.Second
)

type APIConfig interface {
	GetBaseURL() string
	GetRequestTimeout() time.Duration
	GetPreemptiveRefresh() bool
}

type API struct {
	file FileValues
}

var _ APIConfig = API{}

// GetBaseURL returns the remote service root, e.g. "https://app.example.com/api".
func (a API) GetBaseURL() string {
	return strings.TrimRight(lookup(baseURLVar, a.file.BaseURL, "http://localhost:3000/api"), "/")
}

// GetRequestTimeout bounds every single remote attempt. Zero or invalid values
// fall back to the default.
func (a API) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(lookup(requestTimeoutVar, a.file.RequestTimeout, ""))
	if err != nil || d <= 0 {
		return defaultRequestTimeout
	}
	return d
}

func (a API) GetPreemptiveRefresh() bool {
	fileValue := ""
	if a.file.PreemptiveRefresh != nil {
		fileValue = strconv.FormatBool(*a.file.PreemptiveRefresh)
	}
	enabled, err := strconv.ParseBool(lookup(preemptiveRefreshVar, fileValue, "false"))
	return err == nil && enabled
}
