package gateway

import "net/http"

// Request describes one call to the remote service. Within a single Do a 401
// is answered with at most one refresh; a Request may be reused and shared
// across goroutines.
type Request struct {
	Method string
	Path   string
	Body   any

	// SkipAuth sends the request without a bearer token.
	SkipAuth bool
	// SkipRefresh returns a 401 to the caller untouched. Credential endpoints
	// use it so a bad password never starts a refresh.
	SkipRefresh bool
}

func Get(path string) *Request {
	return &Request{Method: http.MethodGet, Path: path}
}

func Post(path string, body any) *Request {
	return &Request{Method: http.MethodPost, Path: path, Body: body}
}

func (r *Request) refreshable() bool {
	return !r.SkipRefresh && !r.SkipAuth
}
