// Package authtest runs an in-process fake of the remote authentication
// service for tests.
package authtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/tenants"
	"github.com/jrsteele09/go-auth-session/users"
)

// Server is a fake remote service. Tokens are opaque counters; every refresh
// rotates both and revokes the previous pair.
type Server struct {
	*httptest.Server

	dir *directory

	mu            sync.Mutex
	accessTokens  map[string]string // access token -> user id
	refreshTokens map[string]string // refresh token -> user id
	hits          map[string]int
	loginBodies   []json.RawMessage
	next          atomic.Int64

	failRefresh  atomic.Bool
	failLogout   atomic.Bool
	failProfile  atomic.Bool
	refreshDelay atomic.Int64
}

func NewServer(t *testing.T) *Server {
	s := &Server{
		dir:           newDirectory(),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
		hits:          make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+auth.RouteLogin, s.count(auth.RouteLogin, s.login))
	mux.HandleFunc("POST "+auth.RouteRegister, s.count(auth.RouteRegister, s.register))
	mux.HandleFunc("GET "+auth.RouteProfile, s.count(auth.RouteProfile, s.profile))
	mux.HandleFunc("POST "+auth.RouteRefresh, s.count(auth.RouteRefresh, s.refresh))
	mux.HandleFunc("POST "+auth.RouteLogout, s.count(auth.RouteLogout, s.logout))
	mux.HandleFunc("GET /projects", s.count("/projects", s.projects))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// AddTenant registers a tenant and returns it with its generated id.
func (s *Server) AddTenant(slug, name string) tenants.Summary {
	return s.dir.upsertTenant(tenants.Summary{Slug: slug, Name: name})
}

// AddUser creates an account for email in the tenant with slug.
func (s *Server) AddUser(tenantSlug, email, password string) users.User {
	t, ok := s.dir.tenant(tenantSlug)
	if !ok {
		t = s.AddTenant(tenantSlug, strings.ToUpper(tenantSlug[:1])+tenantSlug[1:])
	}
	return s.dir.addAccount(users.User{
		Email:     email,
		FirstName: "Test",
		LastName:  "User",
		Role:      users.RoleMember,
		Tenant:    &t,
	}, password)
}

// IssueTokens mints a valid pair for userID as if they had logged in.
func (s *Server) IssueTokens(userID string) auth.TokenPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

// ExpireAccessTokens revokes every access token, leaving refresh tokens valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens = make(map[string]string)
}

// FailRefresh makes every refresh call fail with 401.
func (s *Server) FailRefresh(fail bool) {
	s.failRefresh.Store(fail)
}

func (s *Server) FailLogout(fail bool) {
	s.failLogout.Store(fail)
}

func (s *Server) FailProfile(fail bool) {
	s.failProfile.Store(fail)
}

// SetRefreshDelay holds every refresh call for d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.refreshDelay.Store(int64(d))
}

// Hits returns how many requests reached route.
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// LoginBodies returns the raw bodies of every login request received.
func (s *Server) LoginBodies() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage{}, s.loginBodies...)
}

// Valid reports whether accessToken is currently accepted.
func (s *Server) Valid(accessToken string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accessTokens[accessToken]
	return ok
}

func (s *Server) count(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[route]++
		s.mu.Unlock()
		next(w, r)
	}
}

func (s *Server) issueLocked(userID string) auth.TokenPair {
	n := s.next.Add(1)
	pair := auth.TokenPair{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
	}
	s.accessTokens[pair.AccessToken] = userID
	s.refreshTokens[pair.RefreshToken] = userID
	return pair
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	s.mu.Lock()
	s.loginBodies = append(s.loginBodies, raw)
	s.mu.Unlock()

	var req auth.LoginRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	matches := s.dir.matching(req.Email, req.Password)
	if req.TenantSlug != nil {
		filtered := matches[:0]
		for _, u := range matches {
			if u.TenantSlug() == *req.TenantSlug {
				filtered = append(filtered, u)
			}
		}
		matches = filtered
	}

	switch len(matches) {
	case 0:
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	case 1:
	default:
		candidates := make([]tenants.Candidate, 0, len(matches))
		for _, u := range matches {
			candidates = append(candidates, tenants.Candidate{Slug: u.Tenant.Slug, Name: u.Tenant.Name})
		}
		writeError(w, http.StatusUnauthorized, tenants.Encode(candidates))
		return
	}

	s.writeAuthResponse(w, http.StatusOK, matches[0])
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if len(req.Password) < 8 {
		writeErrorList(w, http.StatusBadRequest, []string{"password must be longer than or equal to 8 characters"})
		return
	}
	if _, exists := s.dir.tenant(req.TenantSlug); exists {
		writeError(w, http.StatusConflict, "Tenant slug already taken")
		return
	}

	t := s.AddTenant(req.TenantSlug, req.TenantName)
	u := s.dir.addAccount(users.User{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      users.RoleOwner,
		Tenant:    &t,
	}, req.Password)
	s.writeAuthResponse(w, http.StatusCreated, u)
}

func (s *Server) writeAuthResponse(w http.ResponseWriter, status int, u users.User) {
	pair := s.IssueTokens(u.ID)
	// The login response carries only a summary of the user.
	summary := &users.User{ID: u.ID, Email: u.Email, Role: u.Role, TenantID: u.TenantID}
	writeJSON(w, status, auth.AuthResponse{TokenPair: pair, User: summary})
}

func (s *Server) bearerUser(r *http.Request) (string, bool) {
	accessToken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.accessTokens[accessToken]
	return userID, ok
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.bearerUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.failProfile.Load() {
		writeError(w, http.StatusInternalServerError, "profile unavailable")
		return
	}
	u, ok := s.dir.user(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) projects(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.bearerUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": userID})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if d := time.Duration(s.refreshDelay.Load()); d > 0 {
		time.Sleep(d)
	}
	var req auth.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if s.failRefresh.Load() {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.refreshTokens[req.RefreshToken]
	if !ok || owner != req.UserID {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	delete(s.refreshTokens, req.RefreshToken)
	for access, id := range s.accessTokens {
		if id == owner {
			delete(s.accessTokens, access)
		}
	}
	writeJSON(w, http.StatusOK, s.issueLocked(owner))
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if s.failLogout.Load() {
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	userID, ok := s.bearerUser(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for access, id := range s.accessTokens {
		if id == userID {
			delete(s.accessTokens, access)
		}
	}
	for refresh, id := range s.refreshTokens {
		if id == userID {
			delete(s.refreshTokens, refresh)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"statusCode": status,
		"message":    message,
		"error":      http.StatusText(status),
	})
}

func writeErrorList(w http.ResponseWriter, status int, messages []string) {
	writeJSON(w, status, map[string]any{
		"statusCode": status,
		"message":    messages,
		"error":      http.StatusText(status),
	})
}
