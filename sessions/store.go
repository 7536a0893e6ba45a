package sessions

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// API is the part of the remote contract the session store drives.
type API interface {
	Login(ctx context.Context, req auth.LoginRequest) (*auth.AuthResponse, error)
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.AuthResponse, error)
	Profile(ctx context.Context) (*users.User, error)
	Logout(ctx context.Context) error
}

var _ API = (*auth.Client)(nil)

// Store owns the in-memory session and moves it between states. It is safe for
// concurrent use; subscribers are notified of every transition in the order
// the transitions happened, outside of the store's lock.
type Store struct {
	api   API
	creds credentials.Store
	log   zerolog.Logger

	mu    sync.Mutex
	snap  Snapshot
	epoch uint64 // bumped by every transition that replaces the user

	subs    map[int]func(Snapshot)
	nextSub int
	pending []Snapshot

	notifyMu sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = l
	}
}

func New(api API, creds credentials.Store, options ...StoreOption) (*Store, error) {
	if api == nil {
		return nil, errors.New("[sessions.New] api is required")
	}
	if creds == nil {
		return nil, errors.New("[sessions.New] credential store is required")
	}
	s := &Store{
		api:   api,
		creds: creds,
		log:   zerolog.Nop(),
		snap:  newSnapshot(StateUninitialized, nil, ReasonNone),
		subs:  make(map[int]func(Snapshot)),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Snapshot returns the current session.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// Subscribe registers fn for every future transition. Callbacks run on the
// goroutine that caused the transition; a callback may call back into the
// store, in which case its own transition is delivered after it returns.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Initialize restores a session persisted by an earlier process. A stored
// token is verified with a profile fetch; if that fails the stored credentials
// are dropped. The outcome is reported through the snapshot, never as an error.
func (s *Store) Initialize(ctx context.Context) {
	s.mu.Lock()
	first := s.snap.State == StateUninitialized
	if first {
		s.setLocked(StateLoading, nil, ReasonStarting)
	}
	epoch := s.epoch
	s.mu.Unlock()
	s.flush()

	record, err := s.creds.Load(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load stored credentials")
	}
	if !record.HasSession() {
		s.transition(epoch, StateUnauthenticated, nil, ReasonNoCredentials)
		return
	}

	user, err := s.api.Profile(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("stored session rejected")
		if err := s.creds.Clear(ctx); err != nil {
			s.log.Error().Err(err).Msg("failed to clear rejected credentials")
		}
		s.transition(epoch, StateUnauthenticated, nil, ReasonProfileRejected)
		return
	}
	s.transition(epoch, StateAuthenticated, user, ReasonRestored)
}

// Login authenticates with the remote service. tenantSlug may be blank; if the
// credentials match several tenants a *tenants.ConflictError lists them and
// the call should be repeated with one of their slugs.
func (s *Store) Login(ctx context.Context, email, password, tenantSlug string) error {
	req := auth.NewLoginRequest(email, password, tenantSlug)
	resp, err := s.api.Login(ctx, req)
	if err != nil {
		s.log.Info().Err(err).Str("email", email).Msg("login failed")
		return err
	}

	slug := utils.Value(req.TenantSlug)
	if slug == "" {
		slug = resp.User.TenantSlug()
	}
	if err := s.persist(ctx, resp, slug); err != nil {
		return errors.Wrap(err, "[Store.Login]")
	}
	epoch := s.authenticate(resp.User, ReasonLoggedIn)
	s.log.Info().Str("user_id", resp.User.ID).Str("tenant", slug).Msg("logged in")

	s.followUpProfile(ctx, epoch, slug == "")
	return nil
}

// Register creates a tenant and its owner, then signs the owner in. Fields are
// trimmed, and local validation failures are returned before anything is sent.
func (s *Store) Register(ctx context.Context, r users.Registration) error {
	r = r.Normalized()
	if err := r.Validate(); err != nil {
		return err
	}
	resp, err := s.api.Register(ctx, auth.RegisterRequest{
		Email:      r.Email,
		Password:   r.Password,
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		TenantName: r.TenantName,
		TenantSlug: r.TenantSlug,
	})
	if err != nil {
		s.log.Info().Err(err).Str("email", r.Email).Msg("registration failed")
		return err
	}

	if err := s.persist(ctx, resp, r.TenantSlug); err != nil {
		return errors.Wrap(err, "[Store.Register]")
	}
	epoch := s.authenticate(resp.User, ReasonRegistered)
	s.log.Info().Str("user_id", resp.User.ID).Str("tenant", r.TenantSlug).Msg("registered")

	s.followUpProfile(ctx, epoch, false)
	return nil
}

// Logout revokes the session remotely when possible and always ends it
// locally. Calling it without a session is a no-op.
func (s *Store) Logout(ctx context.Context) error {
	record, err := s.creds.Load(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load stored credentials")
	}
	if record.HasSession() {
		if err := s.api.Logout(ctx); err != nil {
			s.log.Warn().Err(err).Msg("remote logout failed")
		}
	}
	if err := s.creds.Clear(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to clear credentials")
	}

	s.mu.Lock()
	changed := s.snap.State != StateUnauthenticated
	if changed {
		s.epoch++
		s.setLocked(StateUnauthenticated, nil, ReasonLoggedOut)
	}
	s.mu.Unlock()
	s.flush()
	return nil
}

// RefreshProfile reloads the signed-in user.
func (s *Store) RefreshProfile(ctx context.Context) error {
	s.mu.Lock()
	authenticated := s.snap.IsAuthenticated
	epoch := s.epoch
	s.mu.Unlock()
	if !authenticated {
		return ErrNotAuthenticated
	}

	user, err := s.api.Profile(ctx)
	if err != nil {
		return errors.Wrap(err, "[Store.RefreshProfile] api.Profile")
	}
	if !s.transition(epoch, StateAuthenticated, user, ReasonProfileRefreshed) {
		return ErrNotAuthenticated
	}
	return nil
}

// Invalidate ends the session after the stored credentials were discarded by
// a failed refresh. It is registered as the gateway's invalidation hook.
func (s *Store) Invalidate() {
	s.mu.Lock()
	changed := s.snap.State != StateUnauthenticated
	if changed {
		s.epoch++
		s.setLocked(StateUnauthenticated, nil, ReasonInvalidated)
	}
	s.mu.Unlock()
	if changed {
		s.log.Warn().Msg("session invalidated")
	}
	s.flush()
}

// LastTenantSlug returns the tenant of the most recent successful sign in.
func (s *Store) LastTenantSlug(ctx context.Context) (string, error) {
	record, err := s.creds.Load(ctx)
	if err != nil {
		return "", errors.Wrap(err, "[Store.LastTenantSlug] creds.Load")
	}
	return record.LastTenantSlug, nil
}

func (s *Store) persist(ctx context.Context, resp *auth.AuthResponse, slug string) error {
	if slug == "" {
		previous, err := s.creds.Load(ctx)
		if err != nil {
			return errors.Wrap(err, "creds.Load")
		}
		slug = previous.LastTenantSlug
	}
	err := s.creds.Save(ctx, credentials.Record{
		AccessToken:    resp.AccessToken,
		RefreshToken:   resp.RefreshToken,
		UserID:         resp.User.ID,
		LastTenantSlug: slug,
	})
	return errors.Wrap(err, "creds.Save")
}

func (s *Store) authenticate(user *users.User, reason Reason) uint64 {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.setLocked(StateAuthenticated, user, reason)
	s.mu.Unlock()
	s.flush()
	return epoch
}

// followUpProfile replaces the login summary with the full profile. Failure
// keeps the summary.
func (s *Store) followUpProfile(ctx context.Context, epoch uint64, rememberTenant bool) {
	user, err := s.api.Profile(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("profile fetch after sign in failed")
		return
	}
	if !s.transition(epoch, StateAuthenticated, user, ReasonProfileRefreshed) {
		return
	}
	if slug := user.TenantSlug(); rememberTenant && slug != "" {
		if err := s.creds.SaveLastTenant(ctx, slug); err != nil {
			s.log.Error().Err(err).Msg("failed to save last tenant")
		}
	}
}

// transition applies a state change unless another transition has replaced
// the session since epoch was read.
func (s *Store) transition(epoch uint64, state State, user *users.User, reason Reason) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.setLocked(state, user, reason)
	s.mu.Unlock()
	s.flush()
	return true
}

func (s *Store) setLocked(state State, user *users.User, reason Reason) {
	s.snap = newSnapshot(state, user.Clone(), reason)
	s.pending = append(s.pending, s.snap.clone())
	s.log.Debug().Stringer("state", state).Str("reason", string(reason)).Msg("session transition")
}

// flush delivers queued snapshots. Only one goroutine delivers at a time, and
// it keeps draining until the queue is empty, so order is preserved.
func (s *Store) flush() {
	for {
		if !s.notifyMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.pending[0]
			s.pending = s.pending[1:]
			subs := make([]func(Snapshot), 0, len(s.subs))
			for _, fn := range s.subs {
				subs = append(subs, fn)
			}
			s.mu.Unlock()

			for _, fn := range subs {
				fn(next.clone())
			}
		}
		s.notifyMu.Unlock()

		s.mu.Lock()
		empty := len(s.pending) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}
