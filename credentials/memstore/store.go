package memstore

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-session/credentials"
)

var _ credentials.Store = (*Store)(nil)

// Store keeps the record in memory. It survives nothing but is safe for
// concurrent use, which makes it the default for tests.
type Store struct {
	mu     sync.RWMutex
	record credentials.Record
	writes int
}

func New() *Store {
	return &Store{}
}

// NewWithRecord returns a store seeded as if a previous process had saved r.
func NewWithRecord(r credentials.Record) *Store {
	return &Store{record: r}
}

func (s *Store) Save(_ context.Context, record credentials.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = record
	s.writes++
	return nil
}

func (s *Store) RotateTokens(_ context.Context, expectedRefreshToken, accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.record.Rotatable(expectedRefreshToken) {
		return credentials.ErrSessionChanged
	}
	s.record.AccessToken = accessToken
	s.record.RefreshToken = refreshToken
	s.writes++
	return nil
}

func (s *Store) SaveLastTenant(_ context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.LastTenantSlug = slug
	s.writes++
	return nil
}

func (s *Store) Load(_ context.Context) (credentials.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record, nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = credentials.Record{LastTenantSlug: s.record.LastTenantSlug}
	s.writes++
	return nil
}

func (s *Store) ClearIfCurrent(_ context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.AccessToken != accessToken {
		return credentials.ErrSessionChanged
	}
	s.record = credentials.Record{LastTenantSlug: s.record.LastTenantSlug}
	s.writes++
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Writes returns how many mutating calls the store has served.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
