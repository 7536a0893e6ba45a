package filestore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	filePerm = 0o600
	dirPerm  = 0o700

	nonceLength = 24
)

// sealedMagic prefixes files written with an encryption key.
var sealedMagic = []byte("AUTHSESSv1:")

var ErrDecrypt = errors.New("credential file could not be decrypted")

var _ credentials.Store = (*Store)(nil)

// Store persists the record as one JSON document. Each write goes to a temp
// file in the same directory that is renamed over the target, so readers
// always see a complete record.
type Store struct {
	path string
	key  *[32]byte
	mu   sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithEncryptionKey seals the document with NaCl secretbox.
func WithEncryptionKey(key *[32]byte) StoreOption {
	return func(s *Store) {
		s.key = key
	}
}

func New(path string, options ...StoreOption) (*Store, error) {
	if path == "" {
		return nil, errors.New("[filestore.New] path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, errors.Wrap(err, "[filestore.New] MkdirAll")
	}
	s := &Store{path: path}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

type document struct {
	AccessToken    string `json:"accessToken,omitempty"`
	RefreshToken   string `json:"refreshToken,omitempty"`
	UserID         string `json:"userId,omitempty"`
	LastTenantSlug string `json:"lastTenantSlug,omitempty"`
}

func (s *Store) Save(_ context.Context, record credentials.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(record)
}

func (s *Store) RotateTokens(_ context.Context, expectedRefreshToken, accessToken, refreshToken string) error {
	return s.update(func(r *credentials.Record) error {
		if !r.Rotatable(expectedRefreshToken) {
			return credentials.ErrSessionChanged
		}
		r.AccessToken = accessToken
		r.RefreshToken = refreshToken
		return nil
	})
}

func (s *Store) SaveLastTenant(_ context.Context, slug string) error {
	return s.update(func(r *credentials.Record) error {
		r.LastTenantSlug = slug
		return nil
	})
}

func (s *Store) Load(_ context.Context) (credentials.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Store) Clear(_ context.Context) error {
	return s.update(func(r *credentials.Record) error {
		*r = credentials.Record{LastTenantSlug: r.LastTenantSlug}
		return nil
	})
}

func (s *Store) ClearIfCurrent(_ context.Context, accessToken string) error {
	return s.update(func(r *credentials.Record) error {
		if r.AccessToken != accessToken {
			return credentials.ErrSessionChanged
		}
		*r = credentials.Record{LastTenantSlug: r.LastTenantSlug}
		return nil
	})
}

func (s *Store) Close() error {
	return nil
}

// update applies mutate to the stored record under the lock. A mutate error
// leaves the file untouched.
func (s *Store) update(mutate func(*credentials.Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.read()
	if err != nil {
		return err
	}
	if err := mutate(&record); err != nil {
		return err
	}
	return s.write(record)
}

func (s *Store) read() (credentials.Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return credentials.Record{}, nil
	}
	if err != nil {
		return credentials.Record{}, errors.Wrap(err, "[filestore.read] ReadFile")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return credentials.Record{}, nil
	}

	if bytes.HasPrefix(data, sealedMagic) {
		if data, err = s.open(data[len(sealedMagic):]); err != nil {
			return credentials.Record{}, err
		}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return credentials.Record{}, errors.Wrap(err, "[filestore.read] json.Unmarshal")
	}
	return credentials.Record{
		AccessToken:    doc.AccessToken,
		RefreshToken:   doc.RefreshToken,
		UserID:         doc.UserID,
		LastTenantSlug: doc.LastTenantSlug,
	}, nil
}

func (s *Store) write(record credentials.Record) error {
	data, err := json.Marshal(document{
		AccessToken:    record.AccessToken,
		RefreshToken:   record.RefreshToken,
		UserID:         record.UserID,
		LastTenantSlug: record.LastTenantSlug,
	})
	if err != nil {
		return errors.Wrap(err, "[filestore.write] json.Marshal")
	}
	if s.key != nil {
		if data, err = s.seal(data); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return errors.Wrap(err, "[filestore.write] CreateTemp")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[filestore.write] Chmod")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[filestore.write] Write")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "[filestore.write] Sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "[filestore.write] Close")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "[filestore.write] Rename")
	}
	return nil
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	var nonce [nonceLength]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.Wrap(err, "[filestore.seal] nonce")
	}
	out := append([]byte{}, sealedMagic...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plain, &nonce, s.key), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if s.key == nil || len(sealed) < nonceLength+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceLength]byte
	copy(nonce[:], sealed[:nonceLength])
	plain, ok := secretbox.Open(nil, sealed[nonceLength:], &nonce, s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
