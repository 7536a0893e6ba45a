package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	credentialStoreVar = "AUTH_CREDENTIAL_STORE"
	credentialPathVar  = "AUTH_CREDENTIAL_PATH"
	credentialKeyVar   = "AUTH_CREDENTIAL_KEY"

	credentialKeyLength = 32
)

type StoreBackend string

const (
	StoreBackendFile   StoreBackend = "file"
	StoreBackendSQLite StoreBackend = "sqlite"
	StoreBackendMemory StoreBackend = "memory"
)

type StoreConfig interface {
	GetStoreBackend() StoreBackend
	GetCredentialPath() string
	GetCredentialKey() (*[32]byte, error)
}

type Store struct {
	file FileValues
}

var _ StoreConfig = Store{}

func (s Store) GetStoreBackend() StoreBackend {
	switch backend := StoreBackend(strings.ToLower(lookup(credentialStoreVar, s.file.CredentialStore, ""))); backend {
	case StoreBackendSQLite, StoreBackendMemory:
		return backend
	default:
		return StoreBackendFile
	}
}

func (s Store) GetCredentialPath() string {
	return lookup(credentialPathVar, s.file.CredentialPath, defaultCredentialPath(s.GetStoreBackend()))
}

// GetCredentialKey returns the at-rest encryption key for the file store, or
// nil when none is configured.
func (s Store) GetCredentialKey() (*[32]byte, error) {
	encoded := lookup(credentialKeyVar, s.file.CredentialKey, "")
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "[Store.GetCredentialKey] base64 decode")
	}
	if len(raw) != credentialKeyLength {
		return nil, errors.Errorf("[Store.GetCredentialKey] key must be %d bytes, got %d", credentialKeyLength, len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

func defaultCredentialPath(backend StoreBackend) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	name := "credentials.json"
	if backend == StoreBackendSQLite {
		name = "credentials.db"
	}
	return filepath.Join(dir, "auth-session", name)
}
