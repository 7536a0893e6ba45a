package sqlitestore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS credentials (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

var _ credentials.Store = (*Store)(nil)

// Store keeps each record field as a row keyed by its storage key. Writes of
// several fields run in one transaction.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("[sqlitestore.New] path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "[sqlitestore.New] MkdirAll")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "[sqlitestore.New] sql.Open")
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "[sqlitestore.New] exec %q", stmt)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Save(ctx context.Context, record credentials.Record) error {
	return s.put(ctx, map[string]string{
		credentials.KeyAccessToken:    record.AccessToken,
		credentials.KeyRefreshToken:   record.RefreshToken,
		credentials.KeyUserID:         record.UserID,
		credentials.KeyLastTenantSlug: record.LastTenantSlug,
	})
}

// RotateTokens checks the stored refresh token and user id in the same
// transaction that writes the new pair.
func (s *Store) RotateTokens(ctx context.Context, expectedRefreshToken, accessToken, refreshToken string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current := credentials.Record{}
		var err error
		if current.RefreshToken, err = lookupValue(ctx, tx, credentials.KeyRefreshToken); err != nil {
			return err
		}
		if current.UserID, err = lookupValue(ctx, tx, credentials.KeyUserID); err != nil {
			return err
		}
		if !current.Rotatable(expectedRefreshToken) {
			return credentials.ErrSessionChanged
		}
		return putTx(ctx, tx, map[string]string{
			credentials.KeyAccessToken:  accessToken,
			credentials.KeyRefreshToken: refreshToken,
		})
	})
}

func (s *Store) SaveLastTenant(ctx context.Context, slug string) error {
	return s.put(ctx, map[string]string{credentials.KeyLastTenantSlug: slug})
}

func (s *Store) Load(ctx context.Context) (credentials.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM credentials`)
	if err != nil {
		return credentials.Record{}, errors.Wrap(err, "[sqlitestore.Load] query")
	}
	defer rows.Close()

	var record credentials.Record
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return credentials.Record{}, errors.Wrap(err, "[sqlitestore.Load] scan")
		}
		switch key {
		case credentials.KeyAccessToken:
			record.AccessToken = value
		case credentials.KeyRefreshToken:
			record.RefreshToken = value
		case credentials.KeyUserID:
			record.UserID = value
		case credentials.KeyLastTenantSlug:
			record.LastTenantSlug = value
		}
	}
	if err := rows.Err(); err != nil {
		return credentials.Record{}, errors.Wrap(err, "[sqlitestore.Load] rows")
	}
	return record, nil
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key IN (?, ?, ?)`,
		credentials.KeyAccessToken, credentials.KeyRefreshToken, credentials.KeyUserID)
	if err != nil {
		return errors.Wrap(err, "[sqlitestore.Clear] delete")
	}
	return nil
}

func (s *Store) ClearIfCurrent(ctx context.Context, accessToken string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := lookupValue(ctx, tx, credentials.KeyAccessToken)
		if err != nil {
			return err
		}
		if current != accessToken {
			return credentials.ErrSessionChanged
		}
		return putTx(ctx, tx, map[string]string{
			credentials.KeyAccessToken:  "",
			credentials.KeyRefreshToken: "",
			credentials.KeyUserID:       "",
		})
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// put writes every pair in one transaction.
func (s *Store) put(ctx context.Context, values map[string]string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return putTx(ctx, tx, values)
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "[sqlitestore.inTx] begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "[sqlitestore.inTx] commit")
	}
	return nil
}

// putTx upserts every pair. An empty value deletes the key so absence stays
// meaningful.
func putTx(ctx context.Context, tx *sql.Tx, values map[string]string) error {
	for key, value := range values {
		if value == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key); err != nil {
				return errors.Wrapf(err, "[sqlitestore.putTx] delete %s", key)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credentials (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value); err != nil {
			return errors.Wrapf(err, "[sqlitestore.putTx] upsert %s", key)
		}
	}
	return nil
}

func lookupValue(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var v string
	err := tx.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "[sqlitestore.lookupValue] select %s", key)
	}
	return v, nil
}

// Keys lists the stored keys, for inspection.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM credentials ORDER BY key`)
	if err != nil {
		return nil, errors.Wrap(err, "[sqlitestore.Keys] query")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "[sqlitestore.Keys] scan")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
