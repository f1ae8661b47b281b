package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Keys used in the agent_state table.
const (
	keyLastAlive      = "last_alive_at"
	keyToken          = "token"
	keyDeploymentCode = "deployment_code"
)

// Credentials are the opaque inputs to the transport client. The agent never
// inspects their format.
type Credentials struct {
	Token          string
	DeploymentCode string
}

// Store wraps a single-file SQLite database used as a durable key/value record.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the baseline table exists.
func (s *Store) InitSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS agent_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Get returns the stored value for key. The second result is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set upserts a value for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_state (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// LastAlive reads the liveness record. The second result is false on first run.
func (s *Store) LastAlive(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.Get(ctx, keyLastAlive)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse liveness record: %w", err)
	}
	return ts, true, nil
}

// SetLastAlive writes the liveness record.
func (s *Store) SetLastAlive(ctx context.Context, t time.Time) error {
	return s.Set(ctx, keyLastAlive, t.UTC().Format(time.RFC3339Nano))
}

// ClearLastAlive removes the liveness record. Called on explicit logout.
func (s *Store) ClearLastAlive(ctx context.Context) error {
	return s.Delete(ctx, keyLastAlive)
}

// SaveCredentials persists token and deployment code so a restarted agent can
// resume reporting without UI involvement.
func (s *Store) SaveCredentials(ctx context.Context, creds Credentials) error {
	if err := s.Set(ctx, keyToken, creds.Token); err != nil {
		return err
	}
	return s.Set(ctx, keyDeploymentCode, creds.DeploymentCode)
}

// LoadCredentials returns stored credentials. The second result is false when
// either part is missing or blank.
func (s *Store) LoadCredentials(ctx context.Context) (Credentials, bool, error) {
	token, okToken, err := s.Get(ctx, keyToken)
	if err != nil {
		return Credentials{}, false, err
	}
	code, okCode, err := s.Get(ctx, keyDeploymentCode)
	if err != nil {
		return Credentials{}, false, err
	}
	creds := Credentials{Token: strings.TrimSpace(token), DeploymentCode: strings.TrimSpace(code)}
	if !okToken || !okCode || creds.Token == "" || creds.DeploymentCode == "" {
		return Credentials{}, false, nil
	}
	return creds, true, nil
}

// ClearCredentials removes stored credentials.
func (s *Store) ClearCredentials(ctx context.Context) error {
	if err := s.Delete(ctx, keyToken); err != nil {
		return err
	}
	return s.Delete(ctx, keyDeploymentCode)
}
