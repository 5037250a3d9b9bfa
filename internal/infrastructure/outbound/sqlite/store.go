package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sophialabs/simulacra/internal/domain/endpoint"
	"github.com/sophialabs/simulacra/internal/domain/runtimeconfig"
)

var (
	_ endpoint.Repository      = (*EndpointStore)(nil)
	_ runtimeconfig.Repository = (*ConfigStore)(nil)
)

// Store keeps endpoint definitions and the runtime configuration in a
// SQLite database. Rows hold JSON documents.
type Store struct {
	db *sql.DB
}

// EndpointStore is the endpoint repository view of a Store. Endpoints load
// in the order they were first saved.
type EndpointStore struct {
	db *sql.DB
}

// ConfigStore is the runtime configuration repository view of a Store.
type ConfigStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runtime_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			config TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize state db: %w", err)
		}
	}
	return nil
}

// Endpoints returns the endpoint repository.
func (s *Store) Endpoints() *EndpointStore { return &EndpointStore{db: s.db} }

// Config returns the runtime configuration repository.
func (s *Store) Config() *ConfigStore { return &ConfigStore{db: s.db} }

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *EndpointStore) LoadAll(ctx context.Context) ([]*endpoint.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, definition FROM endpoints ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}
	defer rows.Close()

	var out []*endpoint.Endpoint
	for rows.Next() {
		var id, def string
		if err := rows.Scan(&id, &def); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		e := &endpoint.Endpoint{}
		if err := json.Unmarshal([]byte(def), e); err != nil {
			return nil, fmt.Errorf("failed to decode endpoint %q: %w", id, err)
		}
		e.SourceIndex = -1
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EndpointStore) Save(ctx context.Context, e *endpoint.Endpoint) error {
	def, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode endpoint %q: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO endpoints(id, definition, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		e.ID, string(def), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save endpoint %q: %w", e.ID, err)
	}
	return nil
}

// Delete removes e. Deleting an endpoint that was never saved is not an error.
func (s *EndpointStore) Delete(ctx context.Context, e *endpoint.Endpoint) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, e.ID); err != nil {
		return fmt.Errorf("failed to delete endpoint %q: %w", e.ID, err)
	}
	return nil
}

func (s *ConfigStore) Load(ctx context.Context) (runtimeconfig.RuntimeConfig, bool, error) {
	cfg := runtimeconfig.Default()
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM runtime_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, fmt.Errorf("failed to read runtime config: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, false, fmt.Errorf("failed to decode runtime config: %w", err)
	}
	return cfg, true, nil
}

func (s *ConfigStore) Save(ctx context.Context, cfg runtimeconfig.RuntimeConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode runtime config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runtime_config(id, config, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET config = excluded.config, updated_at = excluded.updated_at`,
		string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save runtime config: %w", err)
	}
	return nil
}
