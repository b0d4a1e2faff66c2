package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/mattiacorvi/overvox/internal/config"
)

// SnapshotStore persists settings snapshots in PostgreSQL so a restart
// (or a second instance) can pick up the last admin-applied settings
// instead of the file on disk. Optional: the engine runs file-only when
// no database URL is configured.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

func NewSnapshotStore(ctx context.Context, databaseURL string) (*SnapshotStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &SnapshotStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings_snapshots (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_settings_snapshots_created ON settings_snapshots (created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveSnapshot stores the current settings as a new snapshot row.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, settings config.Settings) error {
	payload, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settings_snapshots (id, payload, created_at) VALUES ($1, $2, $3)`,
		uuid.NewString(), string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot loads the newest snapshot. ok is false when the table
// is empty; the caller falls back to the settings file.
func (s *SnapshotStore) LatestSnapshot(ctx context.Context) (*config.Settings, bool, error) {
	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM settings_snapshots ORDER BY created_at DESC LIMIT 1`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot: %w", err)
	}
	settings, err := config.SettingsFromReader(bytes.NewReader([]byte(payload)))
	if err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return settings, true, nil
}

func (s *SnapshotStore) Close() {
	s.pool.Close()
}
