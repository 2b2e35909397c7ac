// Package store provides sqlx persistence for integrations, sync state,
// the ingestion ledger, and webhook subscriptions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/compasshq/compass/internal/db"
	"github.com/compasshq/compass/internal/integration/models"
)

// Store persists all integration subsystem state. Writes go through the
// pool's single-writer connection; reads use the reader pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates the store and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("integration schema init: %w", err)
	}
	return s, nil
}

// createTablesSQL holds the DDL for all integration tables. Types are kept
// to the SQLite/Postgres common subset.
const createTablesSQL = `
	CREATE TABLE IF NOT EXISTS integrations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_expires_at TIMESTAMP,
		account_name TEXT NOT NULL DEFAULT '',
		account_email TEXT NOT NULL DEFAULT '',
		workspace TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(user_id, provider)
	);

	CREATE TABLE IF NOT EXISTS integration_sync_states (
		id TEXT PRIMARY KEY,
		integration_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_sync_at TIMESTAMP,
		next_sync_at TIMESTAMP,
		last_successful_sync_at TIMESTAMP,
		cursor TEXT NOT NULL DEFAULT '',
		last_item_id TEXT NOT NULL DEFAULT '',
		last_item_timestamp TIMESTAMP,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_error_at TIMESTAMP,
		total_items_synced INTEGER NOT NULL DEFAULT 0,
		items_synced_this_run INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ingested_items (
		id TEXT PRIMARY KEY,
		integration_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		source_id TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		source_hash TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		capture_id TEXT NOT NULL DEFAULT '',
		memory_ids TEXT NOT NULL DEFAULT '[]',
		task_ids TEXT NOT NULL DEFAULT '[]',
		source_created_at TIMESTAMP,
		source_updated_at TIMESTAMP,
		processed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(integration_id, source_id)
	);
	CREATE INDEX IF NOT EXISTS idx_ingested_items_status
		ON ingested_items(integration_id, status);

	CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id TEXT PRIMARY KEY,
		integration_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		delivery_url TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL DEFAULT '',
		events TEXT NOT NULL DEFAULT '[]',
		is_active BOOLEAN NOT NULL DEFAULT 1,
		error_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_subscriptions_provider
		ON webhook_subscriptions(user_id, provider);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(createTablesSQL)
	return err
}

// exec rebinds `?` placeholders for the active driver and executes on the
// writer.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *Store) get(ctx context.Context, dest any, query string, args ...any) error {
	return s.ro.GetContext(ctx, dest, s.ro.Rebind(query), args...)
}

func (s *Store) sel(ctx context.Context, dest any, query string, args ...any) error {
	return s.ro.SelectContext(ctx, dest, s.ro.Rebind(query), args...)
}

// --- Integration operations ---

// CreateIntegration inserts a connection row. The metadata map is stored as
// a JSON object.
func (s *Store) CreateIntegration(ctx context.Context, in *models.Integration) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now
	if in.Metadata == nil {
		in.Metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	in.MetadataJSON = string(metaJSON)
	_, err = s.exec(ctx, `
		INSERT INTO integrations (id, user_id, provider, access_token, refresh_token, token_expires_at,
			account_name, account_email, workspace, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.UserID, in.Provider, in.AccessToken, in.RefreshToken, in.TokenExpiresAt,
		in.AccountName, in.AccountEmail, in.Workspace, in.MetadataJSON, in.CreatedAt, in.UpdatedAt)
	return err
}

// GetIntegration returns a connection by id, nil when absent.
func (s *Store) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	var in models.Integration
	err := s.get(ctx, &in, `SELECT * FROM integrations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hydrateIntegration(&in)
	return &in, nil
}

// GetIntegrationByUserProvider returns a user's connection to one provider,
// nil when absent.
func (s *Store) GetIntegrationByUserProvider(ctx context.Context, userID, provider string) (*models.Integration, error) {
	var in models.Integration
	err := s.get(ctx, &in, `SELECT * FROM integrations WHERE user_id = ? AND provider = ?`, userID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hydrateIntegration(&in)
	return &in, nil
}

// ListIntegrationsByUser returns all of a user's connections.
func (s *Store) ListIntegrationsByUser(ctx context.Context, userID string) ([]*models.Integration, error) {
	var out []*models.Integration
	err := s.sel(ctx, &out, `SELECT * FROM integrations WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	for _, in := range out {
		hydrateIntegration(in)
	}
	return out, nil
}

// UpdateTokens persists refreshed credentials.
func (s *Store) UpdateTokens(ctx context.Context, id string, tokens models.Tokens) error {
	_, err := s.exec(ctx, `
		UPDATE integrations SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, time.Now().UTC(), id)
	return err
}

// UpdateAccountInfo refreshes the account metadata captured at connect time.
func (s *Store) UpdateAccountInfo(ctx context.Context, id string, info models.AccountInfo) error {
	_, err := s.exec(ctx, `
		UPDATE integrations SET account_name = ?, account_email = ?, workspace = ?, updated_at = ?
		WHERE id = ?`,
		info.AccountName, info.AccountEmail, info.Workspace, time.Now().UTC(), id)
	return err
}

// UpdateMetadata replaces the provider-specific metadata blob.
func (s *Store) UpdateMetadata(ctx context.Context, id string, metadata map[string]string) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.exec(ctx, `UPDATE integrations SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(metaJSON), time.Now().UTC(), id)
	return err
}

// DeleteIntegration removes a connection and cascades its sync state,
// ingested items, and webhook subscriptions in one transaction.
func (s *Store) DeleteIntegration(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM webhook_subscriptions WHERE integration_id = ?`,
		`DELETE FROM ingested_items WHERE integration_id = ?`,
		`DELETE FROM integration_sync_states WHERE integration_id = ?`,
		`DELETE FROM integrations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func hydrateIntegration(in *models.Integration) {
	in.Metadata = map[string]string{}
	if in.MetadataJSON != "" {
		_ = json.Unmarshal([]byte(in.MetadataJSON), &in.Metadata)
	}
}
