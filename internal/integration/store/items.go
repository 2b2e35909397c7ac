package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/compasshq/compass/internal/integration/models"
)

// InsertItem inserts a ledger row, relying on the (integration_id,
// source_id) unique constraint to absorb races with a concurrent delivery
// of the same item. Returns true when the row was inserted, false when a
// conflicting row already existed.
func (s *Store) InsertItem(ctx context.Context, it *models.IngestedItem) (bool, error) {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	it.CreatedAt = now
	it.UpdatedAt = now
	if it.Status == "" {
		it.Status = models.ItemStatusPending
	}
	if err := marshalItemLinks(it); err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `
		INSERT INTO ingested_items (id, integration_id, user_id, provider, source_id, source_url,
			source_hash, type, title, content, status, error, capture_id, memory_ids, task_ids,
			source_created_at, source_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(integration_id, source_id) DO NOTHING`,
		it.ID, it.IntegrationID, it.UserID, it.Provider, it.SourceID, it.SourceURL,
		it.SourceHash, it.Type, it.Title, it.Content, it.Status, it.Error, it.CaptureID,
		it.MemoryIDsJSON, it.TaskIDsJSON,
		it.SourceCreated, it.SourceUpdated, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetItemBySource returns the ledger row for one external item, nil when
// absent.
func (s *Store) GetItemBySource(ctx context.Context, integrationID, sourceID string) (*models.IngestedItem, error) {
	var it models.IngestedItem
	err := s.get(ctx, &it, `SELECT * FROM ingested_items WHERE integration_id = ? AND source_id = ?`,
		integrationID, sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hydrateItem(&it)
	return &it, nil
}

// GetItem returns a ledger row by id, nil when absent.
func (s *Store) GetItem(ctx context.Context, id string) (*models.IngestedItem, error) {
	var it models.IngestedItem
	err := s.get(ctx, &it, `SELECT * FROM ingested_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hydrateItem(&it)
	return &it, nil
}

// UpdateItemContent replaces a ledger row's content after a hash change and
// resets it to pending so downstream processors re-run.
func (s *Store) UpdateItemContent(ctx context.Context, id string, it *models.Item, hash string) error {
	_, err := s.exec(ctx, `
		UPDATE ingested_items
		SET title = ?, content = ?, source_url = ?, source_hash = ?,
			status = ?, error = '', source_updated_at = ?, updated_at = ?
		WHERE id = ?`,
		it.Title, it.Content, it.SourceURL, hash,
		models.ItemStatusPending, it.UpdatedAt, time.Now().UTC(), id)
	return err
}

// MarkItemProcessed records a downstream processor's completion along with
// the derived-entity links it produced.
func (s *Store) MarkItemProcessed(ctx context.Context, id string, links models.ProcessedLinks) error {
	memJSON, err := json.Marshal(emptyIfNil(links.MemoryIDs))
	if err != nil {
		return fmt.Errorf("marshal memory ids: %w", err)
	}
	taskJSON, err := json.Marshal(emptyIfNil(links.TaskIDs))
	if err != nil {
		return fmt.Errorf("marshal task ids: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.exec(ctx, `
		UPDATE ingested_items
		SET status = ?, error = '', capture_id = ?, memory_ids = ?, task_ids = ?,
			processed_at = ?, updated_at = ?
		WHERE id = ?`,
		models.ItemStatusProcessed, links.CaptureID, string(memJSON), string(taskJSON),
		now, now, id)
	return err
}

// UpdateItemStatus sets a ledger row's status and error message. This is
// the second half of the downstream collaborator contract.
func (s *Store) UpdateItemStatus(ctx context.Context, id string, status models.ItemStatus, errMsg string) error {
	_, err := s.exec(ctx, `
		UPDATE ingested_items SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id)
	return err
}

// ListItemsByIntegration returns ledger rows for one connection, newest
// first, optionally filtered by status.
func (s *Store) ListItemsByIntegration(ctx context.Context, integrationID string, status models.ItemStatus, limit int) ([]*models.IngestedItem, error) {
	var out []*models.IngestedItem
	var err error
	if status == "" {
		err = s.sel(ctx, &out, `
			SELECT * FROM ingested_items WHERE integration_id = ?
			ORDER BY created_at DESC LIMIT ?`, integrationID, limit)
	} else {
		err = s.sel(ctx, &out, `
			SELECT * FROM ingested_items WHERE integration_id = ? AND status = ?
			ORDER BY created_at DESC LIMIT ?`, integrationID, status, limit)
	}
	if err != nil {
		return nil, err
	}
	for _, it := range out {
		hydrateItem(it)
	}
	return out, nil
}

// CountItemsByIntegration returns the ledger size for one connection.
func (s *Store) CountItemsByIntegration(ctx context.Context, integrationID string) (int, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM ingested_items WHERE integration_id = ?`, integrationID)
	return n, err
}

func marshalItemLinks(it *models.IngestedItem) error {
	memJSON, err := json.Marshal(emptyIfNil(it.MemoryIDs))
	if err != nil {
		return fmt.Errorf("marshal memory ids: %w", err)
	}
	taskJSON, err := json.Marshal(emptyIfNil(it.TaskIDs))
	if err != nil {
		return fmt.Errorf("marshal task ids: %w", err)
	}
	it.MemoryIDsJSON = string(memJSON)
	it.TaskIDsJSON = string(taskJSON)
	return nil
}

func hydrateItem(it *models.IngestedItem) {
	it.MemoryIDs = []string{}
	it.TaskIDs = []string{}
	if it.MemoryIDsJSON != "" {
		_ = json.Unmarshal([]byte(it.MemoryIDsJSON), &it.MemoryIDs)
	}
	if it.TaskIDsJSON != "" {
		_ = json.Unmarshal([]byte(it.TaskIDsJSON), &it.TaskIDs)
	}
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
