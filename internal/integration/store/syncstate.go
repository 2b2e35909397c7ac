package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/compasshq/compass/internal/integration/models"
)

// CreateSyncState initializes the sync state row for a new connection.
// Status starts pending with next_sync_at = now so the scheduler picks it
// up on its next scan.
func (s *Store) CreateSyncState(ctx context.Context, st *models.SyncState) error {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	if st.Status == "" {
		st.Status = models.SyncStatusPending
	}
	if st.NextSyncAt == nil {
		st.NextSyncAt = &now
	}
	_, err := s.exec(ctx, `
		INSERT INTO integration_sync_states (id, integration_id, user_id, provider, status,
			next_sync_at, cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.IntegrationID, st.UserID, st.Provider, st.Status,
		st.NextSyncAt, st.Cursor, st.CreatedAt, st.UpdatedAt)
	return err
}

// GetSyncState returns the sync state for an integration, nil when absent.
func (s *Store) GetSyncState(ctx context.Context, integrationID string) (*models.SyncState, error) {
	var st models.SyncState
	err := s.get(ctx, &st, `SELECT * FROM integration_sync_states WHERE integration_id = ?`, integrationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSyncStatesByUser returns all sync states for a user's connections.
func (s *Store) ListSyncStatesByUser(ctx context.Context, userID string) ([]*models.SyncState, error) {
	var out []*models.SyncState
	err := s.sel(ctx, &out, `SELECT * FROM integration_sync_states WHERE user_id = ? ORDER BY created_at`, userID)
	return out, err
}

// BeginSync attempts the pending/completed/failed -> syncing transition as
// a single conditional UPDATE. Returns true when this caller won the
// transition; a false return means another runner holds the sync (or the
// integration is paused) and the caller must not run.
func (s *Store) BeginSync(ctx context.Context, integrationID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE integration_sync_states
		SET status = ?, last_sync_at = ?, items_synced_this_run = 0, updated_at = ?
		WHERE integration_id = ? AND status IN (?, ?, ?)`,
		models.SyncStatusSyncing, now, now,
		integrationID, models.SyncStatusPending, models.SyncStatusCompleted, models.SyncStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteSync records a successful run: resets the error streak, persists
// the cursor and counters, and schedules the next run.
func (s *Store) CompleteSync(ctx context.Context, integrationID string, result *models.SyncResult, nextSyncAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		UPDATE integration_sync_states
		SET status = ?, error_count = 0, last_error = '', last_successful_sync_at = ?,
			next_sync_at = ?, cursor = ?,
			total_items_synced = total_items_synced + ?, items_synced_this_run = ?,
			updated_at = ?
		WHERE integration_id = ? AND status = ?`,
		models.SyncStatusCompleted, now,
		nextSyncAt.UTC(), result.Cursor,
		result.ItemsProcessed, result.ItemsProcessed,
		now, integrationID, models.SyncStatusSyncing)
	return err
}

// FailSync records a failed run. The error streak increments; once it
// reaches pauseThreshold the integration escalates to paused and the
// scheduler stops picking it up until an explicit reset. Returns the status
// the row landed in.
func (s *Store) FailSync(ctx context.Context, integrationID, errMsg string, nextSyncAt time.Time, pauseThreshold int) (models.SyncStatus, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE integration_sync_states
		SET status = CASE WHEN error_count + 1 >= ? THEN ? ELSE ? END,
			error_count = error_count + 1,
			last_error = ?, last_error_at = ?, next_sync_at = ?, updated_at = ?
		WHERE integration_id = ? AND status = ?`),
		pauseThreshold, models.SyncStatusPaused, models.SyncStatusFailed,
		errMsg, now, nextSyncAt.UTC(), now,
		integrationID, models.SyncStatusSyncing)
	if err != nil {
		return "", err
	}

	// The status is read inside the same transaction so the returned value
	// cannot be overtaken by a concurrent writer.
	var status models.SyncStatus
	err = tx.GetContext(ctx, &status,
		tx.Rebind(`SELECT status FROM integration_sync_states WHERE integration_id = ?`),
		integrationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New("sync state disappeared during fail transition")
	}
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

// UpdateCursor persists incremental progress mid-run without changing
// status, so a crash loses at most one page of work.
func (s *Store) UpdateCursor(ctx context.Context, integrationID, cursor, lastItemID string, lastItemTS *time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE integration_sync_states
		SET cursor = ?, last_item_id = ?, last_item_timestamp = ?, updated_at = ?
		WHERE integration_id = ?`,
		cursor, lastItemID, lastItemTS, time.Now().UTC(), integrationID)
	return err
}

// ResumeSyncState resets a paused (or failed) integration back to pending
// with a clean error streak. This is the explicit human-intervention path;
// nothing in the scheduler calls it.
func (s *Store) ResumeSyncState(ctx context.Context, integrationID string) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		UPDATE integration_sync_states
		SET status = ?, error_count = 0, last_error = '', next_sync_at = ?, updated_at = ?
		WHERE integration_id = ?`,
		models.SyncStatusPending, now, now, integrationID)
	return err
}

// ListDueSyncStates returns integrations eligible to run now: pending,
// completed, or failed with next_sync_at in the past. Paused and in-flight
// rows never match. Ordered oldest-due first and bounded by limit.
func (s *Store) ListDueSyncStates(ctx context.Context, now time.Time, limit int) ([]*models.SyncState, error) {
	var out []*models.SyncState
	err := s.sel(ctx, &out, `
		SELECT * FROM integration_sync_states
		WHERE status IN (?, ?, ?) AND next_sync_at IS NOT NULL AND next_sync_at <= ?
		ORDER BY next_sync_at
		LIMIT ?`,
		models.SyncStatusPending, models.SyncStatusCompleted, models.SyncStatusFailed,
		now.UTC(), limit)
	return out, err
}

// RecoverStaleSyncing flips rows stuck in syncing (crashed mid-run) back to
// failed once last_sync_at is older than the staleness cutoff, making them
// eligible for retry. Returns how many rows were recovered.
func (s *Store) RecoverStaleSyncing(ctx context.Context, olderThan time.Time) (int64, error) {
	now := time.Now().UTC()
	res, err := s.exec(ctx, `
		UPDATE integration_sync_states
		SET status = ?, last_error = 'sync run abandoned (stale)', last_error_at = ?,
			error_count = error_count + 1, next_sync_at = ?, updated_at = ?
		WHERE status = ? AND last_sync_at IS NOT NULL AND last_sync_at < ?`,
		models.SyncStatusFailed, now, now, now,
		models.SyncStatusSyncing, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
