package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/compass/internal/db"
	"github.com/compasshq/compass/internal/integration/models"
)

// newTestStore builds a store on an in-memory SQLite database. A single
// connection backs both the writer and reader side so every query sees the
// same database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	wrapped := db.WrapSQLite(conn)
	s, err := NewStore(db.NewPool(wrapped, wrapped))
	require.NoError(t, err)
	return s
}

func seedIntegration(t *testing.T, s *Store, userID, provider string) *models.Integration {
	t.Helper()
	in := &models.Integration{
		UserID:      userID,
		Provider:    provider,
		AccessToken: "token",
	}
	require.NoError(t, s.CreateIntegration(context.Background(), in))
	return in
}

func seedSyncState(t *testing.T, s *Store, in *models.Integration) *models.SyncState {
	t.Helper()
	st := &models.SyncState{
		IntegrationID: in.ID,
		UserID:        in.UserID,
		Provider:      in.Provider,
	}
	require.NoError(t, s.CreateSyncState(context.Background(), st))
	return st
}

func TestCreateAndGetIntegration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := &models.Integration{
		UserID:      "user-1",
		Provider:    "github",
		AccessToken: "at",
		AccountName: "octocat",
		Metadata:    map[string]string{"login": "octocat"},
	}
	require.NoError(t, s.CreateIntegration(ctx, in))
	require.NotEmpty(t, in.ID)

	got, err := s.GetIntegration(ctx, in.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "github", got.Provider)
	assert.Equal(t, "octocat", got.AccountName)
	assert.Equal(t, map[string]string{"login": "octocat"}, got.Metadata)
}

func TestGetIntegration_MissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetIntegration(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetIntegrationByUserProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "slack")

	got, err := s.GetIntegrationByUserProvider(ctx, "user-1", "slack")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.ID, got.ID)

	got, err = s.GetIntegrationByUserProvider(ctx, "user-1", "github")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateIntegration_DuplicateUserProviderFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedIntegration(t, s, "user-1", "github")

	err := s.CreateIntegration(ctx, &models.Integration{UserID: "user-1", Provider: "github"})
	require.Error(t, err)
}

func TestUpdateTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "raindrop")

	exp := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.UpdateTokens(ctx, in.ID, models.Tokens{
		AccessToken:  "new-at",
		RefreshToken: "new-rt",
		ExpiresAt:    &exp,
	}))

	got, err := s.GetIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-at", got.AccessToken)
	assert.Equal(t, "new-rt", got.RefreshToken)
	require.NotNil(t, got.TokenExpiresAt)
	assert.True(t, exp.Equal(got.TokenExpiresAt.UTC()))
}

func TestDeleteIntegration_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, in)

	_, err := s.InsertItem(ctx, &models.IngestedItem{
		IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
		SourceID: "issue:1", Type: models.ItemIssue,
	})
	require.NoError(t, err)
	require.NoError(t, s.CreateWebhookSubscription(ctx, &models.WebhookSubscription{
		IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
	}))

	require.NoError(t, s.DeleteIntegration(ctx, in.ID))

	got, err := s.GetIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	st, err := s.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	assert.Nil(t, st)

	n, err := s.CountItemsByIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	sub, err := s.GetSubscriptionByIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

// ============================================================================
// Sync state machine
// ============================================================================

func TestCreateSyncState_DefaultsToPendingDueNow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, in)

	st, err := s.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, models.SyncStatusPending, st.Status)
	require.NotNil(t, st.NextSyncAt)
	assert.WithinDuration(t, time.Now(), *st.NextSyncAt, 5*time.Second)
}

func TestBeginSync_OnlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, in)

	won, err := s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	assert.True(t, won)

	// A second runner must lose while the first holds the sync.
	won, err = s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, won)

	st, err := s.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSyncing, st.Status)
}

func TestBeginSync_EligibleFromCompletedAndFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, in)

	won, err := s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.CompleteSync(ctx, in.ID, &models.SyncResult{}, time.Now()))

	won, err = s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	assert.True(t, won, "completed is eligible")

	_, err = s.FailSync(ctx, in.ID, "boom", time.Now(), 5)
	require.NoError(t, err)

	won, err = s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	assert.True(t, won, "failed is eligible")
}

func TestCompleteSync_ResetsErrorsAndAccumulatesCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, in)

	won, err := s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, won)
	_, err = s.FailSync(ctx, in.ID, "transient", time.Now(), 5)
	require.NoError(t, err)

	won, err = s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, won)
	next := time.Now().UTC().Add(15 * time.Minute)
	require.NoError(t, s.CompleteSync(ctx, in.ID, &models.SyncResult{
		ItemsProcessed: 7,
		Cursor:         "page-2",
	}, next))

	st, err := s.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, st.Status)
	assert.Zero(t, st.ErrorCount)
	assert.Empty(t, st.LastError)
	assert.Equal(t, "page-2", st.Cursor)
	assert.Equal(t, 7, st.TotalItemsSynced)
	assert.Equal(t, 7, st.ItemsSyncedThisRun)
	require.NotNil(t, st.LastSuccessfulSyncAt)
	require.NotNil(t, st.NextSyncAt)
	assert.WithinDuration(t, next, *st.NextSyncAt, time.Second)
}

func TestFailSync_EscalatesToPausedAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, in)

	const threshold = 5
	for i := 1; i < threshold; i++ {
		won, err := s.BeginSync(ctx, in.ID)
		require.NoError(t, err)
		require.True(t, won)
		status, err := s.FailSync(ctx, in.ID, "boom", time.Now(), threshold)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusFailed, status, "failure %d stays failed", i)
	}

	won, err := s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, won)
	status, err := s.FailSync(ctx, in.ID, "boom", time.Now(), threshold)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPaused, status, "failure %d escalates", threshold)

	st, err := s.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, threshold, st.ErrorCount)
	assert.Equal(t, "boom", st.LastError)

	// Paused rows are out of the state machine until an explicit resume.
	won, err = s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestFailSync_ReportsRowStatusWhenTransitionMissed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, in)

	won, err := s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, won)

	// The row leaves syncing before the failure lands, as a concurrent
	// resume would do. The no-op transition must report the row as it is,
	// not the status the failure would have produced.
	require.NoError(t, s.ResumeSyncState(ctx, in.ID))

	status, err := s.FailSync(ctx, in.ID, "boom", time.Now(), 5)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, status)

	st, err := s.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	assert.Zero(t, st.ErrorCount, "a missed transition leaves the streak alone")
	assert.Empty(t, st.LastError)
}

func TestResumeSyncState_ClearsStreakAndMakesDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, in)

	for i := 0; i < 5; i++ {
		won, err := s.BeginSync(ctx, in.ID)
		require.NoError(t, err)
		require.True(t, won)
		_, err = s.FailSync(ctx, in.ID, "boom", time.Now(), 5)
		require.NoError(t, err)
	}
	require.NoError(t, s.ResumeSyncState(ctx, in.ID))

	st, err := s.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, st.Status)
	assert.Zero(t, st.ErrorCount)
	assert.Empty(t, st.LastError)

	due, err := s.ListDueSyncStates(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, in.ID, due[0].IntegrationID)
}

func TestListDueSyncStates_SkipsPausedSyncingAndFuture(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, due)

	inflight := seedIntegration(t, s, "user-1", "slack")
	seedSyncState(t, s, inflight)
	won, err := s.BeginSync(ctx, inflight.ID)
	require.NoError(t, err)
	require.True(t, won)

	paused := seedIntegration(t, s, "user-1", "notion")
	seedSyncState(t, s, paused)
	won, err = s.BeginSync(ctx, paused.ID)
	require.NoError(t, err)
	require.True(t, won)
	status, err := s.FailSync(ctx, paused.ID, "boom", time.Now(), 1)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusPaused, status)

	future := seedIntegration(t, s, "user-1", "linear")
	st := seedSyncState(t, s, future)
	_, err = s.exec(ctx, `UPDATE integration_sync_states SET next_sync_at = ? WHERE id = ?`,
		time.Now().UTC().Add(time.Hour), st.ID)
	require.NoError(t, err)

	got, err := s.ListDueSyncStates(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].IntegrationID)
}

func TestRecoverStaleSyncing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")
	seedSyncState(t, s, in)

	won, err := s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, won)

	// A cutoff before the run started recovers nothing.
	n, err := s.RecoverStaleSyncing(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// A cutoff after the run started treats it as abandoned.
	n, err = s.RecoverStaleSyncing(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := s.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, st.Status)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Contains(t, st.LastError, "stale")

	won, err = s.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	assert.True(t, won, "recovered row is eligible again")
}

func TestUpdateCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "notion")
	seedSyncState(t, s, in)

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateCursor(ctx, in.ID, "cursor-9", "page-42", &ts))

	st, err := s.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "cursor-9", st.Cursor)
	assert.Equal(t, "page-42", st.LastItemID)
	require.NotNil(t, st.LastItemTimestamp)
	assert.True(t, ts.Equal(st.LastItemTimestamp.UTC()))
	assert.Equal(t, models.SyncStatusPending, st.Status, "cursor updates never change status")
}

// ============================================================================
// Ingestion ledger
// ============================================================================

func TestInsertItem_ConflictReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")

	first := &models.IngestedItem{
		IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
		SourceID: "issue:42", Type: models.ItemIssue, Title: "bug",
	}
	inserted, err := s.InsertItem(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &models.IngestedItem{
		IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
		SourceID: "issue:42", Type: models.ItemIssue, Title: "bug again",
	}
	inserted, err = s.InsertItem(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountItemsByIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetItemBySource(ctx, in.ID, "issue:42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bug", got.Title, "conflicting insert never overwrites")
}

func TestInsertItem_SameSourceAcrossIntegrations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedIntegration(t, s, "user-1", "github")
	b := seedIntegration(t, s, "user-2", "github")

	for _, in := range []*models.Integration{a, b} {
		inserted, err := s.InsertItem(ctx, &models.IngestedItem{
			IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
			SourceID: "issue:42", Type: models.ItemIssue,
		})
		require.NoError(t, err)
		assert.True(t, inserted, "dedup is scoped per integration")
	}
}

func TestUpdateItemContent_ResetsToPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")

	row := &models.IngestedItem{
		IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
		SourceID: "issue:1", Type: models.ItemIssue, Title: "old", SourceHash: "h1",
	}
	_, err := s.InsertItem(ctx, row)
	require.NoError(t, err)
	require.NoError(t, s.MarkItemProcessed(ctx, row.ID, models.ProcessedLinks{CaptureID: "cap-1"}))

	require.NoError(t, s.UpdateItemContent(ctx, row.ID, &models.Item{
		Title: "new", Content: "body",
	}, "h2"))

	got, err := s.GetItem(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPending, got.Status)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, "h2", got.SourceHash)
	assert.Empty(t, got.Error)
}

func TestMarkItemProcessed_RecordsLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "slack")

	row := &models.IngestedItem{
		IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
		SourceID: "msg:1", Type: models.ItemMessage,
	}
	_, err := s.InsertItem(ctx, row)
	require.NoError(t, err)

	require.NoError(t, s.MarkItemProcessed(ctx, row.ID, models.ProcessedLinks{
		CaptureID: "cap-1",
		MemoryIDs: []string{"m1", "m2"},
		TaskIDs:   []string{"t1"},
	}))

	got, err := s.GetItem(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusProcessed, got.Status)
	assert.Equal(t, "cap-1", got.CaptureID)
	assert.Equal(t, []string{"m1", "m2"}, got.MemoryIDs)
	assert.Equal(t, []string{"t1"}, got.TaskIDs)
	assert.NotNil(t, got.ProcessedAt)
}

func TestListItemsByIntegration_StatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")

	var processed string
	for i, src := range []string{"a", "b", "c"} {
		row := &models.IngestedItem{
			IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
			SourceID: src, Type: models.ItemIssue,
		}
		_, err := s.InsertItem(ctx, row)
		require.NoError(t, err)
		if i == 0 {
			processed = row.ID
		}
	}
	require.NoError(t, s.MarkItemProcessed(ctx, processed, models.ProcessedLinks{}))

	all, err := s.ListItemsByIntegration(ctx, in.ID, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pending, err := s.ListItemsByIntegration(ctx, in.ID, models.ItemStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

// ============================================================================
// Webhook subscriptions
// ============================================================================

func TestIncrementWebhookError_DisablesAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "github")

	sub := &models.WebhookSubscription{
		IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
	}
	require.NoError(t, s.CreateWebhookSubscription(ctx, sub))

	const threshold = 10
	for i := 1; i < threshold; i++ {
		disabled, err := s.IncrementWebhookError(ctx, sub.ID, threshold)
		require.NoError(t, err)
		assert.False(t, disabled, "error %d stays active", i)
	}
	disabled, err := s.IncrementWebhookError(ctx, sub.ID, threshold)
	require.NoError(t, err)
	assert.True(t, disabled)

	got, err := s.GetSubscriptionByIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, threshold, got.ErrorCount)

	// Disabled subscriptions no longer show up as active.
	active, err := s.GetActiveSubscription(ctx, in.UserID, in.Provider)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestResetWebhookErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "linear")

	sub := &models.WebhookSubscription{
		IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
		Events: []string{"Issue"},
	}
	require.NoError(t, s.CreateWebhookSubscription(ctx, sub))

	for i := 0; i < 3; i++ {
		_, err := s.IncrementWebhookError(ctx, sub.ID, 10)
		require.NoError(t, err)
	}
	require.NoError(t, s.ResetWebhookErrors(ctx, sub.ID))

	got, err := s.GetSubscriptionByIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ErrorCount)
	assert.True(t, got.IsActive)
	assert.Equal(t, []string{"Issue"}, got.Events)
}

func TestDeactivateSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := seedIntegration(t, s, "user-1", "slack")

	sub := &models.WebhookSubscription{
		IntegrationID: in.ID, UserID: in.UserID, Provider: in.Provider,
	}
	require.NoError(t, s.CreateWebhookSubscription(ctx, sub))
	require.NoError(t, s.DeactivateSubscription(ctx, sub.ID))

	got, err := s.GetSubscriptionByIntegration(ctx, in.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "deactivation keeps the row")
	assert.False(t, got.IsActive)
}
