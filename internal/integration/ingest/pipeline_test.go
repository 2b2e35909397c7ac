package ingest

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/db"
	"github.com/compasshq/compass/internal/events"
	"github.com/compasshq/compass/internal/events/bus"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestPipeline(t *testing.T, eventBus bus.EventBus) (*Pipeline, *store.Store, *models.Integration) {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	wrapped := db.WrapSQLite(conn)
	st, err := store.NewStore(db.NewPool(wrapped, wrapped))
	require.NoError(t, err)

	in := &models.Integration{UserID: "user-1", Provider: "github"}
	require.NoError(t, st.CreateIntegration(context.Background(), in))

	return NewPipeline(st, eventBus, testLogger(t)), st, in
}

func issueItem(sourceID, title, content string) models.Item {
	return models.Item{
		Provider: "github",
		SourceID: sourceID,
		Type:     models.ItemIssue,
		Title:    title,
		Content:  content,
	}
}

func TestContentHash_SensitiveToContentOnly(t *testing.T) {
	base := issueItem("issue:1", "title", "body")

	same := base
	same.Metadata = map[string]string{"state": "open"}
	assert.Equal(t, ContentHash(&base), ContentHash(&same), "metadata does not count")

	changed := base
	changed.Content = "body v2"
	assert.NotEqual(t, ContentHash(&base), ContentHash(&changed))

	otherSource := base
	otherSource.SourceID = "issue:2"
	assert.NotEqual(t, ContentHash(&base), ContentHash(&otherSource))
}

func TestIngestItem_CreateThenReplayIsIdempotent(t *testing.T) {
	p, st, in := newTestPipeline(t, nil)
	ctx := context.Background()
	it := issueItem("issue:1", "bug", "it broke")

	outcome, err := p.IngestItem(ctx, in, &it)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	outcome, err = p.IngestItem(ctx, in, &it)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	n, err := st.CountItemsByIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestItem_ChangedContentResetsToPending(t *testing.T) {
	p, st, in := newTestPipeline(t, nil)
	ctx := context.Background()
	it := issueItem("issue:1", "bug", "v1")

	_, err := p.IngestItem(ctx, in, &it)
	require.NoError(t, err)
	row, err := st.GetItemBySource(ctx, in.ID, "issue:1")
	require.NoError(t, err)
	require.NoError(t, st.MarkItemProcessed(ctx, row.ID, models.ProcessedLinks{CaptureID: "cap-1"}))

	it.Content = "v2"
	outcome, err := p.IngestItem(ctx, in, &it)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	row, err = st.GetItem(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusPending, row.Status)
	assert.Equal(t, "v2", row.Content)
	assert.Equal(t, ContentHash(&it), row.SourceHash)
}

func TestIngestItem_UnchangedContentKeepsProcessedStatus(t *testing.T) {
	p, st, in := newTestPipeline(t, nil)
	ctx := context.Background()
	it := issueItem("issue:1", "bug", "v1")

	_, err := p.IngestItem(ctx, in, &it)
	require.NoError(t, err)
	row, err := st.GetItemBySource(ctx, in.ID, "issue:1")
	require.NoError(t, err)
	require.NoError(t, st.MarkItemProcessed(ctx, row.ID, models.ProcessedLinks{}))

	outcome, err := p.IngestItem(ctx, in, &it)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	row, err = st.GetItem(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusProcessed, row.Status, "replay never reopens processed work")
}

func TestIngestItem_MissingSourceIDFails(t *testing.T) {
	p, _, in := newTestPipeline(t, nil)
	it := issueItem("", "no id", "body")

	outcome, err := p.IngestItem(context.Background(), in, &it)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestIngestBatch_IsolatesItemFailures(t *testing.T) {
	p, st, in := newTestPipeline(t, nil)
	ctx := context.Background()

	items := []models.Item{
		issueItem("issue:1", "a", "1"),
		issueItem("issue:2", "b", "2"),
		issueItem("", "broken", "no source id"),
		issueItem("issue:4", "d", "4"),
		issueItem("issue:5", "e", "5"),
	}
	result := p.IngestBatch(ctx, in, items)

	assert.Equal(t, 5, result.ItemsProcessed)
	assert.Equal(t, 4, result.ItemsCreated)
	assert.Equal(t, 1, result.ItemsFailed)
	require.Len(t, result.Errors, 1)
	assert.True(t, result.Errors[0].Recoverable)

	n, err := st.CountItemsByIntegration(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestIngestBatch_CountsCreatedUpdatedSkipped(t *testing.T) {
	p, _, in := newTestPipeline(t, nil)
	ctx := context.Background()

	first := p.IngestBatch(ctx, in, []models.Item{
		issueItem("issue:1", "a", "v1"),
		issueItem("issue:2", "b", "v1"),
	})
	require.Equal(t, 2, first.ItemsCreated)

	second := p.IngestBatch(ctx, in, []models.Item{
		issueItem("issue:1", "a", "v1"), // unchanged
		issueItem("issue:2", "b", "v2"), // changed
		issueItem("issue:3", "c", "v1"), // new
	})
	assert.Equal(t, 3, second.ItemsProcessed)
	assert.Equal(t, 1, second.ItemsCreated)
	assert.Equal(t, 1, second.ItemsUpdated)
	assert.Equal(t, 1, second.ItemsSkipped)
	assert.Zero(t, second.ItemsFailed)
}

func TestIngestItem_PublishesItemIngested(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	defer eventBus.Close()
	p, _, in := newTestPipeline(t, eventBus)

	var mu sync.Mutex
	var got []*bus.Event
	_, err := eventBus.Subscribe(events.ItemIngested, func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	it := issueItem("issue:1", "bug", "body")
	_, err = p.IngestItem(context.Background(), in, &it)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	data, ok := got[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, in.ID, data["integration_id"])
	assert.Equal(t, "issue:1", data["source_id"])
}

func TestMarkProcessed_UnknownItemFails(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	err := p.MarkProcessed(context.Background(), "nope", models.ProcessedLinks{})
	require.Error(t, err)
}

func TestUpdateItem_SetsFailedStatus(t *testing.T) {
	p, st, in := newTestPipeline(t, nil)
	ctx := context.Background()
	it := issueItem("issue:1", "bug", "body")
	_, err := p.IngestItem(ctx, in, &it)
	require.NoError(t, err)

	row, err := st.GetItemBySource(ctx, in.ID, "issue:1")
	require.NoError(t, err)

	require.NoError(t, p.UpdateItem(ctx, row.ID, models.ItemStatusFailed, "parse error"))

	row, err = st.GetItem(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFailed, row.Status)
	assert.Equal(t, "parse error", row.Error)
}
