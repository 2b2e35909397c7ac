package scheduler

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/compass/internal/common/config"
	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/db"
	"github.com/compasshq/compass/internal/events/bus"
	"github.com/compasshq/compass/internal/integration/ingest"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/registry"
	"github.com/compasshq/compass/internal/integration/service"
	"github.com/compasshq/compass/internal/integration/store"
)

// countingProvider returns one canned item and counts sync calls.
type countingProvider struct {
	syncCalls atomic.Int64
}

func (p *countingProvider) ID() string { return "github" }

func (p *countingProvider) AuthorizationURL(state string) (string, error) { return state, nil }

func (p *countingProvider) ExchangeCode(context.Context, string) (models.Tokens, error) {
	return models.Tokens{AccessToken: "at"}, nil
}

func (p *countingProvider) RefreshToken(context.Context, string) (models.Tokens, error) {
	return models.Tokens{}, nil
}

func (p *countingProvider) ValidateConnection(context.Context, models.Tokens) bool { return true }

func (p *countingProvider) AccountInfo(context.Context, models.Tokens) (models.AccountInfo, error) {
	return models.AccountInfo{}, nil
}

func (p *countingProvider) Sync(context.Context, models.Tokens, models.SyncOptions) ([]models.Item, string, error) {
	p.syncCalls.Add(1)
	return []models.Item{{
		Provider: "github",
		SourceID: "issue:1",
		Type:     models.ItemIssue,
		Title:    "bug",
	}}, "", nil
}

func (p *countingProvider) HandleWebhook(context.Context, []byte, string) ([]models.Item, error) {
	return nil, nil
}

func (p *countingProvider) RegisterWebhook(context.Context, models.Tokens, string, []string) (string, error) {
	return "", nil
}

func (p *countingProvider) UnregisterWebhook(context.Context, models.Tokens, string) error {
	return nil
}

type fixture struct {
	sched *Scheduler
	store *store.Store
	fake  *countingProvider
	cfg   *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	wrapped := db.WrapSQLite(conn)
	st, err := store.NewStore(db.NewPool(wrapped, wrapped))
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	reg := registry.New()
	fake := &countingProvider{}
	require.NoError(t, reg.Register(fake))

	cfg := &config.Config{
		Server: config.ServerConfig{PublicBaseURL: "http://localhost:8080"},
		Sync: config.SyncConfig{
			ScanInterval:            1,
			BatchLimit:              20,
			DefaultInterval:         900,
			PauseThreshold:          5,
			WebhookDisableThreshold: 10,
			StaleSyncTimeout:        900,
			WindowDays:              7,
		},
	}
	pipeline := ingest.NewPipeline(st, eventBus, log)
	svc := service.NewService(reg, st, pipeline, eventBus, cfg, log)
	sched := NewScheduler(svc, st, eventBus, &cfg.Sync, log)
	return &fixture{sched: sched, store: st, fake: fake, cfg: cfg}
}

func (f *fixture) seedDue(t *testing.T) *models.Integration {
	t.Helper()
	in := &models.Integration{UserID: "user-1", Provider: "github", AccessToken: "at"}
	require.NoError(t, f.store.CreateIntegration(context.Background(), in))
	require.NoError(t, f.store.CreateSyncState(context.Background(), &models.SyncState{
		IntegrationID: in.ID,
		UserID:        in.UserID,
		Provider:      in.Provider,
	}))
	return in
}

func TestScheduler_RunsDueIntegrations(t *testing.T) {
	f := newFixture(t)
	in := f.seedDue(t)

	require.NoError(t, f.sched.Start(context.Background()))
	defer f.sched.Stop()

	require.Eventually(t, func() bool {
		st, err := f.store.GetSyncState(context.Background(), in.ID)
		return err == nil && st != nil && st.Status == models.SyncStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	n, err := f.store.CountItemsByIntegration(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), f.fake.syncCalls.Load())
}

func TestScheduler_IgnoresPausedIntegrations(t *testing.T) {
	f := newFixture(t)
	in := f.seedDue(t)
	ctx := context.Background()

	won, err := f.store.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, won)
	status, err := f.store.FailSync(ctx, in.ID, "boom", time.Now(), 1)
	require.NoError(t, err)
	require.Equal(t, models.SyncStatusPaused, status)

	require.NoError(t, f.sched.Start(ctx))
	defer f.sched.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, f.fake.syncCalls.Load(), "paused rows are never scheduled")
}

func TestScheduler_RecoversAbandonedRuns(t *testing.T) {
	f := newFixture(t)
	in := f.seedDue(t)
	ctx := context.Background()

	// Leave the row stuck in syncing, as a crashed worker would.
	won, err := f.store.BeginSync(ctx, in.ID)
	require.NoError(t, err)
	require.True(t, won)

	// A negative timeout puts the staleness cutoff in the future, so the
	// stuck run is recovered on the first scan.
	f.cfg.Sync.StaleSyncTimeout = -1

	require.NoError(t, f.sched.Start(ctx))
	defer f.sched.Stop()

	require.Eventually(t, func() bool {
		st, err := f.store.GetSyncState(ctx, in.ID)
		return err == nil && st != nil && st.Status == models.SyncStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	st, err := f.store.GetSyncState(ctx, in.ID)
	require.NoError(t, err)
	assert.Zero(t, st.ErrorCount, "the recovered run completed and reset the streak")
}

func TestScheduler_StartTwiceIsNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sched.Start(context.Background()))
	require.NoError(t, f.sched.Start(context.Background()))
	f.sched.Stop()
	f.sched.Stop()
}
