package controller

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/compass/internal/common/config"
	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/db"
	"github.com/compasshq/compass/internal/integration/ingest"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
	"github.com/compasshq/compass/internal/integration/registry"
	"github.com/compasshq/compass/internal/integration/service"
	"github.com/compasshq/compass/internal/integration/store"
)

// scriptedProvider is controlled per-test through its fields.
type scriptedProvider struct {
	items      []models.Item
	syncErr    error
	webhookErr error
}

func (p *scriptedProvider) ID() string { return "github" }

func (p *scriptedProvider) AuthorizationURL(state string) (string, error) {
	return "https://github.com/login/oauth/authorize?state=" + state, nil
}

func (p *scriptedProvider) ExchangeCode(context.Context, string) (models.Tokens, error) {
	return models.Tokens{AccessToken: "at"}, nil
}

func (p *scriptedProvider) RefreshToken(context.Context, string) (models.Tokens, error) {
	return models.Tokens{}, provider.ErrRefreshUnsupported
}

func (p *scriptedProvider) ValidateConnection(context.Context, models.Tokens) bool { return true }

func (p *scriptedProvider) AccountInfo(context.Context, models.Tokens) (models.AccountInfo, error) {
	return models.AccountInfo{AccountName: "octocat"}, nil
}

func (p *scriptedProvider) Sync(context.Context, models.Tokens, models.SyncOptions) ([]models.Item, string, error) {
	return p.items, "", p.syncErr
}

func (p *scriptedProvider) HandleWebhook(context.Context, []byte, string) ([]models.Item, error) {
	if p.webhookErr != nil {
		return nil, p.webhookErr
	}
	return p.items, nil
}

func (p *scriptedProvider) RegisterWebhook(context.Context, models.Tokens, string, []string) (string, error) {
	return "hook-1", nil
}

func (p *scriptedProvider) UnregisterWebhook(context.Context, models.Tokens, string) error {
	return nil
}

type fixture struct {
	router *gin.Engine
	store  *store.Store
	fake   *scriptedProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	wrapped := db.WrapSQLite(conn)
	st, err := store.NewStore(db.NewPool(wrapped, wrapped))
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)

	reg := registry.New()
	fake := &scriptedProvider{}
	require.NoError(t, reg.Register(fake))

	cfg := &config.Config{
		Server: config.ServerConfig{PublicBaseURL: "http://localhost:8080"},
		Sync: config.SyncConfig{
			ScanInterval: 60, BatchLimit: 20, DefaultInterval: 900,
			PauseThreshold: 5, WebhookDisableThreshold: 10,
			StaleSyncTimeout: 900, WindowDays: 7,
		},
	}
	pipeline := ingest.NewPipeline(st, nil, log)
	svc := service.NewService(reg, st, pipeline, nil, cfg, log)

	router := gin.New()
	NewController(svc, log).RegisterHTTPRoutes(router)
	return &fixture{router: router, store: st, fake: fake}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// connect runs the connect + callback round trip, returning the new
// integration's id.
func (f *fixture) connect(t *testing.T, userID string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/integrations/github/connect", gin.H{"user_id": userID})
	require.Equal(t, http.StatusOK, w.Code)
	authURL, _ := decode(t, w)["authorization_url"].(string)
	require.NotEmpty(t, authURL)
	state := authURL[len("https://github.com/login/oauth/authorize?state="):]

	w = f.do(t, http.MethodGet, "/api/v1/integrations/github/callback?code=c&state="+state, nil)
	require.Equal(t, http.StatusOK, w.Code)
	id, _ := decode(t, w)["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestCatalogEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/integrations/catalog", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["providers"])
	assert.NotEmpty(t, body["categories"])

	w = f.do(t, http.MethodGet, "/api/v1/integrations/catalog?available=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	providers, ok := decode(t, w)["providers"].([]any)
	require.True(t, ok)
	require.Len(t, providers, 1, "only the registered provider is available")
	def := providers[0].(map[string]any)
	assert.Equal(t, "github", def["id"])
}

func TestConnectAndCallback(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t, "user-1")

	w := f.do(t, http.MethodGet, "/api/v1/integrations/status?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	integrations, ok := decode(t, w)["integrations"].([]any)
	require.True(t, ok)
	require.Len(t, integrations, 1)
	entry := integrations[0].(map[string]any)
	assert.Equal(t, id, entry["integration"].(map[string]any)["id"])
}

func TestConnect_UnknownProvider(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/integrations/myspace/connect", gin.H{"user_id": "u"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnect_MissingUserID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/integrations/github/connect", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallback_ForgedState(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/integrations/github/callback?code=c&state=forged", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatus_RequiresUserID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/integrations/status", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t, "user-1")
	f.fake.items = []models.Item{{
		Provider: "github", SourceID: "issue:1", Type: models.ItemIssue, Title: "bug",
	}}

	w := f.do(t, http.MethodPost, "/api/v1/integrations/"+id+"/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])

	w = f.do(t, http.MethodGet, "/api/v1/integrations/"+id+"/items", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items, ok := decode(t, w)["items"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestSyncEndpoint_NotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/integrations/nope/sync", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncAllEndpoint(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "user-1")

	w := f.do(t, http.MethodPost, "/api/v1/integrations/sync-all", gin.H{"user_id": "user-1"})
	require.Equal(t, http.StatusOK, w.Code)
	results, ok := decode(t, w)["results"].([]any)
	require.True(t, ok)
	assert.Len(t, results, 1)
}

func TestWebhookDelivery_BadSignatureIs401(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t, "user-1")
	f.fake.webhookErr = provider.ErrBadSignature

	w := f.do(t, http.MethodPost, "/api/v1/integrations/webhooks/github/"+id, gin.H{"action": "opened"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookDelivery_IngestsItems(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t, "user-1")
	f.fake.items = []models.Item{{
		Provider: "github", SourceID: "issue:2", Type: models.ItemIssue, Title: "from hook",
	}}

	w := f.do(t, http.MethodPost, "/api/v1/integrations/webhooks/github/"+id, gin.H{"action": "opened"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(1), body["items_created"])
}

func TestWebhookDelivery_HandlerError(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t, "user-1")
	f.fake.webhookErr = errors.New("malformed payload")

	w := f.do(t, http.MethodPost, "/api/v1/integrations/webhooks/github/"+id, gin.H{})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDisconnectEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t, "user-1")

	w := f.do(t, http.MethodDelete, "/api/v1/integrations/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/integrations/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "second disconnect finds nothing")
}

func TestResumeEndpoint_NotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/integrations/nope/resume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestItemCallbacks(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t, "user-1")
	f.fake.items = []models.Item{{
		Provider: "github", SourceID: "issue:1", Type: models.ItemIssue, Title: "bug",
	}}
	w := f.do(t, http.MethodPost, "/api/v1/integrations/"+id+"/sync", nil)
	require.Equal(t, http.StatusOK, w.Code)

	items, err := f.store.ListItemsByIntegration(context.Background(), id, "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	itemID := items[0].ID

	w = f.do(t, http.MethodPost, "/api/v1/integrations/items/"+itemID+"/processed", gin.H{
		"capture_id": "cap-1",
		"memory_ids": []string{"m1"},
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	got, err := f.store.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusProcessed, got.Status)
	assert.Equal(t, "cap-1", got.CaptureID)

	w = f.do(t, http.MethodPut, "/api/v1/integrations/items/"+itemID, gin.H{
		"status": "failed",
		"error":  "embedding service unavailable",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	got, err = f.store.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusFailed, got.Status)
}
