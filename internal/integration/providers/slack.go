package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/compasshq/compass/internal/common/config"
	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
)

const slackAPIBase = "https://slack.com/api"

// Slack syncs saved-for-later messages and accepts Events API deliveries.
// User tokens issued by the v2 OAuth flow do not expire.
type Slack struct {
	provider.NoRefresh

	oauth         provider.OAuthConfig
	webhookSecret string
	api           string
	http          *provider.Client
	log           *logger.Logger
}

func NewSlack(oauth provider.OAuthConfig, pc config.ProviderConfig, client *provider.Client, log *logger.Logger) *Slack {
	return &Slack{
		oauth:         oauth,
		webhookSecret: pc.WebhookSecret,
		api:           baseURL(pc, slackAPIBase),
		http:          client,
		log:           log.WithProvider("slack"),
	}
}

func (s *Slack) ID() string { return "slack" }

func (s *Slack) AuthorizationURL(state string) (string, error) {
	if err := s.oauth.RequireConfigured("slack"); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("client_id", s.oauth.ClientID)
	q.Set("redirect_uri", s.oauth.RedirectURL)
	q.Set("user_scope", "stars:read,channels:history,users:read")
	q.Set("state", state)
	return "https://slack.com/oauth/v2/authorize?" + q.Encode(), nil
}

func (s *Slack) ExchangeCode(ctx context.Context, code string) (models.Tokens, error) {
	if err := s.oauth.RequireConfigured("slack"); err != nil {
		return models.Tokens{}, err
	}
	form := url.Values{}
	form.Set("client_id", s.oauth.ClientID)
	form.Set("client_secret", s.oauth.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", s.oauth.RedirectURL)
	body, err := s.http.PostForm(ctx, s.api+"/oauth.v2.access", form.Encode(), nil)
	if err != nil {
		return models.Tokens{}, fmt.Errorf("slack token exchange: %w", err)
	}
	var resp struct {
		OK         bool   `json:"ok"`
		Error      string `json:"error"`
		AuthedUser struct {
			AccessToken string `json:"access_token"`
		} `json:"authed_user"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Tokens{}, err
	}
	if !resp.OK {
		return models.Tokens{}, fmt.Errorf("slack token exchange rejected: %s", resp.Error)
	}
	if resp.AuthedUser.AccessToken == "" {
		return models.Tokens{}, fmt.Errorf("slack token response missing user token")
	}
	return models.Tokens{AccessToken: resp.AuthedUser.AccessToken}, nil
}

func (s *Slack) ValidateConnection(ctx context.Context, tokens models.Tokens) bool {
	body, err := s.http.GetJSON(ctx, s.api+"/auth.test", bearer(tokens))
	if err != nil {
		return false
	}
	var resp struct {
		OK bool `json:"ok"`
	}
	return json.Unmarshal(body, &resp) == nil && resp.OK
}

func (s *Slack) AccountInfo(ctx context.Context, tokens models.Tokens) (models.AccountInfo, error) {
	body, err := s.http.GetJSON(ctx, s.api+"/auth.test", bearer(tokens))
	if err != nil {
		return models.AccountInfo{}, fmt.Errorf("slack auth.test: %w", err)
	}
	var resp struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		User   string `json:"user"`
		UserID string `json:"user_id"`
		Team   string `json:"team"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.AccountInfo{}, err
	}
	if !resp.OK {
		return models.AccountInfo{}, fmt.Errorf("slack auth.test rejected: %s", resp.Error)
	}
	return models.AccountInfo{
		AccountName: resp.User,
		Workspace:   resp.Team,
		Extra:       map[string]string{"user_id": resp.UserID},
	}, nil
}

type slackMessage struct {
	Type    string `json:"type"`
	User    string `json:"user"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
	Channel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channel"`
	Permalink string `json:"permalink"`
}

// Sync pulls the user's saved items (stars). Slack's list is not
// incremental; the pipeline's dedup absorbs the overlap between runs.
func (s *Slack) Sync(ctx context.Context, tokens models.Tokens, opts models.SyncOptions) ([]models.Item, string, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	body, err := s.http.GetJSON(ctx, fmt.Sprintf("%s/stars.list?limit=%d", s.api, limit), bearer(tokens))
	if err != nil {
		return nil, "", fmt.Errorf("slack stars.list: %w", err)
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		Items []struct {
			Type    string        `json:"type"`
			Message *slackMessage `json:"message"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", err
	}
	if !resp.OK {
		return nil, "", fmt.Errorf("slack stars.list rejected: %s", resp.Error)
	}
	var items []models.Item
	for _, entry := range resp.Items {
		if entry.Type != "message" || entry.Message == nil {
			continue
		}
		item := s.messageToItem(entry.Message)
		if opts.Since != nil && item.CreatedAt != nil && item.CreatedAt.Before(*opts.Since) {
			continue
		}
		items = append(items, item)
	}
	return items, "", nil
}

func (s *Slack) messageToItem(m *slackMessage) models.Item {
	item := models.Item{
		Provider:  "slack",
		SourceID:  fmt.Sprintf("%s:%s", m.Channel.ID, m.TS),
		SourceURL: m.Permalink,
		Type:      models.ItemMessage,
		Title:     firstLine(m.Text),
		Content:   m.Text,
		Author:    m.User,
		Metadata: map[string]string{
			"channel": m.Channel.Name,
		},
		Hints: models.ProcessingHints{ExtractMemories: true},
	}
	if ts := slackTS(m.TS); ts != nil {
		item.CreatedAt = ts
	}
	return item
}

// HandleWebhook accepts Events API deliveries for saved-message events.
func (s *Slack) HandleWebhook(ctx context.Context, payload []byte, signature string) ([]models.Item, error) {
	if s.webhookSecret == "" {
		return nil, fmt.Errorf("slack: %w", provider.ErrNotConfigured)
	}
	if err := provider.VerifySignature(s.webhookSecret, payload, signature); err != nil {
		return nil, err
	}
	var event struct {
		Type  string `json:"type"`
		Event *struct {
			Type    string        `json:"type"`
			Item    *slackMessage `json:"item"`
			Message *slackMessage `json:"message"`
		} `json:"event"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("slack webhook payload: %w", err)
	}
	if event.Type != "event_callback" || event.Event == nil {
		return nil, nil
	}
	m := event.Event.Item
	if m == nil {
		m = event.Event.Message
	}
	if m == nil || m.TS == "" {
		return nil, nil
	}
	return []models.Item{s.messageToItem(m)}, nil
}

// RegisterWebhook is a no-op returning a synthetic id: Slack Events API
// subscriptions are configured on the app, not created per user via API.
func (s *Slack) RegisterWebhook(ctx context.Context, tokens models.Tokens, deliveryURL string, events []string) (string, error) {
	return "slack-events-api", nil
}

func (s *Slack) UnregisterWebhook(ctx context.Context, tokens models.Tokens, externalID string) error {
	return nil
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx > 0 {
		text = text[:idx]
	}
	if len(text) > 120 {
		text = text[:120]
	}
	return text
}

// slackTS converts Slack's "seconds.fraction" timestamp to a time.
func slackTS(ts string) *time.Time {
	secs := ts
	if idx := strings.IndexByte(ts, '.'); idx > 0 {
		secs = ts[:idx]
	}
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(n, 0).UTC()
	return &t
}
