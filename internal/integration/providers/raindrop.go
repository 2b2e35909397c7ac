package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/compasshq/compass/internal/common/config"
	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
)

const (
	raindropWebBase = "https://raindrop.io"
	raindropAPIBase = "https://api.raindrop.io"
)

// Raindrop syncs bookmarks and their highlights. Access tokens expire after
// two weeks, so this is the one provider exercising the refresh flow.
type Raindrop struct {
	provider.UnsupportedWebhook

	oauth provider.OAuthConfig
	web   string
	api   string
	http  *provider.Client
	log   *logger.Logger
}

func NewRaindrop(oauth provider.OAuthConfig, pc config.ProviderConfig, client *provider.Client, log *logger.Logger) *Raindrop {
	return &Raindrop{
		oauth: oauth,
		web:   baseURL(pc, raindropWebBase),
		api:   baseURL(pc, raindropAPIBase),
		http:  client,
		log:   log.WithProvider("raindrop"),
	}
}

func (r *Raindrop) ID() string { return "raindrop" }

func (r *Raindrop) AuthorizationURL(state string) (string, error) {
	if err := r.oauth.RequireConfigured("raindrop"); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("client_id", r.oauth.ClientID)
	q.Set("redirect_uri", r.oauth.RedirectURL)
	q.Set("state", state)
	return r.web + "/oauth/authorize?" + q.Encode(), nil
}

func (r *Raindrop) ExchangeCode(ctx context.Context, code string) (models.Tokens, error) {
	if err := r.oauth.RequireConfigured("raindrop"); err != nil {
		return models.Tokens{}, err
	}
	return r.tokenGrant(ctx, map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": r.oauth.RedirectURL,
	})
}

func (r *Raindrop) RefreshToken(ctx context.Context, refreshToken string) (models.Tokens, error) {
	if err := r.oauth.RequireConfigured("raindrop"); err != nil {
		return models.Tokens{}, err
	}
	tokens, err := r.tokenGrant(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return models.Tokens{}, err
	}
	// Raindrop omits the refresh token on refresh grants; keep the old one.
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

func (r *Raindrop) tokenGrant(ctx context.Context, grant map[string]string) (models.Tokens, error) {
	grant["client_id"] = r.oauth.ClientID
	grant["client_secret"] = r.oauth.ClientSecret
	payload, _ := json.Marshal(grant)
	body, err := r.http.PostJSON(ctx, r.web+"/oauth/access_token", payload, nil)
	if err != nil {
		return models.Tokens{}, fmt.Errorf("raindrop token grant: %w", err)
	}
	return parseTokenResponse(body)
}

func (r *Raindrop) ValidateConnection(ctx context.Context, tokens models.Tokens) bool {
	_, err := r.http.GetJSON(ctx, r.api+"/rest/v1/user", bearer(tokens))
	return err == nil
}

func (r *Raindrop) AccountInfo(ctx context.Context, tokens models.Tokens) (models.AccountInfo, error) {
	body, err := r.http.GetJSON(ctx, r.api+"/rest/v1/user", bearer(tokens))
	if err != nil {
		return models.AccountInfo{}, fmt.Errorf("raindrop user: %w", err)
	}
	var resp struct {
		User struct {
			FullName string `json:"fullName"`
			Email    string `json:"email"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.AccountInfo{}, err
	}
	return models.AccountInfo{
		AccountName:  resp.User.FullName,
		AccountEmail: resp.User.Email,
	}, nil
}

type raindropBookmark struct {
	ID         int64    `json:"_id"`
	Title      string   `json:"title"`
	Excerpt    string   `json:"excerpt"`
	Link       string   `json:"link"`
	Tags       []string `json:"tags"`
	Created    string   `json:"created"`
	LastUpdate string   `json:"lastUpdate"`
	Highlights []struct {
		Text string `json:"text"`
		Note string `json:"note"`
	} `json:"highlights"`
}

// Sync pulls from collection 0 (all bookmarks) sorted by last update, so an
// incremental window catches both new saves and edits. Resumption is by
// the Since window rather than an opaque cursor.
func (r *Raindrop) Sync(ctx context.Context, tokens models.Tokens, opts models.SyncOptions) ([]models.Item, string, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	body, err := r.http.GetJSON(ctx,
		fmt.Sprintf("%s/rest/v1/raindrops/0?sort=-lastUpdate&perpage=%d", r.api, limit),
		bearer(tokens))
	if err != nil {
		return nil, "", fmt.Errorf("raindrop list: %w", err)
	}
	var resp struct {
		Items []raindropBookmark `json:"items"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", err
	}
	var items []models.Item
	for _, b := range resp.Items {
		updated, _ := time.Parse(time.RFC3339, b.LastUpdate)
		if opts.Since != nil && !updated.IsZero() && updated.Before(*opts.Since) {
			continue
		}
		item := models.Item{
			Provider:  "raindrop",
			SourceID:  fmt.Sprintf("%d", b.ID),
			SourceURL: b.Link,
			Type:      models.ItemBookmark,
			Title:     b.Title,
			Content:   bookmarkContent(b),
			Tags:      b.Tags,
			Hints:     models.ProcessingHints{ExtractMemories: true},
		}
		if t, err := time.Parse(time.RFC3339, b.Created); err == nil {
			item.CreatedAt = timePtr(t)
		}
		if !updated.IsZero() {
			item.UpdatedAt = timePtr(updated)
		}
		if len(b.Highlights) > 0 {
			item.Type = models.ItemHighlight
		}
		items = append(items, item)
	}
	return items, "", nil
}

// bookmarkContent folds the excerpt and highlights into one text body so a
// new highlight changes the content hash and triggers reprocessing.
func bookmarkContent(b raindropBookmark) string {
	parts := []string{b.Excerpt}
	for _, h := range b.Highlights {
		part := h.Text
		if h.Note != "" {
			part += "\n> " + h.Note
		}
		parts = append(parts, part)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}
