package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/compasshq/compass/internal/common/config"
	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
)

const (
	notionAPIBase = "https://api.notion.com"
	notionVersion = "2022-06-28"
)

// Notion syncs workspace pages. Integration tokens do not expire and the
// API has no webhook support, so this is a pure pull provider.
type Notion struct {
	provider.NoRefresh
	provider.UnsupportedWebhook

	oauth provider.OAuthConfig
	api   string
	http  *provider.Client
	log   *logger.Logger
}

func NewNotion(oauth provider.OAuthConfig, pc config.ProviderConfig, client *provider.Client, log *logger.Logger) *Notion {
	return &Notion{
		oauth: oauth,
		api:   baseURL(pc, notionAPIBase),
		http:  client,
		log:   log.WithProvider("notion"),
	}
}

func (n *Notion) ID() string { return "notion" }

func (n *Notion) AuthorizationURL(state string) (string, error) {
	if err := n.oauth.RequireConfigured("notion"); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("client_id", n.oauth.ClientID)
	q.Set("redirect_uri", n.oauth.RedirectURL)
	q.Set("response_type", "code")
	q.Set("owner", "user")
	q.Set("state", state)
	return n.api + "/v1/oauth/authorize?" + q.Encode(), nil
}

// ExchangeCode uses basic auth with the client credentials, per Notion's
// token endpoint contract.
func (n *Notion) ExchangeCode(ctx context.Context, code string) (models.Tokens, error) {
	if err := n.oauth.RequireConfigured("notion"); err != nil {
		return models.Tokens{}, err
	}
	payload, _ := json.Marshal(map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": n.oauth.RedirectURL,
	})
	creds := base64.StdEncoding.EncodeToString([]byte(n.oauth.ClientID + ":" + n.oauth.ClientSecret))
	body, err := n.http.PostJSON(ctx, n.api+"/v1/oauth/token", payload, map[string]string{
		"Authorization": "Basic " + creds,
	})
	if err != nil {
		return models.Tokens{}, fmt.Errorf("notion token exchange: %w", err)
	}
	return parseTokenResponse(body)
}

func (n *Notion) headers(tokens models.Tokens) map[string]string {
	h := bearer(tokens)
	h["Notion-Version"] = notionVersion
	return h
}

func (n *Notion) ValidateConnection(ctx context.Context, tokens models.Tokens) bool {
	_, err := n.http.GetJSON(ctx, n.api+"/v1/users/me", n.headers(tokens))
	return err == nil
}

func (n *Notion) AccountInfo(ctx context.Context, tokens models.Tokens) (models.AccountInfo, error) {
	body, err := n.http.GetJSON(ctx, n.api+"/v1/users/me", n.headers(tokens))
	if err != nil {
		return models.AccountInfo{}, fmt.Errorf("notion users/me: %w", err)
	}
	var u struct {
		Name string `json:"name"`
		Bot  struct {
			WorkspaceName string `json:"workspace_name"`
		} `json:"bot"`
		Person struct {
			Email string `json:"email"`
		} `json:"person"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return models.AccountInfo{}, err
	}
	return models.AccountInfo{
		AccountName:  u.Name,
		AccountEmail: u.Person.Email,
		Workspace:    u.Bot.WorkspaceName,
	}, nil
}

type notionPage struct {
	ID             string `json:"id"`
	URL            string `json:"url"`
	CreatedTime    string `json:"created_time"`
	LastEditedTime string `json:"last_edited_time"`
	Properties     map[string]struct {
		Type  string `json:"type"`
		Title []struct {
			PlainText string `json:"plain_text"`
		} `json:"title"`
	} `json:"properties"`
}

// Sync searches workspace pages sorted by last edit, resuming from the
// persisted cursor when one exists. Pages are followed through has_more up
// to the item limit; the cursor of the first unfetched page is returned so
// the next run picks up where this one stopped.
func (n *Notion) Sync(ctx context.Context, tokens models.Tokens, opts models.SyncOptions) ([]models.Item, string, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	cursor := ""
	if opts.Cursor != "" && !opts.FullSync {
		cursor = opts.Cursor
	}
	var items []models.Item
	for len(items) < limit {
		pageSize := limit - len(items)
		resp, err := n.search(ctx, tokens, cursor, pageSize)
		if err != nil {
			return nil, "", err
		}
		for _, page := range resp.Results {
			item := models.Item{
				Provider:  "notion",
				SourceID:  page.ID,
				SourceURL: page.URL,
				Type:      models.ItemDocument,
				Title:     notionTitle(page),
				Content:   notionTitle(page),
				Hints:     models.ProcessingHints{ExtractMemories: true},
			}
			if t, err := time.Parse(time.RFC3339, page.CreatedTime); err == nil {
				item.CreatedAt = timePtr(t)
			}
			if t, err := time.Parse(time.RFC3339, page.LastEditedTime); err == nil {
				item.UpdatedAt = timePtr(t)
				if opts.Since != nil && t.Before(*opts.Since) {
					continue
				}
			}
			items = append(items, item)
		}
		cursor = resp.NextCursor
		if !resp.HasMore || cursor == "" {
			// Traversal exhausted: clear the cursor so the next run
			// starts fresh from the newest edits.
			return items, "", nil
		}
	}
	return items, cursor, nil
}

type notionSearchResponse struct {
	Results    []notionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

func (n *Notion) search(ctx context.Context, tokens models.Tokens, cursor string, pageSize int) (*notionSearchResponse, error) {
	req := map[string]any{
		"page_size": pageSize,
		"filter":    map[string]string{"property": "object", "value": "page"},
		"sort": map[string]string{
			"direction": "descending",
			"timestamp": "last_edited_time",
		},
	}
	if cursor != "" {
		req["start_cursor"] = cursor
	}
	payload, _ := json.Marshal(req)
	body, err := n.http.PostJSON(ctx, n.api+"/v1/search", payload, n.headers(tokens))
	if err != nil {
		return nil, fmt.Errorf("notion search: %w", err)
	}
	var resp notionSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func notionTitle(page notionPage) string {
	for _, prop := range page.Properties {
		if prop.Type != "title" {
			continue
		}
		var title string
		for _, part := range prop.Title {
			title += part.PlainText
		}
		if title != "" {
			return title
		}
	}
	return "Untitled"
}
