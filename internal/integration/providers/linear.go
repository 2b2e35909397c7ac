package providers

import (
	"context"
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
	linearWebBase = "https://linear.app"
	linearAPIBase = "https://api.linear.app"
)

// Linear syncs assigned issues over GraphQL and accepts signed issue
// webhooks created through the webhookCreate mutation.
type Linear struct {
	provider.NoRefresh

	oauth         provider.OAuthConfig
	webhookSecret string
	web           string
	api           string
	http          *provider.Client
	log           *logger.Logger
}

func NewLinear(oauth provider.OAuthConfig, pc config.ProviderConfig, client *provider.Client, log *logger.Logger) *Linear {
	return &Linear{
		oauth:         oauth,
		webhookSecret: pc.WebhookSecret,
		web:           baseURL(pc, linearWebBase),
		api:           baseURL(pc, linearAPIBase),
		http:          client,
		log:           log.WithProvider("linear"),
	}
}

func (l *Linear) ID() string { return "linear" }

func (l *Linear) AuthorizationURL(state string) (string, error) {
	if err := l.oauth.RequireConfigured("linear"); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("client_id", l.oauth.ClientID)
	q.Set("redirect_uri", l.oauth.RedirectURL)
	q.Set("response_type", "code")
	q.Set("scope", "read")
	q.Set("state", state)
	return l.web + "/oauth/authorize?" + q.Encode(), nil
}

func (l *Linear) ExchangeCode(ctx context.Context, code string) (models.Tokens, error) {
	if err := l.oauth.RequireConfigured("linear"); err != nil {
		return models.Tokens{}, err
	}
	form := url.Values{}
	form.Set("client_id", l.oauth.ClientID)
	form.Set("client_secret", l.oauth.ClientSecret)
	form.Set("redirect_uri", l.oauth.RedirectURL)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	body, err := l.http.PostForm(ctx, l.api+"/oauth/token", form.Encode(), nil)
	if err != nil {
		return models.Tokens{}, fmt.Errorf("linear token exchange: %w", err)
	}
	return parseTokenResponse(body)
}

// graphql posts a query and decodes the data envelope into out.
func (l *Linear) graphql(ctx context.Context, tokens models.Tokens, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return err
	}
	body, err := l.http.PostJSON(ctx, l.api+"/graphql", payload, bearer(tokens))
	if err != nil {
		return err
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("linear graphql: %s", envelope.Errors[0].Message)
	}
	return json.Unmarshal(envelope.Data, out)
}

func (l *Linear) ValidateConnection(ctx context.Context, tokens models.Tokens) bool {
	var resp struct {
		Viewer struct {
			ID string `json:"id"`
		} `json:"viewer"`
	}
	err := l.graphql(ctx, tokens, `query { viewer { id } }`, nil, &resp)
	return err == nil && resp.Viewer.ID != ""
}

func (l *Linear) AccountInfo(ctx context.Context, tokens models.Tokens) (models.AccountInfo, error) {
	var resp struct {
		Viewer struct {
			Name         string `json:"name"`
			Email        string `json:"email"`
			Organization struct {
				Name string `json:"name"`
			} `json:"organization"`
		} `json:"viewer"`
	}
	err := l.graphql(ctx, tokens, `query { viewer { name email organization { name } } }`, nil, &resp)
	if err != nil {
		return models.AccountInfo{}, fmt.Errorf("linear viewer: %w", err)
	}
	return models.AccountInfo{
		AccountName:  resp.Viewer.Name,
		AccountEmail: resp.Viewer.Email,
		Workspace:    resp.Viewer.Organization.Name,
	}, nil
}

type linearIssue struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Desc       string `json:"description"`
	URL        string `json:"url"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	State      struct {
		Name string `json:"name"`
	} `json:"state"`
	Team struct {
		Key string `json:"key"`
	} `json:"team"`
}

const linearIssuesQuery = `
query AssignedIssues($first: Int!, $updatedAfter: DateTimeOrDuration) {
  viewer {
    assignedIssues(first: $first, filter: { updatedAt: { gt: $updatedAfter } }) {
      nodes {
        id identifier title description url createdAt updatedAt
        state { name }
        team { key }
      }
    }
  }
}`

// Sync pulls assigned issues filtered by update time; the GraphQL filter
// makes a page cursor unnecessary, so none is returned.
func (l *Linear) Sync(ctx context.Context, tokens models.Tokens, opts models.SyncOptions) ([]models.Item, string, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	variables := map[string]any{"first": limit}
	if opts.Since != nil {
		variables["updatedAfter"] = opts.Since.UTC().Format(time.RFC3339)
	} else {
		variables["updatedAfter"] = time.Unix(0, 0).UTC().Format(time.RFC3339)
	}
	var resp struct {
		Viewer struct {
			AssignedIssues struct {
				Nodes []linearIssue `json:"nodes"`
			} `json:"assignedIssues"`
		} `json:"viewer"`
	}
	if err := l.graphql(ctx, tokens, linearIssuesQuery, variables, &resp); err != nil {
		return nil, "", fmt.Errorf("linear issues: %w", err)
	}
	items := make([]models.Item, 0, len(resp.Viewer.AssignedIssues.Nodes))
	for _, is := range resp.Viewer.AssignedIssues.Nodes {
		items = append(items, l.issueToItem(is))
	}
	return items, "", nil
}

func (l *Linear) issueToItem(is linearIssue) models.Item {
	item := models.Item{
		Provider:  "linear",
		SourceID:  is.ID,
		SourceURL: is.URL,
		Type:      models.ItemIssue,
		Title:     fmt.Sprintf("%s %s", is.Identifier, is.Title),
		Content:   is.Desc,
		Metadata: map[string]string{
			"identifier": is.Identifier,
			"state":      is.State.Name,
			"team":       is.Team.Key,
		},
		Hints: models.ProcessingHints{ExtractTasks: true},
	}
	if t, err := time.Parse(time.RFC3339, is.CreatedAt); err == nil {
		item.CreatedAt = timePtr(t)
	}
	if t, err := time.Parse(time.RFC3339, is.UpdatedAt); err == nil {
		item.UpdatedAt = timePtr(t)
	}
	return item
}

// HandleWebhook accepts Issue create/update events signed with the
// subscription secret.
func (l *Linear) HandleWebhook(ctx context.Context, payload []byte, signature string) ([]models.Item, error) {
	if l.webhookSecret == "" {
		return nil, fmt.Errorf("linear: %w", provider.ErrNotConfigured)
	}
	if err := provider.VerifySignature(l.webhookSecret, payload, signature); err != nil {
		return nil, err
	}
	var event struct {
		Type string       `json:"type"`
		Data *linearIssue `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("linear webhook payload: %w", err)
	}
	if event.Type != "Issue" || event.Data == nil {
		return nil, nil
	}
	return []models.Item{l.issueToItem(*event.Data)}, nil
}

func (l *Linear) RegisterWebhook(ctx context.Context, tokens models.Tokens, deliveryURL string, events []string) (string, error) {
	var resp struct {
		WebhookCreate struct {
			Success bool `json:"success"`
			Webhook struct {
				ID string `json:"id"`
			} `json:"webhook"`
		} `json:"webhookCreate"`
	}
	err := l.graphql(ctx, tokens, `
		mutation CreateWebhook($url: String!, $secret: String!) {
		  webhookCreate(input: { url: $url, secret: $secret, allPublicTeams: true, resourceTypes: ["Issue"] }) {
		    success
		    webhook { id }
		  }
		}`,
		map[string]any{"url": deliveryURL, "secret": l.webhookSecret}, &resp)
	if err != nil {
		return "", fmt.Errorf("linear webhook create: %w", err)
	}
	if !resp.WebhookCreate.Success {
		return "", fmt.Errorf("linear webhook create refused")
	}
	return resp.WebhookCreate.Webhook.ID, nil
}

func (l *Linear) UnregisterWebhook(ctx context.Context, tokens models.Tokens, externalID string) error {
	var resp struct {
		WebhookDelete struct {
			Success bool `json:"success"`
		} `json:"webhookDelete"`
	}
	err := l.graphql(ctx, tokens, `
		mutation DeleteWebhook($id: String!) {
		  webhookDelete(id: $id) { success }
		}`,
		map[string]any{"id": externalID}, &resp)
	if err != nil {
		return fmt.Errorf("linear webhook delete: %w", err)
	}
	return nil
}
