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
	todoistWebBase = "https://todoist.com"
	todoistAPIBase = "https://api.todoist.com"
)

// Todoist syncs active tasks. Tokens do not expire; webhooks are app-level
// on Todoist's side and not exposed here.
type Todoist struct {
	provider.NoRefresh
	provider.UnsupportedWebhook

	oauth provider.OAuthConfig
	web   string
	api   string
	http  *provider.Client
	log   *logger.Logger
}

func NewTodoist(oauth provider.OAuthConfig, pc config.ProviderConfig, client *provider.Client, log *logger.Logger) *Todoist {
	return &Todoist{
		oauth: oauth,
		web:   baseURL(pc, todoistWebBase),
		api:   baseURL(pc, todoistAPIBase),
		http:  client,
		log:   log.WithProvider("todoist"),
	}
}

func (t *Todoist) ID() string { return "todoist" }

func (t *Todoist) AuthorizationURL(state string) (string, error) {
	if err := t.oauth.RequireConfigured("todoist"); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("client_id", t.oauth.ClientID)
	q.Set("scope", "data:read")
	q.Set("state", state)
	return t.web + "/oauth/authorize?" + q.Encode(), nil
}

func (t *Todoist) ExchangeCode(ctx context.Context, code string) (models.Tokens, error) {
	if err := t.oauth.RequireConfigured("todoist"); err != nil {
		return models.Tokens{}, err
	}
	form := url.Values{}
	form.Set("client_id", t.oauth.ClientID)
	form.Set("client_secret", t.oauth.ClientSecret)
	form.Set("code", code)
	body, err := t.http.PostForm(ctx, t.web+"/oauth/access_token", form.Encode(), nil)
	if err != nil {
		return models.Tokens{}, fmt.Errorf("todoist token exchange: %w", err)
	}
	return parseTokenResponse(body)
}

func (t *Todoist) ValidateConnection(ctx context.Context, tokens models.Tokens) bool {
	_, err := t.http.GetJSON(ctx, t.api+"/rest/v2/projects", bearer(tokens))
	return err == nil
}

// AccountInfo uses the sync API's user resource.
func (t *Todoist) AccountInfo(ctx context.Context, tokens models.Tokens) (models.AccountInfo, error) {
	form := url.Values{}
	form.Set("sync_token", "*")
	form.Set("resource_types", `["user"]`)
	body, err := t.http.PostForm(ctx, t.api+"/sync/v9/sync", form.Encode(), bearer(tokens))
	if err != nil {
		return models.AccountInfo{}, fmt.Errorf("todoist sync user: %w", err)
	}
	var resp struct {
		User struct {
			FullName string `json:"full_name"`
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

type todoistTask struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Desc      string `json:"description"`
	ProjectID string `json:"project_id"`
	URL       string `json:"url"`
	Priority  int    `json:"priority"`
	CreatedAt string `json:"created_at"`
	Due       *struct {
		Date string `json:"date"`
	} `json:"due"`
}

func (t *Todoist) Sync(ctx context.Context, tokens models.Tokens, opts models.SyncOptions) ([]models.Item, string, error) {
	body, err := t.http.GetJSON(ctx, t.api+"/rest/v2/tasks", bearer(tokens))
	if err != nil {
		return nil, "", fmt.Errorf("todoist tasks: %w", err)
	}
	var tasks []todoistTask
	if err := json.Unmarshal(body, &tasks); err != nil {
		return nil, "", err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = len(tasks)
	}
	var items []models.Item
	for _, task := range tasks {
		if len(items) >= limit {
			break
		}
		item := models.Item{
			Provider:  "todoist",
			SourceID:  task.ID,
			SourceURL: task.URL,
			Type:      models.ItemTask,
			Title:     task.Content,
			Content:   task.Desc,
			Metadata: map[string]string{
				"project_id": task.ProjectID,
				"priority":   fmt.Sprintf("%d", task.Priority),
			},
			Hints: models.ProcessingHints{ExtractTasks: true},
		}
		if task.Due != nil {
			item.Metadata["due"] = task.Due.Date
		}
		if ts, err := time.Parse(time.RFC3339, task.CreatedAt); err == nil {
			item.CreatedAt = timePtr(ts)
			if opts.Since != nil && ts.Before(*opts.Since) {
				continue
			}
		}
		items = append(items, item)
	}
	return items, "", nil
}
