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
	githubWebBase = "https://github.com"
	githubAPIBase = "https://api.github.com"
)

// GitHub syncs starred repositories and assigned issues, and accepts issue
// webhooks. OAuth app tokens do not expire, so there is no refresh flow.
type GitHub struct {
	provider.NoRefresh

	oauth         provider.OAuthConfig
	webhookSecret string
	web           string
	api           string
	http          *provider.Client
	log           *logger.Logger
}

func NewGitHub(oauth provider.OAuthConfig, pc config.ProviderConfig, client *provider.Client, log *logger.Logger) *GitHub {
	return &GitHub{
		oauth:         oauth,
		webhookSecret: pc.WebhookSecret,
		web:           baseURL(pc, githubWebBase),
		api:           baseURL(pc, githubAPIBase),
		http:          client,
		log:           log.WithProvider("github"),
	}
}

func (g *GitHub) ID() string { return "github" }

func (g *GitHub) AuthorizationURL(state string) (string, error) {
	if err := g.oauth.RequireConfigured("github"); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("client_id", g.oauth.ClientID)
	q.Set("redirect_uri", g.oauth.RedirectURL)
	q.Set("scope", "repo read:user")
	q.Set("state", state)
	return g.web + "/login/oauth/authorize?" + q.Encode(), nil
}

func (g *GitHub) ExchangeCode(ctx context.Context, code string) (models.Tokens, error) {
	if err := g.oauth.RequireConfigured("github"); err != nil {
		return models.Tokens{}, err
	}
	form := url.Values{}
	form.Set("client_id", g.oauth.ClientID)
	form.Set("client_secret", g.oauth.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", g.oauth.RedirectURL)
	body, err := g.http.PostForm(ctx, g.web+"/login/oauth/access_token", form.Encode(), nil)
	if err != nil {
		return models.Tokens{}, fmt.Errorf("github token exchange: %w", err)
	}
	return parseTokenResponse(body)
}

func (g *GitHub) ValidateConnection(ctx context.Context, tokens models.Tokens) bool {
	_, err := g.http.GetJSON(ctx, g.api+"/user", bearer(tokens))
	return err == nil
}

func (g *GitHub) AccountInfo(ctx context.Context, tokens models.Tokens) (models.AccountInfo, error) {
	body, err := g.http.GetJSON(ctx, g.api+"/user", bearer(tokens))
	if err != nil {
		return models.AccountInfo{}, fmt.Errorf("github user: %w", err)
	}
	var u struct {
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return models.AccountInfo{}, err
	}
	name := u.Name
	if name == "" {
		name = u.Login
	}
	return models.AccountInfo{
		AccountName:  name,
		AccountEmail: u.Email,
		Extra:        map[string]string{"login": u.Login},
	}, nil
}

type githubRepo struct {
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	HTMLURL     string `json:"html_url"`
	Language    string `json:"language"`
	Stars       int    `json:"stargazers_count"`
	PushedAt    string `json:"pushed_at"`
}

type githubIssue struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	HTMLURL   string `json:"html_url"`
	State     string `json:"state"`
	UpdatedAt string `json:"updated_at"`
	CreatedAt string `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest *struct{} `json:"pull_request"`
}

// Sync pulls starred repos and assigned issues. The issues endpoint takes
// a since timestamp rather than an opaque cursor, so no cursor is returned.
func (g *GitHub) Sync(ctx context.Context, tokens models.Tokens, opts models.SyncOptions) ([]models.Item, string, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var items []models.Item

	if wantsType(opts.Types, models.ItemBookmark) {
		stars, err := g.syncStars(ctx, tokens, limit)
		if err != nil {
			return nil, "", err
		}
		items = append(items, stars...)
	}
	if wantsType(opts.Types, models.ItemIssue) {
		issues, err := g.syncIssues(ctx, tokens, opts.Since, limit)
		if err != nil {
			return nil, "", err
		}
		items = append(items, issues...)
	}
	return items, "", nil
}

func (g *GitHub) syncStars(ctx context.Context, tokens models.Tokens, limit int) ([]models.Item, error) {
	body, err := g.http.GetJSON(ctx,
		fmt.Sprintf("%s/user/starred?sort=created&direction=desc&per_page=%d", g.api, limit),
		bearer(tokens))
	if err != nil {
		return nil, fmt.Errorf("github starred: %w", err)
	}
	var repos []githubRepo
	if err := json.Unmarshal(body, &repos); err != nil {
		return nil, err
	}
	items := make([]models.Item, 0, len(repos))
	for _, r := range repos {
		items = append(items, models.Item{
			Provider:  "github",
			SourceID:  "star:" + r.FullName,
			SourceURL: r.HTMLURL,
			Type:      models.ItemBookmark,
			Title:     r.FullName,
			Content:   r.Description,
			Metadata: map[string]string{
				"language": r.Language,
				"stars":    fmt.Sprintf("%d", r.Stars),
			},
		})
	}
	return items, nil
}

func (g *GitHub) syncIssues(ctx context.Context, tokens models.Tokens, since *time.Time, limit int) ([]models.Item, error) {
	u := fmt.Sprintf("%s/issues?filter=assigned&state=open&per_page=%d", g.api, limit)
	if since != nil {
		u += "&since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	body, err := g.http.GetJSON(ctx, u, bearer(tokens))
	if err != nil {
		return nil, fmt.Errorf("github issues: %w", err)
	}
	var issues []githubIssue
	if err := json.Unmarshal(body, &issues); err != nil {
		return nil, err
	}
	items := make([]models.Item, 0, len(issues))
	for _, is := range issues {
		if is.PullRequest != nil {
			continue
		}
		items = append(items, g.issueToItem(is))
	}
	return items, nil
}

func (g *GitHub) issueToItem(is githubIssue) models.Item {
	item := models.Item{
		Provider:  "github",
		SourceID:  fmt.Sprintf("issue:%s#%d", is.Repository.FullName, is.Number),
		SourceURL: is.HTMLURL,
		Type:      models.ItemIssue,
		Title:     is.Title,
		Content:   is.Body,
		Author:    is.User.Login,
		Metadata: map[string]string{
			"repo":  is.Repository.FullName,
			"state": is.State,
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

// HandleWebhook accepts issue events signed with X-Hub-Signature-256.
func (g *GitHub) HandleWebhook(ctx context.Context, payload []byte, signature string) ([]models.Item, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("github: %w", provider.ErrNotConfigured)
	}
	if err := provider.VerifySignature(g.webhookSecret, payload, signature); err != nil {
		return nil, err
	}
	var event struct {
		Action string      `json:"action"`
		Issue  *githubIssue `json:"issue"`
		Repo   struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("github webhook payload: %w", err)
	}
	if event.Issue == nil {
		return nil, nil
	}
	is := *event.Issue
	is.Repository.FullName = event.Repo.FullName
	return []models.Item{g.issueToItem(is)}, nil
}

// RegisterWebhook creates a repository hook. The repo comes from the events
// list as "repo:owner/name" entries; GitHub hooks are per-repository.
func (g *GitHub) RegisterWebhook(ctx context.Context, tokens models.Tokens, deliveryURL string, events []string) (string, error) {
	repo := repoFromEvents(events)
	if repo == "" {
		return "", fmt.Errorf("github webhook registration needs a repo:owner/name entry")
	}
	payload, _ := json.Marshal(map[string]any{
		"name":   "web",
		"active": true,
		"events": []string{"issues", "issue_comment"},
		"config": map[string]string{
			"url":          deliveryURL,
			"content_type": "json",
			"secret":       g.webhookSecret,
		},
	})
	body, err := g.http.PostJSON(ctx, fmt.Sprintf("%s/repos/%s/hooks", g.api, repo), payload, bearer(tokens))
	if err != nil {
		return "", fmt.Errorf("github hook create: %w", err)
	}
	var hook struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &hook); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%d", repo, hook.ID), nil
}

func (g *GitHub) UnregisterWebhook(ctx context.Context, tokens models.Tokens, externalID string) error {
	idx := strings.LastIndex(externalID, "/")
	if idx < 0 {
		return fmt.Errorf("github: malformed hook id %q", externalID)
	}
	repo, hookID := externalID[:idx], externalID[idx+1:]
	_, err := g.http.DeleteRequest(ctx, fmt.Sprintf("%s/repos/%s/hooks/%s", g.api, repo, hookID), bearer(tokens))
	return err
}

func repoFromEvents(events []string) string {
	for _, e := range events {
		if strings.HasPrefix(e, "repo:") {
			return strings.TrimPrefix(e, "repo:")
		}
	}
	return ""
}

// wantsType reports whether the filter allows an item type. An empty filter
// allows everything.
func wantsType(types []models.ItemType, t models.ItemType) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
