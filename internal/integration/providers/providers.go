// Package providers contains the concrete integrations: one implementation
// of the provider contract per external service.
package providers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/compasshq/compass/internal/common/config"
	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
	"github.com/compasshq/compass/internal/integration/registry"
)

// RegisterAll builds every configured provider and registers it into the
// registry. Providers without credentials still register; their OAuth
// operations fail with ErrNotConfigured at call time.
func RegisterAll(reg *registry.Registry, cfg *config.Config, log *logger.Logger) error {
	httpClient := provider.NewClient()
	redirect := func(id string) string {
		return fmt.Sprintf("%s/api/v1/integrations/%s/callback", cfg.Server.PublicBaseURL, id)
	}
	build := func(id string, f func(config.ProviderConfig, provider.OAuthConfig) provider.Provider) error {
		pc, _ := cfg.Provider(id)
		oauth := provider.OAuthConfig{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  redirect(id),
		}
		return reg.Register(f(pc, oauth))
	}

	if err := build("github", func(pc config.ProviderConfig, oauth provider.OAuthConfig) provider.Provider {
		return NewGitHub(oauth, pc, httpClient, log)
	}); err != nil {
		return err
	}
	if err := build("slack", func(pc config.ProviderConfig, oauth provider.OAuthConfig) provider.Provider {
		return NewSlack(oauth, pc, httpClient, log)
	}); err != nil {
		return err
	}
	if err := build("notion", func(pc config.ProviderConfig, oauth provider.OAuthConfig) provider.Provider {
		return NewNotion(oauth, pc, httpClient, log)
	}); err != nil {
		return err
	}
	if err := build("todoist", func(pc config.ProviderConfig, oauth provider.OAuthConfig) provider.Provider {
		return NewTodoist(oauth, pc, httpClient, log)
	}); err != nil {
		return err
	}
	if err := build("linear", func(pc config.ProviderConfig, oauth provider.OAuthConfig) provider.Provider {
		return NewLinear(oauth, pc, httpClient, log)
	}); err != nil {
		return err
	}
	return build("raindrop", func(pc config.ProviderConfig, oauth provider.OAuthConfig) provider.Provider {
		return NewRaindrop(oauth, pc, httpClient, log)
	})
}

// oauthTokenResponse is the common token endpoint response shape.
type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// parseTokenResponse decodes a token endpoint response into Tokens,
// converting expires_in into an absolute expiry.
func parseTokenResponse(body []byte) (models.Tokens, error) {
	var resp oauthTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Tokens{}, fmt.Errorf("decode token response: %w", err)
	}
	if resp.Error != "" {
		return models.Tokens{}, fmt.Errorf("token exchange rejected: %s %s", resp.Error, resp.ErrorDesc)
	}
	if resp.AccessToken == "" {
		return models.Tokens{}, fmt.Errorf("token response missing access_token")
	}
	tokens := models.Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	if resp.ExpiresIn > 0 {
		exp := time.Now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second)
		tokens.ExpiresAt = &exp
	}
	return tokens, nil
}

func bearer(tokens models.Tokens) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tokens.AccessToken}
}

// baseURL returns the configured override or the provider default. Tests
// and self-hosted deployments point providers at local endpoints this way.
func baseURL(pc config.ProviderConfig, def string) string {
	if pc.BaseURL != "" {
		return pc.BaseURL
	}
	return def
}

func timePtr(t time.Time) *time.Time { return &t }
