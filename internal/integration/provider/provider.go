// Package provider defines the capability contract every integration
// provider implements, plus the shared HTTP retry client and webhook
// signature verification all implementations build on.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/compasshq/compass/internal/integration/models"
)

// Sentinel errors for capability and configuration failures. Callers use
// errors.Is to distinguish "provider cannot do this" from transient faults.
var (
	// ErrNotConfigured means OAuth (or the needed credential) is missing
	// for the provider. Configuration errors fail fast and are never retried.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrRefreshUnsupported means the provider's tokens never expire and
	// it deliberately has no refresh flow. Refresh calls fail with this
	// instead of silently no-oping so callers can tell "no refresh needed"
	// from "refresh broken".
	ErrRefreshUnsupported = errors.New("token refresh not supported")

	// ErrWebhooksUnsupported means the provider has no webhook capability.
	ErrWebhooksUnsupported = errors.New("webhooks not supported")

	// ErrBadSignature means webhook signature verification failed. The
	// payload must not be parsed past this point.
	ErrBadSignature = errors.New("webhook signature verification failed")
)

// Provider is the capability contract. One implementation per external
// service, registered into the registry at startup. Implementations must be
// safe for concurrent use: the scheduler, webhook handlers, and manual
// triggers may call into the same instance at once.
type Provider interface {
	// ID returns the provider identifier (matches its Definition.ID).
	ID() string

	// AuthorizationURL builds the OAuth redirect URL carrying state.
	// Fails with ErrNotConfigured when OAuth is not set up.
	AuthorizationURL(state string) (string, error)

	// ExchangeCode exchanges an OAuth authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (models.Tokens, error)

	// RefreshToken exchanges a refresh token for fresh tokens. Providers
	// whose tokens never expire fail with ErrRefreshUnsupported.
	RefreshToken(ctx context.Context, refreshToken string) (models.Tokens, error)

	// ValidateConnection is a best-effort liveness probe. It never returns
	// an error for the probe itself failing; failures become false.
	ValidateConnection(ctx context.Context, tokens models.Tokens) bool

	// AccountInfo fetches account metadata for the connection. A partial
	// or empty result on failure is acceptable.
	AccountInfo(ctx context.Context, tokens models.Tokens) (models.AccountInfo, error)

	// Sync pulls normalized items. It must be safely callable with
	// overlapping windows; deduplication is the pipeline's job, not the
	// provider's. Incremental providers return the opaque cursor the next
	// run should resume from; providers without one return "".
	Sync(ctx context.Context, tokens models.Tokens, opts models.SyncOptions) ([]models.Item, string, error)

	// HandleWebhook verifies the signature over the raw payload and
	// translates the event into zero or more items. Providers without
	// webhook support fail with ErrWebhooksUnsupported.
	HandleWebhook(ctx context.Context, payload []byte, signature string) ([]models.Item, error)

	// RegisterWebhook registers a webhook against the external service.
	// Idempotent: re-registering an existing subscription succeeds.
	RegisterWebhook(ctx context.Context, tokens models.Tokens, deliveryURL string, events []string) (externalID string, err error)

	// UnregisterWebhook removes an external webhook registration.
	UnregisterWebhook(ctx context.Context, tokens models.Tokens, externalID string) error
}

// UnsupportedWebhook is embedded by providers without webhook capability to
// satisfy the optional methods with deterministic failures.
type UnsupportedWebhook struct{}

func (UnsupportedWebhook) HandleWebhook(context.Context, []byte, string) ([]models.Item, error) {
	return nil, ErrWebhooksUnsupported
}

func (UnsupportedWebhook) RegisterWebhook(context.Context, models.Tokens, string, []string) (string, error) {
	return "", ErrWebhooksUnsupported
}

func (UnsupportedWebhook) UnregisterWebhook(context.Context, models.Tokens, string) error {
	return ErrWebhooksUnsupported
}

// NoRefresh is embedded by providers whose tokens never expire.
type NoRefresh struct{}

func (NoRefresh) RefreshToken(_ context.Context, _ string) (models.Tokens, error) {
	return models.Tokens{}, ErrRefreshUnsupported
}

// OAuthConfig holds the client credentials a provider needs for its OAuth
// flow. Loaded from the providers section of the app config.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Configured reports whether the OAuth client credentials are present.
func (c OAuthConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// RequireConfigured returns ErrNotConfigured annotated with the provider id
// when credentials are missing.
func (c OAuthConfig) RequireConfigured(providerID string) error {
	if !c.Configured() {
		return fmt.Errorf("%s: %w", providerID, ErrNotConfigured)
	}
	return nil
}
