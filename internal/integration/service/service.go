// Package service orchestrates the integration lifecycle: OAuth connect,
// sync runs, webhook deliveries, and disconnect.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/compasshq/compass/internal/common/config"
	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/events"
	"github.com/compasshq/compass/internal/events/bus"
	"github.com/compasshq/compass/internal/integration/ingest"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
	"github.com/compasshq/compass/internal/integration/registry"
	"github.com/compasshq/compass/internal/integration/store"
)

var (
	// ErrUnknownProvider means the provider id has no live registration.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNotConnected means the user has no integration for the provider.
	ErrNotConnected = errors.New("integration not connected")
	// ErrBadState means the OAuth state did not match a pending connect.
	ErrBadState = errors.New("invalid oauth state")
)

const stateTTL = 10 * time.Minute

type pendingState struct {
	userID   string
	provider string
	expires  time.Time
}

// Service coordinates providers, persistence, the ingestion pipeline, and
// the event bus.
type Service struct {
	registry *registry.Registry
	store    *store.Store
	pipeline *ingest.Pipeline
	bus      bus.EventBus
	cfg      *config.Config
	log      *logger.Logger

	mu     sync.Mutex
	states map[string]pendingState
}

// NewService creates the integration service.
func NewService(reg *registry.Registry, st *store.Store, pipeline *ingest.Pipeline, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		registry: reg,
		store:    st,
		pipeline: pipeline,
		bus:      eventBus,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "integration")),
		states:   make(map[string]pendingState),
	}
}

// Registry exposes the catalog for the HTTP layer.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Pipeline exposes the downstream collaborator surface.
func (s *Service) Pipeline() *ingest.Pipeline { return s.pipeline }

// ConnectURL starts the OAuth flow: mints a CSRF state bound to the user
// and provider, and returns the provider's authorization URL.
func (s *Service) ConnectURL(userID, providerID string) (string, error) {
	p, ok := s.registry.Provider(providerID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	state, err := s.mintState(userID, providerID)
	if err != nil {
		return "", err
	}
	return p.AuthorizationURL(state)
}

// CompleteConnect finishes the OAuth flow after the provider redirects
// back: validates state, exchanges the code, captures account info, and
// persists the Integration plus a pending SyncState due immediately. The
// first sync is handed to the worker queue rather than run inline, so the
// redirect is never blocked and the run is still tracked.
func (s *Service) CompleteConnect(ctx context.Context, providerID, code, state string) (*models.Integration, error) {
	userID, err := s.consumeState(state, providerID)
	if err != nil {
		return nil, err
	}
	p, ok := s.registry.Provider(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	tokens, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	info, err := p.AccountInfo(ctx, tokens)
	if err != nil {
		s.log.WithProvider(providerID).WithError(err).Warn("account info fetch failed, connecting anyway")
		info = models.AccountInfo{}
	}

	in, err := s.store.GetIntegrationByUserProvider(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}
	if in != nil {
		// Reconnect: refresh credentials and account info in place.
		if err := s.store.UpdateTokens(ctx, in.ID, tokens); err != nil {
			return nil, err
		}
		if err := s.store.UpdateAccountInfo(ctx, in.ID, info); err != nil {
			return nil, err
		}
		if err := s.store.ResumeSyncState(ctx, in.ID); err != nil {
			return nil, err
		}
		return s.store.GetIntegration(ctx, in.ID)
	}

	in = &models.Integration{
		UserID:         userID,
		Provider:       providerID,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: tokens.ExpiresAt,
		AccountName:    info.AccountName,
		AccountEmail:   info.AccountEmail,
		Workspace:      info.Workspace,
		Metadata:       info.Extra,
	}
	if err := s.store.CreateIntegration(ctx, in); err != nil {
		return nil, err
	}
	if err := s.store.CreateSyncState(ctx, &models.SyncState{
		IntegrationID: in.ID,
		UserID:        userID,
		Provider:      providerID,
	}); err != nil {
		return nil, err
	}

	s.publish(ctx, events.IntegrationConnected, map[string]any{
		"integration_id": in.ID,
		"user_id":        userID,
		"provider":       providerID,
	})
	s.RequestSync(ctx, in.ID)
	return in, nil
}

// RequestSync enqueues a tracked background sync for the worker pool.
func (s *Service) RequestSync(ctx context.Context, integrationID string) {
	s.publish(ctx, events.SyncRequested, map[string]any{
		"integration_id": integrationID,
	})
}

// Disconnect tears a connection down: best-effort webhook unregistration,
// then a cascading delete of the integration and all derived rows.
func (s *Service) Disconnect(ctx context.Context, integrationID string) error {
	in, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if in == nil {
		return ErrNotConnected
	}
	if sub, err := s.store.GetSubscriptionByIntegration(ctx, integrationID); err == nil && sub != nil && sub.ExternalID != "" {
		if p, ok := s.registry.Provider(in.Provider); ok {
			if err := p.UnregisterWebhook(ctx, in.Tokens(), sub.ExternalID); err != nil &&
				!errors.Is(err, provider.ErrWebhooksUnsupported) {
				s.log.WithIntegrationID(integrationID).WithError(err).Warn("webhook unregister failed")
			}
		}
	}
	if err := s.store.DeleteIntegration(ctx, integrationID); err != nil {
		return err
	}
	s.publish(ctx, events.IntegrationDisconnected, map[string]any{
		"integration_id": integrationID,
		"user_id":        in.UserID,
		"provider":       in.Provider,
	})
	return nil
}

// Resume clears a paused integration's error streak and makes it due.
func (s *Service) Resume(ctx context.Context, integrationID string) error {
	st, err := s.store.GetSyncState(ctx, integrationID)
	if err != nil {
		return err
	}
	if st == nil {
		return ErrNotConnected
	}
	return s.store.ResumeSyncState(ctx, integrationID)
}

// ConnectionStatus is one row of a user's integrations overview.
type ConnectionStatus struct {
	Integration *models.Integration `json:"integration"`
	SyncState   *models.SyncState   `json:"sync_state,omitempty"`
}

// Status returns a user's connections and their sync states.
func (s *Service) Status(ctx context.Context, userID string) ([]ConnectionStatus, error) {
	ins, err := s.store.ListIntegrationsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	states, err := s.store.ListSyncStatesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	byIntegration := make(map[string]*models.SyncState, len(states))
	for _, st := range states {
		byIntegration[st.IntegrationID] = st
	}
	out := make([]ConnectionStatus, 0, len(ins))
	for _, in := range ins {
		out = append(out, ConnectionStatus{Integration: in, SyncState: byIntegration[in.ID]})
	}
	return out, nil
}

// ListItems returns an integration's ingestion ledger, newest first.
func (s *Service) ListItems(ctx context.Context, integrationID string, status models.ItemStatus) ([]*models.IngestedItem, error) {
	in, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, ErrNotConnected
	}
	return s.store.ListItemsByIntegration(ctx, integrationID, status, s.cfg.Sync.BatchLimit)
}

func (s *Service) mintState(userID, providerID string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := hex.EncodeToString(buf)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, v := range s.states {
		if now.After(v.expires) {
			delete(s.states, k)
		}
	}
	s.states[state] = pendingState{userID: userID, provider: providerID, expires: now.Add(stateTTL)}
	return state, nil
}

func (s *Service) consumeState(state, providerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.states[state]
	if !ok || pending.provider != providerID || time.Now().After(pending.expires) {
		return "", ErrBadState
	}
	delete(s.states, state)
	return pending.userID, nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "integration", data)); err != nil {
		s.log.WithError(err).Warn("event publish failed", zap.String("subject", subject))
	}
}

// publishSyncEvent publishes a sync status event on a subject scoped to the
// integration, so bus consumers can filter one connection's runs. The event
// type stays the base subject; wildcard subscribers see both forms.
func (s *Service) publishSyncEvent(ctx context.Context, base, integrationID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	subject := events.BuildSyncSubject(base, integrationID)
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(base, "integration", data)); err != nil {
		s.log.WithError(err).Warn("event publish failed", zap.String("subject", subject))
	}
}
