package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/compasshq/compass/internal/events"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
)

// HandleWebhook processes one inbound delivery for an integration. The
// provider verifies the signature before anything in the payload is
// trusted; a bad signature is surfaced as provider.ErrBadSignature and
// counts against the subscription's health like any other handler error.
func (s *Service) HandleWebhook(ctx context.Context, integrationID string, payload []byte, signature string) (*models.SyncResult, error) {
	in, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, ErrNotConnected
	}
	p, ok := s.registry.Provider(in.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, in.Provider)
	}
	log := s.log.WithProvider(in.Provider).WithIntegrationID(integrationID)
	s.publish(ctx, events.WebhookReceived, map[string]any{
		"integration_id": integrationID,
		"provider":       in.Provider,
	})

	sub, err := s.store.GetSubscriptionByIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if sub != nil && !sub.IsActive {
		return nil, fmt.Errorf("webhook subscription disabled")
	}

	items, err := p.HandleWebhook(ctx, payload, signature)
	if err != nil {
		if sub != nil {
			disabled, incErr := s.store.IncrementWebhookError(ctx, sub.ID, s.cfg.Sync.WebhookDisableThreshold)
			if incErr != nil {
				log.WithError(incErr).Warn("webhook error bookkeeping failed")
			} else if disabled {
				log.Warn("webhook subscription disabled after repeated errors")
				s.publish(ctx, events.WebhookDisabled, map[string]any{
					"integration_id":  integrationID,
					"provider":        in.Provider,
					"subscription_id": sub.ID,
				})
			}
		}
		if errors.Is(err, provider.ErrBadSignature) {
			return nil, err
		}
		return nil, fmt.Errorf("webhook handling: %w", err)
	}

	if sub != nil && sub.ErrorCount > 0 {
		if err := s.store.ResetWebhookErrors(ctx, sub.ID); err != nil {
			log.WithError(err).Warn("webhook error reset failed")
		}
	}
	result := s.pipeline.IngestBatch(ctx, in, items)
	log.Debug("webhook delivery ingested", zap.Int("items", result.ItemsProcessed))
	return result, nil
}

// EnableWebhook registers a webhook with the external service and records
// the subscription. Events are provider-specific hints (e.g. a
// "repo:owner/name" selector).
func (s *Service) EnableWebhook(ctx context.Context, integrationID string, eventFilters []string) (*models.WebhookSubscription, error) {
	in, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, ErrNotConnected
	}
	p, ok := s.registry.Provider(in.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, in.Provider)
	}

	if existing, err := s.store.GetSubscriptionByIntegration(ctx, integrationID); err != nil {
		return nil, err
	} else if existing != nil && existing.IsActive {
		return existing, nil
	}

	deliveryURL := fmt.Sprintf("%s/api/v1/integrations/webhooks/%s/%s",
		s.cfg.Server.PublicBaseURL, in.Provider, integrationID)
	externalID, err := p.RegisterWebhook(ctx, in.Tokens(), deliveryURL, eventFilters)
	if err != nil {
		return nil, fmt.Errorf("register webhook: %w", err)
	}

	pc, _ := s.cfg.Provider(in.Provider)
	sub := &models.WebhookSubscription{
		IntegrationID: integrationID,
		UserID:        in.UserID,
		Provider:      in.Provider,
		ExternalID:    externalID,
		DeliveryURL:   deliveryURL,
		Secret:        pc.WebhookSecret,
		Events:        eventFilters,
	}
	if err := s.store.CreateWebhookSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// DisableWebhook unregisters the external webhook and deactivates the
// subscription row.
func (s *Service) DisableWebhook(ctx context.Context, integrationID string) error {
	in, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if in == nil {
		return ErrNotConnected
	}
	sub, err := s.store.GetSubscriptionByIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	if p, ok := s.registry.Provider(in.Provider); ok && sub.ExternalID != "" {
		if err := p.UnregisterWebhook(ctx, in.Tokens(), sub.ExternalID); err != nil &&
			!errors.Is(err, provider.ErrWebhooksUnsupported) {
			s.log.WithIntegrationID(integrationID).WithError(err).Warn("webhook unregister failed")
		}
	}
	return s.store.DeactivateSubscription(ctx, sub.ID)
}
