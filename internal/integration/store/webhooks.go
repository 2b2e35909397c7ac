package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/compasshq/compass/internal/integration/models"
)

// CreateWebhookSubscription inserts a subscription row. At most one active
// subscription per integration is expected; callers deactivate the old one
// before registering anew.
func (s *Store) CreateWebhookSubscription(ctx context.Context, sub *models.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	sub.IsActive = true
	eventsJSON, err := json.Marshal(emptyIfNil(sub.Events))
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	sub.EventsJSON = string(eventsJSON)
	_, err = s.exec(ctx, `
		INSERT INTO webhook_subscriptions (id, integration_id, user_id, provider, external_id,
			delivery_url, secret, events, is_active, error_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		sub.ID, sub.IntegrationID, sub.UserID, sub.Provider, sub.ExternalID,
		sub.DeliveryURL, sub.Secret, sub.EventsJSON, sub.IsActive, sub.CreatedAt, sub.UpdatedAt)
	return err
}

// GetActiveSubscription returns a user's active subscription for one
// provider, nil when absent.
func (s *Store) GetActiveSubscription(ctx context.Context, userID, provider string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.get(ctx, &sub, `
		SELECT * FROM webhook_subscriptions
		WHERE user_id = ? AND provider = ? AND is_active = ? LIMIT 1`,
		userID, provider, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hydrateSubscription(&sub)
	return &sub, nil
}

// GetSubscriptionByIntegration returns the subscription for a connection,
// active or not, nil when absent.
func (s *Store) GetSubscriptionByIntegration(ctx context.Context, integrationID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.get(ctx, &sub, `
		SELECT * FROM webhook_subscriptions WHERE integration_id = ?
		ORDER BY created_at DESC LIMIT 1`, integrationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hydrateSubscription(&sub)
	return &sub, nil
}

// IncrementWebhookError bumps the subscription's consecutive error count
// and deactivates it once the count reaches disableThreshold. Returns true
// when the subscription was disabled by this call's increment.
func (s *Store) IncrementWebhookError(ctx context.Context, id string, disableThreshold int) (bool, error) {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		UPDATE webhook_subscriptions
		SET error_count = error_count + 1,
			is_active = CASE WHEN error_count + 1 >= ? THEN ? ELSE is_active END,
			updated_at = ?
		WHERE id = ?`,
		disableThreshold, false, now, id)
	if err != nil {
		return false, err
	}
	var active bool
	if err := s.get(ctx, &active, `SELECT is_active FROM webhook_subscriptions WHERE id = ?`, id); err != nil {
		return false, err
	}
	return !active, nil
}

// ResetWebhookErrors clears the error streak after a successful delivery.
func (s *Store) ResetWebhookErrors(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `
		UPDATE webhook_subscriptions SET error_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// DeactivateSubscription turns a subscription off without deleting its
// history.
func (s *Store) DeactivateSubscription(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `
		UPDATE webhook_subscriptions SET is_active = ?, updated_at = ? WHERE id = ?`,
		false, time.Now().UTC(), id)
	return err
}

func hydrateSubscription(sub *models.WebhookSubscription) {
	sub.Events = []string{}
	if sub.EventsJSON != "" {
		_ = json.Unmarshal([]byte(sub.EventsJSON), &sub.Events)
	}
}
