package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/events"
	"github.com/compasshq/compass/internal/events/bus"
	"github.com/compasshq/compass/internal/integration/store"
)

// Forwarder bridges the event bus into the hub: every integration.* event
// is routed to the owning user's status stream.
type Forwarder struct {
	hub    *Hub
	bus    bus.EventBus
	store  *store.Store
	logger *logger.Logger
	sub    bus.Subscription
}

// NewForwarder creates the bus-to-hub bridge.
func NewForwarder(hub *Hub, eventBus bus.EventBus, st *store.Store, log *logger.Logger) *Forwarder {
	return &Forwarder{
		hub:    hub,
		bus:    eventBus,
		store:  st,
		logger: log.WithFields(zap.String("component", "status_forwarder")),
	}
}

// Start subscribes to the integration event wildcard.
func (f *Forwarder) Start() error {
	sub, err := f.bus.Subscribe(events.BuildIntegrationWildcardSubject(), f.handle)
	if err != nil {
		return err
	}
	f.sub = sub
	return nil
}

// Stop unsubscribes from the bus.
func (f *Forwarder) Stop() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
}

func (f *Forwarder) handle(ctx context.Context, event *bus.Event) error {
	userID := f.resolveUser(ctx, event)
	if userID == "" {
		return nil
	}
	f.hub.Broadcast(userID, &StatusMessage{
		Subject: event.Type,
		UserID:  userID,
		Data:    event.Data,
	})
	return nil
}

// resolveUser extracts the owning user from the event payload, falling
// back to a store lookup when only the integration id is present.
func (f *Forwarder) resolveUser(ctx context.Context, event *bus.Event) string {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return ""
	}
	if userID, _ := data["user_id"].(string); userID != "" {
		return userID
	}
	integrationID, _ := data["integration_id"].(string)
	if integrationID == "" {
		return ""
	}
	in, err := f.store.GetIntegration(ctx, integrationID)
	if err != nil || in == nil {
		return ""
	}
	return in.UserID
}
