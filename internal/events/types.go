// Package events provides event types and utilities for the Compass event system.
package events

// Event types for integration lifecycle
const (
	IntegrationConnected    = "integration.connected"
	IntegrationDisconnected = "integration.disconnected"
)

// Event types for sync runs
const (
	SyncRequested = "integration.sync.requested"
	SyncStarted   = "integration.sync.started"
	SyncCompleted = "integration.sync.completed"
	SyncFailed    = "integration.sync.failed"
	SyncPaused    = "integration.sync.paused"
)

// Event types for the ingestion ledger
const (
	ItemIngested  = "integration.item.ingested"
	ItemProcessed = "integration.item.processed"
	ItemFailed    = "integration.item.failed"
)

// Event types for webhook delivery health
const (
	WebhookReceived = "integration.webhook.received"
	WebhookDisabled = "integration.webhook.disabled"
)

// SyncWorkerQueue is the queue group name for sync worker load balancing.
const SyncWorkerQueue = "sync-workers"

// BuildSyncSubject creates a sync event subject scoped to one integration.
func BuildSyncSubject(base, integrationID string) string {
	return base + "." + integrationID
}

// BuildIntegrationWildcardSubject subscribes to every integration event.
func BuildIntegrationWildcardSubject() string {
	return "integration.>"
}
