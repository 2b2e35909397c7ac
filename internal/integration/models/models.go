// Package models defines the data model for the integration ingestion and
// sync subsystem: provider definitions, per-user connections, sync state,
// the ingestion ledger, and the normalized item envelope providers produce.
package models

import "time"

// AuthMethod is how a provider authenticates.
type AuthMethod string

const (
	AuthOAuth2   AuthMethod = "oauth2"
	AuthAPIKey   AuthMethod = "api_key"
	AuthBotToken AuthMethod = "bot_token"
	AuthCustom   AuthMethod = "custom"
)

// SyncMethod is how a provider delivers data.
type SyncMethod string

const (
	SyncPull    SyncMethod = "pull"
	SyncPush    SyncMethod = "push"
	SyncWebhook SyncMethod = "webhook"
	SyncHybrid  SyncMethod = "hybrid"
)

// ItemType classifies a normalized ingest item.
type ItemType string

const (
	ItemNote      ItemType = "note"
	ItemHighlight ItemType = "highlight"
	ItemMeeting   ItemType = "meeting"
	ItemTask      ItemType = "task"
	ItemMessage   ItemType = "message"
	ItemArticle   ItemType = "article"
	ItemBookmark  ItemType = "bookmark"
	ItemDocument  ItemType = "document"
	ItemEmail     ItemType = "email"
	ItemComment   ItemType = "comment"
	ItemIssue     ItemType = "issue"
	ItemClip      ItemType = "clip"
)

// Features describes optional provider capabilities.
type Features struct {
	Realtime        bool `json:"realtime" yaml:"realtime"`
	Bidirectional   bool `json:"bidirectional" yaml:"bidirectional"`
	IncrementalSync bool `json:"incremental_sync" yaml:"incremental_sync"`
	Webhooks        bool `json:"webhooks" yaml:"webhooks"`
}

// Definition is the static catalog entry for a provider. Definitions are
// registered once at startup and never mutate afterwards.
type Definition struct {
	ID                  string     `json:"id" yaml:"id"`
	Name                string     `json:"name" yaml:"name"`
	Description         string     `json:"description" yaml:"description"`
	Icon                string     `json:"icon" yaml:"icon"`
	Category            string     `json:"category" yaml:"category"`
	AuthMethod          AuthMethod `json:"auth_method" yaml:"auth_method"`
	SyncMethod          SyncMethod `json:"sync_method" yaml:"sync_method"`
	ItemTypes           []ItemType `json:"item_types" yaml:"item_types"`
	DefaultSyncInterval int        `json:"default_sync_interval" yaml:"default_sync_interval"` // seconds
	Features            Features   `json:"features" yaml:"features"`
	Available           bool       `json:"available" yaml:"available"`
}

// Provider categories used for registry grouping.
const (
	CategoryCommunication = "communication"
	CategoryDevelopment   = "development"
	CategoryProductivity  = "productivity"
	CategoryKnowledge     = "knowledge"
	CategoryBookmarks     = "bookmarks"
	CategoryCalendar      = "calendar"
)

// Tokens holds OAuth or API-key credentials for a connection.
type Tokens struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token has an expiry in the past.
// Tokens without an expiry never expire.
func (t Tokens) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// AccountInfo is provider-side account metadata captured at connect time.
// All fields are best-effort; an empty struct is acceptable.
type AccountInfo struct {
	AccountName  string            `json:"account_name,omitempty"`
	AccountEmail string            `json:"account_email,omitempty"`
	Workspace    string            `json:"workspace,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Integration is one per-user connection to a provider.
type Integration struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Provider       string     `json:"provider" db:"provider"`
	AccessToken    string     `json:"-" db:"access_token"`
	RefreshToken   string     `json:"-" db:"refresh_token"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty" db:"token_expires_at"`
	AccountName    string     `json:"account_name" db:"account_name"`
	AccountEmail   string     `json:"account_email" db:"account_email"`
	Workspace      string     `json:"workspace" db:"workspace"`
	// MetadataJSON carries provider-specific fields (workspace ids etc.)
	// as a JSON object keyed by string. Hydrated into Metadata on read.
	MetadataJSON string            `json:"-" db:"metadata"`
	Metadata     map[string]string `json:"metadata" db:"-"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" db:"updated_at"`
}

// Tokens returns the connection's credentials as a Tokens value.
func (i *Integration) Tokens() Tokens {
	return Tokens{
		AccessToken:  i.AccessToken,
		RefreshToken: i.RefreshToken,
		ExpiresAt:    i.TokenExpiresAt,
	}
}

// SyncStatus is the sync state machine status.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
	SyncStatusPaused    SyncStatus = "paused"
)

// SyncState tracks one integration's sync lifecycle: scheduling, cursors,
// and error escalation. One row per integration.
type SyncState struct {
	ID                   string     `json:"id" db:"id"`
	IntegrationID        string     `json:"integration_id" db:"integration_id"`
	UserID               string     `json:"user_id" db:"user_id"`
	Provider             string     `json:"provider" db:"provider"`
	Status               SyncStatus `json:"status" db:"status"`
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`
	NextSyncAt           *time.Time `json:"next_sync_at,omitempty" db:"next_sync_at"`
	LastSuccessfulSyncAt *time.Time `json:"last_successful_sync_at,omitempty" db:"last_successful_sync_at"`
	Cursor               string     `json:"cursor" db:"cursor"`
	LastItemID           string     `json:"last_item_id" db:"last_item_id"`
	LastItemTimestamp    *time.Time `json:"last_item_timestamp,omitempty" db:"last_item_timestamp"`
	ErrorCount           int        `json:"error_count" db:"error_count"`
	LastError            string     `json:"last_error" db:"last_error"`
	LastErrorAt          *time.Time `json:"last_error_at,omitempty" db:"last_error_at"`
	TotalItemsSynced     int        `json:"total_items_synced" db:"total_items_synced"`
	ItemsSyncedThisRun   int        `json:"items_synced_this_run" db:"items_synced_this_run"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// ItemStatus is the processing status of an ingestion ledger entry.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusProcessed ItemStatus = "processed"
	ItemStatusSkipped   ItemStatus = "skipped"
	ItemStatusFailed    ItemStatus = "failed"
)

// IngestedItem is the durable dedup ledger entry: one row per unique
// (integration_id, source_id) pair.
type IngestedItem struct {
	ID            string     `json:"id" db:"id"`
	IntegrationID string     `json:"integration_id" db:"integration_id"`
	UserID        string     `json:"user_id" db:"user_id"`
	Provider      string     `json:"provider" db:"provider"`
	SourceID      string     `json:"source_id" db:"source_id"`
	SourceURL     string     `json:"source_url" db:"source_url"`
	SourceHash    string     `json:"source_hash" db:"source_hash"`
	Type          ItemType   `json:"type" db:"type"`
	Title         string     `json:"title" db:"title"`
	Content       string     `json:"content" db:"content"`
	Status        ItemStatus `json:"status" db:"status"`
	Error         string     `json:"error" db:"error"`
	CaptureID     string     `json:"capture_id" db:"capture_id"`
	MemoryIDsJSON string     `json:"-" db:"memory_ids"`
	TaskIDsJSON   string     `json:"-" db:"task_ids"`
	MemoryIDs     []string   `json:"memory_ids" db:"-"`
	TaskIDs       []string   `json:"task_ids" db:"-"`
	SourceCreated *time.Time `json:"source_created_at,omitempty" db:"source_created_at"`
	SourceUpdated *time.Time `json:"source_updated_at,omitempty" db:"source_updated_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// ProcessingHints tell downstream processors what to do with an item.
// The ingestion core stores and forwards them without interpreting them.
type ProcessingHints struct {
	ExtractTasks    bool   `json:"extract_tasks,omitempty"`
	ExtractMemories bool   `json:"extract_memories,omitempty"`
	Priority        string `json:"priority,omitempty"`
}

// Item is the normalized envelope every provider produces
// (StandardIngestItem). It is transient: the pipeline folds it into the
// ingestion ledger and discards it.
type Item struct {
	Provider  string     `json:"provider"`
	SourceID  string     `json:"source_id"`
	SourceURL string     `json:"source_url,omitempty"`
	Type      ItemType   `json:"type"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Summary   string     `json:"summary,omitempty"`
	Author    string     `json:"author,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	// Metadata carries provider-specific fields as a string-keyed map so
	// the core pipeline can persist them without losing type information.
	Metadata map[string]string `json:"metadata,omitempty"`
	Hints    ProcessingHints   `json:"hints,omitempty"`
}

// WebhookSubscription registers an external webhook for one integration.
type WebhookSubscription struct {
	ID            string    `json:"id" db:"id"`
	IntegrationID string    `json:"integration_id" db:"integration_id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Provider      string    `json:"provider" db:"provider"`
	ExternalID    string    `json:"external_id" db:"external_id"`
	DeliveryURL   string    `json:"delivery_url" db:"delivery_url"`
	Secret        string    `json:"-" db:"secret"`
	EventsJSON    string    `json:"-" db:"events"`
	Events        []string  `json:"events" db:"-"`
	IsActive      bool      `json:"is_active" db:"is_active"`
	ErrorCount    int       `json:"error_count" db:"error_count"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// SyncOptions parameterize one sync call.
type SyncOptions struct {
	// Since restricts the pull to items changed after this time.
	Since *time.Time `json:"since,omitempty"`
	// Limit bounds how many items one run may return. Zero means the
	// provider's default page size.
	Limit int `json:"limit,omitempty"`
	// Types filters the item types to pull. Empty means all supported.
	Types []ItemType `json:"types,omitempty"`
	// FullSync ignores the persisted cursor and re-pulls the window.
	FullSync bool `json:"full_sync,omitempty"`
	// Cursor resumes an incremental pull. Opaque to the core.
	Cursor string `json:"cursor,omitempty"`
}

// SyncError describes one item-level failure inside a sync run.
type SyncError struct {
	ItemID      string `json:"item_id,omitempty"`
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// SyncResult aggregates the outcome of one sync run. Individual item
// failures are collected in Errors and never abort the run.
type SyncResult struct {
	Provider       string      `json:"provider"`
	IntegrationID  string      `json:"integration_id"`
	ItemsProcessed int         `json:"items_processed"`
	ItemsCreated   int         `json:"items_created"`
	ItemsUpdated   int         `json:"items_updated"`
	ItemsSkipped   int         `json:"items_skipped"`
	ItemsFailed    int         `json:"items_failed"`
	Errors         []SyncError `json:"errors,omitempty"`
	Cursor         string      `json:"cursor,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	Duration       float64     `json:"duration_seconds"`
}

// ProcessedLinks are the derived-entity ids a downstream processor reports
// back when it finishes an item.
type ProcessedLinks struct {
	CaptureID string   `json:"capture_id,omitempty"`
	MemoryIDs []string `json:"memory_ids,omitempty"`
	TaskIDs   []string `json:"task_ids,omitempty"`
}

// UserSyncResult is one entry of a "sync all integrations" call.
type UserSyncResult struct {
	Provider      string      `json:"provider"`
	IntegrationID string      `json:"integration_id"`
	Success       bool        `json:"success"`
	Skipped       bool        `json:"skipped,omitempty"` // already syncing or paused
	Error         string      `json:"error,omitempty"`
	Result        *SyncResult `json:"result,omitempty"`
}
