package registry

import "github.com/compasshq/compass/internal/integration/models"

// builtinDefinitions is the static provider catalog. Definitions are
// configuration data, never mutated after Init. Availability here reflects
// whether a provider implementation ships in this build; lookups report
// false regardless until a live instance registers.
func builtinDefinitions() []models.Definition {
	return []models.Definition{
		{
			ID:                  "slack",
			Name:                "Slack",
			Description:         "Capture saved messages and channel highlights from your workspace",
			Icon:                "slack",
			Category:            models.CategoryCommunication,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncHybrid,
			ItemTypes:           []models.ItemType{models.ItemMessage},
			DefaultSyncInterval: 900,
			Features: models.Features{
				Realtime:        true,
				IncrementalSync: true,
				Webhooks:        true,
			},
			Available: true,
		},
		{
			ID:                  "github",
			Name:                "GitHub",
			Description:         "Track starred repositories, issues, and discussions you follow",
			Icon:                "github",
			Category:            models.CategoryDevelopment,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncHybrid,
			ItemTypes:           []models.ItemType{models.ItemIssue, models.ItemComment, models.ItemBookmark},
			DefaultSyncInterval: 1800,
			Features: models.Features{
				Realtime:        true,
				IncrementalSync: true,
				Webhooks:        true,
			},
			Available: true,
		},
		{
			ID:                  "gmail",
			Name:                "Gmail",
			Description:         "Pull starred and labeled email into your workspace",
			Icon:                "gmail",
			Category:            models.CategoryCommunication,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncPull,
			ItemTypes:           []models.ItemType{models.ItemEmail},
			DefaultSyncInterval: 900,
			Features: models.Features{
				IncrementalSync: true,
			},
		},
		{
			ID:                  "notion",
			Name:                "Notion",
			Description:         "Sync pages and databases from your Notion workspace",
			Icon:                "notion",
			Category:            models.CategoryKnowledge,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncPull,
			ItemTypes:           []models.ItemType{models.ItemNote, models.ItemDocument},
			DefaultSyncInterval: 1800,
			Features: models.Features{
				Bidirectional:   true,
				IncrementalSync: true,
			},
			Available: true,
		},
		{
			ID:                  "discord",
			Name:                "Discord",
			Description:         "Capture saved messages from your servers",
			Icon:                "discord",
			Category:            models.CategoryCommunication,
			AuthMethod:          models.AuthBotToken,
			SyncMethod:          models.SyncPush,
			ItemTypes:           []models.ItemType{models.ItemMessage},
			DefaultSyncInterval: 900,
			Features: models.Features{
				Realtime: true,
				Webhooks: true,
			},
		},
		{
			ID:                  "todoist",
			Name:                "Todoist",
			Description:         "Keep tasks and projects in sync",
			Icon:                "todoist",
			Category:            models.CategoryProductivity,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncPull,
			ItemTypes:           []models.ItemType{models.ItemTask},
			DefaultSyncInterval: 600,
			Features: models.Features{
				Bidirectional:   true,
				IncrementalSync: true,
			},
			Available: true,
		},
		{
			ID:                  "linear",
			Name:                "Linear",
			Description:         "Track issues assigned to you or your team",
			Icon:                "linear",
			Category:            models.CategoryDevelopment,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncHybrid,
			ItemTypes:           []models.ItemType{models.ItemIssue, models.ItemTask},
			DefaultSyncInterval: 900,
			Features: models.Features{
				Realtime:        true,
				IncrementalSync: true,
				Webhooks:        true,
			},
			Available: true,
		},
		{
			ID:                  "zoom",
			Name:                "Zoom",
			Description:         "Import meeting recordings and transcripts",
			Icon:                "zoom",
			Category:            models.CategoryCalendar,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncPull,
			ItemTypes:           []models.ItemType{models.ItemMeeting},
			DefaultSyncInterval: 3600,
		},
		{
			ID:                  "pocket",
			Name:                "Pocket",
			Description:         "Import your saved articles and reading list",
			Icon:                "pocket",
			Category:            models.CategoryBookmarks,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncPull,
			ItemTypes:           []models.ItemType{models.ItemArticle, models.ItemBookmark},
			DefaultSyncInterval: 3600,
			Features: models.Features{
				IncrementalSync: true,
			},
		},
		{
			ID:                  "raindrop",
			Name:                "Raindrop.io",
			Description:         "Sync bookmarks and highlights from your collections",
			Icon:                "raindrop",
			Category:            models.CategoryBookmarks,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncPull,
			ItemTypes:           []models.ItemType{models.ItemBookmark, models.ItemHighlight, models.ItemClip},
			DefaultSyncInterval: 1800,
			Features: models.Features{
				IncrementalSync: true,
			},
			Available: true,
		},
		{
			ID:                  "google-calendar",
			Name:                "Google Calendar",
			Description:         "Bring upcoming events and meeting notes into view",
			Icon:                "google-calendar",
			Category:            models.CategoryCalendar,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncPull,
			ItemTypes:           []models.ItemType{models.ItemMeeting},
			DefaultSyncInterval: 900,
			Features: models.Features{
				IncrementalSync: true,
			},
		},
		{
			ID:                  "google-sheets",
			Name:                "Google Sheets",
			Description:         "Export structured data to spreadsheets",
			Icon:                "google-sheets",
			Category:            models.CategoryProductivity,
			AuthMethod:          models.AuthOAuth2,
			SyncMethod:          models.SyncPush,
			ItemTypes:           []models.ItemType{models.ItemDocument},
			DefaultSyncInterval: 3600,
			Features: models.Features{
				Bidirectional: true,
			},
		},
	}
}
