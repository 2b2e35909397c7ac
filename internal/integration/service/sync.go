package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/compasshq/compass/internal/events"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
)

// userSyncConcurrency bounds how many of one user's integrations sync at
// once during a sync-all fan-out.
const userSyncConcurrency = 4

// SyncIntegration runs one full sync: wins (or loses) the syncing
// transition, refreshes tokens, pulls items, feeds the pipeline, and lands
// the state machine in completed, failed, or paused. A lost transition is
// reported via UserSyncResult.Skipped, never as an error.
func (s *Service) SyncIntegration(ctx context.Context, integrationID string, opts models.SyncOptions) (*models.UserSyncResult, error) {
	in, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, ErrNotConnected
	}
	res := &models.UserSyncResult{Provider: in.Provider, IntegrationID: in.ID}

	p, ok := s.registry.Provider(in.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, in.Provider)
	}

	won, err := s.store.BeginSync(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if !won {
		res.Skipped = true
		return res, nil
	}
	log := s.log.WithProvider(in.Provider).WithIntegrationID(integrationID)
	log.Info("sync started")
	s.publishSyncEvent(ctx, events.SyncStarted, integrationID, map[string]any{
		"integration_id": integrationID,
		"provider":       in.Provider,
	})

	result, runErr := s.runSync(ctx, p, in, opts)
	if runErr != nil {
		status, failErr := s.store.FailSync(ctx, integrationID, runErr.Error(),
			s.nextSyncAt(in.Provider), s.cfg.Sync.PauseThreshold)
		if failErr != nil {
			return nil, failErr
		}
		log.WithError(runErr).Warn("sync failed", zap.String("status", string(status)))
		subject := events.SyncFailed
		if status == models.SyncStatusPaused {
			subject = events.SyncPaused
		}
		s.publishSyncEvent(ctx, subject, integrationID, map[string]any{
			"integration_id": integrationID,
			"provider":       in.Provider,
			"error":          runErr.Error(),
		})
		res.Error = runErr.Error()
		return res, nil
	}

	if err := s.store.CompleteSync(ctx, integrationID, result, s.nextSyncAt(in.Provider)); err != nil {
		return nil, err
	}
	log.Info("sync completed",
		zap.Int("processed", result.ItemsProcessed),
		zap.Int("created", result.ItemsCreated),
		zap.Int("updated", result.ItemsUpdated),
		zap.Int("skipped", result.ItemsSkipped),
		zap.Int("failed", result.ItemsFailed))
	s.publishSyncEvent(ctx, events.SyncCompleted, integrationID, map[string]any{
		"integration_id": integrationID,
		"provider":       in.Provider,
		"items":          result.ItemsProcessed,
	})
	res.Success = true
	res.Result = result
	return res, nil
}

// runSync does the provider-facing half of a sync run. Any error returned
// here becomes a failed (or paused) transition in the caller.
func (s *Service) runSync(ctx context.Context, p provider.Provider, in *models.Integration, opts models.SyncOptions) (*models.SyncResult, error) {
	tokens, err := s.freshTokens(ctx, p, in)
	if err != nil {
		return nil, err
	}
	st, err := s.store.GetSyncState(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("sync state missing")
	}
	s.fillSyncOptions(&opts, st, in.Provider)

	items, nextCursor, err := p.Sync(ctx, tokens, opts)
	if err != nil {
		return nil, fmt.Errorf("provider sync: %w", err)
	}

	result := s.pipeline.IngestBatch(ctx, in, items)
	// The provider owns the cursor: whatever it hands back, including an
	// empty reset, is what the next run resumes from.
	result.Cursor = nextCursor
	if len(items) > 0 || result.Cursor != st.Cursor {
		lastItemID := st.LastItemID
		lastItemTS := st.LastItemTimestamp
		if len(items) > 0 {
			last := items[len(items)-1]
			lastItemID = last.SourceID
			lastItemTS = last.UpdatedAt
		}
		if err := s.store.UpdateCursor(ctx, in.ID, result.Cursor, lastItemID, lastItemTS); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// fillSyncOptions derives the pull window: incremental providers resume
// from the last successful run, everything else re-pulls a bounded
// lookback window and lets the dedup ledger absorb the overlap.
func (s *Service) fillSyncOptions(opts *models.SyncOptions, st *models.SyncState, providerID string) {
	if opts.Limit <= 0 {
		opts.Limit = s.cfg.Sync.BatchLimit
	}
	if opts.FullSync || opts.Since != nil {
		return
	}
	def, _ := s.registry.Definition(providerID)
	if def.Features.IncrementalSync {
		opts.Cursor = st.Cursor
		if st.LastSuccessfulSyncAt != nil {
			opts.Since = st.LastSuccessfulSyncAt
			return
		}
	}
	window := time.Duration(s.cfg.Sync.WindowDays) * 24 * time.Hour
	since := time.Now().UTC().Add(-window)
	opts.Since = &since
}

// freshTokens refreshes expired credentials before a run and persists the
// result. Providers without a refresh flow keep their existing tokens.
func (s *Service) freshTokens(ctx context.Context, p provider.Provider, in *models.Integration) (models.Tokens, error) {
	tokens := in.Tokens()
	if !tokens.Expired(time.Now()) {
		return tokens, nil
	}
	if tokens.RefreshToken == "" {
		return models.Tokens{}, errors.New("access token expired and no refresh token held")
	}
	refreshed, err := p.RefreshToken(ctx, tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrRefreshUnsupported) {
			return tokens, nil
		}
		return models.Tokens{}, fmt.Errorf("token refresh: %w", err)
	}
	if err := s.store.UpdateTokens(ctx, in.ID, refreshed); err != nil {
		return models.Tokens{}, err
	}
	return refreshed, nil
}

// nextSyncAt schedules the next run from the provider definition's
// interval, falling back to the configured default.
func (s *Service) nextSyncAt(providerID string) time.Time {
	interval := s.cfg.Sync.DefaultInterval
	if def, ok := s.registry.Definition(providerID); ok && def.DefaultSyncInterval > 0 {
		interval = def.DefaultSyncInterval
	}
	return time.Now().UTC().Add(time.Duration(interval) * time.Second)
}

// SyncAllForUser fans out over every connection the user holds. Individual
// failures land in the result slice; the call itself only fails on storage
// errors.
func (s *Service) SyncAllForUser(ctx context.Context, userID string) ([]models.UserSyncResult, error) {
	ins, err := s.store.ListIntegrationsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	results := make([]models.UserSyncResult, len(ins))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(userSyncConcurrency)
	for i, in := range ins {
		g.Go(func() error {
			res, err := s.SyncIntegration(ctx, in.ID, models.SyncOptions{})
			if err != nil {
				results[i] = models.UserSyncResult{
					Provider:      in.Provider,
					IntegrationID: in.ID,
					Error:         err.Error(),
				}
				return nil
			}
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
