// Package scheduler runs the background loops: the due-sync scan, stale
// syncing recovery, and the queue-subscribed sync workers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/compasshq/compass/internal/common/config"
	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/events"
	"github.com/compasshq/compass/internal/events/bus"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/service"
	"github.com/compasshq/compass/internal/integration/store"
)

// Scheduler scans for due sync states and hands each one to the worker
// queue. It never runs syncs inline: workers own the syncing transition, so
// a double-enqueue is harmless.
type Scheduler struct {
	service  *service.Service
	store    *store.Store
	eventBus bus.EventBus
	cfg      *config.SyncConfig
	log      *logger.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sub     bus.Subscription
	started bool
}

// NewScheduler creates the background scheduler.
func NewScheduler(svc *service.Service, st *store.Store, eventBus bus.EventBus, cfg *config.SyncConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		service:  svc,
		store:    st,
		eventBus: eventBus,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "sync-scheduler")),
	}
}

// Start begins the scan loop and subscribes the sync worker to the queue.
// Calling Start more than once without Stop is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return nil
	}
	sub, err := s.eventBus.QueueSubscribe(events.SyncRequested, events.SyncWorkerQueue, s.handleSyncRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.scanLoop(ctx)

	s.log.Info("sync scheduler started",
		zap.Duration("scan_interval", s.cfg.ScanIntervalDuration()))
	return nil
}

// Stop cancels the scan loop, unsubscribes the worker, and waits.
func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.started = false
	s.log.Info("sync scheduler stopped")
}

func (s *Scheduler) scanLoop(ctx context.Context) {
	defer s.wg.Done()

	// Scan immediately so integrations due while the process was down
	// start without waiting a full interval.
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.ScanIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan recovers abandoned runs, then enqueues every due integration.
func (s *Scheduler) scan(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleSyncTimeoutDuration())
	if recovered, err := s.store.RecoverStaleSyncing(ctx, cutoff); err != nil {
		s.log.WithError(err).Error("stale sync recovery failed")
	} else if recovered > 0 {
		s.log.Warn("recovered abandoned sync runs", zap.Int64("count", recovered))
	}

	due, err := s.store.ListDueSyncStates(ctx, time.Now().UTC(), s.cfg.BatchLimit)
	if err != nil {
		s.log.WithError(err).Error("due sync scan failed")
		return
	}
	for _, st := range due {
		s.service.RequestSync(ctx, st.IntegrationID)
	}
	if len(due) > 0 {
		s.log.Debug("enqueued due syncs", zap.Int("count", len(due)))
	}
}

// handleSyncRequest is the worker side: queue-group delivery means exactly
// one worker in the group receives each request, and the store's syncing
// transition filters out anything already running.
func (s *Scheduler) handleSyncRequest(ctx context.Context, event *bus.Event) error {
	data, ok := event.Data.(map[string]any)
	if !ok {
		s.log.Warn("sync request with unexpected payload", zap.String("event_id", event.ID))
		return nil
	}
	integrationID, _ := data["integration_id"].(string)
	if integrationID == "" {
		return nil
	}
	res, err := s.service.SyncIntegration(ctx, integrationID, models.SyncOptions{})
	if err != nil {
		s.log.WithIntegrationID(integrationID).WithError(err).Error("sync run failed")
		return err
	}
	if res.Skipped {
		s.log.WithIntegrationID(integrationID).Debug("sync request skipped, already running or paused")
	}
	return nil
}
