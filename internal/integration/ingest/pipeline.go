// Package ingest contains the ingestion pipeline: content hashing,
// create/update/skip decisions against the dedup ledger, and the handoff
// surface downstream processors report back through.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/compasshq/compass/internal/common/logger"
	"github.com/compasshq/compass/internal/events"
	"github.com/compasshq/compass/internal/events/bus"
	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/store"
)

// Pipeline folds normalized items into the ingestion ledger. Safe for
// concurrent use; per-item races on the same (integration, source) pair are
// resolved by the ledger's unique constraint.
type Pipeline struct {
	store *store.Store
	bus   bus.EventBus
	log   *logger.Logger
}

// NewPipeline creates the ingestion pipeline.
func NewPipeline(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Pipeline {
	return &Pipeline{store: st, bus: eventBus, log: log.WithFields(zap.String("component", "ingest"))}
}

// ContentHash computes the dedup hash over the fields whose change should
// trigger reprocessing. Metadata-only changes deliberately do not count.
func ContentHash(it *models.Item) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", it.Provider, it.SourceID, it.Title, it.Content)
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome classifies what the pipeline did with one item.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeUpdated
	OutcomeSkipped
	OutcomeFailed
)

// IngestItem processes a single normalized item: new source ids insert a
// pending ledger row, changed content updates the existing row back to
// pending, and unchanged content is a no-op. Idempotent under replay and
// under concurrent delivery of the same item.
func (p *Pipeline) IngestItem(ctx context.Context, in *models.Integration, it *models.Item) (Outcome, error) {
	if it.SourceID == "" {
		return OutcomeFailed, fmt.Errorf("item missing source id")
	}
	hash := ContentHash(it)

	existing, err := p.store.GetItemBySource(ctx, in.ID, it.SourceID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("lookup %s: %w", it.SourceID, err)
	}
	if existing != nil {
		return p.reconcile(ctx, existing, it, hash)
	}

	row := &models.IngestedItem{
		IntegrationID: in.ID,
		UserID:        in.UserID,
		Provider:      in.Provider,
		SourceID:      it.SourceID,
		SourceURL:     it.SourceURL,
		SourceHash:    hash,
		Type:          it.Type,
		Title:         it.Title,
		Content:       it.Content,
		SourceCreated: it.CreatedAt,
		SourceUpdated: it.UpdatedAt,
	}
	inserted, err := p.store.InsertItem(ctx, row)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("insert %s: %w", it.SourceID, err)
	}
	if !inserted {
		// Lost the insert race to a concurrent delivery. Re-read and
		// reconcile against whatever won.
		existing, err = p.store.GetItemBySource(ctx, in.ID, it.SourceID)
		if err != nil || existing == nil {
			return OutcomeFailed, fmt.Errorf("reread %s after conflict: %w", it.SourceID, err)
		}
		return p.reconcile(ctx, existing, it, hash)
	}

	p.publish(events.ItemIngested, in, row.ID, it)
	return OutcomeCreated, nil
}

// reconcile applies last-write-wins by hash comparison: identical content
// leaves the row (and its processing status) untouched, changed content
// rewrites it and resets status to pending.
func (p *Pipeline) reconcile(ctx context.Context, existing *models.IngestedItem, it *models.Item, hash string) (Outcome, error) {
	if existing.SourceHash == hash {
		return OutcomeSkipped, nil
	}
	if err := p.store.UpdateItemContent(ctx, existing.ID, it, hash); err != nil {
		return OutcomeFailed, fmt.Errorf("update %s: %w", it.SourceID, err)
	}
	p.log.WithIntegrationID(existing.IntegrationID).Debug("item content changed, reset to pending",
		zap.String("source_id", it.SourceID))
	return OutcomeUpdated, nil
}

// IngestBatch runs every item through IngestItem, isolating per-item
// failures into SyncError entries. A failing item never aborts the batch.
func (p *Pipeline) IngestBatch(ctx context.Context, in *models.Integration, items []models.Item) *models.SyncResult {
	result := &models.SyncResult{
		Provider:      in.Provider,
		IntegrationID: in.ID,
		StartedAt:     time.Now().UTC(),
	}
	for i := range items {
		it := &items[i]
		result.ItemsProcessed++
		outcome, err := p.IngestItem(ctx, in, it)
		if err != nil {
			result.ItemsFailed++
			result.Errors = append(result.Errors, models.SyncError{
				ItemID:      it.SourceID,
				Message:     err.Error(),
				Recoverable: true,
			})
			p.log.WithIntegrationID(in.ID).WithError(err).Warn("item ingest failed",
				zap.String("source_id", it.SourceID))
			continue
		}
		switch outcome {
		case OutcomeCreated:
			result.ItemsCreated++
		case OutcomeUpdated:
			result.ItemsUpdated++
		case OutcomeSkipped:
			result.ItemsSkipped++
		}
	}
	result.Duration = time.Since(result.StartedAt).Seconds()
	return result
}

// MarkProcessed is the downstream collaborator handoff: an external
// processor reports the derived entities it created for a pending item.
func (p *Pipeline) MarkProcessed(ctx context.Context, itemID string, links models.ProcessedLinks) error {
	it, err := p.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("ingested item %s not found", itemID)
	}
	if err := p.store.MarkItemProcessed(ctx, itemID, links); err != nil {
		return err
	}
	if p.bus != nil {
		_ = p.bus.Publish(ctx, events.ItemProcessed, bus.NewEvent(events.ItemProcessed, "ingest", map[string]any{
			"item_id":        itemID,
			"integration_id": it.IntegrationID,
			"capture_id":     links.CaptureID,
		}))
	}
	return nil
}

// UpdateItem lets a downstream processor set status and error directly,
// e.g. to mark an item failed or deliberately skipped.
func (p *Pipeline) UpdateItem(ctx context.Context, itemID string, status models.ItemStatus, errMsg string) error {
	it, err := p.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("ingested item %s not found", itemID)
	}
	if err := p.store.UpdateItemStatus(ctx, itemID, status, errMsg); err != nil {
		return err
	}
	if status == models.ItemStatusFailed && p.bus != nil {
		_ = p.bus.Publish(ctx, events.ItemFailed, bus.NewEvent(events.ItemFailed, "ingest", map[string]any{
			"item_id":        itemID,
			"integration_id": it.IntegrationID,
			"error":          errMsg,
		}))
	}
	return nil
}

func (p *Pipeline) publish(subject string, in *models.Integration, itemID string, it *models.Item) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(context.Background(), subject, bus.NewEvent(subject, "ingest", map[string]any{
		"item_id":        itemID,
		"integration_id": in.ID,
		"user_id":        in.UserID,
		"provider":       in.Provider,
		"source_id":      it.SourceID,
		"type":           string(it.Type),
	}))
}
