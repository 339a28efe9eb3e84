package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/svcops/intake/internal/core"
)

// ReclaimStore is the sweep surface of the Store.
type ReclaimStore interface {
	CountStale(ctx context.Context, staleLock time.Duration) (int, error)
	ResetStale(ctx context.Context, batchSize int, staleLock time.Duration, maxAttempts int) (int64, error)
	ClaimExhausted(ctx context.Context, reclaimerID string, batchSize int, staleLock time.Duration, maxAttempts int) ([]core.InboxRow, error)
}

// Reclaimer sweeps rows stuck in PROCESSING past the stale-lock threshold.
// Under-limit rows go back to NEW in a single round-trip; out-of-attempts
// rows are claimed and pushed through the Status Writer so the backoff
// ladder and DEAD promotion apply uniformly.
type Reclaimer struct {
	store     ReclaimStore
	writer    *StatusWriter
	staleLock time.Duration
	batchSize int
	maxAtt    int
}

func NewReclaimer(store ReclaimStore, writer *StatusWriter, staleLock time.Duration, batchSize, maxAttempts int) *Reclaimer {
	return &Reclaimer{
		store:     store,
		writer:    writer,
		staleLock: staleLock,
		batchSize: batchSize,
		maxAtt:    maxAttempts,
	}
}

// Sweep runs one reclamation pass. It is idempotent: a second run against an
// unchanged inbox is a no-op.
func (r *Reclaimer) Sweep(ctx context.Context) error {
	stale, err := r.store.CountStale(ctx, r.staleLock)
	if err != nil {
		return fmt.Errorf("reclaimer count: %w", err)
	}
	metricStaleRows.Set(float64(stale))
	if stale == 0 {
		return nil
	}

	reset, err := r.store.ResetStale(ctx, r.batchSize, r.staleLock, r.maxAtt)
	if err != nil {
		return fmt.Errorf("reclaimer reset: %w", err)
	}
	if reset > 0 {
		log.WithField("rows", reset).Info("reclaimer reset stale rows to NEW")
	}

	reclaimerID := "reclaimer:" + uuid.NewString()
	exhausted, err := r.store.ClaimExhausted(ctx, reclaimerID, r.batchSize, r.staleLock, r.maxAtt)
	if err != nil {
		return fmt.Errorf("reclaimer claim exhausted: %w", err)
	}
	for _, row := range exhausted {
		res := r.writer.MarkFailedWithRetry(ctx, row.InboxID, "stale lock with attempts exhausted", row.AttemptCount)
		if res.Success {
			metricReclaims.WithLabelValues("dead").Inc()
		}
		log.WithFields(log.Fields{
			"inbox_id":   row.InboxID,
			"message_id": row.MessageID,
			"attempts":   row.AttemptCount,
			"success":    res.Success,
		}).Warn("reclaimer promoted exhausted row")
	}
	return nil
}
