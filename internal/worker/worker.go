// Package worker drives claimed inbox jobs through the processing pipeline
// and guarantees every claim ends in a terminal status write.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/svcops/intake/internal/core"
	"github.com/svcops/intake/internal/inbox"
)

// Claimer is the claim surface of the inbox store.
type Claimer interface {
	ClaimOne(ctx context.Context, workerID string, staleLock time.Duration) (*core.InboxRow, error)
	GetSourceMessage(ctx context.Context, messageID int64) (*core.SourceMessage, error)
}

// Jobber runs one claimed job end-to-end.
type Jobber interface {
	Process(ctx context.Context, row *core.InboxRow, msg *core.SourceMessage) error
}

// Worker claims one job at a time and settles its terminal status through
// the status writer. Jobs are independent; a Worker holds no cross-job state.
type Worker struct {
	id        string
	claims    Claimer
	status    *inbox.StatusWriter
	processor Jobber
	staleLock time.Duration
}

func New(claims Claimer, status *inbox.StatusWriter, processor Jobber, staleLock time.Duration) *Worker {
	return &Worker{
		id:        "worker:" + uuid.NewString(),
		claims:    claims,
		status:    status,
		processor: processor,
		staleLock: staleLock,
	}
}

// ID returns the opaque identifier written into locked_by.
func (w *Worker) ID() string { return w.id }

// RunOne claims and processes a single job. Returns false when no row was
// eligible. The returned error reports claim-level failures only; job-level
// failures are settled through the status writer and do not propagate.
func (w *Worker) RunOne(ctx context.Context) (bool, error) {
	row, err := w.claims.ClaimOne(ctx, w.id, w.staleLock)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}

	logger := log.WithFields(log.Fields{
		"worker":   w.id,
		"inbox_id": row.InboxID,
		"attempt":  row.AttemptCount,
	})
	logger.Info("job claimed")

	msg, err := w.claims.GetSourceMessage(ctx, row.MessageID)
	if err != nil {
		w.status.MarkFailedWithRetry(ctx, row.InboxID, err.Error(), row.AttemptCount)
		return true, nil
	}
	if msg == nil || msg.IsDeleted {
		// The upstream row vanished between poll and claim. Not retryable.
		logger.Warn("source message missing or deleted")
		w.status.MarkFailedWithRetry(ctx, row.InboxID, "source message missing or deleted", row.AttemptCount)
		return true, nil
	}

	if err := w.processor.Process(ctx, row, msg); err != nil {
		logger.WithError(err).Warn("job failed")
		w.status.MarkFailedWithRetry(ctx, row.InboxID, err.Error(), row.AttemptCount)
		return true, nil
	}

	logger.Info("job done")
	w.status.MarkDoneWithRetry(ctx, row.InboxID)
	return true, nil
}
