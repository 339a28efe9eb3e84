package inbox

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Marker is the raw terminal-write surface of the Store.
type Marker interface {
	MarkDone(ctx context.Context, inboxID int64) (int64, error)
	MarkFailed(ctx context.Context, inboxID int64, errMsg string, attemptCount, maxAttempts int) (int64, error)
}

// WriteResult reports the outcome of a guaranteed terminal write.
type WriteResult struct {
	Success  bool
	Attempts int
	Err      error
}

const statusWriteRetries = 10

// StatusWriter guarantees an in-flight row leaves PROCESSING. Every attempt
// runs on a fresh pooled session; total failure is logged as critical and
// left for the Reclaimer, which sweeps any row stranded in PROCESSING.
type StatusWriter struct {
	marker      Marker
	maxAttempts int
	sleep       func(time.Duration)
}

func NewStatusWriter(marker Marker, maxAttempts int) *StatusWriter {
	return &StatusWriter{
		marker:      marker,
		maxAttempts: maxAttempts,
		sleep:       time.Sleep,
	}
}

// MarkDoneWithRetry moves the row to DONE, retrying up to 10 times with
// exponential backoff.
func (w *StatusWriter) MarkDoneWithRetry(ctx context.Context, inboxID int64) WriteResult {
	return w.retry(ctx, inboxID, "done", func(ctx context.Context) (int64, error) {
		return w.marker.MarkDone(ctx, inboxID)
	})
}

// MarkFailedWithRetry applies the failure backoff ladder (or DEAD promotion)
// under the same retry envelope.
func (w *StatusWriter) MarkFailedWithRetry(ctx context.Context, inboxID int64, errMsg string, attemptCount int) WriteResult {
	return w.retry(ctx, inboxID, "failed", func(ctx context.Context) (int64, error) {
		return w.marker.MarkFailed(ctx, inboxID, errMsg, attemptCount, w.maxAttempts)
	})
}

func (w *StatusWriter) retry(ctx context.Context, inboxID int64, kind string, write func(context.Context) (int64, error)) WriteResult {
	var lastErr error
	for attempt := 1; attempt <= statusWriteRetries; attempt++ {
		if attempt > 1 {
			metricStatusWriteRetries.Inc()
			w.sleep(time.Duration(1<<(attempt-1)) * time.Second)
		}
		affected, err := write(ctx)
		if err == nil {
			if affected == 0 {
				// The row already left PROCESSING: the lock was lost to a
				// reclaim or a concurrent terminal write. The guarantee holds.
				log.WithFields(log.Fields{
					"inbox_id": inboxID,
					"write":    kind,
				}).Warn("terminal write affected zero rows; lock lost")
			}
			return WriteResult{Success: true, Attempts: attempt}
		}
		lastErr = err
		log.WithFields(log.Fields{
			"inbox_id": inboxID,
			"write":    kind,
			"attempt":  attempt,
		}).WithError(err).Warn("terminal status write failed")
	}

	log.WithFields(log.Fields{
		"inbox_id": inboxID,
		"write":    kind,
		"critical": true,
	}).WithError(lastErr).Error("terminal status write exhausted retries; row stays PROCESSING until reclaim")
	return WriteResult{Success: false, Attempts: statusWriteRetries, Err: lastErr}
}
