// Package inbox implements the durable drain loop over the upstream source
// table: watermarked polling, idempotent inbox inserts, atomic claims,
// guaranteed terminal status writes and stuck-lock reclamation.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/svcops/intake/internal/clock"
	"github.com/svcops/intake/internal/core"
	"github.com/svcops/intake/internal/payload"
)

const (
	sourceTable    = "source_messages"
	inboxTable     = "intake_inbox"
	watermarkTable = "intake_watermark"
)

// maxErrorLen bounds last_error so oversized stack traces cannot bloat the row.
const maxErrorLen = 1000

// Store is the transactional gateway to the source, inbox and watermark
// tables. Every operation acquires a fresh pooled connection so a failed
// statement cannot poison a long-lived session.
type Store struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewStore(pool *pgxpool.Pool, clk clock.Clock) *Store {
	return &Store{pool: pool, clock: clk}
}

// PoolUtilization reports acquired/max connections for backpressure checks.
func (s *Store) PoolUtilization() float64 {
	stat := s.pool.Stat()
	if stat.MaxConns() == 0 {
		return 0
	}
	return float64(stat.AcquiredConns()) / float64(stat.MaxConns())
}

// ============================================================================
// WATERMARK
// ============================================================================

// GetWatermark reads the single high-water row, creating an epoch row if it
// is missing. If the insert is not permitted the epoch defaults are returned
// and the row is created by the first UpdateWatermark.
func (s *Store) GetWatermark(ctx context.Context) (core.Watermark, error) {
	var wm core.Watermark
	err := s.pool.QueryRow(ctx,
		`SELECT last_created_at, last_message_id FROM `+watermarkTable+` WHERE id = 1`,
	).Scan(&wm.LastCreatedAt, &wm.LastMessageID)
	if err == nil {
		return wm, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return core.Watermark{}, fmt.Errorf("get watermark: %w", err)
	}

	epoch := core.Watermark{LastCreatedAt: time.Unix(0, 0).UTC()}
	_, insertErr := s.pool.Exec(ctx,
		`INSERT INTO `+watermarkTable+` (id, last_created_at, last_message_id)
		 VALUES (1, $1, $2) ON CONFLICT (id) DO NOTHING`,
		epoch.LastCreatedAt, epoch.LastMessageID)
	if insertErr != nil {
		log.WithError(insertErr).Warn("watermark epoch insert failed; using defaults")
	}
	return epoch, nil
}

// UpdateWatermark advances the stored tuple to the element-wise max of the
// current value and the argument. The watermark never moves backwards.
func (s *Store) UpdateWatermark(ctx context.Context, wm core.Watermark) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+watermarkTable+` (id, last_created_at, last_message_id)
		 VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET
		   last_created_at = GREATEST(`+watermarkTable+`.last_created_at, EXCLUDED.last_created_at),
		   last_message_id = GREATEST(`+watermarkTable+`.last_message_id, EXCLUDED.last_message_id)`,
		wm.LastCreatedAt, wm.LastMessageID)
	if err != nil {
		return fmt.Errorf("update watermark: %w", err)
	}
	return nil
}

// ============================================================================
// SOURCE POLL
// ============================================================================

// PollNew returns up to batchSize undeleted source rows strictly past the
// watermark, in (created_at, message_id) order. Rows whose payload fails the
// shape check for their message type are filtered out of the slice; the
// lowest rejected tuple is returned so the caller can hold the watermark
// below it, keeping the row visible on every poll until it disappears or
// becomes well-formed.
func (s *Store) PollNew(ctx context.Context, wm core.Watermark, batchSize int) ([]core.SourceMessage, *core.Watermark, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, decision_tracking_id::text, payload, created_at,
		        channel_type_id, message_type_id
		 FROM `+sourceTable+`
		 WHERE is_deleted = false
		   AND (message_type_id IN (1, 2, 3) OR message_type_id IS NULL)
		   AND (created_at, message_id) > ($1, $2)
		 ORDER BY created_at, message_id
		 LIMIT $3`,
		wm.LastCreatedAt, wm.LastMessageID, batchSize)
	if err != nil {
		return nil, nil, fmt.Errorf("poll source: %w", err)
	}
	defer rows.Close()

	var out []core.SourceMessage
	var rejected *core.Watermark
	for rows.Next() {
		var m core.SourceMessage
		if err := rows.Scan(&m.MessageID, &m.DecisionTrackingID, &m.Payload,
			&m.CreatedAt, &m.ChannelTypeID, &m.MessageTypeID); err != nil {
			return nil, nil, fmt.Errorf("scan source row: %w", err)
		}
		if !payload.ShapeOK(core.NormalizeMessageType(m.MessageTypeID), m.Payload) {
			metricRejectedPayloads.Inc()
			log.WithFields(log.Fields{
				"message_id":   m.MessageID,
				"message_type": core.NormalizeMessageType(m.MessageTypeID),
			}).Warn("source row failed payload shape filter; leaving behind watermark")
			if rejected == nil {
				// Rows arrive in tuple order, so the first rejection is the minimum.
				rejected = &core.Watermark{LastCreatedAt: m.CreatedAt, LastMessageID: m.MessageID}
			}
			continue
		}
		out = append(out, m)
	}
	return out, rejected, rows.Err()
}

// GetSourceMessage hydrates one source row by message id for a claimed job.
func (s *Store) GetSourceMessage(ctx context.Context, messageID int64) (*core.SourceMessage, error) {
	var m core.SourceMessage
	err := s.pool.QueryRow(ctx,
		`SELECT message_id, decision_tracking_id::text, payload, created_at,
		        channel_type_id, message_type_id, is_deleted
		 FROM `+sourceTable+` WHERE message_id = $1`,
		messageID,
	).Scan(&m.MessageID, &m.DecisionTrackingID, &m.Payload, &m.CreatedAt,
		&m.ChannelTypeID, &m.MessageTypeID, &m.IsDeleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source message %d: %w", messageID, err)
	}
	return &m, nil
}

// ============================================================================
// INBOX
// ============================================================================

// InsertNew inserts an inbox row in state NEW. A conflict on message_id is
// swallowed and nil is returned; the unique index is the idempotency guard.
func (s *Store) InsertNew(ctx context.Context, m *core.SourceMessage) (*int64, error) {
	now := s.clock.Now()
	var inboxID int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+inboxTable+`
		   (message_id, decision_tracking_id, message_type, source_created_at,
		    status, attempt_count, next_attempt_at, channel_type_id)
		 VALUES ($1, $2::uuid, $3, $4, $5, 0, $6, $7)
		 ON CONFLICT (message_id) DO NOTHING
		 RETURNING inbox_id`,
		m.MessageID, m.DecisionTrackingID, int(core.NormalizeMessageType(m.MessageTypeID)),
		m.CreatedAt, string(core.InboxNew), now, int(core.NormalizeChannel(m.ChannelTypeID)),
	).Scan(&inboxID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert inbox row: %w", err)
	}
	metricInsertedRows.Inc()
	return &inboxID, nil
}

const claimSQL = `
WITH next AS (
	SELECT inbox_id FROM ` + inboxTable + `
	WHERE status IN ('NEW', 'FAILED')
	  AND next_attempt_at <= now()
	  AND (locked_at IS NULL OR locked_at < now() - make_interval(mins => $2))
	ORDER BY source_created_at, message_id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
UPDATE ` + inboxTable + ` i
SET status = 'PROCESSING', locked_by = $1, locked_at = now(),
    attempt_count = attempt_count + 1
FROM next
WHERE i.inbox_id = next.inbox_id
RETURNING i.inbox_id, i.message_id, i.decision_tracking_id::text, i.message_type,
          i.source_created_at, i.status, i.attempt_count, i.locked_by, i.locked_at,
          i.next_attempt_at, i.last_error, i.channel_type_id`

// ClaimOne atomically claims the oldest eligible row for workerID. The CTE
// plus UPDATE … RETURNING runs as one statement, and SKIP LOCKED guarantees
// concurrent claimants never receive the same row. Returns nil when no row
// is eligible.
func (s *Store) ClaimOne(ctx context.Context, workerID string, staleLock time.Duration) (*core.InboxRow, error) {
	row, err := scanInboxRow(s.pool.QueryRow(ctx, claimSQL, workerID, int(staleLock.Minutes())))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			metricClaims.WithLabelValues("empty").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("claim inbox row: %w", err)
	}
	metricClaims.WithLabelValues("claimed").Inc()
	return row, nil
}

// MarkDone moves a PROCESSING row to DONE and releases the lock. Returns the
// affected row count; zero means the lock was lost to a reclaim.
func (s *Store) MarkDone(ctx context.Context, inboxID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+inboxTable+`
		 SET status = 'DONE', locked_by = NULL, locked_at = NULL, last_error = NULL
		 WHERE inbox_id = $1 AND status = 'PROCESSING'`,
		inboxID)
	if err != nil {
		return 0, fmt.Errorf("mark done %d: %w", inboxID, err)
	}
	if tag.RowsAffected() > 0 {
		metricTerminalWrites.WithLabelValues("DONE").Inc()
	}
	return tag.RowsAffected(), nil
}

// MarkFailed applies the backoff ladder for the attempt that just failed:
// the first failure backs off one minute, the second five, and so on. At or
// beyond maxAttempts the row is promoted to DEAD and next_attempt_at is left
// untouched.
func (s *Store) MarkFailed(ctx context.Context, inboxID int64, errMsg string, attemptCount, maxAttempts int) (int64, error) {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	if attemptCount >= maxAttempts {
		tag, err := s.pool.Exec(ctx,
			`UPDATE `+inboxTable+`
			 SET status = 'DEAD', locked_by = NULL, locked_at = NULL, last_error = $2
			 WHERE inbox_id = $1 AND status = 'PROCESSING'`,
			inboxID, errMsg)
		if err != nil {
			return 0, fmt.Errorf("mark dead %d: %w", inboxID, err)
		}
		if tag.RowsAffected() > 0 {
			metricTerminalWrites.WithLabelValues("DEAD").Inc()
		}
		return tag.RowsAffected(), nil
	}

	nextAttempt := s.clock.Now().Add(FailureBackoff(attemptCount))
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+inboxTable+`
		 SET status = 'FAILED', locked_by = NULL, locked_at = NULL,
		     last_error = $2, next_attempt_at = $3
		 WHERE inbox_id = $1 AND status = 'PROCESSING'`,
		inboxID, errMsg, nextAttempt)
	if err != nil {
		return 0, fmt.Errorf("mark failed %d: %w", inboxID, err)
	}
	if tag.RowsAffected() > 0 {
		metricTerminalWrites.WithLabelValues("FAILED").Inc()
	}
	return tag.RowsAffected(), nil
}

// ============================================================================
// RECLAIM PRIMITIVES
// ============================================================================

// CountStale counts PROCESSING rows whose lock is older than the threshold.
func (s *Store) CountStale(ctx context.Context, staleLock time.Duration) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+inboxTable+`
		 WHERE status = 'PROCESSING' AND locked_at < now() - make_interval(mins => $1)`,
		int(staleLock.Minutes())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stale: %w", err)
	}
	return n, nil
}

// ResetStale atomically returns up to batchSize under-limit stale rows to
// NEW, oldest lock first, skipping rows locked by concurrent transactions.
func (s *Store) ResetStale(ctx context.Context, batchSize int, staleLock time.Duration, maxAttempts int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH stale AS (
			SELECT inbox_id FROM `+inboxTable+`
			WHERE status = 'PROCESSING'
			  AND locked_at < now() - make_interval(mins => $1)
			  AND attempt_count < $2
			ORDER BY locked_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 UPDATE `+inboxTable+` i
		 SET status = 'NEW', locked_by = NULL, locked_at = NULL
		 FROM stale WHERE i.inbox_id = stale.inbox_id`,
		int(staleLock.Minutes()), maxAttempts, batchSize)
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	metricReclaims.WithLabelValues("reset").Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// ClaimExhausted claims up to batchSize stale rows that are out of attempts
// so the Reclaimer can push them through the Status Writer's DEAD promotion.
func (s *Store) ClaimExhausted(ctx context.Context, reclaimerID string, batchSize int, staleLock time.Duration, maxAttempts int) ([]core.InboxRow, error) {
	rows, err := s.pool.Query(ctx,
		`WITH exhausted AS (
			SELECT inbox_id FROM `+inboxTable+`
			WHERE status = 'PROCESSING'
			  AND locked_at < now() - make_interval(mins => $2)
			  AND attempt_count >= $3
			ORDER BY locked_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		 )
		 UPDATE `+inboxTable+` i
		 SET locked_by = $1, locked_at = now()
		 FROM exhausted WHERE i.inbox_id = exhausted.inbox_id
		 RETURNING i.inbox_id, i.message_id, i.decision_tracking_id::text, i.message_type,
		           i.source_created_at, i.status, i.attempt_count, i.locked_by, i.locked_at,
		           i.next_attempt_at, i.last_error, i.channel_type_id`,
		reclaimerID, int(staleLock.Minutes()), maxAttempts, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim exhausted: %w", err)
	}
	defer rows.Close()

	var out []core.InboxRow
	for rows.Next() {
		r, err := scanInboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exhausted row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ============================================================================
// SCAN HELPERS
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInboxRow(r rowScanner) (*core.InboxRow, error) {
	var row core.InboxRow
	var messageType, channelType int
	var status string
	err := r.Scan(&row.InboxID, &row.MessageID, &row.DecisionTrackingID, &messageType,
		&row.SourceCreatedAt, &status, &row.AttemptCount, &row.LockedBy, &row.LockedAt,
		&row.NextAttemptAt, &row.LastError, &channelType)
	if err != nil {
		return nil, err
	}
	row.MessageType = core.MessageType(messageType)
	row.Status = core.InboxStatus(status)
	row.ChannelTypeID = core.ChannelType(channelType)
	return &row, nil
}

// BackoffDelay is the retry ladder, zero-indexed.
func BackoffDelay(rung int) time.Duration {
	switch rung {
	case 0:
		return time.Minute
	case 1:
		return 5 * time.Minute
	case 2:
		return 15 * time.Minute
	case 3:
		return time.Hour
	case 4:
		return 6 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// FailureBackoff maps an attempt count (1-based, as stored after the claim
// increments it) onto the ladder: attempt 1 waits a minute, attempt 2 five.
func FailureBackoff(attemptCount int) time.Duration {
	rung := attemptCount - 1
	if rung < 0 {
		rung = 0
	}
	return BackoffDelay(rung)
}
