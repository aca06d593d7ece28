package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// PostgresRepository implements Repository for PostgreSQL.
// Claims use FOR UPDATE SKIP LOCKED so multiple processor instances can
// poll the same table without handing out the same row twice.
type PostgresRepository struct {
	db     *sql.DB
	config *RepositoryConfig
}

// NewPostgresRepository creates a PostgreSQL outbox repository
func NewPostgresRepository(db *sql.DB, config *RepositoryConfig) *PostgresRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	config.normalize()
	return &PostgresRepository{db: db, config: config}
}

// Insert stores a new PENDING message, enforcing the dedup window when an
// idempotency key is supplied. Key claim and row insert commit together, so
// a failed insert never burns the key for the rest of the window.
func (r *PostgresRepository) Insert(ctx context.Context, msg *Message, idempotencyKey string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox insert begin: %w", err)
	}
	defer tx.Rollback()

	if idempotencyKey != "" {
		cutoff := time.Now().Add(-DedupWindow)
		res, dedupErr := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (dedup_key, seen_at)
			VALUES ($1, NOW())
			ON CONFLICT (dedup_key) DO UPDATE SET seen_at = NOW()
			WHERE %s.seen_at < $2`,
			r.config.DedupTable, r.config.DedupTable),
			idempotencyKey, cutoff)
		if dedupErr != nil {
			return fmt.Errorf("outbox dedup check: %w", dedupErr)
		}
		affected, dedupErr := res.RowsAffected()
		if dedupErr != nil {
			return fmt.Errorf("outbox dedup check: %w", dedupErr)
		}
		if affected == 0 {
			return ErrDuplicate
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(id, tenant_id, message_group, type, payload, payload_size,
			 status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`,
		r.config.Table),
		msg.ID, msg.TenantID, msg.MessageGroup, string(msg.Type),
		msg.Payload, len(msg.Payload), int(StatusPending), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("outbox insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox insert commit: %w", err)
	}
	return nil
}

// ClaimPending atomically claims up to limit PENDING rows whose retry
// backoff has elapsed. The subquery locks candidate rows with SKIP LOCKED;
// the UPDATE flips them to PROCESSING and RETURNING hands them back in one
// round trip.
func (r *PostgresRepository) ClaimPending(ctx context.Context, limit int) ([]*Message, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM %s
			WHERE status = $2
			  AND (retry_after IS NULL OR retry_after <= NOW())
			ORDER BY message_group, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, message_group, type, payload, payload_size,
		          status, retry_count, created_at, claimed_at, processed_at,
		          error_reason`,
		r.config.Table, r.config.Table)

	rows, err := r.db.QueryContext(ctx, query,
		int(StatusProcessing), int(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not guarantee ordering; restore (group, createdAt)
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].MessageGroup != messages[j].MessageGroup {
			return messages[i].MessageGroup < messages[j].MessageGroup
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

// MarkCompleted flips the given rows to COMPLETED
func (r *PostgresRepository) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, processed_at = NOW(), error_reason = NULL
		WHERE id IN (%s)`,
		r.config.Table, placeholders(2, len(ids)))

	args := append([]any{int(StatusCompleted)}, toAnySlice(ids)...)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox mark completed: %w", err)
	}
	return nil
}

// MarkFailed flips the given rows to FAILED with the error reason
func (r *PostgresRepository) MarkFailed(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, processed_at = NOW(), error_reason = $2
		WHERE id IN (%s)`,
		r.config.Table, placeholders(3, len(ids)))

	args := append([]any{int(StatusFailed), reason}, toAnySlice(ids)...)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}
	return nil
}

// ScheduleRetry bumps retryCount and returns rows to PENDING with a
// retry_after backoff, flipping rows at the retry ceiling to FAILED in the
// same statement
func (r *PostgresRepository) ScheduleRetry(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END,
			processed_at = CASE WHEN retry_count + 1 >= $1 THEN NOW() ELSE NULL END,
			retry_after = CASE WHEN retry_count + 1 >= $1 THEN NULL ELSE NOW() + $4 * INTERVAL '1 second' END,
			claimed_at = NULL,
			error_reason = $5
		WHERE id IN (%s)`,
		r.config.Table, placeholders(6, len(ids)))

	args := append([]any{
		r.config.MaxRetries, int(StatusFailed), int(StatusPending),
		int(r.config.RetryDelay / time.Second), reason,
	}, toAnySlice(ids)...)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox schedule retry: %w", err)
	}
	return nil
}

// Release returns claimed rows to PENDING without bumping retryCount
func (r *PostgresRepository) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, claimed_at = NULL
		WHERE id IN (%s) AND status = $2`,
		r.config.Table, placeholders(3, len(ids)))

	args := append([]any{int(StatusPending), int(StatusProcessing)}, toAnySlice(ids)...)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("outbox release: %w", err)
	}
	return nil
}

// RecoverStuck returns rows stuck in PROCESSING past the timeout to PENDING
func (r *PostgresRepository) RecoverStuck(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-r.config.ProcessingTimeout)
	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, claimed_at = NULL
		WHERE status = $2 AND claimed_at < $3`,
		r.config.Table)

	res, err := r.db.ExecContext(ctx, query,
		int(StatusPending), int(StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox recover stuck: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns row counts per status
func (r *PostgresRepository) CountByStatus(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts
	query := fmt.Sprintf(`
		SELECT status, COUNT(*) FROM %s GROUP BY status`, r.config.Table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return counts, fmt.Errorf("outbox count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return counts, fmt.Errorf("outbox count by status: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			counts.Pending = count
		case StatusProcessing:
			counts.Processing = count
		case StatusCompleted:
			counts.Completed = count
		case StatusFailed:
			counts.Failed = count
		}
	}
	return counts, rows.Err()
}

// CreateSchema creates the outbox tables and indexes if missing.
/// The pending index is partial: it only covers claimable rows, which keeps
// it small no matter how much completed history accumulates.
func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id            VARCHAR(13) PRIMARY KEY,
				tenant_id     VARCHAR(64) NOT NULL,
				message_group VARCHAR(128) NOT NULL,
				type          VARCHAR(16) NOT NULL,
				payload       TEXT NOT NULL,
				payload_size  INTEGER NOT NULL,
				status        SMALLINT NOT NULL DEFAULT 0,
				retry_count   INTEGER NOT NULL DEFAULT 0,
				retry_after   TIMESTAMPTZ,
				created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				claimed_at    TIMESTAMPTZ,
				processed_at  TIMESTAMPTZ,
				error_reason  TEXT
			)`, r.config.Table),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_pending
			ON %s (message_group, created_at)
			WHERE status = 0`, r.config.Table, r.config.Table),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_claimed
			ON %s (claimed_at)
			WHERE status = 1`, r.config.Table, r.config.Table),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				dedup_key VARCHAR(255) PRIMARY KEY,
				seen_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, r.config.DedupTable),
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("outbox create schema: %w", err)
		}
	}
	return nil
}

// scanMessages reads Message rows from a claim query result
func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message
	for rows.Next() {
		var msg Message
		var msgType string
		var status int
		var claimedAt, processedAt sql.NullTime
		var errorReason sql.NullString

		err := rows.Scan(
			&msg.ID, &msg.TenantID, &msg.MessageGroup, &msgType,
			&msg.Payload, &msg.PayloadSize, &status, &msg.RetryCount,
			&msg.CreatedAt, &claimedAt, &processedAt, &errorReason)
		if err != nil {
			return nil, fmt.Errorf("outbox scan: %w", err)
		}

		msg.Type = MessageType(msgType)
		msg.Status = Status(status)
		if claimedAt.Valid {
			msg.ClaimedAt = &claimedAt.Time
		}
		if processedAt.Valid {
			msg.ProcessedAt = &processedAt.Time
		}
		if errorReason.Valid {
			msg.ErrorReason = errorReason.String
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// placeholders builds "$start, $start+1, ..." for an IN clause
func placeholders(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
