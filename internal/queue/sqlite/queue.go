// Package sqlite implements an embedded FIFO queue for single-binary
// developer builds. Messages live in a local SQLite database with SQS-like
// semantics: per-group single-inflight delivery, visibility timeouts,
// receipt handles and a five-minute deduplication window.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"go.flowcatalyst.tech/dispatcher/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	message_id               TEXT PRIMARY KEY,
	message_group_id         TEXT NOT NULL DEFAULT '',
	message_deduplication_id TEXT,
	message_json             BLOB NOT NULL,
	created_at               INTEGER NOT NULL,
	visible_at               INTEGER NOT NULL,
	receipt_handle           TEXT,
	receive_count            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_messages(visible_at, created_at);
CREATE INDEX IF NOT EXISTS idx_queue_group ON queue_messages(message_group_id, visible_at);

CREATE TABLE IF NOT EXISTS message_deduplication (
	message_deduplication_id TEXT PRIMARY KEY,
	message_id               TEXT NOT NULL,
	created_at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_created ON message_deduplication(created_at);
`

const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = 200 * time.Millisecond
	defaultDedupWindow       = 5 * time.Minute
)

// Queue is an embedded SQLite-backed FIFO queue
type Queue struct {
	db      *sql.DB
	subject string

	visibilityTimeout time.Duration
	pollInterval      time.Duration
	dedupWindow       time.Duration

	// serializes dequeue transactions within this process
	mu sync.Mutex

	closed  chan struct{}
	closeMu sync.Once
}

// New opens (creating if necessary) the queue database at cfg.Path
func New(subject string, cfg queue.SQLiteConfig) (*Queue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite queue: path is required")
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite queue: open %s: %w", cfg.Path, err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent acks
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite queue: create schema: %w", err)
	}

	q := &Queue{
		db:                db,
		subject:           subject,
		visibilityTimeout: cfg.VisibilityTimeout,
		pollInterval:      cfg.PollInterval,
		dedupWindow:       cfg.DedupWindow,
		closed:            make(chan struct{}),
	}
	if q.visibilityTimeout <= 0 {
		q.visibilityTimeout = defaultVisibilityTimeout
	}
	if q.pollInterval <= 0 {
		q.pollInterval = defaultPollInterval
	}
	if q.dedupWindow <= 0 {
		q.dedupWindow = defaultDedupWindow
	}

	slog.Info("Embedded SQLite queue ready", "path", cfg.Path, "subject", subject)
	return q, nil
}

// Publish enqueues a message with no group or deduplication id
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	return q.publish(ctx, data, "", "")
}

// PublishWithGroup enqueues a message carrying a FIFO partition key
func (q *Queue) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return q.publish(ctx, data, messageGroup, "")
}

// PublishWithDeduplication enqueues a message unless the deduplication id was
// already seen within the dedup window
func (q *Queue) PublishWithDeduplication(ctx context.Context, subject string, data []byte, messageGroup, deduplicationID string) error {
	return q.publish(ctx, data, messageGroup, deduplicationID)
}

func (q *Queue) publish(ctx context.Context, data []byte, messageGroup, deduplicationID string) error {
	now := time.Now().UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite queue: begin publish: %w", err)
	}
	defer tx.Rollback()

	if deduplicationID != "" {
		// Opportunistic cleanup so the dedup table never grows past the window
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM message_deduplication WHERE created_at < ?`,
			now-q.dedupWindow.Milliseconds()); err != nil {
			return fmt.Errorf("sqlite queue: dedup cleanup: %w", err)
		}

		messageID := uuid.NewString()
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO message_deduplication (message_deduplication_id, message_id, created_at) VALUES (?, ?, ?)`,
			deduplicationID, messageID, now)
		if err != nil {
			return fmt.Errorf("sqlite queue: dedup insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Duplicate within the window: publish is a no-op
			slog.Debug("Dropping duplicate publish", "deduplicationId", deduplicationID)
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO queue_messages
			 (message_id, message_group_id, message_deduplication_id, message_json, created_at, visible_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			messageID, messageGroup, deduplicationID, data, now, now); err != nil {
			return fmt.Errorf("sqlite queue: insert: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_messages
		 (message_id, message_group_id, message_json, created_at, visible_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), messageGroup, data, now, now); err != nil {
		return fmt.Errorf("sqlite queue: insert: %w", err)
	}
	return tx.Commit()
}

// Consume polls for visible messages and invokes the handler for each.
// Blocks until the context is cancelled or the queue is closed.
func (q *Queue) Consume(ctx context.Context, handler func(queue.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		default:
		}

		msg, err := q.dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			slog.Error("Dequeue failed", "error", err)
			q.sleep(ctx, q.pollInterval)
			continue
		}
		if msg == nil {
			q.sleep(ctx, q.pollInterval)
			continue
		}

		if err := handler(msg); err != nil {
			slog.Error("Message handler failed", "error", err, "messageId", msg.ID())
		}
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-q.closed:
	case <-t.C:
	}
}

// dequeue atomically claims the oldest visible message whose group has no
// in-flight (invisible) row. Returns nil when nothing is deliverable.
func (q *Queue) dequeue(ctx context.Context) (*message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UnixMilli()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT message_id, message_group_id, message_json, receive_count
		FROM queue_messages
		WHERE visible_at <= ?
		  AND message_group_id NOT IN (
			SELECT DISTINCT message_group_id FROM queue_messages
			WHERE visible_at > ? AND message_group_id != ''
		  )
		ORDER BY created_at, message_id
		LIMIT 1`, now, now)

	var (
		id           string
		group        string
		data         []byte
		receiveCount int
	)
	if err := row.Scan(&id, &group, &data, &receiveCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select next: %w", err)
	}

	handle := uuid.NewString()
	visibleAt := now + q.visibilityTimeout.Milliseconds()
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, receipt_handle = ?, receive_count = receive_count + 1
		WHERE message_id = ?`, visibleAt, handle, id); err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	return &message{
		queue:         q,
		id:            id,
		group:         group,
		data:          data,
		receiptHandle: handle,
		receiveCount:  receiveCount + 1,
	}, nil
}

// Depth returns the number of stored messages (visible or not)
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages`).Scan(&n)
	return n, err
}

// Close stops consumers and closes the database
func (q *Queue) Close() error {
	q.closeMu.Do(func() { close(q.closed) })
	return q.db.Close()
}

// message is a claimed delivery backed by a queue_messages row
type message struct {
	queue         *Queue
	id            string
	group         string
	data          []byte
	receiptHandle string
	receiveCount  int
}

func (m *message) ID() string           { return m.id }
func (m *message) Data() []byte         { return m.data }
func (m *message) Subject() string      { return m.queue.subject }
func (m *message) MessageGroup() string { return m.group }

func (m *message) Metadata() map[string]string {
	return map[string]string{
		"receiptHandle": m.receiptHandle,
		"receiveCount":  fmt.Sprintf("%d", m.receiveCount),
	}
}

// Ack deletes the row if our receipt handle is still current
func (m *message) Ack() error {
	res, err := m.queue.db.Exec(
		`DELETE FROM queue_messages WHERE message_id = ? AND receipt_handle = ?`,
		m.id, m.receiptHandle)
	if err != nil {
		return fmt.Errorf("sqlite queue: ack %s: %w", m.id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("Ack matched no row, receipt handle superseded", "messageId", m.id)
	}
	return nil
}

// Nak makes the message redeliverable after the default visibility timeout
func (m *message) Nak() error {
	return m.setVisibility(time.Duration(queue.DefaultVisibilitySeconds) * time.Second)
}

// NakWithDelay makes the message redeliverable after the given delay
func (m *message) NakWithDelay(delay time.Duration) error {
	if delay > time.Duration(queue.MaxVisibilitySeconds)*time.Second {
		delay = time.Duration(queue.MaxVisibilitySeconds) * time.Second
	}
	return m.setVisibility(delay)
}

// InProgress extends the visibility by one visibility timeout
func (m *message) InProgress() error {
	return m.setVisibility(m.queue.visibilityTimeout)
}

func (m *message) setVisibility(d time.Duration) error {
	visibleAt := time.Now().Add(d).UnixMilli()
	_, err := m.queue.db.Exec(
		`UPDATE queue_messages SET visible_at = ? WHERE message_id = ? AND receipt_handle = ?`,
		visibleAt, m.id, m.receiptHandle)
	if err != nil {
		return fmt.Errorf("sqlite queue: set visibility on %s: %w", m.id, err)
	}
	return nil
}

// UpdateReceiptHandle swaps the ack token after a redelivery was detected
func (m *message) UpdateReceiptHandle(newReceiptHandle string) {
	m.receiptHandle = newReceiptHandle
}

// GetReceiptHandle returns the current receipt handle
func (m *message) GetReceiptHandle() string {
	return m.receiptHandle
}
