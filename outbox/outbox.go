package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Topics emitted by the lifecycle services. Consumers are the notification
// bus (request/photo/dispute/session topics) and the settlement ledger
// (settlement.created).
const (
	TopicRequestCreated   = "request.created"
	TopicRequestClaimed   = "request.claimed"
	TopicRequestReleased  = "request.released"
	TopicRequestCancelled = "request.cancelled"
	TopicRequestReopened  = "request.reopened"
	TopicPhotoSubmitted   = "photo.submitted"
	TopicSessionStarted   = "view_session.started"
	TopicSessionReset     = "view_session.reset"
	TopicDisputeOpened    = "dispute.opened"
	TopicDisputeResolved  = "dispute.resolved"
	TopicSettlement       = "settlement.created"
)

// Message represents a transactional outbox entry.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	Status      string
	Attempts    int
	CreatedAt   time.Time
	LastAttempt *time.Time
}

// Writer appends messages inside the caller's transaction so the event and
// the state change it describes commit or roll back together.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

// Worker drains pending messages. Delivery itself is the bus's problem; the
// worker only moves rows to processed/dead so oracles can assert freshness.
type Worker struct {
	pool *pgxpool.Pool
}

func NewWorker(pool *pgxpool.Pool) *Worker {
	return &Worker{pool: pool}
}

// DrainOnce claims up to limit pending messages with SKIP LOCKED and hands
// each to deliver. A nil deliver error marks the row processed; an error
// increments attempts and leaves it pending (dead after maxAttempts).
func (w *Worker) DrainOnce(ctx context.Context, limit int, maxAttempts int, deliver func(Message) error) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, status, attempts, created_at, last_attempt
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim pending: %w", err)
	}

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt, &m.LastAttempt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	processed := 0
	for _, m := range msgs {
		if err := deliver(m); err != nil {
			next := "pending"
			if m.Attempts+1 >= maxAttempts {
				next = "dead"
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2, last_attempt = now() WHERE id = $1`, m.ID, next); err != nil {
				return processed, fmt.Errorf("outbox: mark failed: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, m.ID); err != nil {
			return processed, fmt.Errorf("outbox: mark processed: %w", err)
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return processed, fmt.Errorf("outbox: commit: %w", err)
	}
	return processed, nil
}
