package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Publisher delivers a message to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) error

func (f PublisherFunc) Publish(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Fanout publishes to every publisher in order and stops at the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, msg Message) error {
	for _, p := range f {
		if err := p.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

const (
	defaultBatchSize    = 10
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxAttempts  = 5
)

// Dispatcher drains pending outbox rows. Several dispatchers may run against
// the same database; SKIP LOCKED hands each row to exactly one of them.
type Dispatcher struct {
	pool         TxBeginner
	publisher    Publisher
	logger       *slog.Logger
	batchSize    int
	pollInterval time.Duration
	maxAttempts  int
}

func NewDispatcher(pool TxBeginner, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		pool:         pool,
		publisher:    publisher,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
	}
}

func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	d.logger = logger
	return d
}

func (d *Dispatcher) WithPollInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.pollInterval = interval
	}
	return d
}

func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

func (d *Dispatcher) WithBatchSize(n int) *Dispatcher {
	if n > 0 {
		d.batchSize = n
	}
	return d
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			d.logger.Warn("outbox dispatch failed", "error", err)
		}
		if n == d.batchSize {
			// Backlog: drain without waiting for the next tick.
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers up to one batch and returns how many rows it claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id::text, position, topic, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY position
FOR UPDATE SKIP LOCKED
LIMIT $1
`
	rows, err := tx.Query(ctx, claimSQL, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	batch := make([]Message, 0, d.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Position, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	for _, m := range batch {
		if perr := d.publisher.Publish(ctx, m); perr != nil {
			status := "pending"
			if m.Attempts+1 >= d.maxAttempts {
				status = "dead"
			}
			d.logger.Warn("outbox publish failed", "id", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "status", status, "error", perr)
			if _, err := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1, last_attempt = now(), last_error = $2, status = $3
WHERE id = $1::uuid
`, m.ID, perr.Error(), status); err != nil {
				return 0, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1::uuid`, m.ID); err != nil {
			return 0, fmt.Errorf("outbox: mark processed: %w", err)
		}
		d.logger.Debug("outbox message delivered", "id", m.ID, "topic", m.Topic)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return len(batch), nil
}

// LogPublisher writes every message to a structured logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, msg Message) error {
	p.Logger.Info("event", "topic", msg.Topic, "id", msg.ID, "payload", string(msg.Payload))
	return nil
}
