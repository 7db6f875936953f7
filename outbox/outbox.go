package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Topics published by the escrow service.
const (
	TopicBountyCreated      = "bounty.created"
	TopicBountyFixSubmitted = "bounty.fix_submitted"
	TopicBountyFixApproved  = "bounty.fix_approved"
	TopicBountyPaid         = "bounty.paid"
	TopicBountyCancelled    = "bounty.cancelled"
	TopicBountyRefunded     = "bounty.refunded"
	TopicAccessGranted      = "access.granted"
	TopicAccessRevoked      = "access.revoked"
	TopicLedgerDeposit      = "ledger.deposit"
)

// Message represents a transactional outbox entry. Position is the
// insertion order and dispatch delivers by ascending Position.
type Message struct {
	ID        string
	Position  int64
	Topic     string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Writer appends outbox rows inside the producer's transaction so the
// message is published if and only if the state change commits.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
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
