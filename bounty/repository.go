package bounty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bountyescrow/principal"
)

// Repository handles data access for bounties and their event history.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, b Bounty) (Bounty, error)
	// GetForUpdate locks the row until tx ends.
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Bounty, error)
	Get(ctx context.Context, id int64) (Bounty, error)
	List(ctx context.Context, filters Filters) ([]Bounty, int, error)
	// Update writes the mutable fields of b: status, escrowed, hunter and
	// submission uri.
	Update(ctx context.Context, tx pgx.Tx, b Bounty) (Bounty, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, e Event) (Event, error)
	Events(ctx context.Context, id int64) ([]Event, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const bountyColumns = `id, sponsor, COALESCE(hunter, ''), amount, escrowed, metadata_uri, description,
    COALESCE(submission_uri, ''), status::text, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, b Bounty) (Bounty, error) {
	query := `
        INSERT INTO bounties (id, sponsor, amount, escrowed, metadata_uri, description, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7::bounty_status)
        RETURNING ` + bountyColumns

	row := tx.QueryRow(ctx, query,
		b.ID,
		string(b.Sponsor),
		int64(b.Amount),
		int64(b.Escrowed),
		b.MetadataURI,
		b.Description,
		b.Status.String(),
	)
	created, err := scanBounty(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Bounty{}, ErrDuplicateID
		}
		return Bounty{}, fmt.Errorf("bounty: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Bounty, error) {
	query := `SELECT ` + bountyColumns + ` FROM bounties WHERE id = $1 FOR UPDATE`
	b, err := scanBounty(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bounty{}, ErrNotFound
		}
		return Bounty{}, fmt.Errorf("bounty: get for update: %w", err)
	}
	return b, nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Bounty, error) {
	query := `SELECT ` + bountyColumns + ` FROM bounties WHERE id = $1`
	b, err := scanBounty(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bounty{}, ErrNotFound
		}
		return Bounty{}, fmt.Errorf("bounty: get: %w", err)
	}
	return b, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Bounty, int, error) {
	filters = filters.Normalized()

	where := []string{"1=1"}
	args := []any{}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d::bounty_status", len(args)+1))
		args = append(args, filters.Status.String())
	}
	if !filters.Sponsor.IsZero() {
		where = append(where, fmt.Sprintf("sponsor = $%d", len(args)+1))
		args = append(args, string(filters.Sponsor))
	}
	if !filters.Hunter.IsZero() {
		where = append(where, fmt.Sprintf("hunter = $%d", len(args)+1))
		args = append(args, string(filters.Hunter))
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	limit := filters.PageSize
	offset := filters.Offset()
	query := fmt.Sprintf(`SELECT %s FROM bounties%s ORDER BY id ASC LIMIT %d OFFSET %d`, bountyColumns, whereClause, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("bounty: query list: %w", err)
	}
	defer rows.Close()

	list := []Bounty{}
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("bounty: scan list: %w", err)
		}
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("bounty: iterate list: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM bounties"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("bounty: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, b Bounty) (Bounty, error) {
	query := `
        UPDATE bounties
        SET status = $2::bounty_status,
            escrowed = $3,
            hunter = $4,
            submission_uri = $5
        WHERE id = $1
        RETURNING ` + bountyColumns

	row := tx.QueryRow(ctx, query,
		b.ID,
		b.Status.String(),
		int64(b.Escrowed),
		nullableString(string(b.Hunter)),
		nullableString(b.SubmissionURI),
	)
	updated, err := scanBounty(row)
	if err != nil {
		return Bounty{}, fmt.Errorf("bounty: update: %w", err)
	}
	return updated, nil
}

// AppendEvent assigns the next sequence number of the bounty. Callers hold
// the bounty row lock, so sequence numbers cannot race.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, e Event) (Event, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("bounty: marshal event payload: %w", err)
	}
	const query = `
        INSERT INTO bounty_events (bounty_id, seq, type, actor, payload)
        SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::bounty_event_type, $3, $4::jsonb
        FROM bounty_events
        WHERE bounty_id = $1
        RETURNING seq, created_at
    `
	if err := tx.QueryRow(ctx, query, e.BountyID, string(e.Type), string(e.Actor), string(payload)).Scan(&e.Seq, &e.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("bounty: append event: %w", err)
	}
	return e, nil
}

func (r *PGRepository) Events(ctx context.Context, id int64) ([]Event, error) {
	const query = `
        SELECT bounty_id, seq, type::text, actor, payload, created_at
        FROM bounty_events
        WHERE bounty_id = $1
        ORDER BY seq
    `
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("bounty: query events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e       Event
			typ     string
			actor   string
			payload []byte
		)
		if err := rows.Scan(&e.BountyID, &e.Seq, &typ, &actor, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("bounty: scan event: %w", err)
		}
		e.Type = EventType(typ)
		e.Actor = principal.Address(actor)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("bounty: decode event payload: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bounty: iterate events: %w", err)
	}
	return events, nil
}

func scanBounty(row pgx.Row) (Bounty, error) {
	var (
		b        Bounty
		sponsor  string
		hunter   string
		amount   int64
		escrowed int64
		status   string
	)
	if err := row.Scan(
		&b.ID,
		&sponsor,
		&hunter,
		&amount,
		&escrowed,
		&b.MetadataURI,
		&b.Description,
		&b.SubmissionURI,
		&status,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return Bounty{}, err
	}
	parsed, err := ParseStatus(status)
	if err != nil {
		return Bounty{}, err
	}
	b.Sponsor = principal.Address(sponsor)
	b.Hunter = principal.Address(hunter)
	b.Amount = uint64(amount)
	b.Escrowed = uint64(escrowed)
	b.Status = parsed
	return b, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
