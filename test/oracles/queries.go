package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query whose every row is a violation.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_escrow_conservation",
			SQL: `SELECT b.id, b.escrowed, l.net FROM bounties b
                  LEFT JOIN (SELECT bounty_id, SUM(delta) AS net FROM ledger_entries
                             WHERE bounty_id IS NOT NULL GROUP BY bounty_id) l ON l.bounty_id = b.id
                  WHERE b.escrowed + COALESCE(l.net, 0) <> 0`,
		},
		{
			Name: "O2_single_release",
			SQL: `SELECT bounty_id, COUNT(*) FROM ledger_entries
                  WHERE kind IN ('payout', 'refund')
                  GROUP BY bounty_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_status_escrow",
			SQL: `SELECT id, status, amount, escrowed FROM bounties
                  WHERE (status IN ('paid', 'refunded') AND escrowed <> 0)
                     OR (status IN ('open', 'submitted', 'cancelled') AND escrowed <> amount)
                     OR status = 'approved'`,
		},
		{
			Name: "O4_paid_requires_submission",
			SQL: `SELECT id FROM bounties
                  WHERE status = 'paid' AND (hunter IS NULL OR submission_uri IS NULL)`,
		},
		{
			Name: "O5_submitted_never_refunded",
			SQL: `SELECT b.id FROM bounties b
                  JOIN bounty_events e ON e.bounty_id = b.id AND e.type = 'FIX_SUBMITTED'
                  WHERE b.status IN ('refunded', 'cancelled')`,
		},
		{
			Name: "O6_event_seq_contiguous",
			SQL: `SELECT bounty_id, MIN(seq), MAX(seq), COUNT(*) FROM bounty_events
                  GROUP BY bounty_id HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O7_events_match_status",
			SQL: `SELECT b.id, b.status FROM bounties b
                  LEFT JOIN (SELECT bounty_id,
                                    COUNT(*) FILTER (WHERE type = 'BOUNTY_PAID') AS paid,
                                    COUNT(*) FILTER (WHERE type = 'BOUNTY_REFUNDED') AS refunded,
                                    COUNT(*) FILTER (WHERE type = 'BOUNTY_CREATED') AS created
                             FROM bounty_events GROUP BY bounty_id) e ON e.bounty_id = b.id
                  WHERE COALESCE(e.created, 0) <> 1
                     OR (b.status = 'paid') <> (COALESCE(e.paid, 0) = 1)
                     OR (b.status = 'refunded') <> (COALESCE(e.refunded, 0) = 1)`,
		},
		{
			Name: "O8_balance_matches_journal",
			SQL: `SELECT a.address, a.balance, j.total FROM ledger_accounts a
                  LEFT JOIN (SELECT address, SUM(delta) AS total FROM ledger_entries GROUP BY address) j
                         ON j.address = a.address
                  WHERE a.balance <> COALESCE(j.total, 0)`,
		},
		{
			Name: "O9_outbox_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_administrator_present",
			SQL: `SELECT 'no_administrator' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM access_grants WHERE capability = 'administrator')`,
		},
		{
			Name: "O11_bounty_guard_installed",
			SQL: `SELECT 'missing_bounty_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'bounty_guard')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
