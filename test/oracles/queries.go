package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the live database while the
// actors hammer it. Each query must return zero rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_ownership_token",
			SQL: `SELECT id, status, agent_id, locked_at FROM requests
                  WHERE (agent_id IS NULL) <> (status IN ('open','cancelled'))
                     OR (status = 'locked' AND locked_at IS NULL)`,
		},
		{
			Name: "O2_view_window_arithmetic",
			SQL: `SELECT id, view_started_at, view_expires_at FROM photos
                  WHERE (view_expires_at IS NULL) <> (view_started_at IS NULL)
                     OR view_expires_at <> view_started_at + interval '180 seconds'`,
		},
		{
			Name: "O3_single_active_dispute",
			SQL: `SELECT photo_id, COUNT(*) FROM disputes
                  WHERE status IN ('open','under_review')
                  GROUP BY photo_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_active_dispute_freezes_request",
			SQL: `SELECT d.id, d.status, r.status FROM disputes d
                  JOIN requests r ON r.id = d.request_id
                  WHERE d.status IN ('open','under_review') AND r.status <> 'disputed'`,
		},
		{
			Name: "O5_settlement_at_most_once",
			SQL: `SELECT payload->>'request_id', COUNT(*) FROM outbox
                  WHERE topic = 'settlement.created'
                  GROUP BY payload->>'request_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_settled_request_paid",
			SQL: `SELECT r.id FROM requests r
                  WHERE r.status = 'resolved_agent'
                    AND (SELECT COUNT(*) FROM outbox o
                         WHERE o.topic = 'settlement.created'
                           AND o.payload->>'request_id' = r.id::text) <> 1`,
		},
		{
			Name: "O7_fulfilled_has_delivery",
			SQL: `SELECT r.id, r.status FROM requests r
                  WHERE r.status IN ('fulfilled','disputed')
                    AND NOT EXISTS (SELECT 1 FROM photos p
                                    WHERE p.request_id = r.id AND p.status <> 'rejected')`,
		},
		{
			Name: "O8_outbox_fresh",
			SQL: `SELECT id, topic, status, attempts FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
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
	}
	return "", "", nil
}
