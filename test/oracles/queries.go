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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_transfer_matches_paid",
			SQL: `SELECT id, status, transfer_id FROM milestones
                  WHERE (status = 'paid') <> (transfer_id IS NOT NULL)`,
		},
		{
			Name: "O2_paid_requires_funding",
			SQL: `SELECT id FROM milestones
                  WHERE status = 'paid' AND payment_intent_id IS NULL`,
		},
		{
			Name: "O3_transfer_id_unique",
			SQL: `SELECT transfer_id, COUNT(*) FROM milestones
                  WHERE transfer_id IS NOT NULL
                  GROUP BY transfer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_funded_total_consistent",
			SQL: `SELECT id, status, total_amount_funded FROM projects
                  WHERE (status = 'funded' AND total_amount_funded <= 0)
                     OR (status = 'created' AND total_amount_funded <> 0)
                     OR total_amount_funded < 0`,
		},
		{
			Name: "O5_status_domain",
			SQL: `SELECT id, status FROM milestones
                  WHERE status NOT IN ('pending','submitted','paid')`,
		},
		{
			Name: "O6_single_payee_account",
			SQL: `SELECT payee_account_id, COUNT(*) FROM accounts
                  WHERE payee_account_id IS NOT NULL
                  GROUP BY payee_account_id HAVING COUNT(*) > 1`,
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
