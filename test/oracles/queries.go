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
			Name: "O1_single_active_dispute",
			SQL: `SELECT escrow_id, COUNT(*) FROM disputes
                  WHERE status <> 'resolved'
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_resolved_has_outcome",
			SQL: `SELECT id FROM disputes
                  WHERE status='resolved' AND (outcome IS NULL OR resolved_at IS NULL)`,
		},
		{
			Name: "O3_tally_consistency",
			SQL: `SELECT id FROM disputes
                  WHERE votes_cast <> approve_count + reject_count
                     OR votes_cast > panel_size`,
		},
		{
			Name: "O4_counted_votes_match_tally",
			SQL: `SELECT d.id FROM disputes d
                  LEFT JOIN (SELECT dispute_id, COUNT(*) AS n
                             FROM dispute_votes WHERE NOT late
                             GROUP BY dispute_id) v ON v.dispute_id = d.id
                  WHERE COALESCE(v.n, 0) <> d.votes_cast`,
		},
		{
			Name: "O5_late_only_after_resolution",
			SQL: `SELECT v.dispute_id, v.arbitrator_id FROM dispute_votes v
                  JOIN disputes d ON d.id = v.dispute_id
                  WHERE v.late AND d.status <> 'resolved'`,
		},
		{
			Name: "O6_votes_from_panelists_only",
			SQL: `SELECT v.dispute_id, v.arbitrator_id FROM dispute_votes v
                  WHERE NOT EXISTS (
                      SELECT 1 FROM dispute_panelists p
                      WHERE p.dispute_id = v.dispute_id
                        AND p.arbitrator_id = v.arbitrator_id)`,
		},
		{
			Name: "O7_outcome_requires_quorum",
			SQL: `SELECT id FROM disputes
                  WHERE status='resolved' AND (
                      (outcome='approved_raiser'  AND approve_count < panel_size/2 + 1) OR
                      (outcome='approved_against' AND reject_count  < panel_size/2 + 1) OR
                      (outcome='no_majority'      AND (votes_cast < panel_size OR NOT escalated)))`,
		},
		{
			Name: "O8_settlement_follows_outcome",
			SQL: `SELECT d.id FROM disputes d
                  JOIN escrows e ON e.id = d.escrow_id
                  WHERE d.status='resolved'
                    AND d.outcome IN ('approved_raiser','approved_against')
                    AND e.status NOT IN ('released','refunded')`,
		},
		{
			Name: "O9_settled_escrow_terminal",
			SQL: `SELECT id FROM escrows
                  WHERE status IN ('released','refunded') AND resolved_at IS NULL`,
		},
		{
			Name: "O10_chain_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT subject_id, seq,
                             LAG(seq) OVER (PARTITION BY subject_id ORDER BY seq) AS prev
                      FROM audit_entries)
                  SELECT subject_id, seq FROM seqs
                  WHERE (prev IS NULL AND seq <> 1)
                     OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O11_chain_hash_linked",
			SQL: `WITH links AS (
                      SELECT subject_id, seq, prev_hash,
                             LAG(hash) OVER (PARTITION BY subject_id ORDER BY seq) AS parent
                      FROM audit_entries)
                  SELECT subject_id, seq FROM links
                  WHERE (parent IS NULL AND prev_hash <> repeat('0', 64))
                     OR (parent IS NOT NULL AND prev_hash <> parent)`,
		},
		{
			Name: "O12_outbox_liveness",
			SQL: `SELECT id FROM outbox
                  WHERE status='pending' AND now() - created_at > interval '5 minutes'`,
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
