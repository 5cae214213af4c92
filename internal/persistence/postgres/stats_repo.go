package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/autobotq/autobot/internal/bandit"
	"github.com/autobotq/autobot/internal/persistence"
)

// statsRepo implements PerformanceStore for PostgreSQL.
type statsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStatsRepo creates a PostgreSQL performance statistics repository.
func NewStatsRepo(db *sqlx.DB, timeout time.Duration) persistence.PerformanceStore {
	return &statsRepo{db: db, timeout: timeout}
}

// welfordUpsert folds one reward into (n, mean, M2) in a single statement.
// The ON CONFLICT arm references only pre-update column values, so concurrent
// outcomes for the same key serialize on the row without lost updates.
const welfordUpsert = `
	INSERT INTO template_stats (template_id, regime, n_trades, reward_mean, reward_m2, last_used_at)
	VALUES ($1, $2, 1, $3, 0, $4)
	ON CONFLICT (template_id, regime) DO UPDATE SET
		n_trades    = template_stats.n_trades + 1,
		reward_mean = template_stats.reward_mean
			+ ($3 - template_stats.reward_mean) / (template_stats.n_trades + 1),
		reward_m2   = template_stats.reward_m2
			+ ($3 - template_stats.reward_mean)
			* ($3 - (template_stats.reward_mean
				+ ($3 - template_stats.reward_mean) / (template_stats.n_trades + 1))),
		last_used_at = $4`

// RecordOutcome applies one Welford update as a single conditional upsert.
func (r *statsRepo) RecordOutcome(ctx context.Context, templateID int64, regime int, reward float64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, welfordUpsert, templateID, regime, reward, time.Now().UTC())
	return persistence.WrapErr("record_outcome", err)
}

// Touch bumps last_used_at only. A key with no recorded outcome has no row
// yet, and Touch deliberately does not create one.
func (r *statsRepo) Touch(ctx context.Context, templateID int64, regime int) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE template_stats SET last_used_at = $3 WHERE template_id = $1 AND regime = $2`,
		templateID, regime, time.Now().UTC())
	return persistence.WrapErr("touch", err)
}

const statsColumns = `template_id, regime, n_trades, reward_mean, reward_m2, last_used_at, is_frozen`

// Rows returns the per-regime rows of one template.
func (r *statsRepo) Rows(ctx context.Context, templateID int64) ([]persistence.PerformanceRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []persistence.PerformanceRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+statsColumns+` FROM template_stats WHERE template_id = $1 ORDER BY regime`,
		templateID)
	return rows, persistence.WrapErr("stats_rows", err)
}

// Summaries aggregates every template's rows across regimes.
func (r *statsRepo) Summaries(ctx context.Context, activeOnly bool) (map[int64]bandit.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ts.template_id, ts.regime, ts.n_trades, ts.reward_mean, ts.reward_m2,
		       ts.last_used_at, ts.is_frozen
		FROM template_stats ts
		JOIN templates t ON t.template_id = ts.template_id
		WHERE ($1 = FALSE OR t.status = 'ACTIVE')`

	var rows []persistence.PerformanceRow
	if err := r.db.SelectContext(ctx, &rows, query, activeOnly); err != nil {
		return nil, persistence.WrapErr("summaries", err)
	}

	byTemplate := make(map[int64][]persistence.PerformanceRow)
	for _, row := range rows {
		byTemplate[row.TemplateID] = append(byTemplate[row.TemplateID], row)
	}
	out := make(map[int64]bandit.Summary, len(byTemplate))
	for id, group := range byTemplate {
		out[id] = persistence.Summarize(group)
	}
	return out, nil
}
