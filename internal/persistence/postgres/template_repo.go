package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/autobotq/autobot/internal/persistence"
	"github.com/autobotq/autobot/internal/template"
)

// templateRepo implements TemplateStore for PostgreSQL.
type templateRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTemplateRepo creates a PostgreSQL template repository.
func NewTemplateRepo(db *sqlx.DB, timeout time.Duration) persistence.TemplateStore {
	return &templateRepo{db: db, timeout: timeout}
}

// templateRow is the scan target for the templates table. Filter columns are
// NULL for wildcard fields.
type templateRow struct {
	TemplateID int64          `db:"template_id"`
	Version    int            `db:"version"`
	Side       string         `db:"side"`
	RSIBin     sql.NullString `db:"rsi_bin"`
	MACDBin    sql.NullString `db:"macd_bin"`
	KDBin      sql.NullString `db:"kd_bin"`
	VolBin     sql.NullString `db:"vol_bin"`
	Status     string         `db:"status"`
	Meta       []byte         `db:"meta"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r templateRow) toTemplate() (template.Template, error) {
	t := template.Template{
		ID:      r.TemplateID,
		Version: r.Version,
		Side:    template.Side(r.Side),
		Status:  template.Status(r.Status),
		Filters: template.Filters{
			RSI:  template.ParseFilterSet(r.RSIBin.String),
			MACD: template.ParseFilterSet(r.MACDBin.String),
			KD:   template.ParseFilterSet(r.KDBin.String),
			Vol:  template.ParseFilterSet(r.VolBin.String),
		},
	}
	if len(r.Meta) > 0 {
		if err := json.Unmarshal(r.Meta, &t.Meta); err != nil {
			return t, fmt.Errorf("failed to unmarshal template meta: %w", err)
		}
	}
	t.Meta.CreatedAt = r.CreatedAt
	return t, nil
}

func nullSet(f template.FilterSet) sql.NullString {
	if f.IsWildcard() {
		return sql.NullString{}
	}
	return sql.NullString{String: f.String(), Valid: true}
}

// Create validates and inserts a template, returning the assigned id.
func (r *templateRepo) Create(ctx context.Context, t template.Template) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, persistence.WrapErr("create", err)
	}
	t.Filters = t.Filters.Canonical()
	if t.Status == "" {
		t.Status = template.StatusActive
	}
	if t.Version == 0 {
		t.Version = 1
	}

	meta := t.Meta
	meta.CreatedAt = time.Time{} // created_at lives in its own column
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, persistence.WrapErr("create", fmt.Errorf("failed to marshal meta: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO templates (version, side, rsi_bin, macd_bin, kd_bin, vol_bin, status, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING template_id`

	var id int64
	err = r.db.QueryRowxContext(ctx, query,
		t.Version, string(t.Side),
		nullSet(t.Filters.RSI), nullSet(t.Filters.MACD),
		nullSet(t.Filters.KD), nullSet(t.Filters.Vol),
		string(t.Status), metaJSON).Scan(&id)
	if err != nil {
		return 0, persistence.WrapErr("create", err)
	}
	return id, nil
}

const templateColumns = `template_id, version, side, rsi_bin, macd_bin, kd_bin, vol_bin, status, meta, created_at`

// Get retrieves one template; nil when the id is unknown.
func (r *templateRepo) Get(ctx context.Context, id int64) (*template.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row templateRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+templateColumns+` FROM templates WHERE template_id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, persistence.WrapErr("get", err)
	}
	t, err := row.toTemplate()
	if err != nil {
		return nil, persistence.WrapErr("get", err)
	}
	return &t, nil
}

// ListActive returns ACTIVE templates ordered by id.
func (r *templateRepo) ListActive(ctx context.Context) ([]template.Template, error) {
	return r.list(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE status = 'ACTIVE' ORDER BY template_id`)
}

// ListAll returns every template ordered by id.
func (r *templateRepo) ListAll(ctx context.Context) ([]template.Template, error) {
	return r.list(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY template_id`)
}

func (r *templateRepo) list(ctx context.Context, query string) ([]template.Template, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []templateRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, persistence.WrapErr("list", err)
	}
	out := make([]template.Template, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTemplate()
		if err != nil {
			return nil, persistence.WrapErr("list", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// CountActive returns the ACTIVE population size.
func (r *templateRepo) CountActive(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM templates WHERE status = 'ACTIVE'`)
	if err != nil {
		return 0, persistence.WrapErr("count_active", err)
	}
	return n, nil
}

// StatusCounts returns the population broken down by status.
func (r *templateRepo) StatusCounts(ctx context.Context) (map[template.Status]int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) AS c FROM templates GROUP BY status`)
	if err != nil {
		return nil, persistence.WrapErr("status_counts", err)
	}
	defer rows.Close()

	out := make(map[template.Status]int)
	for rows.Next() {
		var status string
		var c int
		if err := rows.Scan(&status, &c); err != nil {
			return nil, persistence.WrapErr("status_counts", err)
		}
		out[template.Status(status)] = c
	}
	return out, persistence.WrapErr("status_counts", rows.Err())
}

// Freeze flips the template to FROZEN and marks its stats rows frozen in one
// transaction. Idempotent regardless of current state.
func (r *templateRepo) Freeze(ctx context.Context, id int64) error {
	return r.setFrozen(ctx, id, true)
}

// Unfreeze is the symmetric manual reversal of Freeze.
func (r *templateRepo) Unfreeze(ctx context.Context, id int64) error {
	return r.setFrozen(ctx, id, false)
}

func (r *templateRepo) setFrozen(ctx context.Context, id int64, frozen bool) error {
	op := "freeze"
	status := template.StatusFrozen
	if !frozen {
		op = "unfreeze"
		status = template.StatusActive
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistence.WrapErr(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE templates SET status = $1 WHERE template_id = $2`, string(status), id); err != nil {
		return persistence.WrapErr(op, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE template_stats SET is_frozen = $1 WHERE template_id = $2`, frozen, id); err != nil {
		return persistence.WrapErr(op, err)
	}
	return persistence.WrapErr(op, tx.Commit())
}

// AllFingerprints computes the fingerprint of every stored template.
func (r *templateRepo) AllFingerprints(ctx context.Context) (map[string]struct{}, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(all))
	for _, t := range all {
		out[t.Fingerprint()] = struct{}{}
	}
	return out, nil
}
