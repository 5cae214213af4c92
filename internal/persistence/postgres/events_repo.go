package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/autobotq/autobot/internal/persistence"
)

// eventsRepo implements the append-only EventLog for PostgreSQL.
type eventsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEventsRepo creates a PostgreSQL evolution event log.
func NewEventsRepo(db *sqlx.DB, timeout time.Duration) persistence.EventLog {
	return &eventsRepo{db: db, timeout: timeout}
}

// Append writes one audit event. Events are never updated or deleted.
func (r *eventsRepo) Append(ctx context.Context, e persistence.EvolutionEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO evolution_events (ts, run_id, action, source_template_ids, new_template_id, notes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ts, e.RunID, string(e.Action), pq.Array(e.SourceTemplateIDs), e.NewTemplateID, e.Notes)
	return persistence.WrapErr("event_append", err)
}

// Recent returns the newest events, newest first.
func (r *eventsRepo) Recent(ctx context.Context, limit int) ([]persistence.EvolutionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT event_id, ts, run_id, action, source_template_ids, new_template_id, notes
		FROM evolution_events
		ORDER BY event_id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, persistence.WrapErr("event_recent", err)
	}
	defer rows.Close()

	var out []persistence.EvolutionEvent
	for rows.Next() {
		var e persistence.EvolutionEvent
		var sources pq.Int64Array
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.RunID, &e.Action,
			&sources, &e.NewTemplateID, &e.Notes); err != nil {
			return nil, persistence.WrapErr("event_recent", err)
		}
		e.SourceTemplateIDs = []int64(sources)
		out = append(out, e)
	}
	return out, persistence.WrapErr("event_recent", rows.Err())
}

// CountsByAction returns event counts per action since the cutoff.
func (r *eventsRepo) CountsByAction(ctx context.Context, since time.Time) (map[persistence.Action]int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT action, COUNT(*) AS c
		FROM evolution_events
		WHERE ts >= $1
		GROUP BY action`, since)
	if err != nil {
		return nil, persistence.WrapErr("event_counts", err)
	}
	defer rows.Close()

	out := make(map[persistence.Action]int)
	for rows.Next() {
		var action string
		var c int
		if err := rows.Scan(&action, &c); err != nil {
			return nil, persistence.WrapErr("event_counts", err)
		}
		out[persistence.Action(action)] = c
	}
	return out, persistence.WrapErr("event_counts", rows.Err())
}
