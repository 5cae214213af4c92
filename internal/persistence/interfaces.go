// Package persistence defines the value types and repository interfaces the
// policy and evolver cores run against. Implementations live in the postgres
// and memory subpackages; the core never touches raw rows.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/autobotq/autobot/internal/bandit"
	"github.com/autobotq/autobot/internal/template"
)

// PerformanceRow is one (template, regime) online-statistics row. RewardM2 is
// Welford's sum of squared deviations, not the variance; divide by NTrades for
// the per-regime variance.
type PerformanceRow struct {
	TemplateID int64     `json:"template_id" db:"template_id"`
	Regime     int       `json:"regime" db:"regime"`
	NTrades    int       `json:"n_trades" db:"n_trades"`
	RewardMean float64   `json:"reward_mean" db:"reward_mean"`
	RewardM2   float64   `json:"reward_m2" db:"reward_m2"`
	LastUsedAt time.Time `json:"last_used_at" db:"last_used_at"`
	IsFrozen   bool      `json:"is_frozen" db:"is_frozen"`
}

// Summarize aggregates a template's rows across regimes: total n, n-weighted
// mean, and sum-of-M2 over total n as the variance. Summing M2 across regimes
// with different means is not the exact pooled variance; the freeze and score
// thresholds are tuned against this quantity, so it stays as is.
func Summarize(rows []PerformanceRow) bandit.Summary {
	var s bandit.Summary
	var weighted float64
	var m2 float64
	for _, r := range rows {
		s.NTrades += r.NTrades
		weighted += r.RewardMean * float64(r.NTrades)
		m2 += r.RewardM2
		if r.LastUsedAt.After(s.LastUsedAt) {
			s.LastUsedAt = r.LastUsedAt
		}
		if r.IsFrozen {
			s.IsFrozen = true
		}
	}
	if s.NTrades > 0 {
		s.RewardMean = weighted / float64(s.NTrades)
		s.Variance = m2 / float64(s.NTrades)
	}
	return s
}

// Action is the kind of an evolution audit event.
type Action string

const (
	ActionMutate   Action = "MUTATE"
	ActionCross    Action = "CROSS"
	ActionFreeze   Action = "FREEZE"
	ActionUnfreeze Action = "UNFREEZE"
)

// EvolutionEvent is an append-only audit record of a population change.
// Events are never mutated or deleted.
type EvolutionEvent struct {
	ID                int64     `json:"event_id" db:"event_id"`
	Timestamp         time.Time `json:"ts" db:"ts"`
	RunID             string    `json:"run_id" db:"run_id"`
	Action            Action    `json:"action" db:"action"`
	SourceTemplateIDs []int64   `json:"source_template_ids"`
	NewTemplateID     *int64    `json:"new_template_id,omitempty" db:"new_template_id"`
	Notes             string    `json:"notes" db:"notes"`
}

// TemplateStore provides template CRUD and the fingerprint index. Fingerprint
// uniqueness is checked by callers before insertion, not enforced here.
type TemplateStore interface {
	// Create validates and inserts a template, returning its assigned id.
	Create(ctx context.Context, t template.Template) (int64, error)

	// Get retrieves one template; nil when the id is unknown.
	Get(ctx context.Context, id int64) (*template.Template, error)

	// ListActive returns ACTIVE templates ordered by id.
	ListActive(ctx context.Context) ([]template.Template, error)

	// ListAll returns every template regardless of status, ordered by id.
	ListAll(ctx context.Context) ([]template.Template, error)

	// CountActive returns the ACTIVE population size.
	CountActive(ctx context.Context) (int, error)

	// StatusCounts returns the population broken down by status.
	StatusCounts(ctx context.Context) (map[template.Status]int, error)

	// Freeze sets status FROZEN and marks all the template's performance rows
	// frozen. Idempotent.
	Freeze(ctx context.Context, id int64) error

	// Unfreeze is the symmetric manual reversal of Freeze. Idempotent.
	Unfreeze(ctx context.Context, id int64) error

	// AllFingerprints returns the fingerprint of every template, any status.
	// Callers cache the result for a single spawn batch only.
	AllFingerprints(ctx context.Context) (map[string]struct{}, error)
}

// PerformanceStore accumulates per-(template, regime) statistics online.
type PerformanceStore interface {
	// RecordOutcome applies one Welford update as a single conditional
	// upsert; concurrent outcomes for the same key must not lose updates.
	// The first outcome for a key creates its row.
	RecordOutcome(ctx context.Context, templateID int64, regime int, reward float64) error

	// Touch bumps last_used_at only, at selection time. It never creates
	// rows; rows exist only once an outcome has been recorded.
	Touch(ctx context.Context, templateID int64, regime int) error

	// Rows returns the per-regime rows of one template.
	Rows(ctx context.Context, templateID int64) ([]PerformanceRow, error)

	// Summaries returns the cross-regime aggregate per template, optionally
	// restricted to ACTIVE templates.
	Summaries(ctx context.Context, activeOnly bool) (map[int64]bandit.Summary, error)
}

// EventLog is the append-only evolution audit trail.
type EventLog interface {
	Append(ctx context.Context, e EvolutionEvent) error

	// Recent returns the newest events, newest first.
	Recent(ctx context.Context, limit int) ([]EvolutionEvent, error)

	// CountsByAction returns event counts per action since the cutoff.
	CountsByAction(ctx context.Context, since time.Time) (map[Action]int, error)
}

// Repository aggregates all persistence interfaces plus a health probe.
type Repository struct {
	Templates   TemplateStore
	Performance PerformanceStore
	Events      EventLog
	Ping        func(ctx context.Context) error
}

// StoreError wraps a persistence failure with the operation that produced it.
// Cycles abort on it; each mutation is individually atomic, so no multi-step
// rollback is needed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapErr builds a StoreError unless err is nil.
func WrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
