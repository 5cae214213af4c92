// Package policy implements the per-decision-cycle template selection entry
// point and the trade-outcome feedback path.
package policy

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/autobotq/autobot/internal/bandit"
	"github.com/autobotq/autobot/internal/cache"
	"github.com/autobotq/autobot/internal/config"
	"github.com/autobotq/autobot/internal/metrics"
	"github.com/autobotq/autobot/internal/persistence"
	"github.com/autobotq/autobot/internal/template"
)

// Action is the decision signal consumed by the selector. The signal itself
// (how indicators become LONG/SHORT/HOLD) is produced externally.
type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionHold  Action = "HOLD"
)

// Decision is the selector output. Fallback marks baseline degradation.
type Decision struct {
	TemplateID int64  `json:"template_id"`
	Action     Action `json:"action"`
	Fallback   bool   `json:"fallback,omitempty"`
}

// Selector picks the best matching template for a decision cycle. It never
// fails outward: any store trouble degrades deterministically to a baseline
// id, and an open circuit breaker short-circuits straight to it.
type Selector struct {
	repo    persistence.Repository
	cache   *cache.Cache
	breaker *gobreaker.CircuitBreaker
	engine  config.Engine
	params  bandit.Params
}

// NewSelector builds a selector. cache may be nil.
func NewSelector(repo persistence.Repository, snapCache *cache.Cache, engine config.Engine) *Selector {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "policy-store",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return &Selector{
		repo:    repo,
		cache:   snapCache,
		breaker: breaker,
		engine:  engine,
		params:  engine.BanditParams(),
	}
}

// Select is the decision-cycle entry point. HOLD bypasses matching and books
// the LONG baseline so downstream accounting has a template id; LONG/SHORT
// run bins -> match -> score -> pick with the baseline fallback chain.
func (s *Selector) Select(ctx context.Context, action Action, snap template.Snapshot) Decision {
	metrics.SelectionsTotal.WithLabelValues(string(action)).Inc()

	if action == ActionHold {
		id := s.baselineFor(template.SideLong)
		s.touch(ctx, id, snap.Regime)
		return Decision{TemplateID: id, Action: ActionHold}
	}

	side := template.Side(action)
	if !side.Valid() {
		log.Warn().Str("action", string(action)).Msg("unknown action, treating as HOLD")
		id := s.baselineFor(template.SideLong)
		s.touch(ctx, id, snap.Regime)
		return Decision{TemplateID: id, Action: ActionHold}
	}

	bins := template.FeatureBins(snap)
	pop, err := s.loadPopulation(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("population read failed, degrading to baseline")
		metrics.FallbacksTotal.WithLabelValues("store_error").Inc()
		id := s.baselineFor(side)
		s.touch(ctx, id, snap.Regime)
		return Decision{TemplateID: id, Action: action, Fallback: true}
	}

	matched := template.Match(pop.Templates, bins, side)
	if len(matched) == 0 {
		id := s.fallbackID(side, pop.Templates)
		metrics.FallbacksTotal.WithLabelValues("no_match").Inc()
		s.touch(ctx, id, snap.Regime)
		return Decision{TemplateID: id, Action: action, Fallback: true}
	}

	totalPlays := 0
	for _, summ := range pop.Summaries {
		totalPlays += summ.NTrades
	}
	if totalPlays < 1 {
		totalPlays = 1
	}

	// Strict > keeps the first-seen template on ties, including the +Inf
	// scores of unplayed arms.
	best := matched[0].ID
	bestScore := bandit.Score(pop.Summaries[matched[0].ID], totalPlays, s.params)
	for _, t := range matched[1:] {
		score := bandit.Score(pop.Summaries[t.ID], totalPlays, s.params)
		if score > bestScore {
			best, bestScore = t.ID, score
		}
	}

	s.touch(ctx, best, snap.Regime)
	return Decision{TemplateID: best, Action: action}
}

// RecordOutcome is the trade-close feedback entry point.
func (s *Selector) RecordOutcome(ctx context.Context, templateID int64, regime int, reward float64) error {
	if err := s.repo.Performance.RecordOutcome(ctx, templateID, regime, reward); err != nil {
		return err
	}
	metrics.OutcomesTotal.Inc()
	return nil
}

// loadPopulation reads active templates and summaries, through the snapshot
// cache when one is configured and through the circuit breaker otherwise.
func (s *Selector) loadPopulation(ctx context.Context) (*cache.Snapshot, error) {
	if snap := s.cache.Get(ctx); snap != nil {
		metrics.CacheHits.Inc()
		return snap, nil
	}
	metrics.CacheMisses.Inc()

	result, err := s.breaker.Execute(func() (interface{}, error) {
		templates, err := s.repo.Templates.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		summaries, err := s.repo.Performance.Summaries(ctx, true)
		if err != nil {
			return nil, err
		}
		return &cache.Snapshot{Templates: templates, Summaries: summaries}, nil
	})
	if err != nil {
		return nil, err
	}
	snap := result.(*cache.Snapshot)
	s.cache.Set(ctx, *snap)
	return snap, nil
}

// fallbackID walks the degradation chain: configured baseline for the side,
// then the first ACTIVE template of that side, then the hard default id.
func (s *Selector) fallbackID(side template.Side, actives []template.Template) int64 {
	if id := s.baselineFor(side); id > 0 {
		return id
	}
	for _, t := range actives {
		if t.Side == side {
			return t.ID
		}
	}
	return s.engine.DefaultTemplateID
}

func (s *Selector) baselineFor(side template.Side) int64 {
	if side == template.SideShort {
		return s.engine.BaselineShort
	}
	return s.engine.BaselineLong
}

// touch bumps last_used_at at selection time. It is bookkeeping only, so a
// failure is logged and swallowed.
func (s *Selector) touch(ctx context.Context, templateID int64, regime int) {
	if err := s.repo.Performance.Touch(ctx, templateID, regime); err != nil {
		log.Warn().Err(err).Int64("template_id", templateID).Msg("touch failed")
	}
}
