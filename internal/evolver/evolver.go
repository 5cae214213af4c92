// Package evolver orchestrates scheduled population maintenance: the daily
// freeze-and-mutate cycle and the weekly crossover-and-cleanup cycle. Cycles
// are invoked externally (cron or the ops API); the external scheduler
// guarantees at most one instance of each runs at a time, and a killed cycle
// leaves the store valid because every freeze and spawn commits on its own.
package evolver

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/autobotq/autobot/internal/bandit"
	"github.com/autobotq/autobot/internal/cache"
	"github.com/autobotq/autobot/internal/config"
	"github.com/autobotq/autobot/internal/metrics"
	"github.com/autobotq/autobot/internal/persistence"
	"github.com/autobotq/autobot/internal/template"
)

// Evolver runs the evolution cycles against the shared store. The random
// source is injected so cycles replay deterministically under test.
type Evolver struct {
	repo   persistence.Repository
	cache  *cache.Cache
	engine config.Engine
	params bandit.Params
	rng    *rand.Rand
	now    func() time.Time
}

// New builds an evolver. snapCache may be nil; rng nil seeds from wall time.
func New(repo persistence.Repository, snapCache *cache.Cache, engine config.Engine, rng *rand.Rand) *Evolver {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Evolver{
		repo:   repo,
		cache:  snapCache,
		engine: engine,
		params: engine.BanditParams(),
		rng:    rng,
		now:    time.Now,
	}
}

// SetClock overrides the evolver clock, for tests.
func (e *Evolver) SetClock(now func() time.Time) { e.now = now }

// DailyResult reports one daily cycle.
type DailyResult struct {
	ActiveBefore int `json:"active_before"`
	Froze        int `json:"froze"`
	Spawned      int `json:"spawned"`
	ActiveAfter  int `json:"active_after"`
}

// WeeklyResult reports one weekly cycle.
type WeeklyResult struct {
	Crossed       int `json:"crossed"`
	Mutated       int `json:"mutated"`
	FrozenCleanup int `json:"frozen_cleanup"`
	ActiveAfter   int `json:"active_after"`
}

// RunDaily freezes underperformers, ranks survivors, and refills the
// population by mutation up to the target size.
func (e *Evolver) RunDaily(ctx context.Context) (DailyResult, error) {
	start := e.now()
	runID := uuid.NewString()
	defer func() {
		metrics.CycleDuration.WithLabelValues("daily").Observe(e.now().Sub(start).Seconds())
		e.cache.Invalidate(ctx)
	}()

	actives, err := e.repo.Templates.ListActive(ctx)
	if err != nil {
		return DailyResult{}, err
	}
	summaries, err := e.repo.Performance.Summaries(ctx, true)
	if err != nil {
		return DailyResult{}, err
	}
	activesPre := actives
	result := DailyResult{ActiveBefore: len(actives)}

	result.Froze, err = e.freezeUnderperformers(ctx, runID, actives, summaries)
	if err != nil {
		return result, err
	}

	actives, err = e.repo.Templates.ListActive(ctx)
	if err != nil {
		return result, err
	}
	activeCount := len(actives)

	parents := e.rankParents(actives, summaries)
	// Freezing may have emptied the pool; fall back to the pre-freeze set so
	// new children can still derive from just-frozen parents.
	if len(parents) == 0 && len(activesPre) > 0 {
		parents = e.rankParents(activesPre, summaries)
	}

	seeded := false
	if len(parents) == 0 {
		if err := e.seedBaselines(ctx); err != nil {
			// Next scheduled cycle retries; proceed with zero parents.
			log.Error().Err(err).Str("run_id", runID).Msg("baseline seeding failed")
		} else {
			seeded = true
			if actives, err = e.repo.Templates.ListActive(ctx); err != nil {
				return result, err
			}
			parents = e.rankParents(actives, summaries)
		}
	}

	// Fresh baselines carry no performance signal worth mutating; give them a
	// cycle to accumulate trades before spawning from them.
	if !seeded {
		deficit := e.engine.TargetPopulation - activeCount
		if deficit < 0 {
			deficit = 0
		}
		result.Spawned, err = e.spawnMutants(ctx, runID, parents, deficit)
		if err != nil {
			return result, err
		}
	}

	result.ActiveAfter, err = e.repo.Templates.CountActive(ctx)
	if err != nil {
		return result, err
	}
	metrics.ActivePopulation.Set(float64(result.ActiveAfter))

	log.Info().Str("run_id", runID).
		Int("active_before", result.ActiveBefore).
		Int("froze", result.Froze).
		Int("spawned", result.Spawned).
		Int("active_after", result.ActiveAfter).
		Msg("daily evolution cycle done")
	return result, nil
}

// RunWeekly fills the deficit crossover-first, tops up by mutation, then
// freezes the lowest-ranked surplus back down to the target population.
func (e *Evolver) RunWeekly(ctx context.Context) (WeeklyResult, error) {
	start := e.now()
	runID := uuid.NewString()
	defer func() {
		metrics.CycleDuration.WithLabelValues("weekly").Observe(e.now().Sub(start).Seconds())
		e.cache.Invalidate(ctx)
	}()

	actives, err := e.repo.Templates.ListActive(ctx)
	if err != nil {
		return WeeklyResult{}, err
	}
	summaries, err := e.repo.Performance.Summaries(ctx, true)
	if err != nil {
		return WeeklyResult{}, err
	}

	var result WeeklyResult
	parents := e.rankParents(actives, summaries)

	need := e.engine.TargetPopulation - len(actives)
	if need < 0 {
		need = 0
	}
	result.Crossed, err = e.spawnCrossed(ctx, runID, parents, need)
	if err != nil {
		return result, err
	}

	count, err := e.repo.Templates.CountActive(ctx)
	if err != nil {
		return result, err
	}
	if still := e.engine.TargetPopulation - count; still > 0 {
		result.Mutated, err = e.spawnMutants(ctx, runID, parents, still)
		if err != nil {
			return result, err
		}
	}

	actives, err = e.repo.Templates.ListActive(ctx)
	if err != nil {
		return result, err
	}
	result.FrozenCleanup, err = e.cleanup(ctx, runID, actives, summaries)
	if err != nil {
		return result, err
	}

	result.ActiveAfter, err = e.repo.Templates.CountActive(ctx)
	if err != nil {
		return result, err
	}
	metrics.ActivePopulation.Set(float64(result.ActiveAfter))

	log.Info().Str("run_id", runID).
		Int("crossed", result.Crossed).
		Int("mutated", result.Mutated).
		Int("frozen_cleanup", result.FrozenCleanup).
		Int("active_after", result.ActiveAfter).
		Msg("weekly evolution cycle done")
	return result, nil
}

// freezeUnderperformers applies the three-gate freeze rule to every active,
// sufficiently observed, non-locked template.
func (e *Evolver) freezeUnderperformers(ctx context.Context, runID string,
	actives []template.Template, summaries map[int64]bandit.Summary) (int, error) {

	now := e.now()
	frozen := 0
	for _, t := range actives {
		if t.Meta.Locked {
			continue
		}
		summ := summaries[t.ID]
		if summ.NTrades < e.engine.MinObservations {
			continue
		}
		if !bandit.ShouldFreeze(summ, e.params, now) {
			continue
		}
		if err := e.repo.Templates.Freeze(ctx, t.ID); err != nil {
			return frozen, err
		}
		frozen++
		metrics.FrozenTotal.WithLabelValues("daily").Inc()
		log.Info().Str("run_id", runID).Int64("template_id", t.ID).
			Int("n", summ.NTrades).Float64("mean", summ.RewardMean).
			Msg("froze underperforming template")
		e.appendEvent(ctx, persistence.EvolutionEvent{
			RunID:             runID,
			Action:            persistence.ActionFreeze,
			SourceTemplateIDs: []int64{t.ID},
			Notes: fmt.Sprintf("auto-freeze; n=%d mean=%.6f var=%.6f",
				summ.NTrades, summ.RewardMean, summ.Variance),
		})
	}
	return frozen, nil
}

// rankParents scores the given templates, orders them best-first, and returns
// the top non-blacklisted candidates.
func (e *Evolver) rankParents(candidates []template.Template, summaries map[int64]bandit.Summary) []template.Template {
	ranked := e.rank(candidates, summaries)
	var parents []template.Template
	for _, t := range ranked {
		if t.Meta.Blacklisted {
			continue
		}
		parents = append(parents, t)
		if len(parents) == e.engine.TopParents {
			break
		}
	}
	return parents
}

// rank orders templates by bandit score descending, stable on ties so lower
// ids keep their first-seen priority.
func (e *Evolver) rank(candidates []template.Template, summaries map[int64]bandit.Summary) []template.Template {
	totalPlays := 0
	for _, s := range summaries {
		totalPlays += s.NTrades
	}
	if totalPlays < 1 {
		totalPlays = 1
	}
	type scored struct {
		t     template.Template
		score float64
	}
	ranked := make([]scored, len(candidates))
	for i, t := range candidates {
		ranked[i] = scored{t: t, score: bandit.Score(summaries[t.ID], totalPlays, e.params)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	out := make([]template.Template, len(ranked))
	for i, s := range ranked {
		out[i] = s.t
	}
	return out
}

// seedBaselines bootstraps an empty pool with one all-wildcard template per
// side.
func (e *Evolver) seedBaselines(ctx context.Context) error {
	seeds := []template.Template{
		{Version: 1, Side: template.SideLong, Status: template.StatusActive,
			Meta: template.Metadata{Note: "auto-baseline long"}},
		{Version: 1, Side: template.SideShort, Status: template.StatusActive,
			Meta: template.Metadata{Note: "auto-baseline short"}},
	}
	for _, seed := range seeds {
		id, err := e.repo.Templates.Create(ctx, seed)
		if err != nil {
			return err
		}
		log.Info().Int64("template_id", id).Str("side", string(seed.Side)).
			Msg("seeded baseline template")
	}
	return nil
}

// spawnMutants fills up to need children by mutation, cycling through parents
// with a per-parent success quota. Children whose fingerprint collides with
// an existing template are skipped; the attempt cap (need x 10) bounds the
// loop when the pool cannot produce enough unique children. The fingerprint
// set is fetched once per batch and never reused across cycles.
func (e *Evolver) spawnMutants(ctx context.Context, runID string,
	parents []template.Template, need int) (int, error) {

	if need <= 0 || len(parents) == 0 {
		return 0, nil
	}
	fps, err := e.repo.Templates.AllFingerprints(ctx)
	if err != nil {
		return 0, err
	}

	created, attempts := 0, 0
	maxAttempts := need * 10
	quota := make(map[int64]int, len(parents))

	for created < need && attempts < maxAttempts {
		progressed := false
		for _, p := range parents {
			if created >= need || attempts >= maxAttempts {
				break
			}
			if quota[p.ID] >= e.engine.MutantsPerParent {
				continue
			}
			attempts++
			progressed = true

			child := e.mutate(p)
			fp := child.Fingerprint()
			if _, dup := fps[fp]; dup {
				continue
			}
			child.Version = p.Version + 1
			child.Meta = template.Metadata{
				Note:      fmt.Sprintf("mutant from %d", p.ID),
				ParentIDs: []int64{p.ID},
			}
			id, err := e.repo.Templates.Create(ctx, child)
			if err != nil {
				// One failed write costs an attempt, not the cycle.
				log.Warn().Err(err).Str("run_id", runID).Int64("parent", p.ID).
					Msg("mutant spawn failed")
				continue
			}
			fps[fp] = struct{}{}
			created++
			quota[p.ID]++
			metrics.SpawnedTotal.WithLabelValues(string(persistence.ActionMutate)).Inc()
			log.Info().Str("run_id", runID).Int64("template_id", id).
				Int64("parent", p.ID).Str("fingerprint", fp).Msg("spawned mutant")
			e.appendEvent(ctx, persistence.EvolutionEvent{
				RunID:             runID,
				Action:            persistence.ActionMutate,
				SourceTemplateIDs: []int64{p.ID},
				NewTemplateID:     &id,
				Notes:             "fingerprint=" + fp,
			})
		}
		if !progressed {
			break
		}
	}
	return created, nil
}

// spawnCrossed fills up to need children by crossover over all parent pairs
// (i<j), one attempt per pair, under the same dedup and attempt-cap rules.
func (e *Evolver) spawnCrossed(ctx context.Context, runID string,
	parents []template.Template, need int) (int, error) {

	if need <= 0 || len(parents) < 2 {
		return 0, nil
	}
	fps, err := e.repo.Templates.AllFingerprints(ctx)
	if err != nil {
		return 0, err
	}

	created, attempts := 0, 0
	maxAttempts := need * 10

	for i := 0; i < len(parents); i++ {
		for j := i + 1; j < len(parents); j++ {
			if created >= need || attempts >= maxAttempts {
				return created, nil
			}
			attempts++

			pa, pb := parents[i], parents[j]
			child := e.crossover(pa, pb)
			fp := child.Fingerprint()
			if _, dup := fps[fp]; dup {
				continue
			}
			child.Version = maxInt(pa.Version, pb.Version) + 1
			child.Meta = template.Metadata{
				Note:      fmt.Sprintf("cross from %d & %d", pa.ID, pb.ID),
				ParentIDs: []int64{pa.ID, pb.ID},
			}
			id, err := e.repo.Templates.Create(ctx, child)
			if err != nil {
				log.Warn().Err(err).Str("run_id", runID).
					Int64("parent_a", pa.ID).Int64("parent_b", pb.ID).
					Msg("crossover spawn failed")
				continue
			}
			fps[fp] = struct{}{}
			created++
			metrics.SpawnedTotal.WithLabelValues(string(persistence.ActionCross)).Inc()
			log.Info().Str("run_id", runID).Int64("template_id", id).
				Int64("parent_a", pa.ID).Int64("parent_b", pb.ID).
				Str("fingerprint", fp).Msg("spawned crossover child")
			e.appendEvent(ctx, persistence.EvolutionEvent{
				RunID:             runID,
				Action:            persistence.ActionCross,
				SourceTemplateIDs: []int64{pa.ID, pb.ID},
				NewTemplateID:     &id,
				Notes:             "fingerprint=" + fp,
			})
		}
	}
	return created, nil
}

// cleanup freezes the lowest-scoring non-locked, sufficiently observed
// templates until the active population is back at the target.
func (e *Evolver) cleanup(ctx context.Context, runID string,
	actives []template.Template, summaries map[int64]bandit.Summary) (int, error) {

	surplus := len(actives) - e.engine.TargetPopulation
	if surplus <= 0 {
		return 0, nil
	}

	ranked := e.rank(actives, summaries)
	var victims []template.Template
	for i := len(ranked) - 1; i >= 0 && len(victims) < surplus; i-- {
		t := ranked[i]
		if t.Meta.Locked {
			continue
		}
		if summaries[t.ID].NTrades < e.engine.MinObservations {
			continue
		}
		victims = append(victims, t)
	}

	for _, t := range victims {
		if err := e.repo.Templates.Freeze(ctx, t.ID); err != nil {
			return 0, err
		}
		summ := summaries[t.ID]
		metrics.FrozenTotal.WithLabelValues("weekly-cleanup").Inc()
		log.Info().Str("run_id", runID).Int64("template_id", t.ID).Msg("cleanup freeze")
		e.appendEvent(ctx, persistence.EvolutionEvent{
			RunID:             runID,
			Action:            persistence.ActionFreeze,
			SourceTemplateIDs: []int64{t.ID},
			Notes: fmt.Sprintf("weekly-cleanup; n=%d mean=%.6f var=%.6f",
				summ.NTrades, summ.RewardMean, summ.Variance),
		})
	}
	return len(victims), nil
}

// appendEvent writes an audit record; the trail is advisory, so failures are
// logged rather than aborting the cycle that already committed its change.
func (e *Evolver) appendEvent(ctx context.Context, ev persistence.EvolutionEvent) {
	ev.Timestamp = e.now()
	if err := e.repo.Events.Append(ctx, ev); err != nil {
		log.Warn().Err(err).Str("action", string(ev.Action)).Msg("evolution event append failed")
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
