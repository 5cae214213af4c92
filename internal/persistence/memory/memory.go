// Package memory provides a mutex-guarded in-memory implementation of the
// persistence interfaces, used by tests and the dev store mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/autobotq/autobot/internal/bandit"
	"github.com/autobotq/autobot/internal/persistence"
	"github.com/autobotq/autobot/internal/template"
)

type statsKey struct {
	templateID int64
	regime     int
}

// Store implements TemplateStore, PerformanceStore, and EventLog in memory.
// All mutations happen under one lock, so every write is atomic.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	templates map[int64]template.Template
	stats     map[statsKey]persistence.PerformanceRow
	events    []persistence.EvolutionEvent
	now       func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		nextID:    1,
		templates: make(map[int64]template.Template),
		stats:     make(map[statsKey]persistence.PerformanceRow),
		now:       time.Now,
	}
}

// SetClock overrides the store clock, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Repository bundles the store behind the aggregate repository type.
func (s *Store) Repository() persistence.Repository {
	return persistence.Repository{
		Templates:   s,
		Performance: s,
		Events:      s,
		Ping:        func(context.Context) error { return nil },
	}
}

func (s *Store) Create(_ context.Context, t template.Template) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, persistence.WrapErr("create", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t.ID = s.nextID
	s.nextID++
	t.Filters = t.Filters.Canonical()
	if t.Status == "" {
		t.Status = template.StatusActive
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.Meta.CreatedAt.IsZero() {
		t.Meta.CreatedAt = s.now()
	}
	s.templates[t.ID] = t
	return t.ID, nil
}

func (s *Store) Get(_ context.Context, id int64) (*template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) ListActive(ctx context.Context) ([]template.Template, error) {
	return s.list(func(t template.Template) bool { return t.Status == template.StatusActive })
}

func (s *Store) ListAll(ctx context.Context) ([]template.Template, error) {
	return s.list(func(template.Template) bool { return true })
}

func (s *Store) list(keep func(template.Template) bool) ([]template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []template.Template
	for _, t := range s.templates {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.templates {
		if t.Status == template.StatusActive {
			n++
		}
	}
	return n, nil
}

func (s *Store) StatusCounts(_ context.Context) (map[template.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[template.Status]int)
	for _, t := range s.templates {
		out[t.Status]++
	}
	return out, nil
}

func (s *Store) Freeze(_ context.Context, id int64) error {
	return s.setFrozen(id, true)
}

func (s *Store) Unfreeze(_ context.Context, id int64) error {
	return s.setFrozen(id, false)
}

func (s *Store) setFrozen(id int64, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil // idempotent, unknown ids included
	}
	if frozen {
		t.Status = template.StatusFrozen
	} else {
		t.Status = template.StatusActive
	}
	s.templates[id] = t
	for k, row := range s.stats {
		if k.templateID == id {
			row.IsFrozen = frozen
			s.stats[k] = row
		}
	}
	return nil
}

func (s *Store) AllFingerprints(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.templates))
	for _, t := range s.templates {
		out[t.Fingerprint()] = struct{}{}
	}
	return out, nil
}

// RecordOutcome applies one Welford update under the store lock.
func (s *Store) RecordOutcome(_ context.Context, templateID int64, regime int, reward float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := statsKey{templateID, regime}
	row, ok := s.stats[k]
	if !ok {
		s.stats[k] = persistence.PerformanceRow{
			TemplateID: templateID,
			Regime:     regime,
			NTrades:    1,
			RewardMean: reward,
			RewardM2:   0,
			LastUsedAt: s.now(),
		}
		return nil
	}

	n := row.NTrades + 1
	delta := reward - row.RewardMean
	mean := row.RewardMean + delta/float64(n)
	row.NTrades = n
	row.RewardM2 += delta * (reward - mean)
	row.RewardMean = mean
	row.LastUsedAt = s.now()
	s.stats[k] = row
	return nil
}

func (s *Store) Touch(_ context.Context, templateID int64, regime int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := statsKey{templateID, regime}
	row, ok := s.stats[k]
	if !ok {
		return nil // rows are created by RecordOutcome only
	}
	row.LastUsedAt = s.now()
	s.stats[k] = row
	return nil
}

func (s *Store) Rows(_ context.Context, templateID int64) ([]persistence.PerformanceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.PerformanceRow
	for k, row := range s.stats {
		if k.templateID == templateID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Regime < out[j].Regime })
	return out, nil
}

func (s *Store) Summaries(_ context.Context, activeOnly bool) (map[int64]bandit.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byTemplate := make(map[int64][]persistence.PerformanceRow)
	for _, row := range s.stats {
		if activeOnly {
			t, ok := s.templates[row.TemplateID]
			if !ok || t.Status != template.StatusActive {
				continue
			}
		}
		byTemplate[row.TemplateID] = append(byTemplate[row.TemplateID], row)
	}
	out := make(map[int64]bandit.Summary, len(byTemplate))
	for id, rows := range byTemplate {
		out[id] = persistence.Summarize(rows)
	}
	return out, nil
}

func (s *Store) Append(_ context.Context, e persistence.EvolutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.events) + 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.events = append(s.events, e)
	return nil
}

func (s *Store) Recent(_ context.Context, limit int) ([]persistence.EvolutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.EvolutionEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *Store) CountsByAction(_ context.Context, since time.Time) (map[persistence.Action]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[persistence.Action]int)
	for _, e := range s.events {
		if e.Timestamp.Before(since) {
			continue
		}
		out[e.Action]++
	}
	return out, nil
}
