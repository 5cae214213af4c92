package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobotq/autobot/internal/config"
	"github.com/autobotq/autobot/internal/persistence"
	"github.com/autobotq/autobot/internal/persistence/memory"
	"github.com/autobotq/autobot/internal/template"
)

// neutralSnapshot bins to RSI=M, MACD=P, KD=P, Vol=M.
func neutralSnapshot() template.Snapshot {
	return template.Snapshot{RSI: 50, KDDiff: 0.5, VolRatio: 1.0, Regime: 0}
}

func newTestSelector(t *testing.T) (*Selector, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewSelector(store.Repository(), nil, config.Default().Engine), store
}

func TestSelect_HoldBooksLongBaseline(t *testing.T) {
	s, _ := newTestSelector(t)

	d := s.Select(context.Background(), ActionHold, neutralSnapshot())
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, int64(1), d.TemplateID)
	assert.False(t, d.Fallback)
}

func TestSelect_UnknownActionTreatedAsHold(t *testing.T) {
	s, _ := newTestSelector(t)

	d := s.Select(context.Background(), Action("SIDEWAYS"), neutralSnapshot())
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, int64(1), d.TemplateID)
}

func TestSelect_PicksHighestScore(t *testing.T) {
	s, store := newTestSelector(t)
	ctx := context.Background()

	winner, err := store.Create(ctx, template.Template{Side: template.SideLong})
	require.NoError(t, err)
	loser, err := store.Create(ctx, template.Template{Side: template.SideLong, Filters: template.Filters{RSI: template.FilterSet{"M"}}})
	require.NoError(t, err)

	// Both well explored; the mean separates them.
	for i := 0; i < 50; i++ {
		require.NoError(t, store.RecordOutcome(ctx, winner, 0, 1.0))
		require.NoError(t, store.RecordOutcome(ctx, loser, 0, -1.0))
	}

	d := s.Select(ctx, ActionLong, neutralSnapshot())
	assert.Equal(t, winner, d.TemplateID)
	assert.Equal(t, ActionLong, d.Action)
	assert.False(t, d.Fallback)
}

func TestSelect_UnplayedArmWinsOverStrongArm(t *testing.T) {
	s, store := newTestSelector(t)
	ctx := context.Background()

	veteran, _ := store.Create(ctx, template.Template{Side: template.SideLong})
	rookie, _ := store.Create(ctx, template.Template{Side: template.SideLong, Filters: template.Filters{Vol: template.FilterSet{"M"}}})
	for i := 0; i < 200; i++ {
		require.NoError(t, store.RecordOutcome(ctx, veteran, 0, 2.0))
	}

	d := s.Select(ctx, ActionLong, neutralSnapshot())
	assert.Equal(t, rookie, d.TemplateID)
}

func TestSelect_TieKeepsFirstSeen(t *testing.T) {
	s, store := newTestSelector(t)
	ctx := context.Background()

	first, _ := store.Create(ctx, template.Template{Side: template.SideShort})
	store.Create(ctx, template.Template{Side: template.SideShort, Filters: template.Filters{KD: template.FilterSet{"P"}}})

	// Both unplayed, both score +Inf; the earlier id wins.
	d := s.Select(ctx, ActionShort, neutralSnapshot())
	assert.Equal(t, first, d.TemplateID)
}

func TestSelect_SideFiltering(t *testing.T) {
	s, store := newTestSelector(t)
	ctx := context.Background()

	store.Create(ctx, template.Template{Side: template.SideLong})
	short, _ := store.Create(ctx, template.Template{Side: template.SideShort})

	d := s.Select(ctx, ActionShort, neutralSnapshot())
	assert.Equal(t, short, d.TemplateID)
	assert.False(t, d.Fallback)
}

func TestSelect_NoMatchFallsBackToBaseline(t *testing.T) {
	s, store := newTestSelector(t)
	ctx := context.Background()

	// Only template demands RSI=H; the snapshot bins to M.
	store.Create(ctx, template.Template{Side: template.SideLong, Filters: template.Filters{RSI: template.FilterSet{"H"}}})

	d := s.Select(ctx, ActionLong, neutralSnapshot())
	assert.True(t, d.Fallback)
	assert.Equal(t, int64(1), d.TemplateID) // configured baseline_long
	assert.Equal(t, ActionLong, d.Action)
}

func TestSelect_FallbackChainUsesFirstActiveOfSide(t *testing.T) {
	store := memory.NewStore()
	engine := config.Default().Engine
	engine.BaselineLong = 0 // no configured baseline
	s := NewSelector(store.Repository(), nil, engine)
	ctx := context.Background()

	store.Create(ctx, template.Template{Side: template.SideShort})
	narrow, _ := store.Create(ctx, template.Template{Side: template.SideLong, Filters: template.Filters{RSI: template.FilterSet{"H"}}})

	d := s.Select(ctx, ActionLong, neutralSnapshot())
	assert.True(t, d.Fallback)
	assert.Equal(t, narrow, d.TemplateID)
}

func TestSelect_FallbackChainBottomsOutAtDefault(t *testing.T) {
	store := memory.NewStore()
	engine := config.Default().Engine
	engine.BaselineLong = 0
	engine.DefaultTemplateID = 17
	s := NewSelector(store.Repository(), nil, engine)

	d := s.Select(context.Background(), ActionLong, neutralSnapshot())
	assert.True(t, d.Fallback)
	assert.Equal(t, int64(17), d.TemplateID)
}

type failingTemplates struct {
	persistence.TemplateStore
}

func (failingTemplates) ListActive(context.Context) ([]template.Template, error) {
	return nil, errors.New("db down")
}

func TestSelect_StoreErrorDegradesToBaseline(t *testing.T) {
	store := memory.NewStore()
	repo := store.Repository()
	repo.Templates = failingTemplates{TemplateStore: store}
	s := NewSelector(repo, nil, config.Default().Engine)

	d := s.Select(context.Background(), ActionShort, neutralSnapshot())
	assert.True(t, d.Fallback)
	assert.Equal(t, ActionShort, d.Action)
	assert.Equal(t, int64(2), d.TemplateID) // configured baseline_short
}

func TestRecordOutcome(t *testing.T) {
	s, store := newTestSelector(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, template.Template{Side: template.SideLong})
	require.NoError(t, s.RecordOutcome(ctx, id, 2, 0.8))

	rows, err := store.Rows(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Regime)
	assert.Equal(t, 1, rows[0].NTrades)
	assert.InDelta(t, 0.8, rows[0].RewardMean, 1e-9)
}

func TestSelect_TouchBookkeeping(t *testing.T) {
	s, store := newTestSelector(t)
	ctx := context.Background()

	id, _ := store.Create(ctx, template.Template{Side: template.SideLong})
	require.NoError(t, store.RecordOutcome(ctx, id, 0, 1.0))
	before, _ := store.Rows(ctx, id)

	d := s.Select(ctx, ActionLong, neutralSnapshot())
	require.Equal(t, id, d.TemplateID)

	after, _ := store.Rows(ctx, id)
	assert.False(t, after[0].LastUsedAt.Before(before[0].LastUsedAt))
	assert.Equal(t, before[0].NTrades, after[0].NTrades)
}
