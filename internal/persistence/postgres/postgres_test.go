package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobotq/autobot/internal/persistence"
	"github.com/autobotq/autobot/internal/template"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestTemplateRepo_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTemplateRepo(db, time.Second)

	mock.ExpectQuery(`INSERT INTO templates`).
		WithArgs(1, "LONG", "L|M", nil, "P", nil, "ACTIVE", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"template_id"}).AddRow(int64(42)))

	id, err := repo.Create(context.Background(), template.Template{
		Side: template.SideLong,
		Filters: template.Filters{
			RSI: template.FilterSet{"M", "L"},
			KD:  template.FilterSet{"P"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepo_CreateRejectsInvalidBeforeSQL(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTemplateRepo(db, time.Second)

	_, err := repo.Create(context.Background(), template.Template{Side: "SIDEWAYS"})
	require.Error(t, err)
	var storeErr *persistence.StoreError
	assert.ErrorAs(t, err, &storeErr)
	assert.NoError(t, mock.ExpectationsWereMet()) // no query ever issued
}

func TestTemplateRepo_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTemplateRepo(db, time.Second)

	created := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"template_id", "version", "side", "rsi_bin", "macd_bin", "kd_bin", "vol_bin",
		"status", "meta", "created_at",
	}).AddRow(int64(7), 2, "SHORT", "H", nil, nil, "H|X", "ACTIVE",
		[]byte(`{"note":"mutant from 3","parent_ids":[3]}`), created)

	mock.ExpectQuery(`SELECT .+ FROM templates WHERE template_id`).
		WithArgs(int64(7)).
		WillReturnRows(rows)

	got, err := repo.Get(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, template.SideShort, got.Side)
	assert.Equal(t, "H", got.Filters.RSI.String())
	assert.True(t, got.Filters.MACD.IsWildcard())
	assert.Equal(t, template.FilterSet{"H", "X"}, got.Filters.Vol)
	assert.Equal(t, "mutant from 3", got.Meta.Note)
	assert.Equal(t, []int64{3}, got.Meta.ParentIDs)
	assert.Equal(t, created, got.Meta.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepo_GetMissingReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTemplateRepo(db, time.Second)

	mock.ExpectQuery(`SELECT .+ FROM templates WHERE template_id`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	got, err := repo.Get(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepo_FreezeTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTemplateRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE templates SET status`).
		WithArgs("FROZEN", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE template_stats SET is_frozen`).
		WithArgs(true, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	require.NoError(t, repo.Freeze(context.Background(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepo_FreezeRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTemplateRepo(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE templates SET status`).
		WithArgs("FROZEN", int64(5)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.Freeze(context.Background(), 5)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTemplateRepo_StatusCounts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTemplateRepo(db, time.Second)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "c"}).
			AddRow("ACTIVE", 20).
			AddRow("FROZEN", 4))

	counts, err := repo.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, counts[template.StatusActive])
	assert.Equal(t, 4, counts[template.StatusFrozen])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsRepo_RecordOutcomeUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStatsRepo(db, time.Second)

	mock.ExpectExec(`INSERT INTO template_stats .+ ON CONFLICT \(template_id, regime\) DO UPDATE`).
		WithArgs(int64(3), 1, 0.75, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordOutcome(context.Background(), 3, 1, 0.75))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsRepo_TouchUpdatesOnly(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStatsRepo(db, time.Second)

	mock.ExpectExec(`UPDATE template_stats SET last_used_at`).
		WithArgs(int64(3), 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0)) // missing row updates nothing

	require.NoError(t, repo.Touch(context.Background(), 3, 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsRepo_Summaries(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStatsRepo(db, time.Second)

	used := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"template_id", "regime", "n_trades", "reward_mean", "reward_m2", "last_used_at", "is_frozen",
	}).
		AddRow(int64(1), 0, 10, 1.0, 2.0, used, false).
		AddRow(int64(1), 1, 30, -1.0, 6.0, used.Add(time.Hour), false).
		AddRow(int64(2), 0, 5, 0.5, 1.0, used, true)

	mock.ExpectQuery(`FROM template_stats ts\s+JOIN templates t`).
		WithArgs(true).
		WillReturnRows(rows)

	summaries, err := repo.Summaries(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	agg := summaries[1]
	assert.Equal(t, 40, agg.NTrades)
	assert.InDelta(t, -0.5, agg.RewardMean, 1e-9)
	assert.InDelta(t, 8.0/40.0, agg.Variance, 1e-9)
	assert.Equal(t, used.Add(time.Hour), agg.LastUsedAt)
	assert.True(t, summaries[2].IsFrozen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsRepo_Append(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventsRepo(db, time.Second)

	newID := int64(12)
	mock.ExpectExec(`INSERT INTO evolution_events`).
		WithArgs(sqlmock.AnyArg(), "run-1", "MUTATE", sqlmock.AnyArg(), &newID, "fingerprint=LONG|L|||").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Append(context.Background(), persistence.EvolutionEvent{
		RunID:             "run-1",
		Action:            persistence.ActionMutate,
		SourceTemplateIDs: []int64{4},
		NewTemplateID:     &newID,
		Notes:             "fingerprint=LONG|L|||",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsRepo_Recent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventsRepo(db, time.Second)

	ts := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"event_id", "ts", "run_id", "action", "source_template_ids", "new_template_id", "notes",
	}).
		AddRow(int64(9), ts, "run-2", "CROSS", "{1,2}", int64(30), "cross from 1 & 2").
		AddRow(int64(8), ts.Add(-time.Minute), "run-2", "FREEZE", "{5}", nil, "auto-freeze; n=20 mean=-0.100000 var=0.040000")

	mock.ExpectQuery(`FROM evolution_events\s+ORDER BY event_id DESC`).
		WithArgs(10).
		WillReturnRows(rows)

	events, err := repo.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, persistence.ActionCross, events[0].Action)
	assert.Equal(t, []int64{1, 2}, events[0].SourceTemplateIDs)
	require.NotNil(t, events[0].NewTemplateID)
	assert.Equal(t, int64(30), *events[0].NewTemplateID)
	assert.Nil(t, events[1].NewTemplateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsRepo_CountsByAction(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewEventsRepo(db, time.Second)

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE ts >= \$1\s+GROUP BY action`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"action", "c"}).
			AddRow("MUTATE", 6).
			AddRow("FREEZE", 2))

	counts, err := repo.CountsByAction(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 6, counts[persistence.ActionMutate])
	assert.Equal(t, 2, counts[persistence.ActionFreeze])
	assert.NoError(t, mock.ExpectationsWereMet())
}
