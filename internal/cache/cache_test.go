package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobotq/autobot/internal/bandit"
	"github.com/autobotq/autobot/internal/template"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Templates: []template.Template{
			{ID: 1, Version: 1, Side: template.SideLong, Status: template.StatusActive},
			{ID: 2, Version: 1, Side: template.SideShort, Status: template.StatusActive,
				Filters: template.Filters{RSI: template.FilterSet{"H"}}},
		},
		Summaries: map[int64]bandit.Summary{
			1: {NTrades: 12, RewardMean: 0.4, Variance: 0.2},
		},
	}
}

func TestCache_RoundTrip(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := New(rdb, 30*time.Second)
	ctx := context.Background()

	snap := sampleSnapshot()
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	mock.ExpectSet(snapshotKey, data, 30*time.Second).SetVal("OK")
	c.Set(ctx, snap)

	mock.ExpectGet(snapshotKey).SetVal(string(data))
	got := c.Get(ctx)
	require.NotNil(t, got)
	assert.Equal(t, snap.Templates, got.Templates)
	assert.Equal(t, snap.Summaries[1].NTrades, got.Summaries[1].NTrades)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_MissReturnsNil(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := New(rdb, time.Minute)

	mock.ExpectGet(snapshotKey).RedisNil()
	assert.Nil(t, c.Get(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_ErrorsDegradeToMiss(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := New(rdb, time.Minute)
	ctx := context.Background()

	mock.ExpectGet(snapshotKey).SetErr(errors.New("connection refused"))
	assert.Nil(t, c.Get(ctx))

	mock.ExpectGet(snapshotKey).SetVal("not-json")
	assert.Nil(t, c.Get(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_Invalidate(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	c := New(rdb, time.Minute)

	mock.ExpectDel(snapshotKey).SetVal(1)
	c.Invalidate(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_NilSafe(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	assert.Nil(t, c.Get(ctx))
	c.Set(ctx, sampleSnapshot()) // must not panic
	c.Invalidate(ctx)
}
