// Package cache provides a short-TTL redis snapshot of the active population
// for the per-bar selector hot path. The cache is advisory: every miss or
// redis failure falls through to the store, and the evolver invalidates after
// each cycle so a freeze is observed within one TTL at worst.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/autobotq/autobot/internal/bandit"
	"github.com/autobotq/autobot/internal/template"
)

const snapshotKey = "autobot:policy:snapshot"

// Snapshot is the cached selector read set: active templates plus their
// aggregated summaries.
type Snapshot struct {
	Templates []template.Template      `json:"templates"`
	Summaries map[int64]bandit.Summary `json:"summaries"`
}

// Cache wraps a redis client. A nil *Cache is valid and always misses.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a snapshot cache with the given TTL.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Get returns the cached snapshot, or nil on miss or redis failure.
func (c *Cache) Get(ctx context.Context) *Snapshot {
	if c == nil || c.rdb == nil {
		return nil
	}
	data, err := c.rdb.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("snapshot cache read failed")
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("snapshot cache decode failed")
		return nil
	}
	return &snap
}

// Set stores the snapshot with the configured TTL. Failures are logged only.
func (c *Cache) Set(ctx context.Context, snap Snapshot) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot cache encode failed")
		return
	}
	if err := c.rdb.Set(ctx, snapshotKey, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("snapshot cache write failed")
	}
}

// Invalidate drops the snapshot; evolution cycles call this after mutating
// the population.
func (c *Cache) Invalidate(ctx context.Context) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, snapshotKey).Err(); err != nil {
		log.Warn().Err(err).Msg("snapshot cache invalidate failed")
	}
}
