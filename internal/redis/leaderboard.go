package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/warlog-ledger/internal/config"
	"github.com/warlog-ledger/internal/domain"
)

const (
	fieldLevelRank = "levelrank"
	fieldXP        = "xp"

	// maxReadAttempts bounds how often a read that overlapped a publish is retried
	maxReadAttempts = 3
)

// SnapshotCache serves the snapshot leaderboards from Redis.
//
// The level rank is a list of JSON entries in rank order. The xp leaderboard is a sorted set
// scored by xp gained plus a hash holding each guild's row. Every publish builds staging keys
// and renames them over the live keys in one MULTI/EXEC, so readers see either the old or the
// new view.
type SnapshotCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewSnapshotCache connects to Redis, retrying with exponential backoff until cfg.ConnectTimeout.
func NewSnapshotCache(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*SnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = cfg.ConnectTimeout
	ping := func() error { return client.Ping(ctx).Err() }
	notify := func(err error, wait time.Duration) {
		logger.Warn("redis not ready, retrying", "addr", cfg.Addr, "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewSnapshotCacheFromClient(client, cfg.KeyPrefix, logger), nil
}

// NewSnapshotCacheFromClient wraps an existing client.
func NewSnapshotCacheFromClient(client *redis.Client, prefix string, logger *slog.Logger) *SnapshotCache {
	if prefix == "" {
		prefix = "warlog"
	}
	return &SnapshotCache{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *SnapshotCache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *SnapshotCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return domain.Transient("pinging redis", err)
	}
	return nil
}

// levelRankKey returns the key of the level rank list
func (c *SnapshotCache) levelRankKey(stage string) string {
	return fmt.Sprintf("%s:levelrank:%s", c.prefix, stage)
}

// xpKey returns the key of the xp gained sorted set
func (c *SnapshotCache) xpKey(stage string) string {
	return fmt.Sprintf("%s:xp:%s", c.prefix, stage)
}

// xpRowsKey returns the key of the hash holding xp rows by guild
func (c *SnapshotCache) xpRowsKey(stage string) string {
	return fmt.Sprintf("%s:xp:rows:%s", c.prefix, stage)
}

// metaKey records when each view was last published
func (c *SnapshotCache) metaKey() string {
	return fmt.Sprintf("%s:snapshot:meta", c.prefix)
}

// PublishLevelRank replaces the live level rank.
func (c *SnapshotCache) PublishLevelRank(ctx context.Context, entries []domain.LevelRankEntry) error {
	live, staging := c.levelRankKey("live"), c.levelRankKey("staging")

	values := make([]any, len(entries))
	for i, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encoding level rank entry: %w", err)
		}
		values[i] = data
	}

	if len(values) > 0 {
		pipe := c.client.Pipeline()
		pipe.Del(ctx, staging)
		pipe.RPush(ctx, staging, values...)
		if _, err := pipe.Exec(ctx); err != nil {
			return domain.Transient("staging level rank", err)
		}
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(values) > 0 {
			pipe.Rename(ctx, staging, live)
		} else {
			pipe.Del(ctx, live)
		}
		pipe.HSet(ctx, c.metaKey(), fieldLevelRank, time.Now().Unix())
		return nil
	})
	if err != nil {
		return domain.Transient("publishing level rank", err)
	}

	c.logger.Debug("level rank published", "entries", len(entries))
	return nil
}

// PublishXPLeaderboard replaces the live xp leaderboard.
func (c *SnapshotCache) PublishXPLeaderboard(ctx context.Context, rows []domain.GuildXPGain) error {
	liveSet, stagingSet := c.xpKey("live"), c.xpKey("staging")
	liveRows, stagingRows := c.xpRowsKey("live"), c.xpRowsKey("staging")

	members := make([]redis.Z, len(rows))
	fields := make([]any, 0, 2*len(rows))
	for i, r := range rows {
		members[i] = redis.Z{Score: float64(r.XPGained), Member: r.GuildName}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding xp row: %w", err)
		}
		fields = append(fields, r.GuildName, data)
	}

	if len(rows) > 0 {
		pipe := c.client.Pipeline()
		pipe.Del(ctx, stagingSet, stagingRows)
		pipe.ZAdd(ctx, stagingSet, members...)
		pipe.HSet(ctx, stagingRows, fields...)
		if _, err := pipe.Exec(ctx); err != nil {
			return domain.Transient("staging xp leaderboard", err)
		}
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(rows) > 0 {
			pipe.Rename(ctx, stagingSet, liveSet)
			pipe.Rename(ctx, stagingRows, liveRows)
		} else {
			pipe.Del(ctx, liveSet, liveRows)
		}
		pipe.HSet(ctx, c.metaKey(), fieldXP, time.Now().Unix())
		return nil
	})
	if err != nil {
		return domain.Transient("publishing xp leaderboard", err)
	}

	c.logger.Debug("xp leaderboard published", "guilds", len(rows))
	return nil
}

// LevelRank returns a page of the published level rank. ok is false when nothing was published.
func (c *SnapshotCache) LevelRank(ctx context.Context, limit, offset int) ([]domain.LevelRankEntry, bool, error) {
	if limit <= 0 {
		return []domain.LevelRankEntry{}, true, nil
	}

	// Use pipeline to read the publish marker and the page together
	pipe := c.client.Pipeline()
	metaCmd := pipe.HExists(ctx, c.metaKey(), fieldLevelRank)
	rangeCmd := pipe.LRange(ctx, c.levelRankKey("live"), int64(offset), int64(offset+limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, domain.Transient("reading level rank", err)
	}
	if !metaCmd.Val() {
		return nil, false, nil
	}

	raw := rangeCmd.Val()
	entries := make([]domain.LevelRankEntry, 0, len(raw))
	for _, item := range raw {
		var e domain.LevelRankEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, false, fmt.Errorf("decoding level rank entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, true, nil
}

// XPLeaderboard returns a page of the published xp leaderboard, ranked by xp gained with ties
// in descending guild name order. The live keys are watched while the page is read, and a read
// that overlaps a publish starts over.
func (c *SnapshotCache) XPLeaderboard(ctx context.Context, limit, offset int) ([]domain.GuildXPGain, bool, error) {
	if limit <= 0 {
		return []domain.GuildXPGain{}, true, nil
	}

	liveSet, liveRows := c.xpKey("live"), c.xpRowsKey("live")
	var (
		published bool
		results   []redis.Z
		details   []any
	)
	read := func(tx *redis.Tx) error {
		var err error
		published, err = tx.HExists(ctx, c.metaKey(), fieldXP).Result()
		if err != nil {
			return err
		}
		results, err = tx.ZRevRangeWithScores(ctx, liveSet, int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return err
		}

		names := make([]string, len(results))
		for i, result := range results {
			names[i] = result.Member.(string)
		}
		// EXEC fails if a publish renamed the live keys since WATCH
		var rowsCmd *redis.SliceCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(names) > 0 {
				rowsCmd = pipe.HMGet(ctx, liveRows, names...)
			} else {
				pipe.Exists(ctx, liveSet)
			}
			return nil
		})
		if err != nil {
			return err
		}
		details = nil
		if rowsCmd != nil {
			details = rowsCmd.Val()
		}
		return nil
	}

	var err error
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		err = c.client.Watch(ctx, read, liveSet, liveRows)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, false, domain.Transient("reading xp leaderboard", err)
	}
	if !published {
		return nil, false, nil
	}

	rows := make([]domain.GuildXPGain, len(results))
	for i, result := range results {
		row := domain.GuildXPGain{GuildName: result.Member.(string)}
		if s, ok := details[i].(string); ok {
			if err := json.Unmarshal([]byte(s), &row); err != nil {
				return nil, false, fmt.Errorf("decoding xp row: %w", err)
			}
		}
		row.XPGained = int64(result.Score)
		row.Rank = int64(offset + i + 1) // Convert to 1-indexed rank
		rows[i] = row
	}
	return rows, true, nil
}
