package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"racesow/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	// PointsKey is the sorted set mirroring player points (thousandths)
	PointsKey = "racesow:players:points"

	// NamesKey is the hash of player ID to display name
	NamesKey = "racesow:players:names"

	// VersionKey is bumped whenever any player's points change
	VersionKey = "racesow:leaderboard:version"

	// PendingKey is the set of map IDs waiting for a recompute
	PendingKey = "racesow:maps:pending"

	lockPrefix = "racesow:lock:"
)

// releaseScript deletes a lock only if the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes a lock's expiry only if the caller still owns it
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// MirrorEntry is one player as stored in the Redis points mirror
type MirrorEntry struct {
	PlayerID uint
	Name     string
	Points   models.Points
}

// RedisRepository handles the Redis side: the points mirror, the pending
// map queue and the distributed locks
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository creates a new Redis repository
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client: client,
	}
}

func member(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// SetPlayerPoints writes players' current totals to the mirror and bumps the
// version once for the batch
func (r *RedisRepository) SetPlayerPoints(ctx context.Context, players []models.Player) error {
	if len(players) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, p := range players {
		pipe.ZAdd(ctx, PointsKey, redis.Z{
			Score:  float64(p.Points),
			Member: member(p.ID),
		})
		pipe.HSet(ctx, NamesKey, member(p.ID), p.Name)
	}
	pipe.Incr(ctx, VersionKey)
	_, err := pipe.Exec(ctx)
	return err
}

// ReplaceAll rebuilds the mirror from scratch, used after a full recompute
func (r *RedisRepository) ReplaceAll(ctx context.Context, players []models.Player) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, PointsKey, NamesKey)
	for _, p := range players {
		pipe.ZAdd(ctx, PointsKey, redis.Z{
			Score:  float64(p.Points),
			Member: member(p.ID),
		})
		pipe.HSet(ctx, NamesKey, member(p.ID), p.Name)
	}
	pipe.Incr(ctx, VersionKey)
	_, err := pipe.Exec(ctx)
	return err
}

// TopPlayers returns a page of the mirror, highest points first
func (r *RedisRepository) TopPlayers(ctx context.Context, offset, limit int) ([]MirrorEntry, error) {
	start := int64(offset)
	stop := int64(offset + limit - 1)

	results, err := r.client.ZRevRangeWithScores(ctx, PointsKey, start, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]string, len(results))
	for i, z := range results {
		ids[i] = z.Member.(string)
	}
	names, err := r.client.HMGet(ctx, NamesKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]MirrorEntry, 0, len(results))
	for i, z := range results {
		id, err := strconv.ParseUint(ids[i], 10, 64)
		if err != nil {
			continue
		}
		name, _ := names[i].(string)
		entries = append(entries, MirrorEntry{
			PlayerID: uint(id),
			Name:     name,
			Points:   models.Points(z.Score),
		})
	}
	return entries, nil
}

// PlayerRank returns a player's competition rank: one plus the number of
// players with strictly more points
func (r *RedisRepository) PlayerRank(ctx context.Context, playerID uint) (int, error) {
	score, err := r.client.ZScore(ctx, PointsKey, member(playerID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("player %d: %w", playerID, ErrNotFound)
		}
		return 0, err
	}
	count, err := r.client.ZCount(ctx, PointsKey, fmt.Sprintf("(%f", score), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(count) + 1, nil
}

// TotalPlayers returns the number of players in the mirror
func (r *RedisRepository) TotalPlayers(ctx context.Context) (int64, error) {
	return r.client.ZCard(ctx, PointsKey).Result()
}

// BumpVersion increments the leaderboard version
func (r *RedisRepository) BumpVersion(ctx context.Context) (int64, error) {
	return r.client.Incr(ctx, VersionKey).Result()
}

// LeaderboardVersion returns the current leaderboard version
func (r *RedisRepository) LeaderboardVersion(ctx context.Context) (int64, error) {
	version, err := r.client.Get(ctx, VersionKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// PushPending adds map IDs to the pending set
func (r *RedisRepository) PushPending(ctx context.Context, mapIDs ...uint) error {
	if len(mapIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(mapIDs))
	for i, id := range mapIDs {
		members[i] = member(id)
	}
	return r.client.SAdd(ctx, PendingKey, members...).Err()
}

// PopPending removes and returns up to max map IDs from the pending set.
// max <= 0 drains the whole set.
func (r *RedisRepository) PopPending(ctx context.Context, max int) ([]uint, error) {
	var vals []string
	var err error
	if max <= 0 {
		vals, err = r.drainPending(ctx)
	} else {
		vals, err = r.client.SPopN(ctx, PendingKey, int64(max)).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]uint, 0, len(vals))
	for _, v := range vals {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}

// drainPending reads and deletes the pending set in one transaction
func (r *RedisRepository) drainPending(ctx context.Context) ([]string, error) {
	var members *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, PendingKey)
		pipe.Del(ctx, PendingKey)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members.Val(), nil
}

// PendingCount returns the size of the pending set
func (r *RedisRepository) PendingCount(ctx context.Context) (int64, error) {
	return r.client.SCard(ctx, PendingKey).Result()
}

// AcquireLock sets key to token if no one holds it. It reports whether the
// lock was taken.
func (r *RedisRepository) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
}

// ExtendLock refreshes the expiry of a lock the caller still owns
func (r *RedisRepository) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{lockPrefix + key}, token, ttl.Milliseconds()).Int()
	return n == 1, err
}

// ReleaseLock drops a lock the caller still owns
func (r *RedisRepository) ReleaseLock(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, r.client, []string{lockPrefix + key}, token).Err()
}

// Ping checks if Redis is reachable
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
