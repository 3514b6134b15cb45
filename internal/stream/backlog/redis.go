package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chartwise/insight-stream/internal/stream/event"
)

const (
	scopeSetKey    = "backlog:scopes"
	scopeKeyPrefix = "backlog:scope:"
	evictBatch     = 100
)

// redisEntry wraps a change with its append time so age eviction does not
// need a secondary index.
type redisEntry struct {
	AppendedAt int64         `json:"at"`
	Change     *event.Change `json:"change"`
}

// RedisStore keeps one sorted set per scope, scored by sequence, plus a
// floor key recording the highest evicted sequence. Sharing the store across
// service instances lets one instance replay events another routed.
type RedisStore struct {
	client *redis.Client
	policy Policy
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, policy Policy) *RedisStore {
	return &RedisStore{client: client, policy: policy, now: time.Now}
}

func mainKey(scope string) string  { return scopeKeyPrefix + scope }
func floorKey(scope string) string { return scopeKeyPrefix + scope + ":floor" }

func (s *RedisStore) Append(ctx context.Context, ch *event.Change) error {
	scope := ch.Scope().Key()
	seq := strconv.FormatUint(ch.Sequence, 10)

	floor, err := s.floor(ctx, scope)
	if err != nil {
		return err
	}
	if ch.Sequence <= floor {
		return nil
	}
	n, err := s.client.ZCount(ctx, mainKey(scope), seq, seq).Result()
	if err != nil {
		return fmt.Errorf("backlog append %s: %w", scope, err)
	}
	if n > 0 {
		return nil
	}

	raw, err := json.Marshal(redisEntry{AppendedAt: s.now().Unix(), Change: ch})
	if err != nil {
		return fmt.Errorf("backlog append %s: %w", scope, err)
	}
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, mainKey(scope), redis.Z{Score: float64(ch.Sequence), Member: string(raw)})
	pipe.SAdd(ctx, scopeSetKey, scope)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backlog append %s: %w", scope, err)
	}
	return nil
}

func (s *RedisStore) Replay(ctx context.Context, scope event.Scope, from uint64) ([]*event.Change, error) {
	key := scope.Key()
	floor, err := s.floor(ctx, key)
	if err != nil {
		return nil, err
	}
	if from < floor {
		return nil, ErrGapExceeded
	}

	raws, err := s.client.ZRangeByScore(ctx, mainKey(key), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(from, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog replay %s: %w", key, err)
	}
	out := make([]*event.Change, 0, len(raws))
	for _, raw := range raws {
		var entry redisEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("backlog replay %s: %w", key, err)
		}
		out = append(out, entry.Change)
	}
	return out, nil
}

func (s *RedisStore) Evict(ctx context.Context) error {
	scopes, err := s.client.SMembers(ctx, scopeSetKey).Result()
	if err != nil {
		return fmt.Errorf("backlog evict: %w", err)
	}
	cutoff := s.now().Add(-s.policy.Retention).Unix()

	for _, scope := range scopes {
		if err := s.evictScope(ctx, scope, cutoff); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) evictScope(ctx context.Context, scope string, cutoff int64) error {
	var evictUpTo uint64

	// Age pass: oldest entries first, stop at the first young one.
scan:
	for {
		zs, err := s.client.ZRangeWithScores(ctx, mainKey(scope), 0, evictBatch-1).Result()
		if err != nil {
			return fmt.Errorf("backlog evict %s: %w", scope, err)
		}
		if len(zs) == 0 {
			break
		}
		for _, z := range zs {
			var entry redisEntry
			if err := json.Unmarshal([]byte(z.Member.(string)), &entry); err != nil {
				return fmt.Errorf("backlog evict %s: %w", scope, err)
			}
			if entry.AppendedAt >= cutoff {
				break scan
			}
			evictUpTo = entry.Change.Sequence
		}
		if len(zs) < evictBatch {
			break
		}
		if err := s.remove(ctx, scope, evictUpTo); err != nil {
			return err
		}
	}

	// Count pass: keep only the newest ScopeCap entries.
	card, err := s.client.ZCard(ctx, mainKey(scope)).Result()
	if err != nil {
		return fmt.Errorf("backlog evict %s: %w", scope, err)
	}
	if over := card - int64(s.policy.ScopeCap); over > 0 {
		zs, err := s.client.ZRangeWithScores(ctx, mainKey(scope), over-1, over-1).Result()
		if err != nil {
			return fmt.Errorf("backlog evict %s: %w", scope, err)
		}
		if len(zs) == 1 && uint64(zs[0].Score) > evictUpTo {
			evictUpTo = uint64(zs[0].Score)
		}
	}
	if evictUpTo == 0 {
		return nil
	}
	return s.remove(ctx, scope, evictUpTo)
}

// remove drops everything at or below seq and advances the floor.
func (s *RedisStore) remove(ctx context.Context, scope string, seq uint64) error {
	floor, err := s.floor(ctx, scope)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, mainKey(scope), "-inf", strconv.FormatUint(seq, 10))
	if seq > floor {
		pipe.Set(ctx, floorKey(scope), strconv.FormatUint(seq, 10), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backlog evict %s: %w", scope, err)
	}
	return nil
}

func (s *RedisStore) floor(ctx context.Context, scope string) (uint64, error) {
	val, err := s.client.Get(ctx, floorKey(scope)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("backlog floor %s: %w", scope, err)
	}
	floor, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("backlog floor %s: %w", scope, err)
	}
	return floor, nil
}
