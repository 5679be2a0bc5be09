// Package redis implements coord.Store on top of go-redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/listing-archiver/internal/coord"
)

// Lua script for atomic compare-and-delete on lease release.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a coord.Store backed by a Redis client.
type Store struct {
	client  goredis.UniversalClient
	release *goredis.Script
}

var _ coord.Store = (*Store)(nil)

// New dials Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient) *Store {
	return &Store{client: client, release: goredis.NewScript(releaseScript)}
}

// Ping verifies the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// AcquireLease implements coord.Store.
func (s *Store) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLease implements coord.Store.
func (s *Store) ReleaseLease(ctx context.Context, key, holder string) error {
	n, err := s.release.Run(ctx, s.client, []string{key}, holder).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if n == 0 {
		return coord.ErrLeaseNotHeld
	}
	return nil
}

// LeaseTTL implements coord.Store.
func (s *Store) LeaseTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("pttl %s: %w", key, err)
	}
	// go-redis reports -2 for a missing key and -1 for no expiry.
	if d == -2 {
		return 0, coord.ErrNotFound
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Get implements coord.Store.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", coord.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Set implements coord.Store.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Exists implements coord.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Del implements coord.Store.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// HSet implements coord.Store.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// HGet implements coord.Store.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", coord.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hget %s: %w", key, err)
	}
	return v, nil
}

// HGetAll implements coord.Store.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

// HDel implements coord.Store.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

// HDrain implements coord.Store with a MULTI/EXEC of HGETALL and DEL.
func (s *Store) HDrain(ctx context.Context, key string) (map[string]string, error) {
	var all *goredis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		all = p.HGetAll(ctx, key)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}
	return all.Val(), nil
}

// HScan implements coord.Store.
func (s *Store) HScan(ctx context.Context, key string, cursor uint64, count int64) (map[string]string, uint64, error) {
	kv, next, err := s.client.HScan(ctx, key, cursor, "*", count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("hscan %s: %w", key, err)
	}
	out := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out, next, nil
}

// SAdd implements coord.Store.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if err := s.client.SAdd(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SRem implements coord.Store.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if err := s.client.SRem(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SIsMember implements coord.Store.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

// SMembers implements coord.Store.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return v, nil
}

// SCard implements coord.Store.
func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return n, nil
}

// ZIncrBy implements coord.Store.
func (s *Store) ZIncrBy(ctx context.Context, key string, incr float64, member string) (float64, error) {
	v, err := s.client.ZIncrBy(ctx, key, incr, member).Result()
	if err != nil {
		return 0, fmt.Errorf("zincrby %s: %w", key, err)
	}
	return v, nil
}

// ZScore implements coord.Store.
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zscore %s: %w", key, err)
	}
	return v, true, nil
}

// ZAdd implements coord.Store.
func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// ZRem implements coord.Store.
func (s *Store) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.ZRem(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", key, err)
	}
	return nil
}

// ZRangeWithScores implements coord.Store.
func (s *Store) ZRangeWithScores(ctx context.Context, key string) ([]coord.ScoredMember, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	out := make([]coord.ScoredMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, coord.ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out, nil
}

// LPush implements coord.Store.
func (s *Store) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	n, err := s.client.LPush(ctx, key, toAny(values)...).Result()
	if err != nil {
		return 0, fmt.Errorf("lpush %s: %w", key, err)
	}
	return n, nil
}

// RPop implements coord.Store.
func (s *Store) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", coord.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("rpop %s: %w", key, err)
	}
	return v, nil
}

// LLen implements coord.Store.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

// LRange implements coord.Store.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return v, nil
}

// Keys implements coord.Store using SCAN.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Exec implements coord.Store.
func (s *Store) Exec(ctx context.Context, ops ...coord.Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		for _, op := range ops {
			switch o := op.(type) {
			case coord.SetOp:
				p.Set(ctx, o.Key, o.Value, o.TTL)
			case coord.DelOp:
				if len(o.Keys) > 0 {
					p.Del(ctx, o.Keys...)
				}
			case coord.HSetOp:
				p.HSet(ctx, o.Key, o.Field, o.Value)
			case coord.HDelOp:
				if len(o.Fields) > 0 {
					p.HDel(ctx, o.Key, o.Fields...)
				}
			case coord.SAddOp:
				p.SAdd(ctx, o.Key, toAny(o.Members)...)
			case coord.SRemOp:
				p.SRem(ctx, o.Key, toAny(o.Members)...)
			case coord.ZAddOp:
				p.ZAdd(ctx, o.Key, goredis.Z{Score: o.Score, Member: o.Member})
			case coord.ZRemOp:
				p.ZRem(ctx, o.Key, toAny(o.Members)...)
			case coord.ZIncrByOp:
				p.ZIncrBy(ctx, o.Key, o.Incr, o.Member)
			case coord.ExpireOp:
				p.PExpire(ctx, o.Key, o.TTL)
			default:
				return fmt.Errorf("unsupported op %T", op)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
