// Package redis implements store.Store on top of a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlgate/internal/store"
)

// Options configures the Redis connection.
type Options struct {
	Address  string
	Password string
	DB       int
}

// Store delegates each operation to a single Redis command, so atomicity is
// provided by the server.
type Store struct {
	client goredis.UniversalClient
}

// New dials Redis and verifies connectivity.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Address == "" {
		return nil, errors.New("redis store: address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping %s: %w", opts.Address, err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client; useful in tests.
func NewWithClient(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// ListPushTail issues RPUSH.
func (s *Store) ListPushTail(ctx context.Context, key, value string) error {
	if err := s.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// ListPopHead issues LPOP.
func (s *Store) ListPopHead(ctx context.Context, key string) (string, error) {
	value, err := s.client.LPop(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lpop %s: %w", key, err)
	}
	return value, nil
}

// SortedSetAdd issues ZADD.
func (s *Store) SortedSetAdd(ctx context.Context, key, member string, score float64) error {
	if err := s.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// SortedSetPopMax issues ZPOPMAX.
func (s *Store) SortedSetPopMax(ctx context.Context, key string) (store.Member, error) {
	popped, err := s.client.ZPopMax(ctx, key).Result()
	if err != nil {
		return store.Member{}, fmt.Errorf("zpopmax %s: %w", key, err)
	}
	if len(popped) == 0 {
		return store.Member{}, store.ErrNotFound
	}
	return toMember(popped[0]), nil
}

// SortedSetIncrBy issues ZADD XX INCR, which leaves absent members absent.
func (s *Store) SortedSetIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	score, err := s.client.ZAddArgsIncr(ctx, key, goredis.ZAddArgs{
		XX:      true,
		Members: []goredis.Z{{Score: delta, Member: member}},
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("zadd xx incr %s: %w", key, err)
	}
	return score, nil
}

// SortedSetRemove issues ZREM.
func (s *Store) SortedSetRemove(ctx context.Context, key, member string) (bool, error) {
	removed, err := s.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("zrem %s: %w", key, err)
	}
	return removed > 0, nil
}

// SortedSetRangeByScore issues ZRANGEBYSCORE WITHSCORES.
func (s *Store) SortedSetRangeByScore(
	ctx context.Context,
	key string,
	minScore, maxScore float64,
) ([]store.Member, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
		Min: formatScore(minScore),
		Max: formatScore(maxScore),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	out := make([]store.Member, 0, len(zs))
	for _, z := range zs {
		out = append(out, toMember(z))
	}
	return out, nil
}

// SortedSetRemoveRangeByScore issues ZREMRANGEBYSCORE.
func (s *Store) SortedSetRemoveRangeByScore(
	ctx context.Context,
	key string,
	minScore, maxScore float64,
) (int64, error) {
	removed, err := s.client.ZRemRangeByScore(ctx, key, formatScore(minScore), formatScore(maxScore)).Result()
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return removed, nil
}

// SortedSetScore issues ZSCORE.
func (s *Store) SortedSetScore(ctx context.Context, key, member string) (float64, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("zscore %s: %w", key, err)
	}
	return score, nil
}

// Cardinality inspects the key type and issues LLEN or ZCARD.
func (s *Store) Cardinality(ctx context.Context, key string) (int64, error) {
	kind, err := s.client.Type(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("type %s: %w", key, err)
	}
	var n int64
	switch kind {
	case "none":
		return 0, nil
	case "list":
		n, err = s.client.LLen(ctx, key).Result()
	case "zset":
		n, err = s.client.ZCard(ctx, key).Result()
	default:
		return 0, fmt.Errorf("cardinality %s: unsupported key type %q", key, kind)
	}
	if err != nil {
		return 0, fmt.Errorf("cardinality %s: %w", key, err)
	}
	return n, nil
}

// Ping checks server reachability.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the client's connections.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func toMember(z goredis.Z) store.Member {
	value, ok := z.Member.(string)
	if !ok {
		value = fmt.Sprint(z.Member)
	}
	return store.Member{Value: value, Score: z.Score}
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}

var _ store.Store = (*Store)(nil)
