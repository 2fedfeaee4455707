package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"deposit-engine/internal/utils"

	"github.com/redis/go-redis/v9"
)

// LeaseStore custodial address lease table. TryLease must be atomic with
// respect to every other operation on the same address.
type LeaseStore interface {
	TryLease(ctx context.Context, address string, now time.Time, ttl time.Duration) (bool, error)
	IsLeased(ctx context.Context, address string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, address string) error
	ReleaseExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
	Count(ctx context.Context) (int, error)
}

// MemoryLeaseStore single-instance lease table
type MemoryLeaseStore struct {
	mu     sync.Mutex
	leases map[string]time.Time // normalized address -> leased at
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{leases: make(map[string]time.Time)}
}

func (s *MemoryLeaseStore) TryLease(_ context.Context, address string, now time.Time, ttl time.Duration) (bool, error) {
	key := utils.NormalizeAddress(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.leases[key]; ok && now.Sub(at) < ttl {
		return false, nil
	}
	s.leases[key] = now
	return true, nil
}

func (s *MemoryLeaseStore) IsLeased(_ context.Context, address string, now time.Time, ttl time.Duration) (bool, error) {
	key := utils.NormalizeAddress(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.leases[key]
	return ok && now.Sub(at) < ttl, nil
}

func (s *MemoryLeaseStore) Release(_ context.Context, address string) error {
	s.mu.Lock()
	delete(s.leases, utils.NormalizeAddress(address))
	s.mu.Unlock()
	return nil
}

func (s *MemoryLeaseStore) ReleaseExpired(_ context.Context, now time.Time, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for key, at := range s.leases {
		if now.Sub(at) >= ttl {
			delete(s.leases, key)
			released++
		}
	}
	return released, nil
}

func (s *MemoryLeaseStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases), nil
}

// RedisLeaseStore shares the lease table between engine instances. Each lease
// is a key set with NX and a PX expiry; a sorted set scored by lease time
// indexes them for the expiry sweep.
type RedisLeaseStore struct {
	client *redis.Client
	prefix string
}

func NewRedisLeaseStore(client *redis.Client, prefix string) *RedisLeaseStore {
	if prefix == "" {
		prefix = "custodial:lease"
	}
	return &RedisLeaseStore{client: client, prefix: prefix}
}

func (s *RedisLeaseStore) key(address string) string {
	return s.prefix + ":" + utils.NormalizeAddress(address)
}

func (s *RedisLeaseStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisLeaseStore) TryLease(ctx context.Context, address string, now time.Time, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(address), now.UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease %s: %w", address, err)
	}
	if !ok {
		return false, nil
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: utils.NormalizeAddress(address)}).Err(); err != nil {
		// an unindexed key would never be swept, give the lease back
		if derr := s.client.Del(ctx, s.key(address)).Err(); derr != nil {
			return false, fmt.Errorf("redis lease index %s: %w (rollback: %v)", address, err, derr)
		}
		return false, fmt.Errorf("redis lease index %s: %w", address, err)
	}
	return true, nil
}

func (s *RedisLeaseStore) IsLeased(ctx context.Context, address string, _ time.Time, _ time.Duration) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(address)).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease lookup %s: %w", address, err)
	}
	return n > 0, nil
}

func (s *RedisLeaseStore) Release(ctx context.Context, address string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(address))
	pipe.ZRem(ctx, s.indexKey(), utils.NormalizeAddress(address))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis release %s: %w", address, err)
	}
	return nil
}

// ReleaseExpired drops index members older than ttl. Their keys have normally
// expired already through PX; the DEL covers clock skew between instances.
func (s *RedisLeaseStore) ReleaseExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	members, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis lease sweep: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, member := range members {
		pipe.Del(ctx, s.prefix+":"+member)
		pipe.ZRem(ctx, s.indexKey(), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis lease sweep: %w", err)
	}
	return len(members), nil
}

func (s *RedisLeaseStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis lease count: %w", err)
	}
	return int(n), nil
}
