package banstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBanKeyPrefix namespaces ban entries in a shared redis database.
const redisBanKeyPrefix = "stratum:ban:"

// RedisStore is a redis-backed implementation of the Store interface, for
// pools that run several stratum servers and want bans shared between them.
// Entries are written with the ban duration as TTL, so redis expires them
// on its own: Check never reports StatusExpired and Purge is a no-op.
type RedisStore struct {
	client  *redis.Client
	banTime time.Duration
}

// NewRedisStore creates a RedisStore using the given client and ban duration.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := banstore.NewRedisStore(client, 10*time.Minute)
//
// Parameters:
//   - client: The redis client to use
//   - banTime: How long a ban remains in force
//
// Returns:
//   - A new RedisStore instance
func NewRedisStore(client *redis.Client, banTime time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		banTime: banTime,
	}
}

// Ban implements Store.
func (s *RedisStore) Ban(ctx context.Context, addr string) error {
	err := s.client.Set(ctx, redisBanKeyPrefix+addr, time.Now().Unix(), s.banTime).Err()
	if err != nil {
		return fmt.Errorf("failed to record ban: %w", err)
	}

	return nil
}

// Check implements Store.
func (s *RedisStore) Check(ctx context.Context, addr string) (Check, error) {
	remaining, err := s.client.PTTL(ctx, redisBanKeyPrefix+addr).Result()
	if err != nil {
		return Check{}, fmt.Errorf("failed to check ban: %w", err)
	}

	// PTTL returns a negative duration when the key is missing or has no
	// expiry; either way the address is not under an active ban.
	if remaining <= 0 {
		return Check{Status: StatusClear}, nil
	}

	return Check{Status: StatusBanned, Remaining: remaining}, nil
}

// Forgive implements Store.
func (s *RedisStore) Forgive(ctx context.Context, addr string) error {
	if err := s.client.Del(ctx, redisBanKeyPrefix+addr).Err(); err != nil {
		return fmt.Errorf("failed to forgive ban: %w", err)
	}

	return nil
}

// Purge implements Store. Redis expires ban entries itself, so there is
// nothing to remove.
func (s *RedisStore) Purge(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	return 0, nil
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	count := 0

	// SCAN instead of KEYS so a large shared database is not blocked.
	iter := s.client.Scan(ctx, 0, redisBanKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}

		count++
	}

	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("failed to scan bans: %w", err)
	}

	return count, nil
}
