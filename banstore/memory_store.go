package banstore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is an in-memory implementation of the Store interface backed
// by go-cache. Bans live for the lifetime of the process; entries are stored
// without automatic expiration so that an expired ban can still be observed
// (and reported as forgiven) before the next Purge removes it.
type MemoryStore struct {
	entries *cache.Cache
	banTime time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore with the given ban duration.
//
// Parameters:
//   - banTime: How long a ban remains in force
//
// Returns:
//   - A new MemoryStore instance
func NewMemoryStore(banTime time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: cache.New(cache.NoExpiration, 0),
		banTime: banTime,
		now:     time.Now,
	}
}

// Ban implements Store.
func (s *MemoryStore) Ban(ctx context.Context, addr string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.entries.Set(addr, s.now(), cache.NoExpiration)
	return nil
}

// Check implements Store.
func (s *MemoryStore) Check(ctx context.Context, addr string) (Check, error) {
	select {
	case <-ctx.Done():
		return Check{}, ctx.Err()
	default:
	}

	v, found := s.entries.Get(addr)
	if !found {
		return Check{Status: StatusClear}, nil
	}

	bannedAt, ok := v.(time.Time)
	if !ok {
		return Check{Status: StatusClear}, nil
	}

	remaining := s.banTime - s.now().Sub(bannedAt)
	if remaining <= 0 {
		return Check{Status: StatusExpired}, nil
	}

	return Check{Status: StatusBanned, Remaining: remaining}, nil
}

// Forgive implements Store.
func (s *MemoryStore) Forgive(ctx context.Context, addr string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.entries.Delete(addr)
	return nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(ctx context.Context) (int, error) {
	now := s.now()
	purged := 0

	for addr, item := range s.entries.Items() {
		select {
		case <-ctx.Done():
			return purged, ctx.Err()
		default:
		}

		bannedAt, ok := item.Object.(time.Time)
		if !ok || now.Sub(bannedAt) > s.banTime {
			s.entries.Delete(addr)
			purged++
		}
	}

	return purged, nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	return s.entries.ItemCount(), nil
}
