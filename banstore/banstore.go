// Package banstore provides storage backends for the banned-IP table of a
// stratum server. A ban records the wall-clock time an address was banned;
// entries expire logically after the configured ban duration and are removed
// either on lookup (forgiveness) or by a periodic purge.
package banstore

import (
	"context"
	"time"
)

// Status describes the state of an address in the store.
type Status int

const (
	// StatusClear means the address has no ban entry.
	StatusClear Status = iota
	// StatusBanned means the address is banned and the ban has time remaining.
	StatusBanned
	// StatusExpired means a ban entry exists but its duration has elapsed;
	// the caller should Forgive the address.
	StatusExpired
)

// Check is the result of looking up an address.
type Check struct {
	// Status of the address.
	Status Status
	// Remaining is the time left on the ban. Only meaningful when Status
	// is StatusBanned.
	Remaining time.Duration
}

// Store is the interface implemented by banned-IP storage backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Ban records a ban for the given address starting now. Re-banning an
	// already banned address restarts the ban.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - addr: The remote address to ban
	//
	// Returns:
	//   - An error if the operation fails
	Ban(ctx context.Context, addr string) error

	// Check reports whether the given address is banned and how much ban
	// time remains. Check does not modify the store; callers observing
	// StatusExpired should call Forgive to remove the stale entry.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - addr: The remote address to look up
	//
	// Returns:
	//   - The Check result for the address
	//   - An error if the operation fails
	Check(ctx context.Context, addr string) (Check, error)

	// Forgive removes any ban entry for the given address. Removing an
	// address that is not banned is a no-op.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - addr: The remote address to forgive
	//
	// Returns:
	//   - An error if the operation fails
	Forgive(ctx context.Context, addr string) error

	// Purge removes all entries whose ban duration has elapsed, bounding
	// memory independent of lookup traffic.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//
	// Returns:
	//   - The number of entries removed
	//   - An error if the operation fails
	Purge(ctx context.Context) (int, error)

	// Count returns the number of ban entries currently stored, including
	// logically expired entries that have not yet been purged.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//
	// Returns:
	//   - The number of entries in the store
	//   - An error if the operation fails
	Count(ctx context.Context) (int, error)
}
