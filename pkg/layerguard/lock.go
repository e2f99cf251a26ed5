// Package layerguard enforces that only one execution layer is active within a
// staleness window.
//
// The active layer is a single versioned record held in a LockStore. Claims
// are compare-and-swap on the version, so two invocations racing for the lock
// cannot both win: the loser re-reads and re-evaluates against the winner's
// record.
package layerguard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lock is the persisted active-layer record.
type Lock struct {
	Layer     string    `json:"layer"`
	UpdatedAt time.Time `json:"updatedAt"`
	Owner     string    `json:"owner,omitempty"`
	Version   int64     `json:"version"`
}

// LockStore persists the singleton Lock.
type LockStore interface {
	// Load returns the current lock, or nil when none exists. Unreadable data
	// is reported as *CorruptLockError carrying the version to swap against.
	Load(ctx context.Context) (*Lock, error)
	// CompareAndSwap stores next only if the stored version equals prev
	// (0 meaning no lock). It reports false when another writer got there first.
	CompareAndSwap(ctx context.Context, prev int64, next Lock) (bool, error)
	Close() error
}

// ErrContended is returned when every claim attempt lost its compare-and-swap.
var ErrContended = errors.New("layer lock contended")

// LayerConflictError reports a different layer holding a fresh lock.
type LayerConflictError struct {
	Active    string
	Current   string
	UpdatedAt time.Time
}

func (e *LayerConflictError) Error() string {
	return fmt.Sprintf("layer mismatch: current=%s active=%s (updated %s)", e.Current, e.Active, e.UpdatedAt.Format(time.RFC3339))
}

// CorruptLockError reports lock data that could not be decoded.
type CorruptLockError struct {
	Version int64
	Err     error
}

func (e *CorruptLockError) Error() string {
	return fmt.Sprintf("corrupt layer lock: %v", e.Err)
}

func (e *CorruptLockError) Unwrap() error { return e.Err }
