package layerguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/synqualis/synq/pkg/eventlog"
)

const (
	// DefaultStaleAfter is the age after which a lock no longer blocks other layers.
	DefaultStaleAfter = 2 * time.Hour

	maxClaimAttempts = 3
)

// Guard checks and claims the active layer.
type Guard struct {
	store      LockStore
	events     *eventlog.Writer
	staleAfter time.Duration
	owner      string
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithStaleAfter sets the staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(g *Guard) { g.staleAfter = d }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) { g.clock = clock }
}

// WithOwner overrides the owner identifier written into the lock.
func WithOwner(owner string) Option {
	return func(g *Guard) { g.owner = owner }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New returns a Guard over store that records outcomes to events.
func New(store LockStore, events *eventlog.Writer, opts ...Option) *Guard {
	g := &Guard{
		store:      store,
		events:     events,
		staleAfter: DefaultStaleAfter,
		owner:      defaultOwner(),
		clock:      time.Now,
		logger:     slog.Default().With("component", "layerguard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ack describes a successful claim.
type Ack struct {
	Layer   string
	Version int64
	// Previous is the lock that was replaced, nil when there was none.
	Previous *Lock
	// Superseded is set when a stale lock of another layer was taken over.
	Superseded bool
}

// CheckAndClaim fails with *LayerConflictError when another layer holds a
// fresh lock. Otherwise it claims the lock for current. Exactly one guard
// record is appended per call.
func (g *Guard) CheckAndClaim(ctx context.Context, current string) (*Ack, error) {
	for attempt := 1; attempt <= maxClaimAttempts; attempt++ {
		prev, prevVersion, err := g.load(ctx)
		if err != nil {
			err = fmt.Errorf("load layer lock: %w", err)
			return nil, g.fail(ctx, &eventlog.GuardRecord{Current: current, Message: err.Error()}, err)
		}

		now := g.clock().UTC()
		held := prev != nil && prev.Layer != "" && prev.Layer != current
		if held && now.Sub(prev.UpdatedAt) < g.staleAfter {
			conflict := &LayerConflictError{Active: prev.Layer, Current: current, UpdatedAt: prev.UpdatedAt}
			return nil, g.fail(ctx, recordFor(current, prev, conflict.Error()), conflict)
		}

		next := Lock{Layer: current, UpdatedAt: now, Owner: g.owner, Version: prevVersion + 1}
		swapped, err := g.store.CompareAndSwap(ctx, prevVersion, next)
		if err != nil {
			err = fmt.Errorf("claim layer lock: %w", err)
			return nil, g.fail(ctx, recordFor(current, prev, err.Error()), err)
		}
		if !swapped {
			g.logger.DebugContext(ctx, "lost layer lock race", "attempt", attempt, "version", prevVersion)
			continue
		}

		ack := &Ack{Layer: current, Version: next.Version, Previous: prev, Superseded: held}
		rec := recordFor(current, prev, "")
		rec.Status = eventlog.StatusOK
		rec.Owner = g.owner
		rec.Version = next.Version
		rec.Superseded = held
		if err := g.events.Append(ctx, rec); err != nil {
			return ack, fmt.Errorf("record guard outcome: %w", err)
		}
		return ack, nil
	}

	return nil, g.fail(ctx, &eventlog.GuardRecord{Current: current, Message: ErrContended.Error()}, ErrContended)
}

func (g *Guard) load(ctx context.Context) (*Lock, int64, error) {
	lock, err := g.store.Load(ctx)
	var corrupt *CorruptLockError
	if errors.As(err, &corrupt) {
		g.logger.WarnContext(ctx, "ignoring unreadable layer lock", "error", corrupt.Err)
		return nil, corrupt.Version, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if lock == nil {
		return nil, 0, nil
	}
	return lock, lock.Version, nil
}

func (g *Guard) fail(ctx context.Context, rec *eventlog.GuardRecord, cause error) error {
	rec.Status = eventlog.StatusError
	if err := g.events.Append(ctx, rec); err != nil {
		return errors.Join(cause, fmt.Errorf("record guard outcome: %w", err))
	}
	return cause
}

func recordFor(current string, prev *Lock, msg string) *eventlog.GuardRecord {
	rec := &eventlog.GuardRecord{Current: current, Message: msg}
	if prev != nil {
		rec.Active = prev.Layer
		if !prev.UpdatedAt.IsZero() {
			at := prev.UpdatedAt
			rec.UpdatedAt = &at
		}
	}
	return rec
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
