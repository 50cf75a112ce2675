package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojodoc/core/write_engine/dberror"
	internaltelemetry "github.com/sushant-115/gojodoc/internal/telemetry"
	"go.uber.org/zap"
)

// LockMode is the strongest mode a scope holds on the datafile.
type LockMode int

const (
	LockUnlocked LockMode = iota
	LockShared
	LockReserved
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "shared"
	case LockReserved:
		return "reserved"
	case LockExclusive:
		return "exclusive"
	default:
		return "unlocked"
	}
}

// Locker coordinates access to one datafile. Shared is held by every transaction,
// Reserved by the single writer preparing a commit, Exclusive only briefly to fold
// the log into the data file. Modes are taken in that order through scopes.
type Locker struct {
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics
	timeout time.Duration

	mu               sync.Mutex
	changed          chan struct{} // closed and replaced on every release
	shared           int
	reserved         bool
	exclusive        bool
	exclusivePending bool
}

func NewLocker(timeout time.Duration, logger *zap.Logger, metrics *internaltelemetry.EngineMetrics) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopEngineMetrics()
	}
	return &Locker{
		logger:  logger.Named("locker"),
		metrics: metrics,
		timeout: timeout,
		changed: make(chan struct{}),
	}
}

// notifyLocked wakes every waiter. Caller holds l.mu.
func (l *Locker) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// acquire waits until ready reports true under l.mu, then runs take.
func (l *Locker) acquire(ctx context.Context, mode LockMode, ready func() bool, take func()) error {
	start := time.Now()
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	defer func() {
		l.metrics.LockWaitHistogram.Record(ctx, float64(time.Since(start).Microseconds())/1000, internaltelemetry.ModeAttr(mode.String()))
	}()

	for {
		l.mu.Lock()
		if ready() {
			take()
			l.mu.Unlock()
			return nil
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			l.metrics.LockTimeoutsCounter.Add(ctx, 1, internaltelemetry.ModeAttr(mode.String()))
			l.logger.Warn("lock timeout", zap.Stringer("mode", mode), zap.Duration("timeout", l.timeout))
			return fmt.Errorf("%w: %s lock not acquired within %s", dberror.ErrLockTimeout, mode, l.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shared enters the datafile. New shared holders wait while an exclusive lock is
// held or pending so a checkpoint cannot starve.
func (l *Locker) Shared(ctx context.Context) (*SharedScope, error) {
	err := l.acquire(ctx, LockShared,
		func() bool { return !l.exclusive && !l.exclusivePending },
		func() { l.shared++ })
	if err != nil {
		return nil, err
	}
	return &SharedScope{locker: l}, nil
}

// LockState is a snapshot used by stats and tests.
type LockState struct {
	Shared    int
	Reserved  bool
	Exclusive bool
}

func (l *Locker) State() LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LockState{Shared: l.shared, Reserved: l.reserved, Exclusive: l.exclusive}
}

// SharedScope is a shared hold on the datafile.
type SharedScope struct {
	locker   *Locker
	once     sync.Once
	released bool // guarded by locker.mu
}

// Reserved upgrades to the single writer slot. Other shared holders keep running.
func (s *SharedScope) Reserved(ctx context.Context) (*ReservedScope, error) {
	l := s.locker
	err := l.acquire(ctx, LockReserved,
		func() bool { return !l.reserved },
		func() { l.reserved = true })
	if err != nil {
		return nil, err
	}
	return &ReservedScope{locker: l, shared: s}, nil
}

// Release leaves the datafile. Calling it more than once is a no-op.
func (s *SharedScope) Release() {
	s.once.Do(func() {
		l := s.locker
		l.mu.Lock()
		s.released = true
		l.shared--
		l.notifyLocked()
		l.mu.Unlock()
	})
}

// ReservedScope is the writer slot.
type ReservedScope struct {
	locker *Locker
	shared *SharedScope
	once   sync.Once
}

// othersLocked counts shared holders besides the writer's own scope, which may
// already be released. Caller holds l.mu.
func (r *ReservedScope) othersLocked() int {
	if r.shared.released {
		return r.locker.shared
	}
	return r.locker.shared - 1
}

// Exclusive waits until no other shared holder is left. While it waits no new
// shared holder is admitted.
func (r *ReservedScope) Exclusive(ctx context.Context) (*ExclusiveScope, error) {
	l := r.locker
	l.mu.Lock()
	l.exclusivePending = true
	l.mu.Unlock()

	err := l.acquire(ctx, LockExclusive,
		func() bool { return r.othersLocked() == 0 },
		func() {
			l.exclusive = true
			l.exclusivePending = false
		})
	if err != nil {
		l.mu.Lock()
		l.exclusivePending = false
		l.notifyLocked()
		l.mu.Unlock()
		return nil, err
	}
	return &ExclusiveScope{locker: l}, nil
}

// TryExclusive takes the exclusive lock only if no other shared holder is left.
// It never waits, so readers are never held off.
func (r *ReservedScope) TryExclusive() (*ExclusiveScope, bool) {
	l := r.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.othersLocked() != 0 || l.exclusive {
		return nil, false
	}
	l.exclusive = true
	return &ExclusiveScope{locker: l}, true
}

func (r *ReservedScope) Release() {
	r.once.Do(func() {
		l := r.locker
		l.mu.Lock()
		l.reserved = false
		l.notifyLocked()
		l.mu.Unlock()
	})
}

// ExclusiveScope blocks every other transaction.
type ExclusiveScope struct {
	locker *Locker
	once   sync.Once
}

func (e *ExclusiveScope) Release() {
	e.once.Do(func() {
		l := e.locker
		l.mu.Lock()
		l.exclusive = false
		l.notifyLocked()
		l.mu.Unlock()
	})
}
