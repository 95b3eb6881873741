// Package lock implements strict two-phase locking with a
// wait-for-graph deadlock detector, the concurrency-control layer under
// BlockDB's transaction manager.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/bmetrics"
)

// Mode is a lock's access mode.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Shared {
		return "shared"
	}
	return "exclusive"
}

// held is one granted lock.
type held struct {
	mode       Mode
	holder     uuid.UUID
	acquiredAt time.Time
}

// waiter is one queued lock request.
type waiter struct {
	txID        uuid.UUID
	mode        Mode
	requestedAt time.Time
	ready       chan struct{}
}

// resourceLocks is the lock state for a single key.
type resourceLocks struct {
	mu    sync.Mutex
	held  []held
	queue []*waiter
}

// canGrant reports whether mode is compatible with the currently held
// locks for txID: a transaction is always compatible with its own
// holds (reentrancy), and a sole Shared holder may upgrade itself to
// Exclusive; otherwise Shared/Shared is the only compatible pairing.
func (rl *resourceLocks) canGrant(txID uuid.UUID, mode Mode) bool {
	if len(rl.held) == 0 {
		return true
	}
	if mode == Shared {
		for _, h := range rl.held {
			if h.mode == Exclusive && h.holder != txID {
				return false
			}
		}
		return true
	}
	// Exclusive requested.
	for _, h := range rl.held {
		if h.holder == txID {
			continue
		}
		return false
	}
	// every holder (if any) is txID itself — upgrade-if-sole-holder.
	return true
}

// grant records mode as held by txID, replacing any existing hold it
// already has on this resource (the S-to-X upgrade path).
func (rl *resourceLocks) grant(txID uuid.UUID, mode Mode) {
	out := rl.held[:0]
	for _, h := range rl.held {
		if h.holder != txID {
			out = append(out, h)
		}
	}
	rl.held = append(out, held{mode: mode, holder: txID, acquiredAt: time.Now()})
}

// Manager coordinates per-key lock state and deadlock detection across
// all active transactions.
type Manager struct {
	mu        sync.RWMutex
	resources map[string]*resourceLocks
	txLocks   map[uuid.UUID]map[string]struct{}

	timeout  time.Duration
	detector *deadlockDetector
}

// NewManager returns a lock manager with the given per-request timeout.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		resources: make(map[string]*resourceLocks),
		txLocks:   make(map[uuid.UUID]map[string]struct{}),
		timeout:   timeout,
		detector:  newDeadlockDetector(),
	}
}

func (m *Manager) resourceFor(key string) *resourceLocks {
	m.mu.Lock()
	defer m.mu.Unlock()
	rl, ok := m.resources[key]
	if !ok {
		rl = &resourceLocks{}
		m.resources[key] = rl
	}
	return rl
}

// Acquire blocks until txID holds mode on key, ctx is cancelled, the
// configured timeout elapses, or a deadlock involving txID is detected
// and txID is chosen as the victim.
func (m *Manager) Acquire(ctx context.Context, txID uuid.UUID, key string, mode Mode) error {
	timer := bmetrics.NewTimer()
	defer timer.ObserveDurationVec(bmetrics.LockWaitDuration, mode.String())

	rl := m.resourceFor(key)

	rl.mu.Lock()
	if rl.canGrant(txID, mode) {
		rl.grant(txID, mode)
		rl.mu.Unlock()
		m.registerHold(txID, key)
		m.detector.removeTransaction(txID)
		return nil
	}

	w := &waiter{txID: txID, mode: mode, requestedAt: time.Now(), ready: make(chan struct{})}
	rl.queue = append(rl.queue, w)
	holders := holderSet(rl.held)
	rl.mu.Unlock()

	m.detector.addWaitEdge(txID, key, holders)
	defer m.detector.removeWaitEdge(txID, key)

	deadline, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	select {
	case <-w.ready:
		m.registerHold(txID, key)
		return nil
	case <-deadline.Done():
		m.removeWaiter(rl, w)
		if ctx.Err() != nil {
			return berrors.Wrap(berrors.KindLock, "lock acquisition canceled", ctx.Err())
		}
		return berrors.New(berrors.KindLock, "lock acquisition timed out")
	}
}

func holderSet(hs []held) []uuid.UUID {
	out := make([]uuid.UUID, len(hs))
	for i, h := range hs {
		out[i] = h.holder
	}
	return out
}

func (m *Manager) registerHold(txID uuid.UUID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.txLocks[txID]
	if !ok {
		ks = make(map[string]struct{})
		m.txLocks[txID] = ks
	}
	ks[key] = struct{}{}
}

func (m *Manager) removeWaiter(rl *resourceLocks, w *waiter) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for i, q := range rl.queue {
		if q == w {
			rl.queue = append(rl.queue[:i], rl.queue[i+1:]...)
			break
		}
	}
}

// Release drops txID's hold on key, if any, and grants whatever FIFO
// waiters now become compatible.
func (m *Manager) Release(txID uuid.UUID, key string) {
	rl := m.resourceFor(key)
	rl.mu.Lock()
	out := rl.held[:0]
	for _, h := range rl.held {
		if h.holder != txID {
			out = append(out, h)
		}
	}
	rl.held = out
	m.processWaitQueueLocked(rl)
	rl.mu.Unlock()

	m.mu.Lock()
	if ks, ok := m.txLocks[txID]; ok {
		delete(ks, key)
	}
	m.mu.Unlock()
	m.detector.removeHoldEdge(key, txID)
}

func (m *Manager) processWaitQueueLocked(rl *resourceLocks) {
	for len(rl.queue) > 0 {
		w := rl.queue[0]
		if !rl.canGrant(w.txID, w.mode) {
			break
		}
		rl.grant(w.txID, w.mode)
		rl.queue = rl.queue[1:]
		close(w.ready)
	}
}

// ReleaseAll drops every lock txID holds, used on commit or abort.
func (m *Manager) ReleaseAll(txID uuid.UUID) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.txLocks[txID]))
	for k := range m.txLocks[txID] {
		keys = append(keys, k)
	}
	delete(m.txLocks, txID)
	m.mu.Unlock()

	for _, k := range keys {
		m.Release(txID, k)
	}
	m.detector.removeTransaction(txID)
}

// DetectDeadlocks runs one pass of cycle detection over the wait-for
// graph and returns the transaction IDs chosen as victims (the
// youngest transaction in each detected cycle).
func (m *Manager) DetectDeadlocks(startedAt map[uuid.UUID]time.Time) []uuid.UUID {
	cycles := m.detector.detectCycles()
	var victims []uuid.UUID
	for _, cycle := range cycles {
		victims = append(victims, youngest(cycle, startedAt))
	}
	if len(victims) > 0 {
		bmetrics.DeadlocksDetectedTotal.Add(float64(len(victims)))
	}
	return victims
}

func youngest(cycle []uuid.UUID, startedAt map[uuid.UUID]time.Time) uuid.UUID {
	victim := cycle[0]
	latest := startedAt[victim]
	for _, id := range cycle[1:] {
		if t, ok := startedAt[id]; ok && t.After(latest) {
			latest = t
			victim = id
		}
	}
	return victim
}
