// Package txn implements BlockDB's ACID transaction layer: strict
// two-phase locking via pkg/lock, a durable transaction log, and a
// two-phase commit coordinator for distributed transactions.
package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rishabh-tripathi/blockdb/pkg/berrors"
	"github.com/rishabh-tripathi/blockdb/pkg/blog"
	"github.com/rishabh-tripathi/blockdb/pkg/bmetrics"
	"github.com/rishabh-tripathi/blockdb/pkg/lock"
	"github.com/rishabh-tripathi/blockdb/pkg/storage"
)

// State is a transaction's lifecycle stage.
type State int

const (
	Active State = iota
	Preparing
	Committed
	Aborted
)

// OpKind names a buffered operation.
type OpKind int

const (
	OpPut OpKind = iota
	OpGet
	OpDelete
)

// Operation is one buffered read or write within a transaction.
type Operation struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// IsWrite reports whether the operation mutates state.
func (o Operation) IsWrite() bool { return o.Kind == OpPut || o.Kind == OpDelete }

// Transaction tracks one in-flight unit of work.
type Transaction struct {
	mu         sync.Mutex
	ID         uuid.UUID
	State      State
	Operations []Operation
	ReadSet    map[string]struct{}
	WriteSet   map[string][]byte
	StartTime  time.Time
	Timeout    time.Duration
}

func newTransaction(id uuid.UUID, timeout time.Duration) *Transaction {
	return &Transaction{
		ID:        id,
		State:     Active,
		ReadSet:   make(map[string]struct{}),
		WriteSet:  make(map[string][]byte),
		StartTime: time.Now(),
		Timeout:   timeout,
	}
}

func (t *Transaction) addOperation(op Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Operations = append(t.Operations, op)
	switch op.Kind {
	case OpGet:
		t.ReadSet[string(op.Key)] = struct{}{}
	case OpPut:
		t.WriteSet[string(op.Key)] = op.Value
	case OpDelete:
		t.WriteSet[string(op.Key)] = nil
	}
}

func (t *Transaction) isExpired() bool {
	return time.Since(t.StartTime) > t.Timeout
}

// Manager runs transactions against a storage engine, serializing
// conflicting access through a lock.Manager and durably logging every
// state transition.
type Manager struct {
	mu      sync.RWMutex
	active  map[uuid.UUID]*Transaction
	storage *storage.Engine
	locks   *lock.Manager
	txlog   *Log

	defaultTimeout time.Duration

	stopDetect chan struct{}
	wg         sync.WaitGroup
}

// NewManager constructs a transaction manager over storage, backed by a
// durable log at logPath.
func NewManager(st *storage.Engine, locks *lock.Manager, logPath string, defaultTimeout time.Duration) (*Manager, error) {
	l, err := OpenLog(logPath)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		active:         make(map[uuid.UUID]*Transaction),
		storage:        st,
		locks:          locks,
		txlog:          l,
		defaultTimeout: defaultTimeout,
		stopDetect:     make(chan struct{}),
	}
	if err := m.recoverLog(); err != nil {
		return nil, err
	}
	m.wg.Add(1)
	go m.detectLoop()
	return m, nil
}

// recoverLog replays the transaction log and resolves any transaction
// left in-flight by a crash: a Prepare (or bare Begin) with no Commit
// or Abort afterward is aborted, and the abort is logged so a second
// recovery sees a settled outcome.
func (m *Manager) recoverLog() error {
	entries, err := m.txlog.Recover()
	if err != nil {
		return err
	}
	unresolved := make(map[uuid.UUID]struct{})
	for _, e := range entries {
		switch e.Kind {
		case EntryBegin, EntryPrepare:
			unresolved[e.TxID] = struct{}{}
		case EntryCommit, EntryAbort:
			delete(unresolved, e.TxID)
		}
	}
	for id := range unresolved {
		unresolvedLogger := blog.WithTxID(id.String())
		unresolvedLogger.Warn().Msg("aborting transaction left unresolved by a crash")
		if err := m.txlog.Append(Entry{Kind: EntryAbort, TxID: id, Timestamp: time.Now()}); err != nil {
			return err
		}
	}
	return nil
}

// Begin starts a new transaction with the manager's default timeout.
func (m *Manager) Begin() *Transaction {
	return m.BeginWithTimeout(m.defaultTimeout)
}

// BeginWithTimeout starts a new transaction with an explicit timeout.
func (m *Manager) BeginWithTimeout(timeout time.Duration) *Transaction {
	return m.BeginWithID(uuid.New(), timeout)
}

// BeginWithID starts a transaction under an externally-assigned id. A
// two-phase-commit participant uses this so its local branch shares the
// distributed transaction's id and can be found when the coordinator
// sends prepare/commit/abort for it.
func (m *Manager) BeginWithID(id uuid.UUID, timeout time.Duration) *Transaction {
	t := newTransaction(id, timeout)
	m.mu.Lock()
	m.active[t.ID] = t
	m.mu.Unlock()
	bmetrics.ActiveTransactions.Set(float64(m.activeCount()))
	if err := m.txlog.Append(Entry{Kind: EntryBegin, TxID: t.ID, Timestamp: time.Now()}); err != nil {
		blog.Errorf("failed to log transaction begin", err)
	}
	return t
}

func (m *Manager) activeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Get reads key within the transaction: its own write set takes
// precedence (read-your-writes), otherwise it acquires a shared lock
// and falls through to a snapshot read from the storage engine — this
// is the real storage read the prior implementation omitted.
func (m *Manager) Get(ctx context.Context, t *Transaction, key []byte) ([]byte, bool, error) {
	if v, ok := t.WriteSet[string(key)]; ok {
		t.addOperation(Operation{Kind: OpGet, Key: key})
		return v, v != nil, nil
	}
	if err := m.locks.Acquire(ctx, t.ID, string(key), lock.Shared); err != nil {
		return nil, false, err
	}
	t.addOperation(Operation{Kind: OpGet, Key: key})
	return m.storage.Get(key)
}

// Put buffers a write under exclusive lock. The write is not applied to
// storage until Commit.
func (m *Manager) Put(ctx context.Context, t *Transaction, key, value []byte) error {
	if err := m.locks.Acquire(ctx, t.ID, string(key), lock.Exclusive); err != nil {
		return err
	}
	t.addOperation(Operation{Kind: OpPut, Key: key, Value: value})
	return nil
}

// Prepare transitions t from Active to Preparing and logs the
// transition. An expired transaction cannot be prepared.
func (m *Manager) Prepare(t *Transaction) error {
	t.mu.Lock()
	if t.State != Active {
		t.mu.Unlock()
		return berrors.New(berrors.KindTransaction, "transaction not active")
	}
	if t.isExpired() {
		t.mu.Unlock()
		_ = m.Abort(t)
		return berrors.New(berrors.KindTransaction, "transaction expired")
	}
	t.State = Preparing
	t.mu.Unlock()
	return m.txlog.Append(Entry{Kind: EntryPrepare, TxID: t.ID, Timestamp: time.Now()})
}

// Commit applies t's write set to the storage engine in sorted key
// order — where the append-only guard can fire and abort the
// transaction — then releases its locks and logs the commit. This
// closes the gap where the write set was buffered but never actually
// reached storage.
func (m *Manager) Commit(t *Transaction) error {
	timer := bmetrics.NewTimer()
	defer timer.ObserveDuration(bmetrics.TxCommitDuration)

	// A caller may commit straight from Active; the Preparing transition
	// (and its log entry) still happens, the two calls are just fused.
	t.mu.Lock()
	state := t.State
	t.mu.Unlock()
	if state == Active {
		if err := m.Prepare(t); err != nil {
			bmetrics.TxOutcomesTotal.WithLabelValues("rejected").Inc()
			return err
		}
	} else if state != Preparing {
		bmetrics.TxOutcomesTotal.WithLabelValues("rejected").Inc()
		return berrors.New(berrors.KindTransaction, "transaction cannot commit")
	}

	keys := make([]string, 0, len(t.WriteSet))
	for k := range t.WriteSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := t.WriteSet[k]
		if v == nil {
			continue // deletes are not representable in an append-only engine
		}
		if _, err := m.storage.Put([]byte(k), v); err != nil {
			_ = m.Abort(t)
			bmetrics.TxOutcomesTotal.WithLabelValues("aborted").Inc()
			return err
		}
	}

	t.mu.Lock()
	t.State = Committed
	t.mu.Unlock()

	m.locks.ReleaseAll(t.ID)
	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	bmetrics.ActiveTransactions.Set(float64(m.activeCount()))
	bmetrics.TxOutcomesTotal.WithLabelValues("committed").Inc()

	return m.txlog.Append(Entry{Kind: EntryCommit, TxID: t.ID, Timestamp: time.Now()})
}

// Abort transitions t to Aborted, releases its locks, and logs the
// abort.
func (m *Manager) Abort(t *Transaction) error {
	t.mu.Lock()
	t.State = Aborted
	t.mu.Unlock()

	m.locks.ReleaseAll(t.ID)
	m.mu.Lock()
	delete(m.active, t.ID)
	m.mu.Unlock()
	bmetrics.ActiveTransactions.Set(float64(m.activeCount()))
	bmetrics.TxOutcomesTotal.WithLabelValues("aborted").Inc()

	return m.txlog.Append(Entry{Kind: EntryAbort, TxID: t.ID, Timestamp: time.Now()})
}

// GetTransaction returns the active transaction for id, if any.
func (m *Manager) GetTransaction(id uuid.UUID) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.active[id]
	return t, ok
}

// ActiveCount returns the number of currently active transactions.
func (m *Manager) ActiveCount() int { return m.activeCount() }

// CleanupExpired aborts every active transaction past its deadline.
func (m *Manager) CleanupExpired() {
	m.mu.RLock()
	var expired []*Transaction
	for _, t := range m.active {
		if t.isExpired() {
			expired = append(expired, t)
		}
	}
	m.mu.RUnlock()
	for _, t := range expired {
		expiredLogger := blog.WithTxID(t.ID.String())
		expiredLogger.Warn().Msg("aborting expired transaction")
		_ = m.Abort(t)
	}
}

func (m *Manager) detectLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
			m.runDeadlockDetection()
		case <-m.stopDetect:
			return
		}
	}
}

func (m *Manager) runDeadlockDetection() {
	m.mu.RLock()
	started := make(map[uuid.UUID]time.Time, len(m.active))
	for id, t := range m.active {
		started[id] = t.StartTime
	}
	m.mu.RUnlock()

	victims := m.locks.DetectDeadlocks(started)
	for _, id := range victims {
		if t, ok := m.GetTransaction(id); ok {
			victimLogger := blog.WithTxID(id.String())
			victimLogger.Warn().Msg("aborting transaction chosen as deadlock victim")
			_ = m.Abort(t)
		}
	}
}

// Close stops background goroutines and the transaction log file.
func (m *Manager) Close() error {
	close(m.stopDetect)
	m.wg.Wait()
	return m.txlog.Close()
}
