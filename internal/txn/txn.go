// Package txn implements the Transaction and Transaction Manager component:
// two-phase locking with an in-memory undo log, not multi-version snapshots.
// Every write acquires an exclusive lock through internal/lockmgr before it is
// applied; abort replays the undo log in reverse to restore every pre-image.
package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/dberr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/lockmgr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

// Status is the lifecycle state of a Transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// UndoRecord is one entry of a transaction's undo log: a closure that
// reverses exactly one write, plus a label for diagnostics.
type UndoRecord struct {
	Description string
	Undo        func() error
}

// Transaction is a single unit of work under 2PL: it accumulates locks and
// an undo log as it runs, and is either committed (locks released, undo log
// discarded) or aborted (undo log replayed newest-first, then locks
// released).
type Transaction struct {
	ID       lockmgr.TxnID
	Status   Status
	WriteSet map[string]bool

	mu      sync.Mutex
	undoLog []UndoRecord
}

// LogUndo appends an undo record. Callers (Collection, Index Manager) record
// one of these for every insert/update/delete they apply under this
// transaction, before releasing control back to the command driver.
func (t *Transaction) LogUndo(description string, undo func() error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undoLog = append(t.undoLog, UndoRecord{Description: description, Undo: undo})
}

// MarkWrite records that this transaction has written to resource, for
// diagnostics and for WriteSet visibility in tests.
func (t *Transaction) MarkWrite(resource string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WriteSet == nil {
		t.WriteSet = make(map[string]bool)
	}
	t.WriteSet[resource] = true
}

// Manager is the Transaction Manager: owns transaction lifecycle, lock
// acquisition on behalf of transactions, and commit/abort semantics.
type Manager struct {
	lockMgr *lockmgr.Manager
	pager   *storage.Pager
	log     zerolog.Logger

	mu     sync.Mutex
	active map[lockmgr.TxnID]*Transaction
	nextID uint64
}

func NewManager(lockMgr *lockmgr.Manager, pager *storage.Pager, log zerolog.Logger) *Manager {
	return &Manager{
		lockMgr: lockMgr,
		pager:   pager,
		log:     log,
		active:  make(map[lockmgr.TxnID]*Transaction),
	}
}

// Begin starts a new transaction and registers it as active.
func (m *Manager) Begin() *Transaction {
	id := lockmgr.TxnID(atomic.AddUint64(&m.nextID, 1))
	t := &Transaction{ID: id, Status: StatusActive}

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()

	m.log.Debug().Uint64("txn", uint64(id)).Msg("transaction begin")
	return t
}

// AcquireLock acquires mode on resource on behalf of txn, aborting the
// transaction automatically if the Lock Manager reports a deadlock or
// timeout, matching spec §4.2's "a failed lock acquisition aborts the
// transaction that requested it."
func (m *Manager) AcquireLock(ctx context.Context, t *Transaction, resource string, mode lockmgr.Mode, timeout time.Duration) error {
	if t.Status != StatusActive {
		return dberr.NoSuchTransaction("transaction is not active")
	}
	if err := m.lockMgr.Acquire(ctx, t.ID, resource, mode, timeout); err != nil {
		m.abortLocked(t)
		return err
	}
	return nil
}

// Commit releases every lock held by t and discards its undo log. Per the
// engine's durability model there is no per-transaction WAL boundary:
// Commit's only durable action is a single whole-pager Sync after locks are
// released.
func (m *Manager) Commit(t *Transaction) error {
	t.mu.Lock()
	if t.Status != StatusActive {
		status := t.Status
		t.mu.Unlock()
		if status == StatusCommitted {
			return dberr.TransactionCommitted("transaction already committed")
		}
		return dberr.TransactionAborted("transaction already aborted")
	}
	t.Status = StatusCommitted
	t.undoLog = nil
	t.mu.Unlock()

	m.lockMgr.ReleaseAll(t.ID)
	m.removeActive(t.ID)

	if m.pager != nil {
		if err := m.pager.Sync(); err != nil {
			return dberr.InternalError("commit sync failed", err)
		}
	}

	m.log.Debug().Uint64("txn", uint64(t.ID)).Msg("transaction commit")
	return nil
}

// Abort replays t's undo log newest-first, restoring every pre-image, then
// releases its locks. Errors from individual undo steps are logged (Abort
// itself returns nil) but do not stop the rest of the replay, since leaving a later
// write applied after an earlier undo fails would corrupt state worse than
// best-effort rollback.
func (m *Manager) Abort(t *Transaction) error {
	t.mu.Lock()
	if t.Status != StatusActive {
		t.mu.Unlock()
		return nil
	}
	log := t.undoLog
	t.undoLog = nil
	t.Status = StatusAborted
	t.mu.Unlock()

	m.replayUndo(t.ID, log)
	m.lockMgr.ReleaseAll(t.ID)
	m.removeActive(t.ID)

	m.log.Debug().Uint64("txn", uint64(t.ID)).Msg("transaction abort")
	return nil
}

func (m *Manager) abortLocked(t *Transaction) {
	_ = m.Abort(t)
}

func (m *Manager) replayUndo(id lockmgr.TxnID, log []UndoRecord) {
	for i := len(log) - 1; i >= 0; i-- {
		if err := log[i].Undo(); err != nil {
			m.log.Warn().Uint64("txn", uint64(id)).Str("step", log[i].Description).Err(err).Msg("undo step failed during abort")
		}
	}
}

func (m *Manager) removeActive(id lockmgr.TxnID) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// GetActiveTransactionCount reports how many transactions are currently
// active, used by tests and diagnostics.
func (m *Manager) GetActiveTransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close aborts every still-active transaction, used on Database.Close.
func (m *Manager) Close() error {
	m.mu.Lock()
	remaining := make([]*Transaction, 0, len(m.active))
	for _, t := range m.active {
		remaining = append(remaining, t)
	}
	m.mu.Unlock()

	for _, t := range remaining {
		_ = m.Abort(t)
	}
	return nil
}
