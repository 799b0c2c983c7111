// Package lockmgr implements the engine's Lock Manager: a resource table of
// shared/exclusive locks, a FIFO wait queue per resource, and a wait-for
// graph used to detect deadlocks before a waiter blocks forever.
package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/dberr"
)

// Mode is the lock mode requested on a resource.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

// TxnID identifies the transaction requesting or holding a lock.
type TxnID uint64

// DefaultTimeout is how long Acquire waits for a grant before giving up, per
// the engine's hard lock-wait-timeout default.
const DefaultTimeout = 30 * time.Second

type holder struct {
	txn  TxnID
	mode Mode
}

type waiter struct {
	txn    TxnID
	mode   Mode
	result chan error
}

type lockEntry struct {
	holders map[TxnID]Mode
	queue   []*waiter
}

// Manager is the Lock Manager: one resource table, one wait-for graph, one
// mutex. Resources are named by an opaque string key (a namespace, or a
// namespace+document-id pair); the manager does not interpret the string.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	// held maps a txn to every resource it currently holds, used to build
	// the wait-for graph and to release everything on commit/abort.
	held map[TxnID]map[string]bool
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Manager {
	return &Manager{
		entries: make(map[string]*lockEntry),
		held:    make(map[TxnID]map[string]bool),
		log:     log,
	}
}

func compatible(a, b Mode) bool {
	return a == Shared && b == Shared
}

// Acquire blocks until txn holds mode on resource, a deadlock is detected
// (returning dberr with CodeTransactionAborted so the caller can abort), the
// context is cancelled, or timeout elapses.
func (m *Manager) Acquire(ctx context.Context, txn TxnID, resource string, mode Mode, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	m.mu.Lock()
	entry, ok := m.entries[resource]
	if !ok {
		entry = &lockEntry{holders: make(map[TxnID]Mode)}
		m.entries[resource] = entry
	}

	// Re-entrant: txn already holds at least this strong a mode.
	if existing, held := entry.holders[txn]; held {
		if existing == Exclusive || existing == mode {
			m.mu.Unlock()
			return nil
		}
		// Upgrade shared -> exclusive: allowed immediately only if txn is the
		// sole holder, otherwise it must wait like any other exclusive
		// request (a racy best-effort attempt, per the engine's upgrade
		// contract — no separate upgrade queue).
		if len(entry.holders) == 1 {
			entry.holders[txn] = Exclusive
			m.mu.Unlock()
			return nil
		}
		// Contested upgrade: drop txn's own shared entry before judging
		// grantability against the other holders. Left in place, it would
		// make compatible(Shared, Exclusive) false against itself forever,
		// so the upgrade could only ever time out. Per the upgrade atomicity
		// contract, txn now holds nothing on resource until the wait below
		// either grants Exclusive or gives up.
		delete(entry.holders, txn)
		if set, ok := m.held[txn]; ok {
			delete(set, resource)
		}
	}

	canGrantNow := len(entry.queue) == 0
	if canGrantNow {
		for _, hm := range entry.holders {
			if !compatible(hm, mode) {
				canGrantNow = false
				break
			}
		}
	}

	if canGrantNow {
		entry.holders[txn] = mode
		m.markHeld(txn, resource)
		m.mu.Unlock()
		return nil
	}

	// Must wait: record the wait-for edges, then check for a cycle before
	// actually enqueuing, so a deadlock is caught before we block.
	if victim, deadlocked := m.detectDeadlockLocked(txn, entry); deadlocked {
		m.mu.Unlock()
		m.log.Warn().Uint64("txn", uint64(victim)).Str("resource", resource).Msg("deadlock detected, aborting")
		return dberr.TransactionAborted(fmt.Sprintf("deadlock detected, transaction %d chosen as victim", victim))
	}

	w := &waiter{txn: txn, mode: mode, result: make(chan error, 1)}
	entry.queue = append(entry.queue, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w.result:
		return err
	case <-timer.C:
		m.cancelWaiter(resource, w)
		return dberr.OperationFailed(fmt.Sprintf("lock wait timeout on resource %s", resource), nil)
	case <-ctx.Done():
		m.cancelWaiter(resource, w)
		return ctx.Err()
	}
}

// detectDeadlockLocked walks the wait-for graph that would result from txn
// waiting on entry's current holders, via DFS with a visited and recursion
// set. If a cycle is found, txn itself, the newly blocked transaction (LIFO
// policy), is returned as the victim.
func (m *Manager) detectDeadlockLocked(txn TxnID, entry *lockEntry) (TxnID, bool) {
	// Build the set of transactions txn would wait on.
	waitsOn := make(map[TxnID]bool)
	for h := range entry.holders {
		if h != txn {
			waitsOn[h] = true
		}
	}
	if len(waitsOn) == 0 {
		return 0, false
	}

	visited := make(map[TxnID]bool)
	recStack := make(map[TxnID]bool)
	var path []TxnID

	var dfs func(node TxnID) (TxnID, bool)
	dfs = func(node TxnID) (TxnID, bool) {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		next := m.waitsOnLocked(node)
		for n := range next {
			if n == txn {
				// Cycle back to the originator: the LIFO victim is the
				// newly blocked requester.
				return txn, true
			}
			if recStack[n] {
				return txn, true
			}
			if !visited[n] {
				if victim, found := dfs(n); found {
					return victim, true
				}
			}
		}

		recStack[node] = false
		path = path[:len(path)-1]
		return 0, false
	}

	for h := range waitsOn {
		if victim, found := dfs(h); found {
			return victim, true
		}
	}
	return 0, false
}

// waitsOnLocked returns the set of transactions `node` is currently waiting
// to acquire a lock from, across every resource it's queued on.
func (m *Manager) waitsOnLocked(node TxnID) map[TxnID]bool {
	out := make(map[TxnID]bool)
	for _, e := range m.entries {
		waiting := false
		for _, w := range e.queue {
			if w.txn == node {
				waiting = true
				break
			}
		}
		if !waiting {
			continue
		}
		for h := range e.holders {
			if h != node {
				out[h] = true
			}
		}
	}
	return out
}

func (m *Manager) markHeld(txn TxnID, resource string) {
	set, ok := m.held[txn]
	if !ok {
		set = make(map[string]bool)
		m.held[txn] = set
	}
	set[resource] = true
}

func (m *Manager) cancelWaiter(resource string, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[resource]
	if !ok {
		return
	}
	for i, qw := range entry.queue {
		if qw == w {
			entry.queue = append(entry.queue[:i], entry.queue[i+1:]...)
			break
		}
	}
}

// ReleaseAll releases every lock held by txn, waking any waiters whose
// request becomes grantable, in the order they queued.
func (m *Manager) ReleaseAll(txn TxnID) {
	m.mu.Lock()
	resources := m.held[txn]
	delete(m.held, txn)
	m.mu.Unlock()

	for resource := range resources {
		m.release(resource, txn)
	}
}

func (m *Manager) release(resource string, txn TxnID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[resource]
	if !ok {
		return
	}
	delete(entry.holders, txn)

	m.wakeWaitersLocked(resource, entry)

	if len(entry.holders) == 0 && len(entry.queue) == 0 {
		delete(m.entries, resource)
	}
}

// wakeWaitersLocked grants the lock to as many leading waiters as are
// mutually compatible and compatible with whatever is already held,
// preserving arrival order (no queue-jumping).
func (m *Manager) wakeWaitersLocked(resource string, entry *lockEntry) {
	for len(entry.queue) > 0 {
		w := entry.queue[0]
		ok := true
		for ht, hm := range entry.holders {
			if ht == w.txn {
				continue
			}
			if !compatible(hm, w.mode) {
				ok = false
				break
			}
		}
		if !ok {
			break
		}
		entry.queue = entry.queue[1:]
		entry.holders[w.txn] = w.mode
		m.markHeld(w.txn, resource)
		w.result <- nil

		if w.mode == Exclusive {
			break
		}
	}
}

// HeldResources reports every resource txn currently holds a lock on, used
// by the Transaction Manager to decide what to release on commit/abort.
func (m *Manager) HeldResources(txn TxnID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.held[txn]))
	for r := range m.held[txn] {
		out = append(out, r)
	}
	return out
}
