// Package session implements the Session Manager: client logical sessions
// (lsid) carrying a monotonically increasing transaction number, with a
// background sweep reaping sessions idle past their TTL.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/dberr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/txn"
)

// Defaults per the engine's hard limits table.
const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleTimeout   = 30 * time.Minute
)

// Session is one client logical session.
type Session struct {
	LSID     string
	lastUsed time.Time
	// txnNumberUsed is the last txnNumber StartTransaction accepted, or -1 if
	// none has been used yet. A signed sentinel is required because 0 is a
	// legitimate first txnNumber (the value most drivers send), so a zero
	// value can't double as "never used".
	txnNumberUsed int64
	activeTxn     *txn.Transaction
	activeTxnN    int64

	mu sync.Mutex
}

// Manager owns every live session and sweeps idle ones.
type Manager struct {
	txnMgr       *txn.Manager
	idleTimeout  time.Duration
	sweepEvery   time.Duration
	log          zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	running  bool
	stopChan chan struct{}
}

func New(txnMgr *txn.Manager, idleTimeout, sweepEvery time.Duration, log zerolog.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	return &Manager{
		txnMgr:      txnMgr,
		idleTimeout: idleTimeout,
		sweepEvery:  sweepEvery,
		log:         log,
		sessions:    make(map[string]*Session),
	}
}

// GetOrCreateSession returns the session for lsid, creating one (and
// manufacturing a fresh lsid, the string form of uuid.New, when lsid is empty) if
// none exists yet.
func (m *Manager) GetOrCreateSession(lsid string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lsid == "" {
		lsid = uuid.New().String()
	}

	s, ok := m.sessions[lsid]
	if !ok {
		s = &Session{LSID: lsid, lastUsed: time.Now(), txnNumberUsed: -1}
		m.sessions[lsid] = s
	} else {
		s.mu.Lock()
		s.lastUsed = time.Now()
		s.mu.Unlock()
	}
	return s
}

// RefreshSession marks lsid's session as recently used, extending its TTL.
func (m *Manager) RefreshSession(lsid string) error {
	m.mu.Lock()
	s, ok := m.sessions[lsid]
	m.mu.Unlock()
	if !ok {
		return dberr.NoSuchSession(lsid)
	}
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
	return nil
}

// EndSession aborts any in-flight transaction and removes the session.
func (m *Manager) EndSession(lsid string) error {
	m.mu.Lock()
	s, ok := m.sessions[lsid]
	delete(m.sessions, lsid)
	m.mu.Unlock()
	if !ok {
		return dberr.NoSuchSession(lsid)
	}

	s.mu.Lock()
	activeTxn := s.activeTxn
	s.activeTxn = nil
	s.mu.Unlock()

	if activeTxn != nil {
		return m.txnMgr.Abort(activeTxn)
	}
	return nil
}

// StartTransaction begins a new transaction on the session, enforcing the
// per-session monotonic txnNumber ordering: a txnNumber not strictly greater
// than the last one used is rejected as too old. txnNumber 0 is a legitimate
// first transaction number; txnNumberUsed starts at -1 so it never collides
// with that.
func (s *Session) StartTransaction(mgr *txn.Manager, txnNumber int64) (*txn.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeTxn != nil {
		return nil, dberr.NoSuchTransaction("a transaction is already active on this session")
	}
	if txnNumber <= s.txnNumberUsed {
		return nil, dberr.TransactionTooOld("transaction number is not greater than the last seen for this session")
	}

	t := mgr.Begin()
	s.activeTxn = t
	s.activeTxnN = txnNumber
	s.txnNumberUsed = txnNumber
	s.lastUsed = time.Now()
	return t, nil
}

// GetActiveTransaction returns the session's in-flight transaction, if any,
// validating that txnNumber matches the one that started it.
func (s *Session) GetActiveTransaction(txnNumber int64) (*txn.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTxn == nil {
		return nil, dberr.NoSuchTransaction("no active transaction on this session")
	}
	if txnNumber != s.activeTxnN {
		return nil, dberr.NoSuchTransaction("transaction number does not match the active transaction")
	}
	return s.activeTxn, nil
}

// CommitTransaction commits the session's active transaction and clears it.
func (m *Manager) CommitTransaction(s *Session) error {
	s.mu.Lock()
	t := s.activeTxn
	s.activeTxn = nil
	s.mu.Unlock()

	if t == nil {
		return dberr.NoSuchTransaction("no active transaction on this session")
	}
	return m.txnMgr.Commit(t)
}

// AbortTransaction aborts the session's active transaction and clears it.
func (m *Manager) AbortTransaction(s *Session) error {
	s.mu.Lock()
	t := s.activeTxn
	s.activeTxn = nil
	s.mu.Unlock()

	if t == nil {
		return dberr.NoSuchTransaction("no active transaction on this session")
	}
	return m.txnMgr.Abort(t)
}

// Start launches the background idle-session sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	go m.run()
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()
}

func (m *Manager) run() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []*Session
	for lsid, s := range m.sessions {
		s.mu.Lock()
		idle := s.lastUsed.Before(cutoff)
		s.mu.Unlock()
		if idle {
			expired = append(expired, s)
			delete(m.sessions, lsid)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.mu.Lock()
		activeTxn := s.activeTxn
		s.activeTxn = nil
		s.mu.Unlock()
		if activeTxn != nil {
			if err := m.txnMgr.Abort(activeTxn); err != nil {
				m.log.Warn().Str("lsid", s.LSID).Err(err).Msg("failed to abort expired session's transaction")
			}
		}
		m.log.Debug().Str("lsid", s.LSID).Msg("reaped idle session")
	}
}

// ActiveSessionCount reports how many sessions are currently tracked.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
