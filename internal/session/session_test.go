package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/lockmgr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/txn"
)

func newTestTxnManager() *txn.Manager {
	return txn.NewManager(lockmgr.New(zerolog.Nop()), nil, zerolog.Nop())
}

func TestGetOrCreateSessionGeneratesLSID(t *testing.T) {
	m := New(newTestTxnManager(), time.Minute, time.Minute, zerolog.Nop())
	s := m.GetOrCreateSession("")
	if s.LSID == "" {
		t.Fatal("expected a generated lsid")
	}
	if m.ActiveSessionCount() != 1 {
		t.Fatalf("expected 1 active session, got %d", m.ActiveSessionCount())
	}

	again := m.GetOrCreateSession(s.LSID)
	if again != s {
		t.Fatal("expected GetOrCreateSession to return the same session for an existing lsid")
	}
	if m.ActiveSessionCount() != 1 {
		t.Fatalf("expected session reuse, not a new one, got count %d", m.ActiveSessionCount())
	}
}

func TestStartTransactionRejectsNonIncreasingTxnNumber(t *testing.T) {
	txnMgr := newTestTxnManager()
	m := New(txnMgr, time.Minute, time.Minute, zerolog.Nop())
	s := m.GetOrCreateSession("lsid-1")

	tx, err := s.StartTransaction(txnMgr, 1)
	if err != nil {
		t.Fatalf("start transaction: %v", err)
	}
	if err := m.CommitTransaction(s); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = tx

	if _, err := s.StartTransaction(txnMgr, 1); err == nil {
		t.Fatal("expected error starting a transaction with a non-increasing txnNumber")
	}
	if _, err := s.StartTransaction(txnMgr, 2); err != nil {
		t.Fatalf("expected higher txnNumber to succeed, got %v", err)
	}
}

func TestStartTransactionRejectsReusedZeroTxnNumber(t *testing.T) {
	txnMgr := newTestTxnManager()
	m := New(txnMgr, time.Minute, time.Minute, zerolog.Nop())
	s := m.GetOrCreateSession("lsid-1")

	if _, err := s.StartTransaction(txnMgr, 0); err != nil {
		t.Fatalf("expected txnNumber 0 to be a valid first transaction: %v", err)
	}
	if err := m.CommitTransaction(s); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := s.StartTransaction(txnMgr, 0); err == nil {
		t.Fatal("expected re-starting with an already-used txnNumber of 0 to be rejected")
	}
}

func TestGetActiveTransactionValidatesTxnNumber(t *testing.T) {
	txnMgr := newTestTxnManager()
	m := New(txnMgr, time.Minute, time.Minute, zerolog.Nop())
	s := m.GetOrCreateSession("lsid-1")

	if _, err := s.StartTransaction(txnMgr, 5); err != nil {
		t.Fatalf("start transaction: %v", err)
	}

	if _, err := s.GetActiveTransaction(5); err != nil {
		t.Fatalf("expected matching txnNumber to succeed: %v", err)
	}
	if _, err := s.GetActiveTransaction(6); err == nil {
		t.Fatal("expected mismatched txnNumber to fail")
	}
}

func TestEndSessionAbortsActiveTransaction(t *testing.T) {
	txnMgr := newTestTxnManager()
	m := New(txnMgr, time.Minute, time.Minute, zerolog.Nop())
	s := m.GetOrCreateSession("lsid-1")

	tx, err := s.StartTransaction(txnMgr, 1)
	if err != nil {
		t.Fatalf("start transaction: %v", err)
	}

	if err := m.EndSession(s.LSID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if tx.Status != txn.StatusAborted {
		t.Fatalf("expected active transaction aborted on EndSession, got %v", tx.Status)
	}
	if m.ActiveSessionCount() != 0 {
		t.Fatalf("expected session removed, got count %d", m.ActiveSessionCount())
	}
}

func TestSweepReapsIdleSessionAndAbortsItsTransaction(t *testing.T) {
	txnMgr := newTestTxnManager()
	m := New(txnMgr, time.Millisecond, time.Hour, zerolog.Nop())
	s := m.GetOrCreateSession("lsid-1")

	tx, err := s.StartTransaction(txnMgr, 1)
	if err != nil {
		t.Fatalf("start transaction: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	m.sweep()

	if m.ActiveSessionCount() != 0 {
		t.Fatalf("expected idle session reaped, got count %d", m.ActiveSessionCount())
	}
	if tx.Status != txn.StatusAborted {
		t.Fatalf("expected reaped session's transaction aborted, got %v", tx.Status)
	}
}
