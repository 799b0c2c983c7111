package indexmgr

import (
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	tmpfile := t.TempDir() + "/indexmgr_test.db"
	pager, err := storage.NewPager(tmpfile, nil)
	if err != nil {
		t.Fatalf("failed to create pager: %v", err)
	}
	t.Cleanup(func() {
		pager.Close()
		os.Remove(tmpfile)
	})
	bp := storage.NewBufferPool(16, pager)
	return New(bp, zerolog.Nop())
}

func emailSpec() []storage.KeySpecField {
	return []storage.KeySpecField{{Name: "email", Dir: storage.Ascending}}
}

func TestCheckAndInsertDocumentUniqueConstraint(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateIndex("email_idx", emailSpec(), true); err != nil {
		t.Fatalf("create index: %v", err)
	}

	doc1 := storage.Document{"email": "a@example.com"}
	if err := m.CheckAndInsertDocument("users", doc1, []byte("id1")); err != nil {
		t.Fatalf("insert doc1: %v", err)
	}

	doc2 := storage.Document{"email": "a@example.com"}
	if err := m.CheckAndInsertDocument("users", doc2, []byte("id2")); err == nil {
		t.Fatal("expected duplicate key error for doc2")
	}

	keys, err := m.FindByIndexHint("email_idx", []interface{}{"a@example.com"})
	if err != nil {
		t.Fatalf("find by index hint: %v", err)
	}
	if len(keys) != 1 || string(keys[0]) != "id1" {
		t.Fatalf("expected only id1 indexed after rejected duplicate, got %v", keys)
	}
}

func TestCheckAndInsertDocumentRollsBackOnSecondIndexFailure(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateIndex("email_idx", emailSpec(), true); err != nil {
		t.Fatalf("create email index: %v", err)
	}
	if _, err := m.CreateIndex("age_idx", []storage.KeySpecField{{Name: "age", Dir: storage.Ascending}}, true); err != nil {
		t.Fatalf("create age index: %v", err)
	}

	existing := storage.Document{"email": "x@example.com", "age": int32(30)}
	if err := m.CheckAndInsertDocument("users", existing, []byte("id1")); err != nil {
		t.Fatalf("insert existing: %v", err)
	}

	// New doc has a fresh email (passes email_idx) but a colliding age
	// (fails age_idx) — email_idx's entry for this doc must be rolled back.
	conflicting := storage.Document{"email": "y@example.com", "age": int32(30)}
	if err := m.CheckAndInsertDocument("users", conflicting, []byte("id2")); err == nil {
		t.Fatal("expected duplicate key error on age_idx")
	}

	keys, err := m.FindByIndexHint("email_idx", []interface{}{"y@example.com"})
	if err != nil {
		t.Fatalf("find by index hint: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected email_idx rolled back for rejected doc, found %v", keys)
	}
}

func TestUpdateDocumentReplacesIndexEntries(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateIndex("email_idx", emailSpec(), true); err != nil {
		t.Fatalf("create index: %v", err)
	}

	oldDoc := storage.Document{"email": "old@example.com"}
	if err := m.CheckAndInsertDocument("users", oldDoc, []byte("id1")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	newDoc := storage.Document{"email": "new@example.com"}
	if err := m.UpdateDocument("users", oldDoc, newDoc, []byte("id1")); err != nil {
		t.Fatalf("update: %v", err)
	}

	if keys, _ := m.FindByIndexHint("email_idx", []interface{}{"old@example.com"}); len(keys) != 0 {
		t.Fatalf("expected old email entry gone, found %v", keys)
	}
	keys, err := m.FindByIndexHint("email_idx", []interface{}{"new@example.com"})
	if err != nil || len(keys) != 1 || string(keys[0]) != "id1" {
		t.Fatalf("expected new email entry for id1, got %v err=%v", keys, err)
	}
}

func TestUpdateDocumentRestoresOldEntriesOnConflict(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateIndex("email_idx", emailSpec(), true); err != nil {
		t.Fatalf("create index: %v", err)
	}

	docA := storage.Document{"email": "a@example.com"}
	docB := storage.Document{"email": "b@example.com"}
	if err := m.CheckAndInsertDocument("users", docA, []byte("idA")); err != nil {
		t.Fatalf("insert docA: %v", err)
	}
	if err := m.CheckAndInsertDocument("users", docB, []byte("idB")); err != nil {
		t.Fatalf("insert docB: %v", err)
	}

	// Attempt to update docA's email to collide with docB's.
	newDocA := storage.Document{"email": "b@example.com"}
	if err := m.UpdateDocument("users", docA, newDocA, []byte("idA")); err == nil {
		t.Fatal("expected duplicate key error updating docA to docB's email")
	}

	keys, err := m.FindByIndexHint("email_idx", []interface{}{"a@example.com"})
	if err != nil || len(keys) != 1 || string(keys[0]) != "idA" {
		t.Fatalf("expected docA's original email entry restored, got %v err=%v", keys, err)
	}
}

func TestDropIndexAndHasIndex(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateIndex("email_idx", emailSpec(), false); err != nil {
		t.Fatalf("create index: %v", err)
	}
	if !m.HasIndex("email_idx") {
		t.Fatal("expected HasIndex true after create")
	}
	if err := m.DropIndex("email_idx"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if m.HasIndex("email_idx") {
		t.Fatal("expected HasIndex false after drop")
	}
	if err := m.DropIndex("email_idx"); err == nil {
		t.Fatal("expected error dropping a non-existent index")
	}
}
