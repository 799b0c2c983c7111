package bundoc

import (
	"testing"

	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

// TestUniqueIndexSurvivesReopen guards against the catalog silently
// degrading a unique secondary index back to a plain, non-unique one across
// a restart: the index must still reject a duplicate after the database is
// closed and reopened.
func TestUniqueIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)

	{
		db, err := Open(opts)
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		coll, err := db.CreateCollection("accounts")
		if err != nil {
			t.Fatalf("create collection: %v", err)
		}
		if err := coll.EnsureUniqueIndex("email"); err != nil {
			t.Fatalf("ensure unique index: %v", err)
		}

		tx, err := db.BeginTransaction()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := coll.Insert(nil, tx, storage.Document{"email": "ada@example.com"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := db.CommitTransaction(tx); err != nil {
			t.Fatalf("commit: %v", err)
		}

		if err := db.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	{
		db, err := Open(opts)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer db.Close()

		coll, err := db.GetCollection("accounts")
		if err != nil {
			t.Fatalf("get collection: %v", err)
		}

		tx, err := db.BeginTransaction()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer db.RollbackTransaction(tx)

		err = coll.Insert(nil, tx, storage.Document{"email": "ada@example.com"})
		if err == nil {
			t.Fatal("expected duplicate email to be rejected after reopen, but the unique index was not restored as unique")
		}
	}
}

// TestCompoundIndexKeySpecSurvivesReopen guards against a compound index's
// field order and direction being lost across a restart: a query over the
// index must still see the correct values for every field, not just the
// first.
func TestCompoundIndexKeySpecSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)

	keySpec := []storage.KeySpecField{
		{Name: "tenant", Dir: storage.Ascending},
		{Name: "rank", Dir: storage.Descending},
	}

	{
		db, err := Open(opts)
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		coll, err := db.CreateCollection("rankings")
		if err != nil {
			t.Fatalf("create collection: %v", err)
		}
		if err := coll.EnsureCompoundIndex("tenant_rank", keySpec, false); err != nil {
			t.Fatalf("ensure compound index: %v", err)
		}

		tx, err := db.BeginTransaction()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := coll.Insert(nil, tx, storage.Document{"tenant": "acme", "rank": int32(1)}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := db.CommitTransaction(tx); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	{
		db, err := Open(opts)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer db.Close()

		coll, err := db.GetCollection("rankings")
		if err != nil {
			t.Fatalf("get collection: %v", err)
		}

		found := false
		for _, idx := range coll.idxMgr.GetIndexMetas() {
			if idx.Name != "tenant_rank" {
				continue
			}
			found = true
			if len(idx.KeySpec) != 2 {
				t.Fatalf("expected 2 key spec fields restored, got %d", len(idx.KeySpec))
			}
			if idx.KeySpec[0].Name != "tenant" || idx.KeySpec[0].Dir != storage.Ascending {
				t.Fatalf("expected first field tenant/Ascending, got %+v", idx.KeySpec[0])
			}
			if idx.KeySpec[1].Name != "rank" || idx.KeySpec[1].Dir != storage.Descending {
				t.Fatalf("expected second field rank/Descending, got %+v", idx.KeySpec[1])
			}
		}
		if !found {
			t.Fatal("expected tenant_rank index to be restored after reopen")
		}
	}
}
