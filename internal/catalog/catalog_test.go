package catalog

import (
	"testing"

	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

func TestUpdateAndGetCollection(t *testing.T) {
	dir := t.TempDir()
	pager, err := storage.NewPager(dir+"/data.db", nil)
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	defer pager.Close()
	bp := storage.NewBufferPool(16, pager)

	cat, err := Open(bp, pager)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	if err := cat.UpdateCollection("users", map[string]IndexMeta{"_id": {Name: "_id", RootID: 5}}); err != nil {
		t.Fatalf("update collection: %v", err)
	}
	meta, ok := cat.GetCollection("users")
	if !ok {
		t.Fatal("expected collection to be found")
	}
	if meta.Indexes["_id"].RootID != 5 {
		t.Fatalf("expected primary root 5, got %d", meta.Indexes["_id"].RootID)
	}

	if err := cat.UpdateCollectionSchema("users", `{"type":"object"}`); err != nil {
		t.Fatalf("update schema: %v", err)
	}
	meta, _ = cat.GetCollection("users")
	if meta.Schema != `{"type":"object"}` {
		t.Fatalf("expected schema persisted, got %q", meta.Schema)
	}

	if err := cat.UpdateCollectionRules("users", map[string]string{"read": "true"}); err != nil {
		t.Fatalf("update rules: %v", err)
	}
	meta, _ = cat.GetCollection("users")
	if meta.Rules["read"] != "true" {
		t.Fatalf("expected rules persisted, got %v", meta.Rules)
	}
}

func TestDeleteCollection(t *testing.T) {
	dir := t.TempDir()
	pager, err := storage.NewPager(dir+"/data.db", nil)
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	defer pager.Close()
	bp := storage.NewBufferPool(16, pager)

	cat, err := Open(bp, pager)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	if err := cat.UpdateCollection("users", map[string]IndexMeta{"_id": {Name: "_id", RootID: 1}}); err != nil {
		t.Fatalf("update collection: %v", err)
	}
	if err := cat.DeleteCollection("users"); err != nil {
		t.Fatalf("delete collection: %v", err)
	}
	if _, ok := cat.GetCollection("users"); ok {
		t.Fatal("expected collection gone after delete")
	}
	// Deleting again should not error even though the entry is already gone.
	if err := cat.DeleteCollection("users"); err != nil {
		t.Fatalf("delete already-deleted collection: %v", err)
	}
}

func TestListCollectionsWithPrefix(t *testing.T) {
	dir := t.TempDir()
	pager, err := storage.NewPager(dir+"/data.db", nil)
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	defer pager.Close()
	bp := storage.NewBufferPool(16, pager)

	cat, err := Open(bp, pager)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	for _, name := range []string{"users", "user_sessions", "posts"} {
		if err := cat.UpdateCollection(name, map[string]IndexMeta{"_id": {Name: "_id", RootID: 1}}); err != nil {
			t.Fatalf("update collection %s: %v", name, err)
		}
	}

	names := cat.ListCollectionsWithPrefix("user")
	if len(names) != 2 {
		t.Fatalf("expected 2 collections matching prefix 'user', got %v", names)
	}

	all := cat.ListCollections()
	if len(all) != 3 {
		t.Fatalf("expected 3 total collections, got %v", all)
	}
}

func TestCatalogSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbFile := dir + "/data.db"

	pager, err := storage.NewPager(dbFile, nil)
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	bp := storage.NewBufferPool(16, pager)
	cat, err := Open(bp, pager)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	if err := cat.UpdateCollection("users", map[string]IndexMeta{"_id": {Name: "_id", RootID: 42}}); err != nil {
		t.Fatalf("update collection: %v", err)
	}
	if err := bp.FlushAllPages(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := pager.Close(); err != nil {
		t.Fatalf("close pager: %v", err)
	}

	pager2, err := storage.NewPager(dbFile, nil)
	if err != nil {
		t.Fatalf("reopen pager: %v", err)
	}
	defer pager2.Close()
	bp2 := storage.NewBufferPool(16, pager2)
	cat2, err := Open(bp2, pager2)
	if err != nil {
		t.Fatalf("reopen catalog: %v", err)
	}

	meta, ok := cat2.GetCollection("users")
	if !ok {
		t.Fatal("expected collection metadata to survive reopen")
	}
	if meta.Indexes["_id"].RootID != 42 {
		t.Fatalf("expected primary root 42 after reopen, got %d", meta.Indexes["_id"].RootID)
	}
}

// TestIndexMetaRoundTripsKeySpecAndUnique guards against the catalog
// silently degrading a unique compound index to a plain single-field,
// non-unique one across a reopen: every persisted IndexMeta field must
// survive, not just the root page id.
func TestIndexMetaRoundTripsKeySpecAndUnique(t *testing.T) {
	dir := t.TempDir()
	dbFile := dir + "/data.db"

	pager, err := storage.NewPager(dbFile, nil)
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	bp := storage.NewBufferPool(16, pager)
	cat, err := Open(bp, pager)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	indexes := map[string]IndexMeta{
		"_id": {Name: "_id", RootID: 1},
		"by_tenant_and_ts": {
			Name: "by_tenant_and_ts",
			KeySpec: []KeySpecField{
				{Name: "tenant_id", Dir: storage.Ascending},
				{Name: "ts", Dir: storage.Descending},
			},
			Unique: true,
			RootID: 9,
		},
	}
	if err := cat.UpdateCollection("events", indexes); err != nil {
		t.Fatalf("update collection: %v", err)
	}
	if err := bp.FlushAllPages(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := pager.Close(); err != nil {
		t.Fatalf("close pager: %v", err)
	}

	pager2, err := storage.NewPager(dbFile, nil)
	if err != nil {
		t.Fatalf("reopen pager: %v", err)
	}
	defer pager2.Close()
	bp2 := storage.NewBufferPool(16, pager2)
	cat2, err := Open(bp2, pager2)
	if err != nil {
		t.Fatalf("reopen catalog: %v", err)
	}

	meta, ok := cat2.GetCollection("events")
	if !ok {
		t.Fatal("expected collection metadata to survive reopen")
	}
	idx, ok := meta.Indexes["by_tenant_and_ts"]
	if !ok {
		t.Fatal("expected secondary index metadata to survive reopen")
	}
	if !idx.Unique {
		t.Fatal("expected Unique to round-trip as true, got false")
	}
	if len(idx.KeySpec) != 2 {
		t.Fatalf("expected 2 key spec fields to round-trip, got %d", len(idx.KeySpec))
	}
	if idx.KeySpec[0].Name != "tenant_id" || idx.KeySpec[0].Dir != storage.Ascending {
		t.Fatalf("expected first key spec field tenant_id/Ascending, got %+v", idx.KeySpec[0])
	}
	if idx.KeySpec[1].Name != "ts" || idx.KeySpec[1].Dir != storage.Descending {
		t.Fatalf("expected second key spec field ts/Descending, got %+v", idx.KeySpec[1])
	}
	if idx.RootID != 9 {
		t.Fatalf("expected root id 9, got %d", idx.RootID)
	}
}

func TestGroupIndexMetadata(t *testing.T) {
	dir := t.TempDir()
	pager, err := storage.NewPager(dir+"/data.db", nil)
	if err != nil {
		t.Fatalf("new pager: %v", err)
	}
	defer pager.Close()
	bp := storage.NewBufferPool(16, pager)

	cat, err := Open(bp, pager)
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}

	if err := cat.UpdateGroupIndex("shard-*", "tenant_id", 7); err != nil {
		t.Fatalf("update group index: %v", err)
	}
	meta, ok := cat.GetGroupIndex("shard-*", "tenant_id")
	if !ok {
		t.Fatal("expected group index metadata found")
	}
	if meta.RootID != 7 {
		t.Fatalf("expected root id 7, got %d", meta.RootID)
	}

	list := cat.ListGroupIndexes()
	if len(list) != 1 {
		t.Fatalf("expected 1 group index, got %d", len(list))
	}

	if err := cat.DeleteGroupIndex("shard-*", "tenant_id"); err != nil {
		t.Fatalf("delete group index: %v", err)
	}
	if _, ok := cat.GetGroupIndex("shard-*", "tenant_id"); ok {
		t.Fatal("expected group index gone after delete")
	}
}
