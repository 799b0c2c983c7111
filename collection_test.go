package bundoc

import (
	"os"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	dir, err := os.MkdirTemp("", "bundoc_collection_test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := Open(DefaultOptions(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertFindByID(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection("users")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	tx, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	doc := storage.Document{"name": "Ada", "age": int32(30)}
	if err := coll.Insert(nil, tx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, ok := doc.GetID()
	if !ok {
		t.Fatal("expected document to receive an _id")
	}

	found, err := coll.FindByID(nil, tx, string(id))
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if found["name"] != "Ada" {
		t.Fatalf("expected name Ada, got %v", found["name"])
	}

	if err := db.CommitTransaction(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestUpdateMaintainsSecondaryIndex(t *testing.T) {
	db := openTestDB(t)
	coll, err := db.CreateCollection("users")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if err := coll.EnsureIndex("email"); err != nil {
		t.Fatalf("ensure index: %v", err)
	}

	tx, _ := db.BeginTransaction()
	doc := storage.Document{"email": "old@example.com"}
	if err := coll.Insert(nil, tx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, _ := doc.GetID()
	db.CommitTransaction(tx)

	tx2, _ := db.BeginTransaction()
	updated := storage.Document{"email": "new@example.com"}
	if err := coll.Update(nil, tx2, string(id), updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	db.CommitTransaction(tx2)

	tx3, _ := db.BeginTransaction()
	oldMatches, err := coll.Find(tx3, "email", "old@example.com")
	if err != nil {
		t.Fatalf("find old: %v", err)
	}
	if len(oldMatches) != 0 {
		t.Fatalf("expected no matches for old email, got %d", len(oldMatches))
	}
	newMatches, err := coll.Find(tx3, "email", "new@example.com")
	if err != nil {
		t.Fatalf("find new: %v", err)
	}
	if len(newMatches) != 1 {
		t.Fatalf("expected 1 match for new email, got %d", len(newMatches))
	}
	db.CommitTransaction(tx3)
}

func TestPatchAppliesDotNotation(t *testing.T) {
	db := openTestDB(t)
	coll, _ := db.CreateCollection("users")

	tx, _ := db.BeginTransaction()
	doc := storage.Document{"name": "Ada", "address": storage.Document{"city": "London"}}
	if err := coll.Insert(nil, tx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, _ := doc.GetID()
	db.CommitTransaction(tx)

	tx2, _ := db.BeginTransaction()
	patch := map[string]interface{}{"address.city": "Paris"}
	if err := coll.Patch(nil, tx2, string(id), patch); err != nil {
		t.Fatalf("patch: %v", err)
	}
	db.CommitTransaction(tx2)

	tx3, _ := db.BeginTransaction()
	found, err := coll.FindByID(nil, tx3, string(id))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	var city interface{}
	switch addr := found["address"].(type) {
	case storage.Document:
		city = addr["city"]
	case bson.M:
		city = addr["city"]
	case map[string]interface{}:
		city = addr["city"]
	default:
		t.Fatalf("expected address to remain a nested document, got %T", found["address"])
	}
	if city != "Paris" {
		t.Fatalf("expected city Paris, got %v", city)
	}
	db.CommitTransaction(tx3)
}

func TestDeleteAbortRestoresDocument(t *testing.T) {
	db := openTestDB(t)
	coll, _ := db.CreateCollection("users")

	tx, _ := db.BeginTransaction()
	doc := storage.Document{"name": "Ada"}
	if err := coll.Insert(nil, tx, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, _ := doc.GetID()
	db.CommitTransaction(tx)

	tx2, _ := db.BeginTransaction()
	if err := coll.Delete(nil, tx2, string(id)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := db.RollbackTransaction(tx2); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	tx3, _ := db.BeginTransaction()
	found, err := coll.FindByID(nil, tx3, string(id))
	if err != nil {
		t.Fatalf("expected document restored after abort, got error: %v", err)
	}
	if found["name"] != "Ada" {
		t.Fatalf("expected restored document name Ada, got %v", found["name"])
	}
	db.CommitTransaction(tx3)
}

func TestEnforceReferencesRestrict(t *testing.T) {
	db := openTestDB(t)
	authors, err := db.CreateCollection("authors")
	if err != nil {
		t.Fatalf("create authors: %v", err)
	}
	posts, err := db.CreateCollection("posts")
	if err != nil {
		t.Fatalf("create posts: %v", err)
	}

	schema := `{
		"type": "object",
		"properties": {
			"author_id": {
				"type": "string",
				"x-monolite-ref": {"collection": "authors", "on_delete": "restrict"}
			}
		}
	}`
	if err := posts.SetSchema(schema); err != nil {
		t.Fatalf("set schema: %v", err)
	}

	tx, _ := db.BeginTransaction()
	author := storage.Document{"name": "Ada"}
	if err := authors.Insert(nil, tx, author); err != nil {
		t.Fatalf("insert author: %v", err)
	}
	authorID, _ := author.GetID()

	post := storage.Document{"title": "Hello", "author_id": string(authorID)}
	if err := posts.Insert(nil, tx, post); err != nil {
		t.Fatalf("insert post: %v", err)
	}
	db.CommitTransaction(tx)

	tx2, _ := db.BeginTransaction()
	err = authors.Delete(nil, tx2, string(authorID))
	db.RollbackTransaction(tx2)
	if err == nil {
		t.Fatal("expected restrict violation deleting referenced author")
	}
}
