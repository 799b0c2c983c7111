package wire

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"

	bundoc "github.com/MonoLite-db/MonoLiteTS-sub001"
	"github.com/MonoLite-db/MonoLiteTS-sub001/security"
)

func openTestDB(t *testing.T) *bundoc.Database {
	t.Helper()
	dir, err := os.MkdirTemp("", "bundoc-wire-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := bundoc.Open(bundoc.DefaultOptions(dir))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func authedConn(t *testing.T, d *Dispatcher, username, password string) *ConnState {
	t.Helper()
	cs := NewConnState()

	step1 := encode(t, AuthRequest{Step: 1, Username: username})
	op, reply := d.Dispatch(cs, OpAuth, "", step1)
	if op != OpAuthReply {
		t.Fatalf("expected OpAuthReply for step 1, got %v (%v)", op, reply)
	}
	challenge := reply.(*AuthChallenge)

	authMessage := "n=" + username
	proof, err := security.ComputeClientProof(password, challenge.Salt, challenge.Iterations, authMessage)
	if err != nil {
		t.Fatalf("compute client proof: %v", err)
	}

	step2 := encode(t, AuthRequest{Step: 2, Proof: proof})
	op, reply = d.Dispatch(cs, OpAuth, "", step2)
	if op != OpAuthReply {
		t.Fatalf("expected OpAuthReply for step 2, got %v (%v)", op, reply)
	}
	if !cs.authed {
		t.Fatal("expected connection authenticated after valid proof")
	}
	return cs
}

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestAuthRejectsBadProof(t *testing.T) {
	db := openTestDB(t)
	if err := db.Security.CreateUser("alice", "correct-horse", []security.Role{security.RoleReadWrite}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	d := NewDispatcher(db, zerolog.Nop())

	cs := NewConnState()
	step1 := encode(t, AuthRequest{Step: 1, Username: "alice"})
	op, reply := d.Dispatch(cs, OpAuth, "", step1)
	if op != OpAuthReply {
		t.Fatalf("expected challenge, got %v", reply)
	}

	step2 := encode(t, AuthRequest{Step: 2, Proof: "bm90LXRoZS1yaWdodC1wcm9vZg=="})
	op, reply = d.Dispatch(cs, OpAuth, "", step2)
	if op != OpError {
		t.Fatalf("expected error for bad proof, got %v", reply)
	}
	if cs.authed {
		t.Fatal("connection must not be marked authenticated after a bad proof")
	}
}

func TestInsertFindPatchDeleteRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("widgets"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if err := db.Security.CreateUser("bob", "hunter2", []security.Role{security.RoleRoot}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	d := NewDispatcher(db, zerolog.Nop())
	cs := authedConn(t, d, "bob", "hunter2")

	insertBody := encode(t, InsertRequest{
		RequestMeta: RequestMeta{Collection: "widgets"},
		Document:    map[string]interface{}{"name": "sprocket", "qty": float64(3)},
	})
	op, reply := d.Dispatch(cs, OpInsert, "s1", insertBody)
	if op != OpReply {
		t.Fatalf("insert failed: %v", reply)
	}
	insertReply := reply.(*Reply)
	if insertReply.Count != 1 || len(insertReply.Docs) != 1 {
		t.Fatalf("expected one inserted doc echoed back, got %+v", insertReply)
	}
	id := insertReply.Docs[0]["_id"].(string)

	findBody := encode(t, FindRequest{
		RequestMeta: RequestMeta{Collection: "widgets"},
		Query:       map[string]interface{}{"name": "sprocket"},
	})
	op, reply = d.Dispatch(cs, OpFind, "s1", findBody)
	if op != OpReply {
		t.Fatalf("find failed: %v", reply)
	}
	findReply := reply.(*Reply)
	if findReply.Count != 1 {
		t.Fatalf("expected 1 match, got %d", findReply.Count)
	}
	if !findReply.Exhausted {
		t.Fatal("expected a single-document result to be immediately exhausted")
	}

	patchBody := encode(t, PatchRequest{
		RequestMeta: RequestMeta{Collection: "widgets"},
		Filter:      map[string]interface{}{"_id": id},
		Patch:       map[string]interface{}{"qty": float64(5)},
	})
	op, reply = d.Dispatch(cs, OpPatch, "s1", patchBody)
	if op != OpReply {
		t.Fatalf("patch failed: %v", reply)
	}

	deleteBody := encode(t, DeleteRequest{
		RequestMeta: RequestMeta{Collection: "widgets"},
		Filter:      map[string]interface{}{"_id": id},
	})
	op, reply = d.Dispatch(cs, OpDelete, "s1", deleteBody)
	if op != OpReply {
		t.Fatalf("delete failed: %v", reply)
	}
	if reply.(*Reply).Count != 1 {
		t.Fatalf("expected 1 document deleted, got %+v", reply)
	}

	op, reply = d.Dispatch(cs, OpFind, "s1", findBody)
	if op != OpReply {
		t.Fatalf("find after delete failed: %v", reply)
	}
	if findReply := reply.(*Reply); findReply.Count != 0 {
		t.Fatalf("expected 0 matches after delete, got %d", findReply.Count)
	}
}

func TestFindBatchesAcrossGetMoreThenKillCursors(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("items"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if err := db.Security.CreateUser("carol", "s3cret", []security.Role{security.RoleRoot}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	d := NewDispatcher(db, zerolog.Nop())
	cs := authedConn(t, d, "carol", "s3cret")

	for i := 0; i < 12; i++ {
		body := encode(t, InsertRequest{
			RequestMeta: RequestMeta{Collection: "items"},
			Document:    map[string]interface{}{"n": float64(i)},
		})
		if op, reply := d.Dispatch(cs, OpInsert, "s2", body); op != OpReply {
			t.Fatalf("insert %d failed: %v", i, reply)
		}
	}

	findBody := encode(t, FindRequest{
		RequestMeta: RequestMeta{Collection: "items"},
		Query:       map[string]interface{}{},
		Options:     Options{BatchSize: 5},
	})
	op, reply := d.Dispatch(cs, OpFind, "s2", findBody)
	if op != OpReply {
		t.Fatalf("find failed: %v", reply)
	}
	findReply := reply.(*Reply)
	if findReply.Exhausted {
		t.Fatal("expected a result larger than the batch size to open a cursor")
	}
	if len(findReply.Docs) != 5 {
		t.Fatalf("expected first batch of 5, got %d", len(findReply.Docs))
	}

	getMoreBody := encode(t, GetMoreRequest{CursorID: findReply.CursorID, BatchSize: 5})
	op, reply = d.Dispatch(cs, OpGetMore, "s2", getMoreBody)
	if op != OpReply {
		t.Fatalf("get more failed: %v", reply)
	}
	if len(reply.(*Reply).Docs) != 5 {
		t.Fatalf("expected second batch of 5, got %d", len(reply.(*Reply).Docs))
	}

	killBody := encode(t, KillCursorsRequest{CursorIDs: []int64{findReply.CursorID}})
	op, reply = d.Dispatch(cs, OpKillCursors, "s2", killBody)
	if op != OpReply {
		t.Fatalf("kill cursors failed: %v", reply)
	}
	if reply.(*Reply).Count != 1 {
		t.Fatalf("expected 1 cursor killed, got %+v", reply)
	}

	if _, reply := d.Dispatch(cs, OpGetMore, "s2", getMoreBody); reply.(*Reply).Error == "" {
		t.Fatal("expected error getting more from a killed cursor")
	}
}

func TestUnauthenticatedCommandIsDenied(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.CreateCollection("widgets"); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	d := NewDispatcher(db, zerolog.Nop())
	cs := NewConnState()

	body := encode(t, FindRequest{RequestMeta: RequestMeta{Collection: "widgets"}, Query: map[string]interface{}{}})
	op, reply := d.Dispatch(cs, OpFind, "s3", body)
	if op != OpError {
		t.Fatalf("expected an unauthenticated find to be denied, got %v", reply)
	}
}
