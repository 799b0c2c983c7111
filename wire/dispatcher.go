package wire

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	bundoc "github.com/MonoLite-db/MonoLiteTS-sub001"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/dberr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/rules"
	"github.com/MonoLite-db/MonoLiteTS-sub001/security"
	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

// DefaultBatchSize caps how many documents a single Reply carries before the
// rest park in a server-side cursor, matching the engine's default find
// batch size.
const DefaultBatchSize = 101

// ConnState tracks the in-progress SCRAM handshake and resulting identity
// for one client connection. A Dispatcher is shared across connections;
// callers own one ConnState per connection and pass it into Dispatch.
type ConnState struct {
	mu       sync.Mutex
	username string
	authed   bool
	auth     *rules.AuthContext
}

// NewConnState returns a fresh per-connection authentication state, unauthed.
func NewConnState() *ConnState {
	return &ConnState{}
}

// Dispatcher translates wire requests into Database/Collection/Session/
// Cursor calls and wraps the outcome into a Reply, the command-layer
// counterpart to the framing primitives in protocol.go. Every command here
// auto-commits its own transaction; the Session Manager is still consulted
// on every non-auth request so idle sessions are tracked and reaped the same way a
// driver's implicit session would be, but v1 does not thread multi-command
// client transactions through the wire layer (see DESIGN.md).
type Dispatcher struct {
	db  *bundoc.Database
	log zerolog.Logger
}

// NewDispatcher wires a Dispatcher to db.
func NewDispatcher(db *bundoc.Database, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{db: db, log: log}
}

// Dispatch handles one request body for op on behalf of the connection
// tracked by cs, returning the OpCode and body to write back.
func (d *Dispatcher) Dispatch(cs *ConnState, op OpCode, lsid string, body []byte) (OpCode, interface{}) {
	if op == OpAuth {
		return d.handleAuth(cs, body)
	}

	d.db.Sessions.GetOrCreateSession(lsid)

	switch op {
	case OpInsert:
		return d.runCommand(cs, "insert", body, d.handleInsert)
	case OpFind:
		return d.runCommand(cs, "find", body, d.handleFind)
	case OpUpdate:
		return d.runCommand(cs, "update", body, d.handleUpdate)
	case OpDelete:
		return d.runCommand(cs, "delete", body, d.handleDelete)
	case OpPatch:
		return d.runCommand(cs, "patch", body, d.handlePatch)
	case OpGetMore:
		return d.handleGetMore(cs, body)
	case OpKillCursors:
		return d.handleKillCursors(cs, body)
	default:
		return OpError, errReply(dberr.IllegalOperation(fmt.Sprintf("unknown opcode %d", op)))
	}
}

func errReply(err error) *Reply {
	if de, ok := err.(*dberr.Error); ok {
		return &Reply{Error: de.Message, ErrorCode: de.Code}
	}
	return &Reply{Error: err.Error(), ErrorCode: dberr.CodeInternalError}
}

func decodeJSON(body []byte, v interface{}) error {
	return json.Unmarshal(body, v)
}

// runCommand authenticates the connection, resolves the target collection
// from the request's namespace, and delegates to fn; a denied command never
// reaches fn and so never acquires a lock. Every outcome is audited.
func (d *Dispatcher) runCommand(cs *ConnState, cmdName string, body []byte, fn func(coll *bundoc.Collection, auth *rules.AuthContext, body []byte) (*Reply, error)) (OpCode, interface{}) {
	cs.mu.Lock()
	authed, auth := cs.authed, cs.auth
	cs.mu.Unlock()
	if !authed {
		err := dberr.IllegalOperation("not authenticated")
		d.audit(security.EventAccessDenied, "", cmdName, err.Error())
		return OpError, errReply(err)
	}

	var meta RequestMeta
	if err := decodeJSON(body, &meta); err != nil {
		d.audit(security.EventAccessDenied, auth.UID, cmdName, err.Error())
		return OpError, errReply(dberr.FailedToParse(err.Error()))
	}
	coll, err := d.db.GetCollection(meta.Collection)
	if err != nil {
		d.audit(security.EventAccessDenied, auth.UID, cmdName, err.Error())
		return OpError, errReply(dberr.NamespaceNotFound(meta.Collection))
	}

	reply, err := fn(coll, auth, body)
	if err != nil {
		d.audit(security.EventAccessDenied, auth.UID, cmdName, err.Error())
		return OpError, errReply(err)
	}
	d.audit(security.EventType(cmdName), auth.UID, cmdName, "")
	return OpReply, reply
}

func (d *Dispatcher) audit(evt security.EventType, user, cmd, detail string) {
	if d.db.Audit == nil {
		return
	}
	details := map[string]interface{}{"command": cmd}
	if detail != "" {
		details["error"] = detail
	}
	d.db.Audit.Log(evt, user, "", details)
}

func (d *Dispatcher) handleInsert(coll *bundoc.Collection, auth *rules.AuthContext, body []byte) (*Reply, error) {
	var req InsertRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, dberr.FailedToParse(err.Error())
	}
	t, err := d.db.BeginTransaction()
	if err != nil {
		return nil, err
	}
	doc := storage.Document(req.Document)
	if err := coll.Insert(auth, t, doc); err != nil {
		d.db.RollbackTransaction(t)
		return nil, err
	}
	if err := d.db.CommitTransaction(t); err != nil {
		return nil, err
	}
	id, _ := doc.GetID()
	return &Reply{Docs: []map[string]interface{}{{"_id": string(id)}}, Count: 1}, nil
}

func (d *Dispatcher) handleUpdate(coll *bundoc.Collection, auth *rules.AuthContext, body []byte) (*Reply, error) {
	var req UpdateRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, dberr.FailedToParse(err.Error())
	}
	id, ok := req.Filter["_id"]
	if !ok {
		return nil, dberr.BadValue("update filter must pin a single _id in v1")
	}
	t, err := d.db.BeginTransaction()
	if err != nil {
		return nil, err
	}
	if err := coll.Update(auth, t, fmt.Sprintf("%v", id), storage.Document(req.Update)); err != nil {
		d.db.RollbackTransaction(t)
		return nil, err
	}
	if err := d.db.CommitTransaction(t); err != nil {
		return nil, err
	}
	return &Reply{Count: 1}, nil
}

func (d *Dispatcher) handleDelete(coll *bundoc.Collection, auth *rules.AuthContext, body []byte) (*Reply, error) {
	var req DeleteRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, dberr.FailedToParse(err.Error())
	}
	id, ok := req.Filter["_id"]
	if !ok {
		return nil, dberr.BadValue("delete filter must pin a single _id in v1")
	}
	t, err := d.db.BeginTransaction()
	if err != nil {
		return nil, err
	}
	if err := coll.Delete(auth, t, fmt.Sprintf("%v", id)); err != nil {
		d.db.RollbackTransaction(t)
		return nil, err
	}
	if err := d.db.CommitTransaction(t); err != nil {
		return nil, err
	}
	return &Reply{Count: 1}, nil
}

func (d *Dispatcher) handlePatch(coll *bundoc.Collection, auth *rules.AuthContext, body []byte) (*Reply, error) {
	var req PatchRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, dberr.FailedToParse(err.Error())
	}
	id, ok := req.Filter["_id"]
	if !ok {
		return nil, dberr.BadValue("patch filter must pin a single _id in v1")
	}
	t, err := d.db.BeginTransaction()
	if err != nil {
		return nil, err
	}
	if err := coll.Patch(auth, t, fmt.Sprintf("%v", id), req.Patch); err != nil {
		d.db.RollbackTransaction(t)
		return nil, err
	}
	if err := d.db.CommitTransaction(t); err != nil {
		return nil, err
	}
	return &Reply{Count: 1}, nil
}

func (d *Dispatcher) handleFind(coll *bundoc.Collection, auth *rules.AuthContext, body []byte) (*Reply, error) {
	var req FindRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, dberr.FailedToParse(err.Error())
	}
	t, err := d.db.BeginTransaction()
	if err != nil {
		return nil, err
	}
	docs, err := coll.FindQuery(auth, t, req.Query, bundoc.QueryOptions{
		Skip:      req.Options.Skip,
		Limit:     req.Options.Limit,
		SortField: req.Options.SortField,
		SortDesc:  req.Options.SortDesc,
	})
	if err != nil {
		d.db.RollbackTransaction(t)
		return nil, err
	}
	if err := d.db.CommitTransaction(t); err != nil {
		return nil, err
	}

	batchSize := req.Options.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	c, batch, exhausted := d.db.Cursors.Create(coll.Name(), docs, batchSize)
	return &Reply{
		Docs:      documentsToMaps(batch),
		Count:     len(docs),
		CursorID:  c.ID,
		Exhausted: exhausted,
	}, nil
}

func (d *Dispatcher) handleGetMore(cs *ConnState, body []byte) (OpCode, interface{}) {
	cs.mu.Lock()
	authed := cs.authed
	cs.mu.Unlock()
	if !authed {
		return OpError, errReply(dberr.IllegalOperation("not authenticated"))
	}

	var req GetMoreRequest
	if err := decodeJSON(body, &req); err != nil {
		return OpError, errReply(dberr.FailedToParse(err.Error()))
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batch, exhausted, err := d.db.Cursors.GetMore(req.CursorID, batchSize)
	if err != nil {
		return OpError, errReply(dberr.CursorNotFound(req.CursorID))
	}
	return OpReply, &Reply{
		Docs:      documentsToMaps(batch),
		CursorID:  req.CursorID,
		Exhausted: exhausted,
	}
}

func (d *Dispatcher) handleKillCursors(cs *ConnState, body []byte) (OpCode, interface{}) {
	cs.mu.Lock()
	authed := cs.authed
	cs.mu.Unlock()
	if !authed {
		return OpError, errReply(dberr.IllegalOperation("not authenticated"))
	}

	var req KillCursorsRequest
	if err := decodeJSON(body, &req); err != nil {
		return OpError, errReply(dberr.FailedToParse(err.Error()))
	}
	killed := 0
	for _, id := range req.CursorIDs {
		if err := d.db.Cursors.Kill(id); err == nil {
			killed++
		}
	}
	return OpReply, &Reply{Count: killed}
}

// handleAuth drives the two-round SCRAM handshake: step 1 the client sends
// its username and gets back a salt/iteration challenge; step 2 the client
// sends its computed proof, which is verified against the stored key before
// the connection is marked authenticated and given an AuthContext.
func (d *Dispatcher) handleAuth(cs *ConnState, body []byte) (OpCode, interface{}) {
	var req AuthRequest
	if err := decodeJSON(body, &req); err != nil {
		return OpError, errReply(dberr.FailedToParse(err.Error()))
	}

	switch req.Step {
	case 1:
		creds, err := d.db.Security.GetSCRAMCredentials(req.Username)
		if err != nil {
			d.audit(security.EventLoginFailure, req.Username, "auth", "unknown user")
			return OpError, errReply(dberr.IllegalOperation("authentication failed"))
		}
		cs.mu.Lock()
		cs.username = req.Username
		cs.mu.Unlock()
		return OpAuthReply, &AuthChallenge{Salt: creds.Salt, Iterations: creds.Iterations}

	case 2:
		cs.mu.Lock()
		username := cs.username
		cs.mu.Unlock()
		if username == "" {
			return OpError, errReply(dberr.IllegalOperation("auth step 2 received before step 1"))
		}

		creds, err := d.db.Security.GetSCRAMCredentials(username)
		if err != nil {
			d.audit(security.EventLoginFailure, username, "auth", "unknown user")
			return OpError, errReply(dberr.IllegalOperation("authentication failed"))
		}

		authMessage := "n=" + username
		if !security.VerifyClientProof(creds.StoredKey, authMessage, req.Proof) {
			d.audit(security.EventLoginFailure, username, "auth", "bad proof")
			return OpError, errReply(dberr.IllegalOperation("authentication failed"))
		}

		user, err := d.db.Security.GetUser(username)
		if err != nil {
			return OpError, errReply(dberr.IllegalOperation("authentication failed"))
		}

		cs.mu.Lock()
		cs.authed = true
		cs.auth = &rules.AuthContext{
			UID:     username,
			IsAdmin: user.HasPermission("", security.PermSuper),
		}
		cs.mu.Unlock()

		d.audit(security.EventLoginSuccess, username, "auth", "")
		return OpAuthReply, &AuthChallenge{ServerKey: creds.ServerKey}

	default:
		return OpError, errReply(dberr.BadValue(fmt.Sprintf("unknown auth step %d", req.Step)))
	}
}

func documentsToMaps(docs []storage.Document) []map[string]interface{} {
	out := make([]map[string]interface{}, len(docs))
	for i, doc := range docs {
		out[i] = map[string]interface{}(doc)
	}
	return out
}
