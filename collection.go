package bundoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/dberr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/indexmgr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/lockmgr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/query"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/txn"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/util"
	"github.com/MonoLite-db/MonoLiteTS-sub001/rules"
	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
	"github.com/xeipuuv/gojsonschema"
)

// Collection represents a logical grouping of documents (similar to a table
// in SQL). The primary B+Tree stores document bytes keyed by "_id"; the
// Index Manager owns every secondary index and keeps them consistent with
// it.
type Collection struct {
	name               string
	db                 *Database
	primary            *storage.BPlusTree
	idxMgr             *indexmgr.Manager
	linkedGroupIndexes []*GroupIndexLink
	mu                 sync.RWMutex
	schemaLoader       *gojsonschema.Schema
}

// GroupIndexLink holds a reference to a cross-collection group index this
// collection feeds into.
type GroupIndexLink struct {
	Index *storage.BPlusTree
	Field string
}

// schemaEqual reports whether two schema JSON strings are equivalent for the
// purpose of SetSchema's no-op check. Key order and whitespace differences
// are ignored by unmarshaling and comparing with reflect.DeepEqual.
func schemaEqual(a, b string) (bool, error) {
	if a == b {
		return true, nil
	}
	var va, vb interface{}
	if err := json.Unmarshal([]byte(a), &va); err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(b), &vb); err != nil {
		return false, err
	}
	return reflect.DeepEqual(va, vb), nil
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// GetSchema returns the current JSON schema validator expression.
func (c *Collection) GetSchema() (string, error) {
	meta, ok := c.db.catalog.GetCollection(c.name)
	if !ok {
		return "", fmt.Errorf("collection metadata not found")
	}
	return meta.Schema, nil
}

// SetSchema compiles and persists a new schema validator for the collection.
func (c *Collection) SetSchema(schemaStr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if meta, ok := c.db.catalog.GetCollection(c.name); ok && meta.Schema != "" {
		if equal, err := schemaEqual(meta.Schema, schemaStr); err == nil && equal {
			return nil
		}
	}

	if schemaStr == "" {
		c.schemaLoader = nil
		return c.db.catalog.UpdateCollectionSchema(c.name, "")
	}

	loader := gojsonschema.NewStringLoader(schemaStr)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid json schema: %w", err)
	}

	c.schemaLoader = schema
	return c.db.catalog.UpdateCollectionSchema(c.name, schemaStr)
}

// SetRules updates the collection's per-operation CEL access rules.
func (c *Collection) SetRules(r map[string]string) error {
	return c.db.catalog.UpdateCollectionRules(c.name, r)
}

// GetRules returns the collection's access rules.
func (c *Collection) GetRules() map[string]string {
	meta, ok := c.db.catalog.GetCollection(c.name)
	if !ok {
		return nil
	}
	return meta.Rules
}

// evaluateRule checks whether op is allowed under the collection's CEL
// rules. A nil or admin auth context always bypasses rule evaluation; an
// operation absent from the rule map defaults to allow, matching the
// teacher's "default allow unless a rule says otherwise" posture.
func (c *Collection) evaluateRule(op string, auth *rules.AuthContext, resource map[string]interface{}) error {
	if auth != nil && auth.IsAdmin {
		return nil
	}

	meta, ok := c.db.catalog.GetCollection(c.name)
	if !ok || len(meta.Rules) == 0 {
		return nil
	}

	rule, hasRule := meta.Rules[op]
	if !hasRule && (op == "create" || op == "update" || op == "delete") {
		rule, hasRule = meta.Rules["write"]
	}
	if !hasRule {
		return nil
	}

	reqData := map[string]interface{}{"auth": nil}
	if auth != nil {
		reqData["auth"] = map[string]interface{}{"uid": auth.UID, "claims": auth.Claims}
	}
	ctx := map[string]interface{}{
		"request":  reqData,
		"resource": map[string]interface{}{"data": resource},
	}

	allowed, err := c.db.RulesEngine.Evaluate(rule, ctx)
	if err != nil {
		return fmt.Errorf("rule evaluation error: %w", err)
	}
	if !allowed {
		return fmt.Errorf("permission denied: rule '%s' failed", op)
	}
	return nil
}

// validate checks doc against the collection's compiled JSON schema, if one
// is set. Callers must hold c.mu.
func (c *Collection) validate(doc storage.Document) error {
	if c.schemaLoader == nil {
		return nil
	}

	docLoader := gojsonschema.NewGoLoader(map[string]interface{}(doc))
	result, err := c.schemaLoader.Validate(docLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("document invalid against schema: %v", errs)
	}
	return nil
}

func (c *Collection) lock(t *txn.Transaction, resource string, mode lockmgr.Mode) error {
	return c.db.txnMgr.AcquireLock(context.Background(), t, resource, mode, c.db.lockTimeout())
}

func docResource(collName, id string) string {
	return collName + ":" + id
}

// Insert inserts a new document into the collection: the primary tree first,
// then every secondary index via the Index Manager, with a compensating
// undo record logged on t for each step so a later Abort unwinds cleanly.
func (c *Collection) Insert(auth *rules.AuthContext, t *txn.Transaction, doc storage.Document) error {
	if err := c.evaluateRule("create", auth, doc); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validate(doc); err != nil {
		return err
	}

	oid := doc.EnsureID()
	id, _ := doc.GetID()
	_ = oid
	resource := docResource(c.name, string(id))
	if err := c.lock(t, resource, lockmgr.Exclusive); err != nil {
		return err
	}

	if err := c.idxMgr.CheckUniqueConstraints(c.name, doc); err != nil {
		return err
	}

	data, err := doc.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}
	if len(data) > storage.PageSize*4 {
		return dberr.DocumentTooLarge()
	}

	docKey := []byte(id)
	if err := c.primary.Insert(docKey, data); err != nil {
		return fmt.Errorf("failed to insert into primary index: %w", err)
	}
	t.LogUndo("primary insert "+string(id), func() error { return c.primary.Delete(docKey) })

	if err := c.idxMgr.CheckAndInsertDocument(c.name, doc, docKey); err != nil {
		_ = c.primary.Delete(docKey)
		return err
	}
	t.LogUndo("secondary insert "+string(id), func() error { return c.idxMgr.DeleteDocument(doc) })

	for _, link := range c.linkedGroupIndexes {
		if val, ok := doc[link.Field]; ok {
			valStr := fmt.Sprintf("%v", val)
			compKey := []byte(valStr + "\x00" + c.name + "\x00" + string(id))
			compVal := []byte(c.name + "\x00" + string(id))
			if err := link.Index.Insert(compKey, compVal); err != nil {
				return fmt.Errorf("failed to insert into group index for field %s: %w", link.Field, err)
			}
			t.LogUndo("group index insert "+link.Field, func() error { return link.Index.Delete(compKey) })
		}
	}

	t.MarkWrite(resource)
	return nil
}

// FindByID retrieves a document by its "_id", under a shared lock on the
// document's resource.
func (c *Collection) FindByID(auth *rules.AuthContext, t *txn.Transaction, id string) (storage.Document, error) {
	if err := c.lock(t, docResource(c.name, id), lockmgr.Shared); err != nil {
		return nil, err
	}

	c.mu.RLock()
	doc, err := c.findByIDLocked(id)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if err := c.evaluateRule("read", auth, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// findByIDLocked reads a document straight from the primary tree. Callers
// must hold at least c.mu.RLock and the appropriate 2PL lock on the
// document's resource.
func (c *Collection) findByIDLocked(id string) (storage.Document, error) {
	data, err := c.primary.Search([]byte(id))
	if err != nil {
		if errors.Is(err, util.ErrDocumentNotFound) {
			return nil, dberr.DocumentNotFound(id)
		}
		return nil, err
	}
	doc, err := storage.DeserializeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return doc, nil
}

// Update replaces an existing document's contents, maintaining every
// secondary and group index against the change.
func (c *Collection) Update(auth *rules.AuthContext, t *txn.Transaction, id string, doc storage.Document) error {
	if err := c.lock(t, docResource(c.name, id), lockmgr.Exclusive); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	oldDoc, err := c.findByIDLocked(id)
	if err != nil {
		return fmt.Errorf("document not found for update: %w", err)
	}

	if auth == nil || !auth.IsAdmin {
		if err := c.evaluateRuleUpdate(auth, oldDoc, doc); err != nil {
			return err
		}
	}

	if err := c.validate(doc); err != nil {
		return err
	}

	return c.updateLocked(t, id, oldDoc, doc)
}

// evaluateRuleUpdate runs the "update" (falling back to "write") rule with
// both the old and new document as context, matching Firestore-style
// request.resource/resource.data rule semantics.
func (c *Collection) evaluateRuleUpdate(auth *rules.AuthContext, oldDoc, newDoc storage.Document) error {
	meta, ok := c.db.catalog.GetCollection(c.name)
	if !ok || len(meta.Rules) == 0 {
		return nil
	}
	rule, hasRule := meta.Rules["update"]
	if !hasRule {
		rule, hasRule = meta.Rules["write"]
	}
	if !hasRule {
		return nil
	}

	reqData := map[string]interface{}{"auth": nil, "resource": map[string]interface{}{"data": newDoc}}
	if auth != nil {
		reqData["auth"] = map[string]interface{}{"uid": auth.UID, "claims": auth.Claims}
	}
	ctx := map[string]interface{}{
		"request":  reqData,
		"resource": map[string]interface{}{"data": oldDoc},
	}
	allowed, err := c.db.RulesEngine.Evaluate(rule, ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("permission denied: rule 'update' failed")
	}
	return nil
}

// Patch applies a partial, dot-notation update to a document and performs a
// full update with the merged result.
func (c *Collection) Patch(auth *rules.AuthContext, t *txn.Transaction, id string, patch map[string]interface{}) error {
	if err := c.lock(t, docResource(c.name, id), lockmgr.Exclusive); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	currentDoc, err := c.findByIDLocked(id)
	if err != nil {
		return err
	}

	newDoc := currentDoc.Clone()
	if err := newDoc.ApplyPatch(patch); err != nil {
		return fmt.Errorf("failed to apply patch: %w", err)
	}
	newDoc.SetID(storage.DocumentID(id))

	if auth == nil || !auth.IsAdmin {
		if err := c.evaluateRuleUpdate(auth, currentDoc, newDoc); err != nil {
			return err
		}
	}

	if err := c.validate(newDoc); err != nil {
		return err
	}

	return c.updateLocked(t, id, currentDoc, newDoc)
}

// updateLocked performs the write + index maintenance shared by Update and
// Patch. Callers must already hold c.mu and the document's exclusive lock.
func (c *Collection) updateLocked(t *txn.Transaction, id string, oldDoc, newDoc storage.Document) error {
	newDoc.SetID(storage.DocumentID(id))
	docKey := []byte(id)

	data, err := newDoc.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	oldData, err := oldDoc.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize previous document: %w", err)
	}

	if err := c.primary.Insert(docKey, data); err != nil {
		return fmt.Errorf("failed to update primary index: %w", err)
	}
	t.LogUndo("primary restore "+id, func() error { return c.primary.Insert(docKey, oldData) })

	if err := c.idxMgr.UpdateDocument(c.name, oldDoc, newDoc, docKey); err != nil {
		return err
	}
	t.LogUndo("secondary restore "+id, func() error {
		return c.idxMgr.UpdateDocument(c.name, newDoc, oldDoc, docKey)
	})

	for _, link := range c.linkedGroupIndexes {
		oldVal, hasOld := oldDoc[link.Field]
		newVal, hasNew := newDoc[link.Field]
		changed := hasOld != hasNew || fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal)
		if !changed {
			continue
		}
		if hasOld {
			oldKey := []byte(fmt.Sprintf("%v", oldVal) + "\x00" + c.name + "\x00" + id)
			_ = link.Index.Delete(oldKey)
		}
		if hasNew {
			newKey := []byte(fmt.Sprintf("%v", newVal) + "\x00" + c.name + "\x00" + id)
			newVal := []byte(c.name + "\x00" + id)
			if err := link.Index.Insert(newKey, newVal); err != nil {
				return fmt.Errorf("failed to update group index %s: %w", link.Field, err)
			}
		}
	}

	t.MarkWrite(docResource(c.name, id))
	return nil
}

// InsertBatch inserts multiple documents, each under its own lock and undo
// record, stopping at the first failure.
func (c *Collection) InsertBatch(t *txn.Transaction, docs []storage.Document) error {
	for _, doc := range docs {
		if err := c.Insert(nil, t, doc); err != nil {
			return err
		}
	}
	return nil
}

// UpdateBatch updates multiple documents by their own "_id".
func (c *Collection) UpdateBatch(t *txn.Transaction, docs []storage.Document) error {
	for _, doc := range docs {
		id, hasID := doc.GetID()
		if !hasID || id == "" {
			return fmt.Errorf("document must have an ID for update")
		}
		if err := c.Update(nil, t, string(id), doc); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a document and every index entry referencing it.
func (c *Collection) Delete(auth *rules.AuthContext, t *txn.Transaction, id string) error {
	if err := c.lock(t, docResource(c.name, id), lockmgr.Exclusive); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.findByIDLocked(id)
	if err != nil {
		return err
	}

	if err := c.evaluateRule("delete", auth, doc); err != nil {
		return err
	}

	if err := c.db.enforceReferencesOnDelete(t, c.name, id); err != nil {
		return err
	}

	docKey := []byte(id)
	data, _ := doc.Serialize()

	if err := c.primary.Delete(docKey); err != nil {
		return fmt.Errorf("failed to delete from primary index: %w", err)
	}
	t.LogUndo("primary restore "+id, func() error { return c.primary.Insert(docKey, data) })

	if err := c.idxMgr.DeleteDocument(doc); err != nil {
		c.db.log.Warn().Str("collection", c.name).Str("id", id).Err(err).Msg("failed to clear secondary index entries on delete")
	}
	t.LogUndo("secondary restore "+id, func() error { return c.idxMgr.CheckAndInsertDocument(c.name, doc, docKey) })

	for _, link := range c.linkedGroupIndexes {
		if val, ok := doc[link.Field]; ok {
			valStr := fmt.Sprintf("%v", val)
			compKey := []byte(valStr + "\x00" + c.name + "\x00" + id)
			_ = link.Index.Delete(compKey)
		}
	}

	t.MarkWrite(docResource(c.name, id))
	return nil
}

// DeleteBatch deletes multiple documents by id.
func (c *Collection) DeleteBatch(t *txn.Transaction, ids []string) error {
	for _, id := range ids {
		if err := c.Delete(nil, t, id); err != nil {
			return err
		}
	}
	return nil
}

// List returns documents with simple skip/limit pagination, in primary key
// order.
func (c *Collection) List(auth *rules.AuthContext, t *txn.Transaction, skip, limit int) ([]storage.Document, error) {
	if auth == nil || !auth.IsAdmin {
		if err := c.evaluateRule("list", auth, nil); err != nil {
			return nil, err
		}
	}

	iter, err := NewTableScanIterator(c, t)
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var cur Iterator = iter
	if skip > 0 {
		cur = NewSkipIterator(cur, skip)
	}
	if limit > 0 {
		cur = NewLimitIterator(cur, limit)
	}

	var results []storage.Document
	for cur.Next() {
		if doc, err := cur.Value(); err == nil {
			results = append(results, doc)
		}
	}
	return results, nil
}

// Count returns the exact number of documents in the collection.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, err := c.primary.GetAll()
	if err != nil {
		return 0
	}
	return len(entries)
}

// EnsureIndex creates a single-field, non-unique, ascending secondary index
// on field if it doesn't already exist. It's a thin convenience wrapper
// around EnsureCompoundIndex for the common case.
func (c *Collection) EnsureIndex(field string) error {
	if field == "_id" {
		return nil
	}
	return c.EnsureCompoundIndex(field, []storage.KeySpecField{{Name: field, Dir: storage.Ascending}}, false)
}

// EnsureUniqueIndex is EnsureIndex with a uniqueness constraint: once built,
// inserts/updates that would duplicate an existing field value are rejected.
func (c *Collection) EnsureUniqueIndex(field string) error {
	return c.EnsureCompoundIndex(field, []storage.KeySpecField{{Name: field, Dir: storage.Ascending}}, true)
}

// EnsureCompoundIndex creates a secondary index named name over keySpec (one
// or more fields, each with its own sort direction) if it doesn't already
// exist, backfilling it from the primary tree and persisting its full
// metadata (keySpec + unique + root id) to the Catalog so it survives a
// restart intact.
func (c *Collection) EnsureCompoundIndex(name string, keySpec []storage.KeySpecField, unique bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "_id" {
		return nil
	}
	if c.idxMgr.HasIndex(name) {
		return nil
	}

	if _, err := c.idxMgr.CreateIndex(name, keySpec, unique); err != nil {
		return err
	}
	tree, ok := c.idxMgr.Tree(name)
	if ok {
		tree.SetOnRootChange(func(storage.PageID) { c.db.persistCollectionIndexes(c.name) })
	}

	entries, err := c.primary.GetAll()
	if err != nil {
		return fmt.Errorf("failed to scan primary index: %w", err)
	}
	for _, entry := range entries {
		doc, err := storage.DeserializeDocument(entry.Value)
		if err != nil {
			continue
		}
		if _, ok := doc[keySpec[0].Name]; !ok {
			continue
		}
		values := make([]interface{}, len(keySpec))
		for i, f := range keySpec {
			values[i] = doc[f.Name]
		}
		key, err := storage.EncodeKeyString(values, keySpec)
		if err != nil {
			return fmt.Errorf("failed to backfill index %s: %w", name, err)
		}
		if _, err := tree.Search(key); err == nil && unique {
			return dberr.DuplicateKey(c.name+"."+name, values)
		}
		if err := tree.Insert(key, entry.Key); err != nil {
			return fmt.Errorf("failed to backfill index %s: %w", name, err)
		}
	}

	c.db.persistCollectionIndexes(c.name)
	return nil
}

// DropIndex removes a secondary index.
func (c *Collection) DropIndex(field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if field == "_id" {
		return fmt.Errorf("cannot drop primary index")
	}
	if err := c.idxMgr.DropIndex(field); err != nil {
		return err
	}
	c.db.persistCollectionIndexes(c.name)
	return nil
}

// Find looks up documents by a single field's value, lazily creating a
// secondary index on first use if one doesn't already exist.
func (c *Collection) Find(t *txn.Transaction, field string, value interface{}) ([]storage.Document, error) {
	if field == "_id" {
		doc, err := c.FindByID(nil, t, fmt.Sprintf("%v", value))
		if err != nil {
			return nil, err
		}
		return []storage.Document{doc}, nil
	}

	c.mu.RLock()
	hasIndex := c.idxMgr.HasIndex(field)
	c.mu.RUnlock()
	if !hasIndex {
		if err := c.EnsureIndex(field); err != nil {
			return nil, err
		}
	}

	docKeys, err := c.idxMgr.FindByIndexHint(field, []interface{}{value})
	if err != nil {
		return nil, err
	}

	var docs []storage.Document
	for _, key := range docKeys {
		doc, err := c.FindByID(nil, t, string(key))
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// ListIndexes returns the names of every secondary index on the collection.
func (c *Collection) ListIndexes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for _, meta := range c.idxMgr.ListIndexes() {
		names = append(names, meta.Name)
	}
	return names
}

// QueryOptions controls the sort/skip/limit shape of a FindQuery call. It's
// variadic at the call site (zero or one value) rather than a required
// argument, since most callers just want every match in storage order.
type QueryOptions struct {
	SortField string
	SortDesc  bool
	Limit     int
	Skip      int
}

// FindQuery executes a query AST against the collection, using an index
// scan when the query is a simple single-field comparison backed by an
// existing index and falling back to a table scan otherwise.
func (c *Collection) FindQuery(auth *rules.AuthContext, t *txn.Transaction, queryMap map[string]interface{}, opts ...QueryOptions) ([]storage.Document, error) {
	if auth == nil || !auth.IsAdmin {
		if err := c.evaluateRule("list", auth, nil); err != nil {
			return nil, err
		}
	}

	skip, limit, sortField, sortDesc := 0, 0, "", false
	if len(opts) > 0 {
		skip, limit, sortField, sortDesc = opts[0].Skip, opts[0].Limit, opts[0].SortField, opts[0].SortDesc
	}

	node, err := query.Parse(queryMap)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	matcher, ok := node.(query.Matcher)
	if !ok {
		return nil, fmt.Errorf("parsed node does not implement Matcher")
	}

	var iter Iterator
	usedIndex := false
	if fNode, ok := node.(*query.FieldNode); ok {
		c.mu.RLock()
		hasIndex := c.idxMgr.HasIndex(fNode.Field)
		c.mu.RUnlock()
		if hasIndex && fNode.Operator == query.OpEq {
			idxIter, err := NewIndexScanIterator(c, t, fNode.Field, fNode.Value)
			if err == nil {
				iter = idxIter
				usedIndex = true
			}
		}
	}

	if !usedIndex {
		tsIter, err := NewTableScanIterator(c, t)
		if err != nil {
			return nil, fmt.Errorf("failed to create iterator: %w", err)
		}
		iter = tsIter
	}
	defer iter.Close()

	iter = NewFilterIterator(iter, matcher)
	if sortField != "" {
		iter = NewSortIterator(iter, sortField, sortDesc)
	}
	if skip > 0 {
		iter = NewSkipIterator(iter, skip)
	}
	if limit > 0 {
		iter = NewLimitIterator(iter, limit)
	}

	var results []storage.Document
	for iter.Next() {
		if doc, err := iter.Value(); err == nil {
			results = append(results, doc)
		}
	}
	return results, nil
}
