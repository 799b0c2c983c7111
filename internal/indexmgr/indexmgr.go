// Package indexmgr implements the Index Manager: it maintains every
// secondary index for a collection as a separate storage.BPlusTree keyed by
// a storage.KeyString-encoded compound key, and keeps them in sync with each
// other using a compensating rollback on failure (no WAL journal).
package indexmgr

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/dberr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/util"
	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

// exists performs a point lookup, translating the BPlusTree's
// ErrDocumentNotFound into a plain found=false rather than an error.
func exists(tree *storage.BPlusTree, key []byte) (found bool, err error) {
	_, err = tree.Search(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, util.ErrDocumentNotFound) {
		return false, nil
	}
	return false, err
}

// IndexMeta describes one secondary index: its name, the compound key spec
// that derives its entry keys from a document, and whether it enforces
// uniqueness.
type IndexMeta struct {
	Name    string
	KeySpec []storage.KeySpecField
	Unique  bool
	RootID  storage.PageID
}

type namedIndex struct {
	meta IndexMeta
	tree *storage.BPlusTree
}

// Manager owns every secondary index of one collection.
type Manager struct {
	bp *storage.BufferPool

	mu      sync.RWMutex
	indexes map[string]*namedIndex
	log     zerolog.Logger
}

func New(bp *storage.BufferPool, log zerolog.Logger) *Manager {
	return &Manager{
		bp:      bp,
		indexes: make(map[string]*namedIndex),
		log:     log,
	}
}

// CreateIndex allocates a new, empty index tree.
func (m *Manager) CreateIndex(name string, keySpec []storage.KeySpecField, unique bool) (IndexMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.indexes[name]; exists {
		return IndexMeta{}, dberr.CannotCreateIndex(fmt.Sprintf("index %s already exists", name))
	}

	tree, err := storage.Create(m.bp)
	if err != nil {
		return IndexMeta{}, dberr.CannotCreateIndex(fmt.Sprintf("failed to allocate index %s: %v", name, err))
	}

	meta := IndexMeta{Name: name, KeySpec: keySpec, Unique: unique, RootID: tree.GetRootPageId()}
	m.indexes[name] = &namedIndex{meta: meta, tree: tree}
	return meta, nil
}

// DropIndex removes an index from the manager's bookkeeping. The underlying
// tree's pages are abandoned (page reclamation is out of scope, matching the
// Pager/BPlusTree collaborators' own lack of a free-list).
func (m *Manager) DropIndex(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.indexes[name]; !exists {
		return dberr.IndexNotFound(name)
	}
	delete(m.indexes, name)
	return nil
}

// ListIndexes returns metadata for every index, in no particular order.
func (m *Manager) ListIndexes() []IndexMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]IndexMeta, 0, len(m.indexes))
	for _, idx := range m.indexes {
		out = append(out, idx.meta)
	}
	return out
}

// GetIndexMetas is an alias of ListIndexes for Catalog persistence call sites.
func (m *Manager) GetIndexMetas() []IndexMeta { return m.ListIndexes() }

// RestoreIndexes reopens a set of indexes from previously persisted
// metadata (root page ids recovered from the Catalog), used when a
// collection is reopened.
func (m *Manager) RestoreIndexes(metas []IndexMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, meta := range metas {
		tree, err := storage.New(m.bp, meta.RootID)
		if err != nil {
			return fmt.Errorf("indexmgr: failed to restore index %s: %w", meta.Name, err)
		}
		m.indexes[meta.Name] = &namedIndex{meta: meta, tree: tree}
	}
	return nil
}

func extractValues(doc storage.Document, keySpec []storage.KeySpecField) []interface{} {
	values := make([]interface{}, len(keySpec))
	for i, f := range keySpec {
		values[i] = doc[f.Name]
	}
	return values
}

// CheckUniqueConstraints reports a dberr.DuplicateKey if inserting doc would
// violate any unique index, without mutating any tree. It is run ahead of
// CheckAndInsertDocument so schema-validator and uniqueness failures are
// reported before any index is touched.
func (m *Manager) CheckUniqueConstraints(collName string, doc storage.Document) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, idx := range m.indexes {
		if !idx.meta.Unique {
			continue
		}
		values := extractValues(doc, idx.meta.KeySpec)
		key, err := storage.EncodeKeyString(values, idx.meta.KeySpec)
		if err != nil {
			return dberr.BadValue(err.Error())
		}
		if found, _ := exists(idx.tree, key); found {
			return dberr.DuplicateKey(collName+"."+idx.meta.Name, values)
		}
	}
	return nil
}

// CheckAndInsertDocument inserts doc's key into every index, atomically: if
// any index insert fails (most commonly a unique-constraint race lost after
// CheckUniqueConstraints ran), every index already written for this document
// is compensated by deleting the entry back out, so no index is left ahead
// of the others.
func (m *Manager) CheckAndInsertDocument(collName string, doc storage.Document, docKey []byte) error {
	m.mu.RLock()
	indexes := make([]*namedIndex, 0, len(m.indexes))
	for _, idx := range m.indexes {
		indexes = append(indexes, idx)
	}
	m.mu.RUnlock()

	applied := make([]*namedIndex, 0, len(indexes))
	for _, idx := range indexes {
		values := extractValues(doc, idx.meta.KeySpec)
		key, err := storage.EncodeKeyString(values, idx.meta.KeySpec)
		if err != nil {
			m.rollbackInserts(applied, doc)
			return dberr.BadValue(err.Error())
		}
		if idx.meta.Unique {
			if found, _ := exists(idx.tree, key); found {
				m.rollbackInserts(applied, doc)
				return dberr.DuplicateKey(collName+"."+idx.meta.Name, values)
			}
		}
		if err := idx.tree.Insert(key, docKey); err != nil {
			m.rollbackInserts(applied, doc)
			return dberr.OperationFailed(fmt.Sprintf("failed to insert into index %s", idx.meta.Name), err)
		}
		applied = append(applied, idx)
	}
	return nil
}

func (m *Manager) rollbackInserts(applied []*namedIndex, doc storage.Document) {
	for _, idx := range applied {
		values := extractValues(doc, idx.meta.KeySpec)
		key, err := storage.EncodeKeyString(values, idx.meta.KeySpec)
		if err != nil {
			m.log.Warn().Str("index", idx.meta.Name).Err(err).Msg("rollback: failed to re-encode key")
			continue
		}
		if err := idx.tree.Delete(key); err != nil {
			m.log.Warn().Str("index", idx.meta.Name).Err(err).Msg("rollback: compensating delete failed")
		}
	}
}

// DeleteDocument removes doc's key from every index. Best-effort: a failure
// on one index is logged and the rest still attempt to proceed, since a
// partially-deleted document is recoverable by a subsequent Verify pass
// whereas stopping early would leave strictly more inconsistency behind.
func (m *Manager) DeleteDocument(doc storage.Document) error {
	m.mu.RLock()
	indexes := make([]*namedIndex, 0, len(m.indexes))
	for _, idx := range m.indexes {
		indexes = append(indexes, idx)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, idx := range indexes {
		values := extractValues(doc, idx.meta.KeySpec)
		key, err := storage.EncodeKeyString(values, idx.meta.KeySpec)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := idx.tree.Delete(key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.log.Warn().Str("index", idx.meta.Name).Err(err).Msg("delete from index failed")
		}
	}
	return firstErr
}

// FindByIndexHint performs a point lookup on the named index for the given
// field values, returning the matching document keys.
func (m *Manager) FindByIndexHint(name string, values []interface{}) ([][]byte, error) {
	m.mu.RLock()
	idx, ok := m.indexes[name]
	m.mu.RUnlock()
	if !ok {
		return nil, dberr.IndexNotFound(name)
	}

	key, err := storage.EncodeKeyString(values, idx.meta.KeySpec)
	if err != nil {
		return nil, dberr.BadValue(err.Error())
	}
	value, err := idx.tree.Search(key)
	if err != nil {
		if errors.Is(err, util.ErrDocumentNotFound) {
			return nil, nil
		}
		return nil, dberr.OperationFailed("index lookup failed", err)
	}
	return [][]byte{value}, nil
}

// UpdateDocument replaces oldDoc's entries with newDoc's across every index,
// restoring the old entries if the new ones cannot all be applied (most
// commonly a unique-constraint conflict against a document other than this
// one).
func (m *Manager) UpdateDocument(collName string, oldDoc, newDoc storage.Document, docKey []byte) error {
	m.mu.RLock()
	indexes := make([]*namedIndex, 0, len(m.indexes))
	for _, idx := range m.indexes {
		indexes = append(indexes, idx)
	}
	m.mu.RUnlock()

	for _, idx := range indexes {
		if !idx.meta.Unique {
			continue
		}
		oldKey, err := storage.EncodeKeyString(extractValues(oldDoc, idx.meta.KeySpec), idx.meta.KeySpec)
		if err != nil {
			return dberr.BadValue(err.Error())
		}
		newValues := extractValues(newDoc, idx.meta.KeySpec)
		newKey, err := storage.EncodeKeyString(newValues, idx.meta.KeySpec)
		if err != nil {
			return dberr.BadValue(err.Error())
		}
		if bytes.Equal(oldKey, newKey) {
			continue
		}
		if found, _ := exists(idx.tree, newKey); found {
			return dberr.DuplicateKey(collName+"."+idx.meta.Name, newValues)
		}
	}

	if err := m.DeleteDocument(oldDoc); err != nil {
		m.log.Warn().Err(err).Msg("update: failed to clear old index entries")
	}
	if err := m.CheckAndInsertDocument(collName, newDoc, docKey); err != nil {
		if rerr := m.CheckAndInsertDocument(collName, oldDoc, docKey); rerr != nil {
			m.log.Error().Err(rerr).Msg("update: failed to restore old index entries after failed update")
		}
		return err
	}
	return nil
}

// Tree returns the underlying BPlusTree backing the named index, for callers
// that need a raw range scan (query planning, iterators).
func (m *Manager) Tree(name string) (*storage.BPlusTree, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[name]
	if !ok {
		return nil, false
	}
	return idx.tree, true
}

// Meta returns the metadata for the named index.
func (m *Manager) Meta(name string) (IndexMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[name]
	if !ok {
		return IndexMeta{}, false
	}
	return idx.meta, true
}

// HasIndex reports whether an index with the given name exists.
func (m *Manager) HasIndex(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indexes[name]
	return ok
}

// ValidateIndex runs the underlying BPlusTree's structural verification for
// the named index.
func (m *Manager) ValidateIndex(name string) ([]error, error) {
	m.mu.RLock()
	idx, ok := m.indexes[name]
	m.mu.RUnlock()
	if !ok {
		return nil, dberr.IndexNotFound(name)
	}
	return idx.tree.Verify(), nil
}
