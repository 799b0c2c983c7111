// Package bundoc implements an embedded, MongoDB-wire-compatible document
// database.
//
// Key properties:
//   - ACID transactions via two-phase locking with deadlock detection, not
//     multi-version snapshots
//   - B+Tree indexing for fast lookups and range scans
//   - A Catalog persisted as its own B+Tree, rooted in the Pager's file
//     header, so schema survives a restart the same way user data does
//   - Server-side session and cursor tracking with idle-TTL sweeps
//
// Architecture:
// The database is composed of several layers:
//  1. Database: the main entry point coordinating all components.
//  2. Collection: manages documents and their associated indexes.
//  3. Transaction Manager: 2PL transaction lifecycle on top of the Lock Manager.
//  4. Lock Manager: the resource lock table and deadlock detector.
//  5. Index Manager: per-collection secondary indexes with atomic maintenance.
//  6. Catalog: the persisted system table of collection metadata.
//  7. Session / Cursor Managers: client session and server-cursor bookkeeping.
//  8. Storage: disk I/O (Pager), page caching (BufferPool), B+Tree.
package bundoc

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/catalog"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/cursor"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/indexmgr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/lockmgr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/session"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/txn"
	"github.com/MonoLite-db/MonoLiteTS-sub001/rules"
	"github.com/MonoLite-db/MonoLiteTS-sub001/security"
	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
	"github.com/xeipuuv/gojsonschema"
)

// Database is the central coordinator for all database subsystems.
type Database struct {
	path           string
	bufferPool     *storage.BufferPool
	pager          *storage.Pager
	catalog        *catalog.Catalog
	lockMgr        *lockmgr.Manager
	txnMgr         *txn.Manager
	Sessions       *session.Manager
	Cursors        *cursor.Manager
	Security       *security.UserManager
	Audit          *security.AuditLogger
	RulesEngine    *rules.RulesEngine
	collections    map[string]*Collection
	groupIndexes   map[string]*storage.BPlusTree
	lockTimeoutDur time.Duration
	log            zerolog.Logger
	mu             sync.RWMutex
	closed         bool
}

// lockTimeout returns how long a transaction waits for a lock grant before
// the Lock Manager gives up and the Transaction Manager aborts it.
func (db *Database) lockTimeout() time.Duration {
	if db.lockTimeoutDur > 0 {
		return db.lockTimeoutDur
	}
	return lockmgr.DefaultTimeout
}

// Options configures a database instance.
type Options struct {
	Path string

	// BufferPoolSize in number of pages (default: 1000 = 8MB).
	BufferPoolSize int

	// EncryptionKey for at-rest encryption (32 bytes for AES-256). Nil
	// disables encryption.
	EncryptionKey []byte

	// AuditLogPath for security events (default: Path/audit.log).
	AuditLogPath string

	// LockTimeout bounds how long a transaction waits for a lock before it
	// is aborted (default: lockmgr.DefaultTimeout).
	LockTimeout time.Duration

	// SessionIdleTimeout / SessionSweepInterval tune the Session Manager's
	// reaper (defaults: session.DefaultIdleTimeout / DefaultSweepInterval).
	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration

	// CursorIdleTimeout / CursorSweepInterval tune the Cursor Manager's
	// reaper (defaults: cursor.DefaultIdleTimeout / DefaultSweepInterval).
	CursorIdleTimeout   time.Duration
	CursorSweepInterval time.Duration

	// Logger receives structured diagnostics from every manager. Nil falls
	// back to zerolog.Nop().
	Logger *zerolog.Logger
}

// DefaultOptions returns default database options.
func DefaultOptions(path string) *Options {
	return &Options{
		Path:           path,
		BufferPoolSize: 1000,
		AuditLogPath:   path + "/audit.log",
		LockTimeout:    lockmgr.DefaultTimeout,
	}
}

// Open opens a database at the given path, wiring:
//  1. Pager for disk I/O (and the file header the Catalog's root lives in)
//  2. BufferPool for page caching
//  3. Catalog, reopened from (or created at) the file header's root page id
//  4. Lock Manager + Transaction Manager
//  5. Session Manager + Cursor Manager (their sweep goroutines are started
//     here and stopped in Close)
//  6. Rules Engine, Security (SCRAM auth), Audit Logger
//
// It then restores every collection's indexes from the Catalog, so B+Tree
// state is consistent with the last successful commit.
func Open(opts *Options) (*Database, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}

	pager, err := storage.NewPager(opts.Path+"/data.db", opts.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create pager: %w", err)
	}

	bufferPoolSize := opts.BufferPoolSize
	if bufferPoolSize <= 0 {
		bufferPoolSize = 1000
	}
	bufferPool := storage.NewBufferPool(bufferPoolSize, pager)

	cat, err := catalog.Open(bufferPool, pager)
	if err != nil {
		pager.Close()
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	lockMgr := lockmgr.New(log)
	txnMgr := txn.NewManager(lockMgr, pager, log)

	sessionIdle := opts.SessionIdleTimeout
	sessionSweep := opts.SessionSweepInterval
	sessions := session.New(txnMgr, sessionIdle, sessionSweep, log)
	sessions.Start()

	cursorIdle := opts.CursorIdleTimeout
	cursorSweep := opts.CursorSweepInterval
	cursors := cursor.New(cursorIdle, cursorSweep, log)
	cursors.Start()

	re, err := rules.NewRulesEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rules engine: %w", err)
	}

	db := &Database{
		path:           opts.Path,
		bufferPool:     bufferPool,
		pager:          pager,
		catalog:        cat,
		lockMgr:        lockMgr,
		txnMgr:         txnMgr,
		Sessions:       sessions,
		Cursors:        cursors,
		RulesEngine:    re,
		collections:    make(map[string]*Collection),
		groupIndexes:   make(map[string]*storage.BPlusTree),
		lockTimeoutDur: opts.LockTimeout,
		log:            log,
		closed:         false,
	}

	userStore := NewInternalUserStore(db)
	db.Security = security.NewUserManager(userStore)

	auditPath := opts.AuditLogPath
	if auditPath == "" {
		auditPath = opts.Path + "/audit.log"
	}
	auditLogger, err := security.NewAuditLogger(auditPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init audit logger: %w", err)
	}
	db.Audit = auditLogger

	if err := db.restoreCollections(); err != nil {
		return nil, err
	}
	if err := db.restoreGroupIndexes(); err != nil {
		return nil, err
	}
	db.linkGroupIndexes()

	return db, nil
}

func (db *Database) restoreCollections() error {
	for _, name := range db.catalog.ListCollections() {
		meta, _ := db.catalog.GetCollection(name)

		primaryIdx, ok := meta.Indexes["_id"]
		if !ok {
			return fmt.Errorf("collection %s is missing a primary index root", name)
		}
		primary, err := storage.LoadBPlusTree(db.bufferPool, storage.PageID(primaryIdx.RootID))
		if err != nil {
			return fmt.Errorf("failed to load primary index for collection %s: %w", name, err)
		}
		primary.SetOnRootChange(db.onPrimaryRootChange(name))

		idxMgr := indexmgr.New(db.bufferPool, db.log)
		var secondary []indexmgr.IndexMeta
		for field, persisted := range meta.Indexes {
			if field == "_id" {
				continue
			}
			keySpec := make([]storage.KeySpecField, len(persisted.KeySpec))
			for i, ks := range persisted.KeySpec {
				keySpec[i] = storage.KeySpecField{Name: ks.Name, Dir: ks.Dir}
			}
			secondary = append(secondary, indexmgr.IndexMeta{
				Name:    field,
				KeySpec: keySpec,
				Unique:  persisted.Unique,
				RootID:  storage.PageID(persisted.RootID),
			})
		}
		if err := idxMgr.RestoreIndexes(secondary); err != nil {
			return fmt.Errorf("failed to restore secondary indexes for collection %s: %w", name, err)
		}
		for _, meta := range secondary {
			if tree, ok := idxMgr.Tree(meta.Name); ok {
				tree.SetOnRootChange(db.onPrimaryRootChange(name))
			}
		}

		coll := &Collection{
			name:    name,
			db:      db,
			primary: primary,
			idxMgr:  idxMgr,
		}

		if meta.Schema != "" {
			loader := gojsonschema.NewStringLoader(meta.Schema)
			schema, err := gojsonschema.NewSchema(loader)
			if err != nil {
				db.log.Warn().Str("collection", name).Err(err).Msg("failed to load collection schema")
			} else {
				coll.schemaLoader = schema
			}
		}

		db.collections[name] = coll
	}
	return nil
}

func (db *Database) restoreGroupIndexes() error {
	for _, meta := range db.catalog.ListGroupIndexes() {
		idx, err := storage.LoadBPlusTree(db.bufferPool, storage.PageID(meta.RootID))
		if err != nil {
			return fmt.Errorf("failed to load group index %s::%s: %w", meta.Pattern, meta.Field, err)
		}
		p, f := meta.Pattern, meta.Field
		idx.SetOnRootChange(func(newRootID storage.PageID) {
			db.catalog.UpdateGroupIndex(p, f, newRootID)
		})
		db.groupIndexes[meta.Pattern+"::"+meta.Field] = idx
	}
	return nil
}

func (db *Database) linkGroupIndexes() {
	for _, coll := range db.collections {
		for key, gIdx := range db.groupIndexes {
			parts := strings.SplitN(key, "::", 2)
			if len(parts) != 2 {
				continue
			}
			pattern, field := parts[0], parts[1]
			if matched, _ := filepath.Match(pattern, coll.Name()); matched {
				coll.linkedGroupIndexes = append(coll.linkedGroupIndexes, &GroupIndexLink{Index: gIdx, Field: field})
			}
		}
	}
}

func (db *Database) onPrimaryRootChange(name string) func(storage.PageID) {
	return func(newRootID storage.PageID) {
		db.persistCollectionIndexes(name)
		_ = newRootID
	}
}

// persistCollectionIndexes writes the full index metadata (primary root id
// plus each secondary index's key spec, uniqueness and root id) for a
// collection to the Catalog, synchronously, so a reopen can rebuild every
// index exactly as it was created rather than degrading it to a guess.
func (db *Database) persistCollectionIndexes(name string) {
	db.mu.RLock()
	coll, ok := db.collections[name]
	db.mu.RUnlock()
	if !ok {
		return
	}

	indexes := map[string]catalog.IndexMeta{
		"_id": {Name: "_id", RootID: uint64(coll.primary.GetRootPageId())},
	}
	for _, meta := range coll.idxMgr.GetIndexMetas() {
		keySpec := make([]catalog.KeySpecField, len(meta.KeySpec))
		for i, ks := range meta.KeySpec {
			keySpec[i] = catalog.KeySpecField{Name: ks.Name, Dir: ks.Dir}
		}
		indexes[meta.Name] = catalog.IndexMeta{
			Name:    meta.Name,
			KeySpec: keySpec,
			Unique:  meta.Unique,
			RootID:  uint64(meta.RootID),
		}
	}
	if err := db.catalog.UpdateCollection(name, indexes); err != nil {
		db.log.Warn().Str("collection", name).Err(err).Msg("failed to persist collection index metadata")
	}
}

// CreateCollection creates a new collection.
func (db *Database) CreateCollection(name string) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, fmt.Errorf("database is closed")
	}
	if _, exists := db.collections[name]; exists {
		return nil, fmt.Errorf("collection %s already exists", name)
	}

	primary, err := storage.Create(db.bufferPool)
	if err != nil {
		return nil, fmt.Errorf("failed to create primary index: %w", err)
	}
	primary.SetOnRootChange(db.onPrimaryRootChange(name))

	coll := &Collection{
		name:    name,
		db:      db,
		primary: primary,
		idxMgr:  indexmgr.New(db.bufferPool, db.log),
	}

	for key, gIdx := range db.groupIndexes {
		parts := strings.SplitN(key, "::", 2)
		if len(parts) != 2 {
			continue
		}
		pattern, field := parts[0], parts[1]
		if matched, _ := filepath.Match(pattern, name); matched {
			coll.linkedGroupIndexes = append(coll.linkedGroupIndexes, &GroupIndexLink{Index: gIdx, Field: field})
		}
	}

	db.collections[name] = coll

	primaryMeta := map[string]catalog.IndexMeta{
		"_id": {Name: "_id", RootID: uint64(primary.GetRootPageId())},
	}
	if err := db.catalog.UpdateCollection(name, primaryMeta); err != nil {
		return nil, fmt.Errorf("failed to persist collection metadata: %w", err)
	}

	return coll, nil
}

// GetCollection returns an existing collection.
func (db *Database) GetCollection(name string) (*Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if db.closed {
		return nil, fmt.Errorf("database is closed")
	}
	coll, exists := db.collections[name]
	if !exists {
		return nil, fmt.Errorf("collection %s does not exist", name)
	}
	return coll, nil
}

// DropCollection drops a collection.
func (db *Database) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return fmt.Errorf("database is closed")
	}
	if _, exists := db.collections[name]; !exists {
		return fmt.Errorf("collection %s does not exist", name)
	}

	delete(db.collections, name)
	return db.catalog.DeleteCollection(name)
}

// ListCollections returns names of all collections.
func (db *Database) ListCollections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	return names
}

// ListCollectionsWithPrefix returns names of collections filtered by prefix.
func (db *Database) ListCollectionsWithPrefix(prefix string) []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0)
	for name := range db.collections {
		if prefix == "" || (len(name) >= len(prefix) && name[:len(prefix)] == prefix) {
			names = append(names, name)
		}
	}
	return names
}

// BeginTransaction starts a new transaction.
func (db *Database) BeginTransaction() (*txn.Transaction, error) {
	if db.closed {
		return nil, fmt.Errorf("database is closed")
	}
	return db.txnMgr.Begin(), nil
}

// CommitTransaction commits a transaction.
func (db *Database) CommitTransaction(t *txn.Transaction) error {
	if db.closed {
		return fmt.Errorf("database is closed")
	}
	return db.txnMgr.Commit(t)
}

// RollbackTransaction aborts a transaction, replaying its undo log.
func (db *Database) RollbackTransaction(t *txn.Transaction) error {
	if db.closed {
		return fmt.Errorf("database is closed")
	}
	return db.txnMgr.Abort(t)
}

// Close closes the database and releases resources.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return fmt.Errorf("database already closed")
	}
	db.closed = true

	db.Sessions.Stop()
	db.Cursors.Stop()

	if err := db.txnMgr.Close(); err != nil {
		return fmt.Errorf("failed to close transaction manager: %w", err)
	}
	if err := db.bufferPool.FlushAllPages(); err != nil {
		return fmt.Errorf("failed to flush buffer pool: %w", err)
	}
	if err := db.pager.Close(); err != nil {
		return fmt.Errorf("failed to close pager: %w", err)
	}
	if db.Audit != nil {
		db.Audit.Close()
	}
	return nil
}

// EnsureGroupIndex creates a collection group index over `field` for every
// collection whose name matches `pattern`, backfilling existing documents.
func (db *Database) EnsureGroupIndex(pattern, field string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return fmt.Errorf("database is closed")
	}

	key := pattern + "::" + field
	if _, exists := db.groupIndexes[key]; exists {
		return nil
	}

	index, err := storage.Create(db.bufferPool)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	for _, coll := range db.collections {
		if matched, _ := filepath.Match(pattern, coll.Name()); !matched {
			continue
		}

		entries, err := coll.primary.GetAll()
		if err != nil {
			db.log.Warn().Str("collection", coll.Name()).Err(err).Msg("failed to scan collection while backfilling group index")
			continue
		}

		for _, entry := range entries {
			doc, err := storage.DeserializeDocument(entry.Value)
			if err != nil {
				continue
			}
			id, _ := doc.GetID()
			if val, ok := doc[field]; ok {
				valStr := fmt.Sprintf("%v", val)
				compKey := []byte(valStr + "\x00" + coll.Name() + "\x00" + string(id))
				compVal := []byte(coll.Name() + "\x00" + string(id))
				if err := index.Insert(compKey, compVal); err != nil {
					return fmt.Errorf("failed to insert group index entry: %w", err)
				}
			}
		}

		coll.linkedGroupIndexes = append(coll.linkedGroupIndexes, &GroupIndexLink{Index: index, Field: field})
	}

	index.SetOnRootChange(func(newRootID storage.PageID) {
		db.catalog.UpdateGroupIndex(pattern, field, newRootID)
	})
	db.groupIndexes[key] = index

	return db.catalog.UpdateGroupIndex(pattern, field, index.GetRootPageId())
}

// enforceReferencesOnDelete applies the on_delete policy of any x-monolite-ref
// schema annotation, on any other collection, that targets collName, for
// the document about to be deleted there.
func (db *Database) enforceReferencesOnDelete(t *txn.Transaction, collName, id string) error {
	db.mu.RLock()
	names := make([]string, 0, len(db.collections))
	for n := range db.collections {
		names = append(names, n)
	}
	db.mu.RUnlock()

	for _, name := range names {
		if name == collName {
			continue
		}
		coll, err := db.GetCollection(name)
		if err != nil {
			continue
		}
		schemaStr, err := coll.GetSchema()
		if err != nil || schemaStr == "" {
			continue
		}
		refRules, err := parseReferenceRules(name, schemaStr)
		if err != nil {
			continue
		}
		for _, rule := range refRules {
			if rule.TargetCollection != collName {
				continue
			}
			referencing, err := coll.Find(t, rule.SourceField, id)
			if err != nil || len(referencing) == 0 {
				continue
			}
			switch rule.OnDelete {
			case onDeleteRestrict:
				return fmt.Errorf("%w: %s.%s references %s/%s", ErrReferenceRestrictViolation, name, rule.SourceField, collName, id)
			case onDeleteCascade:
				for _, doc := range referencing {
					docID, _ := doc.GetID()
					if err := coll.Delete(adminAuth, t, string(docID)); err != nil {
						return err
					}
				}
			case onDeleteSetNull:
				for _, doc := range referencing {
					docID, _ := doc.GetID()
					if err := coll.Patch(adminAuth, t, string(docID), map[string]interface{}{rule.SourceField: nil}); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// IsClosed returns true if the database is closed.
func (db *Database) IsClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

// FindInGroup executes a simple equality query against a collection group,
// using a group index when one exists for the queried field, otherwise
// falling back to a scatter-gather scan across matching collections.
func (db *Database) FindInGroup(auth *rules.AuthContext, t *txn.Transaction, pattern string, queryMap map[string]interface{}) ([]storage.Document, error) {
	var index *storage.BPlusTree
	var value interface{}

	db.mu.RLock()
	for k, v := range queryMap {
		if idx, ok := db.groupIndexes[pattern+"::"+k]; ok {
			index, value = idx, v
			break
		}
	}
	db.mu.RUnlock()

	if index == nil {
		return db.scanGroup(auth, t, pattern, queryMap)
	}

	valStr := fmt.Sprintf("%v", value)
	startKey := []byte(valStr + "\x00")
	endKey := []byte(valStr + "\x00" + "\xFF")

	scanResults, err := index.RangeScan(startKey, endKey)
	if err != nil {
		return nil, fmt.Errorf("group index scan failed: %w", err)
	}

	var results []storage.Document
	for _, entry := range scanResults {
		parts := strings.SplitN(string(entry.Value), "\x00", 2)
		if len(parts) != 2 {
			continue
		}
		collName, docID := parts[0], parts[1]
		coll, err := db.GetCollection(collName)
		if err != nil {
			continue
		}
		doc, err := coll.FindByID(auth, t, docID)
		if err != nil {
			continue
		}
		results = append(results, doc)
	}
	return results, nil
}

func (db *Database) scanGroup(auth *rules.AuthContext, t *txn.Transaction, pattern string, queryMap map[string]interface{}) ([]storage.Document, error) {
	var results []storage.Document
	for _, name := range db.ListCollections() {
		if matched, _ := filepath.Match(pattern, name); !matched {
			continue
		}
		coll, err := db.GetCollection(name)
		if err != nil {
			continue
		}
		docs, err := coll.FindQuery(auth, t, queryMap)
		if err != nil {
			continue
		}
		results = append(results, docs...)
	}
	return results, nil
}
