// Package catalog implements the Catalog component: the system table
// mapping collection names to their indexes, schema and rules. Unlike the
// teacher's JSON-file-backed MetadataManager, this Catalog is backed by a
// storage.BPlusTree whose own root page id lives in the Pager's file header,
// so collection metadata survives a restart the same way user data does.
package catalog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/bsoncodec"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/util"
	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

// KeySpecField is the persisted form of one field of a compound index's key
// spec: a field name and its sort direction.
type KeySpecField struct {
	Name string            `bson:"name"`
	Dir  storage.Direction `bson:"dir"`
}

// IndexMeta is the full persisted record for one collection index: its root
// page id plus enough of its definition (key spec, uniqueness) to rebuild it
// identically on reopen. The primary ("_id") index is recorded with a nil
// KeySpec, since it is always a single ascending key on the document id.
type IndexMeta struct {
	Name    string         `bson:"name"`
	KeySpec []KeySpecField `bson:"key_spec,omitempty"`
	Unique  bool           `bson:"unique,omitempty"`
	RootID  uint64         `bson:"root_id"`
}

// CollectionMeta holds metadata for a single collection.
type CollectionMeta struct {
	Name    string               `bson:"name"`
	Indexes map[string]IndexMeta `bson:"indexes"`
	Schema  string               `bson:"schema,omitempty"`
	Rules   map[string]string    `bson:"rules,omitempty"`
}

// GroupIndexMeta holds metadata for a cross-collection group index.
type GroupIndexMeta struct {
	Pattern string `bson:"pattern"`
	Field   string `bson:"field"`
	RootID  uint64 `bson:"root_id"`
}

const (
	collectionKeyPrefix = "c:"
	groupIndexKeyPrefix = "g:"
)

// Catalog is the system catalog: one B+Tree of collection-name and
// group-index-key entries, synchronous on every write.
type Catalog struct {
	tree  *storage.BPlusTree
	pager *storage.Pager
	mu    sync.RWMutex
}

// Open reopens the catalog tree from the Pager's file header, creating a
// fresh empty tree (and recording its root in the header) the first time a
// database is opened.
func Open(bp *storage.BufferPool, pager *storage.Pager) (*Catalog, error) {
	rootID, err := pager.GetRootPageID()
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to read root page id: %w", err)
	}

	var tree *storage.BPlusTree
	if rootID == 0 {
		tree, err = storage.Create(bp)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to create catalog tree: %w", err)
		}
		if err := pager.SetRootPageID(tree.GetRootPageId()); err != nil {
			return nil, fmt.Errorf("catalog: failed to persist catalog root: %w", err)
		}
	} else {
		tree, err = storage.New(bp, rootID)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to reopen catalog tree: %w", err)
		}
	}

	return &Catalog{tree: tree, pager: pager}, nil
}

func collectionKey(name string) []byte { return []byte(collectionKeyPrefix + name) }
func groupIndexKey(pattern, field string) []byte {
	return []byte(groupIndexKeyPrefix + pattern + "::" + field)
}

// put replaces any existing entry at key with value, as a delete (ignoring
// not-found) followed by an insert. BPlusTree.Insert on its own already
// overwrites an existing key's value in place.
func (c *Catalog) put(key []byte, value []byte) error {
	if err := c.tree.Delete(key); err != nil && !errors.Is(err, util.ErrDocumentNotFound) {
		return err
	}
	return c.tree.Insert(key, value)
}

func (c *Catalog) get(key []byte) ([]byte, bool, error) {
	val, err := c.tree.Search(key)
	if err != nil {
		if errors.Is(err, util.ErrDocumentNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

// UpdateCollection writes the full index metadata map for a collection,
// preserving its existing schema/rules if any.
func (c *Catalog) UpdateCollection(name string, indexes map[string]IndexMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, _ := c.getCollectionLocked(name)
	meta.Name = name
	meta.Indexes = indexes

	return c.saveCollectionLocked(meta)
}

// UpdateCollectionSchema sets the schema validator expression for a
// collection.
func (c *Catalog) UpdateCollectionSchema(name string, schema string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.getCollectionLocked(name)
	if !ok {
		return fmt.Errorf("collection %s does not exist", name)
	}
	meta.Schema = schema
	return c.saveCollectionLocked(meta)
}

// UpdateCollectionRules sets the per-operation CEL access rules for a
// collection.
func (c *Catalog) UpdateCollectionRules(name string, rules map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.getCollectionLocked(name)
	if !ok {
		return fmt.Errorf("collection not found: %s", name)
	}
	meta.Rules = rules
	return c.saveCollectionLocked(meta)
}

// GetCollection returns metadata for a collection.
func (c *Catalog) GetCollection(name string) (CollectionMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getCollectionLocked(name)
}

func (c *Catalog) getCollectionLocked(name string) (CollectionMeta, bool) {
	data, found, err := c.get(collectionKey(name))
	if err != nil || !found {
		return CollectionMeta{Name: name, Indexes: make(map[string]IndexMeta)}, false
	}
	var meta CollectionMeta
	if err := bsoncodec.Decode(data, &meta); err != nil {
		return CollectionMeta{Name: name, Indexes: make(map[string]IndexMeta)}, false
	}
	return meta, true
}

func (c *Catalog) saveCollectionLocked(meta CollectionMeta) error {
	data, err := bsoncodec.Encode(meta)
	if err != nil {
		return err
	}
	return c.put(collectionKey(meta.Name), data)
}

// DeleteCollection removes a collection's metadata.
func (c *Catalog) DeleteCollection(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.tree.Delete(collectionKey(name)); err != nil && !errors.Is(err, util.ErrDocumentNotFound) {
		return err
	}
	return nil
}

// ListCollections returns every collection name.
func (c *Catalog) ListCollections() []string {
	return c.ListCollectionsWithPrefix("")
}

// ListCollectionsWithPrefix returns collection names matching prefix.
func (c *Catalog) ListCollectionsWithPrefix(prefix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := c.tree.GetAll()
	if err != nil {
		return nil
	}

	names := make([]string, 0)
	full := collectionKeyPrefix + prefix
	for _, e := range entries {
		key := string(e.Key)
		if len(key) < len(collectionKeyPrefix) || key[:len(collectionKeyPrefix)] != collectionKeyPrefix {
			continue
		}
		name := key[len(collectionKeyPrefix):]
		if len(key) >= len(full) && key[:len(full)] == full {
			names = append(names, name)
		}
	}
	return names
}

// UpdateGroupIndex writes metadata for a cross-collection group index.
func (c *Catalog) UpdateGroupIndex(pattern, field string, rootID storage.PageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := GroupIndexMeta{Pattern: pattern, Field: field, RootID: uint64(rootID)}
	data, err := bsoncodec.Encode(meta)
	if err != nil {
		return err
	}
	return c.put(groupIndexKey(pattern, field), data)
}

// GetGroupIndex returns metadata for a group index.
func (c *Catalog) GetGroupIndex(pattern, field string) (GroupIndexMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, found, err := c.get(groupIndexKey(pattern, field))
	if err != nil || !found {
		return GroupIndexMeta{}, false
	}
	var meta GroupIndexMeta
	if err := bsoncodec.Decode(data, &meta); err != nil {
		return GroupIndexMeta{}, false
	}
	return meta, true
}

// ListGroupIndexes returns every group index.
func (c *Catalog) ListGroupIndexes() []GroupIndexMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := c.tree.GetAll()
	if err != nil {
		return nil
	}

	out := make([]GroupIndexMeta, 0)
	for _, e := range entries {
		key := string(e.Key)
		if len(key) < len(groupIndexKeyPrefix) || key[:len(groupIndexKeyPrefix)] != groupIndexKeyPrefix {
			continue
		}
		var meta GroupIndexMeta
		if err := bsoncodec.Decode(e.Value, &meta); err == nil {
			out = append(out, meta)
		}
	}
	return out
}

// DeleteGroupIndex removes a group index's metadata.
func (c *Catalog) DeleteGroupIndex(pattern, field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := groupIndexKey(pattern, field)
	if err := c.tree.Delete(key); err != nil && !errors.Is(err, util.ErrDocumentNotFound) {
		return err
	}
	return nil
}
