package bundoc

import (
	"fmt"
	"sort"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/query"
	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/txn"
	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

// Iterator defines the interface for iterating over document results. It
// follows the standard cursor pattern: Next() advances, Value() retrieves.
type Iterator interface {
	Next() bool                       // Advances to the next document. Returns false if exhausted.
	Value() (storage.Document, error) // Returns the current document.
	Close() error                     // Releases resources.
}

// TableScanIterator iterates over every document in a collection, in
// primary key order.
type TableScanIterator struct {
	collection   *Collection
	txn          *txn.Transaction
	docIDs       []string
	currentIndex int
}

func NewTableScanIterator(c *Collection, t *txn.Transaction) (*TableScanIterator, error) {
	c.mu.RLock()
	entries, err := c.primary.GetAll()
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, string(entry.Key))
	}

	return &TableScanIterator{collection: c, txn: t, docIDs: ids, currentIndex: -1}, nil
}

func (it *TableScanIterator) Next() bool {
	it.currentIndex++
	return it.currentIndex < len(it.docIDs)
}

func (it *TableScanIterator) Value() (storage.Document, error) {
	if it.currentIndex < 0 || it.currentIndex >= len(it.docIDs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.collection.FindByID(nil, it.txn, it.docIDs[it.currentIndex])
}

func (it *TableScanIterator) Close() error {
	return nil
}

// IndexScanIterator leverages a secondary index to find document ids for a
// single equality comparison, then fetches each full document by id.
type IndexScanIterator struct {
	collection   *Collection
	txn          *txn.Transaction
	docIDs       []string
	currentIndex int
}

func NewIndexScanIterator(c *Collection, t *txn.Transaction, field string, value interface{}) (*IndexScanIterator, error) {
	docKeys, err := c.idxMgr.FindByIndexHint(field, []interface{}{value})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(docKeys))
	for _, key := range docKeys {
		ids = append(ids, string(key))
	}

	return &IndexScanIterator{collection: c, txn: t, docIDs: ids, currentIndex: -1}, nil
}

func (it *IndexScanIterator) Next() bool {
	it.currentIndex++
	return it.currentIndex < len(it.docIDs)
}

func (it *IndexScanIterator) Value() (storage.Document, error) {
	if it.currentIndex < 0 || it.currentIndex >= len(it.docIDs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.collection.FindByID(nil, it.txn, it.docIDs[it.currentIndex])
}

func (it *IndexScanIterator) Close() error {
	return nil
}

// FilterIterator filters the documents from a source iterator through a
// query.Matcher.
type FilterIterator struct {
	source  Iterator
	matcher query.Matcher
	current storage.Document
}

func NewFilterIterator(source Iterator, matcher query.Matcher) *FilterIterator {
	return &FilterIterator{source: source, matcher: matcher}
}

func (it *FilterIterator) Next() bool {
	for it.source.Next() {
		doc, err := it.source.Value()
		if err != nil {
			continue
		}
		if it.matcher.Matches(doc) {
			it.current = doc
			return true
		}
	}
	return false
}

func (it *FilterIterator) Value() (storage.Document, error) {
	return it.current, nil
}

func (it *FilterIterator) Close() error {
	return it.source.Close()
}

// LimitIterator caps the number of results drawn from a source iterator.
type LimitIterator struct {
	source Iterator
	limit  int
	count  int
}

func NewLimitIterator(source Iterator, limit int) *LimitIterator {
	return &LimitIterator{source: source, limit: limit}
}

func (it *LimitIterator) Next() bool {
	if it.count >= it.limit {
		return false
	}
	if it.source.Next() {
		it.count++
		return true
	}
	return false
}

func (it *LimitIterator) Value() (storage.Document, error) {
	return it.source.Value()
}

func (it *LimitIterator) Close() error {
	return it.source.Close()
}

// SkipIterator skips the first N results from a source iterator.
type SkipIterator struct {
	source  Iterator
	skip    int
	skipped bool
}

func NewSkipIterator(source Iterator, skip int) *SkipIterator {
	return &SkipIterator{source: source, skip: skip}
}

func (it *SkipIterator) Next() bool {
	if !it.skipped {
		for i := 0; i < it.skip; i++ {
			if !it.source.Next() {
				return false
			}
		}
		it.skipped = true
	}
	return it.source.Next()
}

func (it *SkipIterator) Value() (storage.Document, error) {
	return it.source.Value()
}

func (it *SkipIterator) Close() error {
	return it.source.Close()
}

// SortIterator buffers every result from a source iterator, sorts it, and
// replays it in order.
type SortIterator struct {
	source    Iterator
	sortField string
	desc      bool
	docs      []storage.Document
	index     int
	prepared  bool
}

func NewSortIterator(source Iterator, field string, desc bool) *SortIterator {
	return &SortIterator{source: source, sortField: field, desc: desc, index: -1}
}

func (it *SortIterator) Next() bool {
	if !it.prepared {
		for it.source.Next() {
			if doc, err := it.source.Value(); err == nil {
				it.docs = append(it.docs, doc)
			}
		}
		it.source.Close()

		if it.sortField != "" {
			sort.Slice(it.docs, func(i, j int) bool {
				result := query.CompareValues(it.docs[i][it.sortField], it.docs[j][it.sortField])
				if it.desc {
					return result > 0
				}
				return result < 0
			})
		}
		it.prepared = true
	}

	it.index++
	return it.index < len(it.docs)
}

func (it *SortIterator) Value() (storage.Document, error) {
	if it.index < 0 || it.index >= len(it.docs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.docs[it.index], nil
}

func (it *SortIterator) Close() error {
	it.docs = nil
	return nil
}
