// Package cursor implements the Cursor Manager: server-side batched result
// cursors with monotonically increasing ids and a TTL sweep for cursors a
// client never calls getMore on again.
package cursor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/dberr"
	"github.com/MonoLite-db/MonoLiteTS-sub001/storage"
)

// Defaults per the engine's hard limits table.
const (
	DefaultSweepInterval = 1 * time.Minute
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultBatchSize     = 101
)

// Cursor is a server-side iterator over a result set, batched for getMore.
type Cursor struct {
	ID        int64
	Namespace string

	mu       sync.Mutex
	docs     []storage.Document
	pos      int
	lastUsed time.Time
	exhausted bool
}

// NextBatch returns up to batchSize remaining documents and whether the
// cursor is now exhausted.
func (c *Cursor) NextBatch(batchSize int) ([]storage.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	end := c.pos + batchSize
	if end > len(c.docs) {
		end = len(c.docs)
	}
	batch := c.docs[c.pos:end]
	c.pos = end
	c.lastUsed = time.Now()
	if c.pos >= len(c.docs) {
		c.exhausted = true
	}
	return batch, c.exhausted
}

// Manager owns every live cursor.
type Manager struct {
	idleTimeout time.Duration
	sweepEvery  time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	cursors map[int64]*Cursor
	nextID  int64

	running  bool
	stopChan chan struct{}
}

func New(idleTimeout, sweepEvery time.Duration, log zerolog.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	return &Manager{
		idleTimeout: idleTimeout,
		sweepEvery:  sweepEvery,
		log:         log,
		cursors:     make(map[int64]*Cursor),
	}
}

// Create registers a new cursor over docs. If the entire result set fits in
// one batch, it is handed back under the synthetic cursor id 0 and never
// registered, matching the wire protocol's convention that id 0 means "no
// more batches, nothing to clean up."
func (m *Manager) Create(namespace string, docs []storage.Document, batchSize int) (*Cursor, []storage.Document, bool) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if len(docs) <= batchSize {
		return &Cursor{ID: 0, Namespace: namespace}, docs, true
	}

	id := atomic.AddInt64(&m.nextID, 1)
	c := &Cursor{ID: id, Namespace: namespace, docs: docs, lastUsed: time.Now()}

	m.mu.Lock()
	m.cursors[id] = c
	m.mu.Unlock()

	batch, exhausted := c.NextBatch(batchSize)
	if exhausted {
		m.mu.Lock()
		delete(m.cursors, id)
		m.mu.Unlock()
	}
	return c, batch, exhausted
}

// GetMore returns the next batch for an existing cursor id, removing it once
// exhausted.
func (m *Manager) GetMore(id int64, batchSize int) ([]storage.Document, bool, error) {
	m.mu.Lock()
	c, ok := m.cursors[id]
	m.mu.Unlock()
	if !ok {
		return nil, false, dberr.CursorNotFound(id)
	}

	batch, exhausted := c.NextBatch(batchSize)
	if exhausted {
		m.mu.Lock()
		delete(m.cursors, id)
		m.mu.Unlock()
	}
	return batch, exhausted, nil
}

// Kill removes a cursor before it is exhausted.
func (m *Manager) Kill(id int64) error {
	m.mu.Lock()
	_, ok := m.cursors[id]
	delete(m.cursors, id)
	m.mu.Unlock()
	if !ok {
		return dberr.CursorNotFound(id)
	}
	return nil
}

// Start launches the background idle-cursor sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	go m.run()
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()
}

func (m *Manager) run() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.cursors {
		c.mu.Lock()
		idle := c.lastUsed.Before(cutoff)
		c.mu.Unlock()
		if idle {
			delete(m.cursors, id)
			m.log.Debug().Int64("cursor", id).Msg("reaped idle cursor")
		}
	}
}

// ActiveCursorCount reports how many cursors are currently tracked.
func (m *Manager) ActiveCursorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cursors)
}
