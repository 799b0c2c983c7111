// Package storage implements the low-level data storage layer of Bundoc.
//
// It is responsibly for:
// 1. Pager: Direct Disk I/O, managing a single data file split into 8KB pages.
// 2. BufferPool: In-memory LRU cache to minimize disk access.
// 3. BPlusTree: The core indexing data structure for fast data retrieval.
// 4. Page: The fundamental unit of storage, containing headers and raw data.
package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/MonoLite-db/MonoLiteTS-sub001/internal/util"
	"github.com/MonoLite-db/MonoLiteTS-sub001/security"
)

// headerPageID is reserved for the file header and never handed out by
// AllocatePage. It stores the Catalog's root page id so the Catalog can be
// located on reopen without a side file, per the Pager's file-header contract.
const headerPageID PageID = 0

const (
	headerMagic       uint32 = 0x4D4C4442 // "MLDB"
	headerMagicOffset int64  = 0
	headerRootOffset  int64  = 8
	headerSize        int64  = 16
)

// Pager manages disk I/O for fixed-size pages.
type Pager struct {
	file         *os.File
	mu           sync.RWMutex
	nextPageID   PageID
	encryptor    *security.Encryptor
	diskPageSize int64 // PageSize (+ Overhead if encrypted)
}

// NewPager creates a new Pager. If key is provided, enables encryption.
func NewPager(filename string, key []byte) (*Pager, error) {
	// Create parent directories
	dir := filename[:len(filename)-len("/data.db")]
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}

	var encryptor *security.Encryptor
	diskPageSize := int64(PageSize)

	if len(key) > 0 {
		encryptor, err = security.NewEncryptor(key)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to init encryptor: %w", err)
		}
		diskPageSize += int64(security.Overhead)
	}

	// Get file size to determine next page ID
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}

	nextPageID := PageID(info.Size() / diskPageSize)

	p := &Pager{
		file:         file,
		nextPageID:   nextPageID,
		encryptor:    encryptor,
		diskPageSize: diskPageSize,
	}

	if nextPageID == 0 {
		if err := p.initHeaderPage(); err != nil {
			file.Close()
			return nil, err
		}
	}

	return p, nil
}

// initHeaderPage reserves page 0 for the file header and stamps it with the
// magic number and a zero catalog root id. Called once, on a brand-new file.
func (p *Pager) initHeaderPage() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	newSize := int64(1) * p.diskPageSize
	if err := p.file.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	p.nextPageID = headerPageID + 1

	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[headerMagicOffset:], headerMagic)
	binary.LittleEndian.PutUint64(buf[headerRootOffset:], 0)
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// GetRootPageID returns the Catalog's root page id stored in the file
// header. A zero return means no Catalog has been created yet.
func (p *Pager) GetRootPageID() (PageID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	buf := make([]byte, 8)
	if _, err := p.file.ReadAt(buf, headerRootOffset); err != nil {
		return 0, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}
	return PageID(binary.LittleEndian.Uint64(buf)), nil
}

// SetRootPageID persists the Catalog's root page id into the file header.
// The write is synchronous: it returns only after the header bytes have been
// written, so a crash right after never leaves the header pointing at a
// root page that was never flushed.
func (p *Pager) SetRootPageID(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(id))
	if _, err := p.file.WriteAt(buf, headerRootOffset); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return p.file.Sync()
}

// GetPageCount returns the number of data pages allocated, excluding the
// reserved header page.
func (p *Pager) GetPageCount() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextPageID - 1
}

// AllocatePage reserves a new PageID and extends the file size.
func (p *Pager) AllocatePage() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pageID := p.nextPageID
	p.nextPageID++

	// Extend the file
	newSize := int64(p.nextPageID) * p.diskPageSize
	if err := p.file.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}

	return pageID, nil
}

// ReadPage reads the page data from disk into memory.
func (p *Pager) ReadPage(pageID PageID) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if pageID == headerPageID || pageID >= p.nextPageID {
		return nil, util.ErrInvalidPageID
	}

	page := &Page{ID: pageID} // Data is zeroed [PageSize]
	offset := int64(pageID) * p.diskPageSize

	// Read Disk Data
	diskData := make([]byte, p.diskPageSize)
	n, err := p.file.ReadAt(diskData, offset)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("%w: %v", util.ErrDiskReadFailed, err)
	}

	// Decrypt if needed
	if p.encryptor != nil {
		plaintext, err := p.encryptor.DecryptBlock(diskData)
		if err != nil {
			return nil, fmt.Errorf("decryption failed for page %d: %w", pageID, err)
		}
		// Copy plaintext to page.Data
		// Note: plaintext MUST be PageSize (8192)
		if len(plaintext) != PageSize {
			return nil, fmt.Errorf("corrupt page size after decrypt: %d", len(plaintext))
		}
		copy(page.Data[:], plaintext)
	} else {
		copy(page.Data[:], diskData)
	}

	return page, nil
}

// WritePage writes a page to disk
func (p *Pager) WritePage(page *Page) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if page.ID == headerPageID || page.ID >= p.nextPageID {
		return util.ErrInvalidPageID
	}

	var dataToWrite []byte

	// Encrypt if needed
	if p.encryptor != nil {
		var err error
		dataToWrite, err = p.encryptor.EncryptBlock(page.Data[:])
		if err != nil {
			return fmt.Errorf("encryption failed: %w", err)
		}
	} else {
		dataToWrite = page.Data[:]
	}

	offset := int64(page.ID) * p.diskPageSize
	_, err := p.file.WriteAt(dataToWrite, offset)
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}

	// Mark as clean
	page.mu.Lock()
	page.IsDirty = false
	page.mu.Unlock()

	return nil
}

// Sync flushes all pending writes to disk
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
	}
	return nil
}

// Close closes the pager
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		if err := p.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", util.ErrDiskWriteFailed, err)
		}
		return p.file.Close()
	}
	return nil
}

// GetNextPageID returns the next available page ID
func (p *Pager) GetNextPageID() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextPageID
}
