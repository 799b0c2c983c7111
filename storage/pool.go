package storage

import "sync"

// docBufPool recycles the byte slices Document.Serialize appends BSON into,
// so a hot insert/update path doesn't allocate a fresh buffer per document.
var docBufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, 256)
		return &buf
	},
}

// GetDocBuf returns a zero-length byte slice from the pool, reused across
// Serialize calls.
func GetDocBuf() *[]byte {
	return docBufPool.Get().(*[]byte)
}

// PutDocBuf returns a buffer to the pool for reuse. Callers must not retain
// the slice after calling this.
func PutDocBuf(buf *[]byte) {
	*buf = (*buf)[:0]
	docBufPool.Put(buf)
}
