package pagemanager

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// --- Page Management ---

// PageKey identifies a cached page: the compact per-run id of the owning
// resource plus the page number within it.
type PageKey struct {
	ResourceID uint32
	PageNumber int64
}

func (k PageKey) String() string {
	return fmt.Sprintf("%d:%d", k.ResourceID, k.PageNumber)
}

// Page represents an in-memory copy of one page of a journaled resource.
type Page struct {
	key PageKey

	// refCount includes the cache's own existence reference while resident.
	refCount atomic.Int32
	// resident reports whether the existence reference is still held.
	// Guarded by the owning bucket's mutex.
	resident bool

	lastAccess  atomic.Uint64
	accessCount atomic.Uint64

	// Fields below are protected by latch.
	latch      sync.Mutex
	data       []byte
	loaded     bool
	firstWrite int
	lastWrite  int
}

// NewPage creates a page with its existence reference and the caller's.
func NewPage(key PageKey) *Page {
	p := &Page{key: key, resident: true}
	p.refCount.Store(2)
	return p
}

func (p *Page) Key() PageKey       { return p.key }
func (p *Page) RefCount() int32    { return p.refCount.Load() }
func (p *Page) Retain()            { p.refCount.Add(1) }
func (p *Page) Release() int32     { return p.refCount.Add(-1) }
func (p *Page) IsResident() bool   { return p.resident }
func (p *Page) SetResident(r bool) { p.resident = r }

// Touch records an access at logical time now.
func (p *Page) Touch(now uint64) {
	p.lastAccess.Store(now)
	p.accessCount.Add(1)
}

func (p *Page) LastAccess() uint64  { return p.lastAccess.Load() }
func (p *Page) AccessCount() uint64 { return p.accessCount.Load() }

// --- Latch Methods ---

func (p *Page) Lock()   { p.latch.Lock() }
func (p *Page) Unlock() { p.latch.Unlock() }

// The methods below MUST be called with the latch held.

// IsLoaded reports whether the content has been materialized.
func (p *Page) IsLoaded() bool { return p.loaded }

// Materialize allocates the content buffer; fill populates it. On error the
// page stays unloaded so a later access retries.
func (p *Page) Materialize(pageSize int, fill func([]byte) error) error {
	if p.loaded {
		return nil
	}
	buf := make([]byte, pageSize)
	if err := fill(buf); err != nil {
		return err
	}
	p.data = buf
	p.loaded = true
	return nil
}

func (p *Page) Data() []byte { return p.data }

// ReadInto copies page bytes starting at off into dst.
func (p *Page) ReadInto(dst []byte, off int) int {
	return copy(dst, p.data[off:])
}

// WriteFrom copies src into the page at off and widens the dirty range.
func (p *Page) WriteFrom(src []byte, off int) int {
	n := copy(p.data[off:], src)
	if n == 0 {
		return 0
	}
	if !p.IsDirty() {
		p.firstWrite, p.lastWrite = off, off+n
	} else {
		p.firstWrite = min(p.firstWrite, off)
		p.lastWrite = max(p.lastWrite, off+n)
	}
	return n
}

// IsDirty reports whether any bytes are waiting to be journaled.
func (p *Page) IsDirty() bool { return p.lastWrite > p.firstWrite }

// DirtyRange returns [firstWrite, lastWrite).
func (p *Page) DirtyRange() (int, int) { return p.firstWrite, p.lastWrite }

// MarkClean resets the dirty range after a successful flush.
func (p *Page) MarkClean() {
	p.firstWrite, p.lastWrite = 0, 0
}

// Reset discards content so the next access rebuilds it.
func (p *Page) Reset() {
	p.data = nil
	p.loaded = false
	p.MarkClean()
}
