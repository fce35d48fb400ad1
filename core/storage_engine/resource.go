package storageengine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
	"github.com/sushant-115/pagejournal/core/write_engine/memtable"
	"github.com/sushant-115/pagejournal/core/write_engine/wal"
)

// ResourceKind selects how a resource reaches its backing file.
type ResourceKind uint8

const (
	// KindLogging routes every access through the page cache and journal.
	KindLogging ResourceKind = iota
	// KindNonLogging goes straight to the backing file with no crash safety.
	KindNonLogging
)

func (k ResourceKind) String() string {
	if k == KindNonLogging {
		return "non-logging"
	}
	return "logging"
}

// truncation hides backing bytes at or past size until the journal that
// recorded it has been drained.
type truncation struct {
	file *wal.JournalFile
	size int64
	seq  uint64
}

// Resource is one named, journaled byte container.
type Resource struct {
	kind    ResourceKind
	id      uint32
	name    string
	store   *Store
	backing *flushmanager.FileResource

	mu     sync.RWMutex // reads and writes shared; structural changes exclusive
	opens  int
	gen    uint64 // bumped by delete so stale handles stay closed
	exists bool   // logging only; non-logging asks the backing file
	size   atomic.Int64

	chainMu     sync.Mutex
	chains      map[int64][]wal.Entry // oldest first
	truncations []truncation          // oldest first
}

var (
	_ memtable.PageSource = (*Resource)(nil)
	_ wal.ResourceRef     = (*Resource)(nil)
)

func newResource(s *Store, id uint32, name string, backing *flushmanager.FileResource) (*Resource, error) {
	r := &Resource{
		kind:    s.kind,
		id:      id,
		name:    name,
		store:   s,
		backing: backing,
		chains:  make(map[int64][]wal.Entry),
	}
	if err := r.deriveFromBacking(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resource) ID() uint32         { return r.id }
func (r *Resource) ResourceID() uint32 { return r.id }
func (r *Resource) Name() string       { return r.name }
func (r *Resource) Size() int64        { return r.size.Load() }

// deriveFromBacking resets existence and size from the backing file.
func (r *Resource) deriveFromBacking() error {
	r.exists = r.backing.Exists()
	size, err := r.backing.Size()
	if err != nil {
		return err
	}
	r.size.Store(size)
	return nil
}

// recovered is called after a recovery pass wrote journal content for this
// resource into its backing file.
func (r *Resource) recovered() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chainMu.Lock()
	r.chains = make(map[int64][]wal.Entry)
	r.truncations = nil
	r.chainMu.Unlock()
	return r.deriveFromBacking()
}

// This method MUST be called with r.mu held.
func (r *Resource) existsLocked() bool {
	if r.kind == KindNonLogging {
		return r.backing.Exists()
	}
	return r.exists
}

func (r *Resource) Exists() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.existsLocked()
}

// open registers one more user and returns the generation its handle must
// present on every later call.
func (r *Resource) open() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.existsLocked() {
		return 0, fmt.Errorf("%w: %s", flushmanager.ErrResourceNotFound, r.name)
	}
	if r.kind == KindNonLogging && r.opens == 0 {
		size, err := r.backing.Size()
		if err != nil {
			return 0, err
		}
		r.size.Store(size)
	}
	r.opens++
	return r.gen, nil
}

// This method MUST be called with r.mu held.
func (r *Resource) checkOpenLocked(gen uint64) error {
	if r.opens == 0 || gen != r.gen {
		return fmt.Errorf("%w: %s", flushmanager.ErrResourceNotOpen, r.name)
	}
	return nil
}

// close drops one open. The last close pushes the resource's pages out of
// the cache.
func (r *Resource) close(gen uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(gen); err != nil {
		return err
	}
	r.opens--
	if r.opens > 0 {
		return nil
	}
	if r.kind == KindNonLogging {
		return r.backing.Sync()
	}
	return r.store.cache.EvictAllFor(r.id)
}

func (r *Resource) create() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.existsLocked() {
		return fmt.Errorf("%w: %s", flushmanager.ErrResourceExists, r.name)
	}
	if r.kind == KindNonLogging {
		if err := r.backing.Truncate(0); err != nil {
			return err
		}
		r.size.Store(0)
		return nil
	}

	jf, err := r.store.journal.Active()
	if err != nil {
		return err
	}
	if err := jf.LogResourceResize(r, 0); err != nil {
		return err
	}
	r.addTruncation(jf, 0)
	r.exists = true
	r.size.Store(0)
	return nil
}

// delete removes the resource. Open handles stop working.
func (r *Resource) delete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.existsLocked() {
		return fmt.Errorf("%w: %s", flushmanager.ErrResourceNotFound, r.name)
	}
	r.opens = 0
	r.gen++
	r.size.Store(0)
	if r.kind == KindNonLogging {
		return r.backing.Delete()
	}

	r.store.cache.DiscardAllFor(r.id)
	jf, err := r.store.journal.Active()
	if err != nil {
		return err
	}
	if err := jf.LogResourceDelete(r); err != nil {
		return err
	}
	r.chainMu.Lock()
	r.chains = make(map[int64][]wal.Entry)
	r.truncations = nil
	r.chainMu.Unlock()
	r.addTruncation(jf, 0)
	r.exists = false
	return nil
}

// readAt reads up to len(p) bytes at off. Reads are clamped to the current
// size; a short read returns io.EOF.
func (r *Resource) readAt(gen uint64, p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpenLocked(gen); err != nil {
		return 0, err
	}
	size := r.size.Load()
	if off >= size {
		return 0, io.EOF
	}
	n := int(min(int64(len(p)), size-off))
	var err error
	if r.kind == KindNonLogging {
		_, err = r.backing.ReadAt(p[:n], off)
	} else {
		err = r.store.cache.Read(r, off, p[:n])
	}
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *Resource) writeAt(gen uint64, p []byte, off int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpenLocked(gen); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	var err error
	if r.kind == KindNonLogging {
		_, err = r.backing.WriteAt(p, off)
	} else {
		err = r.store.cache.Write(r, off, p)
	}
	if err != nil {
		return err
	}
	end := off + int64(len(p))
	for {
		cur := r.size.Load()
		if end <= cur || r.size.CompareAndSwap(cur, end) {
			return nil
		}
	}
}

// setSize grows or shrinks the resource. Bytes past a shrink read as zero
// even while the backing file still holds them.
func (r *Resource) setSize(gen uint64, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpenLocked(gen); err != nil {
		return err
	}
	if r.kind == KindNonLogging {
		if err := r.backing.Truncate(n); err != nil {
			return err
		}
		r.size.Store(n)
		return nil
	}

	if err := r.store.cache.FlushResource(r.id); err != nil {
		return err
	}
	jf, err := r.store.journal.Active()
	if err != nil {
		return err
	}
	if err := jf.LogResourceResize(r, n); err != nil {
		return err
	}
	shrinking := n < r.size.Load()
	r.size.Store(n)
	if !shrinking {
		return nil
	}
	r.addTruncation(jf, n)
	return r.store.cache.EvictAllFor(r.id)
}

func (r *Resource) addTruncation(jf *wal.JournalFile, size int64) {
	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	live := r.truncations[:0]
	for _, t := range r.truncations {
		if !t.file.IsDeleted() {
			live = append(live, t)
		}
	}
	r.truncations = append(live, truncation{file: jf, size: size, seq: r.store.nextSeq()})
}

// LogPage journals data[from:to] of a page and chains the new entry.
// Called by the page cache with the page latch held.
func (r *Resource) LogPage(pageNumber int64, data []byte, from, to int) error {
	jf, err := r.store.journal.Active()
	if err != nil {
		return err
	}
	entry, n, err := jf.LogPageChange(r, pageNumber, data, from, to-from)
	if err != nil {
		return err
	}
	entry.Seq = r.store.nextSeq()
	r.store.metrics.JournalRecordsCounter.Add(context.Background(), 1)
	r.store.metrics.JournalBytesCounter.Add(context.Background(), int64(n))

	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	chain := append(r.chains[pageNumber], entry)
	if len(chain) > r.store.opts.ChainCleanupThreshold {
		live := chain[:0]
		for _, e := range chain {
			if !e.File.IsDeleted() {
				live = append(live, e)
			}
		}
		clear(chain[len(live):])
		chain = live
	}
	r.chains[pageNumber] = chain
	return nil
}

// BuildPage reconstructs a page: backing bytes first, then every pending
// change and truncation in the order they happened.
func (r *Resource) BuildPage(pageNumber int64, out []byte) error {
	pageSize := int64(len(out))
	start := pageNumber * pageSize

	r.chainMu.Lock()
	var entries []wal.Entry
	for _, e := range r.chains[pageNumber] {
		if e.File.Reference() {
			entries = append(entries, e)
		}
	}
	var truncs []truncation
	for _, t := range r.truncations {
		if t.size < start+pageSize && t.file.Reference() {
			truncs = append(truncs, t)
		}
	}
	r.chainMu.Unlock()
	defer func() {
		for _, e := range entries {
			e.File.Dereference()
		}
		for _, t := range truncs {
			t.file.Dereference()
		}
	}()

	if _, err := r.backing.ReadAt(out, start); err != nil {
		return err
	}
	i, j := 0, 0
	for i < len(entries) || j < len(truncs) {
		if j == len(truncs) || (i < len(entries) && entries[i].Seq < truncs[j].seq) {
			if err := entries[i].File.BuildPage(pageNumber, entries[i].Offset, out); err != nil {
				return err
			}
			i++
			continue
		}
		clear(out[max(0, truncs[j].size-start):])
		j++
	}
	return nil
}
