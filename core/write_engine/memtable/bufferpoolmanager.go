package memtable

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/pagejournal/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/pagejournal/internal/telemetry"
)

const (
	DefaultPageSize         = 2048
	DefaultMaxPages         = 128
	DefaultBucketCount      = 1024
	DefaultEvictionFraction = 0.2

	// accessCountClamp keeps an old but once-hot page evictable.
	accessCountClamp = 10000
	minPurge         = 2
)

// PageSource is the resource side of a cached page: it knows how to build a
// page's content and how to journal a dirty range of it.
type PageSource interface {
	ResourceID() uint32
	BuildPage(pageNumber int64, out []byte) error
	LogPage(pageNumber int64, data []byte, from, to int) error
}

// Options configures a BufferPoolManager.
type Options struct {
	PageSize         int
	MaxPages         int
	BucketCount      int
	EvictionFraction float64
	WriteThrough     bool
}

type frame struct {
	page *pagemanager.Page
	src  PageSource
}

type bucket struct {
	mu     sync.Mutex
	frames map[pagemanager.PageKey]*frame
}

// BufferPoolManager caches pages of journaled resources. Pages are never
// written to backing resources from here; flushing a page appends its dirty
// range to the journal through its PageSource.
type BufferPoolManager struct {
	opts    Options
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
	gate    *WriteGate

	buckets  []bucket
	resident atomic.Int64  // frames linked in the table
	clock    atomic.Uint64 // logical access time
	purgeMu  sync.Mutex    // one purge at a time
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(opts Options, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*BufferPoolManager, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", opts.PageSize)
	}
	if opts.MaxPages <= 0 {
		return nil, fmt.Errorf("max pages must be positive, got %d", opts.MaxPages)
	}
	if opts.BucketCount <= 0 {
		opts.BucketCount = DefaultBucketCount
	}
	if opts.EvictionFraction <= 0 || opts.EvictionFraction > 1 {
		opts.EvictionFraction = DefaultEvictionFraction
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	bpm := &BufferPoolManager{
		opts:    opts,
		logger:  logger.Named("buffer_pool"),
		metrics: metrics,
		gate:    NewWriteGate(),
		buckets: make([]bucket, opts.BucketCount),
	}
	for i := range bpm.buckets {
		bpm.buckets[i].frames = make(map[pagemanager.PageKey]*frame)
	}
	bpm.logger.Info("BufferPoolManager initialized",
		zap.Int("page_size", opts.PageSize),
		zap.Int("max_pages", opts.MaxPages),
		zap.Int("buckets", opts.BucketCount),
		zap.Bool("write_through", opts.WriteThrough))
	return bpm, nil
}

func (bpm *BufferPoolManager) Gate() *WriteGate { return bpm.gate }
func (bpm *BufferPoolManager) Resident() int64  { return bpm.resident.Load() }
func (bpm *BufferPoolManager) Now() uint64      { return bpm.clock.Load() }

func (bpm *BufferPoolManager) bucketFor(key pagemanager.PageKey) *bucket {
	h := uint64(key.ResourceID)*0x9E3779B97F4A7C15 ^ uint64(key.PageNumber)*0xC2B2AE3D27D4EB4F
	h ^= h >> 29
	return &bpm.buckets[h%uint64(len(bpm.buckets))]
}

// Fetch checks out page pageNumber of src. Every Fetch must be paired with
// exactly one Release.
func (bpm *BufferPoolManager) Fetch(src PageSource, pageNumber int64) (*pagemanager.Page, error) {
	key := pagemanager.PageKey{ResourceID: src.ResourceID(), PageNumber: pageNumber}
	b := bpm.bucketFor(key)
	now := bpm.clock.Add(1)

	b.mu.Lock()
	if f, ok := b.frames[key]; ok {
		f.page.Retain()
		f.page.Touch(now)
		b.mu.Unlock()
		bpm.metrics.CacheHitsCounter.Add(context.Background(), 1)
		return f.page, nil
	}
	p := pagemanager.NewPage(key)
	p.Touch(now)
	b.frames[key] = &frame{page: p, src: src}
	b.mu.Unlock()
	bpm.metrics.CacheMissesCounter.Add(context.Background(), 1)

	if bpm.resident.Add(1) > int64(bpm.opts.MaxPages) {
		if err := bpm.purge(); err != nil {
			bpm.Release(p)
			return nil, err
		}
	}
	return p, nil
}

// Release drops a reference taken by Fetch.
func (bpm *BufferPoolManager) Release(p *pagemanager.Page) {
	if p.Release() < 0 {
		panic(fmt.Sprintf("memtable: page %s released more times than fetched", p.Key()))
	}
}

// Read copies len(dst) bytes starting at off out of src's pages.
func (bpm *BufferPoolManager) Read(src PageSource, off int64, dst []byte) error {
	return bpm.span(src, off, len(dst), func(p *pagemanager.Page, pageOff, done, n int) error {
		p.ReadInto(dst[done:done+n], pageOff)
		return nil
	})
}

// Write copies data into src's pages starting at off. With write-through the
// dirty range of every touched page is journaled before Write returns.
func (bpm *BufferPoolManager) Write(src PageSource, off int64, data []byte) error {
	return bpm.span(src, off, len(data), func(p *pagemanager.Page, pageOff, done, n int) error {
		p.WriteFrom(data[done:done+n], pageOff)
		if bpm.opts.WriteThrough {
			return bpm.flushLocked(p, src)
		}
		return nil
	})
}

// span walks the pages covering [off, off+length), materializing each under
// its latch before handing it to fn.
func (bpm *BufferPoolManager) span(src PageSource, off int64, length int, fn func(p *pagemanager.Page, pageOff, done, n int) error) error {
	if off < 0 || length < 0 {
		return fmt.Errorf("invalid range at %d length %d", off, length)
	}
	pageSize := bpm.opts.PageSize
	for done := 0; done < length; {
		pos := off + int64(done)
		pageNumber := pos / int64(pageSize)
		pageOff := int(pos % int64(pageSize))
		n := min(length-done, pageSize-pageOff)

		p, err := bpm.Fetch(src, pageNumber)
		if err != nil {
			return err
		}
		p.Lock()
		err = p.Materialize(pageSize, func(buf []byte) error {
			return src.BuildPage(pageNumber, buf)
		})
		if err == nil {
			err = fn(p, pageOff, done, n)
		}
		p.Unlock()
		bpm.Release(p)
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}

// flushLocked journals the dirty range of p.
// This method MUST be called with the page latch held.
func (bpm *BufferPoolManager) flushLocked(p *pagemanager.Page, src PageSource) error {
	if !p.IsLoaded() || !p.IsDirty() {
		return nil
	}
	from, to := p.DirtyRange()
	if err := src.LogPage(p.Key().PageNumber, p.Data(), from, to); err != nil {
		return fmt.Errorf("flushing page %s: %w", p.Key(), err)
	}
	p.MarkClean()
	return nil
}

func (bpm *BufferPoolManager) flush(f *frame) error {
	f.page.Lock()
	defer f.page.Unlock()
	return bpm.flushLocked(f.page, f.src)
}

// frames returns a snapshot of the frames matching keep, bucket by bucket.
func (bpm *BufferPoolManager) frames(keep func(*frame) bool) []*frame {
	var out []*frame
	for i := range bpm.buckets {
		b := &bpm.buckets[i]
		b.mu.Lock()
		for _, f := range b.frames {
			if keep(f) {
				out = append(out, f)
			}
		}
		b.mu.Unlock()
	}
	return out
}

// unlinkIfIdle removes f from the table when nobody references it and it
// has nothing left to journal.
func (bpm *BufferPoolManager) unlinkIfIdle(f *frame) bool {
	b := bpm.bucketFor(f.page.Key())
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frames[f.page.Key()] != f || f.page.RefCount() != 0 {
		return false
	}
	f.page.Lock()
	dirty := f.page.IsDirty()
	f.page.Unlock()
	if dirty {
		return false
	}
	delete(b.frames, f.page.Key())
	bpm.resident.Add(-1)
	bpm.metrics.EvictionsCounter.Add(context.Background(), 1)
	return true
}

// dropExistence gives up the table's own reference on f. It reports false
// when the page was already condemned.
func (bpm *BufferPoolManager) dropExistence(f *frame, onlyIfIdle bool) bool {
	b := bpm.bucketFor(f.page.Key())
	b.mu.Lock()
	defer b.mu.Unlock()
	if !f.page.IsResident() {
		return false
	}
	if onlyIfIdle && f.page.RefCount() != 1 {
		return false
	}
	f.page.SetResident(false)
	f.page.Release()
	return true
}

type candidate struct {
	f      *frame
	weight float64
}

// purge evicts the heaviest share of idle pages. Weight grows with the time
// since last access and shrinks with the access count.
func (bpm *BufferPoolManager) purge() error {
	if !bpm.purgeMu.TryLock() {
		return nil
	}
	defer bpm.purgeMu.Unlock()

	now := bpm.clock.Load()
	var candidates []candidate
	var orphans []*frame
	// Residency is guarded by the bucket lock, which frames holds around the filter.
	bpm.frames(func(f *frame) bool {
		p := f.page
		switch {
		case !p.IsResident() && p.RefCount() == 0:
			orphans = append(orphans, f)
		case p.IsResident() && p.RefCount() == 1:
			accesses := min(p.AccessCount(), accessCountClamp)
			age := now - min(p.LastAccess(), now)
			candidates = append(candidates, candidate{f: f, weight: float64(age) / float64(max(accesses, 1))})
		}
		return false
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].weight > candidates[j].weight
	})
	n := max(minPurge, int(float64(len(candidates))*bpm.opts.EvictionFraction))
	n = min(n, len(candidates))

	evicted := 0
	for _, c := range candidates[:n] {
		if err := bpm.flush(c.f); err != nil {
			return err
		}
		if !bpm.dropExistence(c.f, true) {
			continue
		}
		if bpm.unlinkIfIdle(c.f) {
			evicted++
		}
	}
	for _, f := range orphans {
		if err := bpm.flush(f); err != nil {
			return err
		}
		if bpm.unlinkIfIdle(f) {
			evicted++
		}
	}
	bpm.logger.Debug("Purged page cache",
		zap.Int("candidates", len(candidates)),
		zap.Int("evicted", evicted),
		zap.Int64("resident", bpm.resident.Load()))
	return nil
}

// FlushAll journals every dirty page.
func (bpm *BufferPoolManager) FlushAll() error {
	for _, f := range bpm.frames(func(*frame) bool { return true }) {
		if err := bpm.flush(f); err != nil {
			return err
		}
	}
	return nil
}

// FlushResource journals every dirty page of one resource.
func (bpm *BufferPoolManager) FlushResource(id uint32) error {
	for _, f := range bpm.frames(func(f *frame) bool { return f.page.Key().ResourceID == id }) {
		if err := bpm.flush(f); err != nil {
			return err
		}
	}
	return nil
}

// EvictAllFor flushes and unlinks every page of one resource. Pages still
// checked out are condemned and unlinked once released.
func (bpm *BufferPoolManager) EvictAllFor(id uint32) error {
	for _, f := range bpm.frames(func(f *frame) bool { return f.page.Key().ResourceID == id }) {
		if err := bpm.flush(f); err != nil {
			return err
		}
		bpm.dropExistence(f, false)
		bpm.unlinkIfIdle(f)
	}
	return nil
}

// DiscardAllFor unlinks every page of one resource without journaling their
// dirty bytes.
func (bpm *BufferPoolManager) DiscardAllFor(id uint32) {
	for _, f := range bpm.frames(func(f *frame) bool { return f.page.Key().ResourceID == id }) {
		f.page.Lock()
		f.page.Reset()
		f.page.Unlock()
		bpm.dropExistence(f, false)
		bpm.unlinkIfIdle(f)
	}
}

// Checkpoint closes the write gate, journals every dirty page, unlinks pages
// nobody references, runs cut and reopens the gate. It fails with
// ErrStoreLocked while an admission is held.
func (bpm *BufferPoolManager) Checkpoint(cut func() error) error {
	start := time.Now()
	if err := bpm.gate.CloseUnlessHeld(); err != nil {
		return err
	}
	defer bpm.gate.Open()

	flushed, unlinked := 0, 0
	for i := range bpm.buckets {
		b := &bpm.buckets[i]
		b.mu.Lock()
		snapshot := make([]*frame, 0, len(b.frames))
		for _, f := range b.frames {
			snapshot = append(snapshot, f)
		}
		b.mu.Unlock()

		for _, f := range snapshot {
			f.page.Lock()
			dirty := f.page.IsDirty()
			f.page.Unlock()
			if dirty {
				if err := bpm.flush(f); err != nil {
					return err
				}
				flushed++
			}
			if bpm.unlinkIfIdle(f) {
				unlinked++
			}
		}
	}
	if err := cut(); err != nil {
		return err
	}
	bpm.metrics.CheckpointLatency.Record(context.Background(), time.Since(start).Milliseconds())
	bpm.logger.Debug("Checkpoint walked page cache",
		zap.Int("flushed", flushed),
		zap.Int("unlinked", unlinked),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
