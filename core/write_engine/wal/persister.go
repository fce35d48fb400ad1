package wal

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

// maxConcurrentSyncs bounds the fsyncs issued at the end of a replay.
const maxConcurrentSyncs = 8

// BackingPersister applies replayed records to the file resources of a
// DiskManager and remembers which ones it touched.
type BackingPersister struct {
	disk     *flushmanager.DiskManager
	pageSize int64
	limiter  *rate.Limiter
	touched  map[string]*flushmanager.FileResource
}

var _ Persister = (*BackingPersister)(nil)

// NewBackingPersister creates a persister. limiter may be nil.
func NewBackingPersister(disk *flushmanager.DiskManager, pageSize int, limiter *rate.Limiter) *BackingPersister {
	return &BackingPersister{
		disk:     disk,
		pageSize: int64(pageSize),
		limiter:  limiter,
		touched:  make(map[string]*flushmanager.FileResource),
	}
}

// NewDrainLimiter returns a byte-rate limiter for draining, or nil when
// bytesPerSec is not positive.
func NewDrainLimiter(bytesPerSec int64, pageSize int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := max(int(bytesPerSec), pageSize)
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

func (p *BackingPersister) resource(name string) (*flushmanager.FileResource, error) {
	if r, ok := p.touched[name]; ok {
		return r, nil
	}
	r, err := p.disk.Resource(name)
	if err != nil {
		return nil, err
	}
	p.touched[name] = r
	return r, nil
}

func (p *BackingPersister) PersistPageChange(ctx context.Context, name string, pageNumber int64, pageOffset int32, data []byte) error {
	r, err := p.resource(name)
	if err != nil {
		return err
	}
	if p.limiter != nil && len(data) > 0 {
		if err := p.limiter.WaitN(ctx, len(data)); err != nil {
			return err
		}
	}
	_, err = r.WriteAt(data, pageNumber*p.pageSize+int64(pageOffset))
	return err
}

func (p *BackingPersister) PersistSetSize(_ context.Context, name string, size int64) error {
	r, err := p.resource(name)
	if err != nil {
		return err
	}
	return r.Truncate(size)
}

func (p *BackingPersister) PersistDelete(_ context.Context, name string) error {
	r, err := p.resource(name)
	if err != nil {
		return err
	}
	return r.Delete()
}

// Finish syncs every touched resource, closing the handles as well when
// closeHandles is set, and returns the touched names in sorted order.
func (p *BackingPersister) Finish(ctx context.Context, closeHandles bool) ([]string, error) {
	names := make([]string, 0, len(p.touched))
	for name := range p.touched {
		names = append(names, name)
	}
	sort.Strings(names)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSyncs)
	for _, name := range names {
		r := p.touched[name]
		g.Go(func() error {
			if err := r.Sync(); err != nil {
				return err
			}
			if closeHandles {
				return r.Close()
			}
			return nil
		})
	}
	return names, g.Wait()
}
