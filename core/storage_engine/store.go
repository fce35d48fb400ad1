package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
	"github.com/sushant-115/pagejournal/core/write_engine/memtable"
	"github.com/sushant-115/pagejournal/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/pagejournal/internal/telemetry"
	"github.com/sushant-115/pagejournal/pkg/telemetry"
)

// Store owns one data directory: its resources, page cache and journals.
type Store struct {
	opts    Options
	kind    ResourceKind
	runID   string
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.StorageMetrics

	disk    *flushmanager.DiskManager
	cache   *memtable.BufferPoolManager
	gate    *memtable.WriteGate
	journal *wal.LogManager // nil unless logging and writable

	mu        sync.Mutex
	resources map[string]*Resource
	nextID    uint32

	seq           atomic.Uint64 // orders page changes and truncations
	dirtyShutdown bool
	closed        atomic.Bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Open opens (creating if needed) the store in opts.DataDir. Leftover
// journals are recovered before Open returns; if recovery fails the store is
// not opened. tel may be nil.
func Open(opts Options, logger *zap.Logger, tel *telemetry.Telemetry) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage metrics: %w", err)
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	s := &Store{
		opts:      opts,
		kind:      KindLogging,
		runID:     runID,
		logger:    logger.Named("store"),
		tracer:    tel.Tracer,
		metrics:   metrics,
		resources: make(map[string]*Resource),
		stopChan:  make(chan struct{}),
	}
	if !opts.Logging {
		s.kind = KindNonLogging
	}

	if opts.ReadOnly {
		s.dirtyShutdown = lockFileExists(opts.lockPath())
	} else {
		for _, dir := range []string{opts.DataDir, opts.journalDir()} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
		if s.dirtyShutdown, err = acquireLockFile(opts.lockPath()); err != nil {
			return nil, err
		}
	}
	if s.dirtyShutdown {
		s.logger.Warn("Lock file found; previous run did not shut down cleanly", zap.String("dir", opts.DataDir))
	}

	if err := s.init(logger); err != nil {
		if s.journal != nil {
			_ = s.journal.Close()
		}
		if s.disk != nil {
			_ = s.disk.CloseAll()
		}
		if !opts.ReadOnly && !s.dirtyShutdown {
			_ = releaseLockFile(opts.lockPath())
		}
		return nil, err
	}

	if s.journal != nil && opts.CheckpointInterval > 0 {
		s.wg.Add(1)
		go s.checkpointer()
	}
	s.logger.Info("Store opened",
		zap.String("dir", opts.DataDir),
		zap.String("journal_dir", opts.journalDir()),
		zap.Stringer("kind", s.kind),
		zap.Bool("read_only", opts.ReadOnly),
		zap.Int("page_size", opts.PageSize))
	return s, nil
}

func (s *Store) init(logger *zap.Logger) error {
	var err error
	if s.disk, err = flushmanager.NewDiskManager(s.opts.DataDir, s.opts.ReadOnly, logger); err != nil {
		return err
	}

	startSeq := int64(1)
	if s.opts.ReadOnly {
		for slot := 0; slot < wal.JournalSlots; slot++ {
			if _, err := os.Stat(wal.SlotPath(s.opts.journalDir(), slot)); err == nil {
				return fmt.Errorf("%w: journals are waiting for recovery in %s", flushmanager.ErrStoreReadOnly, s.opts.journalDir())
			}
		}
	} else {
		result, err := s.recover(context.Background())
		if err != nil {
			return err
		}
		startSeq = result.MaxSeq + 1
	}

	if s.cache, err = memtable.NewBufferPoolManager(memtable.Options{
		PageSize:         s.opts.PageSize,
		MaxPages:         s.opts.MaxPages,
		BucketCount:      s.opts.BucketCount,
		EvictionFraction: s.opts.EvictionFraction,
		WriteThrough:     s.opts.WriteThrough,
	}, logger, s.metrics); err != nil {
		return err
	}
	s.gate = s.cache.Gate()

	if s.kind == KindLogging && !s.opts.ReadOnly {
		s.journal, err = wal.NewLogManager(wal.Options{
			Dir:                  s.opts.journalDir(),
			PageSize:             s.opts.PageSize,
			RotationThreshold:    s.opts.RotationThreshold,
			MaxSealedJournals:    s.opts.MaxSealedJournals,
			DrainRateBytesPerSec: s.opts.DrainRateBytesPerSec,
		}, s.disk, startSeq, logger, s.metrics)
		if err != nil {
			return err
		}
	}
	return nil
}

// recover replays leftover journals into the backing files.
func (s *Store) recover(ctx context.Context) (*wal.RecoveryResult, error) {
	ctx, span := s.tracer.Start(ctx, "pagejournal.Recover")
	defer span.End()

	result, err := wal.Recover(ctx, wal.RecoveryConfig{
		Dir:      s.opts.journalDir(),
		Disk:     s.disk,
		PageSize: s.opts.PageSize,
		Logger:   s.logger,
		Metrics:  s.metrics,
	}, s.notifyRecovered)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("journals.replayed", len(result.Replayed)),
		attribute.Int("journals.discarded", len(result.Discarded)))
	return result, nil
}

func (s *Store) notifyRecovered(names []string) {
	for _, name := range names {
		s.mu.Lock()
		r, ok := s.resources[name]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := r.recovered(); err != nil {
			s.logger.Error("Failed to refresh recovered resource", zap.String("name", name), zap.Error(err))
		}
	}
}

func (s *Store) nextSeq() uint64 { return s.seq.Add(1) }

// RunID identifies this open of the store in logs.
func (s *Store) RunID() string { return s.runID }

// DirtyShutdown reports whether the lock file was present when the store was
// opened.
func (s *Store) DirtyShutdown() bool { return s.dirtyShutdown }

func (s *Store) checkName(name string) error {
	if err := flushmanager.ValidateName(name); err != nil {
		return err
	}
	if name == LockFileName {
		return fmt.Errorf("%w: %q is reserved", flushmanager.ErrInvalidName, name)
	}
	if filepath.Clean(s.opts.journalDir()) == filepath.Clean(s.opts.DataDir) {
		if ok, _ := filepath.Match("journal-??.log", name); ok {
			return fmt.Errorf("%w: %q is reserved", flushmanager.ErrInvalidName, name)
		}
	}
	return nil
}

// resource returns the Resource for name, registering it on first use.
func (s *Store) resource(name string) (*Resource, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.resources[name]; ok {
		return r, nil
	}
	backing, err := s.disk.Resource(name)
	if err != nil {
		return nil, err
	}
	s.nextID++
	r, err := newResource(s, s.nextID, name, backing)
	if err != nil {
		return nil, err
	}
	s.resources[name] = r
	return r, nil
}

func (s *Store) enter() error {
	if s.closed.Load() || !s.gate.Enter() {
		return flushmanager.ErrStoreClosed
	}
	return nil
}

func (s *Store) exit() { s.gate.Exit() }

func (s *Store) hold() error {
	if s.closed.Load() || !s.gate.Hold() {
		return flushmanager.ErrStoreClosed
	}
	return nil
}

func (s *Store) release() { s.gate.Release() }

func (s *Store) checkWritable() error {
	if s.opts.ReadOnly {
		return flushmanager.ErrStoreReadOnly
	}
	return nil
}

// CreateResource creates an empty resource and opens it.
func (s *Store) CreateResource(name string) (*Handle, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()
	r, err := s.resource(name)
	if err != nil {
		return nil, err
	}
	if err := r.create(); err != nil {
		return nil, err
	}
	return s.openHandle(r)
}

// OpenResource opens an existing resource.
func (s *Store) OpenResource(name string) (*Handle, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.exit()
	r, err := s.resource(name)
	if err != nil {
		return nil, err
	}
	return s.openHandle(r)
}

func (s *Store) openHandle(r *Resource) (*Handle, error) {
	gen, err := r.open()
	if err != nil {
		return nil, err
	}
	return &Handle{store: s, res: r, gen: gen, readOnly: s.opts.ReadOnly}, nil
}

// ResourceExists reports whether name exists, counting changes still pending
// in the journal.
func (s *Store) ResourceExists(name string) (bool, error) {
	if err := s.enter(); err != nil {
		return false, err
	}
	defer s.exit()
	r, err := s.resource(name)
	if err != nil {
		return false, err
	}
	return r.Exists(), nil
}

// DeleteResource deletes name. Handles open on it stop working.
func (s *Store) DeleteResource(name string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := s.enter(); err != nil {
		return err
	}
	defer s.exit()
	r, err := s.resource(name)
	if err != nil {
		return err
	}
	return r.delete()
}

// Checkpoint journals every dirty page, cuts a checkpoint and, when the
// sealed queue is over its bound, waits for the drain worker to catch up.
// It fails with ErrStoreLocked, without waiting, while a handle is locked.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.closed.Load() {
		return flushmanager.ErrStoreClosed
	}
	if s.gate.Held() > 0 {
		return flushmanager.ErrStoreLocked
	}
	if s.opts.ReadOnly {
		return nil
	}
	if s.journal == nil {
		return s.disk.SyncAll()
	}
	return s.checkpoint(ctx, true)
}

func (s *Store) checkpoint(ctx context.Context, throttle bool) error {
	_, span := s.tracer.Start(ctx, "pagejournal.Checkpoint")
	defer span.End()

	var rotated bool
	err := s.cache.Checkpoint(func() error {
		var err error
		rotated, err = s.journal.Checkpoint()
		return err
	})
	if err == nil && throttle {
		err = s.journal.WaitForDrain(s.opts.MaxSealedJournals)
	}
	span.SetAttributes(
		attribute.Bool("journal.rotated", rotated),
		attribute.Int("journal.pending", s.journal.Pending()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// checkpointer cuts checkpoints on a timer until the store closes.
func (s *Store) checkpointer() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.Checkpoint(context.Background())
			switch {
			case err == nil, errors.Is(err, flushmanager.ErrStoreClosed):
			case errors.Is(err, flushmanager.ErrStoreLocked):
				s.logger.Debug("Skipping background checkpoint while a handle is locked")
			default:
				s.logger.Error("Background checkpoint failed", zap.Error(err))
			}
		case <-s.stopChan:
			return
		}
	}
}

// Stats is a point-in-time view of the store.
type Stats struct {
	RunID             string
	Kind              ResourceKind
	Resources         int
	ResidentPages     int64
	PendingJournals   int
	ActiveJournalSize int64
	DrainError        error
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	n := len(s.resources)
	s.mu.Unlock()
	st := Stats{
		RunID:         s.runID,
		Kind:          s.kind,
		Resources:     n,
		ResidentPages: s.cache.Resident(),
	}
	if s.journal != nil {
		st.PendingJournals = s.journal.Pending()
		st.ActiveJournalSize = s.journal.ActiveSize()
		st.DrainError = s.journal.Err()
	}
	return st
}

// Close checkpoints, stops background work, replays whatever journals are
// left into the backing files and removes the lock file. A store with a
// locked handle stays open and Close returns ErrStoreLocked. A handle locked
// concurrently with Close is waited for.
func (s *Store) Close() error {
	if s.gate.Held() > 0 && !s.closed.Load() {
		return flushmanager.ErrStoreLocked
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopChan)
	s.wg.Wait()

	var errs []error
	if s.journal != nil {
		if err := s.checkpoint(context.Background(), false); err != nil {
			errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
		}
	}
	s.gate.Shutdown()

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, err)
		}
		if _, err := s.recover(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutdown recovery: %w", err))
		}
	}
	if err := s.disk.CloseAll(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Store closed with errors; lock file left in place", zap.Error(err))
		return err
	}
	if !s.opts.ReadOnly {
		if err := releaseLockFile(s.opts.lockPath()); err != nil {
			return err
		}
	}
	s.logger.Info("Store closed")
	return nil
}
