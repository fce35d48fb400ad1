package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/pagejournal/internal/telemetry"
)

const (
	// JournalSlots is the size of the fixed pool of journal file names.
	JournalSlots = 32

	DefaultRotationThreshold int64 = 256 * 1024
	DefaultMaxSealedJournals       = 10
)

// SlotPath returns the journal file name for slot.
func SlotPath(dir string, slot int) string {
	return filepath.Join(dir, fmt.Sprintf("journal-%02d.log", slot))
}

// Options configures a LogManager.
type Options struct {
	Dir                  string
	PageSize             int
	RotationThreshold    int64
	MaxSealedJournals    int
	DrainRateBytesPerSec int64
}

// LogManager owns the active journal and the queue of sealed journals waiting
// to be drained into backing resources by a single background goroutine.
type LogManager struct {
	opts    Options
	disk    *flushmanager.DiskManager
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics

	mu          sync.Mutex                 // Protects everything below
	drainedCond *sync.Cond                 // Broadcast when the sealed queue shrinks or draining halts
	active      *JournalFile               // The only journal accepting records
	nextSeq     int64                      // Sequence number of the next journal created
	lastSlot    int                        // Slot of the most recently created journal
	slots       [JournalSlots]*JournalFile // Journals whose files are still on disk
	pending     int                        // Sealed journals not yet drained
	drainErr    error                      // Sticky; set by the first failed drain
	closed      bool

	sealedCh chan *JournalFile // New work for the drainer
	wg       sync.WaitGroup
}

// NewLogManager creates the journal directory, opens a fresh active journal
// numbered startSeq and starts the drain worker.
func NewLogManager(opts Options, disk *flushmanager.DiskManager, startSeq int64, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("journal page size must be positive")
	}
	if opts.RotationThreshold <= 0 {
		opts.RotationThreshold = DefaultRotationThreshold
	}
	if opts.MaxSealedJournals <= 0 {
		opts.MaxSealedJournals = DefaultMaxSealedJournals
	}
	if opts.MaxSealedJournals > JournalSlots-4 {
		return nil, fmt.Errorf("max sealed journals (%d) must leave room in the %d journal slots", opts.MaxSealedJournals, JournalSlots)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", opts.Dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}

	lm := &LogManager{
		opts:     opts,
		disk:     disk,
		limiter:  NewDrainLimiter(opts.DrainRateBytesPerSec, opts.PageSize),
		logger:   logger.Named("log_manager"),
		metrics:  metrics,
		nextSeq:  max(startSeq, 1),
		lastSlot: -1,
		sealedCh: make(chan *JournalFile, JournalSlots),
	}
	lm.drainedCond = sync.NewCond(&lm.mu)

	active, err := lm.createLocked()
	if err != nil {
		return nil, err
	}
	lm.active = active

	lm.wg.Add(1)
	go lm.drainer()

	lm.logger.Info("LogManager initialized",
		zap.String("dir", opts.Dir),
		zap.Int64("active_seq", active.Seq()),
		zap.Int64("rotation_threshold", opts.RotationThreshold),
		zap.Int("max_sealed", opts.MaxSealedJournals))
	return lm, nil
}

// createLocked opens a new journal in the next free slot.
// This method MUST be called with lm.mu held (or before lm is shared).
func (lm *LogManager) createLocked() (*JournalFile, error) {
	for i := 1; i <= JournalSlots; i++ {
		slot := (lm.lastSlot + i) % JournalSlots
		if lm.slots[slot] != nil {
			continue
		}
		path := SlotPath(lm.opts.Dir, slot)
		if _, err := os.Stat(path); err == nil {
			// Left behind by a failed drain; recovery owns it.
			continue
		}
		jf, err := CreateJournalFile(path, slot, lm.nextSeq, lm.logger)
		if err != nil {
			return nil, err
		}
		jf.onRemove = lm.releaseSlot
		lm.slots[slot] = jf
		lm.lastSlot = slot
		lm.nextSeq++
		return jf, nil
	}
	return nil, flushmanager.ErrJournalSlotsInUse
}

func (lm *LogManager) releaseSlot(jf *JournalFile) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.slots[jf.Slot()] == jf {
		lm.slots[jf.Slot()] = nil
	}
}

// Active returns the journal currently accepting records.
func (lm *LogManager) Active() (*JournalFile, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil, flushmanager.ErrJournalClosed
	}
	return lm.active, nil
}

// Checkpoint cuts a checkpoint in the active journal and rotates it into the
// sealed queue once it has grown past the rotation threshold. Callers must
// make sure no records are being appended concurrently.
func (lm *LogManager) Checkpoint() (bool, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return false, flushmanager.ErrJournalClosed
	}
	if err := lm.active.Checkpoint(); err != nil {
		return false, err
	}
	lm.metrics.CheckpointsCounter.Add(context.Background(), 1)

	if lm.drainErr != nil {
		// Rotation stays halted until the failed journal is recovered.
		return false, lm.drainErr
	}
	if lm.active.Size() < lm.opts.RotationThreshold {
		return false, nil
	}

	next, err := lm.createLocked()
	if err != nil {
		return false, fmt.Errorf("rotating journal: %w", err)
	}
	sealed := lm.active
	sealed.Seal()
	lm.active = next
	lm.pending++
	lm.sealedCh <- sealed
	lm.metrics.RotationsCounter.Add(context.Background(), 1)
	lm.logger.Debug("Rotated journal",
		zap.Int64("sealed_seq", sealed.Seq()),
		zap.Int64("sealed_size", sealed.Size()),
		zap.Int64("active_seq", next.Seq()),
		zap.Int("pending", lm.pending))
	return true, nil
}

// WaitForDrain blocks while more than limit sealed journals are pending.
func (lm *LogManager) WaitForDrain(limit int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for lm.pending > limit && lm.drainErr == nil && !lm.closed {
		lm.drainedCond.Wait()
	}
	return lm.drainErr
}

// Pending returns the number of sealed journals not yet drained.
func (lm *LogManager) Pending() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.pending
}

// ActiveSize returns the size of the active journal in bytes.
func (lm *LogManager) ActiveSize() int64 {
	lm.mu.Lock()
	active := lm.active
	lm.mu.Unlock()
	return active.Size()
}

// Err returns the sticky drain failure, if any.
func (lm *LogManager) Err() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.drainErr
}

// drainer is the only goroutine that writes journal content into backing
// resources while the store is running.
func (lm *LogManager) drainer() {
	defer lm.wg.Done()
	for jf := range lm.sealedCh {
		if lm.Err() != nil {
			// Halted. The file stays on disk for the next recovery pass.
			continue
		}
		err := lm.drain(jf)

		lm.mu.Lock()
		if err != nil {
			lm.drainErr = fmt.Errorf("%w: %s: %w", flushmanager.ErrDrainFailed, jf.Path(), err)
			lm.logger.Error("Journal drain failed; draining halted", zap.String("path", jf.Path()), zap.Error(err))
		} else {
			lm.pending--
		}
		lm.drainedCond.Broadcast()
		lm.mu.Unlock()
	}
}

// drain persists a sealed journal up to its last checkpoint and deletes it.
func (lm *LogManager) drain(jf *JournalFile) error {
	start := time.Now()
	ctx := context.Background()

	summary, err := ScanJournal(jf.Path())
	if err != nil {
		return err
	}
	persister := NewBackingPersister(lm.disk, lm.opts.PageSize, lm.limiter)
	stats, err := ReplayJournal(ctx, summary, persister)
	if err != nil {
		return err
	}
	names, err := persister.Finish(ctx, false)
	if err != nil {
		return err
	}
	if err := jf.Close(true); err != nil {
		return err
	}

	elapsed := time.Since(start)
	lm.metrics.DrainedJournalsCounter.Add(ctx, 1)
	lm.metrics.DrainLatency.Record(ctx, elapsed.Milliseconds())
	lm.logger.Debug("Drained journal",
		zap.Int64("seq", summary.Seq),
		zap.Int("page_changes", stats.PageChanges),
		zap.Int("size_changes", stats.SizeChanges),
		zap.Int("deletes", stats.Deletes),
		zap.Strings("resources", names),
		zap.Duration("elapsed", elapsed))
	return nil
}

// Close stops accepting records, closes the active journal without deleting
// it and waits for the drain worker to finish the queue. Whatever is left on
// disk is picked up by the next recovery pass.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil
	}
	lm.closed = true
	active := lm.active
	close(lm.sealedCh)
	lm.drainedCond.Broadcast()
	lm.mu.Unlock()

	err := active.Close(false)
	lm.wg.Wait()

	// Journals the worker skipped or failed on still hold open files.
	lm.mu.Lock()
	var leftover []*JournalFile
	for _, jf := range lm.slots {
		if jf != nil {
			leftover = append(leftover, jf)
		}
	}
	lm.mu.Unlock()
	for _, jf := range leftover {
		if closeErr := jf.Close(false); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}

	if drainErr := lm.Err(); drainErr != nil {
		err = errors.Join(err, drainErr)
	}
	lm.logger.Info("LogManager closed")
	return err
}
