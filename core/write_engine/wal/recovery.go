package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/pagejournal/internal/telemetry"
)

// RecoveryConfig describes where recovery looks and what it writes into.
type RecoveryConfig struct {
	Dir      string
	Disk     *flushmanager.DiskManager
	PageSize int
	Logger   *zap.Logger
	Metrics  *internaltelemetry.StorageMetrics
}

// RecoveryResult reports what a recovery pass did.
type RecoveryResult struct {
	Replayed  []*JournalSummary // in replay order
	Discarded []string          // paths removed without replay
	MaxSeq    int64             // highest journal sequence number seen, 0 if none
}

// Recover rolls forward every journal left in the slot pool. Journals without
// a checkpoint are deleted unreplayed; the rest are replayed oldest first up
// to their last checkpoint, synced, deleted, and their resource names passed
// to notify. Any error leaves the remaining journals on disk.
func Recover(ctx context.Context, cfg RecoveryConfig, notify func(names []string)) (*RecoveryResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("recovery")
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}

	result := &RecoveryResult{}
	var recoverable []*JournalSummary
	for slot := 0; slot < JournalSlots; slot++ {
		path := SlotPath(cfg.Dir, slot)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return result, fmt.Errorf("%w: stat %s: %v", flushmanager.ErrIO, path, err)
		}
		summary, err := ScanJournal(path)
		if err != nil {
			return result, fmt.Errorf("recovery aborted: %w", err)
		}
		result.MaxSeq = max(result.MaxSeq, summary.Seq)
		if !summary.Recoverable() {
			logger.Warn("Discarding journal without a checkpoint",
				zap.String("path", path),
				zap.Int("records", summary.Records),
				zap.Bool("torn_tail", summary.TornTail))
			if err := os.Remove(path); err != nil {
				return result, fmt.Errorf("%w: removing %s: %v", flushmanager.ErrIO, path, err)
			}
			result.Discarded = append(result.Discarded, path)
			metrics.DiscardedJournalsCounter.Add(ctx, 1)
			continue
		}
		recoverable = append(recoverable, summary)
	}

	// Older size changes must not land after newer ones.
	sort.SliceStable(recoverable, func(i, j int) bool {
		return recoverable[i].Seq < recoverable[j].Seq
	})

	for _, summary := range recoverable {
		start := time.Now()
		persister := NewBackingPersister(cfg.Disk, cfg.PageSize, nil)
		stats, err := ReplayJournal(ctx, summary, persister)
		if err != nil {
			return result, fmt.Errorf("recovery aborted: %w", err)
		}
		if _, err := persister.Finish(ctx, true); err != nil {
			return result, fmt.Errorf("recovery aborted: %w", err)
		}
		if err := os.Remove(summary.Path); err != nil {
			return result, fmt.Errorf("%w: removing %s: %v", flushmanager.ErrIO, summary.Path, err)
		}
		result.Replayed = append(result.Replayed, summary)
		metrics.RecoveredJournalsCounter.Add(ctx, 1)
		logger.Info("Recovered journal",
			zap.String("path", summary.Path),
			zap.Int64("seq", summary.Seq),
			zap.Int("page_changes", stats.PageChanges),
			zap.Int("size_changes", stats.SizeChanges),
			zap.Int("deletes", stats.Deletes),
			zap.Bool("torn_tail", summary.TornTail),
			zap.Duration("elapsed", time.Since(start)))
		if notify != nil {
			notify(summary.Names)
		}
	}
	return result, nil
}
