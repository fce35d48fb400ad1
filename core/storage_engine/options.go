package storageengine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sushant-115/pagejournal/core/write_engine/memtable"
	"github.com/sushant-115/pagejournal/core/write_engine/wal"
)

// DefaultChainCleanupThreshold is the chain length past which entries that
// point into drained journals are pruned.
const DefaultChainCleanupThreshold = 35

// Options configures a Store.
type Options struct {
	DataDir               string        `yaml:"data_dir"`
	JournalDir            string        `yaml:"journal_dir"` // defaults to DataDir
	PageSize              int           `yaml:"page_size"`
	MaxPages              int           `yaml:"max_pages"`
	BucketCount           int           `yaml:"bucket_count"`
	ReadOnly              bool          `yaml:"read_only"`
	Logging               bool          `yaml:"logging"`
	WriteThrough          bool          `yaml:"write_through"`
	RotationThreshold     int64         `yaml:"rotation_threshold"`
	MaxSealedJournals     int           `yaml:"max_sealed_journals"`
	ChainCleanupThreshold int           `yaml:"chain_cleanup_threshold"`
	EvictionFraction      float64       `yaml:"eviction_fraction"`
	CheckpointInterval    time.Duration `yaml:"checkpoint_interval"`
	DrainRateBytesPerSec  int64         `yaml:"drain_rate_bytes_per_sec"`
}

// DefaultOptions returns the defaults for a store rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		DataDir:               dir,
		PageSize:              memtable.DefaultPageSize,
		MaxPages:              memtable.DefaultMaxPages,
		BucketCount:           memtable.DefaultBucketCount,
		Logging:               true,
		WriteThrough:          true,
		RotationThreshold:     wal.DefaultRotationThreshold,
		MaxSealedJournals:     wal.DefaultMaxSealedJournals,
		ChainCleanupThreshold: DefaultChainCleanupThreshold,
		EvictionFraction:      memtable.DefaultEvictionFraction,
	}
}

// Validate rejects options the store cannot run with.
func (o *Options) Validate() error {
	if o.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if o.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", o.PageSize)
	}
	if o.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be positive, got %d", o.MaxPages)
	}
	if o.BucketCount <= 0 {
		return fmt.Errorf("bucket_count must be positive, got %d", o.BucketCount)
	}
	if o.RotationThreshold <= 0 {
		return fmt.Errorf("rotation_threshold must be positive, got %d", o.RotationThreshold)
	}
	if o.MaxSealedJournals <= 0 || o.MaxSealedJournals > wal.JournalSlots-4 {
		return fmt.Errorf("max_sealed_journals must be between 1 and %d, got %d", wal.JournalSlots-4, o.MaxSealedJournals)
	}
	if o.ChainCleanupThreshold <= 0 {
		return fmt.Errorf("chain_cleanup_threshold must be positive, got %d", o.ChainCleanupThreshold)
	}
	if o.EvictionFraction <= 0 || o.EvictionFraction > 1 {
		return fmt.Errorf("eviction_fraction must be in (0, 1], got %g", o.EvictionFraction)
	}
	if o.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint_interval must not be negative")
	}
	if o.DrainRateBytesPerSec < 0 {
		return fmt.Errorf("drain_rate_bytes_per_sec must not be negative")
	}
	return nil
}

func (o *Options) journalDir() string {
	if o.JournalDir != "" {
		return o.JournalDir
	}
	return o.DataDir
}

func (o *Options) lockPath() string {
	return filepath.Join(o.DataDir, LockFileName)
}
