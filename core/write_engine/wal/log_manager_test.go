package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

// --- Test Helpers ---

const testPageSize = 64

type testResource struct {
	id   uint32
	name string
}

func (r testResource) ID() uint32   { return r.id }
func (r testResource) Name() string { return r.name }

// setupLogManager creates a LogManager and a DiskManager in temporary
// directories for isolated testing.
func setupLogManager(t *testing.T, opts Options) (*LogManager, *flushmanager.DiskManager) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	disk, err := flushmanager.NewDiskManager(t.TempDir(), false, logger)
	require.NoError(t, err)

	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.PageSize == 0 {
		opts.PageSize = testPageSize
	}
	lm, err := NewLogManager(opts, disk, 1, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Close() })
	return lm, disk
}

func pageOf(b byte) []byte {
	page := make([]byte, testPageSize)
	for i := range page {
		page[i] = b
	}
	return page
}

func readBacking(t *testing.T, disk *flushmanager.DiskManager, name string) []byte {
	t.Helper()
	r, err := disk.Resource(name)
	require.NoError(t, err)
	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	return data
}

// --- Test Cases ---

// TestLogManager_RotateAndDrain verifies that a checkpoint past the rotation
// threshold seals the active journal and that the worker writes its content
// into the backing resource before deleting the file.
func TestLogManager_RotateAndDrain(t *testing.T) {
	lm, disk := setupLogManager(t, Options{RotationThreshold: 1})
	res := testResource{id: 1, name: "tables/users"}

	active, err := lm.Active()
	require.NoError(t, err)
	sealedPath := active.Path()

	require.NoError(t, active.LogResourceResize(res, 0))
	_, _, err = active.LogPageChange(res, 1, pageOf('a'), 4, 8)
	require.NoError(t, err)

	rotated, err := lm.Checkpoint()
	require.NoError(t, err)
	require.True(t, rotated)

	require.NoError(t, lm.WaitForDrain(0))
	require.Equal(t, 0, lm.Pending())

	_, err = os.Stat(sealedPath)
	require.True(t, os.IsNotExist(err), "drained journal should be deleted")

	data := readBacking(t, disk, res.name)
	require.Len(t, data, testPageSize+12)
	require.Equal(t, []byte("aaaaaaaa"), data[testPageSize+4:])
	require.Equal(t, make([]byte, testPageSize+4), data[:testPageSize+4])

	next, err := lm.Active()
	require.NoError(t, err)
	require.NotEqual(t, sealedPath, next.Path())
	require.Greater(t, next.Seq(), active.Seq())
}

// TestLogManager_NoRotationBelowThreshold checks that a small journal just
// gets a checkpoint.
func TestLogManager_NoRotationBelowThreshold(t *testing.T) {
	lm, _ := setupLogManager(t, Options{})
	res := testResource{id: 1, name: "small"}

	active, err := lm.Active()
	require.NoError(t, err)
	_, _, err = active.LogPageChange(res, 0, pageOf('x'), 0, 4)
	require.NoError(t, err)

	rotated, err := lm.Checkpoint()
	require.NoError(t, err)
	require.False(t, rotated)
	require.GreaterOrEqual(t, active.LastCheckpoint(), int64(fileHeaderSize))

	same, err := lm.Active()
	require.NoError(t, err)
	require.Same(t, active, same)
}

// TestLogManager_WaitForDrainThrottles rate limits the worker so sealed
// journals pile up, then checks WaitForDrain blocks until they are gone.
func TestLogManager_WaitForDrainThrottles(t *testing.T) {
	lm, disk := setupLogManager(t, Options{RotationThreshold: 1, DrainRateBytesPerSec: testPageSize})
	res := testResource{id: 7, name: "throttled"}

	for i := 0; i < 3; i++ {
		active, err := lm.Active()
		require.NoError(t, err)
		_, _, err = active.LogPageChange(res, int64(i), pageOf(byte('a'+i)), 0, testPageSize)
		require.NoError(t, err)
		rotated, err := lm.Checkpoint()
		require.NoError(t, err)
		require.True(t, rotated)
	}
	require.Greater(t, lm.Pending(), 0, "limiter should keep the worker behind")

	start := time.Now()
	require.NoError(t, lm.WaitForDrain(0))
	require.Equal(t, 0, lm.Pending())
	require.Greater(t, time.Since(start), 500*time.Millisecond)

	data := readBacking(t, disk, res.name)
	require.Equal(t, pageOf('a'), data[:testPageSize])
	require.Equal(t, pageOf('c'), data[2*testPageSize:])
}

// TestLogManager_DrainFailureIsSticky makes the worker fail and checks that
// the journal stays on disk and later calls keep reporting the failure.
func TestLogManager_DrainFailureIsSticky(t *testing.T) {
	lm, disk := setupLogManager(t, Options{RotationThreshold: 1})
	res := testResource{id: 3, name: "blocked"}

	// A directory where the backing file should go makes every write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(disk.Dir(), "blocked"), 0755))

	active, err := lm.Active()
	require.NoError(t, err)
	_, _, err = active.LogPageChange(res, 0, pageOf('z'), 0, 8)
	require.NoError(t, err)
	_, err = lm.Checkpoint()
	require.NoError(t, err)

	err = lm.WaitForDrain(0)
	require.ErrorIs(t, err, flushmanager.ErrDrainFailed)
	require.Equal(t, 1, lm.Pending())

	_, statErr := os.Stat(active.Path())
	require.NoError(t, statErr, "a journal that failed to drain must not be deleted")

	_, err = lm.Checkpoint()
	require.ErrorIs(t, err, flushmanager.ErrDrainFailed)
}

// TestLogManager_CloseKeepsActiveJournal checks that Close leaves the active
// journal on disk for the next recovery pass and rejects further use.
func TestLogManager_CloseKeepsActiveJournal(t *testing.T) {
	lm, _ := setupLogManager(t, Options{})
	active, err := lm.Active()
	require.NoError(t, err)
	require.NoError(t, active.Checkpoint())

	require.NoError(t, lm.Close())
	_, err = os.Stat(active.Path())
	require.NoError(t, err)

	_, err = lm.Active()
	require.ErrorIs(t, err, flushmanager.ErrJournalClosed)
	_, err = lm.Checkpoint()
	require.ErrorIs(t, err, flushmanager.ErrJournalClosed)
	require.NoError(t, lm.Close(), "second close is a no-op")
}
