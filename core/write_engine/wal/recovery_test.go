package wal

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

func newRecoveryConfig(t *testing.T) RecoveryConfig {
	t.Helper()
	disk, err := flushmanager.NewDiskManager(t.TempDir(), false, zap.NewNop())
	require.NoError(t, err)
	return RecoveryConfig{Dir: t.TempDir(), Disk: disk, PageSize: testPageSize, Logger: zap.NewNop()}
}

func createSlot(t *testing.T, cfg RecoveryConfig, slot int, seq int64) *JournalFile {
	t.Helper()
	jf, err := CreateJournalFile(SlotPath(cfg.Dir, slot), slot, seq, zap.NewNop())
	require.NoError(t, err)
	return jf
}

// TestReplayJournal_Idempotent replays the same journal twice and checks the
// backing resource ends up identical.
func TestReplayJournal_Idempotent(t *testing.T) {
	cfg := newRecoveryConfig(t)
	res := testResource{id: 1, name: "idem"}

	jf := createSlot(t, cfg, 0, 1)
	require.NoError(t, jf.LogResourceResize(res, 0))
	_, _, err := jf.LogPageChange(res, 0, pageOf('a'), 0, testPageSize)
	require.NoError(t, err)
	_, _, err = jf.LogPageChange(res, 0, pageOf('b'), 10, 5)
	require.NoError(t, err)
	require.NoError(t, jf.LogResourceResize(res, 40))
	_, _, err = jf.LogPageChange(res, 1, pageOf('c'), 0, 3)
	require.NoError(t, err)
	require.NoError(t, jf.Checkpoint())
	require.NoError(t, jf.Close(false))

	summary, err := ScanJournal(jf.Path())
	require.NoError(t, err)

	replay := func() []byte {
		p := NewBackingPersister(cfg.Disk, testPageSize, nil)
		stats, err := ReplayJournal(context.Background(), summary, p)
		require.NoError(t, err)
		require.Equal(t, 3, stats.PageChanges)
		require.Equal(t, 2, stats.SizeChanges)
		_, err = p.Finish(context.Background(), true)
		require.NoError(t, err)
		return readBacking(t, cfg.Disk, res.name)
	}

	once := replay()
	twice := replay()
	require.Equal(t, once, twice)

	want := make([]byte, testPageSize+3)
	copy(want, pageOf('a')[:40])
	copy(want[10:], "bbbbb")
	copy(want[testPageSize:], "ccc")
	require.Equal(t, want, once)
}

// TestReplayJournal_StopsAtLastCheckpoint checks that records after the last
// checkpoint are never applied.
func TestReplayJournal_StopsAtLastCheckpoint(t *testing.T) {
	cfg := newRecoveryConfig(t)
	res := testResource{id: 1, name: "partial"}

	jf := createSlot(t, cfg, 0, 1)
	_, _, err := jf.LogPageChange(res, 0, pageOf('a'), 0, 4)
	require.NoError(t, err)
	require.NoError(t, jf.Checkpoint())
	_, _, err = jf.LogPageChange(res, 0, pageOf('b'), 0, 8)
	require.NoError(t, err)
	require.NoError(t, jf.Close(false))

	summary, err := ScanJournal(jf.Path())
	require.NoError(t, err)
	_, err = ReplayJournal(context.Background(), summary, NewBackingPersister(cfg.Disk, testPageSize, nil))
	require.NoError(t, err)

	require.Equal(t, []byte("aaaa"), readBacking(t, cfg.Disk, res.name))
}

// TestRecover_OrdersBySequenceNumber lays journals out so that slot order and
// sequence order disagree, and checks that the newer size change wins.
func TestRecover_OrdersBySequenceNumber(t *testing.T) {
	cfg := newRecoveryConfig(t)
	res := testResource{id: 1, name: "ordered"}

	newer := createSlot(t, cfg, 1, 8)
	require.NoError(t, newer.LogResourceResize(res, 100))
	require.NoError(t, newer.Checkpoint())
	require.NoError(t, newer.Close(false))

	older := createSlot(t, cfg, 5, 7)
	require.NoError(t, older.LogResourceResize(res, 50))
	_, _, err := older.LogPageChange(res, 0, pageOf('o'), 0, 2)
	require.NoError(t, err)
	require.NoError(t, older.Checkpoint())
	require.NoError(t, older.Close(false))

	var notified [][]string
	result, err := Recover(context.Background(), cfg, func(names []string) {
		notified = append(notified, names)
	})
	require.NoError(t, err)
	require.Len(t, result.Replayed, 2)
	require.Equal(t, int64(7), result.Replayed[0].Seq)
	require.Equal(t, int64(8), result.Replayed[1].Seq)
	require.Equal(t, int64(8), result.MaxSeq)
	require.Equal(t, [][]string{{"ordered"}, {"ordered"}}, notified)

	data := readBacking(t, cfg.Disk, res.name)
	require.Len(t, data, 100)
	require.Equal(t, []byte("oo"), data[:2])

	for _, path := range []string{newer.Path(), older.Path()} {
		_, err := os.Stat(path)
		require.True(t, os.IsNotExist(err))
	}
}

// TestRecover_DiscardsJournalWithoutCheckpoint truncates a journal right after
// a page change that never saw a checkpoint; recovery must leave the backing
// resource in its pre-write state.
func TestRecover_DiscardsJournalWithoutCheckpoint(t *testing.T) {
	cfg := newRecoveryConfig(t)
	res := testResource{id: 1, name: "untouched"}

	r, err := cfg.Disk.Resource(res.name)
	require.NoError(t, err)
	_, err = r.WriteAt([]byte("original"), 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	jf := createSlot(t, cfg, 3, 1)
	_, _, err = jf.LogPageChange(res, 0, []byte("CLOBBERED"), 0, 8)
	require.NoError(t, err)
	size := jf.Size()
	require.NoError(t, jf.Close(false))
	require.NoError(t, os.Truncate(jf.Path(), size))

	result, err := Recover(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Empty(t, result.Replayed)
	require.Equal(t, []string{jf.Path()}, result.Discarded)

	require.Equal(t, []byte("original"), readBacking(t, cfg.Disk, res.name))
	_, err = os.Stat(jf.Path())
	require.True(t, os.IsNotExist(err))
}

// TestRecover_AbortsOnUnknownRecord checks that recovery refuses to continue
// past a consistency violation and leaves the journal in place.
func TestRecover_AbortsOnUnknownRecord(t *testing.T) {
	cfg := newRecoveryConfig(t)

	jf := createSlot(t, cfg, 0, 1)
	require.NoError(t, jf.Checkpoint())
	require.NoError(t, jf.Close(false))

	f, err := os.OpenFile(jf.Path(), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{9, 9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Recover(context.Background(), cfg, nil)
	require.ErrorIs(t, err, flushmanager.ErrConsistency)

	_, err = os.Stat(jf.Path())
	require.NoError(t, err)
}
