package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

func newJournal(t *testing.T, slot int, seq int64) *JournalFile {
	t.Helper()
	jf, err := CreateJournalFile(SlotPath(t.TempDir(), slot), slot, seq, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = jf.Close(false) })
	return jf
}

// TestJournalFile_WireLayout pins the on-disk byte layout of the header and
// of each record type.
func TestJournalFile_WireLayout(t *testing.T) {
	jf := newJournal(t, 0, 42)
	res := testResource{id: 9, name: "ab"}

	require.NoError(t, jf.LogResourceResize(res, 300))
	_, _, err := jf.LogPageChange(res, 5, []byte("..xyz"), 2, 3)
	require.NoError(t, err)
	require.NoError(t, jf.LogResourceDelete(res))
	require.NoError(t, jf.Checkpoint())

	var want bytes.Buffer
	le := binary.LittleEndian
	put := func(v any) { require.NoError(t, binary.Write(&want, le, v)) }

	put(int64(42))
	// TagResource: tag 1, two UTF-16 units.
	put(int64(2))
	put(int32(8 + 4 + 4))
	put(int64(1))
	put(int32(2))
	want.Write([]byte{'a', 0, 'b', 0})
	// ResourceSizeChange
	put(int64(3))
	put(int32(16))
	put(int64(1))
	put(int64(300))
	// ModifyPage
	put(int64(1))
	put(int32(24 + 3))
	put(int64(1))
	put(int64(5))
	put(int32(2))
	put(int32(3))
	want.Write([]byte("xyz"))
	// DeleteResource
	put(int64(6))
	put(int32(8))
	put(int64(1))
	// Checkpoint
	put(int64(100))
	put(int32(0))

	got, err := os.ReadFile(jf.Path())
	require.NoError(t, err)
	require.Equal(t, want.Bytes(), got)
	require.Equal(t, int64(len(got)), jf.Size())
}

// TestJournalFile_BuildPageReplaysInOrder applies two overlapping records to
// a page and checks last-write-wins on the overlap.
func TestJournalFile_BuildPageReplaysInOrder(t *testing.T) {
	jf := newJournal(t, 0, 1)
	res := testResource{id: 1, name: "t"}

	first := make([]byte, 16)
	copy(first[4:], "AAAA")
	e1, _, err := jf.LogPageChange(res, 1, first, 4, 4)
	require.NoError(t, err)

	second := make([]byte, 16)
	copy(second[6:], "BBBB")
	e2, _, err := jf.LogPageChange(res, 1, second, 6, 4)
	require.NoError(t, err)
	require.Greater(t, e2.Offset, e1.Offset)

	out := bytes.Repeat([]byte{'.'}, 16)
	require.NoError(t, jf.BuildPage(1, e1.Offset, out))
	require.NoError(t, jf.BuildPage(1, e2.Offset, out))
	require.Equal(t, "....AABBBB......", string(out))
}

// TestJournalFile_BuildPageRejectsMismatch covers the two consistency checks
// a single-record replay performs.
func TestJournalFile_BuildPageRejectsMismatch(t *testing.T) {
	jf := newJournal(t, 0, 1)
	res := testResource{id: 1, name: "t"}

	e, _, err := jf.LogPageChange(res, 3, make([]byte, 16), 0, 16)
	require.NoError(t, err)

	out := make([]byte, 16)
	err = jf.BuildPage(4, e.Offset, out)
	require.ErrorIs(t, err, flushmanager.ErrConsistency)

	// The tag record written before the page change sits right after the header.
	err = jf.BuildPage(3, fileHeaderSize, out)
	require.ErrorIs(t, err, flushmanager.ErrConsistency)
}

// TestJournalFile_DeferredDelete checks that a referenced journal is only
// removed from disk when its last reference is dropped.
func TestJournalFile_DeferredDelete(t *testing.T) {
	jf := newJournal(t, 0, 1)
	removed := 0
	jf.onRemove = func(*JournalFile) { removed++ }

	require.True(t, jf.Reference())
	require.NoError(t, jf.Close(true))
	require.True(t, jf.IsDeleted())
	require.False(t, jf.Reference(), "a drained journal cannot be pinned again")

	_, err := os.Stat(jf.Path())
	require.NoError(t, err, "file must survive while referenced")
	require.Equal(t, 0, removed)

	jf.Dereference()
	_, err = os.Stat(jf.Path())
	require.True(t, os.IsNotExist(err))
	require.Equal(t, 1, removed)
}

// TestJournalFile_SealedRejectsAppends checks that nothing is appended after
// a journal has been rotated out.
func TestJournalFile_SealedRejectsAppends(t *testing.T) {
	jf := newJournal(t, 0, 1)
	jf.Seal()
	err := jf.LogResourceResize(testResource{id: 1, name: "t"}, 10)
	require.ErrorIs(t, err, flushmanager.ErrJournalClosed)
}

// TestScanJournal_TornTail truncates the last record and checks that the
// scan stops cleanly and still reports the checkpoint before it.
func TestScanJournal_TornTail(t *testing.T) {
	jf := newJournal(t, 0, 11)
	a := testResource{id: 1, name: "a"}
	b := testResource{id: 2, name: "b"}

	_, _, err := jf.LogPageChange(a, 0, make([]byte, 16), 0, 16)
	require.NoError(t, err)
	require.NoError(t, jf.Checkpoint())
	checkpointAt := jf.LastCheckpoint()
	_, _, err = jf.LogPageChange(b, 0, make([]byte, 16), 0, 16)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(jf.Path(), jf.Size()-5))

	summary, err := ScanJournal(jf.Path())
	require.NoError(t, err)
	require.Equal(t, int64(11), summary.Seq)
	require.True(t, summary.Recoverable())
	require.True(t, summary.TornTail)
	require.Equal(t, checkpointAt, summary.LastCheckpoint)
	require.Equal(t, []string{"a"}, summary.Names, "names tagged after the last checkpoint are not replayed")
}

// TestScanJournal_UnknownRecordType checks that an unknown record type is a
// consistency violation.
func TestScanJournal_UnknownRecordType(t *testing.T) {
	jf := newJournal(t, 0, 1)
	require.NoError(t, jf.Checkpoint())

	f, err := os.OpenFile(jf.Path(), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	var rec [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(rec[0:8], 42)
	_, err = f.Write(rec[:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = ScanJournal(jf.Path())
	require.ErrorIs(t, err, flushmanager.ErrConsistency)
	require.ErrorIs(t, err, flushmanager.ErrUnknownRecordType)
}

// TestScanJournal_OversizedLengthIsTornTail checks that a garbage length
// field after the last checkpoint ends the scan as a torn tail instead of
// being trusted.
func TestScanJournal_OversizedLengthIsTornTail(t *testing.T) {
	jf := newJournal(t, 0, 1)
	require.NoError(t, jf.Checkpoint())

	f, err := os.OpenFile(jf.Path(), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	var rec [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(rec[0:8], uint64(RecordModifyPage))
	binary.LittleEndian.PutUint32(rec[8:12], 0x7fffffff)
	_, err = f.Write(rec[:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	summary, err := ScanJournal(jf.Path())
	require.NoError(t, err)
	require.True(t, summary.Recoverable())
	require.True(t, summary.TornTail)
	require.Equal(t, 1, summary.Records)
}

// flakyStorage writes half of the next buffer and then fails.
type flakyStorage struct {
	journalStorage
	failNext bool
}

func (f *flakyStorage) WriteAt(p []byte, off int64) (int, error) {
	if f.failNext {
		f.failNext = false
		n, _ := f.journalStorage.WriteAt(p[:len(p)/2], off)
		return n, errors.New("no space left on device")
	}
	return f.journalStorage.WriteAt(p, off)
}

// TestJournalFile_FailedAppendCutsPartialRecord checks that a partially
// written record leaves nothing behind for a later scan to trip over.
func TestJournalFile_FailedAppendCutsPartialRecord(t *testing.T) {
	jf := newJournal(t, 0, 1)
	res := testResource{id: 1, name: "r"}
	require.NoError(t, jf.LogResourceResize(res, 10))

	flaky := &flakyStorage{journalStorage: jf.file, failNext: true}
	jf.file = flaky
	_, _, err := jf.LogPageChange(res, 0, make([]byte, 200), 0, 200)
	require.ErrorIs(t, err, flushmanager.ErrIO)

	info, err := os.Stat(jf.Path())
	require.NoError(t, err)
	require.Equal(t, jf.Size(), info.Size())

	require.NoError(t, jf.LogResourceResize(res, 20))
	require.NoError(t, jf.Checkpoint())

	summary, err := ScanJournal(jf.Path())
	require.NoError(t, err)
	require.False(t, summary.TornTail)
	require.Equal(t, 4, summary.Records) // tag, two resizes, checkpoint
	require.Equal(t, jf.LastCheckpoint(), summary.LastCheckpoint)
}

// TestScanJournal_HeaderOnlyFile treats a file that died before its header
// was complete as a journal without checkpoints.
func TestScanJournal_HeaderOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal-00.log")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0644))

	summary, err := ScanJournal(path)
	require.NoError(t, err)
	require.False(t, summary.Recoverable())
}

// TestJournalReader_Dump walks every record of a journal in file order.
func TestJournalReader_Dump(t *testing.T) {
	jf := newJournal(t, 0, 1)
	res := testResource{id: 1, name: "names/with/slashes"}
	require.NoError(t, jf.LogResourceResize(res, 1))
	require.NoError(t, jf.Checkpoint())

	jr, err := OpenJournalReader(jf.Path())
	require.NoError(t, err)
	defer jr.Close()

	var types []RecordType
	for {
		rec, err := jr.Next()
		if err != nil {
			break
		}
		types = append(types, rec.Type)
		if rec.Type == RecordTagResource {
			require.Equal(t, res.name, rec.Name)
		}
	}
	require.Equal(t, []RecordType{RecordTagResource, RecordResourceSizeChange, RecordCheckpoint}, types)
}
