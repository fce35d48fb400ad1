package wal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

// ResourceRef is what a journal needs to know about the resource a record
// belongs to.
type ResourceRef interface {
	ID() uint32
	Name() string
}

// Entry points at one ModifyPage record inside a journal file.
type Entry struct {
	File       *JournalFile
	Name       string
	PageNumber int64
	Offset     int64
	Seq        uint64 // engine-wide order of the change
}

// journalStorage is the file under a JournalFile; *os.File in production.
type journalStorage interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// JournalFile is one append-only journal. It is active while it accepts
// records, sealed once rotated out, and deleted after it has been drained.
type JournalFile struct {
	path   string
	slot   int
	seq    int64
	logger *zap.Logger

	mu             sync.Mutex
	file           journalStorage
	scratch        bytes.Buffer
	size           int64            // bytes written, header included
	tags           map[uint32]int64 // resource id -> tag id within this file
	nextTag        int64
	lastCheckpoint int64 // offset of the last checkpoint record, -1 if none
	records        int64
	sealed         bool
	closing        bool // Close was called; finished once refs drop to 0
	deleted        bool
	refs           int
	onRemove       func(*JournalFile)
}

// CreateJournalFile creates (or truncates) the journal at path and writes its
// sequence number header.
func CreateJournalFile(path string, slot int, seq int64, logger *zap.Logger) (*JournalFile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: creating journal %s: %v", flushmanager.ErrIO, path, err)
	}
	var header [fileHeaderSize]byte
	byteOrder.PutUint64(header[:], uint64(seq))
	if _, err := f.WriteAt(header[:], 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: writing journal header %s: %v", flushmanager.ErrIO, path, err)
	}
	return &JournalFile{
		path:           path,
		slot:           slot,
		seq:            seq,
		logger:         logger.With(zap.Int64("journal_seq", seq)),
		file:           f,
		size:           fileHeaderSize,
		tags:           make(map[uint32]int64),
		nextTag:        1,
		lastCheckpoint: -1,
	}, nil
}

func (jf *JournalFile) Path() string { return jf.path }
func (jf *JournalFile) Slot() int    { return jf.slot }
func (jf *JournalFile) Seq() int64   { return jf.seq }

func (jf *JournalFile) Size() int64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.size
}

// LastCheckpoint returns the offset of the last checkpoint record, or -1.
func (jf *JournalFile) LastCheckpoint() int64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.lastCheckpoint
}

// IsDeleted reports whether the journal has been drained. Entries that point
// into a deleted journal are already reflected in the backing resource.
func (jf *JournalFile) IsDeleted() bool {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.deleted
}

// appendLocked writes rec at the end of the file.
// This method MUST be called with jf.mu held.
func (jf *JournalFile) appendLocked(rec *Record) (int64, error) {
	if jf.file == nil || jf.sealed || jf.closing {
		return 0, fmt.Errorf("%w: %s", flushmanager.ErrJournalClosed, jf.path)
	}
	jf.scratch.Reset()
	if err := encodeRecord(&jf.scratch, rec); err != nil {
		return 0, err
	}
	offset := jf.size
	n, err := jf.file.WriteAt(jf.scratch.Bytes(), offset)
	if err != nil {
		// Cut the partial record so no stale bytes follow the next append.
		if truncErr := jf.file.Truncate(offset); truncErr != nil {
			jf.logger.Error("Failed to cut partial journal record", zap.String("path", jf.path), zap.Error(truncErr))
		}
		return 0, fmt.Errorf("%w: appending %s to %s: %v", flushmanager.ErrIO, rec.Type, jf.path, err)
	}
	jf.size += int64(n)
	jf.records++
	return offset, nil
}

// tagLocked returns the tag id of res in this file, writing a TagResource
// record the first time res is seen.
func (jf *JournalFile) tagLocked(res ResourceRef) (int64, error) {
	if tag, ok := jf.tags[res.ID()]; ok {
		return tag, nil
	}
	tag := jf.nextTag
	if _, err := jf.appendLocked(&Record{Type: RecordTagResource, TagID: tag, Name: res.Name()}); err != nil {
		return 0, err
	}
	jf.nextTag++
	jf.tags[res.ID()] = tag
	return tag, nil
}

// LogPageChange appends buf[offset:offset+length] of page pageNumber and
// returns an entry pointing at the new record.
func (jf *JournalFile) LogPageChange(res ResourceRef, pageNumber int64, buf []byte, offset, length int) (Entry, int, error) {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	tag, err := jf.tagLocked(res)
	if err != nil {
		return Entry{}, 0, err
	}
	before := jf.size
	recOffset, err := jf.appendLocked(&Record{
		Type:       RecordModifyPage,
		TagID:      tag,
		PageNumber: pageNumber,
		PageOffset: int32(offset),
		Data:       buf[offset : offset+length],
	})
	if err != nil {
		return Entry{}, 0, err
	}
	return Entry{File: jf, Name: res.Name(), PageNumber: pageNumber, Offset: recOffset}, int(jf.size - before), nil
}

func (jf *JournalFile) LogResourceResize(res ResourceRef, size int64) error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	tag, err := jf.tagLocked(res)
	if err != nil {
		return err
	}
	_, err = jf.appendLocked(&Record{Type: RecordResourceSizeChange, TagID: tag, NewSize: size})
	return err
}

func (jf *JournalFile) LogResourceDelete(res ResourceRef) error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	tag, err := jf.tagLocked(res)
	if err != nil {
		return err
	}
	_, err = jf.appendLocked(&Record{Type: RecordDeleteResource, TagID: tag})
	return err
}

// Checkpoint appends a checkpoint record and forces the file to stable storage.
func (jf *JournalFile) Checkpoint() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	offset, err := jf.appendLocked(&Record{Type: RecordCheckpoint})
	if err != nil {
		return err
	}
	if err := jf.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing journal %s: %v", flushmanager.ErrIO, jf.path, err)
	}
	jf.lastCheckpoint = offset
	return nil
}

// Seal stops the journal from accepting further records.
func (jf *JournalFile) Seal() {
	jf.mu.Lock()
	jf.sealed = true
	jf.mu.Unlock()
}

// BuildPage applies the ModifyPage record at journalOffset to out.
// The caller MUST hold a reference on the journal.
func (jf *JournalFile) BuildPage(pageNumber, journalOffset int64, out []byte) error {
	jf.mu.Lock()
	f := jf.file
	end := jf.size
	jf.mu.Unlock()
	if f == nil {
		return fmt.Errorf("%w: %s", flushmanager.ErrJournalClosed, jf.path)
	}

	rec, err := readRecord(io.NewSectionReader(f, journalOffset, end-journalOffset), journalOffset, end)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: record at %d in %s is truncated", flushmanager.ErrConsistency, journalOffset, jf.path)
		}
		return err
	}
	if rec.Type != RecordModifyPage {
		return fmt.Errorf("%w: expected %s at %d in %s, found %s", flushmanager.ErrConsistency, RecordModifyPage, journalOffset, jf.path, rec.Type)
	}
	if rec.PageNumber != pageNumber {
		return fmt.Errorf("%w: record at %d in %s is for page %d, not %d", flushmanager.ErrConsistency, journalOffset, jf.path, rec.PageNumber, pageNumber)
	}
	if int(rec.PageOffset)+len(rec.Data) > len(out) {
		return fmt.Errorf("%w: record at %d in %s overruns the page", flushmanager.ErrConsistency, journalOffset, jf.path)
	}
	copy(out[rec.PageOffset:], rec.Data)
	return nil
}

// Reference pins the journal so it is not removed while a page is rebuilt
// from it. It returns false once the journal has been drained.
func (jf *JournalFile) Reference() bool {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.closing || jf.file == nil {
		return false
	}
	jf.refs++
	return true
}

func (jf *JournalFile) Dereference() {
	jf.mu.Lock()
	jf.refs--
	if jf.refs < 0 {
		jf.mu.Unlock()
		panic("wal: journal dereferenced more times than referenced")
	}
	finish := jf.closing && jf.refs == 0 && jf.file != nil
	var err error
	if finish {
		err = jf.finishCloseLocked()
	}
	onRemove := jf.onRemove
	jf.mu.Unlock()
	if finish {
		if err != nil {
			jf.logger.Error("Failed to close journal file", zap.String("path", jf.path), zap.Error(err))
		}
		if onRemove != nil {
			onRemove(jf)
		}
	}
}

// Close seals the journal and closes its file once no page holds a
// reference. With remove set the file is deleted from disk as well.
func (jf *JournalFile) Close(remove bool) error {
	jf.mu.Lock()
	if jf.closing {
		jf.mu.Unlock()
		return nil
	}
	jf.closing = true
	jf.sealed = true
	jf.deleted = remove
	if jf.refs > 0 {
		jf.mu.Unlock()
		jf.logger.Debug("Deferring journal close until references drop", zap.String("path", jf.path))
		return nil
	}
	err := jf.finishCloseLocked()
	onRemove := jf.onRemove
	jf.mu.Unlock()
	if onRemove != nil {
		onRemove(jf)
	}
	return err
}

// This method MUST be called with jf.mu held.
func (jf *JournalFile) finishCloseLocked() error {
	err := jf.file.Close()
	jf.file = nil
	if err != nil {
		err = fmt.Errorf("%w: closing journal %s: %v", flushmanager.ErrIO, jf.path, err)
	}
	if jf.deleted {
		if rmErr := os.Remove(jf.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("%w: deleting journal %s: %v", flushmanager.ErrIO, jf.path, rmErr)
		}
		jf.logger.Debug("Deleted journal file", zap.String("path", jf.path))
	}
	return err
}
