package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

// JournalReader iterates over the records of a journal file in file order.
type JournalReader struct {
	file   *os.File
	r      *bufio.Reader
	seq    int64
	offset int64
	end    int64 // file length when opened
}

// OpenJournalReader opens path and reads its header. A file too short to hold
// a header yields io.ErrUnexpectedEOF.
func OpenJournalReader(path string) (*JournalReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening journal %s: %v", flushmanager.ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat journal %s: %v", flushmanager.ErrIO, path, err)
	}
	r := bufio.NewReaderSize(f, 64*1024)
	var header [fileHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		_ = f.Close()
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &JournalReader{
		file:   f,
		r:      r,
		seq:    int64(byteOrder.Uint64(header[:])),
		offset: fileHeaderSize,
		end:    info.Size(),
	}, nil
}

// Seq returns the journal sequence number from the file header.
func (jr *JournalReader) Seq() int64 { return jr.seq }

// Next returns the next record. It returns io.EOF after the last complete
// record and io.ErrUnexpectedEOF when the file ends inside a record.
func (jr *JournalReader) Next() (*Record, error) {
	rec, err := readRecord(jr.r, jr.offset, jr.end)
	if err != nil {
		return nil, err
	}
	jr.offset += rec.Length
	return rec, nil
}

func (jr *JournalReader) Close() error { return jr.file.Close() }

// JournalSummary is what a scan learns about a journal without applying it.
type JournalSummary struct {
	Path           string
	Seq            int64
	LastCheckpoint int64    // offset of the last checkpoint record, -1 if none
	Names          []string // resources tagged before the last checkpoint
	Records        int
	TornTail       bool
}

// Recoverable reports whether the journal contains at least one checkpoint.
func (s *JournalSummary) Recoverable() bool { return s.LastCheckpoint >= 0 }

// ScanJournal reads every record of the journal at path. Unknown record types
// are consistency violations; a truncated tail is tolerated.
func ScanJournal(path string) (*JournalSummary, error) {
	summary := &JournalSummary{Path: path, Seq: -1, LastCheckpoint: -1}
	jr, err := OpenJournalReader(path)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		summary.TornTail = true
		return summary, nil
	}
	if err != nil {
		return nil, err
	}
	defer jr.Close()
	summary.Seq = jr.Seq()

	seen := make(map[string]struct{})
	var names []string
	for {
		rec, err := jr.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			summary.TornTail = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", path, err)
		}
		summary.Records++
		switch rec.Type {
		case RecordTagResource:
			if _, ok := seen[rec.Name]; !ok {
				seen[rec.Name] = struct{}{}
				names = append(names, rec.Name)
			}
		case RecordCheckpoint:
			summary.LastCheckpoint = rec.Offset
			summary.Names = append(summary.Names[:0], names...)
		}
	}
	sort.Strings(summary.Names)
	return summary, nil
}

// Persister applies journal records to backing resources.
type Persister interface {
	PersistPageChange(ctx context.Context, name string, pageNumber int64, pageOffset int32, data []byte) error
	PersistSetSize(ctx context.Context, name string, size int64) error
	PersistDelete(ctx context.Context, name string) error
}

// ReplayStats counts what a replay applied.
type ReplayStats struct {
	PageChanges int
	SizeChanges int
	Deletes     int
	Bytes       int64
}

// ReplayJournal applies every record of the summarized journal that precedes
// its last checkpoint, in file order. Replaying the same journal twice leaves
// the backing resources in the same state as replaying it once.
func ReplayJournal(ctx context.Context, summary *JournalSummary, p Persister) (ReplayStats, error) {
	var stats ReplayStats
	if !summary.Recoverable() {
		return stats, fmt.Errorf("%w: %s has no checkpoint", flushmanager.ErrConsistency, summary.Path)
	}
	jr, err := OpenJournalReader(summary.Path)
	if err != nil {
		return stats, err
	}
	defer jr.Close()

	names := make(map[int64]string)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec, err := jr.Next()
		if err != nil {
			if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
				return stats, fmt.Errorf("%w: %s ended before its checkpoint at %d", flushmanager.ErrConsistency, summary.Path, summary.LastCheckpoint)
			}
			return stats, err
		}
		if rec.Offset >= summary.LastCheckpoint {
			return stats, nil
		}
		if rec.Type == RecordTagResource {
			names[rec.TagID] = rec.Name
			continue
		}
		if rec.Type == RecordCheckpoint {
			continue
		}
		name, ok := names[rec.TagID]
		if !ok {
			return stats, fmt.Errorf("%w: %s record at %d in %s uses untagged id %d", flushmanager.ErrConsistency, rec.Type, rec.Offset, summary.Path, rec.TagID)
		}
		switch rec.Type {
		case RecordModifyPage:
			err = p.PersistPageChange(ctx, name, rec.PageNumber, rec.PageOffset, rec.Data)
			stats.PageChanges++
			stats.Bytes += int64(len(rec.Data))
		case RecordResourceSizeChange:
			err = p.PersistSetSize(ctx, name, rec.NewSize)
			stats.SizeChanges++
		case RecordDeleteResource:
			err = p.PersistDelete(ctx, name)
			stats.Deletes++
		}
		if err != nil {
			return stats, fmt.Errorf("replaying %s record at %d in %s: %w", rec.Type, rec.Offset, summary.Path, err)
		}
	}
}
