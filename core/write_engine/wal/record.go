package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"

	flushmanager "github.com/sushant-115/pagejournal/core/write_engine/flush_manager"
)

// --- Journal Record Constants and Types ---

// RecordType identifies the payload layout of a journal record.
type RecordType int64

const (
	RecordModifyPage         RecordType = 1
	RecordTagResource        RecordType = 2
	RecordResourceSizeChange RecordType = 3
	RecordDeleteResource     RecordType = 6
	RecordCheckpoint         RecordType = 100
)

func (t RecordType) String() string {
	switch t {
	case RecordModifyPage:
		return "ModifyPage"
	case RecordTagResource:
		return "TagResource"
	case RecordResourceSizeChange:
		return "ResourceSizeChange"
	case RecordDeleteResource:
		return "DeleteResource"
	case RecordCheckpoint:
		return "Checkpoint"
	default:
		return fmt.Sprintf("RecordType(%d)", int64(t))
	}
}

const (
	fileHeaderSize   = 8  // journal sequence number
	recordHeaderSize = 12 // type:int64 + payloadLength:int32

	modifyPageFixedSize = 8 + 8 + 4 + 4
)

var byteOrder = binary.LittleEndian

// names are stored as UTF-16LE code units prefixed by the unit count.
var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Record is one decoded journal record. Only the fields of its Type are set.
type Record struct {
	Type   RecordType
	Offset int64 // file offset of the record header
	Length int64 // header plus payload, set when read back
	TagID  int64

	Name       string // TagResource
	PageNumber int64  // ModifyPage
	PageOffset int32  // ModifyPage
	Data       []byte // ModifyPage
	NewSize    int64  // ResourceSizeChange
}

func (r *Record) String() string {
	switch r.Type {
	case RecordModifyPage:
		return fmt.Sprintf("@%d %s tag=%d page=%d off=%d len=%d", r.Offset, r.Type, r.TagID, r.PageNumber, r.PageOffset, len(r.Data))
	case RecordTagResource:
		return fmt.Sprintf("@%d %s tag=%d name=%q", r.Offset, r.Type, r.TagID, r.Name)
	case RecordResourceSizeChange:
		return fmt.Sprintf("@%d %s tag=%d size=%d", r.Offset, r.Type, r.TagID, r.NewSize)
	case RecordDeleteResource:
		return fmt.Sprintf("@%d %s tag=%d", r.Offset, r.Type, r.TagID)
	default:
		return fmt.Sprintf("@%d %s", r.Offset, r.Type)
	}
}

// encodeRecord appends the wire form of rec to buf.
func encodeRecord(buf *bytes.Buffer, rec *Record) error {
	var payload []byte
	switch rec.Type {
	case RecordModifyPage:
		payload = make([]byte, 0, modifyPageFixedSize+len(rec.Data))
		payload = byteOrder.AppendUint64(payload, uint64(rec.TagID))
		payload = byteOrder.AppendUint64(payload, uint64(rec.PageNumber))
		payload = byteOrder.AppendUint32(payload, uint32(rec.PageOffset))
		payload = byteOrder.AppendUint32(payload, uint32(len(rec.Data)))
		payload = append(payload, rec.Data...)
	case RecordTagResource:
		units, err := utf16LE.NewEncoder().Bytes([]byte(rec.Name))
		if err != nil {
			return fmt.Errorf("%w: encoding name %q: %v", flushmanager.ErrSerialization, rec.Name, err)
		}
		payload = make([]byte, 0, 12+len(units))
		payload = byteOrder.AppendUint64(payload, uint64(rec.TagID))
		payload = byteOrder.AppendUint32(payload, uint32(len(units)/2))
		payload = append(payload, units...)
	case RecordResourceSizeChange:
		payload = byteOrder.AppendUint64(payload, uint64(rec.TagID))
		payload = byteOrder.AppendUint64(payload, uint64(rec.NewSize))
	case RecordDeleteResource:
		payload = byteOrder.AppendUint64(payload, uint64(rec.TagID))
	case RecordCheckpoint:
	default:
		return fmt.Errorf("%w: %s", flushmanager.ErrUnknownRecordType, rec.Type)
	}

	var header [recordHeaderSize]byte
	byteOrder.PutUint64(header[0:8], uint64(rec.Type))
	byteOrder.PutUint32(header[8:12], uint32(len(payload)))
	buf.Write(header[:])
	buf.Write(payload)
	return nil
}

// decodePayload fills rec from the payload of a record of type rec.Type.
func decodePayload(rec *Record, payload []byte) error {
	short := func() error {
		return fmt.Errorf("%w: %s record at %d has a %d byte payload", flushmanager.ErrDeserialization, rec.Type, rec.Offset, len(payload))
	}
	switch rec.Type {
	case RecordModifyPage:
		if len(payload) < modifyPageFixedSize {
			return short()
		}
		rec.TagID = int64(byteOrder.Uint64(payload[0:8]))
		rec.PageNumber = int64(byteOrder.Uint64(payload[8:16]))
		rec.PageOffset = int32(byteOrder.Uint32(payload[16:20]))
		n := int(int32(byteOrder.Uint32(payload[20:24])))
		if n < 0 || modifyPageFixedSize+n != len(payload) || rec.PageOffset < 0 {
			return short()
		}
		rec.Data = payload[modifyPageFixedSize:]
	case RecordTagResource:
		if len(payload) < 12 {
			return short()
		}
		rec.TagID = int64(byteOrder.Uint64(payload[0:8]))
		chars := int(int32(byteOrder.Uint32(payload[8:12])))
		if chars < 0 || 12+2*chars != len(payload) {
			return short()
		}
		name, err := utf16LE.NewDecoder().Bytes(payload[12:])
		if err != nil {
			return fmt.Errorf("%w: decoding name at %d: %v", flushmanager.ErrDeserialization, rec.Offset, err)
		}
		rec.Name = string(name)
	case RecordResourceSizeChange:
		if len(payload) != 16 {
			return short()
		}
		rec.TagID = int64(byteOrder.Uint64(payload[0:8]))
		rec.NewSize = int64(byteOrder.Uint64(payload[8:16]))
	case RecordDeleteResource:
		if len(payload) != 8 {
			return short()
		}
		rec.TagID = int64(byteOrder.Uint64(payload[0:8]))
	case RecordCheckpoint:
		if len(payload) != 0 {
			return short()
		}
	default:
		return fmt.Errorf("%w: %w: %s at offset %d", flushmanager.ErrConsistency, flushmanager.ErrUnknownRecordType, rec.Type, rec.Offset)
	}
	return nil
}

// readRecord reads the record starting at offset from r, where end is the
// length of the file. It returns io.EOF at a clean end of file and
// io.ErrUnexpectedEOF for a torn record, including one whose length field
// runs past end.
func readRecord(r io.Reader, offset, end int64) (*Record, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	rec := &Record{
		Type:   RecordType(byteOrder.Uint64(header[0:8])),
		Offset: offset,
	}
	switch rec.Type {
	case RecordModifyPage, RecordTagResource, RecordResourceSizeChange, RecordDeleteResource, RecordCheckpoint:
	default:
		return nil, fmt.Errorf("%w: %w: %s at offset %d", flushmanager.ErrConsistency, flushmanager.ErrUnknownRecordType, rec.Type, offset)
	}
	n := int32(byteOrder.Uint32(header[8:12]))
	if n < 0 {
		return nil, fmt.Errorf("%w: negative payload length at offset %d", flushmanager.ErrDeserialization, offset)
	}
	rec.Length = recordHeaderSize + int64(n)
	if offset+rec.Length > end {
		return nil, io.ErrUnexpectedEOF
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if err := decodePayload(rec, payload); err != nil {
		return nil, err
	}
	return rec, nil
}
