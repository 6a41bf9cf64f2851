package device

import (
	"encoding/binary"
	"fmt"
	"time"

	"firestige.xyz/trafficport/internal/core"
)

// RecordHeaderLen is the size of a raw capture record header:
// sec int64 | nsec int64 | caplen uint32 | origlen uint32, little endian.
const RecordHeaderLen = 24

// RecordHeader precedes every captured frame in a capture buffer.
type RecordHeader struct {
	Timestamp time.Time
	CapLen    uint32
	OrigLen   uint32
}

// PutRecord appends one record for frame at buf[off:] and returns the offset
// past it. It returns ok=false without writing when the record does not fit.
func PutRecord(buf []byte, off int, ts time.Time, frame []byte, origLen int) (int, bool) {
	end := off + RecordHeaderLen + len(frame)
	if off < 0 || end > len(buf) {
		return off, false
	}
	h := buf[off : off+RecordHeaderLen]
	binary.LittleEndian.PutUint64(h[0:8], uint64(ts.Unix()))
	binary.LittleEndian.PutUint64(h[8:16], uint64(ts.Nanosecond()))
	binary.LittleEndian.PutUint32(h[16:20], uint32(len(frame)))
	binary.LittleEndian.PutUint32(h[20:24], uint32(origLen))
	copy(buf[off+RecordHeaderLen:end], frame)
	return end, true
}

// DecodeRecordHeader reads the header at b[0:RecordHeaderLen].
func DecodeRecordHeader(b []byte) (RecordHeader, error) {
	if len(b) < RecordHeaderLen {
		return RecordHeader{}, fmt.Errorf("%w: header needs %d bytes, have %d", core.ErrCaptureTruncated, RecordHeaderLen, len(b))
	}
	sec := int64(binary.LittleEndian.Uint64(b[0:8]))
	nsec := int64(binary.LittleEndian.Uint64(b[8:16]))
	return RecordHeader{
		Timestamp: time.Unix(sec, nsec),
		CapLen:    binary.LittleEndian.Uint32(b[16:20]),
		OrigLen:   binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

// WalkRecords decodes the first total bytes of buf as back-to-back records
// and calls fn for each, in order. A header or payload that crosses total
// stops the walk with ErrCaptureTruncated; records before it were already
// delivered.
func WalkRecords(buf []byte, total int, fn func(h RecordHeader, frame []byte) error) (int, error) {
	if total > len(buf) {
		return 0, fmt.Errorf("%w: reported %d bytes, buffer holds %d", core.ErrCaptureTruncated, total, len(buf))
	}

	n := 0
	for off := 0; off < total; {
		h, err := DecodeRecordHeader(buf[off:total])
		if err != nil {
			return n, fmt.Errorf("record %d at offset %d: %w", n, off, err)
		}
		start := off + RecordHeaderLen
		end := start + int(h.CapLen)
		if end > total {
			return n, fmt.Errorf("%w: record %d at offset %d claims %d bytes, %d remain",
				core.ErrCaptureTruncated, n, off, h.CapLen, total-start)
		}
		if err := fn(h, buf[start:end]); err != nil {
			return n, err
		}
		n++
		off = end
	}
	return n, nil
}
