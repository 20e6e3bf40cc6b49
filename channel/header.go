package channel

import (
	"bytes"
	"sync/atomic"
	"unsafe"
)

// Tag marks arenas owned by a durable channel.
const Tag = 0x71756575

const (
	headSize         = int(unsafe.Sizeof(header{}))
	recordHeaderSize = 4
	maxPathLen       = 512
)

// header is the control block at the start of the channel's region. Fields
// touched by both owners are only accessed atomically: head is written by the
// consumer, tail by the producer, and the counters by both.
type header struct {
	ringSize  uint32
	used      uint32
	count     uint32
	head      uint32
	tail      uint32
	fileCount uint32
	fileMax   uint64
	fileStart uint64
	fileEnd   uint64
	file      [maxPathLen]byte
}

func (h *header) overflowPath() string {
	if i := bytes.IndexByte(h.file[:], 0); i >= 0 {
		return string(h.file[:i])
	}

	return string(h.file[:])
}

func (h *header) stat() Stats {
	s := Stats{
		RingSize:    h.ringSize,
		RingBytes:   atomic.LoadUint32(&h.used),
		RingRecords: atomic.LoadUint32(&h.count),
		FileRecords: atomic.LoadUint32(&h.fileCount),
		FileMaxSize: atomic.LoadUint64(&h.fileMax),
	}

	// The consumer resets end before start, so start is loaded first.
	start := atomic.LoadUint64(&h.fileStart)

	if end := atomic.LoadUint64(&h.fileEnd); end > start {
		s.FileBytes = end - start
	}

	return s
}

// Stats is a breakdown of the outstanding content of a channel.
type Stats struct {
	RingSize    uint32
	RingBytes   uint32
	RingRecords uint32
	FileRecords uint32
	FileBytes   uint64
	FileMaxSize uint64
}

// Bytes returns the outstanding bytes, length prefixes included.
func (s Stats) Bytes() uint64 {
	return uint64(s.RingBytes) + s.FileBytes
}

func (s Stats) Records() uint64 {
	return uint64(s.RingRecords) + uint64(s.FileRecords)
}
