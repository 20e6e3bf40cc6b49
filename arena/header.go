package arena

import (
	"bytes"
	"unsafe"
)

const (
	// PreambleSize is the fixed number of bytes in front of every region.
	PreambleSize = 64

	maxNameLen    = 48
	layoutVersion = 1
)

func newPreamble(tag uint32, name string, size int) *preamble {
	p := &preamble{
		tag:    tag,
		layout: layoutVersion,
		size:   uint64(size),
	}
	copy(p.name[:], name)

	return p
}

// preamble is the on-disk (and in-memory) prefix of an arena. Its size must
// stay PreambleSize so the region behind it keeps an 8-byte alignment.
type preamble struct {
	tag    uint32
	layout uint32
	size   uint64
	name   [maxNameLen]byte
}

var _ [PreambleSize - unsafe.Sizeof(preamble{})]struct{}

func (p *preamble) nameString() string {
	if i := bytes.IndexByte(p.name[:], 0); i >= 0 {
		return string(p.name[:i])
	}

	return string(p.name[:])
}

func (p *preamble) fileSize() int64 {
	return PreambleSize + int64(p.size)
}
