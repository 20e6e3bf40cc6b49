package mmarr

import "unsafe"

// Tag marks arenas owned by an array.
const Tag = 0x6d6d6172

const headSize = int(unsafe.Sizeof(header{}))

type header struct {
	itemSize uint64
	length   uint64
	capacity uint64
}

func layoutSize(itemSize, capacity int) int {
	return headSize + itemSize*capacity
}
