package utils

import (
	"unsafe"
)

func PointerToBytes[T any](val *T, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(val)), length)
}

// BytesToPointer overlays T on the start of b. The caller guarantees that b
// is at least unsafe.Sizeof(T) long and suitably aligned for T.
func BytesToPointer[T any](b []byte) *T {
	return (*T)(unsafe.Pointer(unsafe.SliceData(b)))
}
