// Package handoff moves embedding vectors across the C boundary.
//
// Vectors bound for a foreign caller are written straight into C heap
// blocks handed out by an Arena. Export packs the blocks into a descriptor
// array and gives up ownership; from then on the caller owns the memory and
// must pass the structure to Release exactly once. Releasing twice, or
// releasing memory that did not come from Export, is undefined behavior and
// is not detected.
package handoff

/*
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unicode/utf8"
	"unsafe"

	"github.com/kaxap/txtvec/internal/embeddings"
)

// FloatArray has the memory layout of struct { float *data; uintptr_t len; }
type FloatArray struct {
	Data *float32
	Len  uintptr
}

// FloatArrayArray has the memory layout of struct { FloatArray *arrays; uintptr_t len; }.
// The zero value describes an empty result and is safe to Release.
type FloatArrayArray struct {
	Arrays *FloatArray
	Len    uintptr
}

// Arena collects C allocations for one call until they are exported or discarded.
// An Arena is not safe for concurrent use.
type Arena struct {
	blocks []FloatArray
}

// NewArena creates an empty arena
func NewArena() *Arena {
	return &Arena{}
}

// Alloc returns n zeroed floats in C memory, owned by the arena
func (a *Arena) Alloc(n int) []float32 {
	p := C.calloc(C.size_t(max(n, 1)), C.size_t(unsafe.Sizeof(float32(0))))
	if p == nil {
		panic(fmt.Sprintf("handoff: calloc of %d floats failed", n))
	}
	a.blocks = append(a.blocks, FloatArray{Data: (*float32)(p), Len: uintptr(n)})
	return unsafe.Slice((*float32)(p), n)
}

var _ embeddings.Allocator = (*Arena)(nil).Alloc

// Len returns the number of blocks currently held
func (a *Arena) Len() int {
	return len(a.blocks)
}

// Export transfers every block to the caller in allocation order. The arena
// is empty afterwards and keeps no reference to the exported memory.
func (a *Arena) Export() FloatArrayArray {
	n := len(a.blocks)
	if n == 0 {
		return FloatArrayArray{}
	}

	top := C.calloc(C.size_t(n), C.size_t(unsafe.Sizeof(FloatArray{})))
	if top == nil {
		panic(fmt.Sprintf("handoff: calloc of %d descriptors failed", n))
	}
	copy(unsafe.Slice((*FloatArray)(top), n), a.blocks)
	a.blocks = nil

	return FloatArrayArray{Arrays: (*FloatArray)(top), Len: uintptr(n)}
}

// Discard frees every block still held, for calls that fail before Export
func (a *Arena) Discard() {
	for _, b := range a.blocks {
		C.free(unsafe.Pointer(b.Data))
	}
	a.blocks = nil
}

// Release frees an exported structure: every vector, then the descriptor array.
func Release(arr FloatArrayArray) {
	if arr.Arrays == nil {
		return
	}
	for _, d := range unsafe.Slice(arr.Arrays, arr.Len) {
		if d.Data != nil {
			C.free(unsafe.Pointer(d.Data))
		}
	}
	C.free(unsafe.Pointer(arr.Arrays))
}

// View returns slices aliasing the exported memory. They are valid until Release.
func View(arr FloatArrayArray) [][]float32 {
	if arr.Arrays == nil || arr.Len == 0 {
		return [][]float32{}
	}
	descs := unsafe.Slice(arr.Arrays, arr.Len)
	out := make([][]float32, len(descs))
	for i, d := range descs {
		if d.Data == nil {
			out[i] = []float32{}
			continue
		}
		out[i] = unsafe.Slice(d.Data, d.Len)
	}
	return out
}

// Copy returns Go-owned copies of the exported vectors
func Copy(arr FloatArrayArray) [][]float32 {
	views := View(arr)
	out := make([][]float32, len(views))
	for i, v := range views {
		out[i] = append([]float32(nil), v...)
	}
	return out
}

// ImportStrings copies count caller-owned (pointer, length) byte ranges into
// Go strings. Any range that is not valid UTF-8 fails the whole import.
func ImportStrings(ptrs **byte, lengths *uintptr, count int) ([]string, error) {
	if count == 0 {
		return []string{}, nil
	}
	if ptrs == nil || lengths == nil {
		return nil, fmt.Errorf("%w: null string or length array for %d strings", embeddings.ErrInvalidInput, count)
	}

	ps := unsafe.Slice(ptrs, count)
	ls := unsafe.Slice(lengths, count)
	out := make([]string, count)
	for i := range ps {
		if ls[i] == 0 {
			continue
		}
		if ps[i] == nil {
			return nil, fmt.Errorf("%w: string %d is null with length %d", embeddings.ErrInvalidInput, i, ls[i])
		}
		b := unsafe.Slice(ps[i], ls[i])
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("%w: string %d", embeddings.ErrInvalidUTF8, i)
		}
		out[i] = string(b)
	}
	return out, nil
}
