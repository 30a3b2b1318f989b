// Package alloc provides the low-level allocation primitives whose calls
// memtrack intercepts.
package alloc

import (
	"errors"
	"math"
	"math/bits"
	"sync"
	"unsafe"
)

var (
	ErrInvalidSize      = errors.New("invalid allocation size")
	ErrInvalidAlignment = errors.New("invalid alignment")
	ErrUnknownAddress   = errors.New("address was not allocated by this allocator")
	ErrOutOfMemory      = errors.New("out of memory")
)

// Allocator is the set of C-style allocation primitives. Addresses are
// opaque handles; 0 plays the role of NULL.
type Allocator interface {
	Malloc(size uint64) (uintptr, error)
	Calloc(n, size uint64) (uintptr, error)
	// Realloc resizes the block at addr, possibly moving it. Realloc(0, n)
	// behaves like Malloc(n); Realloc(addr, 0) frees addr and returns 0.
	Realloc(addr uintptr, size uint64) (uintptr, error)
	// Free releases a block. Free(0) does nothing.
	Free(addr uintptr) error
	Valloc(size uint64) (uintptr, error)
	// PValloc is Valloc with size rounded up to a whole number of pages
	PValloc(size uint64) (uintptr, error)
	AlignedAlloc(alignment, size uint64) (uintptr, error)
	PosixMemalign(alignment, size uint64) (uintptr, error)
	Memalign(alignment, size uint64) (uintptr, error)
	// Mmap maps length bytes of anonymous memory
	Mmap(length uint64) (uintptr, error)
	Munmap(addr uintptr, length uint64) error
}

type block struct {
	mem    []byte
	size   uint64
	mapped bool
}

// Heap is an Allocator backed by the Go heap, with Mmap and Munmap served
// by anonymous memory mappings where the platform supports them.
// Blocks stay reachable until freed.
type Heap struct {
	mu     sync.Mutex
	blocks map[uintptr]*block
	live   uint64
	limit  uint64
}

var _ Allocator = (*Heap)(nil)

// HeapOption configures a Heap
type HeapOption func(*Heap)

// WithLimit caps the number of live bytes; allocations beyond it fail with
// ErrOutOfMemory. Zero means no limit.
func WithLimit(bytes uint64) HeapOption {
	return func(h *Heap) {
		h.limit = bytes
	}
}

func NewHeap(opts ...HeapOption) *Heap {
	h := &Heap{blocks: make(map[uintptr]*block)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PageSize returns the system page size
func PageSize() uint64 {
	return uint64(pageSize())
}

func (h *Heap) Malloc(size uint64) (uintptr, error) {
	return h.allocate(size, unsafe.Alignof(uintptr(0)))
}

func (h *Heap) Calloc(n, size uint64) (uintptr, error) {
	hi, total := bits.Mul64(n, size)
	if hi != 0 {
		return 0, ErrInvalidSize
	}
	// Go memory is zeroed on allocation
	return h.allocate(total, unsafe.Alignof(uintptr(0)))
}

func (h *Heap) Realloc(addr uintptr, size uint64) (uintptr, error) {
	if addr == 0 {
		return h.Malloc(size)
	}
	if size == 0 {
		return 0, h.Free(addr)
	}

	h.mu.Lock()
	old, ok := h.blocks[addr]
	h.mu.Unlock()
	if !ok || old.mapped {
		return 0, ErrUnknownAddress
	}

	next, err := h.Malloc(size)
	if err != nil {
		return 0, err
	}
	copy(h.Bytes(next), old.mem[:old.size])
	if err := h.Free(addr); err != nil {
		return 0, err
	}
	return next, nil
}

func (h *Heap) Free(addr uintptr) error {
	if addr == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.blocks[addr]
	if !ok || b.mapped {
		return ErrUnknownAddress
	}
	delete(h.blocks, addr)
	h.live -= b.size
	return nil
}

func (h *Heap) Valloc(size uint64) (uintptr, error) {
	return h.allocate(size, uintptr(pageSize()))
}

func (h *Heap) PValloc(size uint64) (uintptr, error) {
	page := PageSize()
	rounded := (size + page - 1) / page * page
	if rounded < size {
		return 0, ErrInvalidSize
	}
	if rounded == 0 {
		rounded = page
	}
	return h.allocate(rounded, uintptr(page))
}

func (h *Heap) AlignedAlloc(alignment, size uint64) (uintptr, error) {
	if !isPowerOfTwo(alignment) {
		return 0, ErrInvalidAlignment
	}
	return h.allocate(size, uintptr(alignment))
}

func (h *Heap) PosixMemalign(alignment, size uint64) (uintptr, error) {
	if !isPowerOfTwo(alignment) || alignment%uint64(unsafe.Sizeof(uintptr(0))) != 0 {
		return 0, ErrInvalidAlignment
	}
	return h.allocate(size, uintptr(alignment))
}

func (h *Heap) Memalign(alignment, size uint64) (uintptr, error) {
	if !isPowerOfTwo(alignment) {
		return 0, ErrInvalidAlignment
	}
	return h.allocate(size, uintptr(alignment))
}

func (h *Heap) Mmap(length uint64) (uintptr, error) {
	if length == 0 || length > math.MaxInt32 {
		return 0, ErrInvalidSize
	}
	if err := h.reserve(length); err != nil {
		return 0, err
	}
	mem, err := mapAnonymous(int(length))
	if err != nil {
		h.release(length)
		return 0, err
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))

	h.mu.Lock()
	h.blocks[addr] = &block{mem: mem, size: length, mapped: true}
	h.mu.Unlock()
	return addr, nil
}

func (h *Heap) Munmap(addr uintptr, length uint64) error {
	h.mu.Lock()
	b, ok := h.blocks[addr]
	if !ok || !b.mapped {
		h.mu.Unlock()
		return ErrUnknownAddress
	}
	if b.size != length {
		h.mu.Unlock()
		return ErrInvalidSize
	}
	delete(h.blocks, addr)
	h.live -= b.size
	h.mu.Unlock()

	return unmap(b.mem)
}

// Bytes returns the memory of a live block, or nil if addr is unknown
func (h *Heap) Bytes(addr uintptr) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.blocks[addr]; ok {
		return b.mem[:b.size:b.size]
	}
	return nil
}

// Live returns the number of live blocks and their total size
func (h *Heap) Live() (blocks int, bytes uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks), h.live
}

func (h *Heap) allocate(size uint64, alignment uintptr) (uintptr, error) {
	if size > math.MaxInt32 {
		return 0, ErrInvalidSize
	}
	if err := h.reserve(size); err != nil {
		return 0, err
	}

	// Zero-sized requests still get a unique address
	n := uintptr(size)
	if n == 0 {
		n = 1
	}
	buf := make([]byte, n+alignment-1)
	base := uintptr(unsafe.Pointer(&buf[0]))
	off := (alignment - base%alignment) % alignment
	mem := buf[off : off+n]
	addr := base + off

	h.mu.Lock()
	h.blocks[addr] = &block{mem: mem, size: size}
	h.mu.Unlock()
	return addr, nil
}

func (h *Heap) reserve(size uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 && h.live+size > h.limit {
		return ErrOutOfMemory
	}
	h.live += size
	return nil
}

func (h *Heap) release(size uint64) {
	h.mu.Lock()
	h.live -= size
	h.mu.Unlock()
}

func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}
