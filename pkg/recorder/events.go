package recorder

import (
	"fmt"
	"strings"
	"time"
)

// AllocatorKind identifies the primitive that produced an allocation event
type AllocatorKind uint8

const (
	Malloc AllocatorKind = iota + 1
	Free
	Calloc
	Realloc
	PosixMemalign
	AlignedAlloc
	Memalign
	Valloc
	PValloc
	Mmap
	Munmap
)

var allocatorNames = [...]string{
	Malloc:        "malloc",
	Free:          "free",
	Calloc:        "calloc",
	Realloc:       "realloc",
	PosixMemalign: "posix_memalign",
	AlignedAlloc:  "aligned_alloc",
	Memalign:      "memalign",
	Valloc:        "valloc",
	PValloc:       "pvalloc",
	Mmap:          "mmap",
	Munmap:        "munmap",
}

// AllocatorKinds lists every kind in declaration order
func AllocatorKinds() []AllocatorKind {
	kinds := make([]AllocatorKind, 0, len(allocatorNames)-1)
	for k := Malloc; k <= Munmap; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// String returns the C name of the primitive
func (k AllocatorKind) String() string {
	if k.Valid() {
		return allocatorNames[k]
	}
	return fmt.Sprintf("AllocatorKind(%d)", uint8(k))
}

// Valid reports whether k is one of the declared kinds
func (k AllocatorKind) Valid() bool {
	return k >= Malloc && k <= Munmap
}

// IsDeallocation reports whether the kind releases memory
func (k AllocatorKind) IsDeallocation() bool {
	return k == Free || k == Munmap
}

// ParseAllocatorKind maps a primitive name such as "valloc" to its kind
func ParseAllocatorKind(name string) (AllocatorKind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, k := range AllocatorKinds() {
		if allocatorNames[k] == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown allocator %q", name)
}

// Frame is a single call stack entry
type Frame struct {
	Function string
	File     string
	Line     int
}

// String renders the frame as "function file:line"
func (f Frame) String() string {
	if f.File == "" {
		return f.Function
	}
	return fmt.Sprintf("%s %s:%d", f.Function, f.File, f.Line)
}

// ShortName returns the function name without its import path,
// e.g. "tracker.(*Tracker).Start" for ".../pkg/tracker.(*Tracker).Start"
func (f Frame) ShortName() string {
	if i := strings.LastIndexByte(f.Function, '/'); i >= 0 {
		return f.Function[i+1:]
	}
	return f.Function
}

// AllocationEvent is one intercepted allocation or deallocation
type AllocationEvent struct {
	Kind        AllocatorKind
	Address     uint64
	Size        uint64
	GoroutineID int64
	Stack       NodeID
	// Time since the session started
	Time time.Duration
}

// MemorySnapshot is a periodic sample of Go heap statistics
type MemorySnapshot struct {
	Time       time.Duration
	HeapAlloc  uint64
	HeapSys    uint64
	Goroutines int
}
