// Package intercept wraps an alloc.Allocator so that every successful call
// is reported to the active tracking session.
package intercept

import (
	"github.com/willibrandon/memtrack/pkg/alloc"
	"github.com/willibrandon/memtrack/pkg/recorder"
	"github.com/willibrandon/memtrack/pkg/tracker"
)

// Allocator forwards to a real allocator and reports what it did. Failed
// calls are returned unchanged and never reported. The call site of each
// method is recorded as the allocation site, so methods must be called
// directly by the code being traced.
type Allocator struct {
	real alloc.Allocator
}

var _ alloc.Allocator = (*Allocator)(nil)

// Wrap returns an intercepting allocator around a
func Wrap(a alloc.Allocator) *Allocator {
	return &Allocator{real: a}
}

// Unwrap returns the underlying allocator
func (a *Allocator) Unwrap() alloc.Allocator {
	return a.real
}

func (a *Allocator) Malloc(size uint64) (uintptr, error) {
	addr, err := a.real.Malloc(size)
	if err != nil {
		return 0, err
	}
	tracker.TrackAllocation(recorder.Malloc, addr, size)
	return addr, nil
}

func (a *Allocator) Calloc(n, size uint64) (uintptr, error) {
	addr, err := a.real.Calloc(n, size)
	if err != nil {
		return 0, err
	}
	tracker.TrackAllocation(recorder.Calloc, addr, n*size)
	return addr, nil
}

// Realloc reports the release of the old block, when it moved or was freed,
// before the new block
func (a *Allocator) Realloc(addr uintptr, size uint64) (uintptr, error) {
	next, err := a.real.Realloc(addr, size)
	if err != nil {
		return 0, err
	}
	if addr != 0 && addr != next {
		tracker.TrackDeallocation(recorder.Free, addr)
	}
	if next != 0 {
		tracker.TrackAllocation(recorder.Realloc, next, size)
	}
	return next, nil
}

func (a *Allocator) Free(addr uintptr) error {
	if err := a.real.Free(addr); err != nil {
		return err
	}
	if addr != 0 {
		tracker.TrackDeallocation(recorder.Free, addr)
	}
	return nil
}

func (a *Allocator) Valloc(size uint64) (uintptr, error) {
	addr, err := a.real.Valloc(size)
	if err != nil {
		return 0, err
	}
	tracker.TrackAllocation(recorder.Valloc, addr, size)
	return addr, nil
}

func (a *Allocator) PValloc(size uint64) (uintptr, error) {
	addr, err := a.real.PValloc(size)
	if err != nil {
		return 0, err
	}
	tracker.TrackAllocation(recorder.PValloc, addr, size)
	return addr, nil
}

func (a *Allocator) AlignedAlloc(alignment, size uint64) (uintptr, error) {
	addr, err := a.real.AlignedAlloc(alignment, size)
	if err != nil {
		return 0, err
	}
	tracker.TrackAllocation(recorder.AlignedAlloc, addr, size)
	return addr, nil
}

func (a *Allocator) PosixMemalign(alignment, size uint64) (uintptr, error) {
	addr, err := a.real.PosixMemalign(alignment, size)
	if err != nil {
		return 0, err
	}
	tracker.TrackAllocation(recorder.PosixMemalign, addr, size)
	return addr, nil
}

func (a *Allocator) Memalign(alignment, size uint64) (uintptr, error) {
	addr, err := a.real.Memalign(alignment, size)
	if err != nil {
		return 0, err
	}
	tracker.TrackAllocation(recorder.Memalign, addr, size)
	return addr, nil
}

func (a *Allocator) Mmap(length uint64) (uintptr, error) {
	addr, err := a.real.Mmap(length)
	if err != nil {
		return 0, err
	}
	tracker.TrackAllocation(recorder.Mmap, addr, length)
	return addr, nil
}

func (a *Allocator) Munmap(addr uintptr, length uint64) error {
	if err := a.real.Munmap(addr, length); err != nil {
		return err
	}
	tracker.TrackDeallocation(recorder.Munmap, addr)
	return nil
}
