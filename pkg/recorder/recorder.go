package recorder

import "sync"

// Sink receives the events of a tracking session
type Sink interface {
	WriteAllocation(ev AllocationEvent) error
	WriteSnapshot(s MemorySnapshot) error
	// Finalize flushes and releases the sink. It must be idempotent.
	Finalize() error
}

// ResolvedEvent is an allocation event with its stack already resolved,
// innermost frame first
type ResolvedEvent struct {
	AllocationEvent
	Sequence uint64
	Frames   []Frame
}

// MemorySink keeps events in memory
type MemorySink struct {
	mu        sync.Mutex
	tree      *FrameTree
	events    []ResolvedEvent
	snapshots []MemorySnapshot
	finalized bool
}

var _ Sink = (*MemorySink)(nil)

func NewMemorySink(tree *FrameTree) *MemorySink {
	if tree == nil {
		tree = NewFrameTree()
	}
	return &MemorySink{tree: tree}
}

func (s *MemorySink) WriteAllocation(ev AllocationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return ErrWriterClosed
	}
	s.events = append(s.events, ResolvedEvent{
		AllocationEvent: ev,
		Sequence:        uint64(len(s.events) + 1),
		Frames:          s.tree.Stack(ev.Stack),
	})
	return nil
}

func (s *MemorySink) WriteSnapshot(snap MemorySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return ErrWriterClosed
	}
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *MemorySink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return nil
}

// Events returns a copy of the recorded allocation events
func (s *MemorySink) Events() []ResolvedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ResolvedEvent(nil), s.events...)
}

// Snapshots returns a copy of the recorded memory snapshots
func (s *MemorySink) Snapshots() []MemorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MemorySnapshot(nil), s.snapshots...)
}

// Clear drops everything recorded so far
func (s *MemorySink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.snapshots = nil
}
