package replay

import (
	"iter"
	"slices"
	"time"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

// AllocationRecord is one allocation event read back from an artifact
type AllocationRecord struct {
	Sequence    uint64
	Kind        recorder.AllocatorKind
	Address     uint64
	Size        uint64
	GoroutineID int64
	// Time since the session started
	Time  time.Duration
	Stack recorder.NodeID

	frames []recorder.Frame
}

// StackTrace returns the call stack at the time of the event, innermost
// frame first. The innermost frame is named after the primitive.
func (r AllocationRecord) StackTrace() []recorder.Frame {
	return slices.Clone(r.frames)
}

// FilterKind lazily yields the records of the given kinds, in order.
// Errors are passed through.
func FilterKind(records iter.Seq2[AllocationRecord, error], kinds ...recorder.AllocatorKind) iter.Seq2[AllocationRecord, error] {
	return func(yield func(AllocationRecord, error) bool) {
		for rec, err := range records {
			if err != nil {
				if !yield(rec, err) {
					return
				}
				continue
			}
			if slices.Contains(kinds, rec.Kind) && !yield(rec, nil) {
				return
			}
		}
	}
}

// Filter returns the records of the given kinds, in order
func Filter(records []AllocationRecord, kinds ...recorder.AllocatorKind) []AllocationRecord {
	var out []AllocationRecord
	for _, rec := range records {
		if slices.Contains(kinds, rec.Kind) {
			out = append(out, rec)
		}
	}
	return out
}

type stackNode struct {
	parent recorder.NodeID
	frame  recorder.FrameID
}

// stackTable holds the frames and nodes declared so far in one pass over
// an artifact
type stackTable struct {
	frames   map[recorder.FrameID]recorder.Frame
	nodes    map[recorder.NodeID]stackNode
	resolved map[recorder.NodeID][]recorder.Frame
}

func newStackTable() *stackTable {
	return &stackTable{
		frames:   make(map[recorder.FrameID]recorder.Frame),
		nodes:    make(map[recorder.NodeID]stackNode),
		resolved: make(map[recorder.NodeID][]recorder.Frame),
	}
}

// resolve returns the frames of node id, innermost first. Every node on the
// path must already be declared.
func (s *stackTable) resolve(id recorder.NodeID) ([]recorder.Frame, bool) {
	if id == recorder.RootNode {
		return nil, true
	}
	if frames, ok := s.resolved[id]; ok {
		return frames, true
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	parent, ok := s.resolve(n.parent)
	if !ok {
		return nil, false
	}
	frames := make([]recorder.Frame, 0, len(parent)+1)
	frames = append(frames, s.frames[n.frame])
	frames = append(frames, parent...)
	s.resolved[id] = frames
	return frames, true
}
