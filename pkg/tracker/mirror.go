package tracker

import (
	"sync"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

type stackEntry struct {
	function string
	node     recorder.NodeID
	// provisional entries come from a live stack walk. They are only known to
	// be running while an instrumented entry sits above them.
	provisional bool
}

// threadStack is the shadow stack of one goroutine. Only that goroutine
// touches it, so it needs no lock.
type threadStack struct {
	entries []stackEntry
	// busy is set while the goroutine is inside tracker bookkeeping;
	// events raised meanwhile are ignored
	busy bool
}

func (ts *threadStack) top() recorder.NodeID {
	if len(ts.entries) == 0 {
		return recorder.RootNode
	}
	return ts.entries[len(ts.entries)-1].node
}

// stale reports whether the top of the stack can no longer be trusted: the
// stack is empty or only holds walked frames, any of which may have returned
func (ts *threadStack) stale() bool {
	return len(ts.entries) == 0 || ts.entries[len(ts.entries)-1].provisional
}

// StackMirror keeps a shadow call stack per goroutine, updated from call and
// return events. Each stack state is a node in a shared FrameTree, so a
// snapshot is just the node id of the top entry.
type StackMirror struct {
	tree     *recorder.FrameTree
	symbols  *symbolCache
	maxDepth int
	threads  sync.Map // goroutine id -> *threadStack
}

func newStackMirror(tree *recorder.FrameTree, symbols *symbolCache, maxDepth int) *StackMirror {
	return &StackMirror{tree: tree, symbols: symbols, maxDepth: maxDepth}
}

// acquire marks the goroutine's stack busy and returns it, or nil when the
// goroutine is already inside bookkeeping
func (m *StackMirror) acquire(gid int64) *threadStack {
	v, ok := m.threads.Load(gid)
	if !ok {
		v, _ = m.threads.LoadOrStore(gid, &threadStack{})
	}
	ts := v.(*threadStack)
	if ts.busy {
		return nil
	}
	ts.busy = true
	return ts
}

func (m *StackMirror) release(ts *threadStack) {
	ts.busy = false
}

func (m *StackMirror) capDepth(frames []recorder.Frame) []recorder.Frame {
	if m.maxDepth > 0 && len(frames) > m.maxDepth {
		return frames[:m.maxDepth]
	}
	return frames
}

// seed replaces the stack with provisional entries for frames, given
// innermost first. Only the innermost maxDepth frames are kept.
func (m *StackMirror) seed(ts *threadStack, frames []recorder.Frame) {
	frames = m.capDepth(frames)
	ts.entries = ts.entries[:0]
	for i := len(frames) - 1; i >= 0; i-- {
		m.push(ts, frames[i], true)
	}
}

// resolve interns a walked stack, innermost first, without touching any
// goroutine's mirror
func (m *StackMirror) resolve(frames []recorder.Frame) recorder.NodeID {
	frames = m.capDepth(frames)
	node := recorder.RootNode
	for i := len(frames) - 1; i >= 0; i-- {
		node = m.tree.Push(node, frames[i])
	}
	return node
}

// seedOutside seeds the stack with the live frames that enclose the
// innermost call to function. The walk starts above the mirror itself.
func (m *StackMirror) seedOutside(ts *threadStack, function string) {
	frames := m.symbols.walk(2)
	for i, f := range frames {
		if f.Function == function {
			m.seed(ts, frames[i+1:])
			return
		}
	}
	m.seed(ts, nil)
}

func (m *StackMirror) push(ts *threadStack, frame recorder.Frame, provisional bool) {
	ts.entries = append(ts.entries, stackEntry{
		function:    frame.Function,
		node:        m.tree.Push(ts.top(), frame),
		provisional: provisional,
	})
}

// OnCall records entry into frame on goroutine gid. When nothing
// instrumented is running below frame, its callers are re-read from the live
// stack first.
func (m *StackMirror) OnCall(gid int64, frame recorder.Frame) {
	ts := m.acquire(gid)
	if ts == nil {
		return
	}
	defer m.release(ts)

	if ts.stale() {
		m.seedOutside(ts, frame.Function)
	}
	m.push(ts, frame, false)
}

// OnReturn pops the topmost entry for the returning function along with
// anything above it. Entries above it belong to functions that returned
// without reporting. A return with no matching entry changes nothing.
func (m *StackMirror) OnReturn(gid int64, frame recorder.Frame) {
	ts := m.acquire(gid)
	if ts == nil {
		return
	}
	defer m.release(ts)

	for i := len(ts.entries) - 1; i >= 0; i-- {
		if ts.entries[i].function == frame.Function {
			ts.entries = ts.entries[:i]
			return
		}
	}
}

// Snapshot returns the node of the goroutine's current stack. Call it from
// that goroutine, or after it has stopped reporting events.
func (m *StackMirror) Snapshot(gid int64) recorder.NodeID {
	v, ok := m.threads.Load(gid)
	if !ok {
		return recorder.RootNode
	}
	return v.(*threadStack).top()
}

// Stack returns the goroutine's current stack, innermost first
func (m *StackMirror) Stack(gid int64) []recorder.Frame {
	return m.tree.Stack(m.Snapshot(gid))
}

// Goroutines returns how many goroutines have a shadow stack
func (m *StackMirror) Goroutines() int {
	n := 0
	m.threads.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
