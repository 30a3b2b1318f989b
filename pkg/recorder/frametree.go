package recorder

import "sync"

// FrameID indexes an interned Frame
type FrameID uint32

// NodeID identifies a call path. RootNode is the empty stack.
type NodeID uint32

const RootNode NodeID = 0

type treeNode struct {
	parent NodeID
	frame  FrameID
}

type childKey struct {
	parent NodeID
	frame  FrameID
}

// FrameTree interns frames and call paths. A call path is stored once as a
// chain of nodes, so every stack snapshot is a single NodeID that stays
// valid for the lifetime of the tree.
type FrameTree struct {
	mu       sync.RWMutex
	frames   []Frame
	frameIDs map[Frame]FrameID
	nodes    []treeNode
	children map[childKey]NodeID
}

// NewFrameTree creates an empty tree holding only the root node
func NewFrameTree() *FrameTree {
	return &FrameTree{
		frameIDs: make(map[Frame]FrameID),
		nodes:    []treeNode{{}},
		children: make(map[childKey]NodeID),
	}
}

// InternFrame returns the id of f, adding it if needed
func (t *FrameTree) InternFrame(f Frame) FrameID {
	t.mu.RLock()
	id, ok := t.frameIDs[f]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.frameIDs[f]; ok {
		return id
	}
	id = FrameID(len(t.frames))
	t.frames = append(t.frames, f)
	t.frameIDs[f] = id
	return id
}

// Child returns the node for frame called from parent
func (t *FrameTree) Child(parent NodeID, frame FrameID) NodeID {
	key := childKey{parent: parent, frame: frame}
	t.mu.RLock()
	id, ok := t.children[key]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.children[key]; ok {
		return id
	}
	id = NodeID(len(t.nodes))
	t.nodes = append(t.nodes, treeNode{parent: parent, frame: frame})
	t.children[key] = id
	return id
}

// Push is shorthand for Child(parent, InternFrame(f))
func (t *FrameTree) Push(parent NodeID, f Frame) NodeID {
	return t.Child(parent, t.InternFrame(f))
}

// Frame returns the frame with the given id
func (t *FrameTree) Frame(id FrameID) (Frame, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.frames) {
		return Frame{}, false
	}
	return t.frames[id], true
}

// Node returns the parent and frame of a non-root node
func (t *FrameTree) Node(id NodeID) (parent NodeID, frame FrameID, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id == RootNode || int(id) >= len(t.nodes) {
		return 0, 0, false
	}
	n := t.nodes[id]
	return n.parent, n.frame, true
}

// Stack resolves a node into frames, innermost first
func (t *FrameTree) Stack(id NodeID) []Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var stack []Frame
	for id != RootNode && int(id) < len(t.nodes) {
		n := t.nodes[id]
		stack = append(stack, t.frames[n.frame])
		id = n.parent
	}
	return stack
}

// Len returns the number of interned frames and nodes (excluding the root)
func (t *FrameTree) Len() (frames, nodes int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frames), len(t.nodes) - 1
}
