package replay

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

// BreakpointType defines the type of breakpoint
type BreakpointType int

const (
	// LocationBreakpoint breaks on records with a frame at file:line
	LocationBreakpoint BreakpointType = iota
	// FunctionBreakpoint breaks on records made while a function was on the stack
	FunctionBreakpoint
	// KindBreakpoint breaks on records of one allocator kind
	KindBreakpoint
)

// Breakpoint is a condition on which replay stops
type Breakpoint struct {
	ID       int
	Type     BreakpointType
	File     string // For LocationBreakpoint, matched as a path suffix
	Line     int    // For LocationBreakpoint
	Function string // For FunctionBreakpoint
	Kind     recorder.AllocatorKind
	Enabled  bool
}

func (bp *Breakpoint) matches(rec AllocationRecord) bool {
	switch bp.Type {
	case KindBreakpoint:
		return rec.Kind == bp.Kind
	case FunctionBreakpoint:
		for _, f := range rec.frames {
			if f.Function == bp.Function || strings.HasSuffix(f.Function, "."+bp.Function) {
				return true
			}
		}
	case LocationBreakpoint:
		for _, f := range rec.frames {
			if f.Line == bp.Line && strings.HasSuffix(f.File, bp.File) {
				return true
			}
		}
	}
	return false
}

// BreakpointManager manages breakpoints for replay
type BreakpointManager struct {
	breakpoints []*Breakpoint
	nextID      int
}

// NewBreakpointManager creates a new breakpoint manager
func NewBreakpointManager() *BreakpointManager {
	return &BreakpointManager{
		breakpoints: make([]*Breakpoint, 0),
		nextID:      1,
	}
}

// AddBreakpoint adds a breakpoint described by location: "func:name",
// "file:line" or an allocator kind such as "mmap"
func (bm *BreakpointManager) AddBreakpoint(location string) (*Breakpoint, error) {
	bp := &Breakpoint{Enabled: true}

	if strings.HasPrefix(location, "func:") {
		bp.Type = FunctionBreakpoint
		bp.Function = strings.TrimPrefix(location, "func:")
		if bp.Function == "" {
			return nil, fmt.Errorf("invalid location format: %s", location)
		}
	} else if lastColonIndex := strings.LastIndex(location, ":"); lastColonIndex >= 0 {
		// Last colon, so Windows paths like C:/path/to/file.go:42 work
		bp.Type = LocationBreakpoint
		bp.File = location[:lastColonIndex]

		line, err := strconv.Atoi(location[lastColonIndex+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid line number: %v", err)
		}
		bp.Line = line
	} else {
		kind, err := recorder.ParseAllocatorKind(location)
		if err != nil {
			return nil, err
		}
		bp.Type = KindBreakpoint
		bp.Kind = kind
	}

	bp.ID = bm.nextID
	bm.nextID++
	bm.breakpoints = append(bm.breakpoints, bp)
	return bp, nil
}

// GetBreakpoints returns all breakpoints
func (bm *BreakpointManager) GetBreakpoints() []*Breakpoint {
	return bm.breakpoints
}

// RemoveBreakpoint removes a breakpoint by ID
func (bm *BreakpointManager) RemoveBreakpoint(id int) error {
	for i, bp := range bm.breakpoints {
		if bp.ID == id {
			bm.breakpoints = append(bm.breakpoints[:i], bm.breakpoints[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("breakpoint %d not found", id)
}

// EnableBreakpoint enables a breakpoint by ID
func (bm *BreakpointManager) EnableBreakpoint(id int) error {
	return bm.setEnabled(id, true)
}

// DisableBreakpoint disables a breakpoint by ID
func (bm *BreakpointManager) DisableBreakpoint(id int) error {
	return bm.setEnabled(id, false)
}

func (bm *BreakpointManager) setEnabled(id int, enabled bool) error {
	for _, bp := range bm.breakpoints {
		if bp.ID == id {
			bp.Enabled = enabled
			return nil
		}
	}
	return fmt.Errorf("breakpoint %d not found", id)
}

// CheckBreakpoint reports whether any enabled breakpoint matches rec.
// It can be passed directly to Replayer.ReplayUntilBreakpoint.
func (bm *BreakpointManager) CheckBreakpoint(rec AllocationRecord) bool {
	for _, bp := range bm.breakpoints {
		if bp.Enabled && bp.matches(rec) {
			return true
		}
	}
	return false
}
