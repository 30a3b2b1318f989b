package replay

import (
	"cmp"
	"fmt"
	"slices"
)

// Replayer steps through allocation records, keeping track of which
// allocations are live at the current position
type Replayer interface {
	// LoadRecords loads records into the replayer and rewinds it
	LoadRecords([]AllocationRecord) error

	// ReplayForward replays all records from the current position
	ReplayForward() error

	// ReplayUntilBreakpoint replays records until a breakpoint is hit
	ReplayUntilBreakpoint(breakpointCheck func(rec AllocationRecord) bool) error

	// ReplayToEventIndex positions the replayer just after the record at idx
	ReplayToEventIndex(idx int) error

	// StepBackward steps backward from the current index
	// returns the new index after stepping back
	StepBackward(currentIdx int) (int, error)

	// CurrentIndex returns the current record index
	CurrentIndex() int

	// Records returns all loaded records
	Records() []AllocationRecord

	// Live returns the allocations not yet released at the current position
	Live() []AllocationRecord

	// LiveBytes returns the total size of the live allocations
	LiveBytes() uint64
}

// BasicReplayer implements the Replayer interface
type BasicReplayer struct {
	records    []AllocationRecord
	currentIdx int
	live       map[uint64]AllocationRecord
	liveBytes  uint64
}

// NewBasicReplayer creates a new BasicReplayer
func NewBasicReplayer() *BasicReplayer {
	return &BasicReplayer{
		records:    []AllocationRecord{},
		currentIdx: -1,
		live:       make(map[uint64]AllocationRecord),
	}
}

// LoadRecords loads the given records into the replayer
func (r *BasicReplayer) LoadRecords(records []AllocationRecord) error {
	r.records = records
	r.rewind()
	return nil
}

func (r *BasicReplayer) rewind() {
	r.currentIdx = -1
	r.live = make(map[uint64]AllocationRecord)
	r.liveBytes = 0
}

// apply advances the live set over one record
func (r *BasicReplayer) apply(rec AllocationRecord) {
	if rec.Kind.IsDeallocation() {
		if prev, ok := r.live[rec.Address]; ok {
			r.liveBytes -= prev.Size
			delete(r.live, rec.Address)
		}
		return
	}
	if prev, ok := r.live[rec.Address]; ok {
		r.liveBytes -= prev.Size
	}
	r.live[rec.Address] = rec
	r.liveBytes += rec.Size
}

// ReplayForward replays all records from current position to the end
func (r *BasicReplayer) ReplayForward() error {
	return r.ReplayUntilBreakpoint(nil)
}

// ReplayUntilBreakpoint replays records until a breakpoint is hit.
// The breakpoint record is applied. If breakpointCheck is nil, replay all records.
func (r *BasicReplayer) ReplayUntilBreakpoint(breakpointCheck func(rec AllocationRecord) bool) error {
	for i := r.currentIdx + 1; i < len(r.records); i++ {
		rec := r.records[i]
		r.apply(rec)
		r.currentIdx = i
		if breakpointCheck != nil && breakpointCheck(rec) {
			return nil
		}
	}
	return nil
}

// ReplayToEventIndex replays records up to and including the specified index
func (r *BasicReplayer) ReplayToEventIndex(idx int) error {
	if idx < -1 || idx >= len(r.records) {
		return fmt.Errorf("index %d out of range [-1, %d)", idx, len(r.records))
	}
	if idx < r.currentIdx {
		r.rewind()
	}
	for r.currentIdx < idx {
		r.currentIdx++
		r.apply(r.records[r.currentIdx])
	}
	return nil
}

// StepBackward moves one step backward in the record log
func (r *BasicReplayer) StepBackward(currentIdx int) (int, error) {
	if currentIdx <= 0 {
		return 0, fmt.Errorf("already at the beginning")
	}

	newIdx := currentIdx - 1
	if err := r.ReplayToEventIndex(newIdx); err != nil {
		return r.currentIdx, err
	}
	return newIdx, nil
}

// CurrentIndex returns the current record index
func (r *BasicReplayer) CurrentIndex() int {
	return r.currentIdx
}

// Records returns all loaded records
func (r *BasicReplayer) Records() []AllocationRecord {
	return r.records
}

// Live returns the live allocations in the order they were made
func (r *BasicReplayer) Live() []AllocationRecord {
	live := make([]AllocationRecord, 0, len(r.live))
	for _, rec := range r.live {
		live = append(live, rec)
	}
	slices.SortFunc(live, func(a, b AllocationRecord) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return live
}

func (r *BasicReplayer) LiveBytes() uint64 {
	return r.liveBytes
}

