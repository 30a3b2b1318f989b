package replay

import (
	"github.com/google/pprof/profile"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

type functionKey struct {
	name string
	file string
}

type stackStats struct {
	frames     []recorder.Frame
	allocs     int64
	allocBytes int64
	inuse      int64
	inuseBytes int64
}

// ToProfile builds a heap profile from allocation records, one sample per
// distinct stack. Deallocations only reduce the in-use values.
func ToProfile(records []AllocationRecord) (*profile.Profile, error) {
	prof := &profile.Profile{
		DefaultSampleType: "inuse_space",
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
	if len(records) > 0 {
		first, last := records[0].Time, records[len(records)-1].Time
		prof.DurationNanos = int64(last - first)
	}

	var order []recorder.NodeID
	stacks := make(map[recorder.NodeID]*stackStats)
	for _, rec := range records {
		if rec.Kind.IsDeallocation() {
			continue
		}
		st, ok := stacks[rec.Stack]
		if !ok {
			st = &stackStats{frames: rec.frames}
			stacks[rec.Stack] = st
			order = append(order, rec.Stack)
		}
		st.allocs++
		st.allocBytes += int64(rec.Size)
	}
	for _, rec := range Leaks(records) {
		if st, ok := stacks[rec.Stack]; ok {
			st.inuse++
			st.inuseBytes += int64(rec.Size)
		}
	}

	locations := make(map[recorder.Frame]*profile.Location)
	functions := make(map[functionKey]*profile.Function)
	for _, node := range order {
		st := stacks[node]
		var locs []*profile.Location
		for _, frame := range st.frames {
			loc, ok := locations[frame]
			if !ok {
				key := functionKey{name: frame.Function, file: frame.File}
				fn, ok := functions[key]
				if !ok {
					fn = &profile.Function{
						ID:         uint64(len(prof.Function) + 1),
						Name:       frame.Function,
						SystemName: frame.Function,
						Filename:   frame.File,
					}
					functions[key] = fn
					prof.Function = append(prof.Function, fn)
				}
				loc = &profile.Location{
					ID:   uint64(len(prof.Location) + 1),
					Line: []profile.Line{{Function: fn, Line: int64(frame.Line)}},
				}
				locations[frame] = loc
				prof.Location = append(prof.Location, loc)
			}
			locs = append(locs, loc)
		}

		sample := &profile.Sample{
			Location: locs,
			Value:    []int64{st.allocs, st.allocBytes, st.inuse, st.inuseBytes},
		}
		if len(st.frames) > 0 {
			sample.Label = map[string][]string{"allocator": {st.frames[0].Function}}
		}
		prof.Sample = append(prof.Sample, sample)
	}

	if err := prof.CheckValid(); err != nil {
		return nil, err
	}
	return prof, nil
}
