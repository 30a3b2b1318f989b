package replay

// Leaks returns the allocations that were never released, in allocation order
func Leaks(records []AllocationRecord) []AllocationRecord {
	r := NewBasicReplayer()
	r.LoadRecords(records)
	r.ReplayForward()
	return r.Live()
}

// Watermark is the live set at the moment live bytes peaked
type Watermark struct {
	// Index of the record that reached the peak
	Index int
	Bytes uint64
	Live  []AllocationRecord
}

// HighWatermark finds the earliest point at which live bytes peaked.
// It returns a zero Watermark with Index -1 when nothing was ever live.
func HighWatermark(records []AllocationRecord) Watermark {
	r := NewBasicReplayer()
	r.LoadRecords(records)

	peak := Watermark{Index: -1}
	for i := range records {
		r.ReplayToEventIndex(i)
		if r.LiveBytes() > peak.Bytes {
			peak.Index = i
			peak.Bytes = r.LiveBytes()
		}
	}
	if peak.Index < 0 {
		return peak
	}
	r.ReplayToEventIndex(peak.Index)
	peak.Live = r.Live()
	return peak
}
