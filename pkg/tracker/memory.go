package tracker

import (
	"context"
	"runtime"
	"time"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

// sampleMemory records a heap snapshot every interval until ctx is done
func (t *Tracker) sampleMemory(ctx context.Context, interval time.Duration) {
	defer t.sampler.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.writeSnapshot(readMemorySnapshot(time.Since(t.startTime)))
		}
	}
}

func readMemorySnapshot(elapsed time.Duration) recorder.MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return recorder.MemorySnapshot{
		Time:       elapsed,
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		Goroutines: runtime.NumGoroutine(),
	}
}

func (t *Tracker) writeSnapshot(s recorder.MemorySnapshot) {
	t.writeMu.RLock()
	defer t.writeMu.RUnlock()
	if t.sinkDone || t.dropping.Load() {
		return
	}
	if err := t.sink.WriteSnapshot(s); err != nil {
		t.recordError(err)
	}
}
