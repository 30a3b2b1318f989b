package tracker_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/memtrack/pkg/alloc"
	"github.com/willibrandon/memtrack/pkg/instrumentation"
	"github.com/willibrandon/memtrack/pkg/intercept"
	"github.com/willibrandon/memtrack/pkg/recorder"
	"github.com/willibrandon/memtrack/pkg/replay"
	"github.com/willibrandon/memtrack/pkg/tracker"
)

const pkgPrefix = "github.com/willibrandon/memtrack/pkg/tracker_test."

func artifactPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "allocations.bin")
}

func readRecords(t *testing.T, tr *tracker.Tracker) []replay.AllocationRecord {
	t.Helper()
	seq, err := tr.AllocationRecords()
	require.NoError(t, err)
	var records []replay.AllocationRecord
	for rec, err := range seq {
		require.NoError(t, err)
		records = append(records, rec)
	}
	return records
}

func stackNames(rec replay.AllocationRecord, n int) []string {
	var out []string
	for _, f := range rec.StackTrace() {
		if len(out) == n {
			break
		}
		out = append(out, f.Function)
	}
	return out
}

func foo(a alloc.Allocator) uintptr {
	defer instrumentation.Enter()()
	addr, _ := a.Valloc(1234)
	return addr
}

func bar(a alloc.Allocator) uintptr {
	defer instrumentation.Enter()()
	return foo(a)
}

func TestAllocationAttributedToMirroredStack(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())
	tr := tracker.New(artifactPath(t))
	require.NoError(t, tr.Start())
	addr := foo(heap)
	require.NoError(t, tr.Close())

	records := readRecords(t, tr)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, recorder.Valloc, rec.Kind)
	assert.Equal(t, uint64(1234), rec.Size)
	assert.Equal(t, uint64(addr), rec.Address)
	assert.Equal(t, instrumentation.GoroutineID(), rec.GoroutineID)
	assert.Equal(t,
		[]string{"valloc", pkgPrefix + "foo", pkgPrefix + "TestAllocationAttributedToMirroredStack"},
		stackNames(rec, 3))

	site := rec.StackTrace()[0]
	assert.Equal(t, "tracker_test.go", filepath.Base(site.File))
}

func TestSessionsAreIsolated(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())

	first := tracker.New(artifactPath(t))
	require.NoError(t, first.Start())
	foo(heap)
	require.NoError(t, first.Close())

	second := tracker.New(artifactPath(t))
	require.NoError(t, second.Start())
	bar(heap)
	require.NoError(t, second.Close())

	records := readRecords(t, second)
	require.Len(t, records, 1)
	assert.Equal(t,
		[]string{"valloc", pkgPrefix + "foo", pkgPrefix + "bar", pkgPrefix + "TestSessionsAreIsolated"},
		stackNames(records[0], 4))

	records = readRecords(t, first)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"valloc", pkgPrefix + "foo"}, stackNames(records[0], 2))
}

func TestAllocationsOutsideSessionAreNotRecorded(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())
	_, err := heap.Malloc(8)
	require.NoError(t, err)

	tr := tracker.New(artifactPath(t))
	require.NoError(t, tr.Start())
	_, err = heap.Malloc(16)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = heap.Malloc(32)
	require.NoError(t, err)

	records := readRecords(t, tr)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(16), records[0].Size)
}

func TestEveryPrimitiveIsRecorded(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())
	page := alloc.PageSize()

	tr := tracker.New(artifactPath(t), tracker.WithCompression(recorder.NoCompression))
	require.NoError(t, tr.Start())

	m, err := heap.Malloc(10)
	require.NoError(t, err)
	c, err := heap.Calloc(4, 8)
	require.NoError(t, err)
	r, err := heap.Realloc(m, 100)
	require.NoError(t, err)
	v, err := heap.Valloc(1)
	require.NoError(t, err)
	pv, err := heap.PValloc(1)
	require.NoError(t, err)
	aa, err := heap.AlignedAlloc(64, 128)
	require.NoError(t, err)
	pm, err := heap.PosixMemalign(64, 128)
	require.NoError(t, err)
	ma, err := heap.Memalign(64, 128)
	require.NoError(t, err)
	mm, err := heap.Mmap(page)
	require.NoError(t, err)
	for _, addr := range []uintptr{c, r, v, pv, aa, pm, ma} {
		require.NoError(t, heap.Free(addr))
	}
	require.NoError(t, heap.Munmap(mm, page))
	require.NoError(t, tr.Close())

	var kinds []recorder.AllocatorKind
	for _, rec := range readRecords(t, tr) {
		kinds = append(kinds, rec.Kind)
	}
	assert.Equal(t, []recorder.AllocatorKind{
		recorder.Malloc, recorder.Calloc, recorder.Free, recorder.Realloc,
		recorder.Valloc, recorder.PValloc, recorder.AlignedAlloc,
		recorder.PosixMemalign, recorder.Memalign, recorder.Mmap,
		recorder.Free, recorder.Free, recorder.Free, recorder.Free,
		recorder.Free, recorder.Free, recorder.Free, recorder.Munmap,
	}, kinds)
}

func TestEmptySession(t *testing.T) {
	tr := tracker.New(artifactPath(t))
	require.NoError(t, tr.Start())
	require.NoError(t, tr.Close())
	assert.Empty(t, readRecords(t, tr))
}

func TestLifecycle(t *testing.T) {
	tr := tracker.New(artifactPath(t))
	assert.Equal(t, tracker.Unstarted, tr.State())

	_, err := tr.AllocationRecords()
	assert.ErrorIs(t, err, tracker.ErrSessionActive)

	require.NoError(t, tr.Start())
	assert.Equal(t, tracker.Active, tr.State())
	assert.Same(t, tr, tracker.ActiveSession())
	assert.ErrorIs(t, tr.Start(), tracker.ErrSessionActive)

	_, err = tr.AllocationRecords()
	assert.ErrorIs(t, err, tracker.ErrSessionActive)

	require.NoError(t, tr.Close())
	assert.Equal(t, tracker.Closed, tr.State())
	assert.Nil(t, tracker.ActiveSession())
	assert.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Start(), tracker.ErrSessionClosed)

	unstarted := tracker.New(artifactPath(t))
	assert.NoError(t, unstarted.Close())
	assert.ErrorIs(t, unstarted.Start(), tracker.ErrSessionClosed)
}

func TestOnlyOneActiveSession(t *testing.T) {
	first := tracker.New(artifactPath(t))
	require.NoError(t, first.Start())
	defer first.Close()

	second := tracker.New(artifactPath(t))
	assert.ErrorIs(t, second.Start(), tracker.ErrSessionActive)
	assert.Equal(t, tracker.Closed, second.State())
	assert.Same(t, first, tracker.ActiveSession())
}

func TestObserverRestoredAfterSession(t *testing.T) {
	original := instrumentation.SetObserver(nil)
	t.Cleanup(func() { instrumentation.SetObserver(original) })

	for _, tc := range []struct {
		name     string
		previous instrumentation.Observer
	}{
		{"nil", nil},
		{"observer", instrumentation.NewObserverFunc(func(instrumentation.Event, recorder.Frame) {})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			instrumentation.SetObserver(tc.previous)

			tr := tracker.New(artifactPath(t))
			require.NoError(t, tr.Start())
			assert.NotEqual(t, tc.previous, instrumentation.CurrentObserver())
			require.NoError(t, tr.Close())

			assert.Equal(t, tc.previous, instrumentation.CurrentObserver())
		})
	}
}

func TestStartFailureLeavesNoSession(t *testing.T) {
	original := instrumentation.SetObserver(nil)
	t.Cleanup(func() { instrumentation.SetObserver(original) })

	path := artifactPath(t)
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0644))

	tr := tracker.New(path)
	err := tr.Start()
	assert.ErrorIs(t, err, recorder.ErrArtifactExists)
	var werr *recorder.WriteError
	assert.True(t, errors.As(err, &werr))

	assert.Equal(t, tracker.Closed, tr.State())
	assert.Nil(t, tracker.ActiveSession())
	assert.Nil(t, instrumentation.CurrentObserver())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))

	// the slot is free for the next session
	next := tracker.New(artifactPath(t))
	require.NoError(t, next.Start())
	require.NoError(t, next.Close())
}

func TestOverwrite(t *testing.T) {
	path := artifactPath(t)
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	tr := tracker.New(path, tracker.WithOverwrite(true))
	require.NoError(t, tr.Start())
	require.NoError(t, tr.Close())
	assert.Empty(t, readRecords(t, tr))
}

func TestRunClosesSession(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())
	path := artifactPath(t)

	boom := errors.New("boom")
	err := tracker.Run(path, func() error {
		foo(heap)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, tracker.ActiveSession())

	a, err := replay.Open(path)
	require.NoError(t, err)
	records, err := a.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRunClosesSessionOnPanic(t *testing.T) {
	path := artifactPath(t)
	assert.Panics(t, func() {
		tracker.Run(path, func() error {
			panic("boom")
		})
	})
	assert.Nil(t, tracker.ActiveSession())

	a, err := replay.Open(path)
	require.NoError(t, err)
	_, err = a.ReadAll()
	assert.NoError(t, err)
}

func TestSinkFactory(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())

	var sink *recorder.MemorySink
	tr := tracker.New("", tracker.WithSinkFactory(func(_ string, tree *recorder.FrameTree, _ recorder.WriterOptions) (recorder.Sink, error) {
		sink = recorder.NewMemorySink(tree)
		return sink, nil
	}))
	require.NoError(t, tr.Start())
	bar(heap)
	require.NoError(t, tr.Close())

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Sequence)
	require.GreaterOrEqual(t, len(events[0].Frames), 3)
	assert.Equal(t, "valloc", events[0].Frames[0].Function)
	assert.Equal(t, pkgPrefix+"foo", events[0].Frames[1].Function)
	assert.Equal(t, pkgPrefix+"bar", events[0].Frames[2].Function)
}

func TestConcurrentGoroutines(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())

	var sink *recorder.MemorySink
	tr := tracker.New("", tracker.WithSinkFactory(func(_ string, tree *recorder.FrameTree, _ recorder.WriterOptions) (recorder.Sink, error) {
		sink = recorder.NewMemorySink(tree)
		return sink, nil
	}))
	require.NoError(t, tr.Start())

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				bar(heap)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, tr.Close())

	events := sink.Events()
	require.Len(t, events, workers*perWorker)
	goroutines := make(map[int64]bool)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		require.GreaterOrEqual(t, len(ev.Frames), 3)
		assert.Equal(t, "valloc", ev.Frames[0].Function)
		assert.Equal(t, pkgPrefix+"foo", ev.Frames[1].Function)
		assert.Equal(t, pkgPrefix+"bar", ev.Frames[2].Function)
		goroutines[ev.GoroutineID] = true
	}
	assert.Len(t, goroutines, workers)
}

func memorySession(t *testing.T) (*tracker.Tracker, func() []recorder.ResolvedEvent) {
	t.Helper()
	var sink *recorder.MemorySink
	tr := tracker.New("", tracker.WithSinkFactory(func(_ string, tree *recorder.FrameTree, _ recorder.WriterOptions) (recorder.Sink, error) {
		sink = recorder.NewMemorySink(tree)
		return sink, nil
	}))
	return tr, func() []recorder.ResolvedEvent { return sink.Events() }
}

func frameNames(ev recorder.ResolvedEvent) []string {
	var out []string
	for _, f := range ev.Frames {
		out = append(out, f.Function)
	}
	return out
}

//go:noinline
func helperAlloc(a alloc.Allocator) {
	_, _ = a.Malloc(16)
}

//go:noinline
func otherAlloc(a alloc.Allocator) {
	_, _ = a.Malloc(32)
}

//go:noinline
func allocateThenCall(a alloc.Allocator) {
	helperAlloc(a)
	otherAlloc(a)
	bar(a)
}

func TestAllocationBeforeAnyInstrumentedCall(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())
	tr, events := memorySession(t)
	require.NoError(t, tr.Start())

	done := make(chan struct{})
	go func() {
		defer close(done)
		allocateThenCall(heap)
	}()
	<-done
	require.NoError(t, tr.Close())

	evs := events()
	require.Len(t, evs, 3)

	first := frameNames(evs[0])
	require.GreaterOrEqual(t, len(first), 3)
	assert.Equal(t, []string{"malloc", pkgPrefix + "helperAlloc", pkgPrefix + "allocateThenCall"}, first[:3])

	second := frameNames(evs[1])
	require.GreaterOrEqual(t, len(second), 3)
	assert.Equal(t, []string{"malloc", pkgPrefix + "otherAlloc", pkgPrefix + "allocateThenCall"}, second[:3])
	assert.NotContains(t, second, pkgPrefix+"helperAlloc")

	third := frameNames(evs[2])
	require.GreaterOrEqual(t, len(third), 4)
	assert.Equal(t, []string{"valloc", pkgPrefix + "foo", pkgPrefix + "bar", pkgPrefix + "allocateThenCall"}, third[:4])
	assert.NotContains(t, third, pkgPrefix+"helperAlloc")
	assert.NotContains(t, third, pkgPrefix+"otherAlloc")
}

//go:noinline
func beginTracking(t *testing.T, tr *tracker.Tracker) {
	require.NoError(t, tr.Start())
}

func TestStartCallerReturnsBeforeAllocation(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())
	tr, events := memorySession(t)
	beginTracking(t, tr)
	bar(heap)
	require.NoError(t, tr.Close())

	evs := events()
	require.Len(t, evs, 1)
	names := frameNames(evs[0])
	require.GreaterOrEqual(t, len(names), 4)
	assert.Equal(t,
		[]string{"valloc", pkgPrefix + "foo", pkgPrefix + "bar", pkgPrefix + "TestStartCallerReturnsBeforeAllocation"},
		names[:4])
	assert.NotContains(t, names, pkgPrefix+"beginTracking")
}

//go:noinline
func viaA(a alloc.Allocator) { bar(a) }

//go:noinline
func viaB(a alloc.Allocator) { bar(a) }

func TestUninstrumentedCallersAreRewalked(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())
	tr, events := memorySession(t)
	require.NoError(t, tr.Start())

	done := make(chan struct{})
	go func() {
		defer close(done)
		viaA(heap)
		viaB(heap)
	}()
	<-done
	require.NoError(t, tr.Close())

	evs := events()
	require.Len(t, evs, 2)
	first := frameNames(evs[0])
	require.GreaterOrEqual(t, len(first), 4)
	assert.Equal(t, []string{"valloc", pkgPrefix + "foo", pkgPrefix + "bar", pkgPrefix + "viaA"}, first[:4])

	second := frameNames(evs[1])
	require.GreaterOrEqual(t, len(second), 4)
	assert.Equal(t, []string{"valloc", pkgPrefix + "foo", pkgPrefix + "bar", pkgPrefix + "viaB"}, second[:4])
	assert.NotContains(t, second, pkgPrefix+"viaA")
}

var errDiskFull = errors.New("disk full")

// failingSink accepts one allocation and rejects the rest
type failingSink struct {
	*recorder.MemorySink
	calls int
}

func (s *failingSink) WriteAllocation(ev recorder.AllocationEvent) error {
	s.calls++
	if s.calls > 1 {
		return errDiskFull
	}
	return s.MemorySink.WriteAllocation(ev)
}

func TestWriteFailureDropsLaterEvents(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())
	var sink *failingSink
	tr := tracker.New("", tracker.WithSinkFactory(func(_ string, tree *recorder.FrameTree, _ recorder.WriterOptions) (recorder.Sink, error) {
		sink = &failingSink{MemorySink: recorder.NewMemorySink(tree)}
		return sink, nil
	}))
	require.NoError(t, tr.Start())

	for range 3 {
		_, err := heap.Malloc(8)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, sink.calls)

	err := tr.Close()
	assert.ErrorIs(t, err, errDiskFull)
	assert.Len(t, sink.Events(), 1)
	assert.Nil(t, tracker.ActiveSession())
}

func TestSignedSession(t *testing.T) {
	heap := intercept.Wrap(alloc.NewHeap())
	key := []byte("session key")

	tr := tracker.New(artifactPath(t), tracker.WithIntegrityKey(key))
	require.NoError(t, tr.Start())
	foo(heap)
	require.NoError(t, tr.Close())

	assert.Len(t, readRecords(t, tr), 1)

	_, err := replay.Open(tr.Path(), replay.WithIntegrityKey(key))
	assert.NoError(t, err)
}

func TestMemorySnapshots(t *testing.T) {
	tr := tracker.New(artifactPath(t), tracker.WithSnapshotInterval(5*time.Millisecond))
	require.NoError(t, tr.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close())

	a, err := replay.Open(tr.Path())
	require.NoError(t, err)
	snapshots, err := a.Snapshots()
	require.NoError(t, err)
	require.NotEmpty(t, snapshots)
	assert.NotZero(t, snapshots[0].HeapSys)
	assert.Positive(t, snapshots[0].Goroutines)
}

func TestOptionsFromEnvironment(t *testing.T) {
	t.Setenv("MEMTRACK_COMPRESSION", "none")
	t.Setenv("MEMTRACK_SNAPSHOT_INTERVAL", "250ms")
	t.Setenv("MEMTRACK_MAX_STACK_DEPTH", "16")
	t.Setenv("MEMTRACK_FLUSH_EVERY", "not a number")
	t.Setenv("MEMTRACK_OVERWRITE", "yes")

	opts := tracker.OptionsFromEnvironment()
	assert.Equal(t, recorder.NoCompression, opts.Compression)
	assert.Equal(t, 250*time.Millisecond, opts.SnapshotInterval)
	assert.Equal(t, 16, opts.MaxStackDepth)
	assert.Equal(t, tracker.DefaultOptions().FlushEvery, opts.FlushEvery)
	assert.True(t, opts.Overwrite)
}

func TestLoadOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
compression: none
flush_every: 10
snapshot_interval: 1s
integrity_key: secret
`), 0644))

	opts, err := tracker.LoadOptionsFile(path)
	require.NoError(t, err)
	assert.Equal(t, recorder.NoCompression, opts.Compression)
	assert.Equal(t, 10, opts.FlushEvery)
	assert.Equal(t, time.Second, opts.SnapshotInterval)
	assert.Equal(t, []byte("secret"), opts.IntegrityKey)
	assert.Equal(t, tracker.DefaultOptions().MaxStackDepth, opts.MaxStackDepth)

	require.NoError(t, os.WriteFile(path, []byte("compression: lz4\n"), 0644))
	_, err = tracker.LoadOptionsFile(path)
	assert.Error(t, err)

	_, err = tracker.LoadOptionsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
