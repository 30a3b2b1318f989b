// Package tracker runs memory allocation tracking sessions.
//
// A session mirrors the call stack of every goroutine through the
// instrumentation observer slot and attributes each intercepted allocation
// to the stack that was current when it happened.
package tracker

import (
	"context"
	"fmt"
	"iter"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/willibrandon/memtrack/pkg/instrumentation"
	"github.com/willibrandon/memtrack/pkg/recorder"
	"github.com/willibrandon/memtrack/pkg/replay"
)

// State is the lifecycle stage of a Tracker
type State int

const (
	Unstarted State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// activeSession is the one session allowed to record at a time
var activeSession atomic.Pointer[Tracker]

// Tracker is a single tracking session writing to one artifact.
// A Tracker cannot be restarted once closed.
type Tracker struct {
	path string
	opts Options
	log  *log.Entry

	mu    sync.Mutex
	state State

	tree     *recorder.FrameTree
	mirror   *StackMirror
	observer *instrumentation.ObserverFunc
	previous instrumentation.Observer

	startTime time.Time
	cancel    context.CancelFunc
	sampler   sync.WaitGroup

	// writeMu is held shared by every in-flight write and exclusively by
	// Close while it seals the sink
	writeMu   sync.RWMutex
	sink      recorder.Sink
	sinkDone  bool
	recording atomic.Bool
	dropping  atomic.Bool

	errMu sync.Mutex
	bgErr error
}

// New creates an unstarted session that will write to path. Options start
// from OptionsFromEnvironment.
func New(path string, opts ...Option) *Tracker {
	o := OptionsFromEnvironment()
	for _, opt := range opts {
		opt(&o)
	}
	if o.sinkFactory == nil {
		o.sinkFactory = openArtifact
	}
	if o.SymbolCacheSize <= 0 {
		o.SymbolCacheSize = DefaultOptions().SymbolCacheSize
	}

	t := &Tracker{
		path: path,
		opts: o,
		log:  log.WithField("artifact", path),
	}
	t.observer = instrumentation.NewObserverFunc(t.observe)
	return t
}

// Run tracks allocations made while fn runs. The session is closed however
// fn exits, including by panic.
func Run(path string, fn func() error, opts ...Option) (err error) {
	t := New(path, opts...)
	if err := t.Start(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, t.Close())
	}()
	return fn()
}

// Path returns the artifact location
func (t *Tracker) Path() string {
	return t.path
}

// State returns the lifecycle stage of the session
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start begins tracking. The calling goroutine's current stack becomes the
// base of its mirrored stack. On failure every completed step is undone and
// the session is left closed.
func (t *Tracker) Start() (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Active:
		return ErrSessionActive
	case Closed:
		return ErrSessionClosed
	}

	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		t.state = Closed
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				t.log.WithError(uerr).Warn("rolling back session start")
			}
		}
	}()

	if !activeSession.CompareAndSwap(nil, t) {
		return ErrSessionActive
	}
	undo = append(undo, func() error {
		activeSession.CompareAndSwap(t, nil)
		return nil
	})

	symbols, err := newSymbolCache(t.opts.SymbolCacheSize)
	if err != nil {
		return err
	}
	t.tree = recorder.NewFrameTree()
	t.mirror = newStackMirror(t.tree, symbols, t.opts.MaxStackDepth)
	t.startTime = time.Now()

	sink, err := t.opts.sinkFactory(t.path, t.tree, recorder.WriterOptions{
		CompressionType: t.opts.Compression,
		Overwrite:       t.opts.Overwrite,
		FlushEvery:      t.opts.FlushEvery,
		IntegrityKey:    t.opts.IntegrityKey,
		StartTime:       t.startTime,
		CommandLine:     commandLine(),
	})
	if err != nil {
		return err
	}
	t.sink = sink
	undo = append(undo, sink.Finalize)

	ts := t.mirror.acquire(instrumentation.GoroutineID())
	t.mirror.seed(ts, symbols.walk(1))
	t.mirror.release(ts)

	prev, err := hooks.Install(t.observer)
	if err != nil {
		return err
	}
	t.previous = prev

	if t.opts.SnapshotInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.sampler.Add(1)
		go t.sampleMemory(ctx, t.opts.SnapshotInterval)
	}

	t.state = Active
	t.recording.Store(true)
	t.log.WithField("compression", t.opts.Compression).Debug("tracking session started")
	return nil
}

// Close ends the session: the previous observer is restored and the
// artifact is sealed. Errors raised while recording in the background are
// returned here. Closing again does nothing.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Unstarted:
		t.state = Closed
		return nil
	case Closed:
		return nil
	}
	t.state = Closed
	t.recording.Store(false)
	activeSession.CompareAndSwap(t, nil)

	var err error
	err = multierr.Append(err, hooks.Restore(t.previous))
	t.previous = nil

	if t.cancel != nil {
		t.cancel()
		t.sampler.Wait()
	}

	t.writeMu.Lock()
	t.sinkDone = true
	t.writeMu.Unlock()

	err = multierr.Append(err, t.sink.Finalize())
	err = multierr.Append(err, t.backgroundError())

	if err != nil {
		t.log.WithError(err).Warn("tracking session closed with errors")
	} else {
		t.log.WithField("duration", time.Since(t.startTime)).Debug("tracking session closed")
	}
	return err
}

// AllocationRecords reads back the artifact of a closed session
func (t *Tracker) AllocationRecords() (iter.Seq2[replay.AllocationRecord, error], error) {
	if t.State() != Closed {
		return nil, ErrSessionActive
	}
	a, err := replay.Open(t.path, replay.WithIntegrityKey(t.opts.IntegrityKey))
	if err != nil {
		return nil, err
	}
	return a.Records(), nil
}

// TrackAllocation reports a successful allocation primitive to the active
// session, if any. It must be called directly from the primitive's wrapper:
// the wrapper's caller is taken as the allocation site.
func TrackAllocation(kind recorder.AllocatorKind, addr uintptr, size uint64) {
	if t := activeSession.Load(); t != nil {
		t.track(kind, addr, size)
	}
}

// TrackDeallocation reports a successful free or munmap to the active session
func TrackDeallocation(kind recorder.AllocatorKind, addr uintptr) {
	if t := activeSession.Load(); t != nil {
		t.track(kind, addr, 0)
	}
}

// ActiveSession returns the session currently recording, or nil
func ActiveSession() *Tracker {
	return activeSession.Load()
}

// Frames above the allocation site: track, Track{Allocation,Deallocation}
// and the primitive wrapper.
const allocationSiteSkip = 3

func (t *Tracker) track(kind recorder.AllocatorKind, addr uintptr, size uint64) {
	if !t.recording.Load() || t.dropping.Load() {
		return
	}
	gid := instrumentation.GoroutineID()
	ts := t.mirror.acquire(gid)
	if ts == nil {
		return
	}
	defer t.mirror.release(ts)

	// Walked frames may have returned since they were seeded, so without an
	// instrumented caller on top the live stack is attributed instead. It is
	// not kept: the allocating function is about to return.
	parent := ts.top()
	if ts.stale() {
		parent = t.mirror.resolve(t.mirror.symbols.walk(allocationSiteSkip))
	}
	site := recorder.Frame{Function: kind.String()}
	if _, file, line, ok := runtime.Caller(allocationSiteSkip); ok {
		site.File, site.Line = file, line
	}

	ev := recorder.AllocationEvent{
		Kind:        kind,
		Address:     uint64(addr),
		Size:        size,
		GoroutineID: gid,
		Stack:       t.tree.Push(parent, site),
		Time:        time.Since(t.startTime),
	}

	t.writeMu.RLock()
	defer t.writeMu.RUnlock()
	if t.sinkDone {
		return
	}
	if err := t.sink.WriteAllocation(ev); err != nil {
		t.recordError(err)
	}
}

func (t *Tracker) observe(ev instrumentation.Event, frame recorder.Frame) {
	gid := instrumentation.GoroutineID()
	switch ev {
	case instrumentation.Call:
		t.mirror.OnCall(gid, frame)
	case instrumentation.Return:
		t.mirror.OnReturn(gid, frame)
	}
}

// recordError keeps the first write failure and stops further recording
func (t *Tracker) recordError(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.bgErr != nil {
		return
	}
	t.bgErr = err
	t.dropping.Store(true)
	t.log.WithError(err).Warn("dropping further allocation events")
}

func (t *Tracker) backgroundError() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.bgErr
}

func commandLine() string {
	return strings.Join(os.Args, " ")
}
