package instrumentation

import (
	"fmt"
	"sync"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

// Event is the kind of call-stack transition delivered to an Observer
type Event uint8

const (
	Call Event = iota + 1
	Return
)

func (e Event) String() string {
	switch e {
	case Call:
		return "call"
	case Return:
		return "return"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// Observer receives function entry and exit events from instrumented code.
// Observe runs synchronously on the goroutine that entered or left frame.
type Observer interface {
	Observe(ev Event, frame recorder.Frame)
}

// ObserverFunc adapts a function to the Observer interface.
// It is used through a pointer so observers stay comparable.
type ObserverFunc struct {
	fn func(Event, recorder.Frame)
}

func NewObserverFunc(fn func(Event, recorder.Frame)) *ObserverFunc {
	return &ObserverFunc{fn: fn}
}

func (o *ObserverFunc) Observe(ev Event, frame recorder.Frame) {
	o.fn(ev, frame)
}

// The process-wide observer slot. nil means no observer is installed.
var slot struct {
	mu  sync.RWMutex
	obs Observer
}

// SetObserver installs o, which may be nil, and returns the observer it replaced
func SetObserver(o Observer) Observer {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	prev := slot.obs
	slot.obs = o
	return prev
}

// CurrentObserver returns the installed observer or nil
func CurrentObserver() Observer {
	slot.mu.RLock()
	defer slot.mu.RUnlock()
	return slot.obs
}
