package tracker

import (
	"sync"

	"github.com/willibrandon/memtrack/pkg/instrumentation"
)

// HookManager installs an observer into the process-wide observer slot and
// puts back whatever was there before.
type HookManager struct {
	mu        sync.Mutex
	installed bool
}

// hooks is the manager used by every Tracker
var hooks = &HookManager{}

// Install replaces the current observer with obs and returns the observer
// it displaced, which may be nil. The slot is left untouched on error.
func (m *HookManager) Install(obs instrumentation.Observer) (instrumentation.Observer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installed {
		return nil, ErrDoubleInstall
	}
	prev := instrumentation.SetObserver(obs)
	m.installed = true
	return prev, nil
}

// Restore puts previous back into the slot, including nil
func (m *HookManager) Restore(previous instrumentation.Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.installed {
		return ErrNotInstalled
	}
	instrumentation.SetObserver(previous)
	m.installed = false
	return nil
}

// Installed reports whether Install has not yet been matched by Restore
func (m *HookManager) Installed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed
}
