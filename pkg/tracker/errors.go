package tracker

import "errors"

var (
	// ErrDoubleInstall is returned when the tracking hook is installed while
	// it is already installed
	ErrDoubleInstall = errors.New("tracking hook is already installed")
	// ErrNotInstalled is returned when restoring a hook that was never installed
	ErrNotInstalled = errors.New("tracking hook is not installed")
	// ErrSessionActive is returned when a session is already active, or when
	// records are requested before the session is closed
	ErrSessionActive = errors.New("tracking session is active")
	// ErrSessionClosed is returned when starting a closed session
	ErrSessionClosed = errors.New("tracking session is closed")
)
