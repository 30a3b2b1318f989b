package recorder

import (
	"errors"
	"fmt"
)

var (
	ErrArtifactExists = errors.New("artifact already exists")
	ErrWriterClosed   = errors.New("artifact writer is finalized")
	ErrNotSigned      = errors.New("artifact is not signed")
)

// WriteError reports that the artifact could not be opened or appended to
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// CorruptArtifactError reports malformed or truncated artifact data.
// Record is the index of the body payload being decoded, -1 for the preamble.
type CorruptArtifactError struct {
	Path   string
	Record int
	Reason string
	Err    error
}

func (e *CorruptArtifactError) Error() string {
	msg := fmt.Sprintf("corrupt artifact %s", e.Path)
	if e.Record >= 0 {
		msg += fmt.Sprintf(" at record %d", e.Record)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptArtifactError) Unwrap() error { return e.Err }
