// Package replay reads tracking artifacts back.
package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/tinylib/msgp/msgp"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

// Option configures how an artifact is read
type Option func(*options)

type options struct {
	integrityKey []byte
}

// WithIntegrityKey verifies the artifact's HMAC signature with key.
// An empty key skips verification.
func WithIntegrityKey(key []byte) Option {
	return func(o *options) {
		o.integrityKey = key
	}
}

// Artifact is a tracking artifact on disk. Every traversal re-reads the file.
type Artifact struct {
	path   string
	header recorder.Header
	opts   options
}

// Open validates the artifact preamble
func Open(path string, opts ...Option) (*Artifact, error) {
	a := &Artifact{path: path}
	for _, opt := range opts {
		opt(&a.opts)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := recorder.ReadPreamble(bufio.NewReader(f))
	if err != nil {
		return nil, a.corrupt(-1, "invalid preamble", err)
	}
	if len(a.opts.integrityKey) > 0 && !h.Signed {
		return nil, fmt.Errorf("%s: %w", path, recorder.ErrNotSigned)
	}
	a.header = h
	return a, nil
}

// Path returns the artifact location
func (a *Artifact) Path() string {
	return a.path
}

// Header returns the artifact header
func (a *Artifact) Header() recorder.Header {
	return a.header
}

// Records lazily yields every allocation record in write order. A read or
// integrity failure is yielded once as the final element; integrity is only
// known after the last record, so a consumer must check for it.
func (a *Artifact) Records() iter.Seq2[AllocationRecord, error] {
	return func(yield func(AllocationRecord, error) bool) {
		stopped := false
		_, err := a.scan(func(rec recorder.Record, stacks *stackTable) bool {
			if rec.Tag != recorder.TagAllocation {
				return true
			}
			frames, _ := stacks.resolve(rec.Event.Stack)
			if !yield(newRecord(rec, frames), nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(AllocationRecord{}, err)
		}
	}
}

// ReadAll returns every allocation record, or the first error
func (a *Artifact) ReadAll() ([]AllocationRecord, error) {
	var records []AllocationRecord
	for rec, err := range a.Records() {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Snapshots returns the memory snapshots sampled during the session
func (a *Artifact) Snapshots() ([]recorder.MemorySnapshot, error) {
	var snapshots []recorder.MemorySnapshot
	_, err := a.scan(func(rec recorder.Record, _ *stackTable) bool {
		if rec.Tag == recorder.TagSnapshot {
			snapshots = append(snapshots, rec.Snapshot)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// KindStats counts the events of one allocator kind
type KindStats struct {
	Count uint64
	Bytes uint64
}

// Summary describes a whole artifact
type Summary struct {
	Header     recorder.Header
	Trailer    recorder.Trailer
	ByKind     map[recorder.AllocatorKind]KindStats
	Goroutines int
}

// Summary reads the whole artifact and tallies it
func (a *Artifact) Summary() (Summary, error) {
	s := Summary{
		Header: a.header,
		ByKind: make(map[recorder.AllocatorKind]KindStats),
	}
	goroutines := make(map[int64]struct{})
	trailer, err := a.scan(func(rec recorder.Record, _ *stackTable) bool {
		if rec.Tag != recorder.TagAllocation {
			return true
		}
		ks := s.ByKind[rec.Event.Kind]
		ks.Count++
		ks.Bytes += rec.Event.Size
		s.ByKind[rec.Event.Kind] = ks
		goroutines[rec.Event.GoroutineID] = struct{}{}
		return true
	})
	if err != nil {
		return Summary{}, err
	}
	s.Trailer = trailer
	s.Goroutines = len(goroutines)
	return s, nil
}

func newRecord(rec recorder.Record, frames []recorder.Frame) AllocationRecord {
	return AllocationRecord{
		Sequence:    rec.Sequence,
		Kind:        rec.Event.Kind,
		Address:     rec.Event.Address,
		Size:        rec.Event.Size,
		GoroutineID: rec.Event.GoroutineID,
		Time:        rec.Event.Time,
		Stack:       rec.Event.Stack,
		frames:      frames,
	}
}

func (a *Artifact) corrupt(record int, reason string, err error) error {
	return &recorder.CorruptArtifactError{Path: a.path, Record: record, Reason: reason, Err: err}
}

// scan decodes the body record by record, validating references as it goes,
// and checks the trailer at the end. visit returning false stops the scan
// without error.
func (a *Artifact) scan(visit func(rec recorder.Record, stacks *stackTable) bool) (recorder.Trailer, error) {
	var trailer recorder.Trailer

	f, err := os.Open(a.path)
	if err != nil {
		return trailer, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	h, err := recorder.ReadPreamble(br)
	if err != nil {
		return trailer, a.corrupt(-1, "invalid preamble", err)
	}
	body, err := recorder.NewCompressedReader(br, h.Compression)
	if err != nil {
		return trailer, a.corrupt(-1, "unsupported compression", err)
	}
	defer body.Close()

	digest := recorder.NewDigest(a.opts.integrityKey)
	stacks := newStackTable()
	var counts recorder.Trailer

	r := msgp.NewReader(body)
	var payload []byte
	for i := 0; ; i++ {
		payload, err = r.ReadBytes(payload[:0])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return trailer, a.corrupt(i, "truncated: missing trailer", nil)
			}
			return trailer, a.corrupt(i, "unreadable record", err)
		}
		rec, err := recorder.DecodeRecord(payload)
		if err != nil {
			return trailer, a.corrupt(i, "undecodable record", err)
		}

		switch rec.Tag {
		case recorder.TagFrame:
			if _, dup := stacks.frames[rec.FrameID]; dup {
				return trailer, a.corrupt(i, fmt.Sprintf("frame %d declared twice", rec.FrameID), nil)
			}
			stacks.frames[rec.FrameID] = rec.Frame
			counts.Frames++
		case recorder.TagNode:
			if _, dup := stacks.nodes[rec.Node]; dup || rec.Node == recorder.RootNode {
				return trailer, a.corrupt(i, fmt.Sprintf("node %d declared twice", rec.Node), nil)
			}
			if _, ok := stacks.frames[rec.FrameID]; !ok {
				return trailer, a.corrupt(i, fmt.Sprintf("node %d references unknown frame %d", rec.Node, rec.FrameID), nil)
			}
			if _, ok := stacks.nodes[rec.Parent]; !ok && rec.Parent != recorder.RootNode {
				return trailer, a.corrupt(i, fmt.Sprintf("node %d references unknown parent %d", rec.Node, rec.Parent), nil)
			}
			stacks.nodes[rec.Node] = stackNode{parent: rec.Parent, frame: rec.FrameID}
			counts.Nodes++
		case recorder.TagAllocation:
			if !rec.Event.Kind.Valid() {
				return trailer, a.corrupt(i, fmt.Sprintf("unknown allocator kind %d", rec.Event.Kind), nil)
			}
			if _, ok := stacks.resolve(rec.Event.Stack); !ok {
				return trailer, a.corrupt(i, fmt.Sprintf("allocation references unknown node %d", rec.Event.Stack), nil)
			}
			counts.Allocations++
		case recorder.TagSnapshot:
			counts.Snapshots++
		case recorder.TagTrailer:
			trailer = rec.Trailer
			if err := a.checkTrailer(i, trailer, counts, digest); err != nil {
				return trailer, err
			}
			if _, err := r.ReadBytes(payload[:0]); !errors.Is(err, io.EOF) {
				return trailer, a.corrupt(i+1, "data after trailer", err)
			}
			return trailer, nil
		}

		digest.Write(payload)
		if !visit(rec, stacks) {
			return trailer, nil
		}
	}
}

func (a *Artifact) checkTrailer(i int, t, counts recorder.Trailer, digest *recorder.Digest) error {
	if t.Allocations != counts.Allocations || t.Frames != counts.Frames ||
		t.Nodes != counts.Nodes || t.Snapshots != counts.Snapshots {
		return a.corrupt(i, "record counts do not match trailer", nil)
	}
	if t.Checksum != digest.Checksum() {
		return a.corrupt(i, "checksum mismatch", nil)
	}
	if digest.Signed() && !digest.VerifySignature(t.Signature) {
		return a.corrupt(i, "signature mismatch", nil)
	}
	return nil
}
