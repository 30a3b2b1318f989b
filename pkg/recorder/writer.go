package recorder

import (
	"bufio"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/willibrandon/memtrack/pkg/version"
)

// WriterOptions contains options for creating an artifact writer
type WriterOptions struct {
	CompressionType CompressionType
	// Overwrite replaces an existing file instead of failing with ErrArtifactExists
	Overwrite bool
	// FlushEvery pushes buffered records to the file after this many records.
	// Zero flushes only on Finalize.
	FlushEvery int
	// IntegrityKey signs the artifact with HMAC-SHA256 when non-empty
	IntegrityKey []byte
	StartTime    time.Time
	CommandLine  string
}

// DefaultWriterOptions returns default options for the artifact writer
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		CompressionType: DefaultCompression,
		FlushEvery:      1024,
		CommandLine:     strings.Join(os.Args, " "),
	}
}

// ArtifactWriter appends allocation records to a binary artifact.
// All writes are serialized; sequence numbers follow the order in which
// writers acquire the lock, so records from one goroutine keep their order.
type ArtifactWriter struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	buf    *bufio.Writer
	zw     io.Writer
	mw     *msgp.Writer
	opts   WriterOptions
	tree   *FrameTree
	digest *Digest

	frames  []bool
	nodes   []bool
	trailer Trailer
	seq     uint64
	pending int
	scratch []byte

	err    error
	closed bool
}

var _ Sink = (*ArtifactWriter)(nil)

// NewArtifactWriter creates the artifact at path and writes its preamble.
// Stacks referenced by events are resolved through tree.
func NewArtifactWriter(path string, tree *FrameTree, opts WriterOptions) (*ArtifactWriter, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
	if opts.Overwrite {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &WriteError{Op: "create", Path: path, Err: ErrArtifactExists}
		}
		return nil, &WriteError{Op: "create", Path: path, Err: err}
	}

	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	digest := NewDigest(opts.IntegrityKey)

	bufWriter := bufio.NewWriter(f)
	header := Header{
		Version:     FormatVersion,
		Compression: opts.CompressionType,
		PID:         os.Getpid(),
		StartTime:   opts.StartTime,
		GoVersion:   runtime.Version(),
		ToolVersion: version.GetVersion(),
		CommandLine: opts.CommandLine,
		Signed:      digest.Signed(),
	}
	if err := WritePreamble(bufWriter, header); err != nil {
		f.Close()
		return nil, &WriteError{Op: "write header", Path: path, Err: err}
	}

	zw, err := NewCompressedWriter(bufWriter, opts.CompressionType)
	if err != nil {
		f.Close()
		return nil, &WriteError{Op: "create", Path: path, Err: err}
	}

	if tree == nil {
		tree = NewFrameTree()
	}
	return &ArtifactWriter{
		path:   path,
		file:   f,
		buf:    bufWriter,
		zw:     zw,
		mw:     msgp.NewWriter(zw),
		opts:   opts,
		tree:   tree,
		digest: digest,
	}, nil
}

// Path returns the artifact location
func (w *ArtifactWriter) Path() string {
	return w.path
}

// WriteAllocation appends an allocation record and any frames and nodes its
// stack references that have not been written yet.
func (w *ArtifactWriter) WriteAllocation(ev AllocationEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}

	if err := w.emitNode(ev.Stack); err != nil {
		return w.fail("write", err)
	}
	w.seq++
	w.scratch = appendAllocation(w.scratch[:0], w.seq, ev)
	if err := w.writePayload(w.scratch); err != nil {
		return w.fail("write", err)
	}
	w.trailer.Allocations++
	return w.maybeFlush()
}

// WriteSnapshot appends a memory snapshot record
func (w *ArtifactWriter) WriteSnapshot(s MemorySnapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}

	w.scratch = appendSnapshot(w.scratch[:0], s)
	if err := w.writePayload(w.scratch); err != nil {
		return w.fail("write", err)
	}
	w.trailer.Snapshots++
	return w.maybeFlush()
}

// Finalize writes the trailer, flushes every layer to stable storage and
// closes the file. Calling it again is a no-op.
func (w *ArtifactWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if w.err == nil {
		w.trailer.Checksum = w.digest.Checksum()
		w.trailer.Signature = w.digest.Signature()
		w.trailer.EndTime = time.Now()
		w.scratch = appendTrailer(w.scratch[:0], w.trailer)
		if err := w.mw.WriteBytes(w.scratch); err != nil {
			w.fail("write trailer", err)
		}
	}
	if w.err == nil {
		if err := w.mw.Flush(); err != nil {
			w.fail("flush", err)
		}
	}
	if err := CloseCompressedWriter(w.zw, w.opts.CompressionType); err != nil && w.err == nil {
		w.fail("flush", err)
	}
	if err := w.buf.Flush(); err != nil && w.err == nil {
		w.fail("flush", err)
	}
	if err := w.file.Sync(); err != nil && w.err == nil {
		w.fail("sync", err)
	}
	if err := w.file.Close(); err != nil && w.err == nil {
		w.fail("close", err)
	}
	return w.err
}

// Counts returns the number of records written so far
func (w *ArtifactWriter) Counts() Trailer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trailer
}

func (w *ArtifactWriter) usable() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return &WriteError{Op: "write", Path: w.path, Err: ErrWriterClosed}
	}
	return nil
}

// emitNode writes the chain of nodes leading to id, outermost first,
// stopping at the first node that is already in the artifact.
func (w *ArtifactWriter) emitNode(id NodeID) error {
	var chain []NodeID
	for id != RootNode && !w.nodeWritten(id) {
		chain = append(chain, id)
		parent, _, ok := w.tree.Node(id)
		if !ok {
			return errors.New("stack references an unknown node")
		}
		id = parent
	}

	for i := len(chain) - 1; i >= 0; i-- {
		node := chain[i]
		parent, frame, _ := w.tree.Node(node)
		if err := w.emitFrame(frame); err != nil {
			return err
		}
		w.scratch = appendNode(w.scratch[:0], node, parent, frame)
		if err := w.writePayload(w.scratch); err != nil {
			return err
		}
		w.nodes = markWritten(w.nodes, int(node))
		w.trailer.Nodes++
	}
	return nil
}

func (w *ArtifactWriter) emitFrame(id FrameID) error {
	if int(id) < len(w.frames) && w.frames[id] {
		return nil
	}
	f, ok := w.tree.Frame(id)
	if !ok {
		return errors.New("stack references an unknown frame")
	}
	w.scratch = appendFrame(w.scratch[:0], id, f)
	if err := w.writePayload(w.scratch); err != nil {
		return err
	}
	w.frames = markWritten(w.frames, int(id))
	w.trailer.Frames++
	return nil
}

func (w *ArtifactWriter) nodeWritten(id NodeID) bool {
	return int(id) < len(w.nodes) && w.nodes[id]
}

func markWritten(set []bool, i int) []bool {
	for len(set) <= i {
		set = append(set, false)
	}
	set[i] = true
	return set
}

func (w *ArtifactWriter) writePayload(b []byte) error {
	if err := w.mw.WriteBytes(b); err != nil {
		return err
	}
	w.digest.Write(b)
	w.pending++
	return nil
}

func (w *ArtifactWriter) maybeFlush() error {
	if w.opts.FlushEvery <= 0 || w.pending < w.opts.FlushEvery {
		return nil
	}
	w.pending = 0
	if err := w.mw.Flush(); err != nil {
		return w.fail("flush", err)
	}
	if err := FlushCompressedWriter(w.zw, w.opts.CompressionType); err != nil {
		return w.fail("flush", err)
	}
	if err := w.buf.Flush(); err != nil {
		return w.fail("flush", err)
	}
	return nil
}

// fail records the first failure; the writer refuses further records after it
func (w *ArtifactWriter) fail(op string, err error) error {
	if w.err == nil {
		w.err = &WriteError{Op: op, Path: w.path, Err: err}
	}
	return w.err
}
