package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Magic opens every artifact
const Magic = "MEMTRACK"

// FormatVersion is bumped on any incompatible layout change
const FormatVersion = 1

// maxHeaderLen bounds the preamble header so a damaged length cannot
// trigger a huge allocation
const maxHeaderLen = 1 << 20

// RecordTag identifies the payload type of a body record
type RecordTag uint8

const (
	TagFrame RecordTag = iota + 1
	TagNode
	TagAllocation
	TagSnapshot
	TagTrailer
)

func (t RecordTag) String() string {
	switch t {
	case TagFrame:
		return "frame"
	case TagNode:
		return "node"
	case TagAllocation:
		return "allocation"
	case TagSnapshot:
		return "snapshot"
	case TagTrailer:
		return "trailer"
	}
	return fmt.Sprintf("RecordTag(%d)", uint8(t))
}

// Header describes an artifact and is stored uncompressed after the magic
type Header struct {
	Version     uint32
	Compression CompressionType
	PID         int
	StartTime   time.Time
	GoVersion   string
	ToolVersion string
	CommandLine string
	Signed      bool
}

// Trailer seals an artifact. Checksum is the xxhash64 of every body payload
// before the trailer; Signature is the optional hex HMAC of the same bytes.
type Trailer struct {
	Allocations uint64
	Frames      uint64
	Nodes       uint64
	Snapshots   uint64
	Checksum    uint64
	Signature   string
	EndTime     time.Time
}

// Record is one decoded body payload. Only the fields for Tag are set.
type Record struct {
	Tag      RecordTag
	FrameID  FrameID
	Frame    Frame
	Node     NodeID
	Parent   NodeID
	Sequence uint64
	Event    AllocationEvent
	Snapshot MemorySnapshot
	Trailer  Trailer
}

// WritePreamble writes the magic and the length-prefixed header
func WritePreamble(w io.Writer, h Header) error {
	b := msgp.AppendArrayHeader(nil, 8)
	b = msgp.AppendUint32(b, h.Version)
	b = msgp.AppendUint8(b, uint8(h.Compression))
	b = msgp.AppendInt64(b, int64(h.PID))
	b = msgp.AppendInt64(b, h.StartTime.UnixNano())
	b = msgp.AppendString(b, h.GoVersion)
	b = msgp.AppendString(b, h.ToolVersion)
	b = msgp.AppendString(b, h.CommandLine)
	b = msgp.AppendBool(b, h.Signed)

	pre := make([]byte, len(Magic)+4, len(Magic)+4+len(b))
	copy(pre, Magic)
	binary.BigEndian.PutUint32(pre[len(Magic):], uint32(len(b)))
	_, err := w.Write(append(pre, b...))
	return err
}

// ReadPreamble reads and validates the magic and header
func ReadPreamble(r io.Reader) (Header, error) {
	var h Header
	pre := make([]byte, len(Magic)+4)
	if _, err := io.ReadFull(r, pre); err != nil {
		return h, fmt.Errorf("reading preamble: %w", err)
	}
	if string(pre[:len(Magic)]) != Magic {
		return h, errors.New("bad magic")
	}
	n := binary.BigEndian.Uint32(pre[len(Magic):])
	if n > maxHeaderLen {
		return h, fmt.Errorf("header length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return h, fmt.Errorf("reading header: %w", err)
	}

	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return h, err
	}
	if sz < 8 {
		return h, fmt.Errorf("header has %d fields, want 8", sz)
	}
	var (
		compression uint8
		pid, start  int64
	)
	if h.Version, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return h, err
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported format version %d", h.Version)
	}
	if compression, b, err = msgp.ReadUint8Bytes(b); err != nil {
		return h, err
	}
	h.Compression = CompressionType(compression)
	if pid, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return h, err
	}
	h.PID = int(pid)
	if start, b, err = msgp.ReadInt64Bytes(b); err != nil {
		return h, err
	}
	h.StartTime = time.Unix(0, start)
	if h.GoVersion, b, err = msgp.ReadStringBytes(b); err != nil {
		return h, err
	}
	if h.ToolVersion, b, err = msgp.ReadStringBytes(b); err != nil {
		return h, err
	}
	if h.CommandLine, b, err = msgp.ReadStringBytes(b); err != nil {
		return h, err
	}
	if h.Signed, _, err = msgp.ReadBoolBytes(b); err != nil {
		return h, err
	}
	return h, nil
}

func appendFrame(b []byte, id FrameID, f Frame) []byte {
	b = msgp.AppendArrayHeader(b, 5)
	b = msgp.AppendUint8(b, uint8(TagFrame))
	b = msgp.AppendUint32(b, uint32(id))
	b = msgp.AppendString(b, f.Function)
	b = msgp.AppendString(b, f.File)
	return msgp.AppendInt64(b, int64(f.Line))
}

func appendNode(b []byte, id, parent NodeID, frame FrameID) []byte {
	b = msgp.AppendArrayHeader(b, 4)
	b = msgp.AppendUint8(b, uint8(TagNode))
	b = msgp.AppendUint32(b, uint32(id))
	b = msgp.AppendUint32(b, uint32(parent))
	return msgp.AppendUint32(b, uint32(frame))
}

func appendAllocation(b []byte, seq uint64, ev AllocationEvent) []byte {
	b = msgp.AppendArrayHeader(b, 8)
	b = msgp.AppendUint8(b, uint8(TagAllocation))
	b = msgp.AppendUint64(b, seq)
	b = msgp.AppendInt64(b, ev.GoroutineID)
	b = msgp.AppendUint8(b, uint8(ev.Kind))
	b = msgp.AppendUint64(b, ev.Address)
	b = msgp.AppendUint64(b, ev.Size)
	b = msgp.AppendUint32(b, uint32(ev.Stack))
	return msgp.AppendInt64(b, int64(ev.Time))
}

func appendSnapshot(b []byte, s MemorySnapshot) []byte {
	b = msgp.AppendArrayHeader(b, 5)
	b = msgp.AppendUint8(b, uint8(TagSnapshot))
	b = msgp.AppendInt64(b, int64(s.Time))
	b = msgp.AppendUint64(b, s.HeapAlloc)
	b = msgp.AppendUint64(b, s.HeapSys)
	return msgp.AppendInt64(b, int64(s.Goroutines))
}

func appendTrailer(b []byte, t Trailer) []byte {
	b = msgp.AppendArrayHeader(b, 8)
	b = msgp.AppendUint8(b, uint8(TagTrailer))
	b = msgp.AppendUint64(b, t.Allocations)
	b = msgp.AppendUint64(b, t.Frames)
	b = msgp.AppendUint64(b, t.Nodes)
	b = msgp.AppendUint64(b, t.Snapshots)
	b = msgp.AppendUint64(b, t.Checksum)
	b = msgp.AppendString(b, t.Signature)
	return msgp.AppendInt64(b, t.EndTime.UnixNano())
}

// DecodeRecord decodes one body payload
func DecodeRecord(b []byte) (Record, error) {
	var rec Record
	sz, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return rec, err
	}
	if sz == 0 {
		return rec, errors.New("empty record")
	}
	tag, b, err := msgp.ReadUint8Bytes(b)
	if err != nil {
		return rec, err
	}
	rec.Tag = RecordTag(tag)

	want := map[RecordTag]uint32{TagFrame: 5, TagNode: 4, TagAllocation: 8, TagSnapshot: 5, TagTrailer: 8}[rec.Tag]
	if want == 0 {
		return rec, fmt.Errorf("unknown record tag %d", tag)
	}
	if sz != want {
		return rec, fmt.Errorf("%v record has %d fields, want %d", rec.Tag, sz, want)
	}

	d := fieldDecoder{b: b}
	switch rec.Tag {
	case TagFrame:
		rec.FrameID = FrameID(d.uint32())
		rec.Frame.Function = d.string()
		rec.Frame.File = d.string()
		rec.Frame.Line = int(d.int64())
	case TagNode:
		rec.Node = NodeID(d.uint32())
		rec.Parent = NodeID(d.uint32())
		rec.FrameID = FrameID(d.uint32())
	case TagAllocation:
		rec.Sequence = d.uint64()
		rec.Event.GoroutineID = d.int64()
		rec.Event.Kind = AllocatorKind(d.uint8())
		rec.Event.Address = d.uint64()
		rec.Event.Size = d.uint64()
		rec.Event.Stack = NodeID(d.uint32())
		rec.Event.Time = time.Duration(d.int64())
	case TagSnapshot:
		rec.Snapshot.Time = time.Duration(d.int64())
		rec.Snapshot.HeapAlloc = d.uint64()
		rec.Snapshot.HeapSys = d.uint64()
		rec.Snapshot.Goroutines = int(d.int64())
	case TagTrailer:
		rec.Trailer.Allocations = d.uint64()
		rec.Trailer.Frames = d.uint64()
		rec.Trailer.Nodes = d.uint64()
		rec.Trailer.Snapshots = d.uint64()
		rec.Trailer.Checksum = d.uint64()
		rec.Trailer.Signature = d.string()
		rec.Trailer.EndTime = time.Unix(0, d.int64())
	}
	if d.err != nil {
		return rec, fmt.Errorf("decoding %v record: %w", rec.Tag, d.err)
	}
	if len(d.b) != 0 {
		return rec, fmt.Errorf("%d trailing bytes in %v record", len(d.b), rec.Tag)
	}
	return rec, nil
}

// fieldDecoder reads consecutive msgpack fields and keeps the first error
type fieldDecoder struct {
	b   []byte
	err error
}

func (d *fieldDecoder) uint8() uint8 {
	if d.err != nil {
		return 0
	}
	var v uint8
	v, d.b, d.err = msgp.ReadUint8Bytes(d.b)
	return v
}

func (d *fieldDecoder) uint32() uint32 {
	if d.err != nil {
		return 0
	}
	var v uint32
	v, d.b, d.err = msgp.ReadUint32Bytes(d.b)
	return v
}

func (d *fieldDecoder) uint64() uint64 {
	if d.err != nil {
		return 0
	}
	var v uint64
	v, d.b, d.err = msgp.ReadUint64Bytes(d.b)
	return v
}

func (d *fieldDecoder) int64() int64 {
	if d.err != nil {
		return 0
	}
	var v int64
	v, d.b, d.err = msgp.ReadInt64Bytes(d.b)
	return v
}

func (d *fieldDecoder) string() string {
	if d.err != nil {
		return ""
	}
	var v string
	v, d.b, d.err = msgp.ReadStringBytes(d.b)
	return v
}
