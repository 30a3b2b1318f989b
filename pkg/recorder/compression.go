package recorder

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompressionType defines the compression algorithm applied to the artifact body
type CompressionType uint8

const (
	// NoCompression indicates no compression
	NoCompression CompressionType = iota
	// ZstdCompression indicates Zstandard compression
	ZstdCompression
)

// DefaultCompression is the default compression algorithm
var DefaultCompression = ZstdCompression

func (c CompressionType) String() string {
	switch c {
	case NoCompression:
		return "none"
	case ZstdCompression:
		return "zstd"
	default:
		return fmt.Sprintf("CompressionType(%d)", uint8(c))
	}
}

// ParseCompressionType accepts "none" or "zstd"
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off", "false":
		return NoCompression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return 0, fmt.Errorf("unknown compression %q", s)
}

// NewCompressedWriter returns a writer that compresses data before writing
func NewCompressedWriter(w io.Writer, compressionType CompressionType) (io.Writer, error) {
	switch compressionType {
	case NoCompression:
		return w, nil
	case ZstdCompression:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
	}
	return nil, fmt.Errorf("unsupported compression %v", compressionType)
}

// FlushCompressedWriter pushes buffered data through the compressor
func FlushCompressedWriter(w io.Writer, compressionType CompressionType) error {
	if compressionType == NoCompression {
		return nil
	}
	if zw, ok := w.(*zstd.Encoder); ok {
		return zw.Flush()
	}
	return nil
}

// CloseCompressedWriter closes the compressed writer if needed
func CloseCompressedWriter(w io.Writer, compressionType CompressionType) error {
	if compressionType == NoCompression {
		return nil
	}
	if zw, ok := w.(*zstd.Encoder); ok {
		return zw.Close()
	}
	return nil
}

// NewCompressedReader returns a reader that decompresses data after reading
func NewCompressedReader(r io.Reader, compressionType CompressionType) (io.ReadCloser, error) {
	switch compressionType {
	case NoCompression:
		return io.NopCloser(r), nil
	case ZstdCompression:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported compression %v", compressionType)
}
