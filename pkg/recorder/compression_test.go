package recorder

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressedRoundTrip(t *testing.T) {
	testData := bytes.Repeat([]byte("This is test data for the compressed writer. "), 64)

	for _, ct := range []CompressionType{NoCompression, ZstdCompression} {
		t.Run(ct.String(), func(t *testing.T) {
			var buf bytes.Buffer
			writer, err := NewCompressedWriter(&buf, ct)
			require.NoError(t, err)

			n, err := writer.Write(testData)
			require.NoError(t, err)
			assert.Equal(t, len(testData), n)
			require.NoError(t, FlushCompressedWriter(writer, ct))
			require.NoError(t, CloseCompressedWriter(writer, ct))

			if ct == ZstdCompression {
				assert.Less(t, buf.Len(), len(testData), "repetitive data should shrink")
			}

			reader, err := NewCompressedReader(&buf, ct)
			require.NoError(t, err)
			defer reader.Close()

			got, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Equal(t, testData, got)
		})
	}
}

func TestUnsupportedCompression(t *testing.T) {
	_, err := NewCompressedWriter(io.Discard, CompressionType(42))
	assert.Error(t, err)

	_, err = NewCompressedReader(bytes.NewReader(nil), CompressionType(42))
	assert.Error(t, err)
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in      string
		want    CompressionType
		wantErr bool
	}{
		{in: "", want: NoCompression},
		{in: "none", want: NoCompression},
		{in: " OFF ", want: NoCompression},
		{in: "zstd", want: ZstdCompression},
		{in: "ZSTD", want: ZstdCompression},
		{in: "gzip", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseCompressionType(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
