package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
)

// Compressor compresses and decompresses whole wire frames. Client and hub
// must be configured with the same compressor; frames are never sniffed.
type Compressor interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
}

// NoopCompressor passes frames through unchanged.
type NoopCompressor struct{}

func (NoopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// GzipCompressor implements Compressor with stdlib gzip.
type GzipCompressor struct{}

func (GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("data too short to be gzip compressed")
	}
	// gzip magic: 1F 8B
	if data[0] != 0x1F || data[1] != 0x8B {
		return nil, fmt.Errorf("invalid gzip header")
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// SnappyCompressor implements Compressor with klauspost snappy.
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress failed: %v", err)
	}
	return decoded, nil
}

// GetCompressor returns the compressor for the given name, defaulting to noop.
func GetCompressor(name string) Compressor {
	switch name {
	case "gzip":
		return GzipCompressor{}
	case "snappy":
		return SnappyCompressor{}
	default:
		return NoopCompressor{}
	}
}
