package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipRoundTrip(t *testing.T) {
	c := GzipCompressor{}
	original := bytes.Repeat([]byte(`{"event":"reply-created","payload":{"id":7}}`), 20)

	compressed, err := c.Compress(original)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(original))

	got, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestGzipRejectsInvalidHeader(t *testing.T) {
	c := GzipCompressor{}

	_, err := c.Decompress([]byte("plain text frame"))
	assert.Error(t, err)

	_, err = c.Decompress([]byte{0x1F})
	assert.Error(t, err)
}

func TestSnappyRoundTrip(t *testing.T) {
	c := SnappyCompressor{}
	original := bytes.Repeat([]byte("discussion-liked "), 50)

	compressed, err := c.Compress(original)
	require.NoError(t, err)

	got, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestSnappyRejectsEmptyData(t *testing.T) {
	c := SnappyCompressor{}
	_, err := c.Decompress(nil)
	assert.Error(t, err)
}

func TestNoopPassesThrough(t *testing.T) {
	c := NoopCompressor{}
	data := []byte("unchanged")

	out, err := c.Compress(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)

	out, err = c.Decompress(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestGetCompressor(t *testing.T) {
	assert.IsType(t, GzipCompressor{}, GetCompressor("gzip"))
	assert.IsType(t, SnappyCompressor{}, GetCompressor("snappy"))
	assert.IsType(t, NoopCompressor{}, GetCompressor("none"))
	assert.IsType(t, NoopCompressor{}, GetCompressor(""))
}
