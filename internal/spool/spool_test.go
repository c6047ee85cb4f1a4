// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package spool

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeChunks writes each chunk, finishes and collects its bytes, and
// returns the concatenation of all collected chunks.
func writeChunks(t *testing.T, f *File, chunks []string) []byte {
	t.Helper()
	var uploaded bytes.Buffer
	for i, c := range chunks {
		_, err := f.Write([]byte(c))
		require.NoError(t, err)
		f.AddRecords(1)

		require.NoError(t, f.Finish(i == len(chunks)-1))
		r, err := f.Reader()
		require.NoError(t, err)
		n, err := io.Copy(&uploaded, r)
		require.NoError(t, err)
		assert.Equal(t, f.BytesSinceReset(), n)
		require.NoError(t, f.Reset())
	}
	return uploaded.Bytes()
}

func TestChunksDecodeAsOneStream(t *testing.T) {
	chunks := []string{
		strings.Repeat(`{"event":"$pageview"}`+"\n", 100),
		strings.Repeat(`{"event":"$identify"}`+"\n", 50),
		`{"event":"last"}` + "\n",
	}

	for _, tc := range []struct {
		compression Compression
		mode        Mode
	}{
		{None, PerPart},
		{Gzip, PerPart},
		{Zstd, PerPart},
		{Gzip, Stream},
		{Zstd, Stream},
	} {
		t.Run(string(tc.compression)+"/"+string(tc.mode), func(t *testing.T) {
			f, err := New(t.TempDir(), tc.compression, tc.mode)
			require.NoError(t, err)
			defer f.Close()

			data := writeChunks(t, f, chunks)
			assert.Equal(t, int64(len(data)), f.BytesTotal())
			assert.Equal(t, int64(3), f.RecordsTotal())
			assert.Zero(t, f.RecordsSinceReset())

			r, err := NewReader(bytes.NewReader(data), tc.compression)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, strings.Join(chunks, ""), string(got))
		})
	}
}

func TestResumable(t *testing.T) {
	for _, tc := range []struct {
		compression Compression
		mode        Mode
		want        bool
	}{
		{None, Stream, true},
		{Gzip, PerPart, true},
		{Gzip, Stream, false},
		{Zstd, Stream, false},
	} {
		f, err := New(t.TempDir(), tc.compression, tc.mode)
		require.NoError(t, err)
		assert.Equal(t, tc.want, f.Resumable(), "%s/%s", tc.compression, tc.mode)
		require.NoError(t, f.Close())
	}
}

func TestWriteAfterFinishFails(t *testing.T) {
	f, err := New(t.TempDir(), Gzip, PerPart)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, f.Finish(false))
	require.NoError(t, f.Finish(false))
	_, err = f.Write([]byte("b"))
	assert.Error(t, err)
}

func TestReadBeforeFinishFails(t *testing.T) {
	f, err := New(t.TempDir(), None, PerPart)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Reader()
	assert.Error(t, err)
}

func TestCloseRemovesFile(t *testing.T) {
	f, err := New(t.TempDir(), None, PerPart)
	require.NoError(t, err)
	name := f.Name()
	require.NoError(t, f.Close())
	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, f.Close())
}

type closeCounter struct {
	compressor
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return c.compressor.Close()
}

func TestCloseReleasesCompressor(t *testing.T) {
	for _, c := range []Compression{Gzip, Zstd} {
		t.Run(string(c), func(t *testing.T) {
			f, err := New(t.TempDir(), c, Stream)
			require.NoError(t, err)
			counter := &closeCounter{compressor: f.comp}
			f.comp = counter

			// abandoned mid-chunk
			_, err = f.Write([]byte(strings.Repeat("row\n", 100)))
			require.NoError(t, err)
			name := f.Name()
			require.NoError(t, f.Close())
			require.NoError(t, f.Close())

			assert.Equal(t, 1, counter.closes)
			_, err = os.Stat(name)
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, Zstd, c)
	c, err = ParseCompression("none")
	require.NoError(t, err)
	assert.Equal(t, None, c)
	_, err = ParseCompression("brotli")
	assert.Error(t, err)
}
