package reader

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rafdp/engine/internal/store"
	"github.com/rafdp/engine/internal/treebuilder"
	"github.com/stretchr/testify/require"
)

func buildFile(t *testing.T, size int) (*store.Store, string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(data)
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s := store.New(nil)
	root, err := treebuilder.BuildFromFile(s, path)
	require.NoError(t, err)
	return s, root, data
}

func TestRangeReadSingleChunk(t *testing.T) {
	s, root, data := buildFile(t, treebuilder.ChunkSize)
	r := New(s)

	got, err := r.RangeRead(context.Background(), root, treebuilder.ChunkSize, 0)
	require.NoError(t, err)
	require.Equal(t, data, got)

	n, err := r.EstFileSize(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, int64(treebuilder.ChunkSize), n)
}

func TestRangeReadMultiLevel(t *testing.T) {
	s, root, data := buildFile(t, 50000)
	r := New(s)

	got, err := r.RangeRead(context.Background(), root, int64(len(data)), 0)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestRangeReadRandomRanges(t *testing.T) {
	s, root, data := buildFile(t, 50000)
	r := New(s)
	fileSize := int64(len(data))

	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 200; i++ {
		offset := rng.Int63n(fileSize + 1)
		size := rng.Int63n(fileSize + 100)

		got, err := r.RangeRead(context.Background(), root, size, offset)
		require.NoError(t, err)

		end := offset + size
		if end > fileSize {
			end = fileSize
		}
		want := data[offset:end]
		require.Equal(t, want, got, "offset=%d size=%d", offset, size)
	}
}

func TestRangeReadOffsetBeyondFileReturnsEmpty(t *testing.T) {
	s, root, data := buildFile(t, 50000)
	r := New(s)

	got, err := r.RangeRead(context.Background(), root, 10, int64(len(data))+1000)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStatsCached(t *testing.T) {
	s, root, _ := buildFile(t, 50000)
	r := New(s)

	_, err := r.EstFileSize(context.Background(), root)
	require.NoError(t, err)
	require.Contains(t, r.statsCache, root)
}
