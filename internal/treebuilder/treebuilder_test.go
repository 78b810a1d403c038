package treebuilder

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rafdp/engine/internal/ident"
	"github.com/rafdp/engine/internal/store"
	"github.com/stretchr/testify/require"
)

func writeRandomFile(t *testing.T, dir string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestBuildFromFileSingleChunk(t *testing.T) {
	dir := t.TempDir()
	path, data := writeRandomFile(t, dir, ChunkSize)

	s := store.New(nil)
	root, err := BuildFromFile(s, path)
	require.NoError(t, err)

	// Single-chunk file: root equals the sole leaf identifier.
	payload := append(ident.MustEncodeVarint(0), data...)
	require.Equal(t, ident.Hash(payload), root)

	exp, err := s.GetExpanded(root)
	require.NoError(t, err)
	require.True(t, exp.Binary)
}

func TestBuildFromFileMultiLevelTree(t *testing.T) {
	dir := t.TempDir()
	const size = 50000 // 4 chunks: 16384, 16384, 16384, 848
	path, _ := writeRandomFile(t, dir, size)

	s := store.New(nil)
	root, err := BuildFromFile(s, path)
	require.NoError(t, err)
	require.True(t, s.IsComplete())

	// 4 leaves + 2 internal pairs + 1 root = 7 entries total.
	total := countReachable(t, s, root)
	require.Equal(t, 7, total)
}

// countReachable walks the tree from root, counting every distinct
// identifier transitively reachable (including root itself).
func countReachable(t *testing.T, s *store.Store, root string) int {
	t.Helper()
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		n, err := s.Get(id)
		require.NoError(t, err)
		switch v := n.(type) {
		case store.InternalPair:
			walk(v.ChildL)
			walk(v.ChildR)
		case store.InternalSingle:
			walk(v.Child)
		}
	}
	walk(root)
	return len(seen)
}

func TestBuildFromFileRoundTripsContent(t *testing.T) {
	dir := t.TempDir()
	path, data := writeRandomFile(t, dir, 50000)

	s := store.New(nil)
	root, err := BuildFromFile(s, path)
	require.NoError(t, err)

	var reassembled bytes.Buffer
	var walk func(id string)
	walk = func(id string) {
		n, err := s.Get(id)
		require.NoError(t, err)
		switch v := n.(type) {
		case store.InternalPair:
			walk(v.ChildL)
			walk(v.ChildR)
		case store.InternalSingle:
			walk(v.Child)
		default:
			exp, err := s.GetExpanded(id)
			require.NoError(t, err)
			require.True(t, exp.Binary)
			_, chunk, err := ident.DecodeVarint(exp.Payload)
			require.NoError(t, err)
			reassembled.Write(chunk)
		}
	}
	walk(root)
	require.Equal(t, data, reassembled.Bytes())
}

func TestBuildFromFileEmptyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s := store.New(nil)
	_, err := BuildFromFile(s, path)
	require.Error(t, err)
}

func TestBuildFromFilePinsRootWithDeclaredSize(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeRandomFile(t, dir, 50000)

	s := store.New(nil)
	root, err := BuildFromFile(s, path)
	require.NoError(t, err)

	sizes := s.PinnedRoots()
	require.Equal(t, int64(50000), sizes[root])
}
