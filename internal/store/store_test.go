package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rafdp/engine/internal/ident"
	"github.com/stretchr/testify/require"
)

func TestGetNotFound(t *testing.T) {
	s := New(nil)
	_, err := s.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertPendingThenResolve(t *testing.T) {
	s := New(nil)
	s.InsertPending("id1")
	require.True(t, s.Has("id1"))
	require.Equal(t, []string{"id1"}, s.Missing())
	require.False(t, s.IsComplete())

	err := s.Insert("id1", LeafMaterialized{Bytes: []byte("10hello")})
	require.NoError(t, err)
	require.Empty(t, s.Missing())
	require.True(t, s.IsComplete())
}

func TestInsertPendingNoopWhenConcrete(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert("id1", LeafMaterialized{Bytes: []byte("x")}))
	s.InsertPending("id1") // must not downgrade (I3)
	n, err := s.Get("id1")
	require.NoError(t, err)
	require.Equal(t, KindLeafMaterialized, n.Kind())
}

func TestInsertConflictingPayloadRejected(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert("id1", LeafMaterialized{Bytes: []byte("a")}))
	err := s.Insert("id1", LeafMaterialized{Bytes: []byte("b")})
	require.ErrorIs(t, err, ErrConflictingPayload)
}

func TestInsertIdenticalPayloadAccepted(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert("id1", LeafMaterialized{Bytes: []byte("a")}))
	require.NoError(t, s.Insert("id1", LeafMaterialized{Bytes: []byte("a")}))
}

func TestGetExpandedInternalPair(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert("root", InternalPair{ChildL: "L", ChildR: "R"}))
	exp, err := s.GetExpanded("root")
	require.NoError(t, err)
	require.False(t, exp.Binary)
	require.Equal(t, "L,R", string(exp.Payload))
}

func TestGetExpandedInternalSingle(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Insert("root", InternalSingle{Child: "L"}))
	exp, err := s.GetExpanded("root")
	require.NoError(t, err)
	require.False(t, exp.Binary)
	require.Equal(t, "L", string(exp.Payload))
}

func TestGetExpandedLeafLocalMaterializesOnDemand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))

	s := New(nil)
	require.NoError(t, s.Insert("leaf0", LeafLocal{Path: path, Index: 0, ChunkSize: 4}))
	exp, err := s.GetExpanded("leaf0")
	require.NoError(t, err)
	require.True(t, exp.Binary)

	idx, rest, err := ident.DecodeVarint(exp.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)
	require.Equal(t, []byte("0123"), rest)

	// Does not mutate the store: a second call re-reads the same bytes.
	exp2, err := s.GetExpanded("leaf0")
	require.NoError(t, err)
	require.Equal(t, exp.Payload, exp2.Payload)
}

func TestGetExpandedPendingFails(t *testing.T) {
	s := New(nil)
	s.InsertPending("id1")
	_, err := s.GetExpanded("id1")
	require.Error(t, err)
}

func TestPinRootProtectsFromEviction(t *testing.T) {
	s := New(nil)
	orig := virtualMemoryPercent
	defer func() { virtualMemoryPercent = orig }()
	virtualMemoryPercent = func() (float64, error) { return 99, nil }

	require.NoError(t, s.Insert("root", InternalSingle{Child: "leaf"}))
	s.PinRoot("root", 1234)
	require.NoError(t, s.Insert("other", LeafMaterialized{Bytes: []byte("a")}))

	for i := 0; i < 50; i++ {
		s.EvictOneUnderPressure()
	}
	require.True(t, s.Has("root"), "pinned root must never be evicted")

	sizes := s.PinnedRoots()
	require.Equal(t, int64(1234), sizes["root"])
}

func TestEvictOneUnderPressureNoopBelowThreshold(t *testing.T) {
	s := New(nil)
	orig := virtualMemoryPercent
	defer func() { virtualMemoryPercent = orig }()
	virtualMemoryPercent = func() (float64, error) { return 10, nil }

	require.NoError(t, s.Insert("a", LeafMaterialized{Bytes: []byte("x")}))
	s.EvictOneUnderPressure()
	require.True(t, s.Has("a"))
}

func TestEvictOneUnderPressureNoEligible(t *testing.T) {
	s := New(nil)
	orig := virtualMemoryPercent
	defer func() { virtualMemoryPercent = orig }()
	virtualMemoryPercent = func() (float64, error) { return 99, nil }

	// The only node is pinned, so nothing is eligible for eviction.
	s.InsertPending("pinned-only")
	s.PinRoot("pinned-only", 0)
	s.EvictOneUnderPressure() // must not panic with zero eligible candidates
	require.True(t, s.Has("pinned-only"))
}
