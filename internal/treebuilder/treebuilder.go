// Package treebuilder chunks a local file and folds the chunk identifiers
// bottom-up into a binary hash tree, populating a store.Store with
// locally-authored leaves and the resulting internal nodes. See spec.md
// §4.C.
package treebuilder

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rafdp/engine/internal/ident"
	"github.com/rafdp/engine/internal/store"
)

// ChunkSize is the fixed leaf chunk size, in bytes, per spec.md §3/§6.
const ChunkSize = 16384

// ErrHashCollision is returned when tree construction computes an
// identifier that is already resident in the store under a different
// payload — cryptographically improbable but treated as a hard failure,
// per spec.md §9's resolution of the collision open question (fatal, as
// the original Python implementation treats it, expressed in Go as a
// returned error rather than a process abort).
var ErrHashCollision = errors.New("treebuilder: identifier collision during tree construction")

// BuildFromFile streams path in ChunkSize pieces, inserts a LeafLocal node
// for each chunk, and folds the resulting identifiers bottom-up into
// internal nodes until a single root remains. The root is pinned with the
// file's declared size and returned.
//
// A single-chunk file's root is simply its sole leaf identifier — no
// internal levels are created (spec.md §4.C edge case).
func BuildFromFile(s *store.Store, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("treebuilder: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("treebuilder: stat %s: %w", path, err)
	}

	leafIDs, err := chunkAndInsertLeaves(s, f, path)
	if err != nil {
		return "", err
	}
	if len(leafIDs) == 0 {
		return "", fmt.Errorf("treebuilder: %s is empty, nothing to build", path)
	}

	root, err := foldLevels(s, leafIDs)
	if err != nil {
		return "", err
	}

	s.PinRoot(root, info.Size())
	return root, nil
}

// chunkAndInsertLeaves reads f in ChunkSize pieces, numbering them 0..K-1,
// hashing payload_i = varint(i) ++ rawChunkBytes, and inserting a
// LeafLocal for each under its identifier.
func chunkAndInsertLeaves(s *store.Store, f *os.File, path string) ([]string, error) {
	var leafIDs []string
	buf := make([]byte, ChunkSize)

	for index := uint64(0); ; index++ {
		n, readErr := io.ReadFull(f, buf)
		if n == 0 {
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return nil, fmt.Errorf("treebuilder: reading %s: %w", path, readErr)
			}
		}

		prefix, err := ident.EncodeVarintChecked(index)
		if err != nil {
			return nil, fmt.Errorf("treebuilder: chunk index too large: %w", err)
		}
		payload := append(append([]byte{}, prefix...), buf[:n]...)
		id := ident.Hash(payload)

		if err := insertFresh(s, id, store.LeafLocal{Path: path, Index: index, ChunkSize: ChunkSize}); err != nil {
			return nil, err
		}
		leafIDs = append(leafIDs, id)

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("treebuilder: reading %s: %w", path, readErr)
		}
	}
	return leafIDs, nil
}

// foldLevels iteratively pairs identifiers left-to-right into the next
// level up, hashing "childL,childR" for pairs and promoting an odd
// trailing element as an InternalSingle, until one identifier survives.
func foldLevels(s *store.Store, level []string) (string, error) {
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				l, r := level[i], level[i+1]
				node := store.InternalPair{ChildL: l, ChildR: r}
				id := ident.Hash(node.Payload())
				if err := insertFresh(s, id, node); err != nil {
					return "", err
				}
				next = append(next, id)
			} else {
				child := level[i]
				node := store.InternalSingle{Child: child}
				id := ident.Hash(node.Payload())
				if err := insertFresh(s, id, node); err != nil {
					return "", err
				}
				next = append(next, id)
			}
		}
		level = next
	}
	return level[0], nil
}

// insertFresh inserts a newly-computed node, treating any pre-existing
// concrete entry under the same id as a hard collision: tree construction
// never legitimately re-derives the same id for two different nodes
// within a single build, so store.ErrConflictingPayload here signals a
// genuine hash collision rather than a harmless duplicate frame.
func insertFresh(s *store.Store, id string, node store.Node) error {
	if s.Has(id) {
		if existing, err := s.Get(id); err == nil && existing.Kind() != store.KindPending {
			return fmt.Errorf("%w: id=%s", ErrHashCollision, id)
		}
	}
	if err := s.Insert(id, node); err != nil {
		return fmt.Errorf("%w: id=%s: %v", ErrHashCollision, id, err)
	}
	return nil
}
