// Package reader implements component G: given a root identifier, serve
// random-offset byte ranges by walking the hash tree on demand, without
// materializing the whole file. See spec.md §4.G.
package reader

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/rafdp/engine/internal/ident"
	"github.com/rafdp/engine/internal/store"
)

// pollInterval is how often outermost/chunkAt re-check a Pending child,
// per spec.md §5 ("sleep-poll ... ~10 ms between retries").
const pollInterval = 10 * time.Millisecond

// side selects which edge of the tree outermost descends towards.
type side int

const (
	sideFirst side = iota
	sideLast
)

// stats are the derived, cached per-root statistics described in spec.md
// §4.G: chunk size, last-chunk size, chunk count, and the estimated file
// size they imply.
type stats struct {
	chunkSize     int
	lastChunkSize int
	numChunks     uint64
	estFileSize   int64
}

// Reader serves byte ranges for any root identifier known (even partially)
// to the given Store.
type Reader struct {
	store *store.Store

	mu         sync.Mutex
	statsCache map[string]stats
}

// New constructs a Reader over s.
func New(s *store.Store) *Reader {
	return &Reader{store: s, statsCache: make(map[string]stats)}
}

// leafResult is a terminal leaf's self-located chunk.
type leafResult struct {
	chunkIndex uint64
	data       []byte
}

// waitResolved blocks (sleep-polling) until id names a non-Pending node,
// or ctx is done.
func (r *Reader) waitResolved(ctx context.Context, id string) (store.Node, error) {
	for {
		n, err := r.store.Get(id)
		if err == nil && n.Kind() != store.KindPending {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (r *Reader) leafAt(id string) (leafResult, error) {
	exp, err := r.store.GetExpanded(id)
	if err != nil {
		return leafResult{}, fmt.Errorf("reader: expanding leaf %s: %w", id, err)
	}
	if !exp.Binary {
		return leafResult{}, fmt.Errorf("reader: %s resolved to an internal node, expected a leaf", id)
	}
	index, data, err := ident.DecodeVarint(exp.Payload)
	if err != nil {
		return leafResult{}, fmt.Errorf("reader: decoding leaf %s: %w", id, err)
	}
	return leafResult{chunkIndex: index, data: data}, nil
}

// outermost starts at id and, at each internal node, descends to childL
// if s is sideFirst, else childR (InternalSingle's sole child either way),
// blocking on Pending children until they resolve. Returns the terminal
// leaf's self-located chunk.
func (r *Reader) outermost(ctx context.Context, id string, s side) (leafResult, error) {
	for {
		n, err := r.waitResolved(ctx, id)
		if err != nil {
			return leafResult{}, err
		}
		switch v := n.(type) {
		case store.InternalPair:
			if s == sideFirst {
				id = v.ChildL
			} else {
				id = v.ChildR
			}
		case store.InternalSingle:
			id = v.Child
		default:
			return r.leafAt(id)
		}
	}
}

// chunkAt walks rootId down to the leaf at the given chunk index, using
// topIndex (numChunks-1) to determine the tree's bit-width: d =
// ceil(log2(topIndex+1)) levels (0 if topIndex is 0), descending childL
// when the corresponding bit of index (MSB-first, zero-padded to width d)
// is 0, else childR. Asserts the resulting leaf's encoded chunk index
// equals index.
func (r *Reader) chunkAt(ctx context.Context, rootID string, index, topIndex uint64) ([]byte, error) {
	depth := bits.Len64(topIndex)

	id := rootID
	for level := 0; level < depth; level++ {
		n, err := r.waitResolved(ctx, id)
		if err != nil {
			return nil, err
		}
		bit := (index >> uint(depth-1-level)) & 1
		switch v := n.(type) {
		case store.InternalPair:
			if bit == 0 {
				id = v.ChildL
			} else {
				id = v.ChildR
			}
		case store.InternalSingle:
			id = v.Child
		default:
			return nil, fmt.Errorf("reader: tree shorter than expected descending to chunk %d", index)
		}
	}

	leaf, err := r.leafAt(id)
	if err != nil {
		return nil, err
	}
	if leaf.chunkIndex != index {
		return nil, fmt.Errorf("reader: expected chunk index %d, got %d", index, leaf.chunkIndex)
	}
	return leaf.data, nil
}

// statsFor returns (and caches) the derived statistics for rootID.
func (r *Reader) statsFor(ctx context.Context, rootID string) (stats, error) {
	r.mu.Lock()
	if s, ok := r.statsCache[rootID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	first, err := r.outermost(ctx, rootID, sideFirst)
	if err != nil {
		return stats{}, err
	}
	last, err := r.outermost(ctx, rootID, sideLast)
	if err != nil {
		return stats{}, err
	}

	numChunks := last.chunkIndex + 1
	s := stats{
		chunkSize:     len(first.data),
		lastChunkSize: len(last.data),
		numChunks:     numChunks,
		estFileSize:   int64(len(first.data))*int64(numChunks-1) + int64(len(last.data)),
	}

	r.mu.Lock()
	r.statsCache[rootID] = s
	r.mu.Unlock()
	return s, nil
}

// EstFileSize returns the estimated file size for rootID, computing and
// caching the root's stats if necessary.
func (r *Reader) EstFileSize(ctx context.Context, rootID string) (int64, error) {
	s, err := r.statsFor(ctx, rootID)
	if err != nil {
		return 0, err
	}
	return s.estFileSize, nil
}

// RangeRead returns up to size bytes of rootID's content starting at
// offset, clamped to the file's estimated bounds. It concatenates exactly
// the chunks the range touches, so it never materializes the whole file.
func (r *Reader) RangeRead(ctx context.Context, rootID string, size, offset int64) ([]byte, error) {
	if size < 0 || offset < 0 {
		return nil, fmt.Errorf("reader: size and offset must be non-negative")
	}

	s, err := r.statsFor(ctx, rootID)
	if err != nil {
		return nil, err
	}

	if offset > s.estFileSize {
		offset = s.estFileSize
	}
	if size+offset > s.estFileSize {
		size = s.estFileSize - offset
	}
	if size == 0 {
		return []byte{}, nil
	}

	startIdx := uint64(offset) / uint64(s.chunkSize)
	endIdx := uint64(offset+size)/uint64(s.chunkSize) + 1
	if endIdx > s.numChunks {
		endIdx = s.numChunks
	}

	topIndex := s.numChunks - 1
	var gathered []byte
	for i := startIdx; i < endIdx; i++ {
		chunk, err := r.chunkAt(ctx, rootID, i, topIndex)
		if err != nil {
			return nil, err
		}
		gathered = append(gathered, chunk...)
	}

	head := offset - int64(startIdx)*int64(s.chunkSize)
	if head > int64(len(gathered)) {
		head = int64(len(gathered))
	}
	gathered = gathered[head:]
	if size < int64(len(gathered)) {
		gathered = gathered[:size]
	}
	return gathered, nil
}
