// Package store implements the in-memory content-hash tree: a flat map
// from identifier to tagged Node, the "missing" derived view, pinned
// roots, and memory-pressure eviction. See spec.md §3-4.B.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/rafdp/engine/internal/ident"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get/GetExpanded when the identifier is
// entirely absent from the store (as opposed to present-but-Pending).
var ErrNotFound = errors.New("store: identifier not found")

// ErrConflictingPayload is returned by Insert when a concrete node already
// exists under id and the new payload does not byte-match it — spec.md §9's
// resolution of the "duplicate insert" open question.
var ErrConflictingPayload = errors.New("store: conflicting payload for existing identifier")

// pressureThreshold is the resident-memory percentage above which
// EvictOneUnderPressure becomes willing to act (spec.md §4.B: "~95%").
const pressureThreshold = 95.0

// virtualMemoryPercent is swapped out in tests; by default it wraps
// gopsutil's system-wide view, the direct analog of the original's
// psutil.virtual_memory().percent.
var virtualMemoryPercent = func() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Store is the in-memory hash tree: identifier -> Node, plus pinned roots
// and size hints. All operations are synchronous and safe for concurrent
// use from the transport dispatch, the sync loop, and the control-plane
// RPC handler (spec.md §5: "a single coarse mutex per structure").
type Store struct {
	mu    sync.RWMutex
	nodes map[string]Node
	// pinned maps a pinned root identifier to its declared file size, a
	// liveness hint handed to the tracker client; never evicted (I2).
	pinned map[string]int64

	log *logrus.Entry
}

// New constructs an empty Store. log may be nil, in which case a disabled
// logger is used (convenient for tests).
func New(log *logrus.Entry) *Store {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Store{
		nodes:  make(map[string]Node),
		pinned: make(map[string]int64),
		log:    log,
	}
}

// Has reports whether id is present in the store, concrete or Pending.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// InsertPending records that id is known but unresolved. A no-op if id is
// already present, concrete or Pending (I3: never downgrade a concrete
// node back to Pending).
func (s *Store) InsertPending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; ok {
		return
	}
	s.nodes[id] = Pending{}
}

// Insert records a verified concrete node under id. The caller is
// responsible for having verified id == ident.Hash(payload) before
// calling (component E does this). If id is currently Pending it
// transitions to node; if absent it is added. If a concrete node already
// exists under id, it must be byte-identical to node's payload, or
// ErrConflictingPayload is returned and the store is left unchanged.
func (s *Store) Insert(id string, node Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[id]
	if ok {
		if existingKind := existing.Kind(); existingKind != KindPending {
			if !samePayload(existing, node) {
				return fmt.Errorf("%w: id=%s", ErrConflictingPayload, id)
			}
			// Byte-identical re-insertion: nothing to do.
			return nil
		}
	}
	s.nodes[id] = node
	return nil
}

func samePayload(a, b Node) bool {
	ap, aok := payloadBytes(a)
	bp, bok := payloadBytes(b)
	if !aok || !bok {
		return false
	}
	return bytes.Equal(ap, bp)
}

// payloadBytes extracts the comparable wire payload for concrete node
// kinds; LeafLocal is excluded since comparing it requires disk I/O and
// Insert never receives a LeafLocal for an identifier that might collide
// with one already resident (LeafLocal insertion only happens once, from
// the tree builder, before any wire traffic exists for that id).
func payloadBytes(n Node) ([]byte, bool) {
	switch v := n.(type) {
	case InternalPair:
		return v.Payload(), true
	case InternalSingle:
		return v.Payload(), true
	case LeafMaterialized:
		return v.Bytes, true
	default:
		return nil, false
	}
}

// Get returns the raw Node stored under id. Fails with ErrNotFound if id
// is entirely absent (Pending is a valid, present result).
func (s *Store) Get(id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

// Expanded is the variant-classifying view returned by GetExpanded: binary
// leaves carry varint(index)++data; non-binary internal nodes carry their
// ASCII payload ("childL,childR" or a single child id).
type Expanded struct {
	Binary  bool
	Payload []byte
}

// GetExpanded returns the wire-ready payload for id. For LeafLocal it
// opens the backing file, seeks to the chunk, and materializes
// varint(index)++data on demand without mutating the store. Fails with
// ErrNotFound if id is absent, and returns an error if id is Pending (there
// is nothing to expand yet).
func (s *Store) GetExpanded(id string) (Expanded, error) {
	s.mu.RLock()
	n, ok := s.nodes[id]
	s.mu.RUnlock()
	if !ok {
		return Expanded{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch v := n.(type) {
	case Pending:
		return Expanded{}, fmt.Errorf("store: %s is pending, nothing to expand", id)
	case InternalPair:
		return Expanded{Binary: false, Payload: v.Payload()}, nil
	case InternalSingle:
		return Expanded{Binary: false, Payload: v.Payload()}, nil
	case LeafMaterialized:
		return Expanded{Binary: true, Payload: v.Bytes}, nil
	case LeafLocal:
		data, err := materializeLeafLocal(v)
		if err != nil {
			return Expanded{}, fmt.Errorf("store: materializing local leaf %s: %w", id, err)
		}
		return Expanded{Binary: true, Payload: data}, nil
	default:
		return Expanded{}, fmt.Errorf("store: unrecognized node kind for %s", id)
	}
}

func materializeLeafLocal(leaf LeafLocal) ([]byte, error) {
	f, err := os.Open(leaf.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	offset := int64(leaf.Index) * int64(leaf.ChunkSize)
	buf := make([]byte, leaf.ChunkSize)
	n, err := f.ReadAt(buf, offset)
	// ReadAt at the final, short chunk legitimately returns io.EOF with a
	// partial read; any other error (and n==0 with EOF) is a real failure.
	if err != nil && n == 0 {
		return nil, err
	}
	buf = buf[:n]

	prefix, err := ident.EncodeVarintChecked(leaf.Index)
	if err != nil {
		return nil, err
	}
	return append(prefix, buf...), nil
}

// PinRoot marks id as a pinned root with the given declared file size,
// protecting it from eviction (I2) and recording the size hint the
// tracker client announces. Per spec.md §9's resolution of the
// declared-size open question, there is no implicit default: callers that
// do not know the size must pass 0 explicitly.
func (s *Store) PinRoot(id string, declaredSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[id] = declaredSize
}

// PinnedRoots returns a snapshot copy of the pinned-root -> declared-size
// map, for the sync loop's tracker announcements.
func (s *Store) PinnedRoots() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.pinned))
	for k, v := range s.pinned {
		out[k] = v
	}
	return out
}

// Missing returns the set of identifiers currently mapped to Pending.
func (s *Store) Missing() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, n := range s.nodes {
		if n.Kind() == KindPending {
			out = append(out, id)
		}
	}
	return out
}

// IsComplete reports whether the missing set is empty (I4, applied
// store-wide: every known identifier is resolved).
func (s *Store) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.Kind() == KindPending {
			return false
		}
	}
	return true
}

// EvictOneUnderPressure drops one non-pinned identifier chosen uniformly
// at random if resident-memory pressure is at or above ~95%. No-op if
// pressure is below threshold or no eligible (non-pinned) identifier
// exists. Content is recoverable — the sync loop will simply re-request
// it later as Pending — so uniform random selection is an adequate,
// simple policy; it deliberately is not LRU (recently-used content is no
// more likely to be re-needed than any other resident node in this
// workload).
func (s *Store) EvictOneUnderPressure() {
	pct, err := virtualMemoryPercent()
	if err != nil {
		s.log.WithError(err).Warn("store: could not read memory pressure, skipping eviction check")
		return
	}
	if pct < pressureThreshold {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []string
	for id := range s.nodes {
		if _, pinned := s.pinned[id]; pinned {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return
	}
	victim := candidates[rand.Intn(len(candidates))]
	delete(s.nodes, victim)
	s.log.WithField("id", victim).Debug("store: evicted node under memory pressure")
}
