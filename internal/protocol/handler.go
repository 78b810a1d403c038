package protocol

import (
	"net"
	"strings"
	"sync"

	"github.com/rafdp/engine/internal/ident"
	"github.com/rafdp/engine/internal/peers"
	"github.com/rafdp/engine/internal/store"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Sender abstracts the transport's outbound send, so Handler can be
// tested without a real socket.
type Sender interface {
	SendTo(addr *net.UDPAddr, data []byte) error
}

// reassembly tracks the fragments seen so far for one (peer, id) binary
// transfer in progress.
type reassembly struct {
	fragCount uint64
	have      map[uint64][]byte
}

// Handler dispatches inbound datagrams per spec.md §4.E: validates
// frame shape, updates peer liveness, answers REQUEST from the store,
// verifies and integrates RESPONSE frames, and reassembles fragmented
// binary transfers.
type Handler struct {
	store *store.Store
	peers *peers.Table
	send  Sender
	log   *logrus.Entry

	mu          sync.Mutex
	reassembles map[string]*reassembly // key = peerAddr + "|" + id

	framesDropped  metrics.Counter
	framesHandled  metrics.Counter
	integrityFails metrics.Counter
	bytesServed    metrics.Counter
}

// New constructs a Handler. registry may be nil to skip metrics
// registration (tests).
func New(s *store.Store, pt *peers.Table, sender Sender, log *logrus.Entry, registry metrics.Registry) *Handler {
	h := &Handler{
		store:       s,
		peers:       pt,
		send:        sender,
		log:         log,
		reassembles: make(map[string]*reassembly),

		framesDropped:  metrics.NewCounter(),
		framesHandled:  metrics.NewCounter(),
		integrityFails: metrics.NewCounter(),
		bytesServed:    metrics.NewCounter(),
	}
	if registry != nil {
		registry.Register("rafdp.protocol.frames_dropped", h.framesDropped)
		registry.Register("rafdp.protocol.frames_handled", h.framesHandled)
		registry.Register("rafdp.protocol.integrity_failures", h.integrityFails)
		registry.Register("rafdp.protocol.bytes_served", h.bytesServed)
	}
	return h
}

// BytesServed returns the total number of content bytes this handler has
// answered REQUEST frames with, for use as the tracker announce "uploaded"
// figure.
func (h *Handler) BytesServed() int64 {
	return h.bytesServed.Count()
}

// HandleDatagram processes one inbound UDP payload from peerAddr. Per
// spec.md §7, malformed or unrecognized frames are logged and dropped;
// a failure to send a reply is logged as well, so HandleDatagram has
// nothing to return.
func (h *Handler) HandleDatagram(peerAddr *net.UDPAddr, data []byte) {
	h.peers.Ensure(peerAddr)

	switch Classify(data) {
	case KindPing:
		h.framesHandled.Inc(1)
		h.peers.MarkValid(peerAddr)
		if err := h.send.SendTo(peerAddr, EncodePong()); err != nil {
			h.log.WithError(err).WithField("peer", peerAddr).Warn("protocol: sending PONG failed")
		}
	case KindPong:
		h.framesHandled.Inc(1)
		h.peers.MarkValid(peerAddr)
	case KindRequest:
		h.handleRequest(peerAddr, data)
	case KindResponseNonBinary:
		h.handleResponseNonBinary(peerAddr, data)
	case KindResponseBinaryFragment:
		h.handleResponseBinaryFragment(peerAddr, data)
	default:
		h.framesDropped.Inc(1)
		h.log.WithField("peer", peerAddr).Debug("protocol: dropping unrecognized frame")
	}
}

func (h *Handler) handleRequest(peerAddr *net.UDPAddr, data []byte) {
	id, err := DecodeRequest(data)
	if err != nil {
		h.framesDropped.Inc(1)
		h.log.WithError(err).Debug("protocol: dropping malformed REQUEST")
		return
	}
	h.framesHandled.Inc(1)

	exp, err := h.store.GetExpanded(id)
	if err != nil {
		// Not resident (absent or Pending): nothing to answer with yet.
		return
	}

	var frames [][]byte
	if exp.Binary {
		frames = EncodeResponseBinaryFragments(id, exp.Payload)
	} else {
		frames = [][]byte{EncodeResponseNonBinary(exp.Payload)}
	}
	for _, f := range frames {
		if err := h.send.SendTo(peerAddr, f); err != nil {
			h.log.WithError(err).WithField("peer", peerAddr).Warn("protocol: sending RESPONSE failed")
			return
		}
	}
	h.bytesServed.Inc(int64(len(exp.Payload)))
}

func (h *Handler) handleResponseNonBinary(peerAddr *net.UDPAddr, data []byte) {
	payload, err := DecodeResponseNonBinary(data)
	if err != nil {
		h.framesDropped.Inc(1)
		h.log.WithError(err).Debug("protocol: dropping malformed RESPONSE-NONBINARY")
		return
	}
	h.framesHandled.Inc(1)

	node, ok := parseInternalPayload(payload)
	if !ok {
		h.framesDropped.Inc(1)
		h.log.WithField("peer", peerAddr).Debug("protocol: dropping unparseable internal payload")
		return
	}

	id := ident.Hash(payload)
	h.integrateNode(peerAddr, id, node)
	h.store.EvictOneUnderPressure()
}

// parseInternalPayload recognizes "childL,childR" (InternalPair) or a
// single bare identifier (InternalSingle). Both child forms begin with
// the magic prefix, which a raw chunk payload (varint ++ bytes) will
// essentially never collide with, but any ambiguity is resolved by the
// hash check the caller performs regardless.
func parseInternalPayload(payload []byte) (store.Node, bool) {
	s := string(payload)
	if comma := strings.IndexByte(s, ','); comma >= 0 {
		l, r := s[:comma], s[comma+1:]
		if strings.HasPrefix(l, ident.Magic) && strings.HasPrefix(r, ident.Magic) {
			return store.InternalPair{ChildL: l, ChildR: r}, true
		}
		return nil, false
	}
	if strings.HasPrefix(s, ident.Magic) {
		return store.InternalSingle{Child: s}, true
	}
	return nil, false
}

func (h *Handler) handleResponseBinaryFragment(peerAddr *net.UDPAddr, data []byte) {
	frag, err := DecodeResponseBinaryFragment(data)
	if err != nil {
		h.framesDropped.Inc(1)
		h.log.WithError(err).Debug("protocol: dropping malformed RESPONSE-BINARY-FRAGMENT")
		return
	}
	h.framesHandled.Inc(1)

	key := peerAddr.String() + "|" + frag.ID

	h.mu.Lock()
	r, ok := h.reassembles[key]
	if !ok {
		r = &reassembly{fragCount: frag.FragCount, have: make(map[uint64][]byte)}
		h.reassembles[key] = r
	}
	r.have[frag.FragIndex] = frag.Data
	complete := uint64(len(r.have)) >= r.fragCount
	var full []byte
	if complete {
		for i := uint64(0); i < r.fragCount; i++ {
			full = append(full, r.have[i]...)
		}
		delete(h.reassembles, key)
	}
	h.mu.Unlock()

	if !complete {
		return
	}

	id := ident.Hash(full)
	if id != frag.ID {
		h.integrityFails.Inc(1)
		h.log.WithFields(logrus.Fields{"peer": peerAddr, "claimed": frag.ID, "computed": id}).
			Warn("protocol: reassembled binary payload failed integrity check, dropping")
		return
	}
	h.integrateNode(peerAddr, id, store.LeafMaterialized{Bytes: full})
	h.store.EvictOneUnderPressure()
}

// integrateNode inserts a freshly-verified node into the store, only if
// id was actually awaited (present, Pending or otherwise) — unsolicited
// nodes for unknown identifiers are dropped per spec.md §7 to bound
// memory to what has genuinely been referenced.
func (h *Handler) integrateNode(peerAddr *net.UDPAddr, id string, node store.Node) {
	if !h.store.Has(id) {
		h.log.WithField("id", id).Debug("protocol: dropping unsolicited node for unknown identifier")
		return
	}
	if err := h.store.Insert(id, node); err != nil {
		h.framesDropped.Inc(1)
		h.log.WithError(err).WithField("id", id).Warn("protocol: rejecting conflicting payload")
		return
	}

	if pair, ok := node.(store.InternalPair); ok {
		h.store.InsertPending(pair.ChildL)
		h.store.InsertPending(pair.ChildR)
	}
	if single, ok := node.(store.InternalSingle); ok {
		h.store.InsertPending(single.Child)
	}
}

// SendRequest issues a REQUEST frame for id to addr.
func (h *Handler) SendRequest(addr *net.UDPAddr, id string) error {
	return h.send.SendTo(addr, EncodeRequest(id))
}

// SendPing issues a PING frame to addr.
func (h *Handler) SendPing(addr *net.UDPAddr) error {
	return h.send.SendTo(addr, EncodePing())
}
