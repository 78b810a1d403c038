// Package peers tracks the set of known remote addresses, their PING
// validity, and per-identifier REQUEST timing, shared between the
// protocol handler (which marks peers valid on PING or PONG) and the sync loop
// (which decides when to re-ping or re-request). See spec.md §4.F.
package peers

import (
	"net"
	"sync"
	"time"
)

// peerState is one remote address's liveness and request bookkeeping.
type peerState struct {
	addr        *net.UDPAddr
	valid       bool
	lastPingAt  time.Time // zero until a PING has actually been sent
	lastAskedAt map[string]time.Time
}

// Table is the set of known peers, keyed by addr.String(). Safe for
// concurrent use from the transport dispatch goroutine, the sync loop,
// and the control-plane RPC handler.
type Table struct {
	mu    sync.Mutex
	peers map[string]*peerState
}

// NewTable constructs an empty peer table.
func NewTable() *Table {
	return &Table{peers: make(map[string]*peerState)}
}

// Ensure records addr as known if it isn't already (starting invalid,
// never pinged), and returns whether it was newly added.
func (t *Table) Ensure(addr *net.UDPAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := addr.String()
	if _, ok := t.peers[key]; ok {
		return false
	}
	t.peers[key] = &peerState{addr: addr, lastAskedAt: make(map[string]time.Time)}
	return true
}

// MarkValid records that addr has proven itself alive (a PING or PONG
// arrived from it).
func (t *Table) MarkValid(addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := addr.String()
	p, ok := t.peers[key]
	if !ok {
		p = &peerState{addr: addr, lastAskedAt: make(map[string]time.Time)}
		t.peers[key] = p
	}
	p.valid = true
}

// IsValid reports whether addr has been marked valid.
func (t *Table) IsValid(addr *net.UDPAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr.String()]
	return ok && p.valid
}

// All returns a snapshot of every known peer address.
func (t *Table) All() []*net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*net.UDPAddr, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.addr)
	}
	return out
}

// DuePing reports whether addr is due for a PING: never pinged, or the
// last PING attempt was at least interval ago. Call RecordPing after
// actually sending one.
func (t *Table) DuePing(addr *net.UDPAddr, now time.Time, interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr.String()]
	if !ok {
		return true
	}
	return p.lastPingAt.IsZero() || now.Sub(p.lastPingAt) >= interval
}

// RecordPing stamps addr's last-ping time to now.
func (t *Table) RecordPing(addr *net.UDPAddr, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := addr.String()
	p, ok := t.peers[key]
	if !ok {
		p = &peerState{addr: addr, lastAskedAt: make(map[string]time.Time)}
		t.peers[key] = p
	}
	p.lastPingAt = now
}

// DueRequest reports whether id has not been asked of addr within the
// last interval.
func (t *Table) DueRequest(addr *net.UDPAddr, id string, now time.Time, interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr.String()]
	if !ok {
		return true
	}
	last, asked := p.lastAskedAt[id]
	return !asked || now.Sub(last) >= interval
}

// RecordRequest stamps the last-asked time for id against addr to now.
func (t *Table) RecordRequest(addr *net.UDPAddr, id string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := addr.String()
	p, ok := t.peers[key]
	if !ok {
		p = &peerState{addr: addr, lastAskedAt: make(map[string]time.Time)}
		t.peers[key] = p
	}
	p.lastAskedAt[id] = now
}
