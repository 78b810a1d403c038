// Package syncloop drives the engine's ongoing work once started: ping
// every known peer until it proves itself alive, request every missing
// identifier from every valid peer, and periodically announce pinned
// roots to known trackers. See spec.md §4.F.
package syncloop

import (
	"context"
	"net"
	"time"

	"github.com/rafdp/engine/internal/peers"
	"github.com/rafdp/engine/internal/store"
	"github.com/rafdp/engine/internal/tracker"
	"github.com/sirupsen/logrus"
)

// Default timer periods, per spec.md §6's wire/timing constants.
const (
	PingRetryInterval    = 30 * time.Second
	RequestRetryInterval = 5 * time.Second
	AnnounceInterval     = 10 * time.Second

	// tickInterval is how often the loop re-evaluates due work; it must
	// be small relative to the shortest retry interval so timers fire
	// close to on schedule without busy-looping.
	tickInterval = time.Second
)

// PingFunc sends a PING frame to addr.
type PingFunc func(addr *net.UDPAddr) error

// RequestFunc sends a REQUEST frame for id to addr.
type RequestFunc func(addr *net.UDPAddr, id string) error

// UploadedFunc reports the total content bytes served to peers so far,
// for the tracker announce "uploaded" figure.
type UploadedFunc func() int64

// Loop owns the three periodic behaviors described in spec.md §4.F. It
// is constructed with already-wired collaborators and started with Run,
// which blocks until its context is canceled.
type Loop struct {
	store   *store.Store
	peers   *peers.Table
	tracker *tracker.Client
	log     *logrus.Entry

	myPort int

	ping     PingFunc
	request  RequestFunc
	uploaded UploadedFunc

	pingInterval     time.Duration
	requestInterval  time.Duration
	announceInterval time.Duration
	tick             time.Duration
}

// New constructs a Loop with the standard timer periods. ping and
// request are typically backed by a *protocol.Handler.
func New(s *store.Store, pt *peers.Table, tc *tracker.Client, myPort int, log *logrus.Entry, ping PingFunc, request RequestFunc, uploaded UploadedFunc) *Loop {
	return &Loop{
		store:            s,
		peers:            pt,
		tracker:          tc,
		log:              log,
		myPort:           myPort,
		ping:             ping,
		request:          request,
		uploaded:         uploaded,
		pingInterval:     PingRetryInterval,
		requestInterval:  RequestRetryInterval,
		announceInterval: AnnounceInterval,
		tick:             tickInterval,
	}
}

// Run blocks, re-evaluating due pings/requests every tick and
// announcing to trackers every announceInterval, until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	lastAnnounce := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.store.EvictOneUnderPressure()
			l.pingDuePeers(now)
			l.requestDueMissing(now)
			if now.Sub(lastAnnounce) >= l.announceInterval {
				l.announceAll(ctx)
				lastAnnounce = now
			}
		}
	}
}

// pingDuePeers sends a PING to every known peer not pinged within the
// last pingInterval (spec.md §4.F: "PING every peer at least every 30s
// until it is marked valid").
func (l *Loop) pingDuePeers(now time.Time) {
	for _, addr := range l.peers.All() {
		if l.peers.IsValid(addr) {
			continue
		}
		if !l.peers.DuePing(addr, now, l.pingInterval) {
			continue
		}
		l.peers.RecordPing(addr, now)
		if err := l.ping(addr); err != nil {
			l.log.WithError(err).WithField("peer", addr).Debug("syncloop: ping failed")
		}
	}
}

// requestDueMissing asks every valid peer for every Pending identifier
// not already asked of it within the last requestInterval (spec.md
// §4.F: "REQUEST every missing identifier from every valid peer at
// least every 5s").
func (l *Loop) requestDueMissing(now time.Time) {
	missing := l.store.Missing()
	if len(missing) == 0 {
		return
	}
	peerAddrs := l.peers.All()
	for _, addr := range peerAddrs {
		if !l.peers.IsValid(addr) {
			continue
		}
		for _, id := range missing {
			if !l.peers.DueRequest(addr, id, now, l.requestInterval) {
				continue
			}
			l.peers.RecordRequest(addr, id, now)
			if err := l.request(addr, id); err != nil {
				l.log.WithError(err).WithFields(logrus.Fields{"peer": addr, "id": id}).Debug("syncloop: request failed")
			}
		}
	}
}

// announceAll fans out a tracker announce for every pinned root, one
// goroutine per root so a slow tracker does not hold up the tick,
// recording the peers each tracker returns into the peer table. uploaded
// is this node's total bytes served so far; downloaded/left are derived
// per root from whether the root identifier itself is still Pending
// (left = declared size) or not (left = 0). Nodes below a resolved root
// that are still missing are not counted.
func (l *Loop) announceAll(ctx context.Context) {
	missing := make(map[string]bool)
	for _, id := range l.store.Missing() {
		missing[id] = true
	}
	uploaded := int64(0)
	if l.uploaded != nil {
		uploaded = l.uploaded()
	}
	for rootID, size := range l.store.PinnedRoots() {
		left := int64(0)
		if missing[rootID] {
			left = size
		}
		downloaded := size - left
		go func(rootID string, downloaded, left int64) {
			for _, res := range l.tracker.Announce(ctx, rootID, uploaded, downloaded, left, l.myPort) {
				for _, p := range res.Peers {
					l.peers.Ensure(&net.UDPAddr{IP: p.IP, Port: p.Port})
				}
			}
		}(rootID, downloaded, left)
	}
}
