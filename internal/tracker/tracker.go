// Package tracker implements a BitTorrent-style tracker client: GET
// announce requests against a set of known tracker URLs, decoding the
// bencoded compact peer list each returns. See spec.md §6 ("Tracker
// Client Contract").
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"
)

// maxConcurrentAnnounces bounds how many tracker URLs are announced to
// at once, mirroring the original implementation's eight-worker pool.
const maxConcurrentAnnounces = 8

// Peer is one peer address a tracker's compact peer list described.
type Peer struct {
	IP   net.IP
	Port int
}

// AnnounceResult is one tracker URL's response to an announce.
type AnnounceResult struct {
	URL         string
	Interval    time.Duration
	MinInterval time.Duration
	Peers       []Peer
}

type bencodeResponse struct {
	Interval    int    `bencode:"interval"`
	MinInterval int    `bencode:"min interval"`
	Peers       string `bencode:"peers"`
	FailureMsg  string `bencode:"failure reason"`
}

// Client holds the set of known tracker URLs and announces to all of
// them concurrently on request.
type Client struct {
	httpClient *http.Client

	mu   sync.Mutex
	urls map[string]struct{}

	// peerID uniquely labels this process's announces, the Go-idiomatic
	// stand-in for the original's random 20-character ASCII peer id:
	// generated once per process rather than derived from the wire
	// identifier format, since it only needs to be unique, not parseable.
	peerID string

	log *logrus.Entry
}

// NewClient constructs a Client with no known tracker URLs yet.
func NewClient(log *logrus.Entry) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		urls:       make(map[string]struct{}),
		peerID:     uuid.New().String(),
		log:        log,
	}
}

// AddURL registers a tracker URL, a no-op if already known.
func (c *Client) AddURL(trackerURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.urls[trackerURL] = struct{}{}
}

// URLs returns a snapshot of every known tracker URL.
func (c *Client) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.urls))
	for u := range c.urls {
		out = append(out, u)
	}
	return out
}

// Announce issues a GET announce for infoHash (a pinned root identifier)
// against every known tracker URL concurrently, bounded to
// maxConcurrentAnnounces in flight at once. Per-URL failures are logged
// and excluded from the returned slice rather than aborting the whole
// announce round — one dead tracker must not block the others.
func (c *Client) Announce(ctx context.Context, infoHash string, uploaded, downloaded, left int64, myPort int) []AnnounceResult {
	urls := c.URLs()
	if len(urls) == 0 {
		return nil
	}

	results := make(chan *AnnounceResult, len(urls))
	sem := make(chan struct{}, maxConcurrentAnnounces)
	var wg sync.WaitGroup

	for _, u := range urls {
		u := u
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r, err := c.announceOne(ctx, u, infoHash, uploaded, downloaded, left, myPort)
			if err != nil {
				c.log.WithError(err).WithField("tracker", u).Warn("tracker: announce failed")
				results <- nil
				return
			}
			results <- r
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []AnnounceResult
	for r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (c *Client) announceOne(ctx context.Context, trackerURL, infoHash string, uploaded, downloaded, left int64, myPort int) (*AnnounceResult, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parsing %s: %w", trackerURL, err)
	}
	// info_hash is truncated to 20 bytes to fit the conventional
	// BitTorrent field width and the announce URL length budget.
	truncatedHash := infoHash
	if len(truncatedHash) > 20 {
		truncatedHash = truncatedHash[:20]
	}
	q := u.Query()
	q.Set("info_hash", truncatedHash)
	q.Set("peer_id", c.peerID)
	q.Set("port", strconv.Itoa(myPort))
	q.Set("uploaded", strconv.FormatInt(uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(downloaded, 10))
	q.Set("left", strconv.FormatInt(left, 10))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request to %s: %w", trackerURL, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: GET %s: %w", trackerURL, err)
	}
	defer resp.Body.Close()

	var decoded bencodeResponse
	if err := bencode.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("tracker: decoding response from %s: %w", trackerURL, err)
	}
	if decoded.FailureMsg != "" {
		return nil, fmt.Errorf("tracker: %s reported failure: %s", trackerURL, decoded.FailureMsg)
	}

	return &AnnounceResult{
		URL:         trackerURL,
		Interval:    time.Duration(decoded.Interval) * time.Second,
		MinInterval: time.Duration(decoded.MinInterval) * time.Second,
		Peers:       decodeCompactPeers(decoded.Peers),
	}, nil
}

// decodeCompactPeers unpacks the BitTorrent compact peer format: each
// peer is 6 bytes, a big-endian IPv4 address followed by a big-endian
// port. Trailing bytes that don't form a full 6-byte entry are ignored.
func decodeCompactPeers(raw string) []Peer {
	b := []byte(raw)
	var peers []Peer
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: int(port)})
	}
	return peers
}
