package rpc

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rafdp/engine/internal/peers"
	"github.com/rafdp/engine/internal/store"
	"github.com/rafdp/engine/internal/tracker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *net.UDPConn) {
	t.Helper()
	s := store.New(nil)
	pt := peers.NewTable()
	tc := tracker.NewClient(logrus.NewEntry(logrus.New()))
	srv, err := Listen(0, s, pt, tc, 4321, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	go srv.Serve()

	client, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: srv.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func roundTrip(t *testing.T, client *net.UDPConn, req Request) Response {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = client.Write(raw)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65536)
	n, err := client.Read(buf)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(buf[:n], &resp))
	return resp
}

func TestGetPortAndGetPid(t *testing.T) {
	_, client := newTestServer(t)

	resp := roundTrip(t, client, Request{Method: "getport"})
	require.Equal(t, true, resp["success"])
	require.EqualValues(t, 4321, resp["port"])

	resp = roundTrip(t, client, Request{Method: "getpid"})
	require.Equal(t, true, resp["success"])
	require.EqualValues(t, os.Getpid(), resp["pid"])
}

func TestAddFileReturnsHash(t *testing.T) {
	_, client := newTestServer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	resp := roundTrip(t, client, Request{Method: "addfile", Filename: path})
	require.Equal(t, true, resp["success"])
	require.NotEmpty(t, resp["hash"])
}

func TestAddFileMissingPathFails(t *testing.T) {
	_, client := newTestServer(t)
	resp := roundTrip(t, client, Request{Method: "addfile", Filename: "/nonexistent/path"})
	require.Equal(t, false, resp["success"])
}

func TestAddPeerAndGetPeers(t *testing.T) {
	_, client := newTestServer(t)

	resp := roundTrip(t, client, Request{Method: "addpeer", IP: "192.0.2.5", Port: 7000})
	require.Equal(t, true, resp["success"])

	resp = roundTrip(t, client, Request{Method: "getpeers"})
	require.Equal(t, true, resp["success"])
	peersList, ok := resp["peers"].([]interface{})
	require.True(t, ok)
	require.Contains(t, peersList, "192.0.2.5:7000")
}

func TestGetHashUnknownCreatesPendingAndFails(t *testing.T) {
	srv, client := newTestServer(t)

	resp := roundTrip(t, client, Request{Method: "gethash", Hash: "RAFDP10unknown"})
	require.Equal(t, false, resp["success"])
	require.True(t, srv.store.Has("RAFDP10unknown"))
}

func TestAddHashThenGetHash(t *testing.T) {
	srv, client := newTestServer(t)

	resp := roundTrip(t, client, Request{Method: "addhash", Hash: "RAFDP10pinned"})
	require.Equal(t, true, resp["success"])
	require.Contains(t, srv.store.PinnedRoots(), "RAFDP10pinned")

	// The pinned root is still Pending, so gethash has nothing to return.
	resp = roundTrip(t, client, Request{Method: "gethash", Hash: "RAFDP10pinned"})
	require.Equal(t, false, resp["success"])
}

func TestAddURL(t *testing.T) {
	srv, client := newTestServer(t)
	resp := roundTrip(t, client, Request{Method: "addurl", URL: "http://tracker.example/announce"})
	require.Equal(t, true, resp["success"])
	require.Contains(t, srv.tracker.URLs(), "http://tracker.example/announce")
}

func TestUnknownMethod(t *testing.T) {
	_, client := newTestServer(t)
	resp := roundTrip(t, client, Request{Method: "bogus"})
	require.Equal(t, false, resp["success"])
}
