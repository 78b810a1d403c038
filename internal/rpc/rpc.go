// Package rpc implements the local control plane: a loopback-only
// datagram RPC with JSON messages, per spec.md §6.
package rpc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rafdp/engine/internal/peers"
	"github.com/rafdp/engine/internal/store"
	"github.com/rafdp/engine/internal/tracker"
	"github.com/rafdp/engine/internal/treebuilder"
	"github.com/sirupsen/logrus"
)

// Request is the decoded shape of every control-plane message; unused
// fields for a given method are simply left at their zero value.
type Request struct {
	Method   string `json:"method"`
	Filename string `json:"filename,omitempty"`
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
	Hash     string `json:"hash,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Response is the JSON reply; every response carries "success" plus
// whatever method-specific fields apply.
type Response map[string]interface{}

func ok(fields Response) Response {
	if fields == nil {
		fields = Response{}
	}
	fields["success"] = true
	return fields
}

func fail(message string) Response {
	return Response{"success": false, "message": message}
}

// Server binds a loopback UDP socket and answers control-plane requests
// against the given store, peer table, and tracker client.
type Server struct {
	conn          *net.UDPConn
	store         *store.Store
	peers         *peers.Table
	tracker       *tracker.Client
	transportPort int
	log           *logrus.Entry
}

// Listen binds the control-plane socket to 127.0.0.1:port (0 for an
// ephemeral port).
func Listen(port int, s *store.Store, pt *peers.Table, tc *tracker.Client, transportPort int, log *logrus.Entry) (*Server, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, fmt.Errorf("rpc: binding loopback control socket: %w", err)
	}
	return &Server{
		conn:          conn,
		store:         s,
		peers:         pt,
		tracker:       tc,
		transportPort: transportPort,
		log:           log,
	}, nil
}

// Port returns the bound local port.
func (s *Server) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close shuts down the control socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Serve reads requests until the socket closes. Non-loopback sources
// are rejected with a logged warning and no response, per spec.md §7.
func (s *Server) Serve() error {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			s.log.WithError(err).Warn("rpc: read error, continuing")
			continue
		}

		if !addr.IP.IsLoopback() {
			s.log.WithField("source", addr).Warn("rpc: rejecting request from non-loopback source")
			continue
		}

		resp := s.handle(buf[:n])
		out, err := json.Marshal(resp)
		if err != nil {
			s.log.WithError(err).Error("rpc: marshaling response")
			continue
		}
		if _, err := s.conn.WriteToUDP(out, addr); err != nil {
			s.log.WithError(err).Warn("rpc: writing response failed")
		}
	}
}

func (s *Server) handle(raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fail("malformed request: " + err.Error())
	}

	switch req.Method {
	case "addfile":
		return s.addfile(req)
	case "getport":
		return ok(Response{"port": s.transportPort})
	case "getpid":
		return ok(Response{"pid": os.Getpid()})
	case "addpeer":
		return s.addpeer(req)
	case "addhash":
		return s.addhash(req)
	case "gethash":
		return s.gethash(req)
	case "addurl":
		return s.addurl(req)
	case "getpeers":
		return s.getpeers()
	default:
		return fail("unknown method: " + req.Method)
	}
}

func (s *Server) addfile(req Request) Response {
	root, err := treebuilder.BuildFromFile(s.store, req.Filename)
	if err != nil {
		return fail(err.Error())
	}
	return ok(Response{"hash": root})
}

func (s *Server) addpeer(req Request) Response {
	ip := net.ParseIP(req.IP)
	if ip == nil {
		return fail("invalid ip: " + req.IP)
	}
	s.peers.Ensure(&net.UDPAddr{IP: ip, Port: req.Port})
	return ok(nil)
}

func (s *Server) addhash(req Request) Response {
	s.store.InsertPending(req.Hash)
	s.store.PinRoot(req.Hash, 0)
	return ok(nil)
}

// gethash answers with the resolved node's wire payload if known;
// otherwise it records the identifier as Pending (so the sync loop
// starts chasing it) and reports success=false, per spec.md §6.
func (s *Server) gethash(req Request) Response {
	exp, err := s.store.GetExpanded(req.Hash)
	if err != nil {
		s.store.InsertPending(req.Hash)
		return fail("unknown hash")
	}
	if exp.Binary {
		return ok(Response{
			"hashed":  base64.StdEncoding.EncodeToString(exp.Payload),
			"encoded": true,
		})
	}
	return ok(Response{
		"hashed":  string(exp.Payload),
		"encoded": false,
	})
}

func (s *Server) addurl(req Request) Response {
	s.tracker.AddURL(req.URL)
	return ok(nil)
}

func (s *Server) getpeers() Response {
	addrs := s.peers.All()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return ok(Response{"peers": out})
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
