// Package transport owns the single UDP socket the engine listens and
// sends on (spec.md §4.D). It is the only place that touches net.UDPConn
// directly; everything above it deals in addresses and byte slices.
package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// maxDatagramSize is large enough to hold any frame this protocol emits
// (the largest is a binary fragment: a couple dozen header bytes plus
// FragmentPayloadSize of chunk data), with headroom.
const maxDatagramSize = 2048

// Dispatcher receives one inbound datagram from addr.
type Dispatcher interface {
	HandleDatagram(addr *net.UDPAddr, data []byte)
}

// Transport binds one UDP socket and drives a receive loop that hands
// each datagram to a Dispatcher.
type Transport struct {
	conn *net.UDPConn
	log  *logrus.Entry
}

// Listen binds a UDP socket on the given port (0 picks an ephemeral
// port) across all interfaces.
func Listen(port int, log *logrus.Entry) (*Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: binding UDP port %d: %w", port, err)
	}
	return &Transport{conn: conn, log: log}, nil
}

// Port returns the bound local port (useful when Listen was given 0).
func (t *Transport) Port() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// SendTo writes data as a single UDP datagram to addr.
func (t *Transport) SendTo(addr *net.UDPAddr, data []byte) error {
	_, err := t.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("transport: sending to %s: %w", addr, err)
	}
	return nil
}

// Serve reads datagrams until the socket is closed (typically via
// Close from another goroutine), handing each to d. Read errors other
// than "socket closed" are logged and Serve continues; a closed socket
// ends the loop and returns nil.
func (t *Transport) Serve(d Dispatcher) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedConnError(err) {
				return nil
			}
			t.log.WithError(err).Warn("transport: read error, continuing")
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		d.HandleDatagram(addr, datagram)
	}
}

// Close shuts down the socket, unblocking any in-flight Serve call.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
