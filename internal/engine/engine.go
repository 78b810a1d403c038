// Package engine wires the store, transport, protocol handler, sync
// loop, tracker client, and control-plane RPC server into a single
// value constructed once at startup, replacing the global mutable
// state the original implementation kept at module scope (spec.md §9's
// "Global mutable state" design note).
package engine

import (
	"context"
	"fmt"

	"github.com/rafdp/engine/internal/peers"
	"github.com/rafdp/engine/internal/protocol"
	"github.com/rafdp/engine/internal/rpc"
	"github.com/rafdp/engine/internal/store"
	"github.com/rafdp/engine/internal/syncloop"
	"github.com/rafdp/engine/internal/tracker"
	"github.com/rafdp/engine/internal/transport"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Config controls where Engine binds its sockets.
type Config struct {
	// TransportPort is the UDP port the wire protocol listens on (0 for
	// an ephemeral port).
	TransportPort int
	// ControlPort is the loopback-only control-plane RPC port (0 for an
	// ephemeral port).
	ControlPort int
}

// Engine is every long-lived collaborator the daemon needs, held as
// explicit fields rather than package-level singletons.
type Engine struct {
	Store   *store.Store
	Peers   *peers.Table
	Tracker *tracker.Client

	transport *transport.Transport
	protocol  *protocol.Handler
	rpc       *rpc.Server
	sync      *syncloop.Loop

	log *logrus.Entry
}

// New binds the transport and control-plane sockets and assembles every
// collaborator, ready for Run.
func New(cfg Config, log *logrus.Entry) (*Engine, error) {
	s := store.New(log.WithField("component", "store"))
	pt := peers.NewTable()
	tc := tracker.NewClient(log.WithField("component", "tracker"))

	tr, err := transport.Listen(cfg.TransportPort, log.WithField("component", "transport"))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	registry := metrics.NewRegistry()
	ph := protocol.New(s, pt, tr, log.WithField("component", "protocol"), registry)

	rpcSrv, err := rpc.Listen(cfg.ControlPort, s, pt, tc, tr.Port(), log.WithField("component", "rpc"))
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	loop := syncloop.New(s, pt, tc, tr.Port(), log.WithField("component", "syncloop"), ph.SendPing, ph.SendRequest, ph.BytesServed)

	return &Engine{
		Store:     s,
		Peers:     pt,
		Tracker:   tc,
		transport: tr,
		protocol:  ph,
		rpc:       rpcSrv,
		sync:      loop,
		log:       log,
	}, nil
}

// TransportPort returns the bound wire-protocol UDP port.
func (e *Engine) TransportPort() int { return e.transport.Port() }

// ControlPort returns the bound control-plane UDP port.
func (e *Engine) ControlPort() int { return e.rpc.Port() }

// Run starts the transport receive loop, the control-plane RPC server,
// and the sync loop, and blocks until ctx is canceled. All three run
// concurrently, per spec.md §5's scheduling model.
func (e *Engine) Run(ctx context.Context) error {
	errCh := make(chan error, 3)

	go func() {
		errCh <- e.transport.Serve(e.protocol)
	}()
	go func() {
		errCh <- e.rpc.Serve()
	}()
	go func() {
		e.sync.Run(ctx)
		errCh <- nil
	}()

	<-ctx.Done()
	e.transport.Close()
	e.rpc.Close()

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
