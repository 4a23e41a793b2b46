// Package speaker runs the BGP sessions of every configured peer: it owns
// the TCP transports and timers and feeds the fsm reducer in arrival order.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/route-beacon/bgp-speaker/internal/rib"
)

const acceptRetryDelay = 100 * time.Millisecond

// Speaker supervises one Peer per configured neighbor and accepts inbound
// connections for them.
type Speaker struct {
	peers  []*Peer
	byAddr map[netip.Addr]*Peer
	listen string
	logger *zap.Logger

	mu   sync.Mutex
	addr net.Addr
}

// New creates the peers. listen is the address inbound sessions are
// accepted on; empty disables the listener.
func New(peers []PeerConfig, listen string, sink rib.Sink, logger *zap.Logger, opts ...PeerOption) *Speaker {
	s := &Speaker{
		byAddr: make(map[netip.Addr]*Peer, len(peers)),
		listen: listen,
		logger: logger.Named("speaker"),
	}
	peerLogger := logger.Named("peer")
	for _, cfg := range peers {
		p := NewPeer(cfg, sink, peerLogger, opts...)
		s.peers = append(s.peers, p)
		s.byAddr[cfg.Address.Unmap()] = p
	}
	return s
}

// Run starts every peer and the listener and blocks until ctx is cancelled
// or the listener cannot be opened.
func (s *Speaker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.listen != "" {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", s.listen)
		if err != nil {
			return fmt.Errorf("speaker: listen %s: %w", s.listen, err)
		}
		s.mu.Lock()
		s.addr = ln.Addr()
		s.mu.Unlock()
		s.logger.Info("listening for BGP connections", zap.String("addr", ln.Addr().String()))

		g.Go(func() error {
			<-ctx.Done()
			ln.Close()
			return nil
		})
		g.Go(func() error { return s.acceptLoop(ctx, ln) })
	}

	for _, p := range s.peers {
		g.Go(func() error { return p.Run(ctx) })
	}
	return g.Wait()
}

func (s *Speaker) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		s.route(ctx, conn)
	}
}

// route hands conn to the peer configured for its remote address.
func (s *Speaker) route(ctx context.Context, conn net.Conn) {
	p := s.peerFor(conn.RemoteAddr())
	if p == nil {
		s.logger.Warn("rejecting connection from unknown peer", zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	if !p.Accept(ctx, conn) {
		conn.Close()
	}
}

func (s *Speaker) peerFor(addr net.Addr) *Peer {
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return nil
	}
	return s.byAddr[ap.Addr().Unmap()]
}

// ListenAddr returns the bound listener address once Run has opened it.
func (s *Speaker) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Snapshot returns the status of every peer in configuration order.
func (s *Speaker) Snapshot() []PeerStatus {
	out := make([]PeerStatus, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p.Status())
	}
	return out
}
