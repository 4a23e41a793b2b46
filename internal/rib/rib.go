// Package rib is the boundary between peer sessions and route storage.
// Sessions hand every received UPDATE to a Sink and pull the routes they
// announce from a Source; the tables behind either side live elsewhere.
package rib

import (
	"context"
	"errors"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

// Peer identifies the session an UPDATE arrived on.
type Peer struct {
	Name       string // configured peer name, or the remote address
	Address    string
	ASN        uint32
	RouterID   string
	Negotiated bgp.Negotiated
}

// Delivery is one UPDATE received from a peer.
type Delivery struct {
	Peer        Peer
	Update      *bgp.Update
	Raw         []byte // the complete message as received
	Received    time.Time
	Established time.Time // when the session reached Established
	Seq         uint64    // message number within the session
}

// Events flattens the UPDATE into per-prefix route events.
func (d Delivery) Events() []*bgp.RouteEvent {
	return d.Update.RouteEvents(d.Peer.Negotiated.AS4)
}

// Sink consumes UPDATEs received from peers. Deliver is called from the
// session goroutine in arrival order and must not retain d.Raw after it
// returns.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, d Delivery) error

func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(context.Context, Delivery) error { return nil })

// Multi fans a delivery out to every sink in order. All sinks are called;
// their errors are joined.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, d Delivery) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Deliver(ctx, d); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Source supplies the UPDATEs announced to a peer once its session is
// Established. Routes returns the full table for family f, already split
// into messages that fit p.MaxLen(), without the End-of-RIB marker.
type Source interface {
	Routes(peer Peer, f bgp.Family, p bgp.Params) ([]*bgp.Update, error)
}

// InitialUpdates returns everything announced when a session comes up: the
// routes of every negotiated family, each followed by its End-of-RIB.
func InitialUpdates(src Source, peer Peer, p bgp.Params) ([]*bgp.Update, error) {
	var out []*bgp.Update
	for _, f := range peer.Negotiated.Families {
		if src != nil {
			us, err := src.Routes(peer, f, p)
			if err != nil {
				return nil, err
			}
			out = append(out, us...)
		}
		out = append(out, bgp.NewEndOfRIB(f))
	}
	return out, nil
}

// RefreshMessages answers a ROUTE-REFRESH request for one family. With
// Enhanced Route Refresh the routes are bracketed by BoRR and EoRR;
// otherwise they are followed by End-of-RIB when graceful restart was
// negotiated. A request for a family that was not negotiated yields nothing.
func RefreshMessages(src Source, peer Peer, f bgp.Family, p bgp.Params) ([]bgp.Message, error) {
	if !peer.Negotiated.HasFamily(f) {
		return nil, nil
	}
	var routes []*bgp.Update
	if src != nil {
		var err error
		if routes, err = src.Routes(peer, f, p); err != nil {
			return nil, err
		}
	}

	var out []bgp.Message
	enhanced := peer.Negotiated.EnhancedRouteRefresh
	if enhanced {
		out = append(out, &bgp.RouteRefresh{Family: f, Subtype: bgp.RefreshBoRR})
	}
	for _, u := range routes {
		out = append(out, u)
	}
	switch {
	case enhanced:
		out = append(out, &bgp.RouteRefresh{Family: f, Subtype: bgp.RefreshEoRR})
	case peer.Negotiated.GracefulRestart:
		out = append(out, bgp.NewEndOfRIB(f))
	}
	return out, nil
}
