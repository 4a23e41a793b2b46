package speaker

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/fsm"
	"github.com/route-beacon/bgp-speaker/internal/rib"
)

// PeerConfig is everything a session driver needs to know about one
// neighbor.
type PeerConfig struct {
	Name        string
	Address     netip.Addr
	Port        int
	Description string
	Session     fsm.Config
	// Source supplies the routes announced once the session is
	// Established. Nil announces nothing but End-of-RIB.
	Source rib.Source
}

// Target is the dial address of the peer.
func (c PeerConfig) Target() string {
	return netip.AddrPortFrom(c.Address, uint16(c.Port)).String()
}

// Capabilities builds the capabilities advertised in every OPEN from the
// speaker configuration.
func Capabilities(s config.SpeakerConfig) ([]bgp.Capability, error) {
	families, err := s.ParsedFamilies()
	if err != nil {
		return nil, err
	}
	addPath, err := s.ParsedAddPathReceive()
	if err != nil {
		return nil, err
	}

	var caps []bgp.Capability
	for _, f := range families {
		caps = append(caps, bgp.Capability{Code: bgp.CapMultiprotocol, Value: bgp.MultiprotocolCap{Family: f}})
	}
	if s.RouteRefresh {
		caps = append(caps, bgp.Capability{Code: bgp.CapRouteRefresh, Value: bgp.RouteRefreshCap{}})
	}
	if s.EnhancedRouteRefresh {
		caps = append(caps, bgp.Capability{Code: bgp.CapEnhancedRouteRefresh, Value: bgp.EnhancedRouteRefreshCap{}})
	}
	if s.ExtendedMessage {
		caps = append(caps, bgp.Capability{Code: bgp.CapExtendedMessage, Value: bgp.ExtendedMessageCap{}})
	}
	caps = append(caps, bgp.Capability{Code: bgp.CapFourOctetAS, Value: bgp.FourOctetASCap{ASN: s.ASN}})
	if len(addPath) > 0 {
		ap := &bgp.AddPathCap{}
		for _, f := range addPath {
			ap.Families = append(ap.Families, bgp.AddPathFamily{Family: f, Mode: bgp.AddPathReceive})
		}
		caps = append(caps, bgp.Capability{Code: bgp.CapAddPath, Value: ap})
	}
	if s.GracefulRestartSeconds > 0 {
		gr := &bgp.GracefulRestartCap{RestartTime: uint16(s.GracefulRestartSeconds)}
		for _, f := range families {
			gr.Families = append(gr.Families, bgp.GracefulRestartFamily{Family: f})
		}
		caps = append(caps, bgp.Capability{Code: bgp.CapGracefulRestart, Value: gr})
	}
	if s.Hostname != "" {
		caps = append(caps, bgp.Capability{Code: bgp.CapFQDN, Value: bgp.FQDNCap{Hostname: s.Hostname, Domain: s.DomainName}})
	}
	return caps, nil
}

// PeersFromConfig builds the driver configuration of every configured peer.
// cfg must have passed Validate.
func PeersFromConfig(cfg *config.Config) ([]PeerConfig, error) {
	caps, err := Capabilities(cfg.Speaker)
	if err != nil {
		return nil, fmt.Errorf("speaker: capabilities: %w", err)
	}
	routerID, err := netip.ParseAddr(cfg.Speaker.RouterID)
	if err != nil {
		return nil, fmt.Errorf("speaker: router_id: %w", err)
	}

	peers := make([]PeerConfig, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addr, err := netip.ParseAddr(p.Address)
		if err != nil {
			return nil, fmt.Errorf("speaker: peer %s: %w", p.Name, err)
		}

		var src rib.Source
		if len(p.Announce) > 0 {
			static, err := rib.NewStatic(cfg.Speaker.ASN, p.Announce, p.Communities, p.NextHop)
			if err != nil {
				return nil, fmt.Errorf("speaker: peer %s: %w", p.Name, err)
			}
			static.LocalPref = p.LocalPref
			static.MED = p.MED
			src = static
		}

		peers = append(peers, PeerConfig{
			Name:        p.Name,
			Address:     addr,
			Port:        p.Port,
			Description: p.Description,
			Session: fsm.Config{
				LocalASN:     cfg.Speaker.ASN,
				PeerASN:      p.ASN,
				RouterID:     routerID,
				HoldTime:     holdTime(p.HoldTime(cfg.Speaker)),
				ConnectRetry: time.Duration(cfg.Speaker.ConnectRetrySeconds) * time.Second,
				Passive:      p.Passive,
				Capabilities: caps,
			},
			Source: src,
		})
	}
	return peers, nil
}

// holdTime maps a configured hold time onto fsm.Config, where zero selects
// the default and a negative value disables the timer.
func holdTime(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
