package bgp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
)

// Capability codes (IANA "Capability Codes" registry).
const (
	CapMultiprotocol        uint8 = 1
	CapRouteRefresh         uint8 = 2
	CapExtendedMessage      uint8 = 6
	CapGracefulRestart      uint8 = 64
	CapFourOctetAS          uint8 = 65
	CapAddPath              uint8 = 69
	CapEnhancedRouteRefresh uint8 = 70
	CapFQDN                 uint8 = 73
)

// Capability is one capability TLV from an OPEN.
type Capability struct {
	Code  uint8
	Value CapabilityValue
}

// CapabilityValue is the typed value of a capability.
type CapabilityValue interface {
	MarshalBGP() ([]byte, error)
}

// OpaqueCapability holds the value of a capability this speaker does not
// interpret.
type OpaqueCapability []byte

func (o OpaqueCapability) MarshalBGP() ([]byte, error) { return []byte(o), nil }

func (o OpaqueCapability) String() string { return hex.EncodeToString(o) }

// CapabilityDecoder decodes one capability value.
type CapabilityDecoder func(data []byte) (CapabilityValue, error)

// CapabilityCodec is a registry entry for one capability code.
type CapabilityCodec struct {
	Name   string
	Decode CapabilityDecoder
}

// CapabilityRegistry maps capability codes to codecs. Like AttributeRegistry
// it is populated once and then shared read-only.
type CapabilityRegistry struct {
	entries map[uint8]CapabilityCodec
}

func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{entries: make(map[uint8]CapabilityCodec)}
}

func (r *CapabilityRegistry) Register(code uint8, c CapabilityCodec) error {
	if c.Decode == nil {
		return fmt.Errorf("bgp: capability %d: nil decoder", code)
	}
	if _, ok := r.entries[code]; ok {
		return fmt.Errorf("bgp: capability %d already registered", code)
	}
	r.entries[code] = c
	return nil
}

func (r *CapabilityRegistry) Lookup(code uint8) (CapabilityCodec, bool) {
	c, ok := r.entries[code]
	return c, ok
}

func (r *CapabilityRegistry) Codes() []uint8 {
	codes := make([]uint8, 0, len(r.entries))
	for c := range r.entries {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Name returns the registered name of code, or "CAP(n)".
func (r *CapabilityRegistry) Name(code uint8) string {
	if c, ok := r.entries[code]; ok {
		return c.Name
	}
	return fmt.Sprintf("CAP(%d)", code)
}

// Decode interprets one capability value. Unregistered codes decode as
// OpaqueCapability.
func (r *CapabilityRegistry) Decode(code uint8, data []byte) (CapabilityValue, error) {
	c, ok := r.entries[code]
	if !ok {
		return OpaqueCapability(append([]byte(nil), data...)), nil
	}
	v, err := c.Decode(data)
	if err != nil {
		return nil, OpenError(SubOpenUnspecific, nil, "capability %s: %v", c.Name, err)
	}
	return v, nil
}

// Encode serializes a capability TLV.
func (r *CapabilityRegistry) Encode(c Capability) ([]byte, error) {
	return r.appendCapability(nil, c)
}

func (r *CapabilityRegistry) appendCapability(dst []byte, c Capability) ([]byte, error) {
	if c.Value == nil {
		return dst, fmt.Errorf("bgp: capability %s has no value", r.Name(c.Code))
	}
	v, err := c.Value.MarshalBGP()
	if err != nil {
		return dst, fmt.Errorf("bgp: encode capability %s: %w", r.Name(c.Code), err)
	}
	if len(v) > 0xff {
		return dst, fmt.Errorf("bgp: encode capability %s: value of %d bytes", r.Name(c.Code), len(v))
	}
	dst = append(dst, c.Code, byte(len(v)))
	return append(dst, v...), nil
}

// decodeCapabilities parses the value of one Capabilities optional parameter,
// which may hold several capability TLVs.
func (r *CapabilityRegistry) decodeCapabilities(data []byte) ([]Capability, error) {
	var caps []Capability
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, OpenError(SubOpenUnspecific, nil, "capability header truncated at offset %d", offset)
		}
		code := data[offset]
		l := int(data[offset+1])
		offset += 2
		if offset+l > len(data) {
			return nil, OpenError(SubOpenUnspecific, nil, "capability %s length %d overruns parameter", r.Name(code), l)
		}
		v, err := r.Decode(code, data[offset:offset+l])
		if err != nil {
			return nil, err
		}
		caps = append(caps, Capability{Code: code, Value: v})
		offset += l
	}
	return caps, nil
}

// DefaultCapabilities returns a registry with every capability this speaker
// understands.
func DefaultCapabilities() *CapabilityRegistry {
	r := NewCapabilityRegistry()
	for code, c := range builtinCapabilities {
		_ = r.Register(code, c)
	}
	return r
}

var builtinCapabilities = map[uint8]CapabilityCodec{
	CapMultiprotocol:        {Name: "multiprotocol", Decode: decodeMultiprotocol},
	CapRouteRefresh:         {Name: "route-refresh", Decode: emptyCapability(func() CapabilityValue { return RouteRefreshCap{} })},
	CapExtendedMessage:      {Name: "extended-message", Decode: emptyCapability(func() CapabilityValue { return ExtendedMessageCap{} })},
	CapGracefulRestart:      {Name: "graceful-restart", Decode: decodeGracefulRestart},
	CapFourOctetAS:          {Name: "4-octet-as", Decode: decodeFourOctetAS},
	CapAddPath:              {Name: "add-path", Decode: decodeAddPath},
	CapEnhancedRouteRefresh: {Name: "enhanced-route-refresh", Decode: emptyCapability(func() CapabilityValue { return EnhancedRouteRefreshCap{} })},
	CapFQDN:                 {Name: "fqdn", Decode: decodeFQDN},
}

func emptyCapability(v func() CapabilityValue) CapabilityDecoder {
	return func(data []byte) (CapabilityValue, error) {
		if len(data) != 0 {
			return nil, fmt.Errorf("length %d, want 0", len(data))
		}
		return v(), nil
	}
}

// MultiprotocolCap advertises one AFI/SAFI (RFC 4760). Reserved is the
// octet between AFI and SAFI, sent as zero and kept as received.
type MultiprotocolCap struct {
	Family   Family
	Reserved uint8
}

func (m MultiprotocolCap) MarshalBGP() ([]byte, error) {
	out := binary.BigEndian.AppendUint16(nil, m.Family.AFI)
	return append(out, m.Reserved, m.Family.SAFI), nil
}

func decodeMultiprotocol(data []byte) (CapabilityValue, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("length %d, want 4", len(data))
	}
	return MultiprotocolCap{
		Family:   Family{AFI: binary.BigEndian.Uint16(data[0:2]), SAFI: data[3]},
		Reserved: data[2],
	}, nil
}

// RouteRefreshCap is the route refresh capability (RFC 2918).
type RouteRefreshCap struct{}

func (RouteRefreshCap) MarshalBGP() ([]byte, error) { return []byte{}, nil }

// ExtendedMessageCap is the extended message capability (RFC 8654).
type ExtendedMessageCap struct{}

func (ExtendedMessageCap) MarshalBGP() ([]byte, error) { return []byte{}, nil }

// EnhancedRouteRefreshCap is the enhanced route refresh capability (RFC 7313).
type EnhancedRouteRefreshCap struct{}

func (EnhancedRouteRefreshCap) MarshalBGP() ([]byte, error) { return []byte{}, nil }

// Graceful restart header and per-family flag bits.
const (
	grRestarted      uint16 = 0x8000
	grNotification   uint16 = 0x4000
	grReservedBits   uint16 = 0x3000
	grRestartTime    uint16 = 0x0fff
	grForwardingKept uint8  = 0x80
)

// GracefulRestartFamily is one per-family entry of the graceful restart
// capability. Reserved holds the flag bits other than forwarding state.
type GracefulRestartFamily struct {
	Family         Family
	ForwardingKept bool
	Reserved       uint8
}

// GracefulRestartCap is the graceful restart capability (RFC 4724). Only
// the capability is modeled, not the restart procedures. Reserved holds the
// two unassigned header bits (mask 0x3000).
type GracefulRestartCap struct {
	Restarted    bool
	Notification bool // RFC 8538 "N" bit
	Reserved     uint16
	RestartTime  uint16
	Families     []GracefulRestartFamily
}

func (g *GracefulRestartCap) MarshalBGP() ([]byte, error) {
	if g.RestartTime > grRestartTime {
		return nil, fmt.Errorf("restart time %d exceeds 4095", g.RestartTime)
	}
	hdr := g.RestartTime | g.Reserved&grReservedBits
	if g.Restarted {
		hdr |= grRestarted
	}
	if g.Notification {
		hdr |= grNotification
	}
	out := binary.BigEndian.AppendUint16(nil, hdr)
	for _, f := range g.Families {
		flags := f.Reserved &^ grForwardingKept
		if f.ForwardingKept {
			flags |= grForwardingKept
		}
		out = binary.BigEndian.AppendUint16(out, f.Family.AFI)
		out = append(out, f.Family.SAFI, flags)
	}
	return out, nil
}

func decodeGracefulRestart(data []byte) (CapabilityValue, error) {
	if len(data) < 2 || (len(data)-2)%4 != 0 {
		return nil, fmt.Errorf("length %d, want 2+4n", len(data))
	}
	hdr := binary.BigEndian.Uint16(data[0:2])
	g := &GracefulRestartCap{
		Restarted:    hdr&grRestarted != 0,
		Notification: hdr&grNotification != 0,
		Reserved:     hdr & grReservedBits,
		RestartTime:  hdr & grRestartTime,
	}
	for i := 2; i+4 <= len(data); i += 4 {
		flags := data[i+3]
		g.Families = append(g.Families, GracefulRestartFamily{
			Family:         Family{AFI: binary.BigEndian.Uint16(data[i : i+2]), SAFI: data[i+2]},
			ForwardingKept: flags&grForwardingKept != 0,
			Reserved:       flags &^ grForwardingKept,
		})
	}
	return g, nil
}

// FourOctetASCap carries the speaker's real ASN (RFC 6793).
type FourOctetASCap struct {
	ASN uint32
}

func (f FourOctetASCap) MarshalBGP() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, f.ASN), nil
}

func decodeFourOctetAS(data []byte) (CapabilityValue, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("length %d, want 4", len(data))
	}
	return FourOctetASCap{ASN: binary.BigEndian.Uint32(data)}, nil
}

// AddPathMode is the send/receive field of an ADD-PATH tuple.
type AddPathMode uint8

const (
	AddPathReceive AddPathMode = 1
	AddPathSend    AddPathMode = 2
	AddPathBoth    AddPathMode = 3
)

func (m AddPathMode) CanReceive() bool { return m&AddPathReceive != 0 }
func (m AddPathMode) CanSend() bool    { return m&AddPathSend != 0 }

// AddPathFamily is one ADD-PATH tuple.
type AddPathFamily struct {
	Family Family
	Mode   AddPathMode
}

// AddPathCap is the ADD-PATH capability (RFC 7911).
type AddPathCap struct {
	Families []AddPathFamily
}

func (a *AddPathCap) MarshalBGP() ([]byte, error) {
	var out []byte
	for _, f := range a.Families {
		out = binary.BigEndian.AppendUint16(out, f.Family.AFI)
		out = append(out, f.Family.SAFI, byte(f.Mode))
	}
	return out, nil
}

func decodeAddPath(data []byte) (CapabilityValue, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("length %d, want multiple of 4", len(data))
	}
	a := &AddPathCap{}
	for i := 0; i+4 <= len(data); i += 4 {
		mode := AddPathMode(data[i+3])
		if mode < AddPathReceive || mode > AddPathBoth {
			return nil, fmt.Errorf("send/receive value %d", mode)
		}
		a.Families = append(a.Families, AddPathFamily{
			Family: Family{AFI: binary.BigEndian.Uint16(data[i : i+2]), SAFI: data[i+2]},
			Mode:   mode,
		})
	}
	return a, nil
}

// FQDNCap advertises the speaker's host and domain name.
type FQDNCap struct {
	Hostname string
	Domain   string
}

func (f FQDNCap) MarshalBGP() ([]byte, error) {
	if len(f.Hostname) > 0xff || len(f.Domain) > 0xff {
		return nil, fmt.Errorf("hostname or domain longer than 255 bytes")
	}
	out := append([]byte{byte(len(f.Hostname))}, f.Hostname...)
	out = append(out, byte(len(f.Domain)))
	return append(out, f.Domain...), nil
}

func decodeFQDN(data []byte) (CapabilityValue, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty value")
	}
	hl := int(data[0])
	if 1+hl+1 > len(data) {
		return nil, fmt.Errorf("hostname length %d overruns value", hl)
	}
	f := FQDNCap{Hostname: string(data[1 : 1+hl])}
	rest := data[1+hl:]
	dl := int(rest[0])
	if 1+dl != len(rest) {
		return nil, fmt.Errorf("domain length %d does not match value", dl)
	}
	f.Domain = string(rest[1:])
	return f, nil
}
