package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Optional parameter types.
const (
	ParamCapabilities uint8 = 2
	// paramExtended marks the RFC 9072 extended optional parameters format
	// when it appears as both the length octet and the first type octet.
	paramExtended uint8 = 255
)

// OptionalParameter is one OPEN optional parameter. Capabilities parameters
// are decoded through the capability registry; any other type keeps its
// value as opaque bytes.
type OptionalParameter struct {
	Type         uint8
	Capabilities []Capability
	Value        []byte
}

// Open is the OPEN message.
type Open struct {
	Version  uint8
	MyAS     uint16
	HoldTime uint16
	RouterID netip.Addr
	Params   []OptionalParameter
	// Extended selects the RFC 9072 optional parameters encoding. Encode
	// also switches to it when the parameters do not fit in 255 bytes.
	Extended bool
}

func (*Open) Type() MessageType { return MsgOpen }

// NewOpen builds an OPEN for asn. ASNs above 65535 are sent as AS_TRANS;
// the caller advertises FourOctetASCap with the real value.
func NewOpen(asn uint32, holdTime uint16, routerID netip.Addr, caps ...Capability) *Open {
	myAS := uint16(asn)
	if asn > 0xffff {
		myAS = ASTrans
	}
	o := &Open{Version: Version, MyAS: myAS, HoldTime: holdTime, RouterID: routerID}
	if len(caps) > 0 {
		o.Params = []OptionalParameter{{Type: ParamCapabilities, Capabilities: caps}}
	}
	return o
}

// Capabilities returns every capability across all Capabilities parameters.
func (o *Open) Capabilities() []Capability {
	var caps []Capability
	for _, p := range o.Params {
		caps = append(caps, p.Capabilities...)
	}
	return caps
}

// Capability returns the first capability with code.
func (o *Open) Capability(code uint8) (Capability, bool) {
	for _, p := range o.Params {
		for _, c := range p.Capabilities {
			if c.Code == code {
				return c, true
			}
		}
	}
	return Capability{}, false
}

// ASN returns the sender's ASN, preferring the 4-octet AS capability.
func (o *Open) ASN() uint32 {
	if c, ok := o.Capability(CapFourOctetAS); ok {
		if v, ok := c.Value.(FourOctetASCap); ok {
			return v.ASN
		}
	}
	return uint32(o.MyAS)
}

func decodeOpen(body []byte, caps *CapabilityRegistry) (*Open, error) {
	if len(body) < 10 {
		return nil, HeaderError(SubBadMessageLength, binary.BigEndian.AppendUint16(nil, uint16(HeaderLen+len(body))),
			"OPEN body of %d bytes", len(body))
	}
	o := &Open{
		Version:  body[0],
		MyAS:     binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
		RouterID: netip.AddrFrom4([4]byte(body[5:9])),
	}

	if o.Version != Version {
		// RFC 4271 §6.2: data is the largest supported version.
		return nil, OpenError(SubUnsupportedVersion, []byte{0, Version}, "version %d", o.Version)
	}
	if o.HoldTime == 1 || o.HoldTime == 2 {
		return nil, OpenError(SubUnacceptableHoldTime, nil, "hold time %d", o.HoldTime)
	}
	if o.RouterID == netip.IPv4Unspecified() {
		return nil, OpenError(SubBadBGPIdentifier, nil, "BGP identifier 0.0.0.0")
	}

	optLen := int(body[9])
	rest := body[10:]
	typeLen, lenLen := 1, 1

	if optLen == int(paramExtended) && len(rest) > 0 && rest[0] == paramExtended {
		if len(rest) < 3 {
			return nil, OpenError(SubOpenUnspecific, nil, "extended optional parameters length truncated")
		}
		o.Extended = true
		optLen = int(binary.BigEndian.Uint16(rest[1:3]))
		rest = rest[3:]
		lenLen = 2
	}
	if optLen != len(rest) {
		return nil, OpenError(SubOpenUnspecific, nil, "optional parameters length %d, %d bytes present", optLen, len(rest))
	}

	offset := 0
	for offset < len(rest) {
		if offset+typeLen+lenLen > len(rest) {
			return nil, OpenError(SubOpenUnspecific, nil, "optional parameter header truncated at offset %d", offset)
		}
		typ := rest[offset]
		offset += typeLen
		var l int
		if lenLen == 2 {
			l = int(binary.BigEndian.Uint16(rest[offset : offset+2]))
		} else {
			l = int(rest[offset])
		}
		offset += lenLen
		if offset+l > len(rest) {
			return nil, OpenError(SubOpenUnspecific, nil, "optional parameter %d length %d overruns OPEN", typ, l)
		}
		value := rest[offset : offset+l]
		offset += l

		p := OptionalParameter{Type: typ}
		if typ == ParamCapabilities {
			c, err := caps.decodeCapabilities(value)
			if err != nil {
				return nil, err
			}
			p.Capabilities = c
		} else {
			p.Value = append([]byte(nil), value...)
		}
		o.Params = append(o.Params, p)
	}
	return o, nil
}

func (o *Open) paramValue(p OptionalParameter, caps *CapabilityRegistry) ([]byte, error) {
	if p.Type != ParamCapabilities {
		return p.Value, nil
	}
	var v []byte
	for _, c := range p.Capabilities {
		var err error
		if v, err = caps.appendCapability(v, c); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (o *Open) appendBody(dst []byte, caps *CapabilityRegistry) ([]byte, error) {
	if !o.RouterID.Is4() {
		return nil, fmt.Errorf("router id %s is not IPv4", o.RouterID)
	}
	values := make([][]byte, len(o.Params))
	total, extended := 0, o.Extended
	for i, p := range o.Params {
		v, err := o.paramValue(p, caps)
		if err != nil {
			return nil, err
		}
		values[i] = v
		total += 2 + len(v)
		if len(v) > 0xff {
			extended = true
		}
	}
	if total > 0xff {
		extended = true
	}

	dst = append(dst, o.Version)
	dst = binary.BigEndian.AppendUint16(dst, o.MyAS)
	dst = binary.BigEndian.AppendUint16(dst, o.HoldTime)
	dst = append(dst, o.RouterID.AsSlice()...)

	if extended {
		total += len(o.Params) // one more length octet per parameter
		if total > 0xffff {
			return nil, fmt.Errorf("optional parameters of %d bytes", total)
		}
		dst = append(dst, paramExtended, paramExtended)
		dst = binary.BigEndian.AppendUint16(dst, uint16(total))
	} else {
		dst = append(dst, byte(total))
	}
	for i, p := range o.Params {
		dst = append(dst, p.Type)
		if extended {
			dst = binary.BigEndian.AppendUint16(dst, uint16(len(values[i])))
		} else {
			dst = append(dst, byte(len(values[i])))
		}
		dst = append(dst, values[i]...)
	}
	return dst, nil
}
