package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// NLRI is one announced or withdrawn prefix. PathID is only on the wire
// when ADD-PATH is in effect for the family.
//
// The prefix address keeps whatever trailing bits the peer sent past the
// prefix length, so re-encoding reproduces the received bytes.
type NLRI struct {
	PathID uint32
	Prefix netip.Prefix
}

func (n NLRI) String() string {
	if n.PathID != 0 {
		return fmt.Sprintf("%s path-id %d", n.Prefix.Masked(), n.PathID)
	}
	return n.Prefix.Masked().String()
}

// ParseNLRI builds an NLRI from CIDR text.
func ParseNLRI(s string) (NLRI, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return NLRI{}, fmt.Errorf("bgp: parse prefix: %w", err)
	}
	return NLRI{Prefix: p.Masked()}, nil
}

// Family returns the unicast family of the prefix.
func (n NLRI) Family() Family {
	if n.Prefix.Addr().Is4() {
		return IPv4Unicast
	}
	return IPv6Unicast
}

func (n NLRI) wireLen(addPath bool) int {
	l := 1 + (n.Prefix.Bits()+7)/8
	if addPath {
		l += 4
	}
	return l
}

// decodePrefixes parses a packed prefix list. Every prefix must fit exactly
// inside data; a trailing partial prefix is malformed.
func decodePrefixes(data []byte, f Family, addPath bool) ([]NLRI, error) {
	var prefixes []NLRI
	maxBits := f.addrBits()
	offset := 0

	for offset < len(data) {
		var pathID uint32
		if addPath {
			if offset+4 > len(data) {
				return prefixes, UpdateError(SubInvalidNetworkField, nil, "path id truncated at offset %d", offset)
			}
			pathID = binary.BigEndian.Uint32(data[offset : offset+4])
			offset += 4
		}

		if offset >= len(data) {
			return prefixes, UpdateError(SubInvalidNetworkField, nil, "prefix length missing at offset %d", offset)
		}
		prefixLen := int(data[offset])
		offset++

		if prefixLen > maxBits {
			return prefixes, UpdateError(SubInvalidNetworkField, nil, "%s prefix length %d exceeds %d", f, prefixLen, maxBits)
		}

		byteLen := (prefixLen + 7) / 8
		if offset+byteLen > len(data) {
			return prefixes, UpdateError(SubInvalidNetworkField, nil, "prefix truncated at offset %d (need %d bytes, have %d)",
				offset, byteLen, len(data)-offset)
		}

		var addr netip.Addr
		if maxBits == 32 {
			var a [4]byte
			copy(a[:], data[offset:offset+byteLen])
			addr = netip.AddrFrom4(a)
		} else {
			var a [16]byte
			copy(a[:], data[offset:offset+byteLen])
			addr = netip.AddrFrom16(a)
		}
		offset += byteLen

		prefixes = append(prefixes, NLRI{
			PathID: pathID,
			Prefix: netip.PrefixFrom(addr, prefixLen),
		})
	}

	return prefixes, nil
}

func appendPrefixes(dst []byte, prefixes []NLRI, addPath bool) []byte {
	for _, p := range prefixes {
		if addPath {
			dst = binary.BigEndian.AppendUint32(dst, p.PathID)
		}
		bits := p.Prefix.Bits()
		dst = append(dst, byte(bits))
		dst = append(dst, p.Prefix.Addr().AsSlice()[:(bits+7)/8]...)
	}
	return dst
}
