package bgp

import (
	"encoding/binary"
	"fmt"
)

// Update is the UPDATE message. Withdrawn and NLRI are the IPv4 prefixes of
// the fixed fields; other families travel in MP_REACH_NLRI/MP_UNREACH_NLRI.
type Update struct {
	Withdrawn  []NLRI
	Attributes []PathAttribute
	NLRI       []NLRI

	// Discarded lists attributes dropped under PolicyDiscard. They are
	// kept for logging and are not re-encoded.
	Discarded []DiscardedAttribute

	// wireAttrs counts the attributes of the decoded wire form, including
	// those dropped or discarded.
	wireAttrs int
}

// DiscardedAttribute is an attribute removed from an UPDATE because its
// value was malformed and its error policy allows discarding it.
type DiscardedAttribute struct {
	Flags AttrFlags
	Type  uint8
	Err   error
}

func (*Update) Type() MessageType { return MsgUpdate }

// Attribute returns the value of the attribute with type code, if present.
func (u *Update) Attribute(code uint8) (AttributeValue, bool) {
	for _, a := range u.Attributes {
		if a.Type == code {
			return a.Value, true
		}
	}
	return nil, false
}

// MPReach returns the MP_REACH_NLRI attribute, if present.
func (u *Update) MPReach() *MPReach {
	v, _ := u.Attribute(AttrTypeMPReachNLRI)
	m, _ := v.(*MPReach)
	return m
}

// MPUnreach returns the MP_UNREACH_NLRI attribute, if present.
func (u *Update) MPUnreach() *MPUnreach {
	v, _ := u.Attribute(AttrTypeMPUnreachNLRI)
	m, _ := v.(*MPUnreach)
	return m
}

// EndOfRIB reports whether u is an End-of-RIB marker (RFC 4724 §2) and for
// which family. An entirely empty UPDATE marks IPv4 unicast; an UPDATE whose
// only content is an empty MP_UNREACH_NLRI marks that attribute's family.
// For a decoded UPDATE the attributes that were dropped on decode count.
func (u *Update) EndOfRIB() (Family, bool) {
	if len(u.Withdrawn) != 0 || len(u.NLRI) != 0 {
		return Family{}, false
	}
	switch max(len(u.Attributes), u.wireAttrs) {
	case 0:
		return IPv4Unicast, true
	case 1:
		if len(u.Attributes) != 1 {
			return Family{}, false
		}
		m, ok := u.Attributes[0].Value.(*MPUnreach)
		if ok && len(m.Withdrawn) == 0 && len(m.Raw) == 0 {
			return m.Family, true
		}
	}
	return Family{}, false
}

// NewEndOfRIB builds the End-of-RIB marker for f.
func NewEndOfRIB(f Family) *Update {
	if f == IPv4Unicast {
		return &Update{}
	}
	return &Update{Attributes: []PathAttribute{{
		Flags: FlagsOptionalNonTransitive,
		Type:  AttrTypeMPUnreachNLRI,
		Value: &MPUnreach{Family: f},
	}}}
}

// decodeUpdate parses withdrawn routes, path attributes and NLRI in wire
// order, validating every length against the bytes that remain.
func decodeUpdate(body []byte, p Params, attrs *AttributeRegistry) (*Update, error) {
	if len(body) < 4 {
		return nil, UpdateError(SubMalformedAttributeList, nil, "UPDATE body of %d bytes", len(body))
	}
	u := &Update{}
	offset := 0

	withdrawnLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen+2 > len(body) {
		return nil, UpdateError(SubMalformedAttributeList, nil, "withdrawn routes length %d exceeds body", withdrawnLen)
	}
	withdrawn, err := decodePrefixes(body[offset:offset+withdrawnLen], IPv4Unicast, p.addPath(IPv4Unicast))
	if err != nil {
		return nil, err
	}
	u.Withdrawn = withdrawn
	offset += withdrawnLen

	attrLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+attrLen > len(body) {
		return nil, UpdateError(SubMalformedAttributeList, nil, "total path attribute length %d exceeds body", attrLen)
	}
	if err := u.decodeAttributes(body[offset:offset+attrLen], p, attrs); err != nil {
		return nil, err
	}
	offset += attrLen

	nlri, err := decodePrefixes(body[offset:], IPv4Unicast, p.addPath(IPv4Unicast))
	if err != nil {
		return nil, err
	}
	u.NLRI = nlri

	if err := u.checkWellKnown(); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *Update) decodeAttributes(data []byte, p Params, attrs *AttributeRegistry) error {
	seen := make(map[uint8]bool)
	offset := 0
	for offset < len(data) {
		if offset+3 > len(data) {
			return UpdateError(SubAttributeLength, nil, "attribute header truncated at offset %d", offset)
		}
		flags := AttrFlags(data[offset])
		code := data[offset+1]
		offset += 2

		var l int
		if flags.ExtendedLength() {
			if offset+2 > len(data) {
				return UpdateError(SubAttributeLength, nil, "attribute %s: extended length truncated", attrs.Name(code))
			}
			l = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			l = int(data[offset])
			offset++
		}
		if offset+l > len(data) {
			return UpdateError(SubAttributeLength, nil, "attribute %s: length %d overruns attribute block (%d bytes left)",
				attrs.Name(code), l, len(data)-offset)
		}
		value := data[offset : offset+l]
		offset += l
		u.wireAttrs++

		if seen[code] {
			return UpdateError(SubMalformedAttributeList, nil, "attribute %s appears more than once", attrs.Name(code))
		}
		seen[code] = true

		v, err := attrs.Decode(code, flags, value, p)
		if err != nil {
			c, registered := attrs.Lookup(code)
			if registered && c.Policy == PolicyDiscard && flags.Optional() {
				u.Discarded = append(u.Discarded, DiscardedAttribute{Flags: flags, Type: code, Err: err})
				continue
			}
			return err
		}
		if v == nil {
			continue
		}
		u.Attributes = append(u.Attributes, PathAttribute{Flags: flags, Type: code, Value: v})
	}
	return nil
}

// checkWellKnown enforces the mandatory attributes for announcements.
func (u *Update) checkWellKnown() error {
	var required []uint8
	switch {
	case len(u.NLRI) > 0:
		required = []uint8{AttrTypeOrigin, AttrTypeASPath, AttrTypeNextHop}
	case u.MPReach() != nil:
		required = []uint8{AttrTypeOrigin, AttrTypeASPath}
	default:
		return nil
	}
	for _, code := range required {
		if _, ok := u.Attribute(code); !ok {
			return UpdateError(SubMissingWellKnown, []byte{code}, "missing %s", builtinAttributes[code].Name)
		}
	}
	return nil
}

func (u *Update) appendBody(dst []byte, p Params, attrs *AttributeRegistry) ([]byte, error) {
	withdrawn := appendPrefixes(nil, u.Withdrawn, p.addPath(IPv4Unicast))
	if len(withdrawn) > 0xffff {
		return nil, fmt.Errorf("withdrawn routes of %d bytes", len(withdrawn))
	}
	var block []byte
	for _, a := range u.Attributes {
		var err error
		if block, err = attrs.appendAttribute(block, a, p); err != nil {
			return nil, err
		}
	}
	if len(block) > 0xffff {
		return nil, fmt.Errorf("path attributes of %d bytes", len(block))
	}

	dst = binary.BigEndian.AppendUint16(dst, uint16(len(withdrawn)))
	dst = append(dst, withdrawn...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(block)))
	dst = append(dst, block...)
	return appendPrefixes(dst, u.NLRI, p.addPath(IPv4Unicast)), nil
}

// EffectiveASPath returns the AS path to use for the route. On a session
// without 4-octet AS support it reconstructs the path from AS_PATH and
// AS4_PATH as described in RFC 6793 §4.2.3.
func (u *Update) EffectiveASPath(as4 bool) []ASPathSegment {
	v, _ := u.Attribute(AttrTypeASPath)
	path, ok := v.(*ASPath)
	if !ok {
		return nil
	}
	if as4 {
		return path.Segments
	}
	v4, _ := u.Attribute(AttrTypeAS4Path)
	path4, ok := v4.(*AS4Path)
	if !ok {
		return path.Segments
	}

	n, n4 := path.Len(), (&ASPath{Segments: path4.Segments}).Len()
	if n4 > n {
		return path.Segments
	}

	// Keep the leading n-n4 ASNs of AS_PATH, then append AS4_PATH.
	keep := n - n4
	var merged []ASPathSegment
	for _, s := range path.Segments {
		if keep == 0 {
			break
		}
		switch s.Type {
		case ASPathSegmentSequence:
			if len(s.ASNs) > keep {
				s = ASPathSegment{Type: s.Type, ASNs: s.ASNs[:keep]}
			}
			keep -= len(s.ASNs)
		case ASPathSegmentSet:
			keep--
		}
		merged = append(merged, s)
	}
	return append(merged, path4.Segments...)
}
