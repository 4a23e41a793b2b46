package bgp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// AttrFlags is the path attribute flags octet.
type AttrFlags uint8

const (
	FlagOptional       AttrFlags = 0x80
	FlagTransitive     AttrFlags = 0x40
	FlagPartial        AttrFlags = 0x20
	FlagExtendedLength AttrFlags = 0x10
)

// Common flag combinations.
const (
	FlagsWellKnown             = FlagTransitive
	FlagsOptionalNonTransitive = FlagOptional
	FlagsOptionalTransitive    = FlagOptional | FlagTransitive
)

func (f AttrFlags) Optional() bool       { return f&FlagOptional != 0 }
func (f AttrFlags) Transitive() bool     { return f&FlagTransitive != 0 }
func (f AttrFlags) Partial() bool        { return f&FlagPartial != 0 }
func (f AttrFlags) ExtendedLength() bool { return f&FlagExtendedLength != 0 }

func (f AttrFlags) String() string {
	var parts []string
	if f.Optional() {
		parts = append(parts, "optional")
	} else {
		parts = append(parts, "well-known")
	}
	if f.Transitive() {
		parts = append(parts, "transitive")
	}
	if f.Partial() {
		parts = append(parts, "partial")
	}
	if f.ExtendedLength() {
		parts = append(parts, "extended-length")
	}
	return strings.Join(parts, ",")
}

// PathAttribute is one decoded attribute of an UPDATE.
type PathAttribute struct {
	Flags AttrFlags
	Type  uint8
	Value AttributeValue
}

// AttributeValue is the typed value of a path attribute.
type AttributeValue interface {
	// MarshalBGP returns the attribute value bytes (without flags, type or
	// length) for a session with the given parameters.
	MarshalBGP(p Params) ([]byte, error)
}

// Opaque holds the value of an attribute this speaker does not interpret.
type Opaque []byte

func (o Opaque) MarshalBGP(Params) ([]byte, error) { return []byte(o), nil }

func (o Opaque) String() string { return hex.EncodeToString(o) }

// ErrorPolicy selects what happens when a registered attribute fails to decode.
type ErrorPolicy uint8

const (
	// PolicyResetSession reports an UPDATE Message Error and resets the session.
	PolicyResetSession ErrorPolicy = iota
	// PolicyDiscard drops the attribute and keeps the UPDATE. It only
	// applies to attributes received with the optional flag set.
	PolicyDiscard
)

// AttributeDecoder decodes one attribute value.
type AttributeDecoder func(flags AttrFlags, data []byte, p Params) (AttributeValue, error)

// AttributeCodec is a registry entry for one attribute type code.
type AttributeCodec struct {
	Name   string
	Flags  AttrFlags // expected optional/transitive bits
	Policy ErrorPolicy
	Decode AttributeDecoder
}

// AttributeRegistry maps attribute type codes to codecs. Populate it before
// handing it to sessions; afterwards it is only read and is safe for
// concurrent use.
type AttributeRegistry struct {
	entries map[uint8]AttributeCodec
}

func NewAttributeRegistry() *AttributeRegistry {
	return &AttributeRegistry{entries: make(map[uint8]AttributeCodec)}
}

// Register adds a codec for code. Registering a code twice is an error.
func (r *AttributeRegistry) Register(code uint8, c AttributeCodec) error {
	if c.Decode == nil {
		return fmt.Errorf("bgp: attribute %d: nil decoder", code)
	}
	if _, ok := r.entries[code]; ok {
		return fmt.Errorf("bgp: attribute %d already registered", code)
	}
	r.entries[code] = c
	return nil
}

// Lookup returns the codec registered for code.
func (r *AttributeRegistry) Lookup(code uint8) (AttributeCodec, bool) {
	c, ok := r.entries[code]
	return c, ok
}

// Codes returns the registered type codes in ascending order.
func (r *AttributeRegistry) Codes() []uint8 {
	codes := make([]uint8, 0, len(r.entries))
	for c := range r.entries {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Name returns the registered name of code, or "ATTR(n)".
func (r *AttributeRegistry) Name(code uint8) string {
	if c, ok := r.entries[code]; ok {
		return c.Name
	}
	return fmt.Sprintf("ATTR(%d)", code)
}

// Decode interprets one attribute value. Registered codes have their
// optional/transitive flags checked first. For unregistered codes:
//   - optional transitive values decode as Opaque so they can be relayed;
//   - optional non-transitive values are dropped: Decode returns nil, nil;
//   - well-known values fail with Unrecognized Well-known Attribute.
func (r *AttributeRegistry) Decode(code uint8, flags AttrFlags, data []byte, p Params) (AttributeValue, error) {
	c, ok := r.entries[code]
	if !ok {
		switch {
		case !flags.Optional():
			return nil, UpdateError(SubUnrecognizedWellKnown, rawAttribute(flags, code, data),
				"unrecognized well-known attribute %d", code)
		case !flags.Transitive():
			return nil, nil
		}
		return Opaque(append([]byte(nil), data...)), nil
	}
	if err := checkFlags(c, flags); err != nil {
		return nil, err
	}
	return c.Decode(flags, data, p)
}

func checkFlags(c AttributeCodec, flags AttrFlags) error {
	const kind = FlagOptional | FlagTransitive
	if flags&kind != c.Flags&kind {
		return UpdateError(SubAttributeFlags, nil, "%s: flags %s, want %s", c.Name, flags, c.Flags)
	}
	// Partial only makes sense on optional transitive attributes.
	if flags.Partial() && !(flags.Optional() && flags.Transitive()) {
		return UpdateError(SubAttributeFlags, nil, "%s: partial bit set on %s attribute", c.Name, flags)
	}
	return nil
}

// Encode serializes a full attribute TLV. The extended-length flag is kept
// when set and added when the value needs it; it is never removed.
func (r *AttributeRegistry) Encode(a PathAttribute, p Params) ([]byte, error) {
	return r.appendAttribute(nil, a, p)
}

func (r *AttributeRegistry) appendAttribute(dst []byte, a PathAttribute, p Params) ([]byte, error) {
	if a.Value == nil {
		return dst, fmt.Errorf("bgp: attribute %s has no value", r.Name(a.Type))
	}
	value, err := a.Value.MarshalBGP(p)
	if err != nil {
		return dst, fmt.Errorf("bgp: encode %s: %w", r.Name(a.Type), err)
	}
	if len(value) > 0xffff {
		return dst, fmt.Errorf("bgp: encode %s: value of %d bytes exceeds 65535", r.Name(a.Type), len(value))
	}

	flags := a.Flags
	if len(value) > 0xff {
		flags |= FlagExtendedLength
	}

	dst = append(dst, byte(flags), a.Type)
	if flags.ExtendedLength() {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(value)))
	} else {
		dst = append(dst, byte(len(value)))
	}
	return append(dst, value...), nil
}

// rawAttribute rebuilds the attribute TLV for NOTIFICATION data.
func rawAttribute(flags AttrFlags, code uint8, data []byte) []byte {
	out := []byte{byte(flags), code}
	if flags.ExtendedLength() {
		out = binary.BigEndian.AppendUint16(out, uint16(len(data)))
	} else {
		out = append(out, byte(len(data)))
	}
	return append(out, data...)
}

// DefaultAttributes returns a registry with every attribute this speaker
// understands.
func DefaultAttributes() *AttributeRegistry {
	r := NewAttributeRegistry()
	for code, c := range builtinAttributes {
		// builtin codes are unique
		_ = r.Register(code, c)
	}
	return r
}
