package bgp

import (
	"encoding/binary"
	"fmt"
)

// Params are the per-direction session facts that change how bytes are
// interpreted. The zero value is a fresh session before OPEN exchange.
type Params struct {
	AS4             bool
	ExtendedMessage bool
	AddPath         map[Family]bool // families whose NLRI carry a path id
}

// MaxLen returns the largest message length allowed on the session.
func (p Params) MaxLen() int {
	if p.ExtendedMessage {
		return MaxExtendedLen
	}
	return MaxMessageLen
}

func (p Params) addPath(f Family) bool {
	return p.AddPath[f]
}

// Message is one decoded BGP message: *Open, *Update, *Notification,
// *Keepalive or *RouteRefresh.
type Message interface {
	Type() MessageType
}

type messageCodec struct {
	decode func(c *Codec, body []byte, p Params) (Message, error)
	encode func(c *Codec, m Message, p Params) ([]byte, error)
}

// codecs is the fixed dispatch table keyed by header type code. The Header
// Validator uses it to recognize message kinds.
var codecs = map[MessageType]messageCodec{
	MsgOpen: {
		decode: func(c *Codec, body []byte, _ Params) (Message, error) { return decodeOpen(body, c.caps) },
		encode: func(c *Codec, m Message, _ Params) ([]byte, error) { return m.(*Open).appendBody(nil, c.caps) },
	},
	MsgUpdate: {
		decode: func(c *Codec, body []byte, p Params) (Message, error) { return decodeUpdate(body, p, c.attrs) },
		encode: func(c *Codec, m Message, p Params) ([]byte, error) { return m.(*Update).appendBody(nil, p, c.attrs) },
	},
	MsgNotification: {
		decode: func(_ *Codec, body []byte, _ Params) (Message, error) { return decodeNotification(body), nil },
		encode: func(_ *Codec, m Message, _ Params) ([]byte, error) { return m.(*Notification).appendBody(nil), nil },
	},
	MsgKeepalive: {
		decode: func(_ *Codec, body []byte, _ Params) (Message, error) { return decodeKeepalive(body) },
		encode: func(_ *Codec, _ Message, _ Params) ([]byte, error) { return nil, nil },
	},
	MsgRouteRefresh: {
		decode: func(_ *Codec, body []byte, _ Params) (Message, error) { return decodeRouteRefresh(body) },
		encode: func(_ *Codec, m Message, _ Params) ([]byte, error) { return m.(*RouteRefresh).appendBody(nil), nil },
	},
}

// Codec decodes and encodes messages using a fixed set of registries. It
// holds no per-session state and is safe for concurrent use once the
// registries are populated.
type Codec struct {
	attrs *AttributeRegistry
	caps  *CapabilityRegistry
}

func NewCodec(attrs *AttributeRegistry, caps *CapabilityRegistry) *Codec {
	return &Codec{attrs: attrs, caps: caps}
}

// DefaultCodec returns a codec with every built-in attribute and capability.
func DefaultCodec() *Codec {
	return NewCodec(DefaultAttributes(), DefaultCapabilities())
}

func (c *Codec) Attributes() *AttributeRegistry     { return c.attrs }
func (c *Codec) Capabilities() *CapabilityRegistry { return c.caps }

// Decode decodes the body of a frame produced by Reader.
func (c *Codec) Decode(f Frame, p Params) (Message, error) {
	mc, ok := codecs[f.Header.Type]
	if !ok {
		return nil, HeaderError(SubBadMessageType, []byte{byte(f.Header.Type)}, "unknown message type %d", f.Header.Type)
	}
	return mc.decode(c, f.Body(), p)
}

// DecodeBytes validates the header of one complete message and decodes it.
func (c *Codec) DecodeBytes(b []byte, p Params) (Message, error) {
	h, err := ValidateFrame(b, p.MaxLen())
	if err != nil {
		return nil, err
	}
	return c.Decode(Frame{Header: h, Raw: b}, p)
}

// Encode serializes m including its header.
func (c *Codec) Encode(m Message, p Params) ([]byte, error) {
	mc, ok := codecs[m.Type()]
	if !ok {
		return nil, fmt.Errorf("bgp: encode: unknown message type %d", m.Type())
	}
	body, err := mc.encode(c, m, p)
	if err != nil {
		return nil, fmt.Errorf("bgp: encode %s: %w", m.Type(), err)
	}
	if HeaderLen+len(body) > p.MaxLen() {
		return nil, fmt.Errorf("bgp: encode %s: %d bytes exceeds maximum %d", m.Type(), HeaderLen+len(body), p.MaxLen())
	}
	out := make([]byte, 0, HeaderLen+len(body))
	out = appendHeader(out, m.Type(), len(body))
	return append(out, body...), nil
}

// Keepalive is the KEEPALIVE message. It has no body.
type Keepalive struct{}

func (*Keepalive) Type() MessageType { return MsgKeepalive }

func decodeKeepalive(body []byte) (*Keepalive, error) {
	if len(body) != 0 {
		return nil, HeaderError(SubBadMessageLength, binary.BigEndian.AppendUint16(nil, uint16(HeaderLen+len(body))),
			"KEEPALIVE body of %d bytes", len(body))
	}
	return &Keepalive{}, nil
}
