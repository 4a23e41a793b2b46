package bgp

import (
	"encoding/binary"
)

var marker = [MarkerLen]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// Header is the fixed 19-byte BGP message header.
type Header struct {
	Length uint16
	Type   MessageType
}

// ParseHeader validates a raw header against maxLen. Checks run in wire
// order: marker, length bounds, then type.
func ParseHeader(b []byte, maxLen int) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, HeaderError(SubBadMessageLength, nil, "header truncated (%d bytes)", len(b))
	}
	for i := 0; i < MarkerLen; i++ {
		if b[i] != 0xff {
			return Header{}, HeaderError(SubConnectionNotSynchronized, nil, "invalid marker at byte %d", i)
		}
	}

	length := binary.BigEndian.Uint16(b[16:18])
	if int(length) < HeaderLen || int(length) > maxLen {
		// RFC 4271 §6.1: data is the erroneous length field.
		return Header{}, HeaderError(SubBadMessageLength, append([]byte(nil), b[16:18]...),
			"length %d outside [%d, %d]", length, HeaderLen, maxLen)
	}

	typ := MessageType(b[18])
	if _, ok := codecs[typ]; !ok {
		return Header{}, HeaderError(SubBadMessageType, []byte{b[18]}, "unknown message type %d", b[18])
	}

	if err := checkMinLength(typ, length); err != nil {
		return Header{}, err
	}

	return Header{Length: length, Type: typ}, nil
}

// ValidateFrame parses the header of a complete frame and checks that the
// declared length matches the bytes actually present.
func ValidateFrame(frame []byte, maxLen int) (Header, error) {
	h, err := ParseHeader(frame, maxLen)
	if err != nil {
		return Header{}, err
	}
	if int(h.Length) != len(frame) {
		return Header{}, HeaderError(SubBadMessageLength, binary.BigEndian.AppendUint16(nil, h.Length),
			"declared length %d, frame has %d bytes", h.Length, len(frame))
	}
	return h, nil
}

// checkMinLength rejects lengths too short for the fixed part of a type.
func checkMinLength(typ MessageType, length uint16) error {
	var minLen, exact int
	switch typ {
	case MsgOpen:
		minLen = HeaderLen + 10
	case MsgUpdate:
		minLen = HeaderLen + 4
	case MsgKeepalive:
		exact = HeaderLen
	}
	if exact != 0 && int(length) != exact {
		return HeaderError(SubBadMessageLength, binary.BigEndian.AppendUint16(nil, length),
			"%s length %d, want %d", typ, length, exact)
	}
	if int(length) < minLen {
		return HeaderError(SubBadMessageLength, binary.BigEndian.AppendUint16(nil, length),
			"%s length %d below minimum %d", typ, length, minLen)
	}
	return nil
}

// appendHeader writes a header for a body of bodyLen bytes.
func appendHeader(dst []byte, typ MessageType, bodyLen int) []byte {
	dst = append(dst, marker[:]...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(HeaderLen+bodyLen))
	return append(dst, byte(typ))
}
