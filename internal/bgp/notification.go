package bgp

import (
	"fmt"
	"unicode/utf8"
)

// maxShutdownCommunication is the RFC 9003 limit on shutdown text.
const maxShutdownCommunication = 255

// Notification is the NOTIFICATION message.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte

	// missing counts the code and subcode octets absent from a decoded
	// short body, so that it encodes back to the same length.
	missing int
}

func (*Notification) Type() MessageType { return MsgNotification }

func (n *Notification) String() string {
	if msg, ok := n.ShutdownCommunication(); ok && msg != "" {
		return fmt.Sprintf("%s (%q)", CodeName(n.Code, n.Subcode), msg)
	}
	return CodeName(n.Code, n.Subcode)
}

// Err returns the notification as an error value.
func (n *Notification) Err() *NotificationError {
	reason := "received from peer"
	if msg, ok := n.ShutdownCommunication(); ok && msg != "" {
		reason = msg
	}
	return &NotificationError{Code: n.Code, Subcode: n.Subcode, Data: n.Data, Reason: reason}
}

// ShutdownCommunication extracts the RFC 8203/9003 text carried by an
// administrative shutdown or reset. ok is false when the data is not a
// well-formed communication.
func (n *Notification) ShutdownCommunication() (string, bool) {
	if n.Code != CodeCease || (n.Subcode != SubCeaseAdminShutdown && n.Subcode != SubCeaseAdminReset) {
		return "", false
	}
	if len(n.Data) == 0 {
		return "", false
	}
	l := int(n.Data[0])
	if 1+l > len(n.Data) || !utf8.Valid(n.Data[1:1+l]) {
		return "", false
	}
	return string(n.Data[1 : 1+l]), true
}

// decodeNotification never fails: a body shorter than code+subcode yields
// whatever fields are present.
func decodeNotification(body []byte) *Notification {
	n := &Notification{missing: max(0, 2-len(body))}
	if len(body) > 0 {
		n.Code = body[0]
	}
	if len(body) > 1 {
		n.Subcode = body[1]
	}
	if len(body) > 2 {
		n.Data = append([]byte(nil), body[2:]...)
	}
	return n
}

func (n *Notification) appendBody(dst []byte) []byte {
	if n.missing > 0 && len(n.Data) == 0 {
		return append(dst, []byte{n.Code, n.Subcode}[:2-n.missing]...)
	}
	dst = append(dst, n.Code, n.Subcode)
	return append(dst, n.Data...)
}

func encodeShutdownCommunication(msg string) []byte {
	b := []byte(msg)
	if len(b) > maxShutdownCommunication {
		b = b[:maxShutdownCommunication]
		for len(b) > 0 && !utf8.Valid(b) {
			b = b[:len(b)-1]
		}
	}
	return append([]byte{byte(len(b))}, b...)
}
