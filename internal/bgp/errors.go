package bgp

import (
	"errors"
	"fmt"
)

// NOTIFICATION error codes (RFC 4271 §4.5).
const (
	CodeMessageHeader uint8 = 1
	CodeOpenMessage   uint8 = 2
	CodeUpdateMessage uint8 = 3
	CodeHoldTimer     uint8 = 4
	CodeFSM           uint8 = 5
	CodeCease         uint8 = 6
	CodeRouteRefresh  uint8 = 7
)

// Message Header Error subcodes.
const (
	SubConnectionNotSynchronized uint8 = 1
	SubBadMessageLength          uint8 = 2
	SubBadMessageType            uint8 = 3
)

// OPEN Message Error subcodes.
const (
	SubOpenUnspecific        uint8 = 0
	SubUnsupportedVersion    uint8 = 1
	SubBadPeerAS             uint8 = 2
	SubBadBGPIdentifier      uint8 = 3
	SubUnsupportedOptParam   uint8 = 4
	SubUnacceptableHoldTime  uint8 = 6
	SubUnsupportedCapability uint8 = 7
	SubRoleMismatch          uint8 = 11
)

// UPDATE Message Error subcodes.
const (
	SubMalformedAttributeList uint8 = 1
	SubUnrecognizedWellKnown  uint8 = 2
	SubMissingWellKnown       uint8 = 3
	SubAttributeFlags         uint8 = 4
	SubAttributeLength        uint8 = 5
	SubInvalidOrigin          uint8 = 6
	SubInvalidNextHop         uint8 = 8
	SubOptionalAttribute      uint8 = 9
	SubInvalidNetworkField    uint8 = 10
	SubMalformedASPath        uint8 = 11
)

// FSM Error subcodes (RFC 6608).
const (
	SubFSMUnspecified             uint8 = 0
	SubFSMUnexpectedInOpenSent    uint8 = 1
	SubFSMUnexpectedInOpenConfirm uint8 = 2
	SubFSMUnexpectedInEstablished uint8 = 3
)

// Cease subcodes (RFC 4486).
const (
	SubCeaseMaxPrefixes         uint8 = 1
	SubCeaseAdminShutdown       uint8 = 2
	SubCeasePeerDeconfigured    uint8 = 3
	SubCeaseAdminReset          uint8 = 4
	SubCeaseConnectionRejected  uint8 = 5
	SubCeaseConfigChange        uint8 = 6
	SubCeaseCollisionResolution uint8 = 7
	SubCeaseOutOfResources      uint8 = 8
)

// ROUTE-REFRESH Message Error subcodes (RFC 7313).
const (
	SubInvalidRouteRefreshLength uint8 = 1
)

var codeNames = map[uint8]string{
	CodeMessageHeader: "message header error",
	CodeOpenMessage:   "open message error",
	CodeUpdateMessage: "update message error",
	CodeHoldTimer:     "hold timer expired",
	CodeFSM:           "finite state machine error",
	CodeCease:         "cease",
	CodeRouteRefresh:  "route refresh message error",
}

var subcodeNames = map[uint8]map[uint8]string{
	CodeMessageHeader: {
		SubConnectionNotSynchronized: "connection not synchronized",
		SubBadMessageLength:          "bad message length",
		SubBadMessageType:            "bad message type",
	},
	CodeOpenMessage: {
		SubUnsupportedVersion:    "unsupported version number",
		SubBadPeerAS:             "bad peer AS",
		SubBadBGPIdentifier:      "bad BGP identifier",
		SubUnsupportedOptParam:   "unsupported optional parameter",
		SubUnacceptableHoldTime:  "unacceptable hold time",
		SubUnsupportedCapability: "unsupported capability",
		SubRoleMismatch:          "role mismatch",
	},
	CodeUpdateMessage: {
		SubMalformedAttributeList: "malformed attribute list",
		SubUnrecognizedWellKnown:  "unrecognized well-known attribute",
		SubMissingWellKnown:       "missing well-known attribute",
		SubAttributeFlags:         "attribute flags error",
		SubAttributeLength:        "attribute length error",
		SubInvalidOrigin:          "invalid ORIGIN attribute",
		SubInvalidNextHop:         "invalid NEXT_HOP attribute",
		SubOptionalAttribute:      "optional attribute error",
		SubInvalidNetworkField:    "invalid network field",
		SubMalformedASPath:        "malformed AS_PATH",
	},
	CodeFSM: {
		SubFSMUnexpectedInOpenSent:    "unexpected message in OpenSent",
		SubFSMUnexpectedInOpenConfirm: "unexpected message in OpenConfirm",
		SubFSMUnexpectedInEstablished: "unexpected message in Established",
	},
	CodeCease: {
		SubCeaseMaxPrefixes:         "maximum number of prefixes reached",
		SubCeaseAdminShutdown:       "administrative shutdown",
		SubCeasePeerDeconfigured:    "peer de-configured",
		SubCeaseAdminReset:          "administrative reset",
		SubCeaseConnectionRejected:  "connection rejected",
		SubCeaseConfigChange:        "other configuration change",
		SubCeaseCollisionResolution: "connection collision resolution",
		SubCeaseOutOfResources:      "out of resources",
	},
	CodeRouteRefresh: {
		SubInvalidRouteRefreshLength: "invalid message length",
	},
}

// CodeName returns a human readable name for a NOTIFICATION code/subcode pair.
func CodeName(code, subcode uint8) string {
	name, ok := codeNames[code]
	if !ok {
		return fmt.Sprintf("unknown code %d/%d", code, subcode)
	}
	if sub, ok := subcodeNames[code][subcode]; ok {
		return name + "/" + sub
	}
	if subcode == 0 {
		return name
	}
	return fmt.Sprintf("%s/subcode %d", name, subcode)
}

// NotificationError is a protocol violation. Its code, subcode and data map
// 1:1 onto the NOTIFICATION that reports it to the peer.
type NotificationError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
	Reason  string
}

func (e *NotificationError) Error() string {
	if e.Reason == "" {
		return "bgp: " + CodeName(e.Code, e.Subcode)
	}
	return "bgp: " + CodeName(e.Code, e.Subcode) + ": " + e.Reason
}

// Is matches on code and subcode so sentinels work with errors.Is.
func (e *NotificationError) Is(target error) bool {
	t, ok := target.(*NotificationError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Subcode == e.Subcode
}

// Notification returns the NOTIFICATION message carrying this error.
func (e *NotificationError) Notification() *Notification {
	return &Notification{Code: e.Code, Subcode: e.Subcode, Data: e.Data}
}

func newError(code, subcode uint8, data []byte, format string, args ...any) *NotificationError {
	return &NotificationError{
		Code:    code,
		Subcode: subcode,
		Data:    data,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// Sentinels for errors.Is.
var (
	ErrMarker      = &NotificationError{Code: CodeMessageHeader, Subcode: SubConnectionNotSynchronized}
	ErrLength      = &NotificationError{Code: CodeMessageHeader, Subcode: SubBadMessageLength}
	ErrUnknownType = &NotificationError{Code: CodeMessageHeader, Subcode: SubBadMessageType}

	ErrUnsupportedVersion   = &NotificationError{Code: CodeOpenMessage, Subcode: SubUnsupportedVersion}
	ErrBadPeerAS            = &NotificationError{Code: CodeOpenMessage, Subcode: SubBadPeerAS}
	ErrBadBGPIdentifier     = &NotificationError{Code: CodeOpenMessage, Subcode: SubBadBGPIdentifier}
	ErrUnsupportedOptParam  = &NotificationError{Code: CodeOpenMessage, Subcode: SubUnsupportedOptParam}
	ErrUnacceptableHoldTime = &NotificationError{Code: CodeOpenMessage, Subcode: SubUnacceptableHoldTime}

	ErrMalformedAttributeList = &NotificationError{Code: CodeUpdateMessage, Subcode: SubMalformedAttributeList}
	ErrUnrecognizedWellKnown  = &NotificationError{Code: CodeUpdateMessage, Subcode: SubUnrecognizedWellKnown}
	ErrMissingWellKnown       = &NotificationError{Code: CodeUpdateMessage, Subcode: SubMissingWellKnown}
	ErrAttributeFlags         = &NotificationError{Code: CodeUpdateMessage, Subcode: SubAttributeFlags}
	ErrAttributeLength        = &NotificationError{Code: CodeUpdateMessage, Subcode: SubAttributeLength}
	ErrInvalidOrigin          = &NotificationError{Code: CodeUpdateMessage, Subcode: SubInvalidOrigin}
	ErrInvalidNextHop         = &NotificationError{Code: CodeUpdateMessage, Subcode: SubInvalidNextHop}
	ErrOptionalAttribute      = &NotificationError{Code: CodeUpdateMessage, Subcode: SubOptionalAttribute}
	ErrInvalidNetworkField    = &NotificationError{Code: CodeUpdateMessage, Subcode: SubInvalidNetworkField}
	ErrMalformedASPath        = &NotificationError{Code: CodeUpdateMessage, Subcode: SubMalformedASPath}

	ErrHoldTimerExpired = &NotificationError{Code: CodeHoldTimer}
	ErrCease            = &NotificationError{Code: CodeCease}
)

// HeaderError builds a Message Header Error.
func HeaderError(subcode uint8, data []byte, format string, args ...any) *NotificationError {
	return newError(CodeMessageHeader, subcode, data, format, args...)
}

// OpenError builds an OPEN Message Error.
func OpenError(subcode uint8, data []byte, format string, args ...any) *NotificationError {
	return newError(CodeOpenMessage, subcode, data, format, args...)
}

// UpdateError builds an UPDATE Message Error.
func UpdateError(subcode uint8, data []byte, format string, args ...any) *NotificationError {
	return newError(CodeUpdateMessage, subcode, data, format, args...)
}

// FSMError reports a message that is illegal in the current session state.
func FSMError(subcode uint8, format string, args ...any) *NotificationError {
	return newError(CodeFSM, subcode, nil, format, args...)
}

// HoldTimerExpired is sent when no KEEPALIVE/UPDATE arrived within the hold time.
func HoldTimerExpired() *NotificationError {
	return newError(CodeHoldTimer, 0, nil, "no message within negotiated hold time")
}

// CeaseError builds an administrative Cease. A non-empty communication is
// encoded as an RFC 8203 shutdown message for subcodes 2 and 4.
func CeaseError(subcode uint8, communication string) *NotificationError {
	var data []byte
	if communication != "" && (subcode == SubCeaseAdminShutdown || subcode == SubCeaseAdminReset) {
		data = encodeShutdownCommunication(communication)
	}
	return newError(CodeCease, subcode, data, "%s", communication)
}

// FrameError is returned by the Reader when buffered bytes can never form a
// valid frame. It wraps the header error that caused it.
type FrameError struct {
	Offset int
	Err    *NotificationError
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("bgp: unframeable stream at offset %d: %v", e.Offset, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// NotificationFor returns the NOTIFICATION that reports err to the peer.
// Errors that are not protocol errors are reported as an unspecific Cease.
func NotificationFor(err error) *Notification {
	var ne *NotificationError
	if errors.As(err, &ne) {
		return ne.Notification()
	}
	return &Notification{Code: CodeCease}
}
