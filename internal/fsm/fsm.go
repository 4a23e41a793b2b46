// Package fsm implements the BGP session finite state machine (RFC 4271 §8)
// as a pure reducer. Step never performs I/O and never reads the clock: the
// caller delivers transport, message and timer events and carries out the
// returned actions in order.
package fsm

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

// State is a BGP session state.
type State uint8

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

var stateNames = map[State]string{
	Idle:        "Idle",
	Connect:     "Connect",
	Active:      "Active",
	OpenSent:    "OpenSent",
	OpenConfirm: "OpenConfirm",
	Established: "Established",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Defaults from RFC 4271 §10.
const (
	DefaultConnectRetry = 120 * time.Second
	DefaultHoldTime     = 90 * time.Second
	// LargeHoldTime guards OpenSent until the peer's OPEN arrives.
	LargeHoldTime = 4 * time.Minute
)

// EventType identifies what happened.
type EventType uint8

const (
	// EventStart asks the session to begin connecting (ManualStart).
	EventStart EventType = iota + 1
	// EventStop tears the session down administratively (ManualStop).
	EventStop
	// EventTransportUp reports an established TCP connection, outgoing or
	// accepted.
	EventTransportUp
	// EventTransportFailed reports a failed connect or a closed connection.
	EventTransportFailed
	EventConnectRetryExpired
	EventHoldTimerExpired
	EventKeepaliveTimerExpired
	// EventMessage delivers one decoded message from the peer.
	EventMessage
	// EventDecodeError reports a frame or message that failed to decode.
	EventDecodeError
	// EventSend asks the session to send an UPDATE or ROUTE-REFRESH pulled
	// from the RIB. It is dropped unless the session is Established.
	EventSend
)

var eventNames = map[EventType]string{
	EventStart:                 "Start",
	EventStop:                  "Stop",
	EventTransportUp:           "TransportUp",
	EventTransportFailed:       "TransportFailed",
	EventConnectRetryExpired:   "ConnectRetryExpired",
	EventHoldTimerExpired:      "HoldTimerExpired",
	EventKeepaliveTimerExpired: "KeepaliveTimerExpired",
	EventMessage:               "Message",
	EventDecodeError:           "DecodeError",
	EventSend:                  "Send",
}

func (e EventType) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// Event is one input to Step.
type Event struct {
	Type    EventType
	Message bgp.Message // EventMessage, EventSend
	Err     error       // EventDecodeError, EventTransportFailed, EventStop
}

// Message builds an EventMessage.
func Message(m bgp.Message) Event { return Event{Type: EventMessage, Message: m} }

// Timer names one of the session timers.
type Timer uint8

const (
	TimerConnectRetry Timer = iota + 1
	TimerHold
	TimerKeepalive
)

func (t Timer) String() string {
	switch t {
	case TimerConnectRetry:
		return "ConnectRetry"
	case TimerHold:
		return "Hold"
	case TimerKeepalive:
		return "Keepalive"
	}
	return fmt.Sprintf("Timer(%d)", uint8(t))
}

// ActionType identifies a side effect the caller must perform.
type ActionType uint8

const (
	ActSend ActionType = iota + 1
	ActStartTimer
	ActStopTimer
	ActOpenTransport
	ActCloseTransport
	ActDeliverUpdate
	ActRefreshRequested
	ActSessionUp
	ActSessionDown
)

var actionNames = map[ActionType]string{
	ActSend:             "Send",
	ActStartTimer:       "StartTimer",
	ActStopTimer:        "StopTimer",
	ActOpenTransport:    "OpenTransport",
	ActCloseTransport:   "CloseTransport",
	ActDeliverUpdate:    "DeliverUpdate",
	ActRefreshRequested: "RefreshRequested",
	ActSessionUp:        "SessionUp",
	ActSessionDown:      "SessionDown",
}

func (a ActionType) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// Action is one side effect, in the order the caller must apply it.
type Action struct {
	Type     ActionType
	Message  bgp.Message   // ActSend, ActDeliverUpdate, ActRefreshRequested
	Timer    Timer         // ActStartTimer, ActStopTimer
	Duration time.Duration // ActStartTimer
	Err      error         // ActSessionDown
}

// Result is the outcome of one Step.
type Result struct {
	From    State
	To      State
	Event   EventType
	Actions []Action
}

// Changed reports whether the step moved the session to another state.
func (r Result) Changed() bool { return r.From != r.To }

// Config is the per-peer configuration the FSM needs.
type Config struct {
	LocalASN     uint32
	PeerASN      uint32 // 0 accepts any ASN
	RouterID     netip.Addr
	HoldTime     time.Duration
	ConnectRetry time.Duration
	// Passive waits in Active for the peer to connect instead of dialing.
	Passive      bool
	Capabilities []bgp.Capability
}

func (c Config) withDefaults() Config {
	if c.HoldTime == 0 {
		c.HoldTime = DefaultHoldTime
	}
	if c.HoldTime < 0 {
		c.HoldTime = 0
	}
	if c.ConnectRetry <= 0 {
		c.ConnectRetry = DefaultConnectRetry
	}
	return c
}

// Counters are the per-session message counters.
type Counters struct {
	MessagesIn  uint64
	MessagesOut uint64
	UpdatesIn   uint64
	UpdatesOut  uint64
}

// Session is the complete state of one peer session. Only Step produces new
// Session values.
type Session struct {
	State               State
	Config              Config
	LocalOpen           *bgp.Open
	PeerOpen            *bgp.Open
	Negotiated          bgp.Negotiated
	HoldTime            time.Duration
	KeepaliveTime       time.Duration
	ConnectRetryCounter int
	Counters            Counters
	// LastError is the reason of the most recent teardown.
	LastError error
}

// NewSession returns an Idle session. A HoldTime of zero in cfg selects
// DefaultHoldTime; a negative HoldTime disables the hold timer.
func NewSession(cfg Config) Session {
	cfg = cfg.withDefaults()
	return Session{
		State:     Idle,
		Config:    cfg,
		LocalOpen: bgp.NewOpen(cfg.LocalASN, uint16(cfg.HoldTime/time.Second), cfg.RouterID, cfg.Capabilities...),
	}
}

// ReceiveParams returns the decoding parameters for the current state.
func (s Session) ReceiveParams() bgp.Params {
	if s.State < OpenConfirm {
		return bgp.Params{}
	}
	return s.Negotiated.ReceiveParams()
}

// SendParams returns the encoding parameters for the current state.
func (s Session) SendParams() bgp.Params {
	if s.State < OpenConfirm {
		return bgp.Params{}
	}
	return s.Negotiated.SendParams()
}
