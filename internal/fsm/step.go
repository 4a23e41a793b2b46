package fsm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

// ErrTransportClosed is the teardown reason when the transport goes away
// without a more specific error.
var ErrTransportClosed = errors.New("fsm: transport closed")

// step accumulates the actions of one transition.
type step struct {
	s   Session
	res Result
}

func (st *step) do(a Action) { st.res.Actions = append(st.res.Actions, a) }

func (st *step) send(m bgp.Message) {
	st.do(Action{Type: ActSend, Message: m})
	st.s.Counters.MessagesOut++
	if m.Type() == bgp.MsgUpdate {
		st.s.Counters.UpdatesOut++
	}
}

func (st *step) startTimer(t Timer, d time.Duration) {
	st.do(Action{Type: ActStartTimer, Timer: t, Duration: d})
}

func (st *step) stopTimer(t Timer) { st.do(Action{Type: ActStopTimer, Timer: t}) }

// restartHold restarts the hold timer when a hold time is in effect.
func (st *step) restartHold() {
	if st.s.HoldTime > 0 {
		st.startTimer(TimerHold, st.s.HoldTime)
	}
}

func (st *step) restartKeepalive() {
	if st.s.KeepaliveTime > 0 {
		st.startTimer(TimerKeepalive, st.s.KeepaliveTime)
	}
}

// toIdle releases everything the session holds. A non-nil notify is sent
// to the peer before the transport is closed.
func (st *step) toIdle(notify *bgp.NotificationError, reason error) {
	if notify != nil {
		st.send(notify.Notification())
	}
	st.stopTimer(TimerConnectRetry)
	st.stopTimer(TimerHold)
	st.stopTimer(TimerKeepalive)
	st.do(Action{Type: ActCloseTransport})
	st.s.State = Idle
	st.s.PeerOpen = nil
	st.s.Negotiated = bgp.Negotiated{}
	st.s.HoldTime = 0
	st.s.KeepaliveTime = 0
	st.s.ConnectRetryCounter++
	if reason == nil && notify != nil {
		reason = notify
	}
	st.s.LastError = reason
	st.do(Action{Type: ActSessionDown, Err: reason})
}

// Step applies ev to s and returns the new session and the actions the
// caller must perform, in order.
func Step(s Session, ev Event) (Session, Result) {
	st := &step{s: s, res: Result{From: s.State, Event: ev.Type}}
	if ev.Type == EventMessage && ev.Message != nil && s.State != Idle {
		st.s.Counters.MessagesIn++
		if ev.Message.Type() == bgp.MsgUpdate {
			st.s.Counters.UpdatesIn++
		}
	}

	switch s.State {
	case Idle:
		st.idle(ev)
	case Connect, Active:
		st.connecting(ev)
	case OpenSent:
		st.openSent(ev)
	case OpenConfirm:
		st.openConfirm(ev)
	case Established:
		st.established(ev)
	}

	st.res.To = st.s.State
	return st.s, st.res
}

// idle only leaves Idle on a transport event: Start initiates the connect
// (or the passive wait), TransportUp is an accepted connection. Everything
// else, messages included, is ignored.
func (st *step) idle(ev Event) {
	switch ev.Type {
	case EventStart:
		st.s.ConnectRetryCounter = 0
		st.startTimer(TimerConnectRetry, st.s.Config.ConnectRetry)
		if st.s.Config.Passive {
			st.s.State = Active
			return
		}
		st.do(Action{Type: ActOpenTransport})
		st.s.State = Connect
	case EventTransportUp:
		st.sendOpen()
	}
}

func (st *step) connecting(ev Event) {
	switch ev.Type {
	case EventTransportUp:
		st.stopTimer(TimerConnectRetry)
		st.sendOpen()
	case EventConnectRetryExpired:
		st.do(Action{Type: ActOpenTransport})
		st.startTimer(TimerConnectRetry, st.s.Config.ConnectRetry)
		st.s.State = Connect
	case EventTransportFailed:
		st.startTimer(TimerConnectRetry, st.s.Config.ConnectRetry)
		st.s.State = Active
	case EventStop:
		st.toIdle(nil, stopReason(ev))
	case EventMessage, EventDecodeError, EventHoldTimerExpired, EventKeepaliveTimerExpired:
		// No BGP connection exists yet.
		st.toIdle(nil, fmt.Errorf("fsm: %s in %s", ev.Type, st.s.State))
	}
}

// sendOpen sends the local OPEN and waits for the peer's with a large hold
// time.
func (st *step) sendOpen() {
	st.send(st.s.LocalOpen)
	st.s.HoldTime = LargeHoldTime
	st.startTimer(TimerHold, LargeHoldTime)
	st.s.State = OpenSent
}

func (st *step) openSent(ev Event) {
	switch ev.Type {
	case EventMessage:
		switch m := ev.Message.(type) {
		case *bgp.Open:
			st.receiveOpen(m)
		case *bgp.Notification:
			st.toIdle(nil, m.Err())
		default:
			st.toIdle(bgp.FSMError(bgp.SubFSMUnexpectedInOpenSent, "%s in OpenSent", ev.Message.Type()), nil)
		}
	case EventTransportFailed:
		st.stopTimer(TimerHold)
		st.do(Action{Type: ActCloseTransport})
		st.startTimer(TimerConnectRetry, st.s.Config.ConnectRetry)
		st.s.HoldTime = 0
		st.s.State = Active
	default:
		st.common(ev)
	}
}

// receiveOpen validates the peer's OPEN against the configuration and
// negotiates the session.
func (st *step) receiveOpen(o *bgp.Open) {
	cfg := st.s.Config
	if cfg.PeerASN != 0 && o.ASN() != cfg.PeerASN {
		st.toIdle(bgp.OpenError(bgp.SubBadPeerAS, binary.BigEndian.AppendUint16(nil, o.MyAS),
			"peer AS %d, expected %d", o.ASN(), cfg.PeerASN), nil)
		return
	}
	if o.ASN() == cfg.LocalASN && o.RouterID == cfg.RouterID {
		st.toIdle(bgp.OpenError(bgp.SubBadBGPIdentifier, o.RouterID.AsSlice(),
			"internal peer uses our BGP identifier %s", o.RouterID), nil)
		return
	}

	st.s.PeerOpen = o
	st.s.Negotiated = bgp.Negotiate(st.s.LocalOpen, o)
	st.s.HoldTime = time.Duration(st.s.Negotiated.HoldTime) * time.Second
	st.s.KeepaliveTime = st.s.HoldTime / 3

	st.stopTimer(TimerConnectRetry)
	st.send(&bgp.Keepalive{})
	if st.s.HoldTime > 0 {
		st.startTimer(TimerHold, st.s.HoldTime)
		st.startTimer(TimerKeepalive, st.s.KeepaliveTime)
	} else {
		st.stopTimer(TimerHold)
	}
	st.s.State = OpenConfirm
}

func (st *step) openConfirm(ev Event) {
	switch ev.Type {
	case EventMessage:
		switch m := ev.Message.(type) {
		case *bgp.Keepalive:
			st.restartHold()
			st.s.State = Established
			st.s.ConnectRetryCounter = 0
			st.do(Action{Type: ActSessionUp})
		case *bgp.Notification:
			st.toIdle(nil, m.Err())
		default:
			st.toIdle(bgp.FSMError(bgp.SubFSMUnexpectedInOpenConfirm, "%s in OpenConfirm", ev.Message.Type()), nil)
		}
	case EventKeepaliveTimerExpired:
		st.send(&bgp.Keepalive{})
		st.restartKeepalive()
	default:
		st.common(ev)
	}
}

func (st *step) established(ev Event) {
	switch ev.Type {
	case EventMessage:
		switch m := ev.Message.(type) {
		case *bgp.Update:
			st.restartHold()
			st.do(Action{Type: ActDeliverUpdate, Message: m})
		case *bgp.Keepalive:
			st.restartHold()
		case *bgp.RouteRefresh:
			if st.s.Negotiated.RouteRefresh || st.s.Negotiated.EnhancedRouteRefresh {
				st.do(Action{Type: ActRefreshRequested, Message: m})
			}
		case *bgp.Notification:
			st.toIdle(nil, m.Err())
		default:
			st.toIdle(bgp.FSMError(bgp.SubFSMUnexpectedInEstablished, "%s in Established", ev.Message.Type()), nil)
		}
	case EventKeepaliveTimerExpired:
		st.send(&bgp.Keepalive{})
		st.restartKeepalive()
	case EventSend:
		if ev.Message == nil {
			return
		}
		st.send(ev.Message)
		// Any UPDATE or KEEPALIVE resets the keepalive interval.
		if ev.Message.Type() == bgp.MsgUpdate {
			st.restartKeepalive()
		}
	default:
		st.common(ev)
	}
}

// common handles the events that end a session the same way in OpenSent,
// OpenConfirm and Established.
func (st *step) common(ev Event) {
	switch ev.Type {
	case EventHoldTimerExpired:
		st.toIdle(bgp.HoldTimerExpired(), nil)
	case EventDecodeError:
		st.toIdle(notificationError(ev.Err), ev.Err)
	case EventStop:
		st.toIdle(stopNotification(ev), stopReason(ev))
	case EventTransportFailed:
		st.toIdle(nil, transportReason(ev))
	case EventTransportUp, EventStart, EventConnectRetryExpired, EventSend:
		// A second connection, a repeated start or a stale retry timer do
		// not disturb an open session.
	}
}

// notificationError returns the protocol error carried by err, or an
// unspecific Cease when err is not a protocol error.
func notificationError(err error) *bgp.NotificationError {
	var ne *bgp.NotificationError
	if errors.As(err, &ne) {
		return ne
	}
	return &bgp.NotificationError{Code: bgp.CodeCease, Reason: fmt.Sprint(err)}
}

func stopNotification(ev Event) *bgp.NotificationError {
	var ne *bgp.NotificationError
	if errors.As(ev.Err, &ne) && ne.Code == bgp.CodeCease {
		return ne
	}
	return bgp.CeaseError(bgp.SubCeaseAdminShutdown, "")
}

func stopReason(ev Event) error {
	if ev.Err != nil {
		return ev.Err
	}
	return bgp.CeaseError(bgp.SubCeaseAdminShutdown, "")
}

func transportReason(ev Event) error {
	if ev.Err != nil {
		return ev.Err
	}
	return ErrTransportClosed
}
