package fsm

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

var (
	localID = netip.MustParseAddr("10.0.0.1")
	peerID  = netip.MustParseAddr("10.0.0.2")
)

func testConfig() Config {
	return Config{
		LocalASN: 65001,
		PeerASN:  65002,
		RouterID: localID,
		HoldTime: 90 * time.Second,
		Capabilities: []bgp.Capability{
			{Code: bgp.CapMultiprotocol, Value: bgp.MultiprotocolCap{Family: bgp.IPv4Unicast}},
			{Code: bgp.CapRouteRefresh, Value: bgp.RouteRefreshCap{}},
			{Code: bgp.CapFourOctetAS, Value: bgp.FourOctetASCap{ASN: 65001}},
		},
	}
}

func peerOpen(asn uint32, hold uint16) *bgp.Open {
	return bgp.NewOpen(asn, hold, peerID,
		bgp.Capability{Code: bgp.CapMultiprotocol, Value: bgp.MultiprotocolCap{Family: bgp.IPv4Unicast}},
		bgp.Capability{Code: bgp.CapRouteRefresh, Value: bgp.RouteRefreshCap{}},
		bgp.Capability{Code: bgp.CapFourOctetAS, Value: bgp.FourOctetASCap{ASN: asn}},
	)
}

// drive applies the events in order and returns the final session and the
// result of the last step.
func drive(t *testing.T, s Session, events ...Event) (Session, Result) {
	t.Helper()
	var res Result
	for _, ev := range events {
		s, res = Step(s, ev)
	}
	return s, res
}

func established(t *testing.T) Session {
	t.Helper()
	s, res := drive(t, NewSession(testConfig()),
		Event{Type: EventStart},
		Event{Type: EventTransportUp},
		Message(peerOpen(65002, 30)),
		Message(&bgp.Keepalive{}),
	)
	require.Equal(t, Established, s.State)
	require.True(t, hasAction(res, ActSessionUp))
	return s
}

func actionTypes(res Result) []ActionType {
	out := make([]ActionType, 0, len(res.Actions))
	for _, a := range res.Actions {
		out = append(out, a.Type)
	}
	return out
}

func hasAction(res Result, t ActionType) bool {
	for _, a := range res.Actions {
		if a.Type == t {
			return true
		}
	}
	return false
}

func sent(res Result) []bgp.Message {
	var out []bgp.Message
	for _, a := range res.Actions {
		if a.Type == ActSend {
			out = append(out, a.Message)
		}
	}
	return out
}

func timerStarted(res Result, timer Timer) (time.Duration, bool) {
	for _, a := range res.Actions {
		if a.Type == ActStartTimer && a.Timer == timer {
			return a.Duration, true
		}
	}
	return 0, false
}

func sentNotification(t *testing.T, res Result) *bgp.Notification {
	t.Helper()
	for _, m := range sent(res) {
		if n, ok := m.(*bgp.Notification); ok {
			return n
		}
	}
	t.Fatalf("no NOTIFICATION in actions %v", actionTypes(res))
	return nil
}

func TestNewSession_Defaults(t *testing.T) {
	s := NewSession(Config{LocalASN: 65001, RouterID: localID})
	assert.Equal(t, Idle, s.State)
	assert.Equal(t, DefaultHoldTime, s.Config.HoldTime)
	assert.Equal(t, DefaultConnectRetry, s.Config.ConnectRetry)
	assert.Equal(t, uint16(90), s.LocalOpen.HoldTime)

	s = NewSession(Config{LocalASN: 4200000000, RouterID: localID, HoldTime: -1})
	assert.Equal(t, uint16(0), s.LocalOpen.HoldTime)
	assert.Equal(t, uint16(bgp.ASTrans), s.LocalOpen.MyAS)
}

func TestIdle_IgnoresMessages(t *testing.T) {
	messages := []bgp.Message{
		peerOpen(65002, 90),
		&bgp.Keepalive{},
		&bgp.Update{},
		&bgp.Notification{Code: bgp.CodeCease},
		&bgp.RouteRefresh{Family: bgp.IPv4Unicast},
	}
	s := NewSession(testConfig())
	for _, m := range messages {
		next, res := Step(s, Message(m))
		assert.Equal(t, Idle, next.State, "message %s", m.Type())
		assert.Empty(t, res.Actions, "message %s", m.Type())
		assert.Zero(t, next.Counters.MessagesIn)
	}
	for _, typ := range []EventType{EventHoldTimerExpired, EventKeepaliveTimerExpired, EventConnectRetryExpired, EventDecodeError, EventStop, EventSend} {
		next, res := Step(s, Event{Type: typ})
		assert.Equal(t, Idle, next.State, "event %s", typ)
		assert.Empty(t, res.Actions, "event %s", typ)
	}
}

func TestStart_Connect(t *testing.T) {
	s, res := Step(NewSession(testConfig()), Event{Type: EventStart})
	assert.Equal(t, Connect, s.State)
	assert.Equal(t, []ActionType{ActStartTimer, ActOpenTransport}, actionTypes(res))
	d, ok := timerStarted(res, TimerConnectRetry)
	require.True(t, ok)
	assert.Equal(t, DefaultConnectRetry, d)
}

func TestStart_Passive(t *testing.T) {
	cfg := testConfig()
	cfg.Passive = true
	s, res := Step(NewSession(cfg), Event{Type: EventStart})
	assert.Equal(t, Active, s.State)
	assert.False(t, hasAction(res, ActOpenTransport))

	s, res = Step(s, Event{Type: EventTransportUp})
	assert.Equal(t, OpenSent, s.State)
	require.Len(t, sent(res), 1)
	assert.IsType(t, &bgp.Open{}, sent(res)[0])
}

func TestConnect_RetryAndFailure(t *testing.T) {
	s, _ := Step(NewSession(testConfig()), Event{Type: EventStart})

	s, res := Step(s, Event{Type: EventTransportFailed, Err: errors.New("connection refused")})
	assert.Equal(t, Active, s.State)
	_, ok := timerStarted(res, TimerConnectRetry)
	assert.True(t, ok)

	s, res = Step(s, Event{Type: EventConnectRetryExpired})
	assert.Equal(t, Connect, s.State)
	assert.True(t, hasAction(res, ActOpenTransport))

	s, res = Step(s, Event{Type: EventStop})
	assert.Equal(t, Idle, s.State)
	assert.Empty(t, sent(res), "no NOTIFICATION without a BGP connection")
	assert.True(t, hasAction(res, ActSessionDown))
}

func TestTransportUp_SendsOpen(t *testing.T) {
	s, _ := Step(NewSession(testConfig()), Event{Type: EventStart})
	s, res := Step(s, Event{Type: EventTransportUp})

	assert.Equal(t, OpenSent, s.State)
	msgs := sent(res)
	require.Len(t, msgs, 1)
	open, ok := msgs[0].(*bgp.Open)
	require.True(t, ok)
	assert.Same(t, s.LocalOpen, open)
	d, ok := timerStarted(res, TimerHold)
	require.True(t, ok)
	assert.Equal(t, LargeHoldTime, d)
	assert.Equal(t, uint64(1), s.Counters.MessagesOut)
}

func TestOpenSent_ReceiveOpen(t *testing.T) {
	s, _ := drive(t, NewSession(testConfig()), Event{Type: EventStart}, Event{Type: EventTransportUp})
	s, res := Step(s, Message(peerOpen(65002, 30)))

	assert.Equal(t, OpenConfirm, s.State)
	msgs := sent(res)
	require.Len(t, msgs, 1)
	assert.IsType(t, &bgp.Keepalive{}, msgs[0])

	assert.Equal(t, 30*time.Second, s.HoldTime)
	assert.Equal(t, 10*time.Second, s.KeepaliveTime)
	hold, ok := timerStarted(res, TimerHold)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, hold)
	ka, ok := timerStarted(res, TimerKeepalive)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, ka)

	assert.Equal(t, uint32(65002), s.Negotiated.PeerASN)
	assert.True(t, s.Negotiated.AS4)
	assert.True(t, s.Negotiated.RouteRefresh)
	assert.Equal(t, []bgp.Family{bgp.IPv4Unicast}, s.Negotiated.Families)
	assert.True(t, s.ReceiveParams().AS4)
}

func TestOpenSent_ZeroHoldTime(t *testing.T) {
	cfg := testConfig()
	cfg.HoldTime = -1
	s, _ := drive(t, NewSession(cfg), Event{Type: EventStart}, Event{Type: EventTransportUp})
	s, res := Step(s, Message(peerOpen(65002, 0)))

	assert.Equal(t, OpenConfirm, s.State)
	assert.Zero(t, s.HoldTime)
	_, ok := timerStarted(res, TimerHold)
	assert.False(t, ok)
	_, ok = timerStarted(res, TimerKeepalive)
	assert.False(t, ok)
}

func TestNegotiatedHoldTime(t *testing.T) {
	tests := []struct {
		local time.Duration
		peer  uint16
		want  time.Duration
	}{
		{90 * time.Second, 180, 90 * time.Second},
		{90 * time.Second, 30, 30 * time.Second},
		{90 * time.Second, 0, 90 * time.Second},
		{-1, 45, 45 * time.Second},
		{-1, 0, 0},
	}
	for _, tt := range tests {
		cfg := testConfig()
		cfg.HoldTime = tt.local
		s, _ := drive(t, NewSession(cfg),
			Event{Type: EventStart},
			Event{Type: EventTransportUp},
			Message(peerOpen(65002, tt.peer)),
		)
		require.Equal(t, OpenConfirm, s.State)
		assert.Equal(t, tt.want, s.HoldTime, "local %s peer %d", tt.local, tt.peer)
		assert.Equal(t, tt.want/3, s.KeepaliveTime)
	}
}

func TestOpenSent_BadPeerAS(t *testing.T) {
	s, _ := drive(t, NewSession(testConfig()), Event{Type: EventStart}, Event{Type: EventTransportUp})
	s, res := Step(s, Message(peerOpen(65099, 90)))

	assert.Equal(t, Idle, s.State)
	n := sentNotification(t, res)
	assert.Equal(t, bgp.CodeOpenMessage, n.Code)
	assert.Equal(t, bgp.SubBadPeerAS, n.Subcode)
	assert.Equal(t, []byte{0xFE, 0x4B}, n.Data)
	assert.True(t, hasAction(res, ActCloseTransport))
	assert.ErrorIs(t, s.LastError, bgp.ErrBadPeerAS)
}

func TestOpenSent_CollidingRouterID(t *testing.T) {
	cfg := testConfig()
	cfg.PeerASN = 65001
	s, _ := drive(t, NewSession(cfg), Event{Type: EventStart}, Event{Type: EventTransportUp})
	o := bgp.NewOpen(65001, 90, localID)
	s, res := Step(s, Message(o))

	assert.Equal(t, Idle, s.State)
	n := sentNotification(t, res)
	assert.Equal(t, bgp.SubBadBGPIdentifier, n.Subcode)
}

func TestOpenSent_AnyPeerAS(t *testing.T) {
	cfg := testConfig()
	cfg.PeerASN = 0
	s, _ := drive(t, NewSession(cfg), Event{Type: EventStart}, Event{Type: EventTransportUp})
	s, _ = Step(s, Message(peerOpen(4200000001, 90)))
	assert.Equal(t, OpenConfirm, s.State)
	assert.Equal(t, uint32(4200000001), s.Negotiated.PeerASN)
}

func TestOpenConfirm_KeepaliveEstablishes(t *testing.T) {
	s := established(t)
	assert.Equal(t, 0, s.ConnectRetryCounter)
	assert.Equal(t, uint64(2), s.Counters.MessagesIn)
	assert.Equal(t, uint64(2), s.Counters.MessagesOut)
}

func TestOpenConfirm_KeepaliveTimer(t *testing.T) {
	s, _ := drive(t, NewSession(testConfig()),
		Event{Type: EventStart},
		Event{Type: EventTransportUp},
		Message(peerOpen(65002, 30)),
	)
	s, res := Step(s, Event{Type: EventKeepaliveTimerExpired})
	assert.Equal(t, OpenConfirm, s.State)
	require.Len(t, sent(res), 1)
	assert.IsType(t, &bgp.Keepalive{}, sent(res)[0])
	d, ok := timerStarted(res, TimerKeepalive)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, d)
}

func TestUnexpectedMessages(t *testing.T) {
	openSent, _ := drive(t, NewSession(testConfig()), Event{Type: EventStart}, Event{Type: EventTransportUp})
	openConfirm, _ := Step(openSent, Message(peerOpen(65002, 90)))
	est := established(t)

	tests := []struct {
		name    string
		s       Session
		msg     bgp.Message
		subcode uint8
	}{
		{"keepalive in OpenSent", openSent, &bgp.Keepalive{}, bgp.SubFSMUnexpectedInOpenSent},
		{"update in OpenSent", openSent, &bgp.Update{}, bgp.SubFSMUnexpectedInOpenSent},
		{"update in OpenConfirm", openConfirm, &bgp.Update{}, bgp.SubFSMUnexpectedInOpenConfirm},
		{"open in OpenConfirm", openConfirm, peerOpen(65002, 90), bgp.SubFSMUnexpectedInOpenConfirm},
		{"open in Established", est, peerOpen(65002, 90), bgp.SubFSMUnexpectedInEstablished},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, res := Step(tt.s, Message(tt.msg))
			assert.Equal(t, Idle, s.State)
			n := sentNotification(t, res)
			assert.Equal(t, bgp.CodeFSM, n.Code)
			assert.Equal(t, tt.subcode, n.Subcode)
			assert.True(t, hasAction(res, ActCloseTransport))
		})
	}
}

func TestEstablished_Update(t *testing.T) {
	s := established(t)
	u := &bgp.Update{}
	s, res := Step(s, Message(u))

	assert.Equal(t, Established, s.State)
	assert.Equal(t, []ActionType{ActStartTimer, ActDeliverUpdate}, actionTypes(res))
	d, _ := timerStarted(res, TimerHold)
	assert.Equal(t, 30*time.Second, d)
	assert.Same(t, u, res.Actions[1].Message)
	assert.Equal(t, uint64(1), s.Counters.UpdatesIn)
}

func TestEstablished_Keepalive(t *testing.T) {
	s, res := Step(established(t), Message(&bgp.Keepalive{}))
	assert.Equal(t, Established, s.State)
	assert.Equal(t, []ActionType{ActStartTimer}, actionTypes(res))
	assert.False(t, res.Changed())
}

func TestEstablished_RouteRefresh(t *testing.T) {
	rr := &bgp.RouteRefresh{Family: bgp.IPv4Unicast}
	s, res := Step(established(t), Message(rr))
	assert.Equal(t, Established, s.State)
	require.True(t, hasAction(res, ActRefreshRequested))

	// Without the capability the request is ignored.
	cfg := testConfig()
	cfg.Capabilities = cfg.Capabilities[:1]
	s, _ = drive(t, NewSession(cfg),
		Event{Type: EventStart},
		Event{Type: EventTransportUp},
		Message(peerOpen(65002, 90)),
		Message(&bgp.Keepalive{}),
	)
	require.Equal(t, Established, s.State)
	_, res = Step(s, Message(rr))
	assert.Empty(t, res.Actions)
}

func TestEstablished_Send(t *testing.T) {
	s := established(t)
	u := bgp.NewEndOfRIB(bgp.IPv4Unicast)
	s, res := Step(s, Event{Type: EventSend, Message: u})

	assert.Equal(t, Established, s.State)
	require.Len(t, sent(res), 1)
	assert.Same(t, u, sent(res)[0])
	_, ok := timerStarted(res, TimerKeepalive)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), s.Counters.UpdatesOut)

	// Send is dropped before Established.
	openSent, _ := drive(t, NewSession(testConfig()), Event{Type: EventStart}, Event{Type: EventTransportUp})
	_, res = Step(openSent, Event{Type: EventSend, Message: u})
	assert.Empty(t, res.Actions)
}

func TestEstablished_Notification(t *testing.T) {
	s, res := Step(established(t), Message(&bgp.Notification{Code: bgp.CodeCease, Subcode: bgp.SubCeaseAdminShutdown}))

	assert.Equal(t, Idle, s.State)
	assert.Empty(t, sent(res), "a received NOTIFICATION is not answered")
	assert.True(t, hasAction(res, ActCloseTransport))
	assert.True(t, hasAction(res, ActSessionDown))
	var ne *bgp.NotificationError
	require.ErrorAs(t, s.LastError, &ne)
	assert.Equal(t, bgp.CodeCease, ne.Code)
	assert.Nil(t, s.PeerOpen)
	assert.Zero(t, s.HoldTime)
	assert.Equal(t, 1, s.ConnectRetryCounter)
}

func TestEstablished_HoldTimerExpired(t *testing.T) {
	s, res := Step(established(t), Event{Type: EventHoldTimerExpired})

	assert.Equal(t, Idle, s.State)
	n := sentNotification(t, res)
	assert.Equal(t, bgp.CodeHoldTimer, n.Code)
	// NOTIFICATION goes out before the transport is closed.
	assert.Equal(t, ActSend, res.Actions[0].Type)
	assert.Equal(t, ActCloseTransport, res.Actions[len(res.Actions)-2].Type)
	assert.Equal(t, ActSessionDown, res.Actions[len(res.Actions)-1].Type)
}

func TestDecodeError_SendsMatchingNotification(t *testing.T) {
	cases := []error{
		bgp.UpdateError(bgp.SubMalformedASPath, nil, "bad segment"),
		&bgp.FrameError{Offset: 19, Err: bgp.HeaderError(bgp.SubConnectionNotSynchronized, nil, "marker")},
		bgp.OpenError(bgp.SubUnsupportedVersion, []byte{0, 4}, "version 3"),
	}
	for _, err := range cases {
		s, res := Step(established(t), Event{Type: EventDecodeError, Err: err})
		assert.Equal(t, Idle, s.State)
		want := bgp.NotificationFor(err)
		n := sentNotification(t, res)
		assert.Equal(t, want.Code, n.Code, "error %v", err)
		assert.Equal(t, want.Subcode, n.Subcode, "error %v", err)
		assert.Equal(t, want.Data, n.Data, "error %v", err)
		assert.Equal(t, err, s.LastError)
	}

	s, res := Step(established(t), Event{Type: EventDecodeError, Err: errors.New("out of memory")})
	assert.Equal(t, Idle, s.State)
	assert.Equal(t, bgp.CodeCease, sentNotification(t, res).Code)
}

func TestStop_SendsCease(t *testing.T) {
	s, res := Step(established(t), Event{Type: EventStop, Err: bgp.CeaseError(bgp.SubCeaseAdminShutdown, "maintenance")})
	assert.Equal(t, Idle, s.State)
	n := sentNotification(t, res)
	assert.Equal(t, bgp.CodeCease, n.Code)
	msg, ok := n.ShutdownCommunication()
	assert.True(t, ok)
	assert.Equal(t, "maintenance", msg)

	s, res = Step(established(t), Event{Type: EventStop})
	assert.Equal(t, Idle, s.State)
	assert.Equal(t, bgp.SubCeaseAdminShutdown, sentNotification(t, res).Subcode)
}

func TestTransportFailed(t *testing.T) {
	openSent, _ := drive(t, NewSession(testConfig()), Event{Type: EventStart}, Event{Type: EventTransportUp})
	s, res := Step(openSent, Event{Type: EventTransportFailed})
	assert.Equal(t, Active, s.State)
	assert.True(t, hasAction(res, ActCloseTransport))

	s, res = Step(established(t), Event{Type: EventTransportFailed})
	assert.Equal(t, Idle, s.State)
	assert.Empty(t, sent(res))
	assert.ErrorIs(t, s.LastError, ErrTransportClosed)
}

func TestIdle_AfterTeardownRestarts(t *testing.T) {
	s, _ := Step(established(t), Event{Type: EventHoldTimerExpired})
	require.Equal(t, Idle, s.State)
	s, res := Step(s, Event{Type: EventStart})
	assert.Equal(t, Connect, s.State)
	assert.Equal(t, 0, s.ConnectRetryCounter)
	assert.True(t, hasAction(res, ActOpenTransport))
	assert.Zero(t, s.ReceiveParams())
}
