package speaker

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/fsm"
	"github.com/route-beacon/bgp-speaker/internal/history"
	"github.com/route-beacon/bgp-speaker/internal/rib"
)

const waitFor = 2 * time.Second

var (
	localID = netip.MustParseAddr("10.0.0.1")
	peerID  = netip.MustParseAddr("10.0.0.2")
)

// remote plays the neighbor on the far end of a transport.
type remote struct {
	t     *testing.T
	conn  net.Conn
	codec *bgp.Codec
	msgs  chan bgp.Message
}

func newRemote(t *testing.T, conn net.Conn) *remote {
	r := &remote{t: t, conn: conn, codec: bgp.DefaultCodec(), msgs: make(chan bgp.Message, 64)}
	go r.readLoop()
	t.Cleanup(func() { conn.Close() })
	return r
}

func (r *remote) readLoop() {
	defer close(r.msgs)
	rd := bgp.NewReader()
	buf := make([]byte, 4096)
	for {
		n, err := r.conn.Read(buf)
		if n > 0 {
			_, _ = rd.Write(buf[:n])
			for {
				f, ferr := rd.Next()
				if ferr != nil {
					break
				}
				m, derr := r.codec.Decode(f, bgp.Params{AS4: true})
				if derr != nil {
					continue
				}
				r.msgs <- m
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *remote) send(m bgp.Message) {
	r.t.Helper()
	b, err := r.codec.Encode(m, bgp.Params{AS4: true})
	require.NoError(r.t, err)
	_, err = r.conn.Write(b)
	require.NoError(r.t, err)
}

func (r *remote) expect(typ bgp.MessageType) bgp.Message {
	r.t.Helper()
	select {
	case m, ok := <-r.msgs:
		require.True(r.t, ok, "transport closed while waiting for %s", typ)
		require.Equal(r.t, typ, m.Type(), "unexpected %s", m.Type())
		return m
	case <-time.After(waitFor):
		r.t.Fatalf("timed out waiting for %s", typ)
	}
	return nil
}

func (r *remote) expectClosed() {
	r.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m, ok := <-r.msgs:
			if !ok {
				return
			}
			r.t.Logf("ignoring %s while waiting for close", m.Type())
		case <-deadline:
			r.t.Fatal("timed out waiting for the transport to close")
		}
	}
}

func remoteOpen(asn uint32) *bgp.Open {
	return bgp.NewOpen(asn, 90, peerID,
		bgp.Capability{Code: bgp.CapMultiprotocol, Value: bgp.MultiprotocolCap{Family: bgp.IPv4Unicast}},
		bgp.Capability{Code: bgp.CapRouteRefresh, Value: bgp.RouteRefreshCap{}},
		bgp.Capability{Code: bgp.CapFourOctetAS, Value: bgp.FourOctetASCap{ASN: asn}},
		bgp.Capability{Code: bgp.CapFQDN, Value: bgp.FQDNCap{Hostname: "edge1"}},
	)
}

// pipeDialer hands out one end of a pipe on the first dial and blocks
// afterwards.
type pipeDialer struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (d *pipeDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	if len(d.conns) > 0 {
		c := d.conns[0]
		d.conns = d.conns[1:]
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []history.SessionEvent
	peers  []history.PeerInfo
}

func (f *fakeRecorder) RecordSession(ev history.SessionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeRecorder) PeerEstablished(info history.PeerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = append(f.peers, info)
}

func (f *fakeRecorder) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		if ev.Kind == history.KindTransition {
			out = append(out, ev.From+">"+ev.To)
		} else {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (f *fakeRecorder) established() []history.PeerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.PeerInfo(nil), f.peers...)
}

type chanSink chan rib.Delivery

func (c chanSink) Deliver(_ context.Context, d rib.Delivery) error {
	c <- d
	return nil
}

func testPeerConfig(t *testing.T) PeerConfig {
	src, err := rib.NewStatic(65001, []string{"203.0.113.0/24"}, []string{"65001:100"}, "10.0.0.1")
	require.NoError(t, err)
	return PeerConfig{
		Name:    "edge1",
		Address: netip.MustParseAddr("192.0.2.2"),
		Port:    179,
		Session: fsm.Config{
			LocalASN: 65001,
			PeerASN:  65002,
			RouterID: localID,
			HoldTime: 90 * time.Second,
			Capabilities: []bgp.Capability{
				{Code: bgp.CapMultiprotocol, Value: bgp.MultiprotocolCap{Family: bgp.IPv4Unicast}},
				{Code: bgp.CapRouteRefresh, Value: bgp.RouteRefreshCap{}},
				{Code: bgp.CapFourOctetAS, Value: bgp.FourOctetASCap{ASN: 65001}},
			},
		},
		Source: src,
	}
}

func noRestart(int) time.Duration { return time.Hour }

// startPeer runs an active peer whose first dial returns a pipe and
// returns the remote end.
func startPeer(t *testing.T, cfg PeerConfig, sink rib.Sink, rec *fakeRecorder) (*Peer, *remote, context.CancelFunc, <-chan error) {
	t.Helper()
	local, far := net.Pipe()
	p := NewPeer(cfg, sink, zap.NewNop(),
		WithDialer(&pipeDialer{conns: []net.Conn{local}}),
		WithRecorder(rec),
		WithIdleHold(noRestart),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(cancel)
	return p, newRemote(t, far), cancel, done
}

func establish(t *testing.T, p *Peer, r *remote) {
	t.Helper()
	open := r.expect(bgp.MsgOpen).(*bgp.Open)
	assert.Equal(t, uint32(65001), open.ASN())
	assert.Equal(t, uint16(90), open.HoldTime)
	assert.Equal(t, localID, open.RouterID)

	r.send(remoteOpen(65002))
	r.expect(bgp.MsgKeepalive)
	r.send(&bgp.Keepalive{})

	require.Eventually(t, func() bool { return p.Status().Established() }, waitFor, 5*time.Millisecond)
}

func TestPeer_EstablishAndExchangeRoutes(t *testing.T) {
	rec := &fakeRecorder{}
	sink := make(chanSink, 4)
	p, r, cancel, done := startPeer(t, testPeerConfig(t), sink, rec)

	establish(t, p, r)

	// Initial announcement followed by End-of-RIB.
	u := r.expect(bgp.MsgUpdate).(*bgp.Update)
	require.Len(t, u.NLRI, 1)
	assert.Equal(t, "203.0.113.0/24", u.NLRI[0].String())
	eor := r.expect(bgp.MsgUpdate).(*bgp.Update)
	f, ok := eor.EndOfRIB()
	require.True(t, ok)
	assert.Equal(t, bgp.IPv4Unicast, f)

	st := p.Status()
	assert.Equal(t, uint32(65002), st.PeerASN)
	assert.Equal(t, "10.0.0.2", st.PeerRouterID)
	assert.Equal(t, 90, st.HoldTimeSeconds)
	assert.Equal(t, 30, st.KeepaliveSeconds)
	assert.Equal(t, []string{"ipv4-unicast"}, st.Families)
	require.NotNil(t, st.EstablishedAt)

	// Routes from the peer reach the sink with the raw message.
	n, err := bgp.ParseNLRI("198.51.100.0/24")
	require.NoError(t, err)
	r.send(bgp.AnnounceUpdate(bgp.IPv4Unicast, []bgp.NLRI{n}, peerID,
		[]bgp.ASPathSegment{{Type: bgp.ASPathSegmentSequence, ASNs: []uint32{65002}}}))
	select {
	case d := <-sink:
		assert.Equal(t, "edge1", d.Peer.Name)
		assert.Equal(t, uint32(65002), d.Peer.ASN)
		require.Len(t, d.Update.NLRI, 1)
		assert.Equal(t, "198.51.100.0/24", d.Update.NLRI[0].String())
		assert.NotEmpty(t, d.Raw)
		assert.False(t, d.Established.IsZero())
		events := d.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "65002", events[0].ASPath)
	case <-time.After(waitFor):
		t.Fatal("expected a delivery")
	}

	// A route refresh is answered with the table.
	r.send(&bgp.RouteRefresh{Family: bgp.IPv4Unicast, Subtype: bgp.RefreshRequest})
	u = r.expect(bgp.MsgUpdate).(*bgp.Update)
	require.Len(t, u.NLRI, 1)
	assert.Equal(t, "203.0.113.0/24", u.NLRI[0].String())

	infos := rec.established()
	require.Len(t, infos, 1)
	assert.Equal(t, "10.0.0.2", infos[0].RouterID)
	assert.Equal(t, "edge1", infos[0].Hostname)

	// Shutdown tears the session down with an administrative Cease.
	cancel()
	n2 := r.expect(bgp.MsgNotification).(*bgp.Notification)
	assert.Equal(t, bgp.CodeCease, n2.Code)
	assert.Equal(t, bgp.SubCeaseAdminShutdown, n2.Subcode)
	text, ok := n2.ShutdownCommunication()
	assert.True(t, ok)
	assert.Equal(t, "speaker shutting down", text)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	r.expectClosed()

	assert.Equal(t, []string{
		"Idle>Connect",
		"Connect>OpenSent",
		"OpenSent>OpenConfirm",
		"OpenConfirm>Established",
		"Established>Idle",
		history.KindNotificationOut,
	}, rec.kinds())
}

func TestPeer_BadPeerAS(t *testing.T) {
	rec := &fakeRecorder{}
	p, r, _, _ := startPeer(t, testPeerConfig(t), nil, rec)

	r.expect(bgp.MsgOpen)
	r.send(remoteOpen(65099))

	n := r.expect(bgp.MsgNotification).(*bgp.Notification)
	assert.Equal(t, bgp.CodeOpenMessage, n.Code)
	assert.Equal(t, bgp.SubBadPeerAS, n.Subcode)
	r.expectClosed()

	require.Eventually(t, func() bool { return p.Status().State == fsm.Idle.String() }, waitFor, 5*time.Millisecond)
	st := p.Status()
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 1, st.ConnectRetries)
	assert.Contains(t, rec.kinds(), history.KindNotificationOut)
}

func TestPeer_BadMarker(t *testing.T) {
	p, r, _, _ := startPeer(t, testPeerConfig(t), nil, &fakeRecorder{})

	r.expect(bgp.MsgOpen)
	garbage := make([]byte, bgp.HeaderLen)
	garbage[17] = bgp.HeaderLen
	garbage[18] = byte(bgp.MsgKeepalive)
	_, err := r.conn.Write(garbage)
	require.NoError(t, err)

	n := r.expect(bgp.MsgNotification).(*bgp.Notification)
	assert.Equal(t, bgp.CodeMessageHeader, n.Code)
	assert.Equal(t, bgp.SubConnectionNotSynchronized, n.Subcode)
	r.expectClosed()

	require.Eventually(t, func() bool { return p.Status().State == fsm.Idle.String() }, waitFor, 5*time.Millisecond)
}

func TestPeer_PeerNotification(t *testing.T) {
	rec := &fakeRecorder{}
	p, r, _, _ := startPeer(t, testPeerConfig(t), nil, rec)
	establish(t, p, r)

	r.send(bgp.CeaseError(bgp.SubCeaseAdminShutdown, "maintenance").Notification())
	r.expectClosed()

	require.Eventually(t, func() bool { return p.Status().State == fsm.Idle.String() }, waitFor, 5*time.Millisecond)
	assert.Contains(t, rec.kinds(), history.KindNotificationIn)
	assert.Contains(t, p.Status().LastError, "maintenance")
}

func TestPeer_RestartAfterIdleHold(t *testing.T) {
	local, far := net.Pipe()
	second, far2 := net.Pipe()
	holds := make(chan int, 4)
	p := NewPeer(testPeerConfig(t), nil, zap.NewNop(),
		WithDialer(&pipeDialer{conns: []net.Conn{local, second}}),
		WithIdleHold(func(failures int) time.Duration {
			holds <- failures
			return time.Millisecond
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	r := newRemote(t, far)
	r.expect(bgp.MsgOpen)
	r.send(bgp.CeaseError(bgp.SubCeaseAdminReset, "").Notification())
	r.expectClosed()

	select {
	case failures := <-holds:
		assert.Equal(t, 1, failures)
	case <-time.After(waitFor):
		t.Fatal("expected a restart to be scheduled")
	}

	r2 := newRemote(t, far2)
	r2.expect(bgp.MsgOpen)
}

func TestPeer_RejectsSecondConnection(t *testing.T) {
	p, r, _, _ := startPeer(t, testPeerConfig(t), nil, &fakeRecorder{})
	r.expect(bgp.MsgOpen)

	extra, far := net.Pipe()
	r2 := newRemote(t, far)
	require.True(t, p.Accept(context.Background(), extra))

	n := r2.expect(bgp.MsgNotification).(*bgp.Notification)
	assert.Equal(t, bgp.CodeCease, n.Code)
	assert.Equal(t, bgp.SubCeaseConnectionRejected, n.Subcode)
	r2.expectClosed()
	assert.Equal(t, fsm.OpenSent.String(), p.Status().State)
}

func TestDefaultIdleHold(t *testing.T) {
	assert.Equal(t, 5*time.Second, DefaultIdleHold(0))
	assert.Equal(t, 5*time.Second, DefaultIdleHold(1))
	assert.Equal(t, 10*time.Second, DefaultIdleHold(2))
	assert.Equal(t, 40*time.Second, DefaultIdleHold(4))
	assert.Equal(t, 2*time.Minute, DefaultIdleHold(10))
	assert.Equal(t, 2*time.Minute, DefaultIdleHold(1000))
}

func TestNewPeer_InitialStatus(t *testing.T) {
	cfg := testPeerConfig(t)
	cfg.Description = "upstream"
	p := NewPeer(cfg, nil, zap.NewNop())

	st := p.Status()
	assert.Equal(t, "edge1", st.Name)
	assert.Equal(t, "192.0.2.2", st.Address)
	assert.Equal(t, "upstream", st.Description)
	assert.Equal(t, uint32(65002), st.PeerASN)
	assert.Equal(t, fsm.Idle.String(), st.State)
	assert.False(t, st.Established())
	assert.Nil(t, st.EstablishedAt)
}

func TestStatusOf_LastError(t *testing.T) {
	s := fsm.NewSession(testPeerConfig(t).Session)
	s.LastError = errors.New("boom")
	st := statusOf(testPeerConfig(t), s, time.Now())
	assert.Equal(t, "boom", st.LastError)
	assert.Nil(t, st.EstablishedAt, "only an Established session reports its start")
}
