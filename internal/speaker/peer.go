package speaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/fsm"
	"github.com/route-beacon/bgp-speaker/internal/history"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rib"
)

const (
	dialTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	readBufferSize = 16 * 1024
	minIdleHold    = 5 * time.Second
	maxIdleHold    = 2 * time.Minute
)

// Recorder receives the session history of a peer.
type Recorder interface {
	RecordSession(ev history.SessionEvent)
	PeerEstablished(info history.PeerInfo)
}

// Dialer opens outbound transports. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// PeerOption configures optional Peer behavior.
type PeerOption func(*Peer)

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) PeerOption {
	return func(p *Peer) { p.dialer = d }
}

// WithRecorder records session events and peer metadata.
func WithRecorder(r Recorder) PeerOption {
	return func(p *Peer) { p.recorder = r }
}

// WithIdleHold sets how long the session rests in Idle after going down,
// given the number of consecutive failures.
func WithIdleHold(f func(failures int) time.Duration) PeerOption {
	return func(p *Peer) { p.idleHold = f }
}

// DefaultIdleHold doubles from 5s per consecutive failure up to 2m.
func DefaultIdleHold(failures int) time.Duration {
	d := minIdleHold
	for i := 1; i < failures && d < maxIdleHold; i++ {
		d *= 2
	}
	return min(d, maxIdleHold)
}

type inbound struct {
	conn net.Conn
	data []byte
	err  error
}

type dialResult struct {
	conn net.Conn
	err  error
}

// Peer drives one BGP session. The run loop is the only goroutine that
// touches the transport, the timers and the fsm.Session; the read loop and
// dials hand their results to it over channels.
type Peer struct {
	cfg      PeerConfig
	sink     rib.Sink
	recorder Recorder
	dialer   Dialer
	codec    *bgp.Codec
	logger   *zap.Logger
	idleHold func(failures int) time.Duration

	accepted chan net.Conn
	inbound  chan inbound
	dialed   chan dialResult

	session     fsm.Session
	conn        net.Conn
	connDone    chan struct{}
	reader      *bgp.Reader
	timers      map[fsm.Timer]*time.Timer
	restart     *time.Timer
	pending     []fsm.Event
	draining    bool
	cancelDial  context.CancelFunc
	current     []byte // raw bytes of the message being applied
	received    time.Time
	established time.Time
	eorFamilies []string
	epoch       time.Time
	eventSeq    uint64
	stopping    bool

	mu     sync.RWMutex
	status PeerStatus
}

func NewPeer(cfg PeerConfig, sink rib.Sink, logger *zap.Logger, opts ...PeerOption) *Peer {
	if sink == nil {
		sink = rib.Discard
	}
	p := &Peer{
		cfg:      cfg,
		sink:     sink,
		dialer:   &net.Dialer{},
		codec:    bgp.DefaultCodec(),
		logger:   logger.With(zap.String("peer", cfg.Name), zap.String("address", cfg.Address.String())),
		idleHold: DefaultIdleHold,
		accepted: make(chan net.Conn, 1),
		inbound:  make(chan inbound),
		dialed:   make(chan dialResult),
		session:  fsm.NewSession(cfg.Session),
		reader:   bgp.NewReader(),
		timers:   make(map[fsm.Timer]*time.Timer),
	}
	for _, o := range opts {
		o(p)
	}
	if s, ok := cfg.Source.(*rib.Static); ok && s.NextHopFor == nil {
		s.NextHopFor = p.localNextHop
	}
	p.status = statusOf(cfg, p.session, time.Time{})
	return p
}

// Name returns the configured peer name.
func (p *Peer) Name() string { return p.cfg.Name }

// Status returns a snapshot of the session. Safe for concurrent use.
func (p *Peer) Status() PeerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Accept hands an inbound connection from the listener to the peer. It
// returns false if the peer has stopped.
func (p *Peer) Accept(ctx context.Context, conn net.Conn) bool {
	select {
	case p.accepted <- conn:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run drives the session until ctx is cancelled. An Established session is
// closed with a Cease administrative shutdown.
func (p *Peer) Run(ctx context.Context) error {
	p.epoch = time.Now()
	for _, t := range []fsm.Timer{fsm.TimerConnectRetry, fsm.TimerHold, fsm.TimerKeepalive} {
		p.timers[t] = newStoppedTimer()
	}
	p.restart = newStoppedTimer()
	defer func() {
		for _, t := range p.timers {
			t.Stop()
		}
		p.restart.Stop()
	}()

	metrics.SessionState.WithLabelValues(p.cfg.Name).Set(float64(fsm.Idle))
	p.logger.Info("peer started",
		zap.Uint32("peer_asn", p.cfg.Session.PeerASN),
		zap.Bool("passive", p.cfg.Session.Passive),
	)
	p.apply(ctx, fsm.Event{Type: fsm.EventStart})

	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			p.logger.Info("peer stopped")
			return nil

		case conn := <-p.accepted:
			p.handleAccepted(ctx, conn)

		case r := <-p.dialed:
			p.handleDialed(ctx, r)

		case in := <-p.inbound:
			p.handleInbound(ctx, in)

		case <-p.timers[fsm.TimerConnectRetry].C:
			p.apply(ctx, fsm.Event{Type: fsm.EventConnectRetryExpired})

		case <-p.timers[fsm.TimerHold].C:
			p.apply(ctx, fsm.Event{Type: fsm.EventHoldTimerExpired})

		case <-p.timers[fsm.TimerKeepalive].C:
			p.apply(ctx, fsm.Event{Type: fsm.EventKeepaliveTimerExpired})

		case <-p.restart.C:
			p.apply(ctx, fsm.Event{Type: fsm.EventStart})
		}
	}
}

func (p *Peer) shutdown() {
	p.stopping = true
	p.apply(context.Background(), fsm.Event{
		Type: fsm.EventStop,
		Err:  bgp.CeaseError(bgp.SubCeaseAdminShutdown, "speaker shutting down"),
	})
	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	p.closeTransport()
}

// apply feeds ev to the FSM and performs the resulting actions in order.
// Events raised while actions run are queued and applied afterwards.
func (p *Peer) apply(ctx context.Context, ev fsm.Event) {
	p.pending = append(p.pending, ev)
	if p.draining {
		return
	}
	p.draining = true
	defer func() { p.draining = false }()

	for len(p.pending) > 0 {
		ev := p.pending[0]
		p.pending = p.pending[1:]

		next, res := fsm.Step(p.session, ev)
		p.session = next
		if res.Changed() {
			p.logTransition(res)
		}
		for _, a := range res.Actions {
			p.execute(ctx, a)
		}
		p.publishStatus()
	}
}

func (p *Peer) execute(ctx context.Context, a fsm.Action) {
	switch a.Type {
	case fsm.ActSend:
		p.send(ctx, a.Message)
	case fsm.ActStartTimer:
		resetTimer(p.timers[a.Timer], a.Duration)
	case fsm.ActStopTimer:
		stopTimer(p.timers[a.Timer])
	case fsm.ActOpenTransport:
		p.dial(ctx)
	case fsm.ActCloseTransport:
		p.closeTransport()
	case fsm.ActDeliverUpdate:
		p.deliver(ctx, a.Message.(*bgp.Update))
	case fsm.ActRefreshRequested:
		p.refresh(a.Message.(*bgp.RouteRefresh))
	case fsm.ActSessionUp:
		p.sessionUp()
	case fsm.ActSessionDown:
		p.sessionDown(a.Err)
	default:
		p.logger.Warn("unknown FSM action", zap.Stringer("action", a.Type))
	}
}

func (p *Peer) logTransition(res fsm.Result) {
	from, to := res.From.String(), res.To.String()
	p.logger.Info("session state changed",
		zap.String("from", from),
		zap.String("to", to),
		zap.Stringer("event", res.Event),
	)
	metrics.SessionTransitionsTotal.WithLabelValues(p.cfg.Name, from, to).Inc()
	metrics.SessionState.WithLabelValues(p.cfg.Name).Set(float64(res.To))

	ev := history.SessionEvent{Kind: history.KindTransition, From: from, To: to}
	if res.To == fsm.Idle && p.session.LastError != nil {
		ev.Reason = p.session.LastError.Error()
	}
	p.record(ev)
}

func (p *Peer) record(ev history.SessionEvent) {
	if p.recorder == nil {
		return
	}
	p.eventSeq++
	ev.Peer = p.cfg.Name
	ev.Address = p.cfg.Address.String()
	ev.PeerASN = p.cfg.Session.PeerASN
	if p.session.Negotiated.PeerASN != 0 {
		ev.PeerASN = p.session.Negotiated.PeerASN
	}
	ev.Time = time.Now()
	ev.Epoch = p.epoch
	ev.Seq = p.eventSeq
	p.recorder.RecordSession(ev)
}

func (p *Peer) publishStatus() {
	st := statusOf(p.cfg, p.session, p.established)
	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
}

// send encodes m with the current parameters and writes it. A write error
// queues a transport failure.
func (p *Peer) send(ctx context.Context, m bgp.Message) {
	if p.conn == nil {
		return
	}
	b, err := p.codec.Encode(m, p.session.SendParams())
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("encode", m.Type().String()).Inc()
		p.logger.Error("encoding message failed", zap.Stringer("type", m.Type()), zap.Error(err))
		return
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := p.conn.Write(b); err != nil {
		p.logger.Warn("write failed", zap.Stringer("type", m.Type()), zap.Error(err))
		p.apply(ctx, fsm.Event{Type: fsm.EventTransportFailed, Err: fmt.Errorf("speaker: write: %w", err)})
		return
	}

	metrics.MessagesTotal.WithLabelValues(p.cfg.Name, "out", m.Type().String()).Inc()
	metrics.LastMsgTimestamp.WithLabelValues(p.cfg.Name, "out").SetToCurrentTime()
	if n, ok := m.(*bgp.Notification); ok {
		p.logger.Warn("NOTIFICATION sent",
			zap.Uint8("code", n.Code),
			zap.Uint8("subcode", n.Subcode),
			zap.String("name", bgp.CodeName(n.Code, n.Subcode)),
		)
		p.notificationMetric("out", n)
		p.record(history.SessionEvent{Kind: history.KindNotificationOut, Notification: n, Raw: b})
	}
}

func (p *Peer) notificationMetric(direction string, n *bgp.Notification) {
	metrics.NotificationsTotal.WithLabelValues(p.cfg.Name, direction,
		strconv.Itoa(int(n.Code)), strconv.Itoa(int(n.Subcode))).Inc()
}

func (p *Peer) dial(ctx context.Context) {
	if p.conn != nil || p.cancelDial != nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	p.cancelDial = cancel
	target := p.cfg.Target()
	p.logger.Debug("dialing", zap.String("target", target))

	go func() {
		conn, err := p.dialer.DialContext(dctx, "tcp", target)
		select {
		case p.dialed <- dialResult{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (p *Peer) handleDialed(ctx context.Context, r dialResult) {
	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	connecting := p.session.State == fsm.Connect || p.session.State == fsm.Active
	if p.conn != nil || !connecting {
		// An accepted connection won, or the session moved on.
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}
	if r.err != nil {
		p.logger.Debug("dial failed", zap.Error(r.err))
		p.apply(ctx, fsm.Event{Type: fsm.EventTransportFailed, Err: r.err})
		return
	}
	p.attach(r.conn)
	p.apply(ctx, fsm.Event{Type: fsm.EventTransportUp})
}

func (p *Peer) handleAccepted(ctx context.Context, conn net.Conn) {
	if p.conn != nil || p.stopping || p.session.State > fsm.Active {
		p.logger.Info("rejecting connection", zap.String("remote", conn.RemoteAddr().String()),
			zap.Stringer("state", p.session.State))
		go p.reject(conn)
		return
	}
	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	p.attach(conn)
	p.apply(ctx, fsm.Event{Type: fsm.EventTransportUp})
}

// reject refuses a connection the session cannot use.
func (p *Peer) reject(conn net.Conn) {
	defer conn.Close()
	n := bgp.CeaseError(bgp.SubCeaseConnectionRejected, "").Notification()
	b, err := p.codec.Encode(n, bgp.Params{})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, _ = conn.Write(b)
}

func (p *Peer) attach(conn net.Conn) {
	stopTimer(p.restart)
	p.conn = conn
	p.connDone = make(chan struct{})
	p.reader.Reset()
	p.logger.Info("transport up",
		zap.String("local", conn.LocalAddr().String()),
		zap.String("remote", conn.RemoteAddr().String()),
	)
	go p.readLoop(conn, p.connDone)
}

func (p *Peer) closeTransport() {
	if p.conn == nil {
		return
	}
	close(p.connDone)
	p.conn.Close()
	p.conn = nil
	p.reader.Reset()
}

// readLoop copies stream bytes to the run loop until the connection fails.
func (p *Peer) readLoop(conn net.Conn, done <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			select {
			case p.inbound <- inbound{conn: conn, data: data}:
			case <-done:
				return
			}
		}
		if err != nil {
			select {
			case p.inbound <- inbound{conn: conn, err: err}:
			case <-done:
			}
			return
		}
	}
}

func (p *Peer) handleInbound(ctx context.Context, in inbound) {
	if in.conn != p.conn {
		return
	}
	if in.err != nil {
		err := in.err
		if errors.Is(err, io.EOF) {
			err = fsm.ErrTransportClosed
		}
		p.logger.Info("transport failed", zap.Error(err))
		p.apply(ctx, fsm.Event{Type: fsm.EventTransportFailed, Err: err})
		p.closeTransport()
		return
	}

	_, _ = p.reader.Write(in.data)
	for p.conn == in.conn {
		p.reader.SetMaxLength(p.session.ReceiveParams().MaxLen())
		f, err := p.reader.Next()
		if errors.Is(err, bgp.ErrNeedMore) {
			return
		}
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("frame", "header").Inc()
			p.logger.Warn("framing failed", zap.Error(err))
			p.apply(ctx, fsm.Event{Type: fsm.EventDecodeError, Err: err})
			return
		}
		p.receive(ctx, f)
	}
}

func (p *Peer) receive(ctx context.Context, f bgp.Frame) {
	now := time.Now()
	typ := f.Header.Type.String()
	metrics.MessagesTotal.WithLabelValues(p.cfg.Name, "in", typ).Inc()
	metrics.LastMsgTimestamp.WithLabelValues(p.cfg.Name, "in").Set(float64(now.Unix()))

	m, err := p.codec.Decode(f, p.session.ReceiveParams())
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("decode", typ).Inc()
		p.logger.Warn("decode failed", zap.String("type", typ), zap.Error(err))
		p.apply(ctx, fsm.Event{Type: fsm.EventDecodeError, Err: err})
		return
	}

	switch m := m.(type) {
	case *bgp.Notification:
		fields := []zap.Field{
			zap.Uint8("code", m.Code),
			zap.Uint8("subcode", m.Subcode),
			zap.String("name", bgp.CodeName(m.Code, m.Subcode)),
		}
		if text, ok := m.ShutdownCommunication(); ok {
			fields = append(fields, zap.String("communication", text))
		}
		p.logger.Warn("NOTIFICATION received", fields...)
		p.notificationMetric("in", m)
		p.record(history.SessionEvent{Kind: history.KindNotificationIn, Notification: m, Raw: f.Raw})
	case *bgp.Update:
		for _, d := range m.Discarded {
			metrics.DiscardedAttributesTotal.WithLabelValues(p.cfg.Name, strconv.Itoa(int(d.Type))).Inc()
			p.logger.Warn("discarded malformed attribute", zap.Uint8("type", d.Type), zap.Error(d.Err))
		}
	}

	p.current = f.Raw
	p.received = now
	p.apply(ctx, fsm.Message(m))
	p.current = nil
}

func (p *Peer) ribPeer() rib.Peer {
	return rib.Peer{
		Name:       p.cfg.Name,
		Address:    p.cfg.Address.String(),
		ASN:        p.session.Negotiated.PeerASN,
		RouterID:   p.session.Negotiated.PeerRouterID,
		Negotiated: p.session.Negotiated,
	}
}

func (p *Peer) deliver(ctx context.Context, u *bgp.Update) {
	d := rib.Delivery{
		Peer:        p.ribPeer(),
		Update:      u,
		Raw:         p.current,
		Received:    p.received,
		Established: p.established,
		Seq:         p.session.Counters.MessagesIn,
	}
	if f, ok := u.EndOfRIB(); ok {
		metrics.EORSeen.WithLabelValues(p.cfg.Name, f.String()).Set(1)
		p.logger.Info("End-of-RIB received", zap.Stringer("family", f))
	}
	for _, ev := range d.Events() {
		metrics.RoutesTotal.WithLabelValues(p.cfg.Name, ev.Family, ev.Action).Inc()
	}
	if err := p.sink.Deliver(ctx, d); err != nil {
		p.logger.Warn("route sink failed", zap.Error(err))
	}
}

func (p *Peer) refresh(rr *bgp.RouteRefresh) {
	if rr.Subtype != bgp.RefreshRequest {
		p.logger.Debug("route refresh marker received",
			zap.Stringer("family", rr.Family), zap.Uint8("subtype", rr.Subtype))
		return
	}
	p.logger.Info("route refresh requested", zap.Stringer("family", rr.Family))
	msgs, err := rib.RefreshMessages(p.cfg.Source, p.ribPeer(), rr.Family, p.session.SendParams())
	if err != nil {
		p.logger.Error("building route refresh answer failed", zap.Error(err))
		return
	}
	for _, m := range msgs {
		p.pending = append(p.pending, fsm.Event{Type: fsm.EventSend, Message: m})
	}
}

func (p *Peer) sessionUp() {
	p.established = time.Now()
	n := p.session.Negotiated

	families := make([]string, 0, len(n.Families))
	for _, f := range n.Families {
		families = append(families, f.String())
		metrics.EORSeen.WithLabelValues(p.cfg.Name, f.String()).Set(0)
	}
	p.eorFamilies = families
	p.logger.Info("session established",
		zap.Uint32("peer_asn", n.PeerASN),
		zap.String("peer_router_id", n.PeerRouterID),
		zap.Duration("hold_time", p.session.HoldTime),
		zap.Strings("families", families),
		zap.Bool("as4", n.AS4),
		zap.Bool("extended_message", n.ExtendedMessage),
	)
	if p.session.PeerOpen != nil && bgp.HoldTimeMismatch(p.session.LocalOpen.HoldTime, p.session.PeerOpen.HoldTime) {
		p.logger.Warn("only one side disabled the hold timer; the peer may stop sending keepalives",
			zap.Uint16("local_hold_time", p.session.LocalOpen.HoldTime),
			zap.Uint16("peer_hold_time", p.session.PeerOpen.HoldTime),
		)
	}

	if p.recorder != nil {
		info := history.PeerInfo{
			Name:        p.cfg.Name,
			Address:     p.cfg.Address.String(),
			RouterID:    n.PeerRouterID,
			ASN:         n.PeerASN,
			Description: p.cfg.Description,
		}
		if p.session.PeerOpen != nil {
			if c, ok := p.session.PeerOpen.Capability(bgp.CapFQDN); ok {
				if fqdn, ok := c.Value.(bgp.FQDNCap); ok {
					info.Hostname = fqdn.Hostname
				}
			}
		}
		p.recorder.PeerEstablished(info)
	}

	updates, err := rib.InitialUpdates(p.cfg.Source, p.ribPeer(), p.session.SendParams())
	if err != nil {
		p.logger.Error("building initial announcements failed", zap.Error(err))
		return
	}
	for _, u := range updates {
		p.pending = append(p.pending, fsm.Event{Type: fsm.EventSend, Message: u})
	}
}

func (p *Peer) sessionDown(reason error) {
	p.established = time.Time{}
	for _, f := range p.eorFamilies {
		metrics.EORSeen.WithLabelValues(p.cfg.Name, f).Set(0)
	}
	p.eorFamilies = nil
	p.logger.Warn("session down", zap.Error(reason))
	if p.stopping {
		return
	}
	d := p.idleHold(p.session.ConnectRetryCounter)
	resetTimer(p.restart, d)
	p.logger.Info("session restart scheduled", zap.Duration("after", d))
}

// localNextHop announces the local address of the session transport when
// it matches the family.
func (p *Peer) localNextHop(_ rib.Peer, f bgp.Family) netip.Addr {
	if p.conn == nil {
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(p.conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	a := ap.Addr().Unmap()
	if f.AFI == bgp.AFIIPv4 && a.Is4() || f.AFI == bgp.AFIIPv6 && a.Is6() {
		return a
	}
	return netip.Addr{}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		drainTimer(t)
	}
}

// drainTimer non-blockingly drains the timer channel.
func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
