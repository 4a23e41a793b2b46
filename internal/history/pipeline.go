package history

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rib"
	"go.uber.org/zap"
)

// Session event kinds.
const (
	KindTransition      = "transition"
	KindNotificationIn  = "notification_in"
	KindNotificationOut = "notification_out"
)

const (
	finalFlushTimeout = 5 * time.Second
	peerUpsertTimeout = 5 * time.Second
)

// Flusher writes one batch. *Writer implements it.
type Flusher interface {
	FlushBatch(ctx context.Context, b *Batch) (int64, error)
}

// SessionEvent is a state change or NOTIFICATION on one peer session.
// Epoch and Seq identify the event for dedup: Epoch is fixed for the
// lifetime of the peer's driver and Seq counts its recorded events.
type SessionEvent struct {
	Peer         string
	Address      string
	PeerASN      uint32
	Time         time.Time
	Epoch        time.Time
	Seq          uint64
	Kind         string
	From         string
	To           string
	Notification *bgp.Notification
	Reason       string
	Raw          []byte
}

type entry struct {
	routes  []*RouteRow
	session *SessionRow
}

func (e entry) rows() int {
	n := len(e.routes)
	if e.session != nil {
		n++
	}
	return n
}

// Pipeline batches history rows from peer sessions and flushes them to the
// database. Sessions never block on it: when the queue is full rows are
// dropped and counted.
type Pipeline struct {
	writer        Flusher
	in            chan entry
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	dropped       atomic.Int64
	peers         Execer
}

func NewPipeline(writer Flusher, batchSize, flushIntervalMs, bufferSize int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		writer:        writer,
		in:            make(chan entry, bufferSize),
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// WithPeerStore makes PeerEstablished upsert the peers table through db.
func (p *Pipeline) WithPeerStore(db Execer) *Pipeline {
	p.peers = db
	return p
}

// PeerEstablished records the identity a peer presented when its session
// came up. The upsert runs in the background and failures are only logged.
func (p *Pipeline) PeerEstablished(info PeerInfo) {
	if p.peers == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), peerUpsertTimeout)
		defer cancel()
		if err := UpsertPeer(ctx, p.peers, info); err != nil {
			p.logger.Warn("peer upsert failed", zap.String("peer", info.Name), zap.Error(err))
		}
	}()
}

// Deliver implements rib.Sink.
func (p *Pipeline) Deliver(_ context.Context, d rib.Delivery) error {
	rows := RouteRows(d)
	if len(rows) == 0 {
		return nil
	}
	p.enqueue(entry{routes: rows})
	return nil
}

// RecordSession queues one session event.
func (p *Pipeline) RecordSession(ev SessionEvent) {
	p.enqueue(entry{session: SessionRowFor(ev)})
}

// Dropped returns the number of rows dropped so far.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Pipeline) enqueue(e entry) {
	select {
	case p.in <- e:
	default:
		p.dropped.Add(int64(e.rows()))
		metrics.HistoryDroppedTotal.WithLabelValues("queue_full").Add(float64(e.rows()))
	}
}

// RouteRows builds the route_events rows of one UPDATE. The raw message is
// attached to the first row only.
func RouteRows(d rib.Delivery) []*RouteRow {
	events := d.Events()
	rows := make([]*RouteRow, 0, len(events))
	for i, ev := range events {
		row := &RouteRow{
			EventID: ComputeEventID(d.Peer.Name, d.Established, d.Seq, i),
			Time:    d.Received,
			Peer:    d.Peer.Name,
			PeerASN: d.Peer.ASN,
			Event:   ev,
		}
		if i == 0 && d.Raw != nil {
			row.Raw = append([]byte(nil), d.Raw...)
		}
		rows = append(rows, row)
	}
	return rows
}

// SessionRowFor builds the session_events row of ev. For NOTIFICATIONs the
// code and subcode are filled in and a shutdown communication becomes the
// reason when none was given.
func SessionRowFor(ev SessionEvent) *SessionRow {
	row := &SessionRow{
		EventID:   ComputeEventID(ev.Peer, ev.Epoch, ev.Seq, 0),
		Time:      ev.Time,
		Peer:      ev.Peer,
		Address:   ev.Address,
		PeerASN:   ev.PeerASN,
		Kind:      ev.Kind,
		FromState: ev.From,
		ToState:   ev.To,
		Reason:    ev.Reason,
		Raw:       ev.Raw,
	}
	if n := ev.Notification; n != nil {
		code, sub := n.Code, n.Subcode
		row.Code = &code
		row.Subcode = &sub
		if row.Reason == "" {
			if text, ok := n.ShutdownCommunication(); ok {
				row.Reason = text
			}
		}
	}
	return row
}

// Run batches queued rows until ctx is cancelled, then flushes what is left.
func (p *Pipeline) Run(ctx context.Context) {
	batch := &Batch{}
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain(batch)
			if batch.Len() > 0 {
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
				p.flush(fctx, batch)
				cancel()
			}
			return

		case e := <-p.in:
			batch.add(e)

			if batch.Len() >= p.batchSize {
				if p.flush(ctx, batch) {
					batch = &Batch{}
				}
			}

			// Cap memory: if repeated flush failures cause the batch to
			// grow beyond 10x the configured size, drop it.
			if batch.Len() >= p.batchSize*10 {
				p.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_routes", len(batch.Routes)),
					zap.Int("dropped_sessions", len(batch.Sessions)),
				)
				p.dropped.Add(int64(batch.Len()))
				metrics.HistoryDroppedTotal.WithLabelValues("flush_failed").Add(float64(batch.Len()))
				batch = &Batch{}
			}

		case <-ticker.C:
			if batch.Len() > 0 {
				if p.flush(ctx, batch) {
					batch = &Batch{}
				}
			}
		}
	}
}

func (b *Batch) add(e entry) {
	b.Routes = append(b.Routes, e.routes...)
	if e.session != nil {
		b.Sessions = append(b.Sessions, e.session)
	}
}

func (p *Pipeline) drain(batch *Batch) {
	for {
		select {
		case e := <-p.in:
			batch.add(e)
		default:
			return
		}
	}
}

func (p *Pipeline) flush(ctx context.Context, batch *Batch) bool {
	inserted, err := p.writer.FlushBatch(ctx, batch)
	if err != nil {
		p.logger.Error("history batch flush failed", zap.Error(err))
		return false
	}

	p.logger.Debug("history batch flushed",
		zap.Int("batch_size", batch.Len()),
		zap.Int64("inserted", inserted),
		zap.Int64("deduped", int64(batch.Len())-inserted),
	)
	return true
}
