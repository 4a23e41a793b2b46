package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Writer struct {
	pool          TxBeginner
	logger        *zap.Logger
	storeRawBytes bool
	compressRaw   bool
}

func NewWriter(pool TxBeginner, logger *zap.Logger, storeRawBytes, compressRaw bool) *Writer {
	return &Writer{
		pool:          pool,
		logger:        logger,
		storeRawBytes: storeRawBytes,
		compressRaw:   compressRaw,
	}
}

// RouteRow represents a single row to insert into route_events.
type RouteRow struct {
	EventID []byte // 32-byte SHA256
	Time    time.Time
	Peer    string
	PeerASN uint32
	Event   *bgp.RouteEvent
	Raw     []byte // optional raw UPDATE, set on the first row of a message
}

// SessionRow represents a single row to insert into session_events.
type SessionRow struct {
	EventID   []byte
	Time      time.Time
	Peer      string
	Address   string
	PeerASN   uint32
	Kind      string // "transition", "notification_in" or "notification_out"
	FromState string
	ToState   string
	Code      *uint8
	Subcode   *uint8
	Reason    string
	Raw       []byte
}

// Batch is the unit of one transaction.
type Batch struct {
	Routes   []*RouteRow
	Sessions []*SessionRow
}

func (b *Batch) Len() int { return len(b.Routes) + len(b.Sessions) }

// FlushBatch inserts a batch into route_events and session_events in one
// transaction. Returns the number of rows actually inserted (after dedup).
func (w *Writer) FlushBatch(ctx context.Context, b *Batch) (int64, error) {
	if b == nil || b.Len() == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var routesInserted, sessionsInserted int64

	for _, row := range b.Sessions {
		tag, err := tx.Exec(ctx, `
			INSERT INTO session_events (event_id, ingest_time, event_time, peer, peer_address,
				peer_asn, kind, from_state, to_state, code, subcode, reason, raw)
			VALUES ($1, date_trunc('day', $2::timestamptz), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (event_id, ingest_time) DO NOTHING`,
			row.EventID, row.Time, row.Peer, nilIfEmpty(row.Address),
			nilIfZero(int64(row.PeerASN)), row.Kind,
			nilIfEmpty(row.FromState), nilIfEmpty(row.ToState),
			row.Code, row.Subcode, nilIfEmpty(row.Reason), w.raw(row.Raw),
		)
		if err != nil {
			return 0, fmt.Errorf("insert session_event: %w", err)
		}
		affected := tag.RowsAffected()
		sessionsInserted += affected
		if affected == 0 {
			metrics.HistoryDedupConflictsTotal.WithLabelValues("session_events").Inc()
		}
	}

	for _, row := range b.Routes {
		var attrsJSON []byte
		if len(row.Event.Attrs) > 0 {
			attrsJSON, _ = json.Marshal(row.Event.Attrs)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO route_events (event_id, ingest_time, event_time, peer, peer_asn, family,
				prefix, path_id, action, nexthop, as_path, origin_asn, origin, localpref, med,
				communities_std, communities_ext, communities_large, attrs, raw)
			VALUES ($1, date_trunc('day', $2::timestamptz), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			ON CONFLICT (event_id, ingest_time) DO NOTHING`,
			row.EventID, row.Time, row.Peer, nilIfZero(int64(row.PeerASN)), row.Event.Family,
			row.Event.Prefix, nilIfZero(int64(row.Event.PathID)), row.Event.Action,
			nilIfEmpty(row.Event.Nexthop), nilIfEmpty(row.Event.ASPath), row.Event.OriginASN,
			nilIfEmpty(row.Event.Origin), row.Event.LocalPref, row.Event.MED,
			row.Event.CommStd, row.Event.CommExt, row.Event.CommLarge,
			attrsJSON, w.raw(row.Raw),
		)
		if err != nil {
			return 0, fmt.Errorf("insert route_event: %w", err)
		}
		affected := tag.RowsAffected()
		routesInserted += affected
		if affected == 0 {
			metrics.HistoryDedupConflictsTotal.WithLabelValues("route_events").Inc()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("history", "insert").Observe(dur)
	metrics.DBRowsAffectedTotal.WithLabelValues("history", "route_events", "insert").Add(float64(routesInserted))
	metrics.DBRowsAffectedTotal.WithLabelValues("history", "session_events", "insert").Add(float64(sessionsInserted))
	metrics.BatchSize.WithLabelValues("history").Observe(float64(b.Len()))

	return routesInserted + sessionsInserted, nil
}

func (w *Writer) raw(b []byte) []byte {
	if !w.storeRawBytes || b == nil {
		return nil
	}
	if w.compressRaw {
		return zstdEncoder.EncodeAll(b, nil)
	}
	return b
}

func nilIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
