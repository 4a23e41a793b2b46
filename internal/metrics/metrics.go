package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_session_state",
			Help: "Session FSM state (0=Idle .. 5=Established).",
		},
		[]string{"peer"},
	)

	SessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_session_transitions_total",
			Help: "FSM state transitions.",
		},
		[]string{"peer", "from", "to"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_messages_total",
			Help: "BGP messages sent and received.",
		},
		[]string{"peer", "direction", "type"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_notifications_total",
			Help: "NOTIFICATION messages by code and subcode.",
		},
		[]string{"peer", "direction", "code", "subcode"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_parse_errors_total",
			Help: "Decode failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	DiscardedAttributesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_discarded_attributes_total",
			Help: "Malformed optional attributes dropped from otherwise valid UPDATEs.",
		},
		[]string{"peer", "type"},
	)

	RoutesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_routes_total",
			Help: "Prefixes received per family and action (A/D).",
		},
		[]string{"peer", "family", "action"},
	)

	EORSeen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_eor_seen",
			Help: "End-of-RIB received (0/1).",
		},
		[]string{"peer", "family"},
	)

	LastMsgTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpspeaker_last_msg_timestamp_seconds",
			Help: "Unix timestamp of the last message per direction.",
		},
		[]string{"peer", "direction"},
	)

	KafkaRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_kafka_records_total",
			Help: "Route event records produced to Kafka.",
		},
		[]string{"topic", "result"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"pipeline", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_db_rows_affected_total",
			Help: "DB rows written.",
		},
		[]string{"pipeline", "table", "op"},
	)

	HistoryDedupConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_history_dedup_conflicts_total",
			Help: "History dedup hits (ON CONFLICT DO NOTHING skips).",
		},
		[]string{"table"},
	)

	HistoryDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpspeaker_history_dropped_total",
			Help: "History rows dropped because the pipeline was full or flushing failed.",
		},
		[]string{"reason"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpspeaker_batch_size",
			Help:    "Batch sizes flushed to DB.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"pipeline"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionState,
			SessionTransitionsTotal,
			MessagesTotal,
			NotificationsTotal,
			ParseErrorsTotal,
			DiscardedAttributesTotal,
			RoutesTotal,
			EORSeen,
			LastMsgTimestamp,
			KafkaRecordsTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			HistoryDedupConflictsTotal,
			HistoryDroppedTotal,
			BatchSize,
		)
	})
}
