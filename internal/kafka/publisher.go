package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/rib"
)

// RouteRecord is the JSON value of one produced record.
type RouteRecord struct {
	Peer       string            `json:"peer"`
	PeerASN    uint32            `json:"peer_asn"`
	PeerRouter string            `json:"peer_router_id"`
	ReceivedAt time.Time         `json:"received_at"`
	Family     string            `json:"family"`
	Prefix     string            `json:"prefix"`
	PathID     uint32            `json:"path_id,omitempty"`
	Action     string            `json:"action"`
	Nexthop    string            `json:"nexthop,omitempty"`
	ASPath     string            `json:"as_path,omitempty"`
	OriginASN  *uint32           `json:"origin_asn,omitempty"`
	Origin     string            `json:"origin,omitempty"`
	LocalPref  *uint32           `json:"local_pref,omitempty"`
	MED        *uint32           `json:"med,omitempty"`
	CommStd    []string          `json:"communities_std,omitempty"`
	CommExt    []string          `json:"communities_ext,omitempty"`
	CommLarge  []string          `json:"communities_large,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Publisher produces the route events of every received UPDATE to a Kafka
// topic. Records are keyed by peer and prefix so that the updates of one
// prefix stay ordered within a partition.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
	failed atomic.Int64
}

func NewPublisher(brokers []string, topic, clientID string, linger time.Duration, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Publisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(linger),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.SnappyCompression(), kgo.NoCompression()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: creating producer: %w", err)
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Deliver implements rib.Sink. Records are produced asynchronously; produce
// failures are logged and counted but never fail the session.
func (p *Publisher) Deliver(ctx context.Context, d rib.Delivery) error {
	recs, err := Records(p.topic, d)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		p.client.Produce(ctx, rec, p.onProduced)
	}
	return nil
}

func (p *Publisher) onProduced(r *kgo.Record, err error) {
	if err != nil {
		p.failed.Add(1)
		metrics.KafkaRecordsTotal.WithLabelValues(r.Topic, "error").Inc()
		p.logger.Warn("kafka: produce failed",
			zap.String("topic", r.Topic),
			zap.ByteString("key", r.Key),
			zap.Error(err),
		)
		return
	}
	metrics.KafkaRecordsTotal.WithLabelValues(r.Topic, "ok").Inc()
}

// Records builds the Kafka records for one delivery.
func Records(topic string, d rib.Delivery) ([]*kgo.Record, error) {
	events := d.Events()
	recs := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(RouteRecord{
			Peer:       d.Peer.Name,
			PeerASN:    d.Peer.ASN,
			PeerRouter: d.Peer.RouterID,
			ReceivedAt: d.Received.UTC(),
			Family:     ev.Family,
			Prefix:     ev.Prefix,
			PathID:     ev.PathID,
			Action:     ev.Action,
			Nexthop:    ev.Nexthop,
			ASPath:     ev.ASPath,
			OriginASN:  ev.OriginASN,
			Origin:     ev.Origin,
			LocalPref:  ev.LocalPref,
			MED:        ev.MED,
			CommStd:    ev.CommStd,
			CommExt:    ev.CommExt,
			CommLarge:  ev.CommLarge,
			Attrs:      ev.Attrs,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka: encoding route event: %w", err)
		}
		key := d.Peer.Name + "|" + ev.Family + "|" + ev.Prefix
		if ev.PathID != 0 {
			key += "|" + strconv.FormatUint(uint64(ev.PathID), 10)
		}
		recs = append(recs, &kgo.Record{
			Topic:     topic,
			Key:       []byte(key),
			Value:     value,
			Timestamp: d.Received,
			Headers: []kgo.RecordHeader{
				{Key: "peer", Value: []byte(d.Peer.Name)},
				{Key: "action", Value: []byte(ev.Action)},
			},
		})
	}
	return recs, nil
}

// Ping checks broker connectivity for readiness probes.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Failed returns the number of records that could not be produced.
func (p *Publisher) Failed() int64 {
	return p.failed.Load()
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close(ctx context.Context) {
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka: flush on close failed", zap.Error(err))
	}
	p.client.Close()
}
