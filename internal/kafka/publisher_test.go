package kafka

import (
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/rib"
)

func testDelivery() rib.Delivery {
	a, _ := bgp.ParseNLRI("192.0.2.0/24")
	b, _ := bgp.ParseNLRI("198.51.100.0/24")
	w, _ := bgp.ParseNLRI("203.0.113.0/24")
	w.PathID = 7
	u := bgp.AnnounceUpdate(bgp.IPv4Unicast, []bgp.NLRI{a, b}, netip.MustParseAddr("10.0.0.2"),
		[]bgp.ASPathSegment{{Type: bgp.ASPathSegmentSequence, ASNs: []uint32{65002, 65100}}},
		bgp.PathAttribute{Flags: bgp.FlagsOptionalTransitive, Type: bgp.AttrTypeCommunity, Value: bgp.Communities{65002<<16 | 10}},
	)
	u.Withdrawn = []bgp.NLRI{w}
	return rib.Delivery{
		Peer: rib.Peer{
			Name:       "r1",
			ASN:        65002,
			RouterID:   "10.0.0.2",
			Negotiated: bgp.Negotiated{AS4: true},
		},
		Update:   u,
		Received: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func TestRecords_OnePerPrefix(t *testing.T) {
	recs, err := Records("routes", testDelivery())
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records (1 withdrawal, 2 announcements), got %d", len(recs))
	}
	if string(recs[0].Key) != "r1|ipv4-unicast|203.0.113.0/24|7" {
		t.Errorf("unexpected withdrawal key %q", recs[0].Key)
	}
	if string(recs[1].Key) != "r1|ipv4-unicast|192.0.2.0/24" {
		t.Errorf("unexpected announcement key %q", recs[1].Key)
	}
	for _, r := range recs {
		if r.Topic != "routes" {
			t.Errorf("expected topic routes, got %s", r.Topic)
		}
	}
}

func TestRecords_JSONValue(t *testing.T) {
	recs, err := Records("routes", testDelivery())
	if err != nil {
		t.Fatalf("Records: %v", err)
	}

	var withdrawal RouteRecord
	if err := json.Unmarshal(recs[0].Value, &withdrawal); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if withdrawal.Action != "D" || withdrawal.PathID != 7 || withdrawal.ASPath != "" {
		t.Errorf("unexpected withdrawal %+v", withdrawal)
	}

	var ann RouteRecord
	if err := json.Unmarshal(recs[1].Value, &ann); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ann.Action != "A" || ann.Nexthop != "10.0.0.2" || ann.ASPath != "65002 65100" {
		t.Errorf("unexpected announcement %+v", ann)
	}
	if ann.OriginASN == nil || *ann.OriginASN != 65100 {
		t.Errorf("expected origin ASN 65100, got %v", ann.OriginASN)
	}
	if len(ann.CommStd) != 1 || ann.CommStd[0] != "65002:10" {
		t.Errorf("expected community 65002:10, got %v", ann.CommStd)
	}
	if ann.Peer != "r1" || ann.PeerASN != 65002 {
		t.Errorf("unexpected peer fields %+v", ann)
	}
}

func TestRecords_EndOfRIBHasNoRecords(t *testing.T) {
	d := testDelivery()
	d.Update = bgp.NewEndOfRIB(bgp.IPv6Unicast)
	recs, err := Records("routes", d)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records for End-of-RIB, got %d", len(recs))
	}
}
