package speaker

import (
	"time"

	"github.com/route-beacon/bgp-speaker/internal/fsm"
)

// PeerStatus is a point-in-time view of one session, served on /sessions.
type PeerStatus struct {
	Name             string     `json:"name"`
	Address          string     `json:"address"`
	Description      string     `json:"description,omitempty"`
	PeerASN          uint32     `json:"peer_asn,omitempty"`
	PeerRouterID     string     `json:"peer_router_id,omitempty"`
	State            string     `json:"state"`
	EstablishedAt    *time.Time `json:"established_at,omitempty"`
	HoldTimeSeconds  int        `json:"hold_time_seconds"`
	KeepaliveSeconds int        `json:"keepalive_seconds"`
	Families         []string   `json:"families,omitempty"`
	MessagesIn       uint64     `json:"messages_in"`
	MessagesOut      uint64     `json:"messages_out"`
	UpdatesIn        uint64     `json:"updates_in"`
	UpdatesOut       uint64     `json:"updates_out"`
	ConnectRetries   int        `json:"connect_retries"`
	LastError        string     `json:"last_error,omitempty"`
}

// Established reports whether the session is up.
func (s PeerStatus) Established() bool {
	return s.State == fsm.Established.String()
}

func statusOf(cfg PeerConfig, s fsm.Session, establishedAt time.Time) PeerStatus {
	st := PeerStatus{
		Name:             cfg.Name,
		Address:          cfg.Address.String(),
		Description:      cfg.Description,
		PeerASN:          cfg.Session.PeerASN,
		State:            s.State.String(),
		HoldTimeSeconds:  int(s.HoldTime / time.Second),
		KeepaliveSeconds: int(s.KeepaliveTime / time.Second),
		MessagesIn:       s.Counters.MessagesIn,
		MessagesOut:      s.Counters.MessagesOut,
		UpdatesIn:        s.Counters.UpdatesIn,
		UpdatesOut:       s.Counters.UpdatesOut,
		ConnectRetries:   s.ConnectRetryCounter,
	}
	if s.PeerOpen != nil {
		st.PeerASN = s.Negotiated.PeerASN
		st.PeerRouterID = s.Negotiated.PeerRouterID
		for _, f := range s.Negotiated.Families {
			st.Families = append(st.Families, f.String())
		}
	}
	if s.State == fsm.Established && !establishedAt.IsZero() {
		t := establishedAt
		st.EstablishedAt = &t
	}
	if s.LastError != nil {
		st.LastError = s.LastError.Error()
	}
	return st
}
