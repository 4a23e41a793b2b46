package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegister_Idempotent(t *testing.T) {
	Register()
	Register()
}

func TestRegister_ExposesSessionMetrics(t *testing.T) {
	Register()
	SessionState.WithLabelValues("r1").Set(5)
	MessagesTotal.WithLabelValues("r1", "in", "KEEPALIVE").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"bgpspeaker_session_state", "bgpspeaker_messages_total"} {
		if !found[name] {
			t.Errorf("expected %s to be registered", name)
		}
	}
}
