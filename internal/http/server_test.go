package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/speaker"
)

// mockSessions implements SessionReporter for testing.
type mockSessions struct {
	peers []speaker.PeerStatus
}

func (m *mockSessions) Snapshot() []speaker.PeerStatus { return m.peers }

// mockChecker implements Checker for testing.
type mockChecker struct {
	err error
}

func (m *mockChecker) Ping(_ context.Context) error { return m.err }

func newTestServer(peers ...speaker.PeerStatus) *Server {
	return NewServer(":0", &mockSessions{peers: peers}, zap.NewNop())
}

func edge1(state string) speaker.PeerStatus {
	return speaker.PeerStatus{Name: "edge1", Address: "192.0.2.2", PeerASN: 65002, State: state}
}

func decodeReadyz(t *testing.T, w *httptest.ResponseRecorder) (string, map[string]any, map[string]any) {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	checks, _ := body["checks"].(map[string]any)
	status, _ := body["status"].(string)
	return status, checks, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
}

func TestHealthz_ContentType(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_NotReady_NoPeers(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	status, checks, _ := decodeReadyz(t, w)
	if status != "not_ready" {
		t.Errorf("expected status 'not_ready', got '%v'", status)
	}
	if checks["peers"] != "none_configured" {
		t.Errorf("expected peers 'none_configured', got '%v'", checks["peers"])
	}
}

func TestReadyz_PeersConfiguredButDBDown(t *testing.T) {
	s := newTestServer(edge1("Active"))
	s.AddCheck("postgres", &mockChecker{err: errors.New("connection refused")})
	s.AddCheck("kafka", CheckFunc(func(context.Context) error { return nil }))
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 (DB down), got %d", w.Code)
	}
	_, checks, _ := decodeReadyz(t, w)
	if checks["postgres"] != "error" {
		t.Errorf("expected postgres 'error', got '%v'", checks["postgres"])
	}
	if checks["kafka"] != "ok" {
		t.Errorf("expected kafka 'ok', got '%v'", checks["kafka"])
	}
	if checks["peers"] != "ok" {
		t.Errorf("expected peers 'ok', got '%v'", checks["peers"])
	}
}

func TestReadyz_ContentType(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	s := newTestServer(edge1("Established"), speaker.PeerStatus{Name: "rr1", State: "Active"})
	s.AddCheck("postgres", &mockChecker{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	status, checks, body := decodeReadyz(t, w)
	if status != "ready" {
		t.Errorf("expected status 'ready', got '%v'", status)
	}
	if checks["postgres"] != "ok" {
		t.Errorf("expected postgres 'ok', got '%v'", checks["postgres"])
	}
	if body["peers"] != float64(2) {
		t.Errorf("expected 2 peers, got %v", body["peers"])
	}
	if body["established"] != float64(1) {
		t.Errorf("expected 1 established session, got %v", body["established"])
	}
}

func TestSessions_Snapshot(t *testing.T) {
	s := newTestServer(edge1("Established"))
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()

	s.handleSessions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Sessions []speaker.PeerStatus `json:"sessions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(body.Sessions))
	}
	got := body.Sessions[0]
	if got.Name != "edge1" || got.State != "Established" || got.PeerASN != 65002 {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestSessions_EmptyIsArray(t *testing.T) {
	s := NewServer(":0", nil, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	w := httptest.NewRecorder()

	s.handleSessions(w, req)

	var body map[string]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(body["sessions"]) != "[]" {
		t.Errorf("expected empty array, got %s", body["sessions"])
	}
}

func TestSessions_MethodNotAllowed(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	w := httptest.NewRecorder()

	s.handleSessions(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}
