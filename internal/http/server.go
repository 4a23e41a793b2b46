package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-speaker/internal/speaker"
)

const checkTimeout = 2 * time.Second

// SessionReporter returns the status of every configured peer session.
type SessionReporter interface {
	Snapshot() []speaker.PeerStatus
}

// Checker abstracts a dependency health check for testability.
// *pgxpool.Pool and *kafka.Publisher implement it.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

type Server struct {
	srv      *http.Server
	sessions SessionReporter
	checks   map[string]Checker
	logger   *zap.Logger
}

func NewServer(addr string, sessions SessionReporter, logger *zap.Logger) *Server {
	s := &Server{
		sessions: sessions,
		checks:   make(map[string]Checker),
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// AddCheck adds a dependency that must answer Ping for /readyz to succeed.
// Call before Start.
func (s *Server) AddCheck(name string, c Checker) {
	s.checks[name] = c
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := s.checks[name].Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Debug("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "error"
			allOK = false
		} else {
			checks[name] = "ok"
		}
	}

	// A speaker without peers has nothing to do.
	var peers, established int
	if s.sessions != nil {
		for _, st := range s.sessions.Snapshot() {
			peers++
			if st.Established() {
				established++
			}
		}
	}
	if peers > 0 {
		checks["peers"] = "ok"
	} else {
		checks["peers"] = "none_configured"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"checks":      checks,
		"peers":       peers,
		"established": established,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := []speaker.PeerStatus{}
	if s.sessions != nil {
		sessions = append(sessions, s.sessions.Snapshot()...)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
}
