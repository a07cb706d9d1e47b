package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"captcha_engine/internal/logbus"
	"captcha_engine/internal/ws"
)

// Server exposes /metrics, /health and the /events websocket stream.
type Server struct {
	addr    string
	handler http.Handler
	bus     *logbus.Bus
	started time.Time

	server *http.Server
	ln     net.Listener
}

func NewServer(addr string, gatherer prometheus.Gatherer, bus *logbus.Bus, allowOrigins []string) *Server {
	s := &Server{addr: addr, bus: bus, started: time.Now()}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.health)
	if bus != nil {
		mux.Handle("/events", ws.NewStream(bus, allowOrigins))
	}
	s.handler = mux
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Start listens and serves in the background. Addr reports the bound
// address afterwards, which matters for ":0".
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.server = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.bus.Log("error", "monitoring server stopped", map[string]any{"error": err.Error()})
		}
	}()
	s.bus.Log("info", "monitoring server listening", map[string]any{"addr": ln.Addr().String()})
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "healthy",
		"uptimeMs": time.Since(s.started).Milliseconds(),
	})
}
