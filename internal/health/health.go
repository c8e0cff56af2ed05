// Package health serves liveness and readiness on a listener separate from
// the client gateway.
package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"portal-bridge/internal/api"
	"portal-bridge/internal/channel"
	"portal-bridge/internal/logger"
	"portal-bridge/internal/models"
	"portal-bridge/internal/netaddr"
)

// Channel is the connector state the health endpoint reports.
type Channel interface {
	State() channel.State
	Endpoint() string
}

// Server is the health listener.
type Server struct {
	addr    string
	channel Channel
	log     *zap.SugaredLogger

	srv      *http.Server
	listener net.Listener
}

// New creates a health server for addr.
func New(addr string, ch Channel, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Named("health")
	}
	s := &Server{addr: addr, channel: ch, log: log}
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes returns the health handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/livez", s.handleLive)
	r.Get("/readyz", s.handleReady)
	r.Get("/health", s.handleHealth)
	return r
}

// Status reports the current health.
func (s *Server) Status() models.Health {
	state := s.channel.State()
	endpoint := s.channel.Endpoint()
	if normalized, err := netaddr.Normalize(endpoint); err == nil {
		endpoint = normalized
	}
	return models.Health{
		Live:     true,
		Ready:    state == channel.StateConnected,
		Channel:  string(state),
		Endpoint: endpoint,
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"live": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	h := s.Status()
	status := http.StatusOK
	if !h.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{"ready": h.Ready, "channel": h.Channel})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Status())
}

// Start binds the listener and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Infow("Health endpoint listening", logger.FieldAddress, ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("Health server failed", logger.FieldError, err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if err := api.WriteJSON(w, status, v); err != nil {
		s.log.Debugw("Failed to write response", logger.FieldStatus, status, logger.FieldError, err)
	}
}
