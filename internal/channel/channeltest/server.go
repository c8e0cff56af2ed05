// Package channeltest provides an in-process push network peer for tests.
package channeltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"portal-bridge/internal/channel"
	"portal-bridge/internal/errors"
	"portal-bridge/internal/models"
)

// Server accepts bridge sessions, records the commands it receives and lets
// tests push events back. Keepalives from the bridge are echoed.
type Server struct {
	Invitation *channel.Invitation

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	protocol   string
	reject     string
	conn       *peerConn
	hellos     []channel.Frame
	commands   []channel.Frame
	keepalives int
	sessions   int

	commandCh chan channel.Frame
	sessionCh chan int
}

type peerConn struct {
	ws  *websocket.Conn
	key channel.Key
	wmu sync.Mutex
}

func (p *peerConn) write(f channel.Frame) error {
	raw, err := channel.EncodeFrame(p.key, f)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, raw)
}

// NewServer starts a peer with a fresh invitation pointing at it. It is
// closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	inv, err := channel.NewInvitation("portal", "")
	if err != nil {
		t.Fatalf("failed to create invitation: %v", err)
	}
	s := &Server{
		Invitation: inv,
		protocol:   channel.ProtocolVersion,
		commandCh:  make(chan channel.Frame, 256),
		sessionCh:  make(chan int, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	inv.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

// Dialer returns a dialer configured with the server's invitation.
func (s *Server) Dialer(name string) *channel.WebsocketDialer {
	return &channel.WebsocketDialer{
		Invitation:       s.Invitation,
		Name:             name,
		HandshakeTimeout: 2 * time.Second,
	}
}

// SetProtocol changes the protocol version announced in welcome frames.
func (s *Server) SetProtocol(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocol = v
}

// SetReject makes subsequent handshakes fail with reason. Empty accepts.
func (s *Server) SetReject(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reason
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	s.mu.Lock()
	protocol, reject := s.protocol, s.reject
	s.mu.Unlock()

	_, raw, err := ws.ReadMessage()
	if err != nil {
		return
	}
	outer := &peerConn{ws: ws, key: s.Invitation.OuterKey}
	hello, err := channel.DecodeFrame(outer.key, raw)
	if err != nil {
		// Cannot seal to a peer holding the wrong key.
		msg, _ := json.Marshal(channel.Envelope{Type: channel.FrameRejected})
		ws.WriteMessage(websocket.TextMessage, msg)
		return
	}
	if hello.Type != channel.FrameHello || reject != "" {
		outer.write(channel.Frame{Type: channel.FrameRejected, Reason: reject})
		return
	}
	if err := outer.write(channel.Frame{Type: channel.FrameWelcome, Name: s.Invitation.Name, Protocol: protocol}); err != nil {
		return
	}

	pc := &peerConn{ws: ws, key: s.Invitation.InnerKey}
	s.mu.Lock()
	s.conn = pc
	s.sessions++
	n := s.sessions
	s.hellos = append(s.hellos, hello)
	s.mu.Unlock()
	select {
	case s.sessionCh <- n:
	default:
	}

	defer func() {
		s.mu.Lock()
		if s.conn == pc {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := channel.DecodeFrame(pc.key, raw)
		if err != nil {
			return
		}
		switch f.Type {
		case channel.FrameCommand:
			s.mu.Lock()
			s.commands = append(s.commands, f)
			s.mu.Unlock()
			select {
			case s.commandCh <- f:
			default:
			}
		case channel.FrameKeepalive:
			s.mu.Lock()
			s.keepalives++
			s.mu.Unlock()
			pc.write(channel.KeepaliveFrame())
		}
	}
}

// WaitSession blocks until a new session completes its handshake and
// returns the session count.
func (s *Server) WaitSession(t testing.TB, timeout time.Duration) int {
	t.Helper()
	select {
	case n := <-s.sessionCh:
		return n
	case <-time.After(timeout):
		t.Fatalf("no session established within %s", timeout)
		return 0
	}
}

// WaitCommand blocks until the next command frame arrives.
func (s *Server) WaitCommand(t testing.TB, timeout time.Duration) channel.Frame {
	t.Helper()
	select {
	case f := <-s.commandCh:
		return f
	case <-time.After(timeout):
		t.Fatalf("no command received within %s", timeout)
		return channel.Frame{}
	}
}

// Emit sends an event to the connected bridge.
func (s *Server) Emit(jobID string, kind models.EventKind, payload string) error {
	s.mu.Lock()
	pc := s.conn
	s.mu.Unlock()
	if pc == nil {
		return errors.New("no bridge connected")
	}
	return pc.write(channel.EventFrame(jobID, kind, payload))
}

// EmitRaw sends msg to the connected bridge as-is, without sealing.
func (s *Server) EmitRaw(msg []byte) error {
	s.mu.Lock()
	pc := s.conn
	s.mu.Unlock()
	if pc == nil {
		return errors.New("no bridge connected")
	}
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	return pc.ws.WriteMessage(websocket.TextMessage, msg)
}

// Drop closes the current session without a close handshake.
func (s *Server) Drop() {
	s.mu.Lock()
	pc := s.conn
	s.conn = nil
	s.mu.Unlock()
	if pc != nil {
		pc.ws.Close()
	}
}

// Hellos returns the hello frames received so far.
func (s *Server) Hellos() []channel.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]channel.Frame(nil), s.hellos...)
}

// Commands returns the command frames received so far.
func (s *Server) Commands() []channel.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]channel.Frame(nil), s.commands...)
}

// Keepalives returns how many keepalives the bridge has sent.
func (s *Server) Keepalives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

// Sessions returns how many sessions have been established.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Close stops the server and drops any session.
func (s *Server) Close() {
	s.Drop()
	s.srv.CloseClientConnections()
	s.srv.Close()
}
