package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/websocket"

	"portal-bridge/internal/errors"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Largest frame accepted from the peer.
	maxFrameSize = 1 << 20
)

var compatibleProtocol = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// CheckProtocol reports whether a peer protocol version can be spoken with.
func CheckProtocol(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(err, "peer protocol %q is not a version", version)
	}
	if !compatibleProtocol.Check(v) {
		return errors.Newf("peer protocol %s is incompatible with %s", v, ProtocolVersion)
	}
	return nil
}

// Session is one established, authenticated connection to the push network.
// ReadFrame and WriteFrame may be called concurrently with each other but
// neither may be called concurrently with itself. Close unblocks both.
type Session interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Dialer establishes sessions. A dial failure wrapping
// errors.ErrAuthenticationFailed is permanent; anything else is retried.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
	Endpoint() string
}

// WebsocketDialer dials the push network over a websocket and performs the
// sealed hello/welcome handshake described by an invitation.
type WebsocketDialer struct {
	Invitation       *Invitation
	Name             string
	HandshakeTimeout time.Duration

	// URL overrides the invitation URL when set.
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// Endpoint returns the websocket URL that will be dialed.
func (d *WebsocketDialer) Endpoint() string {
	if d.URL != "" {
		return d.URL
	}
	u, err := d.Invitation.WebsocketURL()
	if err != nil {
		return d.Invitation.URL
	}
	return u
}

// Dial connects and completes the handshake.
func (d *WebsocketDialer) Dial(ctx context.Context) (Session, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	endpoint := d.Endpoint()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, d.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Wrapf(errors.ErrAuthenticationFailed, "peer refused connection with status %d", resp.StatusCode)
		}
		return nil, errors.Wrapf(errors.ErrDisconnected, "failed to dial %s: %v", endpoint, err)
	}
	conn.SetReadLimit(maxFrameSize)

	s := &wsSession{conn: conn, key: d.Invitation.OuterKey}
	if err := s.handshake(d.Name, d.Invitation.InnerKey, time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

type wsSession struct {
	conn *websocket.Conn
	key  Key

	closeOnce sync.Once
	closeErr  error
}

func (s *wsSession) handshake(name string, inner Key, deadline time.Time) error {
	s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	hello := Frame{Type: FrameHello, Name: name, Protocol: ProtocolVersion}
	if err := s.WriteFrame(hello); err != nil {
		return errors.Wrap(errors.ErrDisconnected, err.Error())
	}

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return errors.Wrapf(errors.ErrDisconnected, "handshake read failed: %v", err)
	}
	reply, err := DecodeFrame(s.key, raw)
	if err != nil {
		return errors.Wrapf(errors.ErrAuthenticationFailed, "handshake reply: %v", err)
	}

	switch reply.Type {
	case FrameWelcome:
		if err := CheckProtocol(reply.Protocol); err != nil {
			return errors.Wrap(errors.ErrAuthenticationFailed, err.Error())
		}
	case FrameRejected:
		reason := reply.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return errors.Wrapf(errors.ErrAuthenticationFailed, "peer rejected handshake: %s", reason)
	default:
		return errors.Wrapf(errors.ErrAuthenticationFailed, "unexpected handshake reply %q", reply.Type)
	}

	s.key = inner
	return nil
}

func (s *wsSession) ReadFrame() (Frame, error) {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(s.key, raw)
}

func (s *wsSession) WriteFrame(f Frame) error {
	raw, err := EncodeFrame(s.key, f)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
