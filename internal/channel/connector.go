// Package channel maintains the bridge's persistent session to the push
// network. It owns reconnection, keepalives and the single outbound writer,
// and exposes inbound events as one stream that survives reconnects.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"portal-bridge/internal/errors"
	"portal-bridge/internal/logger"
	"portal-bridge/internal/models"
)

// State is the connector's lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Number of lost-session timestamps remembered.
const lostHistory = 256

// Options configures a Connector.
type Options struct {
	Dialer            Dialer
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	SendQueue         int
	EventBuffer       int
	Now               func() time.Time
	Logger            *zap.SugaredLogger
}

// Send request lifecycle. The writer claims a queued request before writing
// it; a caller that gives up abandons it first, and the writer then skips it.
const (
	requestQueued int32 = iota
	requestClaimed
	requestAbandoned
)

type sendRequest struct {
	frame  Frame
	state  atomic.Int32
	result chan error
}

// live is the per-session handle Send uses to reach the current writer.
type live struct {
	epoch    uint64
	outbound chan *sendRequest
	done     chan struct{}
}

// Connector keeps a session to the push network open.
type Connector struct {
	opts   Options
	log    *zap.SugaredLogger
	events chan models.Event

	mu        sync.RWMutex
	state     State
	current   *live
	epoch     uint64
	lostAt    map[uint64]time.Time
	lastErr   error
	listeners []func(State)

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a connector. Call Start to begin connecting.
func New(opts Options) *Connector {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 20 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 3 * opts.KeepaliveInterval
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("channel")
	}

	return &Connector{
		opts:   opts,
		log:    opts.Logger,
		events: make(chan models.Event, opts.EventBuffer),
		state:  StateDisconnected,
		lostAt: make(map[uint64]time.Time),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately. Start after
// Close is a no-op.
func (c *Connector) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		go c.run(ctx)
	})
}

// Close tears down the session and stops reconnecting. The events stream is
// closed once the connector has fully stopped.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		started := true
		c.startOnce.Do(func() { started = false })
		if !started {
			c.setState(StateClosed)
			close(c.events)
			close(c.done)
			return
		}
		c.mu.RLock()
		cancel := c.cancel
		c.mu.RUnlock()
		cancel()
		<-c.done
	})
	return nil
}

// Events returns the inbound event stream. Events carry the epoch of the
// session they arrived on.
func (c *Connector) Events() <-chan models.Event {
	return c.events
}

// State returns the current state.
func (c *Connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connected reports whether a session is established.
func (c *Connector) Connected() bool {
	return c.State() == StateConnected
}

// Endpoint is the peer address being dialed.
func (c *Connector) Endpoint() string {
	return c.opts.Dialer.Endpoint()
}

// LastError returns the error that ended the most recent session or dial.
func (c *Connector) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Epoch returns the epoch of the current or most recent session. Epochs start
// at 1 and increase with every established session.
func (c *Connector) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// SessionLostAt reports when the session with the given epoch ended.
func (c *Connector) SessionLostAt(epoch uint64) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if epoch == 0 {
		return time.Time{}, false
	}
	if epoch < c.epoch || (epoch == c.epoch && c.current == nil) {
		t, ok := c.lostAt[epoch]
		if !ok && epoch+lostHistory <= c.epoch {
			// Forgotten, but certainly gone.
			return time.Time{}, true
		}
		return t, ok
	}
	return time.Time{}, false
}

// OnStateChange registers fn to be called after every state transition. fn
// runs on the connector's goroutine and must not block.
func (c *Connector) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Send transmits a command for jobID on the current session. It returns the
// session epoch the frame was written on, or ErrDisconnected when no session
// is established or the session ended before the frame was written.
//
// An error means the command was never written. If ctx ends while the
// request is still queued the request is withdrawn; once the writer has
// claimed it, Send reports the outcome of the write instead.
func (c *Connector) Send(ctx context.Context, jobID, command string) (uint64, error) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur == nil {
		return 0, errors.Wrap(errors.ErrDisconnected, "no session")
	}

	req := &sendRequest{frame: CommandFrame(jobID, command), result: make(chan error, 1)}
	select {
	case cur.outbound <- req:
	case <-cur.done:
		return 0, errors.Wrap(errors.ErrDisconnected, "session ended")
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case err := <-req.result:
		return sendOutcome(cur, err)
	case <-cur.done:
		return c.settle(cur, req)
	case <-ctx.Done():
		if req.state.CompareAndSwap(requestQueued, requestAbandoned) {
			return 0, ctx.Err()
		}
	}

	// Claimed by the writer, which always answers before the session ends.
	select {
	case err := <-req.result:
		return sendOutcome(cur, err)
	case <-cur.done:
		return c.settle(cur, req)
	}
}

// settle resolves a request after its session ended. A request still queued
// is withdrawn so that nothing can write it later.
func (c *Connector) settle(cur *live, req *sendRequest) (uint64, error) {
	req.state.CompareAndSwap(requestQueued, requestAbandoned)
	select {
	case err := <-req.result:
		return sendOutcome(cur, err)
	default:
	}
	return 0, errors.Wrap(errors.ErrDisconnected, "session ended before command was written")
}

func sendOutcome(cur *live, err error) (uint64, error) {
	if err != nil {
		return 0, err
	}
	return cur.epoch, nil
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Connector) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Connector) run(ctx context.Context) {
	defer func() {
		c.setState(StateClosed)
		close(c.events)
		close(c.done)
	}()

	backoff := Backoff{Initial: c.opts.BackoffInitial, Max: c.opts.BackoffMax}
	endpoint := c.opts.Dialer.Endpoint()
	everConnected := false

	for ctx.Err() == nil {
		if everConnected {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateConnecting)
		}

		sess, err := c.opts.Dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setErr(err)
			if errors.Is(err, errors.ErrAuthenticationFailed) {
				c.log.Errorw("Channel authentication failed, giving up",
					logger.FieldEndpoint, endpoint,
					logger.FieldError, err)
				c.setState(StateFailed)
				<-ctx.Done()
				return
			}

			delay := backoff.Next()
			c.log.Warnw("Failed to connect to push network",
				logger.FieldEndpoint, endpoint,
				logger.FieldBackoff, delay,
				logger.FieldError, err)
			c.setState(StateDisconnected)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		backoff.Reset()
		everConnected = true
		err = c.serve(ctx, sess)
		if ctx.Err() != nil {
			return
		}
		c.setErr(err)

		delay := backoff.Next()
		c.log.Warnw("Channel session lost",
			logger.FieldEndpoint, endpoint,
			logger.FieldEpoch, c.Epoch(),
			logger.FieldBackoff, delay,
			logger.FieldError, err)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// serve runs one session until it fails or ctx is cancelled.
func (c *Connector) serve(ctx context.Context, sess Session) error {
	c.mu.Lock()
	c.epoch++
	cur := &live{
		epoch:    c.epoch,
		outbound: make(chan *sendRequest, c.opts.SendQueue),
		done:     make(chan struct{}),
	}
	c.current = cur
	c.mu.Unlock()
	c.setState(StateConnected)

	c.log.Infow("Channel session established",
		logger.FieldEndpoint, c.opts.Dialer.Endpoint(),
		logger.FieldEpoch, cur.epoch)

	var lastRecv atomic.Int64
	lastRecv.Store(c.opts.Now().UnixNano())

	readerDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readerDone)
		readErr = c.readLoop(ctx, sess, cur.epoch, &lastRecv)
	}()

	writeErr := c.writeLoop(ctx, sess, cur, readerDone, &lastRecv)

	c.mu.Lock()
	c.current = nil
	c.lostAt[cur.epoch] = c.opts.Now()
	delete(c.lostAt, cur.epoch-lostHistory)
	c.mu.Unlock()
	c.setState(StateDisconnected)
	close(cur.done)

	sess.Close()
	<-readerDone

	if writeErr != nil {
		return writeErr
	}
	return readErr
}

func (c *Connector) readLoop(ctx context.Context, sess Session, epoch uint64, lastRecv *atomic.Int64) error {
	for {
		f, err := sess.ReadFrame()
		if errors.IsMalformedFrameError(err) {
			lastRecv.Store(c.opts.Now().UnixNano())
			c.log.Warnw("Dropping undecodable frame",
				logger.FieldEpoch, epoch,
				logger.FieldError, err)
			continue
		}
		if err != nil {
			return errors.Wrapf(errors.ErrDisconnected, "read failed: %v", err)
		}
		lastRecv.Store(c.opts.Now().UnixNano())

		switch f.Type {
		case FrameKeepalive:
			continue
		case FrameEvent:
			if err := f.Validate(); err != nil {
				c.log.Warnw("Dropping malformed event",
					logger.FieldJobID, f.JobID,
					logger.FieldError, err)
				continue
			}
			ev := models.Event{JobID: f.JobID, Kind: f.Kind, Payload: f.Payload, Session: epoch}
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			c.log.Debugw("Ignoring unexpected frame", "type", f.Type)
		}
	}
}

// writeLoop is the only writer for sess. It sends queued commands, emits a
// keepalive when nothing has been written for KeepaliveInterval and ends the
// session when nothing has been received for IdleTimeout.
func (c *Connector) writeLoop(ctx context.Context, sess Session, cur *live, readerDone <-chan struct{}, lastRecv *atomic.Int64) error {
	keepalive := c.opts.KeepaliveInterval
	idle := c.opts.IdleTimeout
	lastSent := c.opts.Now()

	timer := time.NewTimer(keepalive)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-readerDone:
			return nil

		case req := <-cur.outbound:
			if !req.state.CompareAndSwap(requestQueued, requestClaimed) {
				c.log.Debugw("Skipping withdrawn command", logger.FieldJobID, req.frame.JobID)
				break
			}
			if err := sess.WriteFrame(req.frame); err != nil {
				err = errors.Wrapf(errors.ErrSendFailed, "job %s: %v", req.frame.JobID, err)
				req.result <- err
				return err
			}
			req.result <- nil
			lastSent = c.opts.Now()

		case <-timer.C:
			now := c.opts.Now()
			if now.Sub(time.Unix(0, lastRecv.Load())) >= idle {
				return errors.Wrapf(errors.ErrDisconnected, "nothing received for %s", idle)
			}
			if now.Sub(lastSent) >= keepalive {
				if err := sess.WriteFrame(KeepaliveFrame()); err != nil {
					return errors.Wrapf(errors.ErrSendFailed, "keepalive: %v", err)
				}
				lastSent = now
			}
		}

		now := c.opts.Now()
		next := keepalive - now.Sub(lastSent)
		if untilIdle := idle - now.Sub(time.Unix(0, lastRecv.Load())); untilIdle < next {
			next = untilIdle
		}
		if next <= 0 {
			next = time.Millisecond
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
