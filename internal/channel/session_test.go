package channel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"portal-bridge/internal/channel"
	"portal-bridge/internal/channel/channeltest"
	"portal-bridge/internal/errors"
	"portal-bridge/internal/models"
)

func TestWebsocketHandshake(t *testing.T) {
	srv := channeltest.NewServer(t)

	sess, err := srv.Dialer("bridge").Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	srv.WaitSession(t, 2*time.Second)
	hellos := srv.Hellos()
	require.Len(t, hellos, 1)
	assert.Equal(t, "bridge", hellos[0].Name)
	assert.Equal(t, channel.ProtocolVersion, hellos[0].Protocol)

	require.NoError(t, sess.WriteFrame(channel.CommandFrame("job-1", "alice.demo.cluster1 add_user bob.proj1")))
	cmd := srv.WaitCommand(t, 2*time.Second)
	assert.Equal(t, "job-1", cmd.JobID)
	assert.Equal(t, "alice.demo.cluster1 add_user bob.proj1", cmd.Command)

	require.NoError(t, srv.Emit("job-1", models.EventFinished, "ok"))
	f, err := sess.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, channel.EventFrame("job-1", models.EventFinished, "ok"), f)
}

func TestWebsocketHandshakeFailures(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		srv := channeltest.NewServer(t)
		srv.SetReject("unknown peer")

		_, err := srv.Dialer("bridge").Dial(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrAuthenticationFailed))
		assert.Contains(t, err.Error(), "unknown peer")
	})

	t.Run("incompatible protocol", func(t *testing.T) {
		srv := channeltest.NewServer(t)
		srv.SetProtocol("2.0.0")

		_, err := srv.Dialer("bridge").Dial(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrAuthenticationFailed))
	})

	t.Run("wrong keys", func(t *testing.T) {
		srv := channeltest.NewServer(t)
		inv, err := channel.NewInvitation("portal", srv.Invitation.URL)
		require.NoError(t, err)

		d := &channel.WebsocketDialer{Invitation: inv, Name: "bridge", HandshakeTimeout: 2 * time.Second}
		_, err = d.Dial(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrAuthenticationFailed))
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := channeltest.NewServer(t)
		d := srv.Dialer("bridge")
		srv.Close()

		_, err := d.Dial(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrDisconnected))
		assert.False(t, errors.Is(err, errors.ErrAuthenticationFailed))
	})
}

func TestCheckProtocol(t *testing.T) {
	assert.NoError(t, channel.CheckProtocol("1.0.0"))
	assert.NoError(t, channel.CheckProtocol("1.7.2"))
	assert.Error(t, channel.CheckProtocol("0.9.0"))
	assert.Error(t, channel.CheckProtocol("2.0.0"))
	assert.Error(t, channel.CheckProtocol("one"))
}

func TestConnectorOverWebsocket(t *testing.T) {
	srv := channeltest.NewServer(t)
	c := channel.New(channel.Options{
		Dialer:            srv.Dialer("bridge"),
		KeepaliveInterval: 50 * time.Millisecond,
		IdleTimeout:       time.Second,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		Logger:            zaptest.NewLogger(t).Sugar(),
	})
	defer c.Close()
	c.Start(context.Background())

	srv.WaitSession(t, 2*time.Second)
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	epoch, err := c.Send(context.Background(), "job-1", "alice.demo.cluster1 add_user bob.proj1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), epoch)
	assert.Equal(t, "job-1", srv.WaitCommand(t, 2*time.Second).JobID)

	require.NoError(t, srv.Emit("job-1", models.EventRunning, ""))
	ev := <-c.Events()
	assert.Equal(t, models.Event{JobID: "job-1", Kind: models.EventRunning, Session: 1}, ev)

	// Keepalives flow and are echoed, so the idle timeout never fires.
	time.Sleep(300 * time.Millisecond)
	assert.Greater(t, srv.Keepalives(), 2)
	assert.Equal(t, 1, srv.Sessions())

	srv.Drop()
	srv.WaitSession(t, 2*time.Second)
	require.Eventually(t, func() bool { return c.Connected() && c.Epoch() == 2 }, 2*time.Second, 5*time.Millisecond)

	_, lost := c.SessionLostAt(1)
	assert.True(t, lost)

	require.NoError(t, srv.Emit("job-1", models.EventFinished, "ok"))
	ev = <-c.Events()
	assert.Equal(t, models.Event{JobID: "job-1", Kind: models.EventFinished, Payload: "ok", Session: 2}, ev)
}

func TestConnectorSurvivesUndecodableMessages(t *testing.T) {
	srv := channeltest.NewServer(t)
	c := channel.New(channel.Options{
		Dialer:            srv.Dialer("bridge"),
		KeepaliveInterval: time.Second,
		IdleTimeout:       5 * time.Second,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		Logger:            zaptest.NewLogger(t).Sugar(),
	})
	defer c.Close()
	c.Start(context.Background())

	srv.WaitSession(t, 2*time.Second)
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	stranger, err := channel.GenerateKey()
	require.NoError(t, err)
	wrongKey, err := channel.EncodeFrame(stranger, channel.EventFrame("job-1", models.EventRunning, ""))
	require.NoError(t, err)

	require.NoError(t, srv.EmitRaw([]byte("not json")))
	require.NoError(t, srv.EmitRaw(wrongKey))
	require.NoError(t, srv.EmitRaw([]byte(`{"type":"event"}`)))
	require.NoError(t, srv.Emit("job-1", models.EventRunning, ""))

	select {
	case ev := <-c.Events():
		assert.Equal(t, models.Event{JobID: "job-1", Kind: models.EventRunning, Session: 1}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
	assert.True(t, c.Connected())
	assert.Equal(t, uint64(1), c.Epoch())
	assert.Equal(t, 1, srv.Sessions())
}
