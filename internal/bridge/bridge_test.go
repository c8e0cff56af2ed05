package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"portal-bridge/internal/channel"
	"portal-bridge/internal/channel/channeltest"
	"portal-bridge/internal/config"
	"portal-bridge/internal/models"
	"portal-bridge/internal/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Gateway.ListenAddr = "127.0.0.1:0"
	cfg.Gateway.PublicURL = "https://portal.example.org:443"
	cfg.Health.ListenAddr = "127.0.0.1:0"
	cfg.Channel.KeepaliveInterval = 100 * time.Millisecond
	cfg.Channel.IdleTimeout = 2 * time.Second
	cfg.Channel.BackoffInitial = 10 * time.Millisecond
	cfg.Channel.BackoffMax = 50 * time.Millisecond
	cfg.Audit.Path = filepath.Join(t.TempDir(), "journal.db")
	return cfg
}

func startBridge(t *testing.T, cfg *config.Config, srv *channeltest.Server) *Bridge {
	t.Helper()
	b, err := New(cfg, srv.Dialer("bridge"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})

	srv.WaitSession(t, 2*time.Second)
	require.Eventually(t, b.Connector.Connected, 2*time.Second, 5*time.Millisecond)
	return b
}

func submit(t *testing.T, b *Bridge, cmd string) (*http.Response, models.JobSubmitResponse) {
	t.Helper()
	body, err := json.Marshal(models.JobSubmitRequest{Command: cmd})
	require.NoError(t, err)

	resp, err := http.Post("http://"+b.GatewayAddr()+"/api/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out models.JobSubmitResponse
	if resp.StatusCode == http.StatusAccepted {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func poll(t *testing.T, b *Bridge, id string) models.JobSnapshot {
	t.Helper()
	resp, err := http.Get("http://" + b.GatewayAddr() + "/api/jobs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job models.JobSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

func TestSubmitRunFinishPoll(t *testing.T) {
	srv := channeltest.NewServer(t)
	b := startBridge(t, testConfig(t), srv)

	resp, accepted := submit(t, b, "alice.demo.cluster1 add_user bob.proj1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, models.StatePending, accepted.State)
	assert.Equal(t, "https://portal.example.org/api/jobs/"+accepted.JobID, accepted.Location)

	cmd := srv.WaitCommand(t, 2*time.Second)
	assert.Equal(t, accepted.JobID, cmd.JobID)
	assert.Equal(t, "alice.demo.cluster1 add_user bob.proj1", cmd.Command)

	require.NoError(t, srv.Emit(accepted.JobID, models.EventRunning, ""))
	require.Eventually(t, func() bool {
		return poll(t, b, accepted.JobID).State == models.StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Emit(accepted.JobID, models.EventFinished, "ok"))
	require.Eventually(t, func() bool {
		return poll(t, b, accepted.JobID).State == models.StateFinished
	}, 2*time.Second, 10*time.Millisecond)

	job := poll(t, b, accepted.JobID)
	assert.Equal(t, "ok", job.Result)
	assert.Equal(t, uint64(2), job.Version)

	// A duplicate terminal event changes nothing.
	require.NoError(t, srv.Emit(accepted.JobID, models.EventErrored, "late"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, job, poll(t, b, accepted.JobID))

	// The journal catches up with the final state.
	require.Eventually(t, func() bool {
		rec, err := b.db.GetJobByID(accepted.JobID)
		return err == nil && rec.State == models.StateFinished
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthFollowsChannel(t *testing.T) {
	srv := channeltest.NewServer(t)
	b := startBridge(t, testConfig(t), srv)

	resp, err := http.Get("http://" + b.Health.Addr() + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv.Close()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + b.Health.Addr() + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusServiceUnavailable
	}, 3*time.Second, 10*time.Millisecond)

	r, _ := submit(t, b, "a.b run")
	assert.Equal(t, http.StatusServiceUnavailable, r.StatusCode)
	assert.Equal(t, 0, b.Registry.Len())
}

func TestChannelLossExpiresInFlightJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channel.LostGrace = 50 * time.Millisecond
	cfg.Registry.SweepInterval = 10 * time.Millisecond

	srv := channeltest.NewServer(t)
	b := startBridge(t, cfg, srv)

	_, accepted := submit(t, b, "a.b run")
	require.NotEmpty(t, accepted.JobID)
	srv.WaitCommand(t, 2*time.Second)

	srv.Drop()
	require.Eventually(t, func() bool {
		return poll(t, b, accepted.JobID).State == models.StateErrored
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, worker.ChannelLostReason, poll(t, b, accepted.JobID).Error)
}

func TestShutdownClosesChannel(t *testing.T) {
	srv := channeltest.NewServer(t)
	cfg := testConfig(t)
	b, err := New(cfg, srv.Dialer("bridge"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	srv.WaitSession(t, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
	assert.Equal(t, channel.StateClosed, b.Connector.State())

	_, err = http.Get("http://" + b.GatewayAddr() + "/api/metrics")
	assert.Error(t, err, "gateway must be closed")
}

func TestNewDialerFromInvitation(t *testing.T) {
	inv, err := channel.NewInvitation("portal", "https://portal.example.org:443")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "invitation.toml")
	var buf bytes.Buffer
	require.NoError(t, inv.Write(&buf))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	cfg := testConfig(t)
	cfg.Channel.Invitation = path
	d, err := NewDialer(cfg)
	require.NoError(t, err)
	assert.Equal(t, "wss://portal.example.org", d.Endpoint())

	cfg.Channel.URL = "http://localhost:8046"
	d, err = NewDialer(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8046", d.Endpoint())

	cfg.Channel.Invitation = filepath.Join(t.TempDir(), "absent.toml")
	_, err = New(cfg, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
