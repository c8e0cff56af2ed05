// Package worker runs the bridge's periodic housekeeping.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"portal-bridge/internal/logger"
	"portal-bridge/internal/models"
)

// ChannelLostReason is recorded on jobs expired because the session that
// carried their command ended and no event arrived within the grace period.
const ChannelLostReason = "channel lost"

// Registry is the job table surface the janitor sweeps.
type Registry interface {
	EvictExpired(now time.Time) int
	InFlight() []models.JobSnapshot
	Expire(jobID string, session uint64, reason string) (bool, error)
}

// Sessions reports when a channel session ended.
type Sessions interface {
	SessionLostAt(epoch uint64) (time.Time, bool)
}

// Pruner forgets idle per-client state.
type Pruner interface {
	Prune(idle time.Duration) int
}

// Options configures a Janitor. Sessions and Limiter are optional.
type Options struct {
	Registry    Registry
	Sessions    Sessions
	Limiter     Pruner
	Interval    time.Duration
	LostGrace   time.Duration
	LimiterIdle time.Duration
	Now         func() time.Time
	Logger      *zap.SugaredLogger
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Evicted int
	Expired int
	Pruned  int
}

// Janitor periodically evicts expired jobs, fails in-flight jobs whose
// channel session was lost and prunes idle rate limiter buckets.
type Janitor struct {
	opts Options
	log  *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a janitor.
func New(opts Options) *Janitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.LostGrace <= 0 {
		opts.LostGrace = 2 * time.Minute
	}
	if opts.LimiterIdle <= 0 {
		opts.LimiterIdle = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("janitor")
	}
	return &Janitor{opts: opts, log: opts.Logger}
}

// Start runs the sweep loop in the background.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.Run(ctx)
	}()
}

// Stop ends the loop and waits for an in-progress sweep to finish.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

// Run sweeps every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	j.log.Infow("Janitor started", "interval", j.opts.Interval, "lost_grace", j.opts.LostGrace)

	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("Janitor shutting down")
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep performs one housekeeping pass.
func (j *Janitor) Sweep() SweepResult {
	now := j.opts.Now()
	var res SweepResult

	if j.opts.Sessions != nil {
		res.Expired = j.expireLost(now)
	}
	res.Evicted = j.opts.Registry.EvictExpired(now)
	if j.opts.Limiter != nil {
		res.Pruned = j.opts.Limiter.Prune(j.opts.LimiterIdle)
	}

	if res.Evicted > 0 || res.Expired > 0 {
		j.log.Infow("Sweep complete",
			"evicted", res.Evicted,
			"expired", res.Expired,
			"pruned", res.Pruned)
	}
	return res
}

func (j *Janitor) expireLost(now time.Time) int {
	expired := 0
	for _, job := range j.opts.Registry.InFlight() {
		if job.Session == 0 {
			continue
		}
		lostAt, lost := j.opts.Sessions.SessionLostAt(job.Session)
		if !lost || now.Sub(lostAt) < j.opts.LostGrace {
			continue
		}

		ok, err := j.opts.Registry.Expire(job.ID, job.Session, ChannelLostReason)
		if err != nil {
			// Evicted or removed since InFlight was taken.
			continue
		}
		if ok {
			expired++
			j.log.Warnw("Expired job after channel loss",
				logger.FieldJobID, job.ID,
				logger.FieldState, job.State,
				logger.FieldEpoch, job.Session)
		}
	}
	return expired
}
