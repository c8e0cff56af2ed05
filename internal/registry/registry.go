// Package registry holds the authoritative in-memory table of bridge jobs.
//
// Every job lives in its own entry with its own mutex. The map of entries is
// guarded by a separate RWMutex that is only held long enough to insert,
// look up or delete a pointer, so mutations of unrelated jobs never wait on
// each other. Readers copy a job under its entry mutex and never observe a
// half-applied transition.
//
// State machine:
//
//	pending --running--> running --finished--> finished
//	pending|running --errored--> errored
//
// Finished and errored are terminal. Any other event is rejected with
// errors.ErrInvalidTransition and leaves the job untouched.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portal-bridge/internal/errors"
	"portal-bridge/internal/logger"
	"portal-bridge/internal/models"
)

// DefaultErrorMessage is recorded when the push network reports a failure
// without a description.
const DefaultErrorMessage = "agent reported an error"

// NotForwardedReason closes out a job whose command never reached the push
// network.
const NotForwardedReason = "not forwarded"

// Options configures a Registry.
type Options struct {
	// Retention is how long a terminal job is kept after its last update.
	Retention time.Duration

	// MaxAge is the hard limit on a job's lifetime measured from submission.
	MaxAge time.Duration

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string

	Logger *zap.SugaredLogger
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State  models.JobState
	Client string
	Limit  int
}

type entry struct {
	mu      sync.Mutex
	job     models.Job
	evicted bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	retention time.Duration
	maxAge    time.Duration
	now       func() time.Time
	newID     func() string
	logger    *zap.SugaredLogger

	observersMu sync.RWMutex
	observers   []func(models.JobSnapshot)

	evicted atomic.Int64
}

// New creates an empty registry.
func New(opts Options) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		retention: opts.Retention,
		maxAge:    opts.MaxAge,
		now:       opts.Now,
		newID:     opts.NewID,
		logger:    opts.Logger,
	}
	if r.retention <= 0 {
		r.retention = time.Hour
	}
	if r.maxAge <= 0 {
		r.maxAge = 24 * time.Hour
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.logger == nil {
		r.logger = zap.NewNop().Sugar()
	}
	return r
}

// Transition returns the state that follows current when an event of the
// given kind is applied, or ErrInvalidTransition.
func Transition(current models.JobState, kind models.EventKind) (models.JobState, error) {
	switch {
	case current == models.StatePending && kind == models.EventRunning:
		return models.StateRunning, nil
	case current == models.StateRunning && kind == models.EventFinished:
		return models.StateFinished, nil
	case (current == models.StatePending || current == models.StateRunning) && kind == models.EventErrored:
		return models.StateErrored, nil
	}
	return current, errors.Wrapf(errors.ErrInvalidTransition, "%s event in state %s", kind, current)
}

// Subscribe registers fn to receive a snapshot after every successful
// change. Observers run on the mutating goroutine after all locks are
// released; they must not block for long. Snapshots of one job may reach an
// observer out of order when two writers race, so observers compare Version.
func (r *Registry) Subscribe(fn func(models.JobSnapshot)) {
	r.observersMu.Lock()
	r.observers = append(r.observers, fn)
	r.observersMu.Unlock()
}

func (r *Registry) notify(snap models.JobSnapshot) {
	r.observersMu.RLock()
	observers := r.observers
	r.observersMu.RUnlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// Create inserts a new pending job and returns its identifier.
func (r *Registry) Create(command, clientIdentity string) string {
	now := r.now()
	e := &entry{job: models.Job{
		ID:             r.newID(),
		Command:        command,
		State:          models.StatePending,
		Version:        1,
		SubmittedAt:    now,
		UpdatedAt:      now,
		ClientIdentity: clientIdentity,
	}}

	r.mu.Lock()
	r.entries[e.job.ID] = e
	r.mu.Unlock()

	r.logger.Debugw("Job created",
		logger.FieldJobID, e.job.ID,
		logger.FieldClient, clientIdentity,
	)
	r.notify(e.job)
	return e.job.ID
}

func (r *Registry) lookup(jobID string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[jobID]
	r.mu.RUnlock()
	return e, ok
}

// ApplyEvent performs the transition implied by ev, if legal. Illegal
// events return ErrInvalidTransition and unknown jobs ErrNotFound; in both
// cases the registry is unchanged.
func (r *Registry) ApplyEvent(jobID string, ev models.Event) error {
	e, ok := r.lookup(jobID)
	if !ok {
		return errors.NewNotFoundError("job %s", jobID)
	}

	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return errors.NewNotFoundError("job %s", jobID)
	}

	next, err := Transition(e.job.State, ev.Kind)
	if err != nil {
		e.mu.Unlock()
		return errors.Wrapf(err, "job %s", jobID)
	}

	switch next {
	case models.StateFinished:
		e.job.Result = ev.Payload
	case models.StateErrored:
		e.job.Error = ev.Payload
		if e.job.Error == "" {
			e.job.Error = DefaultErrorMessage
		}
	}
	e.job.State = next
	e.job.Version++
	e.job.UpdatedAt = r.now()
	if ev.Session != 0 {
		e.job.Session = ev.Session
	}
	snap := e.job
	e.mu.Unlock()

	r.notify(snap)
	return nil
}

// Bind records the channel session that carried the job's command. Terminal
// jobs are left alone.
func (r *Registry) Bind(jobID string, session uint64) error {
	e, ok := r.lookup(jobID)
	if !ok {
		return errors.NewNotFoundError("job %s", jobID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return errors.NewNotFoundError("job %s", jobID)
	}
	if !e.job.State.Terminal() {
		e.job.Session = session
	}
	return nil
}

// Expire moves an in-flight job to errored with reason, but only if it is
// still bound to session. It reports whether the job was expired.
func (r *Registry) Expire(jobID string, session uint64, reason string) (bool, error) {
	e, ok := r.lookup(jobID)
	if !ok {
		return false, errors.NewNotFoundError("job %s", jobID)
	}

	e.mu.Lock()
	if e.evicted || e.job.State.Terminal() || e.job.Session != session {
		e.mu.Unlock()
		return false, nil
	}
	e.job.State = models.StateErrored
	e.job.Error = reason
	e.job.Version++
	e.job.UpdatedAt = r.now()
	snap := e.job
	e.mu.Unlock()

	r.notify(snap)
	return true, nil
}

// Remove deletes a job outright. It is used to undo a submission whose
// command never reached the channel. Observers receive a final errored
// snapshot carrying reason, so that they can close the job out.
func (r *Registry) Remove(jobID, reason string) bool {
	r.mu.Lock()
	e, ok := r.entries[jobID]
	if ok {
		delete(r.entries, jobID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.mu.Lock()
	e.evicted = true
	snap := e.job
	e.mu.Unlock()

	if !snap.State.Terminal() {
		snap.State = models.StateErrored
		snap.Error = reason
		snap.Result = ""
		snap.Version++
		snap.UpdatedAt = r.now()
	}
	r.logger.Debugw("Job removed",
		logger.FieldJobID, jobID,
		logger.FieldReason, reason,
	)
	r.notify(snap)
	return true
}

// Get returns a copy of the job's current state.
func (r *Registry) Get(jobID string) (models.JobSnapshot, bool) {
	e, ok := r.lookup(jobID)
	if !ok {
		return models.JobSnapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return models.JobSnapshot{}, false
	}
	return e.job, true
}

// all returns the current entries without holding any entry lock.
func (r *Registry) all() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (r *Registry) snapshots(keep func(models.Job) bool) []models.JobSnapshot {
	var out []models.JobSnapshot
	for _, e := range r.all() {
		e.mu.Lock()
		if !e.evicted && keep(e.job) {
			out = append(out, e.job)
		}
		e.mu.Unlock()
	}
	return out
}

// List returns jobs matching f, newest first.
func (r *Registry) List(f Filter) []models.JobSnapshot {
	jobs := r.snapshots(func(j models.Job) bool {
		if f.State != "" && j.State != f.State {
			return false
		}
		if f.Client != "" && j.ClientIdentity != f.Client {
			return false
		}
		return true
	})

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].SubmittedAt.Equal(jobs[k].SubmittedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].SubmittedAt.After(jobs[k].SubmittedAt)
	})

	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs
}

// InFlight returns every job that has not reached a terminal state.
func (r *Registry) InFlight() []models.JobSnapshot {
	return r.snapshots(func(j models.Job) bool { return !j.State.Terminal() })
}

// Stats counts jobs per state.
func (r *Registry) Stats() models.Metrics {
	var m models.Metrics
	for _, j := range r.snapshots(func(models.Job) bool { return true }) {
		m.TotalJobs++
		switch j.State {
		case models.StatePending:
			m.PendingJobs++
		case models.StateRunning:
			m.RunningJobs++
		case models.StateFinished:
			m.FinishedJobs++
		case models.StateErrored:
			m.ErroredJobs++
		}
	}
	m.Evicted = r.evicted.Load()
	return m
}

// EvictExpired removes terminal jobs whose retention window has elapsed and
// any job older than the maximum age. It returns the number removed.
func (r *Registry) EvictExpired(now time.Time) int {
	var expired []*entry
	for _, e := range r.all() {
		e.mu.Lock()
		if !e.evicted && r.expired(e.job, now) {
			e.evicted = true
			expired = append(expired, e)
		}
		e.mu.Unlock()
	}
	if len(expired) == 0 {
		return 0
	}

	r.mu.Lock()
	for _, e := range expired {
		// job.ID is immutable, so reading it without e.mu is safe.
		if r.entries[e.job.ID] == e {
			delete(r.entries, e.job.ID)
		}
	}
	r.mu.Unlock()

	r.evicted.Add(int64(len(expired)))
	r.logger.Debugw("Evicted expired jobs", logger.FieldCount, len(expired))
	return len(expired)
}

func (r *Registry) expired(j models.Job, now time.Time) bool {
	if now.Sub(j.SubmittedAt) >= r.maxAge {
		return true
	}
	return j.State.Terminal() && now.Sub(j.UpdatedAt) >= r.retention
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
