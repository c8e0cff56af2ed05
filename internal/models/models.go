package models

import "time"

// JobState is the lifecycle state of a job.
type JobState string

// State constants
const (
	StatePending  JobState = "pending"
	StateRunning  JobState = "running"
	StateFinished JobState = "finished"
	StateErrored  JobState = "errored"
)

// Terminal reports whether no further transition may occur from s.
func (s JobState) Terminal() bool {
	return s == StateFinished || s == StateErrored
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateFinished, StateErrored:
		return true
	}
	return false
}

// EventKind is the kind of an inbound event from the push network.
type EventKind string

// Event kinds
const (
	EventRunning  EventKind = "running"
	EventFinished EventKind = "finished"
	EventErrored  EventKind = "errored"
)

// Event is a status or result notification correlated to a job.
type Event struct {
	JobID   string    `json:"job_id"`
	Kind    EventKind `json:"kind"`
	Payload string    `json:"payload,omitempty"`

	// Session is the epoch of the channel session the event arrived on.
	Session uint64 `json:"-"`
}

// Job represents a command submitted through the bridge
type Job struct {
	ID             string    `json:"id"`
	Command        string    `json:"command"`
	State          JobState  `json:"state"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	Version        uint64    `json:"version"`
	SubmittedAt    time.Time `json:"submitted_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ClientIdentity string    `json:"client_identity,omitempty"`

	// Session is the epoch of the channel session that last carried
	// traffic for this job. Zero until the command has been sent.
	Session uint64 `json:"-"`
}

// JobSnapshot is an immutable copy of a job handed to readers. Job holds
// only value fields, so a plain copy cannot alias registry state.
type JobSnapshot = Job

// JobSubmitRequest represents a job submission request
type JobSubmitRequest struct {
	Command string `json:"command"`
}

// JobSubmitResponse is returned when a submission is accepted.
type JobSubmitResponse struct {
	JobID    string   `json:"job_id"`
	State    JobState `json:"state"`
	Location string   `json:"location"`
}

// Metrics holds registry counts and channel status
type Metrics struct {
	TotalJobs    int64  `json:"total_jobs"`
	PendingJobs  int64  `json:"pending_jobs"`
	RunningJobs  int64  `json:"running_jobs"`
	FinishedJobs int64  `json:"finished_jobs"`
	ErroredJobs  int64  `json:"errored_jobs"`
	Evicted      int64  `json:"evicted"`
	Channel      string `json:"channel"`
}

// Health is the body served by the health listener.
type Health struct {
	Live     bool   `json:"live"`
	Ready    bool   `json:"ready"`
	Channel  string `json:"channel"`
	Endpoint string `json:"endpoint,omitempty"`
}
