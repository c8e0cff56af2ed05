package database

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"portal-bridge/internal/logger"
	"portal-bridge/internal/models"
)

// Recorder persists job snapshots.
type Recorder interface {
	RecordJob(job models.Job) error
}

// Journal records registry snapshots on a background goroutine so that
// registry mutations never wait on disk. When the queue is full snapshots
// are dropped; a later snapshot of the same job supersedes them anyway.
type Journal struct {
	store Recorder
	queue chan models.Job
	log   *zap.SugaredLogger

	dropped atomic.Int64
	failed  atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewJournal starts a journal writing to store.
func NewJournal(store Recorder, queueSize int, log *zap.SugaredLogger) *Journal {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = logger.Named("journal")
	}
	j := &Journal{
		store: store,
		queue: make(chan models.Job, queueSize),
		log:   log,
		done:  make(chan struct{}),
	}
	go j.run()
	return j
}

// Observe enqueues a snapshot. It never blocks and is safe to register as a
// registry subscriber.
func (j *Journal) Observe(job models.Job) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- job:
	default:
		if j.dropped.Add(1) == 1 {
			j.log.Warnw("Journal queue full, dropping snapshots", logger.FieldJobID, job.ID)
		}
	}
}

// Close flushes queued snapshots and stops the writer. Snapshots observed
// after Close are ignored.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	<-j.done
}

// Dropped returns the number of snapshots discarded due to a full queue.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Failed returns the number of snapshots the store rejected.
func (j *Journal) Failed() int64 {
	return j.failed.Load()
}

func (j *Journal) run() {
	defer close(j.done)
	for job := range j.queue {
		if err := j.store.RecordJob(job); err != nil {
			j.failed.Add(1)
			j.log.Warnw("Failed to journal job",
				logger.FieldJobID, job.ID,
				logger.FieldState, job.State,
				logger.FieldError, err)
		}
	}
}
