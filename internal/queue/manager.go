// Package queue runs build jobs through a bounded worker pool.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/apkforge/apkforge/internal/builder"
	"github.com/apkforge/apkforge/pkg/api"
)

var (
	// ErrQueueFull is returned when the queue has no room for another job
	ErrQueueFull = errors.New("build queue is full")
	// ErrQueueClosed is returned when submitting to a closed queue
	ErrQueueClosed = errors.New("build queue is closed")
)

// Builder runs one build
type Builder interface {
	Build(ctx context.Context, req builder.Request) (*builder.Result, error)
}

// Store persists job state transitions
type Store interface {
	SaveJob(job *api.Job) error
	MarkBuilding(id string) error
	MarkSucceeded(id, outputName string, outputSize int64) error
	MarkFailed(id, reason string) error
}

// CompletionFunc is invoked when a job finishes, successfully or not. On
// success the result's Cleanup must be called once the output is consumed;
// when no completion func is set the queue cleans up itself.
type CompletionFunc func(job *api.Job, result *builder.Result, err error)

// item is one queued job with its completion callback
type item struct {
	job      *api.Job
	complete CompletionFunc
}

// Manager is the bounded build queue with a fixed worker pool
type Manager struct {
	builder  Builder
	store    Store
	jobs     chan *item
	workers  int
	capacity int
	active   int32
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	cancel   context.CancelFunc
	logger   *logrus.Logger
}

// NewManager creates a new queue manager
func NewManager(b Builder, store Store, workers, capacity int, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Manager{
		builder:  b,
		store:    store,
		jobs:     make(chan *item, capacity),
		workers:  workers,
		capacity: capacity,
		logger:   logger,
	}
}

// Start launches the worker pool
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}

	m.logger.WithFields(logrus.Fields{
		"workers":  m.workers,
		"capacity": m.capacity,
	}).Info("Build queue started")
}

// Submit persists a job as pending and enqueues it, returning the job's
// position in the queue (1-based, counting jobs currently being built)
func (m *Manager) Submit(job *api.Job, complete CompletionFunc) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrQueueClosed
	}
	m.mu.Unlock()

	if err := m.store.SaveJob(job); err != nil {
		return 0, err
	}

	select {
	case m.jobs <- &item{job: job, complete: complete}:
	default:
		if err := m.store.MarkFailed(job.ID, ErrQueueFull.Error()); err != nil {
			m.logger.WithError(err).Warn("Failed to mark rejected job")
		}
		return 0, ErrQueueFull
	}

	position := len(m.jobs) + int(atomic.LoadInt32(&m.active))

	m.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"user_id":  job.UserID,
		"position": position,
	}).Info("Job queued")

	return position, nil
}

// Depth returns the number of jobs waiting in the queue
func (m *Manager) Depth() int {
	return len(m.jobs)
}

// Open reports whether the queue is still accepting jobs
func (m *Manager) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Stats returns queue statistics
func (m *Manager) Stats() api.QueueStats {
	return api.QueueStats{
		Depth:    len(m.jobs),
		Capacity: m.capacity,
		Workers:  m.workers,
		Active:   int(atomic.LoadInt32(&m.active)),
	}
}

// Close stops accepting jobs and waits for the workers to drain
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	// Jobs still buffered once the workers are gone would sit in pending
	// forever; fail them so their completion callbacks can tell the user.
	drained := 0
	for {
		select {
		case next := <-m.jobs:
			job := next.job
			job.State = api.JobFailed
			job.Error = ErrQueueClosed.Error()
			if err := m.store.MarkFailed(job.ID, ErrQueueClosed.Error()); err != nil {
				m.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to mark drained job failed")
			}
			if next.complete != nil {
				next.complete(job, nil, ErrQueueClosed)
			}
			drained++
		default:
			if drained > 0 {
				m.logger.WithField("drained", drained).Warn("Failed jobs still queued at shutdown")
			}
			m.logger.Info("Build queue closed")
			return nil
		}
	}
}

// worker pulls jobs until the context is cancelled
func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()

	log := m.logger.WithField("worker", id)
	log.Debug("Worker started")

	for {
		// Once cancelled, leave buffered jobs for Close to drain rather
		// than racing them through a dead context.
		select {
		case <-ctx.Done():
			log.Debug("Worker stopped")
			return
		default:
		}

		select {
		case <-ctx.Done():
			log.Debug("Worker stopped")
			return
		case next := <-m.jobs:
			atomic.AddInt32(&m.active, 1)
			m.process(ctx, next, log)
			atomic.AddInt32(&m.active, -1)
		}
	}
}

// process runs one job through the builder and records the outcome
func (m *Manager) process(ctx context.Context, next *item, log *logrus.Entry) {
	job := next.job
	log = log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"user_id": job.UserID,
	})

	if err := m.store.MarkBuilding(job.ID); err != nil {
		log.WithError(err).Warn("Failed to mark job building")
	}
	job.State = api.JobBuilding

	result, err := m.builder.Build(ctx, builder.Request{
		UserID: job.UserID,
		URL:    job.URL,
	})

	if err != nil {
		job.State = api.JobFailed
		job.Error = err.Error()
		if serr := m.store.MarkFailed(job.ID, err.Error()); serr != nil {
			log.WithError(serr).Warn("Failed to mark job failed")
		}
		log.WithError(err).Error("Job failed")
	} else {
		job.State = api.JobSucceeded
		job.OutputName = result.Name
		job.OutputSize = result.Size
		if serr := m.store.MarkSucceeded(job.ID, result.Name, result.Size); serr != nil {
			log.WithError(serr).Warn("Failed to mark job succeeded")
		}
		log.WithField("output", result.Name).Info("Job succeeded")
	}

	if next.complete != nil {
		next.complete(job, result, err)
	} else if result != nil {
		result.Cleanup()
	}
}
