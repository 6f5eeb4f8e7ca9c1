// Package api provides HTTP handlers for the fit server.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spatialnn/pwfit/internal/fitstore"
)

// ErrQueueFull is returned by Submit when no more jobs can be queued.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent fit jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	QueueSize     int
}

// JobManager manages fit jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *fitstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	logger   *log.Entry

	// Executor is called to run the actual fit.
	Executor func(ctx context.Context, store *fitstore.Store, jobID string) error
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	store, err := fitstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
		logger:  log.WithField("component", "JobManager"),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *fitstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Jobs that were running when the server stopped cannot be resumed.
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.logger.WithError(err).Error("failed to mark running jobs as failed")
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.logger.WithError(err).Error("failed to list queued jobs")
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.logger.WithField("job_id", job.ID).Info("re-queued job")
			default:
				jm.logger.WithField("job_id", job.ID).Warn("queue full, cannot re-queue job")
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			// Leave the job queued; Start re-queues it next time.
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	logger := jm.logger.WithField("job_id", jobID)

	job, err := jm.store.GetJob(jobID)
	if err != nil {
		logger.WithError(err).Error("failed to load job")
		return
	}
	if job == nil || job.Status != fitstore.JobStatusQueued {
		// Cancelled or deleted while waiting in the queue.
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		logger.WithError(err).Error("failed to mark job as started")
		return
	}

	start := time.Now()
	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	var status fitstore.JobStatus
	var msg string
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = fitstore.JobStatusCancelled, "cancelled by user"
		select {
		case <-jm.stopCh:
			msg = "server shutting down"
		default:
		}
	case execErr != nil:
		status, msg = fitstore.JobStatusFailed, execErr.Error()
	default:
		status = fitstore.JobStatusCompleted
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		logger.WithError(err).Error("failed to update final job status")
	}
	logger.WithFields(log.Fields{
		"status":  status,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("job finished")
	if execErr != nil && status == fitstore.JobStatusFailed {
		logger.WithError(execErr).Warn("job failed")
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		jm.logger.WithError(err).Error("cleanup error")
	} else if deleted > 0 {
		jm.logger.WithField("deleted", deleted).Info("cleaned up expired jobs")
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params fitstore.FitJobParams) (*fitstore.FitJob, error) {
	id := uuid.NewString()
	job := &fitstore.FitJob{
		ID:        id,
		DatasetID: params.DatasetID,
		Status:    fitstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		jm.store.UpdateJobStatus(id, fitstore.JobStatusFailed, ErrQueueFull.Error())
		job.Status = fitstore.JobStatusFailed
		job.Error = ErrQueueFull.Error()
		return job, ErrQueueFull
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *fitstore.FitJob {
	job, err := jm.store.GetJob(id)
	if err != nil {
		jm.logger.WithError(err).WithField("job_id", id).Error("error getting job")
		return nil
	}
	return job
}

// List returns the jobs of a dataset, newest first.
func (jm *JobManager) List(datasetID string) ([]*fitstore.FitJob, error) {
	return jm.store.ListJobsByDataset(datasetID)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == fitstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, fitstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete cancels a job if needed and deletes it with its results.
func (jm *JobManager) Delete(id string) error {
	jm.Cancel(id)
	return jm.store.DeleteJob(id)
}
