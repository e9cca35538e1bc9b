// Package importer schedules and runs dataset imports.
package importer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type handle struct {
	job   *Job
	entry *queue.Entry
}

// Manager accepts import requests, keeps at most one job per dataset in
// flight and runs them on a bounded worker pool.
type Manager struct {
	deps   Dependencies
	config Config
	logger ectologger.Logger

	mu       sync.Mutex
	pool     *queue.Pool
	cancel   context.CancelFunc
	inflight map[int]*handle
	running  bool
}

func NewManager(deps Dependencies, config Config, logger ectologger.Logger) *Manager {
	return &Manager{
		deps:     deps.withDefaults(),
		config:   config.withDefaults(),
		logger:   logger,
		inflight: make(map[int]*handle),
	}
}

// Submit validates and enqueues an import request. Rejected requests return a
// *RejectedError.
func (m *Manager) Submit(ctx context.Context, req *models.ImportRequest) (*models.ImportRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.Submit")
	defer span.End()

	dataset, err := m.validDataset(ctx, req.DatasetKey)
	if err != nil {
		m.rejected(ctx, err)
		return nil, err
	}
	return m.submitValid(ctx, req, dataset)
}

func (m *Manager) submitValid(ctx context.Context, req *models.ImportRequest, dataset *models.Dataset) (*models.ImportRequest, error) {
	sector, err := m.deps.SectorLocks.IsDatasetLocked(ctx, dataset.Key)
	if err != nil {
		return nil, err
	}
	if sector != nil {
		rerr := reject(ReasonLockedBySync, dataset.Key, "dataset %d is being synced by sector %d", dataset.Key, *sector)
		rerr.SectorKey = sector
		m.rejected(ctx, rerr)
		return nil, rerr
	}

	job, err := newJob(req, dataset, m.deps, m.config, m.logger, m.onSuccess, m.onFailure)
	if err != nil {
		m.rejected(ctx, err)
		return nil, err
	}

	if err := m.enqueue(ctx, job); err != nil {
		m.rejected(ctx, err)
		return nil, err
	}
	return job.Request(), nil
}

// enqueue dedups by dataset key and places the job on the queue. A priority
// request replaces a job that is still waiting.
func (m *Manager) enqueue(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrManagerStopped
	}

	key := job.DatasetKey()
	req := job.Request()
	if h, ok := m.inflight[key]; ok {
		if !req.Priority || !m.pool.Remove(h.entry) {
			return reject(ReasonAlreadyQueued, key, "dataset %d is already queued or running", key)
		}
		delete(m.inflight, key)
		m.logger.WithContext(ctx).WithField("dataset_key", key).Info("Replacing queued import with a priority request")
	}

	entry, err := m.pool.Submit(job, req.Priority)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			return reject(ReasonQueueFull, key, "import queue is full with %d datasets", m.pool.Len())
		}
		if errors.Is(err, queue.ErrPoolStopped) {
			return ErrManagerStopped
		}
		return err
	}
	m.inflight[key] = &handle{job: job, entry: entry}

	metrics.RecordQueue(m.pool.Len(), m.pool.Active())
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": key,
		"force":       req.Force,
		"priority":    req.Priority,
		"queue_size":  m.pool.Len(),
	}).Info("Queued import")
	return nil
}

func (m *Manager) validDataset(ctx context.Context, key int) (*models.Dataset, error) {
	if key == m.config.CatalogueKey {
		return nil, reject(ReasonAssembledCatalogue, key, "dataset %d is the assembled catalogue and cannot be imported", key)
	}

	dataset, err := m.deps.Datasets.Get(ctx, key)
	if err != nil {
		if repositories.IsNotFound(err) {
			return nil, reject(ReasonNotFound, key, "dataset %d does not exist", key)
		}
		return nil, err
	}
	if dataset.IsDeleted() {
		return nil, reject(ReasonDeleted, key, "dataset %d is deleted", key)
	}
	if dataset.Origin == models.DatasetOriginManaged {
		return nil, reject(ReasonManaged, key, "dataset %d is managed and cannot be imported", key)
	}
	return dataset, nil
}

func (m *Manager) rejected(ctx context.Context, err error) {
	rerr, ok := IsRejected(err)
	if !ok {
		return
	}
	metrics.RecordRejected(string(rerr.Reason))
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": rerr.DatasetKey,
		"reason":      rerr.Reason,
	}).Info("Rejected import request")
}

// Cancel removes a queued import or cancels a running one. Cancelling a
// dataset without an import is a no-op.
func (m *Manager) Cancel(ctx context.Context, datasetKey, user int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.inflight[datasetKey]
	if !ok {
		return
	}
	delete(m.inflight, datasetKey)

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": datasetKey,
		"user":        user,
	})
	if m.pool != nil && m.pool.Remove(h.entry) {
		log.Info("Removed queued import")
	} else {
		h.job.Cancel()
		log.Info("Cancelled running import")
	}
	metrics.RecordQueue(m.queueLen(), len(m.inflight))
}

// Queue returns the waiting requests in execution order.
func (m *Manager) Queue() []*models.ImportRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := m.queuedJobs()
	requests := make([]*models.ImportRequest, len(jobs))
	for i, job := range jobs {
		requests[i] = job.Request()
	}
	return requests
}

func (m *Manager) queuedJobs() []*Job {
	if m.pool == nil {
		return nil
	}
	tasks := m.pool.Queued()
	jobs := make([]*Job, 0, len(tasks))
	for _, t := range tasks {
		if job, ok := t.(*Job); ok {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (m *Manager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueLen()
}

func (m *Manager) queueLen() int {
	if m.pool == nil {
		return 0
	}
	return m.pool.Len()
}

func (m *Manager) HasEmptyQueue() bool {
	return m.QueueSize() == 0
}

// HasRunning reports whether any import is queued or running.
func (m *Manager) HasRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight) > 0
}

// IsRunning reports whether the dataset has an import queued or running.
func (m *Manager) IsRunning(datasetKey int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[datasetKey]
	return ok
}

// IsActive reports whether the manager accepts submissions.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) release(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.inflight[job.DatasetKey()]; ok && h.job == job {
		delete(m.inflight, job.DatasetKey())
	}
	metrics.RecordQueue(m.queueLen(), len(m.inflight))
}

func (m *Manager) onSuccess(ctx context.Context, job *Job) {
	m.release(job)

	queued, executed := durations(job.Request())
	state := "CANCELLED"
	if di := job.DatasetImport(); di != nil {
		state = string(di.State)
	}
	metrics.RecordImport(state, queued, executed)

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": job.DatasetKey(),
		"state":       state,
		"queued":      queued.String(),
		"executed":    executed.String(),
	}).Info("Import completed")
}

func (m *Manager) onFailure(ctx context.Context, job *Job, err error) {
	m.release(job)

	queued, executed := durations(job.Request())
	metrics.RecordImport(string(models.ImportStateFailed), queued, executed)
	metrics.RecordImportFailure()

	m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"dataset_key": job.DatasetKey(),
		"queued":      queued.String(),
		"executed":    executed.String(),
	}).Error("Import failed")
}

// durations splits the lifetime of a request into time spent queued and
// time spent executing.
func durations(req *models.ImportRequest) (queued, executed time.Duration) {
	if req.Started == nil {
		return time.Since(req.Created), 0
	}
	return req.Started.Sub(req.Created), time.Since(*req.Started)
}

// Start launches the worker pool and resubmits imports interrupted by a
// previous shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}

	poolCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pool := queue.NewPool(m.config.Threads, m.config.MaxQueue, m.logger)
	if err := pool.Start(poolCtx); err != nil {
		m.mu.Unlock()
		cancel()
		return err
	}
	m.pool = pool
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"threads":   m.config.Threads,
		"max_queue": m.config.MaxQueue,
	}).Info("Started import manager")

	return m.resubmitInterrupted(ctx)
}

// resubmitInterrupted cancels attempts left running by a previous process
// and queues them again as forced, non priority imports.
func (m *Manager) resubmitInterrupted(ctx context.Context) error {
	interrupted, err := m.deps.Imports.ListByStates(ctx, models.RunningStates()...)
	if err != nil {
		return err
	}

	for i := range interrupted {
		di := interrupted[i]
		log := m.logger.WithContext(ctx).WithFields(map[string]any{
			"dataset_key": di.DatasetKey,
			"attempt":     di.Attempt,
			"state":       di.State,
		})

		// A job whose worker outlived the last stop still owns its record
		// and partition; its own callback concludes it.
		m.mu.Lock()
		_, live := m.inflight[di.DatasetKey]
		m.mu.Unlock()
		if live {
			log.Info("Import still running, left to finish")
			continue
		}

		state := di.State
		now := time.Now().UTC()
		di.State = models.ImportStateCancelled
		di.Finished = &now
		if err := m.deps.Imports.Update(ctx, &di); err != nil {
			log.WithError(err).Error("failed to cancel interrupted import")
			continue
		}
		if state == models.ImportStateInserting {
			if err := m.deps.Partitions.Delete(ctx, di.DatasetKey); err != nil {
				log.WithError(err).Error("failed to drop partition of interrupted import")
			}
		}

		user := di.CreatedBy
		if user == 0 {
			user = m.config.UserKey
		}
		req := models.NewImportRequest(di.DatasetKey, user, true, false, di.Origin == models.DatasetOriginUploaded)
		if _, err := m.Submit(ctx, req); err != nil {
			log.WithError(err).Warn("failed to resubmit interrupted import")
			continue
		}
		log.Info("Resubmitted interrupted import")
	}
	return nil
}

// Stop cancels all imports and waits up to the shutdown grace period for
// running jobs to return.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	pool, cancel := m.pool, m.cancel
	for _, h := range m.inflight {
		h.job.Cancel()
	}
	m.mu.Unlock()

	ctx, done := context.WithTimeout(ctx, m.config.ShutdownGrace)
	defer done()

	discarded, err := pool.Stop(ctx)
	cancel()

	m.mu.Lock()
	for _, t := range discarded {
		if job, ok := t.(*Job); ok {
			if h, ok := m.inflight[job.DatasetKey()]; ok && h.job == job {
				delete(m.inflight, job.DatasetKey())
			}
		}
	}
	m.mu.Unlock()

	m.logger.WithContext(ctx).WithField("discarded", len(discarded)).Info("Stopped import manager")
	return err
}

// Restart stops the manager and starts it again, which reruns recovery.
func (m *Manager) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Import manager did not stop cleanly")
	}
	return m.Start(ctx)
}
