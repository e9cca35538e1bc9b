// Package scheduler periodically submits datasets that are due for import.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/robfig/cron/v3"

	"github.com/Ramsey-B/fern/pkg/importer"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when trying to start an already running scheduler
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
)

const (
	// DefaultSchedule runs a cycle every minute
	DefaultSchedule = "@every 1m"

	// DefaultQueueThreshold only submits when the import queue is empty
	DefaultQueueThreshold = 1

	// DefaultFrequency is the reimport frequency in days for datasets without one
	DefaultFrequency = 7

	// DefaultBatchLimit is the number of datasets submitted per cycle
	DefaultBatchLimit = 25

	// DefaultLockTTL is how long one instance leads a cycle
	DefaultLockTTL = 2 * time.Minute

	// LeaderLockKey is the lock shared by all instances running the trigger
	LeaderLockKey = "scheduler:continuous-import"
)

// DatasetSource lists datasets waiting for an import.
type DatasetSource interface {
	ListNeverImported(ctx context.Context, limit int) ([]int, error)
	// ListToBeImported returns datasets whose last import is older than their
	// frequency in days, using defaultFrequency when they have none.
	ListToBeImported(ctx context.Context, defaultFrequency, limit int) ([]int, error)
}

// ImportSubmitter accepts import requests.
type ImportSubmitter interface {
	Submit(ctx context.Context, req *models.ImportRequest) (*models.ImportRequest, error)
	QueueSize() int
}

// LeaderLock runs fn while holding a lock shared between instances.
type LeaderLock interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Config holds configuration for the continuous import trigger
type Config struct {
	Enabled bool `env:"CONTINUOUS_IMPORT_ENABLED" env-default:"false"`
	// Schedule is a standard cron expression or descriptor such as "@every 5m".
	Schedule       string        `env:"CONTINUOUS_IMPORT_SCHEDULE" env-default:"@every 1m"`
	QueueThreshold int           `env:"CONTINUOUS_IMPORT_QUEUE_THRESHOLD" env-default:"1"`
	Frequency      int           `env:"CONTINUOUS_IMPORT_DEFAULT_FREQUENCY" env-default:"7"`
	BatchLimit     int           `env:"CONTINUOUS_IMPORT_BATCH_LIMIT" env-default:"25"`
	LockTTL        time.Duration `env:"CONTINUOUS_IMPORT_LOCK_TTL" env-default:"2m"`
	// UserKey is recorded as the creator of triggered imports.
	UserKey int `env:"CONTINUOUS_IMPORT_USER_KEY" env-default:"0"`
}

// Scheduler submits never imported datasets first and then datasets due by
// their import frequency, whenever the import queue is below a threshold.
type Scheduler struct {
	source    DatasetSource
	submitter ImportSubmitter
	leader    LeaderLock
	config    Config
	logger    ectologger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler creates a scheduler. The leader lock is optional; without it
// every instance runs its own cycles.
func NewScheduler(source DatasetSource, submitter ImportSubmitter, leader LeaderLock, config Config, logger ectologger.Logger) (*Scheduler, error) {
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.QueueThreshold <= 0 {
		config.QueueThreshold = DefaultQueueThreshold
	}
	if config.Frequency == 0 {
		config.Frequency = DefaultFrequency
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = DefaultBatchLimit
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid continuous import schedule %q: %w", config.Schedule, err)
	}

	return &Scheduler{
		source:    source,
		submitter: submitter,
		leader:    leader,
		config:    config,
		logger:    logger,
	}, nil
}

// Start schedules the trigger cycles.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	runCtx := context.WithoutCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(s.config.Schedule, func() { s.cycle(runCtx) }); err != nil {
		return err
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"schedule":  s.config.Schedule,
		"threshold": s.config.QueueThreshold,
	}).Info("Continuous import started")
	return nil
}

// Stop stops scheduling and waits for a running cycle until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		s.logger.WithContext(ctx).Info("Continuous import stopped")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Continuous import shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) cycle(ctx context.Context) {
	var submitted int
	run := func(ctx context.Context) error {
		n, err := s.RunOnce(ctx)
		submitted = n
		return err
	}

	var err error
	if s.leader != nil {
		err = s.leader.WithLock(ctx, LeaderLockKey, s.config.LockTTL, run)
	} else {
		err = run(ctx)
	}

	switch {
	case errors.Is(err, redis.ErrLockNotAcquired):
		s.logger.WithContext(ctx).Debug("Another instance runs the continuous import")
	case err != nil:
		s.logger.WithContext(ctx).WithError(err).Error("Continuous import cycle failed")
	case submitted > 0:
		s.logger.WithContext(ctx).Infof("Continuous import submitted %d datasets", submitted)
	}
}

// RunOnce runs a single cycle and returns the number of accepted submissions.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunOnce")
	defer span.End()

	if size := s.submitter.QueueSize(); size >= s.config.QueueThreshold {
		s.logger.WithContext(ctx).Debugf("Import queue has %d datasets, skipping continuous import", size)
		return 0, nil
	}

	never, err := s.source.ListNeverImported(ctx, s.config.BatchLimit)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}
	submitted := s.submitAll(ctx, "never_imported", never)

	remaining := s.config.BatchLimit - len(never)
	if remaining <= 0 {
		return submitted, nil
	}

	due, err := s.source.ListToBeImported(ctx, s.config.Frequency, remaining)
	if err != nil {
		tracing.RecordError(span, err)
		return submitted, err
	}
	return submitted + s.submitAll(ctx, "due", due), nil
}

func (s *Scheduler) submitAll(ctx context.Context, kind string, keys []int) int {
	submitted := 0
	for _, key := range keys {
		_, err := s.submitter.Submit(ctx, models.NewImportRequest(key, s.config.UserKey, false, false, false))
		metrics.RecordTriggerSubmission(kind, err)
		if err != nil {
			if rerr, ok := importer.IsRejected(err); ok {
				s.logger.WithContext(ctx).WithFields(map[string]any{
					"dataset_key": key,
					"reason":      rerr.Reason,
				}).Debug("Continuous import skipped dataset")
				continue
			}
			s.logger.WithContext(ctx).WithError(err).WithField("dataset_key", key).Warn("Continuous import failed to submit dataset")
			continue
		}
		submitted++
	}
	return submitted
}
