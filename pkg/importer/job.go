package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/archive"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Job imports one dataset. Jobs are identified by their dataset key.
//
// A job opens its attempt record when a worker starts it and moves it through
//
//	WAITING -> DOWNLOADING -> PROCESSING -> INSERTING -> BUILDING_METRICS -> INDEXING -> FINISHED
//
// DOWNLOADING only applies to external datasets. An unmodified source ends the
// attempt as UNCHANGED unless the import is forced. Cancellation ends it as
// CANCELLED, any other error as FAILED.
type Job struct {
	req     *models.ImportRequest
	dataset *models.Dataset
	deps    Dependencies
	config  Config
	logger  ectologger.Logger

	onSuccess func(context.Context, *Job)
	onFailure func(context.Context, *Job, error)

	mu        sync.Mutex
	di        *models.DatasetImport
	cancel    context.CancelCauseFunc
	cancelled bool
}

func newJob(
	req *models.ImportRequest,
	dataset *models.Dataset,
	deps Dependencies,
	config Config,
	logger ectologger.Logger,
	onSuccess func(context.Context, *Job),
	onFailure func(context.Context, *Job, error),
) (*Job, error) {
	if err := checkPreconditions(req, dataset, config); err != nil {
		return nil, err
	}

	return &Job{
		req:       req,
		dataset:   dataset,
		deps:      deps,
		config:    config,
		logger:    logger,
		onSuccess: onSuccess,
		onFailure: onFailure,
	}, nil
}

func checkPreconditions(req *models.ImportRequest, dataset *models.Dataset, config Config) error {
	key := dataset.Key
	switch dataset.Origin {
	case models.DatasetOriginManaged:
		return reject(ReasonManaged, key, "dataset %d is managed and cannot be imported", key)
	case models.DatasetOriginReleased:
		return reject(ReasonReleased, key, "dataset %d is a release and cannot be imported", key)
	case models.DatasetOriginExternal:
		if !req.Upload && (dataset.DataAccess == nil || *dataset.DataAccess == "") {
			return reject(ReasonMissingAccessURL, key, "dataset %d has no data access URL", key)
		}
	}

	if req.Upload || dataset.Origin == models.DatasetOriginUploaded {
		if _, err := os.Stat(config.ArchivePath(key)); err != nil {
			return reject(ReasonMissingArchive, key, "no archive uploaded for dataset %d", key)
		}
	}
	return nil
}

func (j *Job) DatasetKey() int {
	return j.dataset.Key
}

// Request returns a copy of the request the job was created for.
func (j *Job) Request() *models.ImportRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	req := *j.req
	return &req
}

// DatasetImport returns a snapshot of the attempt record, or nil before the
// job started.
func (j *Job) DatasetImport() *models.DatasetImport {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.di == nil {
		return nil
	}
	di := j.di.Clone()
	return &di
}

func (j *Job) Equal(other *Job) bool {
	return other != nil && j.dataset.Key == other.dataset.Key
}

// Cancel stops a running job at its next cancellation point. A job cancelled
// before it runs never opens an attempt.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
	if j.cancel != nil {
		j.cancel(ErrJobCancelled)
	}
}

// Run executes the import and reports the outcome to exactly one callback.
func (j *Job) Run(ctx context.Context) {
	ctx = appctx.SetDatasetKey(ctx, j.dataset.Key)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if j.config.MaxDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, j.config.MaxDuration, ErrJobTimeout)
		defer stop()
	}

	j.mu.Lock()
	j.cancel = cancel
	j.req.Start()
	cancelled := j.cancelled
	j.mu.Unlock()

	var err error
	if cancelled {
		j.logger.WithContext(ctx).Info("Import cancelled before it started")
	} else {
		err = j.importDataset(ctx)
	}
	if err != nil {
		if j.onFailure != nil {
			j.onFailure(ctx, j, err)
		}
		return
	}
	if j.onSuccess != nil {
		j.onSuccess(ctx, j)
	}
}

func (j *Job) importDataset(ctx context.Context) (err error) {
	ctx, span := tracing.StartSpan(ctx, "Job.Import", attribute.Int("dataset_key", j.dataset.Key))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("import panicked: %v", r)
		}
		if err != nil {
			tracing.RecordError(span, err)
		}
	}()

	di, err := j.deps.Imports.CreateWaiting(ctx, j.dataset, j.req.CreatedBy)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(context.Cause(ctx), ErrJobTimeout) {
			return nil
		}
		return err
	}
	now := time.Now().UTC()
	di.Started = &now

	j.mu.Lock()
	j.di = di
	j.mu.Unlock()

	ctx = appctx.SetAttempt(ctx, di.Attempt)
	span.SetAttributes(attribute.Int("attempt", di.Attempt))
	j.logger.WithContext(ctx).WithFields(map[string]any{
		"force":    j.req.Force,
		"priority": j.req.Priority,
		"upload":   j.req.Upload,
	}).Info("Starting import")

	scratch := j.config.ScratchPath(j.dataset.Key)
	defer j.removeScratch(ctx, scratch)

	return j.conclude(ctx, j.safeRun(ctx, scratch))
}

func (j *Job) safeRun(ctx context.Context, scratch string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("import panicked: %v", r)
		}
	}()
	return j.run(ctx, scratch)
}

func (j *Job) run(ctx context.Context, scratch string) error {
	modified, err := j.prepareSource(ctx)
	if err != nil {
		return err
	}
	if !modified && !j.req.Force {
		j.logger.WithContext(ctx).Info("Dataset sources unchanged, skipping import")
		if err := j.finalize(ctx, models.ImportStateUnchanged, nil); err != nil {
			return err
		}
		j.wait(ctx)
		return nil
	}

	if err := j.updateState(ctx, models.ImportStateProcessing); err != nil {
		return err
	}
	store, err := j.deps.Staging()
	if err != nil {
		return fmt.Errorf("open staging store: %w", err)
	}
	defer store.Close()

	sourceDir := filepath.Join(scratch, "source")
	if err := archive.Extract(j.config.ArchivePath(j.dataset.Key), sourceDir); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}
	if err := j.deps.Normalizer.Normalize(ctx, store, sourceDir, j.dataset); err != nil {
		return err
	}

	if err := j.updateState(ctx, models.ImportStateInserting); err != nil {
		return err
	}
	if err := j.deps.Loader.Load(ctx, j.dataset, store); err != nil {
		return err
	}
	attempt := j.attempt()
	if err := j.deps.Datasets.UpdateLastImport(ctx, j.dataset.Key, attempt); err != nil {
		return err
	}

	if err := j.updateState(ctx, models.ImportStateBuildingMetrics); err != nil {
		return err
	}
	if err := j.buildMetrics(ctx, attempt); err != nil {
		return err
	}

	if err := j.updateState(ctx, models.ImportStateIndexing); err != nil {
		return err
	}
	if err := j.deps.Indexer.IndexDataset(ctx, j.dataset.Key); err != nil {
		return fmt.Errorf("index dataset: %w", err)
	}
	if err := j.deps.Rematcher.MatchDataset(ctx, j.dataset.Key); err != nil {
		return fmt.Errorf("rematch dataset: %w", err)
	}

	if err := j.finalize(ctx, models.ImportStateFinished, nil); err != nil {
		return err
	}
	j.logger.WithContext(ctx).Info("Successfully imported dataset")
	j.wait(ctx)
	return nil
}

// prepareSource makes the archive resident and reports whether it changed
// since the last successful attempt.
func (j *Job) prepareSource(ctx context.Context) (bool, error) {
	last, err := j.deps.Imports.GetLastSuccess(ctx, j.dataset.Key)
	if err != nil {
		return false, err
	}

	source := j.config.ArchivePath(j.dataset.Key)
	if j.dataset.Origin == models.DatasetOriginExternal && !j.req.Upload {
		j.mu.Lock()
		j.di.DownloadURI = j.dataset.DataAccess
		j.mu.Unlock()
		if err := j.updateState(ctx, models.ImportStateDownloading); err != nil {
			return false, err
		}

		downloaded, err := j.deps.Downloader.DownloadIfModified(ctx, *j.dataset.DataAccess, source)
		if err != nil {
			return false, fmt.Errorf("download %s: %w", *j.dataset.DataAccess, err)
		}
		j.logger.WithContext(ctx).WithField("downloaded", downloaded).Debug("Checked remote archive")
	}

	if _, err := os.Stat(source); err != nil {
		return false, fmt.Errorf("archive of dataset %d: %w", j.dataset.Key, err)
	}
	checksum, err := archive.Checksum(source)
	if err != nil {
		return false, fmt.Errorf("checksum archive: %w", err)
	}
	modified := last == nil || last.MD5 == nil || *last.MD5 != checksum

	j.mu.Lock()
	j.di.MD5 = &checksum
	if t, ok := j.deps.Downloader.LastModified(source); ok {
		j.di.Download = &t
	}
	snapshot := j.di.Clone()
	j.mu.Unlock()

	if err := j.deps.Imports.Update(ctx, &snapshot); err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, context.Cause(ctx)
	}
	return modified, nil
}

func (j *Job) buildMetrics(ctx context.Context, attempt int) error {
	metrics, err := j.deps.Metrics.Build(ctx, j.dataset.Key)
	if err != nil {
		return err
	}
	if err := j.deps.Imports.UpdateMetrics(ctx, j.dataset.Key, attempt, metrics); err != nil {
		return err
	}

	j.mu.Lock()
	j.di.ImportMetrics = metrics
	j.mu.Unlock()
	return nil
}

// updateState persists and announces a transition, then checks for
// cancellation.
func (j *Job) updateState(ctx context.Context, state models.ImportState) error {
	j.mu.Lock()
	j.di.State = state
	snapshot := j.di.Clone()
	j.mu.Unlock()

	if err := j.persist(ctx, &snapshot); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// finalize persists a terminal state.
func (j *Job) finalize(ctx context.Context, state models.ImportState, message *string) error {
	now := time.Now().UTC()

	j.mu.Lock()
	j.di.State = state
	j.di.Finished = &now
	j.di.Error = message
	snapshot := j.di.Clone()
	j.mu.Unlock()

	return j.persist(ctx, &snapshot)
}

func (j *Job) persist(ctx context.Context, di *models.DatasetImport) error {
	if err := j.deps.Imports.Update(ctx, di); err != nil {
		return err
	}
	if err := j.deps.Events.PublishImportEvent(ctx, di); err != nil {
		j.logger.WithContext(ctx).WithError(err).WithField("state", di.State).Warn("failed to publish import event")
	}
	return nil
}

// conclude records the outcome of a failed or cancelled run. Cancellation is
// not an error.
func (j *Job) conclude(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	dbctx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if !errors.Is(cause, ErrJobTimeout) {
			j.logger.WithContext(ctx).Warn("Import cancelled")
			if uerr := j.finalize(dbctx, models.ImportStateCancelled, nil); uerr != nil {
				j.logger.WithContext(ctx).WithError(uerr).Error("failed to record cancelled import")
			}
			return nil
		}
		err = cause
	}

	j.mu.Lock()
	state := j.di.State
	j.mu.Unlock()

	message := failureMessage(state, err)
	j.logger.WithContext(ctx).WithError(err).WithField("state", state).Error("Import failed")
	if uerr := j.finalize(dbctx, models.ImportStateFailed, &message); uerr != nil {
		j.logger.WithContext(ctx).WithError(uerr).Error("failed to record failed import")
	}
	return err
}

// wait holds the worker after an attempt. Cancellation only ends the wait.
func (j *Job) wait(ctx context.Context) {
	if j.config.Wait <= 0 {
		return
	}
	timer := time.NewTimer(j.config.Wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (j *Job) removeScratch(ctx context.Context, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		j.logger.WithContext(ctx).WithError(err).WithField("dir", dir).Warn("failed to remove scratch directory")
	}
}

func (j *Job) attempt() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.di.Attempt
}
