package importer

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizer"
)

// Reason names why a submission was rejected.
type Reason string

const (
	ReasonAlreadyQueued      Reason = "already-queued"
	ReasonQueueFull          Reason = "queue-full"
	ReasonLockedBySync       Reason = "locked-by-sync"
	ReasonNotFound           Reason = "not-found"
	ReasonDeleted            Reason = "is-deleted"
	ReasonManaged            Reason = "is-managed"
	ReasonReleased           Reason = "is-released"
	ReasonAssembledCatalogue Reason = "is-assembled-catalogue"
	ReasonMissingAccessURL   Reason = "missing-access-url"
	ReasonMissingArchive     Reason = "missing-archive"
	ReasonNotUploadedOrigin  Reason = "not-uploaded-origin"
)

var (
	// ErrManagerStopped is returned for submissions while the manager is stopped.
	ErrManagerStopped = errors.New("import manager is stopped")

	// ErrJobCancelled is the cancellation cause of a job cancelled by a user
	// or by shutdown.
	ErrJobCancelled = errors.New("import cancelled")

	// ErrJobTimeout is the cancellation cause of an attempt that exceeded the
	// configured maximum duration.
	ErrJobTimeout = errors.New("import exceeded maximum duration")
)

// RejectedError is returned for a submission that was never enqueued.
type RejectedError struct {
	Reason     Reason
	DatasetKey int
	// SectorKey is the syncing sector for ReasonLockedBySync.
	SectorKey *int
	Message   string
}

func reject(reason Reason, datasetKey int, format string, args ...any) *RejectedError {
	return &RejectedError{Reason: reason, DatasetKey: datasetKey, Message: fmt.Sprintf(format, args...)}
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("import of dataset %d rejected (%s): %s", e.DatasetKey, e.Reason, e.Message)
}

func (e *RejectedError) statusCode() int {
	switch e.Reason {
	case ReasonAlreadyQueued, ReasonLockedBySync:
		return http.StatusConflict
	case ReasonQueueFull:
		return http.StatusTooManyRequests
	case ReasonNotFound, ReasonDeleted:
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// ToHTTPError converts the rejection into the HTTP error returned to clients.
func (e *RejectedError) ToHTTPError() *httperror.HTTPError {
	err := httperror.NewHTTPError(e.statusCode(), e.Message).
		AddMetaValue("reason", string(e.Reason)).
		AddMetaValue("dataset_key", e.DatasetKey)
	if e.SectorKey != nil {
		err = err.AddMetaValue("sector_key", *e.SectorKey)
	}
	return err
}

// IsRejected reports whether err is a rejected submission and returns it.
func IsRejected(err error) (*RejectedError, bool) {
	var rerr *RejectedError
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return nil, false
}

var phaseKinds = map[models.ImportState]string{
	models.ImportStateDownloading:     "DownloadError",
	models.ImportStateProcessing:      "ProcessingError",
	models.ImportStateInserting:       "InsertError",
	models.ImportStateBuildingMetrics: "MetricsError",
	models.ImportStateIndexing:        "IndexError",
}

// failureMessage formats the error persisted on a failed attempt as
// "<kind>: <message>".
func failureMessage(state models.ImportState, err error) string {
	kind := "ImportError"
	if k, ok := normalizer.KindOf(err); ok {
		kind = string(k)
	} else if errors.Is(err, ErrJobTimeout) {
		kind = "Timeout"
	} else if k, ok := phaseKinds[state]; ok {
		kind = k
	}
	return kind + ": " + errorMessage(err)
}

// errorMessage drops the status prefix httperror adds to its Error() text.
func errorMessage(err error) string {
	if herr, ok := err.(*httperror.HTTPError); ok {
		return herr.Message
	}
	return err.Error()
}
