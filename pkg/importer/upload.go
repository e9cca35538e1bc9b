package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Upload replaces the archive of an uploaded dataset with content and queues
// a forced priority import of it.
func (m *Manager) Upload(ctx context.Context, datasetKey int, content io.Reader, user int) (*models.ImportRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.Upload")
	defer span.End()

	dataset, err := m.validDataset(ctx, datasetKey)
	if err != nil {
		m.rejected(ctx, err)
		return nil, err
	}
	if dataset.Origin != models.DatasetOriginUploaded {
		err := reject(ReasonNotUploadedOrigin, datasetKey, "dataset %d is %s, only uploaded datasets accept archives", datasetKey, dataset.Origin)
		m.rejected(ctx, err)
		return nil, err
	}

	size, err := m.writeArchive(datasetKey, content)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("store upload of dataset %d: %w", datasetKey, err)
	}
	m.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": datasetKey,
		"bytes":       size,
		"user":        user,
	}).Info("Stored uploaded archive")

	if err := m.deps.Datasets.UpdateReleased(ctx, datasetKey, time.Now().UTC()); err != nil {
		return nil, err
	}

	return m.submitValid(ctx, models.NewImportRequest(datasetKey, user, true, true, true), dataset)
}

// writeArchive writes content into a temp file of the archive directory and
// renames it onto the archive path so readers never see a partial archive.
func (m *Manager) writeArchive(datasetKey int, content io.Reader) (int64, error) {
	dest := m.config.ArchivePath(datasetKey)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".upload-%d-*", datasetKey))
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, content)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return size, err
	}
	return size, os.Rename(tmp.Name(), dest)
}
