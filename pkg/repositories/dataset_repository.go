package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var datasetTable = models.Dataset{}.TableName()

var datasetStruct = database.NewStruct(new(models.Dataset))

// DatasetRepository reads and updates registered datasets.
type DatasetRepository struct {
	*Repository
}

func NewDatasetRepository(db database.DB, logger ectologger.Logger) *DatasetRepository {
	return &DatasetRepository{
		Repository: NewRepository(db, logger),
	}
}

// Get retrieves a dataset by key, including deleted ones.
func (r *DatasetRepository) Get(ctx context.Context, key int) (*models.Dataset, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.Get")
	defer span.End()

	sb := datasetStruct.SelectFrom(datasetTable)
	sb.Where(sb.Equal("key", key))

	query, args := sb.Build()
	var dataset models.Dataset
	err := r.exec(ctx).GetContext(ctx, &dataset, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "dataset %d does not exist", key)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"dataset_key": key,
		}).Error("failed to get dataset")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get dataset")
	}

	r.logger.WithContext(ctx).WithField("dataset_key", key).Debugf("Got %s", datasetTable)
	return &dataset, nil
}

// UpdateReleased stamps the release date of an uploaded archive.
func (r *DatasetRepository) UpdateReleased(ctx context.Context, key int, released time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.UpdateReleased")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(datasetTable).
		Set(ub.Assign("released", released), ub.Assign("updated_at", sqlbuilder.Raw("NOW()"))).
		Where(ub.Equal("key", key))

	return r.execUpdate(ctx, ub, key, "failed to update dataset release date")
}

// UpdateLastImport records the attempt whose data is now live for the dataset.
func (r *DatasetRepository) UpdateLastImport(ctx context.Context, key, attempt int) error {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.UpdateLastImport")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(datasetTable).
		Set(ub.Assign("attempt", attempt), ub.Assign("updated_at", sqlbuilder.Raw("NOW()"))).
		Where(ub.Equal("key", key))

	return r.execUpdate(ctx, ub, key, "failed to update dataset last import")
}

// UpdateMetadata persists the descriptive metadata of a dataset.
func (r *DatasetRepository) UpdateMetadata(ctx context.Context, dataset *models.Dataset, userKey int) error {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.UpdateMetadata")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(datasetTable).
		Set(
			ub.Assign("title", dataset.Title),
			ub.Assign("alias", dataset.Alias),
			ub.Assign("description", dataset.Description),
			ub.Assign("version", dataset.Version),
			ub.Assign("license", dataset.License),
			ub.Assign("url", dataset.URL),
			ub.Assign("released", dataset.Released),
			ub.Assign("contact", dataset.Contact),
			ub.Assign("organisations", dataset.Organisations),
			ub.Assign("modified_by", userKey),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("key", dataset.Key))

	return r.execUpdate(ctx, ub, dataset.Key, "failed to update dataset metadata")
}

func (r *DatasetRepository) execUpdate(ctx context.Context, ub *database.UpdateBuilder, key int, message string) error {
	query, args := ub.Build()
	result, err := r.exec(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("dataset_key", key).Error(message)
		return httperror.NewHTTPError(http.StatusInternalServerError, message)
	}

	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "dataset %d does not exist", key)
	}

	r.logger.WithContext(ctx).WithField("dataset_key", key).Debugf("Updated %s", datasetTable)
	return nil
}

const neverImportedQuery = `
SELECT d.key FROM dataset d
WHERE d.origin = $1 AND d.deleted IS NULL AND d.data_access IS NOT NULL
  AND NOT EXISTS (SELECT 1 FROM dataset_import di WHERE di.dataset_key = d.key)
ORDER BY d.key
LIMIT $2`

// ListNeverImported returns external datasets without any import attempt.
func (r *DatasetRepository) ListNeverImported(ctx context.Context, limit int) ([]int, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.ListNeverImported")
	defer span.End()

	var keys []int
	if err := r.exec(ctx).SelectContext(ctx, &keys, neverImportedQuery, models.DatasetOriginExternal, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list never imported datasets")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list never imported datasets")
	}

	r.logger.WithContext(ctx).Debugf("Found %d never imported datasets", len(keys))
	return keys, nil
}

// A negative import frequency disables scheduled imports for a dataset.
const toBeImportedQuery = `
SELECT d.key FROM dataset d
JOIN LATERAL (
  SELECT di.state, di.finished FROM dataset_import di
  WHERE di.dataset_key = d.key
  ORDER BY di.attempt DESC
  LIMIT 1
) last ON TRUE
WHERE d.origin = $1 AND d.deleted IS NULL AND d.data_access IS NOT NULL
  AND COALESCE(d.import_frequency, $2) > 0
  AND last.state IN ('FINISHED', 'UNCHANGED', 'FAILED', 'CANCELLED')
  AND last.finished < NOW() - make_interval(days => COALESCE(d.import_frequency, $2))
ORDER BY last.finished
LIMIT $3`

// ListToBeImported returns external datasets whose last attempt is older than
// their import frequency in days, oldest first.
func (r *DatasetRepository) ListToBeImported(ctx context.Context, defaultFrequency, limit int) ([]int, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetRepository.ListToBeImported")
	defer span.End()

	var keys []int
	if err := r.exec(ctx).SelectContext(ctx, &keys, toBeImportedQuery, models.DatasetOriginExternal, defaultFrequency, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list datasets due for import")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list datasets due for import")
	}

	r.logger.WithContext(ctx).Debugf("Found %d datasets due for import", len(keys))
	return keys, nil
}
