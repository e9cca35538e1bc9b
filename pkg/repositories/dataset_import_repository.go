package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var datasetImportTable = models.DatasetImport{}.TableName()

var datasetImportColumns = []string{
	"dataset_key", "attempt", "state", "origin", "format", "download_uri", "download", "md5",
	"started", "finished", "error", "created_by",
	"verbatim_count", "reference_count", "name_count", "name_relation_count", "taxon_count",
	"synonym_count", "vernacular_count", "distribution_count", "treatment_count", "media_count",
	"issues_count", "names_by_rank_count", "taxa_by_rank_count", "name_relations_by_type_count",
	"verbatim_by_type_count", "verbatim_by_term_count", "usages_by_status_count",
}

// DatasetImportRepository persists the audit log of import attempts.
type DatasetImportRepository struct {
	*Repository
}

func NewDatasetImportRepository(db database.DB, logger ectologger.Logger) *DatasetImportRepository {
	return &DatasetImportRepository{
		Repository: NewRepository(db, logger),
	}
}

const createWaitingQuery = `
INSERT INTO dataset_import (dataset_key, attempt, state, origin, format, download_uri, created_by)
SELECT $1, COALESCE(MAX(attempt), 0) + 1, $2, $3, $4, $5, $6
FROM dataset_import WHERE dataset_key = $1
RETURNING attempt`

// CreateWaiting opens the next attempt of a dataset in the WAITING state.
func (r *DatasetImportRepository) CreateWaiting(ctx context.Context, dataset *models.Dataset, createdBy int) (*models.DatasetImport, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetImportRepository.CreateWaiting")
	defer span.End()

	di := &models.DatasetImport{
		DatasetKey:  dataset.Key,
		State:       models.ImportStateWaiting,
		Origin:      dataset.Origin,
		Format:      dataset.DataFormat,
		DownloadURI: dataset.DataAccess,
		CreatedBy:   createdBy,
	}

	err := r.exec(ctx).QueryRowxContext(ctx, createWaitingQuery,
		di.DatasetKey, di.State, di.Origin, di.Format, di.DownloadURI, di.CreatedBy,
	).Scan(&di.Attempt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("dataset_key", dataset.Key).Error("failed to create import")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create import")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": di.DatasetKey,
		"attempt":     di.Attempt,
	}).Debugf("Created %s", datasetImportTable)
	return di, nil
}

// Update writes the lifecycle fields of an attempt.
func (r *DatasetImportRepository) Update(ctx context.Context, di *models.DatasetImport) error {
	ctx, span := tracing.StartSpan(ctx, "DatasetImportRepository.Update")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(datasetImportTable).
		Set(
			ub.Assign("state", di.State),
			ub.Assign("format", di.Format),
			ub.Assign("download_uri", di.DownloadURI),
			ub.Assign("download", di.Download),
			ub.Assign("md5", di.MD5),
			ub.Assign("started", di.Started),
			ub.Assign("finished", di.Finished),
			ub.Assign("error", di.Error),
		).
		Where(ub.Equal("dataset_key", di.DatasetKey), ub.Equal("attempt", di.Attempt))

	query, args := ub.Build()
	if _, err := r.exec(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"dataset_key": di.DatasetKey,
			"attempt":     di.Attempt,
			"state":       di.State,
		}).Error("failed to update import")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update import")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": di.DatasetKey,
		"attempt":     di.Attempt,
		"state":       di.State,
	}).Debugf("Updated %s", datasetImportTable)
	return nil
}

// UpdateMetrics writes the entity counts of an attempt.
func (r *DatasetImportRepository) UpdateMetrics(ctx context.Context, datasetKey, attempt int, metrics models.ImportMetrics) error {
	ctx, span := tracing.StartSpan(ctx, "DatasetImportRepository.UpdateMetrics")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(datasetImportTable).
		Set(
			ub.Assign("verbatim_count", metrics.VerbatimCount),
			ub.Assign("reference_count", metrics.ReferenceCount),
			ub.Assign("name_count", metrics.NameCount),
			ub.Assign("name_relation_count", metrics.NameRelationCount),
			ub.Assign("taxon_count", metrics.TaxonCount),
			ub.Assign("synonym_count", metrics.SynonymCount),
			ub.Assign("vernacular_count", metrics.VernacularCount),
			ub.Assign("distribution_count", metrics.DistributionCount),
			ub.Assign("treatment_count", metrics.TreatmentCount),
			ub.Assign("media_count", metrics.MediaCount),
			ub.Assign("issues_count", metrics.IssuesCount),
			ub.Assign("names_by_rank_count", metrics.NamesByRankCount),
			ub.Assign("taxa_by_rank_count", metrics.TaxaByRankCount),
			ub.Assign("name_relations_by_type_count", metrics.NameRelationsCount),
			ub.Assign("verbatim_by_type_count", metrics.VerbatimByTypeCount),
			ub.Assign("verbatim_by_term_count", metrics.VerbatimByTermCount),
			ub.Assign("usages_by_status_count", metrics.UsagesByStatusCount),
		).
		Where(ub.Equal("dataset_key", datasetKey), ub.Equal("attempt", attempt))

	query, args := ub.Build()
	if _, err := r.exec(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"dataset_key": datasetKey,
			"attempt":     attempt,
		}).Error("failed to update import metrics")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update import metrics")
	}

	return nil
}

// GetLastSuccess returns the newest attempt that produced or confirmed data,
// or nil when the dataset was never imported successfully.
func (r *DatasetImportRepository) GetLastSuccess(ctx context.Context, datasetKey int) (*models.DatasetImport, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetImportRepository.GetLastSuccess")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(datasetImportColumns...).From(datasetImportTable)
	sb.Where(
		sb.Equal("dataset_key", datasetKey),
		sb.In("state", models.ImportStateFinished, models.ImportStateUnchanged),
	)
	sb.OrderBy("attempt").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var di models.DatasetImport
	err := r.exec(ctx).GetContext(ctx, &di, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("dataset_key", datasetKey).Error("failed to get last import")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get last import")
	}

	return &di, nil
}

// ListByStates returns every attempt currently in one of the given states.
func (r *DatasetImportRepository) ListByStates(ctx context.Context, states ...models.ImportState) ([]models.DatasetImport, error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetImportRepository.ListByStates")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(datasetImportColumns...).From(datasetImportTable)
	if len(states) > 0 {
		sb.Where(sb.In("state", statesToArgs(states)...))
	}
	sb.OrderBy("dataset_key", "attempt")

	query, args := sb.Build()
	var imports []models.DatasetImport
	if err := r.exec(ctx).SelectContext(ctx, &imports, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list imports by state")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list imports by state")
	}

	return imports, nil
}

// List pages through historical attempts, newest first. A zero limit only counts.
func (r *DatasetImportRepository) List(ctx context.Context, datasetKey *int, states []models.ImportState, page models.Page) (models.ResultPage[models.DatasetImport], error) {
	ctx, span := tracing.StartSpan(ctx, "DatasetImportRepository.List")
	defer span.End()

	where := func(sb *database.SelectBuilder) {
		if datasetKey != nil {
			sb.Where(sb.Equal("dataset_key", *datasetKey))
		}
		if len(states) > 0 {
			sb.Where(sb.In("state", statesToArgs(states)...))
		}
	}

	cb := database.NewSelectBuilder()
	cb.Select("COUNT(*)").From(datasetImportTable)
	where(cb)

	query, args := cb.Build()
	var total int
	if err := r.exec(ctx).GetContext(ctx, &total, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count imports")
		return models.ResultPage[models.DatasetImport]{}, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count imports")
	}

	var imports []models.DatasetImport
	if page.Limit > 0 && total > page.Offset {
		sb := database.NewSelectBuilder()
		sb.Select(datasetImportColumns...).From(datasetImportTable)
		where(sb)
		sb.OrderBy("started DESC NULLS LAST", "dataset_key", "attempt DESC")
		sb.Offset(page.Offset)
		sb.Limit(page.Limit)

		query, args = sb.Build()
		if err := r.exec(ctx).SelectContext(ctx, &imports, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("failed to list imports")
			return models.ResultPage[models.DatasetImport]{}, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list imports")
		}
	}

	return models.NewResultPage(page, total, imports), nil
}

func statesToArgs(states []models.ImportState) []any {
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = s
	}
	return args
}
