package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type countRow struct {
	Key   string `db:"key"`
	Count int    `db:"count"`
}

type termCountRow struct {
	Type  string `db:"type"`
	Term  string `db:"term"`
	Count int    `db:"count"`
}

var entityCountQueries = []struct {
	table  string
	filter string
	set    func(m *models.ImportMetrics, n int)
}{
	{"verbatim", "", func(m *models.ImportMetrics, n int) { m.VerbatimCount = n }},
	{"reference", "", func(m *models.ImportMetrics, n int) { m.ReferenceCount = n }},
	{"name", "", func(m *models.ImportMetrics, n int) { m.NameCount = n }},
	{"name_rel", "", func(m *models.ImportMetrics, n int) { m.NameRelationCount = n }},
	{"name_usage", " AND status NOT IN ('SYNONYM', 'AMBIGUOUS_SYNONYM', 'MISAPPLIED')", func(m *models.ImportMetrics, n int) { m.TaxonCount = n }},
	{"name_usage", " AND status IN ('SYNONYM', 'AMBIGUOUS_SYNONYM', 'MISAPPLIED')", func(m *models.ImportMetrics, n int) { m.SynonymCount = n }},
	{"vernacular_name", "", func(m *models.ImportMetrics, n int) { m.VernacularCount = n }},
	{"distribution", "", func(m *models.ImportMetrics, n int) { m.DistributionCount = n }},
	{"treatment", "", func(m *models.ImportMetrics, n int) { m.TreatmentCount = n }},
	{"media", "", func(m *models.ImportMetrics, n int) { m.MediaCount = n }},
}

var breakdownQueries = []struct {
	name  string
	query string
	set   func(m *models.ImportMetrics, c models.Counts)
}{
	{"issues", `SELECT issue AS key, COUNT(*) AS count FROM verbatim, unnest(issues) AS issue WHERE dataset_key = $1 GROUP BY issue`,
		func(m *models.ImportMetrics, c models.Counts) { m.IssuesCount = database.NewJSONB(c) }},
	{"names_by_rank", `SELECT COALESCE(rank, 'unranked') AS key, COUNT(*) AS count FROM name WHERE dataset_key = $1 GROUP BY 1`,
		func(m *models.ImportMetrics, c models.Counts) { m.NamesByRankCount = database.NewJSONB(c) }},
	{"taxa_by_rank", `SELECT COALESCE(n.rank, 'unranked') AS key, COUNT(*) AS count FROM name_usage u
		JOIN name n ON n.dataset_key = u.dataset_key AND n.id = u.name_id
		WHERE u.dataset_key = $1 AND u.status NOT IN ('SYNONYM', 'AMBIGUOUS_SYNONYM', 'MISAPPLIED') GROUP BY 1`,
		func(m *models.ImportMetrics, c models.Counts) { m.TaxaByRankCount = database.NewJSONB(c) }},
	{"name_relations_by_type", `SELECT type AS key, COUNT(*) AS count FROM name_rel WHERE dataset_key = $1 GROUP BY type`,
		func(m *models.ImportMetrics, c models.Counts) { m.NameRelationsCount = database.NewJSONB(c) }},
	{"verbatim_by_type", `SELECT COALESCE(type, 'unknown') AS key, COUNT(*) AS count FROM verbatim WHERE dataset_key = $1 GROUP BY 1`,
		func(m *models.ImportMetrics, c models.Counts) { m.VerbatimByTypeCount = database.NewJSONB(c) }},
	{"usages_by_status", `SELECT status AS key, COUNT(*) AS count FROM name_usage WHERE dataset_key = $1 GROUP BY status`,
		func(m *models.ImportMetrics, c models.Counts) { m.UsagesByStatusCount = database.NewJSONB(c) }},
}

const verbatimByTermQuery = `
SELECT COALESCE(v.type, 'unknown') AS type, t.term, COUNT(*) AS count
FROM verbatim v, jsonb_object_keys(v.terms) AS t(term)
WHERE v.dataset_key = $1
GROUP BY 1, 2`

// ImportMetricsRepository computes entity counts over the attached partitions of a dataset.
type ImportMetricsRepository struct {
	*Repository
}

func NewImportMetricsRepository(db database.DB, logger ectologger.Logger) *ImportMetricsRepository {
	return &ImportMetricsRepository{
		Repository: NewRepository(db, logger),
	}
}

func (r *ImportMetricsRepository) Build(ctx context.Context, datasetKey int) (models.ImportMetrics, error) {
	ctx, span := tracing.StartSpan(ctx, "ImportMetricsRepository.Build")
	defer span.End()

	var m models.ImportMetrics
	for _, q := range entityCountQueries {
		var n int
		query := "SELECT COUNT(*) FROM " + q.table + " WHERE dataset_key = $1" + q.filter
		if err := r.exec(ctx).GetContext(ctx, &n, query, datasetKey); err != nil {
			return m, r.failed(ctx, err, q.table, datasetKey)
		}
		q.set(&m, n)
	}

	for _, q := range breakdownQueries {
		var rows []countRow
		if err := r.exec(ctx).SelectContext(ctx, &rows, q.query, datasetKey); err != nil {
			return m, r.failed(ctx, err, q.name, datasetKey)
		}
		counts := make(models.Counts, len(rows))
		for _, row := range rows {
			counts[row.Key] = row.Count
		}
		q.set(&m, counts)
	}

	var terms []termCountRow
	if err := r.exec(ctx).SelectContext(ctx, &terms, verbatimByTermQuery, datasetKey); err != nil {
		return m, r.failed(ctx, err, "verbatim_by_term", datasetKey)
	}
	byTerm := make(map[string]models.Counts)
	for _, row := range terms {
		if byTerm[row.Type] == nil {
			byTerm[row.Type] = make(models.Counts)
		}
		byTerm[row.Type][row.Term] = row.Count
	}
	m.VerbatimByTermCount = database.NewJSONB(byTerm)

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": datasetKey,
		"names":       m.NameCount,
		"taxa":        m.TaxonCount,
		"synonyms":    m.SynonymCount,
	}).Debug("Built import metrics")
	return m, nil
}

func (r *ImportMetricsRepository) failed(ctx context.Context, err error, metric string, datasetKey int) error {
	r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"dataset_key": datasetKey,
		"metric":      metric,
	}).Error("failed to build import metrics")
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to build %s metrics", metric)
}
