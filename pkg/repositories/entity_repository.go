package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

// EntityRepository inserts staged entities into the detached partitions of a
// dataset. Rows are written through the batch transaction bound to ctx.
type EntityRepository struct {
	*Repository
	userKey int
}

// NewEntityRepository stamps every row with userKey as creator and modifier.
func NewEntityRepository(db database.DB, logger ectologger.Logger, userKey int) *EntityRepository {
	return &EntityRepository{
		Repository: NewRepository(db, logger),
		userKey:    userKey,
	}
}

// BeginBatch opens a transaction and binds it to the returned context.
func (r *EntityRepository) BeginBatch(ctx context.Context) (context.Context, database.Batch, error) {
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, tx, nil
}

// InsertVerbatim stores a raw record and returns its persisted key.
func (r *EntityRepository) InsertVerbatim(ctx context.Context, datasetKey int, v *models.VerbatimRecord) (int, error) {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("verbatim", datasetKey)).
		Cols("dataset_key", "file", "line", "type", "terms", "issues").
		Values(datasetKey, v.File, v.Line, v.Type, database.NewJSONB(v.Terms), pq.Array(v.Issues)).
		Returning("id")

	query, args := ib.Build()
	var key int
	if err := r.exec(ctx).QueryRowxContext(ctx, query, args...).Scan(&key); err != nil {
		return 0, r.insertFailed(ctx, err, "verbatim", datasetKey)
	}
	return key, nil
}

func (r *EntityRepository) InsertReference(ctx context.Context, datasetKey int, ref *models.Reference) error {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("reference", datasetKey)).
		Cols("dataset_key", "id", "citation", "title", "year", "verbatim_key", "created_by", "modified_by").
		Values(datasetKey, ref.ID, ref.Citation, ref.Title, ref.Year, ref.VerbatimKey, r.userKey, r.userKey)

	return r.insert(ctx, ib, "reference", datasetKey)
}

func (r *EntityRepository) InsertName(ctx context.Context, datasetKey int, n *models.Name) error {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("name", datasetKey)).
		Cols("dataset_key", "id", "scientific_name", "authorship", "rank", "uninomial", "genus",
			"specific_epithet", "infraspecific_epithet", "code", "nom_status", "published_in_id",
			"verbatim_key", "created_by", "modified_by").
		Values(datasetKey, n.ID, n.ScientificName, n.Authorship, n.Rank, n.Uninomial, n.Genus,
			n.SpecificEpithet, n.InfraspecificEpithet, n.Code, n.NomStatus, n.PublishedInID,
			n.VerbatimKey, r.userKey, r.userKey)

	return r.insert(ctx, ib, "name", datasetKey)
}

func (r *EntityRepository) InsertNameRelation(ctx context.Context, datasetKey int, rel *models.NameRelation) error {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("name_rel", datasetKey)).
		Cols("dataset_key", "name_id", "related_name_id", "type", "reference_id", "remarks", "verbatim_key", "created_by", "modified_by").
		Values(datasetKey, rel.NameID, rel.RelatedNameID, rel.Type, rel.ReferenceID, rel.Remarks, rel.VerbatimKey, r.userKey, r.userKey)

	return r.insert(ctx, ib, "name_rel", datasetKey)
}

func (r *EntityRepository) InsertUsage(ctx context.Context, datasetKey int, u *models.NameUsage) error {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("name_usage", datasetKey)).
		Cols("dataset_key", "id", "parent_id", "name_id", "status", "according_to", "extinct", "remarks", "verbatim_key", "created_by", "modified_by").
		Values(datasetKey, u.ID, u.ParentID, u.NameID, u.Status, u.AccordingTo, u.Extinct, u.Remarks, u.VerbatimKey, r.userKey, r.userKey)

	return r.insert(ctx, ib, "name_usage", datasetKey)
}

func (r *EntityRepository) InsertVernacular(ctx context.Context, datasetKey int, taxonID string, v *models.VernacularName) error {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("vernacular_name", datasetKey)).
		Cols("dataset_key", "taxon_id", "name", "language", "country", "reference_id", "verbatim_key", "created_by", "modified_by").
		Values(datasetKey, taxonID, v.Name, v.Language, v.Country, v.ReferenceID, v.VerbatimKey, r.userKey, r.userKey)

	return r.insert(ctx, ib, "vernacular_name", datasetKey)
}

func (r *EntityRepository) InsertDistribution(ctx context.Context, datasetKey int, taxonID string, d *models.Distribution) error {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("distribution", datasetKey)).
		Cols("dataset_key", "taxon_id", "area", "gazetteer", "status", "reference_id", "verbatim_key", "created_by", "modified_by").
		Values(datasetKey, taxonID, d.Area, d.Gazetteer, d.Status, d.ReferenceID, d.VerbatimKey, r.userKey, r.userKey)

	return r.insert(ctx, ib, "distribution", datasetKey)
}

func (r *EntityRepository) InsertDescription(ctx context.Context, datasetKey int, taxonID string, d *models.Description) error {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("treatment", datasetKey)).
		Cols("dataset_key", "taxon_id", "format", "document", "reference_id", "verbatim_key", "created_by", "modified_by").
		Values(datasetKey, taxonID, d.Format, d.Document, d.ReferenceID, d.VerbatimKey, r.userKey, r.userKey)

	return r.insert(ctx, ib, "treatment", datasetKey)
}

func (r *EntityRepository) InsertMedia(ctx context.Context, datasetKey int, taxonID string, m *models.Media) error {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("media", datasetKey)).
		Cols("dataset_key", "taxon_id", "url", "type", "title", "license", "reference_id", "verbatim_key", "created_by", "modified_by").
		Values(datasetKey, taxonID, m.URL, m.Type, m.Title, m.License, m.ReferenceID, m.VerbatimKey, r.userKey, r.userKey)

	return r.insert(ctx, ib, "media", datasetKey)
}

func (r *EntityRepository) InsertTaxonReference(ctx context.Context, datasetKey int, taxonID, referenceID string) error {
	ib := database.NewInsertBuilder().
		InsertInto(partitionTable("taxon_reference", datasetKey)).
		Cols("dataset_key", "taxon_id", "reference_id").
		Values(datasetKey, taxonID, referenceID)

	return r.insert(ctx, ib, "taxon_reference", datasetKey)
}

func (r *EntityRepository) insert(ctx context.Context, ib *database.InsertBuilder, table string, datasetKey int) error {
	query, args := ib.Build()
	if _, err := r.exec(ctx).ExecContext(ctx, query, args...); err != nil {
		return r.insertFailed(ctx, err, table, datasetKey)
	}
	return nil
}

func (r *EntityRepository) insertFailed(ctx context.Context, err error, table string, datasetKey int) error {
	r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"dataset_key": datasetKey,
		"table":       table,
	}).Error("failed to insert entity")
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to insert %s", table)
}
