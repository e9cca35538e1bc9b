package loader

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

// EntityWriter inserts entities into the partition of a dataset.
type EntityWriter interface {
	InsertVerbatim(ctx context.Context, datasetKey int, v *models.VerbatimRecord) (int, error)
	InsertReference(ctx context.Context, datasetKey int, ref *models.Reference) error
	InsertName(ctx context.Context, datasetKey int, n *models.Name) error
	InsertNameRelation(ctx context.Context, datasetKey int, rel *models.NameRelation) error
	InsertUsage(ctx context.Context, datasetKey int, u *models.NameUsage) error
	InsertVernacular(ctx context.Context, datasetKey int, taxonID string, v *models.VernacularName) error
	InsertDistribution(ctx context.Context, datasetKey int, taxonID string, d *models.Distribution) error
	InsertDescription(ctx context.Context, datasetKey int, taxonID string, d *models.Description) error
	InsertMedia(ctx context.Context, datasetKey int, taxonID string, m *models.Media) error
	InsertTaxonReference(ctx context.Context, datasetKey int, taxonID, referenceID string) error
}

// Transactor opens the transactions entity batches are written in.
type Transactor interface {
	BeginBatch(ctx context.Context) (context.Context, database.Batch, error)
}

// PartitionManager runs the structural operations on dataset partitions.
type PartitionManager interface {
	Delete(ctx context.Context, datasetKey int) error
	Create(ctx context.Context, datasetKey int) error
	BuildIndices(ctx context.Context, datasetKey int) error
	Attach(ctx context.Context, datasetKey int) error
}

// MetadataWriter persists merged dataset metadata.
type MetadataWriter interface {
	UpdateMetadata(ctx context.Context, dataset *models.Dataset, userKey int) error
}

// Guard serializes partition creation and attachment across all loads.
type Guard interface {
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error
}
