package importer

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/staging"
)

// DatasetStore reads and stamps datasets of the catalog.
type DatasetStore interface {
	Get(ctx context.Context, key int) (*models.Dataset, error)
	UpdateReleased(ctx context.Context, key int, released time.Time) error
	// UpdateLastImport points a dataset at its last successfully inserted attempt.
	UpdateLastImport(ctx context.Context, key, attempt int) error
}

// ImportStore persists the audit records of import attempts.
type ImportStore interface {
	CreateWaiting(ctx context.Context, dataset *models.Dataset, createdBy int) (*models.DatasetImport, error)
	Update(ctx context.Context, di *models.DatasetImport) error
	UpdateMetrics(ctx context.Context, datasetKey, attempt int, metrics models.ImportMetrics) error
	// GetLastSuccess returns nil when the dataset was never imported successfully.
	GetLastSuccess(ctx context.Context, datasetKey int) (*models.DatasetImport, error)
	ListByStates(ctx context.Context, states ...models.ImportState) ([]models.DatasetImport, error)
	List(ctx context.Context, datasetKey *int, states []models.ImportState, page models.Page) (models.ResultPage[models.DatasetImport], error)
}

type PartitionDropper interface {
	Delete(ctx context.Context, datasetKey int) error
}

// Downloader fetches external archives.
type Downloader interface {
	// DownloadIfModified reports whether dest was replaced with newer content.
	DownloadIfModified(ctx context.Context, url, dest string) (bool, error)
	LastModified(path string) (time.Time, bool)
}

type Normalizer interface {
	Normalize(ctx context.Context, store staging.Writer, sourceDir string, dataset *models.Dataset) error
}

type DatasetLoader interface {
	Load(ctx context.Context, dataset *models.Dataset, store staging.Store) error
}

type MetricsBuilder interface {
	Build(ctx context.Context, datasetKey int) (models.ImportMetrics, error)
}

type Indexer interface {
	IndexDataset(ctx context.Context, datasetKey int) error
}

type Rematcher interface {
	MatchDataset(ctx context.Context, datasetKey int) error
}

// SectorLockChecker returns the key of the sector currently syncing a
// dataset, or nil.
type SectorLockChecker interface {
	IsDatasetLocked(ctx context.Context, datasetKey int) (*int, error)
}

type EventPublisher interface {
	PublishImportEvent(ctx context.Context, di *models.DatasetImport) error
}

// StagingFactory opens an empty staging store for one attempt.
type StagingFactory func() (StagingStore, error)

// StagingStore is written by the normalizer and read by the loader.
type StagingStore interface {
	staging.Writer
	staging.Store
}

// Dependencies are the collaborators shared by the manager and its jobs.
type Dependencies struct {
	Datasets    DatasetStore
	Imports     ImportStore
	Partitions  PartitionDropper
	Downloader  Downloader
	Normalizer  Normalizer
	Loader      DatasetLoader
	Metrics     MetricsBuilder
	Indexer     Indexer
	Rematcher   Rematcher
	SectorLocks SectorLockChecker
	Events      EventPublisher
	Staging     StagingFactory
}

type noopEvents struct{}

func (noopEvents) PublishImportEvent(context.Context, *models.DatasetImport) error { return nil }

// unlocked is used when no sector sync registry is shared between instances.
type unlocked struct{}

func (unlocked) IsDatasetLocked(context.Context, int) (*int, error) { return nil, nil }

func (d Dependencies) withDefaults() Dependencies {
	if d.Events == nil {
		d.Events = noopEvents{}
	}
	if d.SectorLocks == nil {
		d.SectorLocks = unlocked{}
	}
	if d.Staging == nil {
		d.Staging = func() (StagingStore, error) {
			return staging.NewMemoryStore(), nil
		}
	}
	return d
}
