package repositories

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// partitionedTable is an entity table partitioned by dataset key together
// with the indices built on each partition before it is attached.
type partitionedTable struct {
	name    string
	indices []string
}

// Ordered so that attach and drop touch referenced tables last.
var partitionedTables = []partitionedTable{
	{name: "verbatim", indices: []string{"PRIMARY KEY (id)", "(type)"}},
	{name: "reference", indices: []string{"PRIMARY KEY (id)", "(verbatim_key)"}},
	{name: "name", indices: []string{"PRIMARY KEY (id)", "(scientific_name)", "(published_in_id)", "(verbatim_key)"}},
	{name: "name_rel", indices: []string{"PRIMARY KEY (id)", "(name_id)", "(related_name_id)"}},
	{name: "name_usage", indices: []string{"PRIMARY KEY (id)", "(parent_id)", "(name_id)", "(verbatim_key)"}},
	{name: "vernacular_name", indices: []string{"PRIMARY KEY (id)", "(taxon_id)"}},
	{name: "distribution", indices: []string{"PRIMARY KEY (id)", "(taxon_id)"}},
	{name: "treatment", indices: []string{"PRIMARY KEY (id)", "(taxon_id)"}},
	{name: "media", indices: []string{"PRIMARY KEY (id)", "(taxon_id)"}},
	{name: "taxon_reference", indices: []string{"(taxon_id)", "(reference_id)"}},
}

// PartitionRepository manages the per-dataset partitions of the entity tables.
// Partition DDL is not transactional with the loader batches and must run
// inside the caller's global critical section.
type PartitionRepository struct {
	*Repository
}

func NewPartitionRepository(db database.DB, logger ectologger.Logger) *PartitionRepository {
	return &PartitionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Delete drops all partitions of a dataset, attached or not.
func (r *PartitionRepository) Delete(ctx context.Context, datasetKey int) error {
	ctx, span := tracing.StartSpan(ctx, "PartitionRepository.Delete")
	defer span.End()

	statements := make([]string, 0, len(partitionedTables))
	for i := len(partitionedTables) - 1; i >= 0; i-- {
		statements = append(statements, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", partitionTable(partitionedTables[i].name, datasetKey)))
	}

	return r.run(ctx, "delete", datasetKey, statements)
}

// Create builds empty detached partitions for a dataset.
func (r *PartitionRepository) Create(ctx context.Context, datasetKey int) error {
	ctx, span := tracing.StartSpan(ctx, "PartitionRepository.Create")
	defer span.End()

	statements := make([]string, 0, len(partitionedTables))
	for _, t := range partitionedTables {
		statements = append(statements, fmt.Sprintf(
			"CREATE TABLE %s (LIKE %s INCLUDING DEFAULTS, CHECK (dataset_key = %d))",
			partitionTable(t.name, datasetKey), t.name, datasetKey,
		))
	}

	return r.run(ctx, "create", datasetKey, statements)
}

// BuildIndices creates the keys and indices of detached partitions.
func (r *PartitionRepository) BuildIndices(ctx context.Context, datasetKey int) error {
	ctx, span := tracing.StartSpan(ctx, "PartitionRepository.BuildIndices")
	defer span.End()

	var statements []string
	for _, t := range partitionedTables {
		table := partitionTable(t.name, datasetKey)
		for _, index := range t.indices {
			if strings.HasPrefix(index, "PRIMARY KEY") {
				statements = append(statements, fmt.Sprintf("ALTER TABLE %s ADD %s", table, index))
				continue
			}
			statements = append(statements, fmt.Sprintf("CREATE INDEX ON %s %s", table, index))
		}
	}

	return r.run(ctx, "index", datasetKey, statements)
}

// Attach makes the partitions of a dataset visible through the parent tables.
func (r *PartitionRepository) Attach(ctx context.Context, datasetKey int) error {
	ctx, span := tracing.StartSpan(ctx, "PartitionRepository.Attach")
	defer span.End()

	statements := make([]string, 0, len(partitionedTables))
	for _, t := range partitionedTables {
		statements = append(statements, fmt.Sprintf(
			"ALTER TABLE %s ATTACH PARTITION %s FOR VALUES IN (%d)",
			t.name, partitionTable(t.name, datasetKey), datasetKey,
		))
	}

	return r.run(ctx, "attach", datasetKey, statements)
}

func (r *PartitionRepository) run(ctx context.Context, operation string, datasetKey int, statements []string) error {
	start := time.Now()
	err := database.WithTx(ctx, r.db, func(ctx context.Context) error {
		for _, statement := range statements {
			if _, err := r.exec(ctx).ExecContext(ctx, statement); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"dataset_key": datasetKey,
					"operation":   operation,
					"statement":   statement,
				}).Error("failed to run partition statement")
				return err
			}
		}
		return nil
	})
	metrics.RecordPartitionOperation(operation, time.Since(start), err)
	if err != nil {
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to %s partition of dataset %d", operation, datasetKey)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": datasetKey,
		"operation":   operation,
		"duration":    time.Since(start),
	}).Debugf("Partition %s completed", operation)
	return nil
}
