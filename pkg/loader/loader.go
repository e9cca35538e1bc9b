// Package loader writes a staged dataset into its partition of the catalog.
package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/staging"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultBatchSize is the number of rows committed per transaction
const DefaultBatchSize = 10000

var (
	// ErrMissingParent is returned for a non root usage without a parent taxon.
	ErrMissingParent = errors.New("usage has no parent taxon")

	// ErrUnknownVerbatimKey is returned when an entity references a verbatim
	// record that was never persisted.
	ErrUnknownVerbatimKey = errors.New("unknown verbatim key")
)

// Config holds loader configuration
type Config struct {
	BatchSize int
	// UserKey is stamped on the dataset when metadata is merged.
	UserKey int
}

// Loader inserts the entities of a staging store into a freshly created
// dataset partition and attaches it once complete.
type Loader struct {
	writer     EntityWriter
	tx         Transactor
	partitions PartitionManager
	metadata   MetadataWriter
	guard      Guard
	config     Config
	logger     ectologger.Logger
}

func NewLoader(
	writer EntityWriter,
	tx Transactor,
	partitions PartitionManager,
	metadata MetadataWriter,
	guard Guard,
	config Config,
	logger ectologger.Logger,
) *Loader {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if guard == nil {
		guard = &MutexGuard{}
	}

	return &Loader{
		writer:     writer,
		tx:         tx,
		partitions: partitions,
		metadata:   metadata,
		guard:      guard,
		config:     config,
		logger:     logger,
	}
}

// Load replaces the partition of dataset with the content of store. The
// partition only becomes visible after every entity was inserted.
func (l *Loader) Load(ctx context.Context, dataset *models.Dataset, store staging.Store) error {
	ctx = appctx.SetDatasetKey(ctx, dataset.Key)
	ctx, span := tracing.StartSpan(ctx, "Loader.Load")
	defer span.End()

	run := &load{Loader: l, datasetKey: dataset.Key, store: store, verbatim: make(map[int]int)}

	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"partition", run.createPartition},
		{"verbatim", run.insertVerbatim},
		{"reference", run.insertReferences},
		{"name", run.insertNames},
		{"name_rel", run.insertNameRelations},
		{"name_usage", run.insertUsages},
		{"attach", run.attachPartition},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			tracing.RecordError(span, err)
			return fmt.Errorf("load %s: %w", step.name, err)
		}
	}

	if err := l.mergeMetadata(ctx, dataset, store.Metadata()); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("load metadata: %w", err)
	}

	l.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": dataset.Key,
		"verbatim":    len(run.verbatim),
		"usages":      run.usages,
	}).Info("Loaded dataset partition")
	return nil
}

func (l *Loader) mergeMetadata(ctx context.Context, dataset *models.Dataset, md *models.DatasetMetadata) error {
	if md == nil {
		return nil
	}
	if dataset.LockMetadata {
		l.logger.WithContext(ctx).Warnf("Metadata of dataset %d is locked, skipping archive metadata", dataset.Key)
		return nil
	}

	dataset.ApplyMetadata(*md)
	return l.metadata.UpdateMetadata(ctx, dataset, l.config.UserKey)
}

// load holds the state of one Load call.
type load struct {
	*Loader
	datasetKey int
	store      staging.Store

	// persisted verbatim keys by staging key, published per committed batch
	verbatim map[int]int
	usages   int
}

func (r *load) createPartition(ctx context.Context) error {
	return r.guard.WithLock(ctx, func(ctx context.Context) error {
		if err := r.partitions.Delete(ctx, r.datasetKey); err != nil {
			return err
		}
		return r.partitions.Create(ctx, r.datasetKey)
	})
}

func (r *load) attachPartition(ctx context.Context) error {
	return r.guard.WithLock(ctx, func(ctx context.Context) error {
		if err := r.partitions.BuildIndices(ctx, r.datasetKey); err != nil {
			return err
		}
		return r.partitions.Attach(ctx, r.datasetKey)
	})
}

func (r *load) insertVerbatim(ctx context.Context) error {
	pending := make(map[int]int)

	b, err := newBatch(ctx, r.tx, "verbatim", r.config.BatchSize)
	if err != nil {
		return err
	}
	defer b.rollback()

	// persisted keys are only known to exist once their batch committed
	b.onCommit = func() {
		for staged, persisted := range pending {
			r.verbatim[staged] = persisted
		}
		clear(pending)
	}

	err = r.store.Verbatim(ctx, func(v *models.VerbatimRecord) error {
		key, err := r.writer.InsertVerbatim(b.ctx, r.datasetKey, v)
		if err != nil {
			return err
		}
		pending[v.Key] = key
		return b.add()
	})
	if err != nil {
		return err
	}
	return b.close()
}

// verbatimKey rewrites a staging verbatim key to its persisted key.
func (r *load) verbatimKey(staged *int) (*int, error) {
	if staged == nil {
		return nil, nil
	}
	key, ok := r.verbatim[*staged]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVerbatimKey, *staged)
	}
	return &key, nil
}

func (r *load) insertReferences(ctx context.Context) error {
	b, err := newBatch(ctx, r.tx, "reference", r.config.BatchSize)
	if err != nil {
		return err
	}
	defer b.rollback()

	err = r.store.References(ctx, func(ref *models.Reference) error {
		key, err := r.verbatimKey(ref.VerbatimKey)
		if err != nil {
			return err
		}
		row := *ref
		row.VerbatimKey = key
		if err := r.writer.InsertReference(b.ctx, r.datasetKey, &row); err != nil {
			return err
		}
		return b.add()
	})
	if err != nil {
		return err
	}
	return b.close()
}

func (r *load) insertNames(ctx context.Context) error {
	b, err := newBatch(ctx, r.tx, "name", r.config.BatchSize)
	if err != nil {
		return err
	}
	defer b.rollback()

	err = r.store.Names(ctx, func(n *models.Name) error {
		key, err := r.verbatimKey(n.VerbatimKey)
		if err != nil {
			return err
		}
		row := *n
		row.VerbatimKey = key
		if err := r.writer.InsertName(b.ctx, r.datasetKey, &row); err != nil {
			return err
		}
		return b.add()
	})
	if err != nil {
		return err
	}
	return b.close()
}

func (r *load) insertNameRelations(ctx context.Context) error {
	b, err := newBatch(ctx, r.tx, "name_rel", r.config.BatchSize)
	if err != nil {
		return err
	}
	defer b.rollback()

	skipped := 0
	err = r.store.NameRelations(ctx, func(rel *models.NameRelation) error {
		if !rel.Type.IsNomenclatural() {
			skipped++
			return nil
		}
		key, err := r.verbatimKey(rel.VerbatimKey)
		if err != nil {
			return err
		}
		row := *rel
		row.VerbatimKey = key
		if err := r.writer.InsertNameRelation(b.ctx, r.datasetKey, &row); err != nil {
			return err
		}
		return b.add()
	})
	if err != nil {
		return err
	}
	if skipped > 0 {
		r.logger.WithContext(ctx).Debugf("Skipped %d taxon concept relations", skipped)
	}
	return b.close()
}

func (r *load) insertUsages(ctx context.Context) error {
	b, err := newBatch(ctx, r.tx, "name_usage", r.config.BatchSize)
	if err != nil {
		return err
	}
	defer b.rollback()

	h := &usageHandler{load: r, batch: b, inserted: make(map[string]bool)}
	if err := r.store.WalkTree(ctx, h); err != nil {
		return err
	}
	r.usages = h.count
	return b.close()
}

// usageHandler inserts usages in tree order. The ids of accepted ancestors
// are kept on an explicit stack.
type usageHandler struct {
	*load
	batch    *batch
	parents  []string
	inserted map[string]bool
	count    int
}

func (h *usageHandler) Start(_ context.Context, node *staging.Node) error {
	ctx := h.batch.ctx
	u := node.Usage

	if node.Root {
		u.ParentID = nil
		if u.IsSynonym() {
			return fmt.Errorf("synonym %s: %w", u.ID, ErrMissingParent)
		}
	} else {
		if len(h.parents) == 0 {
			return fmt.Errorf("usage %s: %w", u.ID, ErrMissingParent)
		}
		parent := h.parents[len(h.parents)-1]
		u.ParentID = &parent
	}

	// a pro parte synonym is stored once per accepted parent
	if u.IsSynonym() && h.inserted[u.ID] {
		u.ID = u.ID + "-" + uuid.NewString()
	}

	var err error
	if u.VerbatimKey, err = h.verbatimKey(node.Usage.VerbatimKey); err != nil {
		return err
	}
	if err := h.writer.InsertUsage(ctx, h.datasetKey, &u); err != nil {
		return err
	}
	h.inserted[node.Usage.ID] = true
	h.count++
	if err := h.batch.add(); err != nil {
		return err
	}

	if u.IsSynonym() {
		return nil
	}

	h.parents = append(h.parents, u.ID)
	return h.insertTaxonEntities(node, u.ID)
}

func (h *usageHandler) End(_ context.Context, node *staging.Node) error {
	if node.Usage.IsSynonym() {
		return nil
	}
	h.parents = h.parents[:len(h.parents)-1]
	return nil
}

// insertTaxonEntities writes the entities nested under an accepted taxon.
func (h *usageHandler) insertTaxonEntities(node *staging.Node, taxonID string) error {
	var err error

	for _, v := range node.Vernaculars {
		if v.VerbatimKey, err = h.verbatimKey(v.VerbatimKey); err != nil {
			return err
		}
		if err := h.writer.InsertVernacular(h.batch.ctx, h.datasetKey, taxonID, &v); err != nil {
			return err
		}
		if err := h.batch.add(); err != nil {
			return err
		}
	}

	for _, d := range node.Distributions {
		if d.VerbatimKey, err = h.verbatimKey(d.VerbatimKey); err != nil {
			return err
		}
		if err := h.writer.InsertDistribution(h.batch.ctx, h.datasetKey, taxonID, &d); err != nil {
			return err
		}
		if err := h.batch.add(); err != nil {
			return err
		}
	}

	for _, d := range node.Descriptions {
		if d.VerbatimKey, err = h.verbatimKey(d.VerbatimKey); err != nil {
			return err
		}
		if err := h.writer.InsertDescription(h.batch.ctx, h.datasetKey, taxonID, &d); err != nil {
			return err
		}
		if err := h.batch.add(); err != nil {
			return err
		}
	}

	for _, m := range node.Media {
		if m.VerbatimKey, err = h.verbatimKey(m.VerbatimKey); err != nil {
			return err
		}
		if err := h.writer.InsertMedia(h.batch.ctx, h.datasetKey, taxonID, &m); err != nil {
			return err
		}
		if err := h.batch.add(); err != nil {
			return err
		}
	}

	for _, refID := range node.ReferenceIDs {
		if err := h.writer.InsertTaxonReference(h.batch.ctx, h.datasetKey, taxonID, refID); err != nil {
			return err
		}
		if err := h.batch.add(); err != nil {
			return err
		}
	}
	return nil
}
