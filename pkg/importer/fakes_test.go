package importer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/staging"
)

var archiveContent = []byte("ID\tscientificName\n1\tAbies alba\n")

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func checksum(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

type fakeDatasets struct {
	mu         sync.Mutex
	datasets   map[int]*models.Dataset
	released   map[int]time.Time
	lastImport map[int]int
}

func (f *fakeDatasets) Get(_ context.Context, key int) (*models.Dataset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.datasets[key]
	if !ok {
		return nil, repositories.NotFound("dataset %d not found", key)
	}
	c := *d
	return &c, nil
}

func (f *fakeDatasets) UpdateReleased(_ context.Context, key int, released time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[key] = released
	return nil
}

func (f *fakeDatasets) UpdateLastImport(_ context.Context, key, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastImport[key] = attempt
	return nil
}

type fakeImports struct {
	mu          sync.Mutex
	attempts    map[int]int
	created     map[int]int
	latest      map[int]models.DatasetImport
	metrics     map[int]models.ImportMetrics
	lastSuccess map[int]*models.DatasetImport
	interrupted []models.DatasetImport
	cancelled   []models.DatasetImport
	createErr   error

	listPages  []models.Page
	listStates [][]models.ImportState
	listTotal  int
	listResult []models.DatasetImport
}

func (f *fakeImports) CreateWaiting(ctx context.Context, dataset *models.Dataset, createdBy int) (*models.DatasetImport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.attempts[dataset.Key]++
	f.created[dataset.Key]++
	return &models.DatasetImport{
		DatasetKey:  dataset.Key,
		Attempt:     f.attempts[dataset.Key],
		State:       models.ImportStateWaiting,
		Origin:      dataset.Origin,
		DownloadURI: dataset.DataAccess,
		CreatedBy:   createdBy,
	}, nil
}

func (f *fakeImports) Update(_ context.Context, di *models.DatasetImport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[di.DatasetKey] = di.Clone()
	if di.State == models.ImportStateCancelled {
		f.cancelled = append(f.cancelled, di.Clone())
	}
	return nil
}

func (f *fakeImports) UpdateMetrics(_ context.Context, datasetKey, _ int, metrics models.ImportMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics[datasetKey] = metrics
	return nil
}

func (f *fakeImports) GetLastSuccess(_ context.Context, datasetKey int) (*models.DatasetImport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSuccess[datasetKey], nil
}

func (f *fakeImports) ListByStates(_ context.Context, states ...models.ImportState) ([]models.DatasetImport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DatasetImport
	for _, di := range f.interrupted {
		for _, s := range states {
			if di.State == s {
				out = append(out, di)
			}
		}
	}
	return out, nil
}

func (f *fakeImports) List(_ context.Context, _ *int, states []models.ImportState, page models.Page) (models.ResultPage[models.DatasetImport], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listPages = append(f.listPages, page)
	f.listStates = append(f.listStates, states)

	var result []models.DatasetImport
	if page.Limit > 0 {
		end := min(len(f.listResult), page.Offset+page.Limit)
		if page.Offset < end {
			result = f.listResult[page.Offset:end]
		}
	}
	return models.NewResultPage(page, f.listTotal, result), nil
}

func (f *fakeImports) last(key int) models.DatasetImport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[key]
}

func (f *fakeImports) createdCount(key int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[key]
}

type fakePartitions struct {
	mu      sync.Mutex
	deleted []int
}

func (f *fakePartitions) Delete(_ context.Context, datasetKey int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, datasetKey)
	return nil
}

type fakeDownloader struct {
	mu       sync.Mutex
	content  []byte
	modified time.Time
	calls    int
	// gate blocks downloads until closed or the job is cancelled
	gate    chan struct{}
	entered chan struct{}
	err     error
}

func (f *fakeDownloader) DownloadIfModified(ctx context.Context, _, dest string) (bool, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.mu.Unlock()

	select {
	case f.entered <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}
	return true, os.WriteFile(dest, f.content, 0o644)
}

func (f *fakeDownloader) LastModified(path string) (time.Time, bool) {
	if _, err := os.Stat(path); err != nil {
		return time.Time{}, false
	}
	return f.modified, true
}

func (f *fakeDownloader) block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeDownloader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNormalizer struct {
	err error
}

func (f *fakeNormalizer) Normalize(_ context.Context, store staging.Writer, sourceDir string, dataset *models.Dataset) error {
	if f.err != nil {
		return f.err
	}
	if _, err := os.Stat(sourceDir); err != nil {
		return err
	}
	store.AddUsage(models.NameUsage{ID: "1", NameID: "1", Status: models.StatusAccepted})
	return nil
}

type fakeLoader struct {
	mu    sync.Mutex
	calls []int
	err   error
	// gate, when set, holds Load until closed regardless of cancellation.
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeLoader) Load(_ context.Context, dataset *models.Dataset, _ staging.Store) error {
	f.mu.Lock()
	f.calls = append(f.calls, dataset.Key)
	gate, entered, err := f.gate, f.entered, f.err
	f.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	return err
}

func (f *fakeLoader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMetricsBuilder struct{}

func (fakeMetricsBuilder) Build(context.Context, int) (models.ImportMetrics, error) {
	return models.ImportMetrics{NameCount: 1, TaxonCount: 1}, nil
}

type fakeIndexer struct {
	mu        sync.Mutex
	indexed   []int
	rematched []int
	err       error
}

func (f *fakeIndexer) IndexDataset(_ context.Context, datasetKey int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, datasetKey)
	return f.err
}

func (f *fakeIndexer) MatchDataset(_ context.Context, datasetKey int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rematched = append(f.rematched, datasetKey)
	return nil
}

type fakeSectors struct {
	locked map[int]int
}

func (f *fakeSectors) IsDatasetLocked(_ context.Context, datasetKey int) (*int, error) {
	if sector, ok := f.locked[datasetKey]; ok {
		return &sector, nil
	}
	return nil, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	states map[int][]models.ImportState
}

func (f *fakeEvents) PublishImportEvent(_ context.Context, di *models.DatasetImport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[di.DatasetKey] = append(f.states[di.DatasetKey], di.State)
	return nil
}

func (f *fakeEvents) of(key int) []models.ImportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ImportState(nil), f.states[key]...)
}

func (f *fakeEvents) lastState(key int) models.ImportState {
	states := f.of(key)
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

type fixture struct {
	datasets *fakeDatasets
	imports    *fakeImports
	partitions *fakePartitions
	downloader *fakeDownloader
	normalizer *fakeNormalizer
	loader     *fakeLoader
	indexer    *fakeIndexer
	sectors    *fakeSectors
	events     *fakeEvents
	config     Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return &fixture{
		datasets: &fakeDatasets{
			datasets:   make(map[int]*models.Dataset),
			released:   make(map[int]time.Time),
			lastImport: make(map[int]int),
		},
		imports: &fakeImports{
			attempts:    make(map[int]int),
			created:     make(map[int]int),
			latest:      make(map[int]models.DatasetImport),
			metrics:     make(map[int]models.ImportMetrics),
			lastSuccess: make(map[int]*models.DatasetImport),
		},
		partitions: &fakePartitions{},
		downloader: &fakeDownloader{
			content:  archiveContent,
			modified: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			entered:  make(chan struct{}, 16),
		},
		normalizer: &fakeNormalizer{},
		loader:     &fakeLoader{},
		indexer:    &fakeIndexer{},
		sectors:    &fakeSectors{locked: make(map[int]int)},
		events:     &fakeEvents{states: make(map[int][]models.ImportState)},
		config: Config{
			Threads:      1,
			MaxQueue:     10,
			ScratchDir:   filepath.Join(dir, "scratch"),
			ArchiveDir:   filepath.Join(dir, "archives"),
			CatalogueKey: 3,
			UserKey:      99,
		},
	}
}

func (f *fixture) deps() Dependencies {
	return Dependencies{
		Datasets:    f.datasets,
		Imports:     f.imports,
		Partitions:  f.partitions,
		Downloader:  f.downloader,
		Normalizer:  f.normalizer,
		Loader:      f.loader,
		Metrics:     fakeMetricsBuilder{},
		Indexer:     f.indexer,
		Rematcher:   f.indexer,
		SectorLocks: f.sectors,
		Events:      f.events,
	}
}

func (f *fixture) external(key int) *models.Dataset {
	url := fmt.Sprintf("https://example.org/datasets/%d.zip", key)
	d := &models.Dataset{Key: key, Origin: models.DatasetOriginExternal, Title: fmt.Sprintf("Dataset %d", key), DataAccess: &url}
	f.datasets.datasets[key] = d
	return d
}

func (f *fixture) uploaded(t *testing.T, key int) *models.Dataset {
	t.Helper()
	d := &models.Dataset{Key: key, Origin: models.DatasetOriginUploaded, Title: fmt.Sprintf("Dataset %d", key)}
	f.datasets.datasets[key] = d
	path := f.config.ArchivePath(key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, archiveContent, 0o644))
	return d
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(f.deps(), f.config, testLogger())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
	})
	return m
}

type outcome struct {
	mu        sync.Mutex
	successes int
	failures  []error
}

func (o *outcome) success(context.Context, *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.successes++
}

func (o *outcome) failure(_ context.Context, _ *Job, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

func (o *outcome) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.successes, len(o.failures)
}

func (f *fixture) job(t *testing.T, req *models.ImportRequest, dataset *models.Dataset) (*Job, *outcome) {
	t.Helper()
	out := &outcome{}
	j, err := newJob(req, dataset, f.deps().withDefaults(), f.config.withDefaults(), testLogger(), out.success, out.failure)
	require.NoError(t, err)
	return j, out
}
