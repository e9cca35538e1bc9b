package importer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

const waitFor = 2 * time.Second

func requireRejected(t *testing.T, err error, reason Reason) {
	t.Helper()
	rerr, ok := IsRejected(err)
	require.True(t, ok, "expected rejection %s, got %v", reason, err)
	assert.Equal(t, reason, rerr.Reason)
}

// occupyWorker submits an import that holds the only worker until the
// manager stops.
func occupyWorker(t *testing.T, f *fixture, m *Manager, key int) {
	t.Helper()
	f.external(key)
	f.downloader.block()
	_, err := m.Submit(context.Background(), models.NewImportRequest(key, 1, false, false, false))
	require.NoError(t, err)
	select {
	case <-f.downloader.entered:
	case <-time.After(waitFor):
		t.Fatal("import never started")
	}
}

func TestManagerRunsSubmittedImport(t *testing.T) {
	f := newFixture(t)
	f.external(1)
	m := f.manager(t)

	req, err := m.Submit(context.Background(), models.NewImportRequest(1, 7, false, false, false))
	require.NoError(t, err)
	assert.Equal(t, 1, req.DatasetKey)

	require.Eventually(t, func() bool {
		return f.events.lastState(1) == models.ImportStateFinished && !m.HasRunning()
	}, waitFor, 5*time.Millisecond)
	assert.False(t, m.IsRunning(1))
	assert.True(t, m.HasEmptyQueue())
}

func TestManagerRejectsInvalidDatasets(t *testing.T) {
	f := newFixture(t)
	deleted := time.Now()
	f.datasets.datasets[20] = &models.Dataset{Key: 20, Origin: models.DatasetOriginExternal, Deleted: &deleted}
	f.datasets.datasets[21] = &models.Dataset{Key: 21, Origin: models.DatasetOriginManaged}
	f.datasets.datasets[22] = &models.Dataset{Key: 22, Origin: models.DatasetOriginExternal}
	f.datasets.datasets[23] = &models.Dataset{Key: 23, Origin: models.DatasetOriginUploaded}
	f.external(24)
	f.sectors.locked[24] = 42
	m := f.manager(t)

	tests := []struct {
		key    int
		reason Reason
	}{
		{3, ReasonAssembledCatalogue},
		{404, ReasonNotFound},
		{20, ReasonDeleted},
		{21, ReasonManaged},
		{22, ReasonMissingAccessURL},
		{23, ReasonMissingArchive},
		{24, ReasonLockedBySync},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			_, err := m.Submit(context.Background(), models.NewImportRequest(tt.key, 1, false, false, false))
			requireRejected(t, err, tt.reason)
			assert.False(t, m.IsRunning(tt.key))
		})
	}

	_, err := m.Submit(context.Background(), models.NewImportRequest(24, 1, false, false, false))
	rerr, _ := IsRejected(err)
	require.NotNil(t, rerr.SectorKey)
	assert.Equal(t, 42, *rerr.SectorKey)
}

func TestManagerDedupsAndPrioritises(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	occupyWorker(t, f, m, 1)

	for _, key := range []int{2, 4, 5} {
		f.external(key)
	}
	ctx := context.Background()
	_, err := m.Submit(ctx, models.NewImportRequest(2, 1, false, false, false))
	require.NoError(t, err)
	_, err = m.Submit(ctx, models.NewImportRequest(4, 1, false, false, false))
	require.NoError(t, err)
	_, err = m.Submit(ctx, models.NewImportRequest(5, 1, false, true, false))
	require.NoError(t, err)

	_, err = m.Submit(ctx, models.NewImportRequest(2, 1, true, false, false))
	requireRejected(t, err, ReasonAlreadyQueued)
	_, err = m.Submit(ctx, models.NewImportRequest(1, 1, false, true, false))
	requireRejected(t, err, ReasonAlreadyQueued)

	keys := func() []int {
		var out []int
		for _, r := range m.Queue() {
			out = append(out, r.DatasetKey)
		}
		return out
	}
	assert.Equal(t, []int{5, 2, 4}, keys())

	// a priority request replaces the queued one
	_, err = m.Submit(ctx, models.NewImportRequest(4, 9, true, true, false))
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 2}, keys())
	assert.Equal(t, 3, m.QueueSize())

	queue := m.Queue()
	assert.True(t, queue[1].Priority)
	assert.True(t, queue[1].Force)
	assert.Equal(t, 9, queue[1].CreatedBy)
}

func TestManagerQueueFull(t *testing.T) {
	f := newFixture(t)
	f.config.MaxQueue = 2
	m := f.manager(t)
	occupyWorker(t, f, m, 1)

	ctx := context.Background()
	for _, key := range []int{2, 4} {
		f.external(key)
		_, err := m.Submit(ctx, models.NewImportRequest(key, 1, false, false, false))
		require.NoError(t, err)
	}

	f.external(5)
	_, err := m.Submit(ctx, models.NewImportRequest(5, 1, false, false, false))
	requireRejected(t, err, ReasonQueueFull)
	assert.Equal(t, 2, m.QueueSize())
	assert.False(t, m.IsRunning(5))
}

func TestManagerCancel(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	occupyWorker(t, f, m, 1)

	ctx := context.Background()
	f.external(2)
	_, err := m.Submit(ctx, models.NewImportRequest(2, 1, false, false, false))
	require.NoError(t, err)

	m.Cancel(ctx, 2, 7)
	m.Cancel(ctx, 2, 7)
	assert.Equal(t, 0, m.QueueSize())
	assert.False(t, m.IsRunning(2))

	m.Cancel(ctx, 1, 7)
	require.Eventually(t, func() bool {
		return f.imports.last(1).State == models.ImportStateCancelled
	}, waitFor, 5*time.Millisecond)
	assert.False(t, m.IsRunning(1))
	assert.Equal(t, 0, f.imports.createdCount(2), "a cancelled queued import never opens an attempt")

	// the dataset can be submitted again right away
	_, err = m.Submit(ctx, models.NewImportRequest(2, 1, false, false, false))
	require.NoError(t, err)
}

func TestManagerListImports(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	occupyWorker(t, f, m, 1)

	ctx := context.Background()
	for _, key := range []int{2, 4} {
		f.external(key)
		_, err := m.Submit(ctx, models.NewImportRequest(key, 1, false, false, false))
		require.NoError(t, err)
	}
	for i := 0; i < 20; i++ {
		f.imports.listResult = append(f.imports.listResult, models.DatasetImport{DatasetKey: 100 + i, Attempt: 1, State: models.ImportStateFinished})
	}
	f.imports.listTotal = 20

	t.Run("live entries fill the page", func(t *testing.T) {
		page, err := m.ListImports(ctx, nil, nil, models.NewPage(0, 2))
		require.NoError(t, err)
		require.Len(t, page.Result, 2)
		assert.Equal(t, 1, page.Result[0].DatasetKey)
		assert.Equal(t, models.ImportStateDownloading, page.Result[0].State)
		assert.Equal(t, 2, page.Result[1].DatasetKey)
		assert.Equal(t, models.ImportStateWaiting, page.Result[1].State)
		assert.Equal(t, -1, page.Result[1].Attempt)
		assert.Equal(t, 23, page.Total)
		assert.Equal(t, models.Page{}, f.imports.listPages[len(f.imports.listPages)-1], "historical query only counts")
	})

	t.Run("historical entries follow live ones", func(t *testing.T) {
		page, err := m.ListImports(ctx, nil, nil, models.NewPage(2, 4))
		require.NoError(t, err)
		assert.Equal(t, models.Page{Offset: 0, Limit: 3}, f.imports.listPages[len(f.imports.listPages)-1])
		require.Len(t, page.Result, 4)
		assert.Equal(t, 4, page.Result[0].DatasetKey)
		assert.Equal(t, 100, page.Result[1].DatasetKey)
		assert.Equal(t, 23, page.Total)
	})

	t.Run("offset beyond live entries", func(t *testing.T) {
		page, err := m.ListImports(ctx, nil, nil, models.NewPage(5, 3))
		require.NoError(t, err)
		assert.Equal(t, models.Page{Offset: 2, Limit: 3}, f.imports.listPages[len(f.imports.listPages)-1])
		require.Len(t, page.Result, 3)
		assert.Equal(t, 102, page.Result[0].DatasetKey)
	})

	t.Run("filter by dataset and running state", func(t *testing.T) {
		key := 1
		calls := len(f.imports.listPages)
		page, err := m.ListImports(ctx, &key, []models.ImportState{models.ImportStateDownloading}, models.NewPage(0, 10))
		require.NoError(t, err)
		require.Len(t, page.Result, 1)
		assert.Equal(t, 1, page.Total)
		assert.Equal(t, calls, len(f.imports.listPages), "no historical query without finished states")
	})

	t.Run("finished states only query history", func(t *testing.T) {
		page, err := m.ListImports(ctx, nil, []models.ImportState{models.ImportStateFinished, models.ImportStateWaiting}, models.NewPage(0, 10))
		require.NoError(t, err)
		assert.Equal(t, []models.ImportState{models.ImportStateFinished}, f.imports.listStates[len(f.imports.listStates)-1])
		assert.Equal(t, 22, page.Total)
		assert.Equal(t, models.ImportStateWaiting, page.Result[0].State)
	})
}

func TestManagerRecoversInterruptedImports(t *testing.T) {
	f := newFixture(t)
	f.uploaded(t, 1)
	f.external(2)
	f.imports.attempts[1] = 3
	f.imports.attempts[2] = 5
	f.imports.interrupted = []models.DatasetImport{
		{DatasetKey: 1, Attempt: 3, State: models.ImportStateInserting, Origin: models.DatasetOriginUploaded, CreatedBy: 7},
		{DatasetKey: 2, Attempt: 5, State: models.ImportStateDownloading, Origin: models.DatasetOriginExternal},
		{DatasetKey: 9, Attempt: 1, State: models.ImportStateFinished, Origin: models.DatasetOriginExternal},
	}

	m := f.manager(t)

	require.Eventually(t, func() bool {
		return !m.HasRunning() && f.imports.createdCount(1) == 1 && f.imports.createdCount(2) == 1
	}, waitFor, 5*time.Millisecond)

	f.imports.mu.Lock()
	cancelled := append([]models.DatasetImport(nil), f.imports.cancelled...)
	f.imports.mu.Unlock()
	require.Len(t, cancelled, 2)
	assert.Equal(t, 3, cancelled[0].Attempt)
	assert.Equal(t, 5, cancelled[1].Attempt)
	assert.NotNil(t, cancelled[0].Finished)

	assert.Equal(t, []int{1}, f.partitions.deleted)
	assert.Equal(t, 4, f.imports.last(1).Attempt)
	assert.Equal(t, models.ImportStateFinished, f.imports.last(1).State)
	assert.Equal(t, models.ImportStateFinished, f.imports.last(2).State, "recovered imports are forced")
	assert.Equal(t, 7, f.imports.last(1).CreatedBy, "recovered imports keep their creator")
	assert.Equal(t, 99, f.imports.last(2).CreatedBy, "imports without a creator fall back to the configured user")
}

func TestManagerRestartLeavesStillRunningImportAlone(t *testing.T) {
	f := newFixture(t)
	f.external(1)
	f.config.ShutdownGrace = 50 * time.Millisecond
	release := make(chan struct{})
	f.loader.gate = release
	f.loader.entered = make(chan struct{}, 1)
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.Submit(ctx, models.NewImportRequest(1, 1, false, false, false))
	require.NoError(t, err)
	select {
	case <-f.loader.entered:
	case <-time.After(waitFor):
		t.Fatal("load never started")
	}

	running := f.imports.last(1)
	require.Equal(t, models.ImportStateInserting, running.State)
	f.imports.mu.Lock()
	f.imports.interrupted = []models.DatasetImport{running}
	f.imports.mu.Unlock()

	// The load ignores cancellation, so stopping gives up after the grace
	// period and recovery still sees the record as INSERTING.
	require.NoError(t, m.Restart(ctx))
	assert.True(t, m.IsRunning(1))

	f.partitions.mu.Lock()
	deleted := append([]int(nil), f.partitions.deleted...)
	f.partitions.mu.Unlock()
	assert.Empty(t, deleted, "the partition of a running load is not dropped")
	f.imports.mu.Lock()
	cancelled := len(f.imports.cancelled)
	f.imports.mu.Unlock()
	assert.Zero(t, cancelled)
	assert.Equal(t, 1, f.imports.createdCount(1), "no second attempt is queued")

	close(release)
	require.Eventually(t, func() bool { return !m.IsRunning(1) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, f.imports.createdCount(1))
}

func TestManagerUpload(t *testing.T) {
	f := newFixture(t)
	f.external(1)
	f.datasets.datasets[2] = &models.Dataset{Key: 2, Origin: models.DatasetOriginUploaded}
	m := f.manager(t)
	ctx := context.Background()

	_, err := m.Upload(ctx, 1, bytes.NewReader(archiveContent), 7)
	requireRejected(t, err, ReasonNotUploadedOrigin)

	req, err := m.Upload(ctx, 2, bytes.NewReader(archiveContent), 7)
	require.NoError(t, err)
	assert.True(t, req.Force)
	assert.True(t, req.Priority)
	assert.True(t, req.Upload)
	assert.Equal(t, 7, req.CreatedBy)

	stored, err := os.ReadFile(f.config.ArchivePath(2))
	require.NoError(t, err)
	assert.Equal(t, archiveContent, stored)
	assert.Contains(t, f.datasets.released, 2)

	require.Eventually(t, func() bool {
		return f.events.lastState(2) == models.ImportStateFinished
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, f.downloader.callCount())

	entries, err := os.ReadDir(f.config.ArchiveDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestManagerStopAndRestart(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t)
	occupyWorker(t, f, m, 1)

	ctx := context.Background()
	f.external(2)
	_, err := m.Submit(ctx, models.NewImportRequest(2, 1, false, false, false))
	require.NoError(t, err)

	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.IsActive())
	assert.Equal(t, models.ImportStateCancelled, f.imports.last(1).State)
	assert.Equal(t, 0, f.imports.createdCount(2))
	assert.False(t, m.HasRunning())

	_, err = m.Submit(ctx, models.NewImportRequest(2, 1, false, false, false))
	assert.True(t, errors.Is(err, ErrManagerStopped))

	require.NoError(t, m.Restart(ctx))
	assert.True(t, m.IsActive())
	_, err = m.Submit(ctx, models.NewImportRequest(2, 1, false, false, false))
	require.NoError(t, err)
}
