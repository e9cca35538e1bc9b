package importer

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ListImports pages over running imports, then queued ones, then the
// historical attempts of the store. Live entries always come first.
func (m *Manager) ListImports(ctx context.Context, datasetKey *int, states []models.ImportState, page models.Page) (models.ResultPage[models.DatasetImport], error) {
	ctx, span := tracing.StartSpan(ctx, "Manager.ListImports")
	defer span.End()

	live := m.live(datasetKey, states)

	finished := finishedStates(states)
	var historical models.ResultPage[models.DatasetImport]
	if len(states) > 0 && len(finished) == 0 {
		historical = models.NewResultPage[models.DatasetImport](page, 0, nil)
	} else {
		histPage := models.Page{}
		if len(live) < page.LimitWithOffset() {
			histPage.Offset = max(0, page.Offset-len(live))
			histPage.Limit = min(page.Limit, page.LimitWithOffset()-len(live))
		}

		var err error
		historical, err = m.deps.Imports.List(ctx, datasetKey, finished, histPage)
		if err != nil {
			tracing.RecordError(span, err)
			return models.ResultPage[models.DatasetImport]{}, err
		}
	}

	result := live
	if page.Offset < len(result) {
		result = result[page.Offset:]
	} else {
		result = nil
	}
	result = append(result, historical.Result...)
	if len(result) > page.Limit {
		result = result[:page.Limit]
	}

	return models.NewResultPage(page, historical.Total+len(live), result), nil
}

// live lists running imports by start time followed by queued ones in
// execution order.
func (m *Manager) live(datasetKey *int, states []models.ImportState) []models.DatasetImport {
	m.mu.Lock()
	var running []models.DatasetImport
	for _, h := range m.inflight {
		if di := h.job.DatasetImport(); di != nil && di.State.IsRunning() {
			running = append(running, *di)
		}
	}
	queued := m.queuedJobs()
	m.mu.Unlock()

	sort.Slice(running, func(i, j int) bool {
		return startedBefore(running[i].Started, running[j].Started)
	})

	all := running
	for _, job := range queued {
		all = append(all, queuedImport(job))
	}

	keep := all[:0]
	for _, di := range all {
		if datasetKey != nil && di.DatasetKey != *datasetKey {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, di.State) {
			continue
		}
		keep = append(keep, di)
	}
	return keep
}

// queuedImport describes a job waiting for a worker. Its attempt is not
// known before the job opens its record.
func queuedImport(job *Job) models.DatasetImport {
	if di := job.DatasetImport(); di != nil {
		di.State = models.ImportStateWaiting
		return *di
	}
	req := job.Request()
	return models.DatasetImport{
		DatasetKey:  job.dataset.Key,
		Attempt:     -1,
		State:       models.ImportStateWaiting,
		Origin:      job.dataset.Origin,
		Format:      job.dataset.DataFormat,
		DownloadURI: job.dataset.DataAccess,
		CreatedBy:   req.CreatedBy,
	}
}

func startedBefore(a, b *time.Time) bool {
	if a == nil || b == nil {
		return b == nil && a != nil
	}
	return a.Before(*b)
}

func finishedStates(states []models.ImportState) []models.ImportState {
	if len(states) == 0 {
		return models.FinishedStates()
	}
	var finished []models.ImportState
	for _, s := range states {
		if s.IsFinished() {
			finished = append(finished, s)
		}
	}
	return finished
}
