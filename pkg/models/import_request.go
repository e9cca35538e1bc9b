package models

import "time"

// ImportRequest asks for one import of a dataset. Requests are identified by
// their dataset key alone.
type ImportRequest struct {
	DatasetKey int        `json:"dataset_key"`
	CreatedBy  int        `json:"created_by"`
	Force      bool       `json:"force"`
	Priority   bool       `json:"priority"`
	Upload     bool       `json:"upload"`
	Created    time.Time  `json:"created"`
	Started    *time.Time `json:"started,omitempty"`
}

func NewImportRequest(datasetKey, createdBy int, force, priority, upload bool) *ImportRequest {
	return &ImportRequest{
		DatasetKey: datasetKey,
		CreatedBy:  createdBy,
		Force:      force,
		Priority:   priority,
		Upload:     upload,
		Created:    time.Now().UTC(),
	}
}

// Start stamps the request as started.
func (r *ImportRequest) Start() {
	now := time.Now().UTC()
	r.Started = &now
}

func (r *ImportRequest) Equal(other *ImportRequest) bool {
	return other != nil && r.DatasetKey == other.DatasetKey
}
