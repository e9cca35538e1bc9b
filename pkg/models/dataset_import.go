package models

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// Counts holds a breakdown of entity counts keyed by rank, type, issue and similar.
type Counts map[string]int

// ImportMetrics are the entity counts and breakdowns gathered after an insert.
type ImportMetrics struct {
	VerbatimCount       int                               `db:"verbatim_count" json:"verbatim_count"`
	ReferenceCount      int                               `db:"reference_count" json:"reference_count"`
	NameCount           int                               `db:"name_count" json:"name_count"`
	NameRelationCount   int                               `db:"name_relation_count" json:"name_relation_count"`
	TaxonCount          int                               `db:"taxon_count" json:"taxon_count"`
	SynonymCount        int                               `db:"synonym_count" json:"synonym_count"`
	VernacularCount     int                               `db:"vernacular_count" json:"vernacular_count"`
	DistributionCount   int                               `db:"distribution_count" json:"distribution_count"`
	TreatmentCount      int                               `db:"treatment_count" json:"treatment_count"`
	MediaCount          int                               `db:"media_count" json:"media_count"`
	IssuesCount         database.JSONB[Counts]            `db:"issues_count" json:"issues_count"`
	NamesByRankCount    database.JSONB[Counts]            `db:"names_by_rank_count" json:"names_by_rank_count"`
	TaxaByRankCount     database.JSONB[Counts]            `db:"taxa_by_rank_count" json:"taxa_by_rank_count"`
	NameRelationsCount  database.JSONB[Counts]            `db:"name_relations_by_type_count" json:"name_relations_by_type_count"`
	VerbatimByTypeCount database.JSONB[Counts]            `db:"verbatim_by_type_count" json:"verbatim_by_type_count"`
	VerbatimByTermCount database.JSONB[map[string]Counts] `db:"verbatim_by_term_count" json:"verbatim_by_term_count"`
	UsagesByStatusCount database.JSONB[Counts]            `db:"usages_by_status_count" json:"usages_by_status_count"`
}

// DatasetImport is the audit record of one import attempt.
type DatasetImport struct {
	DatasetKey  int           `db:"dataset_key" json:"dataset_key"`
	Attempt     int           `db:"attempt" json:"attempt"`
	State       ImportState   `db:"state" json:"state"`
	Origin      DatasetOrigin `db:"origin" json:"origin"`
	Format      *DataFormat   `db:"format" json:"format,omitempty"`
	DownloadURI *string       `db:"download_uri" json:"download_uri,omitempty"`
	Download    *time.Time    `db:"download" json:"download,omitempty"`
	MD5         *string       `db:"md5" json:"md5,omitempty"`
	Started     *time.Time    `db:"started" json:"started,omitempty"`
	Finished    *time.Time    `db:"finished" json:"finished,omitempty"`
	Error       *string       `db:"error" json:"error,omitempty"`
	CreatedBy   int           `db:"created_by" json:"created_by"`
	ImportMetrics
}

func (DatasetImport) TableName() string {
	return "dataset_import"
}

// Clone returns a copy that shares no pointers with the receiver.
func (d DatasetImport) Clone() DatasetImport {
	c := d
	c.Format = clonePtr(d.Format)
	c.DownloadURI = clonePtr(d.DownloadURI)
	c.Download = clonePtr(d.Download)
	c.MD5 = clonePtr(d.MD5)
	c.Started = clonePtr(d.Started)
	c.Finished = clonePtr(d.Finished)
	c.Error = clonePtr(d.Error)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
