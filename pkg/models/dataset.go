package models

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
)

// DatasetOrigin describes where the data of a dataset comes from.
type DatasetOrigin string

const (
	// DatasetOriginExternal datasets are downloaded from their data access URL.
	DatasetOriginExternal DatasetOrigin = "EXTERNAL"
	// DatasetOriginUploaded datasets receive their archive through an upload.
	DatasetOriginUploaded DatasetOrigin = "UPLOADED"
	// DatasetOriginManaged datasets are curated in place and never imported.
	DatasetOriginManaged DatasetOrigin = "MANAGED"
	// DatasetOriginReleased datasets are releases of a managed project.
	DatasetOriginReleased DatasetOrigin = "RELEASED"
)

// DataFormat is the archive format of an imported dataset.
type DataFormat string

const (
	DataFormatColDP DataFormat = "COLDP"
	DataFormatDwcA  DataFormat = "DWCA"
	DataFormatACEF  DataFormat = "ACEF"
	DataFormatText  DataFormat = "TEXT_TREE"
)

// Agent is a person or organisation in dataset metadata.
type Agent struct {
	Name         string `json:"name,omitempty" yaml:"name"`
	Given        string `json:"given,omitempty" yaml:"given"`
	Family       string `json:"family,omitempty" yaml:"family"`
	Organisation string `json:"organisation,omitempty" yaml:"organisation"`
	Email        string `json:"email,omitempty" yaml:"email"`
	URL          string `json:"url,omitempty" yaml:"url"`
}

// Dataset is a registered dataset in the catalog.
type Dataset struct {
	Key             int                     `db:"key" json:"key"`
	Origin          DatasetOrigin           `db:"origin" json:"origin"`
	Title           string                  `db:"title" json:"title"`
	Alias           *string                 `db:"alias" json:"alias,omitempty"`
	Description     *string                 `db:"description" json:"description,omitempty"`
	Version         *string                 `db:"version" json:"version,omitempty"`
	License         *string                 `db:"license" json:"license,omitempty"`
	URL             *string                 `db:"url" json:"url,omitempty"`
	Released        *time.Time              `db:"released" json:"released,omitempty"`
	Contact         database.JSONB[*Agent]  `db:"contact" json:"contact"`
	Organisations   database.JSONB[[]Agent] `db:"organisations" json:"organisations"`
	DataAccess      *string                 `db:"data_access" json:"data_access,omitempty"`
	DataFormat      *DataFormat             `db:"data_format" json:"data_format,omitempty"`
	Code            *string                 `db:"code" json:"code,omitempty"`
	ImportFrequency *int                    `db:"import_frequency" json:"import_frequency,omitempty"`
	LockMetadata    bool                    `db:"lock_metadata" json:"lock_metadata"`
	Attempt         *int                    `db:"attempt" json:"attempt,omitempty"`
	Deleted         *time.Time              `db:"deleted" json:"deleted,omitempty"`
	CreatedBy       int                     `db:"created_by" json:"created_by"`
	ModifiedBy      int                     `db:"modified_by" json:"modified_by"`
	CreatedAt       time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time               `db:"updated_at" json:"updated_at"`
}

func (Dataset) TableName() string {
	return "dataset"
}

func (d *Dataset) IsDeleted() bool {
	return d.Deleted != nil
}

// DatasetMetadata is the descriptive metadata shipped inside an archive.
type DatasetMetadata struct {
	Title         string     `json:"title,omitempty" yaml:"title"`
	Alias         string     `json:"alias,omitempty" yaml:"alias"`
	Description   string     `json:"description,omitempty" yaml:"description"`
	Version       string     `json:"version,omitempty" yaml:"version"`
	License       string     `json:"license,omitempty" yaml:"license"`
	URL           string     `json:"url,omitempty" yaml:"url"`
	Released      *time.Time `json:"released,omitempty" yaml:"issued"`
	Contact       *Agent     `json:"contact,omitempty" yaml:"contact"`
	Organisations []Agent    `json:"organisations,omitempty" yaml:"creator"`
}

// ApplyMetadata merges archive metadata into the dataset. Empty values never
// overwrite what the dataset already has.
func (d *Dataset) ApplyMetadata(md DatasetMetadata) {
	if md.Title != "" {
		d.Title = md.Title
	}
	setIfNotEmpty(&d.Alias, md.Alias)
	setIfNotEmpty(&d.Description, md.Description)
	setIfNotEmpty(&d.Version, md.Version)
	setIfNotEmpty(&d.License, md.License)
	setIfNotEmpty(&d.URL, md.URL)
	if md.Released != nil {
		d.Released = md.Released
	}
	if md.Contact != nil {
		d.Contact = database.NewJSONB(md.Contact)
	}
	if len(md.Organisations) > 0 {
		d.Organisations = database.NewJSONB(md.Organisations)
	}
}

func setIfNotEmpty(target **string, value string) {
	if value == "" {
		return
	}
	v := value
	*target = &v
}
