package models

import "strings"

// VerbatimRecord is one raw row of a source file. Key is the staging key until
// the record is persisted.
type VerbatimRecord struct {
	Key    int               `db:"id" json:"key"`
	File   string            `db:"file" json:"file"`
	Line   int64             `db:"line" json:"line"`
	Type   string            `db:"type" json:"type"`
	Terms  map[string]string `db:"-" json:"terms"`
	Issues []string          `db:"-" json:"issues,omitempty"`
}

// Reference is a bibliographic citation.
type Reference struct {
	ID          string  `db:"id" json:"id"`
	Citation    string  `db:"citation" json:"citation"`
	Title       *string `db:"title" json:"title,omitempty"`
	Year        *int    `db:"year" json:"year,omitempty"`
	VerbatimKey *int    `db:"verbatim_key" json:"verbatim_key,omitempty"`
}

// Name is a scientific name independent of its taxonomic placement.
type Name struct {
	ID                   string  `db:"id" json:"id"`
	ScientificName       string  `db:"scientific_name" json:"scientific_name"`
	Authorship           *string `db:"authorship" json:"authorship,omitempty"`
	Rank                 string  `db:"rank" json:"rank"`
	Uninomial            *string `db:"uninomial" json:"uninomial,omitempty"`
	Genus                *string `db:"genus" json:"genus,omitempty"`
	SpecificEpithet      *string `db:"specific_epithet" json:"specific_epithet,omitempty"`
	InfraspecificEpithet *string `db:"infraspecific_epithet" json:"infraspecific_epithet,omitempty"`
	Code                 *string `db:"code" json:"code,omitempty"`
	NomStatus            *string `db:"nom_status" json:"nom_status,omitempty"`
	PublishedInID        *string `db:"published_in_id" json:"published_in_id,omitempty"`
	VerbatimKey          *int    `db:"verbatim_key" json:"verbatim_key,omitempty"`
}

// NameRelationType classifies a relation between two names.
type NameRelationType string

const (
	NameRelationSpellingCorrection NameRelationType = "SPELLING_CORRECTION"
	NameRelationBasionym           NameRelationType = "BASIONYM"
	NameRelationBasedOn            NameRelationType = "BASED_ON"
	NameRelationReplacementName    NameRelationType = "REPLACEMENT_NAME"
	NameRelationConserved          NameRelationType = "CONSERVED"
	NameRelationLaterHomonym       NameRelationType = "LATER_HOMONYM"
	NameRelationSuperfluous        NameRelationType = "SUPERFLUOUS"
	NameRelationHomotypic          NameRelationType = "HOMOTYPIC"
	NameRelationTypification       NameRelationType = "TYPE"

	// taxon concept relations, not stored as name relations
	NameRelationEquals     NameRelationType = "EQUALS"
	NameRelationIncludes   NameRelationType = "INCLUDES"
	NameRelationIncludedIn NameRelationType = "INCLUDED_IN"
	NameRelationOverlaps   NameRelationType = "OVERLAPS"
	NameRelationExcludes   NameRelationType = "EXCLUDES"
)

// IsNomenclatural reports whether the type is a true nomenclatural relation
// rather than a taxon concept relation.
func (t NameRelationType) IsNomenclatural() bool {
	switch t {
	case NameRelationSpellingCorrection, NameRelationBasionym, NameRelationBasedOn,
		NameRelationReplacementName, NameRelationConserved, NameRelationLaterHomonym,
		NameRelationSuperfluous, NameRelationHomotypic, NameRelationTypification:
		return true
	}
	return false
}

// NameRelation links two names.
type NameRelation struct {
	NameID        string           `db:"name_id" json:"name_id"`
	RelatedNameID string           `db:"related_name_id" json:"related_name_id"`
	Type          NameRelationType `db:"type" json:"type"`
	ReferenceID   *string          `db:"reference_id" json:"reference_id,omitempty"`
	Remarks       *string          `db:"remarks" json:"remarks,omitempty"`
	VerbatimKey   *int             `db:"verbatim_key" json:"verbatim_key,omitempty"`
}

// TaxonomicStatus of a name usage.
type TaxonomicStatus string

const (
	StatusAccepted              TaxonomicStatus = "ACCEPTED"
	StatusProvisionallyAccepted TaxonomicStatus = "PROVISIONALLY_ACCEPTED"
	StatusSynonym               TaxonomicStatus = "SYNONYM"
	StatusAmbiguousSynonym      TaxonomicStatus = "AMBIGUOUS_SYNONYM"
	StatusMisapplied            TaxonomicStatus = "MISAPPLIED"
)

func (s TaxonomicStatus) IsSynonym() bool {
	switch s {
	case StatusSynonym, StatusAmbiguousSynonym, StatusMisapplied:
		return true
	}
	return false
}

// ParseTaxonomicStatus reads a status case-insensitively, with spaces standing
// in for underscores. Empty values are accepted; unknown ones are reported as
// not ok and default to accepted.
func ParseTaxonomicStatus(value string) (TaxonomicStatus, bool) {
	if value = strings.TrimSpace(value); value == "" {
		return StatusAccepted, true
	}
	status := TaxonomicStatus(strings.ToUpper(strings.ReplaceAll(value, " ", "_")))
	switch status {
	case StatusAccepted, StatusProvisionallyAccepted, StatusSynonym, StatusAmbiguousSynonym, StatusMisapplied:
		return status, true
	}
	return StatusAccepted, false
}

// NameUsage places a name in the taxonomy, either as a taxon or a synonym.
type NameUsage struct {
	ID          string          `db:"id" json:"id"`
	ParentID    *string         `db:"parent_id" json:"parent_id,omitempty"`
	NameID      string          `db:"name_id" json:"name_id"`
	Status      TaxonomicStatus `db:"status" json:"status"`
	AccordingTo *string         `db:"according_to" json:"according_to,omitempty"`
	Extinct     *bool           `db:"extinct" json:"extinct,omitempty"`
	Remarks     *string         `db:"remarks" json:"remarks,omitempty"`
	VerbatimKey *int            `db:"verbatim_key" json:"verbatim_key,omitempty"`
}

func (u NameUsage) IsSynonym() bool {
	return u.Status.IsSynonym()
}

type VernacularName struct {
	Name        string  `db:"name" json:"name"`
	Language    *string `db:"language" json:"language,omitempty"`
	Country     *string `db:"country" json:"country,omitempty"`
	ReferenceID *string `db:"reference_id" json:"reference_id,omitempty"`
	VerbatimKey *int    `db:"verbatim_key" json:"verbatim_key,omitempty"`
}

type Distribution struct {
	Area        string  `db:"area" json:"area"`
	Gazetteer   *string `db:"gazetteer" json:"gazetteer,omitempty"`
	Status      *string `db:"status" json:"status,omitempty"`
	ReferenceID *string `db:"reference_id" json:"reference_id,omitempty"`
	VerbatimKey *int    `db:"verbatim_key" json:"verbatim_key,omitempty"`
}

// Description is a free text treatment of a taxon.
type Description struct {
	Format      *string `db:"format" json:"format,omitempty"`
	Document    string  `db:"document" json:"document"`
	ReferenceID *string `db:"reference_id" json:"reference_id,omitempty"`
	VerbatimKey *int    `db:"verbatim_key" json:"verbatim_key,omitempty"`
}

type Media struct {
	URL         string  `db:"url" json:"url"`
	Type        *string `db:"type" json:"type,omitempty"`
	Title       *string `db:"title" json:"title,omitempty"`
	License     *string `db:"license" json:"license,omitempty"`
	ReferenceID *string `db:"reference_id" json:"reference_id,omitempty"`
	VerbatimKey *int    `db:"verbatim_key" json:"verbatim_key,omitempty"`
}
