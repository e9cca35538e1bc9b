package normalizer

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/staging"
)

const (
	issueStatusInvalid       = "taxonomic status invalid"
	issueRelationTypeInvalid = "name relation type invalid"
	issueYearInvalid         = "year invalid"
	issueMissingName         = "scientific name missing"
)

type coldpReader struct {
	logger ectologger.Logger
	dir    string
	store  staging.Writer

	records int
	usages  int
	// accepted usage ids, to reject duplicates
	accepted map[string]bool
}

func (r *coldpReader) read(ctx context.Context) error {
	r.accepted = make(map[string]bool)

	md, err := readMetadata(r.dir)
	if err != nil {
		return err
	}
	if md != nil {
		r.store.SetMetadata(*md)
	}

	if err := r.table(ctx, "Reference", "col:Reference", r.reference); err != nil {
		return err
	}
	if err := r.table(ctx, "NameUsage", "col:NameUsage", r.nameUsage); err != nil {
		return err
	}
	if r.usages == 0 {
		return newError(KindMissingData, "NameUsage table has no records")
	}
	if err := r.table(ctx, "NameRelation", "col:NameRelation", r.nameRelation); err != nil {
		return err
	}
	if err := r.table(ctx, "VernacularName", "col:VernacularName", r.vernacular); err != nil {
		return err
	}
	if err := r.table(ctx, "Distribution", "col:Distribution", r.distribution); err != nil {
		return err
	}
	if err := r.table(ctx, "Media", "col:Media", r.media); err != nil {
		return err
	}
	return r.table(ctx, "Treatment", "col:Treatment", r.treatment)
}

// table reads an optional table, storing each line as a verbatim record
// before handing it to fn.
func (r *coldpReader) table(ctx context.Context, name, rowType string, fn func(row, *models.VerbatimRecord) error) error {
	path := tableFile(r.dir, name)
	if path == "" {
		return nil
	}

	file := filepath.Base(path)
	count := 0
	err := readTable(ctx, path, func(line row) error {
		v := &models.VerbatimRecord{File: file, Line: line.line, Type: rowType, Terms: line.raw}
		r.store.AddVerbatim(v)
		count++
		return fn(line, v)
	})
	if err != nil {
		return err
	}

	r.records += count
	r.logger.WithContext(ctx).Debugf("Read %d records from %s", count, file)
	return nil
}

// verbatimKey links an entity to the staging key of its source record.
func verbatimKey(v *models.VerbatimRecord) *int {
	key := v.Key
	return &key
}

func (r *coldpReader) reference(line row, v *models.VerbatimRecord) error {
	id := line.get("id")
	if id == "" {
		return nil
	}
	ref := models.Reference{
		ID:          id,
		Citation:    line.get("citation"),
		Title:       line.ptr("title"),
		VerbatimKey: verbatimKey(v),
	}
	if year := firstNonEmpty(line.get("issued"), line.get("year")); year != "" {
		if y, err := strconv.Atoi(year[:min(4, len(year))]); err == nil {
			ref.Year = &y
		} else {
			v.Issues = append(v.Issues, issueYearInvalid)
		}
	}
	r.store.AddReference(ref)
	return nil
}

func (r *coldpReader) nameUsage(line row, v *models.VerbatimRecord) error {
	id := line.get("id")
	if id == "" {
		return newError(KindAssertion, "NameUsage line %d has no ID", line.line)
	}

	scientificName := line.get("scientificname")
	if scientificName == "" {
		v.Issues = append(v.Issues, issueMissingName)
		return nil
	}

	status, ok := models.ParseTaxonomicStatus(line.get("status"))
	if !ok {
		v.Issues = append(v.Issues, issueStatusInvalid)
	}

	if !status.IsSynonym() {
		if r.accepted[id] {
			return newError(KindAssertion, "accepted usage %s appears more than once", id)
		}
		r.accepted[id] = true
	}

	// pro parte synonyms repeat the same name on several rows
	if !r.store.HasName(id) {
		r.store.AddName(models.Name{
			ID:                   id,
			ScientificName:       scientificName,
			Authorship:           line.ptr("authorship"),
			Rank:                 strings.ToLower(firstNonEmpty(line.get("rank"), "unranked")),
			Uninomial:            line.ptr("uninomial"),
			Genus:                line.ptr("genericname"),
			SpecificEpithet:      line.ptr("specificepithet"),
			InfraspecificEpithet: line.ptr("infraspecificepithet"),
			Code:                 line.ptr("code"),
			NomStatus:            line.ptr("namestatus"),
			PublishedInID:        line.ptr("namereferenceid"),
			VerbatimKey:          verbatimKey(v),
		})
	}

	usage := models.NameUsage{
		ID:          id,
		ParentID:    line.ptr("parentid"),
		NameID:      id,
		Status:      status,
		AccordingTo: line.ptr("accordingtoid"),
		Remarks:     line.ptr("remarks"),
		VerbatimKey: verbatimKey(v),
	}
	if extinct := line.get("extinct"); extinct != "" {
		b := extinct == "true" || extinct == "1" || strings.EqualFold(extinct, "yes")
		usage.Extinct = &b
	}
	r.store.AddUsage(usage)
	r.usages++

	if !status.IsSynonym() {
		for _, refID := range strings.Split(line.get("referenceid"), ";") {
			if refID = strings.TrimSpace(refID); refID != "" {
				r.store.AddTaxonReference(id, refID)
			}
		}
	}
	return nil
}

func (r *coldpReader) nameRelation(line row, v *models.VerbatimRecord) error {
	relType := models.NameRelationType(strings.ToUpper(strings.ReplaceAll(line.get("type"), " ", "_")))
	if line.get("nameid") == "" || line.get("relatednameid") == "" || relType == "" {
		v.Issues = append(v.Issues, issueRelationTypeInvalid)
		return nil
	}
	r.store.AddNameRelation(models.NameRelation{
		NameID:        line.get("nameid"),
		RelatedNameID: line.get("relatednameid"),
		Type:          relType,
		ReferenceID:   line.ptr("referenceid"),
		Remarks:       line.ptr("remarks"),
		VerbatimKey:   verbatimKey(v),
	})
	return nil
}

func (r *coldpReader) vernacular(line row, v *models.VerbatimRecord) error {
	taxonID, name := line.get("taxonid"), line.get("name")
	if taxonID == "" || name == "" {
		return nil
	}
	r.store.AddVernacular(taxonID, models.VernacularName{
		Name:        name,
		Language:    line.ptr("language"),
		Country:     line.ptr("country"),
		ReferenceID: line.ptr("referenceid"),
		VerbatimKey: verbatimKey(v),
	})
	return nil
}

func (r *coldpReader) distribution(line row, v *models.VerbatimRecord) error {
	taxonID, area := line.get("taxonid"), firstNonEmpty(line.get("area"), line.get("areaid"))
	if taxonID == "" || area == "" {
		return nil
	}
	r.store.AddDistribution(taxonID, models.Distribution{
		Area:        area,
		Gazetteer:   line.ptr("gazetteer"),
		Status:      line.ptr("status"),
		ReferenceID: line.ptr("referenceid"),
		VerbatimKey: verbatimKey(v),
	})
	return nil
}

func (r *coldpReader) media(line row, v *models.VerbatimRecord) error {
	taxonID, url := line.get("taxonid"), line.get("url")
	if taxonID == "" || url == "" {
		return nil
	}
	r.store.AddMedia(taxonID, models.Media{
		URL:         url,
		Type:        line.ptr("type"),
		Title:       line.ptr("title"),
		License:     line.ptr("license"),
		ReferenceID: line.ptr("referenceid"),
		VerbatimKey: verbatimKey(v),
	})
	return nil
}

func (r *coldpReader) treatment(line row, v *models.VerbatimRecord) error {
	taxonID, document := line.get("taxonid"), line.get("document")
	if taxonID == "" || document == "" {
		return nil
	}
	r.store.AddDescription(taxonID, models.Description{
		Format:      line.ptr("format"),
		Document:    document,
		ReferenceID: line.ptr("referenceid"),
		VerbatimKey: verbatimKey(v),
	})
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
