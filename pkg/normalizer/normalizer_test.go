package normalizer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/staging"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

type walker struct {
	order []string
	nodes map[string]*staging.Node
}

func (w *walker) Start(_ context.Context, n *staging.Node) error {
	if w.nodes == nil {
		w.nodes = map[string]*staging.Node{}
	}
	w.order = append(w.order, n.Usage.ID)
	w.nodes[n.Usage.ID] = n
	return nil
}

func (w *walker) End(_ context.Context, _ *staging.Node) error { return nil }

const nameUsageTSV = "col:ID\tcol:parentID\tcol:status\tcol:scientificName\tcol:rank\tcol:referenceID\n" +
	"1\t\taccepted\tAnimalia\tkingdom\tr1\n" +
	"2\t1\taccepted\tChordata\tphylum\tr1;r2\n" +
	"3\t2\tsynonym\tVertebrata\tphylum\t\n" +
	"4\t1\tprovisionally accepted\tArthropoda\tphylum\t\n"

func TestNormalizeColDP(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"NameUsage.tsv":      nameUsageTSV,
		"Reference.tsv":      "ID\tcitation\tyear\nr1\tLinnaeus 1758\t1758\nr2\tDoe 2001\t2001\n",
		"VernacularName.tsv": "taxonID\tname\tlanguage\n2\tchordates\teng\n",
		"Distribution.tsv":   "taxonID\tarea\n4\tEurope\n",
		"NameRelation.tsv":   "nameID\trelatedNameID\ttype\n3\t2\tbasionym\n",
		"metadata.yaml":      "title: Test Checklist\nversion: \"1.0\"\nlicense: CC0\n",
	})

	store := staging.NewMemoryStore()
	n := NewNormalizer(testLogger())
	err := n.Normalize(context.Background(), store, dir, &models.Dataset{Key: 1000})
	require.NoError(t, err)

	md := store.Metadata()
	require.NotNil(t, md)
	assert.Equal(t, "Test Checklist", md.Title)
	assert.Equal(t, "1.0", md.Version)

	var refs []models.Reference
	require.NoError(t, store.References(context.Background(), func(r *models.Reference) error {
		refs = append(refs, *r)
		return nil
	}))
	require.Len(t, refs, 2)
	require.NotNil(t, refs[0].Year)
	assert.Equal(t, 1758, *refs[0].Year)

	var relations []models.NameRelation
	require.NoError(t, store.NameRelations(context.Background(), func(r *models.NameRelation) error {
		relations = append(relations, *r)
		return nil
	}))
	require.Len(t, relations, 1)
	assert.Equal(t, models.NameRelationBasionym, relations[0].Type)

	w := &walker{}
	require.NoError(t, store.WalkTree(context.Background(), w))
	assert.Equal(t, []string{"1", "2", "3", "4"}, w.order)
	assert.Equal(t, models.StatusProvisionallyAccepted, w.nodes["4"].Usage.Status)
	assert.Equal(t, []string{"r1", "r2"}, w.nodes["2"].ReferenceIDs)
	assert.Len(t, w.nodes["2"].Vernaculars, 1)
	assert.Len(t, w.nodes["4"].Distributions, 1)
	assert.Equal(t, "Chordata", w.nodes["2"].Name.ScientificName)

	verbatim := 0
	require.NoError(t, store.Verbatim(context.Background(), func(v *models.VerbatimRecord) error {
		verbatim++
		assert.NotEmpty(t, v.Type)
		return nil
	}))
	assert.Equal(t, 9, verbatim)
}

func TestNormalizeWrappedArchive(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"checklist/NameUsage.txt": nameUsageTSV,
	})

	store := staging.NewMemoryStore()
	err := NewNormalizer(testLogger()).Normalize(context.Background(), store, dir, &models.Dataset{Key: 1})
	require.NoError(t, err)
	assert.True(t, store.HasName("4"))
}

func TestNormalizeProParteSynonym(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"NameUsage.tsv": "ID\tparentID\tstatus\tscientificName\n" +
			"1\t\taccepted\tAus\n" +
			"2\t\taccepted\tBus\n" +
			"s\t1\tsynonym\tCus\n" +
			"s\t2\tsynonym\tCus\n",
	})

	store := staging.NewMemoryStore()
	require.NoError(t, NewNormalizer(testLogger()).Normalize(context.Background(), store, dir, &models.Dataset{Key: 1}))

	names := 0
	require.NoError(t, store.Names(context.Background(), func(*models.Name) error {
		names++
		return nil
	}))
	assert.Equal(t, 3, names)

	w := &walker{}
	require.NoError(t, store.WalkTree(context.Background(), w))
	assert.Equal(t, []string{"1", "s", "2", "s"}, w.order)
	assert.True(t, w.nodes["s"].ProParte)
}

func TestNormalizeErrors(t *testing.T) {
	coldp := models.DataFormatColDP
	dwca := models.DataFormatDwcA

	tests := []struct {
		name   string
		files  map[string]string
		format *models.DataFormat
		kind   Kind
	}{
		{
			name:   "unsupported format",
			files:  map[string]string{"NameUsage.tsv": nameUsageTSV},
			format: &dwca,
			kind:   KindSourceInvalid,
		},
		{
			name:   "empty archive",
			files:  map[string]string{},
			format: &coldp,
			kind:   KindSourceInvalid,
		},
		{
			name:   "no name usages",
			files:  map[string]string{"Reference.tsv": "ID\tcitation\nr1\tx\n"},
			format: &coldp,
			kind:   KindMissingData,
		},
		{
			name:   "header only",
			files:  map[string]string{"NameUsage.tsv": "ID\tscientificName\n"},
			format: &coldp,
			kind:   KindMissingData,
		},
		{
			name:   "missing usage id",
			files:  map[string]string{"NameUsage.tsv": "ID\tscientificName\n\tAus\n"},
			format: &coldp,
			kind:   KindAssertion,
		},
		{
			name:   "duplicate accepted usage",
			files:  map[string]string{"NameUsage.tsv": "ID\tscientificName\n1\tAus\n1\tAus\n"},
			format: &coldp,
			kind:   KindAssertion,
		},
		{
			name:   "broken metadata",
			files:  map[string]string{"NameUsage.tsv": nameUsageTSV, "metadata.yaml": "title: [unclosed\n"},
			format: &coldp,
			kind:   KindSourceInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, tt.files)

			err := NewNormalizer(testLogger()).Normalize(context.Background(), staging.NewMemoryStore(), dir,
				&models.Dataset{Key: 1, DataFormat: tt.format})
			require.Error(t, err)

			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestNormalizeUnknownStatusBecomesIssue(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"NameUsage.tsv": "ID\tstatus\tscientificName\n1\tdubious\tAus\n",
	})

	store := staging.NewMemoryStore()
	require.NoError(t, NewNormalizer(testLogger()).Normalize(context.Background(), store, dir, &models.Dataset{Key: 1}))

	var issues []string
	require.NoError(t, store.Verbatim(context.Background(), func(v *models.VerbatimRecord) error {
		issues = append(issues, v.Issues...)
		return nil
	}))
	assert.Equal(t, []string{issueStatusInvalid}, issues)
}

func TestNormalizeColumn(t *testing.T) {
	assert.Equal(t, "scientificname", normalizeColumn("col:scientificName"))
	assert.Equal(t, "id", normalizeColumn("\ufeffID"))
	assert.Equal(t, "taxonid", normalizeColumn(" dwc:taxonID "))
}
