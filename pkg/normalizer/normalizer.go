// Package normalizer turns an extracted dataset archive into a staged dataset.
package normalizer

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Gobusters/ectologger"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/staging"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var tableExtensions = []string{".tsv", ".txt", ".csv"}

// Normalizer reads Catalogue of Life Data Package (ColDP) archives.
type Normalizer struct {
	logger ectologger.Logger
}

func NewNormalizer(logger ectologger.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize reads the archive extracted in sourceDir into store.
func (n *Normalizer) Normalize(ctx context.Context, store staging.Writer, sourceDir string, dataset *models.Dataset) error {
	ctx, span := tracing.StartSpan(ctx, "Normalizer.Normalize")
	defer span.End()

	if dataset.DataFormat != nil && *dataset.DataFormat != models.DataFormatColDP {
		return newError(KindSourceInvalid, "unsupported data format %s", *dataset.DataFormat)
	}

	root, err := findArchiveRoot(sourceDir)
	if err != nil {
		return err
	}

	r := &coldpReader{logger: n.logger, dir: root, store: store}
	if err := r.read(ctx); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	n.logger.WithContext(ctx).WithFields(map[string]any{
		"dataset_key": dataset.Key,
		"usages":      r.usages,
		"verbatim":    r.records,
	}).Info("Normalized dataset archive")
	return nil
}

// findArchiveRoot locates the directory holding the NameUsage table, which
// archives sometimes wrap in a single top level folder.
func findArchiveRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", newError(KindSourceInvalid, "cannot read archive: %v", err)
	}
	if len(entries) == 0 {
		return "", newError(KindSourceInvalid, "archive is empty")
	}

	if tableFile(dir, "NameUsage") != "" {
		return dir, nil
	}

	var subdirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") && !strings.HasPrefix(e.Name(), "__") {
			subdirs = append(subdirs, filepath.Join(dir, e.Name()))
		}
	}
	if len(subdirs) == 1 && tableFile(subdirs[0], "NameUsage") != "" {
		return subdirs[0], nil
	}

	return "", newError(KindMissingData, "archive contains no NameUsage table")
}

// tableFile finds a data file by its case insensitive base name.
func tableFile(dir, name string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if !strings.EqualFold(base, name) {
			continue
		}
		for _, allowed := range tableExtensions {
			if ext == allowed {
				return filepath.Join(dir, e.Name())
			}
		}
	}
	return ""
}

func readMetadata(dir string) (*models.DatasetMetadata, error) {
	for _, name := range []string{"metadata.yaml", "metadata.yml"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var md models.DatasetMetadata
		if err := yaml.Unmarshal(data, &md); err != nil {
			return nil, newError(KindSourceInvalid, "invalid %s: %v", name, err)
		}
		return &md, nil
	}
	return nil, nil
}

// row is one data line keyed by normalized column name.
type row struct {
	line  int64
	terms map[string]string
	raw   map[string]string
}

func (r row) get(column string) string {
	return strings.TrimSpace(r.terms[column])
}

func (r row) ptr(column string) *string {
	v := r.get(column)
	if v == "" {
		return nil
	}
	return &v
}

// normalizeColumn strips namespace prefixes and case from a header.
func normalizeColumn(header string) string {
	header = strings.TrimSpace(strings.TrimPrefix(header, "\ufeff"))
	if i := strings.LastIndex(header, ":"); i >= 0 {
		header = header[i+1:]
	}
	return strings.ToLower(header)
}

// readTable streams the rows of a delimited file.
func readTable(ctx context.Context, path string, fn func(row) error) error {
	f, err := os.Open(path)
	if err != nil {
		return newError(KindSourceInvalid, "cannot open %s: %v", filepath.Base(path), err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false
	if !strings.EqualFold(filepath.Ext(path), ".csv") {
		reader.Comma = '\t'
	}

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return newError(KindSourceInvalid, "cannot read header of %s: %v", filepath.Base(path), err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = normalizeColumn(h)
	}

	var line int64 = 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := reader.Read()
		line++
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return newError(KindSourceInvalid, "%s line %d: %v", filepath.Base(path), line, err)
		}

		r := row{line: line, terms: make(map[string]string, len(columns)), raw: make(map[string]string, len(columns))}
		empty := true
		for i, value := range record {
			if i >= len(columns) {
				break
			}
			if value != "" {
				empty = false
				r.raw[header[i]] = value
			}
			r.terms[columns[i]] = value
		}
		if empty {
			continue
		}

		if err := fn(r); err != nil {
			return err
		}
	}
}
