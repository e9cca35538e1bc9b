// Package staging holds the normalized representation of a dataset archive
// between normalization and the load into the relational store.
package staging

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Node is one usage of the taxonomic tree together with its name and the
// entities attached to it.
type Node struct {
	Usage         models.NameUsage
	Name          *models.Name
	Vernaculars   []models.VernacularName
	Distributions []models.Distribution
	Descriptions  []models.Description
	Media         []models.Media
	ReferenceIDs  []string

	// Root is set for usages that declare no parent.
	Root bool
	// ProParte is set for synonyms attached to more than one accepted taxon.
	ProParte bool
}

// TreeHandler receives the usages of a depth-first, pre-order tree walk.
// End is called for a node after all of its descendants.
type TreeHandler interface {
	Start(ctx context.Context, node *Node) error
	End(ctx context.Context, node *Node) error
}

// Store is the read side of a staged dataset.
type Store interface {
	// Verbatim iterates raw records in staging key order.
	Verbatim(ctx context.Context, fn func(*models.VerbatimRecord) error) error
	References(ctx context.Context, fn func(*models.Reference) error) error
	Names(ctx context.Context, fn func(*models.Name) error) error
	NameRelations(ctx context.Context, fn func(*models.NameRelation) error) error
	WalkTree(ctx context.Context, handler TreeHandler) error
	Metadata() *models.DatasetMetadata
	Close() error
}

// Writer is the write side used by normalizers.
type Writer interface {
	AddVerbatim(v *models.VerbatimRecord) int
	AddReference(ref models.Reference)
	AddName(n models.Name)
	AddNameRelation(rel models.NameRelation)
	AddUsage(u models.NameUsage)
	AddVernacular(taxonID string, v models.VernacularName)
	AddDistribution(taxonID string, d models.Distribution)
	AddDescription(taxonID string, d models.Description)
	AddMedia(taxonID string, m models.Media)
	AddTaxonReference(taxonID, referenceID string)
	SetMetadata(md models.DatasetMetadata)
	HasName(id string) bool
}

// Staging is a store that can be both written and read.
type Staging interface {
	Store
	Writer
}
