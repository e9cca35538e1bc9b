package staging

import (
	"context"
	"errors"
	"sync"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrUnreachableUsage is returned by WalkTree when usages cannot be reached
// from any root, which happens for parent cycles and synonyms of synonyms.
var ErrUnreachableUsage = errors.New("usage is not reachable from any root")

// MemoryStore keeps a staged dataset in memory.
type MemoryStore struct {
	mu sync.RWMutex

	verbatim      []*models.VerbatimRecord
	references    []models.Reference
	names         []models.Name
	nameIndex     map[string]int
	relations     []models.NameRelation
	usages        []models.NameUsage
	vernaculars   map[string][]models.VernacularName
	distributions map[string][]models.Distribution
	descriptions  map[string][]models.Description
	media         map[string][]models.Media
	bibliography  map[string][]string
	metadata      *models.DatasetMetadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nameIndex:     make(map[string]int),
		vernaculars:   make(map[string][]models.VernacularName),
		distributions: make(map[string][]models.Distribution),
		descriptions:  make(map[string][]models.Description),
		media:         make(map[string][]models.Media),
		bibliography:  make(map[string][]string),
	}
}

// AddVerbatim stores a record under the next staging key and returns it.
func (s *MemoryStore) AddVerbatim(v *models.VerbatimRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verbatim = append(s.verbatim, v)
	v.Key = len(s.verbatim)
	return v.Key
}

func (s *MemoryStore) AddReference(ref models.Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references = append(s.references, ref)
}

func (s *MemoryStore) AddName(n models.Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nameIndex[n.ID]; exists {
		return
	}
	s.nameIndex[n.ID] = len(s.names)
	s.names = append(s.names, n)
}

func (s *MemoryStore) HasName(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nameIndex[id]
	return ok
}

func (s *MemoryStore) AddNameRelation(rel models.NameRelation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, rel)
}

// AddUsage stores a usage. A synonym may be added several times with
// different parents to express a pro parte synonymy.
func (s *MemoryStore) AddUsage(u models.NameUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usages = append(s.usages, u)
}

func (s *MemoryStore) AddVernacular(taxonID string, v models.VernacularName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vernaculars[taxonID] = append(s.vernaculars[taxonID], v)
}

func (s *MemoryStore) AddDistribution(taxonID string, d models.Distribution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distributions[taxonID] = append(s.distributions[taxonID], d)
}

func (s *MemoryStore) AddDescription(taxonID string, d models.Description) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptions[taxonID] = append(s.descriptions[taxonID], d)
}

func (s *MemoryStore) AddMedia(taxonID string, m models.Media) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[taxonID] = append(s.media[taxonID], m)
}

func (s *MemoryStore) AddTaxonReference(taxonID, referenceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bibliography[taxonID] = append(s.bibliography[taxonID], referenceID)
}

func (s *MemoryStore) SetMetadata(md models.DatasetMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = &md
}

func (s *MemoryStore) Metadata() *models.DatasetMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

func (s *MemoryStore) Verbatim(ctx context.Context, fn func(*models.VerbatimRecord) error) error {
	s.mu.RLock()
	records := s.verbatim
	s.mu.RUnlock()

	for _, v := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) References(ctx context.Context, fn func(*models.Reference) error) error {
	s.mu.RLock()
	refs := s.references
	s.mu.RUnlock()
	return each(ctx, refs, fn)
}

func (s *MemoryStore) Names(ctx context.Context, fn func(*models.Name) error) error {
	s.mu.RLock()
	names := s.names
	s.mu.RUnlock()
	return each(ctx, names, fn)
}

func (s *MemoryStore) NameRelations(ctx context.Context, fn func(*models.NameRelation) error) error {
	s.mu.RLock()
	relations := s.relations
	s.mu.RUnlock()
	return each(ctx, relations, fn)
}

func each[T any](ctx context.Context, items []T, fn func(*T) error) error {
	for i := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verbatim = nil
	s.references = nil
	s.names = nil
	s.relations = nil
	s.usages = nil
	return nil
}
