package fog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Profile is the per-explorer document summary held by the persistence layer.
type Profile struct {
	ExplorerID     string         `json:"explorerId"`
	DistanceMeters float64        `json:"distanceMeters"`
	RegionCount    int            `json:"regionCount"`
	Consolidation  *Consolidation `json:"-"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// RegionStore is the durable per-explorer document: an append-only list of
// archived regions, a traveled-distance counter and the latest
// consolidation snapshot.
type RegionStore interface {
	// Regions returns every archived region in append order.
	Regions(ctx context.Context, explorerID string) ([]ArchivedRegion, error)

	// AppendRegion appends region and adds its distance to the explorer's
	// counter, leaving other fields untouched. Appending a region whose ID
	// is already stored is a no-op.
	AppendRegion(ctx context.Context, explorerID string, region ArchivedRegion) error

	// Profile returns the document summary. Unknown explorers get a zero
	// profile.
	Profile(ctx context.Context, explorerID string) (Profile, error)

	// SaveConsolidation replaces the consolidation snapshot.
	SaveConsolidation(ctx context.Context, explorerID string, c Consolidation) error
}

type memoryDocument struct {
	regions       [][]byte // encoded features, as a document store would hold them
	ids           map[string]struct{}
	distance      float64
	consolidation []byte
	updatedAt     time.Time
}

// MemoryStore is an in-process RegionStore used when no database is
// configured and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memoryDocument
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memoryDocument)}
}

func (s *MemoryStore) Regions(_ context.Context, explorerID string) ([]ArchivedRegion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[explorerID]
	if !ok {
		return nil, nil
	}
	out := make([]ArchivedRegion, 0, len(doc.regions))
	for _, raw := range doc.regions {
		var r ArchivedRegion
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decoding region: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) AppendRegion(_ context.Context, explorerID string, region ArchivedRegion) error {
	raw, err := json.Marshal(region)
	if err != nil {
		return fmt.Errorf("encoding region %s: %w", region.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.doc(explorerID)
	if _, dup := doc.ids[region.ID]; dup {
		return nil
	}
	doc.ids[region.ID] = struct{}{}
	doc.regions = append(doc.regions, raw)
	doc.distance += region.DistanceMeters
	doc.updatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Profile(_ context.Context, explorerID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := Profile{ExplorerID: explorerID}
	doc, ok := s.docs[explorerID]
	if !ok {
		return p, nil
	}
	p.DistanceMeters = doc.distance
	p.RegionCount = len(doc.regions)
	p.UpdatedAt = doc.updatedAt
	if doc.consolidation != nil {
		var c Consolidation
		if err := json.Unmarshal(doc.consolidation, &c); err != nil {
			return p, fmt.Errorf("decoding consolidation: %w", err)
		}
		p.Consolidation = &c
	}
	return p, nil
}

func (s *MemoryStore) SaveConsolidation(_ context.Context, explorerID string, c Consolidation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding consolidation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.doc(explorerID)
	doc.consolidation = raw
	doc.updatedAt = time.Now()
	return nil
}

// doc returns the document for explorerID, creating it. Caller holds s.mu.
func (s *MemoryStore) doc(explorerID string) *memoryDocument {
	doc, ok := s.docs[explorerID]
	if !ok {
		doc = &memoryDocument{ids: make(map[string]struct{})}
		s.docs[explorerID] = doc
	}
	return doc
}
