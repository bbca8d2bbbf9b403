package persistence

import (
	"context"
	"sort"
	"sync"

	"playguard/internal/license"
)

// MemoryStore keeps licenses and violations in process memory
type MemoryStore struct {
	mu         sync.RWMutex
	licenses   map[string]*license.License
	violations []license.ComplianceViolation
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{licenses: make(map[string]*license.License)}
}

func (s *MemoryStore) Get(_ context.Context, trackID string) (*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.licenses[trackID].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*license.License, 0, len(s.licenses))
	for _, l := range s.licenses {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out, nil
}

func (s *MemoryStore) PutAll(_ context.Context, licenses []*license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range cloneLicenses(licenses) {
		s.licenses[l.TrackID] = l
	}
	return nil
}

func (s *MemoryStore) GetViolations(_ context.Context) ([]license.ComplianceViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]license.ComplianceViolation, len(s.violations))
	copy(out, s.violations)
	return out, nil
}

func (s *MemoryStore) PutViolations(_ context.Context, violations []license.ComplianceViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = make([]license.ComplianceViolation, len(violations))
	copy(s.violations, violations)
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }
