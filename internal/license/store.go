package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	apperrors "playguard/internal/errors"
)

// Persistence is the durable key-value contract behind the Store and the
// ViolationLog. Get returns (nil, nil) when no license is stored for the
// track. PutAll upserts each license by track ID.
type Persistence interface {
	Get(ctx context.Context, trackID string) (*License, error)
	List(ctx context.Context) ([]*License, error)
	PutAll(ctx context.Context, licenses []*License) error
	GetViolations(ctx context.Context) ([]ComplianceViolation, error)
	PutViolations(ctx context.Context, violations []ComplianceViolation) error
}

type storeEntry struct {
	license  *License
	revision uint64
}

// Store holds the current license per track. Records are replaced, never
// mutated in place, so readers always see a complete record.
type Store struct {
	mu      sync.RWMutex
	records map[string]storeEntry
	locks   map[string]*sync.Mutex

	persistence Persistence
	logger      *slog.Logger
}

// NewStore creates a store. persistence may be nil for a memory-only store.
func NewStore(persistence Persistence, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records:     make(map[string]storeEntry),
		locks:       make(map[string]*sync.Mutex),
		persistence: persistence,
		logger:      logger.With("component", "license_store"),
	}
}

// Load replaces the in-memory records with the persisted licenses
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.persistence == nil {
		return 0, nil
	}

	licenses, err := s.persistence.List(ctx)
	if err != nil {
		return 0, apperrors.NewStorageError("failed to load licenses", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range licenses {
		if l == nil || l.TrackID == "" {
			continue
		}
		prev := s.records[l.TrackID]
		s.records[l.TrackID] = storeEntry{license: l.Clone(), revision: prev.revision + 1}
	}

	s.logger.InfoContext(ctx, "licenses loaded", slog.Int("count", len(s.records)))
	return len(s.records), nil
}

// Get returns a copy of the license for the track
func (s *Store) Get(trackID string) (*License, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[trackID]
	if !ok {
		return nil, false
	}
	return e.license.Clone(), true
}

// Revision returns a counter that changes on every write to the track.
// Zero means no record has ever been stored.
func (s *Store) Revision(trackID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[trackID].revision
}

// Put stores l as the track's license, replacing any prior record. It returns
// the revision that was replaced.
func (s *Store) Put(ctx context.Context, l *License) (uint64, error) {
	if l == nil || l.TrackID == "" {
		return 0, apperrors.NewValidationError("license without track id", ErrInvalidRequest)
	}

	lock := s.lockFor(l.TrackID)
	lock.Lock()
	defer lock.Unlock()

	next := l.Clone()
	if err := s.persist(ctx, next); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.records[l.TrackID].revision
	s.records[l.TrackID] = storeEntry{license: next, revision: prev + 1}
	return prev, nil
}

// Update applies fn to a copy of the track's license under the track lock and
// stores the result. fn may return errUnchanged to skip the write.
func (s *Store) Update(ctx context.Context, trackID string, fn func(*License) error) (*License, error) {
	lock := s.lockFor(trackID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	e, ok := s.records[trackID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("track %s: %w", trackID, ErrLicenseNotFound)
	}

	next := e.license.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errUnchanged) {
			return e.license.Clone(), err
		}
		return nil, err
	}

	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.records[trackID] = storeEntry{license: next, revision: e.revision + 1}
	s.mu.Unlock()

	return next.Clone(), nil
}

// All returns copies of every stored license
func (s *Store) All() []*License {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*License, 0, len(s.records))
	for _, e := range s.records {
		out = append(out, e.license.Clone())
	}
	return out
}

// Len returns the number of stored licenses
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) persist(ctx context.Context, l *License) error {
	if s.persistence == nil {
		return nil
	}
	if err := s.persistence.PutAll(ctx, []*License{l}); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist license",
			slog.String("track_id", l.TrackID),
			slog.String("error", err.Error()))
		return apperrors.NewStorageError("failed to persist license", err).
			WithContext("track_id", l.TrackID)
	}
	return nil
}

// lockFor returns the per-track mutex, creating it on first use
func (s *Store) lockFor(trackID string) *sync.Mutex {
	s.mu.RLock()
	lock, ok := s.locks[trackID]
	s.mu.RUnlock()
	if ok {
		return lock
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok = s.locks[trackID]; !ok {
		lock = &sync.Mutex{}
		s.locks[trackID] = lock
	}
	return lock
}
