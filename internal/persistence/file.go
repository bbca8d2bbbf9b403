package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"playguard/internal/license"
)

const (
	dirMode  = 0755
	fileMode = 0600
)

type fileSnapshot struct {
	Licenses   map[string]*license.License   `json:"licenses"`
	Violations []license.ComplianceViolation `json:"violations"`
}

// FileStore keeps all state in one JSON document. Every write replaces the
// document through a temp file and rename.
type FileStore struct {
	mu   sync.Mutex
	path string
	data fileSnapshot
}

// NewFileStore opens or creates the JSON document at path
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	s := &FileStore{
		path: path,
		data: fileSnapshot{Licenses: make(map[string]*license.License)},
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read storage file: %w", err)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parse storage file %s: %w", path, err)
		}
	}
	if s.data.Licenses == nil {
		s.data.Licenses = make(map[string]*license.License)
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, trackID string) (*license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Licenses[trackID].Clone(), nil
}

func (s *FileStore) List(_ context.Context) ([]*license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*license.License, 0, len(s.data.Licenses))
	for _, l := range s.data.Licenses {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out, nil
}

func (s *FileStore) PutAll(_ context.Context, licenses []*license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*license.License, len(s.data.Licenses)+len(licenses))
	for k, v := range s.data.Licenses {
		next[k] = v
	}
	for _, l := range cloneLicenses(licenses) {
		next[l.TrackID] = l
	}
	return s.writeLocked(fileSnapshot{Licenses: next, Violations: s.data.Violations})
}

func (s *FileStore) GetViolations(_ context.Context) ([]license.ComplianceViolation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]license.ComplianceViolation, len(s.data.Violations))
	copy(out, s.data.Violations)
	return out, nil
}

func (s *FileStore) PutViolations(_ context.Context, violations []license.ComplianceViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]license.ComplianceViolation, len(violations))
	copy(next, violations)
	return s.writeLocked(fileSnapshot{Licenses: s.data.Licenses, Violations: next})
}

// writeLocked commits snap to disk and only then adopts it in memory
func (s *FileStore) writeLocked(snap fileSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal storage file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}

	s.data = snap
	return nil
}

// Close is a no-op; every write is already on disk
func (s *FileStore) Close() error { return nil }
