package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"playguard/internal/license"
)

var (
	defaultTimeout = 1 * time.Second

	licensesBucket   = []byte("licenses")
	violationsBucket = []byte("violations")
	violationsKey    = []byte("log")
)

// BoltStore persists licenses and violations in a bbolt file. Licenses are
// keyed by track ID. The violation log is stored as one JSON document.
type BoltStore struct {
	db   *bolt.DB
	Path string
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{licensesBucket, violationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, Path: path}, nil
}

func (s *BoltStore) Get(_ context.Context, trackID string) (*license.License, error) {
	var out *license.License
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(licensesBucket).Get([]byte(trackID))
		if raw == nil {
			return nil
		}
		out = &license.License{}
		return json.Unmarshal(raw, out)
	})
	if err != nil {
		return nil, fmt.Errorf("get license %s: %w", trackID, err)
	}
	return out, nil
}

func (s *BoltStore) List(_ context.Context) ([]*license.License, error) {
	var out []*license.License
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(licensesBucket).ForEach(func(k, v []byte) error {
			l := &license.License{}
			if err := json.Unmarshal(v, l); err != nil {
				return fmt.Errorf("decode license %s: %w", k, err)
			}
			out = append(out, l)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutAll writes every license in one transaction
func (s *BoltStore) PutAll(_ context.Context, licenses []*license.License) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(licensesBucket)
		for _, l := range licenses {
			if l == nil {
				continue
			}
			raw, err := json.Marshal(l)
			if err != nil {
				return fmt.Errorf("encode license %s: %w", l.TrackID, err)
			}
			if err := b.Put([]byte(l.TrackID), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetViolations(_ context.Context) ([]license.ComplianceViolation, error) {
	var out []license.ComplianceViolation
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(violationsBucket).Get(violationsKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("get violations: %w", err)
	}
	return out, nil
}

func (s *BoltStore) PutViolations(_ context.Context, violations []license.ComplianceViolation) error {
	raw, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("encode violations: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(violationsBucket).Put(violationsKey, raw)
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
