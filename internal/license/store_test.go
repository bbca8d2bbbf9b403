package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "playguard/internal/errors"
)

// fakePersistence is an in-memory Persistence that can be told to fail
type fakePersistence struct {
	mu         sync.Mutex
	licenses   map[string]*License
	violations []ComplianceViolation
	failWrites bool
	puts       int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{licenses: make(map[string]*License)}
}

func (f *fakePersistence) Get(_ context.Context, trackID string) (*License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.licenses[trackID].Clone(), nil
}

func (f *fakePersistence) List(_ context.Context) ([]*License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*License, 0, len(f.licenses))
	for _, l := range f.licenses {
		out = append(out, l.Clone())
	}
	return out, nil
}

func (f *fakePersistence) PutAll(_ context.Context, licenses []*License) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("disk full")
	}
	f.puts++
	for _, l := range licenses {
		f.licenses[l.TrackID] = l.Clone()
	}
	return nil
}

func (f *fakePersistence) GetViolations(_ context.Context) ([]ComplianceViolation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ComplianceViolation(nil), f.violations...), nil
}

func (f *fakePersistence) PutViolations(_ context.Context, violations []ComplianceViolation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("disk full")
	}
	f.violations = append([]ComplianceViolation(nil), violations...)
	return nil
}

func TestStorePutGet(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	s := NewStore(p, nil)

	_, ok := s.Get("track-1")
	assert.False(t, ok)
	assert.Zero(t, s.Revision("track-1"))

	prev, err := s.Put(ctx, passingLicense(time.Now()))
	require.NoError(t, err)
	assert.Zero(t, prev)
	assert.Equal(t, uint64(1), s.Revision("track-1"))

	got, ok := s.Get("track-1")
	require.True(t, ok)
	assert.Equal(t, "lic-1", got.ID)

	// returned copies are detached from the store
	got.CurrentPlays = 99
	again, _ := s.Get("track-1")
	assert.Equal(t, 3, again.CurrentPlays)

	persisted, err := p.Get(ctx, "track-1")
	require.NoError(t, err)
	assert.Equal(t, "lic-1", persisted.ID)
	assert.Equal(t, 1, s.Len())
}

func TestStorePutRejectsMissingTrackID(t *testing.T) {
	s := NewStore(nil, nil)
	_, err := s.Put(context.Background(), &License{ID: "x"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil)
	_, err := s.Put(ctx, passingLicense(time.Now()))
	require.NoError(t, err)

	updated, err := s.Update(ctx, "track-1", func(l *License) error {
		l.CurrentPlays++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.CurrentPlays)
	assert.Equal(t, uint64(2), s.Revision("track-1"))

	_, err = s.Update(ctx, "missing", func(*License) error { return nil })
	assert.ErrorIs(t, err, ErrLicenseNotFound)

	current, err := s.Update(ctx, "track-1", func(*License) error { return errUnchanged })
	assert.ErrorIs(t, err, errUnchanged)
	assert.Equal(t, 4, current.CurrentPlays)
	assert.Equal(t, uint64(2), s.Revision("track-1"))
}

func TestStoreUpdatePersistFailureLeavesRecord(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	s := NewStore(p, nil)
	_, err := s.Put(ctx, passingLicense(time.Now()))
	require.NoError(t, err)

	p.failWrites = true
	_, err = s.Update(ctx, "track-1", func(l *License) error {
		l.CurrentPlays = 100
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeStorage))

	got, _ := s.Get("track-1")
	assert.Equal(t, 3, got.CurrentPlays)
}

func TestStoreConcurrentUpdatesAreAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newFakePersistence(), nil)
	l := passingLicense(time.Now())
	l.CurrentPlays = 0
	l.MaxPlays = nil
	_, err := s.Put(ctx, l)
	require.NoError(t, err)

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := s.Update(ctx, "track-1", func(l *License) error {
					l.CurrentPlays++
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get("track-1")
	assert.Equal(t, workers*perWorker, got.CurrentPlays)
}

func TestStoreLoad(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	require.NoError(t, p.PutAll(ctx, []*License{passingLicense(time.Now()), {TrackID: "track-2", Status: StatusExpired}}))

	s := NewStore(p, nil)
	n, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok := s.Get("track-2")
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Len(t, s.All(), 2)
}

func TestViolationLogAppendAndPrune(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	log := NewViolationLog(p, 0)
	now := time.Now()

	require.NoError(t, log.Append(ctx, ComplianceViolation{ID: "old", Timestamp: now.Add(-10 * 24 * time.Hour)}))
	require.NoError(t, log.Append(ctx, ComplianceViolation{ID: "new", Timestamp: now}))
	assert.Equal(t, 2, log.Len())
	assert.Len(t, p.violations, 2)

	before := log.Before(now.Add(-DefaultViolationRetention))
	require.Len(t, before, 1)
	assert.Equal(t, "old", before[0].ID)

	n, err := log.Prune(ctx, now.Add(-DefaultViolationRetention))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all := log.All()
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].ID)
	assert.Len(t, p.violations, 1)

	n, err = log.Prune(ctx, now.Add(-DefaultViolationRetention))
	require.NoError(t, err)
	assert.Zero(t, n)
}

type sliceArchiver struct {
	archived []ComplianceViolation
	err      error
}

func (a *sliceArchiver) Archive(_ context.Context, vs []ComplianceViolation) error {
	if a.err != nil {
		return a.err
	}
	a.archived = append(a.archived, vs...)
	return nil
}

func ids(vs []ComplianceViolation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.ID
	}
	return out
}

func TestViolationLogCap(t *testing.T) {
	ctx := context.Background()
	appendAll := func(t *testing.T, log *ViolationLog, idList ...string) error {
		t.Helper()
		var last error
		for _, id := range idList {
			last = log.Append(ctx, ComplianceViolation{ID: id, Timestamp: time.Now()})
		}
		return last
	}

	t.Run("without archiver nothing is dropped", func(t *testing.T) {
		log := NewViolationLog(nil, 3)
		require.NoError(t, appendAll(t, log, "a", "b", "c", "d", "e"))
		assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(log.All()))
	})

	t.Run("overflow is archived before removal", func(t *testing.T) {
		p := newFakePersistence()
		archiver := &sliceArchiver{}
		log := NewViolationLog(p, 3, WithOverflowArchiver(archiver))

		require.NoError(t, appendAll(t, log, "a", "b", "c", "d", "e"))
		assert.Equal(t, []string{"c", "d", "e"}, ids(log.All()))
		assert.Equal(t, []string{"a", "b"}, ids(archiver.archived))
		assert.Equal(t, []string{"c", "d", "e"}, ids(p.violations))
	})

	t.Run("failed archive keeps every entry", func(t *testing.T) {
		archiver := &sliceArchiver{err: errors.New("sheets down")}
		log := NewViolationLog(nil, 2, WithOverflowArchiver(archiver))

		err := appendAll(t, log, "a", "b", "c")
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeStorage))
		assert.Equal(t, []string{"a", "b", "c"}, ids(log.All()))

		archiver.err = nil
		require.NoError(t, appendAll(t, log, "d"))
		assert.Equal(t, []string{"c", "d"}, ids(log.All()))
		assert.Equal(t, []string{"a", "b"}, ids(archiver.archived))
	})
}

func TestViolationLogLoad(t *testing.T) {
	ctx := context.Background()
	p := newFakePersistence()
	p.violations = []ComplianceViolation{{ID: "v1"}, {ID: "v2"}}

	log := NewViolationLog(p, 1)
	require.NoError(t, log.Load(ctx))
	assert.Equal(t, []string{"v1", "v2"}, ids(log.All()))
}

func TestViolationLogPersistFailure(t *testing.T) {
	p := newFakePersistence()
	p.failWrites = true
	log := NewViolationLog(p, 0)

	err := log.Append(context.Background(), ComplianceViolation{ID: "v1"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeStorage))
	// the entry is kept in memory for audit even when persistence fails
	assert.Equal(t, 1, log.Len())
}
