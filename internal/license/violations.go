package license

import (
	"context"
	"slices"
	"sync"
	"time"

	apperrors "playguard/internal/errors"
)

// DefaultViolationRetention is the age after which violations are pruned
const DefaultViolationRetention = 7 * 24 * time.Hour

// ViolationLog is an append-only list of compliance violations. Entries
// leave the log only through Prune or, when maxEntries is positive and an
// overflow Archiver is set, after the Archiver has accepted them. Without an
// Archiver the cap is not enforced.
//
// Every write persists the whole log through PutViolations, so appends cost
// O(n) in the log size on the file and Redis backends. Keep the retention
// window, or the cap, small enough for that to stay cheap.
type ViolationLog struct {
	mu         sync.RWMutex
	entries    []ComplianceViolation
	maxEntries int
	seq        uint64

	evictMu  sync.Mutex
	archiver Archiver

	persistMu   sync.Mutex
	persisted   uint64
	persistence Persistence
}

// ViolationLogOption configures a ViolationLog
type ViolationLogOption func(*ViolationLog)

// WithOverflowArchiver archives the oldest entries beyond the cap before
// they are removed from the log
func WithOverflowArchiver(a Archiver) ViolationLogOption {
	return func(l *ViolationLog) { l.archiver = a }
}

// NewViolationLog creates a log. persistence may be nil.
func NewViolationLog(persistence Persistence, maxEntries int, opts ...ViolationLogOption) *ViolationLog {
	l := &ViolationLog{
		persistence: persistence,
		maxEntries:  maxEntries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load replaces the in-memory entries with the persisted ones
func (l *ViolationLog) Load(ctx context.Context) error {
	if l.persistence == nil {
		return nil
	}

	entries, err := l.persistence.GetViolations(ctx)
	if err != nil {
		return apperrors.NewStorageError("failed to load violations", err)
	}

	l.mu.Lock()
	l.entries = entries
	l.seq++
	l.mu.Unlock()
	return nil
}

// Append records v and persists the log. If the log is over its cap, the
// overflow is archived and then removed. A failed archive keeps every entry.
func (l *ViolationLog) Append(ctx context.Context, v ComplianceViolation) error {
	l.mu.Lock()
	l.entries = append(l.entries, v)
	snapshot, seq := l.snapshotLocked()
	l.mu.Unlock()

	if err := l.persist(ctx, seq, snapshot); err != nil {
		return err
	}
	return l.evictOverflow(ctx)
}

// All returns a copy of every entry, oldest first
func (l *ViolationLog) All() []ComplianceViolation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

// Len returns the number of entries
func (l *ViolationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Before returns the entries recorded before cutoff
func (l *ViolationLog) Before(cutoff time.Time) []ComplianceViolation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []ComplianceViolation
	for _, v := range l.entries {
		if v.Timestamp.Before(cutoff) {
			out = append(out, v)
		}
	}
	return out
}

// Prune removes entries recorded before cutoff and returns how many went
func (l *ViolationLog) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	kept := l.entries[:0:0]
	for _, v := range l.entries {
		if !v.Timestamp.Before(cutoff) {
			kept = append(kept, v)
		}
	}
	removed := len(l.entries) - len(kept)
	if removed == 0 {
		l.mu.Unlock()
		return 0, nil
	}
	l.entries = kept
	snapshot, seq := l.snapshotLocked()
	l.mu.Unlock()

	return removed, l.persist(ctx, seq, snapshot)
}

// evictOverflow archives the oldest entries beyond maxEntries and removes
// them once the archiver accepts them
func (l *ViolationLog) evictOverflow(ctx context.Context) error {
	if l.maxEntries <= 0 || l.archiver == nil {
		return nil
	}

	l.evictMu.Lock()
	defer l.evictMu.Unlock()

	l.mu.RLock()
	var overflow []ComplianceViolation
	if n := len(l.entries) - l.maxEntries; n > 0 {
		overflow = slices.Clone(l.entries[:n])
	}
	l.mu.RUnlock()

	if len(overflow) == 0 {
		return nil
	}
	if err := l.archiver.Archive(ctx, overflow); err != nil {
		return apperrors.NewStorageError("failed to archive violations over the cap", err)
	}

	// Prune may have run while archiving, so remove by ID rather than position
	archived := make(map[string]struct{}, len(overflow))
	for _, v := range overflow {
		archived[v.ID] = struct{}{}
	}

	l.mu.Lock()
	kept := l.entries[:0:0]
	for _, v := range l.entries {
		if _, ok := archived[v.ID]; !ok {
			kept = append(kept, v)
		}
	}
	l.entries = kept
	snapshot, seq := l.snapshotLocked()
	l.mu.Unlock()

	return l.persist(ctx, seq, snapshot)
}

func (l *ViolationLog) snapshotLocked() ([]ComplianceViolation, uint64) {
	l.seq++
	return slices.Clone(l.entries), l.seq
}

// persist writes snapshot unless a newer one has already been written
func (l *ViolationLog) persist(ctx context.Context, seq uint64, snapshot []ComplianceViolation) error {
	if l.persistence == nil {
		return nil
	}

	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	if seq <= l.persisted {
		return nil
	}
	if err := l.persistence.PutViolations(ctx, snapshot); err != nil {
		return apperrors.NewStorageError("failed to persist violations", err)
	}
	l.persisted = seq
	return nil
}
