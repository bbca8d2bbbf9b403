package license

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Archiver receives violations before they are pruned
type Archiver interface {
	Archive(ctx context.Context, violations []ComplianceViolation) error
}

// RetentionSweeper periodically prunes violations older than the retention
// window. With an Archiver set, a sweep prunes only after archiving succeeds.
type RetentionSweeper struct {
	manager   *Manager
	retention time.Duration
	interval  time.Duration
	archiver  Archiver
	logger    *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRetentionSweeper creates a sweeper. archiver may be nil.
func NewRetentionSweeper(manager *Manager, retention, interval time.Duration, archiver Archiver, logger *slog.Logger) *RetentionSweeper {
	if retention <= 0 {
		retention = DefaultViolationRetention
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{
		manager:   manager,
		retention: retention,
		interval:  interval,
		archiver:  archiver,
		logger:    logger.With("component", "retention_sweeper"),
		stopChan:  make(chan struct{}),
	}
}

// Start runs sweeps every interval until Stop is called or ctx is done
func (s *RetentionSweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop halts the sweeper and waits for an in-progress sweep
func (s *RetentionSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *RetentionSweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.WarnContext(ctx, "violation sweep failed", slog.String("error", err.Error()))
			}
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep archives and prunes violations older than the retention window
func (s *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	if err := s.manager.requireInitialized(); err != nil {
		return 0, err
	}

	cutoff := s.manager.now().Add(-s.retention)

	if s.archiver != nil {
		old := s.manager.violations.Before(cutoff)
		if len(old) == 0 {
			return 0, nil
		}
		if err := s.archiver.Archive(ctx, old); err != nil {
			return 0, err
		}
		s.logger.InfoContext(ctx, "violations archived", slog.Int("count", len(old)))
	}

	return s.manager.pruneViolations(ctx, cutoff)
}
