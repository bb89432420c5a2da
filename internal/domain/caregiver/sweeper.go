package caregiver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthbridge/healthbridge/internal/platform/lock"
	"github.com/healthbridge/healthbridge/internal/platform/metrics"
)

// SweepLockName is the lock key, under the locker's prefix, that keeps the
// sweep to one replica at a time.
const SweepLockName = "invitation-sweep"

type expirer interface {
	MarkExpiredInvitations(ctx context.Context) (int, error)
}

// leaser is satisfied by *lock.Locker.
type leaser interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
	Release(ctx context.Context, lease *lock.Lease) error
}

type SweeperConfig struct {
	Interval time.Duration
	// LockTTL bounds how long a crashed replica can hold the sweep lock.
	// Defaults to Interval.
	LockTTL time.Duration
}

// Sweeper periodically expires lapsed pending invitations.
type Sweeper struct {
	svc     expirer
	locks   leaser
	cfg     SweeperConfig
	metrics *metrics.CaregiverMetrics
	logger  zerolog.Logger
}

// NewSweeper builds a sweeper. locks may be nil for single-replica setups.
func NewSweeper(svc expirer, locks leaser, cfg SweeperConfig, m *metrics.CaregiverMetrics, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Sweeper{svc: svc, locks: locks, cfg: cfg, metrics: m, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("invitation expiry sweeper started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("invitation expiry sweep failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("invitation expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep and returns the number of invitations expired.
// It returns (0, nil) without sweeping when another replica holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.locks != nil {
		lease, err := s.locks.TryAcquire(ctx, SweepLockName, s.cfg.LockTTL)
		if err != nil {
			s.metrics.SweepRun(metrics.SweepResultError, 0)
			return 0, err
		}
		if lease == nil {
			s.metrics.SweepRun(metrics.SweepResultSkipped, 0)
			s.logger.Debug().Msg("invitation sweep lock held elsewhere, skipping")
			return 0, nil
		}
		defer func() {
			// Release with a fresh context so a cancelled run still frees the key.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.locks.Release(releaseCtx, lease); err != nil {
				s.logger.Warn().Err(err).Msg("failed to release invitation sweep lock")
			}
		}()
	}

	n, err := s.svc.MarkExpiredInvitations(ctx)
	if err != nil {
		s.metrics.SweepRun(metrics.SweepResultError, n)
		return n, err
	}
	s.metrics.SweepRun(metrics.SweepResultOK, n)
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("expired lapsed caregiver invitations")
	}
	return n, nil
}
