// Package maintenance runs the background sweeps: resolving steps stuck
// awaiting a callback, retrying failed content purges, and expiring old
// callback receipts. Each sweep is idempotent and guarded by a Postgres
// advisory lock so that running several orchestrator replicas is safe.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/repo"
)

// Advisory lock names, one per sweep.
const (
	lockStuckRuns     = "veritide:sweep:stuck-runs"
	lockPurgeRetry    = "veritide:sweep:purge-retry"
	lockReceiptExpiry = "veritide:sweep:receipt-expiry"
)

// ErrSweepContended is returned when another replica holds the sweep lock.
var ErrSweepContended = errors.New("sweep already running elsewhere")

// Locker hands out named exclusive locks. Lock and release are tied to one
// Lock handle so implementations can pin session-scoped state, like the
// Postgres connection an advisory lock lives on, to a single acquisition.
type Locker interface {
	TryLock(ctx context.Context, key string) (Lock, bool, error)
}

// Lock is one held acquisition; Unlock releases it.
type Lock interface {
	Unlock(ctx context.Context) error
}

// TimeoutResolver resolves one expired awaiting step. *runs.Service
// satisfies it.
type TimeoutResolver interface {
	ResolveStepTimeout(ctx context.Context, stepRun domain.StepRun) (bool, error)
}

// ContentPurger deletes submission content from the object store.
// *objectstore.Store satisfies it.
type ContentPurger interface {
	DeleteSubmission(ctx context.Context, key string) error
}

type Sweeper struct {
	logger      *slog.Logger
	cfg         Config
	locker      Locker
	stepRuns    repo.StepRunRepository
	submissions repo.SubmissionRepository
	receipts    repo.ReceiptRepository
	resolver    TimeoutResolver
	purger      ContentPurger
	now         func() time.Time
}

func NewSweeper(
	logger *slog.Logger,
	cfg Config,
	locker Locker,
	stepRuns repo.StepRunRepository,
	submissions repo.SubmissionRepository,
	receipts repo.ReceiptRepository,
	resolver TimeoutResolver,
	purger ContentPurger,
) (*Sweeper, error) {
	if logger == nil || locker == nil || stepRuns == nil || submissions == nil || receipts == nil || resolver == nil || purger == nil {
		return nil, fmt.Errorf("all sweeper dependencies are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		logger:      logger,
		cfg:         cfg,
		locker:      locker,
		stepRuns:    stepRuns,
		submissions: submissions,
		receipts:    receipts,
		resolver:    resolver,
		purger:      purger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// withLock runs fn under the named advisory lock, reporting ErrSweepContended
// when another replica holds it.
func (s *Sweeper) withLock(ctx context.Context, name string, fn func(context.Context) error) error {
	lock, acquired, err := s.locker.TryLock(ctx, name)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", name, err)
	}
	if !acquired {
		return ErrSweepContended
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release sweep lock", slog.String("lock", name), slog.String("error", err.Error()))
		}
	}()
	return fn(ctx)
}

// SweepStuckRuns resolves steps whose callback deadline lapsed more than the
// configured grace ago. It returns the number of steps it resolved.
func (s *Sweeper) SweepStuckRuns(ctx context.Context) (int, error) {
	var resolved int
	err := s.withLock(ctx, lockStuckRuns, func(ctx context.Context) error {
		cutoff := s.now().Add(-s.cfg.StuckRunGrace)
		expired, err := s.stepRuns.ListExpiredAwaiting(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list expired steps: %w", err)
		}
		for _, stepRun := range expired {
			ok, err := s.resolver.ResolveStepTimeout(ctx, stepRun)
			if err != nil {
				s.logger.Error("resolve stuck step",
					slog.String("run_id", stepRun.RunID),
					slog.String("step_run_id", stepRun.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				resolved++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if resolved > 0 {
		s.logger.Info("stuck-run sweep finished", slog.Int("resolved", resolved))
	}
	return resolved, nil
}

// SweepPurges retries content purges for submissions past their retention
// window. A purge that keeps failing is flagged for operator attention after
// MaxPurgeAttempts. It returns the number of submissions purged.
func (s *Sweeper) SweepPurges(ctx context.Context) (int, error) {
	var purged int
	err := s.withLock(ctx, lockPurgeRetry, func(ctx context.Context) error {
		now := s.now()
		due, err := s.submissions.ListPurgeDue(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list purge-due submissions: %w", err)
		}
		for _, submission := range due {
			if err := s.purger.DeleteSubmission(ctx, submission.ContentKey); err != nil {
				s.recordPurgeFailure(ctx, submission, err)
				continue
			}
			if err := s.submissions.MarkPurged(ctx, submission.ID, s.now()); err != nil {
				s.logger.Error("mark submission purged",
					slog.String("submission_id", submission.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("purge sweep finished", slog.Int("purged", purged))
	}
	return purged, nil
}

func (s *Sweeper) recordPurgeFailure(ctx context.Context, submission domain.Submission, cause error) {
	attempts := submission.PurgeAttempts + 1
	s.logger.Warn("submission purge failed",
		slog.String("submission_id", submission.ID),
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()),
	)
	if attempts >= s.cfg.MaxPurgeAttempts {
		if err := s.submissions.FlagPurgeFailed(ctx, submission.ID); err != nil {
			s.logger.Error("flag purge failure",
				slog.String("submission_id", submission.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	next := s.now().Add(purgeBackoff(s.cfg.PurgeBackoffBase, s.cfg.PurgeBackoffFactor, attempts))
	if err := s.submissions.RecordPurgeFailure(ctx, submission.ID, attempts, next); err != nil {
		s.logger.Error("record purge failure",
			slog.String("submission_id", submission.ID),
			slog.String("error", err.Error()),
		)
	}
}

// purgeBackoff multiplies the base by factor per prior attempt, capped at
// one day.
func purgeBackoff(base time.Duration, factor float64, attempts int) time.Duration {
	const max = 24 * time.Hour
	backoff := base
	for i := 1; i < attempts; i++ {
		backoff = time.Duration(float64(backoff) * factor)
		if backoff >= max {
			return max
		}
	}
	return backoff
}

// SweepReceipts deletes callback receipts older than the retention window.
// The dedup guarantee only needs receipts while a late resend is plausible.
func (s *Sweeper) SweepReceipts(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.withLock(ctx, lockReceiptExpiry, func(ctx context.Context) error {
		cutoff := s.now().Add(-s.cfg.ReceiptRetention)
		n, err := s.receipts.DeleteExpiredReceipts(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("delete expired receipts: %w", err)
		}
		deleted = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("receipt sweep finished", slog.Int64("deleted", deleted))
	}
	return deleted, nil
}

// Run drives the sweeps on their intervals until the context is canceled.
// Lock contention is expected with several replicas and logged at debug.
func (s *Sweeper) Run(ctx context.Context) {
	stuck := time.NewTicker(s.cfg.StuckRunInterval)
	purge := time.NewTicker(s.cfg.PurgeInterval)
	receipts := time.NewTicker(s.cfg.ReceiptInterval)
	defer stuck.Stop()
	defer purge.Stop()
	defer receipts.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stuck.C:
			if _, err := s.SweepStuckRuns(ctx); err != nil {
				s.logSweepError(ctx, "stuck-runs", err)
			}
		case <-purge.C:
			if _, err := s.SweepPurges(ctx); err != nil {
				s.logSweepError(ctx, "purge-retry", err)
			}
		case <-receipts.C:
			if _, err := s.SweepReceipts(ctx); err != nil {
				s.logSweepError(ctx, "receipt-expiry", err)
			}
		}
	}
}

func (s *Sweeper) logSweepError(ctx context.Context, name string, err error) {
	if errors.Is(err, ErrSweepContended) {
		s.logger.Debug("sweep contended", slog.String("sweep", name))
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.logger.Error("sweep failed", slog.String("sweep", name), slog.String("error", err.Error()))
}
