package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/veritide-labs/veritide-go/internal/domain"
)

type fakeLocker struct {
	contended map[string]bool
	held      map[string]bool
}

func (f *fakeLocker) TryLock(ctx context.Context, key string) (Lock, bool, error) {
	if f.contended[key] {
		return nil, false, nil
	}
	if f.held[key] {
		return nil, false, fmt.Errorf("lock %s acquired twice", key)
	}
	f.held[key] = true
	return &fakeLock{locker: f, key: key}, true, nil
}

// fakeLock releases only the acquisition it came from, mirroring the
// session affinity of the Postgres implementation.
type fakeLock struct {
	locker *fakeLocker
	key    string
}

func (l *fakeLock) Unlock(ctx context.Context) error {
	if !l.locker.held[l.key] {
		return fmt.Errorf("lock %s not held", l.key)
	}
	delete(l.locker.held, l.key)
	return nil
}

type fakeStepRuns struct {
	expired []domain.StepRun
	cutoff  time.Time
}

func (f *fakeStepRuns) CreateStepRun(ctx context.Context, stepRun domain.StepRun) error { return nil }

func (f *fakeStepRuns) GetStepRun(ctx context.Context, id string) (domain.StepRun, error) {
	return domain.StepRun{}, nil
}

func (f *fakeStepRuns) ListStepRunsByRun(ctx context.Context, runID string) ([]domain.StepRun, error) {
	return nil, nil
}

func (f *fakeStepRuns) MarkDispatched(ctx context.Context, id string, envelopeSent []byte, dispatchedAt time.Time, deadline *time.Time) error {
	return nil
}

func (f *fakeStepRuns) CompleteFromCallback(ctx context.Context, id string, status domain.StepRunStatus, envelopeReceived []byte, findings []domain.Finding, completedAt time.Time) (bool, error) {
	return false, nil
}

func (f *fakeStepRuns) CompleteInProcess(ctx context.Context, id string, status domain.StepRunStatus, findings []domain.Finding, completedAt time.Time) error {
	return nil
}

func (f *fakeStepRuns) ListExpiredAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]domain.StepRun, error) {
	f.cutoff = cutoff
	return f.expired, nil
}

type fakeResolver struct {
	resolved []string
	failFor  string
	skipFor  string
}

func (f *fakeResolver) ResolveStepTimeout(ctx context.Context, stepRun domain.StepRun) (bool, error) {
	if stepRun.ID == f.failFor {
		return false, errors.New("resolver unavailable")
	}
	if stepRun.ID == f.skipFor {
		return false, nil
	}
	f.resolved = append(f.resolved, stepRun.ID)
	return true, nil
}

type fakeSubmissions struct {
	due      []domain.Submission
	purged   []string
	failures map[string]int
	flagged  []string
	nextAt   map[string]time.Time
}

func (f *fakeSubmissions) CreateSubmission(ctx context.Context, submission domain.Submission) error {
	return nil
}

func (f *fakeSubmissions) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return domain.Submission{}, nil
}

func (f *fakeSubmissions) ListPurgeDue(ctx context.Context, now time.Time, limit int) ([]domain.Submission, error) {
	return f.due, nil
}

func (f *fakeSubmissions) MarkPurged(ctx context.Context, id string, at time.Time) error {
	f.purged = append(f.purged, id)
	return nil
}

func (f *fakeSubmissions) RecordPurgeFailure(ctx context.Context, id string, attempts int, nextAttempt time.Time) error {
	f.failures[id] = attempts
	f.nextAt[id] = nextAttempt
	return nil
}

func (f *fakeSubmissions) FlagPurgeFailed(ctx context.Context, id string) error {
	f.flagged = append(f.flagged, id)
	return nil
}

type fakePurger struct {
	deleted []string
	failFor string
}

func (f *fakePurger) DeleteSubmission(ctx context.Context, key string) error {
	if key == f.failFor {
		return errors.New("bucket unreachable")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeReceipts struct {
	deleted int64
	cutoff  time.Time
}

func (f *fakeReceipts) InsertReceipt(ctx context.Context, receipt domain.CallbackReceipt) (domain.CallbackReceipt, bool, error) {
	return receipt, true, nil
}

func (f *fakeReceipts) GetReceipt(ctx context.Context, runID, stepRunID, idempotencyKey string) (domain.CallbackReceipt, error) {
	return domain.CallbackReceipt{}, nil
}

func (f *fakeReceipts) DeleteExpiredReceipts(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.cutoff = cutoff
	return f.deleted, nil
}

func testConfig() Config {
	return Config{
		StuckRunGrace:      2 * time.Minute,
		ReceiptRetention:   24 * time.Hour,
		PurgeBackoffBase:   5 * time.Minute,
		PurgeBackoffFactor: 2,
		MaxPurgeAttempts:   3,
		BatchSize:          50,
		StuckRunInterval:   time.Minute,
		PurgeInterval:      time.Minute,
		ReceiptInterval:    time.Minute,
	}
}

type fixtures struct {
	locker      *fakeLocker
	stepRuns    *fakeStepRuns
	resolver    *fakeResolver
	submissions *fakeSubmissions
	purger      *fakePurger
	receipts    *fakeReceipts
}

func newSweeper(t *testing.T, cfg Config) (*Sweeper, *fixtures) {
	t.Helper()
	f := &fixtures{
		locker:   &fakeLocker{contended: map[string]bool{}, held: map[string]bool{}},
		stepRuns: &fakeStepRuns{},
		resolver: &fakeResolver{},
		submissions: &fakeSubmissions{
			failures: map[string]int{},
			nextAt:   map[string]time.Time{},
		},
		purger:   &fakePurger{},
		receipts: &fakeReceipts{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper, err := NewSweeper(logger, cfg, f.locker, f.stepRuns, f.submissions, f.receipts, f.resolver, f.purger)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return sweeper, f
}

func TestSweepStuckRunsResolvesExpiredSteps(t *testing.T) {
	sweeper, f := newSweeper(t, testConfig())
	f.stepRuns.expired = []domain.StepRun{
		{ID: "sr-1", RunID: "run-1", Status: domain.StepRunStatusAwaitingCallback},
		{ID: "sr-2", RunID: "run-2", Status: domain.StepRunStatusAwaitingCallback},
		{ID: "sr-3", RunID: "run-3", Status: domain.StepRunStatusAwaitingCallback},
	}
	f.resolver.failFor = "sr-2"
	f.resolver.skipFor = "sr-3"

	resolved, err := sweeper.SweepStuckRuns(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
	if len(f.resolver.resolved) != 1 || f.resolver.resolved[0] != "sr-1" {
		t.Fatalf("resolved ids = %v", f.resolver.resolved)
	}
	if len(f.locker.held) != 0 {
		t.Fatalf("lock still held after sweep: %v", f.locker.held)
	}
	// The grace window pushes the cutoff behind now.
	if !f.stepRuns.cutoff.Before(time.Now()) {
		t.Fatalf("cutoff = %v, want before now", f.stepRuns.cutoff)
	}
}

func TestSweepStuckRunsContended(t *testing.T) {
	sweeper, f := newSweeper(t, testConfig())
	f.locker.contended[lockStuckRuns] = true

	if _, err := sweeper.SweepStuckRuns(context.Background()); !errors.Is(err, ErrSweepContended) {
		t.Fatalf("err = %v, want ErrSweepContended", err)
	}
}

func TestSweepReleasesLockForTheNextPass(t *testing.T) {
	sweeper, f := newSweeper(t, testConfig())

	// The fake errors on a second acquisition of a still-held lock, so two
	// clean passes prove each sweep releases the lock it acquired.
	for i := 0; i < 2; i++ {
		if _, err := sweeper.SweepStuckRuns(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}
	if len(f.locker.held) != 0 {
		t.Fatalf("lock still held: %v", f.locker.held)
	}
}

func TestSweepPurgesDeletesAndMarks(t *testing.T) {
	sweeper, f := newSweeper(t, testConfig())
	f.submissions.due = []domain.Submission{
		{ID: "sub-1", ContentKey: "org/sub-1/a.json", PurgeState: domain.PurgeStateRetained},
		{ID: "sub-2", ContentKey: "org/sub-2/b.json", PurgeState: domain.PurgeStateRetained},
	}

	purged, err := sweeper.SweepPurges(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if purged != 2 {
		t.Fatalf("purged = %d, want 2", purged)
	}
	if len(f.submissions.purged) != 2 {
		t.Fatalf("marked purged = %v", f.submissions.purged)
	}
	if len(f.purger.deleted) != 2 {
		t.Fatalf("deleted keys = %v", f.purger.deleted)
	}
}

func TestSweepPurgesRecordsFailureWithBackoff(t *testing.T) {
	sweeper, f := newSweeper(t, testConfig())
	f.submissions.due = []domain.Submission{
		{ID: "sub-1", ContentKey: "org/sub-1/a.json", PurgeAttempts: 1, PurgeState: domain.PurgeStateFailed},
	}
	f.purger.failFor = "org/sub-1/a.json"

	purged, err := sweeper.SweepPurges(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if purged != 0 {
		t.Fatalf("purged = %d, want 0", purged)
	}
	if f.submissions.failures["sub-1"] != 2 {
		t.Fatalf("attempts = %d, want 2", f.submissions.failures["sub-1"])
	}
	// Second attempt waits twice the base.
	wantDelay := 10 * time.Minute
	delay := time.Until(f.submissions.nextAt["sub-1"]).Round(time.Minute)
	if delay != wantDelay {
		t.Fatalf("retry delay = %v, want %v", delay, wantDelay)
	}
}

func TestSweepPurgesFlagsAfterMaxAttempts(t *testing.T) {
	sweeper, f := newSweeper(t, testConfig())
	f.submissions.due = []domain.Submission{
		{ID: "sub-1", ContentKey: "org/sub-1/a.json", PurgeAttempts: 2, PurgeState: domain.PurgeStateFailed},
	}
	f.purger.failFor = "org/sub-1/a.json"

	if _, err := sweeper.SweepPurges(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(f.submissions.flagged) != 1 || f.submissions.flagged[0] != "sub-1" {
		t.Fatalf("flagged = %v, want [sub-1]", f.submissions.flagged)
	}
	if _, recorded := f.submissions.failures["sub-1"]; recorded {
		t.Fatal("flagged submission must not be rescheduled")
	}
}

func TestSweepReceiptsUsesRetentionCutoff(t *testing.T) {
	sweeper, f := newSweeper(t, testConfig())
	f.receipts.deleted = 17

	deleted, err := sweeper.SweepReceipts(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 17 {
		t.Fatalf("deleted = %d, want 17", deleted)
	}
	age := time.Since(f.receipts.cutoff).Round(time.Hour)
	if age != 24*time.Hour {
		t.Fatalf("cutoff age = %v, want 24h", age)
	}
}

func TestPurgeBackoffGrowsAndCaps(t *testing.T) {
	cases := []struct {
		factor   float64
		attempts int
		want     time.Duration
	}{
		{2, 1, 5 * time.Minute},
		{2, 2, 10 * time.Minute},
		{2, 3, 20 * time.Minute},
		{2, 12, 24 * time.Hour},
		{1.5, 2, 450 * time.Second},
		{1, 5, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := purgeBackoff(5*time.Minute, tc.factor, tc.attempts); got != tc.want {
			t.Fatalf("purgeBackoff(5m, %v, %d) = %v, want %v", tc.factor, tc.attempts, got, tc.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := testConfig()
	bad.MaxPurgeAttempts = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero max purge attempts")
	}
	bad = testConfig()
	bad.BatchSize = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero batch size")
	}
	bad = testConfig()
	bad.PurgeBackoffFactor = 0.5
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for sub-unit backoff factor")
	}
}
