package maintenance

import (
	"fmt"
	"time"

	"github.com/veritide-labs/veritide-go/internal/platform/env"
)

type Config struct {
	// StuckRunGrace is how long past a step's callback deadline the sweep
	// waits before resolving it, absorbing clock skew and slow senders.
	StuckRunGrace time.Duration
	// ReceiptRetention is how long applied callback receipts are kept for
	// duplicate detection.
	ReceiptRetention time.Duration
	// PurgeBackoffBase is the first retry delay after a failed purge; it
	// grows by PurgeBackoffFactor per attempt.
	PurgeBackoffBase   time.Duration
	PurgeBackoffFactor float64
	MaxPurgeAttempts   int
	BatchSize          int

	StuckRunInterval time.Duration
	PurgeInterval    time.Duration
	ReceiptInterval  time.Duration
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{}
	var err error
	if cfg.StuckRunGrace, err = env.Duration("VERITIDE_SWEEP_STUCK_GRACE", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ReceiptRetention, err = env.Duration("VERITIDE_SWEEP_RECEIPT_RETENTION", 7*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.PurgeBackoffBase, err = env.Duration("VERITIDE_SWEEP_PURGE_BACKOFF", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PurgeBackoffFactor, err = env.Float64("VERITIDE_SWEEP_PURGE_BACKOFF_FACTOR", 2); err != nil {
		return Config{}, err
	}
	if cfg.MaxPurgeAttempts, err = env.Int("VERITIDE_SWEEP_PURGE_MAX_ATTEMPTS", 8); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = env.Int("VERITIDE_SWEEP_BATCH_SIZE", 100); err != nil {
		return Config{}, err
	}
	if cfg.StuckRunInterval, err = env.Duration("VERITIDE_SWEEP_STUCK_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PurgeInterval, err = env.Duration("VERITIDE_SWEEP_PURGE_INTERVAL", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ReceiptInterval, err = env.Duration("VERITIDE_SWEEP_RECEIPT_INTERVAL", time.Hour); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.StuckRunGrace < 0 {
		return fmt.Errorf("stuck-run grace must not be negative")
	}
	if c.ReceiptRetention <= 0 {
		return fmt.Errorf("receipt retention must be positive")
	}
	if c.PurgeBackoffBase <= 0 {
		return fmt.Errorf("purge backoff base must be positive")
	}
	if c.PurgeBackoffFactor < 1 {
		return fmt.Errorf("purge backoff factor must be >= 1")
	}
	if c.MaxPurgeAttempts < 1 {
		return fmt.Errorf("max purge attempts must be >= 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1")
	}
	if c.StuckRunInterval <= 0 || c.PurgeInterval <= 0 || c.ReceiptInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	return nil
}
