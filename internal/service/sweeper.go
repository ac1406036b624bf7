package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guardianvault/recoveryd/internal/metrics"
	"github.com/guardianvault/recoveryd/internal/recovery"
)

const (
	// DefaultSweepInterval is the time between scans for elapsed timelocks.
	DefaultSweepInterval = 10 * time.Second
	// DefaultSweepBatchSize is the number of accounts finalized per scan.
	DefaultSweepBatchSize = 100
)

// TimelockSweeper finalizes accounts whose timelock has elapsed, so that
// recovery completes even when nobody polls the account.
type TimelockSweeper struct {
	store     Store
	accounts  *AccountService
	clock     recovery.Clock
	logger    *slog.Logger
	metrics   metrics.Recorder
	interval  time.Duration
	batchSize int
	started   bool
}

// NewTimelockSweeper creates a sweeper over the accounts in store.
func NewTimelockSweeper(store Store, accounts *AccountService, logger *slog.Logger, recorder metrics.Recorder) *TimelockSweeper {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimelockSweeper{
		store:     store,
		accounts:  accounts,
		clock:     accounts.cfg.Clock,
		logger:    logger.With("component", "timelock.sweeper"),
		metrics:   recorder,
		interval:  DefaultSweepInterval,
		batchSize: DefaultSweepBatchSize,
	}
}

// WithInterval sets the scan interval.
func (w *TimelockSweeper) WithInterval(d time.Duration) *TimelockSweeper {
	if d > 0 {
		w.interval = d
	}
	return w
}

// WithBatchSize sets how many due accounts one scan handles.
func (w *TimelockSweeper) WithBatchSize(n int) *TimelockSweeper {
	if n > 0 {
		w.batchSize = n
	}
	return w
}

// Run starts the sweep loop. Blocks until context is cancelled.
func (w *TimelockSweeper) Run(ctx context.Context) error {
	if w.started {
		return errors.New("sweeper already started")
	}
	w.started = true

	w.logger.Info("timelock sweeper started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("timelock sweeper stopping")
			return nil
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Error("sweep error", "error", err)
			}
		}
	}
}

// SweepOnce polls every due account once and returns how many finalized.
func (w *TimelockSweeper) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()

	due, err := w.store.ListDueTimelocks(ctx, w.clock.Now(), w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due timelocks: %w", err)
	}

	finalized := 0
	for _, id := range due {
		if ctx.Err() != nil {
			return finalized, ctx.Err()
		}
		ok, err := w.accounts.PollTimelock(ctx, id)
		if err != nil {
			// Left timelocked; the next scan retries.
			w.logger.Warn("finalize failed",
				"account_id", id,
				"error", err,
			)
			continue
		}
		if ok {
			finalized++
		}
	}

	w.metrics.ObserveSweep(len(due), time.Since(start))
	if len(due) > 0 {
		w.logger.Info("timelock sweep complete", "due", len(due), "finalized", finalized)
	}
	return finalized, nil
}
