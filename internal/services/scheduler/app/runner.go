// Package runner hosts the payment scheduler loop.
package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ledgerline/payable/internal/gateway"
	"github.com/ledgerline/payable/internal/services/scheduler"
	"github.com/ledgerline/payable/internal/storage/sqlite"
)

// Config configures the scheduler runner.
type Config struct {
	StoragePath string
	Submitter   gateway.PaymentSubmitter
	Interval    time.Duration
	WindowDays  int
	MaxAttempts int
}

// Runner owns the store and scheduler for repeated payment cycles.
type Runner struct {
	store     *sqlite.Store
	scheduler *scheduler.Scheduler
	interval  time.Duration
}

// New creates a configured scheduler runner.
func New(cfg Config) (*Runner, error) {
	store, err := sqlite.Open(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open invoice store: %w", err)
	}

	var opts []scheduler.Option
	if cfg.MaxAttempts > 0 {
		opts = append(opts, scheduler.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.WindowDays > 0 {
		opts = append(opts, scheduler.WithPaymentWindow(cfg.WindowDays))
	}
	sched, err := scheduler.New(store, cfg.Submitter, opts...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	return &Runner{
		store:     store,
		scheduler: sched,
		interval:  cfg.Interval,
	}, nil
}

// Run executes payment cycles until the context ends. A zero interval runs a
// single cycle and returns.
func (r *Runner) Run(ctx context.Context) error {
	defer r.closeStore()

	if _, err := r.scheduler.RunCycle(ctx); err != nil {
		return fmt.Errorf("run payment cycle: %w", err)
	}
	if r.interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.scheduler.RunCycle(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("payment cycle failed: %v", err)
			}
		}
	}
}

func (r *Runner) closeStore() {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.Close(); err != nil {
		log.Printf("close invoice store: %v", err)
	}
}
