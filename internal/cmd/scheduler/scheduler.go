// Package scheduler wires the payment scheduler command.
package scheduler

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/ledgerline/payable/internal/gateway/payment"
	cmdplatform "github.com/ledgerline/payable/internal/platform/cmd"
	runner "github.com/ledgerline/payable/internal/services/scheduler/app"
)

// Config holds scheduler command configuration.
type Config struct {
	StoragePath    string        `env:"PAYABLE_STORAGE_PATH" envDefault:"payable.db"`
	PaymentBaseURL string        `env:"PAYABLE_PAYMENT_BASE_URL"`
	PaymentAPIKey  string        `env:"PAYABLE_PAYMENT_API_KEY"`
	Interval       time.Duration `env:"PAYABLE_SCHEDULER_INTERVAL" envDefault:"1h"`
	WindowDays     int           `env:"PAYABLE_PAYMENT_WINDOW_DAYS"`
	MaxAttempts    int           `env:"PAYABLE_MAX_ATTEMPTS"`
}

// ParseConfig loads env defaults and parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := cmdplatform.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "Path to the invoice database")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Time between payment cycles; 0 runs once")
	fs.IntVar(&cfg.WindowDays, "payment-window-days", cfg.WindowDays, "Defer batch payments due beyond this many days; 0 disables")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Processing attempt ceiling per invoice")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the payment scheduler loop.
func Run(ctx context.Context, cfg Config) error {
	submitter, err := payment.NewClient(payment.Config{
		BaseURL: cfg.PaymentBaseURL,
		APIKey:  cfg.PaymentAPIKey,
	})
	if err != nil {
		return fmt.Errorf("build payment gateway: %w", err)
	}

	return cmdplatform.RunWithTelemetry(ctx, cmdplatform.ServiceScheduler, func(ctx context.Context) error {
		r, err := runner.New(runner.Config{
			StoragePath: cfg.StoragePath,
			Submitter:   submitter,
			Interval:    cfg.Interval,
			WindowDays:  cfg.WindowDays,
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			return err
		}
		return r.Run(ctx)
	})
}
