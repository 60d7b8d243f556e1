package scheduler

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Interval != time.Hour {
		t.Fatalf("expected default interval 1h, got %v", cfg.Interval)
	}
	if cfg.WindowDays != 0 {
		t.Fatalf("expected payment window disabled, got %d", cfg.WindowDays)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("PAYABLE_PAYMENT_BASE_URL", "https://payments.test")
	t.Setenv("PAYABLE_SCHEDULER_INTERVAL", "30m")

	fs := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	args := []string{"-interval", "10m", "-payment-window-days", "7"}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Interval != 10*time.Minute {
		t.Fatalf("expected flag interval 10m, got %v", cfg.Interval)
	}
	if cfg.WindowDays != 7 {
		t.Fatalf("expected payment window 7, got %d", cfg.WindowDays)
	}
	if cfg.PaymentBaseURL != "https://payments.test" {
		t.Fatalf("expected env base url, got %q", cfg.PaymentBaseURL)
	}
}
