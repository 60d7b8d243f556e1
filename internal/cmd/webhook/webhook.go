// Package webhook wires the payment-confirmation webhook command.
package webhook

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"strings"
	"time"

	cmdplatform "github.com/ledgerline/payable/internal/platform/cmd"
	server "github.com/ledgerline/payable/internal/services/confirm/app"
)

// Config holds webhook command configuration.
type Config struct {
	Port          int           `env:"PAYABLE_WEBHOOK_PORT" envDefault:"8081"`
	StoragePath   string        `env:"PAYABLE_STORAGE_PATH" envDefault:"payable.db"`
	SigningSecret string        `env:"PAYABLE_WEBHOOK_SIGNING_SECRET"`
	Tolerance     time.Duration `env:"PAYABLE_WEBHOOK_TOLERANCE"`
}

// ParseConfig loads env defaults and parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := cmdplatform.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The webhook HTTP server port")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "Path to the invoice database")
	fs.DurationVar(&cfg.Tolerance, "tolerance", cfg.Tolerance, "Accepted signature timestamp skew")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the webhook server.
func Run(ctx context.Context, cfg Config) error {
	secret, err := decodeSecret(cfg.SigningSecret)
	if err != nil {
		return err
	}

	return cmdplatform.RunWithTelemetry(ctx, cmdplatform.ServiceWebhook, func(ctx context.Context) error {
		srv, err := server.New(server.Config{
			Port:          cfg.Port,
			StoragePath:   cfg.StoragePath,
			SigningSecret: secret,
			Tolerance:     cfg.Tolerance,
		})
		if err != nil {
			return err
		}
		return srv.Serve(ctx)
	})
}

// decodeSecret accepts the hex form emitted by the hmac-key tool and falls
// back to the raw bytes for secrets issued by the payment processor.
func decodeSecret(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("PAYABLE_WEBHOOK_SIGNING_SECRET is required")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return []byte(value), nil
}
