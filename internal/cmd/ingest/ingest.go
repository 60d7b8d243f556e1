// Package ingest wires the inbound-email service command.
package ingest

import (
	"context"
	"flag"
	"fmt"

	cmdplatform "github.com/ledgerline/payable/internal/platform/cmd"
	"github.com/ledgerline/payable/internal/gateway/openai"
	server "github.com/ledgerline/payable/internal/services/ingest/app"
)

// Config holds ingest command configuration.
type Config struct {
	Port         int    `env:"PAYABLE_INGEST_PORT" envDefault:"8080"`
	StoragePath  string `env:"PAYABLE_STORAGE_PATH" envDefault:"payable.db"`
	OpenAIAPIKey string `env:"PAYABLE_OPENAI_API_KEY"`
	OpenAIModel  string `env:"PAYABLE_OPENAI_MODEL"`
	MaxAttempts  int    `env:"PAYABLE_MAX_ATTEMPTS"`
}

// ParseConfig loads env defaults and parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := cmdplatform.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The ingest HTTP server port")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "Path to the invoice database")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", cfg.OpenAIModel, "Model for classification and extraction")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Processing attempt ceiling per invoice")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the ingest server.
func Run(ctx context.Context, cfg Config) error {
	client, err := openai.NewClient(openai.Config{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.OpenAIModel,
	})
	if err != nil {
		return fmt.Errorf("build openai gateway: %w", err)
	}

	return cmdplatform.RunWithTelemetry(ctx, cmdplatform.ServiceIngest, func(ctx context.Context) error {
		srv, err := server.New(server.Config{
			Port:        cfg.Port,
			StoragePath: cfg.StoragePath,
			Classifier:  client,
			Extractor:   client,
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			return err
		}
		return srv.Serve(ctx)
	})
}
