// Package main provides a one-shot utility for webhook signing secrets.
package main

import (
	"flag"
	"os"

	"github.com/ledgerline/payable/internal/platform/config"
	"github.com/ledgerline/payable/internal/tools/hmackey"
)

func main() {
	cfg, err := hmackey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := hmackey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate signing secret: %v", err)
	}
}
