package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

const (
	defaultBlockTime   = 100 * time.Millisecond
	defaultGracePeriod = 3
	defaultWindow      = 50
)

// config defines the configuration options for rehearse.
type config struct {
	Direct      bool          `long:"direct" description:"submit signatures directly instead of relaying them through the partner"`
	CrossChain  bool          `short:"x" long:"cross-chain" description:"settle on a secondary chain and wait for the canonical claim"`
	Batch       uint          `short:"n" long:"batch" description:"number of random tx hashes to cover with the registration"`
	BlockTime   time.Duration `short:"t" long:"block-time" description:"settlement block cadence"`
	GracePeriod uint64        `long:"grace-period" description:"blocks between acknowledgement and window start"`
	Window      uint64        `long:"window" description:"registration window length in blocks"`
	Debug       bool          `long:"debug" description:"enable debug logs"`
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{
		BlockTime:   defaultBlockTime,
		GracePeriod: defaultGracePeriod,
		Window:      defaultWindow,
	}

	// Parse command line options.
	if _, err := flags.Parse(&cfg); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		return nil, err
	}

	return &cfg, nil
}
