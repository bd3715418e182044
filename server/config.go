// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2024-2026 The Warden developers

package server

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jessevdk/go-flags"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/peer"
	"github.com/wardenwallet/warden/registry"
	"github.com/wardenwallet/warden/session"
	"github.com/wardenwallet/warden/settlement"
)

const (
	defaultDbDirName      = "db"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
)

// Config defines the configuration options for the warden daemon.
//
// Values are resolved in three passes: hardcoded defaults, then the config
// file, then command line flags.
type Config struct {
	Role           registry.Role `long:"role"           description:"Which side of the session this node runs (registeree or relayer)"`
	Mode           registry.Mode `long:"mode"           description:"How the registeree's signatures reach the settlement chain (direct or relayed)"`
	WardenDir      string        `long:"wardendir"      description:"The base directory that contains warden's data, logs, configuration file, etc."`
	ConfigFile     string        `long:"configfile"     description:"Path to configuration file"                                                    short:"c"`
	DataDir        string        `long:"datadir"        description:"The directory to store warden's data within."                                  short:"b"`
	DbDir          string        `long:"dbdir"          description:"The directory to store DBs within"`
	LogDir         string        `long:"logdir"         description:"Directory to log output."`
	DebugLog       bool          `long:"debuglog"       description:"Enable debug logs"`
	JSONLog        bool          `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles    int           `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int           `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	MetricsPort    *uint16       `long:"metrics-port"   description:"The port to expose metrics"`

	Partner        string     `long:"partner"           description:"Peer id of the session counterpart"`
	RelayerAddress Address    `long:"relayer-address"   description:"Settlement address of the relayer (relayed mode)"`
	IncidentAt     *Timestamp `long:"incident-at"       description:"Wallet compromise timestamp in RFC3339 format"`
	IncidentChain  uint64     `long:"incident-chain-id" description:"Chain id the compromise was observed on (defaults to the settlement chain)"`
	BatchTxs       []TxHash   `long:"batch-tx"          description:"Compromised-wallet tx hash to cover with the registration (repeatable)"`
	BatchChains    []uint64   `long:"batch-chain-id"    description:"Chain id of the matching batch-tx entry (repeatable)"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	P2P        peer.HostConfig      `group:"P2P"`
	Session    session.Config       `group:"Session"`
	Registry   registry.Config      `group:"Registry"`
	Settlement settlement.SimConfig `group:"Settlement"`
}

type Timestamp time.Time

// UnmarshalFlag implements flags.Unmarshaler.
func (t *Timestamp) UnmarshalFlag(value string) error {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// Address is a settlement address flag in 0x-prefixed hex form.
type Address common.Address

// UnmarshalFlag implements flags.Unmarshaler.
func (a *Address) UnmarshalFlag(value string) error {
	if !common.IsHexAddress(value) {
		return fmt.Errorf("invalid settlement address %q", value)
	}
	*a = Address(common.HexToAddress(value))
	return nil
}

func (a Address) Addr() common.Address {
	return common.Address(a)
}

// TxHash is a transaction hash flag in 0x-prefixed hex form.
type TxHash common.Hash

// UnmarshalFlag implements flags.Unmarshaler.
func (h *TxHash) UnmarshalFlag(value string) error {
	raw, err := hexutil.Decode(value)
	if err != nil {
		return fmt.Errorf("invalid tx hash %q: %w", value, err)
	}
	if len(raw) != common.HashLength {
		return fmt.Errorf("tx hash %q must be %d bytes", value, common.HashLength)
	}
	*h = TxHash(common.BytesToHash(raw))
	return nil
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	wardenDir := "./warden"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		wardenDir = filepath.Join(cacheDir, "warden")
	}

	p2p := peer.DefaultHostConfig()
	// Flag occurrences append to slice values, so the listen default lives in
	// peer.NewHost instead of here.
	p2p.ListenAddrs = nil

	return &Config{
		Role:           registry.RoleRegisteree,
		Mode:           registry.ModeDirect,
		WardenDir:      wardenDir,
		DataDir:        filepath.Join(wardenDir, defaultDataDirname),
		DbDir:          filepath.Join(wardenDir, defaultDbDirName),
		LogDir:         filepath.Join(wardenDir, defaultLogDirname),
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		P2P:            p2p,
		Session:        session.DefaultConfig(),
		Registry:       registry.DefaultConfig(),
		Settlement:     settlement.DefaultSimConfig(),
	}
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config) (*Config, error) {
	if _, err := flags.Parse(preCfg); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided warden directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	defaultCfg := DefaultConfig()
	if cfg.WardenDir != defaultCfg.WardenDir {
		if cfg.DataDir == defaultCfg.DataDir {
			cfg.DataDir = filepath.Join(cfg.WardenDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.WardenDir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.WardenDir, defaultDbDirName)
		}
	}

	// Create the warden directory if it doesn't already exist.
	if err := os.MkdirAll(cfg.WardenDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.WardenDir, err)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)

	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
