// Copyright (c) 2017-2020 The amber developers
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/amberproject/amber/common/util"
	"github.com/amberproject/amber/params"

	"github.com/jessevdk/go-flags"
)

const (
	defaultDataDirname = "data"
	defaultDbFilename  = "chain.db"
)

var (
	defaultHomeDir = util.AppDataDir("amberd", false)
	defaultDataDir = filepath.Join(defaultHomeDir, defaultDataDirname)
)

type Config struct {
	HomeDir     string `short:"A" long:"appdata" description:"Path to application home directory"`
	DataDir     string `short:"b" long:"datadir" description:"Directory containing the chain database"`
	PrivNet     bool   `long:"privnet" description:"Use the private network"`
	FastIndex   bool   `long:"fastindex" description:"Trust cached block hashes stored with mature index records"`
	NoCheckpoints bool `long:"nocheckpoints" description:"Disable built-in checkpoints"`
	Invalidate  string `short:"I" long:"invalidate" description:"Mark the block with the given hash as invalid and re-select the best chain"`
	Locator     bool   `short:"l" long:"locator" description:"Print the block locator for the current best tip"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, crit}"`
}

// LoadConfig initializes and parses the config using command line options.
func LoadConfig() (*Config, []string, error) {
	// Default config.
	cfg := Config{
		HomeDir: defaultHomeDir,
		DataDir: defaultDataDir,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Update the data directory when only the home directory was
	// overridden.
	if cfg.HomeDir != defaultHomeDir && cfg.DataDir == defaultDataDir {
		homeDir, err := filepath.Abs(cfg.HomeDir)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid home directory: %v", err)
		}
		cfg.HomeDir = homeDir
		cfg.DataDir = filepath.Join(homeDir, defaultDataDirname)
	}

	return &cfg, remainingArgs, nil
}

// activeParams returns the chain parameters selected by the config.
func (cfg *Config) activeParams() *params.Params {
	if cfg.PrivNet {
		return &params.PrivNetParams
	}
	return &params.MainNetParams
}

// dbPath returns the location of the chain database file.
func (cfg *Config) dbPath() string {
	return filepath.Join(cfg.DataDir, defaultDbFilename)
}
