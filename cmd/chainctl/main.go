// Copyright (c) 2017-2020 The amber developers

// chainctl inspects and maintains an amber chain database: it prints the
// best chain state, emits block locators and can mark blocks invalid.
package main

import (
	"fmt"
	"os"

	"github.com/amberproject/amber/common/hash"
	"github.com/amberproject/amber/core/blockchain"
	"github.com/amberproject/amber/log"

	bolt "github.com/coreos/bbolt"
)

func main() {
	// Load configuration and parse command line.
	cfg, _, err := LoadConfig()
	if err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}

	defer func() {
		if log.LogWrite() != nil {
			log.LogWrite().Close()
		}
	}()

	if cfg.DebugLevel != "" {
		if err := log.SetVerbosityByName(cfg.DebugLevel); err != nil {
			log.Error("invalid debug level", "error", err)
			os.Exit(1)
		}
	}

	if err := run(cfg); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	db, err := bolt.Open(cfg.dbPath(), 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open chain database: %v", err)
	}
	defer func() {
		log.Info("Gracefully shutting down the database...")
		db.Close()
	}()

	bc, err := blockchain.New(&blockchain.Config{
		DB:                 db,
		ChainParams:        cfg.activeParams(),
		FastIndex:          cfg.FastIndex,
		DisableCheckpoints: cfg.NoCheckpoints,
	})
	if err != nil {
		return err
	}

	if cfg.Invalidate != "" {
		blockHash, err := hash.NewHashFromStr(cfg.Invalidate)
		if err != nil {
			return fmt.Errorf("invalid block hash %q: %v",
				cfg.Invalidate, err)
		}
		if err := bc.InvalidateBlock(blockHash); err != nil {
			return err
		}
		if err := bc.Flush(); err != nil {
			return err
		}
	}

	snapshot := bc.BestSnapshot()
	fmt.Printf("best hash:   %s\n", snapshot.Hash)
	fmt.Printf("height:      %d\n", snapshot.Height)
	fmt.Printf("total txns:  %d\n", snapshot.TotalTxns)
	fmt.Printf("trust sum:   %s\n", snapshot.TrustSum)
	fmt.Printf("median time: %s\n", snapshot.MedianTime)
	if checkpoint := bc.LatestCheckpoint(); checkpoint != nil {
		fmt.Printf("checkpoint:  %s (height %d)\n", checkpoint.Hash,
			checkpoint.Height)
	}

	if cfg.Locator {
		fmt.Println("locator:")
		for _, h := range bc.LatestBlockLocator() {
			fmt.Printf("  %s\n", h)
		}
	}

	return nil
}
