// Copyright (c) 2017-2020 The amber developers
// Copyright (c) 2014-2016 The btcsuite developers
// Copyright (c) 2015-2017 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package params

import (
	"math/big"
	"time"

	"github.com/amberproject/amber/common/hash"
	"github.com/amberproject/amber/core/types"
)

// bigOne is 1 represented as a big.Int.  It is defined here to avoid the
// overhead of creating it multiple times.
var bigOne = big.NewInt(1)

// Checkpoint identifies a known good point in the block chain.  Using
// checkpoints allows a few optimizations for old blocks during initial
// download and also prevents forks from old blocks.
type Checkpoint struct {
	Height int32
	Hash   *hash.Hash
}

// Params defines an amber network by its parameters.  These parameters may be
// used by amber applications to differentiate networks as well as addresses
// and keys for one network from those intended for use on another network.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// GenesisBlock defines the first block of the chain.
	GenesisBlock *types.Block

	// GenesisHash is the starting block hash.
	GenesisHash *hash.Hash

	// PowLimit defines the highest allowed proof of work value for a block
	// as a uint256.
	PowLimit *big.Int

	// PowLimitBits defines the highest allowed proof of work value for a
	// block in compact form.
	PowLimitBits uint32

	// TargetTimePerBlock is the desired amount of time to generate each
	// block.
	TargetTimePerBlock time.Duration

	// Checkpoints ordered from oldest to newest.
	Checkpoints []Checkpoint

	// Enforce current block version once network has upgraded.  This is
	// part of a supermajority version upgrade check performed over the
	// last BlockUpgradeNumToCheck blocks.
	BlockEnforceNumRequired uint64

	// Reject previous block versions once network has upgraded.
	BlockRejectNumRequired uint64

	// The number of nodes to check against when deciding whether the
	// network has upgraded.
	BlockUpgradeNumToCheck uint64
}

// MainNetParams defines the network parameters for the main amber network.
var MainNetParams = Params{
	Name: "mainnet",

	GenesisBlock: &genesisBlock,
	GenesisHash:  &genesisHash,

	PowLimit:           mainPowLimit,
	PowLimitBits:       0x1d00ffff,
	TargetTimePerBlock: time.Second * 90,

	Checkpoints: []Checkpoint{},

	// Consensus rule change deployments.
	//
	// 75% (750 / 1000)
	BlockEnforceNumRequired: 750,
	// 95% (950 / 1000)
	BlockRejectNumRequired: 950,
	BlockUpgradeNumToCheck: 1000,
}

// PrivNetParams defines the network parameters for the private test network.
// This network is sized so that regression and unit tests can trigger
// supermajority and checkpoint conditions with a small number of blocks.
var PrivNetParams = Params{
	Name: "privnet",

	GenesisBlock: &privNetGenesisBlock,
	GenesisHash:  &privNetGenesisHash,

	PowLimit:           privNetPowLimit,
	PowLimitBits:       0x207fffff,
	TargetTimePerBlock: time.Second * 10,

	Checkpoints: nil,

	// Consensus rule change deployments.
	//
	// 75% (75 / 100)
	BlockEnforceNumRequired: 75,
	// 95% (95 / 100)
	BlockRejectNumRequired: 95,
	BlockUpgradeNumToCheck: 100,
}

// mainPowLimit is the highest proof of work value a block can have for the
// main network.  It is the value 2^224 - 1.
var mainPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 224), bigOne)

// privNetPowLimit is the highest proof of work value a block can have for the
// private test network.  It is the value 2^255 - 1.
var privNetPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 255), bigOne)
