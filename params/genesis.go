// Copyright (c) 2017-2020 The amber developers

package params

import (
	"time"

	"github.com/amberproject/amber/common/hash"
	"github.com/amberproject/amber/core/types"
)

// genesisCoinbaseTx is the coinbase transaction for the genesis blocks.
var genesisCoinbaseTx = types.Transaction{
	Version:   1,
	Timestamp: time.Unix(1561939200, 0),
	TxIn: []*types.TxInput{
		{
			PreviousOut: types.TxOutPoint{
				Hash:     hash.ZeroHash,
				OutIndex: types.MaxPrevOutIndex,
			},
			SignScript: []byte("amber genesis"),
			Sequence:   0xffffffff,
		},
	},
	TxOut: []*types.TxOutput{
		{
			Amount:   0,
			PkScript: nil,
		},
	},
	LockTime: 0,
}

// genesisBlock defines the genesis block of the block chain which serves as
// the public transaction ledger for the main network.
var genesisBlock = types.Block{
	Header: types.BlockHeader{
		Version:    1,
		ParentHash: hash.ZeroHash,
		TxRoot:     genesisCoinbaseTx.TxHash(),
		Timestamp:  time.Unix(1561939200, 0),
		Difficulty: 0x1d00ffff,
		Nonce:      0,
	},
	Transactions: []*types.Transaction{&genesisCoinbaseTx},
}

// genesisHash is the hash of the first block in the block chain for the main
// network (genesis block).
var genesisHash = genesisBlock.BlockHash()

// privNetGenesisBlock defines the genesis block of the block chain which
// serves as the public transaction ledger for the private test network.
var privNetGenesisBlock = types.Block{
	Header: types.BlockHeader{
		Version:    1,
		ParentHash: hash.ZeroHash,
		TxRoot:     genesisCoinbaseTx.TxHash(),
		Timestamp:  time.Unix(1561939200, 0),
		Difficulty: 0x207fffff,
		Nonce:      0,
	},
	Transactions: []*types.Transaction{&genesisCoinbaseTx},
}

// privNetGenesisHash is the hash of the first block in the block chain for
// the private test network (genesis block).
var privNetGenesisHash = privNetGenesisBlock.BlockHash()
