// Copyright (c) 2017-2020 The amber developers
package blockchain

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/amberproject/amber/core/types"
	"github.com/amberproject/amber/params"

	bolt "github.com/coreos/bbolt"
	"github.com/stretchr/testify/require"
)

// newTestChain creates a BlockChain instance backed by a throwaway bolt
// database seeded with the private network genesis block.
func newTestChain(t *testing.T, cfgMod func(*Config)) (*BlockChain, *bolt.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "chain.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &Config{
		DB:          db,
		ChainParams: &params.PrivNetParams,
	}
	if cfgMod != nil {
		cfgMod(cfg)
	}
	bc, err := New(cfg)
	require.NoError(t, err)
	return bc, db
}

// nextTestBlock builds a block that descends from the given header with a
// timestamp one minute later and a single coinbase transaction.
func nextTestBlock(parent *types.BlockHeader, nonce uint32) *types.Block {
	return &types.Block{
		Header: types.BlockHeader{
			Version:    1,
			ParentHash: parent.BlockHash(),
			Timestamp:  parent.Timestamp.Add(time.Minute),
			Difficulty: parent.Difficulty,
			Nonce:      nonce,
		},
		Transactions: []*types.Transaction{newTestCoinbaseTx()},
	}
}

// processTestBlock accepts the header and connects the payload, failing the
// test on error.
func processTestBlock(t *testing.T, bc *BlockChain, block *types.Block, file int32, offset uint32) {
	t.Helper()
	_, err := bc.ProcessBlock(block, NewDiskBlockPos(file, offset))
	require.NoError(t, err)
}

// TestChainGenesisState ensures a fresh database is initialized to the
// genesis block.
func TestChainGenesisState(t *testing.T) {
	bc, _ := newTestChain(t, nil)

	snapshot := bc.BestSnapshot()
	require.Equal(t, int32(0), snapshot.Height)
	require.Equal(t, *params.PrivNetParams.GenesisHash, snapshot.Hash)
	require.Equal(t, uint64(1), snapshot.TotalTxns)

	require.True(t, bc.HaveBlock(params.PrivNetParams.GenesisHash))
	require.True(t, bc.MainChainHasBlock(params.PrivNetParams.GenesisHash))
}

// TestChainExtendAndReorganize grows a best chain, then overtakes it with a
// side chain and verifies the reorganization.
func TestChainExtendAndReorganize(t *testing.T) {
	bc, _ := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	// Main chain: G -> A -> B -> C.
	blockA := nextTestBlock(&genesis, 1)
	blockB := nextTestBlock(&blockA.Header, 2)
	blockC := nextTestBlock(&blockB.Header, 3)
	processTestBlock(t, bc, blockA, 0, 0)
	processTestBlock(t, bc, blockB, 0, 4096)
	processTestBlock(t, bc, blockC, 0, 8192)

	snapshot := bc.BestSnapshot()
	require.Equal(t, int32(3), snapshot.Height)
	require.Equal(t, blockC.Header.BlockHash(), snapshot.Hash)
	require.Equal(t, uint64(4), snapshot.TotalTxns)

	// Side chain from A: D -> E.  At height 3 it only ties with C, and
	// the earlier arrival wins ties, so C must stay the tip.
	blockD := nextTestBlock(&blockA.Header, 1000)
	blockE := nextTestBlock(&blockD.Header, 1001)
	processTestBlock(t, bc, blockD, 1, 0)
	processTestBlock(t, bc, blockE, 1, 4096)
	require.Equal(t, blockC.Header.BlockHash(), bc.BestSnapshot().Hash)

	// One more side block passes C and forces the reorganization.
	blockF := nextTestBlock(&blockE.Header, 1002)
	processTestBlock(t, bc, blockF, 1, 8192)

	snapshot = bc.BestSnapshot()
	require.Equal(t, int32(4), snapshot.Height)
	require.Equal(t, blockF.Header.BlockHash(), snapshot.Hash)
	require.Equal(t, uint64(5), snapshot.TotalTxns)

	// The old branch is still known but no longer in the main chain.
	hashC := blockC.Header.BlockHash()
	require.True(t, bc.HaveBlock(&hashC))
	require.False(t, bc.MainChainHasBlock(&hashC))

	// The fork point resolves from a locator built on the old branch.
	forkHash, forkHeight := bc.FindForkHash(bc.BlockLocatorFromHash(&hashC))
	require.NotNil(t, forkHash)
	require.Equal(t, blockA.Header.BlockHash(), *forkHash)
	require.Equal(t, int32(1), forkHeight)
}

// TestChainOutOfOrderPayloads ensures cumulative transaction counts and the
// best chain catch up when a body arrives before its ancestors'.
func TestChainOutOfOrderPayloads(t *testing.T) {
	bc, _ := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	blockA := nextTestBlock(&genesis, 1)
	blockB := nextTestBlock(&blockA.Header, 2)
	require.NoError(t, bc.AcceptBlockHeader(&blockA.Header))
	require.NoError(t, bc.AcceptBlockHeader(&blockB.Header))

	// The child body lands first.  Its cumulative count is unknowable
	// while the parent body is missing, so the tip must not move.
	err = bc.ConnectBlockPayload(blockB, NewDiskBlockPos(0, 4096))
	require.NoError(t, err)
	require.Equal(t, *params.PrivNetParams.GenesisHash, bc.BestSnapshot().Hash)

	// The parent body closes the gap: the descendant count fills in and
	// the best chain advances straight to the child.
	err = bc.ConnectBlockPayload(blockA, NewDiskBlockPos(0, 0))
	require.NoError(t, err)

	snapshot := bc.BestSnapshot()
	require.Equal(t, blockB.Header.BlockHash(), snapshot.Hash)
	require.Equal(t, int32(2), snapshot.Height)
	require.Equal(t, uint64(3), snapshot.TotalTxns)

	hashB := blockB.Header.BlockHash()
	require.Equal(t, uint64(3), bc.index.LookupNode(&hashB).chainNumTx)
}

// TestChainHeaderValidityStage ensures accepted headers become tree-valid
// right away when their ancestry is.
func TestChainHeaderValidityStage(t *testing.T) {
	bc, _ := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	blockA := nextTestBlock(&genesis, 1)
	require.NoError(t, bc.AcceptBlockHeader(&blockA.Header))

	hashA := blockA.Header.BlockHash()
	node := bc.index.LookupNode(&hashA)
	require.NotNil(t, node)
	require.True(t, node.IsValid(StageTree))
	require.False(t, node.IsValid(StageTransactions))
}

// TestChainHeaderRules ensures contextual header checks reject duplicates,
// orphans and misplaced timestamps.
func TestChainHeaderRules(t *testing.T) {
	bc, _ := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	blockA := nextTestBlock(&genesis, 1)
	processTestBlock(t, bc, blockA, 0, 0)

	assertRuleError := func(err error, code ErrorCode) {
		t.Helper()
		var rerr RuleError
		require.ErrorAs(t, err, &rerr)
		require.Equal(t, code, rerr.ErrorCode)
	}

	// Duplicate header.
	err = bc.AcceptBlockHeader(&blockA.Header)
	assertRuleError(err, ErrDuplicateBlock)

	// Orphan header.
	orphan := nextTestBlock(&blockA.Header, 2)
	orphan.Header.ParentHash[0] ^= 0xff
	err = bc.AcceptBlockHeader(&orphan.Header)
	assertRuleError(err, ErrMissingParent)

	// Timestamp at or before the parent's past median time.
	stale := nextTestBlock(&blockA.Header, 3)
	stale.Header.Timestamp = genesis.Timestamp.Add(-time.Hour)
	err = bc.AcceptBlockHeader(&stale.Header)
	assertRuleError(err, ErrTimeTooOld)
}

// TestChainInvalidation ensures invalidating a block demotes its whole
// branch and re-selects the best chain among the survivors.
func TestChainInvalidation(t *testing.T) {
	bc, _ := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	// G -> A -> B -> C  (best)
	//       \-> D       (side)
	blockA := nextTestBlock(&genesis, 1)
	blockB := nextTestBlock(&blockA.Header, 2)
	blockC := nextTestBlock(&blockB.Header, 3)
	blockD := nextTestBlock(&blockA.Header, 1000)
	processTestBlock(t, bc, blockA, 0, 0)
	processTestBlock(t, bc, blockB, 0, 4096)
	processTestBlock(t, bc, blockC, 0, 8192)
	processTestBlock(t, bc, blockD, 1, 0)

	require.Equal(t, blockC.Header.BlockHash(), bc.BestSnapshot().Hash)

	// Invalidating B takes C down with it and leaves D as the strongest
	// valid branch.
	hashB := blockB.Header.BlockHash()
	require.NoError(t, bc.InvalidateBlock(&hashB))
	require.Equal(t, blockD.Header.BlockHash(), bc.BestSnapshot().Hash)

	// Descendants of an invalid block are rejected outright.
	child := nextTestBlock(&blockC.Header, 4)
	err = bc.AcceptBlockHeader(&child.Header)
	var rerr RuleError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrInvalidAncestorBlock, rerr.ErrorCode)
}

// TestChainInvalidateActiveTip ensures invalidating a block on the active
// chain rolls back to the last valid ancestor when no side branch exists.
func TestChainInvalidateActiveTip(t *testing.T) {
	bc, _ := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	blockA := nextTestBlock(&genesis, 1)
	blockB := nextTestBlock(&blockA.Header, 2)
	processTestBlock(t, bc, blockA, 0, 0)
	processTestBlock(t, bc, blockB, 0, 4096)
	require.Equal(t, blockB.Header.BlockHash(), bc.BestSnapshot().Hash)

	// No competing branch exists, so the chain must fall back to A.
	hashB := blockB.Header.BlockHash()
	require.NoError(t, bc.InvalidateBlock(&hashB))

	snapshot := bc.BestSnapshot()
	require.Equal(t, blockA.Header.BlockHash(), snapshot.Hash)
	require.Equal(t, int32(1), snapshot.Height)
	require.False(t, bc.MainChainHasBlock(&hashB))

	// Invalidating the new tip in turn rolls all the way back to genesis.
	hashA := blockA.Header.BlockHash()
	require.NoError(t, bc.InvalidateBlock(&hashA))
	require.Equal(t, *params.PrivNetParams.GenesisHash, bc.BestSnapshot().Hash)
	require.Equal(t, int32(0), bc.BestSnapshot().Height)
}

// TestChainLocatorRoundTrip ensures a locator built from the chain itself
// resolves back to the exact block it was built from.
func TestChainLocatorRoundTrip(t *testing.T) {
	bc, _ := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	headers := []types.BlockHeader{genesis}
	parent := genesis
	for i := 1; i <= 24; i++ {
		block := nextTestBlock(&parent, uint32(i))
		processTestBlock(t, bc, block, 0, uint32(i)*4096)
		parent = block.Header
		headers = append(headers, block.Header)
	}

	// A locator from the tip resolves to the tip itself.
	tipHash, tipHeight := bc.FindForkHash(bc.LatestBlockLocator())
	require.NotNil(t, tipHash)
	require.Equal(t, parent.BlockHash(), *tipHash)
	require.Equal(t, int32(24), tipHeight)

	// So do locators built from interior main chain blocks, including
	// heights past the dense locator window.
	for _, height := range []int32{0, 1, 7, 16, 24} {
		blockHash := headers[height].BlockHash()
		locator := bc.BlockLocatorFromHash(&blockHash)
		forkHash, forkHeight := bc.FindForkHash(locator)
		require.NotNil(t, forkHash)
		require.Equal(t, blockHash, *forkHash)
		require.Equal(t, height, forkHeight)
	}
}

// TestChainPersistence ensures a flushed chain state is rebuilt identically
// by a fresh instance over the same database.
func TestChainPersistence(t *testing.T) {
	bc, db := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	blockA := nextTestBlock(&genesis, 1)
	blockB := nextTestBlock(&blockA.Header, 2)
	processTestBlock(t, bc, blockA, 0, 0)
	processTestBlock(t, bc, blockB, 0, 4096)
	require.NoError(t, bc.Flush())

	// A second chain over the same database must come up with the same
	// tip, heights, and payload positions.
	reloaded, err := New(&Config{
		DB:          db,
		ChainParams: &params.PrivNetParams,
	})
	require.NoError(t, err)

	snapshot := reloaded.BestSnapshot()
	require.Equal(t, bc.BestSnapshot().Hash, snapshot.Hash)
	require.Equal(t, int32(2), snapshot.Height)
	require.Equal(t, uint64(3), snapshot.TotalTxns)
	require.Equal(t, bc.BestSnapshot().TrustSum, snapshot.TrustSum)

	hashA := blockA.Header.BlockHash()
	node := reloaded.index.LookupNode(&hashA)
	require.NotNil(t, node)
	require.Equal(t, int32(1), node.height)
	require.True(t, node.IsValid(StageTransactions))

	pos := node.GetBlockPos()
	require.Equal(t, int32(0), pos.File)
	require.Equal(t, uint32(0), pos.Offset)

	header, err := reloaded.HeaderByHash(&hashA)
	require.NoError(t, err)
	require.Equal(t, blockA.Header.BlockHash(), header.BlockHash())
}

// TestChainCheckpoints ensures checkpoint enforcement rejects both mismatched
// checkpoint blocks and forks below a passed checkpoint.
func TestChainCheckpoints(t *testing.T) {
	bc, db := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	blockA := nextTestBlock(&genesis, 1)
	blockB := nextTestBlock(&blockA.Header, 2)
	blockC := nextTestBlock(&blockB.Header, 3)
	processTestBlock(t, bc, blockA, 0, 0)
	processTestBlock(t, bc, blockB, 0, 4096)
	processTestBlock(t, bc, blockC, 0, 8192)
	require.NoError(t, bc.Flush())

	// Reload the chain with a checkpoint at height 2 pointing at B.
	hashB := blockB.Header.BlockHash()
	checkpointed := params.PrivNetParams
	checkpointed.Checkpoints = []params.Checkpoint{
		{Height: 2, Hash: &hashB},
	}
	cbc, err := New(&Config{
		DB:          db,
		ChainParams: &checkpointed,
	})
	require.NoError(t, err)

	assertRuleError := func(err error, code ErrorCode) {
		t.Helper()
		var rerr RuleError
		require.ErrorAs(t, err, &rerr)
		require.Equal(t, code, rerr.ErrorCode)
	}

	// A competing block at the checkpoint height is rejected.
	badCheckpoint := nextTestBlock(&blockA.Header, 1000)
	err = cbc.AcceptBlockHeader(&badCheckpoint.Header)
	assertRuleError(err, ErrBadCheckpoint)

	// A fork below the checkpoint is rejected even with a fresh hash.
	oldFork := nextTestBlock(&genesis, 1001)
	err = cbc.AcceptBlockHeader(&oldFork.Header)
	assertRuleError(err, ErrForkTooOld)

	// Extending the checkpointed chain normally still works.
	blockDNext := nextTestBlock(&blockC.Header, 4)
	require.NoError(t, cbc.AcceptBlockHeader(&blockDNext.Header))

	require.Equal(t, int32(2), cbc.LatestCheckpoint().Height)
	require.True(t, cbc.HasCheckpoints())
}

// TestChainPayloadBeforeHeader ensures payloads are only attached to known
// headers.
func TestChainPayloadBeforeHeader(t *testing.T) {
	bc, _ := newTestChain(t, nil)

	genesis, err := bc.HeaderByHash(params.PrivNetParams.GenesisHash)
	require.NoError(t, err)

	blockA := nextTestBlock(&genesis, 1)
	blockB := nextTestBlock(&blockA.Header, 2)

	err = bc.ConnectBlockPayload(blockB, NewDiskBlockPos(0, 0))
	var rerr RuleError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrMissingParent, rerr.ErrorCode)
}
