// Copyright (c) 2017-2020 The amber developers
package blockchain

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/amberproject/amber/common/hash"
	"github.com/amberproject/amber/core/types"
	"github.com/amberproject/amber/log"
	"github.com/amberproject/amber/metrics"
	"github.com/amberproject/amber/params"

	bolt "github.com/coreos/bbolt"
	"github.com/davecgh/go-spew/spew"
	mapset "github.com/deckarep/golang-set"
)

var (
	// chainHeightGauge tracks the height of the best chain tip.
	chainHeightGauge = metrics.NewGauge("chain.height")

	// reorgMeter counts best chain reorganizations.
	reorgMeter = metrics.NewMeter("chain.reorg")

	// flushTimer measures index flush durations.
	flushTimer = metrics.NewTimer("chain.flush")
)

// BlockChain provides functions for working with the block chain.  It owns
// the block index, the active (best) chain view over it and the set of
// candidate tips competing to become the best chain.
type BlockChain struct {
	// The following fields are set when the instance is created and can't
	// be changed afterwards, so there is no need to protect them with a
	// separate mutex.
	checkpoints         []params.Checkpoint
	checkpointsByHeight map[int32]*params.Checkpoint
	db                  *bolt.DB
	params              *params.Params
	timeSource          func() time.Time
	fastIndex           bool

	// chainLock protects concurrent access to the vast majority of the
	// fields in this struct below this point.
	chainLock sync.RWMutex

	// These fields are related to the memory block index.  They both have
	// their own locks, however they are often also protected by the chain
	// lock to help prevent logic races when blocks are being processed.
	index     *blockIndex
	bestChain *ActiveChain

	// candidateTips holds every known leaf of the node tree.  The best
	// chain tip is always selected from this set.
	//
	// This field is protected by the chain lock.
	candidateTips mapset.Set

	// These fields are related to the best chain state snapshot handed to
	// callers.  The stateLock keeps readers from blocking on long chain
	// operations.
	stateLock     sync.RWMutex
	stateSnapshot *BestState
}

// BestState houses information about the current best block and other info
// related to the state of the main chain as it exists from the point of view
// of the current best block.
//
// The BestSnapshot method can be used to obtain access to this information
// in a concurrent safe manner and the data will not be changed out from under
// the caller when chain state changes occur since the function name implies
// it is a snapshot.
type BestState struct {
	Hash       hash.Hash // The hash of the block.
	Height     int32     // The height of the block.
	Bits       uint32    // The difficulty bits of the block.
	NumTxns    uint32    // The number of txns in the block.
	TotalTxns  uint64    // The total number of txns in the chain.
	TrustSum   *big.Int  // The accumulated trust of the best chain.
	MedianTime time.Time // Median time as per CalcPastMedianTime.
}

// newBestState returns a new best stats instance for the given parameters.
func newBestState(node *blockNode, totalTxns uint64) *BestState {
	return &BestState{
		Hash:       node.hash,
		Height:     node.height,
		Bits:       node.bits,
		NumTxns:    node.numTx,
		TotalTxns:  totalTxns,
		TrustSum:   new(big.Int).Set(node.chainTrust),
		MedianTime: node.CalcPastMedianTime(),
	}
}

// Config is a descriptor which specifies the blockchain instance configuration.
type Config struct {
	// DB defines the database which houses the block index and chain
	// state.  This field is required.
	DB *bolt.DB

	// ChainParams identifies which chain parameters the chain is
	// associated with.  This field is required.
	ChainParams *params.Params

	// TimeSource returns the network-adjusted time.  When nil, the local
	// clock is used.
	TimeSource func() time.Time

	// FastIndex allows the hash stored alongside mature index records to
	// be trusted without recomputing it from the header on load.
	FastIndex bool

	// DisableCheckpoints ignores the checkpoints defined by the chain
	// parameters.
	DisableCheckpoints bool
}

// New returns a BlockChain instance using the provided configuration details.
func New(config *Config) (*BlockChain, error) {
	// Enforce required config fields.
	if config.DB == nil {
		return nil, AssertError("blockchain.New database is nil")
	}
	if config.ChainParams == nil {
		return nil, AssertError("blockchain.New chain parameters nil")
	}

	timeSource := config.TimeSource
	if timeSource == nil {
		timeSource = time.Now
	}

	// Generate a checkpoint by height map from the provided checkpoints
	// and assert the provided checkpoints are sorted by height as required
	// for the rest of the checkpoint handling.
	par := config.ChainParams
	var checkpoints []params.Checkpoint
	var checkpointsByHeight map[int32]*params.Checkpoint
	if !config.DisableCheckpoints && len(par.Checkpoints) > 0 {
		checkpoints = par.Checkpoints
		checkpointsByHeight = make(map[int32]*params.Checkpoint)
		var prevCheckpointHeight int32
		for i := range checkpoints {
			checkpoint := &checkpoints[i]
			if checkpoint.Height <= prevCheckpointHeight {
				return nil, AssertError("blockchain.New " +
					"checkpoints are not sorted by height")
			}
			prevCheckpointHeight = checkpoint.Height
			checkpointsByHeight[checkpoint.Height] = checkpoint
		}
	}

	b := BlockChain{
		checkpoints:         checkpoints,
		checkpointsByHeight: checkpointsByHeight,
		db:                  config.DB,
		params:              par,
		timeSource:          timeSource,
		fastIndex:           config.FastIndex,
		index:               newBlockIndex(config.DB, par),
		bestChain:           newActiveChain(),
		candidateTips:       mapset.NewSet(),
	}

	// Initialize the chain state from the passed database.  When the db
	// does not yet contain any chain state, both it and the chain state
	// will be initialized to contain only the genesis block.
	if err := b.initChainState(); err != nil {
		return nil, err
	}

	tip := b.bestChain.Tip()
	log.Info("Chain state loaded", "height", tip.height, "hash",
		tip.hash.String(), "totaltx", b.stateSnapshot.TotalTxns)
	chainHeightGauge.Update(int64(tip.height))

	return &b, nil
}

// createChainState initializes both the database and the chain state to the
// genesis block.  This includes creating the necessary buckets, so it must
// only be called on an uninitialized database.
func (b *BlockChain) createChainState() error {
	genesisBlock := b.params.GenesisBlock
	node := newBlockNode(&genesisBlock.Header, nil)
	node.SetPOSDetail(genesisBlock)
	node.numTx = uint32(len(genesisBlock.Transactions))
	node.chainNumTx = uint64(len(genesisBlock.Transactions))
	node.RaiseValidity(StageScripts)

	b.index.addNode(node)
	b.candidateTips.Add(node)
	b.bestChain.SetTip(node)
	b.stateSnapshot = newBestState(node, node.chainNumTx)

	return b.db.Update(func(dbTx *bolt.Tx) error {
		_, err := dbTx.CreateBucketIfNotExists(blockIndexBucketName)
		if err != nil {
			return err
		}
		_, err = dbTx.CreateBucketIfNotExists(chainMetaBucketName)
		if err != nil {
			return err
		}
		if err := dbPutBlockNode(dbTx, node); err != nil {
			return err
		}
		return dbPutBestState(dbTx, b.stateSnapshot)
	})
}

// initChainState attempts to load and initialize the chain state from the
// database.  When the db does not yet contain any chain state, both it and
// the chain state will be initialized to the genesis block.
func (b *BlockChain) initChainState() error {
	// Fetch all stored index entries in a single view.  A missing block
	// index bucket means this is a fresh database.
	var entries []*blockIndexEntry
	var state bestChainState
	var hasState bool
	err := b.db.View(func(dbTx *bolt.Tx) error {
		bucket := dbTx.Bucket(blockIndexBucketName)
		if bucket == nil {
			return nil
		}

		err := bucket.ForEach(func(_, serialized []byte) error {
			entry, err := deserializeBlockIndexEntry(serialized)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
		if err != nil {
			return err
		}

		state, hasState, err = dbFetchBestState(dbTx)
		return err
	})
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		log.Info("Initializing database with the genesis block")
		return b.createChainState()
	}

	// Rebuild the node tree bottom-up.  Parents always have a lower
	// height than their children, so loading in height order guarantees
	// every parent is in the index before its children need it.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].height < entries[j].height
	})

	adjustedTime := b.timeSource().Unix()
	for _, entry := range entries {
		var parent *blockNode
		if entry.height > 0 {
			parent = b.index.lookupNode(&entry.parentHash)
			if parent == nil {
				return AssertError(fmt.Sprintf("block index "+
					"entry at height %d references unknown "+
					"parent %v", entry.height,
					entry.parentHash))
			}
		}

		node := entryToBlockNode(entry, parent,
			entry.BlockHash(b.fastIndex, adjustedTime))
		b.index.addNode(node)
		if parent != nil {
			b.candidateTips.Remove(parent)
		}
		b.candidateTips.Add(node)
	}

	// Restore the active chain from the stored best state.
	if !hasState {
		return AssertError("block index is populated but the best " +
			"chain state is missing")
	}
	tip := b.index.lookupNode(&state.hash)
	if tip == nil {
		return AssertError(fmt.Sprintf("best chain tip %v is not in "+
			"the block index", state.hash))
	}
	b.bestChain.SetTip(tip)
	b.stateSnapshot = newBestState(tip, state.totalTxns)
	return nil
}

// entryToBlockNode builds an in-memory block node from a decoded database
// entry, its already-loaded parent and its block hash.
func entryToBlockNode(entry *blockIndexEntry, parent *blockNode, blockHash hash.Hash) *blockNode {
	node := &blockNode{
		parent:        parent,
		hash:          blockHash,
		chainTrust:    CalcBlockTrust(entry.bits),
		height:        entry.height,
		file:          entry.file,
		dataPos:       entry.dataPos,
		undoPos:       entry.undoPos,
		numTx:         entry.numTx,
		mint:          entry.mint,
		moneySupply:   entry.moneySupply,
		stakeFlags:    entry.stakeFlags,
		stakeModifier: entry.stakeModifier,
		stakeOutpoint: entry.stakeOutpoint,
		stakeTime:     entry.stakeTime,
		proofHash:     entry.proofHash,
		posDetailSet:  true,
		version:       entry.version,
		txRoot:        entry.txRoot,
		timestamp:     entry.timestamp,
		bits:          entry.bits,
		nonce:         entry.nonce,
	}
	node.validity, node.dataFlags, node.failure =
		unpackBlockStatus(uint32(entry.status))
	if parent != nil {
		node.chainTrust.Add(parent.chainTrust, node.chainTrust)
		if node.numTx > 0 && parent.chainNumTx > 0 {
			node.chainNumTx = parent.chainNumTx + uint64(node.numTx)
		}
	} else {
		node.chainNumTx = uint64(node.numTx)
	}
	return node
}

// HaveBlock returns whether or not the chain instance knows the block with
// the given hash.  It accepts headers, so the block body may not be stored
// yet.
//
// This function is safe for concurrent access.
func (b *BlockChain) HaveBlock(h *hash.Hash) bool {
	return b.index.HaveBlock(h)
}

// HeaderByHash returns the block header identified by the given hash or an
// error if it doesn't exist.
//
// This function is safe for concurrent access.
func (b *BlockChain) HeaderByHash(h *hash.Hash) (types.BlockHeader, error) {
	node := b.index.LookupNode(h)
	if node == nil {
		return types.BlockHeader{}, fmt.Errorf("block %s is not known", h)
	}
	return node.Header(), nil
}

// BlockHashByHeight returns the hash of the block at the given height in the
// main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) BlockHashByHeight(height int32) (*hash.Hash, error) {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	node := b.bestChain.NodeByHeight(height)
	if node == nil {
		return nil, fmt.Errorf("no block at height %d exists in the "+
			"main chain", height)
	}
	h := node.hash
	return &h, nil
}

// MainChainHasBlock returns whether or not the block with the given hash is
// in the main chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) MainChainHasBlock(h *hash.Hash) bool {
	b.chainLock.RLock()
	defer b.chainLock.RUnlock()

	node := b.index.LookupNode(h)
	return node != nil && b.bestChain.Contains(node)
}

// BestSnapshot returns information about the current best chain block and
// related state as of the current point in time.  The returned instance must
// be treated as immutable since it is shared by all callers.
//
// This function is safe for concurrent access.
func (b *BlockChain) BestSnapshot() *BestState {
	b.stateLock.RLock()
	snapshot := b.stateSnapshot
	b.stateLock.RUnlock()
	return snapshot
}

// AcceptBlockHeader admits the header into the block index after contextual
// checks against its parent and the chain checkpoints.  The new node is
// tree-valid when its ancestry is and immediately competes as a candidate
// tip, although it cannot extend the best chain until its body arrives.
//
// This function is safe for concurrent access.
func (b *BlockChain) AcceptBlockHeader(header *types.BlockHeader) error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	return b.acceptBlockHeader(header)
}

// acceptBlockHeader is the lock-free version of AcceptBlockHeader.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) acceptBlockHeader(header *types.BlockHeader) error {
	blockHash := header.BlockHash()
	if b.index.HaveBlock(&blockHash) {
		str := fmt.Sprintf("already have block %v", blockHash)
		return ruleError(ErrDuplicateBlock, str)
	}

	parent := b.index.LookupNode(&header.ParentHash)
	if parent == nil {
		str := fmt.Sprintf("parent block %v of block %v is not known",
			header.ParentHash, blockHash)
		return ruleError(ErrMissingParent, str)
	}
	if parent.KnownInvalid() {
		str := fmt.Sprintf("parent block %v of block %v has failed "+
			"validation", header.ParentHash, blockHash)
		return ruleError(ErrInvalidAncestorBlock, str)
	}

	height := parent.height + 1
	if err := b.checkAgainstCheckpoints(height, &blockHash); err != nil {
		return err
	}

	// The header timestamp must be after the median time of the previous
	// several blocks and may never precede the parent's fixed past-time
	// limit.
	timestamp := header.Timestamp.Unix()
	if medianTime := parent.CalcPastMedianTime(); timestamp <= medianTime.Unix() {
		str := fmt.Sprintf("block %v timestamp %d is not after the "+
			"past median time %d", blockHash, timestamp,
			medianTime.Unix())
		return ruleError(ErrTimeTooOld, str)
	}
	if timestamp < parent.PastTimeLimit() {
		str := fmt.Sprintf("block %v timestamp %d precedes the "+
			"parent past-time limit %d", blockHash, timestamp,
			parent.PastTimeLimit())
		return ruleError(ErrTimeTooOld, str)
	}

	node := newBlockNode(header, parent)

	// The low bit of the block hash feeds the stake modifier entropy.
	if err := node.SetStakeEntropyBit(uint32(blockHash[0] & 1)); err != nil {
		return err
	}

	b.index.AddNode(node)

	// The header passed every tree-contextual check, so the node is
	// tree-valid as soon as its whole ancestry is.
	if parent.IsValid(StageTree) {
		b.index.RaiseValidity(node, StageTree)
	}

	b.candidateTips.Remove(parent)
	b.candidateTips.Add(node)

	log.Debug("Accepted block header", "hash", blockHash.String(),
		"height", height)
	return nil
}

// ConnectBlockPayload attaches the full block body to a previously accepted
// header: it records where the payload was stored, fills in the
// proof-of-stake detail, raises the node to the transactions stage and
// reconsiders the best chain.
//
// This function is safe for concurrent access.
func (b *BlockChain) ConnectBlockPayload(block *types.Block, pos DiskBlockPos) error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	blockHash := block.Header.BlockHash()
	node := b.index.LookupNode(&blockHash)
	if node == nil {
		str := fmt.Sprintf("header of block %v has not been accepted",
			blockHash)
		return ruleError(ErrMissingParent, str)
	}

	node.SetPOSDetail(block)
	b.index.SetBlockPayload(node, pos, uint32(len(block.Transactions)))

	// chainNumTx stays zero while any ancestor body is missing.
	if node.parent == nil {
		node.chainNumTx = uint64(node.numTx)
	} else if node.parent.chainNumTx > 0 {
		node.chainNumTx = node.parent.chainNumTx + uint64(node.numTx)
	}

	b.index.RaiseValidity(node, StageTransactions)

	// This body may have been the final gap below descendants whose own
	// payloads connected earlier, so their counts become computable now.
	if node.chainNumTx > 0 {
		b.propagateChainNumTx(node)
	}
	b.reconsiderBestChain()
	return nil
}

// propagateChainNumTx fills in the cumulative transaction counts of
// descendants that already have their bodies but were waiting on the passed
// node's payload.  Bodies routinely arrive out of parent order, so a
// descendant connected before its ancestors keeps a zero count until the gap
// below it closes.  Descendants are reached by walking each candidate leaf
// back toward the node and replaying the collected path tip-ward.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) propagateChainNumTx(node *blockNode) {
	b.candidateTips.Each(func(item interface{}) bool {
		leaf := item.(*blockNode)
		if leaf.height <= node.height || leaf.Ancestor(node.height) != node {
			return false
		}

		path := make([]*blockNode, 0, leaf.height-node.height)
		for n := leaf; n != node; n = n.parent {
			path = append(path, n)
		}
		for i := len(path) - 1; i >= 0; i-- {
			n := path[i]
			if n.numTx == 0 || n.parent.chainNumTx == 0 {
				break
			}
			if n.chainNumTx == 0 {
				n.chainNumTx = n.parent.chainNumTx +
					uint64(n.numTx)
			}
		}
		return false
	})
}

// ProcessBlock handles a complete block: the header is admitted when not yet
// known and the payload is connected.  It returns whether the header was
// already known.
//
// This function is safe for concurrent access.
func (b *BlockChain) ProcessBlock(block *types.Block, pos DiskBlockPos) (bool, error) {
	blockHash := block.Header.BlockHash()

	b.chainLock.Lock()
	haveHeader := b.index.HaveBlock(&blockHash)
	if !haveHeader {
		if err := b.acceptBlockHeader(&block.Header); err != nil {
			b.chainLock.Unlock()
			return false, err
		}
	}
	b.chainLock.Unlock()

	return haveHeader, b.ConnectBlockPayload(block, pos)
}

// InvalidateBlock marks the block as having failed validation and every
// descendant as sitting on an invalid ancestor, then re-selects the best
// chain from the remaining valid candidates.
//
// This function is safe for concurrent access.
func (b *BlockChain) InvalidateBlock(h *hash.Hash) error {
	b.chainLock.Lock()
	defer b.chainLock.Unlock()

	node := b.index.LookupNode(h)
	if node == nil {
		return fmt.Errorf("block %s is not known", h)
	}

	b.index.MarkFailed(node)

	// Descendants are found by walking each candidate leaf back toward
	// the failed node.  Every node passed on the way descends from it.
	b.candidateTips.Each(func(item interface{}) bool {
		leaf := item.(*blockNode)
		if leaf.height <= node.height || leaf.Ancestor(node.height) != node {
			return false
		}
		for n := leaf; n != node; n = n.parent {
			b.index.MarkFailedAncestor(n)
		}
		return false
	})

	// When the failed block sits on the active chain the tip can no
	// longer stand even if no side branch is able to take over, so the
	// last valid ancestor rejoins the candidates and the chain rolls
	// back to it unless something stronger remains.
	if b.bestChain.Contains(node) && node.parent != nil {
		b.candidateTips.Add(node.parent)
	}

	b.reconsiderBestChain()
	return nil
}

// reconsiderBestChain selects the strongest valid candidate tip and, when it
// differs from the current tip, makes it the new best chain.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) reconsiderBestChain() {
	best := b.selectBestCandidate()
	if best == nil || best == b.bestChain.Tip() {
		return
	}
	b.setBestChain(best)
}

// selectBestCandidate returns the candidate tip with the greatest chain
// trust whose validation has not failed and whose full transaction ancestry
// is available.  Ties go to the node that arrived first.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *BlockChain) selectBestCandidate() *blockNode {
	var best *blockNode
	b.candidateTips.Each(func(item interface{}) bool {
		node := item.(*blockNode)
		if node.KnownInvalid() || node.chainNumTx == 0 {
			return false
		}
		if best == nil {
			best = node
			return false
		}
		switch node.chainTrust.Cmp(best.chainTrust) {
		case 1:
			best = node
		case 0:
			if node.sequenceID < best.sequenceID {
				best = node
			}
		}
		return false
	})
	return best
}

// setBestChain makes the passed node the tip of the best chain and refreshes
// the chain state snapshot.
//
// This function MUST be called with the chain state lock held (for writes).
func (b *BlockChain) setBestChain(node *blockNode) {
	oldTip := b.bestChain.Tip()
	forkNode := b.bestChain.FindFork(node)
	if oldTip != nil && forkNode != nil && forkNode != oldTip {
		reorgMeter.Mark(1)
		log.Info("Chain reorganize", "old", oldTip.hash.String(),
			"oldheight", oldTip.height, "new", node.hash.String(),
			"newheight", node.height, "fork", forkNode.hash.String(),
			"forkheight", forkNode.height)
	}

	b.bestChain.SetTip(node)
	chainHeightGauge.Update(int64(node.height))

	state := newBestState(node, node.chainNumTx)
	b.stateLock.Lock()
	b.stateSnapshot = state
	b.stateLock.Unlock()

	log.Debug("Best chain extended", "hash", node.hash.String(),
		"height", node.height, "trust", node.chainTrust)
}

// Flush persists all dirty block index records and the current best chain
// state to the database.
//
// This function is safe for concurrent access.
func (b *BlockChain) Flush() error {
	defer flushTimer.UpdateSince(time.Now())

	if err := b.index.flushToDB(); err != nil {
		return err
	}

	snapshot := b.BestSnapshot()
	err := b.db.Update(func(dbTx *bolt.Tx) error {
		return dbPutBestState(dbTx, snapshot)
	})
	if err != nil {
		return err
	}

	log.Trace("Flushed chain state", "state",
		log.NewLogClosure(func() string {
			return spew.Sdump(snapshot)
		}))
	return nil
}
