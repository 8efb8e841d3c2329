// Copyright (c) 2017-2020 The amber developers
package blockchain

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/amberproject/amber/common/hash"
	"github.com/amberproject/amber/common/util"
	"github.com/amberproject/amber/core/types"
	"github.com/amberproject/amber/params"
)

// ValidityStage is the ordered validation checkpoint a block index node has
// passed.  Stages only ever advance; see RaiseValidity.
type ValidityStage byte

// The stage values are stable because the packed status word built from them
// is serialized for long-term storage.  This section specifically does not
// use iota for that reason.
const (
	// StageHeader indicates the header was parsed: version ok, hash
	// satisfies the claimed proof, timestamp not too far in the future.
	StageHeader ValidityStage = 1

	// StageTree indicates all parent headers were found, difficulty
	// matches and the timestamp is at or past the median of the previous
	// blocks.  Implies all parents are also at least StageTree.
	StageTree ValidityStage = 2

	// StageTransactions indicates the transaction list checked out
	// locally: first tx is a coinbase, no duplicate txids, merkle root
	// matches.  Implies all parents are at least StageTree but not
	// necessarily StageTransactions.
	StageTransactions ValidityStage = 3

	// StageChain indicates outputs do not overspend inputs and there are
	// no double spends.  Implies all parents are also at least StageChain.
	StageChain ValidityStage = 4

	// StageScripts indicates scripts and signatures verified.  Implies all
	// parents are also at least StageScripts.
	StageScripts ValidityStage = 5
)

// blockDataFlags is a bit field tracking which payloads for a block are
// stored on disk.
type blockDataFlags byte

const (
	// blockHaveData indicates the full block payload is available in a
	// block data file.
	blockHaveData blockDataFlags = 1 << 0

	// blockHaveUndo indicates the undo payload is available in an undo
	// data file.
	blockHaveUndo blockDataFlags = 1 << 1
)

// failureStatus records whether a block, or one of its ancestors, has failed
// validation.  Failure is absorbing: it is never cleared for the life of the
// node.
type failureStatus byte

const (
	// failureNone indicates no validation failure is known.
	failureNone failureStatus = 0

	// failedSelf indicates the stage after the last reached validity
	// stage failed for this block itself.
	failedSelf failureStatus = 1

	// failedParent indicates the block descends from a failed block.
	failedParent failureStatus = 2
)

// Packed status word bit layout, shared with the disk encoding.  The low
// three bits carry the validity stage value, the next two bits the data
// availability flags, the two after that the failure marker.
const (
	statusValidityMask  uint32 = 0x07
	statusHaveDataBit   uint32 = 1 << 3
	statusHaveUndoBit   uint32 = 1 << 4
	statusFailedBit     uint32 = 1 << 5
	statusFailedParentB uint32 = 1 << 6
)

// packBlockStatus folds the three independent status facets back into the
// single status word used by the disk index records.
func packBlockStatus(validity ValidityStage, flags blockDataFlags, failure failureStatus) uint32 {
	status := uint32(validity) & statusValidityMask
	if flags&blockHaveData != 0 {
		status |= statusHaveDataBit
	}
	if flags&blockHaveUndo != 0 {
		status |= statusHaveUndoBit
	}
	switch failure {
	case failedSelf:
		status |= statusFailedBit
	case failedParent:
		status |= statusFailedParentB
	}
	return status
}

// unpackBlockStatus splits a stored status word into the three independent
// status facets.
func unpackBlockStatus(status uint32) (ValidityStage, blockDataFlags, failureStatus) {
	validity := ValidityStage(status & statusValidityMask)
	var flags blockDataFlags
	if status&statusHaveDataBit != 0 {
		flags |= blockHaveData
	}
	if status&statusHaveUndoBit != 0 {
		flags |= blockHaveUndo
	}
	failure := failureNone
	if status&statusFailedBit != 0 {
		failure = failedSelf
	} else if status&statusFailedParentB != 0 {
		failure = failedParent
	}
	return validity, flags, failure
}

// stakeFlags is the proof-of-stake flag word carried by every node.
type stakeFlags byte

const (
	// blockProofOfStake indicates the block is proof-of-stake.
	blockProofOfStake stakeFlags = 1 << 0

	// blockStakeEntropy carries the entropy bit for the stake modifier.
	blockStakeEntropy stakeFlags = 1 << 1

	// blockStakeModifier indicates a stake modifier was regenerated at
	// this block.
	blockStakeModifier stakeFlags = 1 << 2
)

const (
	// medianTimeBlocks is the number of previous blocks which should be
	// used to calculate the median time used to validate block timestamps.
	medianTimeBlocks = 11

	// blockPastTimeLimit is the fixed backward offset in seconds applied
	// by PastTimeLimit as a permissive lower bound for block timestamps.
	blockPastTimeLimit = 120
)

// blockNode represents a block within the block chain and is primarily used
// to aid in selecting the best chain to be the main chain.  Although the name
// block chain suggests a single chain of blocks, it is actually a tree-shaped
// structure where any node can have multiple children.  However, there can
// only be one active branch which does indeed form a chain from the tip all
// the way back to the genesis block.
type blockNode struct {
	// parent is the parent block for this node.  It is only nil for the
	// genesis block.  The node tree is owned by the block index; parent is
	// a relation, never ownership.
	parent *blockNode

	// skip is a block further back in the chain used for the skip list
	// shortcut in Ancestor.  It is purely a recomputable cache over the
	// parent links and is never a source of truth.
	skip *blockNode

	// hash is the block identifier.  Assigned once at creation.
	hash hash.Hash

	// chainTrust is the total amount of trust in the chain up to and
	// including this node.  It is monotonically increasing along any path
	// from genesis and used to pick the best branch.
	chainTrust *big.Int

	// height of the entry in the chain.  The genesis block has height 0.
	height int32

	// Which # file this block is stored in and the byte offsets of the
	// block and undo payloads within the block/undo data files.  Only
	// meaningful when the matching data flag is set.
	file    int32
	dataPos uint32
	undoPos uint32

	// numTx is the number of transactions in this block.  In headers-first
	// mode this number cannot be relied upon until the body arrives.
	numTx uint32

	// chainNumTx is the number of transactions in the chain up to and
	// including this block.  This value will be non-zero only if and only
	// if transactions for this block and all its parents are available.
	chainNumTx uint64

	mint        int64
	moneySupply int64

	// The three independent facets of the verification status.  These may
	// change after the node is created, so once the node is added to the
	// index they must only be touched while holding the chain lock.
	validity  ValidityStage
	dataFlags blockDataFlags
	failure   failureStatus

	// Proof-of-stake facet.  Everything below except flags is only valid
	// once posDetailSet is true, which happens when the full block body
	// has been processed by SetPOSDetail or a disk record was decoded.
	stakeFlags    stakeFlags
	stakeModifier uint64
	stakeOutpoint types.TxOutPoint
	stakeTime     uint32
	proofHash     hash.Hash
	posDetailSet  bool

	// Some fields from the block header to aid in best chain selection and
	// reconstructing headers from memory.  These are immutable after
	// creation.
	version   uint32
	txRoot    hash.Hash
	timestamp int64
	bits      uint32
	nonce     uint32

	// sequenceID is assigned in the order blocks arrive and breaks ties
	// between branches with equal chain trust.
	sequenceID uint64
}

// newBlockNode returns a new block node for the given block header and parent
// node.  The chain trust is calculated based on the parent, or, in the case
// no parent is provided, it will just be the trust for the passed header.
func newBlockNode(blockHeader *types.BlockHeader, parent *blockNode) *blockNode {
	var node blockNode
	initBlockNode(&node, blockHeader, parent)
	return &node
}

// initBlockNode initializes a block node from the given header and parent
// node.
//
// In headers-first mode SetPOSDetail must be called with the full block
// before the proof-of-stake facet may be read.
//
// This function is NOT safe for concurrent access.  It must only be called
// when initially creating a node.
func initBlockNode(node *blockNode, blockHeader *types.BlockHeader, parent *blockNode) {
	*node = blockNode{
		hash:       blockHeader.BlockHash(),
		chainTrust: CalcBlockTrust(blockHeader.Difficulty),
		validity:   StageHeader,
		version:    blockHeader.Version,
		txRoot:     blockHeader.TxRoot,
		timestamp:  blockHeader.Timestamp.Unix(),
		bits:       blockHeader.Difficulty,
		nonce:      blockHeader.Nonce,
	}
	node.stakeOutpoint.SetNull()
	if parent != nil {
		node.parent = parent
		node.height = parent.height + 1
		node.chainTrust = node.chainTrust.Add(parent.chainTrust,
			node.chainTrust)
	}
}

// Hash returns the block identifier of the node.
func (node *blockNode) Hash() hash.Hash {
	return node.hash
}

// Height returns the zero-based position of the node in the chain.
func (node *blockNode) Height() int32 {
	return node.height
}

// Header constructs a block header from the node and returns it.  The parent
// hash substitutes for the parent pointer; a nil parent yields a zero
// previous hash.
//
// This function is safe for concurrent access since all accessed fields are
// immutable.
func (node *blockNode) Header() types.BlockHeader {
	prevHash := &hash.ZeroHash
	if node.parent != nil {
		prevHash = &node.parent.hash
	}
	return types.BlockHeader{
		Version:    node.version,
		ParentHash: *prevHash,
		TxRoot:     node.txRoot,
		Timestamp:  time.Unix(node.timestamp, 0),
		Difficulty: node.bits,
		Nonce:      node.nonce,
	}
}

// parentHash returns the hash of the parent block, or the zero hash for the
// genesis node.
func (node *blockNode) parentHash() hash.Hash {
	if node.parent == nil {
		return hash.ZeroHash
	}
	return node.parent.hash
}

// GetBlockTime returns the header timestamp as a unix time.
func (node *blockNode) GetBlockTime() int64 {
	return node.timestamp
}

// PastTimeLimit returns the earliest timestamp acceptance checks elsewhere
// will tolerate for descendants, a fixed two minutes before this node's own
// timestamp.
func (node *blockNode) PastTimeLimit() int64 {
	return node.timestamp - blockPastTimeLimit
}

// GetBlockPos returns the on-disk position of the block payload, or the null
// position when no payload is stored.
func (node *blockNode) GetBlockPos() DiskBlockPos {
	ret := nullDiskBlockPos()
	if node.dataFlags&blockHaveData != 0 {
		ret.File = node.file
		ret.Offset = node.dataPos
	}
	return ret
}

// GetUndoPos returns the on-disk position of the undo payload, or the null
// position when no payload is stored.
func (node *blockNode) GetUndoPos() DiskBlockPos {
	ret := nullDiskBlockPos()
	if node.dataFlags&blockHaveUndo != 0 {
		ret.File = node.file
		ret.Offset = node.undoPos
	}
	return ret
}

// CalcPastMedianTime calculates the median time of the previous few blocks
// prior to, and including, the block node.
//
// This function is safe for concurrent access.
func (node *blockNode) CalcPastMedianTime() time.Time {
	// Create a slice of the previous few block timestamps used to calculate
	// the median per the number defined by the constant medianTimeBlocks.
	timestamps := make([]int64, medianTimeBlocks)
	numNodes := 0
	iterNode := node
	for i := 0; i < medianTimeBlocks && iterNode != nil; i++ {
		timestamps[i] = iterNode.timestamp
		numNodes++

		iterNode = iterNode.parent
	}

	// Prune the slice to the actual number of available timestamps which
	// will be fewer than desired near the beginning of the block chain
	// and sort them.
	timestamps = timestamps[:numNodes]
	sort.Sort(util.TimeSorter(timestamps))

	// The median used here is the lower-middle element for even counts,
	// matching the consensus rules, rather than a true statistical median
	// that would average the middle two elements.
	medianTimestamp := timestamps[numNodes/2]
	return time.Unix(medianTimestamp, 0)
}

// checkValidityStage panics with an AssertError when the passed stage is not
// one of the recognized validity stages.  Callers passing an out-of-range
// stage are programmer errors, not data errors.
func checkValidityStage(upTo ValidityStage) {
	if upTo < StageHeader || upTo > StageScripts {
		panic(AssertError(fmt.Sprintf("unknown validity stage %d", upTo)))
	}
}

// IsValid returns whether this block index node is valid at least up to the
// passed validity stage.  A node with any failure marker is never valid, for
// any stage.
func (node *blockNode) IsValid(upTo ValidityStage) bool {
	checkValidityStage(upTo)
	if node.failure != failureNone {
		return false
	}
	return node.validity >= upTo
}

// RaiseValidity raises the validity stage of this block index node to the
// passed stage.  Returns true if the stage was changed; lowering is never
// performed and a node with a failure marker can no longer advance.
func (node *blockNode) RaiseValidity(upTo ValidityStage) bool {
	checkValidityStage(upTo)
	if node.failure != failureNone {
		return false
	}
	if node.validity < upTo {
		node.validity = upTo
		return true
	}
	return false
}

// KnownInvalid returns whether the node or one of its ancestors is known to
// have failed validation.
func (node *blockNode) KnownInvalid() bool {
	return node.failure != failureNone
}

// IsProofOfWork returns whether the block is proof-of-work.
func (node *blockNode) IsProofOfWork() bool {
	return node.stakeFlags&blockProofOfStake == 0
}

// IsProofOfStake returns whether the block is proof-of-stake.  The
// proof-of-stake facet is unknown until the full block body has been
// processed, so calling this before SetPOSDetail is a programmer error and
// panics with an AssertError.
func (node *blockNode) IsProofOfStake() bool {
	if !node.posDetailSet {
		panic(AssertError(fmt.Sprintf("proof-of-stake status of block %v "+
			"read before the stake detail was set", node.hash)))
	}
	return node.stakeFlags&blockProofOfStake != 0
}

// SetProofOfStake marks the block as proof-of-stake.
func (node *blockNode) SetProofOfStake() {
	node.stakeFlags |= blockProofOfStake
}

// StakeEntropyBit returns the entropy bit collected from this block for the
// stake modifier.
func (node *blockNode) StakeEntropyBit() uint32 {
	return uint32(node.stakeFlags&blockStakeEntropy) >> 1
}

// SetStakeEntropyBit records the entropy bit for the stake modifier.  Bits
// other than 0 or 1 are rejected with a RuleError and leave the node
// unchanged.
func (node *blockNode) SetStakeEntropyBit(bit uint32) error {
	if bit > 1 {
		return ruleError(ErrInvalidEntropyBit, fmt.Sprintf(
			"stake entropy bit %d is out of range", bit))
	}
	if bit == 1 {
		node.stakeFlags |= blockStakeEntropy
	}
	return nil
}

// GeneratedStakeModifier returns whether a stake modifier was regenerated at
// this block.
func (node *blockNode) GeneratedStakeModifier() bool {
	return node.stakeFlags&blockStakeModifier != 0
}

// SetStakeModifier records the stake modifier and whether it was regenerated
// at this block.
func (node *blockNode) SetStakeModifier(modifier uint64, generated bool) {
	node.stakeModifier = modifier
	if generated {
		node.stakeFlags |= blockStakeModifier
	}
}

// SetPOSDetail attaches the proof-of-stake facet once the full block body is
// known.  During headers-first sync only the header is available when the
// node is created, so the staked outpoint and time cannot be known until the
// rest of the block arrives.  For a proof-of-stake block they are taken from
// the coinstake (the second transaction): its first input's previous output
// and its own timestamp.  For proof-of-work both are cleared.  The detail-set
// gate is raised unconditionally.
func (node *blockNode) SetPOSDetail(block *types.Block) {
	if block.IsProofOfStake() {
		node.SetProofOfStake()
		coinstake := block.Transactions[1]
		node.stakeOutpoint = coinstake.TxIn[0].PreviousOut
		node.stakeTime = uint32(coinstake.Timestamp.Unix())
	} else {
		node.stakeOutpoint.SetNull()
		node.stakeTime = 0
	}
	node.posDetailSet = true
}

// String returns the node in human-readable form.
func (node *blockNode) String() string {
	pos := "PoW"
	if node.posDetailSet && node.stakeFlags&blockProofOfStake != 0 {
		pos = "PoS"
	}
	mod := "-"
	if node.GeneratedStakeModifier() {
		mod = "MOD"
	}
	return fmt.Sprintf("blockNode(hash=%s, height=%d, mint=%d, "+
		"moneySupply=%d, flags=(%s)(%d)(%s), stakeModifier=%016x, "+
		"proofHash=%s, stakeOutpoint=(%s), stakeTime=%d, txRoot=%s)",
		node.hash, node.height, node.mint, node.moneySupply,
		mod, node.StakeEntropyBit(), pos, node.stakeModifier,
		node.proofHash, node.stakeOutpoint, node.stakeTime, node.txRoot)
}

// invertLowestOne turns the lowest set bit in the binary representation of a
// number into zero.
func invertLowestOne(n int32) int32 {
	return n & (n - 1)
}

// getSkipHeight determines which height the skip pointer of a node at the
// given height shortcuts to.  The rule alternates between clearing one and
// two of the low bits so that repeatedly following skip pointers converges on
// any requested ancestor height in O(log n) hops.
func getSkipHeight(height int32) int32 {
	if height < 2 {
		return 0
	}

	// Determine either the adjusted or exact subtree height based on
	// whether or not the height is odd.
	if height&1 == 1 {
		return invertLowestOne(invertLowestOne(height-1)) + 1
	}
	return invertLowestOne(height)
}

// Ancestor returns the ancestor block node at the provided height by
// following the chain backwards from this node, using the skip list shortcut
// where possible.  The returned block will be nil when the requested height
// is after the height of this node or is less than zero.
//
// The result is identical to walking the parent links one at a time; the
// skip pointers only change the number of hops taken.
//
// This function is safe for concurrent access provided no mutation is in
// flight.
func (node *blockNode) Ancestor(height int32) *blockNode {
	if height < 0 || height > node.height {
		return nil
	}

	n := node
	heightWalk := node.height
	for heightWalk > height {
		heightSkip := getSkipHeight(heightWalk)
		heightSkipPrev := getSkipHeight(heightWalk - 1)

		// Only follow the skip pointer when it does not overshoot and
		// when stepping to the parent first would not reach a more
		// useful skip target.
		if n.skip != nil && (heightSkip == height ||
			(heightSkip > height && !(heightSkipPrev < heightSkip-2 &&
				heightSkipPrev >= height))) {
			n = n.skip
			heightWalk = heightSkip
		} else {
			n = n.parent
			heightWalk--
		}
	}

	return n
}

// BuildSkip (re)computes the skip pointer of this node from the parent links
// alone.  It is idempotent and may be called at any time the parent chain is
// stable; correctness of Ancestor never depends on it having been called.
func (node *blockNode) BuildSkip() {
	if node.parent != nil {
		node.skip = node.parent.Ancestor(getSkipHeight(node.height))
	}
}

// isSuperMajority returns true when required or more of the last
// params.BlockUpgradeNumToCheck blocks, starting at startNode and going
// backwards, carry a version at or above minVersion.  It is used to decide
// when the network has upgraded to a new block version.  Blocks below the
// latest checkpoint never count since their versions are settled.
func isSuperMajority(minVersion uint32, startNode *blockNode, required uint64,
	par *params.Params) bool {

	checkpointHeight := int32(0)
	if numCheckpoints := len(par.Checkpoints); numCheckpoints > 0 {
		checkpointHeight = par.Checkpoints[numCheckpoints-1].Height
	}

	numFound := uint64(0)
	iterNode := startNode
	for i := uint64(0); i < par.BlockUpgradeNumToCheck &&
		numFound < required && iterNode != nil &&
		iterNode.height >= checkpointHeight; i++ {

		// This node has a version that is at least the minimum version.
		if iterNode.version >= minVersion {
			numFound++
		}

		iterNode = iterNode.parent
	}

	return numFound >= required
}
