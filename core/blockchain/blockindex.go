// Copyright (c) 2017-2020 The amber developers
package blockchain

import (
	"sync"

	"github.com/amberproject/amber/common/hash"
	"github.com/amberproject/amber/params"

	bolt "github.com/coreos/bbolt"
)

// blockIndex provides facilities for keeping track of an in-memory index of
// the block chain.  Although the name block chain suggests a single chain of
// blocks, it is actually a tree-shaped structure where any node can have
// multiple children.  However, there can only be one active branch which does
// indeed form a chain from the tip all the way back to the genesis block.
//
// The index is the sole owner of every block node; the active chain, parent
// links and skip links all reference nodes owned here.
type blockIndex struct {
	// The following fields are set when the instance is created and can't
	// be changed afterwards, so there is no need to protect them with a
	// separate mutex.
	db     *bolt.DB
	params *params.Params

	sync.RWMutex
	index map[hash.Hash]*blockNode
	dirty map[*blockNode]struct{}

	// lastSequenceID is the arrival counter handed out to nodes as they
	// are added, used as the tie-break between branches of equal trust.
	lastSequenceID uint64
}

// newBlockIndex returns a new empty instance of a block index.  The index
// will be dynamically populated as block nodes are loaded from the database
// and manually added.
func newBlockIndex(db *bolt.DB, par *params.Params) *blockIndex {
	return &blockIndex{
		db:     db,
		params: par,
		index:  make(map[hash.Hash]*blockNode),
		dirty:  make(map[*blockNode]struct{}),
	}
}

// HaveBlock returns whether or not the block index contains the provided
// hash.
//
// This function is safe for concurrent access.
func (bi *blockIndex) HaveBlock(hash *hash.Hash) bool {
	bi.RLock()
	_, hasBlock := bi.index[*hash]
	bi.RUnlock()
	return hasBlock
}

// lookupNode returns the block node identified by the provided hash.  It will
// return nil if there is no entry for the hash.
//
// This function MUST be called with the block index lock held (for reads).
func (bi *blockIndex) lookupNode(hash *hash.Hash) *blockNode {
	return bi.index[*hash]
}

// LookupNode returns the block node identified by the provided hash.  It will
// return nil if there is no entry for the hash.
//
// This function is safe for concurrent access.
func (bi *blockIndex) LookupNode(hash *hash.Hash) *blockNode {
	bi.RLock()
	node := bi.lookupNode(hash)
	bi.RUnlock()
	return node
}

// addNode adds the provided node to the block index, assigns its arrival
// sequence id and builds its skip pointer.  Duplicate entries are not
// checked so it is up to the caller to avoid adding them.
//
// This function MUST be called with the block index lock held (for writes).
func (bi *blockIndex) addNode(node *blockNode) {
	bi.lastSequenceID++
	node.sequenceID = bi.lastSequenceID
	node.BuildSkip()
	bi.index[node.hash] = node
}

// AddNode adds the provided node to the block index and marks it as dirty.
// Duplicate entries are not checked so it is up to the caller to avoid adding
// them.
//
// This function is safe for concurrent access.
func (bi *blockIndex) AddNode(node *blockNode) {
	bi.Lock()
	bi.addNode(node)
	bi.dirty[node] = struct{}{}
	bi.Unlock()
}

// RaiseValidity raises the validity stage of the passed node and marks it
// dirty when the stage actually advanced.  It returns whether the stage
// changed, mirroring blockNode.RaiseValidity.
//
// This function is safe for concurrent access.
func (bi *blockIndex) RaiseValidity(node *blockNode, upTo ValidityStage) bool {
	bi.Lock()
	changed := node.RaiseValidity(upTo)
	if changed {
		bi.dirty[node] = struct{}{}
	}
	bi.Unlock()
	return changed
}

// MarkFailed marks the passed node as having failed validation itself.  The
// marker is absorbing and survives for the life of the node.
//
// This function is safe for concurrent access.
func (bi *blockIndex) MarkFailed(node *blockNode) {
	bi.Lock()
	if node.failure == failureNone {
		node.failure = failedSelf
		bi.dirty[node] = struct{}{}
	}
	bi.Unlock()
}

// MarkFailedAncestor marks the passed node as invalid because it descends
// from a block that failed validation.
//
// This function is safe for concurrent access.
func (bi *blockIndex) MarkFailedAncestor(node *blockNode) {
	bi.Lock()
	if node.failure == failureNone {
		node.failure = failedParent
		bi.dirty[node] = struct{}{}
	}
	bi.Unlock()
}

// SetBlockPayload records where the full block payload was stored on disk
// along with the transaction count taken from the body, and raises the
// data-available flag.
//
// This function is safe for concurrent access.
func (bi *blockIndex) SetBlockPayload(node *blockNode, pos DiskBlockPos, numTx uint32) {
	bi.Lock()
	node.file = pos.File
	node.dataPos = pos.Offset
	node.numTx = numTx
	node.dataFlags |= blockHaveData
	bi.dirty[node] = struct{}{}
	bi.Unlock()
}

// SetUndoPayload records where the undo payload was stored on disk and
// raises the undo-available flag.  The file is required to match the block
// payload file.
//
// This function is safe for concurrent access.
func (bi *blockIndex) SetUndoPayload(node *blockNode, pos DiskBlockPos) {
	bi.Lock()
	node.undoPos = pos.Offset
	node.dataFlags |= blockHaveUndo
	bi.dirty[node] = struct{}{}
	bi.Unlock()
}

// MarkDirty schedules the passed node for inclusion in the next index flush.
//
// This function is safe for concurrent access.
func (bi *blockIndex) MarkDirty(node *blockNode) {
	bi.Lock()
	bi.dirty[node] = struct{}{}
	bi.Unlock()
}

// flushToDB writes all dirty block nodes to the database.  If all writes
// succeed, this clears the dirty set.
func (bi *blockIndex) flushToDB() error {
	bi.Lock()
	if len(bi.dirty) == 0 {
		bi.Unlock()
		return nil
	}

	err := bi.db.Update(func(dbTx *bolt.Tx) error {
		for node := range bi.dirty {
			err := dbPutBlockNode(dbTx, node)
			if err != nil {
				return err
			}
		}
		return nil
	})

	// If write was successful, replace the dirty map with a new one to
	// release the nodes it references.
	if err == nil {
		bi.dirty = make(map[*blockNode]struct{})
	}
	bi.Unlock()
	return err
}
