// Copyright (c) 2017-2020 The amber developers
package blockchain

import (
	"fmt"

	"github.com/amberproject/amber/common/hash"
	"github.com/amberproject/amber/params"
)

// Checkpoints returns a slice of checkpoints (regardless of whether they are
// already known).  When there are no checkpoints for the chain, it will
// return nil.
//
// This function is safe for concurrent access.
func (b *BlockChain) Checkpoints() []params.Checkpoint {
	return b.checkpoints
}

// HasCheckpoints returns whether this BlockChain has checkpoints defined.
//
// This function is safe for concurrent access.
func (b *BlockChain) HasCheckpoints() bool {
	return len(b.checkpoints) > 0
}

// LatestCheckpoint returns the most recent checkpoint (regardless of whether
// it is already known).  When there are no defined checkpoints for the active
// chain instance, it will return nil.
//
// This function is safe for concurrent access.
func (b *BlockChain) LatestCheckpoint() *params.Checkpoint {
	if !b.HasCheckpoints() {
		return nil
	}
	return &b.checkpoints[len(b.checkpoints)-1]
}

// verifyCheckpoint returns whether the passed block height and hash combination
// match the checkpoint data.  It also returns true if there is no checkpoint
// data for the passed block height.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *BlockChain) verifyCheckpoint(height int32, hash *hash.Hash) bool {
	checkpoint, exists := b.checkpointsByHeight[height]
	if !exists {
		return true
	}
	return checkpoint.Hash.IsEqual(hash)
}

// checkAgainstCheckpoints enforces checkpoint constraints on a header about
// to be admitted at the given height.  It rejects headers that claim a
// checkpointed height with the wrong hash and headers that would fork the
// chain before the most recent checkpoint the best chain has already passed.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *BlockChain) checkAgainstCheckpoints(height int32, blockHash *hash.Hash) error {
	if !b.HasCheckpoints() {
		return nil
	}

	if !b.verifyCheckpoint(height, blockHash) {
		str := fmt.Sprintf("block at height %d does not match "+
			"checkpoint hash", height)
		return ruleError(ErrBadCheckpoint, str)
	}

	// Headers may never fork the chain before the most recent checkpoint
	// that the best chain already covers.
	latest := b.latestPassedCheckpoint()
	if latest != nil && height <= latest.Height {
		str := fmt.Sprintf("block at height %d forks the best chain "+
			"before the previous checkpoint at height %d",
			height, latest.Height)
		return ruleError(ErrForkTooOld, str)
	}

	return nil
}

// latestPassedCheckpoint returns the most recent checkpoint whose height the
// best chain tip has reached, or nil when the tip is still below every
// checkpoint.
//
// This function MUST be called with the chain state lock held (for reads).
func (b *BlockChain) latestPassedCheckpoint() *params.Checkpoint {
	tip := b.bestChain.Tip()
	if tip == nil {
		return nil
	}

	for i := len(b.checkpoints) - 1; i >= 0; i-- {
		if b.checkpoints[i].Height <= tip.height {
			return &b.checkpoints[i]
		}
	}
	return nil
}
