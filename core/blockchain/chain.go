// Copyright (c) 2017-2020 The amber developers
package blockchain

// approxNodesPerWeek is an approximation of the number of new blocks there
// are in a week on average.  It is used as growth headroom when the active
// chain's backing array has to be reallocated.
const approxNodesPerWeek = 6 * 24 * 7

// ActiveChain provides a flat height-indexed view over the single
// best-validated branch of the block node tree, from the genesis block up to
// the current tip.  The entry at index h always has height h.  It is mutated
// wholesale by SetTip and read-only otherwise.
//
// The active chain holds relations into the block index, never ownership.
// The caller is responsible for serializing all mutation behind the chain
// state lock and for excluding readers while SetTip rewrites entries.
type ActiveChain struct {
	nodes []*blockNode
}

// newActiveChain returns a new empty chain.
func newActiveChain() *ActiveChain {
	return &ActiveChain{}
}

// Genesis returns the genesis block node for the chain, or nil if the chain
// is empty.
//
// This function MUST be called with the chain state lock held (for reads).
func (c *ActiveChain) Genesis() *blockNode {
	if len(c.nodes) == 0 {
		return nil
	}
	return c.nodes[0]
}

// Tip returns the current tip block node for the chain, or nil if the chain
// is empty.
//
// This function MUST be called with the chain state lock held (for reads).
func (c *ActiveChain) Tip() *blockNode {
	if len(c.nodes) == 0 {
		return nil
	}
	return c.nodes[len(c.nodes)-1]
}

// NodeByHeight returns the block node at the specified height, or nil if the
// height is out of range for the chain.  This is an O(1) positional lookup.
//
// This function MUST be called with the chain state lock held (for reads).
func (c *ActiveChain) NodeByHeight(height int32) *blockNode {
	if height < 0 || height >= int32(len(c.nodes)) {
		return nil
	}
	return c.nodes[height]
}

// Height returns the height of the tip of the chain.  It will return -1 if
// there is no tip.
//
// This function MUST be called with the chain state lock held (for reads).
func (c *ActiveChain) Height() int32 {
	return int32(len(c.nodes)) - 1
}

// Contains returns whether or not the chain includes the passed block node.
// The check is an identity comparison against the occupant of the node's
// height, not a scan, so it is O(1).
//
// This function MUST be called with the chain state lock held (for reads).
func (c *ActiveChain) Contains(node *blockNode) bool {
	if node == nil {
		return false
	}
	return c.NodeByHeight(node.height) == node
}

// Next returns the successor of the passed node in this chain, or nil when
// the node is not part of the chain or is the tip.
//
// This function MUST be called with the chain state lock held (for reads).
func (c *ActiveChain) Next(node *blockNode) *blockNode {
	if !c.Contains(node) {
		return nil
	}
	return c.NodeByHeight(node.height + 1)
}

// SetTip replaces the chain with the path from genesis to the passed node by
// walking its parent links backward and writing entries from the top down.
// Entries are only touched while they differ from the new path, so the cost
// of a reorganization is proportional to the length of the divergent suffix,
// not the full chain length.  Passing nil empties the chain.
//
// This is the reorganization primitive: every height whose occupant differs
// between the old tip's path and the new one is overwritten.
//
// This function MUST be called with the chain state lock held (for writes).
func (c *ActiveChain) SetTip(node *blockNode) {
	if node == nil {
		c.nodes = c.nodes[:0]
		return
	}

	needed := node.height + 1
	current := int32(len(c.nodes))
	if needed < current {
		c.nodes = c.nodes[:needed]
	} else if needed > current {
		if int(needed) <= cap(c.nodes) {
			// Entries between the old and new length may hold stale
			// nodes from a previously longer chain; the write loop
			// below overwrites every one that differs.
			c.nodes = c.nodes[:needed]
		} else {
			nodes := make([]*blockNode, needed, needed+approxNodesPerWeek)
			copy(nodes, c.nodes)
			c.nodes = nodes
		}
	}

	for n := node; n != nil && c.nodes[n.height] != n; n = n.parent {
		c.nodes[n.height] = n
	}
}

// FindFork returns the final common block node between the chain and the
// passed node (the fork point), or nil when there is no common ancestor.
// The higher side is first brought level via an ancestor lookup, then walked
// up one parent at a time until it lands on a node the chain contains.
//
// This function MUST be called with the chain state lock held (for reads).
func (c *ActiveChain) FindFork(node *blockNode) *blockNode {
	if node == nil {
		return nil
	}

	// No need to search for a fork above the current tip.
	chainHeight := c.Height()
	if node.height > chainHeight {
		node = node.Ancestor(chainHeight)
	}

	for node != nil && !c.Contains(node) {
		node = node.parent
	}

	return node
}

// Equal returns whether two chains have the same tip, which by construction
// means they are the same chain.
//
// This function MUST be called with the chain state lock held (for reads).
func (c *ActiveChain) Equal(other *ActiveChain) bool {
	return len(c.nodes) == len(other.nodes) && c.Tip() == other.Tip()
}
