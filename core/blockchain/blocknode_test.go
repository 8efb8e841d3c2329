// Copyright (c) 2017-2020 The amber developers
package blockchain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/amberproject/amber/common/hash"
	"github.com/amberproject/amber/core/types"
	"github.com/amberproject/amber/params"
)

// testBaseTime anchors the synthetic header timestamps used throughout the
// package tests.
var testBaseTime = time.Unix(1609459200, 0)

// newTestHeader returns a header that descends from the given parent node
// with a timestamp one minute after it.  The nonce keeps sibling headers
// distinct.
func newTestHeader(parent *blockNode, nonce uint32) *types.BlockHeader {
	header := &types.BlockHeader{
		Version:    1,
		Timestamp:  testBaseTime,
		Difficulty: 0x207fffff,
		Nonce:      nonce,
	}
	if parent != nil {
		header.ParentHash = parent.hash
		header.Timestamp = time.Unix(parent.timestamp+60, 0)
	}
	return header
}

// newTestNode creates a block node descending from parent with its skip
// pointer built.
func newTestNode(parent *blockNode, nonce uint32) *blockNode {
	node := newBlockNode(newTestHeader(parent, nonce), parent)
	node.BuildSkip()
	return node
}

// buildTestChain returns a chain of numNodes nodes rooted at a genesis node.
func buildTestChain(numNodes int) []*blockNode {
	nodes := make([]*blockNode, 0, numNodes)
	var parent *blockNode
	for i := 0; i < numNodes; i++ {
		node := newTestNode(parent, uint32(i))
		nodes = append(nodes, node)
		parent = node
	}
	return nodes
}

// TestAncestorSkipList ensures the skip-list accelerated ancestor lookups
// produce exactly the same node as naively walking the parent links.
func TestAncestorSkipList(t *testing.T) {
	nodes := buildTestChain(2500)
	tip := nodes[len(nodes)-1]

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		height := int32(rng.Intn(len(nodes)))

		want := tip
		for want.height > height {
			want = want.parent
		}

		if got := tip.Ancestor(height); got != want {
			t.Fatalf("Ancestor(%d): got %v, want %v", height,
				got.hash, want.hash)
		}
	}

	// Out-of-range heights never resolve.
	if got := tip.Ancestor(-1); got != nil {
		t.Fatalf("Ancestor(-1): got %v, want nil", got.hash)
	}
	if got := tip.Ancestor(tip.height + 1); got != nil {
		t.Fatalf("Ancestor(beyond tip): got %v, want nil", got.hash)
	}

	// A node is its own ancestor at its own height.
	if got := tip.Ancestor(tip.height); got != tip {
		t.Fatalf("Ancestor(self): got %v, want tip", got.hash)
	}
}

// TestCalcPastMedianTime ensures the past median time is the middle element
// of the sorted timestamps of the last several blocks.
func TestCalcPastMedianTime(t *testing.T) {
	offsets := []int64{100, 103, 107, 110, 111, 112, 115, 120, 121, 130, 140}

	var parent *blockNode
	nodes := make([]*blockNode, 0, len(offsets))
	for i, offset := range offsets {
		header := newTestHeader(parent, uint32(i))
		header.Timestamp = testBaseTime.Add(time.Duration(offset) * time.Second)
		node := newBlockNode(header, parent)
		node.BuildSkip()
		nodes = append(nodes, node)
		parent = node
	}

	// All eleven blocks available: the median of the sorted offsets is
	// 112. The offsets are already sorted, so shuffling arrival order is
	// irrelevant; the calculation sorts internally.
	got := nodes[len(nodes)-1].CalcPastMedianTime()
	want := testBaseTime.Add(112 * time.Second)
	if !got.Equal(want) {
		t.Fatalf("CalcPastMedianTime: got %v, want %v", got, want)
	}

	// Only one block available: its own timestamp is the median.
	got = nodes[0].CalcPastMedianTime()
	want = testBaseTime.Add(100 * time.Second)
	if !got.Equal(want) {
		t.Fatalf("CalcPastMedianTime(genesis): got %v, want %v", got, want)
	}

	// Four blocks available: index 4/2=2 of the sorted values.
	got = nodes[3].CalcPastMedianTime()
	want = testBaseTime.Add(107 * time.Second)
	if !got.Equal(want) {
		t.Fatalf("CalcPastMedianTime(4 blocks): got %v, want %v", got, want)
	}
}

// TestValidityStages exercises the monotonic stage machine, including the
// absorbing failure markers.
func TestValidityStages(t *testing.T) {
	node := newTestNode(nil, 0)

	if !node.IsValid(StageHeader) {
		t.Fatal("fresh node is not valid at the header stage")
	}
	if node.IsValid(StageTree) {
		t.Fatal("fresh node claims tree stage validity")
	}

	if !node.RaiseValidity(StageTransactions) {
		t.Fatal("raising to the transactions stage reported no change")
	}
	if !node.IsValid(StageTree) {
		t.Fatal("transactions stage does not imply tree stage")
	}

	// Raising to a lower or equal stage never lowers and reports no
	// change.
	if node.RaiseValidity(StageHeader) {
		t.Fatal("raising to a lower stage reported a change")
	}
	if node.validity != StageTransactions {
		t.Fatalf("stage was lowered to %d", node.validity)
	}

	// Failure is absorbing: no stage is valid and no raise is possible.
	node.failure = failedSelf
	if node.IsValid(StageHeader) {
		t.Fatal("failed node claims validity")
	}
	if node.RaiseValidity(StageScripts) {
		t.Fatal("failed node advanced a stage")
	}
	if !node.KnownInvalid() {
		t.Fatal("failed node is not known invalid")
	}

	node.failure = failedParent
	if !node.KnownInvalid() {
		t.Fatal("node with failed ancestor is not known invalid")
	}
}

// TestValidityStageRange ensures out-of-range stages panic as programmer
// errors rather than being treated as data.
func TestValidityStageRange(t *testing.T) {
	node := newTestNode(nil, 0)

	assertPanics := func(name string, f func()) {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("%s did not panic", name)
			} else if _, ok := r.(AssertError); !ok {
				t.Fatalf("%s panicked with %T, want AssertError",
					name, r)
			}
		}()
		f()
	}

	assertPanics("IsValid(0)", func() { node.IsValid(0) })
	assertPanics("RaiseValidity(6)", func() { node.RaiseValidity(6) })
}

// TestBlockStatusPacking ensures the three status facets survive a round trip
// through the packed status word.
func TestBlockStatusPacking(t *testing.T) {
	tests := []struct {
		validity ValidityStage
		flags    blockDataFlags
		failure  failureStatus
	}{
		{StageHeader, 0, failureNone},
		{StageTree, blockHaveData, failureNone},
		{StageTransactions, blockHaveData | blockHaveUndo, failureNone},
		{StageChain, blockHaveUndo, failedSelf},
		{StageScripts, blockHaveData, failedParent},
	}

	for i, test := range tests {
		status := packBlockStatus(test.validity, test.flags, test.failure)
		validity, flags, failure := unpackBlockStatus(status)
		if validity != test.validity || flags != test.flags ||
			failure != test.failure {

			t.Errorf("test #%d: got (%d, %d, %d), want (%d, %d, %d)",
				i, validity, flags, failure, test.validity,
				test.flags, test.failure)
		}
	}
}

// TestStakeEntropyBit ensures only the bits 0 and 1 are accepted and that the
// bit reads back as stored.
func TestStakeEntropyBit(t *testing.T) {
	node := newTestNode(nil, 0)

	if err := node.SetStakeEntropyBit(0); err != nil {
		t.Fatalf("SetStakeEntropyBit(0): %v", err)
	}
	if bit := node.StakeEntropyBit(); bit != 0 {
		t.Fatalf("StakeEntropyBit: got %d, want 0", bit)
	}

	if err := node.SetStakeEntropyBit(1); err != nil {
		t.Fatalf("SetStakeEntropyBit(1): %v", err)
	}
	if bit := node.StakeEntropyBit(); bit != 1 {
		t.Fatalf("StakeEntropyBit: got %d, want 1", bit)
	}

	err := node.SetStakeEntropyBit(2)
	rerr, ok := err.(RuleError)
	if !ok || rerr.ErrorCode != ErrInvalidEntropyBit {
		t.Fatalf("SetStakeEntropyBit(2): got %v, want ErrInvalidEntropyBit", err)
	}
}

// TestProofOfStakeGate ensures the proof-of-stake facet cannot be read before
// the stake detail has been attached.
func TestProofOfStakeGate(t *testing.T) {
	node := newTestNode(nil, 0)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("IsProofOfStake before SetPOSDetail did not panic")
			}
		}()
		node.IsProofOfStake()
	}()

	// A single-transaction block is proof-of-work.
	powBlock := &types.Block{
		Header:       *newTestHeader(nil, 1),
		Transactions: []*types.Transaction{newTestCoinbaseTx()},
	}
	node.SetPOSDetail(powBlock)
	if node.IsProofOfStake() {
		t.Fatal("proof-of-work block classified as proof-of-stake")
	}
	if !node.stakeOutpoint.IsNull() {
		t.Fatal("proof-of-work block kept a stake outpoint")
	}

	// A block with a coinstake in the second slot is proof-of-stake and
	// the detail comes from the coinstake.
	posNode := newTestNode(nil, 2)
	coinstake := newTestCoinstakeTx()
	posBlock := &types.Block{
		Header:       *newTestHeader(nil, 3),
		Transactions: []*types.Transaction{newTestCoinbaseTx(), coinstake},
	}
	posNode.SetPOSDetail(posBlock)
	if !posNode.IsProofOfStake() {
		t.Fatal("proof-of-stake block classified as proof-of-work")
	}
	if posNode.stakeOutpoint != coinstake.TxIn[0].PreviousOut {
		t.Fatalf("stake outpoint: got %v, want %v", posNode.stakeOutpoint,
			coinstake.TxIn[0].PreviousOut)
	}
	if posNode.stakeTime != uint32(coinstake.Timestamp.Unix()) {
		t.Fatalf("stake time: got %d, want %d", posNode.stakeTime,
			coinstake.Timestamp.Unix())
	}
}

// TestIsSuperMajority exercises the rolling version vote over synthetic
// chains with mixed block versions.
func TestIsSuperMajority(t *testing.T) {
	par := &params.PrivNetParams

	// Build a chain whose last 100 blocks alternate between versions 1
	// and 2, so exactly half carry version 2.
	var parent *blockNode
	for i := 0; i < 120; i++ {
		header := newTestHeader(parent, uint32(i))
		header.Version = uint32(1 + i%2)
		node := newBlockNode(header, parent)
		node.BuildSkip()
		parent = node
	}
	tip := parent

	// 50 of the last 100 carry version 2.
	if !isSuperMajority(2, tip, 50, par) {
		t.Fatal("50/100 vote not detected")
	}
	if isSuperMajority(2, tip, 51, par) {
		t.Fatal("51/100 vote falsely detected")
	}

	// Version 1 and below is carried by every block.
	if !isSuperMajority(1, tip, par.BlockUpgradeNumToCheck, par) {
		t.Fatal("unanimous vote not detected")
	}

	// A nil start node can never reach a non-zero threshold.
	if isSuperMajority(1, nil, 1, par) {
		t.Fatal("vote detected on empty chain")
	}
}

// TestIsSuperMajorityCheckpointFloor ensures the version vote never counts
// blocks below the latest checkpoint.
func TestIsSuperMajorityCheckpointFloor(t *testing.T) {
	// Alternate versions so odd heights carry version 2.
	var parent *blockNode
	for i := 0; i < 120; i++ {
		header := newTestHeader(parent, uint32(i))
		header.Version = uint32(1 + i%2)
		node := newBlockNode(header, parent)
		node.BuildSkip()
		parent = node
	}
	tip := parent

	// A checkpoint at height 70 leaves 50 scannable blocks, 25 of which
	// carry version 2.
	checkpointHash := tip.Ancestor(70).hash
	par := params.PrivNetParams
	par.Checkpoints = []params.Checkpoint{{Height: 70, Hash: &checkpointHash}}

	if !isSuperMajority(2, tip, 25, &par) {
		t.Fatal("25/50 vote above the checkpoint not detected")
	}
	if isSuperMajority(2, tip, 26, &par) {
		t.Fatal("vote counted blocks below the checkpoint")
	}

	// Without the checkpoint the full window is in play again.
	par.Checkpoints = nil
	if !isSuperMajority(2, tip, 50, &par) {
		t.Fatal("50/100 vote not detected without a checkpoint")
	}
}

// TestPastTimeLimit ensures the permissive lower bound sits exactly two
// minutes behind the node's own timestamp.
func TestPastTimeLimit(t *testing.T) {
	node := newTestNode(nil, 0)
	if got, want := node.PastTimeLimit(), node.timestamp-120; got != want {
		t.Fatalf("PastTimeLimit: got %d, want %d", got, want)
	}
}

// TestBlockPositions ensures payload positions are only reported once the
// matching availability flag is raised.
func TestBlockPositions(t *testing.T) {
	node := newTestNode(nil, 0)

	if pos := node.GetBlockPos(); !pos.IsNull() {
		t.Fatalf("GetBlockPos without data: got %v, want null", pos)
	}
	if pos := node.GetUndoPos(); !pos.IsNull() {
		t.Fatalf("GetUndoPos without undo: got %v, want null", pos)
	}

	node.file = 3
	node.dataPos = 4096
	node.undoPos = 512
	node.dataFlags |= blockHaveData

	if pos := node.GetBlockPos(); pos.File != 3 || pos.Offset != 4096 {
		t.Fatalf("GetBlockPos: got %v", pos)
	}
	if pos := node.GetUndoPos(); !pos.IsNull() {
		t.Fatalf("GetUndoPos without undo flag: got %v, want null", pos)
	}

	node.dataFlags |= blockHaveUndo
	if pos := node.GetUndoPos(); pos.File != 3 || pos.Offset != 512 {
		t.Fatalf("GetUndoPos: got %v", pos)
	}
}

// newTestCoinbaseTx returns a minimal coinbase transaction.
func newTestCoinbaseTx() *types.Transaction {
	tx := &types.Transaction{
		Version:   1,
		Timestamp: testBaseTime,
		TxIn: []*types.TxInput{{
			Sequence: types.MaxTxInSequenceNum,
		}},
		TxOut: []*types.TxOutput{{
			Amount:   50 * 1e8,
			PkScript: []byte{0x51},
		}},
	}
	tx.TxIn[0].PreviousOut.SetNull()
	return tx
}

// newTestCoinstakeTx returns a minimal coinstake transaction: a real previous
// output and an empty first output.
func newTestCoinstakeTx() *types.Transaction {
	return &types.Transaction{
		Version:   1,
		Timestamp: testBaseTime.Add(30 * time.Second),
		TxIn: []*types.TxInput{{
			PreviousOut: types.TxOutPoint{
				Hash:     hash.Hash{0x01, 0x02, 0x03},
				OutIndex: 1,
			},
			Sequence: types.MaxTxInSequenceNum,
		}},
		TxOut: []*types.TxOutput{
			{},
			{Amount: 60 * 1e8, PkScript: []byte{0x51}},
		},
	}
}
