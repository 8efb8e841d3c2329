// Copyright (c) 2017-2020 The amber developers
package blockchain

import (
	"math/big"
	"testing"
)

// TestBigToCompact ensures BigToCompact converts big integers to the expected
// compact representation.
func TestBigToCompact(t *testing.T) {
	tests := []struct {
		in  int64
		out uint32
	}{
		{0, 0},
		{-1, 25231360},
	}

	for x, test := range tests {
		n := big.NewInt(test.in)
		r := BigToCompact(n)
		if r != test.out {
			t.Errorf("TestBigToCompact test #%d failed: got %d want %d\n",
				x, r, test.out)
			return
		}
	}
}

// TestCompactToBig ensures CompactToBig converts numbers using the compact
// representation to the expected big integers.
func TestCompactToBig(t *testing.T) {
	tests := []struct {
		in  uint32
		out int64
	}{
		{10000000, 0},
	}

	for x, test := range tests {
		n := CompactToBig(test.in)
		want := big.NewInt(test.out)
		if n.Cmp(want) != 0 {
			t.Errorf("TestCompactToBig test #%d failed: got %d want %d\n",
				x, n.Int64(), test.out)
			return
		}
	}
}

// TestCompactRoundTrip ensures values survive the compact encoding in both
// directions for realistic difficulty targets.
func TestCompactRoundTrip(t *testing.T) {
	for _, bits := range []uint32{0x1d00ffff, 0x207fffff, 0x1b0404cb} {
		if got := BigToCompact(CompactToBig(bits)); got != bits {
			t.Errorf("compact round trip: got %08x, want %08x", got, bits)
		}
	}
}

// TestCalcBlockTrust ensures the trust of a block is inversely proportional
// to its target.
func TestCalcBlockTrust(t *testing.T) {
	// trust = 2^256 / (target + 1).  For the maximal private net target
	// the trust works out to exactly 2.
	easy := CalcBlockTrust(0x207fffff)
	if easy.Cmp(big.NewInt(2)) != 0 {
		t.Errorf("trust of easiest target: got %v, want 2", easy)
	}

	// A harder target yields strictly more trust.
	hard := CalcBlockTrust(0x1d00ffff)
	if hard.Cmp(easy) <= 0 {
		t.Errorf("harder target did not yield more trust: %v <= %v",
			hard, easy)
	}

	// A negative or zero target carries no trust.
	if zero := CalcBlockTrust(0x00800000); zero.Sign() != 0 {
		t.Errorf("trust of invalid target: got %v, want 0", zero)
	}
}

// TestChainTrustAccumulates ensures every node carries strictly more chain
// trust than its parent.
func TestChainTrustAccumulates(t *testing.T) {
	nodes := buildTestChain(10)
	for i := 1; i < len(nodes); i++ {
		if nodes[i].chainTrust.Cmp(nodes[i-1].chainTrust) <= 0 {
			t.Fatalf("chain trust did not grow at height %d", i)
		}
	}
}
