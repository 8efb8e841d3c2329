// Copyright (c) 2017-2020 The amber developers

package types

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/amberproject/amber/common/hash"
	s "github.com/amberproject/amber/core/serialization"
)

// blockHeaderLen is a constant that represents the number of bytes for a block
// header.
// Version 4 bytes + ParentHash 32 bytes + TxRoot 32 bytes + Timestamp 4 bytes +
// Difficulty 4 bytes + Nonce 4 bytes.
// --> Total 80 bytes.
const blockHeaderLen = 16 + hash.HashSize*2

// MaxBlockHeaderPayload is the maximum number of bytes a block header can be.
const MaxBlockHeaderPayload = blockHeaderLen

// MaxBlockPayload is the maximum bytes a block message can be in bytes.
const MaxBlockPayload = 1000000

// maxTxPerBlock is the maximum number of transactions that could
// possibly fit into a block.
const maxTxPerBlock = (MaxBlockPayload / minTxPayload) + 1

type BlockHeader struct {
	// block version
	Version uint32

	// The hash of the previous block this block builds on.  The genesis
	// block is the only block with a zero parent hash.
	ParentHash hash.Hash

	// The merkle root of the tx tree (tx of the block)
	TxRoot hash.Hash

	// TimeStamp
	Timestamp time.Time

	// Difficulty target (compact bits) for the block.
	Difficulty uint32

	// Nonce
	Nonce uint32
}

// BlockHash computes the block identifier hash for the given block header.
func (h *BlockHeader) BlockHash() hash.Hash {
	// Encode the header and double-hash everything.  Ignore the error
	// returns since there is no way the encode could fail except being out
	// of memory which would cause a run-time panic.
	var buf bytes.Buffer
	buf.Grow(MaxBlockHeaderPayload)
	_ = writeBlockHeader(&buf, h)

	return hash.DoubleHashH(buf.Bytes())
}

// readBlockHeader reads a block header from io reader.  See Deserialize for
// decoding block headers stored to disk, such as in a database, as opposed to
// decoding from the wire.
func readBlockHeader(r io.Reader, bh *BlockHeader) error {
	return s.ReadElements(r, &bh.Version, &bh.ParentHash, &bh.TxRoot,
		(*s.Uint32Time)(&bh.Timestamp), &bh.Difficulty, &bh.Nonce)
}

// writeBlockHeader writes a block header to w.  See Serialize for encoding
// block headers to be stored to disk, such as in a database, as opposed to
// encoding for the wire.
func writeBlockHeader(w io.Writer, bh *BlockHeader) error {
	sec := uint32(bh.Timestamp.Unix())
	return s.WriteElements(w, bh.Version, &bh.ParentHash, &bh.TxRoot,
		sec, bh.Difficulty, bh.Nonce)
}

// Serialize encodes a block header from r into the receiver using a format
// that is suitable for long-term storage such as a database while respecting
// the Version field.
func (h *BlockHeader) Serialize(w io.Writer) error {
	return writeBlockHeader(w, h)
}

// Deserialize decodes a block header from r into the receiver using a format
// that is suitable for long-term storage such as a database while respecting
// the Version field.
func (h *BlockHeader) Deserialize(r io.Reader) error {
	return readBlockHeader(r, h)
}

// Block defines a block containing a header and the transactions it commits
// to.
type Block struct {
	Header       BlockHeader
	Transactions []*Transaction
}

// BlockHash computes the block identifier hash for this block.
func (block *Block) BlockHash() hash.Hash {
	return block.Header.BlockHash()
}

// IsProofOfStake returns whether the block commits to a coinstake, which is
// required to be the second transaction of a proof-of-stake block.
func (block *Block) IsProofOfStake() bool {
	return len(block.Transactions) > 1 && block.Transactions[1].IsCoinStake()
}

// SerializeSize returns the number of bytes it would take to serialize the
// block.
func (block *Block) SerializeSize() int {
	n := blockHeaderLen +
		s.VarIntSerializeSize(uint64(len(block.Transactions)))
	for _, tx := range block.Transactions {
		n += tx.SerializeSize()
	}
	return n
}

// Serialize encodes the block to w using a format that is suitable for
// long-term storage such as a database.
func (block *Block) Serialize(w io.Writer) error {
	if err := writeBlockHeader(w, &block.Header); err != nil {
		return err
	}
	err := s.WriteVarInt(w, 0, uint64(len(block.Transactions)))
	if err != nil {
		return err
	}
	for _, tx := range block.Transactions {
		if err := tx.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize decodes a block from r into the receiver using a format that is
// suitable for long-term storage such as a database.
func (block *Block) Deserialize(r io.Reader) error {
	if err := readBlockHeader(r, &block.Header); err != nil {
		return err
	}
	txCount, err := s.ReadVarInt(r, 0)
	if err != nil {
		return err
	}

	// Prevent more transactions than could possibly fit into a block from
	// being read in order to avoid memory exhaustion from a malformed
	// encoding.
	if txCount > maxTxPerBlock {
		return fmt.Errorf("too many transactions to fit into a block "+
			"[count %d, max %d]", txCount, maxTxPerBlock)
	}

	block.Transactions = make([]*Transaction, 0, txCount)
	for i := uint64(0); i < txCount; i++ {
		tx := Transaction{}
		if err := tx.Deserialize(r); err != nil {
			return err
		}
		block.Transactions = append(block.Transactions, &tx)
	}
	return nil
}
