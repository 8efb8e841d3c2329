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

const (
	// minTxPayload is the minimum payload size for a transaction.
	// Version 4 bytes + Timestamp 4 bytes + Varint number of transaction
	// inputs 1 byte + Varint number of transaction outputs 1 byte +
	// LockTime 4 bytes + min input payload + min output payload.
	minTxPayload = 14

	// minTxInPayload is the minimum payload size for a transaction input.
	// PreviousOut.Hash + PreviousOut.OutIndex 4 bytes + Varint for
	// SignScript length 1 byte + Sequence 4 bytes.
	minTxInPayload = 9 + hash.HashSize

	// maxTxInPerTx is the maximum number of transaction inputs that a
	// transaction which fits into a block could possibly have.
	maxTxInPerTx = (MaxBlockPayload / minTxInPayload) + 1

	// minTxOutPayload is the minimum payload size for a transaction output.
	// Amount 8 bytes + Varint for PkScript length 1 byte.
	minTxOutPayload = 9

	// maxTxOutPerTx is the maximum number of transaction outputs that a
	// transaction which fits into a block could possibly have.
	maxTxOutPerTx = (MaxBlockPayload / minTxOutPayload) + 1

	// MaxPrevOutIndex is the maximum index the index field of a previous
	// outpoint can be.
	MaxPrevOutIndex uint32 = 0xffffffff

	// MaxTxInSequenceNum is the maximum sequence number the sequence field
	// of a transaction input can be.
	MaxTxInSequenceNum uint32 = 0xffffffff

	// maxScriptLen is the maximum length a script can be when read from an
	// untrusted encoding.
	maxScriptLen = 10000
)

// TxOutPoint defines an amber data type that is used to track previous
// transaction outputs.
type TxOutPoint struct {
	Hash     hash.Hash
	OutIndex uint32
}

// SetNull marks the outpoint as referencing no previous output.
func (op *TxOutPoint) SetNull() {
	op.Hash = hash.ZeroHash
	op.OutIndex = MaxPrevOutIndex
}

// IsNull returns whether the outpoint references no previous output.
func (op *TxOutPoint) IsNull() bool {
	return op.OutIndex == MaxPrevOutIndex && op.Hash == hash.ZeroHash
}

// String returns the outpoint in the human-readable form "hash:index".
func (op TxOutPoint) String() string {
	return fmt.Sprintf("%s:%d", op.Hash, op.OutIndex)
}

// TxInput defines an amber transaction input.
type TxInput struct {
	PreviousOut TxOutPoint
	SignScript  []byte
	Sequence    uint32
}

// TxOutput defines an amber transaction output.
type TxOutput struct {
	Amount   uint64
	PkScript []byte
}

// Transaction is the amber transaction.  The per-transaction timestamp is a
// proof-of-stake legacy: coinstake kernels commit to it.
type Transaction struct {
	Version   uint32
	Timestamp time.Time
	TxIn      []*TxInput
	TxOut     []*TxOutput
	LockTime  uint32
}

// TxHash generates the hash for the transaction.
func (tx *Transaction) TxHash() hash.Hash {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	_ = tx.Serialize(&buf)
	return hash.DoubleHashH(buf.Bytes())
}

// IsCoinBase determines whether or not a transaction is a coinbase.  A
// coinbase is a special transaction created by miners that has no inputs.
// This is represented in the block chain by a transaction with a single input
// that has a previous output transaction index set to the maximum value along
// with a zero hash.
func (tx *Transaction) IsCoinBase() bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	return tx.TxIn[0].PreviousOut.IsNull()
}

// IsCoinStake determines whether or not a transaction is a coinstake.  A
// coinstake spends a real previous output (the staked kernel) and its first
// output is required to be empty.
func (tx *Transaction) IsCoinStake() bool {
	if len(tx.TxIn) == 0 || len(tx.TxOut) < 2 {
		return false
	}
	if tx.TxIn[0].PreviousOut.IsNull() {
		return false
	}
	first := tx.TxOut[0]
	return first.Amount == 0 && len(first.PkScript) == 0
}

// SerializeSize returns the number of bytes it would take to serialize the
// transaction.
func (tx *Transaction) SerializeSize() int {
	// Version 4 bytes + Timestamp 4 bytes + LockTime 4 bytes + Serialized
	// varint size for the number of inputs and outputs.
	n := 12 + s.VarIntSerializeSize(uint64(len(tx.TxIn))) +
		s.VarIntSerializeSize(uint64(len(tx.TxOut)))
	for _, txIn := range tx.TxIn {
		n += 8 + hash.HashSize +
			s.VarIntSerializeSize(uint64(len(txIn.SignScript))) +
			len(txIn.SignScript)
	}
	for _, txOut := range tx.TxOut {
		n += 8 + s.VarIntSerializeSize(uint64(len(txOut.PkScript))) +
			len(txOut.PkScript)
	}
	return n
}

// Serialize encodes the transaction to w using a format that is suitable for
// long-term storage such as a database.
func (tx *Transaction) Serialize(w io.Writer) error {
	sec := uint32(tx.Timestamp.Unix())
	err := s.WriteElements(w, tx.Version, sec)
	if err != nil {
		return err
	}
	err = s.WriteVarInt(w, 0, uint64(len(tx.TxIn)))
	if err != nil {
		return err
	}
	for _, ti := range tx.TxIn {
		err = writeTxInput(w, ti)
		if err != nil {
			return err
		}
	}
	err = s.WriteVarInt(w, 0, uint64(len(tx.TxOut)))
	if err != nil {
		return err
	}
	for _, to := range tx.TxOut {
		err = writeTxOutput(w, to)
		if err != nil {
			return err
		}
	}
	return s.WriteElements(w, tx.LockTime)
}

// Deserialize decodes a transaction from r into the receiver using a format
// that is suitable for long-term storage such as a database.
func (tx *Transaction) Deserialize(r io.Reader) error {
	var sec uint32
	err := s.ReadElements(r, &tx.Version, &sec)
	if err != nil {
		return err
	}
	tx.Timestamp = time.Unix(int64(sec), 0)

	inCount, err := s.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	if inCount > maxTxInPerTx {
		return fmt.Errorf("too many input transactions [count %d, max %d]",
			inCount, maxTxInPerTx)
	}
	tx.TxIn = make([]*TxInput, 0, inCount)
	for i := uint64(0); i < inCount; i++ {
		ti := TxInput{}
		if err := readTxInput(r, &ti); err != nil {
			return err
		}
		tx.TxIn = append(tx.TxIn, &ti)
	}

	outCount, err := s.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	if outCount > maxTxOutPerTx {
		return fmt.Errorf("too many output transactions [count %d, max %d]",
			outCount, maxTxOutPerTx)
	}
	tx.TxOut = make([]*TxOutput, 0, outCount)
	for i := uint64(0); i < outCount; i++ {
		to := TxOutput{}
		if err := readTxOutput(r, &to); err != nil {
			return err
		}
		tx.TxOut = append(tx.TxOut, &to)
	}

	return s.ReadElements(r, &tx.LockTime)
}

// ReadOutPoint reads the next sequence of bytes from r as an TxOutPoint.
func ReadOutPoint(r io.Reader, op *TxOutPoint) error {
	return s.ReadElements(r, &op.Hash, &op.OutIndex)
}

// WriteOutPoint encodes op to w.
func WriteOutPoint(w io.Writer, op *TxOutPoint) error {
	return s.WriteElements(w, &op.Hash, op.OutIndex)
}

func readTxInput(r io.Reader, ti *TxInput) error {
	err := ReadOutPoint(r, &ti.PreviousOut)
	if err != nil {
		return err
	}
	ti.SignScript, err = readScript(r)
	if err != nil {
		return err
	}
	return s.ReadElements(r, &ti.Sequence)
}

func writeTxInput(w io.Writer, ti *TxInput) error {
	err := WriteOutPoint(w, &ti.PreviousOut)
	if err != nil {
		return err
	}
	err = writeScript(w, ti.SignScript)
	if err != nil {
		return err
	}
	return s.WriteElements(w, ti.Sequence)
}

func readTxOutput(r io.Reader, to *TxOutput) error {
	err := s.ReadElements(r, &to.Amount)
	if err != nil {
		return err
	}
	to.PkScript, err = readScript(r)
	return err
}

func writeTxOutput(w io.Writer, to *TxOutput) error {
	err := s.WriteElements(w, to.Amount)
	if err != nil {
		return err
	}
	return writeScript(w, to.PkScript)
}

// readScript reads a variable length byte array.  The byte array is limited
// to maxScriptLen to avoid memory exhaustion from a malformed encoding.
func readScript(r io.Reader) ([]byte, error) {
	count, err := s.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if count > maxScriptLen {
		return nil, fmt.Errorf("script larger than the max allowed size "+
			"[count %d, max %d]", count, maxScriptLen)
	}
	if count == 0 {
		return nil, nil
	}
	b := make([]byte, count)
	_, err = io.ReadFull(r, b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func writeScript(w io.Writer, b []byte) error {
	err := s.WriteVarInt(w, 0, uint64(len(b)))
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
