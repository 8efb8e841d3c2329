// Copyright (c) 2017-2020 The amber developers
package blockchain

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/amberproject/amber/common/hash"
	"github.com/amberproject/amber/core/types"

	bolt "github.com/coreos/bbolt"
)

const (
	// blockIndexSerializationVersion is the version prefix written in
	// front of every stored block index record.  It is excluded when the
	// record is serialized for hashing so the digest stays stable across
	// format revisions.
	blockIndexSerializationVersion = 1

	// cachedHashMaturity is how far in the past a block's timestamp must
	// be, relative to the adjusted time, before the stored block hash is
	// trusted without recomputing it from the header.
	cachedHashMaturity = 24 * 60 * 60
)

// littleEndian is a convenience shortcut for the fixed-width pieces of the
// stored records.
var littleEndian = binary.LittleEndian

var (
	// blockIndexBucketName is the name of the db bucket used to house the
	// serialized block index records keyed by block hash.
	blockIndexBucketName = []byte("blockidx")

	// chainMetaBucketName is the name of the db bucket used to house
	// chain-wide metadata such as the best chain state.
	chainMetaBucketName = []byte("chainmeta")

	// bestChainStateKeyName is the key of the best chain state record
	// within the chain metadata bucket.
	bestChainStateKeyName = []byte("beststate")
)

// -----------------------------------------------------------------------------
// A variable length quantity (VLQ) is an encoding that uses an arbitrary number
// of binary octets to represent an arbitrarily large integer.  The scheme
// employs a most significant byte (MSB) base-128 encoding where the high bit in
// each byte indicates whether or not the byte is the final one.  In addition,
// to ensure there are no redundant encodings, an offset is subtracted every
// time a group of 7 bits is shifted out.  Therefore each integer can be
// represented in exactly one way, and each representation stands for exactly
// one integer.
//
// Another nice property of this encoding is that it provides a compact
// representation of values that are typically used to indicate sizes.  For
// example, the values 0 - 127 are represented with a single byte, 128 - 16511
// with two bytes, and 16512 - 2113663 with three bytes.
//
// While the encoding allows arbitrarily large integers, it is artificially
// limited in this code to an unsigned 64-bit integer for efficiency purposes.
// -----------------------------------------------------------------------------

// serializeSizeVLQ returns the number of bytes it would take to serialize the
// passed number as a variable-length quantity according to the format
// described above.
func serializeSizeVLQ(n uint64) int {
	size := 1
	for ; n > 0x7f; n = (n >> 7) - 1 {
		size++
	}
	return size
}

// putVLQ serializes the provided number to a variable-length quantity
// according to the format described above and returns the number of bytes of
// the encoded value.  The result is placed directly into the passed byte
// slice which must be at least large enough to handle the number of bytes
// returned by the serializeSizeVLQ function or it will panic.
func putVLQ(target []byte, n uint64) int {
	offset := 0
	for ; ; offset++ {
		// The high bit is set when another byte follows.
		highBitMask := byte(0x80)
		if offset == 0 {
			highBitMask = 0x00
		}

		target[offset] = byte(n&0x7f) | highBitMask
		if n <= 0x7f {
			break
		}
		n = (n >> 7) - 1
	}

	// Reverse the bytes so it is MSB-encoded.
	for i, j := 0, offset; i < j; i, j = i+1, j-1 {
		target[i], target[j] = target[j], target[i]
	}

	return offset + 1
}

// deserializeVLQ deserializes the provided variable-length quantity according
// to the format described above.  It also returns the number of bytes
// deserialized.
func deserializeVLQ(serialized []byte) (uint64, int) {
	var n uint64
	var size int
	for _, val := range serialized {
		size++
		n = (n << 7) | uint64(val&0x7f)
		if val&0x80 != 0x80 {
			break
		}
		n++
	}

	return n, size
}

// -----------------------------------------------------------------------------
// The block index consists of an entry for every known block keyed by block
// hash.  Each entry combines the header of the block, the positional and
// supply bookkeeping for the node, and the proof-of-stake detail, so the full
// in-memory index can be rebuilt from the bucket alone.
//
// The serialized format is:
//
//   <version><height><status><numtx>[<file>][<datapos>][<undopos>]
//   <mint><moneysupply><stakeflags><stakemodifier>[<stakeoutpoint><staketime>]
//   <proofhash><header><blockhash>
//
//   Field             Type      Size
//   version           VLQ       variable (omitted when hashing)
//   height            VLQ       variable
//   status            VLQ       variable (packed status word)
//   numtx             VLQ       variable
//   file              VLQ       variable (only when data or undo stored)
//   datapos           VLQ       variable (only when data stored)
//   undopos           VLQ       variable (only when undo stored)
//   mint              VLQ       variable
//   moneysupply       VLQ       variable
//   stakeflags        uint32    4 bytes
//   stakemodifier     uint64    8 bytes
//   stakeoutpoint     outpoint  36 bytes (only when proof-of-stake flag set)
//   staketime         uint32    4 bytes (only when proof-of-stake flag set)
//   proofhash         hash      32 bytes
//   header fields     -         80 bytes (version, parent, txroot, time,
//                                bits, nonce)
//   blockhash         hash      32 bytes (cached, may be all zero)
// -----------------------------------------------------------------------------

// blockIndexEntry represents a block index database entry.
type blockIndexEntry struct {
	height      int32
	status      byte
	numTx       uint32
	file        int32
	dataPos     uint32
	undoPos     uint32
	mint        int64
	moneySupply int64

	stakeFlags    stakeFlags
	stakeModifier uint64
	stakeOutpoint types.TxOutPoint
	stakeTime     uint32
	proofHash     hash.Hash

	version    uint32
	parentHash hash.Hash
	txRoot     hash.Hash
	timestamp  int64
	bits       uint32
	nonce      uint32

	// blockHash caches the hash of the header.  A zero value means the
	// hash has not been computed yet.
	blockHash hash.Hash
}

// newBlockIndexEntry returns a database entry populated from the passed block
// node.  The cached block hash is filled in since the node always knows its
// own hash.
func newBlockIndexEntry(node *blockNode) *blockIndexEntry {
	return &blockIndexEntry{
		height:        node.height,
		status:        byte(packBlockStatus(node.validity, node.dataFlags, node.failure)),
		numTx:         node.numTx,
		file:          node.file,
		dataPos:       node.dataPos,
		undoPos:       node.undoPos,
		mint:          node.mint,
		moneySupply:   node.moneySupply,
		stakeFlags:    node.stakeFlags,
		stakeModifier: node.stakeModifier,
		stakeOutpoint: node.stakeOutpoint,
		stakeTime:     uint32(node.stakeTime),
		proofHash:     node.proofHash,
		version:       node.version,
		parentHash:    node.parentHash(),
		txRoot:        node.txRoot,
		timestamp:     node.timestamp,
		bits:          node.bits,
		nonce:         node.nonce,
		blockHash:     node.hash,
	}
}

// Header constructs the block header described by the entry.
func (entry *blockIndexEntry) Header() types.BlockHeader {
	return types.BlockHeader{
		Version:    entry.version,
		ParentHash: entry.parentHash,
		TxRoot:     entry.txRoot,
		Timestamp:  time.Unix(entry.timestamp, 0),
		Difficulty: entry.bits,
		Nonce:      entry.nonce,
	}
}

// BlockHash returns the hash of the block the entry describes.  When
// fastIndex is enabled and the block is older than a day relative to the
// passed adjusted time, the cached hash stored alongside the entry is trusted
// as-is.  Otherwise the hash is recomputed from the header and memoized.
func (entry *blockIndexEntry) BlockHash(fastIndex bool, adjustedTime int64) hash.Hash {
	var zero hash.Hash
	if fastIndex && entry.timestamp < adjustedTime-cachedHashMaturity &&
		!entry.blockHash.IsEqual(&zero) {

		return entry.blockHash
	}

	header := entry.Header()
	entry.blockHash = header.BlockHash()
	return entry.blockHash
}

// hasData returns whether the packed status word signals a stored block
// payload.
func (entry *blockIndexEntry) hasData() bool {
	return uint32(entry.status)&statusHaveDataBit != 0
}

// hasUndo returns whether the packed status word signals a stored undo
// payload.
func (entry *blockIndexEntry) hasUndo() bool {
	return uint32(entry.status)&statusHaveUndoBit != 0
}

// blockIndexEntrySerializeSize returns the number of bytes it would take to
// serialize the passed block index entry according to the format described
// above.  When forHashing is true the serialization version prefix is
// excluded.
func blockIndexEntrySerializeSize(entry *blockIndexEntry, forHashing bool) int {
	size := 0
	if !forHashing {
		size += serializeSizeVLQ(blockIndexSerializationVersion)
	}
	size += serializeSizeVLQ(uint64(entry.height))
	size += serializeSizeVLQ(uint64(entry.status))
	size += serializeSizeVLQ(uint64(entry.numTx))
	if entry.hasData() || entry.hasUndo() {
		size += serializeSizeVLQ(uint64(entry.file))
	}
	if entry.hasData() {
		size += serializeSizeVLQ(uint64(entry.dataPos))
	}
	if entry.hasUndo() {
		size += serializeSizeVLQ(uint64(entry.undoPos))
	}
	size += serializeSizeVLQ(uint64(entry.mint))
	size += serializeSizeVLQ(uint64(entry.moneySupply))

	// stakeflags + stakemodifier.
	size += 4 + 8
	if entry.stakeFlags&blockProofOfStake != 0 {
		// stakeoutpoint + staketime.
		size += hash.HashSize + 4 + 4
	}

	// proofhash + header + blockhash.
	size += hash.HashSize
	size += 4 + hash.HashSize + hash.HashSize + 4 + 4 + 4
	size += hash.HashSize
	return size
}

// putBlockIndexEntry serializes the passed block index entry according to the
// format described above directly into the passed target byte slice.  The
// target byte slice must be at least large enough to handle the number of
// bytes returned by the blockIndexEntrySerializeSize function or it will
// panic.
func putBlockIndexEntry(target []byte, entry *blockIndexEntry, forHashing bool) (int, error) {
	offset := 0
	if !forHashing {
		offset += putVLQ(target[offset:], blockIndexSerializationVersion)
	}
	offset += putVLQ(target[offset:], uint64(entry.height))
	offset += putVLQ(target[offset:], uint64(entry.status))
	offset += putVLQ(target[offset:], uint64(entry.numTx))
	if entry.hasData() || entry.hasUndo() {
		offset += putVLQ(target[offset:], uint64(entry.file))
	}
	if entry.hasData() {
		offset += putVLQ(target[offset:], uint64(entry.dataPos))
	}
	if entry.hasUndo() {
		offset += putVLQ(target[offset:], uint64(entry.undoPos))
	}
	offset += putVLQ(target[offset:], uint64(entry.mint))
	offset += putVLQ(target[offset:], uint64(entry.moneySupply))

	littleEndian.PutUint32(target[offset:], uint32(entry.stakeFlags))
	offset += 4
	littleEndian.PutUint64(target[offset:], entry.stakeModifier)
	offset += 8
	if entry.stakeFlags&blockProofOfStake != 0 {
		copy(target[offset:], entry.stakeOutpoint.Hash[:])
		offset += hash.HashSize
		littleEndian.PutUint32(target[offset:], entry.stakeOutpoint.OutIndex)
		offset += 4
		littleEndian.PutUint32(target[offset:], entry.stakeTime)
		offset += 4
	}
	copy(target[offset:], entry.proofHash[:])
	offset += hash.HashSize

	littleEndian.PutUint32(target[offset:], entry.version)
	offset += 4
	copy(target[offset:], entry.parentHash[:])
	offset += hash.HashSize
	copy(target[offset:], entry.txRoot[:])
	offset += hash.HashSize
	littleEndian.PutUint32(target[offset:], uint32(entry.timestamp))
	offset += 4
	littleEndian.PutUint32(target[offset:], entry.bits)
	offset += 4
	littleEndian.PutUint32(target[offset:], entry.nonce)
	offset += 4

	copy(target[offset:], entry.blockHash[:])
	offset += hash.HashSize
	return offset, nil
}

// serializeBlockIndexEntry serializes the passed block index entry into a
// single byte slice according to the format described above.
func serializeBlockIndexEntry(entry *blockIndexEntry) ([]byte, error) {
	serialized := make([]byte, blockIndexEntrySerializeSize(entry, false))
	_, err := putBlockIndexEntry(serialized, entry, false)
	return serialized, err
}

// decodeBlockIndexEntry decodes the passed serialized block index entry into
// the passed struct according to the format described above and returns the
// number of bytes read.
func decodeBlockIndexEntry(serialized []byte, entry *blockIndexEntry) (int, error) {
	offset := 0

	readVLQ := func(field string) (uint64, error) {
		if offset >= len(serialized) {
			return 0, errDeserialize(fmt.Sprintf("unexpected end of "+
				"data while reading %s", field))
		}
		value, bytesRead := deserializeVLQ(serialized[offset:])

		// A value cut off mid-sequence leaves the continuation bit
		// set on the final byte consumed.
		if serialized[offset+bytesRead-1]&0x80 != 0 {
			return 0, errDeserialize(fmt.Sprintf("unexpected end of "+
				"data while reading %s", field))
		}
		offset += bytesRead
		return value, nil
	}
	readBytes := func(target []byte, field string) error {
		if offset+len(target) > len(serialized) {
			return errDeserialize(fmt.Sprintf("unexpected end of "+
				"data while reading %s", field))
		}
		copy(target, serialized[offset:])
		offset += len(target)
		return nil
	}
	readUint32 := func(field string) (uint32, error) {
		if offset+4 > len(serialized) {
			return 0, errDeserialize(fmt.Sprintf("unexpected end "+
				"of data while reading %s", field))
		}
		value := littleEndian.Uint32(serialized[offset:])
		offset += 4
		return value, nil
	}

	serVersion, err := readVLQ("serialization version")
	if err != nil {
		return offset, err
	}
	if serVersion != blockIndexSerializationVersion {
		return offset, errDeserialize(fmt.Sprintf("unsupported block "+
			"index serialization version %d", serVersion))
	}

	height, err := readVLQ("height")
	if err != nil {
		return offset, err
	}
	entry.height = int32(height)

	status, err := readVLQ("status")
	if err != nil {
		return offset, err
	}
	entry.status = byte(status)

	numTx, err := readVLQ("transaction count")
	if err != nil {
		return offset, err
	}
	entry.numTx = uint32(numTx)

	entry.file = -1
	entry.dataPos = 0
	entry.undoPos = 0
	if entry.hasData() || entry.hasUndo() {
		file, err := readVLQ("file")
		if err != nil {
			return offset, err
		}
		entry.file = int32(file)
	}
	if entry.hasData() {
		dataPos, err := readVLQ("data position")
		if err != nil {
			return offset, err
		}
		entry.dataPos = uint32(dataPos)
	}
	if entry.hasUndo() {
		undoPos, err := readVLQ("undo position")
		if err != nil {
			return offset, err
		}
		entry.undoPos = uint32(undoPos)
	}

	mint, err := readVLQ("mint")
	if err != nil {
		return offset, err
	}
	entry.mint = int64(mint)

	moneySupply, err := readVLQ("money supply")
	if err != nil {
		return offset, err
	}
	entry.moneySupply = int64(moneySupply)

	flags, err := readUint32("stake flags")
	if err != nil {
		return offset, err
	}
	entry.stakeFlags = stakeFlags(flags)

	if offset+8 > len(serialized) {
		return offset, errDeserialize("unexpected end of data while " +
			"reading stake modifier")
	}
	entry.stakeModifier = littleEndian.Uint64(serialized[offset:])
	offset += 8

	// The stake outpoint and time are only present for proof-of-stake
	// entries.  Proof-of-work entries get the null values the in-memory
	// node expects.
	entry.stakeOutpoint.SetNull()
	entry.stakeTime = 0
	if entry.stakeFlags&blockProofOfStake != 0 {
		err = readBytes(entry.stakeOutpoint.Hash[:], "stake outpoint hash")
		if err != nil {
			return offset, err
		}
		entry.stakeOutpoint.OutIndex, err = readUint32("stake outpoint index")
		if err != nil {
			return offset, err
		}
		entry.stakeTime, err = readUint32("stake time")
		if err != nil {
			return offset, err
		}
	}

	err = readBytes(entry.proofHash[:], "proof hash")
	if err != nil {
		return offset, err
	}

	entry.version, err = readUint32("header version")
	if err != nil {
		return offset, err
	}
	err = readBytes(entry.parentHash[:], "parent hash")
	if err != nil {
		return offset, err
	}
	err = readBytes(entry.txRoot[:], "transaction root")
	if err != nil {
		return offset, err
	}
	timestamp, err := readUint32("timestamp")
	if err != nil {
		return offset, err
	}
	entry.timestamp = int64(timestamp)
	entry.bits, err = readUint32("difficulty bits")
	if err != nil {
		return offset, err
	}
	entry.nonce, err = readUint32("nonce")
	if err != nil {
		return offset, err
	}

	err = readBytes(entry.blockHash[:], "block hash")
	if err != nil {
		return offset, err
	}

	return offset, nil
}

// deserializeBlockIndexEntry decodes the passed serialized byte slice into a
// block index entry according to the format described above.
func deserializeBlockIndexEntry(serialized []byte) (*blockIndexEntry, error) {
	var entry blockIndexEntry
	if _, err := decodeBlockIndexEntry(serialized, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// dbPutBlockNode stores the serialized block index record for the passed node
// keyed by the block hash.
func dbPutBlockNode(dbTx *bolt.Tx, node *blockNode) error {
	serialized, err := serializeBlockIndexEntry(newBlockIndexEntry(node))
	if err != nil {
		return err
	}

	bucket := dbTx.Bucket(blockIndexBucketName)
	return bucket.Put(node.hash[:], serialized)
}

// dbFetchBlockIndexEntry fetches and decodes the block index record for the
// passed block hash.  It returns nil without error when there is no entry.
func dbFetchBlockIndexEntry(dbTx *bolt.Tx, hash *hash.Hash) (*blockIndexEntry, error) {
	bucket := dbTx.Bucket(blockIndexBucketName)
	serialized := bucket.Get(hash[:])
	if serialized == nil {
		return nil, nil
	}
	return deserializeBlockIndexEntry(serialized)
}

// -----------------------------------------------------------------------------
// The best chain state consists of the best block hash and height, the total
// number of transactions up to and including those in the best block, and the
// accumulated trust sum up to and including the best block.
//
// The serialized format is:
//
//   <block hash><block height><total txns><trust sum length><trust sum>
//
//   Field             Type      Size
//   block hash        hash      32 bytes
//   block height      uint32    4 bytes
//   total txns        uint64    8 bytes
//   trust sum length  uint32    4 bytes
//   trust sum         big.Int   trust sum length
// -----------------------------------------------------------------------------

// bestChainState represents the data to be stored for the current best chain
// state.
type bestChainState struct {
	hash      hash.Hash
	height    uint32
	totalTxns uint64
	trustSum  *big.Int
}

// serializeBestChainState returns the serialization of the passed block best
// chain state according to the format described above.
func serializeBestChainState(state bestChainState) []byte {
	trustSumBytes := state.trustSum.Bytes()
	serialized := make([]byte, hash.HashSize+4+8+4+len(trustSumBytes))

	copy(serialized[0:hash.HashSize], state.hash[:])
	offset := uint32(hash.HashSize)
	littleEndian.PutUint32(serialized[offset:], state.height)
	offset += 4
	littleEndian.PutUint64(serialized[offset:], state.totalTxns)
	offset += 8
	littleEndian.PutUint32(serialized[offset:], uint32(len(trustSumBytes)))
	offset += 4
	copy(serialized[offset:], trustSumBytes)
	return serialized
}

// deserializeBestChainState deserializes the passed serialized best chain
// state according to the format described above.
func deserializeBestChainState(serialized []byte) (bestChainState, error) {
	var state bestChainState
	if len(serialized) < hash.HashSize+16 {
		return state, errDeserialize("best chain state is malformed")
	}

	copy(state.hash[:], serialized[0:hash.HashSize])
	offset := uint32(hash.HashSize)
	state.height = littleEndian.Uint32(serialized[offset:])
	offset += 4
	state.totalTxns = littleEndian.Uint64(serialized[offset:])
	offset += 8
	trustSumBytesLen := littleEndian.Uint32(serialized[offset:])
	offset += 4
	if uint32(len(serialized[offset:])) < trustSumBytesLen {
		return state, errDeserialize("best chain state is malformed")
	}
	trustSumBytes := serialized[offset : offset+trustSumBytesLen]
	state.trustSum = new(big.Int).SetBytes(trustSumBytes)
	return state, nil
}

// dbPutBestState uses an existing database transaction to update the best
// chain state with the given parameters.
func dbPutBestState(dbTx *bolt.Tx, snapshot *BestState) error {
	serialized := serializeBestChainState(bestChainState{
		hash:      snapshot.Hash,
		height:    uint32(snapshot.Height),
		totalTxns: snapshot.TotalTxns,
		trustSum:  snapshot.TrustSum,
	})

	bucket := dbTx.Bucket(chainMetaBucketName)
	return bucket.Put(bestChainStateKeyName, serialized)
}

// dbFetchBestState fetches the stored best chain state.  It returns the
// zero-value state without error when the database has never stored one.
func dbFetchBestState(dbTx *bolt.Tx) (bestChainState, bool, error) {
	bucket := dbTx.Bucket(chainMetaBucketName)
	serialized := bucket.Get(bestChainStateKeyName)
	if serialized == nil {
		return bestChainState{}, false, nil
	}
	state, err := deserializeBestChainState(serialized)
	if err != nil {
		return bestChainState{}, false, err
	}
	return state, true, nil
}
