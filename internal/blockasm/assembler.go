// Package blockasm implements the Block Assembler (spec.md section 4.C):
// bit-exact packing of a transaction, bit-exact assembly and signing of a
// block, and the matching block-hash computation. The encoding here must
// stay byte-for-byte stable — it is the input to every signature and
// every hash, and changing it silently breaks chain continuity.
package blockasm

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/Coinversable/validana-processor/internal/chain"
	"github.com/Coinversable/validana-processor/internal/cryptoutil"
)

// MaxSignPrefixBytes is the limit on the UTF-8 byte length of the
// sign-prefix, per spec.md glossary.
const MaxSignPrefixBytes = 255

// Pack serialises a single transaction into its canonical, on-wire byte
// form:
//
//	version(1B) | valid_till(8B BE) | contract_hash(32B) |
//	payload_length(4B BE) | payload_bytes | public_key(33B) |
//	signature(64B) | transaction_id(16B)
func Pack(tx chain.Tx) []byte {
	out := make([]byte, 0, chain.EmptyLength+len(tx.Payload))
	out = append(out, tx.Version)
	out = appendUint64(out, uint64(tx.ValidTill))
	out = append(out, tx.ContractHash[:]...)
	out = appendUint32(out, uint32(len(tx.Payload)))
	out = append(out, tx.Payload...)
	out = append(out, tx.PublicKey[:]...)
	out = append(out, tx.Signature[:]...)
	out = append(out, tx.ID[:]...)
	return out
}

// PackedSize returns len(Pack(tx)) without allocating the packed bytes,
// for block-size budgeting (spec.md 4.D step 9.a).
func PackedSize(tx chain.Tx) int {
	return chain.EmptyLength + len(tx.Payload)
}

// PackAll concatenates the canonical packed form of each transaction, in
// order — the blocks table's "transactions" column.
func PackAll(txs []chain.Tx) []byte {
	packedLen := 0
	for _, tx := range txs {
		packedLen += PackedSize(tx)
	}
	out := make([]byte, 0, packedLen)
	for _, tx := range txs {
		out = append(out, Pack(tx)...)
	}
	return out
}

// bodyFromPacked builds the block body to be signed:
//
//	previous_block_hash(32B) | block_id(8B BE) | processed_ts(8B BE) |
//	transactions_packed | version(1B) | transactions_count(2B BE)
//
// prefixed by signPrefix, which domain-separates signatures/hashes
// between chains. It works directly off the already-packed transaction
// blob so that a block recovered from storage (which keeps only the raw
// bytes, not decoded Tx structs) can still be hashed/verified.
func bodyFromPacked(signPrefix []byte, previousHash chain.Hash256, blockID int64, processedTs int64, packed []byte, version uint8, txCount uint16) []byte {
	out := make([]byte, 0, len(signPrefix)+32+8+8+len(packed)+1+2)
	out = append(out, signPrefix...)
	out = append(out, previousHash[:]...)
	out = appendUint64(out, uint64(blockID))
	out = appendUint64(out, uint64(processedTs))
	out = append(out, packed...)
	out = append(out, version)
	out = appendUint16(out, txCount)
	return out
}

// BlockHash computes the domain-separated SHA-256^2 hash of a block's
// signed bytes.
func BlockHash(b chain.Block, signPrefix []byte) chain.Hash256 {
	return HashPacked(signPrefix, b.PreviousHash, b.ID, b.ProcessedTs, PackAll(b.Transactions), b.Version, b.TransactionCount)
}

// HashPacked is BlockHash's raw-bytes counterpart, used by the mining
// loop to recompute the tip hash from a stored block row without
// decoding its packed transactions back into chain.Tx values.
func HashPacked(signPrefix []byte, previousHash chain.Hash256, blockID int64, processedTs int64, packed []byte, version uint8, txCount uint16) chain.Hash256 {
	buf := bodyFromPacked(signPrefix, previousHash, blockID, processedTs, packed, version, txCount)
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	return chain.Hash256(second)
}

// SignBlock assembles a Block from an ordered transaction list and the
// current chain tip, then signs it with priv.
func SignBlock(tip Tip, txs []chain.Tx, processedTs int64, priv *cryptoutil.PrivateKey, signPrefix []byte) chain.Block {
	const version uint8 = 1
	b := chain.Block{
		ID:               tip.NextBlockID,
		Version:          version,
		PreviousHash:     tip.PreviousHash,
		ProcessedTs:      processedTs,
		Transactions:     txs,
		TransactionCount: uint16(len(txs)),
	}
	packed := PackAll(txs)
	buf := bodyFromPacked(signPrefix, b.PreviousHash, b.ID, b.ProcessedTs, packed, version, b.TransactionCount)
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	b.Signature = priv.Sign(second)
	return b
}

// Tip is the in-memory chain tip the assembler needs to build the next
// block (spec.md section 3, "Chain tip (in memory)").
type Tip struct {
	PreviousHash chain.Hash256
	PreviousTs   int64
	NextBlockID  int64
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}
