// Package chain defines the wire-level and in-memory data model shared by
// the store gateway, contract runtime, block assembler and mining loop:
// transactions, blocks, contracts and the small value types they're built
// from.
package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TxID is the 16-byte primary key of a transaction.
type TxID [16]byte

// NewTxID generates a fresh random transaction identifier.
func NewTxID() TxID {
	return TxID(uuid.New())
}

// ParseTxID parses a canonical UUID string into a TxID.
func ParseTxID(s string) (TxID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TxID{}, err
	}
	return TxID(u), nil
}

func (id TxID) String() string {
	return uuid.UUID(id).String()
}

// Hash256 is a 32-byte SHA-256-family digest: block hashes, contract
// hashes, previous-block-hash fields.
type Hash256 [32]byte

func (h Hash256) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero hash (genesis previous-hash,
// and the distinguished "create contract" hash).
func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

// CreateContractHash and DeleteContractHash are the two distinguished
// contract hashes the contract runtime interprets itself rather than
// loading user code for (spec glossary: "distinguished contract hashes").
var (
	CreateContractHash = Hash256{} // 32 x 0x00
	DeleteContractHash = func() Hash256 {
		var h Hash256
		for i := range h {
			h[i] = 0xFF
		}
		return h
	}()
)

// PubKey is a compressed secp256k1 public key.
type PubKey [33]byte

// Signature is a 64-byte compact EC signature (r||s).
type Signature [64]byte

// Address is a base58check-encoded account address derived from a
// public key (internal/cryptoutil.AddressFromPublicKey).
type Address string

// TxStatus is the terminal/non-terminal status of a pending transaction.
// Transitions are monotonic: New -> {Accepted, Rejected, Invalid}.
type TxStatus uint8

const (
	StatusNew TxStatus = iota
	StatusAccepted
	StatusRejected
	StatusInvalid
)

func (s TxStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseTxStatus parses the four lower-case status strings used by the
// store's check constraint.
func ParseTxStatus(s string) (TxStatus, error) {
	switch s {
	case "new":
		return StatusNew, nil
	case "accepted":
		return StatusAccepted, nil
	case "rejected":
		return StatusRejected, nil
	case "invalid":
		return StatusInvalid, nil
	default:
		return 0, fmt.Errorf("chain: unknown transaction status %q", s)
	}
}

// IsTerminal reports whether s is one of the three terminal statuses.
func (s TxStatus) IsTerminal() bool { return s != StatusNew }

// MaxMessageBytes bounds the sanitised, optional per-transaction message.
const MaxMessageBytes = 128

// Tx is a pending (or already-terminalised) transaction row.
type Tx struct {
	ID           TxID
	Version      uint8
	ContractHash Hash256
	ValidTill    int64 // ms since epoch, 0 = none
	Payload      json.RawMessage
	PublicKey    PubKey
	Signature    Signature
	Status       TxStatus
	Message      string // sanitised, <=128 UTF-8 bytes
	ProcessedTs  int64  // ms since epoch, 0 if not yet terminal
	BlockID      *int64
	Position     *int32
	Sender       Address
	ContractType string
	Receiver     string
	CreateTs     int64 // ordering hint
}

// EmptyLength is the fixed per-transaction overhead in bytes: the
// glossary's "empty length", used for block-size budgeting before the
// payload is known.
const EmptyLength = 1 + 8 + 32 + 4 + 33 + 64 + 16

// Block is one append-only row of basics.blocks.
type Block struct {
	ID               int64
	Version          uint8
	PreviousHash     Hash256
	ProcessedTs      int64 // ms since epoch, strictly > previous block's
	Transactions     []Tx  // in position_in_block order
	TransactionCount uint16
	Signature        Signature
}

// Contract is a deployed, content-addressed contract definition.
type Contract struct {
	Hash        Hash256 // SHA-256 of canonical code; primary key
	Type        string
	Version     string
	Description string
	Creator     Address
	Template    json.RawMessage
	Code        []byte
}
