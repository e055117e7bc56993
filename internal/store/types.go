package store

import "github.com/Coinversable/validana-processor/internal/chain"

// LatestBlock is what fetch_latest_block() returns (spec.md 4.A): enough
// to rebuild the in-memory chain tip and to verify the stored block's
// hash, without decoding its packed transactions back into chain.Tx
// values (the blocks table only ever stores the packed blob).
type LatestBlock struct {
	ID           int64
	Version      uint8
	PreviousHash chain.Hash256
	ProcessedTs  int64
	Packed       []byte
	TxCount      uint16
	Signature    chain.Signature
}

// StatusUpdate is one row of the bulk status-update statement (spec.md
// 4.A bulk_update_statuses, 4.D step 11).
type StatusUpdate struct {
	ID           chain.TxID
	Status       chain.TxStatus
	ProcessedTs  int64
	Message      string
	ContractType string
	Sender       chain.Address
	Receiver     string
	BlockID      *int64
	Position     *int32
}
