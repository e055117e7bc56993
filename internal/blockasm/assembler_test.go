package blockasm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Coinversable/validana-processor/internal/chain"
	"github.com/Coinversable/validana-processor/internal/cryptoutil"
)

func testPrivateKey(t *testing.T) *cryptoutil.PrivateKey {
	t.Helper()
	var scalar [32]byte
	for i := range scalar {
		scalar[i] = byte(i*13 + 1)
	}
	return cryptoutil.NewPrivateKeyFromScalar(scalar)
}

func TestPackRoundTripLength(t *testing.T) {
	tx := chain.Tx{
		Version:   3,
		ValidTill: 123456,
		Payload:   []byte(`{"a":1}`),
	}
	packed := Pack(tx)
	require.Len(t, packed, PackedSize(tx))
	require.Equal(t, tx.Version, packed[0])
}

func TestSignBlockVerifiable(t *testing.T) {
	priv := testPrivateKey(t)
	tip := Tip{PreviousHash: chain.Hash256{}, PreviousTs: 0, NextBlockID: 0}
	txs := []chain.Tx{
		{ID: chain.TxID{1}, Version: 1, Payload: []byte(`{}`)},
		{ID: chain.TxID{2}, Version: 1, Payload: []byte(`{"x":true}`)},
	}
	signPrefix := []byte("test-chain")

	block := SignBlock(tip, txs, 1000, priv, signPrefix)
	require.Equal(t, int64(0), block.ID)
	require.Equal(t, uint16(2), block.TransactionCount)

	hash := BlockHash(block, signPrefix)
	require.True(t, cryptoutil.VerifySignature(priv.PublicKey(), [32]byte(hash), block.Signature))
}

func TestBlockHashChangesWithSignPrefix(t *testing.T) {
	priv := testPrivateKey(t)
	tip := Tip{NextBlockID: 5}
	txs := []chain.Tx{{ID: chain.TxID{9}, Payload: []byte(`{}`)}}

	b1 := SignBlock(tip, txs, 42, priv, []byte("chain-a"))
	b2 := SignBlock(tip, txs, 42, priv, []byte("chain-b"))

	require.NotEqual(t, BlockHash(b1, []byte("chain-a")), BlockHash(b2, []byte("chain-b")))
}

func TestPreviousHashChainsBlocks(t *testing.T) {
	priv := testPrivateKey(t)
	signPrefix := []byte("chain")
	tip0 := Tip{NextBlockID: 0}
	block0 := SignBlock(tip0, nil, 1, priv, signPrefix)
	hash0 := BlockHash(block0, signPrefix)

	tip1 := Tip{PreviousHash: hash0, PreviousTs: block0.ProcessedTs, NextBlockID: 1}
	block1 := SignBlock(tip1, nil, 2, priv, signPrefix)

	require.Equal(t, hash0, block1.PreviousHash)
	require.Greater(t, block1.ProcessedTs, block0.ProcessedTs)
}
