package contractrt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Coinversable/validana-processor/internal/chain"
	"github.com/Coinversable/validana-processor/internal/cryptoutil"
)

func testSignedTx(t *testing.T, contractHash chain.Hash256, payload string) (chain.Tx, *cryptoutil.PrivateKey) {
	t.Helper()
	var scalar [32]byte
	for i := range scalar {
		scalar[i] = byte(i*7 + 3)
	}
	priv := cryptoutil.NewPrivateKeyFromScalar(scalar)

	tx := chain.Tx{
		ID:           chain.NewTxID(),
		Version:      1,
		ContractHash: contractHash,
		ValidTill:    0,
		Payload:      json.RawMessage(payload),
		PublicKey:    priv.PublicKey(),
	}
	tx.Signature = priv.Sign(SigningHash(tx))
	return tx, priv
}

func TestExecuteAcceptsContractReturningUndefined(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	contractHash := sha256.Sum256([]byte("contract-a"))
	rt.Reload([]chain.Contract{{
		Hash: contractHash,
		Type: "Noop",
		Code: []byte(`function execute(validana) {}`),
	}})

	tx, _ := testSignedTx(t, contractHash, `{"x":1}`)
	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, Accepted, result.Kind)
	require.True(t, result.KeepsSideEffects())
}

func TestExecuteRejectsViaAcceptedFalse(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	contractHash := sha256.Sum256([]byte("contract-b"))
	rt.Reload([]chain.Contract{{
		Hash: contractHash,
		Type: "Gate",
		Code: []byte(`function execute(validana) { return {accepted: false, message: "nope"}; }`),
	}})

	tx, _ := testSignedTx(t, contractHash, `{}`)
	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, Rejected, result.Kind)
	require.Equal(t, "nope", result.Message)
	require.False(t, result.KeepsSideEffects())
}

func TestExecuteV1RejectedKeepsSideEffects(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	contractHash := sha256.Sum256([]byte("contract-v1"))
	rt.Reload([]chain.Contract{{
		Hash:    contractHash,
		Type:    "Legacy",
		Version: "1",
		Code:    []byte(`function execute(validana) { return "insufficient balance"; }`),
	}})

	tx, _ := testSignedTx(t, contractHash, `{}`)
	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, V1Rejected, result.Kind)
	require.True(t, result.KeepsSideEffects())
	require.True(t, result.EntersBlock(false))
}

func TestExecuteContractThrowIsInvalid(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	contractHash := sha256.Sum256([]byte("contract-throw"))
	rt.Reload([]chain.Contract{{
		Hash: contractHash,
		Type: "Thrower",
		Code: []byte(`function execute(validana) { throw new Error("boom"); }`),
	}})

	tx, _ := testSignedTx(t, contractHash, `{}`)
	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, Invalid, result.Kind)
}

func TestExecuteUnknownContractStrictIsInvalid(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	rt.Reload(nil)

	tx, _ := testSignedTx(t, sha256.Sum256([]byte("missing")), `{}`)
	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, Invalid, result.Kind)
}

func TestExecuteUnknownContractNonStrictRetries(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	rt.Reload(nil)

	tx, _ := testSignedTx(t, sha256.Sum256([]byte("missing")), `{}`)
	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, false)
	require.Equal(t, Retry, result.Kind)
}

func TestExecuteBadSignatureIsInvalid(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	contractHash := sha256.Sum256([]byte("contract-a"))
	rt.Reload([]chain.Contract{{Hash: contractHash, Code: []byte(`function execute(validana) {}`)}})

	tx, _ := testSignedTx(t, contractHash, `{}`)
	tx.Signature[0] ^= 0xFF // corrupt

	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, Invalid, result.Kind)
}

func TestExecuteExpiredTransactionIsInvalid(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	contractHash := sha256.Sum256([]byte("contract-a"))
	rt.Reload([]chain.Contract{{Hash: contractHash, Code: []byte(`function execute(validana) {}`)}})

	var scalar [32]byte
	for i := range scalar {
		scalar[i] = byte(i*7 + 3)
	}
	priv := cryptoutil.NewPrivateKeyFromScalar(scalar)
	tx := chain.Tx{ID: chain.NewTxID(), ContractHash: contractHash, ValidTill: 500, PublicKey: priv.PublicKey()}
	tx.Signature = priv.Sign(SigningHash(tx))

	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, Invalid, result.Kind)
}

func TestExecuteCreateContractStoresAndAllowsSubsequentUse(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	rt.Reload(nil)

	payload, err := json.Marshal(map[string]any{
		"type": "Token",
		"code": `function execute(validana) {}`,
	})
	require.NoError(t, err)
	tx, _ := testSignedTx(t, chain.CreateContractHash, string(payload))

	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, Accepted, result.Kind)
	require.Len(t, exec.execs, 1)
	require.True(t, rt.Touched())
	require.Equal(t, "Create Contract", rt.ContractType(chain.CreateContractHash))

	created := sha256.Sum256([]byte(`function execute(validana) {}`))
	require.Equal(t, "Token", rt.ContractType(created))
	useTx, _ := testSignedTx(t, created, `{}`)
	use := rt.Execute(context.Background(), useTx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, Accepted, use.Kind)
}

func TestExecuteDeleteContractRequiresCreatorMatch(t *testing.T) {
	exec := &fakeExec{}
	rt := New(exec)
	contractHash := sha256.Sum256([]byte("contract-owned"))

	var otherScalar [32]byte
	for i := range otherScalar {
		otherScalar[i] = byte(i*11 + 1)
	}
	otherOwner := cryptoutil.AddressFromPublicKey(cryptoutil.NewPrivateKeyFromScalar(otherScalar).PublicKey())

	rt.Reload([]chain.Contract{{Hash: contractHash, Creator: otherOwner, Code: []byte(`function execute(validana) {}`)}})

	payload, err := json.Marshal(map[string]any{"hash": hex.EncodeToString(contractHash[:])})
	require.NoError(t, err)
	tx, _ := testSignedTx(t, chain.DeleteContractHash, string(payload))

	result := rt.Execute(context.Background(), tx, 1, 1000, "proc-addr", 0, chain.Hash256{}, true)
	require.Equal(t, Rejected, result.Kind)
}
