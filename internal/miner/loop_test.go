package miner

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Coinversable/validana-processor/internal/chain"
	"github.com/Coinversable/validana-processor/internal/contractrt"
	"github.com/Coinversable/validana-processor/internal/cryptoutil"
	"github.com/Coinversable/validana-processor/internal/store"
)

func testKey(t *testing.T) *cryptoutil.PrivateKey {
	t.Helper()
	var scalar [32]byte
	for i := range scalar {
		scalar[i] = byte(i*17 + 5)
	}
	return cryptoutil.NewPrivateKeyFromScalar(scalar)
}

func signedTx(priv *cryptoutil.PrivateKey, contractHash chain.Hash256, payload string, validTill int64) chain.Tx {
	tx := chain.Tx{
		ID:           chain.NewTxID(),
		Version:      1,
		ContractHash: contractHash,
		ValidTill:    validTill,
		Payload:      json.RawMessage(payload),
		PublicKey:    priv.PublicKey(),
	}
	tx.Signature = priv.Sign(contractrt.SigningHash(tx))
	return tx
}

func baseConfig() Config {
	return Config{
		BlockIntervalSeconds:    60,
		MinBlockIntervalSeconds: 5,
		TransactionsPerBlock:    500,
		MaxBlockSize:            1_000_000,
		ExcludeRejected:         false,
		ProcessorAddress:        "proc-addr",
		SignPrefix:              []byte("test-chain"),
	}
}

func constantClock(ms int64) func() int64 { return func() int64 { return ms } }

// Scenario 1: simple accepted pair.
func TestTickSimpleAcceptedPair(t *testing.T) {
	priv := testKey(t)
	code := `function execute(validana) { return {accepted: true}; }`
	contractHash := sha256.Sum256([]byte(code))

	createPayload := fmt.Sprintf(`{"type":"Token","code":%q}`, code)
	createTx := signedTx(priv, chain.CreateContractHash, createPayload, 0)
	useTx := signedTx(priv, contractHash, `{}`, 0)

	gw := store.NewFake()
	gw.Pending = []chain.Tx{createTx, useTx}
	rt := contractrt.New(gw)
	loop := New(gw, rt, priv, baseConfig(), WithClock(constantClock(10_000_000)))

	require.NoError(t, loop.Tick(context.Background()))

	require.Len(t, gw.Blocks, 1)
	require.Equal(t, uint16(2), gw.Blocks[0].TransactionCount)
	require.Len(t, gw.Updates, 2)
	for _, u := range gw.Updates {
		require.Equal(t, chain.StatusAccepted, u.Status)
	}
}

// Scenario 2: block splits on size.
func TestTickBlockSplitsOnSize(t *testing.T) {
	priv := testKey(t)
	padding := strings.Repeat("a", 700)
	code1 := fmt.Sprintf(`function execute(validana) { return {accepted: true, message: "%s"}; }`, "one")
	code2 := fmt.Sprintf(`function execute(validana) { return {accepted: true, message: "%s"}; }`, "two")
	payload1 := fmt.Sprintf(`{"type":"T1","code":%q,"padding":%q}`, code1, padding)
	payload2 := fmt.Sprintf(`{"type":"T2","code":%q,"padding":%q}`, code2, padding)

	tx1 := signedTx(priv, chain.CreateContractHash, payload1, 0)
	tx2 := signedTx(priv, chain.CreateContractHash, payload2, 0)

	gw := store.NewFake()
	gw.Pending = []chain.Tx{tx1, tx2}
	rt := contractrt.New(gw)

	cfg := baseConfig()
	cfg.MaxBlockSize = 1200 // fits one padded create-contract tx, not two

	clockMS := int64(10_000_000)
	loop := New(gw, rt, priv, cfg, WithClock(func() int64 { return clockMS }))

	require.NoError(t, loop.Tick(context.Background()))
	require.Len(t, gw.Blocks, 1)
	require.Equal(t, uint16(1), gw.Blocks[0].TransactionCount)

	// Simulate tx1 leaving the pending set now that it terminalised, and
	// clear the pacing gate (MinBlockIntervalSeconds == 5) for the second
	// block.
	gw.Pending = []chain.Tx{tx2}
	clockMS += 6_000

	require.NoError(t, loop.Tick(context.Background()))
	require.Len(t, gw.Blocks, 2)
	require.Equal(t, uint16(1), gw.Blocks[1].TransactionCount)

	gw.Pending = nil
	require.Len(t, gw.Pending, 0)
}

// Scenario 3: invalid in the middle preserves order.
func TestTickInvalidInMiddlePreservesOrder(t *testing.T) {
	priv := testKey(t)
	code := `function execute(validana) { return {accepted: true}; }`
	contractHash := sha256.Sum256([]byte(code))

	gw := store.NewFake()
	gw.Contracts = []chain.Contract{{Hash: contractHash, Type: "Token", Code: []byte(code)}}
	rt := contractrt.New(gw)

	valid1 := signedTx(priv, contractHash, `{}`, 0)
	unknownHash := sha256.Sum256([]byte("not-deployed"))
	invalidMiddle := signedTx(priv, unknownHash, `{}`, 0)
	valid2 := signedTx(priv, contractHash, `{}`, 0)

	gw.Pending = []chain.Tx{valid1, invalidMiddle, valid2}
	loop := New(gw, rt, priv, baseConfig(), WithClock(constantClock(10_000_000)))

	require.NoError(t, loop.Tick(context.Background()))

	require.Len(t, gw.Updates, 3)
	byID := map[chain.TxID]store.StatusUpdate{}
	for _, u := range gw.Updates {
		byID[u.ID] = u
	}

	u1, u2, u3 := byID[valid1.ID], byID[invalidMiddle.ID], byID[valid2.ID]
	require.Equal(t, chain.StatusAccepted, u1.Status)
	require.Equal(t, chain.StatusInvalid, u2.Status)
	require.Equal(t, chain.StatusAccepted, u3.Status)

	require.Nil(t, u2.BlockID)
	require.NotNil(t, u1.BlockID)
	require.NotNil(t, u3.BlockID)
	require.Equal(t, int32(0), *u1.Position)
	require.Equal(t, int32(1), *u3.Position)
	require.NotEqual(t, "Unknown", u1.ContractType)
	require.NotEqual(t, "Unknown", u3.ContractType)

	require.Len(t, gw.Blocks, 1)
	require.Equal(t, uint16(2), gw.Blocks[0].TransactionCount)
}

// Scenario 4: retry does not consume.
func TestTickRetryDoesNotConsume(t *testing.T) {
	priv := testKey(t)
	code := `function execute(validana) {
		var rows = validana.query("SELECT ready");
		if (!rows[0].ready) { return {retry: true, message: "not ready"}; }
		return {accepted: true};
	}`
	contractHash := sha256.Sum256([]byte(code))

	gw := store.NewFake()
	gw.Contracts = []chain.Contract{{Hash: contractHash, Type: "Gate", Code: []byte(code)}}
	ready := false
	gw.QueryFunc = func(query string, args ...any) ([]map[string]any, error) {
		return []map[string]any{{"ready": ready}}, nil
	}
	rt := contractrt.New(gw)

	tx := signedTx(priv, contractHash, `{}`, 0)
	gw.Pending = []chain.Tx{tx}

	clockMS := int64(10_000_000)
	loop := New(gw, rt, priv, baseConfig(), WithClock(func() int64 { return clockMS }))

	require.NoError(t, loop.Tick(context.Background()))
	for _, u := range gw.Updates {
		require.NotEqual(t, tx.ID, u.ID, "retried transaction must not be terminalised")
	}

	ready = true
	clockMS += 6_000 // clear the pacing gate (MinBlockIntervalSeconds == 5)
	require.NoError(t, loop.Tick(context.Background()))

	var found bool
	for _, u := range gw.Updates {
		if u.ID == tx.ID {
			found = true
			require.Equal(t, chain.StatusAccepted, u.Status)
		}
	}
	require.True(t, found, "transaction should have been promoted to accepted once ready")
}

// Scenario 5: stay-down on wrong PG version.
func TestTickStaysDownOnOldServerVersion(t *testing.T) {
	gw := store.NewFake()
	gw.ServerVer = 90400
	priv := testKey(t)
	rt := contractrt.New(gw)

	var shutdownCode int
	shutdownCalled := false
	loop := New(gw, rt, priv, baseConfig(),
		WithClock(constantClock(10_000_000)),
		WithShutdown(func(code int) { shutdownCalled = true; shutdownCode = code }))

	err := loop.Tick(context.Background())
	require.ErrorIs(t, err, ErrStayDown)
	require.True(t, shutdownCalled)
	require.Equal(t, 52, shutdownCode)
}

// Scenario 6: clock regression.
func TestTickClockRegressionBumpsTimestampOnce(t *testing.T) {
	gw := store.NewFake()
	priv := testKey(t)
	rt := contractrt.New(gw)

	cfg := baseConfig()
	cfg.MinBlockIntervalSeconds = 0
	cfg.BlockIntervalSeconds = 0

	const frozenNow = 5_000_000
	loop := New(gw, rt, priv, cfg, WithClock(constantClock(frozenNow)))

	require.NoError(t, loop.Tick(context.Background()))
	require.Len(t, gw.Blocks, 1)
	first := gw.Blocks[0]
	require.False(t, loop.TimeWarningActive())

	require.NoError(t, loop.Tick(context.Background()))
	require.Len(t, gw.Blocks, 2)
	second := gw.Blocks[1]

	require.Equal(t, first.ProcessedTs+1, second.ProcessedTs)
	require.True(t, loop.TimeWarningActive())
}

// Reentry gate: a tick that fires while is_mining is already set must
// be skipped, leaving is_mining untouched for the in-flight tick.
func TestTickReentryGateSkipsWhileMining(t *testing.T) {
	gw := store.NewFake()
	priv := testKey(t)
	rt := contractrt.New(gw)
	loop := New(gw, rt, priv, baseConfig(), WithClock(constantClock(10_000_000)))
	loop.isMining = true

	require.NoError(t, loop.Tick(context.Background()))
	require.True(t, loop.isMining)
	require.Empty(t, gw.Blocks)
}

// A rollback recovery (step 4) that never crossed a create/delete
// contract transaction must not re-fetch the contract map; one that did
// must.
func TestTickRollbackReloadsContractsOnlyWhenTouched(t *testing.T) {
	priv := testKey(t)
	gw := store.NewFake()
	rt := contractrt.New(gw)
	cfg := baseConfig()
	cfg.MinBlockIntervalSeconds = 0
	clockMS := int64(10_000_000)
	loop := New(gw, rt, priv, cfg, WithClock(func() int64 { return clockMS }))

	// Tick 1: initial connect, establishes the baseline reload.
	require.NoError(t, loop.Tick(context.Background()))
	baseline := gw.FetchContractsCalls
	require.Equal(t, 1, baseline)

	// Tick 2: force an in-transaction failure so step 4 sees
	// should_rollback on the next tick, with no contract touched.
	clockMS += 1000
	gw.FailNext["ResetRole"] = fmt.Errorf("injected failure")
	require.Error(t, loop.Tick(context.Background()))
	require.False(t, rt.Touched())

	// Tick 3: recovers from should_rollback; untouched runtime must skip
	// the reload.
	clockMS += 1000
	require.NoError(t, loop.Tick(context.Background()))
	require.Equal(t, baseline, gw.FetchContractsCalls, "reload must be skipped when nothing was touched")

	// Now deploy a contract, then force the same in-transaction failure
	// again: this time the rollback recovery must reload.
	code := `function execute(validana) { return {accepted: true}; }`
	createPayload := fmt.Sprintf(`{"type":"Token","code":%q}`, code)
	gw.Pending = []chain.Tx{signedTx(priv, chain.CreateContractHash, createPayload, 0)}
	clockMS += 1000
	require.NoError(t, loop.Tick(context.Background()))
	require.True(t, rt.Touched())

	gw.Pending = nil
	clockMS += 1000
	gw.FailNext["ResetRole"] = fmt.Errorf("injected failure")
	require.Error(t, loop.Tick(context.Background()))

	beforeReload := gw.FetchContractsCalls
	clockMS += 1000
	require.NoError(t, loop.Tick(context.Background()))
	require.Greater(t, gw.FetchContractsCalls, beforeReload, "reload must happen when a contract was touched")
	require.False(t, rt.Touched(), "Reload must clear the touched set")
}

// Pacing gate: a tick that fires too soon after the previous block must
// be a silent no-op.
func TestTickPacingGateSkipsTooSoon(t *testing.T) {
	gw := store.NewFake()
	gw.Latest = &store.LatestBlock{ID: 4, ProcessedTs: 9_999_000, TxCount: 0}
	priv := testKey(t)
	rt := contractrt.New(gw)
	loop := New(gw, rt, priv, baseConfig(), WithClock(constantClock(10_000_000)))
	// The gate reads the in-memory tip, which a fresh loop only learns on
	// its first connect; start from the tip an earlier tick left behind.
	loop.tip.PreviousTs = gw.Latest.ProcessedTs
	loop.tip.NextBlockID = gw.Latest.ID + 1

	require.NoError(t, loop.Tick(context.Background()))
	require.Empty(t, gw.Blocks)
	require.False(t, gw.Connected)
}
