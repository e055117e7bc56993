// Package miner implements the Mining Loop (spec.md section 4.D), the
// hardest subsystem: a single Tick drains pending transactions, executes
// each inside a savepoint, groups the accepted ones into a signed block
// once size/time budgets are reached, and reports liveness back to the
// supervisor. It is built from three narrow collaborator interfaces
// (Gateway, Runtime, Assembler-by-function) so the whole tick algorithm
// is unit-testable against fakes — mirroring how a geth-style miner
// worker is built from backend/chain/engine collaborators rather than
// reaching for globals.
package miner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"
	"unicode/utf8"

	"github.com/Coinversable/validana-processor/internal/blockasm"
	"github.com/Coinversable/validana-processor/internal/chain"
	"github.com/Coinversable/validana-processor/internal/contractrt"
	"github.com/Coinversable/validana-processor/internal/cryptoutil"
	"github.com/Coinversable/validana-processor/internal/store"
	"github.com/Coinversable/validana-processor/internal/xlog"
)

// minServerVersionNum is Postgres 9.5.0 in SHOW server_version_num form
// (spec.md 4.D step 5: "must be >= 9.5; else ... stay down").
const minServerVersionNum = 90500

// pacingSlackMS is the 500ms grace window the pacing gate and the
// block-or-no-block decision both apply against wall-clock drift
// between ticks (spec.md 4.D steps 1 and 12).
const pacingSlackMS = 500

// budgetSlackMS is the 100ms slack the per-transaction budget check
// applies before forcing the block closed (spec.md 4.D step 9.h).
const budgetSlackMS = 100

// ErrStayDown is returned, after the shutdown hook has been called with
// exit code 52, when the connected Postgres server is older than 9.5 — a
// condition the loop cannot recover from by retrying.
var ErrStayDown = errors.New("miner: postgres server version below 9.5, staying down")

// Runtime is the slice of the Contract Runtime Adapter the loop drives.
// contractrt.Runtime satisfies it.
type Runtime interface {
	Execute(ctx context.Context, tx chain.Tx, blockID, blockTS int64, processorAddress chain.Address, previousBlockTS int64, previousBlockHash chain.Hash256, strict bool) contractrt.Result
	Reload(contracts []chain.Contract)
	ContractType(hash chain.Hash256) string
	Touched() bool
}

// Config mirrors the subset of the process configuration the loop
// consults on every tick (spec.md section 6).
type Config struct {
	BlockIntervalSeconds    int
	MinBlockIntervalSeconds int
	TransactionsPerBlock    int
	MaxBlockSize            int
	ExcludeRejected         bool
	ProcessorAddress        chain.Address
	SignPrefix              []byte
}

// Loop owns exactly the state spec.md section 4.D lists and exposes a
// single Tick entrypoint.
type Loop struct {
	gw   store.Gateway
	rt   Runtime
	priv *cryptoutil.PrivateKey
	cfg  Config
	log  *xlog.Logger

	now            func() int64
	shutdown       func(exitCode int)
	isShuttingDown func() bool
	reportMemory   func(memoryMB int)

	tip             blockasm.Tip
	isMining        bool
	shouldRollback  bool
	justConnected   bool
	failures        int
	timeWarning     bool
	minedFirst      bool
	warnedPGVersion bool
}

// Option customises a Loop's collaborators beyond the required ones;
// tests use these to inject a fake clock and observe shutdown/report
// calls without touching global state.
type Option func(*Loop)

func WithClock(now func() int64) Option               { return func(l *Loop) { l.now = now } }
func WithShutdown(fn func(exitCode int)) Option       { return func(l *Loop) { l.shutdown = fn } }
func WithShuttingDown(fn func() bool) Option          { return func(l *Loop) { l.isShuttingDown = fn } }
func WithMemoryReporter(fn func(memoryMB int)) Option { return func(l *Loop) { l.reportMemory = fn } }
func WithLogger(log *xlog.Logger) Option              { return func(l *Loop) { l.log = log } }

// New builds a Loop ready for its first Tick.
func New(gw store.Gateway, rt Runtime, priv *cryptoutil.PrivateKey, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		gw:             gw,
		rt:             rt,
		priv:           priv,
		cfg:            cfg,
		log:            xlog.New(xlog.Config{}),
		now:            func() int64 { return time.Now().UnixMilli() },
		shutdown:       func(int) {},
		isShuttingDown: func() bool { return false },
		reportMemory:   func(int) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tip exposes the loop's current in-memory chain tip, for diagnostics
// and tests.
func (l *Loop) Tip() blockasm.Tip { return l.tip }

// Failures exposes the consecutive-failure counter (spec.md: "surfaces
// a warning at >3").
func (l *Loop) Failures() int { return l.failures }

// TimeWarningActive reports whether the clock-behind-previous-block
// warning is currently latched (spec.md: "edge-triggered, so
// clock-backwards is reported once per episode").
func (l *Loop) TimeWarningActive() bool { return l.timeWarning }

// Tick runs one full iteration of the mining algorithm (spec.md section
// 4.D, 14 steps).
func (l *Loop) Tick(ctx context.Context) error {
	now := l.now()

	// Step 1: pacing gate.
	if l.tip.PreviousTs+int64(l.cfg.MinBlockIntervalSeconds)*1000 > now+pacingSlackMS {
		return nil
	}

	// Step 2: reentry gate.
	if l.isMining {
		l.log.Warn("tick skipped: previous tick still running", "failures", l.failures)
		return nil
	}
	l.isMining = true
	if l.failures > 3 {
		l.log.Warn("mining has failed repeatedly", "failures", l.failures)
	}

	// Step 3: acquire/verify connection.
	justConnected, err := l.gw.Connect(ctx)
	if err != nil {
		return l.abortMining(err, false)
	}
	if justConnected {
		l.justConnected = true
	}

	// Step 4: recovery.
	if l.shouldRollback || l.justConnected {
		if err := l.gw.RollbackAll(ctx); err != nil {
			l.failures++
			l.shouldRollback = true
			l.isMining = false
			return fmt.Errorf("miner: recovery rollback: %w", err)
		}
		// A fresh connection always needs its contract map loaded; an
		// in-place rollback only needs a reload if it could have crossed
		// a create/delete contract transaction since the last reload.
		if l.justConnected || l.rt.Touched() {
			contracts, err := l.gw.FetchContracts(ctx)
			if err != nil {
				l.failures++
				l.shouldRollback = true
				l.isMining = false
				return fmt.Errorf("miner: reloading contracts: %w", err)
			}
			l.rt.Reload(contracts)
		}
		l.shouldRollback = false
	}

	// Step 5: startup checks.
	if l.justConnected {
		if err := l.runStartupChecks(ctx); err != nil {
			l.isMining = false
			return err
		}
	}

	// Step 6: pending fetch.
	pending, err := l.gw.FetchPending(ctx, l.cfg.TransactionsPerBlock)
	if err != nil {
		return l.abortMining(err, false)
	}

	// Step 7: begin block.
	if err := l.gw.BeginBlock(ctx); err != nil {
		return l.abortMining(err, true)
	}

	// Step 8: block timestamp.
	blockTS := now
	if l.tip.PreviousTs+1 > now {
		blockTS = l.tip.PreviousTs + 1
		if !l.timeWarning {
			l.log.Warn("clock behind previous block timestamp, bumping", "previous_ts", l.tip.PreviousTs, "now", now)
			l.timeWarning = true
		}
	} else if l.timeWarning && now > l.tip.PreviousTs {
		l.timeWarning = false
	}

	blockTxs, updates, err := l.processPending(ctx, pending, blockTS)
	if err != nil {
		return l.abortMining(err, true)
	}

	// Step 10: reset role.
	if err := l.gw.ResetRole(ctx); err != nil {
		return l.abortMining(err, true)
	}

	// Step 11: bulk status update.
	if len(updates) > 0 {
		if err := l.gw.BulkUpdateStatuses(ctx, updates); err != nil {
			return l.abortMining(err, true)
		}
	}

	// Step 12: block-or-no-block decision.
	intervalElapsed := l.tip.PreviousTs+int64(l.cfg.MinBlockIntervalSeconds+l.cfg.BlockIntervalSeconds)*1000 <= now+pacingSlackMS
	emitBlock := len(blockTxs) > 0 || l.tip.PreviousTs == 0 || intervalElapsed

	if !emitBlock {
		if l.isShuttingDown() {
			return l.stopForShutdown()
		}
		if err := l.gw.CommitFast(ctx); err != nil {
			return l.abortMining(err, true)
		}
		if err := l.gw.Notify(ctx, "blocks", notifyPayload(map[string]any{"ts": blockTS, "other": len(updates)})); err != nil {
			l.log.Warn("notify failed", "err", err)
		}
		return l.finishTick()
	}

	// Step 13: block emission.
	if l.isShuttingDown() {
		return l.stopForShutdown()
	}
	block := blockasm.SignBlock(l.tip, blockTxs, blockTS, l.priv, l.cfg.SignPrefix)
	packed := blockasm.PackAll(blockTxs)
	if err := l.gw.InsertBlock(ctx, block, packed); err != nil {
		return l.abortMining(err, true)
	}
	if err := l.gw.CommitDurable(ctx); err != nil {
		return l.abortMining(err, true)
	}

	blockHash := blockasm.BlockHash(block, l.cfg.SignPrefix)
	l.tip = blockasm.Tip{
		PreviousHash: blockHash,
		PreviousTs:   blockTS,
		NextBlockID:  l.tip.NextBlockID + 1,
	}
	if !l.minedFirst {
		l.log.Info("mined first block since startup", "block", block.ID, "ts", blockTS)
		l.minedFirst = true
	}

	if err := l.gw.Notify(ctx, "blocks", notifyPayload(map[string]any{
		"block": block.ID, "ts": blockTS, "txs": len(blockTxs), "other": len(updates) - len(blockTxs),
	})); err != nil {
		l.log.Warn("notify failed", "err", err)
	}

	return l.finishTick()
}

func (l *Loop) runStartupChecks(ctx context.Context) error {
	version, err := l.gw.FetchServerVersion(ctx)
	if err != nil {
		return l.abortMining(err, false)
	}
	if version < minServerVersionNum {
		if !l.warnedPGVersion {
			l.log.Crit("postgres server version too old, staying down", "version", version, "minimum", minServerVersionNum)
			l.warnedPGVersion = true
		}
		l.shutdown(52)
		return ErrStayDown
	}

	latest, err := l.gw.FetchLatestBlock(ctx)
	if err != nil {
		return l.abortMining(err, false)
	}
	if latest == nil {
		l.tip = blockasm.Tip{PreviousHash: chain.Hash256{}, PreviousTs: 0, NextBlockID: 0}
	} else {
		hash := blockasm.HashPacked(l.cfg.SignPrefix, latest.PreviousHash, latest.ID, latest.ProcessedTs, latest.Packed, latest.Version, latest.TxCount)
		l.tip = blockasm.Tip{PreviousHash: hash, PreviousTs: latest.ProcessedTs, NextBlockID: latest.ID + 1}
	}

	if err := l.gw.SetStatementTimeout(ctx, l.cfg.BlockIntervalSeconds*1000); err != nil {
		return l.abortMining(err, false)
	}
	return nil
}

// processPending runs the per-transaction loop (spec.md 4.D step 9),
// returning the transactions that enter the block (already positioned)
// and the full set of status-update rows for every terminalised
// transaction (in or out of the block).
func (l *Loop) processPending(ctx context.Context, pending []chain.Tx, blockTS int64) ([]chain.Tx, []store.StatusUpdate, error) {
	var blockTxs []chain.Tx
	var updates []store.StatusUpdate
	now := l.now()
	usedBytes := 0

	for _, tx := range pending {
		size := blockasm.PackedSize(tx)

		// 9.a size budget.
		if usedBytes+size > l.cfg.MaxBlockSize {
			break
		}

		result := l.executeOne(ctx, tx, blockTS)

		// 9.d savepoint control.
		if result.KeepsSideEffects() {
			if err := l.gw.SavepointAdvance(ctx); err != nil {
				return nil, nil, err
			}
		} else {
			if err := l.gw.SavepointRollback(ctx); err != nil {
				return nil, nil, err
			}
		}

		// 9.e contract type.
		contractType := l.rt.ContractType(tx.ContractHash)

		// 9.f block membership / terminal status.
		entersBlock := result.EntersBlock(l.cfg.ExcludeRejected)
		if result.IsTerminal() {
			sender := cryptoutil.AddressFromPublicKey(tx.PublicKey)
			receiver := extractReceiver(tx.Payload)

			update := store.StatusUpdate{
				ID:           tx.ID,
				Status:       statusFor(result),
				ProcessedTs:  blockTS,
				Message:      truncateMessage(result.Message),
				ContractType: contractType,
				Sender:       sender,
				Receiver:     receiver,
			}
			if entersBlock {
				usedBytes += size
				blockID := l.tip.NextBlockID
				position := int32(len(blockTxs))
				update.BlockID = &blockID
				update.Position = &position
				blockTxs = append(blockTxs, tx)
			}
			updates = append(updates, update)
		}

		// 9.h time budget.
		deadline := l.tip.PreviousTs + int64(l.cfg.MinBlockIntervalSeconds+l.cfg.BlockIntervalSeconds)*1000
		if now-budgetSlackMS > deadline {
			break
		}
	}

	return blockTxs, updates, nil
}

func (l *Loop) executeOne(ctx context.Context, tx chain.Tx, blockTS int64) contractrt.Result {
	if !json.Valid(tx.Payload) {
		return contractrt.Result{Kind: contractrt.Invalid, Message: "malformed payload"}
	}
	return l.rt.Execute(ctx, tx, l.tip.NextBlockID, blockTS, l.cfg.ProcessorAddress, l.tip.PreviousTs, l.tip.PreviousHash, true)
}

func statusFor(r contractrt.Result) chain.TxStatus {
	switch r.Kind {
	case contractrt.Accepted, contractrt.V1Rejected:
		return chain.StatusAccepted
	case contractrt.Rejected:
		return chain.StatusRejected
	default:
		return chain.StatusInvalid
	}
}

// abortMining is the shared failure path for steps 7-13 (spec.md: "any
// database failure ... calls abort_mining"). A nil err still counts as a
// failure and, with inOpenTransaction, still marks should_rollback; the
// shutdown-drain path does not come through here (see stopForShutdown).
func (l *Loop) abortMining(err error, inOpenTransaction bool) error {
	if err != nil {
		l.log.Error("mining tick aborted", "err", err)
	}
	l.failures++
	if inOpenTransaction {
		l.shouldRollback = true
	}
	l.isMining = false
	if err == nil {
		return nil
	}
	return fmt.Errorf("miner: tick aborted: %w", err)
}

// stopForShutdown is the graceful-drain path (spec.md 4.D: "the loop
// checks a process-wide is_shutting_down flag before each commit; when
// set, it refrains from emitting the final COMMIT so the supervisor can
// exit cleanly"). It is not a failure: should_rollback is left for the
// connection-close rollback rather than another tick retrying.
func (l *Loop) stopForShutdown() error {
	l.shouldRollback = true
	l.isMining = false
	return nil
}

func (l *Loop) finishTick() error {
	l.failures = 0
	l.justConnected = false
	l.isMining = false
	l.reportMemory(currentMemoryMB())
	return nil
}

func currentMemoryMB() int {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int(m.Alloc / (1024 * 1024))
}

func notifyPayload(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// truncateMessage enforces chain.MaxMessageBytes on a byte basis
// without splitting a multi-byte rune.
func truncateMessage(s string) string {
	if len(s) <= chain.MaxMessageBytes {
		return s
	}
	n := chain.MaxMessageBytes
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// extractReceiver reads payload.receiver, coercing to a string and
// truncating to 35 runes; a missing or null field yields "".
func extractReceiver(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	raw, ok := body["receiver"]
	if !ok || raw == nil {
		return ""
	}
	s := fmt.Sprint(raw)
	if v, ok := raw.(string); ok {
		s = v
	}
	runes := []rune(s)
	if len(runes) > 35 {
		runes = runes[:35]
	}
	return string(runes)
}
