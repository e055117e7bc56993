// Package contractrt is the Contract Runtime Adapter (spec.md section
// 4.B): it keeps a content-addressed map of deployed contracts, and
// executes one transaction at a time against a deterministic JavaScript
// sandbox (dop251/goja — the one JS engine already present in the
// teacher's dependency graph), returning one of the five ExecutionResult
// shapes the Mining Loop drives its savepoint decisions from.
package contractrt

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dop251/goja"

	"github.com/Coinversable/validana-processor/internal/chain"
	"github.com/Coinversable/validana-processor/internal/cryptoutil"
)

// Runtime owns the loaded contract set and executes transactions
// against it. It owns no per-transaction state: every Execute call gets
// a fresh goja.Runtime (spec.md: "the Contract Runtime owns no state
// between transactions").
type Runtime struct {
	exec SQLExecutor

	mu        sync.RWMutex
	contracts map[chain.Hash256]chain.Contract
	// touched tracks contracts created or deleted since the last
	// Reload, so a rollback that crosses a create/delete boundary can
	// be detected without reloading on every tick (spec.md 4.B:
	// "reloads ... after any rollback that could have crossed a
	// create/delete transaction").
	touched mapset.Set[chain.Hash256]
}

// New builds a Runtime with an empty contract map; call Reload before
// the first Execute.
func New(exec SQLExecutor) *Runtime {
	return &Runtime{
		exec:      exec,
		contracts: map[chain.Hash256]chain.Contract{},
		touched:   mapset.NewSet[chain.Hash256](),
	}
}

// Reload replaces the contract map wholesale and clears the touched
// set. Called at startup and whenever the mining loop rolls back across
// a create/delete contract transaction.
func (rt *Runtime) Reload(contracts []chain.Contract) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m := make(map[chain.Hash256]chain.Contract, len(contracts))
	for _, c := range contracts {
		m[c.Hash] = c
	}
	rt.contracts = m
	rt.touched.Clear()
}

// Touched reports whether any create/delete contract transaction ran
// since the last Reload — the mining loop uses this to decide whether a
// rollback requires a reload.
func (rt *Runtime) Touched() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.touched.Cardinality() > 0
}

// ContractType resolves a contract hash to its type name for
// status-update bookkeeping (spec.md 4.D step 9.e).
func (rt *Runtime) ContractType(hash chain.Hash256) string {
	switch hash {
	case chain.CreateContractHash:
		return "Create Contract"
	case chain.DeleteContractHash:
		return "Delete Contract"
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if c, ok := rt.contracts[hash]; ok {
		return c.Type
	}
	return "Unknown"
}

// Execute runs tx against the contract it names, returning one of the
// five ExecutionResult shapes (spec.md 4.B).
func (rt *Runtime) Execute(ctx context.Context, tx chain.Tx, blockID, blockTS int64, processorAddress chain.Address, previousBlockTS int64, previousBlockHash chain.Hash256, strict bool) Result {
	if tx.ValidTill != 0 && tx.ValidTill < blockTS {
		return invalid("transaction expired")
	}
	if !cryptoutil.VerifySignature(tx.PublicKey, SigningHash(tx), tx.Signature) {
		return invalid("bad signature")
	}
	sender := cryptoutil.AddressFromPublicKey(tx.PublicKey)

	switch tx.ContractHash {
	case chain.CreateContractHash:
		return rt.executeCreateContract(ctx, tx, sender)
	case chain.DeleteContractHash:
		return rt.executeDeleteContract(ctx, tx, sender)
	}

	rt.mu.RLock()
	contract, ok := rt.contracts[tx.ContractHash]
	rt.mu.RUnlock()
	if !ok {
		if strict {
			return invalid("unknown contract")
		}
		// Non-strict callers (validation-only dry runs, ahead of the
		// transaction's create-contract sibling landing) get Retry
		// rather than a hard Invalid: the contract may simply not have
		// been deployed yet when this was checked.
		return retry("unknown contract")
	}

	return rt.executeUserContract(ctx, contract, tx, sender, blockID, blockTS, processorAddress, previousBlockTS, previousBlockHash)
}

func (rt *Runtime) executeUserContract(ctx context.Context, contract chain.Contract, tx chain.Tx, sender chain.Address, blockID, blockTS int64, processorAddress chain.Address, previousBlockTS int64, previousBlockHash chain.Hash256) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = invalid(fmt.Sprintf("contract threw: %v", r))
		}
	}()

	vm := newSandbox()
	if err := hostBindings(ctx, vm, rt.exec, tx, sender, blockID, blockTS, processorAddress, previousBlockTS, previousBlockHash); err != nil {
		return invalid(err.Error())
	}
	if _, err := vm.RunString(string(contract.Code)); err != nil {
		return invalid(fmt.Sprintf("contract load failed: %v", err))
	}

	entry, ok := goja.AssertFunction(vm.Get("execute"))
	if !ok {
		return invalid("contract does not define execute()")
	}
	ret, err := entry(goja.Undefined(), vm.Get("validana"))
	if err != nil {
		return invalid(fmt.Sprintf("contract execution failed: %v", err))
	}

	return interpretReturnValue(ret, contract.Version)
}

// interpretReturnValue reads the {accepted, message} shape a contract
// returns. Contracts built against validana_version 1 signal rejection
// by returning a plain string instead of this object; that legacy shape
// maps to V1Rejected so its side effects are kept (spec.md 4.B).
func interpretReturnValue(v goja.Value, contractVersion string) Result {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return accepted("")
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		if contractVersion == "1" {
			return v1Rejected(s)
		}
		return rejected(s)
	}
	m, ok := exported.(map[string]any)
	if !ok {
		return accepted(fmt.Sprint(exported))
	}
	message, _ := m["message"].(string)
	if retryVal, ok := m["retry"].(bool); ok && retryVal {
		return retry(message)
	}
	if acceptedVal, ok := m["accepted"].(bool); ok && !acceptedVal {
		return rejected(message)
	}
	return accepted(message)
}

func (rt *Runtime) executeCreateContract(ctx context.Context, tx chain.Tx, creator chain.Address) Result {
	var body struct {
		Type        string          `json:"type"`
		Version     string          `json:"version"`
		Description string          `json:"description"`
		Template    json.RawMessage `json:"template"`
		Code        string          `json:"code"`
	}
	if err := json.Unmarshal(tx.Payload, &body); err != nil {
		return invalid("malformed create-contract payload: " + err.Error())
	}
	if body.Type == "" || body.Code == "" {
		return invalid("create-contract payload missing type or code")
	}

	hash := sha256.Sum256([]byte(body.Code))
	contract := chain.Contract{
		Hash:        hash,
		Type:        body.Type,
		Version:     body.Version,
		Description: body.Description,
		Creator:     creator,
		Template:    body.Template,
		Code:        []byte(body.Code),
	}

	if _, err := rt.exec.Exec(ctx, sqlInsertContract,
		contract.Hash[:], contract.Type, contract.Version, contract.Description,
		string(contract.Creator), []byte(contract.Template), contract.Code); err != nil {
		return retry("storing contract: " + err.Error())
	}

	rt.mu.Lock()
	rt.contracts[contract.Hash] = contract
	rt.touched.Add(contract.Hash)
	rt.mu.Unlock()

	return accepted("contract created")
}

func (rt *Runtime) executeDeleteContract(ctx context.Context, tx chain.Tx, requester chain.Address) Result {
	var body struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(tx.Payload, &body); err != nil {
		return invalid("malformed delete-contract payload: " + err.Error())
	}

	var target chain.Hash256
	if n, err := hexDecodeInto(target[:], body.Hash); err != nil || n != len(target) {
		return invalid("delete-contract payload has malformed hash")
	}

	rt.mu.RLock()
	contract, ok := rt.contracts[target]
	rt.mu.RUnlock()
	if !ok {
		return invalid("unknown contract")
	}
	if contract.Creator != requester {
		return rejected("only the creator may delete this contract")
	}

	if _, err := rt.exec.Exec(ctx, sqlDeleteContract, target[:]); err != nil {
		return retry("deleting contract: " + err.Error())
	}

	rt.mu.Lock()
	delete(rt.contracts, target)
	rt.touched.Add(target)
	rt.mu.Unlock()

	return accepted("contract deleted")
}

const (
	sqlInsertContract = `
INSERT INTO basics.contracts
	(contract_hash, contract_type, version, description, creator, contract_template, code)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlDeleteContract = `DELETE FROM basics.contracts WHERE contract_hash = $1`
)

// SigningHash is the digest a transaction's signature covers: the
// SHA-256 of everything in its packed form except the signature and
// transaction_id fields themselves (blockasm.Pack appends both after
// the signed portion). Exported so callers that build or validate
// transactions outside the runtime (tests, tooling) sign consistently
// with Execute's own check.
func SigningHash(tx chain.Tx) [32]byte {
	out := make([]byte, 0, 1+8+32+4+len(tx.Payload)+33)
	out = append(out, tx.Version)
	out = appendUint64(out, uint64(tx.ValidTill))
	out = append(out, tx.ContractHash[:]...)
	out = appendUint32(out, uint32(len(tx.Payload)))
	out = append(out, tx.Payload...)
	out = append(out, tx.PublicKey[:]...)
	return sha256.Sum256(out)
}
