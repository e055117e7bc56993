package contractrt

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/Coinversable/validana-processor/internal/chain"
)

// SQLExecutor is the narrow slice of the Store Gateway contract code is
// allowed to drive: plain SQL under whatever role the caller's savepoint
// already set (smartcontract, per begin_block). Defined here, not in
// package store, so the runtime depends on exactly the shape it needs.
type SQLExecutor interface {
	Exec(ctx context.Context, query string, args ...any) (rowsAffected int64, err error)
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// hostBindings installs the "validana" global object contract code uses
// to read its execution context and touch the database. Every call is
// synchronous from the contract's point of view; the ctx passed to
// Execute bounds all of them with the session's statement_timeout.
func hostBindings(ctx context.Context, vm *goja.Runtime, exec SQLExecutor, tx chain.Tx, sender chain.Address, blockID, blockTS int64, processorAddress chain.Address, previousBlockTS int64, previousBlockHash chain.Hash256) error {
	host := vm.NewObject()
	host.Set("transactionId", tx.ID.String())
	host.Set("sender", string(sender))
	host.Set("blockId", blockID)
	host.Set("blockTs", blockTS)
	host.Set("processorAddress", string(processorAddress))
	host.Set("previousBlockTs", previousBlockTS)
	host.Set("previousBlockHash", previousBlockHash.String())

	parsed, err := vm.RunString("(" + jsonOrEmptyObject(tx.Payload) + ")")
	if err != nil {
		return fmt.Errorf("contractrt: parsing payload json: %w", err)
	}
	host.Set("payload", parsed)

	host.Set("query", func(call goja.FunctionCall) goja.Value {
		sql := call.Argument(0).String()
		args := jsArgsToGo(call.Arguments[1:])
		rows, err := exec.Query(ctx, sql, args...)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(rows)
	})

	host.Set("update", func(call goja.FunctionCall) goja.Value {
		sql := call.Argument(0).String()
		args := jsArgsToGo(call.Arguments[1:])
		n, err := exec.Exec(ctx, sql, args...)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(n)
	})

	return vm.Set("validana", host)
}

func jsArgsToGo(args []goja.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Export()
	}
	return out
}

func jsonOrEmptyObject(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
