package store

import (
	"context"
	"fmt"

	"github.com/Coinversable/validana-processor/internal/chain"
)

// Fake is an in-memory Gateway used by the mining loop's tests, so the
// tick algorithm can run every branch without a live database. It
// records status updates, blocks and notifications as soon as they are
// issued; savepoint, commit and rollback calls only track whether a
// transaction is open and do not undo anything already recorded.
type Fake struct {
	Pending      []chain.Tx
	Latest       *LatestBlock
	Contracts    []chain.Contract
	ServerVer    int
	Connected    bool
	FirstConnect bool

	Blocks  []chain.Block
	Packed  [][]byte
	Updates []StatusUpdate

	// FetchContractsCalls counts FetchContracts invocations, so tests can
	// assert whether a given tick reloaded the contract map.
	FetchContractsCalls int

	inTx      bool
	staged    []StatusUpdate
	notifies  []fakeNotify
	StatementTimeoutMS int

	// Inject failures for specific operations, keyed by method name.
	FailNext map[string]error

	// QueryFunc, if set, overrides Query's response for contract SQL
	// (used to simulate an external dependency that becomes ready
	// between ticks).
	QueryFunc func(query string, args ...any) ([]map[string]any, error)
}

type fakeNotify struct {
	Channel string
	Payload string
}

func NewFake() *Fake {
	return &Fake{ServerVer: 90500, FailNext: map[string]error{}}
}

func (f *Fake) fail(op string) error {
	if err, ok := f.FailNext[op]; ok && err != nil {
		delete(f.FailNext, op)
		return err
	}
	return nil
}

func (f *Fake) Connect(ctx context.Context) (bool, error) {
	if err := f.fail("Connect"); err != nil {
		return false, err
	}
	justConnected := !f.Connected
	f.Connected = true
	return justConnected, nil
}

func (f *Fake) FetchPending(ctx context.Context, limit int) ([]chain.Tx, error) {
	if err := f.fail("FetchPending"); err != nil {
		return nil, err
	}
	if limit < len(f.Pending) {
		return append([]chain.Tx(nil), f.Pending[:limit]...), nil
	}
	return append([]chain.Tx(nil), f.Pending...), nil
}

func (f *Fake) FetchLatestBlock(ctx context.Context) (*LatestBlock, error) {
	if err := f.fail("FetchLatestBlock"); err != nil {
		return nil, err
	}
	return f.Latest, nil
}

func (f *Fake) FetchContracts(ctx context.Context) ([]chain.Contract, error) {
	f.FetchContractsCalls++
	if err := f.fail("FetchContracts"); err != nil {
		return nil, err
	}
	return append([]chain.Contract(nil), f.Contracts...), nil
}

func (f *Fake) FetchServerVersion(ctx context.Context) (int, error) {
	if err := f.fail("FetchServerVersion"); err != nil {
		return 0, err
	}
	return f.ServerVer, nil
}

func (f *Fake) SetStatementTimeout(ctx context.Context, ms int) error {
	if err := f.fail("SetStatementTimeout"); err != nil {
		return err
	}
	f.StatementTimeoutMS = ms
	return nil
}

func (f *Fake) BeginBlock(ctx context.Context) error {
	if err := f.fail("BeginBlock"); err != nil {
		return err
	}
	f.inTx = true
	f.staged = nil
	return nil
}

func (f *Fake) SavepointRollback(ctx context.Context) error {
	if err := f.fail("SavepointRollback"); err != nil {
		return err
	}
	if len(f.staged) > 0 {
		f.staged = f.staged[:len(f.staged)-1]
	}
	return nil
}

func (f *Fake) SavepointAdvance(ctx context.Context) error {
	return f.fail("SavepointAdvance")
}

func (f *Fake) ResetRole(ctx context.Context) error {
	return f.fail("ResetRole")
}

func (f *Fake) BulkUpdateStatuses(ctx context.Context, rows []StatusUpdate) error {
	if err := f.fail("BulkUpdateStatuses"); err != nil {
		return err
	}
	f.Updates = append(f.Updates, rows...)
	return nil
}

func (f *Fake) InsertBlock(ctx context.Context, b chain.Block, packed []byte) error {
	if err := f.fail("InsertBlock"); err != nil {
		return err
	}
	f.Blocks = append(f.Blocks, b)
	f.Packed = append(f.Packed, packed)
	return nil
}

func (f *Fake) CommitDurable(ctx context.Context) error {
	if err := f.fail("CommitDurable"); err != nil {
		return err
	}
	f.inTx = false
	return nil
}

func (f *Fake) CommitFast(ctx context.Context) error {
	if err := f.fail("CommitFast"); err != nil {
		return err
	}
	f.inTx = false
	return nil
}

func (f *Fake) RollbackAll(ctx context.Context) error {
	if err := f.fail("RollbackAll"); err != nil {
		return err
	}
	f.inTx = false
	return nil
}

func (f *Fake) Notify(ctx context.Context, channel string, payload string) error {
	if err := f.fail("Notify"); err != nil {
		return err
	}
	f.notifies = append(f.notifies, fakeNotify{Channel: channel, Payload: payload})
	return nil
}

func (f *Fake) Close(ctx context.Context) { f.Connected = false }

// Exec and Query satisfy contractrt.SQLExecutor so tests can run the
// mining loop's Runtime against this same fake, matching how
// PGGateway's connection is shared between the two roles in production.
func (f *Fake) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := f.fail("Exec"); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *Fake) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if err := f.fail("Query"); err != nil {
		return nil, err
	}
	if f.QueryFunc != nil {
		return f.QueryFunc(query, args...)
	}
	return nil, nil
}

// Notifications returns a human-readable record of every Notify call,
// for test assertions.
func (f *Fake) Notifications() []string {
	out := make([]string, len(f.notifies))
	for i, n := range f.notifies {
		out[i] = fmt.Sprintf("%s:%s", n.Channel, n.Payload)
	}
	return out
}
