// Package store is the Store Gateway (spec.md section 4.A): typed,
// narrow access to the relational store backing the processor —
// pending-transaction fetch, block append, status update, savepoint
// control and NOTIFY. A single non-pooled *pgx.Conn is used throughout,
// mirroring the store's own CONNECTION LIMIT 1 on the processor role:
// there is never more than one statement in flight, so a connection
// pool would only hide bugs.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Coinversable/validana-processor/internal/chain"
)

// Gateway is the operation set the mining loop depends on (spec.md
// 4.A). It is an interface so the loop can be driven against an
// in-memory fake in tests without a live database.
type Gateway interface {
	Connect(ctx context.Context) (justConnected bool, err error)
	FetchPending(ctx context.Context, limit int) ([]chain.Tx, error)
	FetchLatestBlock(ctx context.Context) (*LatestBlock, error)
	FetchContracts(ctx context.Context) ([]chain.Contract, error)
	FetchServerVersion(ctx context.Context) (int, error)
	SetStatementTimeout(ctx context.Context, ms int) error
	BeginBlock(ctx context.Context) error
	SavepointRollback(ctx context.Context) error
	SavepointAdvance(ctx context.Context) error
	ResetRole(ctx context.Context) error
	BulkUpdateStatuses(ctx context.Context, rows []StatusUpdate) error
	InsertBlock(ctx context.Context, b chain.Block, packed []byte) error
	CommitDurable(ctx context.Context) error
	CommitFast(ctx context.Context) error
	RollbackAll(ctx context.Context) error
	Notify(ctx context.Context, channel string, payload string) error
	Close(ctx context.Context)
}

// PGGateway is the jackc/pgx/v5-backed Gateway implementation.
type PGGateway struct {
	connString string
	conn       *pgx.Conn
}

// NewPGGateway builds a gateway around a Postgres connection string. No
// connection is made until Connect is called.
func NewPGGateway(connString string) *PGGateway {
	return &PGGateway{connString: connString}
}

// Connect establishes the connection if it is not already open.
// Idempotent: calling Connect on an already-open gateway is a no-op that
// reports justConnected = false, matching spec.md's "idempotent; returns
// just-connected on fresh connect".
func (g *PGGateway) Connect(ctx context.Context) (bool, error) {
	if g.conn != nil && !g.conn.IsClosed() {
		return false, nil
	}
	conn, err := pgx.Connect(ctx, g.connString)
	if err != nil {
		return false, fmt.Errorf("store: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, sqlSetApplicationName); err != nil {
		conn.Close(ctx)
		return false, fmt.Errorf("store: set application_name: %w", err)
	}
	g.conn = conn
	return true, nil
}

// Close releases the underlying connection, if any.
func (g *PGGateway) Close(ctx context.Context) {
	if g.conn != nil {
		g.conn.Close(ctx)
		g.conn = nil
	}
}

func (g *PGGateway) FetchPending(ctx context.Context, limit int) ([]chain.Tx, error) {
	rows, err := g.conn.Query(ctx, sqlFetchPending, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch_pending: %w", err)
	}
	defer rows.Close()

	var out []chain.Tx
	for rows.Next() {
		var (
			id           [16]byte
			version      uint8
			contractHash [32]byte
			validTill    int64
			payload      []byte
			pubKey       []byte
			sig          []byte
			createTs     int64
		)
		if err := rows.Scan(&id, &version, &contractHash, &validTill, &payload, &pubKey, &sig, &createTs); err != nil {
			return nil, fmt.Errorf("store: fetch_pending: scan: %w", err)
		}
		tx := chain.Tx{
			ID:           chain.TxID(id),
			Version:      version,
			ContractHash: chain.Hash256(contractHash),
			ValidTill:    validTill,
			Payload:      payload,
			CreateTs:     createTs,
		}
		copy(tx.PublicKey[:], pubKey)
		copy(tx.Signature[:], sig)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: fetch_pending: %w", err)
	}
	return out, nil
}

func (g *PGGateway) FetchLatestBlock(ctx context.Context) (*LatestBlock, error) {
	var (
		id           int64
		version      uint8
		previousHash [32]byte
		processedTs  int64
		packed       []byte
		txCount      uint16
		sig          []byte
	)
	err := g.conn.QueryRow(ctx, sqlFetchLatestBlock).Scan(&id, &version, &previousHash, &processedTs, &packed, &txCount, &sig)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch_latest_block: %w", err)
	}
	lb := &LatestBlock{
		ID:           id,
		Version:      version,
		PreviousHash: chain.Hash256(previousHash),
		ProcessedTs:  processedTs,
		Packed:       packed,
		TxCount:      txCount,
	}
	copy(lb.Signature[:], sig)
	return lb, nil
}

func (g *PGGateway) FetchContracts(ctx context.Context) ([]chain.Contract, error) {
	rows, err := g.conn.Query(ctx, sqlFetchContracts)
	if err != nil {
		return nil, fmt.Errorf("store: fetch_contracts: %w", err)
	}
	defer rows.Close()

	var out []chain.Contract
	for rows.Next() {
		var (
			hash        [32]byte
			ctype       string
			version     string
			description string
			creator     string
			template    []byte
			code        []byte
		)
		if err := rows.Scan(&hash, &ctype, &version, &description, &creator, &template, &code); err != nil {
			return nil, fmt.Errorf("store: fetch_contracts: scan: %w", err)
		}
		out = append(out, chain.Contract{
			Hash:        hash,
			Type:        ctype,
			Version:     version,
			Description: description,
			Creator:     chain.Address(creator),
			Template:    template,
			Code:        code,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: fetch_contracts: %w", err)
	}
	return out, nil
}

// Exec and Query implement contractrt.SQLExecutor, giving sandboxed
// contract code the same connection — already under role smartcontract
// inside the open savepoint — to run its own SQL against.
func (g *PGGateway) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := g.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (g *PGGateway) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := g.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (g *PGGateway) FetchServerVersion(ctx context.Context) (int, error) {
	var raw string
	if err := g.conn.QueryRow(ctx, sqlShowServerVersion).Scan(&raw); err != nil {
		return 0, fmt.Errorf("store: fetch_server_version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
		return 0, fmt.Errorf("store: fetch_server_version: parsing %q: %w", raw, err)
	}
	return version, nil
}

func (g *PGGateway) SetStatementTimeout(ctx context.Context, ms int) error {
	if _, err := g.conn.Exec(ctx, sqlSetStatementTimeout, ms); err != nil {
		return fmt.Errorf("store: set_statement_timeout: %w", err)
	}
	return nil
}

func (g *PGGateway) BeginBlock(ctx context.Context) error {
	if _, err := g.conn.Exec(ctx, sqlBeginBlock); err != nil {
		return fmt.Errorf("store: begin_block: %w", err)
	}
	return nil
}

func (g *PGGateway) SavepointRollback(ctx context.Context) error {
	if _, err := g.conn.Exec(ctx, sqlSavepointRollback); err != nil {
		return fmt.Errorf("store: savepoint_rollback: %w", err)
	}
	return nil
}

func (g *PGGateway) SavepointAdvance(ctx context.Context) error {
	if _, err := g.conn.Exec(ctx, sqlSavepointAdvance); err != nil {
		return fmt.Errorf("store: savepoint_advance: %w", err)
	}
	return nil
}

func (g *PGGateway) ResetRole(ctx context.Context) error {
	if _, err := g.conn.Exec(ctx, sqlResetRole); err != nil {
		return fmt.Errorf("store: reset_role: %w", err)
	}
	return nil
}

// BulkUpdateStatuses applies every terminalised transaction's outcome in
// a single UPDATE ... FROM unnest(...) statement (spec.md 4.A), rather
// than one round trip per row.
func (g *PGGateway) BulkUpdateStatuses(ctx context.Context, rows []StatusUpdate) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, len(rows))
	statuses := make([]string, len(rows))
	processedTs := make([]int64, len(rows))
	messages := make([]string, len(rows))
	contractTypes := make([]string, len(rows))
	senders := make([]string, len(rows))
	receivers := make([]string, len(rows))
	blockIDs := make([]*int64, len(rows))
	positions := make([]*int32, len(rows))

	for i, r := range rows {
		ids[i] = r.ID.String()
		statuses[i] = r.Status.String()
		processedTs[i] = r.ProcessedTs
		messages[i] = r.Message
		contractTypes[i] = r.ContractType
		senders[i] = string(r.Sender)
		receivers[i] = r.Receiver
		blockIDs[i] = r.BlockID
		positions[i] = r.Position
	}

	_, err := g.conn.Exec(ctx, sqlBulkUpdateStatuses,
		ids, statuses, processedTs, messages, contractTypes, senders, receivers, blockIDs, positions)
	if err != nil {
		return fmt.Errorf("store: bulk_update_statuses: %w", err)
	}
	return nil
}

func (g *PGGateway) InsertBlock(ctx context.Context, b chain.Block, packed []byte) error {
	_, err := g.conn.Exec(ctx, sqlInsertBlock,
		b.ID, b.Version, b.PreviousHash[:], b.ProcessedTs, packed, b.TransactionCount, b.Signature[:])
	if err != nil {
		return fmt.Errorf("store: insert_block: %w", err)
	}
	return nil
}

func (g *PGGateway) CommitDurable(ctx context.Context) error {
	if _, err := g.conn.Exec(ctx, sqlSetSynchronousCommitOn); err != nil {
		return fmt.Errorf("store: commit_durable: synchronous_commit: %w", err)
	}
	if _, err := g.conn.Exec(ctx, sqlCommit); err != nil {
		return fmt.Errorf("store: commit_durable: %w", err)
	}
	return nil
}

func (g *PGGateway) CommitFast(ctx context.Context) error {
	if _, err := g.conn.Exec(ctx, sqlCommit); err != nil {
		return fmt.Errorf("store: commit_fast: %w", err)
	}
	return nil
}

func (g *PGGateway) RollbackAll(ctx context.Context) error {
	if _, err := g.conn.Exec(ctx, sqlRollback); err != nil {
		return fmt.Errorf("store: rollback_all: %w", err)
	}
	return nil
}

// Notify is best-effort fan-out (spec.md: "failure logged, never
// fatal") — callers log the returned error themselves rather than treat
// it as a reason to abort the tick.
func (g *PGGateway) Notify(ctx context.Context, channel string, payload string) error {
	if _, err := g.conn.Exec(ctx, sqlNotify, channel, payload); err != nil {
		return fmt.Errorf("store: notify: %w", err)
	}
	return nil
}

// ClassifyError distinguishes a retryable environmental failure
// (statement timeout, connection loss) from a structural one, for the
// mining loop's abort_mining step.
func ClassifyError(err error) (retryable bool) {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57014": // query_canceled (statement_timeout)
			return true
		case "55000", "25P02": // invalid transaction state, in failed sql transaction
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connErr interface{ Timeout() bool }
	if errors.As(err, &connErr) && connErr.Timeout() {
		return true
	}
	return false
}
