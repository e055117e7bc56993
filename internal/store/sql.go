package store

// SQL text lives here as named constants, grouped together the way the
// teacher groups flag/config definitions near the top of a file rather
// than inline at each call site.
const (
	sqlSetApplicationName = `SET application_name = 'validana-processor'`
	sqlShowServerVersion  = `SHOW server_version_num`
	sqlSetStatementTimeout = `SET statement_timeout = $1`

	sqlFetchPending = `
SELECT transaction_id, version, contract_hash, valid_till, payload,
       public_key, signature, creation_ts
FROM basics.transactions
WHERE status = 'new'
ORDER BY creation_ts ASC, transaction_id ASC
LIMIT $1`

	sqlFetchContracts = `
SELECT contract_hash, contract_type, version, description, creator, contract_template, code
FROM basics.contracts`

	sqlFetchLatestBlock = `
SELECT block_id, version, previous_block_hash, processed_ts,
       transactions, transactions_amount, signature
FROM basics.blocks
ORDER BY block_id DESC
LIMIT 1`

	sqlBeginBlock = `BEGIN; SET LOCAL ROLE smartcontract; SAVEPOINT tx`

	sqlSavepointRollback = `ROLLBACK TO SAVEPOINT tx`
	sqlSavepointAdvance  = `RELEASE SAVEPOINT tx; SAVEPOINT tx`
	sqlResetRole         = `RESET ROLE`

	sqlBulkUpdateStatuses = `
UPDATE basics.transactions AS t SET
	status = u.status,
	processed_ts = u.processed_ts,
	message = u.message,
	contract_type = u.contract_type,
	sender = u.sender,
	receiver = u.receiver,
	block_id = u.block_id,
	position_in_block = u.position_in_block
FROM (
	SELECT *
	FROM unnest(
		$1::uuid[], $2::text[], $3::bigint[], $4::text[],
		$5::text[], $6::text[], $7::text[], $8::bigint[], $9::int[]
	) AS u(transaction_id, status, processed_ts, message,
	       contract_type, sender, receiver, block_id, position_in_block)
) AS u
WHERE t.transaction_id = u.transaction_id`

	sqlInsertBlock = `
INSERT INTO basics.blocks
	(block_id, version, previous_block_hash, processed_ts,
	 transactions, transactions_amount, signature)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	sqlSetSynchronousCommitOn = `SET LOCAL synchronous_commit TO ON`
	sqlCommit                 = `COMMIT`
	sqlRollback               = `ROLLBACK`

	sqlNotify = `SELECT pg_notify($1, $2)`
)
