// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package sqldb

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jackc/pgx"

	"github.com/taubenpost/taubenpost/storage"
	"github.com/taubenpost/taubenpost/wire"
)

const (
	implPgx = "pgx"

	pgxTagGroupReserve    = "group_reserve"
	pgxTagGroupLoad       = "group_load"
	pgxTagGroupResvCheck  = "group_reservation_check"
	pgxTagGroupSave       = "group_save"
	pgxTagGroupDelete     = "group_delete"
	pgxTagGroupSweep      = "group_sweep"
	pgxTagGroupSweepResv  = "group_sweep_reservations"
	pgxTagClientCreate    = "client_create"
	pgxTagClientLoad      = "client_load"
	pgxTagClientUpdate    = "client_update"
	pgxTagClientDelete    = "client_delete"
	pgxTagQueueLock       = "queue_lock"
	pgxTagQueueInsert     = "queue_insert"
	pgxTagQueueAdvance    = "queue_advance"
	pgxTagQueuePrune      = "queue_prune"
	pgxTagQueueConsume    = "queue_consume"
	pgxTagQueueCount      = "queue_count"

	pgCodeUniqueViolation = "23505" // `unique_violation`
	pgCodeUndefinedTable  = "42P01" // `undefined_table`
)

// schema is the database schema required by the pgx backend.  It is
// applied by InitSchema, typically via `tpadmin initdb`.
const schema = `
CREATE TABLE IF NOT EXISTS metadata (
    schema_version SMALLINT NOT NULL
);

INSERT INTO metadata (schema_version)
    SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM metadata);

CREATE TABLE IF NOT EXISTS group_states (
    group_id   BYTEA PRIMARY KEY,
    ciphertext BYTEA NOT NULL,
    last_used  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS group_reservations (
    group_id BYTEA PRIMARY KEY,
    expires  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS clients (
    client_id     BYTEA PRIMARY KEY,
    owner_key     BYTEA NOT NULL,
    push_token    BYTEA,
    ratchet_state BYTEA NOT NULL,
    activity_time TIMESTAMPTZ NOT NULL,
    next_sequence BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS queue_messages (
    client_id       BYTEA NOT NULL REFERENCES clients (client_id) ON DELETE CASCADE,
    sequence_number BIGINT NOT NULL,
    ciphertext      BYTEA NOT NULL,
    PRIMARY KEY (client_id, sequence_number)
);
`

type pgxImpl struct {
	d *SQLDB

	pool *pgx.ConnPool
}

func (p *pgxImpl) ReserveGroup(id wire.GroupID, expires time.Time) (bool, error) {
	tag, err := p.pool.Exec(pgxTagGroupReserve, id.Bytes(), expires)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *pgxImpl) LoadGroup(id wire.GroupID) (*storage.StoredGroup, storage.GroupLoadResult, error) {
	var ctBlob []byte
	var lastUsed time.Time
	err := p.pool.QueryRow(pgxTagGroupLoad, id.Bytes()).Scan(&ctBlob, &lastUsed)
	switch {
	case err == pgx.ErrNoRows:
		var n int
		err = p.pool.QueryRow(pgxTagGroupResvCheck, id.Bytes()).Scan(&n)
		switch {
		case err == pgx.ErrNoRows:
			return nil, storage.GroupNotFound, nil
		case err != nil:
			return nil, storage.GroupNotFound, err
		default:
			return nil, storage.GroupReserved, nil
		}
	case err != nil:
		return nil, storage.GroupNotFound, err
	}

	group := &storage.StoredGroup{
		GroupID:  id,
		LastUsed: lastUsed,
	}
	if err = cbor.Unmarshal(ctBlob, &group.Ciphertext); err != nil {
		return nil, storage.GroupNotFound, fmt.Errorf("sql/pgx: malformed group ciphertext: %v", err)
	}
	return group, storage.GroupFound, nil
}

func (p *pgxImpl) SaveGroup(group *storage.StoredGroup) error {
	ctBlob, err := cbor.Marshal(&group.Ciphertext)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(pgxTagGroupSave, group.GroupID.Bytes(), ctBlob, group.LastUsed)
	return err
}

func (p *pgxImpl) DeleteGroup(id wire.GroupID) error {
	_, err := p.pool.Exec(pgxTagGroupDelete, id.Bytes())
	return err
}

func (p *pgxImpl) SweepGroups(now, lastActiveBefore time.Time) (int, error) {
	swept := 0
	tag, err := p.pool.Exec(pgxTagGroupSweepResv, now)
	if err != nil {
		return 0, err
	}
	swept += int(tag.RowsAffected())

	tag, err = p.pool.Exec(pgxTagGroupSweep, lastActiveBefore)
	if err != nil {
		return swept, err
	}
	swept += int(tag.RowsAffected())
	return swept, nil
}

func (p *pgxImpl) CreateClient(record *storage.ClientRecord) error {
	_, err := p.pool.Exec(pgxTagClientCreate, record.ClientID.Bytes(), record.OwnerVerifyingKey, record.EncryptedPushToken, record.RatchetState, record.ActivityTime)
	if err != nil && isPgUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (p *pgxImpl) LoadClient(id wire.ClientID) (*storage.ClientRecord, error) {
	record := &storage.ClientRecord{ClientID: id}
	err := p.pool.QueryRow(pgxTagClientLoad, id.Bytes()).Scan(&record.OwnerVerifyingKey, &record.EncryptedPushToken, &record.RatchetState, &record.ActivityTime)
	switch {
	case err == pgx.ErrNoRows:
		return nil, storage.ErrNotFound
	case err != nil:
		return nil, err
	}
	return record, nil
}

func (p *pgxImpl) UpdateClient(record *storage.ClientRecord) error {
	tag, err := p.pool.Exec(pgxTagClientUpdate, record.ClientID.Bytes(), record.OwnerVerifyingKey, record.EncryptedPushToken, record.RatchetState, record.ActivityTime)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (p *pgxImpl) DeleteClient(id wire.ClientID) error {
	// The queue rows go away via the FOREIGN KEY cascade.
	_, err := p.pool.Exec(pgxTagClientDelete, id.Bytes())
	return err
}

func (p *pgxImpl) Enqueue(id wire.ClientID, msg *wire.QueueMessage, ratchetState []byte) error {
	ctBlob, err := cbor.Marshal(&msg.Ciphertext)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var nextSeq int64
	err = tx.QueryRow(pgxTagQueueLock, id.Bytes()).Scan(&nextSeq)
	switch {
	case err == pgx.ErrNoRows:
		return storage.ErrNotFound
	case err != nil:
		return err
	}
	if uint64(nextSeq) != msg.SequenceNumber {
		return storage.ErrSequenceMismatch
	}

	if _, err = tx.Exec(pgxTagQueueInsert, id.Bytes(), int64(msg.SequenceNumber), ctBlob); err != nil {
		return err
	}
	if _, err = tx.Exec(pgxTagQueueAdvance, id.Bytes(), nextSeq+1, ratchetState, time.Now().UTC()); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *pgxImpl) ReadAndDelete(id wire.ClientID, fromSequence, maxCount uint64) ([]*wire.QueueMessage, uint64, error) {
	limit := int64(math.MaxInt64)
	if maxCount < math.MaxInt64 {
		limit = int64(maxCount)
	}

	tx, err := p.pool.Begin()
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	// Lock the client row to serialize against concurrent enqueues.
	var nextSeq int64
	err = tx.QueryRow(pgxTagQueueLock, id.Bytes()).Scan(&nextSeq)
	switch {
	case err == pgx.ErrNoRows:
		return nil, 0, storage.ErrNotFound
	case err != nil:
		return nil, 0, err
	}

	if _, err = tx.Exec(pgxTagQueuePrune, id.Bytes(), int64(fromSequence)); err != nil {
		return nil, 0, err
	}

	rows, err := tx.Query(pgxTagQueueConsume, id.Bytes(), int64(fromSequence), limit)
	if err != nil {
		return nil, 0, err
	}

	var msgs []*wire.QueueMessage
	for rows.Next() {
		var seq int64
		var ctBlob []byte
		if err = rows.Scan(&seq, &ctBlob); err != nil {
			rows.Close()
			return nil, 0, err
		}
		msg := &wire.QueueMessage{SequenceNumber: uint64(seq)}
		if err = cbor.Unmarshal(ctBlob, &msg.Ciphertext); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("sql/pgx: malformed queue ciphertext: %v", err)
		}
		msgs = append(msgs, msg)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}

	var remaining int64
	if err = tx.QueryRow(pgxTagQueueCount, id.Bytes()).Scan(&remaining); err != nil {
		return nil, 0, err
	}

	if err = tx.Commit(); err != nil {
		return nil, 0, err
	}
	return msgs, uint64(remaining), nil
}

func (p *pgxImpl) QueueDepth(id wire.ClientID) (uint64, error) {
	var depth int64
	if err := p.pool.QueryRow(pgxTagQueueCount, id.Bytes()).Scan(&depth); err != nil {
		return 0, err
	}
	if depth == 0 {
		// Distinguish an empty queue from a missing client.
		if _, err := p.LoadClient(id); err != nil {
			return 0, err
		}
	}
	return uint64(depth), nil
}

func (p *pgxImpl) Close() {
	p.pool.Close()
}

func (p *pgxImpl) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		p.d.log.Debug(mStr)
	case pgx.LogLevelInfo:
		p.d.log.Info(mStr)
	case pgx.LogLevelWarn:
		p.d.log.Warning(mStr)
	case pgx.LogLevelError:
		p.d.log.Error(mStr)
	}
}

func (p *pgxImpl) initMetadata() error {
	const (
		metadataQuery    = "SELECT schema_version FROM metadata;"
		pgxSchemaVersion = 0
	)

	var schemaVersion int
	err := p.pool.QueryRow(metadataQuery).Scan(&schemaVersion)
	switch {
	case err == pgx.ErrNoRows || isPgUndefinedTable(err):
		return fmt.Errorf("sql/pgx: database missing metadata, run `tpadmin initdb`?")
	case err != nil:
		return fmt.Errorf("sql/pgx: metadata query failed: %v", err)
	default:
		if schemaVersion != pgxSchemaVersion {
			return fmt.Errorf("sql/pgx: invalid schema version: %v", schemaVersion)
		}
	}

	return nil
}

func (p *pgxImpl) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{pgxTagGroupReserve, `INSERT INTO group_reservations (group_id, expires)
    SELECT $1, $2 WHERE NOT EXISTS (SELECT 1 FROM group_states WHERE group_id = $1)
    ON CONFLICT (group_id) DO UPDATE
        SET expires = EXCLUDED.expires
        WHERE group_reservations.expires <= CURRENT_TIMESTAMP;`},
		{pgxTagGroupLoad, "SELECT ciphertext, last_used FROM group_states WHERE group_id = $1;"},
		{pgxTagGroupResvCheck, "SELECT 1 FROM group_reservations WHERE group_id = $1 AND expires > CURRENT_TIMESTAMP;"},
		{pgxTagGroupSave, `WITH cleared AS (
    DELETE FROM group_reservations WHERE group_id = $1
)
INSERT INTO group_states (group_id, ciphertext, last_used)
    VALUES ($1, $2, $3)
    ON CONFLICT (group_id) DO UPDATE
        SET ciphertext = EXCLUDED.ciphertext, last_used = EXCLUDED.last_used;`},
		{pgxTagGroupDelete, "DELETE FROM group_states WHERE group_id = $1;"},
		{pgxTagGroupSweep, "DELETE FROM group_states WHERE last_used < $1;"},
		{pgxTagGroupSweepResv, "DELETE FROM group_reservations WHERE expires <= $1;"},
		{pgxTagClientCreate, "INSERT INTO clients (client_id, owner_key, push_token, ratchet_state, activity_time) VALUES ($1, $2, $3, $4, $5);"},
		{pgxTagClientLoad, "SELECT owner_key, push_token, ratchet_state, activity_time FROM clients WHERE client_id = $1;"},
		{pgxTagClientUpdate, "UPDATE clients SET owner_key = $2, push_token = $3, ratchet_state = $4, activity_time = $5 WHERE client_id = $1;"},
		{pgxTagClientDelete, "DELETE FROM clients WHERE client_id = $1;"},
		{pgxTagQueueLock, "SELECT next_sequence FROM clients WHERE client_id = $1 FOR UPDATE;"},
		{pgxTagQueueInsert, "INSERT INTO queue_messages (client_id, sequence_number, ciphertext) VALUES ($1, $2, $3);"},
		{pgxTagQueueAdvance, "UPDATE clients SET next_sequence = $2, ratchet_state = $3, activity_time = $4 WHERE client_id = $1;"},
		{pgxTagQueuePrune, "DELETE FROM queue_messages WHERE client_id = $1 AND sequence_number < $2;"},
		{pgxTagQueueConsume, `WITH batch AS (
    DELETE FROM queue_messages
    WHERE client_id = $1 AND sequence_number IN (
        SELECT sequence_number FROM queue_messages
        WHERE client_id = $1 AND sequence_number >= $2
        ORDER BY sequence_number ASC LIMIT $3
    )
    RETURNING sequence_number, ciphertext
)
SELECT sequence_number, ciphertext FROM batch ORDER BY sequence_number ASC;`},
		{pgxTagQueueCount, "SELECT COUNT(*) FROM queue_messages WHERE client_id = $1;"},
	}

	for _, v := range stmts {
		if _, err := p.pool.Prepare(v.tag, v.query); err != nil {
			p.d.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}

	return nil
}

func newPgxImpl(db *SQLDB, dataSourceName string) (dbImpl, error) {
	// The pgx connection pool code requires at least 2 conns, and internally
	// will default to 5 if unspecified.  At a minimum all of the fan-out
	// workers should be able to hit up the database simultaneously, while
	// allowing for sufficient connections to serve fetches.
	numConns := db.cfg.Storage.SQL.MaxConnections
	if n := 2 * db.cfg.Queues.FanOutWorkers; numConns < n {
		numConns = n
	}
	if numConns < 5 {
		numConns = 5
	}

	p := &pgxImpl{
		d: db,
	}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = p
	connCfg.LogLevel = toPgxLogLevel(db.cfg.Logging.Level)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: numConns,
	}

	isOk := false
	defer func() {
		if !isOk {
			if p.pool != nil {
				p.pool.Close()
			}
		}
	}()

	if p.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if err = p.initMetadata(); err != nil {
		return nil, err
	}
	if err = p.initStatements(); err != nil {
		return nil, err
	}

	isOk = true
	return p, nil
}

// Schema returns the DDL for the pgx backend's database schema.
func Schema() string {
	return schema
}

// InitSchema connects to the database and creates the schema and metadata
// required by the pgx backend.
func InitSchema(dataSourceName string) error {
	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return err
	}
	conn, err := pgx.Connect(connCfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Exec(schema)
	return err
}

func toPgxLogLevel(cfgLevel string) pgx.LogLevel {
	switch cfgLevel {
	case "ERROR":
		return pgx.LogLevelError
	case "WARNING", "NOTICE", "INFO":
		// pgx.LogLevelInfo is unsafe for user privacy, so don't expose that
		// unless debugging is enabled.
		return pgx.LogLevelWarn
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		panic("BUG: Invalid log level in toPgxLogLevel()")
	}
}

func isPgUniqueViolation(err error) bool {
	if pgxErr, ok := err.(pgx.PgError); ok {
		return pgxErr.Code == pgCodeUniqueViolation
	}
	return false
}

func isPgUndefinedTable(err error) bool {
	if pgxErr, ok := err.(pgx.PgError); ok {
		return pgxErr.Code == pgCodeUndefinedTable
	}
	return false
}
