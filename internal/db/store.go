// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package db persists recovery attempts, keysets and sweep proposals in
// SQLite or PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcrecovery/recovery"
	"github.com/btcsuite/btcrecovery/sweep"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lightningnetwork/lnd/clock"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	// Register the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// dialect selects the SQL flavor of a store.
type dialect uint8

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// String returns the dialect name.
func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}

	return "sqlite"
}

// rebind rewrites ? placeholders to the numbered form postgres expects.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)

	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}

		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}

	return b.String()
}

// Store is the SQL implementation of the recovery and sweep stores.
type Store struct {
	db      *sql.DB
	dialect dialect
	clock   clock.Clock
}

// A compile-time check that Store implements the store interfaces.
var (
	_ recovery.AttemptStore = (*Store)(nil)
	_ recovery.KeysetStore  = (*Store)(nil)
	_ sweep.ProposalStore   = (*Store)(nil)
	_ sweep.KeysetSource    = (*Store)(nil)
)

func newStore(db *sql.DB, d dialect) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	return &Store{
		db:      db,
		dialect: d,
		clock:   clock.NewDefaultClock(),
	}, nil
}

// NewSQLiteStore creates a store over an SQLite database with the schema
// already applied.
func NewSQLiteStore(db *sql.DB) (*Store, error) {
	return newStore(db, dialectSQLite)
}

// NewPostgresStore creates a store over a PostgreSQL database with the schema
// already applied.
func NewPostgresStore(db *sql.DB) (*Store, error) {
	return newStore(db, dialectPostgres)
}

// OpenSQLite opens the SQLite database at path, applies the migrations and
// returns a store over it.
func OpenSQLite(path string) (*Store, error) {
	// Foreign keys on, WAL for concurrent readers, immediate locking to
	// avoid upgrade deadlocks and a busy timeout instead of SQLITE_BUSY.
	dsn := path + "?_pragma=foreign_keys=on" +
		"&_pragma=journal_mode=WAL" +
		"&_txlock=immediate" +
		"&_pragma=busy_timeout=5000"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newError(ErrDatabase, "open sqlite", err)
	}

	if err := ApplySQLiteMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Infof("Opened sqlite store at %s", path)

	return NewSQLiteStore(conn)
}

// OpenPostgres connects to the PostgreSQL database at dsn, applies the
// migrations and returns a store over it.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, newError(ErrDatabase, "open postgres", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, newError(ErrDatabase, "connect postgres", err)
	}

	if err := ApplyPostgresMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Infof("Opened postgres store")

	return NewPostgresStore(conn)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// execInTx runs f in a transaction that is committed when f succeeds and
// rolled back otherwise.
func (s *Store) execInTx(ctx context.Context, f func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newError(ErrDatabase, "begin tx", err)
	}

	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warnf("Rollback failed: %v", rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return newError(ErrDatabase, "commit tx", err)
	}

	return nil
}

// queryRecords runs a query selecting one blob column and decodes every row.
func queryRecords[T any](ctx context.Context, s *Store, decode func([]byte) (T,
	error), query string, args ...any) ([]T, error) {

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, newError(ErrDatabase, "query", err)
	}
	defer rows.Close()

	var records []T
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, newError(ErrDatabase, "scan", err)
		}

		record, err := decode(blob)
		if err != nil {
			return nil, newError(ErrCorruptRecord, "decode", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, newError(ErrDatabase, "iterate rows", err)
	}

	return records, nil
}

// queryRecord is queryRecords for a single row. notFound is returned when
// there is none.
func queryRecord[T any](ctx context.Context, s *Store, decode func([]byte) (T,
	error), notFound error, query string, args ...any) (T, error) {

	var (
		zero T
		blob []byte
	)

	row := s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
	err := row.Scan(&blob)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return zero, notFound

	case err != nil:
		return zero, newError(ErrDatabase, "query", err)
	}

	record, err := decode(blob)
	if err != nil {
		return zero, newError(ErrCorruptRecord, "decode", err)
	}

	return record, nil
}

// isUniqueViolation reports whether err is a unique constraint failure of
// either backend.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	return false
}

// unixNanos encodes a time for storage. The zero time is 0.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func wrapExec(op string, err error) error {
	if err == nil {
		return nil
	}

	return newError(ErrDatabase, op, err)
}
