// Package storage is the Storage Client: parameterized SQL execution,
// advisory locks, transactions, and the row-level upsert primitive that
// every other component builds on.
package storage

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Executor is implemented by both *pgxpool.Pool and pgx.Tx, so call sites in
// C2/C3 can run identically inside or outside a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool owns the process-wide connection pool. Components receive an
// Executor (the pool itself, or a transaction) by reference and never store
// one of their own.
type Pool struct {
	db *pgxpool.Pool

	colMu   sync.RWMutex
	colsOK  map[string]bool
}

// Open connects to Postgres and verifies the connection with a ping.
func Open(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Pool{db: db, colsOK: make(map[string]bool)}, nil
}

// Close releases the underlying pool.
func (p *Pool) Close() { p.db.Close() }

// DB returns the raw pool as an Executor for call sites that don't need a
// transaction.
func (p *Pool) DB() Executor { return p.db }

// WithTx runs fn inside a transaction: commits on nil return, rolls back
// otherwise (including on panic propagation through defer).
func (p *Pool) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// advisoryKey folds an arbitrary string key into Postgres's signed 64-bit
// advisory-lock key space.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// AdvisoryLock acquires a session-scoped advisory lock on a dedicated
// connection, blocking until it is available. The returned release func
// must be called exactly once, on every exit path, to release the lock and
// return the connection to the pool.
func (p *Pool) AdvisoryLock(ctx context.Context, key string) (release func(), err error) {
	conn, err := p.db.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	k := advisoryKey(key)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, k); err != nil {
		conn.Release()
		return nil, err
	}
	return func() {
		// Best-effort unlock; even on cancellation the connection is
		// released back to the pool which terminates the session lock
		// on disconnect if the unlock call itself cannot complete.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, k); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("advisory unlock failed, relying on connection release")
		}
		conn.Release()
	}, nil
}

// WithAdvisoryLock serializes all holders of key across processes for the
// duration of fn. The lock is released on every exit path of fn, including
// context cancellation and panics that unwind through defer.
func (p *Pool) WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := p.AdvisoryLock(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// ColumnExists reports whether table.column exists, via the schema catalog.
// Results are cached in-process for the pool's lifetime since the set of
// generated columns is fixed at DDL-generation time, not at runtime (see
// the "deleted column" open question).
func (p *Pool) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	cacheKey := table + "." + column

	p.colMu.RLock()
	if ok, hit := p.colsOK[cacheKey]; hit {
		p.colMu.RUnlock()
		return ok, nil
	}
	p.colMu.RUnlock()

	var exists bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		)
	`, table, column).Scan(&exists)
	if err != nil {
		return false, err
	}

	p.colMu.Lock()
	p.colsOK[cacheKey] = exists
	p.colMu.Unlock()

	return exists, nil
}

// ErrKind classifies a storage-layer failure into one of the error kinds
// used for recovery decisions throughout the engine.
type ErrKind int

const (
	KindUnknown ErrKind = iota
	KindInvalidInput
	KindTransientTransport
	KindAuth
	KindConflict
	KindInconsistentResponse
)

// Classify inspects err and returns the error kind a caller should act on.
// Unique-constraint violations surface as KindConflict; everything else
// pgx/pgconn reports is treated as transient transport, matching the spec's
// "connection/transport errors surface as a transient error kind" rule.
func Classify(err error) ErrKind {
	if err == nil {
		return KindUnknown
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return KindConflict
		case "23503", "23502", "22P02": // FK violation, not-null, invalid text rep
			return KindInvalidInput
		}
		return KindTransientTransport
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransientTransport
	}
	return KindUnknown
}
