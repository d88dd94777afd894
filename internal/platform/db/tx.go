package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conn is the query surface repositories run against: a pool, a single
// connection, or an open transaction.
type Conn interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type contextKey string

const connKey contextKey = "db_conn"

// WithConn returns a context carrying an explicit Conn. Repositories pick it
// up via ConnFromContext so a whole call tree shares one transaction.
func WithConn(ctx context.Context, conn Conn) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

// ConnFromContext returns the Conn carried by ctx, or nil.
func ConnFromContext(ctx context.Context) Conn {
	conn, _ := ctx.Value(connKey).(Conn)
	return conn
}

// InTx runs fn inside a single transaction. The transaction is placed in the
// context handed to fn, so every repository call inside fn joins it. The
// transaction commits when fn returns nil and rolls back otherwise.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithConn(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
