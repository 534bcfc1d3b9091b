package mocks

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync/atomic"
)

// TxDB is a *sql.DB whose transactions do nothing but count commits and rollbacks
// and notify the callbacks registered with OnTxEnd.
// Statements are not supported; pair it with a store that keeps its own state.
type TxDB struct {
	DB *sql.DB

	begins    atomic.Int64
	commits   atomic.Int64
	rollbacks atomic.Int64
}

// NewTxDB opens a TxDB. Close DB when done.
func NewTxDB() *TxDB {
	t := &TxDB{}
	t.DB = sql.OpenDB(txConnector{db: t})
	return t
}

// Begins returns the number of transactions started.
func (t *TxDB) Begins() int { return int(t.begins.Load()) }

// Commits returns the number of committed transactions.
func (t *TxDB) Commits() int { return int(t.commits.Load()) }

// Rollbacks returns the number of rolled back transactions.
func (t *TxDB) Rollbacks() int { return int(t.rollbacks.Load()) }

var (
	errStatementsUnsupported = errors.New("mocks: TxDB does not execute statements")
	errNoTransaction         = errors.New("mocks: no transaction is open on this connection")
)

// onTxEndStatement is the only statement a TxDB connection accepts.
const onTxEndStatement = "-- on tx end"

// txEndFunc is called once with the outcome of the transaction.
type txEndFunc func(committed bool)

// OnTxEnd registers fn to run when tx commits (committed is true) or rolls back.
// tx must have been started on a TxDB.
func OnTxEnd(ctx context.Context, tx *sql.Tx, fn func(committed bool)) error {
	_, err := tx.ExecContext(ctx, onTxEndStatement, txEndFunc(fn))
	return err
}

type txConnector struct{ db *TxDB }

func (c txConnector) Connect(context.Context) (driver.Conn, error) { return &txConn{db: c.db}, nil }
func (c txConnector) Driver() driver.Driver                       { return txDriver(c) }

type txDriver struct{ db *TxDB }

func (d txDriver) Open(string) (driver.Conn, error) { return &txConn{db: d.db}, nil }

// txConn is used by one goroutine at a time; database/sql guarantees it.
type txConn struct {
	db *TxDB
	tx *txTx
}

func (c *txConn) Prepare(string) (driver.Stmt, error) { return nil, errStatementsUnsupported }
func (c *txConn) Close() error                        { return nil }

func (c *txConn) Begin() (driver.Tx, error) {
	c.db.begins.Add(1)
	c.tx = &txTx{conn: c}
	return c.tx, nil
}

// CheckNamedValue lets callbacks through as statement arguments.
func (c *txConn) CheckNamedValue(*driver.NamedValue) error { return nil }

func (c *txConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if query != onTxEndStatement || len(args) != 1 {
		return nil, errStatementsUnsupported
	}
	fn, ok := args[0].Value.(txEndFunc)
	if !ok {
		return nil, errStatementsUnsupported
	}
	if c.tx == nil {
		return nil, errNoTransaction
	}
	c.tx.onEnd = append(c.tx.onEnd, fn)
	return driver.RowsAffected(0), nil
}

type txTx struct {
	conn  *txConn
	onEnd []txEndFunc
}

func (t *txTx) Commit() error {
	t.conn.db.commits.Add(1)
	t.finish(true)
	return nil
}

func (t *txTx) Rollback() error {
	t.conn.db.rollbacks.Add(1)
	t.finish(false)
	return nil
}

func (t *txTx) finish(committed bool) {
	if t.conn.tx == t {
		t.conn.tx = nil
	}
	for _, fn := range t.onEnd {
		fn(committed)
	}
	t.onEnd = nil
}
