package utils

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
)

// execLog is a minimal database/sql driver that records statements and
// transaction outcomes.
type execLog struct {
	mu        sync.Mutex
	execs     []string
	commits   int
	rollbacks int
	failOn    string
}

func (l *execLog) Connect(context.Context) (driver.Conn, error) { return &logConn{log: l}, nil }
func (l *execLog) Driver() driver.Driver                        { return nil }

type logConn struct{ log *execLog }

func (c *logConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (c *logConn) Close() error                        { return nil }
func (c *logConn) Begin() (driver.Tx, error)           { return logTx{c.log}, nil }

func (c *logConn) ExecContext(_ context.Context, q string, _ []driver.NamedValue) (driver.Result, error) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	c.log.execs = append(c.log.execs, q)
	if q == c.log.failOn {
		return nil, errors.New("syntax error")
	}
	return driver.RowsAffected(0), nil
}

type logTx struct{ log *execLog }

func (t logTx) Commit() error {
	t.log.mu.Lock()
	t.log.commits++
	t.log.mu.Unlock()
	return nil
}

func (t logTx) Rollback() error {
	t.log.mu.Lock()
	t.log.rollbacks++
	t.log.mu.Unlock()
	return nil
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	l := &execLog{}
	db := sql.OpenDB(l)
	defer db.Close()

	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT 1")
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if l.commits != 1 || l.rollbacks != 0 {
		t.Fatalf("expected commit, got commits=%d rollbacks=%d", l.commits, l.rollbacks)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	l := &execLog{}
	db := sql.OpenDB(l)
	defer db.Close()

	boom := errors.New("boom")
	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if l.commits != 0 || l.rollbacks != 1 {
		t.Fatalf("expected rollback, got commits=%d rollbacks=%d", l.commits, l.rollbacks)
	}
}

func TestEnsureSchema(t *testing.T) {
	l := &execLog{failOn: "BROKEN"}
	db := sql.OpenDB(l)
	defer db.Close()

	if err := EnsureSchema(context.Background(), db, "CREATE A", "CREATE B"); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if len(l.execs) != 2 || l.commits != 1 {
		t.Fatalf("unexpected execs=%v commits=%d", l.execs, l.commits)
	}

	if err := EnsureSchema(context.Background(), db, "CREATE C", "BROKEN"); err == nil {
		t.Fatalf("expected failing statement to surface")
	}
	if l.rollbacks != 1 {
		t.Fatalf("expected rollback after failure, got %d", l.rollbacks)
	}
}
