package dbproxy

import (
	"context"
	"strings"
	"testing"

	"github.com/o2versioner/coordinator/internal/msql"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.db.Exec("CREATE TABLE t0 (id INTEGER, val TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return s
}

func TestExecAutocommitWriteAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res := s.Exec(ctx, msql.Query{SQL: "INSERT INTO t0 (id, val) VALUES (1, 'a')"}, "")
	if !res.Ok {
		t.Fatalf("insert failed: %v", res)
	}

	res = s.Exec(ctx, msql.Query{SQL: "SELECT id, val FROM t0"}, "")
	if !res.Ok {
		t.Fatalf("select failed: %v", res)
	}
	if !strings.Contains(res.Msg, "1,a") {
		t.Fatalf("expected row in output, got %q", res.Msg)
	}
}

func TestExecManagedTransactionCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	txUUID := "11111111-1111-1111-1111-111111111111"

	res := s.Exec(ctx, msql.Query{SQL: "INSERT INTO t0 (id, val) VALUES (2, 'b')"}, txUUID)
	if !res.Ok {
		t.Fatalf("insert failed: %v", res)
	}

	// Not visible outside the open transaction yet.
	outside := s.Exec(ctx, msql.Query{SQL: "SELECT id FROM t0 WHERE id = 2"}, "")
	if strings.Contains(outside.Msg, "2") {
		t.Fatalf("row should not be visible before commit, got %q", outside.Msg)
	}

	res = s.Exec(ctx, msql.EndTx{Mode: msql.Commit}, txUUID)
	if !res.Ok {
		t.Fatalf("commit failed: %v", res)
	}

	after := s.Exec(ctx, msql.Query{SQL: "SELECT id FROM t0 WHERE id = 2"}, "")
	if !strings.Contains(after.Msg, "2") {
		t.Fatalf("expected committed row visible, got %q", after.Msg)
	}
}

func TestExecManagedTransactionRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	txUUID := "22222222-2222-2222-2222-222222222222"

	s.Exec(ctx, msql.Query{SQL: "INSERT INTO t0 (id, val) VALUES (3, 'c')"}, txUUID)
	res := s.Exec(ctx, msql.EndTx{Mode: msql.Rollback}, txUUID)
	if !res.Ok {
		t.Fatalf("rollback failed: %v", res)
	}

	after := s.Exec(ctx, msql.Query{SQL: "SELECT id FROM t0 WHERE id = 3"}, "")
	if strings.Contains(after.Msg, "3") {
		t.Fatalf("row should not exist after rollback, got %q", after.Msg)
	}
}

func TestExecEndTxWithoutPriorQueryIsNoop(t *testing.T) {
	s := newTestStore(t)
	res := s.Exec(context.Background(), msql.EndTx{Mode: msql.Commit}, "33333333-3333-3333-3333-333333333333")
	if !res.Ok {
		t.Fatalf("expected ok no-op end_tx, got %v", res)
	}
}

func TestReleaseAckIsAlwaysPositive(t *testing.T) {
	s := newTestStore(t)
	ok, msg := s.ReleaseAck("tx-1", []string{"t0"})
	if !ok || msg == "" {
		t.Fatalf("expected ack with message, got ok=%v msg=%q", ok, msg)
	}
}
