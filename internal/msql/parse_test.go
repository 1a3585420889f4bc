package msql

import "testing"

func TestParseTableOpsModes(t *testing.T) {
	ops, err := ParseTableOps("READ t0 t1 WRITE t2")
	if err != nil {
		t.Fatalf("ParseTableOps: %v", err)
	}
	want := TableOps{{"t0", R}, {"t1", R}, {"t2", W}}
	if len(ops) != len(want) {
		t.Fatalf("got %v want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("index %d: got %v want %v", i, ops[i], want[i])
		}
	}
}

func TestParseTableOpsShortTokens(t *testing.T) {
	ops, err := ParseTableOps("r t0 w t1")
	if err != nil {
		t.Fatalf("ParseTableOps: %v", err)
	}
	if got, ok := ops.Contains("t0"); !ok || got != R {
		t.Fatalf("t0 should be R, got %v ok=%v", got, ok)
	}
	if got, ok := ops.Contains("t1"); !ok || got != W {
		t.Fatalf("t1 should be W, got %v ok=%v", got, ok)
	}
}

func TestParseTableOpsDuplicateStrongerModeWins(t *testing.T) {
	ops, err := ParseTableOps("READ t0 WRITE t0")
	if err != nil {
		t.Fatalf("ParseTableOps: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected t0 to collapse to one entry, got %v", ops)
	}
	if ops[0].Op != W {
		t.Fatalf("expected W to win, got %v", ops[0].Op)
	}
}

func TestParseTableOpsDuplicateStrongerModeWinsRegardlessOfTokenOrder(t *testing.T) {
	ops, err := ParseTableOps("WRITE t0 READ t0")
	if err != nil {
		t.Fatalf("ParseTableOps: %v", err)
	}
	if len(ops) != 1 || ops[0].Op != W {
		t.Fatalf("W should still win irrespective of token order, got %v", ops)
	}
}

func TestParseTableOpsNoModeToken(t *testing.T) {
	if _, err := ParseTableOps("t0 t1"); err == nil {
		t.Fatalf("expected error when no READ/WRITE token precedes a table")
	}
}

func TestParseTableOpsRoundTrip(t *testing.T) {
	ops, err := ParseTableOps("READ t0 t1 WRITE t2 t3")
	if err != nil {
		t.Fatalf("ParseTableOps: %v", err)
	}
	again, err := ParseTableOps(ops.String())
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if len(again) != len(ops) {
		t.Fatalf("round trip changed length: %v -> %v", ops, again)
	}
	for _, o := range ops {
		gotOp, ok := again.Contains(o.Table)
		if !ok || gotOp != o.Op {
			t.Fatalf("round trip lost %v", o)
		}
	}
}

func TestParseMsqlTextBegin(t *testing.T) {
	m, err := ParseMsqlText("BEGIN WRITE t0 t1")
	if err != nil {
		t.Fatalf("ParseMsqlText: %v", err)
	}
	begin, ok := m.(BeginTx)
	if !ok {
		t.Fatalf("expected BeginTx, got %T", m)
	}
	if len(begin.TableOps) != 2 {
		t.Fatalf("expected 2 tableops, got %v", begin.TableOps)
	}
}

func TestParseMsqlTextBeginAllowsMixedReadWriteTables(t *testing.T) {
	m, err := ParseMsqlText("BEGIN READ t0 WRITE t1")
	if err != nil {
		t.Fatalf("ParseMsqlText: %v", err)
	}
	begin, ok := m.(BeginTx)
	if !ok {
		t.Fatalf("expected BeginTx, got %T", m)
	}
	if begin.TableOps.AccessPattern() != Mixed {
		t.Fatalf("expected Mixed tableops, got %v", begin.TableOps)
	}
}

func TestParseMsqlTextQueryWithEarlyRelease(t *testing.T) {
	m, err := ParseMsqlText("QUERY WRITE t0 t1 | UPDATE t0 SET x=1 EARLY t0")
	if err != nil {
		t.Fatalf("ParseMsqlText: %v", err)
	}
	q, ok := m.(Query)
	if !ok {
		t.Fatalf("expected Query, got %T", m)
	}
	if q.SQL != "UPDATE t0 SET x=1" {
		t.Fatalf("unexpected sql %q", q.SQL)
	}
	if !q.EarlyRelease.Has("t0") {
		t.Fatalf("expected t0 in early release set, got %v", q.EarlyRelease)
	}
}

func TestParseMsqlTextEnd(t *testing.T) {
	m, err := ParseMsqlText("END COMMIT")
	if err != nil {
		t.Fatalf("ParseMsqlText: %v", err)
	}
	end, ok := m.(EndTx)
	if !ok || end.Mode != Commit {
		t.Fatalf("expected EndTx(Commit), got %#v", m)
	}
}

func TestParseMsqlTextUnknownKeyword(t *testing.T) {
	if _, err := ParseMsqlText("FROB t0"); err == nil {
		t.Fatalf("expected error for unknown keyword")
	}
}

func TestAccessPattern(t *testing.T) {
	cases := []struct {
		in   string
		want AccessPattern
	}{
		{"READ t0 t1", ReadOnly},
		{"WRITE t0", WriteOnly},
		{"READ t0 WRITE t1", Mixed},
	}
	for _, c := range cases {
		ops, err := ParseTableOps(c.in)
		if err != nil {
			t.Fatalf("ParseTableOps(%q): %v", c.in, err)
		}
		if got := ops.AccessPattern(); got != c.want {
			t.Fatalf("%q: got %v want %v", c.in, got, c.want)
		}
	}
}
