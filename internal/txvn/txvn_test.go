package txvn

import (
	"testing"

	"github.com/o2versioner/coordinator/internal/msql"
)

func TestNewRejectsDuplicateTable(t *testing.T) {
	_, err := New("", []TxTableVN{
		{Table: "t0", VN: 1, Op: msql.R},
		{Table: "t0", VN: 2, Op: msql.W},
	})
	if err == nil {
		t.Fatalf("expected error for duplicate table")
	}
}

func TestLookupAndWithoutTables(t *testing.T) {
	v, err := New("tx1", []TxTableVN{
		{Table: "t0", VN: 3, Op: msql.W},
		{Table: "t1", VN: 7, Op: msql.R},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tv, ok := v.Lookup("t0")
	if !ok || tv.VN != 3 {
		t.Fatalf("Lookup(t0) = %v, %v", tv, ok)
	}
	shrunk := v.WithoutTables("t0")
	if shrunk.UUID != v.UUID {
		t.Fatalf("WithoutTables must preserve the transaction's UUID")
	}
	if _, ok := shrunk.Lookup("t0"); ok {
		t.Fatalf("t0 should have been removed")
	}
	if _, ok := shrunk.Lookup("t1"); !ok {
		t.Fatalf("t1 should remain")
	}
	if len(v.TableVNs) != 2 {
		t.Fatalf("original TxVN should be untouched by WithoutTables, got %v", v.TableVNs)
	}
}

func TestEmpty(t *testing.T) {
	var v TxVN
	if !v.Empty() {
		t.Fatalf("zero-value TxVN should be Empty")
	}
}
