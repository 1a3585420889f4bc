// Package txvn holds the version-number vocabulary shared by the
// Sequencer, Scheduler and Dispatcher: the per-table version a
// transaction holds (TxTableVN/TxVN) and a replica's per-table
// next-version value (DbTableVN).
package txvn

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/o2versioner/coordinator/internal/msql"
)

// TxTableVN is the version a transaction holds on one table for one
// access mode.
type TxTableVN struct {
	Table string
	VN    uint64
	Op    msql.Op
}

// TxVN is a transaction's handle: the set of per-table versions it was
// granted by the Sequencer, plus a UUID for idempotent release tracking
// and an optional human-readable name.
type TxVN struct {
	TxName   string // optional
	UUID     uuid.UUID
	TableVNs []TxTableVN
}

// New builds a TxVN with a fresh UUID from a deduplicated set of
// TxTableVNs. Returns an error if the same table appears twice.
func New(txName string, tvns []TxTableVN) (TxVN, error) {
	seen := make(map[string]struct{}, len(tvns))
	for _, t := range tvns {
		if _, ok := seen[t.Table]; ok {
			return TxVN{}, fmt.Errorf("txvn: duplicate table %q in TxVN", t.Table)
		}
		seen[t.Table] = struct{}{}
	}
	cp := make([]TxTableVN, len(tvns))
	copy(cp, tvns)
	return TxVN{TxName: txName, UUID: uuid.New(), TableVNs: cp}, nil
}

// Lookup returns the TxTableVN held for table, if any.
func (v TxVN) Lookup(table string) (TxTableVN, bool) {
	for _, t := range v.TableVNs {
		if t.Table == table {
			return t, true
		}
	}
	return TxTableVN{}, false
}

// Tables returns the table names held, in order.
func (v TxVN) Tables() []string {
	out := make([]string, len(v.TableVNs))
	for i, t := range v.TableVNs {
		out[i] = t.Table
	}
	return out
}

// Empty reports whether the TxVN holds no tables at all.
func (v TxVN) Empty() bool { return len(v.TableVNs) == 0 }

// WithoutTables returns a copy of v with the named tables removed,
// modeling the shrinkage that occurs on early release. The returned
// TxVN keeps the same UUID: it is the same transaction, holding fewer
// tables, not a new one.
func (v TxVN) WithoutTables(tables ...string) TxVN {
	if len(tables) == 0 {
		return v
	}
	drop := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		drop[t] = struct{}{}
	}
	out := TxVN{TxName: v.TxName, UUID: v.UUID}
	for _, t := range v.TableVNs {
		if _, ok := drop[t.Table]; ok {
			continue
		}
		out.TableVNs = append(out.TableVNs, t)
	}
	return out
}

// DbTableVN is a replica's "next version to serve" on one table. The
// release wire protocol carries wire.TxTableVNDTO triples rather than
// this type, and the per-replica counters themselves are kept by the
// Dispatcher's DbVNManager.
type DbTableVN struct {
	Table string
	VN    uint64
	Op    msql.Op
}

// ClientMeta identifies a client connection and tracks how many
// transactions it has completed.
type ClientMeta struct {
	ClientAddr  string
	CurrentTxID uint64
}
