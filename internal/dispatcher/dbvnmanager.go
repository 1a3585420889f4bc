// Package dispatcher implements the Dispatcher: the process-wide
// DbVNManager tracking each replica's per-table version counters, and
// the actor that routes queries to replicas and releases versions on
// commit/rollback/early-release.
package dispatcher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/o2versioner/coordinator/internal/msql"
	"github.com/o2versioner/coordinator/internal/txvn"
)

// tableState is one replica's bookkeeping for one table: the next
// version it is prepared to serve, and the set of R versions that have
// been released but have not yet advanced next (a "gap" while an
// earlier-numbered W or R is still outstanding).
type tableState struct {
	next      uint64
	releasedR map[uint64]struct{}
}

// DbVNManager is the shared, process-wide per-replica per-table version
// tracker. Readers (placement decisions) take
// the read lock; releases take the write lock; release also bumps a
// generation channel so suspended read placements can be woken.
type DbVNManager struct {
	mu       sync.RWMutex
	replicas map[string]map[string]*tableState // replicaAddr -> table -> state
	idemp    map[string]struct{}               // "uuid|table|replica" already processed
	gen      chan struct{}                     // closed and replaced on every state change
}

// NewDbVNManager seeds one zeroed DbVN per replica address. Tables are
// created lazily on first reference (they all start at 0 regardless).
func NewDbVNManager(replicaAddrs []string) *DbVNManager {
	m := &DbVNManager{
		replicas: make(map[string]map[string]*tableState, len(replicaAddrs)),
		idemp:    make(map[string]struct{}),
		gen:      make(chan struct{}),
	}
	for _, addr := range replicaAddrs {
		m.replicas[addr] = make(map[string]*tableState)
	}
	return m
}

func (m *DbVNManager) tableStateLocked(replica, table string) *tableState {
	tables := m.replicas[replica]
	if tables == nil {
		tables = make(map[string]*tableState)
		m.replicas[replica] = tables
	}
	ts := tables[table]
	if ts == nil {
		ts = &tableState{releasedR: make(map[uint64]struct{})}
		tables[table] = ts
	}
	return ts
}

// Replicas returns the configured replica addresses, sorted.
func (m *DbVNManager) Replicas() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.replicas))
	for addr := range m.replicas {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Wait returns the current generation channel; it is closed the next
// time any release changes replica state, letting a suspended caller
// re-check eligibility.
func (m *DbVNManager) Wait() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen
}

func (m *DbVNManager) bumpGenerationLocked() {
	close(m.gen)
	m.gen = make(chan struct{})
}

// EligibleReadReplicas returns, in stable address order, every replica
// that can serve a read for the given tableops under v: DbVN[r][t] >=
// v.lookup(t).vn for every table t.
func (m *DbVNManager) EligibleReadReplicas(ops msql.TableOps, v txvn.TxVN) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addrs := make([]string, 0, len(m.replicas))
	for addr := range m.replicas {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		ok := true
		for _, t := range ops.Tables() {
			held, found := v.Lookup(t)
			if !found {
				// Single-read fast path: empty TxVN, nothing to check.
				continue
			}
			ts := m.replicas[addr][t]
			next := uint64(0)
			if ts != nil {
				next = ts.next
			}
			if next < held.VN {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, addr)
		}
	}
	return out
}

// Per-replica in-flight request counts are kept by the caller (the
// Dispatcher's outstanding map); EligibleReadReplicas only reports
// eligibility, the Dispatcher picks among them by load.

// CanServeWrite reports whether replica is exactly caught up to serve
// every W table in v: DbVN[r][t] == v.lookup(t).vn.
func (m *DbVNManager) CanServeWrite(replica string, ops msql.TableOps, v txvn.TxVN) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range ops.Tables() {
		held, found := v.Lookup(t)
		if !found {
			return false
		}
		ts := m.replicas[replica][t]
		next := uint64(0)
		if ts != nil {
			next = ts.next
		}
		if next != held.VN {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every replica's per-table DbVN, for the
// admin/perf CSV dump.
func (m *DbVNManager) Snapshot() map[string]map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]uint64, len(m.replicas))
	for addr, tables := range m.replicas {
		cp := make(map[string]uint64, len(tables))
		for t, ts := range tables {
			cp[t] = ts.next
		}
		out[addr] = cp
	}
	return out
}

// VersionSum returns the sum of every table's DbVN on one replica,
// matching the original's "dbproxy_vn_sum" perf column.
func (m *DbVNManager) VersionSum(replica string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum uint64
	for _, ts := range m.replicas[replica] {
		sum += ts.next
	}
	return sum
}

// Release applies one replica's release of the tables held by txUUID:
// W tables bump DbVN to vn+1; R tables retire
// their single held version and, if that closes a gap at the current
// next value, advance next across every already-retired run. Duplicate
// releases for the same (txUUID, table, replica) are ignored.
func (m *DbVNManager) Release(replica string, txUUID string, releases []txvn.TxTableVN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, rel := range releases {
		key := txUUID + "|" + rel.Table + "|" + replica
		if _, done := m.idemp[key]; done {
			continue
		}
		ts := m.tableStateLocked(replica, rel.Table)
		if ts.next > rel.VN {
			// Already advanced past this vn by an earlier release; still
			// mark idempotence so a retry doesn't loop forever, but don't
			// move state backward.
			m.idemp[key] = struct{}{}
			continue
		}
		switch rel.Op {
		case msql.W:
			if ts.next != rel.VN {
				return fmt.Errorf("dispatcher: replica %s table %s: release of W vn=%d but DbVN=%d (must equal)", replica, rel.Table, rel.VN, ts.next)
			}
			ts.next = rel.VN + 1
			advanceGapFree(ts)
		case msql.R:
			ts.releasedR[rel.VN] = struct{}{}
			advanceGapFree(ts)
		}
		m.idemp[key] = struct{}{}
		changed = true
	}
	if changed {
		m.bumpGenerationLocked()
	}
	return nil
}

// advanceGapFree walks next forward across any contiguous run of
// already-retired R versions sitting right at the current boundary.
func advanceGapFree(ts *tableState) {
	for {
		if _, ok := ts.releasedR[ts.next]; !ok {
			return
		}
		delete(ts.releasedR, ts.next)
		ts.next++
	}
}
